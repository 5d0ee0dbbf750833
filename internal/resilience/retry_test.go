package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func fastRetry(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       attempts,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// flakySend fails with errs in order, then succeeds
func flakySend(errs ...error) (RetryableFunc, *int) {
	calls := 0
	return func() error {
		calls++
		if calls <= len(errs) {
			return errs[calls-1]
		}
		return nil
	}, &calls
}

func TestRetry(t *testing.T) {
	notConnected := NewRetryableError(errors.New("transport not connected"))
	refused := errors.New("dial tcp 127.0.0.1:9000: connect: connection refused")
	badRequest := errors.New("400 bad request")

	tests := []struct {
		name      string
		errs      []error
		attempts  int
		wantCalls int
		wantErr   error
	}{
		{"first attempt succeeds", nil, 3, 1, nil},
		{"recovers after a marked error", []error{notConnected}, 3, 2, nil},
		{"recovers after a network error", []error{refused, refused}, 3, 3, nil},
		{"gives up after max attempts", []error{refused, refused, refused, refused}, 3, 3, refused},
		{"stops on a non-retryable error", []error{badRequest}, 3, 1, badRequest},
		{"zero attempts still tries once", []error{refused}, 0, 1, refused},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn, calls := flakySend(tt.errs...)
			err := Retry(context.Background(), fn, fastRetry(tt.attempts), IsRetryableNetworkError)

			if !errors.Is(err, tt.wantErr) && err != tt.wantErr {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
			if *calls != tt.wantCalls {
				t.Errorf("Expected %d calls, got %d", tt.wantCalls, *calls)
			}
		})
	}
}

func TestRetry_NilPredicateRetriesEverything(t *testing.T) {
	fn, calls := flakySend(errors.New("whatever"), errors.New("again"))
	if err := Retry(context.Background(), fn, fastRetry(3), nil); err != nil {
		t.Errorf("Expected success, got %v", err)
	}
	if *calls != 3 {
		t.Errorf("Expected 3 calls, got %d", *calls)
	}
}

func TestRetry_StopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := &RetryConfig{MaxAttempts: 10, InitialBackoff: time.Hour, BackoffMultiplier: 2.0}

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Retry(ctx, func() error {
			calls++
			return errors.New("connection reset by peer")
		}, cfg, IsRetryableNetworkError)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil || err.Error() != "connection reset by peer" {
			t.Errorf("Expected the last send error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Retry kept sleeping after cancel")
	}
	if calls != 1 {
		t.Errorf("Expected 1 call before cancel, got %d", calls)
	}
}

func TestRetry_BackoffIsCapped(t *testing.T) {
	cfg := &RetryConfig{
		MaxAttempts:       4,
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        15 * time.Millisecond,
		BackoffMultiplier: 10.0,
	}

	start := time.Now()
	fn, _ := flakySend(errors.New("timeout"), errors.New("timeout"), errors.New("timeout"))
	if err := Retry(context.Background(), fn, cfg, nil); err != nil {
		t.Fatalf("Expected success, got %v", err)
	}

	// 10ms + 15ms + 15ms; uncapped it would be 10ms + 100ms + 1s
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Backoff not capped, took %s", elapsed)
	}
}

func TestIsRetryableNetworkError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("websocket: close 1006 (abnormal closure): connection reset by peer"), true},
		{errors.New("write: broken pipe"), true},
		{errors.New("rpc error: code = Unavailable"), true},
		{errors.New("context deadline exceeded"), true},
		{errors.New("read tcp: i/o timeout"), true},
		{errors.New("Rate limit reached"), true},
		{NewRetryableError(errors.New("anything")), true},
		{fmt.Errorf("send chunk: %w", NewRetryableError(errors.New("x"))), true},
		{ErrCircuitOpen, false},
		{fmt.Errorf("deliver: %w", ErrCircuitOpen), false},
		{context.Canceled, false},
		{errors.New("invalid audio format"), false},
		{nil, false},
	}

	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = tt.err.Error()
		}
		t.Run(name, func(t *testing.T) {
			if got := IsRetryableNetworkError(tt.err); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestRetryableError(t *testing.T) {
	cause := errors.New("transport not connected")
	err := NewRetryableError(cause)

	if err.Error() != cause.Error() {
		t.Errorf("Expected message %q, got %q", cause.Error(), err.Error())
	}
	if !IsRetryable(err) || IsRetryable(cause) {
		t.Error("Only the wrapped error should be retryable")
	}
	if !errors.Is(err, cause) {
		t.Error("Expected the wrapper to unwrap to its cause")
	}
	if NewRetryableError(nil) != nil {
		t.Error("Expected nil for a nil cause")
	}
}
