package permission

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestStatic(t *testing.T) {
	granted, err := Static(true).RequestPermission(context.Background())
	if err != nil || !granted {
		t.Errorf("Expected grant, got %v, %v", granted, err)
	}

	granted, err = Static(false).RequestPermission(context.Background())
	if err != nil || granted {
		t.Errorf("Expected denial, got %v, %v", granted, err)
	}
}

func TestTerminalPrompt_Answers(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"  yes  \n", true},
		{"n\n", false},
		{"\n", false},
		{"maybe\n", false},
		{"y", true}, // no trailing newline
		{"", false}, // EOF
	}

	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.input), func(t *testing.T) {
			var out bytes.Buffer
			p := &TerminalPrompt{In: strings.NewReader(tt.input), Out: &out}

			got, err := p.RequestPermission(context.Background())
			if err != nil {
				t.Fatalf("RequestPermission failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Input %q: expected %v, got %v", tt.input, tt.want, got)
			}
			if !strings.Contains(out.String(), "[y/N]") {
				t.Errorf("Expected prompt text, got %q", out.String())
			}
		})
	}
}

func TestTerminalPrompt_NotATerminal(t *testing.T) {
	p := &TerminalPrompt{
		In:         strings.NewReader("y\n"),
		Out:        io.Discard,
		IsTerminal: func() bool { return false },
	}

	if _, err := p.RequestPermission(context.Background()); !errors.Is(err, ErrNoTerminal) {
		t.Errorf("Expected ErrNoTerminal, got %v", err)
	}
}

func TestTerminalPrompt_ContextCancelled(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	p := &TerminalPrompt{In: pr, Out: io.Discard}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	granted, err := p.RequestPermission(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline error, got %v", err)
	}
	if granted {
		t.Error("Expected no grant on cancellation")
	}
}

func TestFromMode(t *testing.T) {
	for _, mode := range []string{ModeGranted, ModeDenied, ModePrompt} {
		if _, err := FromMode(mode); err != nil {
			t.Errorf("FromMode(%q) failed: %v", mode, err)
		}
	}
	if _, err := FromMode("ask-later"); err == nil {
		t.Error("Expected error for unknown mode")
	}
}
