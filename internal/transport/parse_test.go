package transport

import (
	"strings"
	"testing"
	"time"
)

func TestParseTranscript(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    string
		wantErr bool
	}{
		{"single item", `[{"transcript": "hello world"}]`, "hello world", false},
		{"multiple items", `[{"transcript": "hello"}, {"transcript": " world "}]`, "hello world", false},
		{"blank items skipped", `[{"transcript": ""}, {"transcript": "ok"}]`, "ok", false},
		{"no text", `[{"transcript": "  "}]`, "", true},
		{"empty list", `[]`, "", true},
		{"not a list", `{"transcript": "x"}`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTranscript([]byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Expected error %v, got %v", tt.wantErr, err)
			}
			if got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestParseEvent_MaskedQuery(t *testing.T) {
	payload, err := ParseEvent([]byte(`[{"results": {"masked_query": "pump ***** pressure", "score": 0.9}}]`))
	if err != nil {
		t.Fatalf("ParseEvent failed: %v", err)
	}

	if got := EventText(payload); got != "pump ***** pressure" {
		t.Errorf("Expected masked query text, got %q", got)
	}
}

func TestParseEvent_FallsBackToJSON(t *testing.T) {
	payload, err := ParseEvent([]byte(`[{"intent": "stop"}]`))
	if err != nil {
		t.Fatalf("ParseEvent failed: %v", err)
	}

	if got := EventText(payload); got != `{"intent":"stop"}` {
		t.Errorf("Expected compact JSON, got %q", got)
	}
}

func TestParseEvent_Invalid(t *testing.T) {
	for _, data := range []string{`[]`, `{}`, `not json`} {
		if _, err := ParseEvent([]byte(data)); err == nil {
			t.Errorf("Expected error for %q", data)
		}
	}
}

func TestDecodeFrame(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		frame    string
		wantOK   bool
		wantKind Kind
		wantText string
		wantErr  bool
	}{
		{"transcript", `{"event":"transcript","data":[{"transcript":"hi"}]}`, true, KindTranscript, "hi", false},
		{"event", `{"event":"events","data":[{"results":{"masked_query":"q"}}]}`, true, KindEvent, "q", false},
		{"error message", `{"event":"error","message":"bad token"}`, true, KindError, "bad token", false},
		{"error data", `{"event":"error","data":"quota"}`, true, KindError, "quota", false},
		{"connected ack", `{"event":"connected"}`, false, 0, "", false},
		{"unknown", `{"event":"ping"}`, false, 0, "", true},
		{"garbage", `{`, false, 0, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, ok, err := decodeFrame([]byte(tt.frame), now)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Expected error %v, got %v", tt.wantErr, err)
			}
			if ok != tt.wantOK {
				t.Fatalf("Expected ok %v, got %v", tt.wantOK, ok)
			}
			if !ok {
				return
			}
			if msg.Kind != tt.wantKind {
				t.Errorf("Expected kind %s, got %s", tt.wantKind, msg.Kind)
			}
			if msg.Summary() != tt.wantText {
				t.Errorf("Expected summary %q, got %q", tt.wantText, msg.Summary())
			}
			if !msg.At.Equal(now) {
				t.Errorf("Expected timestamp %v, got %v", now, msg.At)
			}
		})
	}
}

func TestMessage_SummaryDisconnected(t *testing.T) {
	m := Message{
		Kind:               KindDisconnected,
		ConnectionDuration: 90 * time.Second,
		AudioSentDuration:  1280 * time.Millisecond,
	}

	got := m.Summary()
	if !strings.Contains(got, "1m30s") || !strings.Contains(got, "1.28s") {
		t.Errorf("Expected durations in summary, got %q", got)
	}
}
