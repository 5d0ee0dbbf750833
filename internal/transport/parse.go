package transport

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// Inbound event names on the websocket wire
const (
	eventConnected  = "connected"
	eventTranscript = "transcript"
	eventEvents     = "events"
	eventError      = "error"
)

// envelope is the JSON frame pushed by the speech service
type envelope struct {
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

type transcriptItem struct {
	Transcript string `json:"transcript"`
}

// ParseTranscript extracts the text from a `[{"transcript": "..."}]` payload.
// Multiple items are joined with a space.
func ParseTranscript(data []byte) (string, error) {
	var items []transcriptItem
	if err := json.Unmarshal(data, &items); err != nil {
		return "", fmt.Errorf("invalid transcript payload: %w", err)
	}

	parts := make([]string, 0, len(items))
	for _, it := range items {
		if t := strings.TrimSpace(it.Transcript); t != "" {
			parts = append(parts, t)
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("transcript payload has no text")
	}
	return strings.Join(parts, " "), nil
}

// ParseEvent decodes the first object of an events payload
// (`[{"results": {...}}]`) into a structured value
func ParseEvent(data []byte) (*structpb.Struct, error) {
	var items []map[string]interface{}
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("invalid event payload: %w", err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("event payload is empty")
	}

	s, err := structpb.NewStruct(items[0])
	if err != nil {
		return nil, fmt.Errorf("invalid event payload: %w", err)
	}
	return s, nil
}

// EventText returns the displayable text of an event: results.masked_query
// when present, otherwise the compact JSON form
func EventText(payload *structpb.Struct) string {
	if payload == nil {
		return ""
	}
	if results := payload.GetFields()["results"].GetStructValue(); results != nil {
		if q, ok := results.GetFields()["masked_query"]; ok {
			if s := q.GetStringValue(); s != "" {
				return s
			}
		}
	}
	b, err := json.Marshal(payload.AsMap())
	if err != nil {
		return ""
	}
	return string(b)
}

// decodeFrame turns one text frame into a Message. ok is false for frames
// that carry nothing to report.
func decodeFrame(frame []byte, now time.Time) (Message, bool, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Message{}, false, fmt.Errorf("invalid frame: %w", err)
	}

	switch env.Event {
	case eventConnected:
		// Handshake acknowledgement; Connected is emitted by the dialer
		return Message{}, false, nil

	case eventTranscript:
		text, err := ParseTranscript(env.Data)
		if err != nil {
			return Message{}, false, err
		}
		return Message{Kind: KindTranscript, At: now, Text: text}, true, nil

	case eventEvents:
		payload, err := ParseEvent(env.Data)
		if err != nil {
			return Message{}, false, err
		}
		return Message{Kind: KindEvent, At: now, Payload: payload}, true, nil

	case eventError:
		reason := env.Message
		if reason == "" {
			reason = strings.Trim(string(env.Data), `"`)
		}
		if reason == "" {
			reason = "unknown error"
		}
		return Message{Kind: KindError, At: now, Reason: reason}, true, nil

	default:
		return Message{}, false, fmt.Errorf("unknown event %q", env.Event)
	}
}
