package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lexiqai/audio-streamer/internal/resilience"
)

// ErrNotConnected is returned by SendAudio while the connection is down.
// It is marked retryable so the delivery worker backs off and tries again.
var ErrNotConnected = resilience.NewRetryableError(errors.New("transport not connected"))

// Kind tags an inbound Message
type Kind int

const (
	KindConnected Kind = iota
	KindDisconnected
	KindTranscript
	KindEvent
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindConnected:
		return "connected"
	case KindDisconnected:
		return "disconnected"
	case KindTranscript:
		return "transcript"
	case KindEvent:
		return "event"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Message is one notification from the speech service. Only the fields that
// belong to Kind are set.
type Message struct {
	Kind Kind
	At   time.Time

	// KindTranscript
	Text string

	// KindEvent
	Payload *structpb.Struct

	// KindError
	Reason string

	// KindDisconnected
	ConnectionDuration time.Duration
	AudioSentDuration  time.Duration
}

// Summary renders the message as a single event-log line
func (m Message) Summary() string {
	switch m.Kind {
	case KindConnected:
		return "Connected"
	case KindDisconnected:
		return fmt.Sprintf("Disconnected after %s (%s of audio sent)",
			m.ConnectionDuration.Round(time.Millisecond), m.AudioSentDuration.Round(time.Millisecond))
	case KindTranscript:
		return m.Text
	case KindEvent:
		return EventText(m.Payload)
	case KindError:
		return m.Reason
	default:
		return ""
	}
}

// Transport is a persistent connection to a speech-processing service
type Transport interface {
	// Connect opens the connection. Messages start flowing afterwards.
	Connect(ctx context.Context) error

	// SendAudio writes one outbound chunk of mono int16 PCM
	SendAudio(ctx context.Context, chunk []byte) error

	// Messages is closed after Close returns
	Messages() <-chan Message

	IsConnected() bool

	Close() error
}
