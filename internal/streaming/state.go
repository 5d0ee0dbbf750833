package streaming

import (
	"errors"

	"github.com/lexiqai/audio-streamer/internal/transport"
)

// State is the capture lifecycle state of a Controller
type State int

const (
	StateIdle State = iota
	StatePermissionPending
	StatePermissionDenied
	StatePermissionGranted
	StateCapturing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePermissionPending:
		return "permission_pending"
	case StatePermissionDenied:
		return "permission_denied"
	case StatePermissionGranted:
		return "permission_granted"
	case StateCapturing:
		return "capturing"
	default:
		return "unknown"
	}
}

var (
	// ErrPermissionDenied is returned by Start after the user declined microphone access
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrPermissionNotGranted is returned by Start before permission was granted
	ErrPermissionNotGranted = errors.New("microphone permission not granted")
	// ErrAlreadyCapturing is returned by Start while a session is running
	ErrAlreadyCapturing = errors.New("capture already running")
	// ErrNotConnected is returned by Start when capture is gated on the connection
	ErrNotConnected = transport.ErrNotConnected
	// ErrClosed is returned after Close
	ErrClosed = errors.New("controller closed")
)
