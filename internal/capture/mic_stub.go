//go:build !portaudio

package capture

import "github.com/lexiqai/audio-streamer/internal/audio"

// Microphone is unavailable without the portaudio build tag
type Microphone struct{}

// OpenMicrophone always fails; rebuild with -tags portaudio for live capture
func OpenMicrophone(sampleRate, channels int) (*Microphone, error) {
	return nil, ErrMicUnavailable
}

func (m *Microphone) Format() audio.Format { return audio.Format{} }

func (m *Microphone) Install(bufferFrames int, onBuffer BufferFunc) error {
	return ErrMicUnavailable
}

func (m *Microphone) Remove() error { return nil }

func (m *Microphone) Done() <-chan struct{} { return nil }

func (m *Microphone) Err() error { return nil }

func (m *Microphone) Close() error { return nil }
