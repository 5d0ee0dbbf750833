//go:build portaudio

package capture

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/lexiqai/audio-streamer/internal/audio"
)

// Microphone captures from the default PortAudio input device as int16
type Microphone struct {
	format audio.Format
	pump   *pump

	mu     sync.Mutex
	stream *portaudio.Stream
}

// OpenMicrophone initializes PortAudio. sampleRate and channels describe
// the hardware format requested from the device.
func OpenMicrophone(sampleRate, channels int) (*Microphone, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize portaudio: %w", err)
	}
	return &Microphone{
		format: audio.Format{SampleRate: sampleRate, Channels: channels, Encoding: audio.EncodingInt16},
		pump:   newPump("microphone"),
	}, nil
}

// Format returns the hardware capture format
func (m *Microphone) Format() audio.Format {
	return m.format
}

// Install opens and starts the input stream
func (m *Microphone) Install(bufferFrames int, onBuffer BufferFunc) error {
	if bufferFrames <= 0 {
		bufferFrames = 4096
	}

	in := make([]int16, bufferFrames*m.format.Channels)
	stream, err := portaudio.OpenDefaultStream(m.format.Channels, 0, float64(m.format.SampleRate), bufferFrames, in)
	if err != nil {
		return fmt.Errorf("failed to open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("failed to start input stream: %w", err)
	}

	m.mu.Lock()
	m.stream = stream
	m.mu.Unlock()

	read := func(stop <-chan struct{}) (*audio.Buffer, bool, error) {
		if err := stream.Read(); err != nil {
			select {
			case <-stop:
				return nil, false, nil
			default:
			}
			// Input overflow drops frames but the stream keeps running
			if err == portaudio.InputOverflowed {
				return nil, true, err
			}
			return nil, false, fmt.Errorf("microphone read failed: %w", err)
		}
		return &audio.Buffer{Format: m.format, Data: audio.SamplesToBytes(in)}, true, nil
	}

	return m.pump.start(read, onBuffer)
}

// Done is closed when the input stream ends, either on a device failure
// or after Remove. It stays open while the device keeps delivering.
func (m *Microphone) Done() <-chan struct{} {
	return m.pump.done
}

// Err returns the device error that closed Done
func (m *Microphone) Err() error {
	return m.pump.failure()
}

// Remove stops the input stream
func (m *Microphone) Remove() error {
	m.mu.Lock()
	stream := m.stream
	m.stream = nil
	m.mu.Unlock()

	if stream == nil {
		return nil
	}

	// Stop unblocks a pending Read
	stopErr := stream.Stop()
	m.pump.remove()
	closeErr := stream.Close()

	if stopErr != nil {
		return fmt.Errorf("failed to stop input stream: %w", stopErr)
	}
	return closeErr
}

// Close terminates PortAudio
func (m *Microphone) Close() error {
	if err := m.Remove(); err != nil {
		return err
	}
	return portaudio.Terminate()
}
