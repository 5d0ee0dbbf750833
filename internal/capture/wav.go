package capture

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/wav"

	"github.com/lexiqai/audio-streamer/internal/audio"
)

// WAVSource replays a WAV file as if it were a live capture device.
// Buffers are delivered as interleaved float32, the way hardware taps
// commonly report audio.
type WAVSource struct {
	streamer beep.StreamSeekCloser
	format   audio.Format
	realtime bool
	pump     *pump

	closeOnce sync.Once
	closeErr  error
}

// OpenWAV opens path for replay. realtime paces delivery at the file's
// sample rate; otherwise buffers are delivered as fast as they are read.
func OpenWAV(path string, realtime bool) (*WAVSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	src, err := NewWAVSource(f, realtime)
	if err != nil {
		f.Close()
		return nil, err
	}
	return src, nil
}

// NewWAVSource decodes a WAV stream from r. The source owns r when r is an io.Closer.
func NewWAVSource(r io.Reader, realtime bool) (*WAVSource, error) {
	streamer, bf, err := wav.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode wav: %w", err)
	}

	channels := bf.NumChannels
	if channels > 2 {
		// beep folds everything into two channels
		channels = 2
	}

	return &WAVSource{
		streamer: streamer,
		format: audio.Format{
			SampleRate: int(bf.SampleRate),
			Channels:   channels,
			Encoding:   audio.EncodingFloat32,
		},
		realtime: realtime,
		pump:     newPump("wav"),
	}, nil
}

// Format returns the native format of delivered buffers
func (w *WAVSource) Format() audio.Format {
	return w.format
}

// Install starts replaying the file
func (w *WAVSource) Install(bufferFrames int, onBuffer BufferFunc) error {
	if bufferFrames <= 0 {
		bufferFrames = 4096
	}

	samples := make([][2]float64, bufferFrames)
	start := time.Now()
	var frames int64

	read := func(stop <-chan struct{}) (*audio.Buffer, bool, error) {
		n, ok := w.streamer.Stream(samples)
		if !ok || n == 0 {
			if err := w.streamer.Err(); err != nil {
				return nil, false, fmt.Errorf("wav read failed: %w", err)
			}
			return nil, false, nil
		}

		buf := &audio.Buffer{Format: w.format, Data: encodeFloat32(samples[:n], w.format.Channels)}

		frames += int64(n)
		if w.realtime {
			pace(start, frames, w.format.SampleRate, stop)
		}
		return buf, true, nil
	}

	return w.pump.start(read, onBuffer)
}

// Remove stops replay
func (w *WAVSource) Remove() error {
	w.pump.remove()
	return nil
}

// Done is closed once the whole file has been delivered or decoding fails
func (w *WAVSource) Done() <-chan struct{} {
	return w.pump.done
}

// Err returns the decode error that closed Done, or nil
func (w *WAVSource) Err() error {
	return w.pump.failure()
}

// Close releases the underlying file
func (w *WAVSource) Close() error {
	w.closeOnce.Do(func() {
		w.pump.remove()
		w.closeErr = w.streamer.Close()
	})
	return w.closeErr
}

func encodeFloat32(samples [][2]float64, channels int) []byte {
	out := make([]byte, len(samples)*channels*4)
	off := 0
	for _, frame := range samples {
		for ch := 0; ch < channels; ch++ {
			binary.LittleEndian.PutUint32(out[off:], math.Float32bits(float32(frame[ch])))
			off += 4
		}
	}
	return out
}
