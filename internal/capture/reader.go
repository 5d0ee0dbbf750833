package capture

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/lexiqai/audio-streamer/internal/audio"
)

// ReaderSource delivers raw interleaved PCM read from r, e.g. piped from
// another recorder on stdin
type ReaderSource struct {
	r        io.Reader
	format   audio.Format
	realtime bool
	pump     *pump
}

// NewReaderSource reads PCM in format from r
func NewReaderSource(r io.Reader, format audio.Format, realtime bool) (*ReaderSource, error) {
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("invalid input format: %w", err)
	}
	return &ReaderSource{r: r, format: format, realtime: realtime, pump: newPump("reader")}, nil
}

// Format returns the configured input format
func (s *ReaderSource) Format() audio.Format {
	return s.format
}

// Install starts reading
func (s *ReaderSource) Install(bufferFrames int, onBuffer BufferFunc) error {
	if bufferFrames <= 0 {
		bufferFrames = 4096
	}

	frameSize := s.format.BytesPerFrame()
	start := time.Now()
	var frames int64

	read := func(stop <-chan struct{}) (*audio.Buffer, bool, error) {
		data := make([]byte, bufferFrames*frameSize)
		n, err := io.ReadFull(s.r, data)

		// A trailing partial frame cannot be converted
		n -= n % frameSize

		var buf *audio.Buffer
		if n > 0 {
			buf = &audio.Buffer{Format: s.format, Data: data[:n]}
			frames += int64(n / frameSize)
			if s.realtime {
				pace(start, frames, s.format.SampleRate, stop)
			}
		}

		switch {
		case err == nil:
			return buf, true, nil
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return buf, false, nil
		default:
			return buf, false, fmt.Errorf("capture read failed: %w", err)
		}
	}

	return s.pump.start(read, onBuffer)
}

// Remove stops reading. A read blocked on r returns only when r yields data or closes.
func (s *ReaderSource) Remove() error {
	s.pump.remove()
	return nil
}

// Done is closed once r is exhausted or a read fails
func (s *ReaderSource) Done() <-chan struct{} {
	return s.pump.done
}

// Err returns the read error that closed Done, or nil at a clean EOF
func (s *ReaderSource) Err() error {
	return s.pump.failure()
}
