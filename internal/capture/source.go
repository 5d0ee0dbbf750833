package capture

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/audio-streamer/internal/audio"
	"github.com/lexiqai/audio-streamer/internal/observability"
)

var (
	// ErrAlreadyInstalled is returned when a tap is installed twice
	ErrAlreadyInstalled = errors.New("capture tap already installed")
	// ErrMicUnavailable is returned when the binary has no microphone backend
	ErrMicUnavailable = errors.New("microphone capture not available in this build")
)

// BufferFunc receives one capture buffer in the source's native format.
// It runs on the source's goroutine.
type BufferFunc func(buf audio.Buffer)

// Source is an audio input that delivers native-format buffers to a tap
type Source interface {
	// Format returns the native format of delivered buffers
	Format() audio.Format

	// Install starts delivering buffers of about bufferFrames frames to onBuffer
	Install(bufferFrames int, onBuffer BufferFunc) error

	// Remove stops delivery. No callback runs after Remove returns.
	Remove() error
}

// pump runs a read loop on its own goroutine until stopped or the reader
// reports the end of input. Shared by every Source implementation.
type pump struct {
	logger zerolog.Logger

	mu      sync.Mutex
	stop    chan struct{}
	stopped chan struct{}
	done    chan struct{} // closed once input is exhausted or has failed
	err     error         // set before done closes when a read failure ended the loop
}

func newPump(kind string) *pump {
	return &pump{
		logger: observability.Component("capture").With().Str("source", kind).Logger(),
		done:   make(chan struct{}),
	}
}

// readFunc returns (buffer, more, error); a nil buffer is skipped and
// more=false ends the loop. stop is closed when the tap is removed.
type readFunc func(stop <-chan struct{}) (*audio.Buffer, bool, error)

// start launches read in a loop on a new goroutine. A read error with
// more=true is logged and the loop goes on; with more=false it ends the
// loop and is kept for Err.
func (p *pump) start(read readFunc, onBuffer BufferFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stop != nil {
		return ErrAlreadyInstalled
	}
	p.stop = make(chan struct{})
	p.stopped = make(chan struct{})

	go func(stop, stopped chan struct{}) {
		defer close(stopped)
		for {
			select {
			case <-stop:
				return
			default:
			}

			buf, more, err := read(stop)
			if buf != nil {
				buf.Captured = time.Now()
				onBuffer(*buf)
			}
			if err != nil {
				observability.RecordError(observability.ErrorCapture, "capture")
				if more {
					p.logger.Warn().Err(err).Msg("Capture read error")
				} else {
					p.logger.Error().Err(err).Msg("Capture stopped on read failure")
				}
			}
			if !more {
				p.fail(err)
				return
			}
		}
	}(p.stop, p.stopped)

	return nil
}

// fail records err, if any, and closes done
func (p *pump) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return
	default:
	}
	p.err = err
	close(p.done)
}

// failure returns the read error that ended the loop, nil after a clean end
func (p *pump) failure() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// remove stops the loop and waits for it
func (p *pump) remove() {
	p.mu.Lock()
	stop, stopped := p.stop, p.stopped
	p.stop, p.stopped = nil, nil
	p.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-stopped
}

// pace sleeps until frames of audio at rate would have played since start
func pace(start time.Time, framesSoFar int64, rate int, stop <-chan struct{}) {
	due := start.Add(time.Duration(framesSoFar) * time.Second / time.Duration(rate))
	wait := time.Until(due)
	if wait <= 0 {
		return
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
	case <-stop:
	}
}
