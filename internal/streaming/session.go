package streaming

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/audio-streamer/internal/audio"
	"github.com/lexiqai/audio-streamer/internal/capture"
	"github.com/lexiqai/audio-streamer/internal/delivery"
	"github.com/lexiqai/audio-streamer/internal/observability"
)

// SessionConfig holds the per-session pipeline settings
type SessionConfig struct {
	ChunkSize        int
	TargetSampleRate int
	TapBufferFrames  int
	VAD              *audio.VADConfig
}

// SessionStats is a snapshot of one session's counters
type SessionStats struct {
	Chunks    int // emitted by the accumulator
	Delivered int
	Failed    int
	Discarded int // remainder bytes dropped at stop
}

// Session owns the converter, the capture tap and the byte queue of one
// capture run. It is built by Start and torn down by Stop, never reused.
type Session struct {
	id      string
	started time.Time
	logger  zerolog.Logger
	metrics *observability.SessionMetrics

	source capture.Source
	sink   delivery.Sink
	conv   *audio.Converter
	acc    *audio.Accumulator

	// convMu serializes conversion and append. The converter carries state
	// between buffers and converted blocks must reach the queue in capture order.
	convMu sync.Mutex
	vad    *audio.VADDetector

	closed    atomic.Bool
	delivered atomic.Int64
	failed    atomic.Int64
	discarded int
	stopOnce  sync.Once
}

// newSession negotiates the conversion and installs the tap. A converter
// setup failure is fatal: no tap is installed.
func newSession(source capture.Source, sink delivery.Sink, cfg SessionConfig) (*Session, error) {
	id := uuid.New().String()
	logger := observability.WithSessionID(id).With().Str("component", "session").Logger()

	conv, err := audio.NewConverter(source.Format(), audio.Target(cfg.TargetSampleRate))
	if err != nil {
		observability.RecordError(observability.ErrorConversion, "session")
		logger.Error().Err(err).Str("source_format", source.Format().String()).Msg("Failed to create format converter")
		return nil, fmt.Errorf("failed to set up conversion: %w", err)
	}

	s := &Session{
		id:      id,
		started: time.Now(),
		logger:  logger,
		metrics: observability.NewSessionMetrics(id),
		source:  source,
		sink:    sink,
		conv:    conv,
		vad:     audio.NewVADDetector(cfg.VAD),
	}
	s.acc = audio.NewAccumulator(cfg.ChunkSize, s.emit)

	if err := source.Install(cfg.TapBufferFrames, s.handleBuffer); err != nil {
		logger.Error().Err(err).Msg("Failed to install capture tap")
		return nil, fmt.Errorf("failed to install capture tap: %w", err)
	}

	s.metrics.RecordSessionStart()
	logger.Info().
		Str("source_format", conv.Source().String()).
		Str("target_format", conv.Target().String()).
		Int("chunk_size", s.acc.ChunkSize()).
		Msg("Capture session started")
	return s, nil
}

// ID returns the session id
func (s *Session) ID() string { return s.id }

// Formats returns the native and converted formats
func (s *Session) Formats() (native, target audio.Format) {
	return s.conv.Source(), s.conv.Target()
}

// handleBuffer is the capture tap callback
func (s *Session) handleBuffer(buf audio.Buffer) {
	if s.closed.Load() {
		return
	}
	s.metrics.RecordCaptured(len(buf.Data))

	s.convMu.Lock()
	defer s.convMu.Unlock()

	blocks, err := s.conv.Convert(buf)
	if err != nil {
		s.metrics.RecordConversionError()
		s.logger.Warn().Err(err).Int("bytes", len(buf.Data)).Msg("Dropped capture buffer")
		return
	}

	for _, block := range blocks {
		_, started, ended := s.vad.ProcessBlock(block)
		s.metrics.RecordInputLevel(s.vad.Level())
		if started {
			s.metrics.RecordSpeechStart()
			s.logger.Debug().Float64("level", s.vad.Level()).Msg("Speech started")
		} else if ended {
			s.logger.Debug().Msg("Speech ended")
		}

		s.metrics.RecordConverted(len(block))
		s.acc.Append(block)
	}
}

// emit runs under the accumulator lock and only hands the chunk to the sink
func (s *Session) emit(chunk []byte) {
	size := len(chunk)
	s.sink.Send(chunk, func(ok bool) {
		s.complete(ok, size)
	})
}

// complete is the sink's completion callback. Callbacks that arrive after
// stop are ignored.
func (s *Session) complete(ok bool, size int) {
	if s.closed.Load() {
		return
	}
	if ok {
		s.delivered.Add(1)
		return
	}
	s.failed.Add(1)
	s.logger.Warn().Int("bytes", size).Msg("Chunk lost")
}

// stop removes the tap and discards the unflushed remainder. Safe to call twice.
func (s *Session) stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.closed.Store(true)
		err = s.source.Remove()

		s.convMu.Lock()
		s.discarded = s.acc.Discard()
		s.vad.Reset()
		s.convMu.Unlock()

		s.metrics.RecordDiscarded(s.discarded)
		s.metrics.RecordSessionEnd()
		s.logger.Info().
			Int("chunks", s.acc.Emitted()).
			Int64("delivered", s.delivered.Load()).
			Int64("failed", s.failed.Load()).
			Int("discarded_bytes", s.discarded).
			Dur("duration", time.Since(s.started)).
			Msg("Capture session stopped")
	})
	if err != nil {
		return fmt.Errorf("failed to remove capture tap: %w", err)
	}
	return nil
}

// Stats returns the session counters
func (s *Session) Stats() SessionStats {
	s.convMu.Lock()
	discarded := s.discarded
	s.convMu.Unlock()

	return SessionStats{
		Chunks:    s.acc.Emitted(),
		Delivered: int(s.delivered.Load()),
		Failed:    int(s.failed.Load()),
		Discarded: discarded,
	}
}
