package streaming

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lexiqai/audio-streamer/internal/audio"
	"github.com/lexiqai/audio-streamer/internal/capture"
	"github.com/lexiqai/audio-streamer/internal/config"
	"github.com/lexiqai/audio-streamer/internal/delivery"
	"github.com/lexiqai/audio-streamer/internal/eventlog"
	"github.com/lexiqai/audio-streamer/internal/observability"
	"github.com/lexiqai/audio-streamer/internal/permission"
	"github.com/lexiqai/audio-streamer/internal/transport"
)

const updateBuffer = 64

// Update is one observable change, published in order on Updates()
type Update struct {
	State     State
	Status    string
	Connected bool
	Entry     *eventlog.Entry // set for inbound transcripts, events and errors
}

// Options wires a Controller to its collaborators
type Options struct {
	Source     capture.Source
	Sink       delivery.Sink
	Permission permission.Provider
	Transport  transport.Transport // optional; source of inbound messages and connection state
	Log        *eventlog.Log       // optional; DefaultCapacity when nil

	Session          SessionConfig
	RequireConnected bool
}

// OptionsFromConfig fills the pipeline settings from cfg
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Log: eventlog.New(cfg.EventLogSize),
		Session: SessionConfig{
			ChunkSize:        cfg.ChunkSize,
			TargetSampleRate: cfg.TargetSampleRate,
			TapBufferFrames:  cfg.TapBufferFrames,
			VAD: &audio.VADConfig{
				EnergyThreshold: cfg.VADEnergyThreshold,
				SilenceFrames:   cfg.VADSilenceFrames,
			},
		},
		RequireConnected: cfg.StreamRequireConnected,
	}
}

// Controller drives the capture state machine and collects what the speech
// service sends back
type Controller struct {
	opts   Options
	logger zerolog.Logger
	log    *eventlog.Log

	mu       sync.Mutex
	state    State
	status   string
	session  *Session
	native   audio.Format
	target   audio.Format
	closed   bool
	permOnce sync.Once
	permDone chan struct{}
	granted  bool
	permErr  error

	updMu     sync.Mutex
	updClosed bool
	updates   chan Update
}

// NewController creates an idle controller
func NewController(opts Options) (*Controller, error) {
	if opts.Source == nil {
		return nil, errors.New("capture source is required")
	}
	if opts.Sink == nil {
		return nil, errors.New("delivery sink is required")
	}
	if opts.Permission == nil {
		return nil, errors.New("permission provider is required")
	}
	if opts.Log == nil {
		opts.Log = eventlog.New(eventlog.DefaultCapacity)
	}

	return &Controller{
		opts:     opts,
		logger:   observability.Component("controller"),
		log:      opts.Log,
		state:    StateIdle,
		permDone: make(chan struct{}),
		updates:  make(chan Update, updateBuffer),
	}, nil
}

// RequestPermission asks the provider for microphone access in the
// background. Only the first call reaches the provider; the answer is cached
// for the lifetime of the controller.
func (c *Controller) RequestPermission(ctx context.Context) {
	c.permOnce.Do(func() {
		c.setState(StatePermissionPending, "Requesting microphone permission")
		go func() {
			granted, err := c.opts.Permission.RequestPermission(ctx)
			c.resolvePermission(granted, err)
		}()
	})
}

// AwaitPermission requests permission if needed and waits for the answer
func (c *Controller) AwaitPermission(ctx context.Context) (bool, error) {
	c.RequestPermission(ctx)
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-c.permDone:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.granted, c.permErr
}

func (c *Controller) resolvePermission(granted bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer close(c.permDone)

	c.granted = granted && err == nil
	c.permErr = err

	if c.granted {
		c.logger.Info().Msg("Microphone permission granted")
		c.setStateLocked(StatePermissionGranted, "Microphone permission granted")
		return
	}

	observability.RecordError(observability.ErrorPermission, "controller")
	event := c.logger.Warn()
	if err != nil {
		event = event.Err(err)
	}
	event.Msg("Microphone permission denied")
	c.setStateLocked(StatePermissionDenied, "Microphone permission denied")
}

// Start opens a capture session
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	switch c.state {
	case StateCapturing:
		return ErrAlreadyCapturing
	case StatePermissionDenied:
		return ErrPermissionDenied
	case StatePermissionPending:
		return ErrPermissionNotGranted
	case StateIdle:
		if !c.granted {
			return ErrPermissionNotGranted
		}
	}

	if c.opts.RequireConnected && !c.connected() {
		return ErrNotConnected
	}

	sess, err := newSession(c.opts.Source, c.opts.Sink, c.opts.Session)
	if err != nil {
		c.setStatusLocked(fmt.Sprintf("Failed to start streaming: %v", err))
		return err
	}

	c.session = sess
	c.native, c.target = sess.Formats()
	c.setStateLocked(StateCapturing, fmt.Sprintf("Streaming started (%d Hz, %d ch to %d Hz, %d ch)",
		c.native.SampleRate, c.native.Channels, c.target.SampleRate, c.target.Channels))
	return nil
}

// Stop ends the running session and discards its unflushed remainder.
// Stopping an idle controller is a no-op.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked()
}

func (c *Controller) stopLocked() error {
	if c.session == nil {
		return nil
	}
	sess := c.session
	c.session = nil

	err := sess.stop()
	c.setStateLocked(StateIdle, "Streaming stopped")
	return err
}

// State returns the current lifecycle state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns the last human-readable status line
func (c *Controller) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Formats returns the native and converted formats of the last started
// session; ok is false before the first start
func (c *Controller) Formats() (native, target audio.Format, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.native, c.target, c.native != audio.Format{}
}

// Session returns the running session, or nil
func (c *Controller) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Events returns the event log
func (c *Controller) Events() *eventlog.Log {
	return c.log
}

// Connected reports the transport connection state
func (c *Controller) Connected() bool {
	return c.connected()
}

func (c *Controller) connected() bool {
	return c.opts.Transport != nil && c.opts.Transport.IsConnected()
}

// Updates delivers state changes and inbound entries in order. Updates are
// dropped when the reader falls more than a buffer behind.
func (c *Controller) Updates() <-chan Update {
	return c.updates
}

// Run consumes inbound transport messages until the feed closes or ctx is
// done. Connection loss is reported but does not stop capture.
func (c *Controller) Run(ctx context.Context) error {
	if c.opts.Transport == nil {
		<-ctx.Done()
		return nil
	}

	messages := c.opts.Transport.Messages()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			c.handleMessage(msg)
		}
	}
}

func (c *Controller) handleMessage(msg transport.Message) {
	observability.RecordInbound(msg.Kind.String())

	var entry eventlog.Entry
	switch msg.Kind {
	case transport.KindConnected:
		observability.SetConnected(true)
		c.logger.Info().Msg("Connected to speech service")
		entry = c.log.Add(eventlog.KindStatus, msg.Summary())
	case transport.KindDisconnected:
		observability.SetConnected(false)
		observability.RecordError(observability.ErrorConnection, "controller")
		c.logger.Warn().
			Dur("connection_duration", msg.ConnectionDuration).
			Dur("audio_sent", msg.AudioSentDuration).
			Msg("Disconnected from speech service")
		entry = c.log.Add(eventlog.KindStatus, msg.Summary())
	case transport.KindTranscript:
		c.logger.Debug().Str("text", msg.Text).Msg("Transcript received")
		entry = c.log.Add(eventlog.KindTranscript, msg.Summary())
	case transport.KindEvent:
		entry = c.log.Add(eventlog.KindEvent, msg.Summary())
	case transport.KindError:
		c.logger.Warn().Str("reason", msg.Reason).Msg("Speech service error")
		entry = c.log.Add(eventlog.KindError, msg.Summary())
	default:
		return
	}

	c.mu.Lock()
	update := Update{State: c.state, Status: c.status, Connected: c.connected(), Entry: &entry}
	c.mu.Unlock()
	c.publish(update)
}

// Close stops capture and closes Updates
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	err := c.stopLocked()
	c.mu.Unlock()

	c.updMu.Lock()
	c.updClosed = true
	close(c.updates)
	c.updMu.Unlock()
	return err
}

func (c *Controller) setState(state State, status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStateLocked(state, status)
}

func (c *Controller) setStateLocked(state State, status string) {
	if c.state != state {
		c.logger.Debug().Str("from", c.state.String()).Str("to", state.String()).Msg("State changed")
	}
	c.state = state
	c.setStatusLocked(status)
}

func (c *Controller) setStatusLocked(status string) {
	c.status = status
	c.publish(Update{State: c.state, Status: status, Connected: c.connected()})
}

func (c *Controller) publish(u Update) {
	c.updMu.Lock()
	defer c.updMu.Unlock()
	if c.updClosed {
		return
	}
	select {
	case c.updates <- u:
	default:
		c.logger.Debug().Str("status", u.Status).Msg("Update dropped, reader is behind")
	}
}
