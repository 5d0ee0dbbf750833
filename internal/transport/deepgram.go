package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/audio-streamer/internal/audio"
	"github.com/lexiqai/audio-streamer/internal/config"
	"github.com/lexiqai/audio-streamer/internal/observability"
	"github.com/lexiqai/audio-streamer/internal/resilience"
)

// messageCallbackHandler embeds the SDK default handler and overrides only
// the callbacks the transport reports on
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	handler      func(*msginterfaces.MessageResponse)
	errorHandler func(*msginterfaces.ErrorResponse) error
}

func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.handler(message)
	return nil
}

func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	if m.errorHandler != nil {
		return m.errorHandler(errorResponse)
	}
	return m.DefaultCallbackHandler.Error(errorResponse)
}

// DeepgramConfig selects the Deepgram live model
type DeepgramConfig struct {
	APIKey     string
	Model      string
	Language   string
	SampleRate int
}

// DeepgramConfigFromConfig maps DEEPGRAM_* settings
func DeepgramConfigFromConfig(cfg *config.Config) DeepgramConfig {
	return DeepgramConfig{
		APIKey:     cfg.DeepgramAPIKey,
		Model:      cfg.DeepgramModel,
		Language:   cfg.DeepgramLanguage,
		SampleRate: cfg.TargetSampleRate,
	}
}

// liveOptions describes the outbound stream: mono linear16 at the target rate
func (c DeepgramConfig) liveOptions() *interfaces.LiveTranscriptionOptions {
	return &interfaces.LiveTranscriptionOptions{
		Model:          c.Model,
		Language:       c.Language,
		Punctuate:      true,
		InterimResults: false,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     c.SampleRate,
	}
}

// DeepgramClient is a Transport backed by Deepgram live transcription.
// Final transcripts arrive as KindTranscript messages.
type DeepgramClient struct {
	cfg      DeepgramConfig
	format   audio.Format
	messages chan Message
	logger   zerolog.Logger

	mu          sync.RWMutex
	client      *listenClient.WSCallback
	connected   bool
	connectedAt time.Time
	closed      bool
	bytesSent   atomic.Int64

	// SDK callbacks may still fire while Close runs
	pubMu     sync.RWMutex
	pubClosed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewDeepgramClient creates a disconnected Deepgram transport
func NewDeepgramClient(cfg DeepgramConfig) *DeepgramClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &DeepgramClient{
		cfg:      cfg,
		format:   audio.Target(cfg.SampleRate),
		messages: make(chan Message, messageBufferSize),
		logger:   observability.Component("transport.deepgram"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Connect opens the Deepgram live session
func (d *DeepgramClient) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return errors.New("transport is closed")
	}
	if d.connected {
		return errors.New("transport is already connected")
	}

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		handler:                d.handleMessage,
		errorHandler:           d.handleError,
	}

	client, err := listenClient.NewWSUsingCallback(d.ctx, d.cfg.APIKey, nil, d.cfg.liveOptions(), callback)
	if err != nil {
		observability.RecordError(observability.ErrorConnection, "transport")
		return fmt.Errorf("failed to create Deepgram client: %w", err)
	}
	if !client.Connect() {
		observability.RecordError(observability.ErrorConnection, "transport")
		return errors.New("failed to connect to Deepgram")
	}

	d.client = client
	d.connected = true
	d.connectedAt = time.Now()
	d.bytesSent.Store(0)
	observability.SetConnected(true)

	d.publish(Message{Kind: KindConnected, At: d.connectedAt})
	d.logger.Info().Str("model", d.cfg.Model).Str("language", d.cfg.Language).Msg("Deepgram streaming client started")
	return nil
}

func (d *DeepgramClient) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil || len(msg.Channel.Alternatives) == 0 {
		return
	}
	if !msg.IsFinal {
		return
	}

	text := msg.Channel.Alternatives[0].Transcript
	if text == "" {
		return
	}
	d.publish(Message{Kind: KindTranscript, At: time.Now(), Text: text})
}

func (d *DeepgramClient) handleError(er *msginterfaces.ErrorResponse) error {
	reason := "deepgram error"
	if er != nil {
		reason = fmt.Sprintf("deepgram error: %+v", *er)
	}
	d.logger.Error().Str("reason", reason).Msg("Deepgram error")
	observability.RecordError(observability.ErrorConnection, "transport")

	d.publish(Message{Kind: KindError, At: time.Now(), Reason: reason})
	d.disconnect()
	return nil
}

// disconnect marks the session down and reports it once
func (d *DeepgramClient) disconnect() {
	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return
	}
	d.connected = false
	client := d.client
	d.client = nil
	since := time.Since(d.connectedAt)
	d.mu.Unlock()

	if client != nil {
		client.Finish()
	}
	observability.SetConnected(false)

	d.publish(Message{
		Kind:               KindDisconnected,
		At:                 time.Now(),
		ConnectionDuration: since,
		AudioSentDuration:  d.format.Duration(int(d.bytesSent.Load())),
	})
}

func (d *DeepgramClient) publish(msg Message) {
	d.pubMu.RLock()
	defer d.pubMu.RUnlock()
	if d.pubClosed {
		return
	}

	select {
	case d.messages <- msg:
	case <-d.ctx.Done():
		select {
		case d.messages <- msg:
		default:
		}
	}
}

// SendAudio writes one chunk to the live session
func (d *DeepgramClient) SendAudio(ctx context.Context, chunk []byte) error {
	d.mu.RLock()
	client := d.client
	connected := d.connected
	d.mu.RUnlock()

	if !connected || client == nil {
		return ErrNotConnected
	}

	if _, err := client.Write(chunk); err != nil {
		return resilience.NewRetryableError(fmt.Errorf("failed to send audio to Deepgram: %w", err))
	}
	d.bytesSent.Add(int64(len(chunk)))
	return nil
}

// Messages returns the inbound message feed
func (d *DeepgramClient) Messages() <-chan Message {
	return d.messages
}

// IsConnected reports whether the live session is up
func (d *DeepgramClient) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected
}

// Close finishes the live session and closes the message feed
func (d *DeepgramClient) Close() error {
	d.closeOnce.Do(func() {
		d.cancel()
		d.disconnect()

		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()

		d.pubMu.Lock()
		d.pubClosed = true
		close(d.messages)
		d.pubMu.Unlock()
		d.logger.Info().Msg("Deepgram streaming client stopped")
	})
	return nil
}
