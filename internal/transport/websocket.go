package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/audio-streamer/internal/audio"
	"github.com/lexiqai/audio-streamer/internal/config"
	"github.com/lexiqai/audio-streamer/internal/observability"
	"github.com/lexiqai/audio-streamer/internal/resilience"
)

const (
	writeTimeout      = 10 * time.Second
	messageBufferSize = 64
)

// WebSocketConfig describes how to reach the streaming endpoint
type WebSocketConfig struct {
	Endpoint    string
	Namespace   string
	AuthType    string
	Token       string
	FlowID      string
	ExecutionID string
	LangCode    string
	TimeZone    string

	ConnectTimeout time.Duration
	Reconnect      *resilience.ReconnectConfig

	// Format of outbound chunks, used to report audio sent duration
	Format audio.Format
}

// WebSocketConfigFromConfig maps STREAM_* settings
func WebSocketConfigFromConfig(cfg *config.Config) WebSocketConfig {
	return WebSocketConfig{
		Endpoint:       cfg.StreamEndpoint,
		Namespace:      cfg.StreamNamespace,
		AuthType:       cfg.StreamAuthType,
		Token:          cfg.StreamToken,
		FlowID:         cfg.StreamFlowID,
		ExecutionID:    cfg.StreamExecutionID,
		LangCode:       cfg.StreamLangCode,
		TimeZone:       cfg.StreamTimeZone,
		ConnectTimeout: time.Duration(cfg.StreamConnectTimeout) * time.Second,
		Reconnect: &resilience.ReconnectConfig{
			MaxAttempts: cfg.ReconnectMaxAttempts,
			Backoff:     time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
			Multiplier:  2.0,
			MaxBackoff:  30 * time.Second,
		},
		Format: audio.Target(cfg.TargetSampleRate),
	}
}

// URL builds the websocket URL: endpoint + namespace, with the streaming
// parameters as query values
func (c WebSocketConfig) URL() (string, error) {
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", c.Endpoint, err)
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid endpoint %q: unsupported scheme", c.Endpoint)
	}

	if c.Namespace != "" {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(c.Namespace, "/")
	}

	q := u.Query()
	setIf := func(key, value string) {
		if value != "" {
			q.Set(key, value)
		}
	}
	setIf("flow_id", c.FlowID)
	setIf("execution_id", c.ExecutionID)
	setIf("lang_code", c.LangCode)
	setIf("time_zone", c.TimeZone)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

func (c WebSocketConfig) header() http.Header {
	h := http.Header{}
	if c.Token != "" {
		authType := c.AuthType
		if authType == "" {
			authType = "Bearer"
		}
		h.Set("Authorization", authType+" "+c.Token)
	}
	return h
}

// WebSocketClient streams binary audio frames to the speech service and
// decodes the JSON frames it pushes back
type WebSocketClient struct {
	cfg      WebSocketConfig
	dialer   *websocket.Dialer
	messages chan Message
	logger   zerolog.Logger

	mu          sync.RWMutex
	conn        *websocket.Conn
	connectedAt time.Time
	closed      bool

	writeMu   sync.Mutex
	bytesSent atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewWebSocketClient creates a disconnected client
func NewWebSocketClient(cfg WebSocketConfig) *WebSocketClient {
	ctx, cancel := context.WithCancel(context.Background())
	if cfg.Reconnect == nil {
		cfg.Reconnect = resilience.DefaultReconnectConfig()
	}
	return &WebSocketClient{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.ConnectTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		messages: make(chan Message, messageBufferSize),
		logger:   observability.Component("transport.websocket"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Connect dials the endpoint and starts the read loop
func (c *WebSocketClient) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		observability.RecordError(observability.ErrorConnection, "transport")
		return err
	}
	return c.attach(conn)
}

func (c *WebSocketClient) dial(ctx context.Context) (*websocket.Conn, error) {
	target, err := c.cfg.URL()
	if err != nil {
		return nil, err
	}

	if c.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
	}

	conn, resp, err := c.dialer.DialContext(ctx, target, c.cfg.header())
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to %s: %s: %w", c.cfg.Endpoint, resp.Status, err)
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", c.cfg.Endpoint, err)
	}
	return conn, nil
}

// attach installs conn as the live connection and starts its read loop
func (c *WebSocketClient) attach(conn *websocket.Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		conn.Close()
		return errors.New("transport is closed")
	}
	if c.conn != nil {
		conn.Close()
		return errors.New("transport is already connected")
	}

	c.conn = conn
	c.connectedAt = time.Now()
	c.bytesSent.Store(0)
	observability.SetConnected(true)

	c.wg.Add(1)
	go c.readLoop(conn)

	c.logger.Info().Str("endpoint", c.cfg.Endpoint).Msg("Streaming connection established")
	return nil
}

func (c *WebSocketClient) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	c.publish(Message{Kind: KindConnected, At: time.Now()})

	for {
		msgType, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			c.handleDisconnect(conn, err)
			return
		}

		if msgType != websocket.TextMessage {
			continue
		}

		msg, ok, err := decodeFrame(frame, time.Now())
		if err != nil {
			c.logger.Warn().Err(err).Msg("Dropping undecodable frame")
			continue
		}
		if ok {
			c.publish(msg)
		}
	}
}

func (c *WebSocketClient) handleDisconnect(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	connected := time.Since(c.connectedAt)
	closed := c.closed
	c.mu.Unlock()

	conn.Close()
	observability.SetConnected(false)

	c.publish(Message{
		Kind:               KindDisconnected,
		At:                 time.Now(),
		ConnectionDuration: connected,
		AudioSentDuration:  c.cfg.Format.Duration(int(c.bytesSent.Load())),
	})

	if closed {
		return
	}

	observability.RecordError(observability.ErrorConnection, "transport")
	c.logger.Warn().Err(cause).Msg("Streaming connection lost, reconnecting")

	err := resilience.Reconnect(c.ctx, func(ctx context.Context) error {
		next, err := c.dial(ctx)
		if err != nil {
			return err
		}
		return c.attach(next)
	}, c.cfg.Reconnect)

	if err != nil && c.ctx.Err() == nil {
		c.logger.Error().Err(err).Msg("Giving up on streaming connection")
		c.publish(Message{Kind: KindError, At: time.Now(), Reason: err.Error()})
	}
}

// publish delivers msg unless the client is shutting down and nobody reads
func (c *WebSocketClient) publish(msg Message) {
	select {
	case c.messages <- msg:
		return
	case <-c.ctx.Done():
	}
	select {
	case c.messages <- msg:
	default:
	}
}

// SendAudio writes chunk as one binary frame
func (c *WebSocketClient) SendAudio(ctx context.Context, chunk []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetWriteDeadline(deadline)

	if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
		// Closing wakes the read loop, which reports the disconnect
		conn.Close()
		return resilience.NewRetryableError(fmt.Errorf("failed to send audio: %w", err))
	}

	c.bytesSent.Add(int64(len(chunk)))
	return nil
}

// Messages returns the inbound message feed
func (c *WebSocketClient) Messages() <-chan Message {
	return c.messages
}

// IsConnected reports whether a connection is currently up
func (c *WebSocketClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Close stops reconnecting, closes the connection and the message feed
func (c *WebSocketClient) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		conn := c.conn
		c.mu.Unlock()

		c.cancel()

		if conn != nil {
			c.writeMu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
			conn.Close()
		}

		c.wg.Wait()
		close(c.messages)
		c.logger.Info().Msg("Streaming connection closed")
	})
	return nil
}
