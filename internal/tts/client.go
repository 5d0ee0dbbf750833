package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/audio-streamer/internal/config"
	"github.com/lexiqai/audio-streamer/internal/observability"
	"github.com/lexiqai/audio-streamer/internal/resilience"
)

const streamReadSize = 8192

var (
	// ErrEmptyText is returned for blank input
	ErrEmptyText = errors.New("text input cannot be empty")
	// ErrUnknownVoice is returned for a voice outside the catalog
	ErrUnknownVoice = errors.New("unknown voice")
	// ErrBusy is returned while another request is in progress
	ErrBusy = errors.New("tts client is already synthesizing")
)

// AudioChunk is one piece of a streamed rendition. Err is set on the last
// chunk when the stream broke off.
type AudioChunk struct {
	Data []byte
	Err  error
}

// Request is the JSON body of both synthesis endpoints
type Request struct {
	Text  string `json:"text"`
	Voice string `json:"voice"`
}

// Client talks to the speech synthesis service over HTTP. One request runs
// at a time.
type Client struct {
	baseURL    string
	token      string
	voice      string
	httpClient *http.Client
	retry      *resilience.RetryConfig
	logger     zerolog.Logger

	mu       sync.Mutex
	isActive bool
}

// NewClient creates a client from TTS_* settings
func NewClient(cfg *config.Config) *Client {
	voice := cfg.TTSVoice
	if voice == "" {
		voice = DefaultVoice
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.TTSBaseURL, "/"),
		token:      cfg.TTSToken,
		voice:      voice,
		httpClient: &http.Client{Timeout: time.Duration(cfg.TTSTimeout) * time.Second},
		retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		logger: observability.Component("tts"),
	}
}

// Synthesize renders text with voice and returns the complete WAV file.
// An empty voice selects the configured default.
func (c *Client) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	req, err := c.begin(text, voice)
	if err != nil {
		return nil, err
	}
	defer c.end()

	start := time.Now()
	var audio []byte
	err = resilience.Retry(ctx, func() error {
		resp, err := c.post(ctx, "/synthesize", req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		audio, err = io.ReadAll(resp.Body)
		if err != nil {
			return resilience.NewRetryableError(fmt.Errorf("failed to read audio: %w", err))
		}
		return nil
	}, c.retry, resilience.IsRetryableNetworkError)

	observability.RecordTTS(err == nil, time.Since(start))
	if err != nil {
		c.logger.Error().Err(err).Str("voice", req.Voice).Msg("Synthesis failed")
		return nil, err
	}
	if len(audio) == 0 {
		return nil, errors.New("synthesis service returned no audio")
	}

	c.logger.Info().Str("voice", req.Voice).Int("bytes", len(audio)).Dur("latency", time.Since(start)).Msg("Synthesis complete")
	return audio, nil
}

// Stream renders text with voice and delivers the WAV bytes as they arrive.
// The channel is closed when the response ends or ctx is done.
func (c *Client) Stream(ctx context.Context, text, voice string) (<-chan *AudioChunk, error) {
	req, err := c.begin(text, voice)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var resp *http.Response
	err = resilience.Retry(ctx, func() error {
		var err error
		resp, err = c.post(ctx, "/synthesize/stream", req)
		return err
	}, c.retry, resilience.IsRetryableNetworkError)
	if err != nil {
		c.end()
		observability.RecordTTS(false, time.Since(start))
		c.logger.Error().Err(err).Str("voice", req.Voice).Msg("Streaming synthesis failed")
		return nil, err
	}

	audioChan := make(chan *AudioChunk, 10)

	go func() {
		defer func() {
			resp.Body.Close()
			c.end()
			close(audioChan)
		}()

		total := 0
		for {
			buf := make([]byte, streamReadSize)
			n, err := resp.Body.Read(buf)
			if n > 0 {
				total += n
				if !c.deliver(ctx, audioChan, &AudioChunk{Data: buf[:n]}) {
					observability.RecordTTS(false, time.Since(start))
					return
				}
			}
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				observability.RecordTTS(false, time.Since(start))
				c.logger.Error().Err(err).Int("bytes", total).Msg("Error reading synthesis stream")
				c.deliver(ctx, audioChan, &AudioChunk{Err: fmt.Errorf("synthesis stream broke off: %w", err)})
				return
			}
		}

		observability.RecordTTS(true, time.Since(start))
		c.logger.Info().Str("voice", req.Voice).Int("bytes", total).Dur("latency", time.Since(start)).Msg("Streaming synthesis complete")
	}()

	return audioChan, nil
}

func (c *Client) deliver(ctx context.Context, ch chan<- *AudioChunk, chunk *AudioChunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// begin validates the request and claims the client
func (c *Client) begin(text, voice string) (Request, error) {
	if strings.TrimSpace(text) == "" {
		return Request{}, ErrEmptyText
	}
	if voice == "" {
		voice = c.voice
	}
	if !IsVoice(voice) {
		return Request{}, fmt.Errorf("%w: %q", ErrUnknownVoice, voice)
	}
	if c.baseURL == "" {
		return Request{}, errors.New("TTS_BASE_URL is not configured")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isActive {
		return Request{}, ErrBusy
	}
	c.isActive = true
	return Request{Text: text, Voice: voice}, nil
}

func (c *Client) end() {
	c.mu.Lock()
	c.isActive = false
	c.mu.Unlock()
}

// IsActive returns whether a request is in progress
func (c *Client) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isActive
}

// post sends req and returns a 200 response. 5xx and 429 are retryable.
func (c *Client) post(ctx context.Context, path string, req Request) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/wav")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	resp.Body.Close()
	err = fmt.Errorf("synthesis service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, resilience.NewRetryableError(err)
	}
	return nil, err
}
