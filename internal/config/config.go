package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Transport names accepted by STREAM_TRANSPORT
const (
	TransportWebSocket = "websocket"
	TransportDeepgram  = "deepgram"
)

// Backpressure policies accepted by DELIVERY_BACKPRESSURE
const (
	BackpressureUnbounded  = "unbounded"
	BackpressureBlock      = "block"
	BackpressureDropOldest = "drop-oldest"
)

// Config holds all configuration for the audio streamer
type Config struct {
	// HTTP server for health, readiness and metrics
	HTTPPort string `envconfig:"HTTP_PORT" default:"8080"`

	// Streaming service connection
	StreamTransport         string `envconfig:"STREAM_TRANSPORT" default:"websocket"` // websocket, deepgram
	StreamEndpoint          string `envconfig:"STREAM_ENDPOINT" default:""`
	StreamNamespace         string `envconfig:"STREAM_NAMESPACE" default:"/events"`
	StreamAuthType          string `envconfig:"STREAM_AUTH_TYPE" default:"Bearer"`
	StreamToken             string `envconfig:"STREAM_TOKEN" default:""`
	StreamFlowID            string `envconfig:"STREAM_FLOW_ID" default:""`
	StreamExecutionID       string `envconfig:"STREAM_EXECUTION_ID" default:"1009"`
	StreamLangCode          string `envconfig:"STREAM_LANG_CODE" default:"en_US"`
	StreamTimeZone          string `envconfig:"STREAM_TIME_ZONE" default:"UTC"`
	StreamRequireConnected  bool   `envconfig:"STREAM_REQUIRE_CONNECTED" default:"false"` // Refuse to start capture while disconnected
	StreamConnectTimeout    int    `envconfig:"STREAM_CONNECT_TIMEOUT" default:"10"`      // seconds
	SpeechHealthAddr        string `envconfig:"SPEECH_HEALTH_ADDR" default:""`            // host:port of a gRPC health endpoint, optional
	SpeechHealthTLSDisabled bool   `envconfig:"SPEECH_HEALTH_INSECURE" default:"true"`

	// Deepgram transport
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`

	// Audio pipeline
	ChunkSize        int `envconfig:"AUDIO_CHUNK_SIZE" default:"4096"`         // Outbound chunk size in bytes
	TargetSampleRate int `envconfig:"AUDIO_TARGET_SAMPLE_RATE" default:"16000"` // Hz, mono int16
	TapBufferFrames  int `envconfig:"AUDIO_TAP_BUFFER_FRAMES" default:"4096"`  // Capture tap buffer size hint

	// Voice activity detection (status and metrics only)
	VADEnergyThreshold float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"500"` // RMS threshold
	VADSilenceFrames   int     `envconfig:"VAD_SILENCE_FRAMES" default:"5"`     // Silent blocks before speech ends

	// Delivery queue
	DeliveryQueueChunks int    `envconfig:"DELIVERY_QUEUE_CHUNKS" default:"0"` // 0 = unbounded
	DeliveryBackpressure string `envconfig:"DELIVERY_BACKPRESSURE" default:"unbounded"`

	// Event log
	EventLogSize int `envconfig:"EVENT_LOG_SIZE" default:"100"`

	// Microphone permission: prompt, granted, denied
	MicPermission string `envconfig:"MIC_PERMISSION" default:"prompt"`

	// Text-to-speech
	TTSBaseURL string `envconfig:"TTS_BASE_URL" default:""`
	TTSToken   string `envconfig:"TTS_TOKEN" default:""`
	TTSVoice   string `envconfig:"TTS_VOICE" default:"af_bella"`
	TTSTimeout int    `envconfig:"TTS_TIMEOUT" default:"30"` // seconds

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum send attempts per chunk
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`         // Maximum reconnection attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // Reconnection backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express
func (c *Config) Validate() error {
	switch c.StreamTransport {
	case TransportWebSocket:
		if c.StreamEndpoint == "" {
			return fmt.Errorf("STREAM_ENDPOINT is required for the %s transport", TransportWebSocket)
		}
	case TransportDeepgram:
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required for the %s transport", TransportDeepgram)
		}
	default:
		return fmt.Errorf("unknown STREAM_TRANSPORT %q", c.StreamTransport)
	}

	if c.ChunkSize <= 0 || c.ChunkSize%2 != 0 {
		return fmt.Errorf("AUDIO_CHUNK_SIZE must be a positive even number, got %d", c.ChunkSize)
	}
	if c.TargetSampleRate <= 0 {
		return fmt.Errorf("AUDIO_TARGET_SAMPLE_RATE must be positive, got %d", c.TargetSampleRate)
	}
	if c.EventLogSize <= 0 {
		return fmt.Errorf("EVENT_LOG_SIZE must be positive, got %d", c.EventLogSize)
	}

	switch c.DeliveryBackpressure {
	case BackpressureUnbounded:
	case BackpressureBlock, BackpressureDropOldest:
		if c.DeliveryQueueChunks <= 0 {
			return fmt.Errorf("DELIVERY_QUEUE_CHUNKS must be positive for the %s policy", c.DeliveryBackpressure)
		}
	default:
		return fmt.Errorf("unknown DELIVERY_BACKPRESSURE %q", c.DeliveryBackpressure)
	}

	switch c.MicPermission {
	case "prompt", "granted", "denied":
	default:
		return fmt.Errorf("unknown MIC_PERMISSION %q", c.MicPermission)
	}

	return nil
}

