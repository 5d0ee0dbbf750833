package config

import (
	"os"
	"testing"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("STREAM_TRANSPORT", "websocket")
	t.Setenv("STREAM_ENDPOINT", "wss://speech.example.com")
}

func TestLoadFromEnv(t *testing.T) {
	setRequired(t)
	t.Setenv("STREAM_TOKEN", "test-token")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.StreamEndpoint != "wss://speech.example.com" {
		t.Errorf("Expected StreamEndpoint 'wss://speech.example.com', got '%s'", cfg.StreamEndpoint)
	}
	if cfg.StreamToken != "test-token" {
		t.Errorf("Expected StreamToken 'test-token', got '%s'", cfg.StreamToken)
	}
}

func TestLoad_MissingEndpoint(t *testing.T) {
	t.Setenv("STREAM_TRANSPORT", "websocket")
	os.Unsetenv("STREAM_ENDPOINT")

	_, err := LoadFromEnv()
	if err == nil {
		t.Error("Expected error when STREAM_ENDPOINT is missing")
	}
}

func TestLoad_DeepgramRequiresKey(t *testing.T) {
	t.Setenv("STREAM_TRANSPORT", "deepgram")
	os.Unsetenv("DEEPGRAM_API_KEY")

	if _, err := LoadFromEnv(); err == nil {
		t.Error("Expected error when DEEPGRAM_API_KEY is missing")
	}

	t.Setenv("DEEPGRAM_API_KEY", "dg-key")
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}
	if cfg.DeepgramModel != "nova-2" {
		t.Errorf("Expected default DeepgramModel 'nova-2', got '%s'", cfg.DeepgramModel)
	}
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.HTTPPort != "8080" {
		t.Errorf("Expected default HTTPPort '8080', got '%s'", cfg.HTTPPort)
	}
	if cfg.ChunkSize != 4096 {
		t.Errorf("Expected default ChunkSize 4096, got %d", cfg.ChunkSize)
	}
	if cfg.TargetSampleRate != 16000 {
		t.Errorf("Expected default TargetSampleRate 16000, got %d", cfg.TargetSampleRate)
	}
	if cfg.TapBufferFrames != 4096 {
		t.Errorf("Expected default TapBufferFrames 4096, got %d", cfg.TapBufferFrames)
	}
	if cfg.EventLogSize != 100 {
		t.Errorf("Expected default EventLogSize 100, got %d", cfg.EventLogSize)
	}
	if cfg.StreamNamespace != "/events" {
		t.Errorf("Expected default StreamNamespace '/events', got '%s'", cfg.StreamNamespace)
	}
	if cfg.StreamLangCode != "en_US" {
		t.Errorf("Expected default StreamLangCode 'en_US', got '%s'", cfg.StreamLangCode)
	}
	if cfg.DeliveryBackpressure != BackpressureUnbounded {
		t.Errorf("Expected default DeliveryBackpressure '%s', got '%s'", BackpressureUnbounded, cfg.DeliveryBackpressure)
	}
	if cfg.StreamRequireConnected {
		t.Error("Expected default StreamRequireConnected false, got true")
	}
	if cfg.TTSVoice != "af_bella" {
		t.Errorf("Expected default TTSVoice 'af_bella', got '%s'", cfg.TTSVoice)
	}
	if cfg.VADEnergyThreshold != 500 {
		t.Errorf("Expected default VADEnergyThreshold 500, got %.1f", cfg.VADEnergyThreshold)
	}
	if cfg.VADSilenceFrames != 5 {
		t.Errorf("Expected default VADSilenceFrames 5, got %d", cfg.VADSilenceFrames)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"odd chunk size", "AUDIO_CHUNK_SIZE", "4095"},
		{"zero chunk size", "AUDIO_CHUNK_SIZE", "0"},
		{"unknown transport", "STREAM_TRANSPORT", "carrier-pigeon"},
		{"unknown backpressure", "DELIVERY_BACKPRESSURE", "shrug"},
		{"bounded without size", "DELIVERY_BACKPRESSURE", "block"},
		{"unknown permission", "MIC_PERMISSION", "maybe"},
		{"zero event log", "EVENT_LOG_SIZE", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.key, tt.value)
			if _, err := LoadFromEnv(); err == nil {
				t.Errorf("Expected error for %s=%s", tt.key, tt.value)
			}
		})
	}
}

func TestLoad_BoundedBackpressure(t *testing.T) {
	setRequired(t)
	t.Setenv("DELIVERY_BACKPRESSURE", "drop-oldest")
	t.Setenv("DELIVERY_QUEUE_CHUNKS", "32")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}
	if cfg.DeliveryQueueChunks != 32 {
		t.Errorf("Expected DeliveryQueueChunks 32, got %d", cfg.DeliveryQueueChunks)
	}
}

func TestConfig_ResilienceDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.CircuitBreakerMaxFailures != 5 {
		t.Errorf("Expected default CircuitBreakerMaxFailures 5, got %d", cfg.CircuitBreakerMaxFailures)
	}
	if cfg.RetryMaxAttempts != 3 {
		t.Errorf("Expected default RetryMaxAttempts 3, got %d", cfg.RetryMaxAttempts)
	}
	if cfg.ReconnectBackoff != 1000 {
		t.Errorf("Expected default ReconnectBackoff 1000, got %d", cfg.ReconnectBackoff)
	}
}

func TestConfig_ObservabilityDefaults(t *testing.T) {
	setRequired(t)
	os.Unsetenv("LOG_LEVEL")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("Expected default LogLevel 'info', got '%s'", cfg.LogLevel)
	}
	if cfg.LogPretty {
		t.Error("Expected default LogPretty false, got true")
	}
	if !cfg.MetricsEnabled {
		t.Error("Expected default MetricsEnabled true, got false")
	}
}
