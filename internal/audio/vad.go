package audio

// VADConfig holds configuration for Voice Activity Detection
type VADConfig struct {
	EnergyThreshold float64 // RMS energy threshold for speech detection
	SilenceFrames   int     // Number of consecutive silent blocks that end speech
}

// DefaultVADConfig returns a default VAD configuration for ~100ms converted blocks
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold: 500.0,
		SilenceFrames:   5, // 500ms of silence
	}
}

// VADDetector tracks whether the microphone is currently picking up speech.
// It only drives status and metrics; every block is streamed regardless.
type VADDetector struct {
	config         *VADConfig
	silenceCounter int
	isSpeaking     bool
	lastLevel      float64
}

// NewVADDetector creates a new VAD detector
func NewVADDetector(config *VADConfig) *VADDetector {
	if config == nil {
		config = DefaultVADConfig()
	}
	return &VADDetector{config: config}
}

// ProcessBlock processes one block of little-endian int16 PCM
// Returns: (isSpeaking, speechStarted, speechEnded)
func (v *VADDetector) ProcessBlock(pcm []byte) (bool, bool, bool) {
	return v.ProcessFrame(BytesToSamples(pcm))
}

// ProcessFrame processes decoded samples
// Returns: (isSpeaking, speechStarted, speechEnded)
func (v *VADDetector) ProcessFrame(samples []int16) (bool, bool, bool) {
	v.lastLevel = CalculateRMS(samples)
	frameHasSpeech := v.lastLevel > v.config.EnergyThreshold

	var speechStarted, speechEnded bool

	if frameHasSpeech {
		v.silenceCounter = 0
		if !v.isSpeaking {
			speechStarted = true
			v.isSpeaking = true
		}
	} else {
		v.silenceCounter++
		if v.isSpeaking && v.silenceCounter >= v.config.SilenceFrames {
			speechEnded = true
			v.isSpeaking = false
			v.silenceCounter = 0
		}
	}

	return v.isSpeaking, speechStarted, speechEnded
}

// Level returns the RMS of the last processed block
func (v *VADDetector) Level() float64 {
	return v.lastLevel
}

// Reset resets the VAD detector state
func (v *VADDetector) Reset() {
	v.silenceCounter = 0
	v.isSpeaking = false
	v.lastLevel = 0
}

// IsSpeaking returns whether speech is currently detected
func (v *VADDetector) IsSpeaking() bool {
	return v.isSpeaking
}
