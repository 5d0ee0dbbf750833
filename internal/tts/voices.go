package tts

import "slices"

// DefaultVoice is used when no voice is configured
const DefaultVoice = "af_bella"

// Voices lists the voices the synthesis service offers
var Voices = []string{
	"af_bella",
	"af_nicole",
	"af_sarah",
	"af_sky",
	"am_adam",
	"am_michael",
	"bf_emma",
	"bf_isabella",
	"bm_george",
	"bm_lewis",
}

// IsVoice reports whether name is in the catalog
func IsVoice(name string) bool {
	return slices.Contains(Voices, name)
}
