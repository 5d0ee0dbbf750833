package tts

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/faiface/beep/wav"
)

// TempFileName is the file SaveTemp writes in the temp directory
const TempFileName = "tts_output.wav"

// Info describes a synthesized WAV file
type Info struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Frames     int
	Duration   time.Duration
}

// Inspect decodes the WAV header of data
func Inspect(data []byte) (Info, error) {
	streamer, format, err := wav.Decode(bytes.NewReader(data))
	if err != nil {
		return Info{}, fmt.Errorf("failed to decode wav: %w", err)
	}
	defer streamer.Close()

	frames := streamer.Len()
	return Info{
		SampleRate: int(format.SampleRate),
		Channels:   format.NumChannels,
		BitDepth:   format.Precision * 8,
		Frames:     frames,
		Duration:   format.SampleRate.D(frames),
	}, nil
}

// SaveTemp writes data to TempFileName in dir, or the system temp directory
// when dir is empty, replacing any previous rendition
func SaveTemp(dir string, data []byte) (string, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, TempFileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to save audio: %w", err)
	}
	return path, nil
}
