package audio

import (
	"fmt"
	"time"
)

// Encoding identifies the sample representation of interleaved PCM data
type Encoding int

const (
	EncodingInt16   Encoding = iota // Signed 16-bit little-endian
	EncodingFloat32                 // IEEE-754 32-bit little-endian, nominal range [-1, 1]
)

// String returns the human-readable name of the encoding
func (e Encoding) String() string {
	switch e {
	case EncodingInt16:
		return "int16"
	case EncodingFloat32:
		return "float32"
	default:
		return "unknown"
	}
}

// BytesPerSample returns the size of one sample of one channel
func (e Encoding) BytesPerSample() int {
	switch e {
	case EncodingInt16:
		return 2
	case EncodingFloat32:
		return 4
	default:
		return 0
	}
}

// Format describes interleaved PCM audio
type Format struct {
	SampleRate int
	Channels   int
	Encoding   Encoding
}

// Target returns the wire format sent to the speech service: mono int16 at the given rate
func Target(sampleRate int) Format {
	return Format{SampleRate: sampleRate, Channels: 1, Encoding: EncodingInt16}
}

// BytesPerFrame returns the size of one frame (one sample for every channel)
func (f Format) BytesPerFrame() int {
	return f.Channels * f.Encoding.BytesPerSample()
}

// Validate reports whether the format can be converted
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("channel count must be positive, got %d", f.Channels)
	}
	if f.Encoding.BytesPerSample() == 0 {
		return fmt.Errorf("unsupported encoding %d", f.Encoding)
	}
	return nil
}

// Duration returns the playback duration of n bytes in this format
func (f Format) Duration(n int) time.Duration {
	bpf := f.BytesPerFrame()
	if bpf == 0 || f.SampleRate <= 0 {
		return 0
	}
	frames := int64(n / bpf)
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// String returns e.g. "48000Hz stereo float32"
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s %s", f.SampleRate, ch, f.Encoding)
}

// Buffer is one block of captured PCM as delivered by a capture tap
type Buffer struct {
	Format   Format
	Data     []byte
	Captured time.Time
}

// Frames returns the number of whole frames in the buffer
func (b Buffer) Frames() int {
	bpf := b.Format.BytesPerFrame()
	if bpf == 0 {
		return 0
	}
	return len(b.Data) / bpf
}
