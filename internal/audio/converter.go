package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrConversion is wrapped by every converter setup and per-buffer failure
var ErrConversion = errors.New("audio conversion failed")

// Converter turns native capture buffers into target-format PCM.
// It is created once per session and is not safe for concurrent use.
type Converter struct {
	src      Format
	dst      Format
	capacity int // frames per converted block, dst.SampleRate/10
	rs       *resampler
}

// NewConverter validates both formats and returns a converter between them.
// Only mono int16 targets are supported, which is what the speech service accepts.
func NewConverter(src, dst Format) (*Converter, error) {
	if err := src.Validate(); err != nil {
		return nil, fmt.Errorf("%w: source format: %v", ErrConversion, err)
	}
	if err := dst.Validate(); err != nil {
		return nil, fmt.Errorf("%w: target format: %v", ErrConversion, err)
	}
	if dst.Channels != 1 || dst.Encoding != EncodingInt16 {
		return nil, fmt.Errorf("%w: target must be mono int16, got %s", ErrConversion, dst)
	}

	capacity := dst.SampleRate / 10 // ~100ms
	if capacity == 0 {
		capacity = 1
	}

	return &Converter{
		src:      src,
		dst:      dst,
		capacity: capacity,
		rs:       newResampler(src.SampleRate, dst.SampleRate),
	}, nil
}

// Source returns the negotiated input format
func (c *Converter) Source() Format { return c.src }

// Target returns the output format
func (c *Converter) Target() Format { return c.dst }

// Capacity returns the maximum number of frames in one converted block
func (c *Converter) Capacity() int { return c.capacity }

// Convert converts one captured buffer. The result is split into blocks of at
// most Capacity frames each, in capture order. An empty buffer yields no blocks.
func (c *Converter) Convert(buf Buffer) ([][]byte, error) {
	if buf.Format != c.src {
		return nil, fmt.Errorf("%w: buffer format %s does not match negotiated %s", ErrConversion, buf.Format, c.src)
	}
	if len(buf.Data) == 0 {
		return nil, nil
	}
	if len(buf.Data)%c.src.BytesPerFrame() != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of %d-byte frames",
			ErrConversion, len(buf.Data), c.src.BytesPerFrame())
	}

	mono := downmix(buf.Data, c.src)
	samples := c.rs.process(mono)
	if len(samples) == 0 {
		return nil, nil
	}

	blocks := make([][]byte, 0, (len(samples)+c.capacity-1)/c.capacity)
	for start := 0; start < len(samples); start += c.capacity {
		end := min(start+c.capacity, len(samples))
		blocks = append(blocks, SamplesToBytes(samples[start:end]))
	}
	return blocks, nil
}

// downmix decodes interleaved frames and averages all channels into int16 mono
func downmix(data []byte, f Format) []int16 {
	bps := f.Encoding.BytesPerSample()
	frames := len(data) / f.BytesPerFrame()
	out := make([]int16, frames)

	for i := range frames {
		var sum int64
		base := i * f.BytesPerFrame()
		for ch := 0; ch < f.Channels; ch++ {
			off := base + ch*bps
			switch f.Encoding {
			case EncodingInt16:
				sum += int64(int16(binary.LittleEndian.Uint16(data[off:])))
			case EncodingFloat32:
				sum += int64(floatToInt16(math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))))
			}
		}
		out[i] = clampInt16(sum / int64(f.Channels))
	}
	return out
}

func floatToInt16(v float32) int16 {
	if v != v { // NaN
		return 0
	}
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	return int16(v * math.MaxInt16)
}

func clampInt16(v int64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// resampler is a linear interpolation resampler that carries its phase and
// the last input sample across calls, so a stream split into buffers yields
// the same output as the whole stream converted at once.
type resampler struct {
	inRate  int64
	outRate int64
	next    int64 // index of the next output sample
	base    int64 // stream index of the first sample of the current input
	prev    int16 // sample at base-1
}

func newResampler(inRate, outRate int) *resampler {
	return &resampler{inRate: int64(inRate), outRate: int64(outRate)}
}

// process returns every output sample whose interpolation inputs are now
// available. At most one output sample is held back for the next call.
func (r *resampler) process(samples []int16) []int16 {
	if r.inRate == r.outRate || len(samples) == 0 {
		return samples
	}

	end := r.base + int64(len(samples))
	at := func(i int64) float64 {
		if i < r.base {
			return float64(r.prev)
		}
		return float64(samples[i-r.base])
	}

	output := make([]int16, 0, int64(len(samples))*r.outRate/r.inRate+1)
	for {
		pos := r.next * r.inRate
		idx0 := pos / r.outRate
		if idx0+1 >= end {
			break
		}
		fraction := float64(pos%r.outRate) / float64(r.outRate)
		output = append(output, int16(at(idx0)*(1.0-fraction)+at(idx0+1)*fraction))
		r.next++
	}

	r.prev = samples[len(samples)-1]
	r.base = end
	return output
}

// SamplesToBytes encodes int16 samples as little-endian PCM
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToSamples decodes little-endian int16 PCM. A trailing odd byte is ignored.
func BytesToSamples(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
// Useful for detecting audio levels and silence
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}
