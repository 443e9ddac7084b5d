package audio

import (
	"errors"
	"fmt"
	"math"
)

// ErrAssembly reports invalid assembly parameters.
var ErrAssembly = errors.New("audio assembly error")

// Segment is decoded mono PCM for one chunk.
type Segment struct {
	Index      int
	Samples    []float32
	SampleRate int
}

func (s Segment) Duration() float64 {
	if s.SampleRate <= 0 {
		return 0
	}
	return float64(len(s.Samples)) / float64(s.SampleRate)
}

// Assembled is the final waveform handed back to the caller.
type Assembled struct {
	Samples              []float32
	SampleRate           int
	TotalDurationSeconds float64
}

// Assembler concatenates segments at a fixed sample rate.
type Assembler struct {
	SampleRate int
}

func NewAssembler(sampleRate int) Assembler {
	if sampleRate <= 0 {
		sampleRate = SampleRate
	}
	return Assembler{SampleRate: sampleRate}
}

// CrossfadeSamples converts a duration to the overlap k used between
// neighbours, clamped so no adjacent pair overlaps by more than the shorter
// of the two.
func (a Assembler) CrossfadeSamples(segments []Segment, crossfadeSeconds float64) int {
	if len(segments) < 2 {
		return 0
	}
	shortest := len(segments[0].Samples)
	for _, seg := range segments[1:] {
		if n := len(seg.Samples); n < shortest {
			shortest = n
		}
	}
	// clamp before converting so huge durations cannot overflow int
	want := crossfadeSeconds * float64(a.SampleRate)
	switch {
	case want != want || want <= 0:
		return 0
	case want >= float64(shortest):
		return shortest
	default:
		return int(want)
	}
}

// Combine joins segments in slice order with linear crossfades. The output
// holds sum(len) - k*(n-1) samples.
func (a Assembler) Combine(segments []Segment, crossfadeSeconds float64) (Assembled, error) {
	if crossfadeSeconds < 0 || math.IsNaN(crossfadeSeconds) || math.IsInf(crossfadeSeconds, 0) {
		return Assembled{}, fmt.Errorf("%w: invalid crossfade duration %v", ErrAssembly, crossfadeSeconds)
	}
	for _, seg := range segments {
		if seg.SampleRate != 0 && seg.SampleRate != a.SampleRate {
			return Assembled{}, fmt.Errorf("%w: segment %d has sample rate %d, want %d", ErrAssembly, seg.Index, seg.SampleRate, a.SampleRate)
		}
	}

	switch len(segments) {
	case 0:
		return a.wrap(nil), nil
	case 1:
		return a.wrap(segments[0].Samples), nil
	}

	k := a.CrossfadeSamples(segments, crossfadeSeconds)
	total := 0
	for _, seg := range segments {
		total += len(seg.Samples)
	}
	total -= k * (len(segments) - 1)

	fadeIn := linspace(k)
	out := make([]float32, total)
	offset := 0
	last := len(segments) - 1
	for i, seg := range segments {
		n := len(seg.Samples)
		for t, s := range seg.Samples {
			gain := float32(1)
			if i > 0 && t < k {
				gain *= fadeIn[t]
			}
			if i < last && t >= n-k {
				gain *= 1 - fadeIn[t-(n-k)]
			}
			out[offset+t] += s * gain
		}
		offset += n - k
	}
	return a.wrap(out), nil
}

func (a Assembler) wrap(samples []float32) Assembled {
	if samples == nil {
		samples = []float32{}
	}
	return Assembled{
		Samples:              samples,
		SampleRate:           a.SampleRate,
		TotalDurationSeconds: float64(len(samples)) / float64(a.SampleRate),
	}
}

// linspace(k) ramps from 0 to 1 inclusive over k points.
func linspace(k int) []float32 {
	ramp := make([]float32, k)
	switch k {
	case 0:
	case 1:
		ramp[0] = 0
	default:
		for i := range ramp {
			ramp[i] = float32(i) / float32(k-1)
		}
	}
	return ramp
}

// Silence returns the given duration of zero samples.
func Silence(seconds float64, sampleRate int) []float32 {
	n := int(math.Round(seconds * float64(sampleRate)))
	if n < 0 {
		n = 0
	}
	return make([]float32, n)
}
