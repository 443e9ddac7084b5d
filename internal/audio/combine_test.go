package audio

import (
	"errors"
	"math"
	"reflect"
	"testing"
)

func seg(index int, samples []float32) Segment {
	return Segment{Index: index, Samples: samples, SampleRate: 1000}
}

func TestCombineEmpty(t *testing.T) {
	out, err := NewAssembler(1000).Combine(nil, 0.1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Samples) != 0 || out.TotalDurationSeconds != 0 {
		t.Fatalf("expected empty output, got %d samples", len(out.Samples))
	}
	if out.SampleRate != 1000 {
		t.Fatalf("expected sample rate to be carried, got %d", out.SampleRate)
	}
}

func TestCombineSingleSegmentUnchanged(t *testing.T) {
	s := sine(300, 1000, 5, 0.4)
	for _, d := range []float64{0, 0.1, 10} {
		out, err := NewAssembler(1000).Combine([]Segment{seg(0, s)}, d)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !reflect.DeepEqual(out.Samples, s) {
			t.Fatalf("single segment altered for crossfade %v", d)
		}
	}
}

func TestCombineTwoSegmentLength(t *testing.T) {
	a := NewAssembler(1000)
	out, err := a.Combine([]Segment{seg(0, constant(1000, 0.3)), seg(1, constant(800, 0.3))}, 0.1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Samples) != 1000+800-100 {
		t.Fatalf("expected 1700 samples, got %d", len(out.Samples))
	}
	if math.Abs(out.TotalDurationSeconds-1.7) > 1e-9 {
		t.Fatalf("unexpected duration %v", out.TotalDurationSeconds)
	}
}

func TestCombineEqualAmplitudePreserved(t *testing.T) {
	a := NewAssembler(1000)
	segments := []Segment{seg(0, constant(500, 0.5)), seg(1, constant(500, 0.5)), seg(2, constant(500, 0.5))}
	out, err := a.Combine(segments, 0.05)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Samples) != 1500-2*50 {
		t.Fatalf("unexpected length %d", len(out.Samples))
	}
	for i, v := range out.Samples {
		if math.Abs(float64(v)-0.5) > 1e-5 {
			t.Fatalf("sample %d = %v, want 0.5", i, v)
		}
	}
}

func TestCombineFadesAcrossOverlap(t *testing.T) {
	a := NewAssembler(1000)
	out, err := a.Combine([]Segment{seg(0, constant(100, 1)), seg(1, constant(100, 0))}, 0.0115)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// k = 11: the first segment's tail fades from 1 to 0 across the overlap
	if out.Samples[88] != 1 {
		t.Fatalf("sample before overlap should be untouched, got %v", out.Samples[88])
	}
	if out.Samples[89] != 1 || out.Samples[99] != 0 {
		t.Fatalf("overlap should ramp 1 -> 0, got %v .. %v", out.Samples[89], out.Samples[99])
	}
	if math.Abs(float64(out.Samples[94])-0.5) > 1e-6 {
		t.Fatalf("midpoint of overlap should be 0.5, got %v", out.Samples[94])
	}
}

func TestCombineClampsCrossfadeToShortestNeighbour(t *testing.T) {
	a := NewAssembler(1000)
	segments := []Segment{seg(0, constant(500, 0.1)), seg(1, constant(50, 0.1)), seg(2, constant(400, 0.1))}
	if k := a.CrossfadeSamples(segments, 1.0); k != 50 {
		t.Fatalf("expected k clamped to 50, got %d", k)
	}
	out, err := a.Combine(segments, 1.0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Samples) != 950-2*50 {
		t.Fatalf("expected %d samples, got %d", 950-100, len(out.Samples))
	}
}

func TestCombineLengthInvariant(t *testing.T) {
	a := NewAssembler(1000)
	lengths := []int{320, 410, 290, 1000, 77}
	var segments []Segment
	sum := 0
	for i, n := range lengths {
		segments = append(segments, seg(i, sine(n, 1000, 7, 0.3)))
		sum += n
	}
	for _, d := range []float64{0, 0.01, 0.05, 0.5} {
		k := a.CrossfadeSamples(segments, d)
		out, err := a.Combine(segments, d)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if want := sum - k*(len(segments)-1); len(out.Samples) != want {
			t.Fatalf("crossfade %v: expected %d samples, got %d", d, want, len(out.Samples))
		}
	}
}

func TestCombineRejectsInvalidInput(t *testing.T) {
	a := NewAssembler(1000)
	segments := []Segment{seg(0, constant(10, 0)), seg(1, constant(10, 0))}
	if _, err := a.Combine(segments, -0.1); !errors.Is(err, ErrAssembly) {
		t.Fatalf("expected ErrAssembly for negative crossfade, got %v", err)
	}
	segments[1].SampleRate = 44100
	if _, err := a.Combine(segments, 0.1); !errors.Is(err, ErrAssembly) {
		t.Fatalf("expected ErrAssembly for sample rate mismatch, got %v", err)
	}
}

func TestSilence(t *testing.T) {
	if n := len(Silence(0.25, 24000)); n != 6000 {
		t.Fatalf("expected 6000 samples, got %d", n)
	}
	if n := len(Silence(-1, 24000)); n != 0 {
		t.Fatalf("negative duration should be empty, got %d", n)
	}
}

func TestCrossfadeSamplesHugeDurationClampsToShortest(t *testing.T) {
	a := NewAssembler(24000)
	segments := []Segment{
		{Index: 0, Samples: constant(300, 0.2), SampleRate: 24000},
		{Index: 1, Samples: constant(120, 0.2), SampleRate: 24000},
	}
	for _, d := range []float64{1e15, math.MaxFloat64} {
		if k := a.CrossfadeSamples(segments, d); k != 120 {
			t.Fatalf("crossfade %g: expected k=120, got %d", d, k)
		}
	}
	out, err := a.Combine(segments, 1e15)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Samples) != 300 {
		t.Fatalf("expected 300 samples, got %d", len(out.Samples))
	}
}
