package audio

import (
	"fmt"
	"math"
	"strings"
)

// SampleRate is the rate every segment is brought to before assembly.
const SampleRate = 24000

// FloorDB is reported for silent buffers instead of -Inf.
const FloorDB = -100.0

// Method selects the level measure used by Normalize.
type Method string

const (
	MethodRMS  Method = "rms"
	MethodPeak Method = "peak"
)

func ParseMethod(s string) (Method, error) {
	switch Method(strings.ToLower(strings.TrimSpace(s))) {
	case "", MethodRMS:
		return MethodRMS, nil
	case MethodPeak:
		return MethodPeak, nil
	default:
		return "", fmt.Errorf("unknown normalization method %q", s)
	}
}

// Level describes the loudness of a buffer.
type Level struct {
	RMS    float64
	RMSDB  float64
	Peak   float64
	PeakDB float64
}

func AnalyzeLevel(samples []float32) Level {
	var sumSquares, peak float64
	for _, s := range samples {
		v := float64(s)
		sumSquares += v * v
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	var rms float64
	if len(samples) > 0 {
		rms = math.Sqrt(sumSquares / float64(len(samples)))
	}
	return Level{
		RMS:    rms,
		RMSDB:  toDB(rms),
		Peak:   peak,
		PeakDB: toDB(peak),
	}
}

func toDB(v float64) float64 {
	if v <= 0 {
		return FloorDB
	}
	return 20 * math.Log10(v)
}

// Normalize scales samples so the chosen level lands on targetDB, then
// hard-clips to [-1, 1]. A silent buffer is returned unchanged. The input is
// never modified.
func Normalize(samples []float32, targetDB float64, method Method) []float32 {
	out := make([]float32, len(samples))
	copy(out, samples)

	level := AnalyzeLevel(samples)
	current := level.RMS
	if method == MethodPeak {
		current = level.Peak
	}
	if current <= 0 || math.IsNaN(current) || math.IsInf(current, 0) {
		return out
	}

	gainDB := targetDB - 20*math.Log10(current)
	gain := math.Pow(10, gainDB/20)
	for i, s := range out {
		out[i] = float32(clip(float64(s) * gain))
	}
	return out
}

func clip(v float64) float64 {
	switch {
	case v > 1:
		return 1
	case v < -1:
		return -1
	default:
		return v
	}
}
