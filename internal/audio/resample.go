package audio

import (
	"fmt"
	"math"
)

// Resample converts mono samples between rates by linear interpolation.
func Resample(input []float32, inputRate, outputRate int) ([]float32, error) {
	if inputRate <= 0 || outputRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate: input=%d, output=%d", inputRate, outputRate)
	}
	if inputRate == outputRate || len(input) == 0 {
		out := make([]float32, len(input))
		copy(out, input)
		return out, nil
	}

	ratio := float64(inputRate) / float64(outputRate)
	outLen := int(math.Ceil(float64(len(input)) / ratio))
	out := make([]float32, outLen)
	last := len(input) - 1
	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)
		if j >= last {
			out[i] = input[last]
			continue
		}
		frac := float32(pos - float64(j))
		out[i] = input[j]*(1-frac) + input[j+1]*frac
	}
	return out, nil
}
