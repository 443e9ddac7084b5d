package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrDecode reports a payload that could not be turned into samples.
var ErrDecode = errors.New("audio decode error")

// Payload is encoded audio as returned by a synthesis backend.
type Payload struct {
	Data        []byte
	ContentType string
	// SampleRate is only consulted for headerless PCM.
	SampleRate int
}

// Decoder turns an encoded payload into mono float samples in [-1, 1].
type Decoder interface {
	Decode(ctx context.Context, p Payload) ([]float32, int, error)
}

// WAVDecoder reads integer PCM WAV files of any channel count, downmixing to
// mono.
type WAVDecoder struct{}

func (WAVDecoder) Decode(_ context.Context, p Payload) ([]float32, int, error) {
	d := wav.NewDecoder(bytes.NewReader(p.Data))
	if !d.IsValidFile() {
		return nil, 0, fmt.Errorf("%w: not a valid wav stream", ErrDecode)
	}
	if d.WavAudioFormat != 1 {
		return nil, 0, fmt.Errorf("%w: unsupported wav format tag %d", ErrDecode, d.WavAudioFormat)
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return intBufferToMono(buf, int(d.BitDepth)), int(d.SampleRate), nil
}

func intBufferToMono(buf *goaudio.IntBuffer, bitDepth int) []float32 {
	channels := 1
	if buf.Format != nil && buf.Format.NumChannels > 0 {
		channels = buf.Format.NumChannels
	}
	if bitDepth <= 0 {
		bitDepth = buf.SourceBitDepth
	}
	if bitDepth <= 0 {
		bitDepth = 16
	}
	scale := float64(int64(1) << uint(bitDepth-1))
	// 8-bit WAV is unsigned
	offset := 0.0
	if bitDepth == 8 {
		offset = 128
	}

	frames := len(buf.Data) / channels
	out := make([]float32, frames)
	for f := 0; f < frames; f++ {
		var sum float64
		for ch := 0; ch < channels; ch++ {
			sum += (float64(buf.Data[f*channels+ch]) - offset) / scale
		}
		out[f] = float32(clip(sum / float64(channels)))
	}
	return out
}

// PCMDecoder reads headerless signed 16-bit little-endian mono PCM.
type PCMDecoder struct {
	DefaultSampleRate int
}

func (d PCMDecoder) Decode(_ context.Context, p Payload) ([]float32, int, error) {
	rate := p.SampleRate
	if rate <= 0 {
		rate = d.DefaultSampleRate
	}
	if rate <= 0 {
		return nil, 0, fmt.Errorf("%w: pcm payload without sample rate", ErrDecode)
	}
	if len(p.Data)%2 != 0 {
		return nil, 0, fmt.Errorf("%w: odd pcm16 payload length %d", ErrDecode, len(p.Data))
	}
	out := make([]float32, len(p.Data)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(p.Data[i*2:]))
		out[i] = float32(v) / 32768
	}
	return out, rate, nil
}

// AutoDecoder sniffs the payload: RIFF data goes to the WAV decoder, raw PCM
// content types to the PCM decoder and anything else to Fallback when set.
type AutoDecoder struct {
	PCM      PCMDecoder
	Fallback Decoder
}

func NewAutoDecoder(defaultSampleRate int, fallback Decoder) *AutoDecoder {
	return &AutoDecoder{
		PCM:      PCMDecoder{DefaultSampleRate: defaultSampleRate},
		Fallback: fallback,
	}
}

func (a *AutoDecoder) Decode(ctx context.Context, p Payload) ([]float32, int, error) {
	if len(p.Data) == 0 {
		return nil, 0, fmt.Errorf("%w: empty payload", ErrDecode)
	}
	if isRIFF(p.Data) {
		return WAVDecoder{}.Decode(ctx, p)
	}
	switch ct := strings.ToLower(p.ContentType); {
	case strings.HasPrefix(ct, "audio/pcm"), strings.HasPrefix(ct, "audio/l16"), strings.HasPrefix(ct, "audio/raw"):
		return a.PCM.Decode(ctx, p)
	}
	if a.Fallback != nil {
		return a.Fallback.Decode(ctx, p)
	}
	return nil, 0, fmt.Errorf("%w: unrecognized payload (content type %q)", ErrDecode, p.ContentType)
}

func isRIFF(b []byte) bool {
	return len(b) >= 12 && string(b[0:4]) == "RIFF" && string(b[8:12]) == "WAVE"
}
