package audio

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WriteWAV encodes mono samples as 16-bit PCM WAV.
func WriteWAV(w io.WriteSeeker, samples []float32, sampleRate int) error {
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(math.Round(clip(float64(s)) * 32767))
	}
	enc := wav.NewEncoder(w, sampleRate, 16, 1, 1)
	buf := &goaudio.IntBuffer{
		Data:           data,
		Format:         &goaudio.Format{SampleRate: sampleRate, NumChannels: 1},
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("write wav samples: %w", err)
	}
	return enc.Close()
}

// SaveWAV writes samples to path, creating parent directories.
func SaveWAV(path string, samples []float32, sampleRate int) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteWAV(f, samples, sampleRate); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// SaveChunks writes one numbered WAV per segment into dir as
// <project>_001.wav, <project>_002.wav, ...
func SaveChunks(dir, project string, segments []Segment) ([]string, error) {
	paths := make([]string, 0, len(segments))
	for i, seg := range segments {
		path := filepath.Join(dir, fmt.Sprintf("%s_%03d.wav", project, i+1))
		if err := SaveWAV(path, seg.Samples, seg.SampleRate); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}
