package synth

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

type mockSynth struct {
	sampleRate int
	delay      time.Duration
}

// NewMockSynth returns a Backend that answers every chunk with a short
// 16-bit PCM tone, roughly a third of a second per word. Used when no backend
// is configured.
func NewMockSynth(sampleRate int, delay time.Duration) Backend {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	return &mockSynth{sampleRate: sampleRate, delay: delay}
}

func (m *mockSynth) Synthesize(ctx context.Context, req Request, _ Budget) (Result, error) {
	job := Job{ID: uuid.NewString(), State: StateQueued, SubmittedAt: time.Now()}
	select {
	case <-ctx.Done():
		job.State = StateCancelled
		return Result{Job: job}, newError(KindJobCancelled, "poll", job.ID, "cancelled by caller", ctx.Err())
	case <-time.After(m.delay):
	}
	job.State = StateCompleted
	job.LastPolledAt = time.Now()
	job.Polls = 1

	words := req.Chunk.WordCount
	if words < 1 {
		words = 1
	}
	n := words * m.sampleRate / 3
	freq := 180 + 20*float64(req.Chunk.Index%5)
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := 0.25 * math.Sin(2*math.Pi*freq*float64(i)/float64(m.sampleRate))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(v*32767)))
	}
	return Result{Job: job, Audio: pcm, SampleRate: m.sampleRate, ContentType: "audio/pcm"}, nil
}

// CloneVoice accepts any readable reference clip.
func (m *mockSynth) CloneVoice(ctx context.Context, req CloneRequest, _ Budget) (CloneResult, error) {
	if strings.TrimSpace(req.VoiceName) == "" {
		return CloneResult{}, newError(KindSubmission, "submit", "", "voice name required", nil)
	}
	if _, err := os.Stat(req.ReferenceAudioPath); err != nil {
		return CloneResult{}, newError(KindSubmission, "submit", "", "read reference audio", err)
	}
	job := Job{ID: uuid.NewString(), State: StateQueued, SubmittedAt: time.Now()}
	select {
	case <-ctx.Done():
		job.State = StateCancelled
		return CloneResult{Job: job}, newError(KindJobCancelled, "poll", job.ID, "cancelled by caller", ctx.Err())
	case <-time.After(m.delay):
	}
	job.State = StateCompleted
	job.LastPolledAt = time.Now()
	job.Polls = 1
	return CloneResult{Job: job, Message: fmt.Sprintf("Voice '%s' cloned successfully", req.VoiceName)}, nil
}
