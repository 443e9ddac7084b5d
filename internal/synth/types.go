package synth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/text"
)

// JobState is the lifecycle state of one remote synthesis job.
type JobState string

const (
	StateQueued    JobState = "queued"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
	StateTimedOut  JobState = "timed_out"
)

// Terminal reports whether no further transitions are possible.
func (s JobState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateTimedOut:
		return true
	}
	return false
}

// parseStatus maps the backend's status strings onto JobState. Unknown
// strings are rejected rather than treated as "still running".
func parseStatus(raw string) (JobState, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "QUEUED", "IN_QUEUE":
		return StateQueued, nil
	case "RUNNING", "IN_PROGRESS":
		return StateRunning, nil
	case "COMPLETED":
		return StateCompleted, nil
	case "FAILED", "TIMED_OUT":
		return StateFailed, nil
	case "CANCELLED":
		return StateCancelled, nil
	default:
		return "", fmt.Errorf("unknown job status %q", raw)
	}
}

// Parameters control the voice model.
type Parameters struct {
	Exaggeration float64 `json:"exaggeration" yaml:"exaggeration"`
	CFGWeight    float64 `json:"cfg_weight" yaml:"cfg_weight"`
	Temperature  float64 `json:"temperature" yaml:"temperature"`
}

func DefaultParameters() Parameters {
	return Parameters{Exaggeration: 0.5, CFGWeight: 0.5, Temperature: 0.8}
}

// Clamp forces each parameter into [0, 1].
func (p Parameters) Clamp() Parameters {
	return Parameters{
		Exaggeration: clamp01(p.Exaggeration),
		CFGWeight:    clamp01(p.CFGWeight),
		Temperature:  clamp01(p.Temperature),
	}
}

func clamp01(v float64) float64 {
	if v != v || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Request is one chunk to synthesize.
type Request struct {
	Chunk     text.TextChunk
	VoiceName string
	// ReferenceAudioPath is uploaded with the job when the client is
	// configured to send reference audio.
	ReferenceAudioPath string
	Parameters         Parameters
}

// Budget bounds the time one job may take.
type Budget struct {
	SubmitTimeout                 time.Duration `yaml:"submit_timeout"`
	PollTimeout                   time.Duration `yaml:"poll_timeout"`
	PollInterval                  time.Duration `yaml:"poll_interval"`
	MaxWaitTime                   time.Duration `yaml:"max_wait_time"`
	MaxConsecutiveNetworkTimeouts int           `yaml:"max_consecutive_network_timeouts"`
}

func DefaultBudget() Budget {
	return Budget{
		SubmitTimeout:                 30 * time.Second,
		PollTimeout:                   10 * time.Second,
		PollInterval:                  2 * time.Second,
		MaxWaitTime:                   300 * time.Second,
		MaxConsecutiveNetworkTimeouts: 3,
	}
}

// withDefaults fills zero fields from DefaultBudget. A negative
// MaxConsecutiveNetworkTimeouts means no transient failure is tolerated.
func (b Budget) withDefaults() Budget {
	def := DefaultBudget()
	if b.SubmitTimeout <= 0 {
		b.SubmitTimeout = def.SubmitTimeout
	}
	if b.PollTimeout <= 0 {
		b.PollTimeout = def.PollTimeout
	}
	if b.PollInterval <= 0 {
		b.PollInterval = def.PollInterval
	}
	if b.MaxWaitTime <= 0 {
		b.MaxWaitTime = def.MaxWaitTime
	}
	if b.MaxConsecutiveNetworkTimeouts == 0 {
		b.MaxConsecutiveNetworkTimeouts = def.MaxConsecutiveNetworkTimeouts
	}
	if b.MaxConsecutiveNetworkTimeouts < 0 {
		b.MaxConsecutiveNetworkTimeouts = 0
	}
	return b
}

// Job is the client-side record of a remote job.
type Job struct {
	ID           string
	State        JobState
	SubmittedAt  time.Time
	LastPolledAt time.Time
	Polls        int
	ErrorMessage string
}

// Result is the raw audio of a completed job.
type Result struct {
	Job         Job
	Audio       []byte
	SampleRate  int
	ContentType string
}

// Synthesizer drives one chunk to completion.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request, budget Budget) (Result, error)
}

// CloneRequest registers a reference recording as a named backend voice.
type CloneRequest struct {
	VoiceName string
	// DisplayName defaults to VoiceName.
	DisplayName        string
	Description        string
	ReferenceAudioPath string
	Parameters         Parameters
}

// CloneResult is the backend's confirmation of a clone job.
type CloneResult struct {
	Job     Job
	Message string
}

// Cloner creates backend voices from reference audio.
type Cloner interface {
	CloneVoice(ctx context.Context, req CloneRequest, budget Budget) (CloneResult, error)
}

// Backend is a synthesis service that can also clone voices.
type Backend interface {
	Synthesizer
	Cloner
}
