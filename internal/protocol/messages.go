package protocol

import "time"

const (
	SubjectNarrationRequest  = "narration.request"
	SubjectNarrationProgress = "narration.progress"
	SubjectNarrationDone     = "narration.done"
	SubjectNarrationCancel   = "narration.cancel"
	SubjectNarrationClone    = "narration.clone"
	// SubjectNarrationCloneDone carries clone results for requests sent
	// without a reply subject.
	SubjectNarrationCloneDone = "narration.clone.done"
)

// NarrationRequest asks for text to be rendered to audio. Nil overrides keep
// the configured defaults.
type NarrationRequest struct {
	RequestID        string   `json:"request_id,omitempty"`
	Project          string   `json:"project,omitempty"`
	Text             string   `json:"text"`
	Voice            string   `json:"voice,omitempty"`
	MaxWords         int      `json:"max_words,omitempty"`
	CrossfadeSeconds *float64 `json:"crossfade_seconds,omitempty"`
	TargetLevelDB    *float64 `json:"target_level_db,omitempty"`
	Exaggeration     *float64 `json:"exaggeration,omitempty"`
	CFGWeight        *float64 `json:"cfg_weight,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	SaveChunks       *bool    `json:"save_chunks,omitempty"`
}

// NarrationAccepted is the reply to a request sent with a reply subject.
type NarrationAccepted struct {
	RequestID string `json:"request_id"`
	Accepted  bool   `json:"accepted"`
	Error     string `json:"error,omitempty"`
}

// NarrationProgress is published once per finished chunk.
type NarrationProgress struct {
	RequestID string    `json:"request_id"`
	Chunk     int       `json:"chunk"`
	Total     int       `json:"total"`
	Done      int       `json:"done"`
	Failed    int       `json:"failed"`
	JobID     string    `json:"job_id,omitempty"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ChunkFailure describes one chunk missing from the output.
type ChunkFailure struct {
	Index   int    `json:"index"`
	Kind    string `json:"kind"`
	JobID   string `json:"job_id,omitempty"`
	Message string `json:"message"`
}

// NarrationDone is published when a request finishes, successfully or not.
type NarrationDone struct {
	RequestID       string         `json:"request_id"`
	Status          string         `json:"status"`
	OutputPath      string         `json:"output_path,omitempty"`
	ChunkPaths      []string       `json:"chunk_paths,omitempty"`
	DurationSeconds float64        `json:"duration_seconds"`
	SampleRate      int            `json:"sample_rate"`
	Chunks          int            `json:"chunks"`
	Succeeded       int            `json:"succeeded"`
	Failures        []ChunkFailure `json:"failures,omitempty"`
	Error           string         `json:"error,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}

// NarrationCancel stops a running request.
type NarrationCancel struct {
	RequestID string `json:"request_id"`
}

// CloneRequest registers a reference recording as a new voice.
type CloneRequest struct {
	RequestID          string   `json:"request_id,omitempty"`
	VoiceName          string   `json:"voice_name"`
	DisplayName        string   `json:"display_name,omitempty"`
	Description        string   `json:"description,omitempty"`
	ReferenceAudioPath string   `json:"reference_audio_path"`
	Exaggeration       *float64 `json:"exaggeration,omitempty"`
	CFGWeight          *float64 `json:"cfg_weight,omitempty"`
	Temperature        *float64 `json:"temperature,omitempty"`
}

// CloneReply reports the outcome of a clone request.
type CloneReply struct {
	RequestID string    `json:"request_id"`
	VoiceName string    `json:"voice_name"`
	JobID     string    `json:"job_id,omitempty"`
	Success   bool      `json:"success"`
	Message   string    `json:"message,omitempty"`
	SavedPath string    `json:"saved_path,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
