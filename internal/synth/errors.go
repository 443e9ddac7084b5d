package synth

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-narrator/internal/audio"
)

// Kind classifies a generation failure.
type Kind string

const (
	KindSegmentation       Kind = "segmentation"
	KindSubmission         Kind = "submission"
	KindPolling            Kind = "polling"
	KindBackendUnavailable Kind = "backend_unavailable"
	KindJobFailed          Kind = "job_failed"
	KindJobCancelled       Kind = "job_cancelled"
	KindJobTimedOut        Kind = "job_timed_out"
	KindAudioDecode        Kind = "audio_decode"
	KindAssembly           Kind = "assembly"
	KindUnknown            Kind = "unknown"
)

var (
	ErrSegmentation       = errors.New("segmentation failed")
	ErrSubmission         = errors.New("job submission failed")
	ErrPolling            = errors.New("job polling failed")
	ErrBackendUnavailable = errors.New("synthesis backend unavailable")
	ErrJobFailed          = errors.New("synthesis job failed")
	ErrJobCancelled       = errors.New("synthesis job cancelled")
	ErrJobTimedOut        = errors.New("synthesis job timed out")
	ErrAudioDecode        = errors.New("audio payload undecodable")
	ErrAssembly           = errors.New("audio assembly failed")
)

func (k Kind) sentinel() error {
	switch k {
	case KindSegmentation:
		return ErrSegmentation
	case KindSubmission:
		return ErrSubmission
	case KindPolling:
		return ErrPolling
	case KindBackendUnavailable:
		return ErrBackendUnavailable
	case KindJobFailed:
		return ErrJobFailed
	case KindJobCancelled:
		return ErrJobCancelled
	case KindJobTimedOut:
		return ErrJobTimedOut
	case KindAudioDecode:
		return ErrAudioDecode
	case KindAssembly:
		return ErrAssembly
	}
	return nil
}

// Error is returned by every failing Synthesize call. errors.Is matches it
// against the sentinel of its Kind.
type Error struct {
	Kind       Kind
	Op         string
	JobID      string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.JobID != "" {
		msg += " [job=" + e.JobID + "]"
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" [status=%d]", e.StatusCode)
	}
	msg += ": " + e.Message
	if e.Err != nil {
		msg += " (" + e.Err.Error() + ")"
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

func newError(kind Kind, op, jobID, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, JobID: jobID, Message: message, Err: err}
}

// KindOf classifies any error produced while generating a chunk.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	switch {
	case errors.Is(err, audio.ErrDecode):
		return KindAudioDecode
	case errors.Is(err, audio.ErrAssembly):
		return KindAssembly
	case errors.Is(err, context.Canceled):
		return KindJobCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindJobTimedOut
	}
	for _, k := range []Kind{KindSegmentation, KindSubmission, KindPolling, KindBackendUnavailable, KindJobFailed, KindJobCancelled, KindJobTimedOut, KindAudioDecode, KindAssembly} {
		if errors.Is(err, k.sentinel()) {
			return k
		}
	}
	return KindUnknown
}
