package narration

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/loqalabs/loqa-narrator/internal/synth"
	"github.com/loqalabs/loqa-narrator/internal/voice"
)

// ErrCloningDisabled is returned when the service has no cloner.
var ErrCloningDisabled = errors.New("voice cloning not configured")

// handleClone answers on the reply subject when there is one and publishes
// on narration.clone.done otherwise.
func (s *Service) handleClone(msg *nats.Msg) {
	var req protocol.CloneRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode clone request", slogError(err))
		s.cloneReply(msg, protocol.CloneReply{Error: "invalid request: " + err.Error(), Timestamp: time.Now().UTC()})
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		reply, err := s.Clone(s.ctx, req)
		if err != nil {
			s.logger.Warn("voice clone failed",
				slog.String("request_id", reply.RequestID),
				slog.String("voice", req.VoiceName),
				slogError(err))
		}
		s.cloneReply(msg, reply)
	}()
}

func (s *Service) cloneReply(msg *nats.Msg, reply protocol.CloneReply) {
	if msg.Reply != "" {
		s.reply(msg, reply)
		return
	}
	s.publish(protocol.SubjectNarrationCloneDone, reply)
}

// Clone creates a backend voice from a reference clip and, once the backend
// confirms it, saves a local copy to the voice library. It shares the
// narration concurrency limit and can be cancelled by request id.
func (s *Service) Clone(ctx context.Context, req protocol.CloneRequest) (protocol.CloneReply, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	reply := protocol.CloneReply{RequestID: req.RequestID, VoiceName: req.VoiceName}
	fail := func(err error) (protocol.CloneReply, error) {
		reply.Error = err.Error()
		reply.Timestamp = time.Now().UTC()
		return reply, err
	}
	if s.cloner == nil {
		return fail(ErrCloningDisabled)
	}
	if strings.TrimSpace(req.VoiceName) == "" {
		return fail(errors.New("voice_name must not be empty"))
	}
	if strings.TrimSpace(req.ReferenceAudioPath) == "" {
		return fail(errors.New("reference_audio_path must not be empty"))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !s.register(req.RequestID, cancel) {
		return fail(ErrDuplicateRequest)
	}
	defer s.unregister(req.RequestID)

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return fail(ctx.Err())
	}
	defer func() { <-s.sem }()

	params := cloneParameters(req)
	res, err := s.cloner.CloneVoice(ctx, synth.CloneRequest{
		VoiceName:          req.VoiceName,
		DisplayName:        req.DisplayName,
		Description:        req.Description,
		ReferenceAudioPath: req.ReferenceAudioPath,
		Parameters:         params,
	}, s.defaults.Budget)
	reply.JobID = res.Job.ID
	reply.Message = res.Message
	if err != nil {
		return fail(err)
	}
	reply.Success = true

	if s.voices != nil {
		display := req.DisplayName
		if display == "" {
			display = req.VoiceName
		}
		saved, err := s.voices.Save(voice.Profile{
			Name:        req.VoiceName,
			DisplayName: display,
			Description: req.Description,
			Parameters:  params,
		}, req.ReferenceAudioPath)
		if err != nil {
			// the backend already holds the voice
			s.logger.Warn("failed to save cloned voice locally", slog.String("voice", req.VoiceName), slogError(err))
		} else {
			reply.SavedPath = saved.ReferenceAudioPath
		}
	}
	reply.Timestamp = time.Now().UTC()
	s.logger.Info("voice cloned",
		slog.String("request_id", req.RequestID),
		slog.String("voice", req.VoiceName),
		slog.String("job_id", reply.JobID))
	return reply, nil
}

func cloneParameters(req protocol.CloneRequest) synth.Parameters {
	p := synth.DefaultParameters()
	if req.Exaggeration != nil {
		p.Exaggeration = *req.Exaggeration
	}
	if req.CFGWeight != nil {
		p.CFGWeight = *req.CFGWeight
	}
	if req.Temperature != nil {
		p.Temperature = *req.Temperature
	}
	return p.Clamp()
}
