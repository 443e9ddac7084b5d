package narration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/loqalabs/loqa-narrator/internal/synth"
	"github.com/loqalabs/loqa-narrator/internal/voice"
)

// ErrDuplicateRequest rejects a request whose id is already in flight.
var ErrDuplicateRequest = errors.New("request id already in flight")

// Generator renders text to audio.
type Generator interface {
	Generate(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

// OutputRecorder stores where a generation's audio was written.
type OutputRecorder interface {
	SetOutputPath(ctx context.Context, id, path string) error
}

// Service accepts narration requests from the bus, runs them through the
// pipeline and writes the resulting WAV files.
type Service struct {
	cfg       config.NarrationConfig
	output    config.OutputConfig
	defaults  pipeline.Options
	voice     string
	timeout   time.Duration
	bus       *bus.Client
	generator Generator
	recorder  OutputRecorder
	cloner    synth.Cloner
	voices    *voice.Library

	subs    []*nats.Subscription
	sem     chan struct{}
	mu      sync.Mutex
	running map[string]context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

type Settings struct {
	Narration    config.NarrationConfig
	Output       config.OutputConfig
	Defaults     pipeline.Options
	DefaultVoice string
	// Timeout bounds a whole request; zero means no limit.
	Timeout time.Duration
}

// Option customizes a Service.
type Option func(*Service)

// WithCloner enables narration.clone. Confirmed voices are also saved to
// library when it is not nil.
func WithCloner(c synth.Cloner, library *voice.Library) Option {
	return func(s *Service) {
		s.cloner = c
		s.voices = library
	}
}

func NewService(parent context.Context, settings Settings, busClient *bus.Client, gen Generator, recorder OutputRecorder, log *slog.Logger, opts ...Option) *Service {
	ctx, cancel := context.WithCancel(parent)
	concurrency := settings.Narration.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	s := &Service{
		cfg:       settings.Narration,
		output:    settings.Output,
		defaults:  settings.Defaults,
		voice:     settings.DefaultVoice,
		timeout:   settings.Timeout,
		bus:       busClient,
		generator: gen,
		recorder:  recorder,
		sem:       make(chan struct{}, concurrency),
		running:   make(map[string]context.CancelFunc),
		ctx:       ctx,
		cancel:    cancel,
		logger:    log.With(slog.String("component", "narration-service")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Start() error {
	if !s.cfg.Enabled || s.bus == nil {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectNarrationRequest, s.handleRequest)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, sub)
	sub, err = s.bus.Conn().Subscribe(protocol.SubjectNarrationCancel, s.handleCancel)
	if err != nil {
		s.Close()
		return err
	}
	s.subs = append(s.subs, sub)
	if s.cloner != nil {
		sub, err = s.bus.Conn().Subscribe(protocol.SubjectNarrationClone, s.handleClone)
		if err != nil {
			s.Close()
			return err
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	if !s.cfg.Enabled {
		return true
	}
	want := 2
	if s.cloner != nil {
		want++
	}
	return len(s.subs) == want
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.NarrationRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode narration request", slogError(err))
		s.reply(msg, protocol.NarrationAccepted{Error: "invalid request: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.reply(msg, protocol.NarrationAccepted{RequestID: req.RequestID, Error: "text must not be empty"})
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	// registered before queueing so a cancel can reach a request that is
	// still waiting for a slot
	ctx, cancel := context.WithCancel(s.ctx)
	if !s.register(req.RequestID, cancel) {
		cancel()
		s.reply(msg, protocol.NarrationAccepted{RequestID: req.RequestID, Error: ErrDuplicateRequest.Error()})
		return
	}
	s.reply(msg, protocol.NarrationAccepted{RequestID: req.RequestID, Accepted: true})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.unregister(req.RequestID)
		defer cancel()
		acquired := false
		select {
		case s.sem <- struct{}{}:
			acquired = true
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			s.logger.Info("narration cancelled before start", slog.String("request_id", req.RequestID))
			s.publish(protocol.SubjectNarrationDone, protocol.NarrationDone{
				RequestID: req.RequestID,
				Status:    pipeline.StatusCancelled,
				Error:     "cancelled before start",
				Timestamp: time.Now().UTC(),
			})
			if acquired {
				<-s.sem
			}
			return
		}
		defer func() { <-s.sem }()

		done, err := s.narrate(ctx, req)
		if err != nil {
			s.logger.Warn("narration failed", slog.String("request_id", req.RequestID), slogError(err))
		}
		s.publish(protocol.SubjectNarrationDone, done)
	}()
}

func (s *Service) handleCancel(msg *nats.Msg) {
	var req protocol.NarrationCancel
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode cancel request", slogError(err))
		return
	}
	if s.CancelRequest(req.RequestID) {
		s.logger.Info("narration cancelled", slog.String("request_id", req.RequestID))
	}
}

func (s *Service) register(id string, cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[id]; ok {
		return false
	}
	s.running[id] = cancel
	return true
}

func (s *Service) unregister(id string) {
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()
}

// CancelRequest stops a queued or running narration or clone. It reports whether one was found.
func (s *Service) CancelRequest(id string) bool {
	s.mu.Lock()
	cancel, ok := s.running[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Narrate renders one request synchronously, writes the output files and
// returns the completion report. Progress is published on the bus when one
// is attached.
func (s *Service) Narrate(ctx context.Context, req protocol.NarrationRequest) (protocol.NarrationDone, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !s.register(req.RequestID, cancel) {
		return protocol.NarrationDone{RequestID: req.RequestID, Status: pipeline.StatusFailed, Error: ErrDuplicateRequest.Error()}, ErrDuplicateRequest
	}
	defer s.unregister(req.RequestID)
	return s.narrate(ctx, req)
}

// narrate runs a request that is already registered under its id.
func (s *Service) narrate(ctx context.Context, req protocol.NarrationRequest) (protocol.NarrationDone, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	voiceName := req.Voice
	if voiceName == "" {
		voiceName = s.voice
	}
	opts := s.options(req)

	res, genErr := s.generator.Generate(ctx, pipeline.Request{
		ID:        req.RequestID,
		Text:      req.Text,
		VoiceName: voiceName,
		Options:   opts,
	})

	done := protocol.NarrationDone{
		RequestID:       req.RequestID,
		Status:          res.Status,
		DurationSeconds: res.Audio.TotalDurationSeconds,
		SampleRate:      res.Audio.SampleRate,
		Chunks:          len(res.Chunks),
		Succeeded:       res.Succeeded,
		Timestamp:       time.Now().UTC(),
	}
	for _, ce := range res.Errors {
		done.Failures = append(done.Failures, protocol.ChunkFailure{
			Index:   ce.Index,
			Kind:    string(ce.Kind),
			JobID:   ce.JobID,
			Message: ce.Err.Error(),
		})
	}
	if genErr != nil {
		if done.Status == "" {
			done.Status = pipeline.StatusFailed
		}
		done.Error = genErr.Error()
		return done, genErr
	}

	saveChunks := s.output.SaveChunks
	if req.SaveChunks != nil {
		saveChunks = *req.SaveChunks
	}
	path, chunkPaths, err := s.writeOutputs(projectName(req), res, saveChunks)
	done.OutputPath = path
	done.ChunkPaths = chunkPaths
	if err != nil {
		done.Error = err.Error()
		return done, err
	}
	if s.recorder != nil {
		if err := s.recorder.SetOutputPath(context.WithoutCancel(ctx), res.ID, path); err != nil {
			s.logger.Warn("failed to record output path", slogError(err))
		}
	}
	s.logger.Info("narration written",
		slog.String("request_id", req.RequestID),
		slog.String("path", path),
		slog.String("status", res.Status))
	return done, nil
}

func (s *Service) options(req protocol.NarrationRequest) pipeline.Options {
	opts := s.defaults
	if req.MaxWords > 0 {
		opts.MaxWords = req.MaxWords
	}
	if req.CrossfadeSeconds != nil {
		opts.CrossfadeSeconds = *req.CrossfadeSeconds
	}
	if req.TargetLevelDB != nil {
		opts.TargetDB = *req.TargetLevelDB
	}
	if req.Exaggeration != nil {
		opts.Exaggeration = req.Exaggeration
	}
	if req.CFGWeight != nil {
		opts.CFGWeight = req.CFGWeight
	}
	if req.Temperature != nil {
		opts.Temperature = req.Temperature
	}
	next := s.defaults.Progress
	opts.Progress = func(p pipeline.Progress) {
		msg := protocol.NarrationProgress{
			RequestID: req.RequestID,
			Chunk:     p.Index,
			Total:     p.Total,
			Done:      p.Done,
			Failed:    p.Failed,
			JobID:     p.JobID,
			Outcome:   "completed",
			Timestamp: time.Now().UTC(),
		}
		if p.Err != nil {
			msg.Outcome = string(p.Kind)
			msg.Error = p.Err.Error()
		}
		s.publish(protocol.SubjectNarrationProgress, msg)
		if next != nil {
			next(p)
		}
	}
	return opts
}

// writeOutputs writes <dir>/<project>/<project>.wav and, when asked, the
// per-chunk files next to it.
func (s *Service) writeOutputs(project string, res pipeline.Result, saveChunks bool) (string, []string, error) {
	dir := filepath.Join(s.output.Directory, project)
	path := filepath.Join(dir, project+".wav")
	if err := audio.SaveWAV(path, res.Audio.Samples, res.Audio.SampleRate); err != nil {
		return "", nil, fmt.Errorf("write narration: %w", err)
	}
	if !saveChunks {
		return path, nil, nil
	}
	chunkPaths, err := audio.SaveChunks(dir, project, res.Segments)
	if err != nil {
		return path, chunkPaths, fmt.Errorf("write chunks: %w", err)
	}
	return path, chunkPaths, nil
}

func projectName(req protocol.NarrationRequest) string {
	if strings.TrimSpace(req.Project) != "" {
		return voice.SafeName(req.Project)
	}
	return voice.SafeName(req.RequestID)
}

func (s *Service) publish(subject string, v any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.PublishJSON(subject, v); err != nil {
		s.logger.Warn("failed to publish", slog.String("subject", subject), slogError(err))
	}
}

func (s *Service) reply(msg *nats.Msg, v any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.RespondJSON(msg, v); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		s.logger.Warn("failed to reply", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
