package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/synth"
	"github.com/loqalabs/loqa-narrator/internal/text"
	"github.com/loqalabs/loqa-narrator/internal/voice"
)

const instrumentationName = "github.com/loqalabs/loqa-narrator/pipeline"

// decodeTimeout bounds decoding of one received chunk.
const decodeTimeout = time.Minute

var (
	ErrNoText          = fmt.Errorf("%w: no text to narrate", synth.ErrSegmentation)
	ErrAllChunksFailed = errors.New("all chunks failed")
)

// Generation statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// ChunkError is the failure of one chunk.
type ChunkError struct {
	Index int
	JobID string
	Kind  synth.Kind
	Err   error
}

func (e ChunkError) Error() string {
	return fmt.Sprintf("chunk %d: %s: %v", e.Index, e.Kind, e.Err)
}

func (e ChunkError) Unwrap() error { return e.Err }

// Recorder persists generation progress. *eventstore.Store satisfies it.
type Recorder interface {
	StartGeneration(ctx context.Context, g eventstore.Generation) error
	RecordChunk(ctx context.Context, evt eventstore.ChunkEvent) error
	FinishGeneration(ctx context.Context, g eventstore.Generation) error
}

type Request struct {
	// ID is generated when empty.
	ID        string
	Text      string
	VoiceName string
	Options   Options
}

type Result struct {
	ID     string
	Status string
	Audio  audio.Assembled
	Chunks []text.TextChunk
	// Segments holds the decoded audio of every successful chunk in index
	// order, before pauses and crossfades.
	Segments  []audio.Segment
	Errors    []ChunkError
	Succeeded int
}

// Orchestrator turns text into one assembled waveform.
type Orchestrator struct {
	synth     synth.Synthesizer
	voices    voice.Provider
	decoder   audio.Decoder
	assembler audio.Assembler
	recorder  Recorder
	logger    *slog.Logger

	tracer trace.Tracer
	chunks metric.Int64Counter
}

type Option func(*Orchestrator)

func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithSampleRate sets the rate every segment is brought to.
func WithSampleRate(rate int) Option {
	return func(o *Orchestrator) { o.assembler = audio.NewAssembler(rate) }
}

func NewOrchestrator(s synth.Synthesizer, voices voice.Provider, decoder audio.Decoder, log *slog.Logger, opts ...Option) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	o := &Orchestrator{
		synth:     s,
		voices:    voices,
		decoder:   decoder,
		assembler: audio.NewAssembler(audio.SampleRate),
		logger:    log.With(slog.String("component", "pipeline")),
		tracer:    otel.Tracer(instrumentationName),
	}
	if o.decoder == nil {
		o.decoder = audio.NewAutoDecoder(audio.SampleRate, nil)
	}
	for _, opt := range opts {
		opt(o)
	}
	var err error
	o.chunks, err = otel.Meter(instrumentationName).Int64Counter("narrator.pipeline.chunks",
		metric.WithDescription("Chunks processed by outcome"))
	if err != nil {
		o.logger.Warn("failed to create chunk counter", slogError(err))
	}
	return o
}

type chunkResult struct {
	segment audio.Segment
	jobID   string
	polls   int
	elapsed time.Duration
	err     error
}

// Generate segments the text, synthesizes every chunk and assembles the
// successful ones in index order. Chunk failures are reported in
// Result.Errors; the error return is reserved for failures that leave no
// usable audio.
func (o *Orchestrator) Generate(ctx context.Context, req Request) (Result, error) {
	opts := req.Options.withDefaults()
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	ctx, span := o.tracer.Start(ctx, "pipeline.Generate", trace.WithAttributes(
		attribute.String("generation.id", id),
		attribute.String("voice", req.VoiceName),
	))
	defer span.End()

	res := Result{ID: id, Status: StatusFailed, Audio: audio.Assembled{SampleRate: o.assembler.SampleRate}}
	fail := func(err error) (Result, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}

	profile, err := o.resolveVoice(req.VoiceName)
	if err != nil {
		return fail(err)
	}
	params := opts.parameters(profile.Parameters)

	input := req.Text
	if opts.ExpandAbbreviations {
		input = text.Clean(input)
	}
	chunks := text.Segment(input, opts.MaxWords)
	res.Chunks = chunks
	if len(chunks) == 0 {
		return fail(ErrNoText)
	}
	span.SetAttributes(attribute.Int("chunks", len(chunks)))

	started := time.Now()
	o.record(func(r Recorder) error {
		return r.StartGeneration(ctx, eventstore.Generation{ID: id, VoiceName: req.VoiceName, Status: StatusRunning, Chunks: len(chunks)})
	})
	o.logger.Info("generation started",
		slog.String("generation_id", id),
		slog.String("voice", req.VoiceName),
		slog.Int("chunks", len(chunks)),
		slog.Int("concurrency", opts.Concurrency))

	results := o.synthesizeAll(ctx, id, chunks, profile, params, opts)

	var segments []audio.Segment
	var kept []text.TextChunk
	for i, r := range results {
		if r.err != nil {
			res.Errors = append(res.Errors, ChunkError{Index: i, JobID: r.jobID, Kind: synth.KindOf(r.err), Err: r.err})
			continue
		}
		segments = append(segments, r.segment)
		kept = append(kept, chunks[i])
	}
	res.Segments = segments
	res.Succeeded = len(segments)

	finish := eventstore.Generation{ID: id, Chunks: len(chunks), Succeeded: res.Succeeded, Failed: len(res.Errors)}
	defer func() {
		finish.Status = res.Status
		finish.DurationSeconds = res.Audio.TotalDurationSeconds
		o.record(func(r Recorder) error { return r.FinishGeneration(context.WithoutCancel(ctx), finish) })
		o.logger.Info("generation finished",
			slog.String("generation_id", id),
			slog.String("status", res.Status),
			slog.Int("succeeded", res.Succeeded),
			slog.Int("failed", len(res.Errors)),
			slog.Float64("audio_seconds", res.Audio.TotalDurationSeconds),
			slog.Duration("elapsed", time.Since(started)))
	}()

	if len(segments) == 0 {
		err := fmt.Errorf("%w: %d of %d chunks failed", ErrAllChunksFailed, len(res.Errors), len(chunks))
		if ctx.Err() != nil {
			res.Status = StatusCancelled
		}
		finish.Error = err.Error()
		return fail(err)
	}

	toCombine := segments
	if opts.InsertPauses {
		toCombine = withPauses(segments, kept, opts.Pauses, o.assembler.SampleRate)
	}
	assembled, err := o.assembler.Combine(toCombine, opts.CrossfadeSeconds)
	if err != nil {
		err = &synth.Error{Kind: synth.KindAssembly, Op: "assemble", Message: "combine segments", Err: err}
		finish.Error = err.Error()
		return fail(err)
	}
	res.Audio = assembled

	switch {
	case len(res.Errors) == 0:
		res.Status = StatusCompleted
	case ctx.Err() != nil:
		res.Status = StatusCancelled
	default:
		res.Status = StatusPartial
	}
	span.SetAttributes(
		attribute.Int("chunks.failed", len(res.Errors)),
		attribute.Float64("audio.seconds", assembled.TotalDurationSeconds),
	)
	return res, nil
}

func (o *Orchestrator) resolveVoice(name string) (voice.Profile, error) {
	// no voice selected: the backend's built-in voice with default parameters
	if o.voices == nil || name == "" {
		return voice.Profile{Name: name, Parameters: synth.DefaultParameters()}, nil
	}
	p, err := o.voices.Resolve(name)
	if err != nil {
		return voice.Profile{}, fmt.Errorf("resolve voice %q: %w", name, err)
	}
	return p, nil
}

// synthesizeAll runs chunks through a bounded worker pool. Results are
// stored by index so completion order never affects assembly. Once ctx is
// done no new chunk is started; the remaining ones are marked cancelled.
func (o *Orchestrator) synthesizeAll(ctx context.Context, id string, chunks []text.TextChunk, profile voice.Profile, params synth.Parameters, opts Options) []chunkResult {
	results := make([]chunkResult, len(chunks))
	sem := make(chan struct{}, opts.Concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	done, failed := 0, 0

	report := func(i int, r chunkResult) {
		kind := synth.KindOf(r.err)
		outcome := "completed"
		if r.err != nil {
			outcome = string(kind)
		}
		if o.chunks != nil {
			o.chunks.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
		}
		evt := eventstore.ChunkEvent{
			GenerationID: id,
			Index:        i,
			JobID:        r.jobID,
			Outcome:      outcome,
			Words:        chunks[i].WordCount,
			Polls:        r.polls,
			ElapsedMS:    r.elapsed.Milliseconds(),
		}
		if r.err != nil {
			evt.Error = r.err.Error()
			o.logger.Warn("chunk failed",
				slog.String("generation_id", id),
				slog.Int("chunk", i),
				slog.String("kind", string(kind)),
				slogError(r.err))
		}
		o.record(func(rec Recorder) error { return rec.RecordChunk(context.WithoutCancel(ctx), evt) })

		mu.Lock()
		defer mu.Unlock()
		done++
		if r.err != nil {
			failed++
		}
		if opts.Progress != nil {
			opts.Progress(Progress{
				GenerationID: id,
				Index:        i,
				Total:        len(chunks),
				Done:         done,
				Failed:       failed,
				JobID:        r.jobID,
				Kind:         kind,
				Err:          r.err,
			})
		}
	}

	for i, chunk := range chunks {
		acquired := false
		if ctx.Err() == nil {
			select {
			case sem <- struct{}{}:
				acquired = true
			case <-ctx.Done():
			}
		}
		if err := ctx.Err(); err != nil {
			if acquired {
				<-sem
			}
			results[i] = chunkResult{err: &synth.Error{Kind: synth.KindJobCancelled, Op: "dispatch", Message: "generation cancelled before chunk started", Err: err}}
			report(i, results[i])
			continue
		}
		wg.Add(1)
		go func(i int, chunk text.TextChunk) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = o.runChunk(ctx, chunk, profile, params, opts)
			report(i, results[i])
		}(i, chunk)
	}
	wg.Wait()
	return results
}

func (o *Orchestrator) runChunk(ctx context.Context, chunk text.TextChunk, profile voice.Profile, params synth.Parameters, opts Options) chunkResult {
	start := time.Now()
	out, err := o.synth.Synthesize(ctx, synth.Request{
		Chunk:              chunk,
		VoiceName:          profile.Name,
		ReferenceAudioPath: profile.ReferenceAudioPath,
		Parameters:         params,
	}, opts.Budget)
	r := chunkResult{jobID: out.Job.ID, polls: out.Job.Polls}
	if err != nil {
		r.err = err
		r.elapsed = time.Since(start)
		return r
	}

	// The backend already finished this job, so a cancel from here on must
	// not throw its audio away. Decoding gets its own deadline instead.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), decodeTimeout)
	defer cancel()
	samples, rate, err := o.decoder.Decode(dctx, audio.Payload{Data: out.Audio, ContentType: out.ContentType, SampleRate: out.SampleRate})
	if err != nil {
		r.err = &synth.Error{Kind: synth.KindAudioDecode, Op: "decode", JobID: out.Job.ID, Message: "decode chunk audio", Err: err}
		r.elapsed = time.Since(start)
		return r
	}
	if rate != o.assembler.SampleRate {
		samples, err = audio.Resample(samples, rate, o.assembler.SampleRate)
		if err != nil {
			r.err = &synth.Error{Kind: synth.KindAudioDecode, Op: "resample", JobID: out.Job.ID, Message: "resample chunk audio", Err: err}
			r.elapsed = time.Since(start)
			return r
		}
	}
	if opts.Normalize {
		samples = audio.Normalize(samples, opts.TargetDB, opts.Method)
	}
	r.segment = audio.Segment{Index: chunk.Index, Samples: samples, SampleRate: o.assembler.SampleRate}
	r.elapsed = time.Since(start)
	return r
}

// withPauses appends the silence that should follow each chunk, except the
// last one.
func withPauses(segments []audio.Segment, chunks []text.TextChunk, pauses text.Pauses, rate int) []audio.Segment {
	out := make([]audio.Segment, len(segments))
	for i, seg := range segments {
		out[i] = seg
		if i == len(segments)-1 {
			continue
		}
		next := chunks[i+1]
		gap := audio.Silence(pauses.PauseAfter(chunks[i], &next).Seconds(), rate)
		if len(gap) == 0 {
			continue
		}
		samples := make([]float32, 0, len(seg.Samples)+len(gap))
		samples = append(samples, seg.Samples...)
		out[i].Samples = append(samples, gap...)
	}
	return out
}

func (o *Orchestrator) record(fn func(Recorder) error) {
	if o.recorder == nil {
		return
	}
	if err := fn(o.recorder); err != nil {
		o.logger.Warn("failed to record generation event", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
