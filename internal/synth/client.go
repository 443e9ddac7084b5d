package synth

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// DefaultBaseURL is joined with the endpoint id when no explicit base URL is
// configured.
const DefaultBaseURL = "https://api.runpod.ai/v2"

const instrumentationName = "github.com/loqalabs/loqa-narrator/synth"

// Config describes how to reach the synthesis endpoint.
type Config struct {
	BaseURL    string
	EndpointID string
	APIKey     string
	// SendReferenceAudio uploads the voice reference file with every job
	// instead of relying on the backend to resolve the voice by name.
	SendReferenceAudio bool
}

// Client runs synthesis jobs against an asynchronous job endpoint:
// POST {base}/run, GET {base}/status/{id}, POST {base}/cancel/{id}.
type Client struct {
	base          string
	apiKey        string
	sendReference bool
	http          *http.Client
	logger        *slog.Logger
	now           func() time.Time

	tracer       trace.Tracer
	jobs         metric.Int64Counter
	pollTimeouts metric.Int64Counter
	duration     metric.Float64Histogram
}

type Option func(*Client)

// WithHTTPClient replaces the default HTTP client. Per-request deadlines come
// from the Budget, not from the client's Timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func NewClient(cfg Config, log *slog.Logger, opts ...Option) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		if strings.TrimSpace(cfg.EndpointID) == "" {
			return nil, errors.New("synthesis endpoint id or base url required")
		}
		base = DefaultBaseURL + "/" + strings.TrimSpace(cfg.EndpointID)
	}
	if log == nil {
		log = slog.Default()
	}
	c := &Client{
		base:          base,
		apiKey:        cfg.APIKey,
		sendReference: cfg.SendReferenceAudio,
		http:          &http.Client{},
		logger:        log.With(slog.String("component", "synth-client")),
		now:           time.Now,
		tracer:        otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.initMetrics()
	return c, nil
}

func (c *Client) initMetrics() {
	meter := otel.Meter(instrumentationName)
	var err error
	if c.jobs, err = meter.Int64Counter("narrator.synth.jobs",
		metric.WithDescription("Synthesis jobs by outcome")); err != nil {
		c.logger.Warn("failed to create jobs counter", slogError(err))
	}
	if c.pollTimeouts, err = meter.Int64Counter("narrator.synth.poll.timeouts",
		metric.WithDescription("Transient poll failures")); err != nil {
		c.logger.Warn("failed to create poll timeout counter", slogError(err))
	}
	if c.duration, err = meter.Float64Histogram("narrator.synth.job.duration",
		metric.WithDescription("Wall time from submission to terminal state"),
		metric.WithUnit("s")); err != nil {
		c.logger.Warn("failed to create job duration histogram", slogError(err))
	}
}

type runInput struct {
	Type           string     `json:"type"`
	Text           string     `json:"text,omitempty"`
	VoiceName      string     `json:"voice_name"`
	DisplayName    string     `json:"display_name,omitempty"`
	Description    string     `json:"description,omitempty"`
	Parameters     Parameters `json:"parameters"`
	ReferenceAudio string     `json:"reference_audio,omitempty"`
}

type runRequest struct {
	Input runInput `json:"input"`
}

type runResponse struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
}

// jobOutput carries audio for tts jobs and success/message for clone jobs.
type jobOutput struct {
	AudioData   string `json:"audio_data,omitempty"`
	SampleRate  int    `json:"sample_rate,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Success     *bool  `json:"success,omitempty"`
	Message     string `json:"message,omitempty"`
}

type statusResponse struct {
	ID     string     `json:"id"`
	Status string     `json:"status"`
	Output *jobOutput `json:"output,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// StatusReport is the parsed answer of one status probe.
type StatusReport struct {
	JobID  string
	State  JobState
	Error  string
	output *jobOutput
}

// Synthesize submits one chunk and polls until the job reaches a terminal
// state, the budget is exhausted or ctx is cancelled.
func (c *Client) Synthesize(ctx context.Context, req Request, budget Budget) (Result, error) {
	budget = budget.withDefaults()
	ctx, span := c.tracer.Start(ctx, "synth.Synthesize", trace.WithAttributes(
		attribute.Int("chunk.index", req.Chunk.Index),
		attribute.Int("chunk.words", req.Chunk.WordCount),
		attribute.String("voice", req.VoiceName),
	))
	defer span.End()

	start := c.now()
	res, err := c.synthesize(ctx, req, budget)
	c.observe(ctx, span, "tts", res.Job, start, err)
	return res, err
}

// CloneVoice registers a reference recording as a named voice on the
// backend. It runs through the same submit and poll cycle as synthesis.
func (c *Client) CloneVoice(ctx context.Context, req CloneRequest, budget Budget) (CloneResult, error) {
	budget = budget.withDefaults()
	ctx, span := c.tracer.Start(ctx, "synth.CloneVoice", trace.WithAttributes(
		attribute.String("voice", req.VoiceName),
	))
	defer span.End()

	start := c.now()
	res, err := c.clone(ctx, req, budget)
	c.observe(ctx, span, "clone", res.Job, start, err)
	return res, err
}

func (c *Client) observe(ctx context.Context, span trace.Span, jobType string, job Job, start time.Time, err error) {
	outcome := string(StateCompleted)
	if err != nil {
		outcome = string(KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if job.ID != "" {
		span.SetAttributes(attribute.String("job.id", job.ID))
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome), attribute.String("type", jobType))
	mctx := context.WithoutCancel(ctx)
	if c.jobs != nil {
		c.jobs.Add(mctx, 1, attrs)
	}
	if c.duration != nil {
		c.duration.Record(mctx, c.now().Sub(start).Seconds(), attrs)
	}
}

func (c *Client) synthesize(ctx context.Context, req Request, budget Budget) (Result, error) {
	payload, err := c.buildPayload(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{Job: Job{State: StateCancelled}}, newError(KindJobCancelled, "submit", "", "cancelled before submission", ctx.Err())
		}
		return Result{}, newError(KindSubmission, "submit", "", "build request", err)
	}
	job, report, err := c.run(ctx, payload, budget)
	if err != nil {
		return Result{Job: job}, err
	}
	c.logger.Debug("job completed",
		slog.String("job_id", job.ID),
		slog.Int("chunk", req.Chunk.Index),
		slog.Int("polls", job.Polls))
	return c.complete(job, report)
}

func (c *Client) clone(ctx context.Context, req CloneRequest, budget Budget) (CloneResult, error) {
	if strings.TrimSpace(req.VoiceName) == "" {
		return CloneResult{}, newError(KindSubmission, "submit", "", "voice name required", nil)
	}
	data, err := os.ReadFile(req.ReferenceAudioPath)
	if err != nil {
		return CloneResult{}, newError(KindSubmission, "submit", "", "read reference audio", err)
	}
	display := req.DisplayName
	if display == "" {
		display = req.VoiceName
	}
	payload, err := json.Marshal(runRequest{Input: runInput{
		Type:           "clone",
		VoiceName:      req.VoiceName,
		DisplayName:    display,
		Description:    req.Description,
		Parameters:     req.Parameters.Clamp(),
		ReferenceAudio: base64.StdEncoding.EncodeToString(data),
	}})
	if err != nil {
		return CloneResult{}, newError(KindSubmission, "submit", "", "build request", err)
	}

	job, report, err := c.run(ctx, payload, budget)
	if err != nil {
		return CloneResult{Job: job}, err
	}
	out := CloneResult{Job: job}
	if report.output != nil {
		out.Message = report.output.Message
	}
	if report.output == nil || report.output.Success == nil || !*report.output.Success {
		msg := out.Message
		if msg == "" {
			msg = "backend did not confirm the clone"
		}
		job.ErrorMessage = msg
		out.Job = job
		return out, newError(KindJobFailed, "clone", job.ID, msg, nil)
	}
	return out, nil
}

// run submits payload and polls the job to completion. The report is only
// meaningful when err is nil.
func (c *Client) run(ctx context.Context, payload []byte, budget Budget) (Job, StatusReport, error) {
	if err := ctx.Err(); err != nil {
		return Job{State: StateCancelled}, StatusReport{}, newError(KindJobCancelled, "submit", "", "cancelled before submission", err)
	}
	job, err := c.submit(ctx, payload, budget.SubmitTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return Job{State: StateCancelled}, StatusReport{}, newError(KindJobCancelled, "submit", "", "cancelled during submission", ctx.Err())
		}
		return Job{}, StatusReport{}, err
	}
	c.logger.Debug("job submitted", slog.String("job_id", job.ID))
	return c.poll(ctx, job, budget)
}

func (c *Client) buildPayload(req Request) ([]byte, error) {
	if strings.TrimSpace(req.Chunk.Text) == "" {
		return nil, errors.New("chunk text empty")
	}
	in := runInput{
		Type:       "tts",
		Text:       req.Chunk.Text,
		VoiceName:  req.VoiceName,
		Parameters: req.Parameters.Clamp(),
	}
	if c.sendReference && req.ReferenceAudioPath != "" {
		data, err := os.ReadFile(req.ReferenceAudioPath)
		if err != nil {
			return nil, fmt.Errorf("read reference audio: %w", err)
		}
		in.ReferenceAudio = base64.StdEncoding.EncodeToString(data)
	}
	return json.Marshal(runRequest{Input: in})
}

func (c *Client) submit(ctx context.Context, payload []byte, timeout time.Duration) (Job, error) {
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := c.newRequest(sctx, http.MethodPost, c.base+"/run", payload)
	if err != nil {
		return Job{}, newError(KindSubmission, "submit", "", "build request", err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Job{}, newError(KindSubmission, "submit", "", "request failed", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e := newError(KindSubmission, "submit", "", fmt.Sprintf("backend returned %s: %s", resp.Status, snippet(body)), nil)
		e.StatusCode = resp.StatusCode
		return Job{}, e
	}
	var out runResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return Job{}, newError(KindSubmission, "submit", "", "decode response", err)
	}
	if out.ID == "" {
		return Job{}, newError(KindSubmission, "submit", "", "response carried no job id", nil)
	}
	return Job{ID: out.ID, State: StateQueued, SubmittedAt: c.now()}, nil
}

func (c *Client) poll(ctx context.Context, job Job, budget Budget) (Job, StatusReport, error) {
	deadline := time.NewTimer(budget.MaxWaitTime)
	defer deadline.Stop()
	ticker := time.NewTicker(budget.PollInterval)
	defer ticker.Stop()

	consecutive := 0
	for {
		if err := ctx.Err(); err != nil {
			return c.abort(job, StateCancelled, err)
		}
		if c.now().Sub(job.SubmittedAt) > budget.MaxWaitTime {
			return c.abort(job, StateTimedOut, nil)
		}

		report, err := c.status(ctx, job.ID, budget.PollTimeout)
		job.LastPolledAt = c.now()
		job.Polls++
		if err != nil {
			if ctx.Err() != nil {
				return c.abort(job, StateCancelled, ctx.Err())
			}
			var se *Error
			if !errors.As(err, &se) || se.Kind != KindPolling || !isTransient(se) {
				return job, StatusReport{}, err
			}
			consecutive++
			if c.pollTimeouts != nil {
				c.pollTimeouts.Add(context.WithoutCancel(ctx), 1)
			}
			c.logger.Warn("transient poll failure",
				slog.String("job_id", job.ID),
				slog.Int("consecutive", consecutive),
				slogError(err))
			if consecutive > budget.MaxConsecutiveNetworkTimeouts {
				return job, StatusReport{}, newError(KindBackendUnavailable, "poll", job.ID,
					fmt.Sprintf("%d consecutive poll failures", consecutive), err)
			}
		} else {
			consecutive = 0
			switch report.State {
			case StateCompleted:
				job.State = StateCompleted
				return job, report, nil
			case StateFailed:
				job.State = StateFailed
				job.ErrorMessage = report.Error
				msg := report.Error
				if msg == "" {
					msg = "backend reported failure"
				}
				return job, StatusReport{}, newError(KindJobFailed, "poll", job.ID, msg, nil)
			case StateCancelled:
				job.State = StateCancelled
				job.ErrorMessage = report.Error
				return job, StatusReport{}, newError(KindJobCancelled, "poll", job.ID, "cancelled by backend", nil)
			default:
				job.State = report.State
			}
		}

		select {
		case <-ctx.Done():
			return c.abort(job, StateCancelled, ctx.Err())
		case <-deadline.C:
			return c.abort(job, StateTimedOut, nil)
		case <-ticker.C:
		}
	}
}

// abort ends a job locally and asks the backend to drop it without waiting
// for the answer.
func (c *Client) abort(job Job, state JobState, cause error) (Job, StatusReport, error) {
	job.State = state
	go c.cancelRemote(job.ID)
	if state == StateTimedOut {
		return job, StatusReport{}, newError(KindJobTimedOut, "poll", job.ID, "max wait time exceeded", cause)
	}
	return job, StatusReport{}, newError(KindJobCancelled, "poll", job.ID, "cancelled by caller", cause)
}

func (c *Client) complete(job Job, report StatusReport) (Result, error) {
	if report.output == nil || report.output.AudioData == "" {
		return Result{Job: job}, newError(KindAudioDecode, "decode", job.ID, "completed job carried no audio", nil)
	}
	data, err := base64.StdEncoding.DecodeString(report.output.AudioData)
	if err != nil {
		return Result{Job: job}, newError(KindAudioDecode, "decode", job.ID, "invalid base64 audio", err)
	}
	return Result{
		Job:         job,
		Audio:       data,
		SampleRate:  report.output.SampleRate,
		ContentType: report.output.ContentType,
	}, nil
}

// Status probes one job once.
func (c *Client) Status(ctx context.Context, jobID string) (StatusReport, error) {
	return c.status(ctx, jobID, DefaultBudget().PollTimeout)
}

func (c *Client) status(ctx context.Context, jobID string, timeout time.Duration) (StatusReport, error) {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := c.newRequest(pctx, http.MethodGet, c.base+"/status/"+jobID, nil)
	if err != nil {
		return StatusReport{}, newError(KindPolling, "poll", jobID, "build request", err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return StatusReport{}, transientError(jobID, 0, "request failed", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return StatusReport{}, transientError(jobID, resp.StatusCode, "read body", err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return StatusReport{}, transientError(jobID, resp.StatusCode, "backend returned "+resp.Status, nil)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e := newError(KindPolling, "poll", jobID, fmt.Sprintf("backend returned %s: %s", resp.Status, snippet(body)), nil)
		e.StatusCode = resp.StatusCode
		return StatusReport{}, e
	}

	var out statusResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return StatusReport{}, newError(KindPolling, "poll", jobID, "decode response", err)
	}
	state, err := parseStatus(out.Status)
	if err != nil {
		return StatusReport{}, newError(KindPolling, "poll", jobID, "unrecognized status", err)
	}
	return StatusReport{JobID: jobID, State: state, Error: out.Error, output: out.Output}, nil
}

// Cancel asks the backend to stop a job.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	httpReq, err := c.newRequest(ctx, http.MethodPost, c.base+"/cancel/"+jobID, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("cancel returned status %s", resp.Status)
	}
	return nil
}

func (c *Client) cancelRemote(jobID string) {
	if jobID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), DefaultBudget().PollTimeout)
	defer cancel()
	if err := c.Cancel(ctx, jobID); err != nil {
		c.logger.Debug("remote cancel failed", slog.String("job_id", jobID), slogError(err))
	}
}

func (c *Client) newRequest(ctx context.Context, method, url string, body []byte) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

// transientError marks a poll failure that counts towards the consecutive
// failure budget instead of ending the job.
func transientError(jobID string, status int, msg string, err error) *Error {
	e := newError(KindPolling, "poll", jobID, msg, err)
	e.StatusCode = status
	return e
}

func isTransient(e *Error) bool {
	if e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests {
		return true
	}
	if e.Err == nil {
		return false
	}
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(e.Err, &netErr) {
		return true
	}
	return errors.Is(e.Err, io.ErrUnexpectedEOF)
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
