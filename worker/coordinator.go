package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"pagebinder/conversion"
	"pagebinder/logging"
	"pagebinder/models"
	"pagebinder/staging"
)

// ErrSessionBusy is returned for a trigger while the session's previous job
// is still running.
var ErrSessionBusy = errors.New("session already has an active conversion")

const (
	msgNoInput         = "No uploaded files to convert"
	msgConversionError = "Error converting files"
	msgDeliveryError   = "Could not deliver the converted file, please try again"
)

type Converter interface {
	Convert(ctx context.Context, files []models.StagedFile, policy conversion.Policy, outputPath string) (models.Artifact, error)
}

type Deliverer interface {
	Send(ctx context.Context, sessionKey string, artifact models.Artifact) bool
}

// Ledger receives one record per finished job. Failures are logged only.
type Ledger interface {
	Append(ctx context.Context, rec models.CompletionRecord) error
}

type StatusRecorder interface {
	Record(ctx context.Context, job models.ConversionJob) error
}

// Notifier relays user-visible messages back through the transport.
type Notifier interface {
	Notify(ctx context.Context, sessionKey, message string) error
}

// DefaultSessionRetention is how long an idle session's last job stays
// queryable through Job before the session is forgotten.
const DefaultSessionRetention = 10 * time.Minute

type Options struct {
	SettleWindow      time.Duration
	Policy            conversion.Policy
	ConversionTimeout time.Duration
	DeliveryTimeout   time.Duration
	SessionRetention  time.Duration

	Ledger   Ledger
	Status   StatusRecorder
	Notifier Notifier
}

type session struct {
	state models.SessionState
	job   *models.ConversionJob
}

// Coordinator runs at most one conversion job per session. Each job runs in
// its own goroutine; sessions never wait on each other.
type Coordinator struct {
	ctx       context.Context
	staging   *staging.Area
	converter Converter
	deliverer Deliverer
	opts      Options
	logger    *slog.Logger
	wait      func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	sessions map[string]*session
	wg       sync.WaitGroup
}

// NewCoordinator creates a coordinator whose jobs run under ctx. Cancelling
// ctx cuts settle windows and delivery waits short; cleanup and the ledger
// write still happen.
func NewCoordinator(ctx context.Context, area *staging.Area, converter Converter, deliverer Deliverer, opts Options, logger *slog.Logger) *Coordinator {
	if opts.SessionRetention <= 0 {
		opts.SessionRetention = DefaultSessionRetention
	}
	return &Coordinator{
		ctx:       ctx,
		staging:   area,
		converter: converter,
		deliverer: deliverer,
		opts:      opts,
		logger:    logging.OrDiscard(logger).With("component", "coordinator"),
		wait:      sleep,
		sessions:  make(map[string]*session),
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) entry(key string) *session {
	s, ok := c.sessions[key]
	if !ok {
		s = &session{state: models.SessionIdle}
		c.sessions[key] = s
	}
	return s
}

// forget drops the session entry if it is still idle with job as its last
// job. Arrivals and new triggers in the meantime keep it.
func (c *Coordinator) forget(job *models.ConversionJob) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[job.SessionKey]
	if ok && s.state == models.SessionIdle && s.job == job {
		delete(c.sessions, job.SessionKey)
	}
}

// Sessions returns the number of sessions the coordinator tracks.
func (c *Coordinator) Sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// State returns the session's current state.
func (c *Coordinator) State(key string) models.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[key]; ok {
		return s.state
	}
	return models.SessionIdle
}

// Job returns a copy of the session's current or most recent job.
func (c *Coordinator) Job(key string) (models.ConversionJob, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[key]
	if !ok || s.job == nil {
		return models.ConversionJob{}, false
	}
	return copyJob(s.job), true
}

func copyJob(job *models.ConversionJob) models.ConversionJob {
	out := *job
	out.OrderedInputs = append([]models.StagedFile(nil), job.OrderedInputs...)
	return out
}

// OnArrival stages one incoming file. Errors concern this file only.
// Arrivals during an active job are accepted; they are not synchronized
// with it beyond the settle window.
func (c *Coordinator) OnArrival(key, originalName, sequenceHint string, r io.Reader) (models.StagedFile, error) {
	file, err := c.staging.Store(key, originalName, sequenceHint, r)
	if err != nil {
		c.logger.Error("failed to stage file", "session", key, "name", originalName, "error", err)
		return models.StagedFile{}, err
	}

	c.mu.Lock()
	if s := c.entry(key); s.state == models.SessionIdle {
		s.state = models.SessionStaging
	}
	c.mu.Unlock()
	return file, nil
}

// OnTrigger starts a job for the session and returns without waiting for
// it. A session that is not idle or staging rejects the trigger with
// ErrSessionBusy.
func (c *Coordinator) OnTrigger(trig models.Trigger) (models.ConversionJob, error) {
	if err := staging.ValidateSessionKey(trig.SessionKey); err != nil {
		return models.ConversionJob{}, err
	}
	if trig.TriggerID == "" {
		trig.TriggerID = uuid.NewString()
	}

	c.mu.Lock()
	s := c.entry(trig.SessionKey)
	if !s.state.Triggerable() || (s.job != nil && !s.job.Status.Terminal()) {
		state := s.state
		c.mu.Unlock()
		c.logger.Warn("trigger rejected", "session", trig.SessionKey, "trigger_id", trig.TriggerID, "state", state)
		return models.ConversionJob{}, fmt.Errorf("%w (state %s)", ErrSessionBusy, state)
	}

	job := &models.ConversionJob{
		ID:         uuid.New(),
		SessionKey: trig.SessionKey,
		TriggerID:  trig.TriggerID,
		Premium:    trig.Premium,
		OutputPath: c.staging.OutputPath(trig.SessionKey, trig.TriggerID),
		Status:     models.JobPending,
		CreatedAt:  time.Now(),
	}
	s.state = models.SessionSettling
	s.job = job
	snapshot := copyJob(job)
	c.wg.Add(1)
	c.mu.Unlock()

	c.record(job)
	go c.run(job, trig.UploadsComplete)
	return snapshot, nil
}

// Wait blocks until every started job has reached a terminal state.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) transition(job *models.ConversionJob, status models.JobStatus, state models.SessionState) {
	c.mu.Lock()
	if status != "" {
		job.Status = status
	}
	c.entry(job.SessionKey).state = state
	c.mu.Unlock()
	c.record(job)
}

func (c *Coordinator) record(job *models.ConversionJob) {
	if c.opts.Status == nil {
		return
	}
	c.mu.Lock()
	snapshot := copyJob(job)
	c.mu.Unlock()
	if err := c.opts.Status.Record(context.WithoutCancel(c.ctx), snapshot); err != nil {
		c.logger.Warn("failed to record job status", "session", job.SessionKey, "job_id", job.ID, "error", err)
	}
}

func (c *Coordinator) notify(key, message string) {
	if c.opts.Notifier == nil {
		return
	}
	if err := c.opts.Notifier.Notify(context.WithoutCancel(c.ctx), key, message); err != nil {
		c.logger.Warn("failed to notify session", "session", key, "error", err)
	}
}

// outcome is what the convert and deliver stages produced.
type outcome struct {
	files     int
	artifact  models.Artifact
	delivered bool
	err       error
	message   string
}

func (c *Coordinator) run(job *models.ConversionJob, uploadsComplete bool) {
	defer c.wg.Done()

	logger := c.logger.With("session", job.SessionKey, "job_id", job.ID.String(), "trigger_id", job.TriggerID)
	start := time.Now()
	logger.Info("conversion job started", "uploads_complete", uploadsComplete)

	out := c.stages(job, uploadsComplete, logger)

	if out.err != nil {
		c.mu.Lock()
		job.Error = out.err.Error()
		c.mu.Unlock()
		c.transition(job, models.JobFailed, models.SessionFailed)
		logger.Error("conversion job failed", "error", out.err)
		if out.message != "" {
			c.notify(job.SessionKey, out.message)
		}
	}

	// Cleanup runs whatever happened above and cannot change the outcome.
	c.transition(job, models.JobCleaning, models.SessionCleaning)
	failures := c.staging.Purge(context.WithoutCancel(c.ctx), job.SessionKey)
	if !failures.Empty() {
		logger.Warn("cleanup incomplete", "failures", failures.String())
	}

	final := models.JobSucceeded
	if !out.delivered {
		final = models.JobFailed
	}

	c.mu.Lock()
	job.Status = final
	job.FinishedAt = time.Now()
	next := models.SessionIdle
	if c.staging.Pending(job.SessionKey) > 0 {
		next = models.SessionStaging
	}
	c.entry(job.SessionKey).state = next
	c.mu.Unlock()
	c.record(job)
	if next == models.SessionIdle {
		time.AfterFunc(c.opts.SessionRetention, func() { c.forget(job) })
	}

	if c.opts.Ledger != nil {
		rec := models.CompletionRecord{
			SessionKey: job.SessionKey,
			JobID:      job.ID,
			FileCount:  out.files,
			TotalBytes: out.artifact.SizeBytes,
			Premium:    job.Premium,
			Succeeded:  out.delivered,
			Timestamp:  time.Now(),
		}
		if err := c.opts.Ledger.Append(context.WithoutCancel(c.ctx), rec); err != nil {
			logger.Error("failed to append completion record", "error", err)
		}
	}

	elapsed := time.Since(start)
	if out.delivered {
		logger.Info("conversion job succeeded", "files", out.files, "pages", out.artifact.Pages, "elapsed", elapsed.String())
	} else {
		logger.Error("conversion job ended with failure", "files", out.files, "elapsed", elapsed.String())
	}
}

// stages runs settle, convert and deliver. A panic in any stage becomes a
// failure so that cleanup still runs.
func (c *Coordinator) stages(job *models.ConversionJob, uploadsComplete bool, logger *slog.Logger) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			out.delivered = false
			out.err = fmt.Errorf("conversion job panicked: %v", r)
			out.message = msgConversionError
		}
	}()

	if !uploadsComplete && c.opts.SettleWindow > 0 {
		logger.Debug("waiting for in-flight arrivals", "settle_window", c.opts.SettleWindow.String())
		if err := c.wait(c.ctx, c.opts.SettleWindow); err != nil {
			return outcome{err: fmt.Errorf("settle window interrupted: %w", err)}
		}
	}

	files := c.staging.Snapshot(job.SessionKey)
	out.files = len(files)

	c.mu.Lock()
	job.OrderedInputs = conversion.Order(files)
	c.mu.Unlock()
	c.transition(job, models.JobConverting, models.SessionConverting)
	logger.Info("converting staged files", "files", len(files))

	convCtx, cancel := withOptionalTimeout(c.ctx, c.opts.ConversionTimeout)
	artifact, err := c.converter.Convert(convCtx, files, c.opts.Policy, job.OutputPath)
	cancel()
	if err != nil {
		out.err = err
		out.message = msgConversionError
		if errors.Is(err, conversion.ErrNoInput) {
			out.message = msgNoInput
		}
		return out
	}
	artifact.Caption = fmt.Sprintf("Converted files: %d", artifact.Pages)
	out.artifact = artifact

	c.transition(job, models.JobDelivering, models.SessionDelivering)

	deliverCtx, cancel := withOptionalTimeout(c.ctx, c.opts.DeliveryTimeout)
	out.delivered = c.deliverer.Send(deliverCtx, job.SessionKey, artifact)
	cancel()
	if !out.delivered {
		out.err = errors.New("delivery failed")
		out.message = msgDeliveryError
	}
	return out
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
