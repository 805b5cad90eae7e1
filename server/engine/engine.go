// Package engine runs one worker: a job queue bound to the datastore and the
// generation pipeline. The engine persists what its queue reports (status
// transitions, logs, metrics), registers a durable worker identity, and
// heartbeats it while running. A pool supervises one engine per worker slot.
package engine

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/cbreaker"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/config"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/contexts/ctxerr"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/podsub"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/queue"
)

// heartbeatMissThreshold is the consecutive heartbeat write failures after
// which the engine reports itself unhealthy on Notify.
const heartbeatMissThreshold = 3

// MetricSink receives the engine's operational metrics. monitoring.Collector
// implements it; a nil sink disables metric emission.
type MetricSink interface {
	Counter(ctx context.Context, name string, delta float64, labels map[string]string)
	Gauge(ctx context.Context, name string, value float64, labels map[string]string)
	Histogram(ctx context.Context, name string, value float64, labels map[string]string)
}

// Engine executes generation jobs on behalf of one worker identity.
type Engine struct {
	id       string
	hostname string
	ds       podsub.Datastore
	pipeline podsub.Pipeline
	cfg      config.PodsubConfig
	logger   log.Logger
	clock    clock.Clock
	breakers *cbreaker.Manager
	sink     MetricSink

	queue *queue.Queue

	mu      sync.Mutex
	started bool
	stopped bool
	// results stashes pipeline output between the handler finishing and the
	// event consumer writing the completed row.
	results map[uint]*podsub.GenerationResult

	// active holds the job ids currently executing on this engine. Owned by
	// the event consumer goroutine; the worker row flips to idle only once
	// this empties.
	active map[uint]struct{}

	consumerDone  chan struct{}
	heartbeatStop chan struct{}
	heartbeatDone chan struct{}
	notify        chan error

	startedAt       time.Time
	jobsProcessed   atomic.Int64
	jobsFailed      atomic.Int64
	heartbeatMisses atomic.Int32
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock sets the time source, for tests.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithID pins the worker id instead of generating one.
func WithID(id string) Option {
	return func(e *Engine) { e.id = id }
}

// WithCollector attaches a metric sink.
func WithCollector(sink MetricSink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithBreakers shares a circuit breaker manager across engines. Without it
// the engine builds its own from the breaker config.
func WithBreakers(m *cbreaker.Manager) Option {
	return func(e *Engine) { e.breakers = m }
}

// NewEngine builds a stopped engine. Call Start to register the worker and
// begin accepting jobs.
func NewEngine(ds podsub.Datastore, pipeline podsub.Pipeline, cfg config.PodsubConfig, logger log.Logger, opts ...Option) *Engine {
	e := &Engine{
		ds:            ds,
		pipeline:      pipeline,
		cfg:           cfg,
		logger:        logger,
		clock:         clock.C,
		results:       make(map[uint]*podsub.GenerationResult),
		active:        make(map[uint]struct{}),
		consumerDone:  make(chan struct{}),
		heartbeatStop: make(chan struct{}),
		heartbeatDone: make(chan struct{}),
		notify:        make(chan error, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.id == "" {
		e.id = uuid.New().String()
	}
	if e.hostname == "" {
		e.hostname, _ = os.Hostname()
	}
	if e.breakers == nil {
		e.breakers = cbreaker.NewManager(cbreaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			SuccessThreshold: cfg.Breaker.SuccessThreshold,
			Timeout:          cfg.Breaker.Timeout,
			ResetTimeout:     cfg.Breaker.ResetTimeout,
			Enabled:          cfg.Breaker.Enabled,
		}, logger)
	}
	e.logger = log.With(logger, "component", "engine", "worker_id", e.id)

	e.queue = queue.New(queue.Config{
		MaxConcurrent:     cfg.Queue.MaxConcurrent,
		JobTimeout:        cfg.Queue.JobTimeout,
		RetryDelay:        cfg.Queue.RetryDelay,
		DefaultMaxRetries: cfg.Queue.MaxRetries,
		EnableAutoRetry:   cfg.Queue.EnableAutoRetry,
	}, e.handleJob, queue.WithLogger(e.logger), queue.WithClock(e.clock))

	return e
}

// ID returns the worker identity this engine registers.
func (e *Engine) ID() string { return e.id }

// Start registers the worker row and launches the queue, the event consumer
// and the heartbeat loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ctxerr.New(ctx, "engine already started")
	}
	if e.stopped {
		e.mu.Unlock()
		return ctxerr.New(ctx, "engine already stopped")
	}
	e.started = true
	e.startedAt = e.clock.Now()
	e.mu.Unlock()

	worker := &podsub.Worker{
		ID:            e.id,
		Hostname:      e.hostname,
		Status:        podsub.WorkerStatusIdle,
		LastHeartbeat: e.startedAt,
		StartedAt:     e.startedAt,
	}
	if _, err := e.ds.RegisterWorker(ctx, worker); err != nil {
		e.mu.Lock()
		e.started = false
		e.mu.Unlock()
		return ctxerr.Wrap(ctx, err, "register worker")
	}

	e.queue.Start()
	go e.consumeEvents()
	go e.heartbeatLoop()

	level.Info(e.logger).Log("msg", "engine started", "hostname", e.hostname)
	return nil
}

// Stop drains in-flight jobs within ctx's deadline, stops the heartbeat and
// marks the worker offline. Safe to call once; later calls are no-ops.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started || e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.mu.Unlock()

	var errs *multierror.Error

	if err := e.queue.Shutdown(ctx); err != nil {
		errs = multierror.Append(errs, ctxerr.Wrap(ctx, err, "drain queue"))
	}

	// The queue closes its event stream once every event is delivered; wait
	// for the consumer to finish writing them before the final offline
	// transition. A straggling handler past ctx's deadline is abandoned.
	select {
	case <-e.consumerDone:
	case <-ctx.Done():
		errs = multierror.Append(errs, ctxerr.Wrap(ctx, ctx.Err(), "drain event consumer"))
	}
	close(e.heartbeatStop)
	<-e.heartbeatDone

	if err := e.ds.UpdateWorker(ctx, e.workerRow(podsub.WorkerStatusOffline, nil)); err != nil {
		errs = multierror.Append(errs, ctxerr.Wrap(ctx, err, "mark worker offline"))
	}

	level.Info(e.logger).Log("msg", "engine stopped")
	return errs.ErrorOrNil()
}

// Running reports whether the engine accepts jobs.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started && !e.stopped
}

// SubmitJob validates the request, persists a queued job row and admits it.
// Validation failures are returned synchronously and never create a row.
func (e *Engine) SubmitJob(ctx context.Context, req *podsub.GenerationRequest, opts podsub.SubmitOptions) (*podsub.Job, error) {
	if !e.Running() {
		return nil, &podsub.NoCapacityError{Reason: "worker is not running"}
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = e.cfg.Queue.MaxRetries
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, ctxerr.Wrap(ctx, err, "marshal job request")
	}

	job, err := e.ds.NewJob(ctx, &podsub.Job{
		Status:     podsub.JobStatusQueued,
		Priority:   opts.Priority,
		Request:    payload,
		MaxRetries: maxRetries,
	})
	if err != nil {
		return nil, ctxerr.Wrap(ctx, err, "persist job")
	}

	err = e.queue.Enqueue(queue.Item{
		JobID:      job.ID,
		Priority:   job.Priority,
		MaxRetries: job.MaxRetries,
	})
	if err != nil {
		// The row exists but cannot run here; fail it so it is not silently
		// stuck in queued. CompletedAt stays nil: the job never started
		// processing.
		job.Status = podsub.JobStatusFailed
		job.Error = err.Error()
		if _, uerr := e.ds.UpdateJob(ctx, job.ID, job); uerr != nil {
			level.Error(e.logger).Log("msg", "failed to mark unadmitted job", "job_id", job.ID, "err", uerr)
		}
		return nil, ctxerr.Wrap(ctx, err, "enqueue job")
	}

	e.counter(ctx, "jobs_submitted", 1, nil)
	e.jobLog(job.ID, podsub.LogLevelInfo, "job submitted", map[string]string{
		"platform": req.Platform,
		"theme":    req.Theme,
	})
	return job, nil
}

// Requeue re-admits an existing job row, typically during crash recovery.
// The job keeps its consumed retry count; interruption does not burn an
// attempt. Re-admitting a job this engine already holds is a no-op.
func (e *Engine) Requeue(ctx context.Context, job *podsub.Job) error {
	if !e.Running() {
		return &podsub.NoCapacityError{Reason: "worker is not running"}
	}

	err := e.queue.Enqueue(queue.Item{
		JobID:      job.ID,
		Priority:   job.Priority,
		MaxRetries: job.MaxRetries,
		Retries:    job.RetryCount,
	})
	if err != nil {
		if err == queue.ErrDuplicateJob {
			return nil
		}
		return ctxerr.Wrap(ctx, err, "requeue job")
	}

	if job.Status != podsub.JobStatusQueued {
		job.Status = podsub.JobStatusQueued
		job.WorkerID = e.id
		if _, err := e.ds.UpdateJob(ctx, job.ID, job); err != nil {
			level.Error(e.logger).Log("msg", "failed to reset requeued job", "job_id", job.ID, "err", err)
		}
	}
	e.jobLog(job.ID, podsub.LogLevelWarning, "job requeued after interruption", map[string]string{
		"worker_id": e.id,
	})
	return nil
}

// handleJob is the queue handler: it performs one execution attempt.
func (e *Engine) handleJob(ctx context.Context, item queue.Item) error {
	job, err := e.ds.Job(ctx, item.JobID)
	if err != nil {
		// Deleted out from under us; fail the attempt, there is nothing to run.
		return ctxerr.Wrap(ctx, err, "load job")
	}

	var req podsub.GenerationRequest
	if err := json.Unmarshal(job.Request, &req); err != nil {
		return ctxerr.Wrap(ctx, err, "decode job request")
	}

	res, err := cbreaker.Do(e.breakers, e.pipeline.Name(), func() (*podsub.GenerationResult, error) {
		return e.pipeline.Run(ctx, &req)
	})
	if err != nil {
		if cbreaker.IsOpen(err) {
			e.counter(ctx, "pipeline_circuit_open", 1, map[string]string{"pipeline": e.pipeline.Name()})
		}
		return err
	}

	if err := e.saveArtifacts(ctx, job.ID, res); err != nil {
		return err
	}

	e.mu.Lock()
	e.results[job.ID] = res
	e.mu.Unlock()
	return nil
}

// saveArtifacts records the generated images and the commerce listings for a
// finished attempt. Written from the executor, not the event consumer: these
// are append-only side tables, not job status.
func (e *Engine) saveArtifacts(ctx context.Context, jobID uint, res *podsub.GenerationResult) error {
	imageIDs := make(map[string]uint, len(res.Images))
	for _, img := range res.Images {
		saved, err := e.ds.NewImage(ctx, &podsub.Image{
			JobID:       jobID,
			URL:         img.URL,
			StoragePath: img.StoragePath,
			Prompt:      img.Prompt,
			Provider:    img.Provider,
			Metadata:    img.Metadata,
		})
		if err != nil {
			return ctxerr.Wrap(ctx, err, "save generated image")
		}
		imageIDs[img.URL] = saved.ID
	}

	for _, listing := range res.Listings {
		status := podsub.PublishStatusPublished
		if !listing.Published {
			status = podsub.PublishStatusFailed
		}
		_, err := e.ds.NewProduct(ctx, &podsub.Product{
			JobID:         jobID,
			ImageID:       imageIDs[listing.ImageURL],
			Platform:      listing.Platform,
			ExternalID:    listing.ExternalID,
			Title:         listing.Title,
			URL:           listing.URL,
			PublishStatus: status,
			PublishError:  listing.Error,
		})
		if err != nil {
			// A retried attempt re-saving a listing it already wrote.
			if podsub.IsAlreadyExists(err) {
				continue
			}
			return ctxerr.Wrap(ctx, err, "save product listing")
		}
	}
	return nil
}

// Notify reports persistent infrastructure trouble (heartbeat write streaks).
// The pool restarts engines that report here.
func (e *Engine) Notify() <-chan error {
	return e.notify
}

// Stats is a point-in-time view of this engine.
type Stats struct {
	WorkerID  string      `json:"worker_id"`
	Hostname  string      `json:"hostname"`
	Running   bool        `json:"running"`
	StartedAt time.Time   `json:"started_at"`
	Processed int64       `json:"processed"`
	Failed    int64       `json:"failed"`
	Queue     queue.Stats `json:"queue"`
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	startedAt := e.startedAt
	e.mu.Unlock()

	return Stats{
		WorkerID:  e.id,
		Hostname:  e.hostname,
		Running:   e.Running(),
		StartedAt: startedAt,
		Processed: e.jobsProcessed.Load(),
		Failed:    e.jobsFailed.Load(),
		Queue:     e.queue.Stats(),
	}
}

// Busy approximates this engine's load for least-busy placement.
func (e *Engine) Busy() int {
	stats := e.queue.Stats()
	return stats.Active + stats.Queued
}

// HealthCheck reports unhealthy when the engine is not running or heartbeat
// writes keep failing.
func (e *Engine) HealthCheck() error {
	if !e.Running() {
		return ctxerr.New(context.Background(), "engine is not running")
	}
	if misses := e.heartbeatMisses.Load(); misses >= heartbeatMissThreshold {
		return ctxerr.Errorf(context.Background(), "%d consecutive heartbeat failures", misses)
	}
	return nil
}

func (e *Engine) heartbeatLoop() {
	defer close(e.heartbeatDone)

	interval := e.cfg.Worker.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	for {
		select {
		case <-e.clock.After(interval):
			e.beat()
		case <-e.heartbeatStop:
			return
		}
	}
}

func (e *Engine) beat() {
	ctx := context.Background()
	if err := e.ds.RecordWorkerHeartbeat(ctx, e.id, e.clock.Now()); err != nil {
		misses := e.heartbeatMisses.Add(1)
		level.Warn(e.logger).Log("msg", "heartbeat write failed", "err", err, "consecutive", misses)
		if misses == heartbeatMissThreshold {
			select {
			case e.notify <- ctxerr.Wrap(ctx, err, "heartbeat failures exceeded threshold"):
			default:
			}
		}
		return
	}
	e.heartbeatMisses.Store(0)
}

// workerRow assembles the full worker row from engine state. The engine is
// the only writer of its row, so no read-modify-write is needed.
func (e *Engine) workerRow(status podsub.WorkerStatus, currentJobID *uint) *podsub.Worker {
	return &podsub.Worker{
		ID:            e.id,
		Hostname:      e.hostname,
		Status:        status,
		CurrentJobID:  currentJobID,
		LastHeartbeat: e.clock.Now(),
		JobsProcessed: int(e.jobsProcessed.Load()),
		JobsFailed:    int(e.jobsFailed.Load()),
	}
}

func (e *Engine) counter(ctx context.Context, name string, delta float64, labels map[string]string) {
	if e.sink != nil {
		e.sink.Counter(ctx, name, delta, labels)
	}
}

func (e *Engine) gauge(ctx context.Context, name string, value float64, labels map[string]string) {
	if e.sink != nil {
		e.sink.Gauge(ctx, name, value, labels)
	}
}

func (e *Engine) histogram(ctx context.Context, name string, value float64, labels map[string]string) {
	if e.sink != nil {
		e.sink.Histogram(ctx, name, value, labels)
	}
}

// jobLog appends a job-scoped log row; failures are logged and swallowed,
// diagnostics never block execution.
func (e *Engine) jobLog(jobID uint, lvl podsub.LogLevel, msg string, metadata map[string]string) {
	entry := &podsub.LogEntry{
		JobID:     &jobID,
		Level:     lvl,
		Message:   msg,
		Metadata:  metadata,
		CreatedAt: e.clock.Now(),
	}
	if err := e.ds.NewLogEntry(context.Background(), entry); err != nil {
		level.Error(e.logger).Log("msg", "failed to append job log", "job_id", jobID, "err", err)
	}
}
