// Package pool supervises a set of engines as independent workers over a
// shared datastore. The pool isolates worker failures from each other,
// restarts members that report unrecoverable errors, balances submissions to
// the least busy member, and resizes at runtime. It owns no job state: on
// start it re-admits work the job table says was interrupted, then stays out
// of the execution path.
package pool

import (
	"context"
	"sync"

	"github.com/WatchBeam/clock"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/config"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/contexts/ctxerr"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/engine"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/podsub"
)

// Member is one supervised worker. *engine.Engine implements it; tests
// substitute scripted fakes.
type Member interface {
	ID() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Running() bool
	SubmitJob(ctx context.Context, req *podsub.GenerationRequest, opts podsub.SubmitOptions) (*podsub.Job, error)
	Requeue(ctx context.Context, job *podsub.Job) error
	Stats() engine.Stats
	Busy() int
	Notify() <-chan error
}

// Factory builds a fresh Member. The pool calls it on start, scale-up and
// every restart; a restarted worker is a new identity, the failed one's row
// stays behind in its terminal state.
type Factory func() Member

// slotState tracks one worker slot through supervision.
type slotState string

const (
	slotRunning  slotState = "running"
	slotStopping slotState = "stopping"
	// slotError means the restart budget is exhausted; the slot stays in the
	// pool, visible in stats, until an explicit Restart.
	slotError slotState = "error"
)

type slot struct {
	member   Member
	state    slotState
	restarts int
	// stop tells the slot's supervisor goroutine to exit.
	stop chan struct{}
}

// Pool runs and supervises workers. Construct with New, call Start.
type Pool struct {
	factory Factory
	ds      podsub.Datastore
	cfg     config.WorkerConfig
	logger  log.Logger
	clock   clock.Clock

	mu      sync.Mutex
	slots   []*slot
	started bool
	stopped bool

	events chan Event
	wg     sync.WaitGroup
}

// Option customizes a Pool.
type Option func(*Pool)

// WithClock sets the time source, for tests.
func WithClock(c clock.Clock) Option {
	return func(p *Pool) { p.clock = c }
}

// New builds a stopped pool. factory is invoked once per worker slot.
func New(factory Factory, ds podsub.Datastore, cfg config.WorkerConfig, logger log.Logger, opts ...Option) *Pool {
	p := &Pool{
		factory: factory,
		ds:      ds,
		cfg:     cfg,
		logger:  log.With(logger, "component", "pool"),
		clock:   clock.C,
		events:  make(chan Event, 64),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches cfg.Count workers. A worker that fails to start is reported
// in the aggregate error but does not prevent the others from running; the
// pool is considered started as long as Start was attempted. After the
// workers are up, interrupted jobs found in the table are re-admitted.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return ctxerr.New(ctx, "pool already started")
	}
	p.started = true
	p.mu.Unlock()

	var errs *multierror.Error
	for i := 0; i < p.cfg.Count; i++ {
		if err := p.addWorker(ctx); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if err := p.recoverInterrupted(ctx); err != nil {
		level.Error(p.logger).Log("msg", "crash recovery pass failed", "err", err)
		errs = multierror.Append(errs, err)
	}

	level.Info(p.logger).Log("msg", "pool started", "workers", p.cfg.Count)
	return errs.ErrorOrNil()
}

// addWorker builds, starts and supervises one new member. Caller must not
// hold p.mu.
func (p *Pool) addWorker(ctx context.Context) error {
	member := p.factory()
	if err := member.Start(ctx); err != nil {
		level.Error(p.logger).Log("msg", "worker failed to start", "worker_id", member.ID(), "err", err)
		return ctxerr.Wrap(ctx, err, "start worker")
	}

	s := &slot{member: member, state: slotRunning, stop: make(chan struct{})}
	p.mu.Lock()
	p.slots = append(p.slots, s)
	p.mu.Unlock()

	p.wg.Add(1)
	go p.supervise(s)
	p.emit(Event{Type: EventWorkerStarted, WorkerID: member.ID()})
	return nil
}

// supervise watches one slot's member for unrecoverable errors and applies
// the restart policy. Each restart swaps a fresh member into the same slot;
// the supervisor keeps running across swaps.
func (p *Pool) supervise(s *slot) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		member := s.member
		p.mu.Unlock()

		select {
		case err := <-member.Notify():
			p.emit(Event{Type: EventWorkerErrored, WorkerID: member.ID(), Err: err})
			level.Error(p.logger).Log("msg", "worker reported unrecoverable error", "worker_id", member.ID(), "err", err)
			if !p.restart(s, member) {
				return
			}
		case <-s.stop:
			return
		}
	}
}

// restart applies the auto-restart policy to a failed member. It reports
// whether supervision should continue.
func (p *Pool) restart(s *slot, failed Member) bool {
	p.mu.Lock()
	if s.state != slotRunning {
		p.mu.Unlock()
		return false
	}
	if !p.cfg.AutoRestart || s.restarts >= p.cfg.MaxRestarts {
		s.state = slotError
		p.mu.Unlock()
		stopCtx, cancel := context.WithTimeout(context.Background(), p.cfg.ShutdownGrace)
		if err := failed.Stop(stopCtx); err != nil {
			level.Warn(p.logger).Log("msg", "errored worker did not stop cleanly", "worker_id", failed.ID(), "err", err)
		}
		cancel()
		p.markWorkerErrored(failed.ID())
		p.emit(Event{Type: EventWorkerGaveUp, WorkerID: failed.ID()})
		level.Error(p.logger).Log("msg", "worker restart budget exhausted", "worker_id", failed.ID(), "restarts", s.restarts)
		return false
	}
	s.restarts++
	attempt := s.restarts
	p.mu.Unlock()

	stopCtx, cancel := context.WithTimeout(context.Background(), p.cfg.ShutdownGrace)
	if err := failed.Stop(stopCtx); err != nil {
		level.Warn(p.logger).Log("msg", "failed worker did not stop cleanly", "worker_id", failed.ID(), "err", err)
	}
	cancel()

	select {
	case <-p.clock.After(p.cfg.RestartDelay):
	case <-s.stop:
		return false
	}

	replacement := p.factory()
	if err := replacement.Start(context.Background()); err != nil {
		level.Error(p.logger).Log("msg", "replacement worker failed to start", "worker_id", replacement.ID(), "attempt", attempt, "err", err)
		// Burn the attempt and try again through the same policy.
		return p.restart(s, replacement)
	}

	p.mu.Lock()
	s.member = replacement
	p.mu.Unlock()
	p.emit(Event{Type: EventWorkerRestarted, WorkerID: replacement.ID(), Restarts: attempt})
	level.Info(p.logger).Log("msg", "worker restarted", "worker_id", replacement.ID(), "attempt", attempt)
	return true
}

// markWorkerErrored flips the durable worker row to error so read-side
// consumers (dashboard, health) see the slot is dead, not merely quiet.
func (p *Pool) markWorkerErrored(id string) {
	ctx := context.Background()
	w, err := p.ds.Worker(ctx, id)
	if err != nil {
		level.Warn(p.logger).Log("msg", "failed to load worker row for error mark", "worker_id", id, "err", err)
		return
	}
	w.Status = podsub.WorkerStatusError
	w.CurrentJobID = nil
	if err := p.ds.UpdateWorker(ctx, w); err != nil {
		level.Warn(p.logger).Log("msg", "failed to mark worker row errored", "worker_id", id, "err", err)
	}
}

// recoverInterrupted re-admits jobs the table says were cut off: rows still
// queued or retrying from a previous process, and rows stuck processing under
// a worker whose heartbeat went stale. Requeued jobs keep their consumed
// retry count; an interruption does not burn an attempt.
func (p *Pool) recoverInterrupted(ctx context.Context) error {
	workers, err := p.ds.ListWorkers(ctx)
	if err != nil {
		return ctxerr.Wrap(ctx, err, "list workers for recovery")
	}
	alive := make(map[string]bool, len(workers))
	now := p.clock.Now()
	for _, w := range workers {
		alive[w.ID] = !w.HeartbeatStale(now, p.cfg.StaleAfter) && w.Status != podsub.WorkerStatusOffline && w.Status != podsub.WorkerStatusError
	}
	// Workers this pool just started are alive regardless of row age.
	p.mu.Lock()
	for _, s := range p.slots {
		if s.state == slotRunning {
			alive[s.member.ID()] = true
		}
	}
	p.mu.Unlock()

	recovered := 0
	for _, status := range []podsub.JobStatus{podsub.JobStatusQueued, podsub.JobStatusRetrying, podsub.JobStatusProcessing} {
		jobs, err := p.ds.ListJobs(ctx, podsub.JobFilter{Status: status})
		if err != nil {
			return ctxerr.Wrapf(ctx, err, "list %s jobs for recovery", status)
		}
		for _, job := range jobs {
			if status == podsub.JobStatusProcessing && alive[job.WorkerID] {
				// Its owner is still heartbeating; leave it alone.
				continue
			}
			member, ok := p.pick()
			if !ok {
				return ctxerr.New(ctx, "no running worker to take recovered jobs")
			}
			if err := member.Requeue(ctx, job); err != nil {
				level.Error(p.logger).Log("msg", "failed to requeue interrupted job", "job_id", job.ID, "err", err)
				continue
			}
			recovered++
		}
	}
	if recovered > 0 {
		level.Info(p.logger).Log("msg", "re-admitted interrupted jobs", "count", recovered)
	}
	return nil
}

// SubmitJob delegates to the least busy running worker. With every slot
// stopped or errored it fails with a no-capacity error instead of blocking.
func (p *Pool) SubmitJob(ctx context.Context, req *podsub.GenerationRequest, opts podsub.SubmitOptions) (*podsub.Job, error) {
	member, ok := p.pick()
	if !ok {
		return nil, &podsub.NoCapacityError{Reason: "no running workers"}
	}
	return member.SubmitJob(ctx, req, opts)
}

// pick returns the running member with the smallest backlog.
func (p *Pool) pick() (Member, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var best Member
	bestBusy := 0
	for _, s := range p.slots {
		if s.state != slotRunning || !s.member.Running() {
			continue
		}
		busy := s.member.Busy()
		if best == nil || busy < bestBusy {
			best = s.member
			bestBusy = busy
		}
	}
	return best, best != nil
}

// Scale resizes the pool to n workers. Growing adds fresh members; shrinking
// gracefully drains the most recently added ones, never interrupting
// in-flight jobs. Errored slots are removed before live ones.
func (p *Pool) Scale(ctx context.Context, n int) error {
	if n < 0 {
		return ctxerr.New(ctx, "worker count cannot be negative")
	}

	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return ctxerr.New(ctx, "pool is not running")
	}
	current := len(p.slots)
	p.mu.Unlock()

	var errs *multierror.Error
	switch {
	case n > current:
		for i := current; i < n; i++ {
			if err := p.addWorker(ctx); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	case n < current:
		for _, s := range p.surplus(current - n) {
			if err := p.removeWorker(ctx, s); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}

	p.emit(Event{Type: EventScaled, Count: n})
	level.Info(p.logger).Log("msg", "pool scaled", "from", current, "to", n)
	return errs.ErrorOrNil()
}

// surplus selects count slots to retire: errored slots first, then the
// newest live ones.
func (p *Pool) surplus(count int) []*slot {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*slot
	for _, s := range p.slots {
		if len(out) == count {
			return out
		}
		if s.state == slotError {
			out = append(out, s)
		}
	}
	for i := len(p.slots) - 1; i >= 0 && len(out) < count; i-- {
		s := p.slots[i]
		if s.state == slotRunning {
			out = append(out, s)
		}
	}
	return out
}

// removeWorker drains one slot and drops it from the pool.
func (p *Pool) removeWorker(ctx context.Context, s *slot) error {
	p.mu.Lock()
	if s.state == slotStopping {
		p.mu.Unlock()
		return nil
	}
	prior := s.state
	s.state = slotStopping
	member := s.member
	p.mu.Unlock()

	close(s.stop)

	var err error
	if prior == slotRunning {
		stopCtx, cancel := context.WithTimeout(ctx, p.cfg.ShutdownGrace)
		defer cancel()
		err = member.Stop(stopCtx)
	}

	p.mu.Lock()
	for i, other := range p.slots {
		if other == s {
			p.slots = append(p.slots[:i], p.slots[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	p.emit(Event{Type: EventWorkerStopped, WorkerID: member.ID()})
	if err != nil {
		return ctxerr.Wrap(ctx, err, "stop worker")
	}
	return nil
}

// Restart recycles the worker currently holding id: the member is drained,
// a fresh one takes its slot, and the slot's restart budget resets. Unknown
// ids return a not-found style error.
func (p *Pool) Restart(ctx context.Context, id string) error {
	p.mu.Lock()
	var target *slot
	for _, s := range p.slots {
		if s.member.ID() == id {
			target = s
			break
		}
	}
	p.mu.Unlock()
	if target == nil {
		return ctxerr.Errorf(ctx, "no worker with id %s", id)
	}

	if err := p.removeWorker(ctx, target); err != nil {
		level.Warn(p.logger).Log("msg", "worker did not stop cleanly during restart", "worker_id", id, "err", err)
	}
	if err := p.addWorker(ctx); err != nil {
		return err
	}
	p.emit(Event{Type: EventWorkerRestarted, WorkerID: id})
	return nil
}

// Stats aggregates every slot for monitoring and external scaling decisions.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := Stats{Workers: make([]WorkerStats, 0, len(p.slots))}
	for _, s := range p.slots {
		ws := WorkerStats{State: string(s.state), Restarts: s.restarts, Engine: s.member.Stats()}
		out.Workers = append(out.Workers, ws)
		switch s.state {
		case slotRunning:
			out.Running++
		case slotError:
			out.Errored++
		}
		out.TotalProcessed += ws.Engine.Processed
		out.TotalFailed += ws.Engine.Failed
		out.TotalQueued += ws.Engine.Queue.Queued
		out.TotalActive += ws.Engine.Queue.Active
	}
	return out
}

// Events returns the pool's event stream. Slow consumers lose events rather
// than blocking supervision.
func (p *Pool) Events() <-chan Event {
	return p.events
}

// HealthCheck reports unhealthy when no worker is running.
func (p *Pool) HealthCheck() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.stopped {
		return ctxerr.New(context.Background(), "pool is not running")
	}
	for _, s := range p.slots {
		if s.state == slotRunning && s.member.Running() {
			return nil
		}
	}
	return ctxerr.New(context.Background(), "no running workers")
}

// Stop drains every worker within ctx's deadline and ends supervision.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	slots := make([]*slot, len(p.slots))
	copy(slots, p.slots)
	p.mu.Unlock()

	var errs *multierror.Error
	for _, s := range slots {
		if err := p.removeWorker(ctx, s); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	p.wg.Wait()

	level.Info(p.logger).Log("msg", "pool stopped")
	return errs.ErrorOrNil()
}

func (p *Pool) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = p.clock.Now()
	}
	select {
	case p.events <- ev:
	default:
		level.Debug(p.logger).Log("msg", "pool event buffer full, dropping event", "type", ev.Type, "worker_id", ev.WorkerID)
	}
}
