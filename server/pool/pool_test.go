package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/go-kit/log"
	"github.com/google/uuid"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/config"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/datastore/inmem"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/engine"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/podsub"
	"github.com/stretchr/testify/require"
)

// fakeMember is a scriptable pool.Member.
type fakeMember struct {
	id       string
	startErr error
	busy     int

	mu        sync.Mutex
	running   bool
	stopped   bool
	submitted int
	requeued  []uint

	notify chan error
}

func newFakeMember() *fakeMember {
	return &fakeMember{id: uuid.New().String(), notify: make(chan error, 1)}
}

func (m *fakeMember) ID() string { return m.id }

func (m *fakeMember) Start(ctx context.Context) error {
	if m.startErr != nil {
		return m.startErr
	}
	m.mu.Lock()
	m.running = true
	m.mu.Unlock()
	return nil
}

func (m *fakeMember) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.running = false
	m.stopped = true
	m.mu.Unlock()
	return nil
}

func (m *fakeMember) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *fakeMember) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func (m *fakeMember) SubmitJob(ctx context.Context, req *podsub.GenerationRequest, opts podsub.SubmitOptions) (*podsub.Job, error) {
	m.mu.Lock()
	m.submitted++
	m.mu.Unlock()
	return &podsub.Job{ID: 1, Status: podsub.JobStatusQueued}, nil
}

func (m *fakeMember) Requeue(ctx context.Context, job *podsub.Job) error {
	m.mu.Lock()
	m.requeued = append(m.requeued, job.ID)
	m.mu.Unlock()
	return nil
}

func (m *fakeMember) Stats() engine.Stats {
	return engine.Stats{WorkerID: m.id, Running: m.Running()}
}

func (m *fakeMember) Busy() int { return m.busy }

func (m *fakeMember) Notify() <-chan error { return m.notify }

func testWorkerConfig() config.WorkerConfig {
	cfg := config.TestConfig().Worker
	cfg.Count = 2
	return cfg
}

// memberFactory hands out pre-built members in order, then keeps building
// fresh ones.
type memberFactory struct {
	mu       sync.Mutex
	scripted []*fakeMember
	built    []*fakeMember
}

func (f *memberFactory) factory() Member {
	f.mu.Lock()
	defer f.mu.Unlock()
	var m *fakeMember
	if len(f.scripted) > 0 {
		m = f.scripted[0]
		f.scripted = f.scripted[1:]
	} else {
		m = newFakeMember()
	}
	f.built = append(f.built, m)
	return m
}

func (f *memberFactory) builtCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.built)
}

func stopPool(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))
}

func TestStartIsolatesMemberFailures(t *testing.T) {
	bad := newFakeMember()
	bad.startErr = errors.New("bind: address already in use")
	f := &memberFactory{scripted: []*fakeMember{newFakeMember(), bad, newFakeMember()}}

	cfg := testWorkerConfig()
	cfg.Count = 3
	p := New(f.factory, inmem.New(clock.C), cfg, log.NewNopLogger())

	err := p.Start(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "address already in use")

	// The other two workers run despite the failure.
	stats := p.Stats()
	require.Equal(t, 2, stats.Running)
	_, serr := p.SubmitJob(context.Background(), &podsub.GenerationRequest{}, podsub.SubmitOptions{})
	require.NoError(t, serr)
	stopPool(t, p)
}

func TestSubmitPicksLeastBusy(t *testing.T) {
	idle := newFakeMember()
	loaded := newFakeMember()
	loaded.busy = 5
	f := &memberFactory{scripted: []*fakeMember{loaded, idle}}

	p := New(f.factory, inmem.New(clock.C), testWorkerConfig(), log.NewNopLogger())
	require.NoError(t, p.Start(context.Background()))

	for i := 0; i < 3; i++ {
		_, err := p.SubmitJob(context.Background(), &podsub.GenerationRequest{}, podsub.SubmitOptions{})
		require.NoError(t, err)
	}

	idle.mu.Lock()
	submitted := idle.submitted
	idle.mu.Unlock()
	require.Equal(t, 3, submitted)
	stopPool(t, p)
}

func TestSubmitNoCapacity(t *testing.T) {
	f := &memberFactory{}
	cfg := testWorkerConfig()
	cfg.Count = 0
	p := New(f.factory, inmem.New(clock.C), cfg, log.NewNopLogger())
	require.NoError(t, p.Start(context.Background()))

	_, err := p.SubmitJob(context.Background(), &podsub.GenerationRequest{}, podsub.SubmitOptions{})
	require.Error(t, err)
	require.True(t, podsub.IsNoCapacity(err))
	stopPool(t, p)
}

func TestAutoRestartExhaustsBudget(t *testing.T) {
	// Every member reports an unrecoverable error right after starting.
	var builds atomic.Int32
	factory := func() Member {
		builds.Add(1)
		m := newFakeMember()
		m.notify <- errors.New("heartbeat failures exceeded threshold")
		return m
	}

	ds := inmem.New(clock.C)
	cfg := testWorkerConfig()
	cfg.Count = 1
	cfg.AutoRestart = true
	cfg.MaxRestarts = 3
	cfg.RestartDelay = time.Millisecond
	p := New(factory, ds, cfg, log.NewNopLogger())
	require.NoError(t, p.Start(context.Background()))

	var gaveUp Event
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-p.Events():
				if ev.Type == EventWorkerGaveUp {
					gaveUp = ev
					return true
				}
			default:
				return false
			}
		}
	}, 3*time.Second, 5*time.Millisecond)

	// Initial member plus exactly MaxRestarts replacements.
	require.Equal(t, int32(4), builds.Load())
	require.NotEmpty(t, gaveUp.WorkerID)

	stats := p.Stats()
	require.Equal(t, 0, stats.Running)
	require.Equal(t, 1, stats.Errored)
	require.Error(t, p.HealthCheck())
	stopPool(t, p)
}

func TestAutoRestartDisabledGivesUpImmediately(t *testing.T) {
	var builds atomic.Int32
	factory := func() Member {
		builds.Add(1)
		m := newFakeMember()
		m.notify <- errors.New("boom")
		return m
	}

	cfg := testWorkerConfig()
	cfg.Count = 1
	cfg.AutoRestart = false
	p := New(factory, inmem.New(clock.C), cfg, log.NewNopLogger())
	require.NoError(t, p.Start(context.Background()))

	require.Eventually(t, func() bool {
		return p.Stats().Errored == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), builds.Load())
	stopPool(t, p)
}

func TestFailedWorkerDoesNotAffectOthers(t *testing.T) {
	healthy := newFakeMember()
	doomed := newFakeMember()
	f := &memberFactory{scripted: []*fakeMember{healthy, doomed}}

	cfg := testWorkerConfig()
	cfg.AutoRestart = false
	p := New(f.factory, inmem.New(clock.C), cfg, log.NewNopLogger())
	require.NoError(t, p.Start(context.Background()))

	doomed.notify <- errors.New("boom")
	require.Eventually(t, func() bool {
		return p.Stats().Errored == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.True(t, healthy.Running())
	require.NoError(t, p.HealthCheck())
	_, err := p.SubmitJob(context.Background(), &podsub.GenerationRequest{}, podsub.SubmitOptions{})
	require.NoError(t, err)
	stopPool(t, p)
}

func TestScale(t *testing.T) {
	f := &memberFactory{}
	p := New(f.factory, inmem.New(clock.C), testWorkerConfig(), log.NewNopLogger())
	require.NoError(t, p.Start(context.Background()))
	require.Equal(t, 2, p.Stats().Running)

	require.NoError(t, p.Scale(context.Background(), 4))
	require.Equal(t, 4, p.Stats().Running)
	require.Equal(t, 4, f.builtCount())

	require.NoError(t, p.Scale(context.Background(), 1))
	require.Equal(t, 1, p.Stats().Running)

	// The drained members were stopped gracefully, not abandoned.
	f.mu.Lock()
	stopped := 0
	for _, m := range f.built {
		if m.Stopped() {
			stopped++
		}
	}
	f.mu.Unlock()
	require.Equal(t, 3, stopped)
	stopPool(t, p)
}

func TestRestartRecyclesWorker(t *testing.T) {
	f := &memberFactory{}
	cfg := testWorkerConfig()
	cfg.Count = 1
	p := New(f.factory, inmem.New(clock.C), cfg, log.NewNopLogger())
	require.NoError(t, p.Start(context.Background()))

	f.mu.Lock()
	original := f.built[0]
	f.mu.Unlock()

	require.NoError(t, p.Restart(context.Background(), original.ID()))
	require.True(t, original.Stopped())

	stats := p.Stats()
	require.Equal(t, 1, stats.Running)
	require.NotEqual(t, original.ID(), stats.Workers[0].Engine.WorkerID)

	require.Error(t, p.Restart(context.Background(), "nonexistent"))
	stopPool(t, p)
}

func TestRecoveryRequeuesInterruptedJobs(t *testing.T) {
	ds := inmem.New(clock.C)
	ctx := context.Background()

	// A worker that stopped heartbeating ten minutes ago and one that is
	// still fresh.
	stale, err := ds.RegisterWorker(ctx, &podsub.Worker{
		ID: "stale-worker", Status: podsub.WorkerStatusBusy,
		LastHeartbeat: time.Now().Add(-10 * time.Minute),
	})
	require.NoError(t, err)
	fresh, err := ds.RegisterWorker(ctx, &podsub.Worker{
		ID: "fresh-worker", Status: podsub.WorkerStatusBusy,
		LastHeartbeat: time.Now(),
	})
	require.NoError(t, err)

	queued, err := ds.NewJob(ctx, &podsub.Job{Status: podsub.JobStatusQueued, Request: []byte(`{}`)})
	require.NoError(t, err)
	orphaned, err := ds.NewJob(ctx, &podsub.Job{Status: podsub.JobStatusProcessing, Request: []byte(`{}`), WorkerID: stale.ID})
	require.NoError(t, err)
	owned, err := ds.NewJob(ctx, &podsub.Job{Status: podsub.JobStatusProcessing, Request: []byte(`{}`), WorkerID: fresh.ID})
	require.NoError(t, err)

	member := newFakeMember()
	f := &memberFactory{scripted: []*fakeMember{member}}
	cfg := testWorkerConfig()
	cfg.Count = 1
	cfg.StaleAfter = time.Minute
	p := New(f.factory, ds, cfg, log.NewNopLogger())
	require.NoError(t, p.Start(context.Background()))

	member.mu.Lock()
	requeued := append([]uint(nil), member.requeued...)
	member.mu.Unlock()
	require.ElementsMatch(t, []uint{queued.ID, orphaned.ID}, requeued)
	require.NotContains(t, requeued, owned.ID)
	stopPool(t, p)
}

// TestPoolWithRealEngines exercises the pool end to end: real engines, the
// in-memory datastore, and a scripted pipeline.
func TestPoolWithRealEngines(t *testing.T) {
	ds := inmem.New(clock.C)
	cfg := config.TestConfig()

	pipeline := &staticPipeline{}
	factory := func() Member {
		return engine.NewEngine(ds, pipeline, cfg, log.NewNopLogger())
	}

	p := New(factory, ds, cfg.Worker, log.NewNopLogger())
	require.NoError(t, p.Start(context.Background()))

	var ids []uint
	for i := 0; i < 6; i++ {
		job, err := p.SubmitJob(context.Background(), &podsub.GenerationRequest{
			Theme: "retro surf", Count: 1, Platform: "printify",
		}, podsub.SubmitOptions{MaxRetries: -1})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	require.Eventually(t, func() bool {
		for _, id := range ids {
			job, err := ds.Job(context.Background(), id)
			if err != nil || job.Status != podsub.JobStatusCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	stats := p.Stats()
	require.Equal(t, int64(6), stats.TotalProcessed)
	require.Equal(t, int64(0), stats.TotalFailed)
	stopPool(t, p)
}

type staticPipeline struct{}

func (staticPipeline) Name() string { return "static" }

func (staticPipeline) HealthCheck() error { return nil }

func (staticPipeline) Run(ctx context.Context, req *podsub.GenerationRequest) (*podsub.GenerationResult, error) {
	return &podsub.GenerationResult{
		Images: []podsub.GeneratedImage{{URL: "https://cdn.example.com/img.png"}},
	}, nil
}
