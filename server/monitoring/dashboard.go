package monitoring

import (
	"context"
	"time"

	"github.com/WatchBeam/clock"
	gocache "github.com/patrickmn/go-cache"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/contexts/ctxerr"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/podsub"
)

// jobDurationMetric is the histogram the engine records per attempt; the
// dashboard aggregates it over the requested window.
const jobDurationMetric = "job_duration_ms"

// WorkerView is one worker row annotated with read-side staleness.
type WorkerView struct {
	*podsub.Worker
	// Stale is true when the heartbeat is older than the configured
	// threshold and the worker did not shut down cleanly.
	Stale bool `json:"stale"`
}

// Snapshot is the aggregated read view the dashboard renders. Purely derived
// from the datastore and the alert window; cross-job reads may mix transient
// states and make no snapshot-consistency promise.
type Snapshot struct {
	GeneratedAt time.Time                `json:"generated_at"`
	Window      time.Duration            `json:"window"`
	JobCounts   map[podsub.JobStatus]int `json:"job_counts"`
	Summary     *podsub.JobSummary       `json:"summary"`
	SuccessRate float64                  `json:"success_rate"`
	Workers     []WorkerView             `json:"workers"`
	Alerts      []Alert                  `json:"alerts"`
	Durations   *podsub.AggregatedMetric `json:"durations,omitempty"`
}

// Dashboard produces snapshots. It holds no state of its own beyond a short
// TTL memoization so bursts of dashboard reads do not hammer the datastore.
type Dashboard struct {
	ds         podsub.Datastore
	collector  *Collector
	alerts     *AlertManager
	clock      clock.Clock
	staleAfter time.Duration
	cache      *gocache.Cache
}

// DashboardConfig tunes a Dashboard.
type DashboardConfig struct {
	// StaleAfter is the heartbeat age past which a worker is flagged stale.
	StaleAfter time.Duration
	// CacheTTL bounds how stale a memoized snapshot may be. Zero disables
	// memoization.
	CacheTTL time.Duration
}

// DashboardOption customizes a Dashboard.
type DashboardOption func(*Dashboard)

// WithDashboardClock sets the time source, for tests.
func WithDashboardClock(c clock.Clock) DashboardOption {
	return func(d *Dashboard) { d.clock = c }
}

// NewDashboard builds a Dashboard reading from ds, collector and alerts.
func NewDashboard(ds podsub.Datastore, collector *Collector, alerts *AlertManager, cfg DashboardConfig, opts ...DashboardOption) *Dashboard {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * time.Minute
	}
	d := &Dashboard{
		ds:         ds,
		collector:  collector,
		alerts:     alerts,
		clock:      clock.C,
		staleAfter: cfg.StaleAfter,
	}
	if cfg.CacheTTL > 0 {
		d.cache = gocache.New(cfg.CacheTTL, 10*cfg.CacheTTL)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Snapshot assembles the dashboard view over the trailing window.
func (d *Dashboard) Snapshot(ctx context.Context, window time.Duration) (*Snapshot, error) {
	key := window.String()
	if d.cache != nil {
		if cached, ok := d.cache.Get(key); ok {
			return cached.(*Snapshot), nil
		}
	}

	now := d.clock.Now()

	counts, err := d.ds.CountJobsByStatus(ctx)
	if err != nil {
		return nil, ctxerr.Wrap(ctx, err, "count jobs by status")
	}
	summary, err := d.ds.JobSummary(ctx, now.Add(-window))
	if err != nil {
		return nil, ctxerr.Wrap(ctx, err, "summarize jobs")
	}
	workers, err := d.ds.ListWorkers(ctx)
	if err != nil {
		return nil, ctxerr.Wrap(ctx, err, "list workers")
	}

	views := make([]WorkerView, 0, len(workers))
	for _, w := range workers {
		views = append(views, WorkerView{Worker: w, Stale: w.HeartbeatStale(now, d.staleAfter)})
	}

	snap := &Snapshot{
		GeneratedAt: now,
		Window:      window,
		JobCounts:   counts,
		Summary:     summary,
		SuccessRate: summary.SuccessRate(),
		Workers:     views,
		Alerts:      d.alerts.Recent(20),
	}

	if d.collector != nil {
		agg, err := d.collector.Aggregate(ctx, jobDurationMetric, window)
		if err != nil {
			return nil, ctxerr.Wrap(ctx, err, "aggregate job durations")
		}
		snap.Durations = agg
	}

	if d.cache != nil {
		d.cache.SetDefault(key, snap)
	}
	return snap, nil
}
