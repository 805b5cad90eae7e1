package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/WatchBeam/clock"
	kitlog "github.com/go-kit/kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/cbreaker"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/config"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/datastore/inmem"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/engine"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/health"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/monitoring"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/podsub"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/pool"
	"github.com/stretchr/testify/require"
	"github.com/tj/assert"
)

type okPipeline struct{}

func (okPipeline) Name() string { return "ok" }

func (okPipeline) HealthCheck() error { return nil }

func (okPipeline) Run(ctx context.Context, req *podsub.GenerationRequest) (*podsub.GenerationResult, error) {
	return &podsub.GenerationResult{
		Images: []podsub.GeneratedImage{{URL: "https://cdn.example.com/a.png"}},
	}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *inmem.Datastore, *pool.Pool) {
	t.Helper()

	cfg := config.TestConfig()
	cfg.Server.RateLimitPerMin = 600
	cfg.Server.RateLimitBurst = 100
	logger := kitlog.NewNopLogger()

	ds := inmem.New(clock.C)
	collector := monitoring.NewCollector(ds, logger, monitoring.WithRegisterer(prometheus.NewRegistry()))
	alerts := monitoring.NewAlertManager(100, logger)
	dashboard := monitoring.NewDashboard(ds, collector, alerts, monitoring.DashboardConfig{StaleAfter: time.Minute})
	breakers := cbreaker.NewManager(cbreaker.DefaultConfig(), logger)

	factory := func() pool.Member {
		return engine.NewEngine(ds, okPipeline{}, cfg, logger,
			engine.WithCollector(collector),
			engine.WithBreakers(breakers),
		)
	}
	workers := pool.New(factory, ds, cfg.Worker, logger)
	require.NoError(t, workers.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		workers.Stop(ctx)
	})

	srv := &apiServer{
		pool:      workers,
		ds:        ds,
		dashboard: dashboard,
		collector: collector,
		alerts:    alerts,
		breakers:  breakers,
		logger:    logger,
	}
	router, err := buildRouter(srv, cfg, logger, map[string]health.Checker{
		"datastore": ds,
		"pool":      workers,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return ts, ds, workers
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func TestSubmitAndQueryJob(t *testing.T) {
	ts, ds, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/jobs", map[string]any{
		"theme": "vintage cats", "count": 1, "platform": "printify", "priority": 3,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var job podsub.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	assert.NotZero(t, job.ID)
	assert.Equal(t, podsub.JobStatusQueued, job.Status)
	assert.Equal(t, 3, job.Priority)

	require.Eventually(t, func() bool {
		j, err := ds.Job(context.Background(), job.ID)
		return err == nil && j.Status == podsub.JobStatusCompleted
	}, 3*time.Second, 10*time.Millisecond)

	getResp, err := http.Get(ts.URL + "/api/v1/jobs/" + itoa(job.ID))
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)

	var fetched podsub.Job
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&fetched))
	assert.Equal(t, podsub.JobStatusCompleted, fetched.Status)
	assert.NotNil(t, fetched.Result)

	logsResp, err := http.Get(ts.URL + "/api/v1/jobs/" + itoa(job.ID) + "/logs")
	require.NoError(t, err)
	defer logsResp.Body.Close()
	var logs []*podsub.LogEntry
	require.NoError(t, json.NewDecoder(logsResp.Body).Decode(&logs))
	assert.NotEmpty(t, logs)
}

func TestSubmitValidationFails(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/jobs", map[string]any{"theme": "", "count": 0})
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestJobNotFound(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/jobs/99999")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatsAndScale(t *testing.T) {
	ts, _, workers := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	var stats pool.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 2, stats.Running)

	scaleResp := postJSON(t, ts.URL+"/api/v1/workers/scale", map[string]int{"count": 3})
	defer scaleResp.Body.Close()
	require.Equal(t, http.StatusOK, scaleResp.StatusCode)
	assert.Equal(t, 3, workers.Stats().Running)
}

func TestDashboardEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/dashboard?window=1h")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap monitoring.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Len(t, snap.Workers, 2)
}

func TestHealthz(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
