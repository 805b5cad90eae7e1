package inmem

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/podsub"
	"github.com/stretchr/testify/require"
)

func TestJobLifecycle(t *testing.T) {
	mockClock := clock.NewMockClock()
	ds := New(mockClock)
	ctx := context.Background()

	job, err := ds.NewJob(ctx, &podsub.Job{
		Request:    json.RawMessage(`{"theme":"retro cats","count":2,"platform":"printify"}`),
		MaxRetries: 3,
	})
	require.NoError(t, err)
	require.Equal(t, uint(1), job.ID)
	require.Equal(t, podsub.JobStatusQueued, job.Status)
	require.Equal(t, mockClock.Now(), job.CreatedAt)

	got, err := ds.Job(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, job, got)

	mockClock.AddTime(time.Minute)

	got.Status = podsub.JobStatusProcessing
	got.WorkerID = "worker-1"
	updated, err := ds.UpdateJob(ctx, got.ID, got)
	require.NoError(t, err)
	require.Equal(t, podsub.JobStatusProcessing, updated.Status)
	require.Equal(t, job.CreatedAt, updated.CreatedAt)
	require.True(t, updated.UpdatedAt.After(updated.CreatedAt))

	_, err = ds.Job(ctx, 999)
	require.Error(t, err)
	require.True(t, podsub.IsNotFound(err))

	_, err = ds.UpdateJob(ctx, 999, got)
	require.True(t, podsub.IsNotFound(err))

	require.NoError(t, ds.DeleteJob(ctx, job.ID))
	require.True(t, podsub.IsNotFound(ds.DeleteJob(ctx, job.ID)))
}

func TestListJobs(t *testing.T) {
	mockClock := clock.NewMockClock()
	ds := New(mockClock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		job := &podsub.Job{Request: json.RawMessage(`{}`)}
		if i%2 == 0 {
			job.Status = podsub.JobStatusCompleted
			job.WorkerID = "worker-a"
		} else {
			job.Status = podsub.JobStatusQueued
			job.WorkerID = "worker-b"
		}
		_, err := ds.NewJob(ctx, job)
		require.NoError(t, err)
		mockClock.AddTime(time.Second)
	}

	all, err := ds.ListJobs(ctx, podsub.JobFilter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	// Newest first.
	require.Equal(t, uint(5), all[0].ID)
	require.Equal(t, uint(1), all[4].ID)

	completed, err := ds.ListJobs(ctx, podsub.JobFilter{Status: podsub.JobStatusCompleted})
	require.NoError(t, err)
	require.Len(t, completed, 3)

	byWorker, err := ds.ListJobs(ctx, podsub.JobFilter{WorkerID: "worker-b"})
	require.NoError(t, err)
	require.Len(t, byWorker, 2)

	limited, err := ds.ListJobs(ctx, podsub.JobFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	require.Equal(t, uint(5), limited[0].ID)
}

func TestCountAndSummary(t *testing.T) {
	mockClock := clock.NewMockClock()
	ds := New(mockClock)
	ctx := context.Background()

	start := mockClock.Now()
	finish := start.Add(10 * time.Second)

	for i := 0; i < 3; i++ {
		job, err := ds.NewJob(ctx, &podsub.Job{Request: json.RawMessage(`{}`)})
		require.NoError(t, err)
		job.Status = podsub.JobStatusCompleted
		job.StartedAt = &start
		job.CompletedAt = &finish
		_, err = ds.UpdateJob(ctx, job.ID, job)
		require.NoError(t, err)
	}
	job, err := ds.NewJob(ctx, &podsub.Job{Request: json.RawMessage(`{}`)})
	require.NoError(t, err)
	job.Status = podsub.JobStatusFailed
	_, err = ds.UpdateJob(ctx, job.ID, job)
	require.NoError(t, err)
	_, err = ds.NewJob(ctx, &podsub.Job{Request: json.RawMessage(`{}`)})
	require.NoError(t, err)

	counts, err := ds.CountJobsByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, counts[podsub.JobStatusCompleted])
	require.Equal(t, 1, counts[podsub.JobStatusFailed])
	require.Equal(t, 1, counts[podsub.JobStatusQueued])

	summary, err := ds.JobSummary(ctx, time.Time{})
	require.NoError(t, err)
	require.Equal(t, 5, summary.Total)
	require.Equal(t, 3, summary.Completed)
	require.Equal(t, 1, summary.Failed)
	require.Equal(t, 10*time.Second, summary.AvgProcessing)
	require.InDelta(t, 0.75, summary.SuccessRate(), 0.001)

	// A since cutoff in the future excludes everything.
	summary, err = ds.JobSummary(ctx, mockClock.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 0, summary.Total)
	require.Zero(t, summary.SuccessRate())
}

func TestWorkers(t *testing.T) {
	mockClock := clock.NewMockClock()
	ds := New(mockClock)
	ctx := context.Background()

	worker, err := ds.RegisterWorker(ctx, &podsub.Worker{ID: "w1", Hostname: "host-a"})
	require.NoError(t, err)
	require.Equal(t, podsub.WorkerStatusIdle, worker.Status)
	require.Equal(t, mockClock.Now(), worker.LastHeartbeat)

	mockClock.AddTime(3 * time.Minute)
	require.NoError(t, ds.RecordWorkerHeartbeat(ctx, "w1", mockClock.Now()))

	got, err := ds.Worker(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, mockClock.Now(), got.LastHeartbeat)
	require.False(t, got.HeartbeatStale(mockClock.Now(), 2*time.Minute))

	mockClock.AddTime(3 * time.Minute)
	require.True(t, got.HeartbeatStale(mockClock.Now(), 2*time.Minute))

	// Offline workers are never stale.
	got.Status = podsub.WorkerStatusOffline
	require.NoError(t, ds.UpdateWorker(ctx, got))
	got, err = ds.Worker(ctx, "w1")
	require.NoError(t, err)
	require.False(t, got.HeartbeatStale(mockClock.Now(), 2*time.Minute))

	require.True(t, podsub.IsNotFound(ds.RecordWorkerHeartbeat(ctx, "nope", mockClock.Now())))
	require.True(t, podsub.IsNotFound(ds.UpdateWorker(ctx, &podsub.Worker{ID: "nope"})))

	workers, err := ds.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
}

func TestMetricEviction(t *testing.T) {
	mockClock := clock.NewMockClock()
	ds := New(mockClock)
	ctx := context.Background()

	for i := 0; i < metricCap+10; i++ {
		err := ds.RecordMetric(ctx, &podsub.Metric{
			Type:  podsub.MetricTypeCounter,
			Name:  "jobs_completed",
			Value: 1,
		})
		require.NoError(t, err)
	}

	metrics, err := ds.ListMetrics(ctx, podsub.MetricFilter{})
	require.NoError(t, err)
	require.Len(t, metrics, metricCap)
	// The oldest 10 samples were evicted.
	require.Equal(t, uint(11), metrics[0].ID)
}

func TestListMetricsFilters(t *testing.T) {
	mockClock := clock.NewMockClock()
	ds := New(mockClock)
	ctx := context.Background()

	base := mockClock.Now()
	for i := 0; i < 10; i++ {
		name := "job_duration_ms"
		mt := podsub.MetricTypeHistogram
		if i%2 == 0 {
			name = "jobs_completed"
			mt = podsub.MetricTypeCounter
		}
		err := ds.RecordMetric(ctx, &podsub.Metric{Type: mt, Name: name, Value: float64(i)})
		require.NoError(t, err)
		mockClock.AddTime(time.Minute)
	}

	hist, err := ds.ListMetrics(ctx, podsub.MetricFilter{Name: "job_duration_ms"})
	require.NoError(t, err)
	require.Len(t, hist, 5)

	since, err := ds.ListMetrics(ctx, podsub.MetricFilter{Since: base.Add(5 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, since, 5)

	limited, err := ds.ListMetrics(ctx, podsub.MetricFilter{Type: podsub.MetricTypeCounter, Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	require.Equal(t, float64(0), limited[0].Value)
}

func TestLogs(t *testing.T) {
	mockClock := clock.NewMockClock()
	ds := New(mockClock)
	ctx := context.Background()

	jobID := uint(7)
	levels := []podsub.LogLevel{
		podsub.LogLevelDebug,
		podsub.LogLevelInfo,
		podsub.LogLevelWarning,
		podsub.LogLevelError,
		podsub.LogLevelCritical,
	}
	for i, level := range levels {
		entry := &podsub.LogEntry{Level: level, Message: fmt.Sprintf("entry %d", i)}
		if i%2 == 1 {
			entry.JobID = &jobID
		}
		require.NoError(t, ds.NewLogEntry(ctx, entry))
	}

	all, err := ds.ListLogs(ctx, podsub.LogFilter{})
	require.NoError(t, err)
	require.Len(t, all, 5)

	errors, err := ds.ListLogs(ctx, podsub.LogFilter{MinLevel: podsub.LogLevelError})
	require.NoError(t, err)
	require.Len(t, errors, 2)

	byJob, err := ds.ListLogs(ctx, podsub.LogFilter{JobID: &jobID})
	require.NoError(t, err)
	require.Len(t, byJob, 2)
	for _, entry := range byJob {
		require.Equal(t, jobID, *entry.JobID)
	}
}

func TestArtifacts(t *testing.T) {
	mockClock := clock.NewMockClock()
	ds := New(mockClock)
	ctx := context.Background()

	image, err := ds.NewImage(ctx, &podsub.Image{
		JobID:    3,
		URL:      "https://cdn.example.com/a.png",
		Provider: "replicate",
		Metadata: map[string]string{"model": "sdxl"},
	})
	require.NoError(t, err)
	require.Equal(t, uint(1), image.ID)

	image.StoragePath = "images/a.png"
	require.NoError(t, ds.SaveImage(ctx, image))
	got, err := ds.Image(ctx, image.ID)
	require.NoError(t, err)
	require.Equal(t, "images/a.png", got.StoragePath)

	require.True(t, podsub.IsNotFound(ds.SaveImage(ctx, &podsub.Image{ID: 99})))

	product, err := ds.NewProduct(ctx, &podsub.Product{
		JobID:   3,
		ImageID: image.ID,
		Title:   "Retro Cat Tee",
	})
	require.NoError(t, err)
	require.Equal(t, podsub.PublishStatusPending, product.PublishStatus)

	product.PublishStatus = podsub.PublishStatusPublished
	product.ExternalID = "printify-123"
	require.NoError(t, ds.SaveProduct(ctx, product))

	_, err = ds.NewProduct(ctx, &podsub.Product{
		JobID:   3,
		ImageID: image.ID,
		Title:   "Retro Cat Tee",
	})
	require.True(t, podsub.IsAlreadyExists(err))

	products, err := ds.ListProducts(ctx, 3)
	require.NoError(t, err)
	require.Len(t, products, 1)
	require.Equal(t, podsub.PublishStatusPublished, products[0].PublishStatus)

	images, err := ds.ListImages(ctx, 3)
	require.NoError(t, err)
	require.Len(t, images, 1)

	none, err := ds.ListImages(ctx, 42)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestCopySemantics(t *testing.T) {
	mockClock := clock.NewMockClock()
	ds := New(mockClock)
	ctx := context.Background()

	job, err := ds.NewJob(ctx, &podsub.Job{Request: json.RawMessage(`{"count":1}`)})
	require.NoError(t, err)

	// Mutating what the store returned must not leak into the stored row.
	job.Status = podsub.JobStatusFailed
	job.Request[2] = 'X'

	fresh, err := ds.Job(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, podsub.JobStatusQueued, fresh.Status)
	require.Equal(t, json.RawMessage(`{"count":1}`), fresh.Request)
}
