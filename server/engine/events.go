package engine

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/go-kit/log/level"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/podsub"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/queue"
)

// consumeEvents is the single writer of job status rows for this engine. The
// queue reports everything it does on its event stream; replaying those
// events here serializes the persistence writes per job, so processing can
// never be written after completed for the same attempt. The queue closes
// the stream once shutdown has delivered every event.
func (e *Engine) consumeEvents() {
	defer close(e.consumerDone)

	for ev := range e.queue.Events() {
		e.apply(ev)
	}
}

func (e *Engine) apply(ev queue.Event) {
	ctx := context.Background()

	switch ev.Type {
	case queue.EventAdded:
		// First admissions are written queued by SubmitJob before the event
		// fires; this only moves retrying rows back once the delay elapsed.
		e.updateJob(ctx, ev.Item.JobID, func(job *podsub.Job) {
			if job.Status == podsub.JobStatusRetrying {
				job.Status = podsub.JobStatusQueued
			}
		})

	case queue.EventStarted:
		jobID := ev.Item.JobID
		e.active[jobID] = struct{}{}
		e.updateJob(ctx, jobID, func(job *podsub.Job) {
			job.Status = podsub.JobStatusProcessing
			job.WorkerID = e.id
			at := ev.At
			job.StartedAt = &at
		})
		if err := e.ds.UpdateWorker(ctx, e.workerRow(podsub.WorkerStatusBusy, &jobID)); err != nil {
			level.Error(e.logger).Log("msg", "failed to mark worker busy", "job_id", jobID, "err", err)
		}
		e.counter(ctx, "jobs_started", 1, nil)
		e.jobLog(jobID, podsub.LogLevelInfo, "job processing started", map[string]string{
			"worker_id": e.id,
		})

	case queue.EventCompleted:
		jobID := ev.Item.JobID
		res := e.takeResult(jobID)
		e.updateJob(ctx, jobID, func(job *podsub.Job) {
			job.Status = podsub.JobStatusCompleted
			job.Error = ""
			at := ev.At
			job.CompletedAt = &at
			if res != nil {
				if raw, err := marshalResult(res); err == nil {
					job.Result = &raw
				} else {
					level.Error(e.logger).Log("msg", "failed to encode job result", "job_id", jobID, "err", err)
				}
			}
		})
		e.jobsProcessed.Add(1)
		e.finishJob(ctx, jobID)
		e.counter(ctx, "jobs_completed", 1, nil)
		e.histogram(ctx, "job_duration_ms", float64(ev.Duration.Milliseconds()), map[string]string{"status": "success"})
		e.jobLog(jobID, podsub.LogLevelInfo, "job completed", map[string]string{
			"duration": ev.Duration.String(),
		})

	case queue.EventFailed:
		jobID := ev.Item.JobID
		e.takeResult(jobID)
		e.updateJob(ctx, jobID, func(job *podsub.Job) {
			job.Status = podsub.JobStatusFailed
			job.Error = errMessage(ev.Err)
			job.RetryCount = ev.Item.Retries
			at := ev.At
			job.CompletedAt = &at
		})
		e.jobsFailed.Add(1)
		e.finishJob(ctx, jobID)
		outcome := "error"
		if ev.Timeout {
			outcome = "timeout"
			e.counter(ctx, "jobs_timed_out", 1, nil)
		}
		e.counter(ctx, "jobs_failed", 1, map[string]string{"reason": outcome})
		e.histogram(ctx, "job_duration_ms", float64(ev.Duration.Milliseconds()), map[string]string{"status": "error"})
		e.jobLog(jobID, podsub.LogLevelError, "job failed", map[string]string{
			"error":   errMessage(ev.Err),
			"retries": itoa(ev.Item.Retries),
		})

	case queue.EventRetried:
		jobID := ev.Item.JobID
		e.updateJob(ctx, jobID, func(job *podsub.Job) {
			job.Status = podsub.JobStatusRetrying
			job.Error = errMessage(ev.Err)
			job.RetryCount = ev.Item.Retries
		})
		e.finishJob(ctx, jobID)
		e.counter(ctx, "jobs_retried", 1, nil)
		e.jobLog(jobID, podsub.LogLevelWarning, "job attempt failed, retry scheduled", map[string]string{
			"error":       errMessage(ev.Err),
			"retry_count": itoa(ev.Item.Retries),
			"max_retries": itoa(ev.Item.MaxRetries),
		})

	case queue.EventDepthChanged:
		e.gauge(ctx, "queue_depth", float64(ev.Depth), nil)
	}
}

// finishJob drops jobID from the active set and writes the worker row. With
// multiple execution slots the worker stays busy until the last in-flight job
// finishes; only then does the row flip to idle with no current job.
func (e *Engine) finishJob(ctx context.Context, jobID uint) {
	delete(e.active, jobID)

	status := podsub.WorkerStatusIdle
	var current *uint
	for id := range e.active {
		remaining := id
		status = podsub.WorkerStatusBusy
		current = &remaining
		break
	}
	if err := e.ds.UpdateWorker(ctx, e.workerRow(status, current)); err != nil {
		level.Error(e.logger).Log("msg", "failed to update worker after job", "job_id", jobID, "err", err)
	}
}

// updateJob applies mutate to a fresh read of the job row and writes it back.
// A row deleted by an administrator mid-run is skipped, not an error.
func (e *Engine) updateJob(ctx context.Context, id uint, mutate func(job *podsub.Job)) {
	job, err := e.ds.Job(ctx, id)
	if err != nil {
		if podsub.IsNotFound(err) {
			level.Debug(e.logger).Log("msg", "job row gone, skipping transition", "job_id", id)
			return
		}
		level.Error(e.logger).Log("msg", "failed to load job for transition", "job_id", id, "err", err)
		return
	}
	mutate(job)
	if _, err := e.ds.UpdateJob(ctx, id, job); err != nil && !podsub.IsNotFound(err) {
		level.Error(e.logger).Log("msg", "failed to write job transition", "job_id", id, "status", job.Status, "err", err)
	}
}

func (e *Engine) takeResult(jobID uint) *podsub.GenerationResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	res := e.results[jobID]
	delete(e.results, jobID)
	return res
}

func marshalResult(res *podsub.GenerationResult) (json.RawMessage, error) {
	raw, err := json.Marshal(res)
	return json.RawMessage(raw), err
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func itoa(n int) string { return strconv.Itoa(n) }
