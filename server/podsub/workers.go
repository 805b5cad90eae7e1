package podsub

import "time"

// WorkerStatus is the lifecycle state of one supervised execution unit.
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusOffline WorkerStatus = "offline"
	WorkerStatusError   WorkerStatus = "error"
)

// Worker is the durable identity row for one engine instance. Registered at
// engine start, heartbeat refreshed on a fixed interval, marked offline on
// graceful stop.
//
// Invariant: CurrentJobID is set if and only if Status is busy.
type Worker struct {
	ID            string            `json:"id" db:"id"`
	Hostname      string            `json:"hostname" db:"hostname"`
	Status        WorkerStatus      `json:"status" db:"status"`
	CurrentJobID  *uint             `json:"current_job_id" db:"current_job_id"`
	LastHeartbeat time.Time         `json:"last_heartbeat" db:"last_heartbeat"`
	StartedAt     time.Time         `json:"started_at" db:"started_at"`
	JobsProcessed int               `json:"jobs_processed" db:"jobs_processed"`
	JobsFailed    int               `json:"jobs_failed" db:"jobs_failed"`
	Metadata      map[string]string `json:"metadata" db:"-"`
}

// HeartbeatStale reports whether the worker should be considered dead by a
// read-side health consumer: its heartbeat is older than threshold and it
// did not shut down cleanly. Detection is a query, never automatic.
func (w *Worker) HeartbeatStale(now time.Time, threshold time.Duration) bool {
	if w.Status == WorkerStatusOffline {
		return false
	}
	return now.Sub(w.LastHeartbeat) > threshold
}
