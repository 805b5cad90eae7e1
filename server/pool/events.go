package pool

import (
	"time"

	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/engine"
)

// EventType enumerates pool-level observations.
type EventType string

const (
	EventWorkerStarted   EventType = "worker_started"
	EventWorkerStopped   EventType = "worker_stopped"
	EventWorkerRestarted EventType = "worker_restarted"
	// EventWorkerErrored fires when a member reports an unrecoverable error,
	// before the restart policy runs.
	EventWorkerErrored EventType = "worker_errored"
	// EventWorkerGaveUp fires when the restart budget is exhausted and the
	// slot is left in the error state.
	EventWorkerGaveUp EventType = "worker_gave_up"
	EventScaled       EventType = "scaled"
)

// Event is one observation about the pool's supervision of its workers.
type Event struct {
	Type     EventType
	WorkerID string
	Err      error
	// Restarts is the attempt number on worker_restarted events.
	Restarts int
	// Count is the target size on scaled events.
	Count int
	At    time.Time
}

// WorkerStats snapshots one slot.
type WorkerStats struct {
	State    string       `json:"state"`
	Restarts int          `json:"restarts"`
	Engine   engine.Stats `json:"engine"`
}

// Stats aggregates the pool for monitoring and scaling decisions.
type Stats struct {
	Workers        []WorkerStats `json:"workers"`
	Running        int           `json:"running"`
	Errored        int           `json:"errored"`
	TotalProcessed int64         `json:"total_processed"`
	TotalFailed    int64         `json:"total_failed"`
	TotalQueued    int           `json:"total_queued"`
	TotalActive    int           `json:"total_active"`
}
