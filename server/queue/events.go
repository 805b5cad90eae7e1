package queue

import "time"

// EventType enumerates what the queue reports about a job's run.
type EventType string

const (
	// EventAdded fires when an item enters the pending set, both on first
	// admission and on re-admission after a retry delay.
	EventAdded EventType = "added"
	// EventStarted fires when an executor picks the item up.
	EventStarted EventType = "started"
	// EventCompleted fires on a successful attempt. Terminal.
	EventCompleted EventType = "completed"
	// EventFailed fires when an attempt fails with no retries left (or
	// auto-retry disabled). Terminal.
	EventFailed EventType = "failed"
	// EventRetried fires when a failed attempt schedules a retry. The item
	// carries the incremented retry count; re-admission follows as
	// EventAdded after the retry delay.
	EventRetried EventType = "retried"
	// EventDepthChanged fires whenever the pending set grows or shrinks.
	EventDepthChanged EventType = "depth_changed"
)

// Event is one observation from the queue. Events for the same job arrive in
// execution order; the consumer can replay them as status transitions.
type Event struct {
	Type EventType
	Item Item
	// Err is set on failed and retried events.
	Err error
	// Timeout marks failures caused by the job timeout rather than the
	// handler's own error.
	Timeout bool
	// Duration is the attempt duration on completed, failed and retried
	// events.
	Duration time.Duration
	// Depth is the pending count on depth_changed events.
	Depth int
	At    time.Time
}

// Terminal reports whether this event ends the job's run in the queue.
func (e Event) Terminal() bool {
	return e.Type == EventCompleted || e.Type == EventFailed
}
