package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		MaxConcurrent:   2,
		JobTimeout:      5 * time.Second,
		RetryDelay:      5 * time.Millisecond,
		EnableAutoRetry: true,
	}
}

// eventRecorder drains the queue's event stream into a slice the test can
// inspect.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func recordEvents(t *testing.T, q *Queue) *eventRecorder {
	t.Helper()
	r := &eventRecorder{}
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go func() {
		for {
			select {
			case ev, ok := <-q.Events():
				if !ok {
					return
				}
				r.mu.Lock()
				r.events = append(r.events, ev)
				r.mu.Unlock()
			case <-stop:
				return
			}
		}
	}()
	return r
}

func (r *eventRecorder) forJob(id uint) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Item.JobID == id && ev.Type != EventDepthChanged {
			out = append(out, ev)
		}
	}
	return out
}

func (r *eventRecorder) count(typ EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func shutdown(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.Shutdown(ctx))
}

func TestConcurrencyBound(t *testing.T) {
	var current, peak atomic.Int32
	handler := func(ctx context.Context, item Item) error {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)
		return nil
	}

	q := New(testConfig(), handler)
	q.Start()

	for i := uint(1); i <= 5; i++ {
		require.NoError(t, q.Enqueue(Item{JobID: i}))
	}

	require.Eventually(t, func() bool {
		return q.Stats().Completed == 5
	}, 2*time.Second, 5*time.Millisecond)

	require.LessOrEqual(t, peak.Load(), int32(2))
	stats := q.Stats()
	require.Equal(t, 0, stats.Queued)
	require.Equal(t, 0, stats.Active)
	require.Equal(t, 0, stats.Failed)
	shutdown(t, q)
}

func TestPriorityOrder(t *testing.T) {
	gate := make(chan struct{})
	var mu sync.Mutex
	var order []uint
	handler := func(ctx context.Context, item Item) error {
		if item.JobID == 1 {
			<-gate
		}
		mu.Lock()
		order = append(order, item.JobID)
		mu.Unlock()
		return nil
	}

	cfg := testConfig()
	cfg.MaxConcurrent = 1
	q := New(cfg, handler)
	q.Start()

	require.NoError(t, q.Enqueue(Item{JobID: 1}))
	require.Eventually(t, func() bool {
		return q.Stats().Active == 1
	}, time.Second, time.Millisecond)

	// These pile up while job 1 holds the only slot.
	require.NoError(t, q.Enqueue(Item{JobID: 2, Priority: 1}))
	require.NoError(t, q.Enqueue(Item{JobID: 3, Priority: 5}))
	require.NoError(t, q.Enqueue(Item{JobID: 4, Priority: 5}))
	close(gate)

	require.Eventually(t, func() bool {
		return q.Stats().Completed == 4
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	// Highest priority first, equal priorities in admission order.
	require.Equal(t, []uint{1, 3, 4, 2}, order)
	shutdown(t, q)
}

func TestDuplicateRejected(t *testing.T) {
	release := make(chan struct{})
	handler := func(ctx context.Context, item Item) error {
		<-release
		return nil
	}

	q := New(testConfig(), handler)
	q.Start()

	require.NoError(t, q.Enqueue(Item{JobID: 1}))
	require.ErrorIs(t, q.Enqueue(Item{JobID: 1}), ErrDuplicateJob)

	require.Eventually(t, func() bool {
		return q.Stats().Active == 1
	}, time.Second, time.Millisecond)
	// Still rejected while executing.
	require.ErrorIs(t, q.Enqueue(Item{JobID: 1}), ErrDuplicateJob)

	close(release)
	require.Eventually(t, func() bool {
		return q.Stats().Completed == 1
	}, time.Second, time.Millisecond)

	// After a terminal outcome the id may be admitted again.
	require.NoError(t, q.Enqueue(Item{JobID: 1}))
	shutdown(t, q)
}

func TestRetriesExhaust(t *testing.T) {
	var attempts atomic.Int32
	boom := errors.New("boom")
	handler := func(ctx context.Context, item Item) error {
		attempts.Add(1)
		return boom
	}

	q := New(testConfig(), handler)
	rec := recordEvents(t, q)
	q.Start()

	require.NoError(t, q.Enqueue(Item{JobID: 1, MaxRetries: 2}))

	require.Eventually(t, func() bool {
		return q.Stats().Failed == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Initial attempt plus exactly MaxRetries retries.
	require.Equal(t, int32(3), attempts.Load())
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(3), attempts.Load())

	events := rec.forJob(1)
	var retried []int
	for _, ev := range events {
		if ev.Type == EventRetried {
			retried = append(retried, ev.Item.Retries)
			require.ErrorIs(t, ev.Err, boom)
		}
	}
	require.Equal(t, []int{1, 2}, retried)

	last := events[len(events)-1]
	require.Equal(t, EventFailed, last.Type)
	require.ErrorIs(t, last.Err, boom)
	require.False(t, last.Timeout)
	shutdown(t, q)
}

func TestDefaultMaxRetries(t *testing.T) {
	var attempts atomic.Int32
	handler := func(ctx context.Context, item Item) error {
		attempts.Add(1)
		return errors.New("nope")
	}

	cfg := testConfig()
	cfg.DefaultMaxRetries = 1
	q := New(cfg, handler)
	q.Start()

	require.NoError(t, q.Enqueue(Item{JobID: 1, MaxRetries: -1}))
	require.Eventually(t, func() bool {
		return q.Stats().Failed == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, int32(2), attempts.Load())
	shutdown(t, q)
}

func TestAutoRetryDisabled(t *testing.T) {
	var attempts atomic.Int32
	handler := func(ctx context.Context, item Item) error {
		attempts.Add(1)
		return errors.New("nope")
	}

	cfg := testConfig()
	cfg.EnableAutoRetry = false
	q := New(cfg, handler)
	q.Start()

	require.NoError(t, q.Enqueue(Item{JobID: 1, MaxRetries: 5}))
	require.Eventually(t, func() bool {
		return q.Stats().Failed == 1
	}, time.Second, time.Millisecond)
	require.Equal(t, int32(1), attempts.Load())
	shutdown(t, q)
}

func TestTimeoutFailsAttemptAndFreesSlot(t *testing.T) {
	hang := make(chan struct{})
	t.Cleanup(func() { close(hang) })

	cancelled := make(chan struct{}, 1)
	handler := func(ctx context.Context, item Item) error {
		if item.JobID == 1 {
			// Honors cancellation so the test can observe it, but never
			// returns on its own.
			select {
			case <-ctx.Done():
				cancelled <- struct{}{}
				return ctx.Err()
			case <-hang:
				return nil
			}
		}
		return nil
	}

	cfg := testConfig()
	cfg.MaxConcurrent = 1
	cfg.JobTimeout = 30 * time.Millisecond
	cfg.EnableAutoRetry = false
	q := New(cfg, handler)
	rec := recordEvents(t, q)
	q.Start()

	require.NoError(t, q.Enqueue(Item{JobID: 1}))
	require.NoError(t, q.Enqueue(Item{JobID: 2}))

	// Job 1 times out, its slot is reclaimed, and job 2 still runs.
	require.Eventually(t, func() bool {
		stats := q.Stats()
		return stats.Failed == 1 && stats.Completed == 1
	}, 2*time.Second, 5*time.Millisecond)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("handler context was never cancelled")
	}

	events := rec.forJob(1)
	last := events[len(events)-1]
	require.Equal(t, EventFailed, last.Type)
	require.True(t, last.Timeout)
	require.ErrorIs(t, last.Err, ErrJobTimeout)
	shutdown(t, q)
}

func TestTimeoutCanRetry(t *testing.T) {
	var attempts atomic.Int32
	handler := func(ctx context.Context, item Item) error {
		if attempts.Add(1) == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}

	cfg := testConfig()
	cfg.JobTimeout = 20 * time.Millisecond
	q := New(cfg, handler)
	rec := recordEvents(t, q)
	q.Start()

	require.NoError(t, q.Enqueue(Item{JobID: 1, MaxRetries: 3}))
	require.Eventually(t, func() bool {
		return q.Stats().Completed == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, int32(2), attempts.Load())
	require.Equal(t, 1, rec.count(EventRetried))
	shutdown(t, q)
}

func TestEventOrdering(t *testing.T) {
	handler := func(ctx context.Context, item Item) error { return nil }

	q := New(testConfig(), handler)
	rec := recordEvents(t, q)
	q.Start()

	require.NoError(t, q.Enqueue(Item{JobID: 1}))
	require.Eventually(t, func() bool {
		return q.Stats().Completed == 1
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		return len(rec.forJob(1)) == 3
	}, time.Second, time.Millisecond)

	events := rec.forJob(1)
	require.Equal(t, EventAdded, events[0].Type)
	require.Equal(t, EventStarted, events[1].Type)
	require.Equal(t, EventCompleted, events[2].Type)
	require.True(t, events[2].Terminal())
	shutdown(t, q)
}

func TestShutdownDrainsInFlight(t *testing.T) {
	started := make(chan struct{})
	handler := func(ctx context.Context, item Item) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		return nil
	}

	q := New(testConfig(), handler)
	q.Start()
	require.NoError(t, q.Enqueue(Item{JobID: 1}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.Shutdown(ctx))
	require.Equal(t, 1, q.Stats().Completed)

	require.ErrorIs(t, q.Enqueue(Item{JobID: 2}), ErrQueueStopped)
}

func TestShutdownDeadlineCancelsHandlers(t *testing.T) {
	started := make(chan struct{})
	finished := make(chan struct{})
	handler := func(ctx context.Context, item Item) error {
		close(started)
		<-ctx.Done()
		close(finished)
		return ctx.Err()
	}

	cfg := testConfig()
	cfg.JobTimeout = 0 // the handler would run forever without a force stop
	q := New(cfg, handler)
	q.Start()
	require.NoError(t, q.Enqueue(Item{JobID: 1}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, q.Shutdown(ctx), context.DeadlineExceeded)

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("handler context was never cancelled by forced shutdown")
	}
}

func TestSlowConsumerLosesNoEvents(t *testing.T) {
	handler := func(ctx context.Context, item Item) error { return nil }

	q := New(Config{MaxConcurrent: 1, EventBuffer: 1}, handler)
	q.Start()

	const jobs = 5
	for i := uint(1); i <= jobs; i++ {
		require.NoError(t, q.Enqueue(Item{JobID: i}))
	}

	// Nothing is consuming events yet; execution must not stall on that.
	require.Eventually(t, func() bool {
		return q.Stats().Completed == jobs
	}, 2*time.Second, 5*time.Millisecond)

	shutdown(t, q)

	completed := make(map[uint]bool)
	for ev := range q.Events() {
		if ev.Type == EventCompleted {
			completed[ev.Item.JobID] = true
		}
	}
	require.Len(t, completed, jobs)
}

func TestEventStreamClosesAfterShutdown(t *testing.T) {
	handler := func(ctx context.Context, item Item) error { return nil }
	q := New(testConfig(), handler)
	q.Start()
	require.NoError(t, q.Enqueue(Item{JobID: 1}))

	require.Eventually(t, func() bool {
		return q.Stats().Completed == 1
	}, 2*time.Second, 5*time.Millisecond)
	shutdown(t, q)

	var last Event
	for ev := range q.Events() {
		if ev.Type != EventDepthChanged {
			last = ev
		}
	}
	require.Equal(t, EventCompleted, last.Type)
	require.Equal(t, uint(1), last.Item.JobID)
}
