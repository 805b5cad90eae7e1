// Package queue implements the in-process job queue driving one engine:
// priority ordering, a bounded set of execution slots, per-attempt timeouts,
// and fixed-delay automatic retries. The queue knows nothing about
// persistence; it reports everything it does on a typed event stream and the
// engine turns those events into datastore writes.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

var (
	// ErrDuplicateJob rejects an enqueue for a job id that is already
	// pending, executing, or waiting out a retry delay.
	ErrDuplicateJob = errors.New("job is already queued")
	// ErrJobTimeout is the attempt outcome when the job timeout elapses
	// before the handler returns.
	ErrJobTimeout = errors.New("job processing timed out")
	// ErrQueueStopped rejects enqueues after shutdown began.
	ErrQueueStopped = errors.New("queue is stopped")
)

// Handler executes one job attempt. The context is cancelled when the
// attempt times out or the queue is force-stopped; the handler is expected to
// notice and return, but it is never forcibly killed.
type Handler func(ctx context.Context, item Item) error

// Item is one admitted job. Retries counts attempts already consumed.
type Item struct {
	JobID      uint
	Priority   int
	MaxRetries int
	Retries    int

	// seq orders equal priorities by admission.
	seq uint64
}

// Config tunes a Queue.
type Config struct {
	// MaxConcurrent is the number of execution slots. At most this many
	// handlers run at once; everything else waits in priority order.
	MaxConcurrent int
	// JobTimeout bounds one attempt. Zero disables the timeout.
	JobTimeout time.Duration
	// RetryDelay is the fixed pause between a failed attempt and its
	// re-admission. Pipeline-level backoff is separate and lives in the
	// pipeline client.
	RetryDelay time.Duration
	// DefaultMaxRetries applies to items enqueued with a negative MaxRetries.
	DefaultMaxRetries int
	// EnableAutoRetry turns the retry path on. When false every failure is
	// terminal.
	EnableAutoRetry bool
	// EventBuffer is the event channel capacity. A slow consumer never loses
	// events; beyond this many undelivered, the rest wait in an unbounded
	// backlog. Defaults to 256.
	EventBuffer int
}

// Queue runs jobs with bounded concurrency. Construct with New, call Start,
// and consume Events; Shutdown drains in-flight work.
type Queue struct {
	cfg     Config
	handler Handler
	logger  log.Logger
	clock   clock.Clock

	mu      sync.Mutex
	pending itemHeap
	inQueue map[uint]struct{}
	seq     uint64
	started bool
	stopped bool

	work     chan Item
	ready    chan struct{}
	wake     chan struct{}
	stopping chan struct{}

	// Events are appended to backlog and forwarded to the events channel by
	// a dedicated goroutine, so producers never block and nothing is ever
	// dropped. producersDone closes once every producer goroutine has
	// finished; the forwarder then drains the backlog and closes events.
	events        chan Event
	eventMu       sync.Mutex
	backlog       []Event
	eventSignal   chan struct{}
	producersDone chan struct{}

	// baseCtx parents every handler context. It is cancelled only when a
	// graceful drain runs out of time.
	baseCtx context.Context
	cancel  context.CancelFunc

	wg        sync.WaitGroup
	retryWG   sync.WaitGroup
	active    atomic.Int32
	completed atomic.Int64
	failed    atomic.Int64
}

// Option customizes a Queue.
type Option func(*Queue)

// WithLogger sets the queue logger.
func WithLogger(logger log.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// WithClock sets the time source, for tests.
func WithClock(c clock.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// New builds a stopped queue around handler.
func New(cfg Config, handler Handler, opts ...Option) *Queue {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	if cfg.DefaultMaxRetries < 0 {
		cfg.DefaultMaxRetries = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:      cfg,
		handler:  handler,
		logger:   log.NewNopLogger(),
		clock:    clock.C,
		inQueue:  make(map[uint]struct{}),
		work:          make(chan Item),
		ready:         make(chan struct{}),
		wake:          make(chan struct{}, 1),
		stopping:      make(chan struct{}),
		events:        make(chan Event, cfg.EventBuffer),
		eventSignal:   make(chan struct{}, 1),
		producersDone: make(chan struct{}),
		baseCtx:       ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start launches the dispatcher and the executor pool. It is a no-op when
// already started.
func (q *Queue) Start() {
	q.mu.Lock()
	if q.started || q.stopped {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	q.wg.Add(1)
	go q.dispatcher()
	for i := 0; i < q.cfg.MaxConcurrent; i++ {
		q.wg.Add(1)
		go q.executor()
	}
	go q.forwardEvents()
}

// Enqueue admits a job. The same job id cannot be admitted twice until its
// current run reaches a terminal outcome.
func (q *Queue) Enqueue(item Item) error {
	if item.MaxRetries < 0 {
		item.MaxRetries = q.cfg.DefaultMaxRetries
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrQueueStopped
	}
	if _, dup := q.inQueue[item.JobID]; dup {
		q.mu.Unlock()
		return ErrDuplicateJob
	}
	q.seq++
	item.seq = q.seq
	q.inQueue[item.JobID] = struct{}{}
	heap.Push(&q.pending, item)
	depth := q.pending.Len()
	q.mu.Unlock()

	q.emit(Event{Type: EventAdded, Item: item})
	q.emit(Event{Type: EventDepthChanged, Item: item, Depth: depth})
	q.signal()
	return nil
}

// Shutdown stops dispatching and waits for in-flight attempts to finish. If
// ctx expires first, handler contexts are cancelled and Shutdown returns the
// context error without waiting for stragglers.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	started := q.started
	q.mu.Unlock()

	close(q.stopping)
	if !started {
		q.cancel()
		close(q.events)
		return nil
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		q.retryWG.Wait()
		// No producer is left; the forwarder drains the backlog and closes
		// the event stream. This runs even when Shutdown's ctx expired first.
		close(q.producersDone)
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		return ctx.Err()
	}
}

// Events returns the event stream. There should be exactly one consumer. A
// slow consumer delays delivery but never loses events; the channel is closed
// once shutdown finishes and every event has been delivered.
func (q *Queue) Events() <-chan Event {
	return q.events
}

// Stats is a point-in-time view of queue counters.
type Stats struct {
	// Queued counts items waiting for a slot. Items waiting out a retry
	// delay are not included.
	Queued        int `json:"queued"`
	Active        int `json:"active"`
	Completed     int `json:"completed"`
	Failed        int `json:"failed"`
	MaxConcurrent int `json:"max_concurrent"`
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	queued := q.pending.Len()
	q.mu.Unlock()

	return Stats{
		Queued:        queued,
		Active:        int(q.active.Load()),
		Completed:     int(q.completed.Load()),
		Failed:        int(q.failed.Load()),
		MaxConcurrent: q.cfg.MaxConcurrent,
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// dispatcher hands the highest-priority item to a free executor. It claims
// the free slot before popping, so a higher priority arriving while all
// slots are busy is never stuck behind an already-popped lower one. Closing
// q.work is what winds the executors down.
func (q *Queue) dispatcher() {
	defer q.wg.Done()
	defer close(q.work)

	for {
		select {
		case <-q.ready:
		case <-q.stopping:
			return
		}

		for {
			item, ok := q.pop()
			if !ok {
				select {
				case <-q.wake:
					continue
				case <-q.stopping:
					return
				}
			}

			// An executor is guaranteed to be waiting for this send.
			q.work <- item
			q.mu.Lock()
			depth := q.pending.Len()
			q.mu.Unlock()
			q.emit(Event{Type: EventDepthChanged, Item: item, Depth: depth})
			break
		}
	}
}

func (q *Queue) executor() {
	defer q.wg.Done()
	for {
		select {
		case q.ready <- struct{}{}:
		case <-q.stopping:
			return
		}

		item, ok := <-q.work
		if !ok {
			return
		}
		q.process(item)
	}
}

// process runs one attempt to completion, timeout, or failure. The executor
// slot is held for the duration of the select, never longer: a timed-out
// handler keeps running on its own goroutine until it notices the cancelled
// context, but its outcome is discarded.
func (q *Queue) process(item Item) {
	q.active.Add(1)
	defer q.active.Add(-1)

	start := q.clock.Now()
	q.emit(Event{Type: EventStarted, Item: item, At: start})

	ctx, cancel := context.WithCancel(q.baseCtx)
	defer cancel()

	outcome := make(chan error, 1)
	go func() {
		outcome <- q.handler(ctx, item)
	}()

	var err error
	var timedOut bool
	if q.cfg.JobTimeout > 0 {
		select {
		case err = <-outcome:
		case <-q.clock.After(q.cfg.JobTimeout):
			timedOut = true
			err = ErrJobTimeout
			cancel()
		}
	} else {
		err = <-outcome
	}

	duration := q.clock.Now().Sub(start)
	if err == nil {
		q.completed.Add(1)
		q.release(item.JobID)
		q.emit(Event{Type: EventCompleted, Item: item, Duration: duration})
		return
	}

	q.fail(item, err, timedOut, duration)
}

func (q *Queue) fail(item Item, cause error, timedOut bool, duration time.Duration) {
	if !q.cfg.EnableAutoRetry || item.Retries >= item.MaxRetries {
		q.failed.Add(1)
		q.release(item.JobID)
		q.emit(Event{
			Type:     EventFailed,
			Item:     item,
			Err:      cause,
			Timeout:  timedOut,
			Duration: duration,
		})
		return
	}

	retry := item
	retry.Retries++
	q.emit(Event{
		Type:     EventRetried,
		Item:     retry,
		Err:      cause,
		Timeout:  timedOut,
		Duration: duration,
	})

	level.Debug(q.logger).Log(
		"msg", "retry scheduled",
		"job_id", item.JobID, "retries", retry.Retries, "max_retries", retry.MaxRetries,
	)

	// The job id stays admitted through the delay so a duplicate cannot
	// sneak in between the failure and the re-admission.
	q.retryWG.Add(1)
	go func() {
		defer q.retryWG.Done()
		select {
		case <-q.clock.After(q.cfg.RetryDelay):
			q.readmit(retry)
		case <-q.stopping:
		}
	}()
}

func (q *Queue) readmit(item Item) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.seq++
	item.seq = q.seq
	heap.Push(&q.pending, item)
	depth := q.pending.Len()
	q.mu.Unlock()

	q.emit(Event{Type: EventAdded, Item: item})
	q.emit(Event{Type: EventDepthChanged, Item: item, Depth: depth})
	q.signal()
}

func (q *Queue) pop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending.Len() == 0 {
		return Item{}, false
	}
	return heap.Pop(&q.pending).(Item), true
}

func (q *Queue) release(jobID uint) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inQueue, jobID)
}

// emit records an event for delivery. Producers only append; the forwarder
// owns the channel sends, so a stalled consumer can never lose a status
// transition or block an executor slot.
func (q *Queue) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = q.clock.Now()
	}
	q.eventMu.Lock()
	q.backlog = append(q.backlog, ev)
	q.eventMu.Unlock()

	select {
	case q.eventSignal <- struct{}{}:
	default:
	}
}

// forwardEvents moves the backlog onto the events channel in order. Once
// producersDone closes it delivers whatever remains and closes the channel.
func (q *Queue) forwardEvents() {
	for {
		ev, ok := q.nextEvent()
		if ok {
			q.events <- ev
			continue
		}

		select {
		case <-q.eventSignal:
		case <-q.producersDone:
			for {
				ev, ok := q.nextEvent()
				if !ok {
					close(q.events)
					return
				}
				q.events <- ev
			}
		}
	}
}

func (q *Queue) nextEvent() (Event, bool) {
	q.eventMu.Lock()
	defer q.eventMu.Unlock()
	if len(q.backlog) == 0 {
		return Event{}, false
	}
	ev := q.backlog[0]
	q.backlog = q.backlog[1:]
	return ev, true
}

// itemHeap orders by priority descending, then admission sequence ascending.
type itemHeap []Item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) {
	*h = append(*h, x.(Item))
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
