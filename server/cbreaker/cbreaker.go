// Package cbreaker guards every remote dependency behind a named circuit
// breaker. One breaker exists per distinct dependency name (generation
// pipeline, commerce API, datastore); the Manager creates them lazily on
// first use. Breakers are per-process: each worker keeps its own failure
// view of a dependency, so an outage may open them at different times.
package cbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/sony/gobreaker/v2"
)

// Config tunes every breaker built by a Manager.
type Config struct {
	// FailureThreshold is the number of consecutive failures in the closed
	// state that trips the breaker open.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive half-open successes
	// needed to close the breaker again.
	SuccessThreshold int
	// Timeout is how long the breaker stays open before allowing probes.
	Timeout time.Duration
	// ResetTimeout is the closed-state period after which stale failure
	// counts decay back to zero.
	ResetTimeout time.Duration
	// Enabled false builds breakers that never trip (still constructed so
	// callers can use them).
	Enabled bool
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Timeout:          10 * time.Second,
		ResetTimeout:     60 * time.Second,
		Enabled:          true,
	}
}

// Manager lazily creates and caches one breaker per dependency name.
type Manager struct {
	cfg    Config
	logger log.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[any]
}

// NewManager returns a Manager building breakers from cfg. State changes are
// logged through logger at Warn.
func NewManager(cfg Config, logger log.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker[any]),
	}
}

func (m *Manager) breaker(name string) *gobreaker.CircuitBreaker[any] {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, ok := m.breakers[name]; ok {
		return cb
	}

	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(max(m.cfg.SuccessThreshold, 1)),
		Interval:    m.cfg.ResetTimeout, // closed-state failure decay
		Timeout:     m.cfg.Timeout,      // open -> half-open
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(max(m.cfg.FailureThreshold, 1))
		},
		// Don't count caller cancellations/timeouts as failures for the
		// breaker: the dependency did not necessarily misbehave.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			level.Warn(m.logger).Log(
				"msg", "circuit breaker state change",
				"name", name, "from", from.String(), "to", to.String(),
			)
		},
	}

	if !m.cfg.Enabled {
		// A disabled breaker that never trips.
		st.ReadyToTrip = func(gobreaker.Counts) bool { return false }
		st.Timeout = 365 * 24 * time.Hour
		st.MaxRequests = ^uint32(0)
	}

	cb := gobreaker.NewCircuitBreaker[any](st)
	m.breakers[name] = cb
	return cb
}

// Do runs op through the breaker registered for name. When the breaker is
// open the call fails immediately with a circuit-open error and op is never
// invoked; use IsOpen to distinguish that from op's own errors.
func Do[T any](m *Manager, name string, op func() (T, error)) (T, error) {
	v, err := m.breaker(name).Execute(func() (any, error) {
		return op()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	t, _ := v.(T)
	return t, nil
}

// IsOpen reports whether err is the breaker's fail-fast error rather than a
// failure of the wrapped operation.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// Snapshot is a point-in-time view of one breaker for monitoring.
type Snapshot struct {
	Name                 string `json:"name"`
	State                string `json:"state"`
	Requests             uint32 `json:"requests"`
	TotalSuccesses       uint32 `json:"total_successes"`
	TotalFailures        uint32 `json:"total_failures"`
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
}

// Snapshots returns the current state and counts of every breaker created so
// far, keyed by name.
func (m *Manager) Snapshots() map[string]Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Snapshot, len(m.breakers))
	for name, cb := range m.breakers {
		counts := cb.Counts()
		out[name] = Snapshot{
			Name:                 name,
			State:                cb.State().String(),
			Requests:             counts.Requests,
			TotalSuccesses:       counts.TotalSuccesses,
			TotalFailures:        counts.TotalFailures,
			ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
			ConsecutiveFailures:  counts.ConsecutiveFailures,
		}
	}
	return out
}

// HealthCheck reports unhealthy while any breaker is open, naming the first
// open dependency found.
func (m *Manager) HealthCheck() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, cb := range m.breakers {
		if cb.State() == gobreaker.StateOpen {
			return errors.New("circuit open for " + name)
		}
	}
	return nil
}
