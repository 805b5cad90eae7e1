package monitoring

import (
	"sync"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/ring"
)

// Severity orders alerts by operational urgency.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Alert is one severity-tagged operational notification. Alerts live in a
// bounded in-memory window, distinct from the durable log table.
type Alert struct {
	Name      string            `json:"name"`
	Severity  Severity          `json:"severity"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Subscriber receives every triggered alert synchronously.
type Subscriber func(Alert)

// AlertManager keeps the most recent alerts and fans them out to
// subscribers. Once the window is full the oldest alert is evicted.
type AlertManager struct {
	logger log.Logger
	clock  clock.Clock

	mu     sync.Mutex
	window *ring.Buffer[Alert]
	subs   []Subscriber
}

// AlertOption customizes an AlertManager.
type AlertOption func(*AlertManager)

// WithAlertClock sets the time source, for tests.
func WithAlertClock(c clock.Clock) AlertOption {
	return func(m *AlertManager) { m.clock = c }
}

// NewAlertManager keeps up to capacity alerts in memory.
func NewAlertManager(capacity int, logger log.Logger, opts ...AlertOption) *AlertManager {
	if capacity <= 0 {
		capacity = 1000
	}
	m := &AlertManager{
		logger: log.With(logger, "component", "alerts"),
		clock:  clock.C,
		window: ring.New[Alert](capacity),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe registers fn to be called synchronously on every trigger. A
// panicking subscriber is recovered and logged; it never takes down the
// triggering caller.
func (m *AlertManager) Subscribe(fn Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

// Trigger records an alert and notifies every subscriber before returning.
func (m *AlertManager) Trigger(name string, severity Severity, message string, metadata map[string]string) Alert {
	alert := Alert{
		Name:      name,
		Severity:  severity,
		Message:   message,
		Metadata:  metadata,
		CreatedAt: m.clock.Now(),
	}

	m.mu.Lock()
	m.window.Push(alert)
	subs := make([]Subscriber, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	level.Warn(m.logger).Log("msg", "alert triggered", "name", name, "severity", severity, "detail", message)
	for _, fn := range subs {
		m.notify(fn, alert)
	}
	return alert
}

func (m *AlertManager) notify(fn Subscriber, alert Alert) {
	defer func() {
		if p := recover(); p != nil {
			level.Error(m.logger).Log("msg", "alert subscriber panicked", "name", alert.Name, "panic", p)
		}
	}()
	fn(alert)
}

// Recent returns up to n of the most recent alerts, newest first.
func (m *AlertManager) Recent(n int) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.window.Last(n)
	// Newest first for display.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// BySeverity returns every buffered alert at the given severity, newest
// first.
func (m *AlertManager) BySeverity(severity Severity) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.window.All()
	var out []Alert
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Severity == severity {
			out = append(out, all[i])
		}
	}
	return out
}

// Len reports how many alerts are currently buffered.
func (m *AlertManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.window.Len()
}
