package podsub

import "time"

// MetricType is the semantic kind of a recorded sample.
type MetricType string

const (
	// MetricTypeCounter is a monotonic increment.
	MetricTypeCounter MetricType = "counter"
	// MetricTypeGauge is a point-in-time value.
	MetricTypeGauge MetricType = "gauge"
	// MetricTypeHistogram is one distribution sample, e.g. a duration in
	// milliseconds.
	MetricTypeHistogram MetricType = "histogram"
)

// Metric is one append-only observation. The store orders samples by
// RecordedAt for range queries; nothing else is guaranteed.
type Metric struct {
	ID         uint              `json:"id" db:"id"`
	Type       MetricType        `json:"type" db:"type"`
	Name       string            `json:"name" db:"name"`
	Value      float64           `json:"value" db:"value"`
	Labels     map[string]string `json:"labels" db:"-"`
	RecordedAt time.Time         `json:"recorded_at" db:"recorded_at"`
}

// MetricFilter selects samples for ListMetrics. Zero values mean "any".
type MetricFilter struct {
	Name  string
	Type  MetricType
	Since time.Time
	Until time.Time
	// Limit caps the number of returned samples, oldest first. 0 means no cap.
	Limit int
}

// AggregatedMetric summarizes histogram samples over a time window.
type AggregatedMetric struct {
	Name  string  `json:"name"`
	Count int     `json:"count"`
	Sum   float64 `json:"sum"`
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}
