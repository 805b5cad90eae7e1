// Package monitoring is the observability layer over the orchestration core:
// a metrics collector writing append-only samples through the datastore and
// mirroring them to Prometheus, an alert manager with a bounded in-memory
// window, and a read-only dashboard aggregation.
package monitoring

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/contexts/ctxerr"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/podsub"
)

// Collector records counters, gauges and histogram samples. Every sample is
// persisted as a Metric row for windowed aggregation, and mirrored into a
// Prometheus vector for scraping. Persistence failures are logged and never
// fail the instrumented operation.
type Collector struct {
	ds     podsub.Datastore
	logger log.Logger
	clock  clock.Clock
	reg    prometheus.Registerer

	mu         sync.Mutex
	counters   map[string]*promVec[*prometheus.CounterVec]
	gauges     map[string]*promVec[*prometheus.GaugeVec]
	histograms map[string]*promVec[*prometheus.HistogramVec]
}

// promVec pairs a lazily created vector with the label keys it was created
// with. Prometheus fixes label names per metric; samples arriving later with
// different keys keep the durable row but skip the mirror.
type promVec[T prometheus.Collector] struct {
	vec  T
	keys []string
}

// CollectorOption customizes a Collector.
type CollectorOption func(*Collector)

// WithClock sets the time source, for tests.
func WithClock(c clock.Clock) CollectorOption {
	return func(col *Collector) { col.clock = c }
}

// WithRegisterer sets the Prometheus registry to mirror into. Defaults to
// the global default registerer.
func WithRegisterer(reg prometheus.Registerer) CollectorOption {
	return func(col *Collector) { col.reg = reg }
}

// NewCollector builds a Collector persisting through ds.
func NewCollector(ds podsub.Datastore, logger log.Logger, opts ...CollectorOption) *Collector {
	col := &Collector{
		ds:         ds,
		logger:     log.With(logger, "component", "metrics"),
		clock:      clock.C,
		reg:        prometheus.DefaultRegisterer,
		counters:   make(map[string]*promVec[*prometheus.CounterVec]),
		gauges:     make(map[string]*promVec[*prometheus.GaugeVec]),
		histograms: make(map[string]*promVec[*prometheus.HistogramVec]),
	}
	for _, opt := range opts {
		opt(col)
	}
	return col
}

// Counter adds delta to the named monotonic counter.
func (c *Collector) Counter(ctx context.Context, name string, delta float64, labels map[string]string) {
	c.record(ctx, podsub.MetricTypeCounter, name, delta, labels)
	if vec, values, ok := counterFor(c, name, labels); ok {
		vec.WithLabelValues(values...).Add(delta)
	}
}

// Gauge sets the named gauge to value.
func (c *Collector) Gauge(ctx context.Context, name string, value float64, labels map[string]string) {
	c.record(ctx, podsub.MetricTypeGauge, name, value, labels)
	if vec, values, ok := gaugeFor(c, name, labels); ok {
		vec.WithLabelValues(values...).Set(value)
	}
}

// Histogram records one distribution sample, typically a duration in
// milliseconds.
func (c *Collector) Histogram(ctx context.Context, name string, value float64, labels map[string]string) {
	c.record(ctx, podsub.MetricTypeHistogram, name, value, labels)
	if vec, values, ok := histogramFor(c, name, labels); ok {
		vec.WithLabelValues(values...).Observe(value)
	}
}

// Time runs op and always records a histogram sample named name, labeled
// with status success or error, whatever the outcome. The operation's error
// is returned unchanged.
func (c *Collector) Time(ctx context.Context, name string, labels map[string]string, op func(ctx context.Context) error) error {
	start := c.clock.Now()
	err := op(ctx)

	merged := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		merged[k] = v
	}
	if err != nil {
		merged["status"] = "error"
	} else {
		merged["status"] = "success"
	}
	c.Histogram(ctx, name, float64(c.clock.Now().Sub(start).Milliseconds()), merged)
	return err
}

// Aggregate summarizes persisted histogram samples for name over the trailing
// window. It returns nil when no sample falls inside the window.
func (c *Collector) Aggregate(ctx context.Context, name string, window time.Duration) (*podsub.AggregatedMetric, error) {
	now := c.clock.Now()
	samples, err := c.ds.ListMetrics(ctx, podsub.MetricFilter{
		Name:  name,
		Type:  podsub.MetricTypeHistogram,
		Since: now.Add(-window),
		Until: now,
	})
	if err != nil {
		return nil, ctxerr.Wrap(ctx, err, "list histogram samples")
	}
	if len(samples) == 0 {
		return nil, nil
	}

	values := make([]float64, 0, len(samples))
	for _, s := range samples {
		values = append(values, s.Value)
	}
	sort.Float64s(values)

	agg := &podsub.AggregatedMetric{
		Name:  name,
		Count: len(values),
		Min:   values[0],
		Max:   values[len(values)-1],
		P50:   percentile(values, 50),
		P95:   percentile(values, 95),
		P99:   percentile(values, 99),
	}
	for _, v := range values {
		agg.Sum += v
	}
	agg.Avg = agg.Sum / float64(len(values))
	return agg, nil
}

func (c *Collector) record(ctx context.Context, typ podsub.MetricType, name string, value float64, labels map[string]string) {
	metric := &podsub.Metric{
		Type:       typ,
		Name:       name,
		Value:      value,
		Labels:     labels,
		RecordedAt: c.clock.Now(),
	}
	if err := c.ds.RecordMetric(ctx, metric); err != nil {
		level.Error(c.logger).Log("msg", "failed to persist metric", "name", name, "type", typ, "err", err)
	}
}

// percentile computes the nearest-rank percentile of sorted values.
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

// labelKV splits labels into sorted keys and their values in the same order.
func labelKV(labels map[string]string) (keys, values []string) {
	keys = make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values = make([]string, 0, len(keys))
	for _, k := range keys {
		values = append(values, labels[k])
	}
	return keys, values
}

func sameKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func counterFor(c *Collector, name string, labels map[string]string) (*prometheus.CounterVec, []string, bool) {
	keys, values := labelKV(labels)
	c.mu.Lock()
	defer c.mu.Unlock()

	if pv, ok := c.counters[name]; ok {
		if !sameKeys(pv.keys, keys) {
			return nil, nil, false
		}
		return pv.vec, values, true
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "podsub", Name: name,
	}, keys)
	if err := c.reg.Register(vec); err != nil {
		level.Debug(c.logger).Log("msg", "prometheus registration failed", "name", name, "err", err)
		return nil, nil, false
	}
	c.counters[name] = &promVec[*prometheus.CounterVec]{vec: vec, keys: keys}
	return vec, values, true
}

func gaugeFor(c *Collector, name string, labels map[string]string) (*prometheus.GaugeVec, []string, bool) {
	keys, values := labelKV(labels)
	c.mu.Lock()
	defer c.mu.Unlock()

	if pv, ok := c.gauges[name]; ok {
		if !sameKeys(pv.keys, keys) {
			return nil, nil, false
		}
		return pv.vec, values, true
	}
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "podsub", Name: name,
	}, keys)
	if err := c.reg.Register(vec); err != nil {
		level.Debug(c.logger).Log("msg", "prometheus registration failed", "name", name, "err", err)
		return nil, nil, false
	}
	c.gauges[name] = &promVec[*prometheus.GaugeVec]{vec: vec, keys: keys}
	return vec, values, true
}

func histogramFor(c *Collector, name string, labels map[string]string) (*prometheus.HistogramVec, []string, bool) {
	keys, values := labelKV(labels)
	c.mu.Lock()
	defer c.mu.Unlock()

	if pv, ok := c.histograms[name]; ok {
		if !sameKeys(pv.keys, keys) {
			return nil, nil, false
		}
		return pv.vec, values, true
	}
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "podsub", Name: name,
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	}, keys)
	if err := c.reg.Register(vec); err != nil {
		level.Debug(c.logger).Log("msg", "prometheus registration failed", "name", name, "err", err)
		return nil, nil, false
	}
	c.histograms[name] = &promVec[*prometheus.HistogramVec]{vec: vec, keys: keys}
	return vec, values, true
}
