// Package inmem implements podsub.Datastore entirely in memory. It backs dev
// mode and tests; nothing survives a restart. The append-only event tables
// are bounded so a long-lived dev process cannot grow without limit: metrics
// keep the most recent 10000 samples and logs the most recent 50000 entries,
// evicting oldest first.
package inmem

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/podsub"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/ring"
)

const (
	metricCap = 10000
	logCap    = 50000
)

// Datastore is the in-memory podsub.Datastore. All methods copy on the way
// in and out, so callers can keep mutating what they passed or received.
type Datastore struct {
	clock clock.Clock

	mtx      sync.RWMutex
	jobs     map[uint]*podsub.Job
	images   map[uint]*podsub.Image
	products map[uint]*podsub.Product
	workers  map[string]*podsub.Worker
	metrics  *ring.Buffer[*podsub.Metric]
	logs     *ring.Buffer[*podsub.LogEntry]

	jobID     uint
	imageID   uint
	productID uint
	metricID  uint
	logID     uint
}

// New creates an empty in-memory datastore using c for timestamps.
func New(c clock.Clock) *Datastore {
	return &Datastore{
		clock:    c,
		jobs:     make(map[uint]*podsub.Job),
		images:   make(map[uint]*podsub.Image),
		products: make(map[uint]*podsub.Product),
		workers:  make(map[string]*podsub.Worker),
		metrics:  ring.New[*podsub.Metric](metricCap),
		logs:     ring.New[*podsub.LogEntry](logCap),
	}
}

func (d *Datastore) Name() string { return "inmem" }

// HealthCheck always succeeds; there is no backing service to lose.
func (d *Datastore) HealthCheck() error { return nil }

type notFoundError struct {
	resource string
	id       string
}

func notFound(resource string, id any) *notFoundError {
	return &notFoundError{resource: resource, id: fmt.Sprint(id)}
}

func (e *notFoundError) Error() string {
	return fmt.Sprintf("%s %s was not found in the datastore", e.resource, e.id)
}

func (e *notFoundError) IsNotFound() bool { return true }

type existsError struct {
	resource string
}

func (e *existsError) Error() string {
	return fmt.Sprintf("%s already exists in the datastore", e.resource)
}

func (e *existsError) IsExists() bool { return true }

////////////////////////////////////////////////////////////////////////////////
// Jobs

func (d *Datastore) NewJob(ctx context.Context, job *podsub.Job) (*podsub.Job, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	d.jobID++
	now := d.clock.Now()

	stored := cloneJob(job)
	stored.ID = d.jobID
	if stored.Status == "" {
		stored.Status = podsub.JobStatusQueued
	}
	stored.CreatedAt = now
	stored.UpdatedAt = now
	d.jobs[stored.ID] = stored

	return cloneJob(stored), nil
}

func (d *Datastore) Job(ctx context.Context, id uint) (*podsub.Job, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	job, ok := d.jobs[id]
	if !ok {
		return nil, notFound("Job", id)
	}
	return cloneJob(job), nil
}

func (d *Datastore) UpdateJob(ctx context.Context, id uint, job *podsub.Job) (*podsub.Job, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	existing, ok := d.jobs[id]
	if !ok {
		return nil, notFound("Job", id)
	}

	stored := cloneJob(job)
	stored.ID = id
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = d.clock.Now()
	d.jobs[id] = stored

	return cloneJob(stored), nil
}

func (d *Datastore) ListJobs(ctx context.Context, filter podsub.JobFilter) ([]*podsub.Job, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	var out []*podsub.Job
	for _, job := range d.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.WorkerID != "" && job.WorkerID != filter.WorkerID {
			continue
		}
		out = append(out, cloneJob(job))
	}

	// Newest first; ids are monotonic so they break created_at ties.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (d *Datastore) DeleteJob(ctx context.Context, id uint) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if _, ok := d.jobs[id]; !ok {
		return notFound("Job", id)
	}
	delete(d.jobs, id)
	return nil
}

func (d *Datastore) CountJobsByStatus(ctx context.Context) (map[podsub.JobStatus]int, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	counts := map[podsub.JobStatus]int{
		podsub.JobStatusQueued:     0,
		podsub.JobStatusProcessing: 0,
		podsub.JobStatusCompleted:  0,
		podsub.JobStatusFailed:     0,
		podsub.JobStatusRetrying:   0,
	}
	for _, job := range d.jobs {
		counts[job.Status]++
	}
	return counts, nil
}

func (d *Datastore) JobSummary(ctx context.Context, since time.Time) (*podsub.JobSummary, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	summary := &podsub.JobSummary{}
	var processed time.Duration
	var processedCount int

	for _, job := range d.jobs {
		if !since.IsZero() && job.UpdatedAt.Before(since) {
			continue
		}
		summary.Total++
		switch job.Status {
		case podsub.JobStatusCompleted:
			summary.Completed++
			if job.StartedAt != nil && job.CompletedAt != nil {
				processed += job.CompletedAt.Sub(*job.StartedAt)
				processedCount++
			}
		case podsub.JobStatusFailed:
			summary.Failed++
		}
	}

	if processedCount > 0 {
		summary.AvgProcessing = processed / time.Duration(processedCount)
	}
	return summary, nil
}

////////////////////////////////////////////////////////////////////////////////
// Images

func (d *Datastore) NewImage(ctx context.Context, image *podsub.Image) (*podsub.Image, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	d.imageID++
	stored := cloneImage(image)
	stored.ID = d.imageID
	stored.CreatedAt = d.clock.Now()
	d.images[stored.ID] = stored

	return cloneImage(stored), nil
}

func (d *Datastore) Image(ctx context.Context, id uint) (*podsub.Image, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	image, ok := d.images[id]
	if !ok {
		return nil, notFound("Image", id)
	}
	return cloneImage(image), nil
}

func (d *Datastore) SaveImage(ctx context.Context, image *podsub.Image) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	existing, ok := d.images[image.ID]
	if !ok {
		return notFound("Image", image.ID)
	}
	stored := cloneImage(image)
	stored.CreatedAt = existing.CreatedAt
	d.images[image.ID] = stored
	return nil
}

func (d *Datastore) ListImages(ctx context.Context, jobID uint) ([]*podsub.Image, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	var out []*podsub.Image
	for _, image := range d.images {
		if image.JobID == jobID {
			out = append(out, cloneImage(image))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

////////////////////////////////////////////////////////////////////////////////
// Products

func (d *Datastore) NewProduct(ctx context.Context, product *podsub.Product) (*podsub.Product, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	// One listing per job, image and platform, matching the durable store's
	// unique key.
	for _, existing := range d.products {
		if existing.JobID == product.JobID && existing.ImageID == product.ImageID &&
			existing.Platform == product.Platform {
			return nil, &existsError{resource: "Product"}
		}
	}

	d.productID++
	stored := cloneProduct(product)
	stored.ID = d.productID
	if stored.PublishStatus == "" {
		stored.PublishStatus = podsub.PublishStatusPending
	}
	stored.CreatedAt = d.clock.Now()
	d.products[stored.ID] = stored

	return cloneProduct(stored), nil
}

func (d *Datastore) Product(ctx context.Context, id uint) (*podsub.Product, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	product, ok := d.products[id]
	if !ok {
		return nil, notFound("Product", id)
	}
	return cloneProduct(product), nil
}

func (d *Datastore) SaveProduct(ctx context.Context, product *podsub.Product) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	existing, ok := d.products[product.ID]
	if !ok {
		return notFound("Product", product.ID)
	}
	stored := cloneProduct(product)
	stored.CreatedAt = existing.CreatedAt
	d.products[product.ID] = stored
	return nil
}

func (d *Datastore) ListProducts(ctx context.Context, jobID uint) ([]*podsub.Product, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	var out []*podsub.Product
	for _, product := range d.products {
		if product.JobID == jobID {
			out = append(out, cloneProduct(product))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

////////////////////////////////////////////////////////////////////////////////
// Workers

func (d *Datastore) RegisterWorker(ctx context.Context, worker *podsub.Worker) (*podsub.Worker, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	stored := cloneWorker(worker)
	now := d.clock.Now()
	if stored.StartedAt.IsZero() {
		stored.StartedAt = now
	}
	if stored.LastHeartbeat.IsZero() {
		stored.LastHeartbeat = now
	}
	if stored.Status == "" {
		stored.Status = podsub.WorkerStatusIdle
	}
	d.workers[stored.ID] = stored

	return cloneWorker(stored), nil
}

func (d *Datastore) Worker(ctx context.Context, id string) (*podsub.Worker, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	worker, ok := d.workers[id]
	if !ok {
		return nil, notFound("Worker", id)
	}
	return cloneWorker(worker), nil
}

func (d *Datastore) UpdateWorker(ctx context.Context, worker *podsub.Worker) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	existing, ok := d.workers[worker.ID]
	if !ok {
		return notFound("Worker", worker.ID)
	}
	stored := cloneWorker(worker)
	stored.StartedAt = existing.StartedAt
	d.workers[worker.ID] = stored
	return nil
}

func (d *Datastore) RecordWorkerHeartbeat(ctx context.Context, id string, t time.Time) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	worker, ok := d.workers[id]
	if !ok {
		return notFound("Worker", id)
	}
	worker.LastHeartbeat = t
	return nil
}

func (d *Datastore) ListWorkers(ctx context.Context) ([]*podsub.Worker, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	out := make([]*podsub.Worker, 0, len(d.workers))
	for _, worker := range d.workers {
		out = append(out, cloneWorker(worker))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

////////////////////////////////////////////////////////////////////////////////
// Metrics

func (d *Datastore) RecordMetric(ctx context.Context, metric *podsub.Metric) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	d.metricID++
	stored := cloneMetric(metric)
	stored.ID = d.metricID
	if stored.RecordedAt.IsZero() {
		stored.RecordedAt = d.clock.Now()
	}
	d.metrics.Push(stored)
	return nil
}

func (d *Datastore) ListMetrics(ctx context.Context, filter podsub.MetricFilter) ([]*podsub.Metric, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	var out []*podsub.Metric
	for _, metric := range d.metrics.All() {
		if filter.Name != "" && metric.Name != filter.Name {
			continue
		}
		if filter.Type != "" && metric.Type != filter.Type {
			continue
		}
		if !filter.Since.IsZero() && metric.RecordedAt.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && metric.RecordedAt.After(filter.Until) {
			continue
		}
		out = append(out, cloneMetric(metric))
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

////////////////////////////////////////////////////////////////////////////////
// Logs

func (d *Datastore) NewLogEntry(ctx context.Context, entry *podsub.LogEntry) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	d.logID++
	stored := cloneLog(entry)
	stored.ID = d.logID
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = d.clock.Now()
	}
	if stored.Level == "" {
		stored.Level = podsub.LogLevelInfo
	}
	d.logs.Push(stored)
	return nil
}

func (d *Datastore) ListLogs(ctx context.Context, filter podsub.LogFilter) ([]*podsub.LogEntry, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	var out []*podsub.LogEntry
	for _, entry := range d.logs.All() {
		if filter.JobID != nil && (entry.JobID == nil || *entry.JobID != *filter.JobID) {
			continue
		}
		if filter.MinLevel != "" && !entry.Level.AtLeast(filter.MinLevel) {
			continue
		}
		if !filter.Since.IsZero() && entry.CreatedAt.Before(filter.Since) {
			continue
		}
		out = append(out, cloneLog(entry))
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

////////////////////////////////////////////////////////////////////////////////
// Copy helpers

func cloneJob(j *podsub.Job) *podsub.Job {
	c := *j
	c.Request = slices.Clone(j.Request)
	if j.Result != nil {
		r := slices.Clone(*j.Result)
		c.Result = &r
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func cloneImage(i *podsub.Image) *podsub.Image {
	c := *i
	c.Metadata = maps.Clone(i.Metadata)
	return &c
}

func cloneProduct(p *podsub.Product) *podsub.Product {
	c := *p
	return &c
}

func cloneWorker(w *podsub.Worker) *podsub.Worker {
	c := *w
	if w.CurrentJobID != nil {
		id := *w.CurrentJobID
		c.CurrentJobID = &id
	}
	c.Metadata = maps.Clone(w.Metadata)
	return &c
}

func cloneMetric(m *podsub.Metric) *podsub.Metric {
	c := *m
	c.Labels = maps.Clone(m.Labels)
	return &c
}

func cloneLog(l *podsub.LogEntry) *podsub.LogEntry {
	c := *l
	if l.JobID != nil {
		id := *l.JobID
		c.JobID = &id
	}
	c.Metadata = maps.Clone(l.Metadata)
	return &c
}
