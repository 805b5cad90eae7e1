package podsub

import (
	"context"
	"time"

	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/health"
)

// Datastore combines all durable state owned by the orchestration core: jobs,
// generation artifacts, worker identities, and the append-only metric/log
// event tables. The queue never touches it directly; engines do, on behalf of
// their queue's callbacks, and monitoring reads from it.
//
// Implementations must tolerate concurrent writers to different job ids, and
// must not require a transaction to stay open across job execution.
type Datastore interface {
	health.Checker

	///////////////////////////////////////////////////////////////////////////
	// JobStore

	// NewJob inserts a job row, assigning its id and timestamps.
	NewJob(ctx context.Context, job *Job) (*Job, error)
	// Job retrieves a job by id.
	Job(ctx context.Context, id uint) (*Job, error)
	// UpdateJob overwrites the mutable columns of an existing job. A missing
	// id yields a NotFoundError; the caller decides whether that is fatal.
	UpdateJob(ctx context.Context, id uint, job *Job) (*Job, error)
	// ListJobs returns jobs matching the filter, newest first.
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)
	// DeleteJob permanently removes a job row. Jobs are never deleted
	// automatically; this is the explicit administrative operation.
	DeleteJob(ctx context.Context, id uint) error
	// CountJobsByStatus returns the current number of jobs per status.
	CountJobsByStatus(ctx context.Context) (map[JobStatus]int, error)
	// JobSummary aggregates terminal outcomes and average processing time for
	// jobs updated since the given time.
	JobSummary(ctx context.Context, since time.Time) (*JobSummary, error)

	///////////////////////////////////////////////////////////////////////////
	// ImageStore

	NewImage(ctx context.Context, image *Image) (*Image, error)
	Image(ctx context.Context, id uint) (*Image, error)
	SaveImage(ctx context.Context, image *Image) error
	// ListImages returns the images recorded for a job, oldest first.
	ListImages(ctx context.Context, jobID uint) ([]*Image, error)

	///////////////////////////////////////////////////////////////////////////
	// ProductStore

	NewProduct(ctx context.Context, product *Product) (*Product, error)
	Product(ctx context.Context, id uint) (*Product, error)
	SaveProduct(ctx context.Context, product *Product) error
	// ListProducts returns the products recorded for a job, oldest first.
	ListProducts(ctx context.Context, jobID uint) ([]*Product, error)

	///////////////////////////////////////////////////////////////////////////
	// WorkerStore

	// RegisterWorker upserts a worker identity row keyed by its id.
	RegisterWorker(ctx context.Context, worker *Worker) (*Worker, error)
	Worker(ctx context.Context, id string) (*Worker, error)
	// UpdateWorker overwrites status, current job, counters and heartbeat of
	// an existing worker row.
	UpdateWorker(ctx context.Context, worker *Worker) error
	// RecordWorkerHeartbeat refreshes only the liveness timestamp.
	RecordWorkerHeartbeat(ctx context.Context, id string, t time.Time) error
	ListWorkers(ctx context.Context) ([]*Worker, error)

	///////////////////////////////////////////////////////////////////////////
	// MetricStore (append-only)

	RecordMetric(ctx context.Context, metric *Metric) error
	// ListMetrics returns samples matching the filter ordered by RecordedAt.
	ListMetrics(ctx context.Context, filter MetricFilter) ([]*Metric, error)

	///////////////////////////////////////////////////////////////////////////
	// LogStore (append-only)

	NewLogEntry(ctx context.Context, entry *LogEntry) error
	// ListLogs returns entries matching the filter ordered by CreatedAt.
	ListLogs(ctx context.Context, filter LogFilter) ([]*LogEntry, error)

	// Name identifies the backing implementation ("inmem", "mysql").
	Name() string
}
