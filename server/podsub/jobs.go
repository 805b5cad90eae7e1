package podsub

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a production job.
//
//	            ┌──────────────┐
//	            │  (retrying)  │
//	            ▼              │
//	Queued───►Processing───►Failed
//	               │
//	               └───────►Completed
//
// A failed attempt re-enters Queued through the queue's retry path while
// RetryCount < MaxRetries; Completed and Failed (retries exhausted) are
// terminal.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job describes one unit of production work started via Engine.SubmitJob.
// The request payload is opaque to the queue; only the engine interprets it.
type Job struct {
	ID          uint             `json:"id" db:"id"`
	Status      JobStatus        `json:"status" db:"status"`
	Priority    int              `json:"priority" db:"priority"`
	Request     json.RawMessage  `json:"request" db:"request"`
	Result      *json.RawMessage `json:"result" db:"result"`
	Error       string           `json:"error" db:"error"`
	RetryCount  int              `json:"retry_count" db:"retry_count"`
	MaxRetries  int              `json:"max_retries" db:"max_retries"`
	WorkerID    string           `json:"worker_id" db:"worker_id"`
	CreatedAt   time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at" db:"updated_at"`
	StartedAt   *time.Time       `json:"started_at" db:"started_at"`
	CompletedAt *time.Time       `json:"completed_at" db:"completed_at"`
}

// Terminal reports whether the job reached a final state.
func (j *Job) Terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// JobFilter selects jobs for ListJobs. Zero values mean "any".
type JobFilter struct {
	Status   JobStatus
	WorkerID string
	// Limit caps the number of returned rows, newest first. 0 means no cap.
	Limit int
}

// JobSummary aggregates the job table for dashboards: totals per terminal
// outcome since a point in time plus the average processing duration of
// completed jobs.
type JobSummary struct {
	Total         int           `json:"total"`
	Completed     int           `json:"completed"`
	Failed        int           `json:"failed"`
	AvgProcessing time.Duration `json:"avg_processing"`
}

// SuccessRate is completed/(completed+failed), or 0 when nothing terminal yet.
func (s *JobSummary) SuccessRate() float64 {
	done := s.Completed + s.Failed
	if done == 0 {
		return 0
	}
	return float64(s.Completed) / float64(done)
}

// SubmitOptions tune admission of a single job.
type SubmitOptions struct {
	// Priority orders pending jobs, higher first. Ties dispatch in admission
	// order.
	Priority int
	// MaxRetries bounds queue-level retries for this job. Negative means use
	// the queue default.
	MaxRetries int
}

// GenerationRequest is the payload handed to the generation pipeline for one
// job: what to produce and where to publish it.
type GenerationRequest struct {
	Theme    string   `json:"theme"`
	Style    string   `json:"style,omitempty"`
	Count    int      `json:"count"`
	Platform string   `json:"platform"`
	Tags     []string `json:"tags,omitempty"`
}

// Validate rejects requests that cannot be admitted. Admission errors never
// create a job row.
func (r *GenerationRequest) Validate() error {
	var invalid InvalidArgumentError
	if r == nil {
		invalid.Append("request", "missing")
		return &invalid
	}
	if r.Theme == "" {
		invalid.Append("theme", "cannot be empty")
	}
	if r.Count <= 0 {
		invalid.Append("count", "must be positive")
	}
	if r.Platform == "" {
		invalid.Append("platform", "cannot be empty")
	}
	if len(invalid.Errors) > 0 {
		return &invalid
	}
	return nil
}

// GenerationResult is what the pipeline returns for a completed job.
type GenerationResult struct {
	Images   []GeneratedImage `json:"images"`
	Listings []PublishOutcome `json:"listings"`
}

// GeneratedImage references one artifact produced by the generation step.
type GeneratedImage struct {
	URL         string            `json:"url"`
	StoragePath string            `json:"storage_path,omitempty"`
	Prompt      string            `json:"prompt,omitempty"`
	Provider    string            `json:"provider,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// PublishOutcome reports one marketplace listing attempt.
type PublishOutcome struct {
	Platform   string `json:"platform"`
	ExternalID string `json:"external_id,omitempty"`
	Title      string `json:"title,omitempty"`
	URL        string `json:"url,omitempty"`
	ImageURL   string `json:"image_url,omitempty"`
	Published  bool   `json:"published"`
	Error      string `json:"error,omitempty"`
}
