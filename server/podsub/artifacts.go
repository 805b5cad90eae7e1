package podsub

import "time"

// Image is a generated artifact recorded against its owning job for
// traceability. Rows are written by the engine right after the pipeline
// returns and are never mutated by the queue.
type Image struct {
	ID          uint              `json:"id" db:"id"`
	JobID       uint              `json:"job_id" db:"job_id"`
	URL         string            `json:"url" db:"url"`
	StoragePath string            `json:"storage_path" db:"storage_path"`
	Prompt      string            `json:"prompt" db:"prompt"`
	Provider    string            `json:"provider" db:"provider"`
	Metadata    map[string]string `json:"metadata" db:"-"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
}

// PublishStatus tracks a product listing through publication.
type PublishStatus string

const (
	PublishStatusPending   PublishStatus = "pending"
	PublishStatusPublished PublishStatus = "published"
	PublishStatusFailed    PublishStatus = "failed"
)

// Product is a commerce listing created from a generated image.
type Product struct {
	ID            uint          `json:"id" db:"id"`
	JobID         uint          `json:"job_id" db:"job_id"`
	ImageID       uint          `json:"image_id" db:"image_id"`
	Platform      string        `json:"platform" db:"platform"`
	ExternalID    string        `json:"external_id" db:"external_id"`
	Title         string        `json:"title" db:"title"`
	URL           string        `json:"url" db:"url"`
	PublishStatus PublishStatus `json:"publish_status" db:"publish_status"`
	PublishError  string        `json:"publish_error" db:"publish_error"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
}
