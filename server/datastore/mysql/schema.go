package mysql

import (
	"context"

	"github.com/go-kit/log/level"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/contexts/ctxerr"
)

// tables is the full podsub schema. Statements are idempotent so
// `podsub prepare db` can run on every deploy.
var tables = []struct {
	name   string
	schema string
}{
	{
		name: "jobs",
		schema: `
CREATE TABLE IF NOT EXISTS jobs (
	id INT UNSIGNED NOT NULL AUTO_INCREMENT,
	status VARCHAR(16) NOT NULL DEFAULT 'queued',
	priority INT NOT NULL DEFAULT 0,
	request JSON NOT NULL,
	result JSON,
	error TEXT NOT NULL,
	retry_count INT NOT NULL DEFAULT 0,
	max_retries INT NOT NULL DEFAULT 0,
	worker_id VARCHAR(64) NOT NULL DEFAULT '',
	created_at DATETIME(6) NOT NULL,
	updated_at DATETIME(6) NOT NULL,
	started_at DATETIME(6),
	completed_at DATETIME(6),
	PRIMARY KEY (id),
	KEY idx_jobs_status (status),
	KEY idx_jobs_worker_id (worker_id),
	KEY idx_jobs_updated_at (updated_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	},
	{
		name: "images",
		schema: `
CREATE TABLE IF NOT EXISTS images (
	id INT UNSIGNED NOT NULL AUTO_INCREMENT,
	job_id INT UNSIGNED NOT NULL,
	url TEXT NOT NULL,
	storage_path VARCHAR(255) NOT NULL DEFAULT '',
	prompt TEXT NOT NULL,
	provider VARCHAR(64) NOT NULL DEFAULT '',
	metadata JSON,
	created_at DATETIME(6) NOT NULL,
	PRIMARY KEY (id),
	KEY idx_images_job_id (job_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	},
	{
		name: "products",
		schema: `
CREATE TABLE IF NOT EXISTS products (
	id INT UNSIGNED NOT NULL AUTO_INCREMENT,
	job_id INT UNSIGNED NOT NULL,
	image_id INT UNSIGNED NOT NULL,
	platform VARCHAR(64) NOT NULL DEFAULT '',
	external_id VARCHAR(255) NOT NULL DEFAULT '',
	title VARCHAR(255) NOT NULL DEFAULT '',
	url TEXT NOT NULL,
	publish_status VARCHAR(16) NOT NULL DEFAULT 'pending',
	publish_error TEXT NOT NULL,
	created_at DATETIME(6) NOT NULL,
	PRIMARY KEY (id),
	UNIQUE KEY unq_products_job_image_platform (job_id, image_id, platform),
	KEY idx_products_job_id (job_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	},
	{
		name: "workers",
		schema: `
CREATE TABLE IF NOT EXISTS workers (
	id VARCHAR(64) NOT NULL,
	hostname VARCHAR(255) NOT NULL DEFAULT '',
	status VARCHAR(16) NOT NULL DEFAULT 'idle',
	current_job_id INT UNSIGNED,
	last_heartbeat DATETIME(6) NOT NULL,
	started_at DATETIME(6) NOT NULL,
	jobs_processed INT NOT NULL DEFAULT 0,
	jobs_failed INT NOT NULL DEFAULT 0,
	metadata JSON,
	PRIMARY KEY (id),
	KEY idx_workers_last_heartbeat (last_heartbeat)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	},
	{
		name: "metrics",
		schema: `
CREATE TABLE IF NOT EXISTS metrics (
	id INT UNSIGNED NOT NULL AUTO_INCREMENT,
	type VARCHAR(16) NOT NULL,
	name VARCHAR(255) NOT NULL,
	value DOUBLE NOT NULL DEFAULT 0,
	labels JSON,
	recorded_at DATETIME(6) NOT NULL,
	PRIMARY KEY (id),
	KEY idx_metrics_name_recorded_at (name, recorded_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	},
	{
		name: "logs",
		schema: `
CREATE TABLE IF NOT EXISTS logs (
	id INT UNSIGNED NOT NULL AUTO_INCREMENT,
	job_id INT UNSIGNED,
	level VARCHAR(16) NOT NULL DEFAULT 'info',
	message TEXT NOT NULL,
	metadata JSON,
	created_at DATETIME(6) NOT NULL,
	PRIMARY KEY (id),
	KEY idx_logs_job_id (job_id),
	KEY idx_logs_created_at (created_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	},
}

// MigrateTables brings the schema up. Every statement is IF NOT EXISTS so the
// command can run against an already-prepared database.
func (ds *Datastore) MigrateTables(ctx context.Context) error {
	for _, table := range tables {
		if _, err := ds.db.ExecContext(ctx, table.schema); err != nil {
			return ctxerr.Wrapf(ctx, err, "create table %s", table.name)
		}
		level.Debug(ds.logger).Log("msg", "ensured table", "table", table.name)
	}
	return nil
}
