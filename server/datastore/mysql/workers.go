package mysql

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/contexts/ctxerr"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/podsub"
)

const selectWorkerSQL = `
	SELECT id, hostname, status, current_job_id, last_heartbeat, started_at,
		jobs_processed, jobs_failed, metadata
	FROM workers
`

type workerRow struct {
	podsub.Worker
	RawMetadata []byte `db:"metadata"`
}

func (r *workerRow) unpack() (*podsub.Worker, error) {
	worker := r.Worker
	metadata, err := unmarshalMap(r.RawMetadata)
	if err != nil {
		return nil, err
	}
	worker.Metadata = metadata
	return &worker, nil
}

// RegisterWorker upserts the worker row. An engine re-registering under the
// same id after a restart simply overwrites its previous identity.
func (ds *Datastore) RegisterWorker(ctx context.Context, worker *podsub.Worker) (*podsub.Worker, error) {
	metadata, err := marshalMap(worker.Metadata)
	if err != nil {
		return nil, ctxerr.Wrap(ctx, err, "marshal worker metadata")
	}

	now := ds.clock.Now()
	stored := *worker
	if stored.Status == "" {
		stored.Status = podsub.WorkerStatusIdle
	}
	if stored.StartedAt.IsZero() {
		stored.StartedAt = now
	}
	if stored.LastHeartbeat.IsZero() {
		stored.LastHeartbeat = now
	}

	sqlStatement := `
		INSERT INTO workers (
			id, hostname, status, current_job_id, last_heartbeat, started_at,
			jobs_processed, jobs_failed, metadata
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			hostname = VALUES(hostname),
			status = VALUES(status),
			current_job_id = VALUES(current_job_id),
			last_heartbeat = VALUES(last_heartbeat),
			started_at = VALUES(started_at),
			jobs_processed = VALUES(jobs_processed),
			jobs_failed = VALUES(jobs_failed),
			metadata = VALUES(metadata)
	`
	err = ds.withRetryTxx(ctx, func(tx sqlx.ExtContext) error {
		_, err := tx.ExecContext(ctx, sqlStatement,
			stored.ID, stored.Hostname, stored.Status, stored.CurrentJobID,
			stored.LastHeartbeat, stored.StartedAt,
			stored.JobsProcessed, stored.JobsFailed, metadata,
		)
		return ctxerr.Wrap(ctx, err, "upsert worker")
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

func (ds *Datastore) Worker(ctx context.Context, id string) (*podsub.Worker, error) {
	var row workerRow
	err := sqlx.GetContext(ctx, ds.db, &row, selectWorkerSQL+`WHERE id = ?`, id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, ctxerr.Wrap(ctx, notFound("Worker").WithName(id), "get worker")
	case err != nil:
		return nil, ctxerr.Wrap(ctx, err, "select worker")
	}
	worker, err := row.unpack()
	if err != nil {
		return nil, ctxerr.Wrap(ctx, err, "unpack worker")
	}
	return worker, nil
}

func (ds *Datastore) UpdateWorker(ctx context.Context, worker *podsub.Worker) error {
	metadata, err := marshalMap(worker.Metadata)
	if err != nil {
		return ctxerr.Wrap(ctx, err, "marshal worker metadata")
	}

	return ds.withRetryTxx(ctx, func(tx sqlx.ExtContext) error {
		sqlStatement := `
			UPDATE workers SET
				hostname = ?, status = ?, current_job_id = ?, last_heartbeat = ?,
				jobs_processed = ?, jobs_failed = ?, metadata = ?
			WHERE id = ?
		`
		result, err := tx.ExecContext(ctx, sqlStatement,
			worker.Hostname, worker.Status, worker.CurrentJobID, worker.LastHeartbeat,
			worker.JobsProcessed, worker.JobsFailed, metadata,
			worker.ID,
		)
		if err != nil {
			return ctxerr.Wrap(ctx, err, "update worker")
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return ctxerr.Wrap(ctx, err, "rows affected updating worker")
		}
		if rows == 0 {
			return ctxerr.Wrap(ctx, notFound("Worker").WithName(worker.ID), "update worker")
		}
		return nil
	})
}

// RecordWorkerHeartbeat refreshes liveness without touching the rest of the
// row; it runs on every heartbeat tick so it stays a single cheap statement.
func (ds *Datastore) RecordWorkerHeartbeat(ctx context.Context, id string, t time.Time) error {
	result, err := ds.db.ExecContext(ctx,
		`UPDATE workers SET last_heartbeat = ? WHERE id = ?`, t, id)
	if err != nil {
		return ctxerr.Wrap(ctx, err, "record worker heartbeat")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return ctxerr.Wrap(ctx, err, "rows affected recording heartbeat")
	}
	if rows == 0 {
		return ctxerr.Wrap(ctx, notFound("Worker").WithName(id), "record worker heartbeat")
	}
	return nil
}

func (ds *Datastore) ListWorkers(ctx context.Context) ([]*podsub.Worker, error) {
	var rows []workerRow
	if err := sqlx.SelectContext(ctx, ds.db, &rows, selectWorkerSQL+`ORDER BY id`); err != nil {
		return nil, ctxerr.Wrap(ctx, err, "list workers")
	}

	workers := make([]*podsub.Worker, 0, len(rows))
	for i := range rows {
		worker, err := rows[i].unpack()
		if err != nil {
			return nil, ctxerr.Wrap(ctx, err, "unpack worker")
		}
		workers = append(workers, worker)
	}
	return workers, nil
}
