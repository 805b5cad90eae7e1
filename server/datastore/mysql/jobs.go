package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/contexts/ctxerr"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/podsub"
)

const selectJobSQL = `
	SELECT
		id, status, priority, request, result, error,
		retry_count, max_retries, worker_id,
		created_at, updated_at, started_at, completed_at
	FROM jobs
`

func (ds *Datastore) NewJob(ctx context.Context, job *podsub.Job) (*podsub.Job, error) {
	sqlStatement := `
		INSERT INTO jobs (
			status, priority, request, result, error,
			retry_count, max_retries, worker_id,
			created_at, updated_at, started_at, completed_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	now := ds.clock.Now()
	status := job.Status
	if status == "" {
		status = podsub.JobStatusQueued
	}

	result, err := ds.db.ExecContext(ctx, sqlStatement,
		status,
		job.Priority,
		[]byte(job.Request),
		rawResult(job.Result),
		job.Error,
		job.RetryCount,
		job.MaxRetries,
		job.WorkerID,
		now,
		now,
		job.StartedAt,
		job.CompletedAt,
	)
	if err != nil {
		return nil, ctxerr.Wrap(ctx, err, "insert job")
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, ctxerr.Wrap(ctx, err, "last insert id for job")
	}

	created := *job
	created.ID = uint(id)
	created.Status = status
	created.CreatedAt = now
	created.UpdatedAt = now
	return &created, nil
}

func (ds *Datastore) Job(ctx context.Context, id uint) (*podsub.Job, error) {
	var job podsub.Job
	err := sqlx.GetContext(ctx, ds.db, &job, selectJobSQL+`WHERE id = ?`, id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, ctxerr.Wrap(ctx, notFound("Job").WithID(id), "get job")
	case err != nil:
		return nil, ctxerr.Wrap(ctx, err, "select job")
	}
	return &job, nil
}

func (ds *Datastore) UpdateJob(ctx context.Context, id uint, job *podsub.Job) (*podsub.Job, error) {
	var updated podsub.Job
	err := ds.withRetryTxx(ctx, func(tx sqlx.ExtContext) error {
		sqlStatement := `
			UPDATE jobs SET
				status = ?, priority = ?, request = ?, result = ?, error = ?,
				retry_count = ?, max_retries = ?, worker_id = ?,
				updated_at = ?, started_at = ?, completed_at = ?
			WHERE id = ?
		`
		result, err := tx.ExecContext(ctx, sqlStatement,
			job.Status,
			job.Priority,
			[]byte(job.Request),
			rawResult(job.Result),
			job.Error,
			job.RetryCount,
			job.MaxRetries,
			job.WorkerID,
			ds.clock.Now(),
			job.StartedAt,
			job.CompletedAt,
			id,
		)
		if err != nil {
			return ctxerr.Wrap(ctx, err, "update job")
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return ctxerr.Wrap(ctx, err, "rows affected updating job")
		}
		// clientFoundRows is set, so zero means the row does not exist.
		if rows == 0 {
			return ctxerr.Wrap(ctx, notFound("Job").WithID(id), "update job")
		}

		if err := sqlx.GetContext(ctx, tx, &updated, selectJobSQL+`WHERE id = ?`, id); err != nil {
			return ctxerr.Wrap(ctx, err, "reload updated job")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (ds *Datastore) ListJobs(ctx context.Context, filter podsub.JobFilter) ([]*podsub.Job, error) {
	sqlStatement := selectJobSQL
	var conditions []string
	var args []interface{}

	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.WorkerID != "" {
		conditions = append(conditions, "worker_id = ?")
		args = append(args, filter.WorkerID)
	}
	if len(conditions) > 0 {
		sqlStatement += "WHERE " + strings.Join(conditions, " AND ") + "\n"
	}
	sqlStatement += "ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		sqlStatement += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	var jobs []*podsub.Job
	if err := sqlx.SelectContext(ctx, ds.db, &jobs, sqlStatement, args...); err != nil {
		return nil, ctxerr.Wrap(ctx, err, "list jobs")
	}
	return jobs, nil
}

func (ds *Datastore) DeleteJob(ctx context.Context, id uint) error {
	result, err := ds.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return ctxerr.Wrap(ctx, err, "delete job")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return ctxerr.Wrap(ctx, err, "rows affected deleting job")
	}
	if rows == 0 {
		return ctxerr.Wrap(ctx, notFound("Job").WithID(id), "delete job")
	}
	return nil
}

func (ds *Datastore) CountJobsByStatus(ctx context.Context) (map[podsub.JobStatus]int, error) {
	var rows []struct {
		Status podsub.JobStatus `db:"status"`
		Count  int              `db:"count"`
	}
	sqlStatement := `SELECT status, COUNT(*) AS count FROM jobs GROUP BY status`
	if err := sqlx.SelectContext(ctx, ds.db, &rows, sqlStatement); err != nil {
		return nil, ctxerr.Wrap(ctx, err, "count jobs by status")
	}

	counts := map[podsub.JobStatus]int{
		podsub.JobStatusQueued:     0,
		podsub.JobStatusProcessing: 0,
		podsub.JobStatusCompleted:  0,
		podsub.JobStatusFailed:     0,
		podsub.JobStatusRetrying:   0,
	}
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

func (ds *Datastore) JobSummary(ctx context.Context, since time.Time) (*podsub.JobSummary, error) {
	sqlStatement := `
		SELECT
			COUNT(*) AS total,
			COALESCE(SUM(status = 'completed'), 0) AS completed,
			COALESCE(SUM(status = 'failed'), 0) AS failed,
			AVG(CASE WHEN status = 'completed'
				THEN TIMESTAMPDIFF(MICROSECOND, started_at, completed_at) / 1000
				END) AS avg_ms
		FROM jobs
	`
	var args []interface{}
	if !since.IsZero() {
		sqlStatement += `WHERE updated_at >= ?`
		args = append(args, since)
	}

	var row struct {
		Total     int             `db:"total"`
		Completed int             `db:"completed"`
		Failed    int             `db:"failed"`
		AvgMs     sql.NullFloat64 `db:"avg_ms"`
	}
	if err := sqlx.GetContext(ctx, ds.db, &row, sqlStatement, args...); err != nil {
		return nil, ctxerr.Wrap(ctx, err, "job summary")
	}

	summary := &podsub.JobSummary{
		Total:     row.Total,
		Completed: row.Completed,
		Failed:    row.Failed,
	}
	if row.AvgMs.Valid {
		summary.AvgProcessing = time.Duration(row.AvgMs.Float64 * float64(time.Millisecond))
	}
	return summary, nil
}

// rawResult converts the optional result payload for the driver; a nil
// pointer must become a SQL NULL, not an empty blob.
func rawResult(r *json.RawMessage) []byte {
	if r == nil {
		return nil
	}
	return []byte(*r)
}
