package mysql

import (
	"context"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/contexts/ctxerr"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/podsub"
)

type logRow struct {
	podsub.LogEntry
	RawMetadata []byte `db:"metadata"`
}

func (r *logRow) unpack() (*podsub.LogEntry, error) {
	entry := r.LogEntry
	metadata, err := unmarshalMap(r.RawMetadata)
	if err != nil {
		return nil, err
	}
	entry.Metadata = metadata
	return &entry, nil
}

func (ds *Datastore) NewLogEntry(ctx context.Context, entry *podsub.LogEntry) error {
	metadata, err := marshalMap(entry.Metadata)
	if err != nil {
		return ctxerr.Wrap(ctx, err, "marshal log metadata")
	}

	level := entry.Level
	if level == "" {
		level = podsub.LogLevelInfo
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = ds.clock.Now()
	}

	sqlStatement := `
		INSERT INTO logs (job_id, level, message, metadata, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err = ds.db.ExecContext(ctx, sqlStatement,
		entry.JobID, level, entry.Message, metadata, createdAt,
	)
	return ctxerr.Wrap(ctx, err, "insert log entry")
}

func (ds *Datastore) ListLogs(ctx context.Context, filter podsub.LogFilter) ([]*podsub.LogEntry, error) {
	sqlStatement := `
		SELECT id, job_id, level, message, metadata, created_at
		FROM logs
	`
	var conditions []string
	var args []interface{}

	if filter.JobID != nil {
		conditions = append(conditions, "job_id = ?")
		args = append(args, *filter.JobID)
	}
	if filter.MinLevel != "" {
		conditions = append(conditions, "level IN (?)")
		args = append(args, podsub.LogLevelsAtLeast(filter.MinLevel))
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, filter.Since)
	}
	if len(conditions) > 0 {
		sqlStatement += "WHERE " + strings.Join(conditions, " AND ") + "\n"
	}
	sqlStatement += "ORDER BY created_at, id"
	if filter.Limit > 0 {
		sqlStatement += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	sqlStatement, args, err := sqlx.In(sqlStatement, args...)
	if err != nil {
		return nil, ctxerr.Wrap(ctx, err, "expand logs query")
	}

	var rows []logRow
	if err := sqlx.SelectContext(ctx, ds.db, &rows, sqlStatement, args...); err != nil {
		return nil, ctxerr.Wrap(ctx, err, "list logs")
	}

	entries := make([]*podsub.LogEntry, 0, len(rows))
	for i := range rows {
		entry, err := rows[i].unpack()
		if err != nil {
			return nil, ctxerr.Wrap(ctx, err, "unpack log entry")
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
