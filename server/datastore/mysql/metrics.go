package mysql

import (
	"context"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/contexts/ctxerr"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/podsub"
)

type metricRow struct {
	podsub.Metric
	RawLabels []byte `db:"labels"`
}

func (r *metricRow) unpack() (*podsub.Metric, error) {
	metric := r.Metric
	labels, err := unmarshalMap(r.RawLabels)
	if err != nil {
		return nil, err
	}
	metric.Labels = labels
	return &metric, nil
}

// RecordMetric appends one sample. Metrics are fire-and-forget from hot
// paths, so this is a single insert with no transaction.
func (ds *Datastore) RecordMetric(ctx context.Context, metric *podsub.Metric) error {
	labels, err := marshalMap(metric.Labels)
	if err != nil {
		return ctxerr.Wrap(ctx, err, "marshal metric labels")
	}

	recordedAt := metric.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = ds.clock.Now()
	}

	sqlStatement := `
		INSERT INTO metrics (type, name, value, labels, recorded_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err = ds.db.ExecContext(ctx, sqlStatement,
		metric.Type, metric.Name, metric.Value, labels, recordedAt,
	)
	return ctxerr.Wrap(ctx, err, "insert metric")
}

func (ds *Datastore) ListMetrics(ctx context.Context, filter podsub.MetricFilter) ([]*podsub.Metric, error) {
	sqlStatement := `
		SELECT id, type, name, value, labels, recorded_at
		FROM metrics
	`
	var conditions []string
	var args []interface{}

	if filter.Name != "" {
		conditions = append(conditions, "name = ?")
		args = append(args, filter.Name)
	}
	if filter.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, filter.Type)
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "recorded_at >= ?")
		args = append(args, filter.Since)
	}
	if !filter.Until.IsZero() {
		conditions = append(conditions, "recorded_at <= ?")
		args = append(args, filter.Until)
	}
	if len(conditions) > 0 {
		sqlStatement += "WHERE " + strings.Join(conditions, " AND ") + "\n"
	}
	sqlStatement += "ORDER BY recorded_at, id"
	if filter.Limit > 0 {
		sqlStatement += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	var rows []metricRow
	if err := sqlx.SelectContext(ctx, ds.db, &rows, sqlStatement, args...); err != nil {
		return nil, ctxerr.Wrap(ctx, err, "list metrics")
	}

	metrics := make([]*podsub.Metric, 0, len(rows))
	for i := range rows {
		metric, err := rows[i].unpack()
		if err != nil {
			return nil, ctxerr.Wrap(ctx, err, "unpack metric")
		}
		metrics = append(metrics, metric)
	}
	return metrics, nil
}
