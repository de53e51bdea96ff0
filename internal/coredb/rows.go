package coredb

import (
	"database/sql"

	"github.com/taurusmon/taurusmon/pkg/models"
)

// MetricDataRows is a forward-only cursor over metric data points. Callers
// must Close it and must not share it across goroutines; the underlying
// sql.Rows is single-consumer.
type MetricDataRows struct {
	rows *sql.Rows
	cur  models.MetricData
	err  error
}

// Next advances to the next row. Returns false at the end of the result set
// or on error; check Err after the loop.
func (r *MetricDataRows) Next() bool {
	if r.err != nil || !r.rows.Next() {
		return false
	}
	r.err = r.rows.Scan(&r.cur.MetricID, &r.cur.Timestamp, &r.cur.Value, &r.cur.AnomalyScore, &r.cur.RowID)
	return r.err == nil
}

// Record returns the row most recently advanced to.
func (r *MetricDataRows) Record() models.MetricData {
	return r.cur
}

// Err returns the first error encountered during iteration.
func (r *MetricDataRows) Err() error {
	if r.err != nil {
		return r.err
	}
	return r.rows.Err()
}

// Close releases the cursor. Safe to call more than once.
func (r *MetricDataRows) Close() error {
	return r.rows.Close()
}

// InstanceDataRows is a forward-only cursor over instance rollup rows, with
// the same single-consumer contract as MetricDataRows.
type InstanceDataRows struct {
	rows *sql.Rows
	cur  models.InstanceData
	err  error
}

// Next advances to the next row.
func (r *InstanceDataRows) Next() bool {
	if r.err != nil || !r.rows.Next() {
		return false
	}
	var agg int
	r.err = r.rows.Scan(&r.cur.InstanceID, &agg, &r.cur.Timestamp, &r.cur.AnomalyScore)
	r.cur.Aggregation = models.AggregationType(agg)
	return r.err == nil
}

// Record returns the row most recently advanced to.
func (r *InstanceDataRows) Record() models.InstanceData {
	return r.cur
}

// Err returns the first error encountered during iteration.
func (r *InstanceDataRows) Err() error {
	if r.err != nil {
		return r.err
	}
	return r.rows.Err()
}

// Close releases the cursor. Safe to call more than once.
func (r *InstanceDataRows) Close() error {
	return r.rows.Close()
}
