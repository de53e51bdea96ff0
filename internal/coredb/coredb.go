// Package coredb is the local store: SQLite persistence for metrics, metric
// data, instance rollups, notifications and annotations, plus a write-through
// in-memory cache of all metric definitions and an instance-to-display-name
// index. All mutations are transactional; batch writes commit atomically.
package coredb

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taurusmon/taurusmon/internal/store"
	"github.com/taurusmon/taurusmon/pkg/models"
)

// CoreDatabase owns all persisted client state. Safe for concurrent use;
// the returned row cursors are not.
type CoreDatabase struct {
	store  *store.SQLiteStore
	logger *zap.Logger

	syncWindow time.Duration // retention window for DeleteOldRecords

	mu            sync.RWMutex
	metrics       map[string]models.Metric // nil until first populated
	instanceNames map[string]string        // instance id -> display name

	cacheFlight flight // guards lazy cache population
	wipeFlight  flight // guards DeleteAll
}

// New migrates the core schema (recreating pre-versioning databases) and
// returns a CoreDatabase. syncWindowDays bounds retention.
func New(ctx context.Context, s *store.SQLiteStore, syncWindowDays int, logger *zap.Logger) (*CoreDatabase, error) {
	applied, err := s.AppliedVersion(ctx, component)
	if err != nil {
		return nil, err
	}
	if applied < recreateFloor {
		legacy, err := hasLegacySchema(ctx, s.DB())
		if err != nil {
			return nil, err
		}
		if legacy {
			logger.Warn("recreating pre-versioning database schema",
				zap.Int("applied_version", applied),
			)
			if err := s.ResetComponent(ctx, component, dropSchema); err != nil {
				return nil, fmt.Errorf("recreate schema: %w", err)
			}
		}
	}
	if err := s.Migrate(ctx, component, migrations()); err != nil {
		return nil, fmt.Errorf("migrate core schema: %w", err)
	}

	return &CoreDatabase{
		store:      s,
		logger:     logger,
		syncWindow: time.Duration(syncWindowDays) * 24 * time.Hour,
	}, nil
}

// hasLegacySchema reports whether core tables exist without any recorded
// migration, i.e. the database predates schema versioning.
func hasLegacySchema(ctx context.Context, db *sql.DB) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'metrics'",
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("inspect schema: %w", err)
	}
	return count > 0, nil
}

// SyncWindow returns the configured retention window.
func (c *CoreDatabase) SyncWindow() time.Duration {
	return c.syncWindow
}

// -- Metric cache --

// ensureCache lazily populates the in-memory metric cache with a full table
// scan, guarded so concurrent first readers trigger exactly one scan.
func (c *CoreDatabase) ensureCache(ctx context.Context) error {
	c.mu.RLock()
	loaded := c.metrics != nil
	c.mu.RUnlock()
	if loaded {
		return nil
	}
	return c.cacheFlight.Do(func() error {
		// Another waiter may have populated it while we queued.
		c.mu.RLock()
		loaded := c.metrics != nil
		c.mu.RUnlock()
		if loaded {
			return nil
		}
		return c.loadCache(ctx)
	})
}

func (c *CoreDatabase) loadCache(ctx context.Context) error {
	rows, err := c.store.DB().QueryContext(ctx, `
		SELECT metric_id, instance_id, server_name, name, last_rowid, last_timestamp, parameters
		FROM metrics`,
	)
	if err != nil {
		return fmt.Errorf("load metric cache: %w", err)
	}
	defer rows.Close()

	metrics := make(map[string]models.Metric)
	names := make(map[string]string)
	for rows.Next() {
		var m models.Metric
		if err := rows.Scan(&m.ID, &m.InstanceID, &m.ServerName, &m.Name,
			&m.LastRowID, &m.LastTimestamp, &m.Parameters); err != nil {
			return fmt.Errorf("scan metric row: %w", err)
		}
		metrics[m.ID] = m
		if _, ok := names[m.InstanceID]; !ok || m.ServerName != "" {
			names[m.InstanceID] = displayName(m)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load metric cache: %w", err)
	}

	c.mu.Lock()
	c.metrics = metrics
	c.instanceNames = names
	c.mu.Unlock()

	c.logger.Debug("metric cache populated", zap.Int("metrics", len(metrics)))
	return nil
}

func displayName(m models.Metric) string {
	if m.ServerName != "" {
		return m.ServerName
	}
	return m.InstanceID
}

// invalidateCache drops the cache so the next read repopulates from disk.
func (c *CoreDatabase) invalidateCache() {
	c.mu.Lock()
	c.metrics = nil
	c.instanceNames = nil
	c.mu.Unlock()
}

// Metric returns the cached metric definition for id.
func (c *CoreDatabase) Metric(ctx context.Context, id string) (models.Metric, bool, error) {
	if err := c.ensureCache(ctx); err != nil {
		return models.Metric{}, false, err
	}
	c.mu.RLock()
	m, ok := c.metrics[id]
	c.mu.RUnlock()
	return m, ok, nil
}

// Metrics returns all cached metric definitions, ordered by id.
func (c *CoreDatabase) Metrics(ctx context.Context) ([]models.Metric, error) {
	if err := c.ensureCache(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	out := make([]models.Metric, 0, len(c.metrics))
	for _, m := range c.metrics {
		out = append(out, m)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// InstanceName returns the display name for an instance id, falling back to
// the id itself when no metric of that instance carried a name.
func (c *CoreDatabase) InstanceName(ctx context.Context, instanceID string) (string, error) {
	if err := c.ensureCache(ctx); err != nil {
		return "", err
	}
	c.mu.RLock()
	name, ok := c.instanceNames[instanceID]
	c.mu.RUnlock()
	if !ok {
		return instanceID, nil
	}
	return name, nil
}

// LastTimestamp returns the newest data-point watermark across all metrics,
// or 0 for an empty database.
func (c *CoreDatabase) LastTimestamp(ctx context.Context) (int64, error) {
	if err := c.ensureCache(ctx); err != nil {
		return 0, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	var last int64
	for _, m := range c.metrics {
		if m.LastTimestamp > last {
			last = m.LastTimestamp
		}
	}
	return last, nil
}

// -- Metric writes --

// AddMetric upserts a metric definition (last write wins) and refreshes the
// cache entry and the instance name index.
func (c *CoreDatabase) AddMetric(ctx context.Context, m *models.Metric) error {
	if err := c.ensureCache(ctx); err != nil {
		return err
	}
	_, err := c.store.DB().ExecContext(ctx, `
		INSERT OR REPLACE INTO metrics (
			metric_id, instance_id, server_name, name, last_rowid, last_timestamp, parameters
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.InstanceID, m.ServerName, m.Name, m.LastRowID, m.LastTimestamp, m.Parameters,
	)
	if err != nil {
		return fmt.Errorf("add metric %s: %w", m.ID, err)
	}
	c.cacheMetric(*m)
	return nil
}

// UpdateMetric updates the server-owned fields of an existing metric,
// preserving the local last_timestamp watermark.
func (c *CoreDatabase) UpdateMetric(ctx context.Context, m *models.Metric) error {
	if err := c.ensureCache(ctx); err != nil {
		return err
	}
	_, err := c.store.DB().ExecContext(ctx, `
		UPDATE metrics
		SET instance_id = ?, server_name = ?, name = ?, last_rowid = ?, parameters = ?
		WHERE metric_id = ?`,
		m.InstanceID, m.ServerName, m.Name, m.LastRowID, m.Parameters, m.ID,
	)
	if err != nil {
		return fmt.Errorf("update metric %s: %w", m.ID, err)
	}

	c.mu.Lock()
	if prev, ok := c.metrics[m.ID]; ok {
		m.LastTimestamp = prev.LastTimestamp
	}
	c.metrics[m.ID] = *m
	c.instanceNames[m.InstanceID] = displayName(*m)
	c.mu.Unlock()
	return nil
}

func (c *CoreDatabase) cacheMetric(m models.Metric) {
	c.mu.Lock()
	if c.metrics != nil {
		c.metrics[m.ID] = m
		c.instanceNames[m.InstanceID] = displayName(m)
	}
	c.mu.Unlock()
}

// DeleteMetric removes a metric and (via FK cascade) its data. When it was
// the instance's last metric, the instance name mapping, rollups and
// annotations for that instance go with it.
func (c *CoreDatabase) DeleteMetric(ctx context.Context, id string) error {
	if err := c.ensureCache(ctx); err != nil {
		return err
	}
	c.mu.RLock()
	m, ok := c.metrics[id]
	c.mu.RUnlock()
	if !ok {
		return nil
	}

	lastOfInstance := true
	c.mu.RLock()
	for _, other := range c.metrics {
		if other.ID != id && other.InstanceID == m.InstanceID {
			lastOfInstance = false
			break
		}
	}
	c.mu.RUnlock()

	err := c.store.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM metrics WHERE metric_id = ?", id); err != nil {
			return fmt.Errorf("delete metric %s: %w", id, err)
		}
		if lastOfInstance {
			if _, err := tx.ExecContext(ctx, "DELETE FROM annotations WHERE instance_id = ?", m.InstanceID); err != nil {
				return fmt.Errorf("delete annotations for %s: %w", m.InstanceID, err)
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM instance_data WHERE instance_id = ?", m.InstanceID); err != nil {
				return fmt.Errorf("delete instance data for %s: %w", m.InstanceID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.metrics, id)
	if lastOfInstance {
		delete(c.instanceNames, m.InstanceID)
	}
	c.mu.Unlock()
	return nil
}

// DeleteInstance removes every metric of the instance (cascading their data)
// plus its rollups and annotations.
func (c *CoreDatabase) DeleteInstance(ctx context.Context, instanceID string) error {
	if err := c.ensureCache(ctx); err != nil {
		return err
	}
	err := c.store.Tx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			"DELETE FROM annotations WHERE instance_id = ?",
			"DELETE FROM instance_data WHERE instance_id = ?",
			"DELETE FROM metrics WHERE instance_id = ?",
		} {
			if _, err := tx.ExecContext(ctx, stmt, instanceID); err != nil {
				return fmt.Errorf("delete instance %s: %w", instanceID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	for id, m := range c.metrics {
		if m.InstanceID == instanceID {
			delete(c.metrics, id)
		}
	}
	delete(c.instanceNames, instanceID)
	c.mu.Unlock()
	return nil
}

// -- Batch writes --

// AddMetricDataBatch inserts a batch of data points in one transaction with
// insert-ignore semantics on (metric_id, row_id): duplicates are dropped,
// never overwritten. Rows naming a metric that is not registered are dropped
// too, so a server response that is ahead of the last metric reconcile cannot
// fail the whole batch on the foreign key. Each metric's last_timestamp
// watermark advances, in the same transaction, to the max timestamp actually
// inserted for it when that is strictly newer. Returns whether at least one
// row was newly inserted. An empty batch is a no-op returning false.
func (c *CoreDatabase) AddMetricDataBatch(ctx context.Context, batch []models.MetricData) (bool, error) {
	if len(batch) == 0 {
		return false, nil
	}
	if err := c.ensureCache(ctx); err != nil {
		return false, err
	}

	c.mu.RLock()
	known := make(map[string]bool, len(c.metrics))
	for id := range c.metrics {
		known[id] = true
	}
	c.mu.RUnlock()

	inserted := false
	advanced := make(map[string]int64) // metric id -> new watermark

	err := c.store.Tx(ctx, func(tx *sql.Tx) error {
		ins, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO metric_data (metric_id, row_id, timestamp, value, anomaly_score)
			VALUES (?, ?, ?, ?, ?)`,
		)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer ins.Close()

		maxTS := make(map[string]int64)
		for i := range batch {
			d := &batch[i]
			if !known[d.MetricID] {
				continue // metric not registered, row dropped
			}
			res, err := ins.ExecContext(ctx, d.MetricID, d.RowID, d.Timestamp, d.Value, d.AnomalyScore)
			if err != nil {
				return fmt.Errorf("insert data point %s/%d: %w", d.MetricID, d.RowID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			if n == 0 {
				continue // duplicate rowid for this metric, dropped
			}
			inserted = true
			if d.Timestamp > maxTS[d.MetricID] {
				maxTS[d.MetricID] = d.Timestamp
			}
		}

		for metricID, ts := range maxTS {
			c.mu.RLock()
			m, ok := c.metrics[metricID]
			c.mu.RUnlock()
			if ok && m.LastTimestamp >= ts {
				continue // watermark only ever advances
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE metrics SET last_timestamp = ? WHERE metric_id = ? AND last_timestamp < ?`,
				ts, metricID, ts,
			); err != nil {
				return fmt.Errorf("advance watermark %s: %w", metricID, err)
			}
			advanced[metricID] = ts
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	// Cache updates only after the transaction committed.
	c.mu.Lock()
	for metricID, ts := range advanced {
		if m, ok := c.metrics[metricID]; ok && ts > m.LastTimestamp {
			m.LastTimestamp = ts
			c.metrics[metricID] = m
		}
	}
	c.mu.Unlock()

	return inserted, nil
}

// AddInstanceDataBatch upserts rollup rows in one transaction with
// replace-on-conflict semantics on (instance_id, aggregation, timestamp).
func (c *CoreDatabase) AddInstanceDataBatch(ctx context.Context, batch []models.InstanceData) (bool, error) {
	if len(batch) == 0 {
		return false, nil
	}
	err := c.store.Tx(ctx, func(tx *sql.Tx) error {
		ins, err := tx.PrepareContext(ctx, `
			INSERT OR REPLACE INTO instance_data (instance_id, aggregation, timestamp, anomaly_score)
			VALUES (?, ?, ?, ?)`,
		)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer ins.Close()

		for i := range batch {
			d := &batch[i]
			if _, err := ins.ExecContext(ctx, d.InstanceID, int(d.Aggregation), d.Timestamp, d.AnomalyScore); err != nil {
				return fmt.Errorf("upsert rollup %s/%d: %w", d.InstanceID, d.Timestamp, err)
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// -- Retention --

// DeleteOldRecords removes all rows older than the sync window across
// metric data, rollups, notifications and annotations in one transaction,
// then reclaims file space if anything was removed. Returns rows deleted.
func (c *CoreDatabase) DeleteOldRecords(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-c.syncWindow).UnixMilli()

	var total int64
	err := c.store.Tx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"metric_data", "instance_data", "notifications", "annotations"} {
			res, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE timestamp < ?", cutoff)
			if err != nil {
				return fmt.Errorf("delete old %s: %w", table, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if total > 0 {
		if _, err := c.store.DB().ExecContext(ctx, "PRAGMA incremental_vacuum"); err != nil {
			c.logger.Warn("storage reclaim failed", zap.Error(err))
		}
		c.logger.Info("deleted old records",
			zap.Int64("rows", total),
			zap.Int64("cutoff_ms", cutoff),
		)
	}
	return total, nil
}

// DeleteAll wipes every core table in dependency order and invalidates the
// cache. A concurrent caller observing a wipe in progress is a silent no-op.
func (c *CoreDatabase) DeleteAll(ctx context.Context) error {
	_, err := c.wipeFlight.TryDo(func() error {
		err := c.store.Tx(ctx, func(tx *sql.Tx) error {
			for _, table := range []string{"annotations", "notifications", "instance_data", "metric_data", "metrics"} {
				if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
					return fmt.Errorf("clear %s: %w", table, err)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		c.invalidateCache()
		return nil
	})
	return err
}

// -- Reads --

// MetricDataFilter narrows a GetMetricData read. Zero values mean "no
// constraint" for their field.
type MetricDataFilter struct {
	MetricID string
	From     int64 // inclusive, epoch ms
	To       int64 // exclusive, epoch ms
	MinScore float64
	Limit    int
}

// GetMetricData returns a forward-only cursor over data points matching the
// filter, ordered by timestamp. The cursor must be closed and must not be
// shared across goroutines.
func (c *CoreDatabase) GetMetricData(ctx context.Context, f MetricDataFilter) (*MetricDataRows, error) {
	var where []string
	var args []any
	if f.MetricID != "" {
		where = append(where, "metric_id = ?")
		args = append(args, f.MetricID)
	}
	if f.From > 0 {
		where = append(where, "timestamp >= ?")
		args = append(args, f.From)
	}
	if f.To > 0 {
		where = append(where, "timestamp < ?")
		args = append(args, f.To)
	}
	if f.MinScore > 0 {
		where = append(where, "anomaly_score >= ?")
		args = append(args, f.MinScore)
	}

	query := "SELECT metric_id, timestamp, value, anomaly_score, row_id FROM metric_data"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := c.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query metric data: %w", err)
	}
	return &MetricDataRows{rows: rows}, nil
}

// InstanceDataFilter narrows a GetInstanceData read.
type InstanceDataFilter struct {
	InstanceID  string
	Aggregation *models.AggregationType
	From        int64
	To          int64
	MinScore    float64
}

// GetInstanceData returns a forward-only cursor over rollup rows matching
// the filter, ordered by timestamp. Same single-consumer contract as
// GetMetricData.
func (c *CoreDatabase) GetInstanceData(ctx context.Context, f InstanceDataFilter) (*InstanceDataRows, error) {
	var where []string
	var args []any
	if f.InstanceID != "" {
		where = append(where, "instance_id = ?")
		args = append(args, f.InstanceID)
	}
	if f.Aggregation != nil {
		where = append(where, "aggregation = ?")
		args = append(args, int(*f.Aggregation))
	}
	if f.From > 0 {
		where = append(where, "timestamp >= ?")
		args = append(args, f.From)
	}
	if f.To > 0 {
		where = append(where, "timestamp < ?")
		args = append(args, f.To)
	}
	if f.MinScore > 0 {
		where = append(where, "anomaly_score >= ?")
		args = append(args, f.MinScore)
	}

	query := "SELECT instance_id, aggregation, timestamp, anomaly_score FROM instance_data"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp"

	rows, err := c.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query instance data: %w", err)
	}
	return &InstanceDataRows{rows: rows}, nil
}
