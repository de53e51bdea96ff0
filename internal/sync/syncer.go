// Package sync coordinates polling the remote API, reconciling the local
// metric and instance sets against the server's, and streaming metric-data
// backfills through a bounded queue into the local store.
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taurusmon/taurusmon/internal/api"
	"github.com/taurusmon/taurusmon/internal/coredb"
	"github.com/taurusmon/taurusmon/internal/event"
	"github.com/taurusmon/taurusmon/pkg/models"
)

// Config tunes the backfill pipeline.
type Config struct {
	SyncWindowDays int `mapstructure:"window_days"`
	QueueCapacity  int `mapstructure:"queue_capacity"`

	// ConsumerTimeout aborts the database consumer when no record arrives
	// for this long, so a stalled producer cannot hang a sync forever.
	ConsumerTimeout time.Duration `mapstructure:"consumer_timeout"`

	// Batch spans: a batch commits when a record's timestamp crosses this
	// far past the batch's first record. Multi-metric fetches commit hourly
	// slices; single-metric backfills commit weekly slices.
	MultiMetricBatchSpan  time.Duration `mapstructure:"multi_metric_batch_span"`
	SingleMetricBatchSpan time.Duration `mapstructure:"single_metric_batch_span"`

	// StaleFoldWindow: a metric lagging the global watermark by no more
	// than this is folded into the bulk fetch instead of fetched alone.
	StaleFoldWindow time.Duration `mapstructure:"stale_fold_window"`
}

// DefaultConfig returns the production pipeline tuning.
func DefaultConfig() Config {
	return Config{
		SyncWindowDays:        14,
		QueueCapacity:         100000,
		ConsumerTimeout:       60 * time.Second,
		MultiMetricBatchSpan:  time.Hour,
		SingleMetricBatchSpan: 7 * 24 * time.Hour,
		StaleFoldWindow:       time.Hour,
	}
}

// Syncer reconciles local state with the server and backfills metric data.
type Syncer struct {
	db     *coredb.CoreDatabase
	client *api.Client
	bus    event.Publisher
	logger *zap.Logger
	cfg    Config

	now func() time.Time // stubbed in tests
}

// NewSyncer creates a Syncer.
func NewSyncer(db *coredb.CoreDatabase, client *api.Client, bus event.Publisher, cfg Config, logger *zap.Logger) *Syncer {
	return &Syncer{
		db:     db,
		client: client,
		bus:    bus,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Sync runs one full cycle: reconcile metrics and instances, backfill data,
// recompute instance rollups, and apply retention. Errors abort the cycle;
// the next scheduled poll retries from the last persisted watermark.
func (s *Syncer) Sync(ctx context.Context) error {
	if err := s.sync(ctx); err != nil {
		syncErrors.Inc()
		return err
	}
	return nil
}

func (s *Syncer) sync(ctx context.Context) error {
	serverMetrics, err := s.client.Metrics(ctx)
	if err != nil {
		return fmt.Errorf("fetch metrics: %w", err)
	}
	serverInstances, err := s.client.Instances(ctx)
	if err != nil {
		return fmt.Errorf("fetch instances: %w", err)
	}

	if err := s.reconcileMetrics(ctx, serverMetrics); err != nil {
		return err
	}
	if err := s.reconcileInstances(ctx, serverInstances); err != nil {
		return err
	}

	from, err := s.backfill(ctx)
	if err != nil {
		return fmt.Errorf("backfill: %w", err)
	}

	if err := s.updateRollups(ctx, from); err != nil {
		return fmt.Errorf("rollups: %w", err)
	}

	if err := s.syncAnnotations(ctx); err != nil {
		return fmt.Errorf("annotations: %w", err)
	}

	if _, err := s.db.DeleteOldRecords(ctx); err != nil {
		return fmt.Errorf("retention: %w", err)
	}
	return nil
}

// syncAnnotations mirrors server-side annotations locally. Servers without
// the annotations API are skipped silently.
func (s *Syncer) syncAnnotations(ctx context.Context) error {
	annotations, err := s.client.Annotations(ctx, "")
	if err != nil {
		if errors.Is(err, api.ErrAnnotationsUnsupported) {
			return nil
		}
		return err
	}
	if len(annotations) == 0 {
		return nil
	}
	for i := range annotations {
		if err := s.db.AddAnnotation(ctx, &annotations[i]); err != nil {
			return err
		}
	}
	s.bus.Publish(ctx, event.Event{Topic: event.TopicAnnotationChanged, Source: "sync"})
	return nil
}

// reconcileMetrics applies the server's metric set locally: unseen ids are
// created, ids with a changed server watermark are updated, and ids the
// server no longer reports are deleted with their data.
func (s *Syncer) reconcileMetrics(ctx context.Context, serverMetrics []models.Metric) error {
	local, err := s.db.Metrics(ctx)
	if err != nil {
		return err
	}
	localByID := make(map[string]models.Metric, len(local))
	for _, m := range local {
		localByID[m.ID] = m
	}

	changed := false
	seen := make(map[string]bool, len(serverMetrics))
	for i := range serverMetrics {
		m := serverMetrics[i]
		seen[m.ID] = true
		prev, ok := localByID[m.ID]
		switch {
		case !ok:
			if err := s.db.AddMetric(ctx, &m); err != nil {
				return err
			}
			changed = true
		case prev.LastRowID != m.LastRowID || prev.ServerName != m.ServerName || prev.Name != m.Name:
			if err := s.db.UpdateMetric(ctx, &m); err != nil {
				return err
			}
			changed = true
		}
	}

	for id := range localByID {
		if !seen[id] {
			if err := s.db.DeleteMetric(ctx, id); err != nil {
				return err
			}
			changed = true
		}
	}

	if changed {
		s.bus.Publish(ctx, event.Event{Topic: event.TopicMetricsChanged, Source: "sync"})
	}
	return nil
}

// reconcileInstances removes local instances the server no longer reports,
// cascading their metrics, data, rollups, and annotations.
func (s *Syncer) reconcileInstances(ctx context.Context, serverInstances []models.Instance) error {
	server := make(map[string]bool, len(serverInstances))
	for i := range serverInstances {
		server[serverInstances[i].ID] = true
	}

	local, err := s.db.Metrics(ctx)
	if err != nil {
		return err
	}
	removed := make(map[string]bool)
	for _, m := range local {
		if !server[m.InstanceID] && !removed[m.InstanceID] {
			s.logger.Info("removing instance no longer on server", zap.String("instance", m.InstanceID))
			if err := s.db.DeleteInstance(ctx, m.InstanceID); err != nil {
				return err
			}
			removed[m.InstanceID] = true
		}
	}
	return nil
}

// backfill fetches the missing metric-data window, bounded below by the
// sync window. Returns the start of the fetched window so rollups can be
// recomputed over it.
func (s *Syncer) backfill(ctx context.Context) (time.Time, error) {
	now := s.now()
	lowestAllowed := now.Add(-s.db.SyncWindow()).Truncate(5 * time.Minute)

	lastMS, err := s.db.LastTimestamp(ctx)
	if err != nil {
		return time.Time{}, err
	}
	last := time.UnixMilli(lastMS)

	bulkFrom := lowestAllowed
	if lastMS > 0 && last.After(lowestAllowed) {
		// The database is not globally stale. Bring lagging metrics current
		// first so one badly-lagging metric does not inflate the bulk window.
		bulkFrom = last
		metrics, err := s.db.Metrics(ctx)
		if err != nil {
			return time.Time{}, err
		}
		for _, m := range metrics {
			mLast := time.UnixMilli(m.LastTimestamp)
			if !mLast.Before(last) {
				continue // metric is current
			}
			next := mLast
			if next.Before(lowestAllowed) {
				next = lowestAllowed
			}
			if last.Sub(mLast) <= s.cfg.StaleFoldWindow {
				// Mildly stale: fold into the bulk fetch.
				if next.Before(bulkFrom) {
					bulkFrom = next
				}
				continue
			}
			s.logger.Debug("backfilling stale metric",
				zap.String("metric", m.ID),
				zap.Time("from", next),
			)
			if err := s.fetchMetricData(ctx, m.ID, next.Add(time.Millisecond), last, s.cfg.SingleMetricBatchSpan); err != nil {
				return time.Time{}, err
			}
		}
		bulkFrom = bulkFrom.Add(time.Millisecond) // resume one tick past the watermark
		if bulkFrom.Before(lowestAllowed) {
			bulkFrom = lowestAllowed
		}
	}

	if err := s.fetchMetricData(ctx, "", bulkFrom, now, s.cfg.MultiMetricBatchSpan); err != nil {
		return time.Time{}, err
	}
	return bulkFrom, nil
}

// fetchMetricData streams one fetch through the bounded queue: the network
// producer enqueues records as the parser emits them and the consumer
// drains them into time-bucketed batch commits. Closing the queue is the
// end-of-stream signal.
func (s *Syncer) fetchMetricData(ctx context.Context, metricID string, from, to time.Time, batchSpan time.Duration) error {
	queue := make(chan models.MetricData, s.cfg.QueueCapacity)

	// consumerDone unblocks the producer when the consumer exits early, so a
	// failed commit or consumer timeout cannot wedge a send on a full queue.
	consumerDone := make(chan struct{})
	consumerErr := make(chan error, 1)
	go func() {
		consumerErr <- s.consume(ctx, queue, batchSpan)
		close(consumerDone)
	}()

	prodErr := s.client.MetricData(ctx, metricID, from, to, func(md *models.MetricData) bool {
		select {
		case queue <- *md:
			recordsFetched.Inc()
			queueDepth.Set(float64(len(queue)))
			return true
		case <-consumerDone:
			return false
		case <-ctx.Done():
			return false
		}
	})
	close(queue)
	consErr := <-consumerErr
	queueDepth.Set(0)

	// A dead consumer is why the producer stopped, so its error wins.
	if consErr != nil {
		return consErr
	}
	if prodErr != nil {
		return prodErr
	}
	return ctx.Err()
}

// consume drains the queue into batches, committing when a record's
// timestamp crosses the batch span past the batch's first record, at stream
// end, and never after an inactivity timeout. Records can arrive out of
// timestamp order across metrics in a bulk fetch; batches are not
// resequenced, so small cross-metric ordering gaps are possible.
func (s *Syncer) consume(ctx context.Context, queue <-chan models.MetricData, batchSpan time.Duration) error {
	var batch []models.MetricData
	var batchStart int64 // timestamp of the batch's first record, ms

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		changed, err := s.db.AddMetricDataBatch(ctx, batch)
		if err != nil {
			return fmt.Errorf("commit batch: %w", err)
		}
		batchesCommitted.Inc()
		if changed {
			s.bus.Publish(ctx, event.Event{Topic: event.TopicMetricDataChanged, Source: "sync"})
		}
		batch = nil
		return nil
	}

	idle := time.NewTimer(s.cfg.ConsumerTimeout)
	defer idle.Stop()

	for {
		select {
		case md, ok := <-queue:
			if !ok {
				return flush()
			}
			if len(batch) > 0 && md.Timestamp >= batchStart+batchSpan.Milliseconds() {
				if err := flush(); err != nil {
					return err
				}
			}
			if len(batch) == 0 {
				batchStart = md.Timestamp
			}
			batch = append(batch, md)

			// Rearm only after the flush: a commit slower than the timeout
			// must not be misread as an idle stream.
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(s.cfg.ConsumerTimeout)

		case <-ctx.Done():
			// Drop the open batch; committed batches are already durable.
			return ctx.Err()

		case <-idle.C:
			return fmt.Errorf("consumer timed out after %s waiting for records", s.cfg.ConsumerTimeout)
		}
	}
}

// updateRollups recomputes instance anomaly rollups for data at or after
// from: per instance and aggregation bucket, the bucket's score is the max
// anomaly score of any point in it. Replace-on-conflict keeps reruns cheap.
func (s *Syncer) updateRollups(ctx context.Context, from time.Time) error {
	metrics, err := s.db.Metrics(ctx)
	if err != nil {
		return err
	}
	instanceOf := make(map[string]string, len(metrics))
	for _, m := range metrics {
		instanceOf[m.ID] = m.InstanceID
	}

	rows, err := s.db.GetMetricData(ctx, coredb.MetricDataFilter{From: from.UnixMilli()})
	if err != nil {
		return err
	}
	defer rows.Close()

	type bucketKey struct {
		instance string
		agg      models.AggregationType
		ts       int64
	}
	buckets := make(map[bucketKey]float64)

	for rows.Next() {
		d := rows.Record()
		instanceID, ok := instanceOf[d.MetricID]
		if !ok {
			continue // metric deleted mid-sync
		}
		for _, agg := range []models.AggregationType{
			models.AggregationHour, models.AggregationHalfDay, models.AggregationDay, models.AggregationWeek,
		} {
			period := agg.Period().Milliseconds()
			key := bucketKey{instance: instanceID, agg: agg, ts: d.Timestamp - d.Timestamp%period}
			if d.AnomalyScore > buckets[key] {
				buckets[key] = d.AnomalyScore
			}
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	// Release the read cursor before writing: the store runs a single
	// write connection and an open cursor would starve the batch insert.
	if err := rows.Close(); err != nil {
		return err
	}
	if len(buckets) == 0 {
		return nil
	}

	batch := make([]models.InstanceData, 0, len(buckets))
	for key, score := range buckets {
		batch = append(batch, models.InstanceData{
			InstanceID:   key.instance,
			Aggregation:  key.agg,
			Timestamp:    key.ts,
			AnomalyScore: score,
		})
	}
	changed, err := s.db.AddInstanceDataBatch(ctx, batch)
	if err != nil {
		return err
	}
	if changed {
		s.bus.Publish(ctx, event.Event{Topic: event.TopicInstanceDataChanged, Source: "sync"})
	}
	return nil
}
