package sync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recordsFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taurusmon_sync_records_fetched_total",
		Help: "Metric data points received from the server.",
	})
	batchesCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taurusmon_sync_batches_committed_total",
		Help: "Metric data batches committed to the local store.",
	})
	syncErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taurusmon_sync_errors_total",
		Help: "Sync cycles that ended in an error.",
	})
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taurusmon_sync_queue_depth",
		Help: "Records buffered between the network producer and the database consumer.",
	})
	notificationsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taurusmon_notifications_delivered_total",
		Help: "Notifications handed to the notifier.",
	})
)
