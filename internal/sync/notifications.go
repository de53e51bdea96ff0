package sync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taurusmon/taurusmon/internal/api"
	"github.com/taurusmon/taurusmon/internal/coredb"
	"github.com/taurusmon/taurusmon/internal/event"
	"github.com/taurusmon/taurusmon/pkg/models"
)

// Notifier delivers a notification to the user-facing layer (OS
// notifications, a webhook, a log). Implementations must be safe for
// concurrent use.
type Notifier interface {
	// Notify delivers one notification. The description is already resolved.
	Notify(ctx context.Context, n *models.Notification) error
	// Type returns the notifier type identifier (e.g., "log", "desktop").
	Type() string
}

// LogNotifier is the default Notifier; it writes notifications to the log.
type LogNotifier struct {
	Logger *zap.Logger
}

// Notify logs the notification.
func (l *LogNotifier) Notify(_ context.Context, n *models.Notification) error {
	l.Logger.Info("notification",
		zap.String("id", n.NotificationID),
		zap.String("metric", n.MetricID),
		zap.String("description", n.Description),
	)
	return nil
}

// Type returns "log".
func (l *LogNotifier) Type() string { return "log" }

// NotificationSyncer downloads pending alert notifications, resolves their
// descriptions against cached metric data, persists and delivers them, and
// acknowledges delivery with the server.
type NotificationSyncer struct {
	db       *coredb.CoreDatabase
	client   *api.Client
	bus      event.Publisher
	notifier Notifier
	logger   *zap.Logger
}

// NewNotificationSyncer creates a NotificationSyncer. A nil notifier
// defaults to logging delivery.
func NewNotificationSyncer(db *coredb.CoreDatabase, client *api.Client, bus event.Publisher, notifier Notifier, logger *zap.Logger) *NotificationSyncer {
	if notifier == nil {
		notifier = &LogNotifier{Logger: logger}
	}
	return &NotificationSyncer{
		db:       db,
		client:   client,
		bus:      bus,
		notifier: notifier,
		logger:   logger,
	}
}

// Sync runs one notification cycle. Notifications already stored locally
// are still acknowledged so the server stops resending them.
func (s *NotificationSyncer) Sync(ctx context.Context) error {
	pending, err := s.client.Notifications(ctx)
	if err != nil {
		return fmt.Errorf("fetch notifications: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	acked := make([]string, 0, len(pending))
	for i := range pending {
		n := &pending[i]
		n.Description, err = s.describe(ctx, n)
		if err != nil {
			return err
		}

		inserted, err := s.db.AddNotification(ctx, n)
		if err != nil {
			return err
		}
		if inserted {
			if err := s.notifier.Notify(ctx, n); err != nil {
				s.logger.Warn("notification delivery failed",
					zap.String("id", n.NotificationID),
					zap.String("notifier", s.notifier.Type()),
					zap.Error(err),
				)
			} else {
				notificationsDelivered.Inc()
			}
			s.bus.Publish(ctx, event.Event{
				Topic:   event.TopicNotification,
				Source:  "notifications",
				Payload: *n,
			})
		}
		acked = append(acked, n.NotificationID)
	}

	if err := s.client.AckNotifications(ctx, acked); err != nil {
		return fmt.Errorf("acknowledge notifications: %w", err)
	}
	return nil
}

// describe resolves a human-readable description from the cached metric
// definition and its instance display name.
func (s *NotificationSyncer) describe(ctx context.Context, n *models.Notification) (string, error) {
	m, ok, err := s.db.Metric(ctx, n.MetricID)
	if err != nil {
		return "", err
	}
	when := time.UnixMilli(n.Timestamp).UTC().Format("2006-01-02 15:04")
	if !ok {
		return fmt.Sprintf("Anomaly detected at %s UTC", when), nil
	}
	instance, err := s.db.InstanceName(ctx, m.InstanceID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s: anomaly on %s at %s UTC", instance, m.Name, when), nil
}
