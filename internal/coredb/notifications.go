package coredb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/taurusmon/taurusmon/pkg/models"
)

// AddNotification persists a server notification, allocating its local id.
// A duplicate server notification id is dropped (insert-ignore); the second
// return reports whether the row was newly inserted.
func (c *CoreDatabase) AddNotification(ctx context.Context, n *models.Notification) (bool, error) {
	read := 0
	if n.Read {
		read = 1
	}
	res, err := c.store.DB().ExecContext(ctx, `
		INSERT OR IGNORE INTO notifications (notification_id, metric_id, timestamp, read, description)
		VALUES (?, ?, ?, ?, ?)`,
		n.NotificationID, n.MetricID, n.Timestamp, read, n.Description,
	)
	if err != nil {
		return false, fmt.Errorf("add notification %s: %w", n.NotificationID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}
	localID, err := res.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("local id: %w", err)
	}
	n.LocalID = localID
	return true, nil
}

// MarkNotificationRead flags a notification as read by its local id.
func (c *CoreDatabase) MarkNotificationRead(ctx context.Context, localID int64) error {
	_, err := c.store.DB().ExecContext(ctx,
		"UPDATE notifications SET read = 1 WHERE local_id = ?", localID,
	)
	if err != nil {
		return fmt.Errorf("mark notification %d read: %w", localID, err)
	}
	return nil
}

// SetNotificationDescription stores the lazily computed description.
func (c *CoreDatabase) SetNotificationDescription(ctx context.Context, localID int64, description string) error {
	_, err := c.store.DB().ExecContext(ctx,
		"UPDATE notifications SET description = ? WHERE local_id = ?", description, localID,
	)
	if err != nil {
		return fmt.Errorf("set notification %d description: %w", localID, err)
	}
	return nil
}

// Notifications lists stored notifications, newest first.
func (c *CoreDatabase) Notifications(ctx context.Context) ([]models.Notification, error) {
	rows, err := c.store.DB().QueryContext(ctx, `
		SELECT local_id, notification_id, metric_id, timestamp, read, description
		FROM notifications ORDER BY timestamp DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []models.Notification
	for rows.Next() {
		var n models.Notification
		var read int
		if err := rows.Scan(&n.LocalID, &n.NotificationID, &n.MetricID,
			&n.Timestamp, &read, &n.Description); err != nil {
			return nil, fmt.Errorf("scan notification row: %w", err)
		}
		n.Read = read != 0
		out = append(out, n)
	}
	return out, rows.Err()
}

// Notification fetches one notification by its local id.
func (c *CoreDatabase) Notification(ctx context.Context, localID int64) (models.Notification, bool, error) {
	var n models.Notification
	var read int
	err := c.store.DB().QueryRowContext(ctx, `
		SELECT local_id, notification_id, metric_id, timestamp, read, description
		FROM notifications WHERE local_id = ?`, localID,
	).Scan(&n.LocalID, &n.NotificationID, &n.MetricID, &n.Timestamp, &read, &n.Description)
	if err == sql.ErrNoRows {
		return n, false, nil
	}
	if err != nil {
		return n, false, fmt.Errorf("get notification %d: %w", localID, err)
	}
	n.Read = read != 0
	return n, true, nil
}

// DeleteNotification removes a notification by its local id.
func (c *CoreDatabase) DeleteNotification(ctx context.Context, localID int64) error {
	_, err := c.store.DB().ExecContext(ctx,
		"DELETE FROM notifications WHERE local_id = ?", localID,
	)
	if err != nil {
		return fmt.Errorf("delete notification %d: %w", localID, err)
	}
	return nil
}
