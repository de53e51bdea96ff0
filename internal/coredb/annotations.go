package coredb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/taurusmon/taurusmon/pkg/models"
)

// AddAnnotation upserts an annotation by its server-assigned id.
func (c *CoreDatabase) AddAnnotation(ctx context.Context, a *models.Annotation) error {
	_, err := c.store.DB().ExecContext(ctx, `
		INSERT OR REPLACE INTO annotations (
			annotation_id, instance_id, timestamp, created, device, user, message, data
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.InstanceID, a.Timestamp, a.Created, a.Device, a.User, a.Message, a.Data,
	)
	if err != nil {
		return fmt.Errorf("add annotation %s: %w", a.ID, err)
	}
	return nil
}

// Annotation fetches one annotation by id.
func (c *CoreDatabase) Annotation(ctx context.Context, id string) (models.Annotation, bool, error) {
	var a models.Annotation
	err := c.store.DB().QueryRowContext(ctx, `
		SELECT annotation_id, instance_id, timestamp, created, device, user, message, data
		FROM annotations WHERE annotation_id = ?`, id,
	).Scan(&a.ID, &a.InstanceID, &a.Timestamp, &a.Created, &a.Device, &a.User, &a.Message, &a.Data)
	if err == sql.ErrNoRows {
		return a, false, nil
	}
	if err != nil {
		return a, false, fmt.Errorf("get annotation %s: %w", id, err)
	}
	return a, true, nil
}

// Annotations lists annotations, optionally filtered by instance, ordered
// by timestamp.
func (c *CoreDatabase) Annotations(ctx context.Context, instanceID string) ([]models.Annotation, error) {
	var rows *sql.Rows
	var err error
	if instanceID == "" {
		rows, err = c.store.DB().QueryContext(ctx, `
			SELECT annotation_id, instance_id, timestamp, created, device, user, message, data
			FROM annotations ORDER BY timestamp`,
		)
	} else {
		rows, err = c.store.DB().QueryContext(ctx, `
			SELECT annotation_id, instance_id, timestamp, created, device, user, message, data
			FROM annotations WHERE instance_id = ? ORDER BY timestamp`,
			instanceID,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}
	defer rows.Close()

	var out []models.Annotation
	for rows.Next() {
		var a models.Annotation
		if err := rows.Scan(&a.ID, &a.InstanceID, &a.Timestamp, &a.Created,
			&a.Device, &a.User, &a.Message, &a.Data); err != nil {
			return nil, fmt.Errorf("scan annotation row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteAnnotation removes an annotation by id. Ownership (only the creating
// device may delete) is enforced by the caller before the server round-trip;
// local deletion mirrors whatever the server accepted.
func (c *CoreDatabase) DeleteAnnotation(ctx context.Context, id string) error {
	_, err := c.store.DB().ExecContext(ctx,
		"DELETE FROM annotations WHERE annotation_id = ?", id,
	)
	if err != nil {
		return fmt.Errorf("delete annotation %s: %w", id, err)
	}
	return nil
}
