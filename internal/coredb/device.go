package coredb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// DeviceID returns this installation's stable device identity, generating
// and persisting one on first use. The id marks annotations this device
// created and scopes notification delivery.
func (c *CoreDatabase) DeviceID(ctx context.Context) (string, error) {
	var id string
	err := c.store.DB().QueryRowContext(ctx,
		"SELECT device_id FROM device_identity WHERE id = 1",
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("read device id: %w", err)
	}

	id = uuid.NewString()
	if _, err := c.store.DB().ExecContext(ctx,
		"INSERT INTO device_identity (id, device_id) VALUES (1, ?)", id,
	); err != nil {
		return "", fmt.Errorf("persist device id: %w", err)
	}
	return id, nil
}
