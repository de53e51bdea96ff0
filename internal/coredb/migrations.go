package coredb

import (
	"database/sql"

	"github.com/taurusmon/taurusmon/internal/store"
)

// component name used in the shared _migrations table.
const component = "core"

// recreateFloor is the oldest schema version this binary migrates forward.
// Databases written before schema versioning (no recorded migrations but
// existing tables) are dropped and recreated; the sync window refills them.
const recreateFloor = 1

// migrations returns the core database schema in ascending version order.
func migrations() []store.Migration {
	return []store.Migration{
		{
			Version:     1,
			Description: "create core tables",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS metrics (
						metric_id      TEXT PRIMARY KEY,
						instance_id    TEXT NOT NULL,
						server_name    TEXT NOT NULL DEFAULT '',
						name           TEXT NOT NULL DEFAULT '',
						last_rowid     INTEGER NOT NULL DEFAULT 0,
						last_timestamp INTEGER NOT NULL DEFAULT 0,
						parameters     TEXT NOT NULL DEFAULT ''
					)`,
					`CREATE INDEX IF NOT EXISTS idx_metrics_instance ON metrics(instance_id)`,

					`CREATE TABLE IF NOT EXISTS metric_data (
						metric_id     TEXT NOT NULL REFERENCES metrics(metric_id) ON DELETE CASCADE,
						row_id        INTEGER NOT NULL,
						timestamp     INTEGER NOT NULL,
						value         REAL NOT NULL DEFAULT 0,
						anomaly_score REAL NOT NULL DEFAULT 0,
						PRIMARY KEY (metric_id, row_id)
					)`,
					`CREATE INDEX IF NOT EXISTS idx_metric_data_ts ON metric_data(timestamp)`,
					`CREATE INDEX IF NOT EXISTS idx_metric_data_metric_ts ON metric_data(metric_id, timestamp)`,

					`CREATE TABLE IF NOT EXISTS instance_data (
						instance_id   TEXT NOT NULL,
						aggregation   INTEGER NOT NULL,
						timestamp     INTEGER NOT NULL,
						anomaly_score REAL NOT NULL DEFAULT 0,
						PRIMARY KEY (instance_id, aggregation, timestamp)
					)`,

					`CREATE TABLE IF NOT EXISTS notifications (
						local_id        INTEGER PRIMARY KEY AUTOINCREMENT,
						notification_id TEXT NOT NULL UNIQUE,
						metric_id       TEXT NOT NULL DEFAULT '',
						timestamp       INTEGER NOT NULL DEFAULT 0,
						read            INTEGER NOT NULL DEFAULT 0,
						description     TEXT NOT NULL DEFAULT ''
					)`,

					`CREATE TABLE IF NOT EXISTS annotations (
						annotation_id TEXT PRIMARY KEY,
						instance_id   TEXT NOT NULL,
						timestamp     INTEGER NOT NULL DEFAULT 0,
						created       INTEGER NOT NULL DEFAULT 0,
						device        TEXT NOT NULL DEFAULT '',
						user          TEXT NOT NULL DEFAULT '',
						message       TEXT NOT NULL DEFAULT '',
						data          TEXT NOT NULL DEFAULT ''
					)`,
					`CREATE INDEX IF NOT EXISTS idx_annotations_instance ON annotations(instance_id)`,
				}
				for _, stmt := range stmts {
					if _, err := tx.Exec(stmt); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			Version:     2,
			Description: "index anomaly scores for filtered reads",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE INDEX IF NOT EXISTS idx_metric_data_score ON metric_data(anomaly_score)`,
					`CREATE INDEX IF NOT EXISTS idx_instance_data_ts ON instance_data(instance_id, timestamp)`,
				}
				for _, stmt := range stmts {
					if _, err := tx.Exec(stmt); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			Version:     3,
			Description: "persistent device identity",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`CREATE TABLE IF NOT EXISTS device_identity (
					id        INTEGER PRIMARY KEY CHECK (id = 1),
					device_id TEXT NOT NULL
				)`)
				return err
			},
		},
	}
}

// dropSchema removes every core table. Used by the pre-versioning recreate
// path and never as part of a normal migration.
func dropSchema(tx *sql.Tx) error {
	for _, table := range []string{"annotations", "notifications", "instance_data", "metric_data", "metrics", "device_identity"} {
		if _, err := tx.Exec("DROP TABLE IF EXISTS " + table); err != nil {
			return err
		}
	}
	return nil
}
