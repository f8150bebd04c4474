package checkpoint

import (
	"database/sql"
	"fmt"
)

// SchemaVersion guards the row layout. Bump on incompatible changes.
const SchemaVersion = 1

func EnsureSchema(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("checkpoint db is nil")
	}
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS checkpoints (
  seq INTEGER PRIMARY KEY,
  schema_version INTEGER NOT NULL,
  ts_utc TEXT NOT NULL,
  node_count INTEGER NOT NULL,
  next_index INTEGER NOT NULL,
  digest BLOB NOT NULL,
  snapshot BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS recovery_reports (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  ts_utc TEXT NOT NULL,
  last_good_seq INTEGER NOT NULL,
  records INTEGER NOT NULL,
  torn_tail INTEGER NOT NULL DEFAULT 0,
  corrupted INTEGER NOT NULL DEFAULT 0,
  segment TEXT NOT NULL DEFAULT '',
  offset INTEGER NOT NULL DEFAULT 0,
  reason TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_recovery_reports_ts ON recovery_reports(ts_utc);
`)
	if err != nil {
		return fmt.Errorf("migrate checkpoint schema: %w", err)
	}
	return nil
}
