package sqlite

import (
	"database/sql"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS plans (
  plan_id        TEXT PRIMARY KEY,
  symbol         TEXT NOT NULL,
  side           TEXT NOT NULL,
  state          TEXT NOT NULL,
  plan_json      TEXT NOT NULL,
  filled_qty     TEXT NOT NULL DEFAULT '0',
  avg_fill_price TEXT NOT NULL DEFAULT '0',
  last_error     TEXT,
  created_at_ms  INTEGER NOT NULL,
  updated_at_ms  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS plan_legs (
  client_order_id   TEXT PRIMARY KEY,
  plan_id           TEXT NOT NULL REFERENCES plans(plan_id),
  role              TEXT NOT NULL,
  leg_index         INTEGER NOT NULL,
  state             TEXT NOT NULL,
  exchange_order_id TEXT,
  last_error_code   TEXT,
  last_error_detail TEXT,
  created_at_ms     INTEGER NOT NULL,
  updated_at_ms     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_plan_legs_plan ON plan_legs(plan_id);
CREATE INDEX IF NOT EXISTS idx_plan_legs_state ON plan_legs(state);

CREATE TABLE IF NOT EXISTS mirror_orders (
  exchange_order_id TEXT PRIMARY KEY,
  symbol            TEXT NOT NULL,
  side              TEXT NOT NULL,
  order_type        TEXT NOT NULL,
  qty               TEXT NOT NULL,
  price             TEXT,
  trigger_price     TEXT,
  status            TEXT NOT NULL,
  client_order_id   TEXT,
  opened_at_ms      INTEGER NOT NULL,
  seen_at_ms        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS mirror_positions (
  symbol       TEXT PRIMARY KEY,
  base_qty     TEXT NOT NULL,
  quote_value  TEXT NOT NULL,
  seen_at_ms   INTEGER NOT NULL
);
`

// Migrate applies the embedded schema. Statements are idempotent so re-running
// against an initialized database is safe.
func Migrate(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("sqlite db missing")
	}
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("sqlite schema apply failed: %w", err)
	}
	return nil
}
