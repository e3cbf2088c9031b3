package db

import (
	"database/sql"
	"fmt"
)

// schema is the columnar tick store plus the control-plane auth table.
// Session/order/fill bookkeeping itself lives in the WAL and
// checkpoint files (internal/wal), not in SQLite: the spec places the
// market-data store and the execution ledger in different durability
// tiers, so only the read-mostly historical data and the control-plane
// users table are modeled here, following the teacher's embedded-
// schema-string-plus-idempotent-migration pattern in pkg/db/schema.go.
const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS ticks (
    symbol TEXT NOT NULL,
    ts_ns INTEGER NOT NULL,
    seq INTEGER NOT NULL,
    price TEXT NOT NULL,
    size INTEGER NOT NULL,
    conditions TEXT,
    exchange INTEGER DEFAULT 0,
    sip_ts_ns INTEGER DEFAULT 0,
    opening_cross INTEGER DEFAULT 0,
    closing_cross INTEGER DEFAULT 0,
    PRIMARY KEY (symbol, ts_ns, seq)
);

CREATE TABLE IF NOT EXISTS quotes (
    symbol TEXT NOT NULL,
    ts_ns INTEGER NOT NULL,
    seq INTEGER NOT NULL,
    bid TEXT NOT NULL,
    bid_size INTEGER NOT NULL,
    ask TEXT NOT NULL,
    ask_size INTEGER NOT NULL,
    PRIMARY KEY (symbol, ts_ns, seq)
);

CREATE TABLE IF NOT EXISTS bars (
    symbol TEXT NOT NULL,
    ts_ns INTEGER NOT NULL,
    seq INTEGER NOT NULL,
    open TEXT NOT NULL,
    high TEXT NOT NULL,
    low TEXT NOT NULL,
    close TEXT NOT NULL,
    volume INTEGER NOT NULL,
    vwap TEXT NOT NULL,
    start_ns INTEGER NOT NULL,
    end_ns INTEGER NOT NULL,
    PRIMARY KEY (symbol, ts_ns, seq)
);

CREATE INDEX IF NOT EXISTS idx_ticks_symbol_ts ON ticks(symbol, ts_ns);
CREATE INDEX IF NOT EXISTS idx_quotes_symbol_ts ON quotes(symbol, ts_ns);
CREATE INDEX IF NOT EXISTS idx_bars_symbol_ts ON bars(symbol, ts_ns);

CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS api_tokens (
    token TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    label TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(user_id) REFERENCES users(id)
);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	if err := ensureColumn(d.DB, "ticks", "opening_cross", "INTEGER DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "ticks", "closing_cross", "INTEGER DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "api_tokens", "label", "TEXT"); err != nil {
		return err
	}

	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
