package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS expiry_ledger (
	id               TEXT    PRIMARY KEY,
	duration_seconds INTEGER NOT NULL CHECK (duration_seconds > 0),
	registered_at_ms INTEGER NOT NULL,
	expires_at_ms    INTEGER NOT NULL
);

CREATE TRIGGER IF NOT EXISTS expiry_ledger_no_update
BEFORE UPDATE ON expiry_ledger
BEGIN
	SELECT RAISE(ABORT, 'expiry_ledger is append-only');
END;

CREATE TRIGGER IF NOT EXISTS expiry_ledger_no_delete
BEFORE DELETE ON expiry_ledger
BEGIN
	SELECT RAISE(ABORT, 'expiry_ledger is append-only');
END;
`

// OpenSQLite opens (creating if needed) an embedded ledger database.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, defaultDBTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}

	return db, nil
}
