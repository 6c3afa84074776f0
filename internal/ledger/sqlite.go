package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const sqliteNowMillis = `CAST((julianday('now') - 2440587.5) * 86400000 AS INTEGER)`

// SQLiteRegistry is a single-node registry backed by the embedded
// expiry_ledger table. SQLite's clock is the ledger clock.
type SQLiteRegistry struct {
	db *sql.DB
}

// NewSQLiteRegistry wraps a database opened with storage.OpenSQLite.
func NewSQLiteRegistry(db *sql.DB) *SQLiteRegistry {
	return &SQLiteRegistry{db: db}
}

func (r *SQLiteRegistry) Register(ctx context.Context, id string, durationSeconds int64) (Record, error) {
	if id == "" {
		return Record{}, ErrInvalidIdentifier
	}
	if !validDuration(durationSeconds) {
		return Record{}, ErrInvalidDuration
	}

	// WHERE true disambiguates INSERT ... SELECT from the upsert clause.
	query := `
INSERT INTO expiry_ledger (id, duration_seconds, registered_at_ms, expires_at_ms)
SELECT ?, ?, t.now_ms, t.now_ms + ? * 1000
FROM (SELECT ` + sqliteNowMillis + ` AS now_ms) AS t
WHERE true
ON CONFLICT(id) DO NOTHING;`

	res, err := r.db.ExecContext(ctx, query, id, durationSeconds, durationSeconds)
	if err != nil {
		return Record{}, unavailable("register", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return Record{}, unavailable("register", err)
	}

	st, err := r.Status(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if inserted == 0 {
		return Record{}, &ConflictError{Existing: st.Record}
	}
	return st.Record, nil
}

func (r *SQLiteRegistry) IsBeforeExpiry(ctx context.Context, id string) (bool, error) {
	var active bool
	query := `SELECT ` + sqliteNowMillis + ` < expires_at_ms FROM expiry_ledger WHERE id = ?;`
	if err := r.db.QueryRowContext(ctx, query, id).Scan(&active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrUnknownIdentifier
		}
		return false, unavailable("is before expiry", err)
	}
	return active, nil
}

func (r *SQLiteRegistry) Status(ctx context.Context, id string) (Status, error) {
	query := `
SELECT id, duration_seconds, registered_at_ms, expires_at_ms, ` + sqliteNowMillis + `
FROM expiry_ledger
WHERE id = ?;`

	var (
		st                                     Status
		registeredMillis, expiresMillis, nowMs int64
	)
	err := r.db.QueryRowContext(ctx, query, id).Scan(&st.ID, &st.DurationSeconds, &registeredMillis, &expiresMillis, &nowMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Status{}, ErrUnknownIdentifier
		}
		return Status{}, unavailable("status", err)
	}

	st.RegisteredAt = time.UnixMilli(registeredMillis).UTC()
	st.ExpiresAt = time.UnixMilli(expiresMillis).UTC()
	st.LedgerTime = time.UnixMilli(nowMs).UTC()
	st.Active = nowMs < expiresMillis
	return st, nil
}

func (r *SQLiteRegistry) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

var _ Registry = (*SQLiteRegistry)(nil)
