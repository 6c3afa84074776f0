package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// pgQuerier is satisfied by *pgxpool.Pool.
type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// PostgresRegistry stores expiry records in the append-only expiry_ledger
// table. All timestamps come from the database clock, so every API process
// sharing the database observes the same notion of "now".
type PostgresRegistry struct {
	db pgQuerier
}

// NewPostgresRegistry builds a registry over an existing pool.
func NewPostgresRegistry(db pgQuerier) *PostgresRegistry {
	return &PostgresRegistry{db: db}
}

func (r *PostgresRegistry) Register(ctx context.Context, id string, durationSeconds int64) (Record, error) {
	if id == "" {
		return Record{}, ErrInvalidIdentifier
	}
	if !validDuration(durationSeconds) {
		return Record{}, ErrInvalidDuration
	}

	query := `
INSERT INTO expiry_ledger (id, duration_seconds, registered_at, expires_at)
VALUES ($1, $2, now(), now() + ($2::bigint * interval '1 second'))
ON CONFLICT (id) DO NOTHING
RETURNING id, duration_seconds, registered_at, expires_at;`

	var rec Record
	err := r.db.QueryRow(ctx, query, id, durationSeconds).Scan(
		&rec.ID,
		&rec.DurationSeconds,
		&rec.RegisteredAt,
		&rec.ExpiresAt,
	)
	if err == nil {
		return rec, nil
	}
	if isDataException(err) {
		return Record{}, fmt.Errorf("%w: %w", ErrInvalidDuration, err)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, unavailable("register", err)
	}

	// Lost the insert: the row is already there and can never change.
	existing, err := r.Status(ctx, id)
	if err != nil {
		if errors.Is(err, ErrUnknownIdentifier) {
			return Record{}, unavailable("register", fmt.Errorf("record %s vanished after conflict", id))
		}
		return Record{}, err
	}
	return Record{}, &ConflictError{Existing: existing.Record}
}

func (r *PostgresRegistry) IsBeforeExpiry(ctx context.Context, id string) (bool, error) {
	var active bool
	err := r.db.QueryRow(ctx, `SELECT now() < expires_at FROM expiry_ledger WHERE id = $1;`, id).Scan(&active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrUnknownIdentifier
		}
		return false, unavailable("is before expiry", err)
	}
	return active, nil
}

func (r *PostgresRegistry) Status(ctx context.Context, id string) (Status, error) {
	query := `
SELECT id, duration_seconds, registered_at, expires_at, now(), now() < expires_at
FROM expiry_ledger
WHERE id = $1;`

	var st Status
	err := r.db.QueryRow(ctx, query, id).Scan(
		&st.ID,
		&st.DurationSeconds,
		&st.RegisteredAt,
		&st.ExpiresAt,
		&st.LedgerTime,
		&st.Active,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Status{}, ErrUnknownIdentifier
		}
		return Status{}, unavailable("status", err)
	}
	return st, nil
}

func (r *PostgresRegistry) Ping(ctx context.Context) error {
	if err := r.db.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

var _ Registry = (*PostgresRegistry)(nil)

// isDataException reports SQLSTATE class 22, which Postgres raises for values
// it cannot represent. Retrying those never helps.
func isDataException(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "22")
}
