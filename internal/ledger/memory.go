package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryRegistry is an in-process registry driven by an injectable clock.
// It is intended for tests and single-process development.
type MemoryRegistry struct {
	mu      sync.RWMutex
	records map[string]Record
	nowFunc func() time.Time
}

// NewMemoryRegistry creates a registry. A nil clock defaults to time.Now.
func NewMemoryRegistry(now func() time.Time) *MemoryRegistry {
	if now == nil {
		now = time.Now
	}
	return &MemoryRegistry{
		records: make(map[string]Record),
		nowFunc: now,
	}
}

func (m *MemoryRegistry) Register(ctx context.Context, id string, durationSeconds int64) (Record, error) {
	if id == "" {
		return Record{}, ErrInvalidIdentifier
	}
	if !validDuration(durationSeconds) {
		return Record{}, ErrInvalidDuration
	}
	if err := ctx.Err(); err != nil {
		return Record{}, unavailable("register", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.records[id]; ok {
		return Record{}, &ConflictError{Existing: existing}
	}

	now := m.nowFunc()
	rec := Record{
		ID:              id,
		DurationSeconds: durationSeconds,
		RegisteredAt:    now,
		ExpiresAt:       now.Add(time.Duration(durationSeconds) * time.Second),
	}
	m.records[id] = rec
	return rec, nil
}

func (m *MemoryRegistry) IsBeforeExpiry(ctx context.Context, id string) (bool, error) {
	st, err := m.Status(ctx, id)
	if err != nil {
		return false, err
	}
	return st.Active, nil
}

func (m *MemoryRegistry) Status(ctx context.Context, id string) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, unavailable("status", err)
	}

	m.mu.RLock()
	rec, ok := m.records[id]
	m.mu.RUnlock()
	if !ok {
		return Status{}, ErrUnknownIdentifier
	}

	now := m.nowFunc()
	return Status{Record: rec, LedgerTime: now, Active: now.Before(rec.ExpiresAt)}, nil
}

func (m *MemoryRegistry) Ping(ctx context.Context) error {
	return ctx.Err()
}

var _ Registry = (*MemoryRegistry)(nil)
