package blobstore

import (
	"bytes"
	"context"
	"sync"
)

// MemoryStore keeps blobs in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string]Object
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string]Object)}
}

func (m *MemoryStore) Put(ctx context.Context, id string, data []byte, meta Metadata) error {
	if err := ctx.Err(); err != nil {
		return unavailable("put", err)
	}
	if !Verify(id, data) {
		return ErrDataInconsistent
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.blobs[id]; ok {
		return ErrAlreadyExists
	}
	m.blobs[id] = Object{Metadata: meta, Data: bytes.Clone(data)}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, unavailable("get", err)
	}

	m.mu.RLock()
	obj, ok := m.blobs[id]
	m.mu.RUnlock()
	if !ok {
		return Object{}, ErrNotFound
	}
	obj.Data = bytes.Clone(obj.Data)
	return obj, nil
}

func (m *MemoryStore) Stat(ctx context.Context, id string) (Metadata, error) {
	if err := ctx.Err(); err != nil {
		return Metadata{}, unavailable("stat", err)
	}

	m.mu.RLock()
	obj, ok := m.blobs[id]
	m.mu.RUnlock()
	if !ok {
		return Metadata{}, ErrNotFound
	}
	return obj.Metadata, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

var _ Store = (*MemoryStore)(nil)
