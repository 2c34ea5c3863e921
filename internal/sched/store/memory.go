package store

import (
	"context"
	"sync"
)

// memory is the in-process backend. Correctness-sufficient for a single-node
// deployment: every conditional write happens under one mutex.
type memory struct {
	mu    sync.RWMutex
	kinds map[Kind]map[string]Record
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memory{kinds: map[Kind]map[string]Record{}}
}

func (m *memory) bucket(kind Kind) map[string]Record {
	b := m.kinds[kind]
	if b == nil {
		b = map[string]Record{}
		m.kinds[kind] = b
	}
	return b
}

func (m *memory) Get(_ context.Context, kind Kind, key string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.kinds[kind][key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(r), nil
}

func (m *memory) Put(_ context.Context, kind Kind, key string, data []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bucket(kind)
	next := int64(1)
	if cur, ok := b[key]; ok {
		next = cur.Version + 1
	}
	b[key] = Record{Key: key, Version: next, Data: cloneBytes(data)}
	return next, nil
}

func (m *memory) Create(_ context.Context, kind Kind, key string, data []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bucket(kind)
	if _, ok := b[key]; ok {
		return 0, ErrExists
	}
	b[key] = Record{Key: key, Version: 1, Data: cloneBytes(data)}
	return 1, nil
}

func (m *memory) CompareAndSwap(_ context.Context, kind Kind, key string, expect int64, data []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bucket(kind)
	cur, ok := b[key]
	if !ok {
		return 0, ErrNotFound
	}
	if cur.Version != expect {
		return 0, ErrVersionConflict
	}
	next := cur.Version + 1
	b[key] = Record{Key: key, Version: next, Data: cloneBytes(data)}
	return next, nil
}

func (m *memory) Delete(_ context.Context, kind Kind, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.kinds[kind]
	if b == nil {
		return ErrNotFound
	}
	if _, ok := b[key]; !ok {
		return ErrNotFound
	}
	delete(b, key)
	return nil
}

func (m *memory) CompareAndDelete(_ context.Context, kind Kind, key string, expect int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.kinds[kind]
	if b == nil {
		return ErrNotFound
	}
	cur, ok := b[key]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expect {
		return ErrVersionConflict
	}
	delete(b, key)
	return nil
}

func (m *memory) Scan(_ context.Context, kind Kind, fn func(Record) bool) error {
	// Snapshot under the read lock so fn can call back into the store.
	m.mu.RLock()
	b := m.kinds[kind]
	recs := make([]Record, 0, len(b))
	for _, r := range b {
		recs = append(recs, cloneRecord(r))
	}
	m.mu.RUnlock()

	for _, r := range recs {
		if !fn(r) {
			return nil
		}
	}
	return nil
}

func (m *memory) Close() error { return nil }

func cloneRecord(r Record) Record {
	r.Data = cloneBytes(r.Data)
	return r
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
