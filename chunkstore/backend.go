package chunkstore

import (
	"bytes"
	"fmt"
	"sync"
)

// Backend is a raw byte key/value store.
//
// Get returns ErrNotFound for missing keys. Values returned from Get and
// passed to Scan callbacks are owned by the caller.
type Backend interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Scan(prefix []byte, fn func(key, value []byte) error) error
	Delete(keys [][]byte) error
	Close() error
}

// Open opens a backend by configuration name: "badger" (durable, at path)
// or "memory".
func Open(kind, path string) (Backend, error) {
	switch kind {
	case "badger":
		return OpenBadger(path)
	case "memory", "":
		return NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown store backend: %q", kind)
	}
}

// MemoryBackend is a map-backed Backend.
type MemoryBackend struct {
	mu     sync.RWMutex
	items  map[string][]byte
	closed bool
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend returns an empty in-process backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{items: make(map[string][]byte)}
}

func (m *MemoryBackend) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	v, ok := m.items[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(v), nil
}

func (m *MemoryBackend) Set(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.items[string(key)] = bytes.Clone(value)
	return nil
}

func (m *MemoryBackend) Scan(prefix []byte, fn func(key, value []byte) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	type kv struct{ k, v []byte }
	var matched []kv
	for k, v := range m.items {
		if bytes.HasPrefix([]byte(k), prefix) {
			matched = append(matched, kv{[]byte(k), bytes.Clone(v)})
		}
	}
	m.mu.RUnlock()

	for _, e := range matched {
		if err := fn(e.k, e.v); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryBackend) Delete(keys [][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, k := range keys {
		delete(m.items, string(k))
	}
	return nil
}

// Len reports the number of stored keys.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
