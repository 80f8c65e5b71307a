package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryStore keeps every value in process memory.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Watch callbacks run synchronously inside Set, after the write.
type MemoryStore struct {
	tree *tree

	mu     sync.RWMutex
	closed bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{tree: newTree()}
}

// Set stores value at path and notifies watchers of the parent.
func (m *MemoryStore) Set(ctx context.Context, path string, value any) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	raw, err := encode(value)
	if err != nil {
		return fmt.Errorf("%w: encoding %s: %w", ErrStore, path, err)
	}
	m.tree.put(path, raw)
	m.tree.notify(path, raw)
	return nil
}

// Get decodes the value at path into dst.
func (m *MemoryStore) Get(ctx context.Context, path string, dst any) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	raw, ok := m.tree.get(path)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, cleanPath(path))
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: decoding %s: %w", ErrStore, path, err)
	}
	return nil
}

// Watch replays the children of path and follows later writes until ctx ends.
func (m *MemoryStore) Watch(ctx context.Context, path string, fn func(ChildEvent)) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	m.tree.watch(ctx, path, fn)
	return nil
}

// Close marks the store closed. Later calls return ErrClosed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}
