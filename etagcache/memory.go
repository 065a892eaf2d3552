package etagcache

import (
	"context"
	"sync"
)

// Memory is a process scoped Cache. It does not survive restarts, but allows retrying
// an upload within the same process.
type Memory struct {
	entries map[string]map[int]string
	mu      sync.RWMutex
}

// NewMemory creates an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{entries: map[string]map[int]string{}}
}

// Get ...
func (m *Memory) Get(_ context.Context, uploadID string, partNumber int) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	etag, ok := m.entries[Namespace(uploadID)][partNumber]
	return etag, ok, nil
}

// Put ...
func (m *Memory) Put(_ context.Context, uploadID string, partNumber int, etag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ns := Namespace(uploadID)
	parts, ok := m.entries[ns]
	if !ok {
		parts = map[int]string{}
		m.entries[ns] = parts
	}
	parts[partNumber] = etag
	return nil
}

// Clear ...
func (m *Memory) Clear(_ context.Context, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, Namespace(uploadID))
	return nil
}

// Len returns the number of cached parts of an upload.
func (m *Memory) Len(uploadID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.entries[Namespace(uploadID)])
}
