package statehistory

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// MemoryBackend holds archived objects in process memory. Objects are copied
// in and out, so callers may reuse their buffers.
type MemoryBackend struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryBackend creates an empty in-memory object store.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{objects: make(map[string][]byte)}
}

func (m *MemoryBackend) Read(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, notFound(key)
	}
	return slices.Clone(obj), nil
}

func (m *MemoryBackend) Write(_ context.Context, key string, data []byte) error {
	obj := slices.Clone(data)
	if obj == nil {
		obj = []byte{}
	}
	m.mu.Lock()
	m.objects[key] = obj
	m.mu.Unlock()
	return nil
}

// Delete removes key; deleting a missing object is an error, as on disk.
func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return notFound(key)
	}
	delete(m.objects, key)
	return nil
}

// List returns the keys under prefix in lexical order, like FileBackend.
func (m *MemoryBackend) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()
	slices.Sort(keys)
	return keys, nil
}

func (m *MemoryBackend) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}

// Close is a no-op; the objects stay readable.
func (m *MemoryBackend) Close() error { return nil }

// Size returns the number of stored objects.
func (m *MemoryBackend) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
