package persistence

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
)

// MemoryBackend is an in-process Backend. Nothing survives a restart; it is
// used by tests and by the daemon's -ephemeral mode.
type MemoryBackend struct {
	mu    sync.RWMutex
	kv    map[string]string
	sets  map[string][]string
	lists map[string][]string
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		kv:    make(map[string]string),
		sets:  make(map[string][]string),
		lists: make(map[string][]string),
	}
}

func (m *MemoryBackend) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.kv[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryBackend) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = value
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
	delete(m.sets, key)
	delete(m.lists, key)
	return nil
}

func (m *MemoryBackend) AddToSet(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if slices.Contains(m.sets[key], member) {
		return nil
	}
	m.sets[key] = append(m.sets[key], member)
	return nil
}

func (m *MemoryBackend) RemoveFromSet(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := m.sets[key]
	if i := slices.Index(members, member); i >= 0 {
		m.sets[key] = slices.Delete(members, i, i+1)
	}
	if len(m.sets[key]) == 0 {
		delete(m.sets, key)
	}
	return nil
}

func (m *MemoryBackend) Members(_ context.Context, key string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.sets[key]), nil
}

func (m *MemoryBackend) Push(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append(m.lists[key], value)
	return nil
}

func (m *MemoryBackend) Range(_ context.Context, key string, last int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := m.lists[key]
	if last > 0 && len(items) > last {
		items = items[len(items)-last:]
	}
	return slices.Clone(items), nil
}

func (m *MemoryBackend) Trim(_ context.Context, key string, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.lists[key]
	if keep < 0 {
		keep = 0
	}
	if len(items) > keep {
		m.lists[key] = slices.Clone(items[len(items)-keep:])
	}
	return nil
}

func (m *MemoryBackend) Take(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.lists[key]
	delete(m.lists, key)
	return items, nil
}

func (m *MemoryBackend) Len(_ context.Context, key string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.lists[key]), nil
}

func (m *MemoryBackend) ListKeys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	collect := func(k string) {
		if strings.HasPrefix(k, prefix) {
			seen[k] = struct{}{}
		}
	}
	for k := range m.kv {
		collect(k)
	}
	for k := range m.sets {
		collect(k)
	}
	for k, v := range m.lists {
		if len(v) > 0 {
			collect(k)
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryBackend) Ping(context.Context) error { return nil }

func (m *MemoryBackend) Close() error { return nil }
