package repository

import (
	"bytes"
	"context"
	"strings"
	"sync"
)

// MemoryStore is a process-local EphemeralStore. It backs single-node
// deployments, Redis outages and tests.
type MemoryStore struct {
	mu       sync.Mutex
	data     map[string][]byte
	watchers map[string]map[chan struct{}]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:     make(map[string][]byte),
		watchers: make(map[string]map[chan struct{}]struct{}),
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), val...), nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	m.data[key] = append([]byte(nil), value...)
	m.notifyLocked(PrefixOf(key))
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.notifyLocked(PrefixOf(key))
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Snapshot(_ context.Context, prefix string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte)
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix+":") {
			out[k] = append([]byte(nil), v...)
		}
	}
	return out, nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, key string, expected, value []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.data[key]
	if ok != (expected != nil) || !bytes.Equal(current, expected) {
		return false, nil
	}
	if value == nil {
		delete(m.data, key)
	} else {
		m.data[key] = append([]byte(nil), value...)
	}
	m.notifyLocked(PrefixOf(key))
	return true, nil
}

func (m *MemoryStore) Watch(ctx context.Context, prefix string) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)

	m.mu.Lock()
	if m.watchers[prefix] == nil {
		m.watchers[prefix] = make(map[chan struct{}]struct{})
	}
	m.watchers[prefix][ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.watchers[prefix], ch)
		close(ch)
		m.mu.Unlock()
	}()
	return ch, nil
}

func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

func (m *MemoryStore) notifyLocked(prefix string) {
	for ch := range m.watchers[prefix] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
