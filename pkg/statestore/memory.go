package statestore

import (
	"context"
	"strings"
	"sync"
)

// Memory is the in-process adapter. It backs tests and the single-context
// deployment mode; the change feed still fires so the synchronizer code path
// is identical across backends.
type Memory struct {
	mu     sync.RWMutex
	data   map[string][]byte
	feed   *feed
	closed bool
}

func NewMemory() *Memory {
	return &Memory{data: map[string][]byte{}, feed: newFeed()}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	v := make([]byte, len(value))
	copy(v, value)
	m.data[key] = v
	m.mu.Unlock()
	m.feed.publish(Event{Key: key, Value: v})
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	_, existed := m.data[key]
	delete(m.data, key)
	m.mu.Unlock()
	if existed {
		m.feed.publish(Event{Key: key, Deleted: true})
	}
	return nil
}

func (m *Memory) List(_ context.Context, prefix string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := map[string][]byte{}
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			c := make([]byte, len(v))
			copy(c, v)
			out[k] = c
		}
	}
	return out, nil
}

func (m *Memory) Subscribe(fn func(Event)) (cancel func()) {
	return m.feed.subscribe(fn)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
