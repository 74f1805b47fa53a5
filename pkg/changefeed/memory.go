package changefeed

import (
	"context"
	"sync"
)

// Memory delivers payloads synchronously inside the publishing process.
type Memory struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]Handler
	closed bool
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[uint64]Handler)}
}

func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	handlers := make([]Handler, 0, len(m.subs[channel]))
	for _, h := range m.subs[channel] {
		handlers = append(handlers, h)
	}
	m.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, payload)
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, channel string, handler Handler) (Cancel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	m.nextID++
	id := m.nextID
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[uint64]Handler)
	}
	m.subs[channel][id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs[channel], id)
			if len(m.subs[channel]) == 0 {
				delete(m.subs, channel)
			}
		})
	}, nil
}

// Subscribers reports how many handlers listen on channel.
func (m *Memory) Subscribers(channel string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[channel])
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.subs = make(map[string]map[uint64]Handler)
	return nil
}
