// Package cache keeps the last known document state per channel token so a
// session can render before the relay answers.
package cache

import (
	"bytes"
	"container/list"
	"errors"
	"sync"
)

// DefaultCapacity is used when a store is created with a non-positive capacity.
const DefaultCapacity = 64

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("cache: closed")

// Store is an offline cache of document snapshots keyed by channel token.
type Store interface {
	// Get returns the cached payload for token. ok is false on a miss.
	Get(token string) (data []byte, ok bool, err error)
	Put(token string, data []byte) error
	Close() error
}

type entry struct {
	token string
	data  []byte
}

// Memory is a bounded in-memory Store. When full, the entry put longest ago
// is evicted; putting an existing key again moves it to the newest position.
type Memory struct {
	capacity int

	mu     sync.Mutex
	order  *list.List
	index  map[string]*list.Element
	closed bool
}

// NewMemory creates a Memory store. A non-positive capacity means DefaultCapacity.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Memory{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

// Capacity returns the maximum number of entries.
func (m *Memory) Capacity() int {
	return m.capacity
}

// Len returns the number of entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

func (m *Memory) Get(token string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	el, ok := m.index[token]
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(el.Value.(*entry).data), true, nil
}

func (m *Memory) Put(token string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.putLocked(token, bytes.Clone(data))
	return nil
}

func (m *Memory) putLocked(token string, data []byte) {
	if el, ok := m.index[token]; ok {
		el.Value.(*entry).data = data
		m.order.MoveToBack(el)
		return
	}
	m.index[token] = m.order.PushBack(&entry{token: token, data: data})
	for m.order.Len() > m.capacity {
		oldest := m.order.Front()
		m.order.Remove(oldest)
		delete(m.index, oldest.Value.(*entry).token)
	}
}

// entries returns a copy of the contents, oldest first.
func (m *Memory) entries() []entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]entry, 0, m.order.Len())
	for el := m.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		out = append(out, entry{token: e.token, data: e.data})
	}
	return out
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
