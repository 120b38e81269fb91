package store

import (
	"context"
	"sync"
)

// Memory is an in-process cache store shared by one or more tab views.
// Each view obtained via Tab() behaves like a browser tab: it sees the
// shared data, and receives change notifications only for writes made
// through other views.
type Memory struct {
	mu   sync.RWMutex
	data map[string]string
	tabs map[*MemoryTab]struct{}
}

// NewMemory returns an empty shared store.
func NewMemory() *Memory {
	return &Memory{
		data: make(map[string]string),
		tabs: make(map[*MemoryTab]struct{}),
	}
}

// Tab returns a new view onto the shared store.
func (m *Memory) Tab() *MemoryTab {
	tab := &MemoryTab{core: m, handlers: make(map[int]ChangeHandler)}
	m.mu.Lock()
	m.tabs[tab] = struct{}{}
	m.mu.Unlock()
	return tab
}

// notify delivers a change to every tab except the writer. Handlers are
// collected under the lock and invoked outside it.
func (m *Memory) notify(writer *MemoryTab, key, value string) {
	m.mu.RLock()
	var handlers []ChangeHandler
	for tab := range m.tabs {
		if tab == writer {
			continue
		}
		handlers = append(handlers, tab.snapshotHandlers()...)
	}
	m.mu.RUnlock()

	for _, h := range handlers {
		h(key, value)
	}
}

// MemoryTab is one tab's view onto a shared Memory store.
type MemoryTab struct {
	core *Memory

	mu       sync.Mutex
	handlers map[int]ChangeHandler
	nextID   int
	closed   bool
}

var _ Store = (*MemoryTab)(nil)

func (t *MemoryTab) Get(ctx context.Context, key string) (string, error) {
	t.core.mu.RLock()
	defer t.core.mu.RUnlock()
	return t.core.data[key], nil
}

func (t *MemoryTab) Set(ctx context.Context, key, value string) error {
	t.core.mu.Lock()
	t.core.data[key] = value
	t.core.mu.Unlock()
	t.core.notify(t, key, value)
	return nil
}

func (t *MemoryTab) Remove(ctx context.Context, key string) error {
	t.core.mu.Lock()
	_, existed := t.core.data[key]
	delete(t.core.data, key)
	t.core.mu.Unlock()
	if existed {
		t.core.notify(t, key, "")
	}
	return nil
}

func (t *MemoryTab) Keys(ctx context.Context) ([]string, error) {
	t.core.mu.RLock()
	defer t.core.mu.RUnlock()
	keys := make([]string, 0, len(t.core.data))
	for k := range t.core.data {
		keys = append(keys, k)
	}
	return keys, nil
}

func (t *MemoryTab) Subscribe(h ChangeHandler) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.handlers[id] = h
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.handlers, id)
		t.mu.Unlock()
	}
}

// Close detaches the tab from the shared store. The shared data stays,
// mirroring a browser tab closing while its origin storage survives.
func (t *MemoryTab) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.handlers = make(map[int]ChangeHandler)
	t.mu.Unlock()

	t.core.mu.Lock()
	delete(t.core.tabs, t)
	t.core.mu.Unlock()
	return nil
}

func (t *MemoryTab) snapshotHandlers() []ChangeHandler {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ChangeHandler, 0, len(t.handlers))
	for _, h := range t.handlers {
		out = append(out, h)
	}
	return out
}
