package storage

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process record hub. Each Handle models one execution
// context: writes through one handle are fanned out to watchers on every
// other handle, mirroring browser storage-event semantics. It backs tests
// and the default CLI configuration.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
	subs map[int]memorySub
	next int
}

type memorySub struct {
	ch     chan Event
	origin string
}

// NewMemory initialises an empty hub.
func NewMemory() *Memory {
	return &Memory{
		data: make(map[string][]byte),
		subs: make(map[int]memorySub),
	}
}

// Handle returns a new execution-context view of the hub.
func (m *Memory) Handle() Store {
	return &memoryHandle{hub: m, origin: uuid.NewString()}
}

func (m *Memory) publish(evt Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sub := range m.subs {
		if sub.origin == evt.Origin {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Drop when a subscriber is slow to avoid blocking writers.
		}
	}
}

type memoryHandle struct {
	hub    *Memory
	origin string
}

func (h *memoryHandle) Get(_ context.Context, key string) ([]byte, error) {
	h.hub.mu.RLock()
	defer h.hub.mu.RUnlock()
	value, ok := h.hub.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (h *memoryHandle) Set(_ context.Context, key string, value []byte) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	h.hub.mu.Lock()
	h.hub.data[key] = stored
	h.hub.mu.Unlock()

	h.hub.publish(Event{Key: key, Value: stored, Origin: h.origin})
	return nil
}

func (h *memoryHandle) Delete(_ context.Context, key string) error {
	h.hub.mu.Lock()
	_, existed := h.hub.data[key]
	delete(h.hub.data, key)
	h.hub.mu.Unlock()

	if existed {
		h.hub.publish(Event{Key: key, Origin: h.origin})
	}
	return nil
}

func (h *memoryHandle) List(_ context.Context, prefix string) ([]string, error) {
	h.hub.mu.RLock()
	defer h.hub.mu.RUnlock()
	var keys []string
	for k := range h.hub.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (h *memoryHandle) Watch(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	h.hub.mu.Lock()
	id := h.hub.next
	h.hub.next++
	h.hub.subs[id] = memorySub{ch: ch, origin: h.origin}
	h.hub.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.hub.mu.Lock()
		delete(h.hub.subs, id)
		close(ch)
		h.hub.mu.Unlock()
	}()

	return ch
}
