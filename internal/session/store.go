// Package session owns the authenticated identity for the lifetime of one
// execution context: an in-memory store with durable persistence, and the
// reconciler that decides which of the competing credential sources
// (persisted record, ambient cookie session, bearer token) is authoritative.
package session

import (
	"context"
	"errors"
	"sync"

	"buslane.org/internal/identity"
	"buslane.org/internal/obs"
	"buslane.org/internal/storage"
)

// RecordKey is the durable record holding the current identity. The suffix
// versions the layout; bump it to invalidate stored state.
const RecordKey = "app_user_v1"

// Store holds the current identity and mirrors it into the durable record.
// The durable copy is a cache of the last-known-good value, not a source of
// truth: persistence failures are logged and the in-memory value stays
// authoritative for this execution context.
type Store struct {
	db storage.Store

	mu   sync.RWMutex
	cur  *identity.Identity
	subs map[int]func(*identity.Identity)
	next int
}

// NewStore wraps the given durable store.
func NewStore(db storage.Store) *Store {
	return &Store{
		db:   db,
		subs: make(map[int]func(*identity.Identity)),
	}
}

// Get returns the current identity, or nil when anonymous.
func (s *Store) Get() *identity.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cur == nil {
		return nil
	}
	out := *s.cur
	return &out
}

// Set replaces the identity wholesale, persists it (or clears the record
// when nil), and notifies subscribers.
func (s *Store) Set(id *identity.Identity) {
	s.persist(id)
	s.setLocal(id)
}

// setLocal updates the in-memory value and notifies subscribers without
// touching the durable record. External change events come through here so
// an observed write is not echoed back.
func (s *Store) setLocal(id *identity.Identity) {
	s.mu.Lock()
	if id != nil {
		cp := *id
		s.cur = &cp
	} else {
		s.cur = nil
	}
	subs := make([]func(*identity.Identity), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(s.Get())
	}
}

func (s *Store) persist(id *identity.Identity) {
	ctx := context.Background()
	if id == nil {
		if err := s.db.Delete(ctx, RecordKey); err != nil {
			obs.Warn("clear identity record failed", map[string]any{"error": err.Error()})
		}
		return
	}
	data, err := identity.Encode(*id)
	if err != nil {
		obs.Warn("encode identity record failed", map[string]any{"error": err.Error()})
		return
	}
	if err := s.db.Set(ctx, RecordKey, data); err != nil {
		obs.Warn("persist identity record failed", map[string]any{"error": err.Error()})
	}
}

// Subscribe registers a callback invoked on every identity change, local or
// external. The returned function cancels the subscription.
func (s *Store) Subscribe(fn func(*identity.Identity)) func() {
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Persisted reads the durable record directly. Used at startup before the
// in-memory value exists, and as the fallback key source for the ticket
// cache. Returns nil when absent or structurally invalid.
func (s *Store) Persisted() *identity.Identity {
	data, err := s.db.Get(context.Background(), RecordKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			obs.Warn("read identity record failed", map[string]any{"error": err.Error()})
		}
		return nil
	}
	id, err := identity.Decode(data)
	if err != nil || !id.Valid() {
		return nil
	}
	return &id
}

// Run consumes external change events for the identity record until ctx
// ends. Another execution context logging out (record deleted) or logging
// in (record replaced) is reflected here and fanned out to subscribers.
func (s *Store) Run(ctx context.Context) {
	events := s.db.Watch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if evt.Key != RecordKey {
				continue
			}
			if evt.Value == nil {
				s.setLocal(nil)
				continue
			}
			id, err := identity.Decode(evt.Value)
			if err != nil || !id.Valid() {
				s.setLocal(nil)
				continue
			}
			s.setLocal(&id)
		}
	}
}

// Reset clears in-memory state and the durable record. Test hook.
func (s *Store) Reset() {
	s.Set(nil)
}
