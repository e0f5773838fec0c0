package ticket

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"buslane.org/internal/apierr"
	"buslane.org/internal/identity"
	"buslane.org/internal/obs"
	"buslane.org/internal/session"
	"buslane.org/internal/storage"
)

// KeyPrefix namespaces the durable ticket records, one per cache key.
const KeyPrefix = "my_tickets_"

// Backend is the slice of the REST client the cache and remover need.
type Backend interface {
	MyTickets(ctx context.Context, token string) ([]Ticket, error)
	DeleteTicket(ctx context.Context, token, id string) error
	CreateTicket(ctx context.Context, token string, t Ticket) (string, error)
}

// Cache is the per-user durable projection of the user's bookings. Lists
// are always replaced whole, never merged: concurrent tabs fetching at
// different times converge on last-write-wins instead of accumulating
// partial state.
type Cache struct {
	db       storage.Store
	sessions *session.Store
	backend  Backend

	mu      sync.RWMutex
	tickets []Ticket
	key     string
	prev    *identity.Identity
}

// NewCache wires the cache to its durable store, session store and backend.
func NewCache(db storage.Store, sessions *session.Store, backend Backend) *Cache {
	return &Cache{db: db, sessions: sessions, backend: backend}
}

// KeyFor derives the cache key for an identity, falling back to the
// persisted record when the in-memory identity is not ready yet. Empty
// string means no key can be derived at all.
func (c *Cache) KeyFor(id *identity.Identity) string {
	if id != nil {
		return id.Key()
	}
	if saved := c.sessions.Persisted(); saved != nil {
		return saved.Key()
	}
	return ""
}

// Tickets returns a copy of the in-memory list.
func (c *Cache) Tickets() []Ticket {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneList(c.tickets)
}

// Key returns the active cache key.
func (c *Cache) Key() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.key
}

// Load restores the last durable snapshot for the current key. When the
// current key yields nothing it scans for any previously cached key, so a
// page reload shows the last-known list before identity is confirmed.
func (c *Cache) Load(ctx context.Context) []Ticket {
	key := c.KeyFor(c.sessions.Get())

	if key != "" {
		if list, ok := c.readRecord(ctx, KeyPrefix+key); ok && len(list) > 0 {
			c.install(key, list)
			obs.CacheLoad("key")
			return cloneList(list)
		}
	}

	keys, err := c.db.List(ctx, KeyPrefix)
	if err != nil {
		obs.Warn("scan ticket records failed", map[string]any{"error": err.Error()})
	}
	for _, k := range keys {
		if list, ok := c.readRecord(ctx, k); ok && len(list) > 0 {
			c.install(strings.TrimPrefix(k, KeyPrefix), list)
			obs.CacheLoad("fallback")
			return cloneList(list)
		}
	}

	c.install(key, nil)
	obs.CacheLoad("none")
	return nil
}

// Refresh fetches the authoritative list and replaces the cache with it.
// An authorization failure or transport error leaves the cache untouched:
// stale-but-visible beats blank.
func (c *Cache) Refresh(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	list, err := c.backend.MyTickets(ctx, token)
	if err != nil {
		if errors.Is(err, apierr.ErrUnauthorized) {
			obs.RefreshResult("unauthorized")
			obs.Warn("ticket refresh unauthorized", nil)
			return err
		}
		obs.RefreshResult("transport_error")
		return err
	}

	key := c.KeyFor(c.sessions.Get())
	c.install(key, list)
	c.Save(ctx, list)
	obs.RefreshResult("ok")
	return nil
}

// Save durably stores the full list under the current key; an empty or nil
// list removes the record. Storage failures are logged, never returned.
func (c *Cache) Save(ctx context.Context, tickets []Ticket) {
	key := c.KeyFor(c.sessions.Get())
	if key == "" {
		return
	}
	record := KeyPrefix + key

	if len(tickets) == 0 {
		if err := c.db.Delete(ctx, record); err != nil {
			obs.Warn("remove ticket record failed", map[string]any{"key": record, "error": err.Error()})
		}
		return
	}
	data, err := json.Marshal(tickets)
	if err != nil {
		obs.Warn("encode ticket record failed", map[string]any{"error": err.Error()})
		return
	}
	if err := c.db.Set(ctx, record, data); err != nil {
		obs.Warn("persist ticket record failed", map[string]any{"key": record, "error": err.Error()})
	}
}

// Book creates a booking and refreshes the list so the new ticket appears
// with its server-assigned ID.
func (c *Cache) Book(ctx context.Context, token string, t Ticket) (string, error) {
	if token == "" {
		return "", apierr.ErrUnauthorized
	}
	id, err := c.backend.CreateTicket(ctx, token, t)
	if err != nil {
		return "", err
	}
	if err := c.Refresh(ctx, token); err != nil {
		obs.Warn("refresh after booking failed", map[string]any{"error": err.Error()})
	}
	return id, nil
}

// Bind subscribes to session changes: a new identity with a token triggers
// a refresh, and a real logout (non-nil to nil) evicts exactly the previous
// identity's cache entry. The given context bounds the triggered calls.
func (c *Cache) Bind(ctx context.Context) func() {
	c.mu.Lock()
	c.prev = c.sessions.Get()
	c.mu.Unlock()

	return c.sessions.Subscribe(func(id *identity.Identity) {
		c.mu.Lock()
		prev := c.prev
		c.prev = id
		c.mu.Unlock()

		if id != nil && id.Token != "" {
			if err := c.Refresh(ctx, id.Token); err != nil {
				obs.Warn("ticket refresh on identity change failed", map[string]any{"error": err.Error()})
			}
			return
		}
		if prev != nil && id == nil {
			c.Evict(ctx, prev.Key())
		}
	})
}

// Evict clears the durable record and in-memory list for one key. Entries
// for other keys are untouched.
func (c *Cache) Evict(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := c.db.Delete(ctx, KeyPrefix+key); err != nil {
		obs.Warn("evict ticket record failed", map[string]any{"key": key, "error": err.Error()})
	}
	c.mu.Lock()
	if c.key == key {
		c.tickets = nil
		c.key = ""
	}
	c.mu.Unlock()
}

// Run consumes external storage events until ctx ends: a change to any
// ticket record replaces the in-memory list, and a change to the identity
// record re-derives the key and reloads.
func (c *Cache) Run(ctx context.Context) {
	events := c.db.Watch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			switch {
			case strings.HasPrefix(evt.Key, KeyPrefix):
				key := strings.TrimPrefix(evt.Key, KeyPrefix)
				if evt.Value == nil {
					c.install(key, nil)
					continue
				}
				var list []Ticket
				if err := json.Unmarshal(evt.Value, &list); err != nil {
					continue
				}
				c.install(key, list)
			case evt.Key == session.RecordKey:
				c.Load(ctx)
			}
		}
	}
}

func (c *Cache) readRecord(ctx context.Context, record string) ([]Ticket, bool) {
	data, err := c.db.Get(ctx, record)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			obs.Warn("read ticket record failed", map[string]any{"key": record, "error": err.Error()})
		}
		return nil, false
	}
	var list []Ticket
	if err := json.Unmarshal(data, &list); err != nil {
		obs.Warn("decode ticket record failed", map[string]any{"key": record, "error": err.Error()})
		return nil, false
	}
	return list, true
}

// install replaces the in-memory list and active key.
func (c *Cache) install(key string, list []Ticket) {
	c.mu.Lock()
	c.key = key
	c.tickets = cloneList(list)
	c.mu.Unlock()
}

// apply replaces the in-memory and durable list in one step; used by the
// optimistic remover for both the forward update and the rollback.
func (c *Cache) apply(ctx context.Context, list []Ticket) {
	c.mu.Lock()
	c.tickets = cloneList(list)
	c.mu.Unlock()
	c.Save(ctx, list)
}
