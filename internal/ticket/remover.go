package ticket

import (
	"context"
	"errors"
	"sync"

	"buslane.org/internal/obs"
)

// ErrRemoveInFlight rejects a removal started while another one is still
// waiting on the backend. Overlapping removals would race their rollback
// snapshots against the same list.
var ErrRemoveInFlight = errors.New("ticket: removal already in flight")

// RemoveResult reports how a removal concluded. LocalOnly means no
// credential was available: the ticket was removed from the local cache but
// the backend was never told, so the lists diverge until the next refresh.
type RemoveResult struct {
	LocalOnly bool
}

// Remover applies ticket deletions optimistically: the local list updates
// immediately, and a failed remote delete restores the captured snapshot.
type Remover struct {
	cache *Cache

	mu       sync.Mutex
	inFlight bool
}

// NewRemover wraps the cache.
func NewRemover(cache *Cache) *Remover {
	return &Remover{cache: cache}
}

// Remove deletes one ticket. The sequence {optimistic apply, remote call,
// resolve or rollback} is strictly ordered and guarded against overlap.
func (r *Remover) Remove(ctx context.Context, id string) (RemoveResult, error) {
	r.mu.Lock()
	if r.inFlight {
		r.mu.Unlock()
		return RemoveResult{}, ErrRemoveInFlight
	}
	r.inFlight = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.inFlight = false
		r.mu.Unlock()
	}()

	snapshot := r.cache.Tickets()
	next := make([]Ticket, 0, len(snapshot))
	for _, t := range snapshot {
		if t.ID != id {
			next = append(next, t)
		}
	}
	r.cache.apply(ctx, next)

	token := ""
	if cur := r.cache.sessions.Get(); cur != nil {
		token = cur.Token
	}
	if token == "" {
		// No credential: the removal stays local. Allowed path, but the
		// backend still holds the ticket.
		return RemoveResult{LocalOnly: true}, nil
	}

	if err := r.cache.backend.DeleteTicket(ctx, token, id); err != nil {
		r.cache.apply(ctx, snapshot)
		obs.Rollback()
		return RemoveResult{}, err
	}
	return RemoveResult{}, nil
}
