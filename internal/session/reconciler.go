package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"buslane.org/internal/apierr"
	"buslane.org/internal/identity"
	"buslane.org/internal/obs"
)

// State is the reconciler's position in its lifecycle.
type State int

const (
	StateStart State = iota
	StateVerifying
	StateAuthenticated
	StateAnonymous
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateVerifying:
		return "verifying"
	case StateAuthenticated:
		return "authenticated"
	case StateAnonymous:
		return "anonymous"
	default:
		return "unknown"
	}
}

// Cause explains why the reconciler last landed in Anonymous.
type Cause int

const (
	CauseNone Cause = iota
	// CauseUnauthorized: the who-am-I check was rejected (401/403 or an
	// unusable payload).
	CauseUnauthorized
	// CauseTransport: the check never reached a verdict (network error,
	// timeout, malformed response). Policy still clears identity, but
	// callers may choose to retry.
	CauseTransport
)

// Backend is the slice of the REST client the reconciler needs.
type Backend interface {
	Login(ctx context.Context, email, password string) (identity.Identity, error)
	Signup(ctx context.Context, name, email, password string) error
	Me(ctx context.Context, token string) (identity.Identity, error)
	Logout(ctx context.Context) error
}

// Reconciler produces exactly one authoritative identity (or nil) from the
// persisted record, the bearer token it may carry, and the ambient cookie
// session. Precedence: a live token wins the who-am-I check; server fields
// win the merge; the local token survives when the server omits one.
type Reconciler struct {
	store    *Store
	backend  Backend
	now      func() time.Time
	onLogout func(context.Context, *identity.Identity)

	mu    sync.Mutex
	state State
	cause Cause
}

// ReconcilerOption configures the reconciler.
type ReconcilerOption func(*Reconciler)

// WithClock overrides the time source used for token expiry checks.
func WithClock(fn func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		if fn != nil {
			r.now = fn
		}
	}
}

// WithLogoutHook registers a callback invoked after a successful logout with
// the identity that was signed out. The CLI uses it to evict the departing
// user's ticket cache, so per-user records never outlive the session.
func WithLogoutHook(fn func(context.Context, *identity.Identity)) ReconcilerOption {
	return func(r *Reconciler) {
		r.onLogout = fn
	}
}

// NewReconciler wires the reconciler to the session store and backend. It
// tracks external identity changes so another execution context's logout
// moves this one to Anonymous as well.
func NewReconciler(store *Store, backend Backend, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		store:   store,
		backend: backend,
		now:     time.Now,
		state:   StateStart,
	}
	for _, opt := range opts {
		opt(r)
	}
	store.Subscribe(func(id *identity.Identity) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.state == StateVerifying {
			return
		}
		if id == nil {
			r.state = StateAnonymous
		} else {
			r.state = StateAuthenticated
		}
	})
	return r
}

// State returns the current lifecycle state.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// LastCause returns why the reconciler last became Anonymous.
func (r *Reconciler) LastCause() Cause {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cause
}

func (r *Reconciler) setState(state State, cause Cause) {
	r.mu.Lock()
	r.state = state
	r.cause = cause
	r.mu.Unlock()
}

// Reconcile runs the startup flow: load the persisted record, verify it
// against the backend, and install the merged result. A rejected or failed
// check clears the identity; the returned error is non-nil only for
// transport failures, so callers can distinguish "logged out" from "could
// not tell".
func (r *Reconciler) Reconcile(ctx context.Context) (*identity.Identity, error) {
	tentative := r.store.Persisted()
	r.setState(StateVerifying, CauseNone)

	token := ""
	if tentative != nil && tentative.Token != "" && !tentative.TokenExpired(r.now()) {
		token = tentative.Token
	}

	server, err := r.backend.Me(ctx, token)
	if err != nil {
		cause := CauseTransport
		outcome := "transport_error"
		if errors.Is(err, apierr.ErrUnauthorized) {
			cause = CauseUnauthorized
			outcome = "unauthorized"
			err = nil
		}
		r.store.Set(nil)
		r.setState(StateAnonymous, cause)
		obs.ReconcileResult(outcome)
		return nil, err
	}

	merged := server
	if tentative != nil {
		merged = identity.Merge(*tentative, server)
	}
	r.store.Set(&merged)
	r.setState(StateAuthenticated, CauseNone)
	obs.ReconcileResult("authenticated")
	return r.store.Get(), nil
}

// Login authenticates and installs the returned identity. On failure the
// store keeps its prior value and the error (often a *apierr.ValidationError
// with the backend's message) is returned for display.
func (r *Reconciler) Login(ctx context.Context, email, password string) error {
	r.setState(StateVerifying, CauseNone)
	id, err := r.backend.Login(ctx, email, password)
	if err != nil {
		if r.store.Get() != nil {
			r.setState(StateAuthenticated, CauseNone)
		} else {
			r.setState(StateAnonymous, CauseNone)
		}
		return err
	}
	r.store.Set(&id)
	r.setState(StateAuthenticated, CauseNone)
	return nil
}

// Signup registers an account. It does not change session state; the caller
// logs in afterwards, as the original flow does.
func (r *Reconciler) Signup(ctx context.Context, name, email, password string) error {
	return r.backend.Signup(ctx, name, email, password)
}

// Logout ends the server session, clears the identity and persisted record,
// and runs the logout hook with the identity that was signed out. The prior
// identity is taken from the durable record when nothing was loaded into
// memory, so a fresh process still evicts the right cache key. A failed
// server call leaves everything untouched.
func (r *Reconciler) Logout(ctx context.Context) error {
	prior := r.store.Get()
	if prior == nil {
		prior = r.store.Persisted()
	}
	if err := r.backend.Logout(ctx); err != nil {
		return err
	}
	r.store.Set(nil)
	r.setState(StateAnonymous, CauseNone)
	if r.onLogout != nil && prior != nil {
		r.onLogout(ctx, prior)
	}
	return nil
}
