package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"buslane.org/internal/apierr"
	"buslane.org/internal/identity"
	"buslane.org/internal/storage"
)

func expiredJWT(t *testing.T) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "a@x.com",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

type fakeBackend struct {
	meFn     func(token string) (identity.Identity, error)
	loginFn  func(email, password string) (identity.Identity, error)
	signupFn func(name, email, password string) error
	logoutFn func() error

	meTokens []string
}

func (f *fakeBackend) Me(_ context.Context, token string) (identity.Identity, error) {
	f.meTokens = append(f.meTokens, token)
	if f.meFn == nil {
		return identity.Identity{}, apierr.ErrUnauthorized
	}
	return f.meFn(token)
}

func (f *fakeBackend) Login(_ context.Context, email, password string) (identity.Identity, error) {
	if f.loginFn == nil {
		return identity.Identity{}, errors.New("login not configured")
	}
	return f.loginFn(email, password)
}

func (f *fakeBackend) Signup(_ context.Context, name, email, password string) error {
	if f.signupFn == nil {
		return nil
	}
	return f.signupFn(name, email, password)
}

func (f *fakeBackend) Logout(_ context.Context) error {
	if f.logoutFn == nil {
		return nil
	}
	return f.logoutFn()
}

func seedRecord(t *testing.T, db storage.Store, id identity.Identity) {
	t.Helper()
	data, err := identity.Encode(id)
	if err != nil {
		t.Fatalf("encode seed: %v", err)
	}
	if err := db.Set(context.Background(), RecordKey, data); err != nil {
		t.Fatalf("seed record: %v", err)
	}
}

// Persisted identity with only an email, no token: the who-am-I check runs
// over the ambient cookie and the server's name fills in.
func TestReconcileCookieFlow(t *testing.T) {
	t.Parallel()

	db := storage.NewMemory().Handle()
	seedRecord(t, db, identity.Identity{Email: "a@x.com"})

	backend := &fakeBackend{
		meFn: func(string) (identity.Identity, error) {
			return identity.Identity{Name: "A", Email: "a@x.com"}, nil
		},
	}
	store := NewStore(db)
	rec := NewReconciler(store, backend)

	got, err := rec.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if got == nil || got.Name != "A" || got.Email != "a@x.com" || got.Token != "" {
		t.Fatalf("final identity = %+v", got)
	}
	if len(backend.meTokens) != 1 || backend.meTokens[0] != "" {
		t.Fatalf("expected cookie-based check, tokens = %v", backend.meTokens)
	}
	if rec.State() != StateAuthenticated {
		t.Fatalf("state = %v", rec.State())
	}
}

// A stored token takes precedence over the ambient cookie, and survives a
// who-am-I response that does not return one.
func TestReconcileTokenPrecedenceAndRetention(t *testing.T) {
	t.Parallel()

	db := storage.NewMemory().Handle()
	seedRecord(t, db, identity.Identity{Name: "old", Email: "a@x.com", Token: "tok-1"})

	backend := &fakeBackend{
		meFn: func(token string) (identity.Identity, error) {
			if token != "tok-1" {
				return identity.Identity{}, fmt.Errorf("expected bearer check, got %q", token)
			}
			return identity.Identity{Name: "Server Name", Email: "a@x.com"}, nil
		},
	}
	store := NewStore(db)
	rec := NewReconciler(store, backend)

	got, err := rec.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if got.Name != "Server Name" {
		t.Fatalf("server name should win, got %q", got.Name)
	}
	if got.Token != "tok-1" {
		t.Fatalf("token should be retained, got %q", got.Token)
	}
}

// No persisted identity and a rejected check: anonymous, no error.
func TestReconcileUnauthorized(t *testing.T) {
	t.Parallel()

	db := storage.NewMemory().Handle()
	store := NewStore(db)
	rec := NewReconciler(store, &fakeBackend{})

	got, err := rec.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("unauthorized should not be an error: %v", err)
	}
	if got != nil {
		t.Fatalf("final identity = %+v, want nil", got)
	}
	if rec.State() != StateAnonymous || rec.LastCause() != CauseUnauthorized {
		t.Fatalf("state = %v cause = %v", rec.State(), rec.LastCause())
	}
}

// A transport failure also clears identity (default policy), but is
// reported so callers can distinguish it and retry.
func TestReconcileTransportError(t *testing.T) {
	t.Parallel()

	db := storage.NewMemory().Handle()
	seedRecord(t, db, identity.Identity{Email: "a@x.com", Token: "tok"})

	backend := &fakeBackend{
		meFn: func(string) (identity.Identity, error) {
			return identity.Identity{}, errors.New("connection refused")
		},
	}
	store := NewStore(db)
	rec := NewReconciler(store, backend)

	got, err := rec.Reconcile(context.Background())
	if err == nil {
		t.Fatalf("transport failure should surface an error")
	}
	if got != nil || store.Get() != nil {
		t.Fatalf("identity should be cleared")
	}
	if rec.LastCause() != CauseTransport {
		t.Fatalf("cause = %v, want CauseTransport", rec.LastCause())
	}
}

func TestLoginInstallsIdentity(t *testing.T) {
	t.Parallel()

	db := storage.NewMemory().Handle()
	backend := &fakeBackend{
		loginFn: func(email, password string) (identity.Identity, error) {
			if email != "a@x.com" || password != "pw" {
				return identity.Identity{}, &apierr.ValidationError{Status: 400, Detail: "Incorrect password"}
			}
			return identity.Identity{Name: "A", Email: email, Token: "tok-1"}, nil
		},
	}
	store := NewStore(db)
	rec := NewReconciler(store, backend)

	if err := rec.Login(context.Background(), "a@x.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if got := store.Get(); got == nil || got.Token != "tok-1" {
		t.Fatalf("identity after login = %+v", got)
	}
	if rec.State() != StateAuthenticated {
		t.Fatalf("state = %v", rec.State())
	}
}

func TestLoginFailureRetainsPriorIdentity(t *testing.T) {
	t.Parallel()

	db := storage.NewMemory().Handle()
	store := NewStore(db)
	store.Set(&identity.Identity{Name: "A", Email: "a@x.com"})

	backend := &fakeBackend{
		loginFn: func(string, string) (identity.Identity, error) {
			return identity.Identity{}, &apierr.ValidationError{Status: 400, Detail: "User not found"}
		},
	}
	rec := NewReconciler(store, backend)

	err := rec.Login(context.Background(), "b@x.com", "pw")
	var verr *apierr.ValidationError
	if !errors.As(err, &verr) || verr.Detail != "User not found" {
		t.Fatalf("expected the backend detail verbatim, got %v", err)
	}
	if got := store.Get(); got == nil || got.Email != "a@x.com" {
		t.Fatalf("prior identity should be retained, got %+v", got)
	}
	if rec.State() != StateAuthenticated {
		t.Fatalf("state = %v", rec.State())
	}
}

func TestLogoutClearsIdentityAndRecord(t *testing.T) {
	t.Parallel()

	db := storage.NewMemory().Handle()
	store := NewStore(db)
	store.Set(&identity.Identity{Name: "A", Email: "a@x.com", Token: "tok"})
	rec := NewReconciler(store, &fakeBackend{})

	if err := rec.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if store.Get() != nil || store.Persisted() != nil {
		t.Fatalf("logout left identity behind")
	}
	if rec.State() != StateAnonymous {
		t.Fatalf("state = %v", rec.State())
	}
}

func TestLogoutFailureKeepsSession(t *testing.T) {
	t.Parallel()

	db := storage.NewMemory().Handle()
	store := NewStore(db)
	store.Set(&identity.Identity{Name: "A", Email: "a@x.com"})

	backend := &fakeBackend{logoutFn: func() error { return errors.New("backend down") }}
	rec := NewReconciler(store, backend, WithLogoutHook(func(context.Context, *identity.Identity) {
		t.Errorf("hook must not run on a failed logout")
	}))

	if err := rec.Logout(context.Background()); err == nil {
		t.Fatalf("expected logout error")
	}
	if store.Get() == nil {
		t.Fatalf("failed logout must not clear the session")
	}
}

// The hook fires with the identity read from the durable record even when
// nothing was loaded into memory first, mirroring a one-shot CLI process
// that logs out without reconciling.
func TestLogoutHookReceivesPersistedIdentity(t *testing.T) {
	t.Parallel()

	db := storage.NewMemory().Handle()
	seedRecord(t, db, identity.Identity{Email: "a@x.com", Token: "tok"})
	store := NewStore(db)

	var evicted []string
	rec := NewReconciler(store, &fakeBackend{}, WithLogoutHook(func(_ context.Context, id *identity.Identity) {
		evicted = append(evicted, id.Key())
	}))

	if err := rec.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if len(evicted) != 1 || evicted[0] != "a@x.com" {
		t.Fatalf("hook calls = %v, want the persisted user's key", evicted)
	}
	if store.Persisted() != nil {
		t.Fatalf("logout left the durable record behind")
	}
}

// An expired bearer token is not presented; the check falls back to the
// ambient cookie session.
func TestReconcileSkipsExpiredToken(t *testing.T) {
	t.Parallel()

	db := storage.NewMemory().Handle()
	seedRecord(t, db, identity.Identity{Email: "a@x.com", Token: expiredJWT(t)})

	backend := &fakeBackend{
		meFn: func(token string) (identity.Identity, error) {
			if token != "" {
				return identity.Identity{}, fmt.Errorf("expired token was presented")
			}
			return identity.Identity{Name: "A", Email: "a@x.com"}, nil
		},
	}
	store := NewStore(db)
	rec := NewReconciler(store, backend)

	if _, err := rec.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(backend.meTokens) != 1 || backend.meTokens[0] != "" {
		t.Fatalf("expected cookie fallback, tokens = %v", backend.meTokens)
	}
}
