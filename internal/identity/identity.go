package identity

import (
	"encoding/json"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// MaxTokenLen caps the bearer token the client is willing to persist.
	// Anything larger is suspicious and would bloat the durable record.
	MaxTokenLen = 4096

	// AnonKey scopes cached data for an identity that has neither email nor
	// name. Such identities are invalid and never persisted, but the cache
	// key derivation still needs a stable marker for them.
	AnonKey = "anon"
)

// Identity is the authenticated user as known to the client. It is replaced
// wholesale on every reconciliation, never mutated field by field. Extra
// carries server-supplied fields the client does not model; it is kept in a
// dedicated container so the record's shape stays fixed.
type Identity struct {
	Name  string         `json:"name"`
	Email string         `json:"email"`
	Token string         `json:"token,omitempty"`
	Extra map[string]any `json:"extra,omitempty"`
}

// Valid reports whether the identity is structurally usable: at least one of
// name/email set, and a token (if any) under the size ceiling.
func (id Identity) Valid() bool {
	if id.Name == "" && id.Email == "" {
		return false
	}
	return len(id.Token) <= MaxTokenLen
}

// Key derives the cache key scoping per-user data: email wins over name,
// and an identity with neither falls back to the anonymous marker.
func (id Identity) Key() string {
	switch {
	case id.Email != "":
		return id.Email
	case id.Name != "":
		return id.Name
	default:
		return AnonKey
	}
}

// TokenExpired reports whether the bearer token carries an exp claim in the
// past. The client holds no signing key, so the parse is unverified: the
// point is only to avoid presenting a token the server is guaranteed to
// reject. Opaque or claim-less tokens are assumed live.
func (id Identity) TokenExpired(now time.Time) bool {
	if id.Token == "" {
		return false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(id.Token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Time.Before(now)
}

// Merge combines a tentative local identity with the server's who-am-I
// payload. Server fields win where present; the local token survives when
// the server response does not supply one.
func Merge(local, server Identity) Identity {
	out := Identity{
		Name:  server.Name,
		Email: server.Email,
		Token: server.Token,
	}
	if out.Name == "" {
		out.Name = local.Name
	}
	if out.Email == "" {
		out.Email = local.Email
	}
	if out.Token == "" {
		out.Token = local.Token
	}
	if len(server.Extra) > 0 {
		out.Extra = make(map[string]any, len(server.Extra))
		for k, v := range server.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// FromMap builds an Identity from an arbitrary server payload. Known fields
// are lifted out; everything else lands in Extra.
func FromMap(payload map[string]any) Identity {
	id := Identity{}
	for k, v := range payload {
		switch k {
		case "name":
			if s, ok := v.(string); ok {
				id.Name = s
			}
		case "email":
			if s, ok := v.(string); ok {
				id.Email = s
			}
		case "token":
			if s, ok := v.(string); ok {
				id.Token = s
			}
		default:
			if id.Extra == nil {
				id.Extra = make(map[string]any)
			}
			id.Extra[k] = v
		}
	}
	return id
}

// Encode serializes the identity for the durable record.
func Encode(id Identity) ([]byte, error) {
	return json.Marshal(id)
}

// Decode parses a durable record. A nil error with a structurally invalid
// identity is possible; callers check Valid separately.
func Decode(data []byte) (Identity, error) {
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return Identity{}, err
	}
	return id, nil
}
