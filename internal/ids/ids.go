package ids

import "github.com/oklog/ulid/v2"

// New returns a lexicographically sortable identifier. The client tags every
// outgoing backend request with one so failures can be correlated in logs.
func New() string {
	return ulid.Make().String()
}
