// Package apierr defines the error taxonomy of the booking backend's REST
// contract. It is shared by the client that issues the requests and the
// state layers that interpret their failures.
package apierr

import (
	"errors"
	"fmt"
)

// ErrUnauthorized covers 401/403 responses: the credential (cookie or
// bearer) was missing, expired, or not valid for the resource.
var ErrUnauthorized = errors.New("api: unauthorized")

// ValidationError is a 4xx rejection carrying the backend's detail message.
// The message is surfaced to the user verbatim and never retried.
type ValidationError struct {
	Status int
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return fmt.Sprintf("request rejected with status %d", e.Status)
}
