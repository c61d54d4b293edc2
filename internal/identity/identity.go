// Package identity issues and validates connection identities.
package identity

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Remove when the connection id is unknown.
var ErrNotFound = errors.New("connection id not found")

// ID is a connection id and its shared secret.
type ID struct {
	ConnectionID string
	Password     string
}

// AuthorizationResult is the outcome of checking an ID against a Store.
type AuthorizationResult int

const (
	// Authorized means the connection id exists and the password matches.
	Authorized AuthorizationResult = iota
	// NotAuthorized means the connection id exists but the password does not match.
	NotAuthorized
	// NotFound means the connection id was never issued or has been revoked.
	NotFound
)

func (r AuthorizationResult) String() string {
	switch r {
	case Authorized:
		return "Authorized"
	case NotAuthorized:
		return "NotAuthorized"
	case NotFound:
		return "NotFound"
	}
	return "Unknown"
}

// Store issues identities and authorizes requests against them.
// Implementations must be safe for concurrent use.
type Store interface {
	// Register issues a fresh identity. It never returns a connection id
	// that is still valid.
	Register(ctx context.Context) (ID, error)
	// IsAuthorized checks candidate against the issued identities.
	IsAuthorized(ctx context.Context, candidate ID) (AuthorizationResult, error)
	// Remove revokes connectionID. Afterwards IsAuthorized reports NotFound.
	Remove(ctx context.Context, connectionID string) error
}
