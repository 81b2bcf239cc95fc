// Package client talks to the remote AT Protocol service on behalf of one
// account. A Client is bound to one account's current session; resuming or
// refreshing swaps the tokens it sends.
package client

import (
	"context"
	"time"
)

// SessionInfo is the remote service's view of a session, as returned by the
// refresh and probe calls.
type SessionInfo struct {
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
	Handle     string `json:"handle"`
	DID        string `json:"did"`
	Active     bool   `json:"active"`
}

// Client is bound to one account's current session. Implementations must
// distinguish auth rejections from transient failures in their returned
// errors (errors.AuthError vs errors.TransientError).
type Client interface {
	// CreateSession authenticates with an identifier and app password,
	// minting the account's first token pair.
	CreateSession(ctx context.Context, identifier, password string) (SessionInfo, error)
	// ResumeSession installs a stored token pair without a remote call.
	ResumeSession(access, refresh string)
	// RefreshSession exchanges the current refresh token for a new pair.
	RefreshSession(ctx context.Context) (SessionInfo, error)
	// Probe performs a cheap authenticated call to validate the session.
	Probe(ctx context.Context) (SessionInfo, error)
	// Logout revokes the session on the remote service. Best effort.
	Logout(ctx context.Context) error
	// CloseIdle releases idle transport resources.
	CloseIdle()
}

// Factory constructs a Client for a service URL. Injected so tests can
// substitute fakes per account.
type Factory func(serviceURL string, timeout time.Duration) Client
