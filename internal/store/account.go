// Package store persists accounts and their credential pairs, and performs
// atomic session updates with rollback. The gateway is the single owner of
// persisted Account data; every read hands out a copy.
package store

import (
	"time"

	serrors "github.com/plumesky/session-agent/internal/errors"
	"github.com/plumesky/session-agent/internal/token"
)

// AuthType distinguishes how an account authenticated.
type AuthType string

const (
	AuthTypeOAuth       AuthType = "oauth"
	AuthTypeAppPassword AuthType = "app_password"
)

// Profile is the account's display metadata.
type Profile struct {
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Session is one rotating credential pair. Both tokens, when present, must
// carry a decodable expiry claim; the refresh token must be non-empty and
// unexpired at write time.
type Session struct {
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
	Handle     string `json:"handle"`
	DID        string `json:"did"`
	Active     bool   `json:"active"`
}

// Account is one independently authenticated identity. ID is stable for the
// account's lifetime; DID is the immutable protocol identifier.
type Account struct {
	ID           string    `json:"id"`
	DID          string    `json:"did"`
	Handle       string    `json:"handle"`
	ServiceURL   string    `json:"service_url"`
	AuthType     AuthType  `json:"auth_type"`
	Profile      Profile   `json:"profile"`
	Session      *Session  `json:"session,omitempty"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	LastAccessAt time.Time `json:"last_access_at"`
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	cp := *a
	if a.Session != nil {
		sess := *a.Session
		cp.Session = &sess
	}
	return &cp
}

// ValidateSession rejects a session that must never reach storage: tokens
// that do not decode, an empty refresh token, or a refresh token already
// expired at write time.
func ValidateSession(sess *Session) error {
	if sess == nil {
		return serrors.NewValidationError("session", "missing")
	}
	if sess.AccessJwt == "" {
		return serrors.NewValidationError("accessJwt", "empty")
	}
	if _, err := token.Decode(sess.AccessJwt); err != nil {
		return serrors.NewValidationError("accessJwt", "not a decodable token")
	}
	if sess.RefreshJwt == "" {
		return serrors.NewValidationError("refreshJwt", "empty")
	}
	if _, err := token.Decode(sess.RefreshJwt); err != nil {
		return serrors.NewValidationError("refreshJwt", "not a decodable token")
	}
	if token.IsExpired(sess.RefreshJwt, 0) {
		return serrors.NewValidationError("refreshJwt", "already expired")
	}
	return nil
}

// MigrationRecord tracks one-time schema migration bookkeeping, read once at
// startup.
type MigrationRecord struct {
	Completed     bool      `json:"completed"`
	Attempts      int       `json:"attempts"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
}
