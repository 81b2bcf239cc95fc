// Package token inspects JWTs held for remote sessions. Tokens are signed by
// the remote service and cannot be verified locally, so all inspection is
// decode-only: the expiry claim drives refresh scheduling, nothing more.
//
// Fail-closed policy: any token that cannot be decoded, or that carries no
// usable expiry claim, is treated as already expired.
package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Kind distinguishes the two halves of a credential pair.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// Claims holds the decoded timing claims of a token.
type Claims struct {
	ExpiresAt time.Time
	IssuedAt  time.Time
}

var parser = jwt.NewParser(jwt.WithoutClaimsValidation())

// Decode extracts the timing claims from a token without verifying its
// signature. Malformed tokens return an error value; Decode never panics.
func Decode(raw string) (Claims, error) {
	var rc jwt.RegisteredClaims
	if _, _, err := parser.ParseUnverified(raw, &rc); err != nil {
		return Claims{}, err
	}
	c := Claims{}
	if rc.ExpiresAt != nil {
		c.ExpiresAt = rc.ExpiresAt.Time
	}
	if rc.IssuedAt != nil {
		c.IssuedAt = rc.IssuedAt.Time
	}
	return c, nil
}

// ExpiresAt returns the token's expiry and true, or the zero time and false
// when no valid expiry can be decoded.
func ExpiresAt(raw string) (time.Time, bool) {
	c, err := Decode(raw)
	if err != nil || c.ExpiresAt.IsZero() {
		return time.Time{}, false
	}
	return c.ExpiresAt, true
}

// RemainingSeconds returns the whole seconds until expiry, floored at zero.
// Undecodable tokens have zero remaining lifetime.
func RemainingSeconds(raw string) int64 {
	exp, ok := ExpiresAt(raw)
	if !ok {
		return 0
	}
	rem := time.Until(exp)
	if rem <= 0 {
		return 0
	}
	return int64(rem / time.Second)
}

// IsExpired reports whether the token is expired or will expire within
// buffer. Undecodable tokens are always expired.
func IsExpired(raw string, buffer time.Duration) bool {
	exp, ok := ExpiresAt(raw)
	if !ok {
		return true
	}
	return time.Now().After(exp.Add(-buffer))
}

// Info is a point-in-time snapshot of one tracked token. Snapshots are
// values; callers never share a mutable reference with the scheduler.
type Info struct {
	AccountID    string
	Kind         Kind
	Raw          string
	ExpiresAt    time.Time
	Remaining    int64
	IsExpired    bool
	NeedsRefresh bool
	RegisteredAt time.Time
	CheckedAt    time.Time
}

// Inspect builds a fresh Info for the token using the refresh buffer for its
// kind. The snapshot is recomputed on every call, never cached.
func Inspect(accountID string, kind Kind, raw string, buffer time.Duration) Info {
	now := time.Now()
	info := Info{
		AccountID:    accountID,
		Kind:         kind,
		Raw:          raw,
		RegisteredAt: now,
		CheckedAt:    now,
	}
	exp, ok := ExpiresAt(raw)
	if !ok {
		info.IsExpired = true
		info.NeedsRefresh = true
		return info
	}
	info.ExpiresAt = exp
	info.Remaining = RemainingSeconds(raw)
	info.IsExpired = now.After(exp)
	info.NeedsRefresh = time.Duration(info.Remaining)*time.Second <= buffer
	return info
}
