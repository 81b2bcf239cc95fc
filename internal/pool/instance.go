// Package pool owns at most one live remote client per account, evicting on
// inactivity or capacity pressure and scoring per-instance health.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/plumesky/session-agent/internal/client"
	serrors "github.com/plumesky/session-agent/internal/errors"
	"github.com/plumesky/session-agent/internal/store"
)

// PersistFunc persists a refreshed session for one account. Each instance is
// bound to a closure over its own account ID so one account's refresh side
// effects can never leak into another's state.
type PersistFunc func(ctx context.Context, sess store.Session) error

// Metadata is a snapshot of one instance's bookkeeping.
type Metadata struct {
	AccountID   string
	CreatedAt   time.Time
	LastUsedAt  time.Time
	AccessCount int64
	CallCount   int64
	ErrorCount  int64
	ErrorRate   float64
	AvgLatency  time.Duration
}

// Instance is one account's live remote client plus its call statistics.
// Instance and metadata are created and destroyed together.
type Instance struct {
	accountID string
	client    client.Client
	persist   PersistFunc

	mu           sync.Mutex
	createdAt    time.Time
	lastUsedAt   time.Time
	accessCount  int64
	callCount    int64
	errorCount   int64
	totalLatency  time.Duration
	inactivity    *time.Timer
	inactivityTTL time.Duration
	disposed      bool
}

func newInstance(accountID string, c client.Client, persist PersistFunc) *Instance {
	now := time.Now()
	return &Instance{
		accountID:  accountID,
		client:     c,
		persist:    persist,
		createdAt:  now,
		lastUsedAt: now,
	}
}

// AccountID returns the account this instance is bound to.
func (i *Instance) AccountID() string { return i.accountID }

// Client exposes the underlying remote client.
func (i *Instance) Client() client.Client { return i.client }

// touch bumps the usage bookkeeping and pushes back the inactivity timer.
func (i *Instance) touch() {
	i.mu.Lock()
	i.lastUsedAt = time.Now()
	i.accessCount++
	if i.inactivity != nil {
		i.inactivity.Reset(i.inactivityTTL)
	}
	i.mu.Unlock()
}

func (i *Instance) armInactivity(ttl time.Duration, onExpire func()) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.inactivityTTL = ttl
	i.inactivity = time.AfterFunc(ttl, onExpire)
}

func (i *Instance) recordCall(latency time.Duration, err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.callCount++
	i.totalLatency += latency
	if err != nil {
		i.errorCount++
	}
}

// Refresh exchanges the refresh token and persists the result through the
// bound per-account callback.
func (i *Instance) Refresh(ctx context.Context) (store.Session, error) {
	start := time.Now()
	info, err := i.client.RefreshSession(ctx)
	i.recordCall(time.Since(start), err)
	if err != nil {
		return store.Session{}, err
	}

	sess := store.Session{
		AccessJwt:  info.AccessJwt,
		RefreshJwt: info.RefreshJwt,
		Handle:     info.Handle,
		DID:        info.DID,
		Active:     true,
	}
	if i.persist != nil {
		if err := i.persist(ctx, sess); err != nil {
			return store.Session{}, err
		}
	}
	return sess, nil
}

// Probe runs the cheap authenticated validation call.
func (i *Instance) Probe(ctx context.Context) (client.SessionInfo, error) {
	start := time.Now()
	info, err := i.client.Probe(ctx)
	i.recordCall(time.Since(start), err)
	return info, err
}

// Metadata returns a copy of the instance's bookkeeping.
func (i *Instance) Metadata() Metadata {
	i.mu.Lock()
	defer i.mu.Unlock()
	md := Metadata{
		AccountID:   i.accountID,
		CreatedAt:   i.createdAt,
		LastUsedAt:  i.lastUsedAt,
		AccessCount: i.accessCount,
		CallCount:   i.callCount,
		ErrorCount:  i.errorCount,
	}
	if i.callCount > 0 {
		md.ErrorRate = float64(i.errorCount) / float64(i.callCount)
		md.AvgLatency = i.totalLatency / time.Duration(i.callCount)
	}
	return md
}

// dispose releases the instance's resources. Idempotent.
func (i *Instance) dispose(ctx context.Context, logout bool) {
	i.mu.Lock()
	if i.disposed {
		i.mu.Unlock()
		return
	}
	i.disposed = true
	if i.inactivity != nil {
		i.inactivity.Stop()
		i.inactivity = nil
	}
	i.mu.Unlock()

	if logout {
		if err := i.client.Logout(ctx); err != nil && !serrors.IsAuth(err) {
			// Best effort; the tokens will expire server-side anyway.
			_ = err
		}
	}
	i.client.CloseIdle()
}
