package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	serrors "github.com/plumesky/session-agent/internal/errors"
	"github.com/plumesky/session-agent/internal/metrics"
	"github.com/plumesky/session-agent/pkg/kvstore"
)

const (
	accountKeyPrefix = "account:"
	migrationKey     = "migration:v1"
)

// SessionNotifier is told about committed session updates so in-memory
// schedules and state stay in sync with storage. Wired after construction
// to break the gateway/orchestrator cycle.
type SessionNotifier interface {
	SessionUpdated(accountID string, sess Session)
}

// Gateway wraps the opaque durable store with account semantics. All session
// mutations for one account are serialized through a per-account lock.
type Gateway struct {
	kv       kvstore.Store
	logger   zerolog.Logger
	lockWait time.Duration
	metrics  *metrics.Metrics

	mu       sync.Mutex
	locks    map[string]chan struct{}
	notifier SessionNotifier
}

// NewGateway creates a gateway over kv. lockWait bounds how long a session
// update waits for an in-flight update of the same account. m may be nil.
func NewGateway(kv kvstore.Store, lockWait time.Duration, m *metrics.Metrics, logger zerolog.Logger) *Gateway {
	return &Gateway{
		kv:       kv,
		logger:   logger.With().Str("component", "store").Logger(),
		lockWait: lockWait,
		metrics:  m,
		locks:    make(map[string]chan struct{}),
	}
}

// storeErr counts and wraps a durable-store failure.
func (g *Gateway) storeErr(op, key string, err error) error {
	if g.metrics != nil {
		g.metrics.StoreErrorsTotal.WithLabelValues(op).Inc()
	}
	return serrors.NewStoreError(op, key, err)
}

// SetNotifier wires the session-update notifier. Must be called before any
// AtomicSessionUpdate when notification is wanted.
func (g *Gateway) SetNotifier(n SessionNotifier) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.notifier = n
}

func accountKey(id string) string { return accountKeyPrefix + id }

// LoadAll returns a copy of every stored account. Corrupt records are
// logged and skipped, never fatal.
func (g *Gateway) LoadAll(ctx context.Context) ([]*Account, error) {
	keys, err := g.kv.Keys(ctx, accountKeyPrefix)
	if err != nil {
		return nil, g.storeErr("keys", accountKeyPrefix, err)
	}
	accounts := make([]*Account, 0, len(keys))
	for _, key := range keys {
		data, err := g.kv.Load(ctx, key)
		if err != nil {
			g.logger.Warn().Err(err).Str("key", key).Msg("skipping unreadable account record")
			continue
		}
		var acct Account
		if err := json.Unmarshal(data, &acct); err != nil {
			g.logger.Warn().Err(err).Str("key", key).Msg("skipping corrupt account record")
			continue
		}
		accounts = append(accounts, &acct)
	}
	return accounts, nil
}

// GetByID returns a copy of one account, or ErrAccountNotFound.
func (g *Gateway) GetByID(ctx context.Context, id string) (*Account, error) {
	data, err := g.kv.Load(ctx, accountKey(id))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, serrors.ErrAccountNotFound
	}
	if err != nil {
		return nil, g.storeErr("load", accountKey(id), err)
	}
	var acct Account
	if err := json.Unmarshal(data, &acct); err != nil {
		return nil, g.storeErr("decode", accountKey(id), err)
	}
	return &acct, nil
}

// Save inserts or updates the account by its stable ID.
func (g *Gateway) Save(ctx context.Context, acct *Account) error {
	cp := acct.Clone()
	now := time.Now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now

	data, err := json.Marshal(cp)
	if err != nil {
		return g.storeErr("encode", accountKey(cp.ID), err)
	}
	if err := g.kv.Set(ctx, accountKey(cp.ID), data); err != nil {
		return g.storeErr("set", accountKey(cp.ID), err)
	}
	if err := g.kv.Save(ctx); err != nil {
		return g.storeErr("save", accountKey(cp.ID), err)
	}
	return nil
}

// Delete removes an account. Deleting an absent account is a no-op.
func (g *Gateway) Delete(ctx context.Context, id string) error {
	if err := g.kv.Delete(ctx, accountKey(id)); err != nil {
		return g.storeErr("delete", accountKey(id), err)
	}
	if err := g.kv.Save(ctx); err != nil {
		return g.storeErr("save", accountKey(id), err)
	}
	return nil
}

// AtomicSessionUpdate validates newSession, then applies it to the account
// under the per-account lock: backup, write, notify, verify, and on any
// failure roll back to the backup. If rollback itself fails the session is
// blanked and the account deactivated so the caller is forced to
// re-authenticate instead of operating on ambiguous credentials.
func (g *Gateway) AtomicSessionUpdate(ctx context.Context, accountID string, newSession Session) error {
	// Step 1: reject bad input before touching storage.
	if err := ValidateSession(&newSession); err != nil {
		return err
	}

	release, err := g.acquireLock(ctx, accountID)
	if err != nil {
		return err
	}
	defer release()

	// Step 2: load current state and keep a deep copy for rollback.
	current, err := g.GetByID(ctx, accountID)
	if err != nil {
		return err
	}
	backup := current.Clone()

	// Step 3: rotation diagnostics. Informational only, never blocks.
	g.logRotation(accountID, backup.Session, &newSession)

	// Step 4: write the mutated account.
	updated := current.Clone()
	updated.Session = &newSession
	updated.Handle = newSession.Handle
	updated.Active = true
	updated.LastAccessAt = time.Now()
	if err := g.Save(ctx, updated); err != nil {
		return g.rollback(ctx, accountID, backup, err)
	}

	// Step 5: let the orchestrator refresh its in-memory state.
	g.mu.Lock()
	notifier := g.notifier
	g.mu.Unlock()
	if notifier != nil {
		notifier.SessionUpdated(accountID, newSession)
	}

	// Step 6: re-read and verify the committed token pair.
	persisted, err := g.GetByID(ctx, accountID)
	if err != nil {
		return g.rollback(ctx, accountID, backup, err)
	}
	if persisted.Session == nil ||
		persisted.Session.AccessJwt != newSession.AccessJwt ||
		persisted.Session.RefreshJwt != newSession.RefreshJwt {
		return g.rollback(ctx, accountID, backup, &serrors.IntegrityError{
			AccountID: accountID,
			Detail:    "persisted token pair does not match written session",
		})
	}

	g.logger.Debug().Str("account_id", accountID).Msg("session update committed")
	return nil
}

// rollback restores the pre-mutation backup. If the restore also fails, the
// one deliberate data-destroying path: blank the session and deactivate the
// account rather than leave ambiguous credentials.
func (g *Gateway) rollback(ctx context.Context, accountID string, backup *Account, cause error) error {
	g.logger.Warn().Err(cause).Str("account_id", accountID).Msg("session update failed, rolling back")

	restoreErr := g.Save(ctx, backup)
	if restoreErr == nil {
		return cause
	}
	g.logger.Error().Err(restoreErr).Str("account_id", accountID).Msg("rollback failed, invalidating session")

	invalidated := backup.Clone()
	invalidated.Session = nil
	invalidated.Active = false
	if err := g.Save(ctx, invalidated); err != nil {
		g.logger.Error().Err(err).Str("account_id", accountID).Msg("failed to invalidate session after rollback failure")
		return cause
	}
	return errors.Join(cause, serrors.ErrSessionInvalidated)
}

// logRotation reports whether the token values actually changed. A refresh
// response that returns the same refresh token is a rotation anomaly worth
// noticing, but never a failure.
func (g *Gateway) logRotation(accountID string, old, fresh *Session) {
	if old == nil {
		g.logger.Info().Str("account_id", accountID).Msg("installing first session for account")
		return
	}
	accessChanged := old.AccessJwt != fresh.AccessJwt
	refreshChanged := old.RefreshJwt != fresh.RefreshJwt
	g.logger.Debug().
		Str("account_id", accountID).
		Bool("access_rotated", accessChanged).
		Bool("refresh_rotated", refreshChanged).
		Msg("token rotation diagnostics")
	if !refreshChanged {
		g.logger.Warn().Str("account_id", accountID).Msg("refresh token was not rotated by the service")
	}
}

// acquireLock serializes session updates per account. A waiter that exceeds
// the lock-wait deadline force-clears the stale lock and proceeds; liveness
// wins over strict exclusion since the mutation itself can roll back.
func (g *Gateway) acquireLock(ctx context.Context, accountID string) (func(), error) {
	deadline := time.Now().Add(g.lockWait)
	for {
		g.mu.Lock()
		holder, held := g.locks[accountID]
		if !held {
			ch := make(chan struct{})
			g.locks[accountID] = ch
			g.mu.Unlock()
			release := func() {
				g.mu.Lock()
				if g.locks[accountID] == ch {
					delete(g.locks, accountID)
				}
				g.mu.Unlock()
				close(ch)
			}
			return release, nil
		}
		g.mu.Unlock()

		wait := time.Until(deadline)
		if wait <= 0 {
			g.forceClear(accountID, holder)
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-holder:
			timer.Stop()
		case <-timer.C:
			g.forceClear(accountID, holder)
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

func (g *Gateway) forceClear(accountID string, holder chan struct{}) {
	g.mu.Lock()
	if g.locks[accountID] == holder {
		delete(g.locks, accountID)
		if g.metrics != nil {
			g.metrics.StoreErrorsTotal.WithLabelValues("lock_timeout").Inc()
		}
		g.logger.Warn().
			Err(&serrors.ConcurrencyTimeout{AccountID: accountID, WaitedFor: g.lockWait.String()}).
			Str("account_id", accountID).
			Msg("force-cleared stale session lock")
	}
	g.mu.Unlock()
}

// MigrationStatus reads the one-time migration record. A missing record
// means the migration has never run.
func (g *Gateway) MigrationStatus(ctx context.Context) (MigrationRecord, error) {
	data, err := g.kv.Load(ctx, migrationKey)
	if errors.Is(err, kvstore.ErrNotFound) {
		return MigrationRecord{}, nil
	}
	if err != nil {
		return MigrationRecord{}, g.storeErr("load", migrationKey, err)
	}
	var rec MigrationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return MigrationRecord{}, g.storeErr("decode", migrationKey, err)
	}
	return rec, nil
}

// RecordMigrationAttempt bumps the attempt counter and records completion.
func (g *Gateway) RecordMigrationAttempt(ctx context.Context, completed bool) error {
	rec, err := g.MigrationStatus(ctx)
	if err != nil {
		return err
	}
	rec.Attempts++
	rec.Completed = rec.Completed || completed
	rec.LastAttemptAt = time.Now()

	data, err := json.Marshal(rec)
	if err != nil {
		return g.storeErr("encode", migrationKey, err)
	}
	if err := g.kv.Set(ctx, migrationKey, data); err != nil {
		return g.storeErr("set", migrationKey, err)
	}
	return g.kv.Save(ctx)
}
