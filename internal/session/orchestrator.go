// Package session coordinates the credential lifecycle across all accounts:
// it owns the per-account state machine, drives refreshes on schedule or on
// demand, and translates outcomes into lifecycle events.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/plumesky/session-agent/internal/backoff"
	serrors "github.com/plumesky/session-agent/internal/errors"
	"github.com/plumesky/session-agent/internal/event"
	"github.com/plumesky/session-agent/internal/metrics"
	"github.com/plumesky/session-agent/internal/pool"
	"github.com/plumesky/session-agent/internal/scheduler"
	"github.com/plumesky/session-agent/internal/store"
	"github.com/plumesky/session-agent/internal/token"
)

// Config bounds the orchestrator's refresh behavior.
type Config struct {
	// RefreshTimeout time-boxes one refresh execution end to end,
	// including retries. A timeout counts as a refresh failure.
	RefreshTimeout time.Duration
	// MaxFailures is how many consecutive refresh failures an account
	// may accumulate before it is declared invalid.
	MaxFailures int
	// AccessBuffer and RefreshBuffer mirror the scheduler's refresh
	// buffers and drive validation decisions.
	AccessBuffer  time.Duration
	RefreshBuffer time.Duration
}

// Orchestrator is the coordination layer over the store gateway, the token
// scheduler and the client pool. It owns every accountState; the other
// components only ever see copies.
type Orchestrator struct {
	cfg       Config
	gateway   *store.Gateway
	scheduler *scheduler.Scheduler
	pool      *pool.Pool
	policy    *backoff.Policy
	bus       *event.Bus
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	mu       sync.Mutex
	accounts map[string]*accountState
	closed   bool
}

// New wires the orchestrator. It registers itself as the gateway's session
// notifier so committed updates flow back into scheduling.
func New(cfg Config, gw *store.Gateway, sched *scheduler.Scheduler, p *pool.Pool, policy *backoff.Policy, bus *event.Bus, m *metrics.Metrics, logger zerolog.Logger) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		gateway:   gw,
		scheduler: sched,
		pool:      p,
		policy:    policy,
		bus:       bus,
		metrics:   m,
		logger:    logger.With().Str("component", "orchestrator").Logger(),
		accounts:  make(map[string]*accountState),
	}
	gw.SetNotifier(o)
	return o
}

// Hydrate loads every stored account and registers it. Called once at
// startup; individual bad accounts never abort hydration.
func (o *Orchestrator) Hydrate(ctx context.Context) error {
	accounts, err := o.gateway.LoadAll(ctx)
	if err != nil {
		return err
	}
	for _, acct := range accounts {
		state := o.Register(acct)
		o.logger.Info().
			Str("account_id", acct.ID).
			Str("handle", acct.Handle).
			Str("state", string(state)).
			Msg("account hydrated")
	}
	o.logger.Info().Int("accounts", len(accounts)).Msg("hydration complete")
	return nil
}

// Register creates (or resets) the account's session state, classifies it
// from its stored tokens and arms refresh schedules when recoverable.
func (o *Orchestrator) Register(acct *store.Account) State {
	st := &accountState{state: StateRegistered}

	switch {
	case !acct.Active || acct.Session == nil:
		st.state = StateInvalid
	case token.IsExpired(acct.Session.RefreshJwt, 0):
		// The refresh token itself is gone; only re-auth recovers this.
		st.state = StateInvalid
	case token.IsExpired(acct.Session.AccessJwt, o.cfg.AccessBuffer):
		st.state = StateNeedsRefresh
	default:
		st.state = StateValid
	}
	if acct.Session != nil {
		if exp, ok := token.ExpiresAt(acct.Session.AccessJwt); ok {
			st.accessExpiresAt = exp
		}
		if exp, ok := token.ExpiresAt(acct.Session.RefreshJwt); ok {
			st.refreshExpiresAt = exp
		}
	}

	// The state may start mutating the instant it is scheduled, so the
	// classification is captured before st escapes.
	state := st.state

	o.mu.Lock()
	o.accounts[acct.ID] = st
	total := len(o.accounts)
	o.mu.Unlock()
	if o.metrics != nil {
		o.metrics.AccountsActive.Set(float64(total))
	}

	if state == StateValid || state == StateNeedsRefresh {
		o.schedule(acct.ID, *acct.Session)
	}
	return state
}

// Login authenticates a new account with an app password, persists it and
// registers it for lifecycle management. Logging in again as an existing
// account replaces its stored session.
func (o *Orchestrator) Login(ctx context.Context, serviceURL, identifier, password string) (*store.Account, error) {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return nil, serrors.ErrShutdown
	}

	c := o.pool.NewClient(serviceURL)
	defer c.CloseIdle()
	info, err := c.CreateSession(ctx, identifier, password)
	if err != nil {
		o.logger.Warn().Err(err).Str("identifier", identifier).Msg("login failed")
		return nil, err
	}

	sess := store.Session{
		AccessJwt:  info.AccessJwt,
		RefreshJwt: info.RefreshJwt,
		Handle:     info.Handle,
		DID:        info.DID,
		Active:     true,
	}
	if err := store.ValidateSession(&sess); err != nil {
		return nil, err
	}

	now := time.Now()
	acct := &store.Account{
		ID:           info.DID,
		DID:          info.DID,
		Handle:       info.Handle,
		ServiceURL:   serviceURL,
		AuthType:     store.AuthTypeAppPassword,
		Session:      &sess,
		Active:       true,
		LastAccessAt: now,
	}
	if existing, err := o.gateway.GetByID(ctx, info.DID); err == nil {
		acct.Profile = existing.Profile
		acct.CreatedAt = existing.CreatedAt
	}
	if err := o.gateway.Save(ctx, acct); err != nil {
		return nil, err
	}

	state := o.Register(acct)
	o.bus.Publish(event.New(event.TypeAccountAdded, acct.ID).WithDetail("handle", acct.Handle))
	o.logger.Info().
		Str("account_id", acct.ID).
		Str("handle", acct.Handle).
		Str("state", string(state)).
		Msg("account logged in")
	return acct, nil
}

// Unregister drops the account's state and every resource bound to it.
func (o *Orchestrator) Unregister(ctx context.Context, accountID string) {
	o.mu.Lock()
	delete(o.accounts, accountID)
	total := len(o.accounts)
	o.mu.Unlock()

	o.scheduler.CancelAccount(accountID)
	o.pool.Remove(ctx, accountID)
	if o.metrics != nil {
		o.metrics.AccountsActive.Set(float64(total))
	}
}

// ProactiveRefresh refreshes one account's session. Reentrant-safe: a call
// arriving while a refresh for the same account is in flight awaits that
// refresh's outcome instead of starting a second one.
func (o *Orchestrator) ProactiveRefresh(ctx context.Context, accountID string) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return serrors.ErrShutdown
	}
	st, ok := o.accounts[accountID]
	if !ok {
		o.mu.Unlock()
		return serrors.ErrAccountNotFound
	}
	if st.inflight != nil {
		fl := st.inflight
		o.mu.Unlock()
		select {
		case <-fl.done:
			return fl.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	fl := &inflight{done: make(chan struct{})}
	st.inflight = fl
	st.state = StateRefreshInProgress
	st.lastAttempt = time.Now()
	o.mu.Unlock()

	o.bus.Publish(event.New(event.TypeRefreshStarted, accountID))
	start := time.Now()
	err := o.refresh(accountID)
	o.finish(accountID, fl, err, time.Since(start))
	return err
}

// refresh performs the actual token exchange. It runs under its own
// deadline, detached from any one caller's context, because its result is
// shared with every waiter.
func (o *Orchestrator) refresh(accountID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.RefreshTimeout)
	defer cancel()

	acct, err := o.gateway.GetByID(ctx, accountID)
	if err != nil {
		return err
	}
	inst := o.pool.Get(ctx, acct)
	if inst == nil {
		return serrors.ErrShutdown
	}
	// The instance persists through its bound callback, which commits via
	// the gateway and comes back around through SessionUpdated.
	res := o.policy.Execute(ctx, func(ctx context.Context) error {
		_, err := inst.Refresh(ctx)
		return err
	}, nil)
	if res.Success {
		return nil
	}
	return res.Err
}

func (o *Orchestrator) finish(accountID string, fl *inflight, err error, took time.Duration) {
	var expired bool

	o.mu.Lock()
	if st, ok := o.accounts[accountID]; ok {
		st.inflight = nil
		if err == nil {
			st.state = StateValid
			st.failures = 0
			st.lastErr = nil
			st.lastValidated = time.Now()
			st.expiredEmitted = false
		} else {
			st.failures++
			st.lastErr = err
			if st.failures >= o.cfg.MaxFailures {
				st.state = StateInvalid
				if !st.expiredEmitted {
					st.expiredEmitted = true
					expired = true
				}
			} else {
				st.state = StateNeedsRefresh
			}
		}
	}
	o.mu.Unlock()

	fl.err = err
	close(fl.done)

	if err == nil {
		if o.metrics != nil {
			o.metrics.RecordRefresh("success", took.Seconds())
		}
		o.bus.Publish(event.New(event.TypeSessionRefreshed, accountID))
		o.bus.Publish(event.New(event.TypeRefreshCompleted, accountID).WithSuccess(true))
		o.logger.Info().Str("account_id", accountID).Dur("took", took).Msg("session refreshed")
		return
	}

	if o.metrics != nil {
		o.metrics.RecordRefresh("failure", took.Seconds())
	}
	o.bus.Publish(event.New(event.TypeSessionError, accountID).WithError(err))
	o.bus.Publish(event.New(event.TypeRefreshCompleted, accountID).WithSuccess(false).WithError(err))
	o.logger.Warn().Err(err).Str("account_id", accountID).Msg("session refresh failed")

	if expired {
		o.scheduler.CancelAccount(accountID)
		o.bus.Publish(event.New(event.TypeSessionExpired, accountID).WithError(err))
		o.logger.Warn().Str("account_id", accountID).Int("failures", o.cfg.MaxFailures).Msg("account needs re-authentication")
	}
}

// NotifyExpired forces the account invalid immediately, bypassing the
// failure counter. Used when the store layer detects an unrecoverable
// session.
func (o *Orchestrator) NotifyExpired(accountID string) {
	var emit bool

	o.mu.Lock()
	st, ok := o.accounts[accountID]
	if ok {
		st.state = StateInvalid
		emit = !st.expiredEmitted
		st.expiredEmitted = true
	}
	o.mu.Unlock()
	if !ok {
		o.logger.Debug().Str("account_id", accountID).Msg("expiry notification for unknown account")
		return
	}

	o.scheduler.CancelAccount(accountID)
	if emit {
		o.bus.Publish(event.New(event.TypeSessionExpired, accountID))
	}
}

// SessionUpdated implements store.SessionNotifier. A committed session
// update re-registers both tokens and re-arms their refresh schedules.
func (o *Orchestrator) SessionUpdated(accountID string, sess store.Session) {
	o.mu.Lock()
	st, ok := o.accounts[accountID]
	if !ok {
		st = &accountState{state: StateRegistered}
		o.accounts[accountID] = st
	}
	if exp, ok := token.ExpiresAt(sess.AccessJwt); ok {
		st.accessExpiresAt = exp
	}
	if exp, ok := token.ExpiresAt(sess.RefreshJwt); ok {
		st.refreshExpiresAt = exp
	}
	closed := o.closed
	o.mu.Unlock()

	if closed || !sess.Active {
		return
	}
	o.schedule(accountID, sess)
}

// schedule registers both tokens with the scheduler and arms their refresh
// callbacks. Last write wins per (account, kind).
func (o *Orchestrator) schedule(accountID string, sess store.Session) {
	o.scheduler.Register(accountID, sess.AccessJwt, token.KindAccess)
	o.scheduler.Register(accountID, sess.RefreshJwt, token.KindRefresh)
	o.scheduler.ScheduleRefresh(accountID, token.KindAccess, o.onTokenDue)
	o.scheduler.ScheduleRefresh(accountID, token.KindRefresh, o.onTokenDue)
}

func (o *Orchestrator) onTokenDue(accountID string, kind token.Kind) {
	o.logger.Debug().Str("account_id", accountID).Str("kind", string(kind)).Msg("scheduled refresh due")
	if err := o.ProactiveRefresh(context.Background(), accountID); err != nil {
		o.logger.Warn().Err(err).Str("account_id", accountID).Msg("scheduled refresh failed")
	}
}

// ValidateAllSessions inspects every registered account and returns a
// per-account decision. Each account is validated inside its own error
// boundary; one bad account never aborts the rest.
func (o *Orchestrator) ValidateAllSessions(ctx context.Context) map[string]Decision {
	ids := o.AccountIDs()
	out := make(map[string]Decision, len(ids))
	for _, id := range ids {
		out[id] = o.validateOne(ctx, id)
	}
	return out
}

func (o *Orchestrator) validateOne(ctx context.Context, accountID string) (decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().Interface("panic", r).Str("account_id", accountID).Msg("validation panicked")
			decision = DecisionReauth
		}
	}()

	acct, err := o.gateway.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, serrors.ErrAccountNotFound) {
			return DecisionReauth
		}
		o.logger.Warn().Err(err).Str("account_id", accountID).Msg("validation read failed")
		return DecisionNone
	}

	switch {
	case !acct.Active || acct.Session == nil || token.IsExpired(acct.Session.RefreshJwt, 0):
		decision = DecisionReauth
	case token.IsExpired(acct.Session.AccessJwt, o.cfg.AccessBuffer):
		decision = DecisionRefresh
	default:
		decision = DecisionNone
	}

	o.mu.Lock()
	if st, ok := o.accounts[accountID]; ok && st.inflight == nil {
		switch decision {
		case DecisionReauth:
			st.state = StateInvalid
		case DecisionRefresh:
			st.state = StateNeedsRefresh
		case DecisionNone:
			st.state = StateValid
			st.lastValidated = time.Now()
		}
	}
	o.mu.Unlock()
	return decision
}

// RefreshAll refreshes every account whose session is recoverable.
// Failures are collected per account, never propagated across accounts.
func (o *Orchestrator) RefreshAll(ctx context.Context) map[string]error {
	results := make(map[string]error)
	for id, decision := range o.ValidateAllSessions(ctx) {
		if decision == DecisionReauth {
			results[id] = serrors.ErrSessionInvalidated
			continue
		}
		results[id] = o.ProactiveRefresh(ctx, id)
	}
	return results
}

// Status returns a copy of one account's state.
func (o *Orchestrator) Status(accountID string) (Status, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.accounts[accountID]
	if !ok {
		return Status{}, false
	}
	return st.status(accountID), true
}

// Snapshot returns a copy of every account's state, ordered by account ID.
func (o *Orchestrator) Snapshot() []Status {
	o.mu.Lock()
	out := make([]Status, 0, len(o.accounts))
	for id, st := range o.accounts {
		out = append(out, st.status(id))
	}
	o.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// AccountIDs returns the registered account IDs, sorted.
func (o *Orchestrator) AccountIDs() []string {
	o.mu.Lock()
	ids := make([]string, 0, len(o.accounts))
	for id := range o.accounts {
		ids = append(ids, id)
	}
	o.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Shutdown refuses new refreshes and waits for in-flight ones to settle.
// Refreshes are time-boxed, so the wait is bounded by RefreshTimeout.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	pending := make([]*inflight, 0, len(o.accounts))
	for _, st := range o.accounts {
		if st.inflight != nil {
			pending = append(pending, st.inflight)
		}
	}
	o.mu.Unlock()

	for _, fl := range pending {
		<-fl.done
	}
	o.logger.Info().Msg("orchestrator stopped")
}
