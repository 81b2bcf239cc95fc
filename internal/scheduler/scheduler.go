// Package scheduler tracks token expiry per (account, kind) and arms one-shot
// refresh timers. Scheduling is last-write-wins: registering a token for a
// key cancels any pending schedule for that exact key, so no orphaned timers.
package scheduler

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/plumesky/session-agent/internal/token"
)

// key identifies one tracked token.
type key struct {
	accountID string
	kind      token.Kind
}

// RefreshFunc is invoked when a scheduled refresh comes due. Always called
// on its own goroutine, never inline with the scheduling call.
type RefreshFunc func(accountID string, kind token.Kind)

type entry struct {
	raw   string
	timer *time.Timer
}

// Scheduler owns the TokenInfo for every tracked token. Info reads are
// recomputed snapshots; the raw token is the only retained state.
type Scheduler struct {
	accessBuffer  time.Duration
	refreshBuffer time.Duration
	logger        zerolog.Logger

	mu      sync.Mutex
	entries map[key]*entry
	closed  bool

	healthStop chan struct{}
	healthDone chan struct{}
}

// New creates a scheduler with per-kind refresh buffers.
func New(accessBuffer, refreshBuffer time.Duration, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		accessBuffer:  accessBuffer,
		refreshBuffer: refreshBuffer,
		logger:        logger.With().Str("component", "scheduler").Logger(),
		entries:       make(map[key]*entry),
	}
}

func (s *Scheduler) buffer(kind token.Kind) time.Duration {
	if kind == token.KindRefresh {
		return s.refreshBuffer
	}
	return s.accessBuffer
}

// Register starts tracking a token, replacing any prior registration and
// cancelling its pending timer.
func (s *Scheduler) Register(accountID string, raw string, kind token.Kind) token.Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{accountID, kind}
	if old, ok := s.entries[k]; ok && old.timer != nil {
		old.timer.Stop()
	}
	s.entries[k] = &entry{raw: raw}
	return token.Inspect(accountID, kind, raw, s.buffer(kind))
}

// Info returns a fresh snapshot for a tracked token.
func (s *Scheduler) Info(accountID string, kind token.Kind) (token.Info, bool) {
	s.mu.Lock()
	e, ok := s.entries[key{accountID, kind}]
	s.mu.Unlock()
	if !ok {
		return token.Info{}, false
	}
	return token.Inspect(accountID, kind, e.raw, s.buffer(kind)), true
}

// ScheduleRefresh arms a one-shot timer that fires cb when the token comes
// due. A token already inside its buffer fires asynchronously right away.
// Replaces any pending schedule for the same key.
func (s *Scheduler) ScheduleRefresh(accountID string, kind token.Kind, cb RefreshFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	k := key{accountID, kind}
	e, ok := s.entries[k]
	if !ok {
		s.logger.Warn().Str("account_id", accountID).Str("kind", string(kind)).Msg("schedule requested for untracked token")
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}

	info := token.Inspect(accountID, kind, e.raw, s.buffer(kind))
	delay := time.Duration(info.Remaining)*time.Second - s.buffer(kind)
	if delay < 0 {
		delay = 0
	}
	e.timer = time.AfterFunc(delay, func() { cb(accountID, kind) })

	s.logger.Debug().
		Str("account_id", accountID).
		Str("kind", string(kind)).
		Dur("delay", delay).
		Msg("refresh scheduled")
}

// Cancel clears any pending schedule for the key. Idempotent.
func (s *Scheduler) Cancel(accountID string, kind token.Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{accountID, kind}
	if e, ok := s.entries[k]; ok {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.entries, k)
	}
}

// CancelAccount clears both kinds for an account. Idempotent.
func (s *Scheduler) CancelAccount(accountID string) {
	s.Cancel(accountID, token.KindAccess)
	s.Cancel(accountID, token.KindRefresh)
}

// Snapshot returns fresh Info for every tracked token.
func (s *Scheduler) Snapshot() []token.Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]token.Info, 0, len(s.entries))
	for k, e := range s.entries {
		out = append(out, token.Inspect(k.accountID, k.kind, e.raw, s.buffer(k.kind)))
	}
	return out
}

// StartHealthCheck runs a periodic recompute-and-log pass over all tracked
// tokens. Observability only; it never drives refreshes.
func (s *Scheduler) StartHealthCheck(interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.healthStop != nil {
		return
	}
	s.healthStop = make(chan struct{})
	s.healthDone = make(chan struct{})
	go s.healthLoop(interval, s.healthStop, s.healthDone)
}

func (s *Scheduler) healthLoop(interval time.Duration, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, info := range s.Snapshot() {
				switch {
				case info.IsExpired:
					s.logger.Warn().
						Str("account_id", info.AccountID).
						Str("kind", string(info.Kind)).
						Msg("tracked token is expired")
				case info.NeedsRefresh:
					s.logger.Info().
						Str("account_id", info.AccountID).
						Str("kind", string(info.Kind)).
						Int64("remaining_s", info.Remaining).
						Msg("tracked token is due for refresh")
				}
			}
		}
	}
}

// Shutdown cancels every timer and stops the health loop. Safe to call more
// than once.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for k, e := range s.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.entries, k)
	}
	stop, done := s.healthStop, s.healthDone
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}
