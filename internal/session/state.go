package session

import (
	"time"
)

// State is one account's position in the session lifecycle.
type State string

const (
	StateUnregistered      State = "unregistered"
	StateRegistered        State = "registered"
	StateValid             State = "valid"
	StateNeedsRefresh      State = "needs_refresh"
	StateRefreshInProgress State = "refresh_in_progress"
	// StateInvalid means the session cannot be recovered without the user
	// re-authenticating.
	StateInvalid State = "invalid"
)

// Decision is the per-account outcome of a validation pass.
type Decision string

const (
	DecisionNone    Decision = "none"
	DecisionRefresh Decision = "refresh"
	DecisionReauth  Decision = "reauth"
)

// Status is a copy of one account's session state, safe to hand out.
type Status struct {
	AccountID        string    `json:"account_id"`
	State            State     `json:"state"`
	Failures         int       `json:"failures"`
	LastValidated    time.Time `json:"last_validated,omitempty"`
	LastAttempt      time.Time `json:"last_attempt,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
	AccessExpiresAt  time.Time `json:"access_expires_at,omitempty"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at,omitempty"`
}

// inflight is one in-progress refresh. Concurrent callers for the same
// account share it: err is written once, then done is closed.
type inflight struct {
	done chan struct{}
	err  error
}

// accountState is the orchestrator-owned record for one account. Guarded by
// the orchestrator mutex; never escapes except as a Status copy.
type accountState struct {
	state            State
	failures         int
	lastValidated    time.Time
	lastAttempt      time.Time
	lastErr          error
	accessExpiresAt  time.Time
	refreshExpiresAt time.Time

	// expiredEmitted latches after the first session-expired event so
	// repeated failures past the threshold never emit a second one.
	expiredEmitted bool
	inflight       *inflight
}

func (s *accountState) status(accountID string) Status {
	st := Status{
		AccountID:        accountID,
		State:            s.state,
		Failures:         s.failures,
		LastValidated:    s.lastValidated,
		LastAttempt:      s.lastAttempt,
		AccessExpiresAt:  s.accessExpiresAt,
		RefreshExpiresAt: s.refreshExpiresAt,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}
