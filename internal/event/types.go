// Package event defines session lifecycle events and a typed publish/subscribe
// bus. Every observable state change in the daemon flows as an Event.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Type identifiers for well-known event types.
const (
	TypeAccountAdded         = "account_added"
	TypeSessionRefreshed     = "session_refreshed"
	TypeSessionExpired       = "session_expired"
	TypeSessionError         = "session_error"
	TypeRefreshStarted       = "refresh_started"
	TypeRefreshCompleted     = "refresh_completed"
	TypeMonitoringStarted    = "monitoring_started"
	TypeMonitoringStopped    = "monitoring_stopped"
	TypeHealthCheckCompleted = "health_check_completed"
	TypeHealthCheckFailed    = "health_check_failed"
	TypeNetworkStatusChanged = "network_status_changed"
	TypeAppLifecycleChanged  = "app_lifecycle_changed"
)

// Event is one observable state change. AccountID is empty for daemon-wide
// events such as monitoring start/stop.
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	AccountID string            `json:"account_id,omitempty"`
	Success   bool              `json:"success,omitempty"`
	Error     string            `json:"error,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// New creates an event with a fresh ID and the current timestamp.
func New(eventType, accountID string) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		AccountID: accountID,
		Timestamp: time.Now(),
	}
}

// WithError attaches an error message to the event.
func (e Event) WithError(err error) Event {
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// WithSuccess marks the event's outcome.
func (e Event) WithSuccess(ok bool) Event {
	e.Success = ok
	return e
}

// WithDetail attaches one key-value detail.
func (e Event) WithDetail(key, value string) Event {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}
