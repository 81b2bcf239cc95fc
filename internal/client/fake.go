package client

import (
	"context"
	"sync"
)

// Fake is an in-memory Client for tests. Behavior is scripted through the
// error fields and the Next session value.
type Fake struct {
	mu sync.Mutex

	Access  string
	Refresh string

	// Next is returned by CreateSession, RefreshSession and Probe on success.
	Next SessionInfo
	// CreateErr/RefreshErr/ProbeErr, when non-nil, fail the corresponding call.
	CreateErr  error
	RefreshErr error
	ProbeErr   error

	CreateCalls  int
	RefreshCalls int
	ProbeCalls   int
	LogoutCalls  int
	CloseCalls   int
}

func (f *Fake) CreateSession(ctx context.Context, identifier, password string) (SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CreateCalls++
	if f.CreateErr != nil {
		return SessionInfo{}, f.CreateErr
	}
	f.Access = f.Next.AccessJwt
	f.Refresh = f.Next.RefreshJwt
	return f.Next, nil
}

func (f *Fake) ResumeSession(access, refresh string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Access = access
	f.Refresh = refresh
}

func (f *Fake) RefreshSession(ctx context.Context) (SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RefreshCalls++
	if f.RefreshErr != nil {
		return SessionInfo{}, f.RefreshErr
	}
	f.Access = f.Next.AccessJwt
	f.Refresh = f.Next.RefreshJwt
	return f.Next, nil
}

func (f *Fake) Probe(ctx context.Context) (SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ProbeCalls++
	if f.ProbeErr != nil {
		return SessionInfo{}, f.ProbeErr
	}
	return f.Next, nil
}

func (f *Fake) Logout(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LogoutCalls++
	return nil
}

func (f *Fake) CloseIdle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CloseCalls++
}

// SetErrors scripts the next failures under the lock.
func (f *Fake) SetErrors(refreshErr, probeErr error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RefreshErr = refreshErr
	f.ProbeErr = probeErr
}

// Calls returns the call counters under the lock.
func (f *Fake) Calls() (refresh, probe int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.RefreshCalls, f.ProbeCalls
}
