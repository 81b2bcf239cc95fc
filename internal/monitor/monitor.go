// Package monitor runs the recurring cross-account health sweep. The sweep
// interval adapts to device conditions reported by the embedding host, and
// each sweep drives the refresh path for any account found wanting.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/plumesky/session-agent/internal/event"
	"github.com/plumesky/session-agent/internal/metrics"
	"github.com/plumesky/session-agent/internal/pool"
	"github.com/plumesky/session-agent/internal/store"
	"github.com/plumesky/session-agent/internal/token"
)

// AccountSource yields the accounts a sweep inspects.
type AccountSource interface {
	LoadAll(ctx context.Context) ([]*store.Account, error)
}

// SessionController is the slice of the orchestrator the monitor drives.
type SessionController interface {
	ProactiveRefresh(ctx context.Context, accountID string) error
	NotifyExpired(accountID string)
}

// InstancePool is the slice of the client pool the monitor consults.
type InstancePool interface {
	Peek(accountID string) (*pool.Instance, bool)
	HealthCheck(ctx context.Context, inst *pool.Instance) pool.HealthReport
	Remove(ctx context.Context, accountID string)
}

// Config bounds the sweep loop.
type Config struct {
	// BaseInterval is the sweep interval under ideal conditions.
	BaseInterval time.Duration
	// MinInterval is the floor no computed interval goes below.
	MinInterval time.Duration
	// MaxConcurrentChecks caps in-flight per-account checks per sweep.
	MaxConcurrentChecks int
	// AccessBuffer mirrors the scheduler's access-token refresh buffer.
	AccessBuffer time.Duration
}

// Interval multipliers per degraded device condition.
const (
	backgroundFactor = 3
	lowPowerFactor   = 2
	offlineFactor    = 4
	slowFactor       = 2
	errorRateFactor  = 2

	// highErrorRate is the recent-failure share past which the loop
	// throttles itself. Only meaningful once a few checks have run.
	highErrorRate   = 0.5
	errorRateMinObs = 4

	// latencyAlpha weights the newest sample in the moving average.
	latencyAlpha = 0.2
)

// Stats is the running aggregate over all checks since start.
type Stats struct {
	Total      int64         `json:"total"`
	Succeeded  int64         `json:"succeeded"`
	Failed     int64         `json:"failed"`
	ErrorRate  float64       `json:"error_rate"`
	AvgLatency time.Duration `json:"avg_latency"`
	LastSweep  time.Time     `json:"last_sweep,omitempty"`
}

type checkRecord struct {
	at time.Time
	ok bool
}

// Monitor owns the sweep loop and its device-state view.
type Monitor struct {
	cfg        Config
	accounts   AccountSource
	controller SessionController
	pool       InstancePool
	bus        *event.Bus
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	mu         sync.Mutex
	device     DeviceState
	stats      Stats
	avgLatency float64
	history    []checkRecord
	lastTrim   time.Time
	running    bool
	stop       chan struct{}
	done       chan struct{}

	wake     chan struct{}
	sweepNow chan struct{}
}

// New creates a stopped monitor. Start begins the loop.
func New(cfg Config, accounts AccountSource, controller SessionController, p InstancePool, bus *event.Bus, m *metrics.Metrics, logger zerolog.Logger) *Monitor {
	return &Monitor{
		cfg:        cfg,
		accounts:   accounts,
		controller: controller,
		pool:       p,
		bus:        bus,
		metrics:    m,
		logger:     logger.With().Str("component", "monitor").Logger(),
		device:     defaultDeviceState(),
		wake:       make(chan struct{}, 1),
		sweepNow:   make(chan struct{}, 1),
	}
}

// Start launches the sweep loop. Starting a running monitor is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.lastTrim = time.Now()
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.mu.Unlock()

	m.bus.Publish(event.New(event.TypeMonitoringStarted, ""))
	m.logger.Info().Dur("interval", m.Interval()).Msg("monitoring started")
	go m.run()
}

// Stop halts the loop and waits for it to exit. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stop, done := m.stop, m.done
	m.mu.Unlock()

	close(stop)
	<-done
	m.bus.Publish(event.New(event.TypeMonitoringStopped, ""))
	m.logger.Info().Msg("monitoring stopped")
}

func (m *Monitor) run() {
	defer close(m.done)
	for {
		timer := time.NewTimer(m.Interval())
		select {
		case <-m.stop:
			timer.Stop()
			return
		case <-m.wake:
			// Device state changed; recompute on the next pass.
			timer.Stop()
		case <-m.sweepNow:
			timer.Stop()
			m.Sweep(context.Background())
		case <-timer.C:
			m.Sweep(context.Background())
		}
	}
}

// Interval computes the current sweep interval from device state and the
// recent error rate, clamped to the configured floor.
func (m *Monitor) Interval() time.Duration {
	m.mu.Lock()
	device := m.device
	errRate, obs := m.recentErrorRateLocked()
	m.mu.Unlock()

	factor := 1.0
	if device.Focus == FocusBackground {
		factor *= backgroundFactor
	}
	if device.lowPower() {
		factor *= lowPowerFactor
	}
	switch device.Network {
	case NetworkOffline:
		factor *= offlineFactor
	case NetworkSlow:
		factor *= slowFactor
	}
	if obs >= errorRateMinObs && errRate > highErrorRate {
		factor *= errorRateFactor
	}

	interval := time.Duration(float64(m.cfg.BaseInterval) * factor)
	if interval < m.cfg.MinInterval {
		interval = m.cfg.MinInterval
	}
	return interval
}

// Concurrency is the per-sweep check bound under current conditions. Low
// power or a high error rate halves it, to a minimum of one.
func (m *Monitor) Concurrency() int {
	m.mu.Lock()
	device := m.device
	errRate, obs := m.recentErrorRateLocked()
	m.mu.Unlock()

	n := m.cfg.MaxConcurrentChecks
	if device.lowPower() || (obs >= errorRateMinObs && errRate > highErrorRate) {
		n /= 2
	}
	if n < 1 {
		n = 1
	}
	return n
}

// recentErrorRateLocked is the failure share of the retained history window.
func (m *Monitor) recentErrorRateLocked() (float64, int) {
	if len(m.history) == 0 {
		return 0, 0
	}
	failed := 0
	for _, r := range m.history {
		if !r.ok {
			failed++
		}
	}
	return float64(failed) / float64(len(m.history)), len(m.history)
}

// SetFocus records a focus change and re-arms the loop.
func (m *Monitor) SetFocus(focus FocusState) {
	m.mu.Lock()
	m.device.Focus = focus
	m.mu.Unlock()

	m.bus.Publish(event.New(event.TypeAppLifecycleChanged, "").WithDetail("focus", string(focus)))
	m.rearm()
}

// SetNetwork records a connectivity change. Coming back online triggers an
// immediate out-of-band sweep instead of waiting for the next tick.
func (m *Monitor) SetNetwork(status NetworkStatus) {
	m.mu.Lock()
	wasOffline := m.device.Network == NetworkOffline
	m.device.Network = status
	m.mu.Unlock()

	m.bus.Publish(event.New(event.TypeNetworkStatusChanged, "").WithDetail("status", string(status)))
	if wasOffline && status == NetworkOnline {
		m.logger.Info().Msg("back online, sweeping now")
		select {
		case m.sweepNow <- struct{}{}:
		default:
		}
		return
	}
	m.rearm()
}

// SetBattery records a battery change and re-arms the loop.
func (m *Monitor) SetBattery(level float64, charging bool) {
	m.mu.Lock()
	m.device.BatteryLevel = level
	m.device.Charging = charging
	m.mu.Unlock()
	m.rearm()
}

// Device returns the current device-state view.
func (m *Monitor) Device() DeviceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.device
}

func (m *Monitor) rearm() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Sweep runs one bounded-concurrency health pass over every account. Each
// account's check is isolated; a failing account never blocks the rest.
func (m *Monitor) Sweep(ctx context.Context) {
	accounts, err := m.accounts.LoadAll(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("sweep aborted, account load failed")
		return
	}

	sem := make(chan struct{}, m.Concurrency())
	var wg sync.WaitGroup
	for _, acct := range accounts {
		if !acct.Active {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(acct *store.Account) {
			defer wg.Done()
			defer func() { <-sem }()
			m.checkAccount(ctx, acct)
		}(acct)
	}
	wg.Wait()

	m.mu.Lock()
	m.stats.LastSweep = time.Now()
	m.mu.Unlock()
	m.maybeTrim()
	m.logger.Debug().Int("accounts", len(accounts)).Msg("sweep complete")
}

func (m *Monitor) checkAccount(ctx context.Context, acct *store.Account) {
	start := time.Now()
	err := m.check(ctx, acct)
	latency := time.Since(start)
	m.record(err == nil, latency)

	if m.metrics != nil {
		result := "success"
		if err != nil {
			result = "failure"
		}
		m.metrics.RecordHealthCheck(result, latency.Seconds())
	}

	if err != nil {
		m.bus.Publish(event.New(event.TypeHealthCheckFailed, acct.ID).WithError(err))
		m.logger.Warn().Err(err).Str("account_id", acct.ID).Msg("health check failed")
		return
	}
	m.bus.Publish(event.New(event.TypeHealthCheckCompleted, acct.ID).WithSuccess(true))
}

// check validates one account: stored token state, session-field
// consistency, and the health of any bound client instance.
func (m *Monitor) check(ctx context.Context, acct *store.Account) error {
	sess := acct.Session
	if sess == nil {
		m.controller.NotifyExpired(acct.ID)
		return fmt.Errorf("account %s has no session", acct.ID)
	}
	if sess.DID != "" && acct.DID != "" && sess.DID != acct.DID {
		return fmt.Errorf("account %s session DID mismatch: %s", acct.ID, sess.DID)
	}
	if token.IsExpired(sess.RefreshJwt, 0) {
		m.controller.NotifyExpired(acct.ID)
		return fmt.Errorf("account %s refresh token expired", acct.ID)
	}
	if token.IsExpired(sess.AccessJwt, m.cfg.AccessBuffer) {
		if err := m.controller.ProactiveRefresh(ctx, acct.ID); err != nil {
			return fmt.Errorf("refresh for %s: %w", acct.ID, err)
		}
	}

	inst, ok := m.pool.Peek(acct.ID)
	if !ok {
		return nil
	}
	report := m.pool.HealthCheck(ctx, inst)
	switch report.Action {
	case pool.ActionRefresh:
		if err := m.controller.ProactiveRefresh(ctx, acct.ID); err != nil {
			return fmt.Errorf("refresh for %s: %w", acct.ID, err)
		}
	case pool.ActionRestart:
		// Drop the instance; the next use rebuilds it cleanly.
		m.pool.Remove(ctx, acct.ID)
		if err := m.controller.ProactiveRefresh(ctx, acct.ID); err != nil {
			return fmt.Errorf("refresh for %s: %w", acct.ID, err)
		}
	case pool.ActionRemove:
		m.pool.Remove(ctx, acct.ID)
		m.controller.NotifyExpired(acct.ID)
		return fmt.Errorf("account %s instance unhealthy (score %d)", acct.ID, report.Score)
	}
	return nil
}

func (m *Monitor) record(ok bool, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Total++
	if ok {
		m.stats.Succeeded++
	} else {
		m.stats.Failed++
	}
	m.stats.ErrorRate = float64(m.stats.Failed) / float64(m.stats.Total)
	if m.avgLatency == 0 {
		m.avgLatency = float64(latency)
	} else {
		m.avgLatency = latencyAlpha*float64(latency) + (1-latencyAlpha)*m.avgLatency
	}
	m.stats.AvgLatency = time.Duration(m.avgLatency)
	m.history = append(m.history, checkRecord{at: time.Now(), ok: ok})
}

// maybeTrim drops history older than an hour, at most once an hour.
func (m *Monitor) maybeTrim() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if time.Since(m.lastTrim) < time.Hour {
		return
	}
	cutoff := time.Now().Add(-time.Hour)
	kept := m.history[:0]
	for _, r := range m.history {
		if r.at.After(cutoff) {
			kept = append(kept, r)
		}
	}
	m.history = kept
	m.lastTrim = time.Now()
}

// Stats returns a copy of the running aggregates.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
