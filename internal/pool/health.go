package pool

import (
	"context"
	"time"

	serrors "github.com/plumesky/session-agent/internal/errors"
)

// Action is the recommended response to a health report.
type Action string

const (
	ActionNone    Action = "none"
	ActionRefresh Action = "refresh"
	ActionRestart Action = "restart"
	ActionRemove  Action = "remove"
)

// Score deduction weights.
const (
	penaltyInvalidSession = 60
	penaltyErrorRateMax   = 30
	penaltyHighLatency    = 20
	penaltyMediumLatency  = 10
	penaltyLowVolume      = 5

	highLatencyThreshold   = 5 * time.Second
	mediumLatencyThreshold = 2 * time.Second
	lowVolumeThreshold     = 5
)

// HealthReport is the outcome of one instance health check.
type HealthReport struct {
	AccountID    string
	Score        int
	Action       Action
	SessionValid bool
	ErrorRate    float64
	AvgLatency   time.Duration
	Latency      time.Duration
	Err          error
}

// HealthCheck probes the instance and scores it 0-100. The probe result and
// accumulated call statistics both feed the score.
func (p *Pool) HealthCheck(ctx context.Context, inst *Instance) HealthReport {
	start := time.Now()
	info, probeErr := inst.Probe(ctx)
	latency := time.Since(start)

	md := inst.Metadata()
	report := HealthReport{
		AccountID:    inst.AccountID(),
		SessionValid: probeErr == nil && info.Active,
		ErrorRate:    md.ErrorRate,
		AvgLatency:   md.AvgLatency,
		Latency:      latency,
		Err:          probeErr,
	}

	score := 100
	if !report.SessionValid {
		score -= penaltyInvalidSession
	}
	score -= int(md.ErrorRate * penaltyErrorRateMax)
	switch {
	case md.AvgLatency > highLatencyThreshold:
		score -= penaltyHighLatency
	case md.AvgLatency > mediumLatencyThreshold:
		score -= penaltyMediumLatency
	}
	if md.CallCount < lowVolumeThreshold {
		score -= penaltyLowVolume
	}
	if score < 0 {
		score = 0
	}
	report.Score = score
	report.Action = actionFor(score)

	if p.metrics != nil {
		p.metrics.HealthScore.WithLabelValues(inst.AccountID()).Set(float64(score))
	}
	p.logger.Debug().
		Str("account_id", inst.AccountID()).
		Int("score", score).
		Str("action", string(report.Action)).
		Bool("session_valid", report.SessionValid).
		Msg("instance health check")

	// A probe rejected for auth reasons is a strong signal; surface it so
	// the caller can drive the needs-reauth transition.
	if probeErr != nil && serrors.IsAuth(probeErr) {
		report.SessionValid = false
	}
	return report
}

func actionFor(score int) Action {
	switch {
	case score >= 80:
		return ActionNone
	case score >= 50:
		return ActionRefresh
	case score >= 20:
		return ActionRestart
	default:
		return ActionRemove
	}
}
