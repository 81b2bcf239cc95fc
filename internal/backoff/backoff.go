// Package backoff provides exponential backoff with configurable jitter for
// remote-call retries.
package backoff

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	serrors "github.com/plumesky/session-agent/internal/errors"
)

// JitterMode selects how jitter is applied to a computed delay.
type JitterMode string

const (
	JitterNone         JitterMode = "none"
	JitterFull         JitterMode = "full"
	JitterEqual        JitterMode = "equal"
	JitterDecorrelated JitterMode = "decorrelated"
)

// Config holds backoff configuration. Validated by NewPolicy; a zero Config
// is not usable.
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxRetries   int
	Jitter       JitterMode
	JitterFactor float64
}

// DefaultConfig returns sensible retry defaults for remote session calls.
func DefaultConfig() Config {
	return Config{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
		MaxRetries:   3,
		Jitter:       JitterEqual,
		JitterFactor: 0.5,
	}
}

// Policy computes retry delays and executes retried operations.
type Policy struct {
	cfg Config
}

// NewPolicy validates cfg and returns a Policy. Invalid configuration fails
// here, never at use.
func NewPolicy(cfg Config) (*Policy, error) {
	if cfg.InitialDelay <= 0 {
		return nil, fmt.Errorf("backoff: initial delay must be positive, got %v", cfg.InitialDelay)
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		return nil, fmt.Errorf("backoff: max delay %v below initial delay %v", cfg.MaxDelay, cfg.InitialDelay)
	}
	if cfg.Multiplier <= 1 {
		return nil, fmt.Errorf("backoff: multiplier must be > 1, got %v", cfg.Multiplier)
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("backoff: max retries must be >= 0, got %d", cfg.MaxRetries)
	}
	if cfg.JitterFactor < 0 || cfg.JitterFactor > 1 {
		return nil, fmt.Errorf("backoff: jitter factor must be in [0,1], got %v", cfg.JitterFactor)
	}
	switch cfg.Jitter {
	case "", JitterNone, JitterFull, JitterEqual, JitterDecorrelated:
	default:
		return nil, fmt.Errorf("backoff: unknown jitter mode %q", cfg.Jitter)
	}
	return &Policy{cfg: cfg}, nil
}

// Delay returns the delay before the given attempt. Attempt 0 is the first
// try and never waits.
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := time.Duration(float64(p.cfg.InitialDelay) * math.Pow(p.cfg.Multiplier, float64(attempt-1)))
	if d > p.cfg.MaxDelay || d <= 0 {
		d = p.cfg.MaxDelay
	}
	return p.jitter(d)
}

func (p *Policy) jitter(d time.Duration) time.Duration {
	switch p.cfg.Jitter {
	case JitterFull:
		return time.Duration(rand.Float64() * float64(d))
	case JitterEqual, JitterDecorrelated:
		// d ± jitterFactor*d, uniform.
		spread := p.cfg.JitterFactor * float64(d)
		return time.Duration(float64(d) - spread + rand.Float64()*2*spread)
	default:
		return d
	}
}

// MaxRetries returns the configured retry cap.
func (p *Policy) MaxRetries() int { return p.cfg.MaxRetries }

// Result reports the outcome of an Execute call.
type Result struct {
	Success    bool
	Err        error
	Attempts   int
	TotalDelay time.Duration
}

// Execute runs op, retrying per the policy. If isRetryable is non-nil and
// returns false for a failure, Execute stops immediately with that error.
// Context cancellation aborts any pending delay.
func (p *Policy) Execute(ctx context.Context, op func(ctx context.Context) error, isRetryable func(error) bool) Result {
	if isRetryable == nil {
		isRetryable = serrors.IsRetryable
	}
	res := Result{}
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if d := p.Delay(attempt); d > 0 {
			select {
			case <-ctx.Done():
				res.Err = ctx.Err()
				return res
			case <-time.After(d):
				res.TotalDelay += d
			}
		}
		res.Attempts++
		err := op(ctx)
		if err == nil {
			res.Success = true
			res.Err = nil
			return res
		}
		res.Err = err
		if !isRetryable(err) {
			return res
		}
	}
	return res
}
