// Package retry provides bounded retry loops with linear or exponential backoff.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Backoff selects how the delay grows between attempts.
type Backoff int

const (
	// BackoffLinear scales the delay as attempt * BaseDelay.
	BackoffLinear Backoff = iota
	// BackoffExponential scales the delay as BaseDelay * Multiplier^(attempt-1).
	BackoffExponential
)

// Config defines retry behavior.
type Config struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// BaseDelay is the delay unit between attempts.
	BaseDelay time.Duration `yaml:"base_delay" json:"base_delay"`

	// MaxDelay caps the computed delay.
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Backoff selects the growth strategy.
	Backoff Backoff `yaml:"-" json:"-"`

	// Multiplier is the exponential growth factor; ignored for linear backoff.
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// Jitter adds ±20% randomness to delays to avoid thundering herds.
	Jitter bool `yaml:"jitter" json:"jitter"`

	// RetryIf decides whether an error should be retried. Nil retries all.
	RetryIf func(error) bool `yaml:"-" json:"-"`

	// OnRetry is called before each retry attempt.
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultConfig returns a linear-backoff configuration suited to cache fetches.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Backoff:     BackoffLinear,
		Multiplier:  2.0,
	}
}

// Retryer runs functions under a retry policy.
type Retryer struct {
	config Config
}

// New creates a Retryer, filling zero config values with defaults.
func New(config Config) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 10 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}
	return &Retryer{config: config}
}

// Do executes fn with retries until it succeeds, the attempts are exhausted,
// or the context is canceled. The last error is returned verbatim so callers
// can distinguish root causes.
func (r *Retryer) Do(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if r.config.RetryIf != nil && !r.config.RetryIf(err) {
			return err
		}

		if attempt < r.config.MaxAttempts {
			delay := r.delay(attempt)
			if r.config.OnRetry != nil {
				r.config.OnRetry(attempt, err, delay)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return lastErr
}

// delay computes the backoff before the attempt following the given one.
func (r *Retryer) delay(attempt int) time.Duration {
	var d float64
	switch r.config.Backoff {
	case BackoffExponential:
		d = float64(r.config.BaseDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	default:
		d = float64(r.config.BaseDelay) * float64(attempt)
	}

	if d > float64(r.config.MaxDelay) {
		d = float64(r.config.MaxDelay)
	}

	if r.config.Jitter {
		d += d * 0.2 * (rand.Float64()*2 - 1)
	}

	return time.Duration(d)
}

// MaxAttempts reports the configured attempt budget.
func (r *Retryer) MaxAttempts() int {
	return r.config.MaxAttempts
}
