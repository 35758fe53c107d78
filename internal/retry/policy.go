// Package retry holds the pure retry/backoff policy. No I/O, no clocks:
// every decision is a function of its arguments and the config, so the
// policy is testable in isolation from the dispatcher and scheduler.
package retry

import "time"

// Config holds the retry and circuit-breaker thresholds. Per-entry attempt
// exhaustion (MaxAttempts) and the cycle-level consecutive-failure breaker
// (MaxConsecutiveFailures) are independent counters; do not conflate them.
type Config struct {
	MaxAttempts            int           // per-entry send attempts before exhaustion
	BaseDelay              time.Duration // first backoff step
	MaxDelay               time.Duration // backoff cap
	MaxConsecutiveFailures int           // failed cycles before entering recovery
	RecoveryTimeout        time.Duration // cooldown before a recovery attempt
}

// DefaultConfig returns the stock policy: 3 attempts per entry, exponential
// backoff 30s doubling to a 480s cap, recovery after 10 consecutive cycle
// failures with a 10 minute cooldown.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:            3,
		BaseDelay:              30 * time.Second,
		MaxDelay:               480 * time.Second,
		MaxConsecutiveFailures: 10,
		RecoveryTimeout:        10 * time.Minute,
	}
}

// Policy makes retry decisions from a Config.
type Policy struct {
	cfg Config
}

// NewPolicy returns a policy for the given config, filling zero fields
// from DefaultConfig.
func NewPolicy(cfg Config) Policy {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	return Policy{cfg: cfg}
}

// Config returns the effective configuration.
func (p Policy) Config() Config {
	return p.cfg
}

// ShouldRetry reports whether an entry with the given attempt count is
// still eligible for another send.
func (p Policy) ShouldRetry(attemptCount int) bool {
	return attemptCount < p.cfg.MaxAttempts
}

// DelayFor returns the backoff delay before the given attempt number
// (1-based): min(base * 2^(n-1), max). Attempt numbers <= 0 return the
// base delay.
func (p Policy) DelayFor(attemptNumber int) time.Duration {
	if attemptNumber <= 0 {
		return p.cfg.BaseDelay
	}
	d := p.cfg.BaseDelay
	for i := 1; i < attemptNumber; i++ {
		d *= 2
		if d >= p.cfg.MaxDelay {
			return p.cfg.MaxDelay
		}
	}
	if d > p.cfg.MaxDelay {
		return p.cfg.MaxDelay
	}
	return d
}

// EnterRecovery reports whether the consecutive cycle-failure count has
// crossed the circuit-breaker threshold.
func (p Policy) EnterRecovery(consecutiveFailures int) bool {
	return consecutiveFailures >= p.cfg.MaxConsecutiveFailures
}
