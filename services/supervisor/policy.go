// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package supervisor

import (
	"errors"
	"math/rand"
	"time"
)

// BackoffMode selects how the delay between retries grows.
type BackoffMode string

const (
	// BackoffFixed waits retry_delay between every attempt.
	BackoffFixed BackoffMode = "fixed"

	// BackoffLinear waits retry_delay * attempt.
	BackoffLinear BackoffMode = "linear"

	// BackoffExponential waits retry_delay * backoff_factor^(attempt-1).
	BackoffExponential BackoffMode = "exponential"
)

// RetryPolicy is the immutable per-stage supervision configuration. One
// policy is attached to each registered stage name.
type RetryPolicy struct {
	// MaxRetries is how many extra attempts follow the first one. Zero
	// means the stage runs at most once. Default: 2.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// RetryDelay is the base delay before a retry. Default: 1s.
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`

	// Timeout bounds a single attempt's wall-clock duration. Default: 5m.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// SilenceWindow is the heartbeat silence budget. A stage that reports
	// no progress for this long is declared wedged even though Timeout has
	// not elapsed. Zero means use Timeout.
	SilenceWindow time.Duration `yaml:"silence_window" json:"silence_window"`

	// CircuitBreakerThreshold is the consecutive attempt-failure count at
	// which the stage's own circuit opens. Keeping it at or below
	// max_retries+1 opens the circuit before retries are exhausted; that
	// is allowed deliberately. Default: 5.
	CircuitBreakerThreshold int `yaml:"circuit_breaker_threshold" json:"circuit_breaker_threshold"`

	// StageCooldown is how long an open stage circuit refuses execution.
	// Default: 30s.
	StageCooldown time.Duration `yaml:"stage_cooldown" json:"stage_cooldown"`

	// Backoff selects fixed, linear, or exponential retry delays.
	// Default: exponential.
	Backoff BackoffMode `yaml:"backoff" json:"backoff"`

	// BackoffFactor is the exponential growth factor. Default: 2.0.
	BackoffFactor float64 `yaml:"backoff_factor" json:"backoff_factor"`

	// MaxDelay caps the delay between attempts. Default: 30s.
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// JitterFactor is the maximum jitter as a fraction of the delay (0-1).
	// Default: 0.2.
	JitterFactor float64 `yaml:"jitter_factor" json:"jitter_factor"`

	// ExpectedFailures lists StageFailure codes the caller anticipates.
	// Matching failures propagate immediately and never trigger recovery.
	ExpectedFailures []string `yaml:"expected_failures" json:"expected_failures"`

	// AbortOnRecoveryFailure stops the retry loop as soon as recovery
	// reports manual_required. Off by default: a failed recovery still
	// consumes the remaining retries.
	AbortOnRecoveryFailure bool `yaml:"abort_on_recovery_failure" json:"abort_on_recovery_failure"`
}

// DefaultRetryPolicy returns sensible defaults for stage supervision.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:              2,
		RetryDelay:              1 * time.Second,
		Timeout:                 5 * time.Minute,
		CircuitBreakerThreshold: 5,
		StageCooldown:           30 * time.Second,
		Backoff:                 BackoffExponential,
		BackoffFactor:           2.0,
		MaxDelay:                30 * time.Second,
		JitterFactor:            0.2,
	}
}

// applyDefaults fills zero-valued knobs from DefaultRetryPolicy.
func (p RetryPolicy) applyDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.Timeout <= 0 {
		p.Timeout = def.Timeout
	}
	if p.SilenceWindow <= 0 {
		p.SilenceWindow = p.Timeout
	}
	if p.CircuitBreakerThreshold < 1 {
		p.CircuitBreakerThreshold = def.CircuitBreakerThreshold
	}
	if p.StageCooldown <= 0 {
		p.StageCooldown = def.StageCooldown
	}
	if p.Backoff == "" {
		p.Backoff = def.Backoff
	}
	if p.BackoffFactor < 1.0 {
		p.BackoffFactor = def.BackoffFactor
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.JitterFactor < 0 {
		p.JitterFactor = 0
	}
	return p
}

// Validate checks the policy for usable values.
func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return errors.New("max_retries must be non-negative")
	}
	if p.RetryDelay < 0 {
		return errors.New("retry_delay must be non-negative")
	}
	if p.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if p.CircuitBreakerThreshold < 1 {
		return errors.New("circuit_breaker_threshold must be at least 1")
	}
	if p.JitterFactor < 0 || p.JitterFactor > 1 {
		return errors.New("jitter_factor must be between 0 and 1")
	}
	switch p.Backoff {
	case BackoffFixed, BackoffLinear, BackoffExponential, "":
	default:
		return errors.New("backoff must be fixed, linear, or exponential")
	}
	if p.Backoff == BackoffExponential && p.BackoffFactor < 1.0 {
		return errors.New("backoff_factor must be at least 1.0")
	}
	return nil
}

// Attempts returns the total attempt budget (first run plus retries).
func (p RetryPolicy) Attempts() int {
	return p.MaxRetries + 1
}

// IsExpectedFailure reports whether code is listed in ExpectedFailures.
func (p RetryPolicy) IsExpectedFailure(code string) bool {
	for _, c := range p.ExpectedFailures {
		if c == code {
			return true
		}
	}
	return false
}

// DelayFor computes the sleep before retry number attempt (1-based), with
// jitter applied and the result capped at MaxDelay.
func (p RetryPolicy) DelayFor(attempt int) time.Duration {
	if p.RetryDelay == 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	var base time.Duration
	switch p.Backoff {
	case BackoffLinear:
		base = p.RetryDelay * time.Duration(attempt)
	case BackoffExponential:
		base = p.RetryDelay
		for i := 1; i < attempt; i++ {
			base = time.Duration(float64(base) * p.BackoffFactor)
			if base >= p.MaxDelay {
				break
			}
		}
	default:
		base = p.RetryDelay
	}

	if p.MaxDelay > 0 && base > p.MaxDelay {
		base = p.MaxDelay
	}
	return withJitter(base, p.JitterFactor)
}

// withJitter spreads a delay across [base*(1-jitter), base*(1+jitter)] to
// prevent thundering herds.
func withJitter(base time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 {
		return base
	}

	jitter := (rand.Float64()*2 - 1) * jitterFactor
	return time.Duration(float64(base) * (1.0 + jitter))
}
