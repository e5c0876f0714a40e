// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package breaker implements the three-state circuit breaker that guards
// every external dependency and every registered stage in the pipeline.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a call is rejected because the circuit
// is open or because the half-open probe slot is already taken.
var ErrCircuitOpen = errors.New("circuit breaker is open, calls rejected")

// State represents the circuit breaker state.
type State int

const (
	// StateClosed is normal operation - calls pass through.
	StateClosed State = iota
	// StateOpen means the failure threshold was reached - calls are rejected.
	StateOpen
	// StateHalfOpen allows a single probe call to test recovery.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Classifier decides whether an error counts as a breaker failure.
// Errors that do not count leave the breaker state untouched.
type Classifier func(error) bool

// IsFailure is the default classifier: every non-nil error counts except
// context cancellation, which says nothing about dependency health.
func IsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Config configures a circuit breaker.
type Config struct {
	// Name identifies the breaker in snapshots, logs, and metrics.
	Name string

	// FailureThreshold is the number of consecutive failures before opening (default: 5).
	FailureThreshold int

	// Cooldown is how long the circuit stays open before a probe is allowed (default: 30s).
	Cooldown time.Duration

	// Classifier decides which errors count as failures. Nil means IsFailure.
	Classifier Classifier

	// OnTransition is invoked after every state change, outside the breaker lock.
	// Optional.
	OnTransition func(name string, from, to State)
}

// DefaultConfig returns sensible defaults for a named breaker.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// Validate checks the configuration for usable values.
func (c Config) Validate() error {
	if c.Name == "" {
		return errors.New("name must not be empty")
	}
	if c.FailureThreshold < 1 {
		return errors.New("failure_threshold must be at least 1")
	}
	if c.Cooldown <= 0 {
		return errors.New("cooldown must be positive")
	}
	return nil
}

// Snapshot is a point-in-time view of a breaker, safe to serialize.
type Snapshot struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	Failures        int       `json:"failures"`
	TotalCalls      int64     `json:"total_calls"`
	TotalFailures   int64     `json:"total_failures"`
	TotalRejections int64     `json:"total_rejections"`
	OpenedAt        time.Time `json:"opened_at"`
	RetryInMillis   int64     `json:"retry_in_ms"`
	LastTransition  time.Time `json:"last_transition"`
}

// Breaker is a three-state circuit breaker.
//
// Description:
//
//	Closed passes calls through and counts consecutive failures. Once
//	FailureThreshold consecutive failures accumulate the circuit opens and
//	rejects calls in O(1) without invoking them. After Cooldown elapses the
//	next caller is admitted as a single half-open probe: probe success closes
//	the circuit, probe failure reopens it and restarts the cooldown. While a
//	probe is in flight every other caller is rejected exactly as if the
//	circuit were open.
//
// Thread Safety: Safe for concurrent use. The internal lock is never held
// while a wrapped call executes.
type Breaker struct {
	name         string
	threshold    int
	cooldown     time.Duration
	classify     Classifier
	onTransition func(name string, from, to State)

	mu             sync.RWMutex
	state          State
	failures       int
	openedAt       time.Time
	lastTransition time.Time
	probeActive    bool
	probeGen       uint64

	// Metrics
	totalCalls      int64
	totalFailures   int64
	totalRejections int64
}

// New creates a circuit breaker from config. Zero-valued knobs fall back to
// DefaultConfig values so a Config{Name: "x"} literal is usable as-is.
func New(cfg Config) *Breaker {
	def := DefaultConfig(cfg.Name)
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.Classifier == nil {
		cfg.Classifier = IsFailure
	}
	return &Breaker{
		name:           cfg.Name,
		threshold:      cfg.FailureThreshold,
		cooldown:       cfg.Cooldown,
		classify:       cfg.Classifier,
		onTransition:   cfg.OnTransition,
		state:          StateClosed,
		lastTransition: time.Now(),
	}
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.name
}

// Classify reports whether err counts as a failure under this breaker's
// classifier.
func (b *Breaker) Classify(err error) bool {
	return b.classify(err)
}

// State returns the current circuit state.
//
// The reported state is the state as of the last recorded call outcome: an
// open circuit whose cooldown has lapsed still reads open until a caller
// goes through Allow and claims the probe.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Allow checks whether a call should proceed.
//
// Outputs:
//   - bool: True if the call should proceed.
//   - func(): Release function for the half-open probe slot (may be nil).
//     Call it when the probe completes; it is a no-op after the probe
//     outcome has already been recorded.
//
// Usage:
//
//	allowed, release := b.Allow()
//	if !allowed {
//	    return breaker.ErrCircuitOpen
//	}
//	if release != nil {
//	    defer release()
//	}
//	// ... make the call, then RecordSuccess or RecordFailure ...
func (b *Breaker) Allow() (bool, func()) {
	b.mu.Lock()

	b.totalCalls++

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return true, nil

	case StateOpen:
		if time.Since(b.openedAt) >= b.cooldown {
			from, to := b.transitionTo(StateHalfOpen)
			ok, release := b.tryProbe()
			b.mu.Unlock()
			b.notify(from, to)
			return ok, release
		}
		b.totalRejections++
		b.mu.Unlock()
		return false, nil

	case StateHalfOpen:
		ok, release := b.tryProbe()
		b.mu.Unlock()
		return ok, release
	}

	b.totalRejections++
	b.mu.Unlock()
	return false, nil
}

// tryProbe claims the single half-open probe slot.
// Must be called with lock held.
func (b *Breaker) tryProbe() (bool, func()) {
	if b.probeActive {
		b.totalRejections++
		return false, nil
	}

	b.probeActive = true
	gen := b.probeGen
	return true, func() {
		b.mu.Lock()
		if b.probeGen == gen {
			b.probeActive = false
		}
		b.mu.Unlock()
	}
}

// RecordSuccess records a successful call. In closed state it resets the
// consecutive failure count; in half-open state the probe succeeded and the
// circuit closes immediately.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()

	b.failures = 0

	var from, to State
	transitioned := false
	if b.state == StateHalfOpen {
		from, to = b.transitionTo(StateClosed)
		transitioned = true
	}

	b.mu.Unlock()
	if transitioned {
		b.notify(from, to)
	}
}

// RecordFailure records a failed call. In closed state it counts toward the
// failure threshold; in half-open state the probe failed and the circuit
// reopens with a fresh cooldown. Failures recorded while already open (a
// call admitted earlier that finished late) do not extend the cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()

	b.totalFailures++

	var from, to State
	transitioned := false
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.threshold {
			from, to = b.transitionTo(StateOpen)
			transitioned = true
		}
	case StateHalfOpen:
		from, to = b.transitionTo(StateOpen)
		transitioned = true
	}

	b.mu.Unlock()
	if transitioned {
		b.notify(from, to)
	}
}

// transitionTo changes state and resets per-state bookkeeping.
// Must be called with lock held.
func (b *Breaker) transitionTo(newState State) (from, to State) {
	from = b.state
	b.state = newState
	b.lastTransition = time.Now()
	b.failures = 0
	b.probeActive = false
	b.probeGen++
	if newState == StateOpen {
		b.openedAt = b.lastTransition
	}
	return from, newState
}

// notify fires the transition hook. Must be called without the lock held.
func (b *Breaker) notify(from, to State) {
	if b.onTransition != nil && from != to {
		b.onTransition(b.name, from, to)
	}
}

// Execute wraps a call with circuit breaker protection.
//
// Inputs:
//   - ctx: Context for the call. Checked before the call is admitted.
//   - fn: The call to execute.
//
// Outputs:
//   - error: ErrCircuitOpen if rejected, otherwise the error from fn.
//     Errors the classifier does not count leave the breaker untouched.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	allowed, release := b.Allow()
	if !allowed {
		return ErrCircuitOpen
	}
	if release != nil {
		defer release()
	}

	err := fn()
	switch {
	case err == nil:
		b.RecordSuccess()
	case b.classify(err):
		b.RecordFailure()
	}
	return err
}

// Snapshot returns a point-in-time view of the breaker.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snap := Snapshot{
		Name:            b.name,
		State:           b.state.String(),
		Failures:        b.failures,
		TotalCalls:      b.totalCalls,
		TotalFailures:   b.totalFailures,
		TotalRejections: b.totalRejections,
		OpenedAt:        b.openedAt,
		LastTransition:  b.lastTransition,
	}
	if b.state == StateOpen {
		if remaining := b.cooldown - time.Since(b.openedAt); remaining > 0 {
			snap.RetryInMillis = remaining.Milliseconds()
		}
	}
	return snap
}

// Reset forces the breaker back to closed with counters cleared.
func (b *Breaker) Reset() {
	b.mu.Lock()

	from, to := b.transitionTo(StateClosed)
	b.openedAt = time.Time{}

	b.mu.Unlock()
	b.notify(from, to)
}
