// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package supervisor executes pipeline stages under resilience supervision.
//
// The Supervisor is the single entry point the pipeline orchestrator talks
// to. Behind Execute it composes the subsystem packages: a per-stage circuit
// breaker gates each attempt, a heartbeat watch detects hung attempts, every
// lifecycle transition lands in the append-only journal, unanticipated
// failures are handed to the recovery engine exactly once per attempt, and
// the retry policy decides whether a failed attempt is re-armed.
//
// Stage functions receive a context that carries both the attempt deadline
// and the heartbeat watch; long-running stages should call heartbeat.Beat(ctx)
// inside their inner loops to stay visible.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianForge/pkg/validation"
	"github.com/AleutianAI/AleutianForge/services/supervisor/breaker"
	"github.com/AleutianAI/AleutianForge/services/supervisor/health"
	"github.com/AleutianAI/AleutianForge/services/supervisor/heartbeat"
	"github.com/AleutianAI/AleutianForge/services/supervisor/journal"
	"github.com/AleutianAI/AleutianForge/services/supervisor/knowledge"
	"github.com/AleutianAI/AleutianForge/services/supervisor/notify"
	"github.com/AleutianAI/AleutianForge/services/supervisor/recovery"
)

var tracer = otel.Tracer("forge.supervisor")

var (
	stageAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_stage_attempts_total",
		Help: "Stage attempts started, including retries",
	}, []string{"stage"})

	stageExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_stage_executions_total",
		Help: "Finished execute calls by terminal outcome",
	}, []string{"stage", "outcome"})

	stageRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_stage_retries_total",
		Help: "Retries scheduled after failed attempts",
	}, []string{"stage"})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "forge_stage_duration_seconds",
		Help:    "Wall-clock duration of execute calls",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7m
	}, []string{"stage"})
)

// Terminal outcome labels for forge_stage_executions_total.
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeExpected  = "expected_failure"
	outcomeTimedOut  = "timed_out"
	outcomeSkipped   = "skipped"
	outcomeDegraded  = "degraded"
	outcomeRejected  = "rejected"
	outcomeCanceled  = "canceled"
)

// stageEntry is the registered state for one stage name.
type stageEntry struct {
	policy  RetryPolicy
	circuit *breaker.Breaker
	health  *StageHealth
}

// Supervisor runs registered stages under retry, timeout, heartbeat, and
// circuit breaker supervision.
//
// Thread Safety: all methods are safe for concurrent use. Distinct stages
// execute fully in parallel; concurrent calls for the same stage share that
// stage's circuit and health counters.
type Supervisor struct {
	mu     sync.RWMutex
	stages map[string]*stageEntry

	journal  *journal.Journal
	monitor  *heartbeat.Monitor
	engine   *recovery.Engine
	notifier *notify.Emitter
	logger   *slog.Logger
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithJournal supplies a shared transition journal. Useful when several
// supervisors (or an inspection endpoint) should see one log.
func WithJournal(j *journal.Journal) Option {
	return func(s *Supervisor) { s.journal = j }
}

// WithHeartbeatMonitor supplies the heartbeat monitor.
func WithHeartbeatMonitor(m *heartbeat.Monitor) Option {
	return func(s *Supervisor) { s.monitor = m }
}

// WithRecoveryEngine supplies the recovery engine consulted on unanticipated
// failures. Without one the supervisor retries on policy alone.
func WithRecoveryEngine(e *recovery.Engine) Option {
	return func(s *Supervisor) { s.engine = e }
}

// WithNotifier supplies the lifecycle event emitter.
func WithNotifier(n *notify.Emitter) Option {
	return func(s *Supervisor) { s.notifier = n }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// New creates a Supervisor. Subsystems not supplied via options are created
// with defaults, except the recovery engine, which stays disabled unless
// provided.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		stages: make(map[string]*stageEntry),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "supervisor")

	if s.journal == nil {
		s.journal = journal.New()
	}
	if s.monitor == nil {
		s.monitor = heartbeat.NewMonitor(s.logger)
	}
	if s.notifier == nil {
		s.notifier = notify.NewEmitter(notify.WithLogger(s.logger))
	}
	return s
}

// Register declares a stage name and binds its retry policy.
//
// Description:
//
//	Registering an already-registered name replaces its policy and is
//	otherwise idempotent: the stage's circuit breaker and health counters
//	survive unless the new policy changes the breaker's threshold or
//	cooldown, in which case the circuit is rebuilt closed.
//
// Inputs:
//   - name: Stage identifier. Validated; ends up in metric labels and the
//     journal.
//   - policy: Retry policy. Zero fields are filled with defaults.
//
// Outputs:
//   - error: Non-nil when the name or the policy is invalid.
func (s *Supervisor) Register(name string, policy RetryPolicy) error {
	if err := validation.ValidateStageName(name); err != nil {
		return err
	}
	policy = policy.applyDefaults()
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("stage %q: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.stages[name]
	if exists && entry.policy.CircuitBreakerThreshold == policy.CircuitBreakerThreshold &&
		entry.policy.StageCooldown == policy.StageCooldown {
		entry.policy = policy
		s.logger.Info("stage policy updated", "stage", name)
		return nil
	}

	circuit := breaker.New(breaker.Config{
		Name:             "stage:" + name,
		FailureThreshold: policy.CircuitBreakerThreshold,
		Cooldown:         policy.StageCooldown,
		OnTransition:     s.onStageCircuit,
	})

	hlth := NewStageHealth(name)
	if exists {
		hlth = entry.health
	}

	s.stages[name] = &stageEntry{
		policy:  policy,
		circuit: circuit,
		health:  hlth,
	}

	s.logger.Info("stage registered",
		"stage", name,
		"max_retries", policy.MaxRetries,
		"timeout", policy.Timeout,
		"circuit_threshold", policy.CircuitBreakerThreshold)
	return nil
}

// Execute runs a stage function under full supervision.
//
// Description:
//
//	Fails closed if the name was never registered. Each attempt runs with
//	its own deadline and heartbeat watch; attempts that return an error,
//	exceed the deadline, or go silent past the policy's silence window are
//	journaled and, when the failure was not declared expected, diagnosed by
//	the recovery engine before the retry decision. A remedy of skip or
//	degrade ends the run immediately with ErrStageSkipped or
//	ErrStageDegraded. Consecutive attempt failures trip the stage's circuit
//	breaker, which then rejects further attempts until its cooldown lapses.
//
// Inputs:
//   - ctx: Cancels the whole run, including backoff sleeps.
//   - stage: The stage function. It must honor context cancellation.
//   - name: Registered stage name.
//   - task: Work item handed to every attempt.
//
// Outputs:
//   - Result: The stage's result on success, nil otherwise.
//   - *Execution: Always non-nil; structured report of the run.
//   - error: Nil on success. A *StageFailure declared expected by the
//     policy is returned unchanged. Every other failure is wrapped in a
//     *StageError carrying the attempt trail.
func (s *Supervisor) Execute(ctx context.Context, stage Stage, name string, task Task) (Result, *Execution, error) {
	start := time.Now()
	exec := &Execution{
		Stage:      name,
		Card:       task.Card,
		FinalState: journal.StatePending,
	}

	entry, policy, ok := s.stage(name)
	if !ok {
		return nil, exec, fmt.Errorf("stage %q: %w", name, ErrStageNotRegistered)
	}
	if stage == nil {
		return nil, exec, fmt.Errorf("stage %q: nil stage function", name)
	}
	if err := validation.ValidateCard(task.Card); err != nil {
		return nil, exec, fmt.Errorf("stage %q: %w", name, err)
	}

	ctx, span := tracer.Start(ctx, "supervisor.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("stage.name", name),
		attribute.String("stage.card", task.Card),
	)

	var (
		lastErr   error
		lastState = journal.StatePending
	)

	for attempt := 1; attempt <= policy.Attempts(); attempt++ {
		allowed, release := entry.circuit.Allow()
		if !allowed {
			snap := entry.circuit.Snapshot()
			lastErr = fmt.Errorf("retry in %dms: %w", snap.RetryInMillis, ErrStageCircuitOpen)
			s.logger.Warn("stage circuit rejected attempt",
				"stage", name, "attempt", attempt, "retry_in_ms", snap.RetryInMillis)
			break
		}

		exec.Attempts = attempt
		stageAttempts.WithLabelValues(name).Inc()

		attemptStart := time.Now()
		res, state, ev, err := s.runAttempt(ctx, stage, name, task, policy, entry.health, lastState, attempt)
		entry.health.RecordAttempt(time.Since(attemptStart), err != nil)
		lastState = state

		if err == nil {
			entry.circuit.RecordSuccess()
			if release != nil {
				release()
			}
			return s.finishSuccess(exec, name, task, res, start, attempt, span)
		}
		lastErr = err

		// Caller cancellation is not a stage fault: no circuit verdict,
		// no recovery.
		if ctx.Err() != nil {
			if release != nil {
				release()
			}
			break
		}

		// Declared business failures are outcomes, not faults: no circuit
		// verdict, no recovery, no retry.
		var sf *StageFailure
		if errors.As(err, &sf) && policy.IsExpectedFailure(sf.Code) {
			if release != nil {
				release()
			}
			exec.FinalState = state
			exec.Duration = time.Since(start)
			stageExecutions.WithLabelValues(name, outcomeExpected).Inc()
			span.SetAttributes(attribute.String("stage.outcome", outcomeExpected))
			s.notifier.Emit(notify.Event{
				Type: notify.TypeStageFailed, Stage: name, Card: task.Card, Attempt: attempt,
				Detail: map[string]any{"code": sf.Code, "expected": true},
			})
			return nil, exec, err
		}

		entry.circuit.RecordFailure()
		if release != nil {
			release()
		}
		// Timeout paths already emitted their own event inside runAttempt.
		if state != journal.StateTimedOut {
			s.notifier.Emit(notify.Event{
				Type: notify.TypeStageFailed, Stage: name, Card: task.Card, Attempt: attempt,
				Detail: map[string]any{"error": err.Error(), "state": state.String()},
			})
		}

		remedy, abort := s.consultRecovery(ctx, exec, ev, name, task, policy, attempt)
		switch remedy {
		case knowledge.RemedySkip:
			exec.RecoveryActions = append(exec.RecoveryActions, recovery.ActionSkipped)
			return s.finishFailure(exec, name, task, state, start,
				fmt.Errorf("%w after %s", ErrStageSkipped, err), outcomeSkipped, span)
		case knowledge.RemedyDegrade:
			exec.RecoveryActions = append(exec.RecoveryActions, recovery.ActionDegraded)
			return s.finishFailure(exec, name, task, state, start,
				fmt.Errorf("%w after %s", ErrStageDegraded, err), outcomeDegraded, span)
		}
		if abort {
			s.logger.Warn("recovery failed, abandoning run", "stage", name, "attempt", attempt)
			break
		}

		if attempt < policy.Attempts() {
			if remedy == knowledge.RemedyRetry {
				exec.RecoveryActions = append(exec.RecoveryActions, recovery.ActionRetried)
			}
			stageRetries.WithLabelValues(name).Inc()
			delay := policy.DelayFor(attempt)
			s.logger.Info("retrying stage",
				"stage", name, "attempt", attempt, "of", policy.Attempts(), "delay", delay)
			if err := sleepContext(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}
	}

	return s.finishFailure(exec, name, task, lastState, start, lastErr,
		terminalOutcome(lastState, lastErr), span)
}

// runAttempt executes a single attempt: journals the lifecycle transitions,
// arms the heartbeat watch, and races the stage function against the attempt
// deadline, the silence window, and caller cancellation.
func (s *Supervisor) runAttempt(ctx context.Context, stage Stage, name string, task Task, policy RetryPolicy, hlth *StageHealth, prev journal.StageState, attempt int) (Result, journal.StageState, *journal.UnexpectedState, error) {
	from := journal.StatePending
	if attempt > 1 {
		from = prev
	}
	s.journal.Record(name, from, journal.StateRunning,
		[]journal.StageState{journal.StateRunning},
		map[string]any{"attempt": attempt, "card": task.Card})
	s.notifier.Emit(notify.Event{
		Type: notify.TypeStageStarted, Stage: name, Card: task.Card, Attempt: attempt,
	})

	watch := s.monitor.Watch(name, policy.SilenceWindow)
	defer watch.Stop()
	defer func() { hlth.RecordHeartbeat(watch.LastBeat()) }()

	attemptCtx, cancel := context.WithTimeout(ctx, policy.Timeout)
	defer cancel()
	attemptCtx = heartbeat.ContextWithBeat(attemptCtx, watch)

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("stage panic: %v", r)}
			}
		}()
		res, err := stage(attemptCtx, task)
		done <- outcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err == nil {
			s.journal.Record(name, journal.StateRunning, journal.StateCompleted,
				[]journal.StageState{journal.StateCompleted},
				map[string]any{"attempt": attempt})
			return out.res, journal.StateCompleted, nil, nil
		}

		// A failure the policy declares expected is journaled as an
		// anticipated transition, so it raises no event and bypasses
		// recovery entirely.
		expectedNext := []journal.StageState{journal.StateCompleted}
		var sf *StageFailure
		if errors.As(out.err, &sf) && policy.IsExpectedFailure(sf.Code) {
			expectedNext = append(expectedNext, journal.StateFailed)
		}
		ev := s.journal.Record(name, journal.StateRunning, journal.StateFailed,
			expectedNext,
			map[string]any{"attempt": attempt, "error": out.err.Error()})
		return nil, journal.StateFailed, ev, out.err

	case to := <-watch.TimedOut():
		// The watch is advisory: cancel the attempt context and move on.
		// A cooperative stage unwinds on its own; the send below is
		// buffered so an uncooperative one cannot leak the goroutine.
		cancel()
		ev := s.journal.Record(name, journal.StateRunning, journal.StateTimedOut,
			[]journal.StageState{journal.StateCompleted},
			map[string]any{"attempt": attempt, "silent_for_ms": to.SilentFor.Milliseconds()})
		s.notifier.Emit(notify.Event{
			Type: notify.TypeStageTimedOut, Stage: name, Card: task.Card, Attempt: attempt,
			Detail: map[string]any{"silent_for_ms": to.SilentFor.Milliseconds()},
		})
		return nil, journal.StateTimedOut, ev,
			fmt.Errorf("no heartbeat for %s: %w", to.SilentFor.Round(time.Millisecond), ErrHeartbeatSilence)

	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			// Caller canceled the run. Journal the abandonment as
			// anticipated; there is nothing for recovery to diagnose.
			s.journal.Record(name, journal.StateRunning, journal.StateFailed,
				[]journal.StageState{journal.StateCompleted, journal.StateFailed},
				map[string]any{"attempt": attempt, "error": ctx.Err().Error()})
			return nil, journal.StateFailed, nil, ctx.Err()
		}
		ev := s.journal.Record(name, journal.StateRunning, journal.StateTimedOut,
			[]journal.StageState{journal.StateCompleted},
			map[string]any{"attempt": attempt, "timeout_ms": policy.Timeout.Milliseconds()})
		s.notifier.Emit(notify.Event{
			Type: notify.TypeStageTimedOut, Stage: name, Card: task.Card, Attempt: attempt,
			Detail: map[string]any{"timeout_ms": policy.Timeout.Milliseconds()},
		})
		return nil, journal.StateTimedOut, ev,
			fmt.Errorf("no result within %s: %w", policy.Timeout, ErrAttemptTimeout)
	}
}

// consultRecovery hands an unanticipated failure to the recovery engine once
// and translates the outcome into a remedy for the retry loop.
//
// Outputs:
//   - knowledge.RemedyKind: Empty when no actionable remedy applies.
//   - bool: True when the run should abort because recovery failed and the
//     policy demands manual intervention.
func (s *Supervisor) consultRecovery(ctx context.Context, exec *Execution, ev *journal.UnexpectedState, name string, task Task, policy RetryPolicy, attempt int) (knowledge.RemedyKind, bool) {
	if ev == nil || s.engine == nil {
		return "", false
	}

	out := s.engine.LearnAndApply(ctx, ev)
	exec.RecoveryActions = append(exec.RecoveryActions, out.Action)

	if !out.Succeeded {
		s.logger.Warn("recovery could not resolve failure",
			"stage", name, "attempt", attempt, "detail", out.Detail)
		return "", policy.AbortOnRecoveryFailure
	}

	detail := map[string]any{"detail": out.Detail}
	remedy := knowledge.RemedyKind("")
	if out.Solution != nil {
		remedy = out.Solution.Remedy.Kind
		detail["remedy"] = string(remedy)
		detail["summary"] = out.Solution.Summary
	}
	s.notifier.Emit(notify.Event{
		Type: notify.TypeStageRecovered, Stage: name, Card: task.Card, Attempt: attempt,
		Detail: detail,
	})
	return remedy, false
}

// sleepContext waits out a retry delay unless the context ends first.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finishSuccess seals a successful run: terminal bookkeeping, metrics, and
// the completion event.
func (s *Supervisor) finishSuccess(exec *Execution, name string, task Task, res Result, start time.Time, attempt int, span trace.Span) (Result, *Execution, error) {
	exec.FinalState = journal.StateCompleted
	exec.Result = res
	exec.Duration = time.Since(start)

	stageExecutions.WithLabelValues(name, outcomeCompleted).Inc()
	stageDuration.WithLabelValues(name).Observe(exec.Duration.Seconds())
	span.SetAttributes(
		attribute.String("stage.outcome", outcomeCompleted),
		attribute.Int("stage.attempts", exec.Attempts),
	)

	s.notifier.Emit(notify.Event{
		Type: notify.TypeStageCompleted, Stage: name, Card: task.Card, Attempt: attempt,
		Detail: map[string]any{"duration_ms": exec.Duration.Milliseconds()},
	})
	s.logger.Info("stage completed",
		"stage", name, "attempts", exec.Attempts, "duration", exec.Duration)
	return res, exec, nil
}

// finishFailure seals a failed run with a terminal StageError.
func (s *Supervisor) finishFailure(exec *Execution, name string, task Task, state journal.StageState, start time.Time, cause error, outcome string, span trace.Span) (Result, *Execution, error) {
	exec.FinalState = state
	exec.Duration = time.Since(start)

	stageExecutions.WithLabelValues(name, outcome).Inc()
	stageDuration.WithLabelValues(name).Observe(exec.Duration.Seconds())
	span.SetAttributes(
		attribute.String("stage.outcome", outcome),
		attribute.Int("stage.attempts", exec.Attempts),
	)

	stageErr := &StageError{
		Stage:           name,
		Card:            task.Card,
		Attempts:        exec.Attempts,
		LastState:       state,
		RecoveryActions: exec.RecoveryActions,
		Err:             cause,
	}
	s.logger.Error("stage failed",
		"stage", name, "attempts", exec.Attempts, "outcome", outcome, "error", cause)
	return nil, exec, stageErr
}

// terminalOutcome maps a terminal failure to its metric label.
func terminalOutcome(state journal.StageState, err error) string {
	switch {
	case errors.Is(err, ErrStageCircuitOpen):
		return outcomeRejected
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return outcomeCanceled
	case state == journal.StateTimedOut:
		return outcomeTimedOut
	default:
		return outcomeFailed
	}
}

// onStageCircuit publishes stage circuit transitions as lifecycle events.
func (s *Supervisor) onStageCircuit(name string, from, to breaker.State) {
	stage := strings.TrimPrefix(name, "stage:")
	detail := map[string]any{"from": from.String(), "to": to.String()}

	switch to {
	case breaker.StateOpen:
		s.notifier.Emit(notify.Event{Type: notify.TypeCircuitOpened, Stage: stage, Detail: detail})
		s.logger.Warn("stage circuit opened", "stage", stage)
	case breaker.StateClosed:
		if from == breaker.StateClosed {
			return
		}
		s.notifier.Emit(notify.Event{Type: notify.TypeCircuitClosed, Stage: stage, Detail: detail})
		s.logger.Info("stage circuit closed", "stage", stage)
	}
}

// stage looks up a registered stage entry and a copy of its policy. The
// copy keeps a run's policy stable even if Register replaces it mid-run.
func (s *Supervisor) stage(name string) (*stageEntry, RetryPolicy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.stages[name]
	if !ok {
		return nil, RetryPolicy{}, false
	}
	return entry, entry.policy, true
}

// Journal returns the transition journal for inspection.
func (s *Supervisor) Journal() *journal.Journal {
	return s.journal
}

// Events returns the lifecycle event emitter for subscription.
func (s *Supervisor) Events() *notify.Emitter {
	return s.notifier
}

// Registered returns the registered stage names in sorted order.
func (s *Supervisor) Registered() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.stages))
	for name := range s.stages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Policy returns the registered policy for a stage.
func (s *Supervisor) Policy(name string) (RetryPolicy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.stages[name]
	if !ok {
		return RetryPolicy{}, false
	}
	return entry.policy, true
}

// CircuitSnapshots returns point-in-time snapshots of every stage circuit,
// sorted by stage name.
func (s *Supervisor) CircuitSnapshots() []breaker.Snapshot {
	s.mu.RLock()
	entries := make(map[string]*stageEntry, len(s.stages))
	for name, entry := range s.stages {
		entries[name] = entry
	}
	s.mu.RUnlock()

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	snaps := make([]breaker.Snapshot, 0, len(names))
	for _, name := range names {
		snaps = append(snaps, entries[name].circuit.Snapshot())
	}
	return snaps
}

// StageReports summarizes per-stage execution history for the health
// aggregator.
func (s *Supervisor) StageReports() []health.StageReport {
	s.mu.RLock()
	entries := make(map[string]*stageEntry, len(s.stages))
	for name, entry := range s.stages {
		entries[name] = entry
	}
	s.mu.RUnlock()

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	reports := make([]health.StageReport, 0, len(names))
	for _, name := range names {
		entry := entries[name]
		snap := entry.health.Snapshot()
		reports = append(reports, health.StageReport{
			Name:           name,
			ExecutionCount: snap.ExecutionCount,
			FailureCount:   snap.FailureCount,
			CircuitOpen:    entry.circuit.State() == breaker.StateOpen,
			LastHeartbeat:  snap.LastHeartbeat,
		})
	}
	return reports
}
