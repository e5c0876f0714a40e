// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package journal

import "time"

// StageState is the lifecycle state of one stage execution attempt.
type StageState string

const (
	// StatePending is the initial state before the attempt starts running.
	StatePending StageState = "PENDING"

	// StateRunning means the stage body is executing.
	StateRunning StageState = "RUNNING"

	// StateCompleted is the successful terminal state.
	StateCompleted StageState = "COMPLETED"

	// StateFailed is the terminal state for a stage that returned an error.
	StateFailed StageState = "FAILED"

	// StateTimedOut is the terminal state for a stage that exceeded its
	// attempt timeout or went silent past its heartbeat window.
	StateTimedOut StageState = "TIMED_OUT"
)

// AllStates returns every stage state.
func AllStates() []StageState {
	return []StageState{
		StatePending,
		StateRunning,
		StateCompleted,
		StateFailed,
		StateTimedOut,
	}
}

// String returns the state name.
func (s StageState) String() string {
	return string(s)
}

// IsTerminal reports whether the state ends an attempt.
func (s StageState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateTimedOut
}

// IsFailure reports whether the state is a failed terminal state.
func (s StageState) IsFailure() bool {
	return s == StateFailed || s == StateTimedOut
}

// Severity classifies how alarming an unexpected transition is.
type Severity string

const (
	// SeverityWarning marks a benign alternate path, such as an
	// unanticipated success.
	SeverityWarning Severity = "warning"

	// SeverityCritical marks an unanticipated terminal failure.
	SeverityCritical Severity = "critical"
)

// Entry is one recorded stage transition. Entries are append-only: written
// once, never mutated.
type Entry struct {
	// Seq is the position in the journal, monotonically increasing.
	Seq uint64 `json:"seq"`

	// Timestamp is when the transition was recorded.
	Timestamp time.Time `json:"timestamp"`

	// Stage is the stage name the transition belongs to.
	Stage string `json:"stage"`

	// From and To are the observed transition endpoints.
	From StageState `json:"from"`
	To   StageState `json:"to"`

	// Payload carries opaque result or error context. The journal never
	// inspects it.
	Payload map[string]any `json:"payload,omitempty"`
}

// UnexpectedState describes a transition that landed outside the set of
// outcomes the caller declared it was prepared for. It is handed to the
// recovery engine exactly once and is not retained by the journal.
type UnexpectedState struct {
	// Stage is the stage that produced the transition.
	Stage string

	// Observed is the state the stage actually landed in.
	Observed StageState

	// Expected is the caller-declared set of anticipated next states.
	Expected []StageState

	// Context carries the transition payload for recovery inspection.
	Context map[string]any

	// Severity is critical for unanticipated terminal failures and
	// warning for benign alternate paths.
	Severity Severity

	// Seq and At identify the journal entry the event was derived from.
	Seq uint64
	At  time.Time
}
