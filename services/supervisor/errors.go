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
	"fmt"

	"github.com/AleutianAI/AleutianForge/services/supervisor/journal"
	"github.com/AleutianAI/AleutianForge/services/supervisor/recovery"
)

// Sentinel errors for the supervisor service.
var (
	// ErrStageNotRegistered indicates execute was called for a stage name
	// that was never registered. Unregistered stages are rejected rather
	// than run unsupervised.
	ErrStageNotRegistered = errors.New("stage not registered")

	// ErrStageCircuitOpen indicates the stage's own circuit is open and
	// re-execution is refused until its cooldown elapses.
	ErrStageCircuitOpen = errors.New("stage circuit is open, execution refused")

	// ErrStageSkipped indicates recovery prescribed skipping the stage.
	ErrStageSkipped = errors.New("stage skipped on recovery advice")

	// ErrStageDegraded indicates recovery prescribed continuing the
	// pipeline without this stage's full output.
	ErrStageDegraded = errors.New("stage degraded on recovery advice")

	// ErrAttemptTimeout indicates a single attempt exceeded its wall-clock
	// budget.
	ErrAttemptTimeout = errors.New("stage attempt exceeded its timeout")

	// ErrHeartbeatSilence indicates the stage went silent past its
	// heartbeat window.
	ErrHeartbeatSilence = errors.New("stage heartbeat went silent")
)

// StageFailure is a business-level failure a stage signals deliberately.
//
// Stages return it (or wrap it) for outcomes they already handled, such as
// "no solution found". When its Code is listed in the stage's policy under
// expected_failures, the supervisor propagates it immediately without
// consulting recovery.
type StageFailure struct {
	// Code is a machine-readable failure code.
	Code string `json:"code"`

	// Message is a human-readable description.
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *StageFailure) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("stage failure: %s", e.Code)
	}
	return fmt.Sprintf("stage failure %s: %s", e.Code, e.Message)
}

// StageError is the terminal error raised when retries and recovery are
// exhausted, or when recovery prescribes an outcome other than retry. It
// carries structured context for downstream automated triage rather than a
// bare message.
type StageError struct {
	// Stage is the registered stage name.
	Stage string `json:"stage"`

	// Card identifies the unit of work the stage was executing.
	Card string `json:"card,omitempty"`

	// Attempts is how many times the stage body was invoked.
	Attempts int `json:"attempts"`

	// LastState is the final journal state of the last attempt.
	LastState journal.StageState `json:"last_state"`

	// RecoveryActions lists the recovery outcomes of each failed attempt,
	// in order.
	RecoveryActions []recovery.Action `json:"recovery_actions,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *StageError) Error() string {
	return fmt.Sprintf("stage %q failed terminally after %d attempt(s), last state %s: %v",
		e.Stage, e.Attempts, e.LastState, e.Err)
}

// Unwrap returns the underlying cause.
func (e *StageError) Unwrap() error {
	return e.Err
}
