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
	"context"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianForge/services/supervisor/journal"
	"github.com/AleutianAI/AleutianForge/services/supervisor/recovery"
)

// Task describes one unit of work handed to a stage.
type Task struct {
	// Card identifies the unit of work (requirement card, review ticket).
	Card string `json:"card"`

	// Args carries stage-specific inputs. The supervisor never inspects it.
	Args map[string]any `json:"args,omitempty"`
}

// Result is the opaque output of a stage. The supervisor records it in the
// journal payload but never inspects its contents.
type Result map[string]any

// Stage is the business-logic callable the supervisor wraps.
//
// The context carries the attempt deadline and the heartbeat hook; long
// stages should call heartbeat.Beat(ctx) periodically so the supervisor can
// distinguish slow from wedged. Deliberate business failures should be
// returned as (or wrapped around) *StageFailure.
type Stage func(ctx context.Context, task Task) (Result, error)

// Execution reports how an execute call went. Returned alongside the
// result so callers get structured context without parsing errors.
type Execution struct {
	// Stage is the registered stage name.
	Stage string `json:"stage"`

	// Card identifies the unit of work.
	Card string `json:"card,omitempty"`

	// Attempts is how many times the stage body was invoked.
	Attempts int `json:"attempts"`

	// FinalState is the journal state the run ended in.
	FinalState journal.StageState `json:"final_state"`

	// Duration is total wall time, including retry delays.
	Duration time.Duration `json:"duration"`

	// RecoveryActions lists the recovery outcome of each failed attempt.
	RecoveryActions []recovery.Action `json:"recovery_actions,omitempty"`

	// Result is the stage output when FinalState is COMPLETED.
	Result Result `json:"result,omitempty"`
}

// StageHealth is the per-stage execution bookkeeping read by the health
// aggregator.
//
// Thread Safety: Safe for concurrent use. Mutated only by the supervisor
// that owns the stage.
type StageHealth struct {
	mu sync.RWMutex

	stageName     string
	executionCnt  int64
	failureCnt    int64
	totalDuration time.Duration
	lastHeartbeat time.Time
}

// NewStageHealth creates bookkeeping for a registered stage.
func NewStageHealth(stageName string) *StageHealth {
	return &StageHealth{stageName: stageName}
}

// RecordAttempt adds one attempt's outcome.
func (h *StageHealth) RecordAttempt(d time.Duration, failed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.executionCnt++
	h.totalDuration += d
	if failed {
		h.failureCnt++
	}
}

// RecordHeartbeat notes the latest observed progress time.
func (h *StageHealth) RecordHeartbeat(at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if at.After(h.lastHeartbeat) {
		h.lastHeartbeat = at
	}
}

// StageHealthSnapshot is the serializable view of StageHealth.
type StageHealthSnapshot struct {
	StageName      string        `json:"stage_name"`
	ExecutionCount int64         `json:"execution_count"`
	FailureCount   int64         `json:"failure_count"`
	TotalDuration  time.Duration `json:"total_duration_ns"`
	LastHeartbeat  time.Time     `json:"last_heartbeat_at"`
}

// Snapshot returns a point-in-time copy.
func (h *StageHealth) Snapshot() StageHealthSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return StageHealthSnapshot{
		StageName:      h.stageName,
		ExecutionCount: h.executionCnt,
		FailureCount:   h.failureCnt,
		TotalDuration:  h.totalDuration,
		LastHeartbeat:  h.lastHeartbeat,
	}
}
