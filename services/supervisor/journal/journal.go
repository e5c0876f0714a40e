// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package journal records stage lifecycle transitions as an append-only log
// and flags transitions the caller did not declare as anticipated.
package journal

import (
	"sync"
	"time"
)

// Machine holds the legal stage transition graph:
//
//	PENDING → RUNNING             : Attempt started
//	RUNNING → COMPLETED           : Stage returned normally
//	RUNNING → FAILED              : Stage returned an error
//	RUNNING → TIMED_OUT           : Attempt deadline or heartbeat silence
//	FAILED → RUNNING              : Retry re-armed the attempt
//	TIMED_OUT → RUNNING           : Retry re-armed the attempt
//
// COMPLETED has no outgoing edges; a fresh execution of the same stage name
// begins a new lifecycle at PENDING.
//
// Thread Safety: Machine is immutable after construction and safe for
// concurrent use.
type Machine struct {
	transitions map[StageState]map[StageState]bool
}

// NewMachine creates the stage lifecycle transition graph.
func NewMachine() *Machine {
	m := &Machine{
		transitions: make(map[StageState]map[StageState]bool),
	}

	for _, state := range AllStates() {
		m.transitions[state] = make(map[StageState]bool)
	}

	m.addTransition(StatePending, StateRunning)
	m.addTransition(StateRunning, StateCompleted)
	m.addTransition(StateRunning, StateFailed)
	m.addTransition(StateRunning, StateTimedOut)
	m.addTransition(StateFailed, StateRunning)
	m.addTransition(StateTimedOut, StateRunning)

	return m
}

// addTransition registers a valid transition.
func (m *Machine) addTransition(from, to StageState) {
	m.transitions[from][to] = true
}

// CanTransition checks whether from → to is a legal lifecycle edge.
func (m *Machine) CanTransition(from, to StageState) bool {
	if toMap, ok := m.transitions[from]; ok {
		return toMap[to]
	}
	return false
}

// ValidNext returns all legal successor states of from.
func (m *Machine) ValidNext(from StageState) []StageState {
	var result []StageState
	// Iterate AllStates for deterministic order.
	for _, state := range AllStates() {
		if m.transitions[from][state] {
			result = append(result, state)
		}
	}
	return result
}

// TransitionReason provides a human-readable description of a transition.
func (m *Machine) TransitionReason(from, to StageState) string {
	key := from.String() + "->" + to.String()

	reasons := map[string]string{
		"PENDING->RUNNING":   "Attempt started",
		"RUNNING->COMPLETED": "Stage returned normally",
		"RUNNING->FAILED":    "Stage returned an error",
		"RUNNING->TIMED_OUT": "Attempt deadline exceeded or heartbeat went silent",
		"FAILED->RUNNING":    "Retry re-armed the attempt",
		"TIMED_OUT->RUNNING": "Retry re-armed the attempt",
	}

	if reason, ok := reasons[key]; ok {
		return reason
	}
	return "Unknown transition"
}

// Journal is the append-only transition log for one pipeline run.
//
// Description:
//
//	Every observed transition is appended unconditionally - the journal
//	records what happened, not what should have happened. When the observed
//	to-state is not in the caller-declared expected set, Record additionally
//	returns an UnexpectedState event for the recovery engine.
//
// Thread Safety:
//
//	Safe for concurrent appends from different stage executions. The append
//	lock guards only the O(1) slice append, so unrelated stages are never
//	serialized behind each other's work. Per-stage entries are totally
//	ordered by Seq; cross-stage ordering follows append arrival.
type Journal struct {
	machine *Machine

	mu      sync.RWMutex
	entries []Entry
	seq     uint64
}

// New creates an empty journal.
func New() *Journal {
	return &Journal{
		machine: NewMachine(),
	}
}

// Machine returns the transition graph backing this journal.
func (j *Journal) Machine() *Machine {
	return j.machine
}

// Record appends a transition and reports whether it was anticipated.
//
// Inputs:
//   - stage: Stage name the transition belongs to.
//   - from, to: The observed transition.
//   - expectedNext: Caller-declared set of anticipated to-states. Nil or
//     empty means the caller anticipated nothing, so any to-state is
//     unexpected.
//   - payload: Opaque result or error context stored with the entry.
//
// Outputs:
//   - *UnexpectedState: Non-nil when to is not in expectedNext. Severity is
//     critical when to is a failed terminal state, warning otherwise.
//
// The entry is appended unconditionally, whether or not the transition was
// anticipated or even legal in the lifecycle graph.
func (j *Journal) Record(stage string, from, to StageState, expectedNext []StageState, payload map[string]any) *UnexpectedState {
	now := time.Now()

	j.mu.Lock()
	j.seq++
	entry := Entry{
		Seq:       j.seq,
		Timestamp: now,
		Stage:     stage,
		From:      from,
		To:        to,
		Payload:   payload,
	}
	j.entries = append(j.entries, entry)
	j.mu.Unlock()

	for _, expected := range expectedNext {
		if to == expected {
			return nil
		}
	}

	severity := SeverityWarning
	if to.IsFailure() {
		severity = SeverityCritical
	}
	return &UnexpectedState{
		Stage:    stage,
		Observed: to,
		Expected: expectedNext,
		Context:  payload,
		Severity: severity,
		Seq:      entry.Seq,
		At:       entry.Timestamp,
	}
}

// Len returns the number of recorded entries.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}

// Entries returns a copy of the full log in append order.
func (j *Journal) Entries() []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()

	out := make([]Entry, len(j.entries))
	copy(out, j.entries)
	return out
}

// EntriesFor returns a copy of the entries recorded for one stage, in
// append order.
func (j *Journal) EntriesFor(stage string) []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var out []Entry
	for _, e := range j.entries {
		if e.Stage == stage {
			out = append(out, e)
		}
	}
	return out
}

// Since returns a copy of the entries with Seq strictly greater than seq.
func (j *Journal) Since(seq uint64) []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var out []Entry
	for _, e := range j.entries {
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}

// Last returns the most recent entry for a stage, if any.
func (j *Journal) Last(stage string) (Entry, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	for i := len(j.entries) - 1; i >= 0; i-- {
		if j.entries[i].Stage == stage {
			return j.entries[i], true
		}
	}
	return Entry{}, false
}
