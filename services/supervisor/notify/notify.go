// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package notify broadcasts stage lifecycle events to subscribers.
//
// Delivery is fire-and-forget: a slow, failing, or panicking handler
// never blocks or fails the supervisor. External systems observe the
// pipeline through this package without coupling to the supervisor
// implementation.
//
// Thread Safety:
//
//	All types in this package are safe for concurrent use.
package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of event.
type Type string

const (
	// TypeStageStarted is emitted when a stage attempt begins running.
	TypeStageStarted Type = "stage_started"

	// TypeStageCompleted is emitted when a stage finishes successfully.
	TypeStageCompleted Type = "stage_completed"

	// TypeStageFailed is emitted when a stage attempt fails.
	TypeStageFailed Type = "stage_failed"

	// TypeStageTimedOut is emitted when a stage attempt exceeds its
	// deadline or goes silent past its heartbeat window.
	TypeStageTimedOut Type = "stage_timed_out"

	// TypeStageRecovered is emitted when the recovery engine produced
	// an applicable remediation for a failed stage.
	TypeStageRecovered Type = "stage_recovered"

	// TypeDependencyDegraded is emitted when a degradable dependency
	// served a fallback instead of a live call.
	TypeDependencyDegraded Type = "dependency_degraded"

	// TypeCircuitOpened is emitted when a breaker opens.
	TypeCircuitOpened Type = "circuit_opened"

	// TypeCircuitClosed is emitted when a breaker closes again.
	TypeCircuitClosed Type = "circuit_closed"
)

// Event is one pipeline observation.
//
// Events should be treated as immutable after creation.
type Event struct {
	// ID is a unique identifier for this event.
	ID string `json:"id"`

	// Type identifies the kind of event.
	Type Type `json:"type"`

	// RunID links the event to one pipeline run.
	RunID string `json:"run_id,omitempty"`

	// Stage is the stage the event concerns, if any.
	Stage string `json:"stage,omitempty"`

	// Card is the work card the stage was executing, if any.
	Card string `json:"card,omitempty"`

	// Attempt is the 1-based attempt number, 0 when not applicable.
	Attempt int `json:"attempt,omitempty"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Detail carries event-specific context.
	Detail map[string]any `json:"detail,omitempty"`
}

// Handler is a function that processes events.
type Handler func(event *Event)

// Filter is a function that decides whether an event should be handled.
type Filter func(event *Event) bool

// Subscription represents one registered observer.
type Subscription struct {
	// ID uniquely identifies this subscription.
	ID string

	// Handler processes matching events.
	Handler Handler

	// Filter limits which events to handle (nil = all events).
	Filter Filter

	// Types limits which event types to handle (nil = all types).
	Types []Type
}

// Emitter broadcasts events to subscribers and keeps a bounded buffer
// of recent events for late joiners.
type Emitter struct {
	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	buffer        []Event
	bufferSize    int
	runID         string
	logger        *slog.Logger
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithBufferSize sets how many recent events are kept.
func WithBufferSize(size int) EmitterOption {
	return func(e *Emitter) {
		if size > 0 {
			e.bufferSize = size
		}
	}
}

// WithRunID stamps all events with a pipeline run ID.
func WithRunID(id string) EmitterOption {
	return func(e *Emitter) {
		e.runID = id
	}
}

// WithLogger sets the logger used for handler panics.
func WithLogger(logger *slog.Logger) EmitterOption {
	return func(e *Emitter) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEmitter creates an emitter with a 1000-event buffer by default.
func NewEmitter(opts ...EmitterOption) *Emitter {
	e := &Emitter{
		subscriptions: make(map[string]*Subscription),
		bufferSize:    1000,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.buffer = make([]Event, 0, e.bufferSize)
	return e
}

// Subscribe registers a handler for events.
//
// Inputs:
//
//	handler - Function to call for each event.
//	types - Event types to subscribe to (none = all types).
//
// Outputs:
//
//	string - Subscription ID for unsubscribing.
func (e *Emitter) Subscribe(handler Handler, types ...Type) string {
	return e.SubscribeWithFilter(handler, nil, types...)
}

// SubscribeWithFilter registers a handler with a custom filter.
func (e *Emitter) SubscribeWithFilter(handler Handler, filter Filter, types ...Type) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	sub := &Subscription{
		ID:      uuid.NewString(),
		Handler: handler,
		Filter:  filter,
		Types:   types,
	}
	e.subscriptions[sub.ID] = sub
	return sub.ID
}

// Unsubscribe removes a subscription. Returns true if it existed.
func (e *Emitter) Unsubscribe(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.subscriptions[id]; ok {
		delete(e.subscriptions, id)
		return true
	}
	return false
}

// Emit stamps and broadcasts an event to all matching subscribers.
//
// Description:
//
//	Fills in ID, Timestamp, and RunID when unset, appends the event to
//	the ring buffer, then invokes matching handlers synchronously with
//	panic recovery. Handlers run outside the emitter lock, so they may
//	subscribe or unsubscribe reentrantly.
func (e *Emitter) Emit(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	e.mu.Lock()
	if event.RunID == "" {
		event.RunID = e.runID
	}
	if len(e.buffer) >= e.bufferSize {
		e.buffer = e.buffer[1:]
	}
	e.buffer = append(e.buffer, event)

	subs := make([]*Subscription, 0, len(e.subscriptions))
	for _, sub := range e.subscriptions {
		subs = append(subs, sub)
	}
	e.mu.Unlock()

	for _, sub := range subs {
		if e.shouldHandle(sub, &event) {
			e.safeInvoke(sub.Handler, &event)
		}
	}
}

// safeInvoke calls a handler with panic recovery so one misbehaving
// observer cannot take the supervisor down with it.
func (e *Emitter) safeInvoke(handler Handler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event handler panicked",
				slog.String("event_type", string(event.Type)),
				slog.String("event_id", event.ID),
				slog.Any("panic", r),
			)
		}
	}()
	handler(event)
}

// shouldHandle decides whether a subscription wants an event.
func (e *Emitter) shouldHandle(sub *Subscription, event *Event) bool {
	if len(sub.Types) > 0 {
		match := false
		for _, t := range sub.Types {
			if t == event.Type {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	if sub.Filter != nil && !sub.Filter(event) {
		return false
	}
	return true
}

// Recent returns up to limit of the most recent events, oldest first.
// limit <= 0 returns the whole buffer.
func (e *Emitter) Recent(limit int) []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()

	start := 0
	if limit > 0 && len(e.buffer) > limit {
		start = len(e.buffer) - limit
	}
	events := make([]Event, len(e.buffer)-start)
	copy(events, e.buffer[start:])
	return events
}

// Since returns buffered events newer than the given time.
func (e *Emitter) Since(since time.Time) []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var events []Event
	for _, event := range e.buffer {
		if event.Timestamp.After(since) {
			events = append(events, event)
		}
	}
	return events
}

// SubscriptionCount returns the number of active subscriptions.
func (e *Emitter) SubscriptionCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscriptions)
}

// Reset clears all subscriptions and buffered events.
func (e *Emitter) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.subscriptions = make(map[string]*Subscription)
	e.buffer = make([]Event, 0, e.bufferSize)
}
