// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package health aggregates breaker and stage state into a single
// pipeline health report. Snapshotting is read-only: it never trips,
// probes, or resets anything.
package health

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianForge/services/supervisor/breaker"
	"github.com/AleutianAI/AleutianForge/services/supervisor/guard"
)

// Status is the pipeline-wide health verdict.
type Status string

const (
	// StatusHealthy means every dependency circuit is closed.
	StatusHealthy Status = "healthy"

	// StatusDegraded means at least one degradable dependency is
	// impaired, or a stage circuit is open. The pipeline still runs,
	// possibly at reduced quality.
	StatusDegraded Status = "degraded"

	// StatusCritical means a critical dependency's circuit is open.
	// Work requiring it will abort until the circuit recovers.
	StatusCritical Status = "critical"
)

// Component is one protected dependency's entry in the report.
type Component struct {
	Name          string `json:"name"`
	Class         string `json:"class"`
	State         string `json:"state"`
	Failures      int    `json:"failures"`
	RetryInMillis int64  `json:"retry_in_ms,omitempty"`
}

// StageReport is one registered stage's entry in the report.
type StageReport struct {
	Name           string    `json:"name"`
	ExecutionCount int64     `json:"execution_count"`
	FailureCount   int64     `json:"failure_count"`
	CircuitOpen    bool      `json:"circuit_open"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
}

// Report is a point-in-time view of the whole supervisor, safe to
// serialize for the status API and the health command.
type Report struct {
	Overall     Status        `json:"overall"`
	GeneratedAt time.Time     `json:"generated_at"`
	Components  []Component   `json:"components"`
	Stages      []StageReport `json:"stages,omitempty"`
}

// StageLister supplies per-stage health. The supervisor implements it;
// a nil lister just leaves the Stages section empty.
type StageLister interface {
	StageReports() []StageReport
}

// Pinger is a dependency that can be actively probed before a run.
type Pinger interface {
	Name() string
	Ping(ctx context.Context) error
}

// ProbeResult is the outcome of one active ping.
type ProbeResult struct {
	Name           string `json:"name"`
	Healthy        bool   `json:"healthy"`
	Error          string `json:"error,omitempty"`
	DurationMillis int64  `json:"duration_ms"`
}

// Config wires the aggregator at composition time. All fields are
// read-only afterwards.
type Config struct {
	// Guards are the protected dependencies to report on.
	Guards []*guard.Guard

	// Stages supplies stage health. Optional.
	Stages StageLister

	// Pingers are actively checked by Probe. Optional.
	Pingers []Pinger
}

// Aggregator folds dependency and stage state into one Report.
//
// Thread Safety: Safe for concurrent use; it only reads from breakers
// and the stage lister.
type Aggregator struct {
	guards  []*guard.Guard
	stages  StageLister
	pingers []Pinger
}

// New creates an aggregator over the given dependencies and stages.
func New(cfg Config) *Aggregator {
	return &Aggregator{
		guards:  cfg.Guards,
		stages:  cfg.Stages,
		pingers: cfg.Pingers,
	}
}

// Snapshot produces the current health report.
//
// Description:
//
//	Reads every dependency breaker and the stage lister and derives
//	the overall verdict: critical when any critical-class dependency
//	circuit is open, degraded when any degradable circuit is open or
//	half-open or any stage circuit is open, healthy otherwise. The
//	read has no side effects, so repeated snapshots with no
//	intervening transitions are identical apart from GeneratedAt.
func (a *Aggregator) Snapshot() Report {
	report := Report{
		Overall:     StatusHealthy,
		GeneratedAt: time.Now().UTC(),
		Components:  make([]Component, 0, len(a.guards)),
	}

	degraded := false
	critical := false

	for _, g := range a.guards {
		snap := g.Breaker().Snapshot()
		report.Components = append(report.Components, Component{
			Name:          g.Name(),
			Class:         string(g.Class()),
			State:         snap.State,
			Failures:      snap.Failures,
			RetryInMillis: snap.RetryInMillis,
		})

		switch g.Breaker().State() {
		case breaker.StateOpen:
			if g.Class() == guard.ClassCritical {
				critical = true
			} else {
				degraded = true
			}
		case breaker.StateHalfOpen:
			// A probing circuit is not trustworthy yet.
			degraded = true
		}
	}

	if a.stages != nil {
		report.Stages = a.stages.StageReports()
		for _, s := range report.Stages {
			if s.CircuitOpen {
				degraded = true
			}
		}
	}

	switch {
	case critical:
		report.Overall = StatusCritical
	case degraded:
		report.Overall = StatusDegraded
	}
	return report
}

// Probe actively pings every registered pinger concurrently. Pinger
// failures are reported, not returned: a dead dependency is a finding,
// not an aggregator error.
func (a *Aggregator) Probe(ctx context.Context) []ProbeResult {
	if len(a.pingers) == 0 {
		return nil
	}

	results := make([]ProbeResult, len(a.pingers))
	g, gCtx := errgroup.WithContext(ctx)

	for i, p := range a.pingers {
		i, p := i, p

		g.Go(func() error {
			start := time.Now()
			err := p.Ping(gCtx)

			results[i] = ProbeResult{
				Name:           p.Name(),
				Healthy:        err == nil,
				DurationMillis: time.Since(start).Milliseconds(),
			}
			if err != nil {
				results[i].Error = err.Error()
			}
			return nil
		})
	}

	_ = g.Wait()
	return results
}
