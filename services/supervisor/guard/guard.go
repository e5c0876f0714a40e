// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package guard wraps calls to external dependencies with a circuit breaker
// and a degrade-or-abort policy. Degradable dependencies substitute a
// fallback value when their breaker rejects the call; the one critical
// dependency class aborts the stage attempt instead.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianForge/services/supervisor/breaker"
)

// Sentinel errors for guarded dependency access.
var (
	// ErrUnavailable indicates a critical dependency's breaker rejected
	// the call. Fatal to the current stage attempt.
	ErrUnavailable = errors.New("critical dependency unavailable")

	// ErrFallbackFailed indicates a degradable dependency's fallback
	// itself returned an error.
	ErrFallbackFailed = errors.New("dependency fallback failed")
)

var (
	// guardDegraded counts calls served by a fallback
	guardDegraded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_guard_degraded_total",
		Help: "Total dependency calls served degraded by a fallback",
	}, []string{"dependency"})

	// guardAborted counts critical-dependency rejections
	guardAborted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_guard_aborted_total",
		Help: "Total critical dependency calls aborted by an open breaker",
	}, []string{"dependency"})
)

// Class tags how the pipeline copes with a dependency being unavailable.
type Class string

const (
	// ClassDegradable dependencies lower output quality when unavailable;
	// the pipeline continues on their fallback.
	ClassDegradable Class = "degradable"

	// ClassCritical dependencies abort the stage attempt when unavailable.
	// Exactly one dependency class in a deployment is critical: the model
	// backend.
	ClassCritical Class = "critical"
)

// Valid reports whether the class is a known tag.
func (c Class) Valid() bool {
	return c == ClassDegradable || c == ClassCritical
}

// Operation is a guarded unit of work against one dependency.
type Operation func(ctx context.Context) (any, error)

// Fallback produces the substitute value for a degraded call.
type Fallback func(ctx context.Context) (any, error)

// Result is the outcome of a guarded invocation.
type Result struct {
	// Value is the dependency's answer, or the fallback's when Degraded.
	Value any

	// Degraded is true when the breaker rejected the call and the
	// fallback served instead.
	Degraded bool
}

// Config describes one guarded dependency.
type Config struct {
	// Name identifies the dependency (breaker name, logs, metrics).
	Name string

	// Class is degradable or critical.
	Class Class

	// Breaker configures the dependency's circuit. Name is taken from
	// Config.Name; a zero value gets breaker defaults.
	Breaker breaker.Config

	// Fallback serves degraded calls. Only meaningful for degradable
	// dependencies; nil yields a nil degraded value.
	Fallback Fallback

	// Logger for degradation warnings. Nil falls back to slog.Default().
	Logger *slog.Logger
}

// Guard is the protective adapter in front of one external dependency.
//
// Thread Safety: Safe for concurrent use.
type Guard struct {
	name     string
	class    Class
	breaker  *breaker.Breaker
	fallback Fallback
	logger   *slog.Logger
}

// New creates a guard and registers its breaker in reg.
//
// Inputs:
//   - cfg: Dependency description. Name and a valid Class are required.
//     Critical dependencies must not carry a fallback - their
//     unavailability aborts, never degrades.
//   - reg: Breaker registry shared with the health aggregator.
//
// Outputs:
//   - *Guard: Ready to use guard.
//   - error: Non-nil if the config is unusable.
func New(cfg Config, reg *breaker.Registry) (*Guard, error) {
	if cfg.Name == "" {
		return nil, errors.New("name must not be empty")
	}
	if !cfg.Class.Valid() {
		return nil, fmt.Errorf("class %q must be degradable or critical", cfg.Class)
	}
	if cfg.Class == ClassCritical && cfg.Fallback != nil {
		return nil, errors.New("critical dependencies do not take fallbacks")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	bcfg := cfg.Breaker
	bcfg.Name = cfg.Name
	return &Guard{
		name:     cfg.Name,
		class:    cfg.Class,
		breaker:  reg.GetOrCreate(bcfg),
		fallback: cfg.Fallback,
		logger:   cfg.Logger.With(slog.String("dependency", cfg.Name)),
	}, nil
}

// Name returns the dependency name.
func (g *Guard) Name() string {
	return g.name
}

// Class returns the dependency class.
func (g *Guard) Class() Class {
	return g.class
}

// Breaker returns the dependency's circuit breaker.
func (g *Guard) Breaker() *breaker.Breaker {
	return g.breaker
}

// Invoke runs op behind the breaker.
//
// Description:
//
//	With the breaker closed (or this call holding the half-open probe), op
//	runs and its outcome feeds the breaker. When the breaker rejects the
//	call: degradable dependencies return Result{Degraded: true} with the
//	fallback value and no error; critical dependencies return an error
//	wrapping ErrUnavailable without running anything.
//
//	Errors from op itself always propagate to the caller - degradation
//	applies to breaker rejection, not to ordinary call failure.
//
// Thread Safety: Safe for concurrent use. No lock is held while op runs.
func (g *Guard) Invoke(ctx context.Context, op Operation) (Result, error) {
	ctx, span := otel.Tracer("supervisor").Start(ctx, "guard.Invoke")
	span.SetAttributes(
		attribute.String("dependency", g.name),
		attribute.String("class", string(g.class)),
		attribute.String("breaker_state", g.breaker.State().String()),
	)
	defer span.End()

	allowed, release := g.breaker.Allow()
	if !allowed {
		return g.rejected(ctx, span)
	}
	if release != nil {
		defer release()
	}

	value, err := op(ctx)
	if err != nil {
		if g.breaker.Classify(err) {
			g.breaker.RecordFailure()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "dependency call failed")
		return Result{}, err
	}

	g.breaker.RecordSuccess()
	span.SetStatus(codes.Ok, "success")
	return Result{Value: value}, nil
}

// rejected handles a breaker rejection: degrade or abort.
func (g *Guard) rejected(ctx context.Context, span trace.Span) (Result, error) {
	if g.class == ClassCritical {
		guardAborted.WithLabelValues(g.name).Inc()
		span.SetStatus(codes.Error, "critical dependency unavailable")
		g.logger.Error("critical dependency unavailable, aborting attempt",
			slog.String("breaker_state", g.breaker.State().String()),
		)
		return Result{}, fmt.Errorf("dependency %q: %w", g.name, ErrUnavailable)
	}

	guardDegraded.WithLabelValues(g.name).Inc()
	span.AddEvent("degraded")
	g.logger.Warn("dependency unavailable, serving fallback",
		slog.String("breaker_state", g.breaker.State().String()),
	)

	if g.fallback == nil {
		return Result{Degraded: true}, nil
	}
	value, err := g.fallback(ctx)
	if err != nil {
		span.RecordError(err)
		return Result{}, fmt.Errorf("dependency %q: %w: %v", g.name, ErrFallbackFailed, err)
	}
	return Result{Value: value, Degraded: true}, nil
}

// Call invokes op through g and returns a typed value.
//
// Degraded results surface as (fallback-typed zero or value, true, nil);
// a fallback value of the wrong type is reported as an error rather than
// silently zeroed.
func Call[T any](ctx context.Context, g *Guard, op func(ctx context.Context) (T, error)) (T, bool, error) {
	res, err := g.Invoke(ctx, func(ctx context.Context) (any, error) {
		return op(ctx)
	})
	if err != nil {
		var zero T
		return zero, false, err
	}
	if res.Value == nil {
		var zero T
		return zero, res.Degraded, nil
	}
	typed, ok := res.Value.(T)
	if !ok {
		var zero T
		return zero, res.Degraded, fmt.Errorf("dependency %q returned %T, not the expected type", g.name, res.Value)
	}
	return typed, res.Degraded, nil
}
