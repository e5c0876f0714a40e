// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("forge.knowledge")

var (
	knowledgeHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_knowledge_hits_total",
		Help: "Knowledge store query hits by tier.",
	}, []string{"tier"})

	knowledgeMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forge_knowledge_misses_total",
		Help: "Knowledge store queries that matched nothing in any tier.",
	})
)

// TieredStore composes the warm and cold tiers behind one Store.
//
// Description:
//
//	Reads check the warm (local) tier first; on miss they fall back to
//	semantic search and promote any hits into the warm tier so the next
//	identical failure resolves locally. Writes go through to both tiers.
//	Concurrent identical queries are deduplicated so a burst of equivalent
//	failures produces one backend lookup.
//
// Thread Safety: Safe for concurrent use.
type TieredStore struct {
	local    Store
	semantic Store // may be nil when Weaviate is not deployed
	logger   *slog.Logger
	flight   singleflight.Group
}

// NewTieredStore creates a tiered store.
//
// Inputs:
//
//	local - Warm-tier store. Must not be nil.
//	semantic - Cold-tier store. May be nil; reads then stop at the warm tier.
//	logger - Optional logger. Defaults to slog.Default().
//
// Outputs:
//
//	*TieredStore - The composed store.
//	error - Non-nil if local is nil.
func NewTieredStore(local, semantic Store, logger *slog.Logger) (*TieredStore, error) {
	if local == nil {
		return nil, errors.New("local store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TieredStore{
		local:    local,
		semantic: semantic,
		logger:   logger.With(slog.String("component", "knowledge.tiered")),
	}, nil
}

// QuerySimilar implements the Store interface with read-through lookup.
func (t *TieredStore) QuerySimilar(ctx context.Context, sig Signature, limit int) ([]Match, error) {
	key := fmt.Sprintf("%s:%d", sig.Hash(), limit)
	v, err, _ := t.flight.Do(key, func() (interface{}, error) {
		return t.query(ctx, sig, limit)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Match), nil
}

func (t *TieredStore) query(ctx context.Context, sig Signature, limit int) ([]Match, error) {
	ctx, span := tracer.Start(ctx, "knowledge.QuerySimilar")
	defer span.End()
	span.SetAttributes(
		attribute.String("signature.hash", sig.Hash()),
		attribute.String("signature.stage", sig.Stage),
	)

	matches, err := t.local.QuerySimilar(ctx, sig, limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("local tier: %w", err)
	}
	if len(matches) > 0 {
		knowledgeHits.WithLabelValues(TierLocal).Inc()
		span.SetAttributes(attribute.String("tier", TierLocal), attribute.Int("matches", len(matches)))
		return matches, nil
	}

	if t.semantic == nil {
		knowledgeMisses.Inc()
		span.SetAttributes(attribute.Int("matches", 0))
		return []Match{}, nil
	}

	matches, err = t.semantic.QuerySimilar(ctx, sig, limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("semantic tier: %w", err)
	}
	if len(matches) == 0 {
		knowledgeMisses.Inc()
		span.SetAttributes(attribute.Int("matches", 0))
		return matches, nil
	}

	knowledgeHits.WithLabelValues(TierSemantic).Inc()
	span.SetAttributes(attribute.String("tier", TierSemantic), attribute.Int("matches", len(matches)))

	// Promote semantic hits so the next identical failure resolves locally.
	// Promotion failures degrade read performance, not correctness.
	for _, m := range matches {
		if m.Solution.SignatureHash != sig.Hash() {
			continue // near match for a different signature; leave it cold
		}
		if err := t.local.Save(ctx, m.Solution); err != nil {
			t.logger.Warn("failed to promote solution to local tier",
				slog.String("solution_id", m.Solution.ID),
				slog.String("error", err.Error()))
		}
	}

	return matches, nil
}

// Save implements the Store interface with write-through to both tiers.
func (t *TieredStore) Save(ctx context.Context, sol Solution) error {
	localErr := t.local.Save(ctx, sol)

	var semanticErr error
	if t.semantic != nil {
		semanticErr = t.semantic.Save(ctx, sol)
	}

	if localErr != nil || semanticErr != nil {
		return errors.Join(localErr, semanticErr)
	}
	return nil
}

// MarkUsed implements the Store interface. A solution may live in only one
// tier (promoted but never written cold, or vice versa), so a not-found from
// a single tier is tolerated.
func (t *TieredStore) MarkUsed(ctx context.Context, sol Solution) error {
	localErr := t.local.MarkUsed(ctx, sol)
	if errors.Is(localErr, ErrSolutionNotFound) {
		localErr = nil
	}

	var semanticErr error
	if t.semantic != nil {
		semanticErr = t.semantic.MarkUsed(ctx, sol)
		if errors.Is(semanticErr, ErrSolutionNotFound) {
			semanticErr = nil
		}
	}

	if localErr != nil || semanticErr != nil {
		return errors.Join(localErr, semanticErr)
	}
	return nil
}

// Close implements the Store interface, closing both tiers.
func (t *TieredStore) Close() error {
	localErr := t.local.Close()
	var semanticErr error
	if t.semantic != nil {
		semanticErr = t.semantic.Close()
	}
	if localErr != nil || semanticErr != nil {
		return errors.Join(localErr, semanticErr)
	}
	return nil
}
