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
	"sort"
	"strings"
	"time"

	"github.com/tmc/langchaingo/textsplitter"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// SolutionClassName is the Weaviate class for stored solutions.
const SolutionClassName = "RecoverySolution"

const (
	solutionChunkSize    = 1000
	solutionChunkOverlap = 0
)

// SemanticConfig configures the cold-tier store.
type SemanticConfig struct {
	// Namespace isolates solutions per pipeline deployment.
	// Default: "forge".
	Namespace string

	// Vectorizer is the Weaviate vectorizer module for the solution class.
	// NearText queries require one. Default: "text2vec-transformers".
	Vectorizer string
}

// DefaultSemanticConfig returns sensible defaults.
func DefaultSemanticConfig() SemanticConfig {
	return SemanticConfig{
		Namespace:  "forge",
		Vectorizer: "text2vec-transformers",
	}
}

// SemanticStore is the cold-tier solution store backed by Weaviate.
//
// Description:
//
//	Serves similarity search over signature text, so a remediation learned
//	from one failure can surface for a near-equivalent failure whose exact
//	hash differs. Long remediation instructions are chunked before indexing;
//	QuerySimilar reassembles them.
//
// Thread Safety: Safe for concurrent use.
type SemanticStore struct {
	client *weaviate.Client
	config SemanticConfig
	logger *slog.Logger
}

// NewSemanticStore creates a cold-tier store.
//
// Inputs:
//
//	client - Weaviate client. Must not be nil.
//	cfg - Store configuration. Zero values get defaults.
//
// Outputs:
//
//	*SemanticStore - The configured store.
//	error - Non-nil if client is nil.
func NewSemanticStore(client *weaviate.Client, cfg SemanticConfig) (*SemanticStore, error) {
	if client == nil {
		return nil, errors.New("client must not be nil")
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "forge"
	}
	if cfg.Vectorizer == "" {
		cfg.Vectorizer = "text2vec-transformers"
	}
	return &SemanticStore{
		client: client,
		config: cfg,
		logger: slog.Default().With(slog.String("component", "knowledge.semantic")),
	}, nil
}

// solutionSchema returns the class definition for RecoverySolution.
func (s *SemanticStore) solutionSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       SolutionClassName,
		Description: "Learned remediations for pipeline failure signatures.",
		Vectorizer:  s.config.Vectorizer,
		Properties: []*models.Property{
			{
				Name:            "solutionId",
				DataType:        []string{"text"},
				Description:     "Stable identifier shared by all chunks of one solution.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "signatureHash",
				DataType:        []string{"text"},
				Description:     "Exact-match key of the normalized failure signature.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:        "signatureText",
				DataType:    []string{"text"},
				Description: "Canonical signature text. Primary semantic search target.",
			},
			{
				Name:            "stage",
				DataType:        []string{"text"},
				Description:     "Pipeline stage the solution applies to.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:        "summary",
				DataType:    []string{"text"},
				Description: "One-line description of the failure class.",
			},
			{
				Name:         "remedyKind",
				DataType:     []string{"text"},
				Description:  "Prescribed action: retry, skip, degrade, or manual.",
				Tokenization: "field",
			},
			{
				Name:        "remedyInstruction",
				DataType:    []string{"text"},
				Description: "Free-form remediation guidance. Chunked when long.",
			},
			{
				Name:        "confidence",
				DataType:    []string{"number"},
				Description: "Trust score in [0, 1].",
			},
			{
				Name:         "source",
				DataType:     []string{"text"},
				Description:  "How the solution entered the store: learned or operator.",
				Tokenization: "field",
			},
			{
				Name:        "createdAt",
				DataType:    []string{"date"},
				Description: "When the solution was first stored.",
			},
			{
				Name:        "useCount",
				DataType:    []string{"int"},
				Description: "How many times the solution has been applied.",
			},
			{
				Name:            "namespace",
				DataType:        []string{"text"},
				Description:     "Deployment isolation key.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "chunkIndex",
				DataType:        []string{"int"},
				Description:     "Position of this chunk. 0 is the primary object.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:        "chunkCount",
				DataType:    []string{"int"},
				Description: "Total chunks for this solution.",
			},
		},
	}
}

// EnsureSchema creates the RecoverySolution class if it does not exist.
//
// Description:
//
//	Checks for the class and creates it when missing. Call once at startup
//	before serving queries. Existing classes are left untouched.
//
// Outputs:
//
//	error - Non-nil if the class cannot be created.
func (s *SemanticStore) EnsureSchema(ctx context.Context) error {
	_, err := s.client.Schema().ClassGetter().WithClassName(SolutionClassName).Do(ctx)
	if err == nil {
		s.logger.Info("schema already exists", slog.String("class", SolutionClassName))
		return nil
	}

	s.logger.Info("schema not found, creating it", slog.String("class", SolutionClassName))
	if err := s.client.Schema().ClassCreator().WithClass(s.solutionSchema()).Do(ctx); err != nil {
		return fmt.Errorf("create schema for class %s: %w", SolutionClassName, err)
	}
	s.logger.Info("schema created", slog.String("class", SolutionClassName))
	return nil
}

var solutionFields = []graphql.Field{
	{Name: "solutionId"},
	{Name: "signatureHash"},
	{Name: "signatureText"},
	{Name: "stage"},
	{Name: "summary"},
	{Name: "remedyKind"},
	{Name: "remedyInstruction"},
	{Name: "confidence"},
	{Name: "source"},
	{Name: "createdAt"},
	{Name: "useCount"},
	{Name: "chunkCount"},
	{Name: "_additional { id certainty }"},
}

// QuerySimilar implements the Store interface with semantic search.
func (s *SemanticStore) QuerySimilar(ctx context.Context, sig Signature, limit int) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	whereFilter := filters.Where().
		WithOperator(filters.And).
		WithOperands([]*filters.WhereBuilder{
			filters.Where().
				WithPath([]string{"namespace"}).
				WithOperator(filters.Equal).
				WithValueString(s.config.Namespace),
			filters.Where().
				WithPath([]string{"chunkIndex"}).
				WithOperator(filters.Equal).
				WithValueInt(0),
		})

	nearText := s.client.GraphQL().NearTextArgBuilder().
		WithConcepts([]string{sig.Text()})

	// Fetch more than needed for re-ranking
	fetchLimit := limit * 3
	if fetchLimit < 30 {
		fetchLimit = 30
	}

	result, err := s.client.GraphQL().Get().
		WithClassName(SolutionClassName).
		WithFields(solutionFields...).
		WithWhere(whereFilter).
		WithNearText(nearText).
		WithLimit(fetchLimit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}
	if result.Errors != nil && len(result.Errors) > 0 {
		return nil, fmt.Errorf("search error: %s", result.Errors[0].Message)
	}

	matches, chunkCounts := s.parseMatches(result)

	// Rank by match certainty weighted by stored confidence
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Certainty*matches[i].Solution.Confidence >
			matches[j].Certainty*matches[j].Solution.Confidence
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}

	// Reassemble chunked instructions for the survivors only
	for i := range matches {
		sol := &matches[i].Solution
		if chunkCounts[sol.ID] > 1 {
			full, err := s.fetchInstruction(ctx, sol.ID)
			if err != nil {
				s.logger.Warn("failed to reassemble chunked instruction",
					slog.String("solution_id", sol.ID),
					slog.String("error", err.Error()))
				continue
			}
			sol.Remedy.Instruction = full
		}
	}

	return matches, nil
}

// parseMatches converts a GraphQL response into matches plus per-solution
// chunk totals so reassembly only runs for solutions that were split.
func (s *SemanticStore) parseMatches(result *models.GraphQLResponse) ([]Match, map[string]int) {
	chunkCounts := make(map[string]int)

	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return []Match{}, chunkCounts
	}
	objects, ok := data[SolutionClassName].([]interface{})
	if !ok {
		return []Match{}, chunkCounts
	}

	matches := make([]Match, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue // skip malformed objects
		}

		sol := Solution{
			ID:            getString(m, "solutionId"),
			SignatureHash: getString(m, "signatureHash"),
			SignatureText: getString(m, "signatureText"),
			Stage:         getString(m, "stage"),
			Summary:       getString(m, "summary"),
			Confidence:    getFloat64(m, "confidence"),
			Source:        getString(m, "source"),
			UseCount:      getInt(m, "useCount"),
			Remedy: Remedy{
				Kind:        RemedyKind(getString(m, "remedyKind")),
				Instruction: getString(m, "remedyInstruction"),
			},
		}
		if createdStr := getString(m, "createdAt"); createdStr != "" {
			if t, err := time.Parse(time.RFC3339, createdStr); err == nil {
				sol.CreatedAt = t
			}
		}
		chunkCounts[sol.ID] = getInt(m, "chunkCount")

		certainty := 0.5 // default when the server omits it
		if additional, ok := m["_additional"].(map[string]interface{}); ok {
			if c, ok := additional["certainty"].(float64); ok {
				certainty = c
			}
		}

		matches = append(matches, Match{Solution: sol, Certainty: certainty, Tier: TierSemantic})
	}
	return matches, chunkCounts
}

// fetchInstruction loads and joins all chunks of a solution's instruction.
func (s *SemanticStore) fetchInstruction(ctx context.Context, solutionID string) (string, error) {
	whereFilter := filters.Where().
		WithPath([]string{"solutionId"}).
		WithOperator(filters.Equal).
		WithValueString(solutionID)

	result, err := s.client.GraphQL().Get().
		WithClassName(SolutionClassName).
		WithFields(
			graphql.Field{Name: "remedyInstruction"},
			graphql.Field{Name: "chunkIndex"},
		).
		WithWhere(whereFilter).
		WithLimit(100).
		Do(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch chunks: %w", err)
	}
	if result.Errors != nil && len(result.Errors) > 0 {
		return "", fmt.Errorf("chunk query error: %s", result.Errors[0].Message)
	}

	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return "", nil
	}
	objects, ok := data[SolutionClassName].([]interface{})
	if !ok {
		return "", nil
	}

	type chunk struct {
		index int
		text  string
	}
	chunks := make([]chunk, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}
		chunks = append(chunks, chunk{
			index: getInt(m, "chunkIndex"),
			text:  getString(m, "remedyInstruction"),
		})
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].index < chunks[j].index })

	parts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		parts = append(parts, c.text)
	}
	return strings.Join(parts, "\n"), nil
}

// Save implements the Store interface. Long instructions are split into
// chunks that share a solutionId; chunk 0 is the primary search object.
func (s *SemanticStore) Save(ctx context.Context, sol Solution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := sol.Validate(); err != nil {
		return fmt.Errorf("invalid solution: %w", err)
	}

	chunks, err := splitInstruction(sol.Remedy.Instruction)
	if err != nil {
		return fmt.Errorf("split instruction: %w", err)
	}

	for i, text := range chunks {
		properties := map[string]interface{}{
			"solutionId":        sol.ID,
			"signatureHash":     sol.SignatureHash,
			"signatureText":     sol.SignatureText,
			"stage":             sol.Stage,
			"summary":           sol.Summary,
			"remedyKind":        string(sol.Remedy.Kind),
			"remedyInstruction": text,
			"confidence":        sol.Confidence,
			"source":            sol.Source,
			"createdAt":         sol.CreatedAt.Format(time.RFC3339),
			"useCount":          sol.UseCount,
			"namespace":         s.config.Namespace,
			"chunkIndex":        i,
			"chunkCount":        len(chunks),
		}

		_, err := s.client.Data().Creator().
			WithClassName(SolutionClassName).
			WithProperties(properties).
			Do(ctx)
		if err != nil {
			return fmt.Errorf("save solution chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}

	s.logger.Debug("solution saved",
		slog.String("id", sol.ID),
		slog.String("stage", sol.Stage),
		slog.Int("chunks", len(chunks)))
	return nil
}

// MarkUsed implements the Store interface by bumping the stored use count
// on the primary chunk.
func (s *SemanticStore) MarkUsed(ctx context.Context, sol Solution) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	whereFilter := filters.Where().
		WithOperator(filters.And).
		WithOperands([]*filters.WhereBuilder{
			filters.Where().
				WithPath([]string{"solutionId"}).
				WithOperator(filters.Equal).
				WithValueString(sol.ID),
			filters.Where().
				WithPath([]string{"chunkIndex"}).
				WithOperator(filters.Equal).
				WithValueInt(0),
		})

	result, err := s.client.GraphQL().Get().
		WithClassName(SolutionClassName).
		WithFields(
			graphql.Field{Name: "useCount"},
			graphql.Field{Name: "_additional { id }"},
		).
		WithWhere(whereFilter).
		WithLimit(1).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("find solution: %w", err)
	}
	if result.Errors != nil && len(result.Errors) > 0 {
		return fmt.Errorf("find error: %s", result.Errors[0].Message)
	}

	weaviateID, useCount := extractIDAndUseCount(result)
	if weaviateID == "" {
		return ErrSolutionNotFound
	}

	err = s.client.Data().Updater().
		WithClassName(SolutionClassName).
		WithID(weaviateID).
		WithProperties(map[string]interface{}{
			"useCount": useCount + 1,
		}).
		WithMerge().
		Do(ctx)
	if err != nil {
		return fmt.Errorf("update use count: %w", err)
	}
	return nil
}

// Close implements the Store interface. The Weaviate client holds no
// resources that need releasing.
func (s *SemanticStore) Close() error {
	return nil
}

func extractIDAndUseCount(result *models.GraphQLResponse) (string, int) {
	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return "", 0
	}
	objects, ok := data[SolutionClassName].([]interface{})
	if !ok || len(objects) == 0 {
		return "", 0
	}
	m, ok := objects[0].(map[string]interface{})
	if !ok {
		return "", 0
	}

	useCount := getInt(m, "useCount")
	if additional, ok := m["_additional"].(map[string]interface{}); ok {
		if id, ok := additional["id"].(string); ok {
			return id, useCount
		}
	}
	return "", useCount
}

// splitInstruction chunks long remediation text for indexing. Short or empty
// instructions come back as a single chunk.
func splitInstruction(instruction string) ([]string, error) {
	if len(instruction) <= solutionChunkSize {
		return []string{instruction}, nil
	}

	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(solutionChunkSize),
		textsplitter.WithChunkOverlap(solutionChunkOverlap),
	)
	chunks, err := splitter.SplitText(instruction)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return []string{instruction}, nil
	}
	return chunks, nil
}

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func getFloat64(m map[string]interface{}, key string) float64 {
	if v, ok := m[key].(float64); ok {
		return v
	}
	return 0
}

func getInt(m map[string]interface{}, key string) int {
	if v, ok := m[key].(float64); ok {
		return int(v)
	}
	return 0
}
