// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package knowledge persists learned failure remediations across pipeline runs.
//
// Solutions are stored in two tiers:
//
//	Warm (BadgerDB) → exact signature-hash lookup, ~100µs
//	Cold (Weaviate) → semantic similarity over signature text
//
// TieredStore composes both: reads check the warm tier first and fall back
// to semantic search, promoting hits into the warm tier; writes go through
// to both tiers so equivalent future failures resolve locally.
package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrStoreClosed is returned when operations are called on a closed store.
	ErrStoreClosed = errors.New("knowledge store is closed")

	// ErrSolutionNotFound is returned when a referenced solution does not exist.
	ErrSolutionNotFound = errors.New("solution not found")
)

// Tier labels identify which storage layer produced a match.
const (
	TierLocal    = "local"
	TierSemantic = "semantic"
)

// Source values record how a solution entered the store.
const (
	SourceLearned  = "learned"
	SourceOperator = "operator"
)

// maxSummaryRunes bounds the error summary carried in a signature so that
// unbounded tracebacks cannot blow up keys or prompts.
const maxSummaryRunes = 256

var (
	uuidPattern = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	hexPattern  = regexp.MustCompile(`\b(?:0x[0-9a-fA-F]+|[0-9a-f]{8,})\b`)
	numPattern  = regexp.MustCompile(`\d+(?:\.\d+)?`)
)

// Signature is the normalized identity of a failure.
//
// Description:
//
//	Two failures that differ only in volatile detail (request ids, line
//	numbers, addresses, timestamps) must produce the same signature so a
//	remediation learned from one applies to the other. NewSignature masks
//	those tokens and truncates the summary; Hash() gives the exact-match
//	key for the warm tier and Text() the query text for semantic search.
type Signature struct {
	// Stage is the pipeline stage that failed.
	Stage string `json:"stage"`

	// Observed is the state the stage actually reached.
	Observed string `json:"observed"`

	// Expected is the comma-joined set of states that were anticipated.
	Expected string `json:"expected"`

	// Summary is the normalized, truncated error summary.
	Summary string `json:"summary"`
}

// NewSignature builds a normalized signature from raw failure details.
//
// Inputs:
//
//	stage - Pipeline stage name.
//	observed - State the stage reached.
//	expected - Comma-joined anticipated states.
//	errText - Raw error text. May be empty.
//
// Outputs:
//
//	Signature - Normalized signature. Equivalent failures collide.
func NewSignature(stage, observed, expected, errText string) Signature {
	return Signature{
		Stage:    strings.ToLower(strings.TrimSpace(stage)),
		Observed: strings.ToLower(strings.TrimSpace(observed)),
		Expected: strings.ToLower(strings.TrimSpace(expected)),
		Summary:  normalizeSummary(errText),
	}
}

// normalizeSummary masks volatile tokens, collapses whitespace, lower-cases,
// and truncates to maxSummaryRunes.
func normalizeSummary(text string) string {
	s := strings.ToLower(text)
	s = uuidPattern.ReplaceAllString(s, "<uuid>")
	s = hexPattern.ReplaceAllString(s, "<hex>")
	s = numPattern.ReplaceAllString(s, "<n>")
	s = strings.Join(strings.Fields(s), " ")

	runes := []rune(s)
	if len(runes) > maxSummaryRunes {
		s = string(runes[:maxSummaryRunes])
	}
	return s
}

// Text returns the canonical text form used for semantic search.
func (s Signature) Text() string {
	return fmt.Sprintf("stage=%s observed=%s expected=%s %s", s.Stage, s.Observed, s.Expected, s.Summary)
}

// Hash returns the sha256 hex digest of the canonical text.
func (s Signature) Hash() string {
	sum := sha256.Sum256([]byte(s.Text()))
	return hex.EncodeToString(sum[:])
}

// RemedyKind is the closed set of actions a solution can prescribe.
type RemedyKind string

const (
	// RemedyRetry prescribes re-running the stage.
	RemedyRetry RemedyKind = "retry"

	// RemedySkip prescribes skipping the stage and continuing the pipeline.
	RemedySkip RemedyKind = "skip"

	// RemedyDegrade prescribes continuing with reduced output quality.
	RemedyDegrade RemedyKind = "degrade"

	// RemedyManual prescribes stopping for operator intervention.
	RemedyManual RemedyKind = "manual"
)

// Valid reports whether the kind is a member of the closed set.
func (k RemedyKind) Valid() bool {
	switch k {
	case RemedyRetry, RemedySkip, RemedyDegrade, RemedyManual:
		return true
	}
	return false
}

// Remedy is the prescribed action plus free-form operator guidance.
type Remedy struct {
	Kind        RemedyKind `json:"kind"`
	Instruction string     `json:"instruction,omitempty"`
}

// Solution is a learned or operator-supplied remediation for a failure class.
type Solution struct {
	// ID uniquely identifies this solution.
	ID string `json:"id"`

	// SignatureHash is the exact-match key (Signature.Hash()).
	SignatureHash string `json:"signature_hash"`

	// SignatureText is the canonical signature text (Signature.Text()).
	SignatureText string `json:"signature_text"`

	// Stage is the pipeline stage this solution applies to.
	Stage string `json:"stage"`

	// Summary is a one-line description of the failure class.
	Summary string `json:"summary"`

	// Remedy is the prescribed action.
	Remedy Remedy `json:"remedy"`

	// Confidence is the solution's trust score in [0, 1].
	Confidence float64 `json:"confidence"`

	// Source records how the solution entered the store.
	Source string `json:"source"`

	// CreatedAt is when the solution was first stored.
	CreatedAt time.Time `json:"created_at"`

	// UseCount is how many times the solution has been applied.
	UseCount int `json:"use_count"`
}

// NewSolution builds a solution for the given signature with a fresh ID.
func NewSolution(sig Signature, summary string, remedy Remedy, confidence float64, source string) Solution {
	return Solution{
		ID:            uuid.NewString(),
		SignatureHash: sig.Hash(),
		SignatureText: sig.Text(),
		Stage:         sig.Stage,
		Summary:       summary,
		Remedy:        remedy,
		Confidence:    confidence,
		Source:        source,
		CreatedAt:     time.Now().UTC(),
	}
}

// Validate checks the solution is storable.
func (s *Solution) Validate() error {
	if s.ID == "" {
		return errors.New("id must not be empty")
	}
	if s.SignatureHash == "" {
		return errors.New("signature_hash must not be empty")
	}
	if !s.Remedy.Kind.Valid() {
		return fmt.Errorf("remedy kind %q is not valid", s.Remedy.Kind)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return errors.New("confidence must be between 0 and 1")
	}
	return nil
}

// Match is a query result with provenance.
type Match struct {
	// Solution is the stored remediation.
	Solution Solution `json:"solution"`

	// Certainty is the match quality in [0, 1]. Exact hash hits are 1.0;
	// semantic hits carry the vector certainty.
	Certainty float64 `json:"certainty"`

	// Tier identifies which storage layer produced the match.
	Tier string `json:"tier"`
}

// Store is the persistence boundary for learned solutions.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Store interface {
	// QuerySimilar returns solutions matching the signature, best first.
	//
	// Inputs:
	//   - ctx: Context for cancellation. Must not be nil.
	//   - sig: Normalized failure signature.
	//   - limit: Maximum matches to return. <= 0 uses the store default.
	//
	// Outputs:
	//   - []Match: Matches ordered by quality. Empty slice on miss.
	//   - error: Non-nil if the query fails.
	QuerySimilar(ctx context.Context, sig Signature, limit int) ([]Match, error)

	// Save persists a solution.
	//
	// Inputs:
	//   - ctx: Context for cancellation. Must not be nil.
	//   - sol: Solution to persist. Must pass Validate().
	//
	// Outputs:
	//   - error: Non-nil if the write fails.
	Save(ctx context.Context, sol Solution) error

	// MarkUsed increments the stored use count for a solution.
	//
	// Inputs:
	//   - ctx: Context for cancellation. Must not be nil.
	//   - sol: The matched solution.
	//
	// Outputs:
	//   - error: Non-nil if the update fails.
	MarkUsed(ctx context.Context, sol Solution) error

	// Close releases store resources.
	Close() error
}
