// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package recovery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianForge/services/supervisor/breaker"
	"github.com/AleutianAI/AleutianForge/services/supervisor/guard"
	"github.com/AleutianAI/AleutianForge/services/supervisor/journal"
	"github.com/AleutianAI/AleutianForge/services/supervisor/knowledge"
	"github.com/AleutianAI/AleutianForge/services/supervisor/llm"
)

type fakeStore struct {
	mu       sync.Mutex
	matches  []knowledge.Match
	queryErr error
	saveErr  error
	saved    []knowledge.Solution
	marked   []string
}

func (f *fakeStore) QuerySimilar(ctx context.Context, sig knowledge.Signature, limit int) ([]knowledge.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.matches, nil
}

func (f *fakeStore) Save(ctx context.Context, sol knowledge.Solution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, sol)
	return nil
}

func (f *fakeStore) MarkUsed(ctx context.Context, sol knowledge.Solution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, sol.ID)
	return nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) savedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

type fakeClient struct {
	mu         sync.Mutex
	content    string
	err        error
	calls      int
	lastPrompt string
}

func (f *fakeClient) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastPrompt = req.Prompt
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Response{Content: f.content, StopReason: "end", Model: "fake-model"}, nil
}

func (f *fakeClient) Name() string  { return "fake" }
func (f *fakeClient) Model() string { return "fake-model" }

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeClient) promptSeen() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastPrompt
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newModelGuard(t *testing.T) *guard.Guard {
	t.Helper()
	g, err := guard.New(guard.Config{
		Name:  "model-backend",
		Class: guard.ClassCritical,
		Breaker: breaker.Config{
			FailureThreshold: 3,
			Cooldown:         time.Hour,
		},
		Logger: quietLogger(),
	}, breaker.NewRegistry())
	if err != nil {
		t.Fatalf("guard.New failed: %v", err)
	}
	return g
}

func newTestEngine(t *testing.T, store knowledge.Store, client llm.Client) *Engine {
	t.Helper()
	var model *guard.Guard
	if client != nil {
		model = newModelGuard(t)
	}
	cfg := DefaultConfig()
	cfg.Logger = quietLogger()
	eng, err := NewEngine(store, model, client, cfg)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return eng
}

func testEvent() *journal.UnexpectedState {
	return &journal.UnexpectedState{
		Stage:    "compile",
		Observed: journal.StateFailed,
		Expected: []journal.StageState{journal.StateCompleted},
		Severity: journal.SeverityCritical,
		Context:  map[string]any{"error": "exit status 2: missing header stdio.h"},
	}
}

func storedMatch(remedy knowledge.RemedyKind, confidence, certainty float64) knowledge.Match {
	sig := knowledge.NewSignature("compile", "FAILED", "COMPLETED", "exit status 2")
	sol := knowledge.NewSolution(sig, "compiler failure", knowledge.Remedy{
		Kind:        remedy,
		Instruction: "clear the build cache and run the stage again",
	}, confidence, knowledge.SourceLearned)
	return knowledge.Match{Solution: sol, Certainty: certainty, Tier: knowledge.TierLocal}
}

func TestNewEngine_Validation(t *testing.T) {
	if _, err := NewEngine(nil, nil, nil, Config{}); err == nil {
		t.Fatal("expected error for missing store")
	}
	if _, err := NewEngine(&fakeStore{}, newModelGuard(t), nil, Config{}); err == nil {
		t.Fatal("expected error for guard without client")
	}
	if _, err := NewEngine(&fakeStore{}, nil, &fakeClient{}, Config{}); err == nil {
		t.Fatal("expected error for client without guard")
	}
	if _, err := NewEngine(&fakeStore{}, nil, nil, Config{}); err != nil {
		t.Fatalf("knowledge-only engine should be valid, got: %v", err)
	}
}

func TestLearnAndApply_NilEvent(t *testing.T) {
	eng := newTestEngine(t, &fakeStore{}, nil)

	out := eng.LearnAndApply(context.Background(), nil)
	if out.Succeeded {
		t.Error("nil event must not succeed")
	}
	if out.Action != ActionManualRequired {
		t.Errorf("action = %q, want %q", out.Action, ActionManualRequired)
	}
}

func TestLearnAndApply_AppliesStoredSolution(t *testing.T) {
	store := &fakeStore{matches: []knowledge.Match{storedMatch(knowledge.RemedyRetry, 0.9, 1.0)}}
	client := &fakeClient{content: `{"summary":"x","remedy":"retry","instruction":"y","confidence":0.9}`}
	eng := newTestEngine(t, store, client)

	out := eng.LearnAndApply(context.Background(), testEvent())

	if !out.Succeeded {
		t.Fatalf("expected success, got %+v", out)
	}
	if out.Action != ActionLearned {
		t.Errorf("action = %q, want %q", out.Action, ActionLearned)
	}
	if out.Solution == nil || out.Solution.Remedy.Kind != knowledge.RemedyRetry {
		t.Errorf("expected retry solution, got %+v", out.Solution)
	}
	if client.callCount() != 0 {
		t.Errorf("model consulted %d times for a stored hit, want 0", client.callCount())
	}
	if len(store.marked) != 1 {
		t.Errorf("MarkUsed called %d times, want 1", len(store.marked))
	}
}

func TestLearnAndApply_PrefersStrongestMatch(t *testing.T) {
	weak := storedMatch(knowledge.RemedySkip, 0.95, 0.7)
	strong := storedMatch(knowledge.RemedyRetry, 0.9, 1.0)
	store := &fakeStore{matches: []knowledge.Match{weak, strong}}
	eng := newTestEngine(t, store, nil)

	out := eng.LearnAndApply(context.Background(), testEvent())

	if !out.Succeeded || out.Solution == nil {
		t.Fatalf("expected an applied solution, got %+v", out)
	}
	// 0.9*1.0 beats 0.95*0.7.
	if out.Solution.ID != strong.Solution.ID {
		t.Errorf("applied %s, want the higher scoring %s", out.Solution.ID, strong.Solution.ID)
	}
}

func TestLearnAndApply_StoredManualRemedy(t *testing.T) {
	store := &fakeStore{matches: []knowledge.Match{storedMatch(knowledge.RemedyManual, 0.9, 1.0)}}
	eng := newTestEngine(t, store, nil)

	out := eng.LearnAndApply(context.Background(), testEvent())

	if out.Succeeded {
		t.Error("a manual remedy must not report success")
	}
	if out.Action != ActionManualRequired {
		t.Errorf("action = %q, want %q", out.Action, ActionManualRequired)
	}
	if out.Solution == nil {
		t.Error("the manual solution should still be attached for the operator")
	}
}

func TestLearnAndApply_LowConfidenceHitConsultsModel(t *testing.T) {
	// Certainty 1.0 but stored confidence 0.3 scores below the 0.6 floor.
	store := &fakeStore{matches: []knowledge.Match{storedMatch(knowledge.RemedyRetry, 0.3, 1.0)}}
	client := &fakeClient{content: `{"summary":"flaky compiler","remedy":"retry","instruction":"rerun once","confidence":0.8}`}
	eng := newTestEngine(t, store, client)

	out := eng.LearnAndApply(context.Background(), testEvent())

	if !out.Succeeded || out.Action != ActionLearned {
		t.Fatalf("expected a learned outcome, got %+v", out)
	}
	if client.callCount() != 1 {
		t.Errorf("model consulted %d times, want 1", client.callCount())
	}
}

func TestLearnAndApply_ConsultPersistsSolution(t *testing.T) {
	store := &fakeStore{}
	client := &fakeClient{content: "```json\n{\"summary\":\"transient network failure\",\"remedy\":\"retry\",\"instruction\":\"wait and rerun the stage\",\"confidence\":0.85}\n```"}
	eng := newTestEngine(t, store, client)

	out := eng.LearnAndApply(context.Background(), testEvent())

	if !out.Succeeded || out.Action != ActionLearned {
		t.Fatalf("expected a learned outcome, got %+v", out)
	}
	if out.Solution == nil {
		t.Fatal("expected the fresh solution on the outcome")
	}
	if out.Solution.Source != knowledge.SourceLearned {
		t.Errorf("source = %q, want %q", out.Solution.Source, knowledge.SourceLearned)
	}
	if store.savedCount() != 1 {
		t.Errorf("saved %d solutions, want 1", store.savedCount())
	}
	if out.Solution.Confidence != 0.85 {
		t.Errorf("confidence = %v, want 0.85", out.Solution.Confidence)
	}
}

func TestLearnAndApply_ConsultPromptScrubbed(t *testing.T) {
	store := &fakeStore{}
	client := &fakeClient{content: `{"summary":"x","remedy":"retry","instruction":"y","confidence":0.9}`}
	eng := newTestEngine(t, store, client)

	// Failure context routinely echoes command output, which is exactly
	// where leaked credentials show up.
	ev := testEvent()
	ev.Context["error"] = "artifact push failed: 403 for key AKIA1234567890123456"

	out := eng.LearnAndApply(context.Background(), ev)

	if !out.Succeeded {
		t.Fatalf("expected a learned outcome, got %+v", out)
	}
	prompt := client.promptSeen()
	if prompt == "" {
		t.Fatal("model was never called")
	}
	if strings.Contains(prompt, "AKIA1234567890123456") {
		t.Errorf("credential reached the model backend:\n%s", prompt)
	}
	if !strings.Contains(prompt, "[REDACTED:AWS_ACCESS_KEY_ID]") {
		t.Errorf("expected a redaction marker in the prompt, got:\n%s", prompt)
	}
}

func TestLearnAndApply_SaveFailureStillApplies(t *testing.T) {
	store := &fakeStore{saveErr: errors.New("disk full")}
	client := &fakeClient{content: `{"summary":"x","remedy":"retry","instruction":"rerun","confidence":0.9}`}
	eng := newTestEngine(t, store, client)

	out := eng.LearnAndApply(context.Background(), testEvent())

	if !out.Succeeded {
		t.Errorf("a persistence failure must not discard the remediation, got %+v", out)
	}
}

func TestLearnAndApply_MalformedResponseIsNotRetried(t *testing.T) {
	store := &fakeStore{}
	client := &fakeClient{content: "I cannot help with that."}
	eng := newTestEngine(t, store, client)

	out := eng.LearnAndApply(context.Background(), testEvent())

	if out.Succeeded {
		t.Error("malformed response must not succeed")
	}
	if out.Action != ActionManualRequired {
		t.Errorf("action = %q, want %q", out.Action, ActionManualRequired)
	}
	if client.callCount() != 1 {
		t.Errorf("model called %d times, want exactly 1", client.callCount())
	}
	if store.savedCount() != 0 {
		t.Errorf("saved %d solutions from a malformed response, want 0", store.savedCount())
	}
}

func TestLearnAndApply_LowModelConfidence(t *testing.T) {
	store := &fakeStore{}
	client := &fakeClient{content: `{"summary":"unclear","remedy":"skip","instruction":"maybe skip","confidence":0.2}`}
	eng := newTestEngine(t, store, client)

	out := eng.LearnAndApply(context.Background(), testEvent())

	if out.Succeeded || out.Action != ActionManualRequired {
		t.Fatalf("a speculative remediation must not be applied, got %+v", out)
	}
	if store.savedCount() != 0 {
		t.Errorf("saved %d speculative solutions, want 0", store.savedCount())
	}
}

func TestLearnAndApply_ModelManualRecommendation(t *testing.T) {
	store := &fakeStore{}
	client := &fakeClient{content: `{"summary":"corrupted workspace","remedy":"manual","instruction":"restore the workspace from backup","confidence":0.9}`}
	eng := newTestEngine(t, store, client)

	out := eng.LearnAndApply(context.Background(), testEvent())

	if out.Succeeded {
		t.Error("a manual recommendation must not report success")
	}
	if out.Action != ActionManualRequired {
		t.Errorf("action = %q, want %q", out.Action, ActionManualRequired)
	}
	// The verdict is still worth keeping for next time.
	if store.savedCount() != 1 {
		t.Errorf("saved %d solutions, want 1", store.savedCount())
	}
}

func TestLearnAndApply_OpenCircuitSkipsConsult(t *testing.T) {
	store := &fakeStore{}
	client := &fakeClient{content: `{"summary":"x","remedy":"retry","instruction":"y","confidence":0.9}`}
	model := newModelGuard(t)
	cfg := DefaultConfig()
	cfg.Logger = quietLogger()
	eng, err := NewEngine(store, model, client, cfg)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		model.Breaker().RecordFailure()
	}
	if model.Breaker().State() != breaker.StateOpen {
		t.Fatal("breaker should be open after three failures")
	}

	out := eng.LearnAndApply(context.Background(), testEvent())

	if out.Succeeded {
		t.Error("an open model circuit must not succeed")
	}
	if out.Action != ActionManualRequired {
		t.Errorf("action = %q, want %q", out.Action, ActionManualRequired)
	}
	if client.callCount() != 0 {
		t.Errorf("model called %d times through an open circuit, want 0", client.callCount())
	}
}

func TestLearnAndApply_ClientErrorTripsToManual(t *testing.T) {
	store := &fakeStore{}
	client := &fakeClient{err: errors.New("connection refused")}
	eng := newTestEngine(t, store, client)

	out := eng.LearnAndApply(context.Background(), testEvent())

	if out.Succeeded || out.Action != ActionManualRequired {
		t.Fatalf("a failed consult must demand an operator, got %+v", out)
	}
	if client.callCount() != 1 {
		t.Errorf("model called %d times, want exactly 1", client.callCount())
	}
}

func TestLearnAndApply_ConsultRateLimited(t *testing.T) {
	store := &fakeStore{}
	client := &fakeClient{content: `{"summary":"x","remedy":"retry","instruction":"y","confidence":0.9}`}
	cfg := DefaultConfig()
	cfg.Logger = quietLogger()
	cfg.ConsultEvery = time.Hour
	cfg.ConsultBurst = 1
	eng, err := NewEngine(store, newModelGuard(t), client, cfg)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	first := eng.LearnAndApply(context.Background(), testEvent())
	if !first.Succeeded {
		t.Fatalf("first consult should pass the limiter, got %+v", first)
	}

	// The first learned solution was persisted; use a different failure
	// so the second event misses the store and needs the model again.
	ev := testEvent()
	ev.Stage = "link"

	second := eng.LearnAndApply(context.Background(), ev)
	if second.Succeeded {
		t.Error("second consult inside the burst window must be rejected")
	}
	if second.Action != ActionManualRequired {
		t.Errorf("action = %q, want %q", second.Action, ActionManualRequired)
	}
	if client.callCount() != 1 {
		t.Errorf("model called %d times, want 1", client.callCount())
	}
}

func TestLearnAndApply_KnowledgeOnlyMode(t *testing.T) {
	store := &fakeStore{}
	eng := newTestEngine(t, store, nil)

	out := eng.LearnAndApply(context.Background(), testEvent())

	if out.Succeeded {
		t.Error("an unknown failure without a model backend must not succeed")
	}
	if out.Action != ActionManualRequired {
		t.Errorf("action = %q, want %q", out.Action, ActionManualRequired)
	}
}

func TestLearnAndApply_StoreErrorFallsThroughToConsult(t *testing.T) {
	store := &fakeStore{queryErr: errors.New("store offline")}
	client := &fakeClient{content: `{"summary":"x","remedy":"degrade","instruction":"use the cached artifact","confidence":0.7}`}
	eng := newTestEngine(t, store, client)

	out := eng.LearnAndApply(context.Background(), testEvent())

	if !out.Succeeded || out.Action != ActionLearned {
		t.Fatalf("a broken store must not block the consult path, got %+v", out)
	}
	if out.Solution.Remedy.Kind != knowledge.RemedyDegrade {
		t.Errorf("remedy = %q, want degrade", out.Solution.Remedy.Kind)
	}
}
