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
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianForge/services/supervisor/guard"
	"github.com/AleutianAI/AleutianForge/services/supervisor/journal"
	"github.com/AleutianAI/AleutianForge/services/supervisor/knowledge"
	"github.com/AleutianAI/AleutianForge/services/supervisor/llm"
	"github.com/AleutianAI/AleutianForge/services/supervisor/redact"
)

var tracer = otel.Tracer("forge.recovery")

var (
	recoveryOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_recovery_outcomes_total",
		Help: "Recovery attempts by resulting action.",
	}, []string{"action"})

	modelConsults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_recovery_consults_total",
		Help: "Model consultations by result.",
	}, []string{"status"})
)

// Config tunes the recovery engine.
type Config struct {
	// MinConfidence is the floor a remediation has to clear before the
	// engine will hand it to the supervisor. Stored matches are scored
	// as certainty times solution confidence.
	MinConfidence float64

	// QueryLimit caps how many candidate solutions are fetched from
	// the knowledge store per event.
	QueryLimit int

	// ConsultEvery is the sustained interval between model consults.
	// Bursts up to ConsultBurst are allowed. The limiter keeps a
	// flapping pipeline from turning the model backend into a second
	// casualty.
	ConsultEvery time.Duration
	ConsultBurst int

	// MaxTokens and Temperature are passed through to the model call.
	MaxTokens   int
	Temperature float64

	Logger *slog.Logger
}

// DefaultConfig returns conservative production defaults.
func DefaultConfig() Config {
	return Config{
		MinConfidence: 0.6,
		QueryLimit:    5,
		ConsultEvery:  10 * time.Second,
		ConsultBurst:  3,
		MaxTokens:     1024,
		Temperature:   0.1,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.MinConfidence <= 0 {
		c.MinConfidence = def.MinConfidence
	}
	if c.QueryLimit <= 0 {
		c.QueryLimit = def.QueryLimit
	}
	if c.ConsultEvery <= 0 {
		c.ConsultEvery = def.ConsultEvery
	}
	if c.ConsultBurst <= 0 {
		c.ConsultBurst = def.ConsultBurst
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = def.MaxTokens
	}
	if c.Temperature <= 0 {
		c.Temperature = def.Temperature
	}
}

// Engine turns unexpected stage states into remediations.
//
// Description:
//
//	The engine works in two steps. It first queries the knowledge
//	store for solutions whose failure signature matches the event and
//	applies the strongest one. Only when nothing stored applies does
//	it make a single guarded call to the model backend, parse the
//	structured remediation, and persist it for next time. The model
//	call is never retried here: if the backend circuit is open, the
//	limiter is exhausted, or the answer is malformed, the engine
//	reports that an operator is required and lets the failure
//	propagate. Prompts are scrubbed of credentials and personal data
//	before they reach the backend; failure context routinely carries
//	command lines and environment fragments.
type Engine struct {
	store    knowledge.Store
	model    *guard.Guard
	client   llm.Client
	limiter  *rate.Limiter
	prompt   *template.Template
	redactor *redact.Redactor
	config   Config
	logger   *slog.Logger
}

// NewEngine wires the engine to its knowledge store and, optionally, a
// model backend. The backend is identified by a guard and a client
// together; passing only one of the two is a wiring mistake. With no
// backend the engine runs knowledge-only and reports manual
// intervention for unknown failures.
func NewEngine(store knowledge.Store, model *guard.Guard, client llm.Client, cfg Config) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("knowledge store is required")
	}
	if (model == nil) != (client == nil) {
		return nil, fmt.Errorf("model backend requires both a guard and a client")
	}
	cfg.applyDefaults()

	tmpl, err := template.New("remediation").Parse(remediationUserTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse remediation template: %w", err)
	}

	redactor, err := redact.New()
	if err != nil {
		return nil, fmt.Errorf("initialize prompt redactor: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var limiter *rate.Limiter
	if client != nil {
		limiter = rate.NewLimiter(rate.Every(cfg.ConsultEvery), cfg.ConsultBurst)
	}

	return &Engine{
		store:    store,
		model:    model,
		client:   client,
		limiter:  limiter,
		prompt:   tmpl,
		redactor: redactor,
		config:   cfg,
		logger:   logger.With(slog.String("component", "recovery")),
	}, nil
}

// LearnAndApply produces the engine's verdict on one unexpected state
// event.
//
// Inputs:
//   - ctx: carries cancellation and tracing. The store query and the
//     model call both honor it.
//   - ev: the journal event to diagnose.
//
// Outputs:
//   - Outcome: see the type documentation. Never an error; a failure
//     to recover is a manual_required outcome, not an error condition.
func (e *Engine) LearnAndApply(ctx context.Context, ev *journal.UnexpectedState) Outcome {
	if ev == nil {
		return Outcome{Action: ActionManualRequired, Detail: "no event to diagnose"}
	}

	ctx, span := tracer.Start(ctx, "recovery.LearnAndApply")
	defer span.End()
	span.SetAttributes(
		attribute.String("stage", ev.Stage),
		attribute.String("observed", string(ev.Observed)),
		attribute.String("severity", string(ev.Severity)),
	)

	out := e.diagnose(ctx, ev)

	recoveryOutcomes.WithLabelValues(string(out.Action)).Inc()
	span.SetAttributes(
		attribute.Bool("recovery.succeeded", out.Succeeded),
		attribute.String("recovery.action", string(out.Action)),
	)
	return out
}

func (e *Engine) diagnose(ctx context.Context, ev *journal.UnexpectedState) Outcome {
	sig := knowledge.NewSignature(ev.Stage, string(ev.Observed), expectedKey(ev.Expected), failureSummary(ev))

	matches, err := e.store.QuerySimilar(ctx, sig, e.config.QueryLimit)
	if err != nil {
		// A broken store must not block the consult path.
		e.logger.Warn("knowledge query failed",
			slog.String("stage", ev.Stage),
			slog.Any("error", err),
		)
		matches = nil
	}

	if best, ok := e.bestMatch(matches); ok {
		return e.applyStored(ctx, ev, best)
	}
	return e.consult(ctx, ev, sig)
}

// bestMatch scores candidates as certainty times stored confidence, so
// a dubious solution cannot ride in on an exact signature hit.
func (e *Engine) bestMatch(matches []knowledge.Match) (knowledge.Match, bool) {
	var best knowledge.Match
	bestScore := -1.0
	for _, m := range matches {
		if score := m.Certainty * m.Solution.Confidence; score > bestScore {
			best, bestScore = m, score
		}
	}
	if bestScore < e.config.MinConfidence {
		return knowledge.Match{}, false
	}
	return best, true
}

func (e *Engine) applyStored(ctx context.Context, ev *journal.UnexpectedState, m knowledge.Match) Outcome {
	sol := m.Solution
	if err := e.store.MarkUsed(ctx, sol); err != nil {
		e.logger.Warn("failed to record solution use",
			slog.String("solution_id", sol.ID),
			slog.Any("error", err),
		)
	}

	e.logger.Info("recalled stored solution",
		slog.String("stage", ev.Stage),
		slog.String("solution_id", sol.ID),
		slog.String("remedy", string(sol.Remedy.Kind)),
		slog.String("tier", m.Tier),
		slog.Float64("certainty", m.Certainty),
	)

	if sol.Remedy.Kind == knowledge.RemedyManual {
		return Outcome{
			Action:   ActionManualRequired,
			Detail:   "stored solution demands operator intervention",
			Solution: &sol,
		}
	}
	return Outcome{
		Succeeded: true,
		Action:    ActionLearned,
		Detail:    fmt.Sprintf("recalled stored solution (%s)", sol.Remedy.Kind),
		Solution:  &sol,
	}
}

// consult makes at most one model call and takes the answer or leaves
// it. Retrying the model here would hide backend trouble from the
// breaker and stall the pipeline twice for the same failure.
func (e *Engine) consult(ctx context.Context, ev *journal.UnexpectedState, sig knowledge.Signature) Outcome {
	if e.client == nil {
		return Outcome{Action: ActionManualRequired, Detail: "no stored solution and no model backend configured"}
	}
	if !e.limiter.Allow() {
		modelConsults.WithLabelValues("rate_limited").Inc()
		e.logger.Warn("model consult rate limit exceeded", slog.String("stage", ev.Stage))
		return Outcome{Action: ActionManualRequired, Detail: "model consult rate limit exceeded"}
	}

	prompt, err := buildUserPrompt(e.prompt, ev)
	if err != nil {
		return Outcome{Action: ActionManualRequired, Detail: err.Error()}
	}

	prompt, findings := e.redactor.Redact(prompt)
	for _, f := range findings {
		e.logger.Warn("scrubbed sensitive data from consult prompt",
			slog.String("stage", ev.Stage),
			slog.String("pattern", f.PatternId),
			slog.Int("count", f.Count),
		)
	}

	resp, degraded, err := guard.Call(ctx, e.model, func(ctx context.Context) (*llm.Response, error) {
		return e.client.Complete(ctx, &llm.Request{
			SystemPrompt: remediationSystemPrompt,
			Prompt:       prompt,
			MaxTokens:    e.config.MaxTokens,
			Temperature:  e.config.Temperature,
		})
	})
	if err != nil {
		status, detail := "error", fmt.Sprintf("model consult failed: %v", err)
		if errors.Is(err, guard.ErrUnavailable) {
			status, detail = "rejected", "model backend circuit is open"
		}
		modelConsults.WithLabelValues(status).Inc()
		e.logger.Warn("model consult failed",
			slog.String("stage", ev.Stage),
			slog.Any("error", err),
		)
		return Outcome{Action: ActionManualRequired, Detail: detail}
	}
	modelConsults.WithLabelValues("ok").Inc()

	rem, err := parseRemediation(resp.Content)
	if err != nil {
		e.logger.Warn("model remediation rejected",
			slog.String("stage", ev.Stage),
			slog.Any("error", err),
		)
		return Outcome{Action: ActionManualRequired, Detail: fmt.Sprintf("model remediation rejected: %v", err)}
	}
	if rem.Confidence < e.config.MinConfidence {
		e.logger.Info("model remediation below confidence floor",
			slog.String("stage", ev.Stage),
			slog.Float64("confidence", rem.Confidence),
		)
		return Outcome{
			Action: ActionManualRequired,
			Detail: fmt.Sprintf("model confidence %.2f is below the %.2f floor", rem.Confidence, e.config.MinConfidence),
		}
	}

	sol := knowledge.NewSolution(sig, rem.Summary, knowledge.Remedy{
		Kind:        knowledge.RemedyKind(rem.Remedy),
		Instruction: rem.Instruction,
	}, rem.Confidence, knowledge.SourceLearned)

	if err := e.store.Save(ctx, sol); err != nil {
		// The remediation still applies to this failure even when it
		// could not be persisted for the next one.
		e.logger.Warn("failed to persist learned solution",
			slog.String("solution_id", sol.ID),
			slog.Any("error", err),
		)
	}

	e.logger.Info("learned new solution",
		slog.String("stage", ev.Stage),
		slog.String("solution_id", sol.ID),
		slog.String("remedy", rem.Remedy),
		slog.Float64("confidence", rem.Confidence),
		slog.Bool("degraded", degraded),
	)

	if sol.Remedy.Kind == knowledge.RemedyManual {
		return Outcome{
			Action:   ActionManualRequired,
			Detail:   "model recommends operator intervention",
			Solution: &sol,
		}
	}
	return Outcome{
		Succeeded: true,
		Action:    ActionLearned,
		Detail:    fmt.Sprintf("learned new solution (%s)", sol.Remedy.Kind),
		Solution:  &sol,
	}
}

// expectedKey flattens the declared states into the signature's
// expected field. Declaration order is stable per stage, which keeps
// the key deterministic.
func expectedKey(states []journal.StageState) string {
	parts := make([]string, 0, len(states))
	for _, s := range states {
		parts = append(parts, string(s))
	}
	return strings.Join(parts, ",")
}

// failureSummary pulls the most descriptive error text out of the
// event context. The dedicated "error" key wins; otherwise the whole
// context is flattened in key order so equivalent events normalize to
// the same signature.
func failureSummary(ev *journal.UnexpectedState) string {
	if len(ev.Context) == 0 {
		return ""
	}
	if s, ok := ev.Context["error"].(string); ok && s != "" {
		return s
	}
	keys := make([]string, 0, len(ev.Context))
	for k := range ev.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, ev.Context[k]))
	}
	return strings.Join(parts, " ")
}
