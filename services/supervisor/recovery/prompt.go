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
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/AleutianAI/AleutianForge/services/supervisor/journal"
	"github.com/AleutianAI/AleutianForge/services/supervisor/knowledge"
)

// remediationSystemPrompt pins the model to a single JSON object so the
// response survives strict parsing. Anything else is treated as a
// refusal.
const remediationSystemPrompt = `You plan recoveries for an autonomous build pipeline. A pipeline stage just reached a state nobody anticipated. Propose exactly one remediation.

Respond with a single JSON object and nothing else:
{"summary": "<one line naming the failure class>", "remedy": "<retry|skip|degrade|manual>", "instruction": "<concrete steps the supervisor or an operator should take>", "confidence": <0.0-1.0>}

Rules:
- "retry": only when the failure looks transient (timeouts, flaky I/O, rate limits).
- "skip": only when the stage is clearly optional for pipeline completion.
- "degrade": only when a reduced-quality continuation exists (fallback backend, cached result).
- "manual": whenever you are not sure. Prefer "manual" over guessing.
- confidence below 0.5 means you are speculating; say so.`

// remediationUserTemplate renders the event the model is asked to
// diagnose. Context lines are sorted so the prompt is deterministic.
const remediationUserTemplate = `Stage: {{.Stage}}
Observed state: {{.Observed}}
Expected states: {{.Expected}}
Severity: {{.Severity}}
Failure context:
{{.Context}}`

type promptData struct {
	Stage    string
	Observed string
	Expected string
	Severity string
	Context  string
}

// remediation is the wire contract for the model's answer.
type remediation struct {
	Summary     string  `json:"summary"`
	Remedy      string  `json:"remedy"`
	Instruction string  `json:"instruction"`
	Confidence  float64 `json:"confidence"`
}

// buildUserPrompt renders the unexpected-state event into the user
// message for the remediation call.
func buildUserPrompt(tmpl *template.Template, ev *journal.UnexpectedState) (string, error) {
	data := promptData{
		Stage:    ev.Stage,
		Observed: string(ev.Observed),
		Expected: joinStates(ev.Expected),
		Severity: string(ev.Severity),
		Context:  contextBlock(ev.Context),
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render remediation prompt: %w", err)
	}
	return sb.String(), nil
}

// joinStates flattens the declared expected states for display.
func joinStates(states []journal.StageState) string {
	if len(states) == 0 {
		return "(none declared)"
	}
	parts := make([]string, 0, len(states))
	for _, s := range states {
		parts = append(parts, string(s))
	}
	return strings.Join(parts, ", ")
}

// contextBlock renders the event context as sorted key=value lines.
func contextBlock(ctx map[string]any) string {
	if len(ctx) == 0 {
		return "(none)"
	}
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("  %s=%v", k, ctx[k]))
	}
	return strings.Join(lines, "\n")
}

// parseRemediation decodes the model's response into a remediation and
// rejects anything that does not meet the contract. Local models wrap
// JSON in prose or markdown fences more often than not, so a failed
// direct parse falls back to extracting the first JSON object from the
// text.
func parseRemediation(content string) (*remediation, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("model returned an empty response")
	}

	var rem remediation
	if err := json.Unmarshal([]byte(content), &rem); err != nil {
		extracted, extractErr := extractJSON(content)
		if extractErr != nil {
			return nil, fmt.Errorf("model response is not valid JSON: %w", err)
		}
		if err := json.Unmarshal([]byte(extracted), &rem); err != nil {
			return nil, fmt.Errorf("model response is not valid JSON: %w", err)
		}
	}

	kind := knowledge.RemedyKind(strings.ToLower(strings.TrimSpace(rem.Remedy)))
	if !kind.Valid() {
		return nil, fmt.Errorf("model proposed unknown remedy %q", rem.Remedy)
	}
	rem.Remedy = string(kind)

	if rem.Confidence < 0 || rem.Confidence > 1 {
		return nil, fmt.Errorf("model confidence %.2f is out of range", rem.Confidence)
	}
	if strings.TrimSpace(rem.Summary) == "" {
		return nil, fmt.Errorf("model omitted the failure summary")
	}
	if strings.TrimSpace(rem.Instruction) == "" {
		return nil, fmt.Errorf("model omitted the remediation instruction")
	}
	return &rem, nil
}

// extractJSON pulls a JSON object out of surrounding prose or markdown
// code fences.
func extractJSON(content string) (string, error) {
	if start := strings.Index(content, "```json"); start != -1 {
		rest := content[start+len("```json"):]
		if end := strings.Index(rest, "```"); end != -1 {
			return strings.TrimSpace(rest[:end]), nil
		}
	}
	if start := strings.Index(content, "```"); start != -1 {
		rest := content[start+len("```"):]
		if end := strings.Index(rest, "```"); end != -1 {
			return strings.TrimSpace(rest[:end]), nil
		}
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end == -1 || end <= start {
		return "", fmt.Errorf("no JSON object found in response")
	}
	return content[start : end+1], nil
}
