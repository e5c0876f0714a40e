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
	"strings"
	"testing"
	"text/template"

	"github.com/AleutianAI/AleutianForge/services/supervisor/journal"
)

func TestParseRemediation(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		wantRemedy string
		wantErr    bool
	}{
		{
			name:       "clean json",
			content:    `{"summary":"flaky dns","remedy":"retry","instruction":"rerun the stage","confidence":0.8}`,
			wantRemedy: "retry",
		},
		{
			name:       "markdown fence",
			content:    "Here is my analysis:\n```json\n{\"summary\":\"s\",\"remedy\":\"skip\",\"instruction\":\"i\",\"confidence\":0.7}\n```",
			wantRemedy: "skip",
		},
		{
			name:       "bare fence",
			content:    "```\n{\"summary\":\"s\",\"remedy\":\"degrade\",\"instruction\":\"i\",\"confidence\":0.9}\n```",
			wantRemedy: "degrade",
		},
		{
			name:       "json buried in prose",
			content:    `Sure. The answer is {"summary":"s","remedy":"manual","instruction":"i","confidence":1.0} as requested.`,
			wantRemedy: "manual",
		},
		{
			name:       "remedy case and padding normalized",
			content:    `{"summary":"s","remedy":" Retry ","instruction":"i","confidence":0.6}`,
			wantRemedy: "retry",
		},
		{
			name:    "refusal prose",
			content: "I cannot propose a remediation for this failure.",
			wantErr: true,
		},
		{
			name:    "empty response",
			content: "   ",
			wantErr: true,
		},
		{
			name:    "unknown remedy",
			content: `{"summary":"s","remedy":"reboot","instruction":"i","confidence":0.8}`,
			wantErr: true,
		},
		{
			name:    "confidence out of range",
			content: `{"summary":"s","remedy":"retry","instruction":"i","confidence":1.4}`,
			wantErr: true,
		},
		{
			name:    "missing summary",
			content: `{"summary":"","remedy":"retry","instruction":"i","confidence":0.8}`,
			wantErr: true,
		},
		{
			name:    "missing instruction",
			content: `{"summary":"s","remedy":"retry","instruction":"","confidence":0.8}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rem, err := parseRemediation(tt.content)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", rem)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseRemediation failed: %v", err)
			}
			if rem.Remedy != tt.wantRemedy {
				t.Errorf("remedy = %q, want %q", rem.Remedy, tt.wantRemedy)
			}
		})
	}
}

func TestExtractJSON_NoObject(t *testing.T) {
	if _, err := extractJSON("no json here"); err == nil {
		t.Error("expected error for text without a JSON object")
	}
}

func TestBuildUserPrompt(t *testing.T) {
	tmpl := template.Must(template.New("remediation").Parse(remediationUserTemplate))
	ev := &journal.UnexpectedState{
		Stage:    "package",
		Observed: journal.StateTimedOut,
		Expected: []journal.StageState{journal.StateCompleted, journal.StateFailed},
		Severity: journal.SeverityCritical,
		Context:  map[string]any{"error": "deadline exceeded", "attempt": 3},
	}

	prompt, err := buildUserPrompt(tmpl, ev)
	if err != nil {
		t.Fatalf("buildUserPrompt failed: %v", err)
	}

	for _, want := range []string{
		"Stage: package",
		"Observed state: TIMED_OUT",
		"Expected states: COMPLETED, FAILED",
		"Severity: critical",
		"attempt=3",
		"error=deadline exceeded",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}

	// Context keys render sorted, so the prompt is byte-for-byte stable.
	again, err := buildUserPrompt(tmpl, ev)
	if err != nil {
		t.Fatalf("buildUserPrompt failed: %v", err)
	}
	if prompt != again {
		t.Error("prompt rendering is not deterministic")
	}
}

func TestBuildUserPrompt_EmptyContext(t *testing.T) {
	tmpl := template.Must(template.New("remediation").Parse(remediationUserTemplate))
	ev := &journal.UnexpectedState{
		Stage:    "lint",
		Observed: journal.StateCompleted,
		Severity: journal.SeverityWarning,
	}

	prompt, err := buildUserPrompt(tmpl, ev)
	if err != nil {
		t.Fatalf("buildUserPrompt failed: %v", err)
	}
	if !strings.Contains(prompt, "Expected states: (none declared)") {
		t.Errorf("missing empty-expected placeholder:\n%s", prompt)
	}
	if !strings.Contains(prompt, "(none)") {
		t.Errorf("missing empty-context placeholder:\n%s", prompt)
	}
}

func TestFailureSummary(t *testing.T) {
	withError := &journal.UnexpectedState{
		Context: map[string]any{"error": "exit status 2", "attempt": 1},
	}
	if got := failureSummary(withError); got != "exit status 2" {
		t.Errorf("failureSummary = %q, want the error key", got)
	}

	noError := &journal.UnexpectedState{
		Context: map[string]any{"b": 2, "a": 1},
	}
	if got := failureSummary(noError); got != "a=1 b=2" {
		t.Errorf("failureSummary = %q, want sorted key=value pairs", got)
	}

	if got := failureSummary(&journal.UnexpectedState{}); got != "" {
		t.Errorf("failureSummary = %q, want empty for no context", got)
	}
}
