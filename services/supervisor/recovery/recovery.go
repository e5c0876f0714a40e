// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package recovery diagnoses unexpected stage states and proposes a
// remediation. It consults the knowledge store first and falls back to
// a single guarded model call when no stored solution applies. The
// engine only reports what it found; acting on a remedy is the
// supervisor's decision.
package recovery

import "github.com/AleutianAI/AleutianForge/services/supervisor/knowledge"

// Action names the step taken (or demanded) in response to a failure.
// The engine itself only ever produces ActionLearned and
// ActionManualRequired; the supervisor records the remaining actions
// when it acts on a solution's remedy.
type Action string

const (
	// ActionRetried means the stage was run again after the failure.
	ActionRetried Action = "retried"

	// ActionSkipped means the stage was abandoned and the pipeline
	// moved on without its output.
	ActionSkipped Action = "skipped"

	// ActionDegraded means the stage continued on a reduced-quality
	// path, for example a fallback dependency.
	ActionDegraded Action = "degraded"

	// ActionLearned means a remediation was found, either recalled
	// from the knowledge store or produced by the model backend.
	ActionLearned Action = "learned"

	// ActionManualRequired means no automatic remediation exists and
	// an operator has to intervene.
	ActionManualRequired Action = "manual_required"
)

// Outcome is the engine's verdict on a single unexpected state event.
//
// Succeeded reports whether an applicable remediation was produced.
// When it is true, Solution carries the remediation and Action is
// ActionLearned. When it is false the pipeline cannot continue
// automatically and Action is ActionManualRequired; Solution may still
// be set if a stored solution explicitly demands manual intervention.
type Outcome struct {
	Succeeded bool                `json:"succeeded"`
	Action    Action              `json:"action"`
	Detail    string              `json:"detail,omitempty"`
	Solution  *knowledge.Solution `json:"solution,omitempty"`
}
