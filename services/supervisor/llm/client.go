// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides the model-backend boundary the recovery engine
// consults for remediation proposals. Implementations are injected at
// runtime; the backend is the one critical dependency class in the
// pipeline and is always accessed through a guard.
package llm

import (
	"context"
	"time"
)

// Client defines the interface for model-backend completions.
//
// Implementations must be safe for concurrent use.
type Client interface {
	// Complete sends a prompt and returns the model's response.
	Complete(ctx context.Context, request *Request) (*Response, error)

	// Name returns the provider name (e.g., "openai", "ollama").
	Name() string

	// Model returns the model being used.
	Model() string
}

// Request is a completion request.
type Request struct {
	// SystemPrompt is the system message. Optional.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Prompt is the user message.
	Prompt string `json:"prompt"`

	// MaxTokens limits the response length.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness (0.0-1.0).
	Temperature float64 `json:"temperature,omitempty"`

	// StopSequences defines sequences that stop generation.
	StopSequences []string `json:"stop_sequences,omitempty"`
}

// Response is a completion response.
type Response struct {
	// Content is the text response.
	Content string `json:"content"`

	// StopReason indicates why generation stopped.
	StopReason string `json:"stop_reason,omitempty"`

	// TokensUsed is the total tokens consumed (input + output).
	TokensUsed int `json:"tokens_used,omitempty"`

	// Duration is how long the request took.
	Duration time.Duration `json:"duration,omitempty"`

	// Model is the model that generated this response.
	Model string `json:"model,omitempty"`
}
