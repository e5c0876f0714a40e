// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"github.com/AleutianAI/AleutianForge/services/supervisor/health"
	"github.com/AleutianAI/AleutianForge/services/supervisor/journal"
)

// ServiceVersion is the supervisor service version.
const ServiceVersion = "0.1.0"

// HealthResponse is the response for GET /v1/supervisor/health.
type HealthResponse struct {
	// Status is always "alive"; liveness says the process serves
	// requests, nothing more.
	Status string `json:"status"`

	// Service is the configured service name.
	Service string `json:"service"`

	// Version is the service version.
	Version string `json:"version"`
}

// ReadyResponse is the response for GET /v1/supervisor/ready.
type ReadyResponse struct {
	// Ready is true unless a critical dependency's circuit is open.
	Ready bool `json:"ready"`

	// Overall is the aggregated health status behind the verdict.
	Overall health.Status `json:"overall"`
}

// JournalResponse is the response for GET /v1/supervisor/journal.
type JournalResponse struct {
	// Stage is the filter that was applied, empty for all stages.
	Stage string `json:"stage,omitempty"`

	// Count is the number of entries returned.
	Count int `json:"count"`

	// Entries are the matching journal entries, oldest first.
	Entries []journal.Entry `json:"entries"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is the error code (optional).
	Code string `json:"code,omitempty"`
}
