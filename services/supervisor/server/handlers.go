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
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianForge/services/supervisor/health"
	"github.com/AleutianAI/AleutianForge/services/supervisor/journal"
	"github.com/AleutianAI/AleutianForge/services/supervisor/telemetry"
)

// defaultJournalLimit caps journal responses when the client does not
// ask for a specific window.
const defaultJournalLimit = 100

// Handlers contains the HTTP handlers for the supervisor status API.
type Handlers struct {
	sys     *System
	metrics *telemetry.Metrics
}

// NewHandlers creates handlers for the given system.
func NewHandlers(sys *System) *Handlers {
	return &Handlers{sys: sys}
}

// WithMetrics sets the HTTP metrics used by the websocket handler.
func (h *Handlers) WithMetrics(m *telemetry.Metrics) *Handlers {
	h.metrics = m
	return h
}

// HandleHealth handles GET /v1/supervisor/health.
//
// Description:
//
//	Liveness. Always returns 200 while the process is serving; use
//	the ready endpoint for dependency state.
//
// Response:
//
//	200 OK: HealthResponse
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "alive",
		Service: h.sys.cfg.Service,
		Version: ServiceVersion,
	})
}

// HandleReady handles GET /v1/supervisor/ready.
//
// Description:
//
//	Readiness. Healthy and degraded both count as ready: a degraded
//	supervisor still runs stages, just with fallbacks. Only an open
//	critical circuit takes the service out of rotation.
//
// Response:
//
//	200 OK: ReadyResponse (Ready=true) - healthy or degraded
//	503 Service Unavailable: ReadyResponse (Ready=false) - critical
func (h *Handlers) HandleReady(c *gin.Context) {
	report := h.sys.Health().Snapshot()

	resp := ReadyResponse{
		Ready:   report.Overall != health.StatusCritical,
		Overall: report.Overall,
	}

	if !resp.Ready {
		c.Header("Retry-After", "30")
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// HandleStatus handles GET /v1/supervisor/status.
//
// Description:
//
//	Returns the full health report: overall status, every dependency
//	circuit, and per-stage execution history. Snapshot only; nothing
//	is probed and no state changes.
//
// Response:
//
//	200 OK: health.Report
func (h *Handlers) HandleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.sys.Health().Snapshot())
}

// HandleJournal handles GET /v1/supervisor/journal.
//
// Description:
//
//	Returns recent pipeline state transitions from the journal.
//
// Query Parameters:
//
//	stage: Only entries for this stage (optional)
//	since: Only entries after this sequence number (optional, exclusive)
//	limit: Maximum entries, most recent kept (optional, default 100)
//
// Response:
//
//	200 OK: JournalResponse
//	400 Bad Request: Malformed since or limit
func (h *Handlers) HandleJournal(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := telemetry.LoggerWithTrace(c.Request.Context(), h.sys.logger).
		With("request_id", requestID, "handler", "HandleJournal")

	limit := defaultJournalLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			logger.Warn("invalid limit parameter", "limit", raw)
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "limit must be a positive integer",
				Code:  "INVALID_LIMIT",
			})
			return
		}
		limit = parsed
	}

	stage := c.Query("stage")

	var entries []journal.Entry
	switch {
	case stage != "":
		entries = h.sys.Journal().EntriesFor(stage)
	case c.Query("since") != "":
		seq, err := strconv.ParseUint(c.Query("since"), 10, 64)
		if err != nil {
			logger.Warn("invalid since parameter", "since", c.Query("since"))
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "since must be a sequence number",
				Code:  "INVALID_SINCE",
			})
			return
		}
		entries = h.sys.Journal().Since(seq)
	default:
		entries = h.sys.Journal().Entries()
	}

	// Keep the most recent entries, still oldest first.
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	c.JSON(http.StatusOK, JournalResponse{
		Stage:   stage,
		Count:   len(entries),
		Entries: entries,
	})
}

// getOrCreateRequestID gets or creates a request ID.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
