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

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianForge/services/supervisor/telemetry"
)

// RegisterRoutes registers the supervisor status API with the router.
//
// Description:
//
//	Registers all /v1/supervisor/* endpoints plus the Prometheus
//	scrape endpoint. The router should already have any required
//	middleware applied (tracing, HTTP metrics).
//
// Inputs:
//
//	router - Gin engine
//	handlers - The handlers instance
//
// Endpoints:
//
//	GET /v1/supervisor/health - Liveness check
//	GET /v1/supervisor/ready - Readiness check (503 when critical)
//	GET /v1/supervisor/status - Full health report
//	GET /v1/supervisor/journal - Recent state transitions
//	GET /v1/supervisor/events - Websocket event stream
//	GET /metrics - Prometheus metrics
func RegisterRoutes(router *gin.Engine, handlers *Handlers) {
	sup := router.Group("/v1/supervisor")
	{
		sup.GET("/health", handlers.HandleHealth)
		sup.GET("/ready", handlers.HandleReady)
		sup.GET("/status", handlers.HandleStatus)
		sup.GET("/journal", handlers.HandleJournal)
		sup.GET("/events", handlers.HandleEvents)
	}

	// Serves both the domain counters and the OTel HTTP instruments;
	// the exporter registers into the default client_golang registry.
	router.GET("/metrics", func(c *gin.Context) {
		h := telemetry.MetricsHandler()
		if h == nil {
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{
				Error: "metrics exporter not initialized",
				Code:  "METRICS_UNAVAILABLE",
			})
			return
		}
		h.ServeHTTP(c.Writer, c.Request)
	})
}
