// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// GinMetrics creates gin middleware that records request metrics.
//
// Description:
//
//	Records HTTP request count, duration, and active request count with
//	method, route, and status labels. Tracing is left to otelgin; this
//	middleware covers metrics only.
//
// Inputs:
//
//	metrics - Pre-configured Metrics instance. Nil disables recording.
//
// Outputs:
//
//	gin.HandlerFunc suitable for router.Use.
//
// Example:
//
//	metrics, _ := telemetry.NewMetrics(otel.Meter("forge.supervisor"))
//	router.Use(otelgin.Middleware("forge-supervisor"), telemetry.GinMetrics(metrics))
//
// Thread Safety: Safe for concurrent use.
func GinMetrics(metrics *Metrics) gin.HandlerFunc {
	if metrics == nil {
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		ctx := c.Request.Context()
		start := time.Now()

		metrics.HTTPActiveRequests.Add(ctx, 1)
		defer metrics.HTTPActiveRequests.Add(ctx, -1)

		c.Next()

		// FullPath is the route template ("/v1/supervisor/journal"), not
		// the raw URL, which keeps label cardinality bounded.
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		attrs := metric.WithAttributes(
			attribute.String("method", c.Request.Method),
			attribute.String("path", route),
			attribute.Int("status", c.Writer.Status()),
		)

		metrics.HTTPRequestsTotal.Add(ctx, 1, attrs)
		metrics.HTTPRequestDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
}
