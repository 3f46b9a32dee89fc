// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/skald/services/orchestrator/game"
	"github.com/AleutianAI/skald/services/orchestrator/handlers"
	"github.com/AleutianAI/skald/services/orchestrator/middleware"
	"github.com/AleutianAI/skald/services/orchestrator/observability"
	"github.com/AleutianAI/skald/services/orchestrator/transport"
)

// Dependencies are the collaborators the routes need.
//
// # Fields
//
//   - Dispatcher: Required. Its store backs the admin API.
//   - Hub: Required. Owns the player connections.
//   - Metrics: Optional.
//   - Gatherer: Source for /metrics. nil uses prometheus.DefaultGatherer.
//   - Play: Play socket tuning.
//   - AdminToken: Bearer token for /v1/sessions. Empty leaves it open.
type Dependencies struct {
	Dispatcher *game.Dispatcher
	Hub        *transport.Hub
	Metrics    *observability.Metrics
	Gatherer   prometheus.Gatherer
	Play       handlers.PlayConfig
	AdminToken string
}

// SetupRoutes registers every endpoint on router.
//
// # Limitations
//
//   - Panics if Dispatcher or Hub is nil.
func SetupRoutes(router *gin.Engine, deps Dependencies) {
	if deps.Dispatcher == nil || deps.Hub == nil {
		panic("routes: Dispatcher and Hub are required")
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	store := deps.Dispatcher.Store()

	router.GET("/health", handlers.HealthCheck(store, deps.Hub))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	// API version 1 group
	v1 := router.Group("/v1")
	{
		v1.GET("/play/ws", handlers.HandlePlaySocket(deps.Hub, deps.Dispatcher, deps.Metrics, deps.Play))

		// Session administration routes
		sessions := v1.Group("/sessions")
		sessions.Use(middleware.AdminAuth(deps.AdminToken))
		{
			sessions.GET("", handlers.ListSessions(store, deps.Hub))
			sessions.GET("/:sessionId", handlers.GetSession(store, deps.Hub))
			sessions.DELETE("/:sessionId", handlers.DeleteSession(deps.Dispatcher))
		}
	}
}
