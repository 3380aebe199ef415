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
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianCounsel/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianCounsel/services/orchestrator/middleware"
)

// SetupRoutes registers all HTTP routes. Everything under /v1 requires a
// verified caller identity.
func SetupRoutes(router *gin.Engine, ask *handlers.AskStreamHandler, history *handlers.HistoryHandler) {
	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	v1.Use(middleware.RequireUser())
	{
		v1.POST("/ask/stream", ask.HandleAskStream)
		v1.GET("/conversations/:conversationId/history", history.HandleHistory)
	}
}
