// Copyright (C) 2026 Calyptra AI (oss@calyptra.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/calyptra-ai/deepresearch/services/agent"
	"github.com/calyptra-ai/deepresearch/services/gateway/handlers"
	"github.com/calyptra-ai/deepresearch/services/gateway/middleware"
)

// SetupRoutes mounts every gateway endpoint on the router. apiKey
// guards the v1 API group; an empty key leaves the API open. Health,
// metrics and the static console are never guarded.
func SetupRoutes(router *gin.Engine, loop *agent.Loop, sessions *agent.SessionRegistry,
	permits *agent.PermitPool, apiKey string) {

	research := handlers.NewResearchHandler(loop, sessions, permits)
	sessionAdmin := handlers.NewSessionHandler(sessions)

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.StaticFS("/ui", http.Dir("/app/ui"))

	// Friendly redirect to the research console
	router.GET("/console", func(c *gin.Context) {
		c.Redirect(http.StatusMovedPermanently, "/ui/research.html")
	})

	// API version 1 group
	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(apiKey))
	{
		v1.POST("/research/stream", research.HandleResearchStream)
		v1.POST("/research/cancel", research.HandleCancel)
		// Session administration routes
		sessionGroup := v1.Group("/sessions")
		{
			sessionGroup.GET("", sessionAdmin.ListSessions)
			sessionGroup.GET("/:sessionId/history", sessionAdmin.GetSessionHistory)
			sessionGroup.GET("/:sessionId/citations/:citationId", sessionAdmin.GetCitation)
			sessionGroup.DELETE("/:sessionId", sessionAdmin.DeleteSession)
		}
	}
}
