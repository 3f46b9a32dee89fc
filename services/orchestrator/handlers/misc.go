// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers contains the gin handlers for the play socket and the
// session admin API.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/skald/services/orchestrator/session"
	"github.com/AleutianAI/skald/services/orchestrator/transport"
)

// HealthCheck reports liveness along with the live session and connection
// counts. It never needs the admin token.
func HealthCheck(store session.Store, presence transport.Presence) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"sessions":    store.Len(),
			"connections": presence.Connections(),
		})
	}
}
