// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the Skald service.
//
// # Authentication Flow
//
// The admin API is guarded by a static bearer token:
//
//	Request
//	   │
//	   ▼
//	AdminAuth
//	   │
//	   ├─► Extract token from "Authorization: Bearer <token>"
//	   │
//	   ├─► Constant-time compare with the configured token
//	   │
//	   └─► Mark the request as admin
//	           │
//	           ▼
//	       Handler (checks via IsAdmin)
//
// An empty configured token disables the check so a local server works
// without setup. Player traffic on the play socket is never guarded here;
// players are identified by their connection.
package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// =============================================================================
// Context Keys
// =============================================================================

// adminKey marks a request that passed AdminAuth.
const adminKey = "skald_admin"

// =============================================================================
// Context Helpers
// =============================================================================

// IsAdmin reports whether AdminAuth accepted the request.
//
// # Thread Safety
//
// Safe to call concurrently (gin context is request-scoped).
func IsAdmin(c *gin.Context) bool {
	return c.GetBool(adminKey)
}

// =============================================================================
// Auth Middleware
// =============================================================================

// AdminAuth creates a gin middleware that requires the admin bearer token.
//
// # Description
//
// Extracts the bearer token from the Authorization header and compares it
// with token in constant time. A mismatch aborts with 401. When token is
// empty every request is accepted.
//
// # Inputs
//
//   - token: Expected bearer token. Empty disables authentication.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware ready for use with gin
//
// # Examples
//
//	sessions := v1.Group("/sessions")
//	sessions.Use(middleware.AdminAuth(cfg.AdminToken))
//
// # Limitations
//
//   - Only supports Bearer token authentication
//   - One shared token; there are no per-operator identities
func AdminAuth(token string) gin.HandlerFunc {
	if token == "" {
		slog.Warn("Admin API token not set, session admin routes are open")
	}
	expected := []byte(token)
	return func(c *gin.Context) {
		if len(expected) > 0 {
			got := []byte(extractBearerToken(c))
			if subtle.ConstantTimeCompare(got, expected) != 1 {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "unauthorized",
				})
				return
			}
		}
		c.Set(adminKey, true)
		c.Next()
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// extractBearerToken extracts the token from the Authorization header.
//
// # Description
//
// Parses the Authorization header expecting format: "Bearer <token>".
// Returns empty string if the header is missing or malformed. The "Bearer"
// prefix is case-insensitive per RFC 7235.
//
// # Examples
//
//	// Header: "Authorization: bearer ABC123"
//	token := extractBearerToken(c)
//	// token == "ABC123"
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	// Expected format: "Bearer <token>"
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
