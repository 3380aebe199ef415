// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the orchestrator service.
//
// # Identity Flow
//
// Credential validation happens upstream (gateway or reverse proxy);
// by the time a request reaches the orchestrator the caller has already
// been authenticated and the verified identity arrives in the X-User-ID
// header. RequireUser extracts that identity and stores it in the Gin
// context for downstream handlers.
//
//	Request
//	   │
//	   ▼
//	RequireUser
//	   │
//	   ├─► Read "X-User-ID" header
//	   │
//	   ├─► Missing/blank ─► 401
//	   │
//	   └─► Store user ID in context
//	           │
//	           ▼
//	       Handler (retrieves via UserID)
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianCounsel/services/orchestrator/datatypes"
)

// userIDKey is the context key for the authenticated user identity.
// Using a namespaced key prevents collisions with other context values.
const userIDKey = "aleutian_user_id"

// maxUserIDLength bounds the header value so a hostile client cannot
// push arbitrarily large strings into logs and storage keys.
const maxUserIDLength = 128

// UserID returns the authenticated user identity stored by RequireUser.
// Returns empty string and false when no identity is present.
func UserID(c *gin.Context) (string, bool) {
	v, ok := c.Get(userIDKey)
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// RequireUser extracts the verified caller identity from the X-User-ID
// header and rejects requests that arrive without one.
//
// The orchestrator trusts this header because the deployment fronts it
// with an authenticating proxy; it performs no token validation itself.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader("X-User-ID"))
		if id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, datatypes.NewErrorResponse(
				"missing user identity",
				"unauthorized",
				c.GetString("request_id"),
			))
			return
		}
		if len(id) > maxUserIDLength {
			c.AbortWithStatusJSON(http.StatusUnauthorized, datatypes.NewErrorResponse(
				"user identity too long",
				"unauthorized",
				c.GetString("request_id"),
			))
			return
		}
		c.Set(userIDKey, id)
		c.Next()
	}
}
