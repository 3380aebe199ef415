// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIdentityRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequireUser())
	router.GET("/whoami", func(c *gin.Context) {
		id, ok := UserID(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, id)
	})
	return router
}

func doWhoami(router *gin.Engine, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRequireUser_PassesIdentityThrough(t *testing.T) {
	w := doWhoami(newIdentityRouter(), "user-42")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user-42", w.Body.String())
}

func TestRequireUser_MissingHeaderRejected(t *testing.T) {
	w := doWhoami(newIdentityRouter(), "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireUser_BlankHeaderRejected(t *testing.T) {
	w := doWhoami(newIdentityRouter(), "   ")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireUser_OversizedHeaderRejected(t *testing.T) {
	w := doWhoami(newIdentityRouter(), strings.Repeat("a", maxUserIDLength+1))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUserID_AbsentWithoutMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	_, ok := UserID(c)
	assert.False(t, ok)
}
