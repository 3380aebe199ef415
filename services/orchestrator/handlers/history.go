// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianCounsel/services/orchestrator/conversation"
	"github.com/AleutianAI/AleutianCounsel/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianCounsel/services/orchestrator/middleware"
)

// HistoryHandler serves GET /v1/conversations/:conversationId/history.
type HistoryHandler struct {
	store conversation.Store
}

func NewHistoryHandler(store conversation.Store) *HistoryHandler {
	if store == nil {
		panic("handlers: NewHistoryHandler requires a conversation store")
	}
	return &HistoryHandler{store: store}
}

// historyTurn is one turn in the history response, with the stored
// citation JSON decoded back into structured sources.
type historyTurn struct {
	Role      string                `json:"role"`
	Text      string                `json:"text"`
	Sources   []datatypes.SourceInfo `json:"sources"`
	Timestamp int64                 `json:"timestamp"`
}

type historyResponse struct {
	ConversationID string        `json:"conversation_id"`
	Turns          []historyTurn `json:"turns"`
}

// HandleHistory returns every turn of one conversation, oldest first.
// Only the conversation owner may read it.
func (h *HistoryHandler) HandleHistory(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "handlers.HandleHistory")
	defer span.End()

	conversationID := c.Param("conversationId")
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, datatypes.NewErrorResponse(
			"missing user identity", "unauthorized", ""))
		return
	}

	record, err := h.store.Get(ctx, conversationID)
	if err != nil {
		slog.Error("conversation lookup failed", "conversation_id", conversationID, "error", err)
		span.RecordError(err)
		c.JSON(http.StatusInternalServerError, datatypes.NewErrorResponse(
			"conversation store unavailable", "internal_error", ""))
		return
	}
	if record == nil {
		c.JSON(http.StatusNotFound, datatypes.NewErrorResponse(
			"conversation not found", "not_found", ""))
		return
	}
	if record.OwnerID != userID {
		c.JSON(http.StatusForbidden, datatypes.NewErrorResponse(
			"conversation belongs to another user", "forbidden", ""))
		return
	}

	turns, err := h.store.Turns(ctx, conversationID)
	if err != nil {
		slog.Error("turn fetch failed", "conversation_id", conversationID, "error", err)
		span.RecordError(err)
		c.JSON(http.StatusInternalServerError, datatypes.NewErrorResponse(
			"conversation store unavailable", "internal_error", ""))
		return
	}

	out := historyResponse{
		ConversationID: conversationID,
		Turns:          make([]historyTurn, 0, len(turns)),
	}
	for _, t := range turns {
		ht := historyTurn{
			Role:      t.Role,
			Text:      t.Text,
			Sources:   []datatypes.SourceInfo{},
			Timestamp: t.Timestamp,
		}
		if t.Sources != "" {
			if err := json.Unmarshal([]byte(t.Sources), &ht.Sources); err != nil {
				slog.Warn("stored sources unparseable, returning empty list",
					"conversation_id", conversationID, "error", err)
				ht.Sources = []datatypes.SourceInfo{}
			}
		}
		out.Turns = append(out.Turns, ht)
	}

	c.JSON(http.StatusOK, out)
}
