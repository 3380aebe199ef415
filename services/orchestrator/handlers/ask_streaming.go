// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the HTTP handlers for the orchestrator.
//
// The central handler is AskStreamHandler, which drives one streamed
// legal question end to end:
//
//	validate ─► quota ─► conversation ─► persist user turn
//	    │
//	    ▼
//	statute extraction ─► evidence retrieval ─► sources event
//	    │
//	    ▼
//	prompt assembly ─► LLM stream ─► chunk events ─► persist answer ─► end
//
// Failures before the first flushed byte return a structured JSON error;
// failures after it are reported as an error event on the open stream.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianCounsel/services/llm"
	"github.com/AleutianAI/AleutianCounsel/services/orchestrator/conversation"
	"github.com/AleutianAI/AleutianCounsel/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianCounsel/services/orchestrator/extraction"
	"github.com/AleutianAI/AleutianCounsel/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianCounsel/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianCounsel/services/orchestrator/prompt"
	"github.com/AleutianAI/AleutianCounsel/services/orchestrator/quota"
	"github.com/AleutianAI/AleutianCounsel/services/orchestrator/retrieval"
)

var tracer = otel.Tracer("aleutian.counsel.orchestrator.handlers")

// AskStreamHandler serves POST /v1/ask/stream.
type AskStreamHandler struct {
	gateway   *llm.Gateway
	retriever *retrieval.Retriever
	extractor *extraction.Extractor
	store     conversation.Store
	usage     quota.Tracker
	metric    retrieval.Metric
}

// NewAskStreamHandler wires the handler. All dependencies except the
// extractor are required; a nil extractor disables statute-aware query
// expansion.
func NewAskStreamHandler(
	gateway *llm.Gateway,
	retriever *retrieval.Retriever,
	extractor *extraction.Extractor,
	store conversation.Store,
	usage quota.Tracker,
	metric retrieval.Metric,
) *AskStreamHandler {
	if gateway == nil {
		panic("handlers: NewAskStreamHandler requires an llm gateway")
	}
	if retriever == nil {
		panic("handlers: NewAskStreamHandler requires a retriever")
	}
	if store == nil {
		panic("handlers: NewAskStreamHandler requires a conversation store")
	}
	if usage == nil {
		panic("handlers: NewAskStreamHandler requires a usage tracker")
	}
	return &AskStreamHandler{
		gateway:   gateway,
		retriever: retriever,
		extractor: extractor,
		store:     store,
		usage:     usage,
		metric:    metric,
	}
}

// HandleAskStream processes one streamed ask request.
//
// The commit point is the first byte flushed to the client (normally the
// sources event). Everything before it can still fail with a normal HTTP
// error response; everything after it reports failures in-band as an
// error event and the HTTP status stays 200.
func (h *AskStreamHandler) HandleAskStream(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "handlers.HandleAskStream")
	defer span.End()
	started := time.Now()

	var req datatypes.AskStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.recordError(observability.ErrorCodeValidation)
		c.JSON(http.StatusBadRequest, datatypes.NewErrorResponse(
			"invalid request body: "+err.Error(), "validation_error", ""))
		return
	}
	req.EnsureDefaults()
	if err := req.Validate(); err != nil {
		h.recordError(observability.ErrorCodeValidation)
		c.JSON(http.StatusBadRequest, datatypes.NewErrorResponse(
			err.Error(), "validation_error", req.RequestID))
		return
	}

	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, datatypes.NewErrorResponse(
			"missing user identity", "unauthorized", req.RequestID))
		return
	}

	// EnsureDefaults already minted a conversation id when the client
	// omitted one.
	conversationID := req.ConversationID

	span.SetAttributes(
		attribute.String("request.id", req.RequestID),
		attribute.String("conversation.id", conversationID),
		attribute.Int("question.bytes", len(req.Question)),
	)

	logger := slog.With(
		"request_id", req.RequestID,
		"conversation_id", conversationID,
		"user_id", userID,
	)

	// Greeting short-circuit: canned answer, no retrieval, no generation,
	// and no quota charge. Both turns are still persisted so the
	// conversation history stays faithful.
	if prompt.IsSmallTalk(req.Question) {
		h.handleGreeting(c, logger, req, conversationID, userID)
		return
	}

	count, err := h.usage.GetUsage(ctx, userID)
	if err != nil {
		logger.Error("usage lookup failed", "error", err)
		span.RecordError(err)
		h.recordError(observability.ErrorCodeInternal)
		c.JSON(http.StatusInternalServerError, datatypes.NewErrorResponse(
			"usage tracking unavailable", "internal_error", req.RequestID))
		return
	}
	if !quota.Allowed(count) {
		logger.Warn("request denied at usage ceiling", "used", count, "ceiling", quota.Ceiling)
		if m := observability.DefaultMetrics; m != nil {
			m.QuotaDenialsTotal.Inc()
			m.RecordRequest("denied")
		}
		c.JSON(http.StatusTooManyRequests, datatypes.NewErrorResponse(
			"question limit reached", "quota_exceeded", req.RequestID))
		return
	}

	record, err := h.store.EnsureConversation(ctx, conversationID, userID)
	if err != nil {
		logger.Error("conversation ensure failed", "error", err)
		span.RecordError(err)
		h.recordError(observability.ErrorCodePersistenceError)
		c.JSON(http.StatusInternalServerError, datatypes.NewErrorResponse(
			"conversation store unavailable", "internal_error", req.RequestID))
		return
	}
	if record.OwnerID != userID {
		h.recordError(observability.ErrorCodeForbidden)
		c.JSON(http.StatusForbidden, datatypes.NewErrorResponse(
			"conversation belongs to another user", "forbidden", req.RequestID))
		return
	}

	if _, err := h.usage.IncrementUsage(ctx, userID); err != nil {
		logger.Error("usage increment failed", "error", err)
		span.RecordError(err)
		h.recordError(observability.ErrorCodeInternal)
		c.JSON(http.StatusInternalServerError, datatypes.NewErrorResponse(
			"usage tracking unavailable", "internal_error", req.RequestID))
		return
	}

	// Prior turns are read before the new question is persisted, so the
	// assembled prompt carries the question exactly once.
	history, err := h.store.History(ctx, conversationID, datatypes.MaxHistoryTurns)
	if err != nil {
		// Degrade to a single-turn exchange rather than failing the request.
		logger.Warn("history fetch failed, continuing without it", "error", err)
		history = nil
	}

	// User turn must be durable before any generation begins, so a crash
	// mid-stream never loses the question.
	if err := h.store.AppendUserTurn(ctx, conversationID, req.Question); err != nil {
		logger.Error("user turn persist failed", "error", err)
		span.RecordError(err)
		h.recordError(observability.ErrorCodePersistenceError)
		c.JSON(http.StatusInternalServerError, datatypes.NewErrorResponse(
			"could not persist question", "internal_error", req.RequestID))
		return
	}

	SetSSEHeaders(c)
	em, err := NewStreamEmitter(c.Writer)
	if err != nil {
		logger.Error("streaming unsupported by connection", "error", err)
		c.JSON(http.StatusInternalServerError, datatypes.NewErrorResponse(
			"streaming not supported", "internal_error", req.RequestID))
		return
	}

	if m := observability.DefaultMetrics; m != nil {
		m.ActiveStreams.Inc()
		defer m.ActiveStreams.Dec()
	}

	if err := em.WriteStatus("retrieving"); err != nil {
		logger.Warn("status event dropped", "error", err)
	}

	query := h.buildSearchQuery(ctx, req.Question)

	candidates := h.retriever.Retrieve(ctx, query)
	citations := retrieval.Citations(candidates, h.metric)
	span.SetAttributes(attribute.Int("evidence.count", len(candidates)))

	// Commit point: the sources event is the first flushed payload. From
	// here on, failures go out as error events, never as HTTP errors.
	if err := em.WriteSources(citations); err != nil {
		logger.Warn("client gone before sources", "error", err)
		h.recordError(observability.ErrorCodeClientDisconnect)
		return
	}

	messages := prompt.Assemble(req.Question, retrieval.EvidenceBlock(candidates), history)

	acc, err := NewAnswerAccumulator()
	if err != nil {
		logger.Error("answer accumulator init failed", "error", err)
		span.RecordError(err)
		h.failStream(c, em, logger, req.RequestID, observability.ErrorCodeInternal,
			"internal_error", "could not prepare answer buffer")
		return
	}
	defer acc.Destroy()

	var firstChunkAt time.Time
	callback := func(ev llm.StreamEvent) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if ev.Type != llm.StreamEventToken || ev.Content == "" {
			return nil
		}
		if firstChunkAt.IsZero() {
			firstChunkAt = time.Now()
			if m := observability.DefaultMetrics; m != nil {
				m.TimeToFirstChunkSeconds.Observe(firstChunkAt.Sub(started).Seconds())
			}
		}
		if err := acc.Write(ev.Content); err != nil {
			return err
		}
		return em.WriteChunk(ev.Content)
	}

	stopKeepAlive := startKeepAlive(em)
	defer stopKeepAlive()

	err = h.gateway.GenerateStream(ctx, messages, llm.GenerationParams{}, callback)
	stopKeepAlive()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		if ctx.Err() != nil || errors.Is(err, ctx.Err()) {
			logger.Warn("client disconnected mid-stream", "error", err)
			h.recordError(observability.ErrorCodeClientDisconnect)
			if m := observability.DefaultMetrics; m != nil {
				m.ClientDisconnectsTotal.Inc()
				m.RecordRequest("error")
			}
			return
		}
		logger.Error("generation failed", "error", err)
		h.failStream(c, em, logger, req.RequestID, observability.ErrorCodeProviderError,
			"provider_error", "answer generation failed")
		return
	}

	answer, answerHash, err := acc.Finalize()
	if err != nil {
		logger.Error("answer finalize failed", "error", err)
		span.RecordError(err)
		h.failStream(c, em, logger, req.RequestID, observability.ErrorCodeInternal,
			"internal_error", "could not finalize answer")
		return
	}

	// The answer was fully delivered; a persistence failure here is logged
	// and surfaced in metrics but does not retract the stream.
	if err := h.store.FinalizeAssistantTurn(ctx, conversationID, answer, citations); err != nil {
		logger.Warn("assistant turn persist failed", "error", err)
		h.recordError(observability.ErrorCodePersistenceError)
	}

	if err := em.WriteEnd(); err != nil {
		logger.Warn("end event dropped", "error", err)
	}

	logger.Info("ask stream completed",
		"answer_bytes", len(answer),
		"answer_sha256", answerHash,
		"sources", len(citations),
		"duration_ms", time.Since(started).Milliseconds(),
	)
	if m := observability.DefaultMetrics; m != nil {
		m.RecordRequest("success")
		m.RecordStreamDuration(time.Since(started).Seconds(), true)
	}
}

// keepAliveInterval paces SSE comment heartbeats while generation runs, so
// idle proxies do not cut the connection during a slow first token.
const keepAliveInterval = 15 * time.Second

// startKeepAlive emits heartbeats until the returned stop function is
// called. Stop is idempotent; the goroutine also exits on its own once the
// stream terminates or the client goes away.
func startKeepAlive(em StreamEmitter) func() {
	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }

	go func() {
		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := em.WriteKeepAlive(); err != nil {
					return
				}
			}
		}
	}()
	return stop
}

// buildSearchQuery expands the question with extracted statute references
// so "Section 302 IPC" style citations pull the right documents.
// Punctuation stripping happens inside the retriever.
func (h *AskStreamHandler) buildSearchQuery(ctx context.Context, question string) string {
	if h.extractor == nil {
		return question
	}
	refs := h.extractor.Extract(ctx, question)
	terms := extraction.QueryTerms(refs)
	if terms == "" {
		return question
	}
	return strings.TrimSpace(question + " " + terms)
}

// handleGreeting serves small talk with the canned greeting. No search,
// no generation, no quota charge; both turns are still persisted.
func (h *AskStreamHandler) handleGreeting(c *gin.Context, logger *slog.Logger, req datatypes.AskStreamRequest, conversationID, userID string) {
	ctx := c.Request.Context()

	record, err := h.store.EnsureConversation(ctx, conversationID, userID)
	if err != nil {
		logger.Error("conversation ensure failed", "error", err)
		h.recordError(observability.ErrorCodePersistenceError)
		c.JSON(http.StatusInternalServerError, datatypes.NewErrorResponse(
			"conversation store unavailable", "internal_error", req.RequestID))
		return
	}
	if record.OwnerID != userID {
		h.recordError(observability.ErrorCodeForbidden)
		c.JSON(http.StatusForbidden, datatypes.NewErrorResponse(
			"conversation belongs to another user", "forbidden", req.RequestID))
		return
	}
	if err := h.store.AppendUserTurn(ctx, conversationID, req.Question); err != nil {
		logger.Error("user turn persist failed", "error", err)
		h.recordError(observability.ErrorCodePersistenceError)
		c.JSON(http.StatusInternalServerError, datatypes.NewErrorResponse(
			"could not persist question", "internal_error", req.RequestID))
		return
	}

	SetSSEHeaders(c)
	em, err := NewStreamEmitter(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, datatypes.NewErrorResponse(
			"streaming not supported", "internal_error", req.RequestID))
		return
	}

	if err := em.WriteSources(nil); err != nil {
		logger.Warn("client gone before greeting", "error", err)
		return
	}
	if err := em.WriteChunk(prompt.CannedGreeting); err != nil {
		logger.Warn("greeting chunk dropped", "error", err)
		return
	}
	if err := h.store.FinalizeAssistantTurn(ctx, conversationID, prompt.CannedGreeting, nil); err != nil {
		logger.Warn("assistant turn persist failed", "error", err)
		h.recordError(observability.ErrorCodePersistenceError)
	}
	if err := em.WriteEnd(); err != nil {
		logger.Warn("end event dropped", "error", err)
	}

	if m := observability.DefaultMetrics; m != nil {
		m.GreetingShortCircuitsTotal.Inc()
		m.RecordRequest("success")
	}
}

// failStream reports a failure on whichever channel is still valid: a JSON
// error response before the commit point, an error event after it.
func (h *AskStreamHandler) failStream(c *gin.Context, em StreamEmitter, logger *slog.Logger, requestID string, metric observability.ErrorCode, code, message string) {
	h.recordError(metric)
	if m := observability.DefaultMetrics; m != nil {
		m.RecordRequest("error")
	}
	if em.Committed() {
		if err := em.WriteError(code, message); err != nil {
			logger.Warn("error event dropped", "error", err)
		}
		return
	}
	status := http.StatusBadGateway
	if code == "internal_error" {
		status = http.StatusInternalServerError
	}
	c.JSON(status, datatypes.NewErrorResponse(message, code, requestID))
}

func (h *AskStreamHandler) recordError(code observability.ErrorCode) {
	if m := observability.DefaultMetrics; m != nil {
		m.RecordError(code)
	}
}
