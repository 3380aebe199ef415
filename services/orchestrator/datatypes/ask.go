// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the orchestrator service.
//
// This file contains request and response types for the streaming ask
// endpoint. For evidence and citation types, see evidence.go.
package datatypes

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Constants for Security Compliance
// =============================================================================

const (
	// MaxQuestionBytes is the maximum size of a single question.
	// Byte length, not rune count, to bound memory per request.
	MaxQuestionBytes = 32 * 1024 // 32KB

	// MaxHistoryTurns is the maximum number of prior turns loaded into the
	// grounding context for one request.
	MaxHistoryTurns = 20
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// askValidate is the validator instance for ask datatypes.
// Initialized in init() with custom validators.
var askValidate *validator.Validate

func init() {
	askValidate = validator.New()
	_ = askValidate.RegisterValidation("maxbytes", validateQuestionBytes)
}

// validateQuestionBytes enforces MaxQuestionBytes on a string field.
// Checks byte length (not rune count) to prevent memory exhaustion with
// large payloads.
func validateQuestionBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxQuestionBytes
}

// =============================================================================
// Ask Request Types
// =============================================================================

// AskStreamRequest is the request body for POST /v1/ask/stream.
//
// # Fields
//
//   - Question: Required. The user's legal question, up to 32KB.
//   - ConversationID: Optional. Continues an existing conversation; a new
//     conversation is created lazily when absent.
//   - RequestID: Optional. Client-supplied correlation id (UUID v4),
//     generated server-side when missing.
//
// # Validation
//
// Uses go-playground/validator:
//   - Question: required, 1..32768 bytes
//   - ConversationID: UUID v4 when present
//   - RequestID: UUID v4 when present
type AskStreamRequest struct {
	Question       string `json:"question" validate:"required,min=1,maxbytes"`
	ConversationID string `json:"conversation_id" validate:"omitempty,uuid4"`
	RequestID      string `json:"request_id" validate:"omitempty,uuid4"`
}

// Validate validates the AskStreamRequest fields. Call after binding the
// JSON request.
func (r *AskStreamRequest) Validate() error {
	return askValidate.Struct(r)
}

// EnsureDefaults populates identifiers the client omitted. After this call
// ConversationID and RequestID are always set.
func (r *AskStreamRequest) EnsureDefaults() {
	if r.ConversationID == "" {
		r.ConversationID = uuid.NewString()
	}
	if r.RequestID == "" {
		r.RequestID = uuid.NewString()
	}
}

// =============================================================================
// Structured Failure Response
// =============================================================================

// ErrorResponse is the structured failure body returned before any
// streaming state is entered. Mid-stream failures use the error event on
// the open channel instead; the two paths never mix.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// NewErrorResponse builds an ErrorResponse stamped with the current time.
func NewErrorResponse(message, code, requestID string) *ErrorResponse {
	return &ErrorResponse{
		Error:     message,
		Code:      code,
		RequestID: requestID,
		Timestamp: time.Now().UnixMilli(),
	}
}
