// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"fmt"

	"github.com/weaviate/weaviate/entities/models"
)

// =============================================================================
// Generic GraphQL Response Parser
// =============================================================================

// ParseGraphQLResponse parses a Weaviate GraphQL response into the target type.
//
// # Description
//
// Encapsulates the marshal/unmarshal pattern required to convert Weaviate's
// dynamic response (map[string]models.JSONObject) into a strongly-typed
// struct. The target type T must have json tags matching the response shape.
//
// # Limitations
//
//   - Type mismatches result in zero values, not errors.
func ParseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}

	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}

	var result T
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}

	return &result, nil
}

// =============================================================================
// Common Weaviate Response Types
// =============================================================================

// CaseDocumentQueryResponse is the response shape for CaseDocument
// similarity queries.
type CaseDocumentQueryResponse struct {
	Get struct {
		CaseDocument []CaseDocumentResult `json:"CaseDocument"`
	} `json:"Get"`
}

// CaseDocumentResult is a single retrieved case document. Certainty is
// populated for similarity metrics, Distance for distance metrics.
type CaseDocumentResult struct {
	Title      string `json:"title"`
	Court      string `json:"court"`
	SourceURL  string `json:"source_url"`
	Snippet    string `json:"snippet"`
	Additional struct {
		ID        string   `json:"id"`
		Certainty *float64 `json:"certainty"`
		Distance  *float64 `json:"distance"`
	} `json:"_additional"`
}

// CaseConversationQueryResponse is the response shape for CaseConversation
// lookups by conversation id.
type CaseConversationQueryResponse struct {
	Get struct {
		CaseConversation []CaseConversationResult `json:"CaseConversation"`
	} `json:"Get"`
}

// CaseConversationResult is a single conversation record with its Weaviate
// UUID.
type CaseConversationResult struct {
	ConversationID string `json:"conversation_id"`
	OwnerID        string `json:"owner_id"`
	Pinned         bool   `json:"pinned"`
	CreatedAt      int64  `json:"created_at"`
	Additional     struct {
		ID string `json:"id"`
	} `json:"_additional"`
}

// CaseTurnQueryResponse is the response shape for CaseTurn history queries.
type CaseTurnQueryResponse struct {
	Get struct {
		CaseTurn []CaseTurnResult `json:"CaseTurn"`
	} `json:"Get"`
}

// CaseTurnResult is a single turn from a history query.
type CaseTurnResult struct {
	ConversationID string `json:"conversation_id"`
	Role           string `json:"role"`
	Text           string `json:"text"`
	Sources        string `json:"sources"`
	Timestamp      int64  `json:"timestamp"`
}
