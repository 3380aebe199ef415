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

// Turn roles stored on CaseTurn records.
const (
	TurnRoleUser      = "user"
	TurnRoleAssistant = "assistant"
)

// CaseConversationProperties is the property set of a CaseConversation
// object. One object exists per conversation id.
type CaseConversationProperties struct {
	ConversationID string `json:"conversation_id"`
	OwnerID        string `json:"owner_id"`
	Pinned         bool   `json:"pinned"`
	CreatedAt      int64  `json:"created_at"`
}

// ToMap converts the properties to the map shape Weaviate's
// WithProperties() requires.
func (p *CaseConversationProperties) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"conversation_id": p.ConversationID,
		"owner_id":        p.OwnerID,
		"pinned":          p.Pinned,
		"created_at":      p.CreatedAt,
	}
}

// CaseTurnProperties is the property set of a CaseTurn object. Each
// pipeline run appends two: one user turn before generation, one assistant
// turn after generation completes. Sources is the JSON-encoded frozen
// citation list, populated only on assistant turns.
type CaseTurnProperties struct {
	ConversationID string `json:"conversation_id"`
	Role           string `json:"role"`
	Text           string `json:"text"`
	Sources        string `json:"sources,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

// ToMap converts the properties to the map shape Weaviate's
// WithProperties() requires.
func (p *CaseTurnProperties) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"conversation_id": p.ConversationID,
		"role":            p.Role,
		"text":            p.Text,
		"sources":         p.Sources,
		"timestamp":       p.Timestamp,
	}
}
