// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conversation persists conversation and turn records.
//
// Ordering contract: the user turn is saved before generation begins, the
// assistant turn only after generation fully completes, carrying the frozen
// citation set. Turn ids are derived deterministically from content so a
// retried persist cannot create duplicates.
package conversation

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianCounsel/services/orchestrator/datatypes"
)

var tracer = otel.Tracer("aleutian.counsel.orchestrator.conversation")

// Record is one conversation's identity as stored.
type Record struct {
	ConversationID string
	OwnerID        string
	Pinned         bool
	CreatedAt      int64
}

// Store is the conversation persistence boundary consumed by the handlers.
type Store interface {
	// EnsureConversation returns the conversation, creating it when absent.
	// Re-invoking with an existing id is a no-op returning the existing
	// record, never a duplicate.
	EnsureConversation(ctx context.Context, conversationID, ownerID string) (*Record, error)

	// Get returns the conversation record, or nil when it does not exist.
	Get(ctx context.Context, conversationID string) (*Record, error)

	// AppendUserTurn durably saves the user's message before generation.
	AppendUserTurn(ctx context.Context, conversationID, text string) error

	// FinalizeAssistantTurn appends the assistant turn after generation
	// completed, with the frozen citation list.
	FinalizeAssistantTurn(ctx context.Context, conversationID, text string, sources []datatypes.SourceInfo) error

	// History returns up to maxTurns prior turns as role-tagged messages,
	// oldest first.
	History(ctx context.Context, conversationID string, maxTurns int) ([]datatypes.Message, error)

	// Turns returns the raw turn records for a conversation, oldest first.
	Turns(ctx context.Context, conversationID string) ([]datatypes.CaseTurnResult, error)
}

// WeaviateStore implements Store on the CaseConversation and CaseTurn
// classes.
type WeaviateStore struct {
	client *weaviate.Client
}

// NewWeaviateStore builds the production Store.
func NewWeaviateStore(client *weaviate.Client) *WeaviateStore {
	if client == nil {
		panic("conversation: NewWeaviateStore requires a weaviate client")
	}
	return &WeaviateStore{client: client}
}

func conversationFilter(conversationID string) *filters.WhereBuilder {
	return filters.Where().
		WithPath([]string{"conversation_id"}).
		WithOperator(filters.Equal).
		WithValueString(conversationID)
}

// EnsureConversation implements the idempotent find-or-create contract.
// The object id is derived from the conversation id, so a concurrent
// double-create collapses onto one record.
func (s *WeaviateStore) EnsureConversation(ctx context.Context, conversationID, ownerID string) (*Record, error) {
	ctx, span := tracer.Start(ctx, "EnsureConversation")
	defer span.End()
	span.SetAttributes(attribute.String("conversation_id", conversationID))

	existing, err := s.findConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	slog.Info("No existing conversation found, creating one", "conversationId", conversationID)
	props := datatypes.CaseConversationProperties{
		ConversationID: conversationID,
		OwnerID:        ownerID,
		CreatedAt:      time.Now().UnixMilli(),
	}
	_, err = s.client.Data().Creator().
		WithClassName("CaseConversation").
		WithID(deterministicID("conversation", conversationID)).
		WithProperties(props.ToMap()).
		Do(ctx)
	if err != nil {
		// A concurrent request may have created it between the lookup and
		// the create; the record is what matters, not who wrote it.
		if existing, ferr := s.findConversation(ctx, conversationID); ferr == nil && existing != nil {
			return existing, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	return &Record{
		ConversationID: conversationID,
		OwnerID:        ownerID,
		CreatedAt:      props.CreatedAt,
	}, nil
}

// Get looks a conversation up without creating it.
func (s *WeaviateStore) Get(ctx context.Context, conversationID string) (*Record, error) {
	ctx, span := tracer.Start(ctx, "GetConversation")
	defer span.End()
	span.SetAttributes(attribute.String("conversation_id", conversationID))
	return s.findConversation(ctx, conversationID)
}

func (s *WeaviateStore) findConversation(ctx context.Context, conversationID string) (*Record, error) {
	fields := []graphql.Field{
		{Name: "conversation_id"},
		{Name: "owner_id"},
		{Name: "pinned"},
		{Name: "created_at"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "id"}}},
	}
	resp, err := s.client.GraphQL().Get().
		WithClassName("CaseConversation").
		WithWhere(conversationFilter(conversationID)).
		WithFields(fields...).
		WithLimit(1).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("error querying for conversation: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.CaseConversationQueryResponse](resp)
	if err != nil {
		return nil, fmt.Errorf("error parsing conversation query response: %w", err)
	}
	if len(parsed.Get.CaseConversation) == 0 {
		return nil, nil
	}
	found := parsed.Get.CaseConversation[0]
	return &Record{
		ConversationID: found.ConversationID,
		OwnerID:        found.OwnerID,
		Pinned:         found.Pinned,
		CreatedAt:      found.CreatedAt,
	}, nil
}

// AppendUserTurn saves the user message with a content-derived turn id.
func (s *WeaviateStore) AppendUserTurn(ctx context.Context, conversationID, text string) error {
	return s.appendTurn(ctx, datatypes.CaseTurnProperties{
		ConversationID: conversationID,
		Role:           datatypes.TurnRoleUser,
		Text:           text,
		Timestamp:      time.Now().UnixMilli(),
	})
}

// FinalizeAssistantTurn saves the completed answer and its citations.
func (s *WeaviateStore) FinalizeAssistantTurn(ctx context.Context, conversationID, text string, sources []datatypes.SourceInfo) error {
	if sources == nil {
		sources = []datatypes.SourceInfo{}
	}
	encoded, err := json.Marshal(sources)
	if err != nil {
		return fmt.Errorf("failed to encode citation list: %w", err)
	}
	return s.appendTurn(ctx, datatypes.CaseTurnProperties{
		ConversationID: conversationID,
		Role:           datatypes.TurnRoleAssistant,
		Text:           text,
		Sources:        string(encoded),
		Timestamp:      time.Now().UnixMilli(),
	})
}

func (s *WeaviateStore) appendTurn(ctx context.Context, props datatypes.CaseTurnProperties) error {
	ctx, span := tracer.Start(ctx, "appendTurn")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversation_id", props.ConversationID),
		attribute.String("role", props.Role),
	)

	turnCount, err := s.turnCount(ctx, props.ConversationID)
	if err != nil {
		slog.Warn("Turn count query failed, falling back to timestamp-scoped id",
			"conversationId", props.ConversationID, "error", err)
		turnCount = int(props.Timestamp)
	}

	turnID := deterministicID("turn",
		fmt.Sprintf("%s|%d|%s|%s", props.ConversationID, turnCount, props.Role, props.Text))

	_, err = s.client.Data().Creator().
		WithClassName("CaseTurn").
		WithID(turnID).
		WithProperties(props.ToMap()).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to append %s turn: %w", props.Role, err)
	}
	slog.Info("Appended turn",
		"conversationId", props.ConversationID,
		"role", props.Role,
		"turnUUID", turnID)
	return nil
}

// turnCount counts existing turns via an aggregate query.
func (s *WeaviateStore) turnCount(ctx context.Context, conversationID string) (int, error) {
	result, err := s.client.GraphQL().Aggregate().
		WithClassName("CaseTurn").
		WithWhere(conversationFilter(conversationID)).
		WithFields(graphql.Field{
			Name:   "meta",
			Fields: []graphql.Field{{Name: "count"}},
		}).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("aggregate query failed: %w", err)
	}
	return parseAggregateCount(result.Data)
}

func parseAggregateCount(data map[string]models.JSONObject) (int, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal aggregate data: %w", err)
	}
	var parsed struct {
		Aggregate struct {
			CaseTurn []struct {
				Meta struct {
					Count float64 `json:"count"`
				} `json:"meta"`
			} `json:"CaseTurn"`
		} `json:"Aggregate"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return 0, fmt.Errorf("failed to parse aggregate count: %w", err)
	}
	if len(parsed.Aggregate.CaseTurn) == 0 {
		return 0, nil
	}
	return int(parsed.Aggregate.CaseTurn[0].Meta.Count), nil
}

// History loads the most recent turns and converts them into role-tagged
// messages for the prompt assembler.
func (s *WeaviateStore) History(ctx context.Context, conversationID string, maxTurns int) ([]datatypes.Message, error) {
	turns, err := s.Turns(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if maxTurns > 0 && len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}
	messages := make([]datatypes.Message, 0, len(turns))
	for _, t := range turns {
		if t.Text == "" {
			continue
		}
		messages = append(messages, datatypes.Message{Role: t.Role, Content: t.Text})
	}
	return messages, nil
}

// Turns implements the raw history read, oldest first.
func (s *WeaviateStore) Turns(ctx context.Context, conversationID string) ([]datatypes.CaseTurnResult, error) {
	ctx, span := tracer.Start(ctx, "Turns")
	defer span.End()

	fields := []graphql.Field{
		{Name: "conversation_id"},
		{Name: "role"},
		{Name: "text"},
		{Name: "sources"},
		{Name: "timestamp"},
	}
	sortByTime := graphql.Sort{Path: []string{"timestamp"}, Order: graphql.Asc}

	resp, err := s.client.GraphQL().Get().
		WithClassName("CaseTurn").
		WithWhere(conversationFilter(conversationID)).
		WithSort(sortByTime).
		WithFields(fields...).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("turn history query failed: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.CaseTurnQueryResponse](resp)
	if err != nil {
		return nil, fmt.Errorf("failed to parse turn history: %w", err)
	}
	return parsed.Get.CaseTurn, nil
}

// deterministicID derives a stable UUID from content, so retries reuse the
// same object id instead of duplicating records.
func deterministicID(kind, content string) string {
	hash := sha256.Sum256([]byte(kind + "|" + content))
	id, _ := uuid.FromBytes(hash[:16])
	return id.String()
}

var _ Store = (*WeaviateStore)(nil)
