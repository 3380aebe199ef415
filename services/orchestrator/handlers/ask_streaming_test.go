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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCounsel/services/llm"
	"github.com/AleutianAI/AleutianCounsel/services/orchestrator/conversation"
	"github.com/AleutianAI/AleutianCounsel/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianCounsel/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianCounsel/services/orchestrator/quota"
	"github.com/AleutianAI/AleutianCounsel/services/orchestrator/retrieval"
)

// =============================================================================
// Test Doubles
// =============================================================================

// streamingMockLLM implements llm.LLMClient for handler testing. It emits
// the configured tokens one by one and then returns StreamError.
type streamingMockLLM struct {
	StreamTokens []string
	StreamError  error

	ChatStreamCallCount int
	LastMessages        []datatypes.Message
}

func (m *streamingMockLLM) Generate(_ context.Context, _ string, _ llm.GenerationParams) (string, error) {
	return strings.Join(m.StreamTokens, ""), nil
}

func (m *streamingMockLLM) ChatStream(_ context.Context, messages []datatypes.Message, _ llm.GenerationParams, callback llm.StreamCallback) error {
	m.ChatStreamCallCount++
	m.LastMessages = messages
	for _, token := range m.StreamTokens {
		if err := callback(llm.StreamEvent{Type: llm.StreamEventToken, Content: token}); err != nil {
			return err
		}
	}
	return m.StreamError
}

// memoryStore is an in-memory conversation.Store recording every call.
type memoryStore struct {
	records map[string]*conversation.Record
	turns   map[string][]datatypes.CaseTurnResult

	// OwnerOverride, when set, is returned as the owner of every existing
	// conversation regardless of who asked.
	OwnerOverride string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		records: make(map[string]*conversation.Record),
		turns:   make(map[string][]datatypes.CaseTurnResult),
	}
}

func (s *memoryStore) EnsureConversation(_ context.Context, conversationID, ownerID string) (*conversation.Record, error) {
	if r, ok := s.records[conversationID]; ok {
		return r, nil
	}
	owner := ownerID
	if s.OwnerOverride != "" {
		owner = s.OwnerOverride
	}
	r := &conversation.Record{ConversationID: conversationID, OwnerID: owner}
	s.records[conversationID] = r
	return r, nil
}

func (s *memoryStore) Get(_ context.Context, conversationID string) (*conversation.Record, error) {
	return s.records[conversationID], nil
}

func (s *memoryStore) AppendUserTurn(_ context.Context, conversationID, text string) error {
	s.turns[conversationID] = append(s.turns[conversationID], datatypes.CaseTurnResult{
		ConversationID: conversationID,
		Role:           datatypes.TurnRoleUser,
		Text:           text,
	})
	return nil
}

func (s *memoryStore) FinalizeAssistantTurn(_ context.Context, conversationID, text string, sources []datatypes.SourceInfo) error {
	if sources == nil {
		sources = []datatypes.SourceInfo{}
	}
	encoded, err := json.Marshal(sources)
	if err != nil {
		return err
	}
	s.turns[conversationID] = append(s.turns[conversationID], datatypes.CaseTurnResult{
		ConversationID: conversationID,
		Role:           datatypes.TurnRoleAssistant,
		Text:           text,
		Sources:        string(encoded),
	})
	return nil
}

func (s *memoryStore) History(_ context.Context, conversationID string, maxTurns int) ([]datatypes.Message, error) {
	all := s.turns[conversationID]
	if len(all) > maxTurns {
		all = all[len(all)-maxTurns:]
	}
	out := make([]datatypes.Message, 0, len(all))
	for _, t := range all {
		out = append(out, datatypes.Message{Role: t.Role, Content: t.Text})
	}
	return out, nil
}

func (s *memoryStore) Turns(_ context.Context, conversationID string) ([]datatypes.CaseTurnResult, error) {
	return s.turns[conversationID], nil
}

// turnsByRole counts persisted turns per role for one conversation.
func (s *memoryStore) turnsByRole(conversationID, role string) []datatypes.CaseTurnResult {
	var out []datatypes.CaseTurnResult
	for _, t := range s.turns[conversationID] {
		if t.Role == role {
			out = append(out, t)
		}
	}
	return out
}

// countingSearcher implements retrieval.Searcher and counts invocations.
type countingSearcher struct {
	Results   []datatypes.EvidenceCandidate
	Err       error
	CallCount int
	LastQuery string
}

func (s *countingSearcher) Search(_ context.Context, query string, _ int) ([]datatypes.EvidenceCandidate, error) {
	s.CallCount++
	s.LastQuery = query
	return s.Results, s.Err
}

// =============================================================================
// Test Fixture
// =============================================================================

type askFixture struct {
	handler  *AskStreamHandler
	router   *gin.Engine
	store    *memoryStore
	searcher *countingSearcher
	mockLLM  *streamingMockLLM
	usage    *quota.BadgerTracker
}

func newAskFixture(t *testing.T) *askFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mockLLM := &streamingMockLLM{StreamTokens: []string{"The ", "answer."}}
	keyring := llm.NewKeyring(map[llm.ProviderClass][]string{
		llm.ProviderPrimary: {"test-key"},
	})
	gateway := llm.NewGateway(keyring, func(_ context.Context, _ *llm.Credential) (llm.LLMClient, error) {
		return mockLLM, nil
	}, nil)

	searcher := &countingSearcher{}
	policy := retrieval.Policy{Metric: retrieval.MetricSimilarity, Bar: 0.6}
	retriever := retrieval.NewRetriever(searcher, nil, policy)

	store := newMemoryStore()

	usage, err := quota.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = usage.Close() })

	handler := NewAskStreamHandler(gateway, retriever, nil, store, usage, retrieval.MetricSimilarity)

	router := gin.New()
	v1 := router.Group("/v1")
	v1.Use(middleware.RequireUser())
	v1.POST("/ask/stream", handler.HandleAskStream)

	return &askFixture{
		handler:  handler,
		router:   router,
		store:    store,
		searcher: searcher,
		mockLLM:  mockLLM,
		usage:    usage,
	}
}

func (f *askFixture) ask(t *testing.T, userID, question, conversationID string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(datatypes.AskStreamRequest{
		Question:       question,
		ConversationID: conversationID,
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, "/v1/ask/stream", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

type sseEvent struct {
	Event string
	Data  string
}

// parseSSEEvents splits a response body into framed events.
func parseSSEEvents(t *testing.T, body string) []sseEvent {
	t.Helper()

	var events []sseEvent
	scanner := bufio.NewScanner(strings.NewReader(body))

	var current sseEvent
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.Data = strings.TrimPrefix(line, "data: ")
		case line == "" && current.Event != "":
			events = append(events, current)
			current = sseEvent{}
		}
	}
	if current.Event != "" {
		events = append(events, current)
	}
	return events
}

func eventNames(events []sseEvent) []string {
	names := make([]string, 0, len(events))
	for _, e := range events {
		names = append(names, e.Event)
	}
	return names
}

func chunkText(t *testing.T, events []sseEvent) string {
	t.Helper()
	var sb strings.Builder
	for _, e := range events {
		if e.Event != "chunk" {
			continue
		}
		var payload struct {
			Text string `json:"text"`
		}
		require.NoError(t, json.Unmarshal([]byte(e.Data), &payload))
		sb.WriteString(payload.Text)
	}
	return sb.String()
}

const testConversationID = "6ba7b810-9dad-41d1-80b4-00c04fd430c8"

// =============================================================================
// Greeting Short-Circuit
// =============================================================================

// TestHandleAskStream_Greeting verifies the canned-greeting path: empty
// sources, a single greeting chunk, no search, no quota charge, and both
// turns persisted.
func TestHandleAskStream_Greeting(t *testing.T) {
	f := newAskFixture(t)

	w := f.ask(t, "user-1", "hello", testConversationID)
	require.Equal(t, http.StatusOK, w.Code)

	events := parseSSEEvents(t, w.Body.String())
	require.Equal(t, []string{"sources", "chunk", "end"}, eventNames(events))
	assert.Equal(t, "[]", events[0].Data, "greeting must carry an empty sources list")
	assert.Contains(t, chunkText(t, events), "legal research assistant")

	assert.Equal(t, 0, f.searcher.CallCount, "greeting must not search")
	assert.Equal(t, 0, f.mockLLM.ChatStreamCallCount, "greeting must not generate")

	count, err := f.usage.GetUsage(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 0, count, "greeting must not consume quota")

	userTurns := f.store.turnsByRole(testConversationID, datatypes.TurnRoleUser)
	assistantTurns := f.store.turnsByRole(testConversationID, datatypes.TurnRoleAssistant)
	require.Len(t, userTurns, 1)
	require.Len(t, assistantTurns, 1)
	assert.Equal(t, "hello", userTurns[0].Text)
	assert.Equal(t, "[]", assistantTurns[0].Sources, "greeting turn has no citations")
}

// =============================================================================
// Full Pipeline
// =============================================================================

// TestHandleAskStream_FullPipeline verifies the happy path: sources with
// surviving evidence, streamed chunks, persisted turns, one quota unit.
func TestHandleAskStream_FullPipeline(t *testing.T) {
	f := newAskFixture(t)
	f.searcher.Results = []datatypes.EvidenceCandidate{
		{DocumentID: "d1", Title: "State v. Mehta", Court: "Bombay High Court", RelevanceScore: 0.91, Snippet: "bail granted"},
		{DocumentID: "d2", Title: "K.M. Nanavati v. State", Court: "Supreme Court", RelevanceScore: 0.82, Snippet: "culpable homicide"},
	}

	w := f.ask(t, "user-1", "What is the punishment under Section 302 IPC?", testConversationID)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	events := parseSSEEvents(t, w.Body.String())
	require.Equal(t, []string{"status", "sources", "chunk", "chunk", "end"}, eventNames(events))

	var sources []datatypes.SourceInfo
	require.NoError(t, json.Unmarshal([]byte(events[1].Data), &sources))
	require.Len(t, sources, 2)
	assert.Equal(t, "State v. Mehta", sources[0].Title)

	assert.Equal(t, "The answer.", chunkText(t, events))

	assert.Equal(t, 1, f.searcher.CallCount)
	assert.Equal(t, 1, f.mockLLM.ChatStreamCallCount)

	count, err := f.usage.GetUsage(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	assistantTurns := f.store.turnsByRole(testConversationID, datatypes.TurnRoleAssistant)
	require.Len(t, assistantTurns, 1)
	assert.Equal(t, "The answer.", assistantTurns[0].Text)

	var frozen []datatypes.SourceInfo
	require.NoError(t, json.Unmarshal([]byte(assistantTurns[0].Sources), &frozen))
	assert.Len(t, frozen, 2, "assistant turn must freeze the citations")
}

// TestHandleAskStream_NoEvidence verifies that an empty retrieval result
// still streams, with an empty sources list and the no-evidence system
// branch handed to the model.
func TestHandleAskStream_NoEvidence(t *testing.T) {
	f := newAskFixture(t)
	f.searcher.Results = nil

	w := f.ask(t, "user-1", "What about an extremely obscure ordinance?", testConversationID)
	require.Equal(t, http.StatusOK, w.Code)

	events := parseSSEEvents(t, w.Body.String())
	require.Equal(t, []string{"status", "sources", "chunk", "chunk", "end"}, eventNames(events))
	assert.Equal(t, "[]", events[1].Data)

	require.NotEmpty(t, f.mockLLM.LastMessages)
	system := f.mockLLM.LastMessages[0]
	assert.Equal(t, "system", system.Role)
	assert.Contains(t, system.Content, "No relevant cases were found")
	assert.NotContains(t, system.Content, "NO_RELEVANT_CASES_FOUND",
		"internal marker must not leak into the prompt")
}

// TestHandleAskStream_BelowBarFiltered verifies the relevance bar: a hit
// below the similarity threshold is excluded from sources and grounding.
func TestHandleAskStream_BelowBarFiltered(t *testing.T) {
	f := newAskFixture(t)
	f.searcher.Results = []datatypes.EvidenceCandidate{
		{DocumentID: "d1", Title: "Strong Case", RelevanceScore: 0.82, Snippet: "on point"},
		{DocumentID: "d2", Title: "Weak Case", RelevanceScore: 0.41, Snippet: "off topic"},
	}

	w := f.ask(t, "user-1", "What constitutes criminal breach of trust?", testConversationID)
	require.Equal(t, http.StatusOK, w.Code)

	events := parseSSEEvents(t, w.Body.String())
	var sources []datatypes.SourceInfo
	require.NoError(t, json.Unmarshal([]byte(events[1].Data), &sources))
	require.Len(t, sources, 1)
	assert.Equal(t, "Strong Case", sources[0].Title)
}

// =============================================================================
// Quota
// =============================================================================

// TestHandleAskStream_QuotaBoundary verifies the ceiling edge: the tenth
// question is allowed and consumes the last unit, the eleventh is denied
// before any streaming state exists.
func TestHandleAskStream_QuotaBoundary(t *testing.T) {
	f := newAskFixture(t)
	ctx := context.Background()

	for i := 0; i < quota.Ceiling-1; i++ {
		_, err := f.usage.IncrementUsage(ctx, "user-1")
		require.NoError(t, err)
	}

	w := f.ask(t, "user-1", "What is anticipatory bail?", testConversationID)
	require.Equal(t, http.StatusOK, w.Code, "request at count %d must be allowed", quota.Ceiling-1)

	count, err := f.usage.GetUsage(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, quota.Ceiling, count)

	w = f.ask(t, "user-1", "And what about regular bail?", testConversationID)
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	var resp datatypes.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "quota_exceeded", resp.Code)

	// Denied request must leave no trace: no turns, no generation.
	assert.Equal(t, 1, f.mockLLM.ChatStreamCallCount)
	assert.Len(t, f.store.turnsByRole(testConversationID, datatypes.TurnRoleUser), 1)
}

// TestHandleAskStream_GreetingBypassesQuota verifies small talk still works
// for a user already at the ceiling.
func TestHandleAskStream_GreetingBypassesQuota(t *testing.T) {
	f := newAskFixture(t)
	ctx := context.Background()
	for i := 0; i < quota.Ceiling; i++ {
		_, err := f.usage.IncrementUsage(ctx, "user-1")
		require.NoError(t, err)
	}

	w := f.ask(t, "user-1", "hello", testConversationID)
	require.Equal(t, http.StatusOK, w.Code)
	events := parseSSEEvents(t, w.Body.String())
	assert.Equal(t, []string{"sources", "chunk", "end"}, eventNames(events))
}

// =============================================================================
// Access Control and Validation
// =============================================================================

func TestHandleAskStream_MissingIdentity(t *testing.T) {
	f := newAskFixture(t)
	w := f.ask(t, "", "What is Section 420 IPC?", testConversationID)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleAskStream_ForeignConversationForbidden(t *testing.T) {
	f := newAskFixture(t)
	_, err := f.store.EnsureConversation(context.Background(), testConversationID, "someone-else")
	require.NoError(t, err)

	w := f.ask(t, "user-1", "What is Section 420 IPC?", testConversationID)
	require.Equal(t, http.StatusForbidden, w.Code)

	var resp datatypes.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "forbidden", resp.Code)
	assert.Equal(t, 0, f.mockLLM.ChatStreamCallCount)
}

func TestHandleAskStream_EmptyQuestionRejected(t *testing.T) {
	f := newAskFixture(t)
	w := f.ask(t, "user-1", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleAskStream_OversizedQuestionRejected(t *testing.T) {
	f := newAskFixture(t)
	w := f.ask(t, "user-1", strings.Repeat("a", datatypes.MaxQuestionBytes+1), "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleAskStream_BadConversationIDRejected(t *testing.T) {
	f := newAskFixture(t)
	w := f.ask(t, "user-1", "What is Section 420 IPC?", "not-a-uuid")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// =============================================================================
// Mid-Stream Failure
// =============================================================================

// TestHandleAskStream_GenerationFailureAfterCommit verifies that a backend
// failure after the sources event terminates the stream with an error
// event and never persists a partial assistant turn.
func TestHandleAskStream_GenerationFailureAfterCommit(t *testing.T) {
	f := newAskFixture(t)
	f.mockLLM.StreamTokens = nil
	f.mockLLM.StreamError = errors.New("backend exploded")

	w := f.ask(t, "user-1", "What is Section 302 IPC?", testConversationID)
	require.Equal(t, http.StatusOK, w.Code, "committed streams keep their 200 status")

	events := parseSSEEvents(t, w.Body.String())
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, "error", last.Event)

	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	require.NoError(t, json.Unmarshal([]byte(last.Data), &payload))
	assert.Equal(t, "provider_error", payload.Code)

	assert.Empty(t, f.store.turnsByRole(testConversationID, datatypes.TurnRoleAssistant),
		"partial answers must be discarded, not persisted")
	assert.Len(t, f.store.turnsByRole(testConversationID, datatypes.TurnRoleUser), 1,
		"the question itself stays persisted")
}

// TestHandleAskStream_PartialOutputThenFailure verifies that fragments
// delivered before the failure stay delivered, the error event closes the
// stream, and the assistant turn is still discarded.
func TestHandleAskStream_PartialOutputThenFailure(t *testing.T) {
	f := newAskFixture(t)
	f.mockLLM.StreamTokens = []string{"Half an "}
	f.mockLLM.StreamError = errors.New("connection reset")

	w := f.ask(t, "user-1", "What is Section 302 IPC?", testConversationID)
	events := parseSSEEvents(t, w.Body.String())

	assert.Equal(t, "Half an ", chunkText(t, events))
	assert.Equal(t, "error", events[len(events)-1].Event)
	assert.Empty(t, f.store.turnsByRole(testConversationID, datatypes.TurnRoleAssistant))
}

// =============================================================================
// Conversation Continuity
// =============================================================================

// TestHandleAskStream_HistoryThreaded verifies that a follow-up question
// carries the prior turns to the model.
func TestHandleAskStream_HistoryThreaded(t *testing.T) {
	f := newAskFixture(t)

	w := f.ask(t, "user-1", "What is Section 302 IPC?", testConversationID)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.ask(t, "user-1", "Does Section 34 change that?", testConversationID)
	require.Equal(t, http.StatusOK, w.Code)

	msgs := f.mockLLM.LastMessages
	require.True(t, len(msgs) >= 4, "system + prior turns + current question, got %d", len(msgs))
	assert.Equal(t, "system", msgs[0].Role)
	assert.Equal(t, datatypes.TurnRoleUser, msgs[1].Role)
	assert.Equal(t, "What is Section 302 IPC?", msgs[1].Content)
	assert.Equal(t, "Does Section 34 change that?", msgs[len(msgs)-1].Content)
}

// TestHandleAskStream_QuestionAppearsOnceInPrompt verifies that the current
// question is not duplicated through the history: it must appear exactly
// once in the assembled messages, as the final user turn.
func TestHandleAskStream_QuestionAppearsOnceInPrompt(t *testing.T) {
	f := newAskFixture(t)

	w := f.ask(t, "user-1", "What is Section 302 IPC?", testConversationID)
	require.Equal(t, http.StatusOK, w.Code)

	msgs := f.mockLLM.LastMessages
	occurrences := 0
	for _, m := range msgs {
		if m.Content == "What is Section 302 IPC?" {
			occurrences++
		}
	}
	assert.Equal(t, 1, occurrences, "question must reach the model exactly once")
	assert.Len(t, msgs, 2, "first turn is system + question only")

	w = f.ask(t, "user-1", "Does Section 34 change that?", testConversationID)
	require.Equal(t, http.StatusOK, w.Code)

	msgs = f.mockLLM.LastMessages
	occurrences = 0
	for _, m := range msgs {
		if m.Content == "Does Section 34 change that?" {
			occurrences++
		}
	}
	assert.Equal(t, 1, occurrences, "follow-up must reach the model exactly once")
}

// TestHandleAskStream_NewConversationCreated verifies that omitting the
// conversation id creates a fresh conversation owned by the caller.
func TestHandleAskStream_NewConversationCreated(t *testing.T) {
	f := newAskFixture(t)

	w := f.ask(t, "user-1", "What is Section 302 IPC?", "")
	require.Equal(t, http.StatusOK, w.Code)

	require.Len(t, f.store.records, 1)
	for id, rec := range f.store.records {
		assert.Equal(t, "user-1", rec.OwnerID)
		assert.NotEmpty(t, id)
	}
}
