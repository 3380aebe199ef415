// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// This file implements the SSE stream emitter.
//
// The emitter is a state machine over the open response stream:
//
//	Idle → SourcesSent → Streaming → Ended
//	                 \→ Errored (from any state after Idle)
//
// Once the first byte is flushed the response status and framing are
// committed and cannot be rolled back; every precondition (ownership,
// quota, validation) must be checked before the emitter is created. Events
// are framed as "event: <name>\ndata: <json>\n\n".
package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianCounsel/services/orchestrator/datatypes"
)

// StreamState tracks the emitter's position in the event protocol.
type StreamState int

const (
	StateIdle StreamState = iota
	StateSourcesSent
	StateStreaming
	StateEnded
	StateErrored
)

func (s StreamState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSourcesSent:
		return "sources_sent"
	case StateStreaming:
		return "streaming"
	case StateEnded:
		return "ended"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Wire event names.
const (
	eventSources = "sources"
	eventChunk   = "chunk"
	eventEnd     = "end"
	eventError   = "error"
	eventStatus  = "status"
)

// StreamEmitter writes the ordered event protocol for one request.
//
// Ordering is enforced: exactly one sources event first, then chunk events
// in generation order, then exactly one terminal end or error event.
// Implementations are safe for concurrent use.
type StreamEmitter interface {
	// WriteSources emits the frozen citation list. Valid only in Idle.
	WriteSources(sources []datatypes.SourceInfo) error

	// WriteChunk emits one answer fragment. Valid after WriteSources.
	WriteChunk(text string) error

	// WriteEnd emits the terminal marker. Valid after WriteSources.
	WriteEnd() error

	// WriteError emits the terminal error event. Valid in any state after
	// Idle has been exited; the pre-commit error path uses a structured
	// HTTP response instead.
	WriteError(code, message string) error

	// WriteStatus emits a non-normative progress event. Valid only before
	// the sources event.
	WriteStatus(stage string) error

	// WriteKeepAlive emits an SSE comment to hold the connection open.
	WriteKeepAlive() error

	// State returns the current protocol state.
	State() StreamState

	// Committed reports whether any byte has been flushed. This is the
	// error-path fork: uncommitted failures return a structured response,
	// committed failures must terminate via WriteError.
	Committed() bool
}

// chunkPayload is the chunk event body.
type chunkPayload struct {
	Text string `json:"text"`
}

// errorPayload is the error event body.
type errorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// statusPayload is the status event body.
type statusPayload struct {
	Stage string `json:"stage"`
}

type sseEmitter struct {
	mu        sync.Mutex
	w         io.Writer
	flusher   http.Flusher
	state     StreamState
	committed bool
}

// NewStreamEmitter wraps a response writer. It fails when the writer
// cannot flush, since buffered SSE defeats streaming entirely.
func NewStreamEmitter(w http.ResponseWriter) (StreamEmitter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	return &sseEmitter{w: w, flusher: flusher, state: StateIdle}, nil
}

// SetSSEHeaders configures the response for server-sent events. Must run
// before the first write.
func SetSSEHeaders(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
}

func (e *sseEmitter) WriteSources(sources []datatypes.SourceInfo) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateIdle {
		return fmt.Errorf("sources event not allowed in state %s", e.state)
	}
	if sources == nil {
		sources = []datatypes.SourceInfo{}
	}
	if err := e.writeEvent(eventSources, sources); err != nil {
		return err
	}
	e.state = StateSourcesSent
	return nil
}

func (e *sseEmitter) WriteChunk(text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateSourcesSent && e.state != StateStreaming {
		return fmt.Errorf("chunk event not allowed in state %s", e.state)
	}
	if err := e.writeEvent(eventChunk, chunkPayload{Text: text}); err != nil {
		return err
	}
	e.state = StateStreaming
	return nil
}

func (e *sseEmitter) WriteEnd() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateSourcesSent && e.state != StateStreaming {
		return fmt.Errorf("end event not allowed in state %s", e.state)
	}
	if err := e.writeEvent(eventEnd, struct{}{}); err != nil {
		return err
	}
	e.state = StateEnded
	return nil
}

func (e *sseEmitter) WriteError(code, message string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateEnded || e.state == StateErrored {
		return fmt.Errorf("error event not allowed in state %s", e.state)
	}
	if err := e.writeEvent(eventError, errorPayload{Error: message, Code: code}); err != nil {
		return err
	}
	e.state = StateErrored
	return nil
}

func (e *sseEmitter) WriteStatus(stage string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateIdle {
		return fmt.Errorf("status event not allowed in state %s", e.state)
	}
	return e.writeEvent(eventStatus, statusPayload{Stage: stage})
}

func (e *sseEmitter) WriteKeepAlive() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateEnded || e.state == StateErrored {
		return fmt.Errorf("stream already terminated")
	}
	if _, err := fmt.Fprint(e.w, ": keep-alive\n\n"); err != nil {
		return fmt.Errorf("failed to write keep-alive: %w", err)
	}
	e.committed = true
	e.flusher.Flush()
	return nil
}

func (e *sseEmitter) State() StreamState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *sseEmitter) Committed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.committed
}

// writeEvent frames and flushes one event. Callers hold the mutex.
func (e *sseEmitter) writeEvent(name string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", name, err)
	}
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return fmt.Errorf("failed to write %s event: %w", name, err)
	}
	e.committed = true
	e.flusher.Flush()
	return nil
}

var _ StreamEmitter = (*sseEmitter)(nil)
