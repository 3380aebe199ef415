// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extraction pulls structured statute references out of a question
// so retrieval can search on them explicitly.
//
// Extraction is best-effort end to end: the model call goes through the
// cost-sensitive gateway path, its output is decoded leniently, and every
// failure mode collapses to an empty result set. Nothing here may fail a
// request.
package extraction

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"

	"github.com/AleutianAI/AleutianCounsel/services/llm"
	"github.com/AleutianAI/AleutianCounsel/services/orchestrator/datatypes"
)

// Invoker is the slice of the provider gateway extraction needs.
type Invoker interface {
	InvokeOnce(ctx context.Context, prompt string, params llm.GenerationParams, costSensitive bool) (string, error)
}

const extractionPrompt = `Extract every statute reference from the question below.
Respond with ONLY a JSON array, no prose, in this exact shape:
[{"act":"Indian Penal Code","section":"302"}]
Respond with [] if the question references no statute.

Question: `

// sectionPattern is the fallback decoder. It finds "Section 302 IPC",
// "section 438 of the CrPC", "Section 21 of the NDPS Act" style references
// directly in text.
var sectionPattern = regexp.MustCompile(
	`(?i)section\s+(\d+[A-Za-z]?)\s*(?:of\s+)?(?:the\s+)?([A-Z][A-Za-z. ]*?(?:Act|Code)(?:,?\s*\d{4})?|IPC|CrPC|CPC|NDPS|POCSO)?`)

// Extractor runs statute extraction against the provider gateway.
type Extractor struct {
	invoker Invoker
}

// NewExtractor wires an Extractor. A nil invoker is allowed; extraction
// then runs on the fallback decoder only.
func NewExtractor(invoker Invoker) *Extractor {
	return &Extractor{invoker: invoker}
}

// Extract returns the statute references found in the question. An empty
// slice is a normal outcome; no error is ever returned.
func (e *Extractor) Extract(ctx context.Context, question string) []datatypes.StatuteRef {
	if e.invoker != nil {
		raw, err := e.invoker.InvokeOnce(ctx, extractionPrompt+question,
			llm.GenerationParams{}, true)
		if err == nil {
			if refs := decodeJSONRefs(raw); len(refs) > 0 {
				return refs
			}
		} else {
			slog.Warn("Statute extraction call failed, using fallback decoder", "error", err)
		}
	}
	return FallbackDecode(question)
}

// decodeJSONRefs parses the model's output, tolerating prose around the
// JSON array. Garbage decodes to nil.
func decodeJSONRefs(raw string) []datatypes.StatuteRef {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end <= start {
		return nil
	}
	var refs []datatypes.StatuteRef
	if err := json.Unmarshal([]byte(raw[start:end+1]), &refs); err != nil {
		return nil
	}
	out := refs[:0]
	for _, r := range refs {
		if r.Section != "" {
			out = append(out, r)
		}
	}
	return out
}

// FallbackDecode is the regex decoder applied directly to free text. It
// may return an empty set and never fails.
func FallbackDecode(text string) []datatypes.StatuteRef {
	matches := sectionPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	refs := make([]datatypes.StatuteRef, 0, len(matches))
	seen := make(map[string]bool, len(matches))
	for _, m := range matches {
		ref := datatypes.StatuteRef{
			Section: m[1],
			Act:     strings.TrimSpace(m[2]),
		}
		key := strings.ToLower(ref.Act + "|" + ref.Section)
		if seen[key] {
			continue
		}
		seen[key] = true
		refs = append(refs, ref)
	}
	return refs
}

// QueryTerms renders references as search terms appended to the retrieval
// query.
func QueryTerms(refs []datatypes.StatuteRef) string {
	if len(refs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(refs))
	for _, r := range refs {
		term := "Section " + r.Section
		if r.Act != "" {
			term += " " + r.Act
		}
		parts = append(parts, term)
	}
	return strings.Join(parts, " ")
}
