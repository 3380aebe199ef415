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

// EvidenceCandidate is one retrieved case document, ephemeral to a single
// request. Only the filtered, deduplicated subset survives as citation
// metadata on the assistant turn.
type EvidenceCandidate struct {
	DocumentID     string  `json:"document_id"`
	Title          string  `json:"title"`
	Court          string  `json:"court,omitempty"`
	SourceURL      string  `json:"source_url,omitempty"`
	RelevanceScore float64 `json:"relevance_score"`
	Snippet        string  `json:"snippet,omitempty"`
	FullText       string  `json:"-"`
}

// GroundingText returns the best text available for prompt assembly:
// enriched full text when the fetch succeeded, the snippet otherwise.
func (c *EvidenceCandidate) GroundingText() string {
	if c.FullText != "" {
		return c.FullText
	}
	return c.Snippet
}

// SourceInfo is the citation shape sent to clients and frozen onto the
// assistant turn. Exactly one of Score/Distance is populated depending on
// the configured relevance metric.
type SourceInfo struct {
	Title    string  `json:"title"`
	Court    string  `json:"court,omitempty"`
	URL      string  `json:"url,omitempty"`
	Score    float64 `json:"score,omitempty"`
	Distance float64 `json:"distance,omitempty"`
}

// Message is a role-tagged prompt message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StatuteRef is a structured statute citation extracted from a question.
// Produced best-effort; an empty set is a valid outcome.
type StatuteRef struct {
	Act     string `json:"act"`
	Section string `json:"section"`
}
