// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package prompt assembles the grounding context handed to the generation
// backend, and owns the greeting short-circuit that skips retrieval and
// generation entirely for small talk.
package prompt

import (
	"strings"
	"unicode"

	"github.com/AleutianAI/AleutianCounsel/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianCounsel/services/orchestrator/retrieval"
)

// CannedGreeting is streamed verbatim when the greeting short-circuit
// fires. No provider call is made for it.
const CannedGreeting = "Hello! I'm your legal research assistant. Ask me about a case, " +
	"a statute, or any legal question and I'll ground my answer in the case law I have indexed."

// minQuestionRunes is the shortest normalized input treated as a real
// question.
const minQuestionRunes = 3

// greetings is the fixed small-talk set matched after normalization.
var greetings = map[string]bool{
	"hi":             true,
	"hii":            true,
	"hello":          true,
	"hey":            true,
	"hello there":    true,
	"good morning":   true,
	"good afternoon": true,
	"good evening":   true,
	"namaste":        true,
	"thanks":         true,
	"thank you":      true,
	"how are you":    true,
}

const evidenceSystemPrompt = `You are a legal research assistant. Answer the user's question using the retrieved case law below.

RULES:
1. When your answer relies on a retrieved case, cite it by its title.
2. Quote statutory language exactly when it appears in the retrieved text.
3. Keep your answer focused and under a few paragraphs.
4. Do not invent case names, citations, or holdings.

Retrieved cases:
`

const noEvidenceSystemPrompt = `You are a legal research assistant. No relevant cases were found in the indexed case law for this question.

RULES:
1. Answer from general legal knowledge, and say explicitly that no indexed cases matched the question.
2. Do not invent case names, citations, or holdings.
3. Keep your answer focused and under a few paragraphs.
`

// Normalize lowercases, trims, and collapses whitespace, dropping
// punctuation so "Hello!!" and "hello" compare equal.
func Normalize(input string) string {
	var sb strings.Builder
	sb.Grow(len(input))
	for _, r := range strings.ToLower(input) {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			continue
		}
		sb.WriteRune(r)
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}

// IsSmallTalk reports whether the input should take the greeting
// short-circuit: a known greeting phrase, or too short to be a question.
func IsSmallTalk(input string) bool {
	normalized := Normalize(input)
	if len([]rune(normalized)) < minQuestionRunes {
		return true
	}
	return greetings[normalized]
}

// Assemble builds the full message sequence: system instructions embedding
// the evidence block (or the no-evidence branch), the prior turns
// role-tagged, and the current question last.
func Assemble(question, evidenceBlock string, history []datatypes.Message) []datatypes.Message {
	var systemPrompt string
	if evidenceBlock == retrieval.NoEvidenceMarker || evidenceBlock == "" {
		systemPrompt = noEvidenceSystemPrompt
	} else {
		systemPrompt = evidenceSystemPrompt + evidenceBlock
	}

	messages := make([]datatypes.Message, 0, len(history)+2)
	messages = append(messages, datatypes.Message{
		Role:    "system",
		Content: systemPrompt,
	})
	messages = append(messages, history...)
	messages = append(messages, datatypes.Message{
		Role:    "user",
		Content: question,
	})
	return messages
}
