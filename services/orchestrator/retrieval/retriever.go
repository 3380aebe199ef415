// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval finds and filters grounding evidence for a question.
//
// The retriever queries the similarity-search index for nearest-neighbor
// case documents, applies the configured relevance bar, deduplicates
// citations by title, and enriches the strongest survivors with full
// judgment text. Retrieval failures degrade to less evidence, never to a
// failed request.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianCounsel/services/orchestrator/datatypes"
)

var tracer = otel.Tracer("aleutian.counsel.orchestrator.retrieval")

const (
	// TopK is how many nearest neighbors are requested per query.
	TopK = 4

	// EnrichTopN is how many surviving candidates get full-text enrichment.
	EnrichTopN = 2

	// NoEvidenceMarker is emitted instead of an empty evidence block so the
	// prompt assembler can select its no-evidence instruction branch.
	NoEvidenceMarker = "NO_RELEVANT_CASES_FOUND"
)

// Metric selects the numeric semantics of the relevance score.
type Metric string

const (
	// MetricSimilarity treats scores as cosine certainty, higher is better.
	MetricSimilarity Metric = "similarity"
	// MetricDistance treats scores as vector distance, lower is better.
	MetricDistance Metric = "distance"
)

// Policy is the relevance-threshold configuration. The threshold direction
// is bound to the metric; the two are configured together and never mixed.
type Policy struct {
	Metric Metric
	Bar    float64
}

// PolicyFromEnv reads RELEVANCE_METRIC and RELEVANCE_BAR. An unknown
// metric is a configuration error surfaced at startup, not per-request.
func PolicyFromEnv() (Policy, error) {
	metric := Metric(os.Getenv("RELEVANCE_METRIC"))
	if metric == "" {
		metric = MetricSimilarity
	}
	if metric != MetricSimilarity && metric != MetricDistance {
		return Policy{}, fmt.Errorf("unknown RELEVANCE_METRIC %q (want %q or %q)",
			metric, MetricSimilarity, MetricDistance)
	}

	bar := 0.6
	if raw := os.Getenv("RELEVANCE_BAR"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Policy{}, fmt.Errorf("invalid RELEVANCE_BAR %q: %w", raw, err)
		}
		bar = parsed
	} else if metric == MetricDistance {
		bar = 0.5
	}
	return Policy{Metric: metric, Bar: bar}, nil
}

// Keeps reports whether a candidate's score meets the relevance bar under
// this policy's metric.
func (p Policy) Keeps(score float64) bool {
	if p.Metric == MetricDistance {
		return score <= p.Bar
	}
	return score >= p.Bar
}

// Searcher is the similarity-search boundary. Implemented by
// WeaviateSearcher in production and by fakes in tests.
type Searcher interface {
	Search(ctx context.Context, query string, topK int) ([]datatypes.EvidenceCandidate, error)
}

// Enricher fetches full document text for a candidate's source URL.
type Enricher interface {
	FetchFullText(ctx context.Context, url string) (string, error)
}

// Retriever runs the full evidence pipeline: search, filter, dedup,
// enrich.
type Retriever struct {
	searcher Searcher
	enricher Enricher
	policy   Policy
}

// NewRetriever wires a Retriever. searcher is required; enricher may be
// nil, in which case candidates keep their snippets.
func NewRetriever(searcher Searcher, enricher Enricher, policy Policy) *Retriever {
	if searcher == nil {
		panic("retrieval: NewRetriever requires a searcher")
	}
	return &Retriever{searcher: searcher, enricher: enricher, policy: policy}
}

// Retrieve returns the filtered, ranked, deduplicated evidence for a
// query, with the top candidates enriched by full text where possible.
//
// A search failure returns an empty slice: the caller proceeds without
// grounding evidence rather than failing the request.
func (r *Retriever) Retrieve(ctx context.Context, query string) []datatypes.EvidenceCandidate {
	ctx, span := tracer.Start(ctx, "Retrieve")
	defer span.End()

	cleaned := stripPunctuation(query)
	candidates, err := r.searcher.Search(ctx, cleaned, TopK)
	if err != nil {
		slog.Warn("Similarity search failed, proceeding without evidence", "error", err)
		span.RecordError(err)
		return nil
	}

	kept := candidates[:0]
	for _, c := range candidates {
		if r.policy.Keeps(c.RelevanceScore) {
			kept = append(kept, c)
		}
	}
	r.rank(kept)
	kept = dedupByTitle(kept)

	span.SetAttributes(
		attribute.Int("retrieval.fetched", len(candidates)),
		attribute.Int("retrieval.kept", len(kept)),
	)

	r.enrichTop(ctx, kept)
	return kept
}

// rank orders candidates best-first under the configured metric.
func (r *Retriever) rank(candidates []datatypes.EvidenceCandidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if r.policy.Metric == MetricDistance {
			return candidates[i].RelevanceScore < candidates[j].RelevanceScore
		}
		return candidates[i].RelevanceScore > candidates[j].RelevanceScore
	})
}

// enrichTop attempts full-text fetches for the first EnrichTopN
// candidates. A failed fetch leaves the candidate on its snippet.
func (r *Retriever) enrichTop(ctx context.Context, candidates []datatypes.EvidenceCandidate) {
	if r.enricher == nil {
		return
	}
	for i := range candidates {
		if i >= EnrichTopN {
			break
		}
		c := &candidates[i]
		if c.SourceURL == "" {
			continue
		}
		text, err := r.enricher.FetchFullText(ctx, c.SourceURL)
		if err != nil {
			slog.Warn("Full-text enrichment failed, keeping snippet",
				"title", c.Title, "url", c.SourceURL, "error", err)
			continue
		}
		c.FullText = text
	}
}

// EvidenceBlock renders candidates into the grounding text handed to the
// prompt assembler, or the no-evidence marker when nothing survived.
func EvidenceBlock(candidates []datatypes.EvidenceCandidate) string {
	if len(candidates) == 0 {
		return NoEvidenceMarker
	}
	var sb strings.Builder
	for i, c := range candidates {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(fmt.Sprintf("[Case %d] %s", i+1, c.Title))
		if c.Court != "" {
			sb.WriteString(" (" + c.Court + ")")
		}
		sb.WriteString("\n")
		sb.WriteString(c.GroundingText())
	}
	return sb.String()
}

// Citations converts candidates to the frozen citation list sent in the
// sources event. Exactly one score field is populated per the metric.
func Citations(candidates []datatypes.EvidenceCandidate, metric Metric) []datatypes.SourceInfo {
	out := make([]datatypes.SourceInfo, 0, len(candidates))
	for _, c := range candidates {
		info := datatypes.SourceInfo{
			Title: c.Title,
			Court: c.Court,
			URL:   c.SourceURL,
		}
		if metric == MetricDistance {
			info.Distance = c.RelevanceScore
		} else {
			info.Score = c.RelevanceScore
		}
		out = append(out, info)
	}
	return out
}

// dedupByTitle drops later candidates that repeat an earlier title.
func dedupByTitle(candidates []datatypes.EvidenceCandidate) []datatypes.EvidenceCandidate {
	seen := make(map[string]bool, len(candidates))
	out := candidates[:0]
	for _, c := range candidates {
		key := strings.ToLower(strings.TrimSpace(c.Title))
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}

// stripPunctuation removes punctuation so the vectorizer sees clean terms.
func stripPunctuation(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			continue
		}
		sb.WriteRune(r)
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}

// =============================================================================
// Weaviate Searcher
// =============================================================================

// WeaviateSearcher queries the CaseDocument class via nearText.
type WeaviateSearcher struct {
	client *weaviate.Client
	policy Policy
}

// NewWeaviateSearcher builds the production Searcher.
func NewWeaviateSearcher(client *weaviate.Client, policy Policy) *WeaviateSearcher {
	if client == nil {
		panic("retrieval: NewWeaviateSearcher requires a weaviate client")
	}
	return &WeaviateSearcher{client: client, policy: policy}
}

// Search requests topK nearest neighbors and parses each hit's relevance
// score from the _additional block matching the configured metric.
func (w *WeaviateSearcher) Search(ctx context.Context, query string, topK int) ([]datatypes.EvidenceCandidate, error) {
	ctx, span := tracer.Start(ctx, "WeaviateSearch")
	defer span.End()

	nearText := w.client.GraphQL().NearTextArgBuilder().
		WithConcepts([]string{query})

	fields := []graphql.Field{
		{Name: "title"},
		{Name: "court"},
		{Name: "source_url"},
		{Name: "snippet"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "id"},
			{Name: "certainty"},
			{Name: "distance"},
		}},
	}

	resp, err := w.client.GraphQL().Get().
		WithClassName("CaseDocument").
		WithNearText(nearText).
		WithLimit(topK).
		WithFields(fields...).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("weaviate nearText query failed: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.CaseDocumentQueryResponse](resp)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}

	out := make([]datatypes.EvidenceCandidate, 0, len(parsed.Get.CaseDocument))
	for _, doc := range parsed.Get.CaseDocument {
		score, ok := w.scoreOf(doc)
		if !ok {
			slog.Warn("Search hit missing relevance score, skipping", "title", doc.Title)
			continue
		}
		out = append(out, datatypes.EvidenceCandidate{
			DocumentID:     doc.Additional.ID,
			Title:          doc.Title,
			Court:          doc.Court,
			SourceURL:      doc.SourceURL,
			Snippet:        doc.Snippet,
			RelevanceScore: score,
		})
	}
	return out, nil
}

// scoreOf extracts the score field matching the configured metric. Reading
// the other field would silently invert the threshold, so it is never
// consulted.
func (w *WeaviateSearcher) scoreOf(doc datatypes.CaseDocumentResult) (float64, bool) {
	if w.policy.Metric == MetricDistance {
		if doc.Additional.Distance == nil {
			return 0, false
		}
		return *doc.Additional.Distance, true
	}
	if doc.Additional.Certainty == nil {
		return 0, false
	}
	return *doc.Additional.Certainty, true
}

var _ Searcher = (*WeaviateSearcher)(nil)
