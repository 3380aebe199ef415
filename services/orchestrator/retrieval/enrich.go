// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tmc/langchaingo/documentloaders"
)

const (
	// enrichTimeout bounds a single full-text fetch. Enrichment is
	// best-effort; a slow document store must not stall the stream.
	enrichTimeout = 10 * time.Second

	// DefaultCharBudget caps extracted text so one oversized judgment
	// cannot blow the prompt window.
	DefaultCharBudget = 12000
)

// DocumentFetcher pulls judgment text from the external document store and
// reduces its HTML to plain text.
type DocumentFetcher struct {
	client     *http.Client
	charBudget int
}

// NewDocumentFetcher builds a fetcher. charBudget <= 0 selects the default.
func NewDocumentFetcher(charBudget int) *DocumentFetcher {
	if charBudget <= 0 {
		charBudget = DefaultCharBudget
	}
	return &DocumentFetcher{
		client:     &http.Client{Timeout: enrichTimeout},
		charBudget: charBudget,
	}
}

// FetchFullText retrieves a document and extracts its readable text,
// truncated to the character budget. Any failure is returned to the caller,
// which degrades to the candidate's snippet.
func (f *DocumentFetcher) FetchFullText(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, enrichTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build document request: %w", err)
	}
	req.Header.Set("Accept", "text/html, text/plain")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("document fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("document store returned status %d", resp.StatusCode)
	}

	docs, err := documentloaders.NewHTML(resp.Body).Load(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to extract document text: %w", err)
	}

	var sb strings.Builder
	for _, d := range docs {
		sb.WriteString(d.PageContent)
		sb.WriteString("\n")
		if sb.Len() > f.charBudget {
			break
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", fmt.Errorf("document contained no extractable text")
	}
	if len(text) > f.charBudget {
		text = text[:f.charBudget]
	}
	return text, nil
}

var _ Enricher = (*DocumentFetcher)(nil)
