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
	"context"
	"log"
	"log/slog"
	"os"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// GetCaseDocumentSchema returns the class definition for indexed case
// documents. The vectorizer module is configurable because the embedding
// model is deployment-specific.
func GetCaseDocumentSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	vectorizer := os.Getenv("WEAVIATE_VECTORIZER")
	if vectorizer == "" {
		vectorizer = "text2vec-transformers"
	}

	return &models.Class{
		Class:       "CaseDocument",
		Description: "An indexed legal case document available for evidence retrieval.",
		Vectorizer:  vectorizer,
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:         "title",
				DataType:     []string{"text"},
				Description:  "Case title used for citation and deduplication.",
				Tokenization: "word",
			},
			{
				Name:            "court",
				DataType:        []string{"text"},
				Description:     "Court that decided the case.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "source_url",
				DataType:        []string{"text"},
				Description:     "URL of the full judgment text in the document store.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:         "snippet",
				DataType:     []string{"text"},
				Description:  "Short excerpt used when full-text enrichment is unavailable.",
				Tokenization: "word",
			},
		},
	}
}

// GetCaseConversationSchema returns the class definition for conversation
// records. Not vectorized; looked up by conversation_id only.
func GetCaseConversationSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       "CaseConversation",
		Description: "One conversation owned by a single user.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{
				Name:            "conversation_id",
				DataType:        []string{"text"},
				Description:     "Unique conversation identifier.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "owner_id",
				DataType:        []string{"text"},
				Description:     "User id of the conversation owner.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "pinned",
				DataType:        []string{"boolean"},
				Description:     "True if the user pinned this conversation.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "created_at",
				DataType:        []string{"number"},
				Description:     "Unix milliseconds when the conversation was created.",
				IndexFilterable: indexFilterable,
			},
		},
	}
}

// GetCaseTurnSchema returns the class definition for conversation turns.
// Turns are append-only; the sources field carries the frozen citation
// list JSON on assistant turns.
func GetCaseTurnSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       "CaseTurn",
		Description: "One user or assistant message within a conversation.",
		Vectorizer:  "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:            "conversation_id",
				DataType:        []string{"text"},
				Description:     "Conversation this turn belongs to.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "role",
				DataType:        []string{"text"},
				Description:     "Either 'user' or 'assistant'.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:         "text",
				DataType:     []string{"text"},
				Description:  "The message text.",
				Tokenization: "word",
			},
			{
				Name:        "sources",
				DataType:    []string{"text"},
				Description: "JSON-encoded citation list, assistant turns only.",
			},
			{
				Name:            "timestamp",
				DataType:        []string{"number"},
				Description:     "Unix milliseconds when the turn was appended.",
				IndexFilterable: indexFilterable,
			},
		},
	}
}

// EnsureWeaviateSchema creates any missing classes at startup. Creation
// failure is fatal; a missing schema would fail every request anyway.
func EnsureWeaviateSchema(client *weaviate.Client) {
	schemaGetters := []func() *models.Class{
		GetCaseDocumentSchema,
		GetCaseConversationSchema,
		GetCaseTurnSchema,
	}

	for _, getSchema := range schemaGetters {
		class := getSchema()
		slog.Info("Checking schema", "class", class.Class)

		_, err := client.Schema().ClassGetter().WithClassName(class.Class).Do(context.Background())
		if err != nil {
			slog.Info("Schema not found, creating it...", "class", class.Class)
			err := client.Schema().ClassCreator().WithClass(class).Do(context.Background())
			if err != nil {
				log.Fatalf("Failed to create schema for class %s: %v", class.Class, err)
			}
			slog.Info("Successfully created schema", "class", class.Class)
		} else {
			slog.Info("Schema already exists", "class", class.Class)
		}
	}
}
