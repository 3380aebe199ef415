// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"log"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"google.golang.org/grpc/credentials/insecure"

	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"

	"github.com/AleutianAI/AleutianCounsel/services/llm"
	"github.com/AleutianAI/AleutianCounsel/services/orchestrator/conversation"
	"github.com/AleutianAI/AleutianCounsel/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianCounsel/services/orchestrator/extraction"
	"github.com/AleutianAI/AleutianCounsel/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianCounsel/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianCounsel/services/orchestrator/quota"
	"github.com/AleutianAI/AleutianCounsel/services/orchestrator/retrieval"
	"github.com/AleutianAI/AleutianCounsel/services/orchestrator/routes"
)

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "aleutian-otel-collector:4317"
	}
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("counsel-orchestrator")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

// newWeaviateClient parses WEAVIATE_SERVICE_URL and connects. The vector
// store is mandatory: it holds both the case corpus and the conversations.
func newWeaviateClient() (*weaviate.Client, error) {
	raw := strings.Trim(os.Getenv("WEAVIATE_SERVICE_URL"), "\"' ")
	if raw == "" {
		raw = "http://localhost:8080"
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	return weaviate.NewClient(weaviate.Config{
		Host:   parsed.Host,
		Scheme: parsed.Scheme,
	})
}

// splitKeys parses a comma-separated secret list, dropping blanks.
func splitKeys(env string) []string {
	var out []string
	for _, k := range strings.Split(os.Getenv(env), ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

func main() {
	// Local development convenience; containers inject real env vars.
	_ = godotenv.Load()

	port := os.Getenv("ORCHESTRATOR_PORT")
	if port == "" {
		port = "12210"
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	observability.InitMetrics()

	weaviateClient, err := newWeaviateClient()
	if err != nil {
		log.Fatalf("FATAL: could not connect to Weaviate: %v", err)
	}
	datatypes.EnsureWeaviateSchema(weaviateClient)

	// Relevance policy is validated up front so a typo'd metric name fails
	// the deploy instead of silently admitting junk evidence.
	policy, err := retrieval.PolicyFromEnv()
	if err != nil {
		log.Fatalf("FATAL: invalid relevance configuration: %v", err)
	}
	slog.Info("Relevance policy configured", "metric", policy.Metric, "bar", policy.Bar)

	primaryKeys := splitKeys("OPENAI_API_KEYS")
	if len(primaryKeys) == 0 {
		log.Fatalf("FATAL: OPENAI_API_KEYS is empty; at least one primary credential is required")
	}
	secondaryKeys := splitKeys("GEMINI_API_KEYS")

	keyring := llm.NewKeyring(map[llm.ProviderClass][]string{
		llm.ProviderPrimary:   primaryKeys,
		llm.ProviderSecondary: secondaryKeys,
	})

	primaryFactory := func(_ context.Context, cred *llm.Credential) (llm.LLMClient, error) {
		return llm.NewOpenAIClient(cred.Secret)
	}
	var secondaryFactory llm.ClientFactory
	if len(secondaryKeys) > 0 {
		secondaryFactory = func(ctx context.Context, cred *llm.Credential) (llm.LLMClient, error) {
			return llm.NewGeminiClient(ctx, cred.Secret)
		}
	} else {
		slog.Warn("GEMINI_API_KEYS not set, running without a low-cost backend")
	}
	gateway := llm.NewGateway(keyring, primaryFactory, secondaryFactory)
	gateway.SetFailoverNotifier(observability.DefaultMetrics.ProviderFailoversTotal.Inc)

	quotaPath := os.Getenv("QUOTA_DB_PATH")
	if quotaPath == "" {
		quotaPath = "/data/quota"
	}
	usage, err := quota.Open(quotaPath)
	if err != nil {
		log.Fatalf("FATAL: could not open usage database at %s: %v", quotaPath, err)
	}
	defer func() {
		if err := usage.Close(); err != nil {
			slog.Error("usage database close failed", "error", err)
		}
	}()

	store := conversation.NewWeaviateStore(weaviateClient)
	searcher := retrieval.NewWeaviateSearcher(weaviateClient, policy)
	enricher := retrieval.NewDocumentFetcher(retrieval.DefaultCharBudget)
	retriever := retrieval.NewRetriever(searcher, enricher, policy)
	extractor := extraction.NewExtractor(gateway)

	askHandler := handlers.NewAskStreamHandler(gateway, retriever, extractor, store, usage, policy.Metric)
	historyHandler := handlers.NewHistoryHandler(store)

	defer handlers.PurgeAllSecureMemory()

	router := gin.Default()
	router.Use(otelgin.Middleware("counsel-orchestrator"))
	routes.SetupRoutes(router, askHandler, historyHandler)

	log.Println("Starting the counsel orchestrator on port ", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
