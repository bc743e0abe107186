// Copyright (C) 2026 Calyptra AI (oss@calyptra.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc/credentials/insecure"

	// --- OpenTelemetry imports ---
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"

	"github.com/calyptra-ai/deepresearch/pkg/logging"
	"github.com/calyptra-ai/deepresearch/services/agent"
	agenttools "github.com/calyptra-ai/deepresearch/services/agent/tools"
	"github.com/calyptra-ai/deepresearch/services/gateway/observability"
	"github.com/calyptra-ai/deepresearch/services/gateway/routes"
	"github.com/calyptra-ai/deepresearch/services/llm"
)

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "deepresearch-otel-collector:4317"
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
		resource.WithAttributes(semconv.ServiceNameKey.String("deepresearch-gateway")))
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

// newModelClient builds a backend client for the given model based on
// LLM_BACKEND_TYPE. Defaults to the OpenAI-compatible backend, which
// covers vLLM and llama.cpp servers as well as hosted endpoints.
func newModelClient(model string) (llm.LLMClient, error) {
	backend := strings.ToLower(strings.TrimSpace(os.Getenv("LLM_BACKEND_TYPE")))
	switch backend {
	case "ollama":
		return llm.NewOllamaClient(os.Getenv("OLLAMA_BASE_URL"), model)
	case "", "openai":
		return llm.NewOpenAIClient(os.Getenv("LLM_BASE_URL"), os.Getenv("LLM_API_KEY"), model)
	default:
		slog.Warn("unknown LLM_BACKEND_TYPE, using the OpenAI-compatible backend", "backend", backend)
		return llm.NewOpenAIClient(os.Getenv("LLM_BASE_URL"), os.Getenv("LLM_API_KEY"), model)
	}
}

// envInt reads an integer env var, falling back on parse failure.
func envInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid integer env var, using default", "key", key, "value", raw)
		return fallback
	}
	return v
}

// loadDomainDatasets parses the optional dataset classifier map, a JSON
// object of domain name to dataset ids.
func loadDomainDatasets() map[string][]string {
	raw := os.Getenv("DOMAIN_DATASETS_JSON")
	if raw == "" {
		return nil
	}
	var domains map[string][]string
	if err := json.Unmarshal([]byte(raw), &domains); err != nil {
		slog.Warn("DOMAIN_DATASETS_JSON is invalid, dataset classification disabled", "error", err)
		return nil
	}
	return domains
}

func main() {
	port := os.Getenv("RESEARCHD_PORT")
	if port == "" {
		port = "12310"
	}

	logLevel := logging.LevelInfo
	if strings.EqualFold(os.Getenv("LOG_LEVEL"), "debug") {
		logLevel = logging.LevelDebug
	}
	appLog := logging.New(logging.Config{
		Level:   logLevel,
		LogDir:  os.Getenv("LOG_DIR"),
		Service: "researchd",
		JSON:    true,
	})
	defer appLog.Close()
	slog.SetDefault(appLog.Slog())

	// --- Init the tracer ---
	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	observability.InitMetrics()

	// --- Model clients ---
	log.Println("configuring the LLM clients")
	reasoner, err := newModelClient(os.Getenv("LLM_MODEL"))
	if err != nil {
		log.Fatalf("failed to initialize the reasoning model client: %v", err)
	}

	judgeModel := os.Getenv("JUDGE_MODEL")
	var judgeClient llm.LLMClient = reasoner
	if judgeModel != "" && judgeModel != os.Getenv("LLM_MODEL") {
		judgeClient, err = newModelClient(judgeModel)
		if err != nil {
			log.Fatalf("failed to initialize the judge model client: %v", err)
		}
	} else {
		slog.Warn("JUDGE_MODEL not set, judging with the reasoning model")
	}

	// --- Tools ---
	var classifier agenttools.DatasetClassifier
	if domains := loadDomainDatasets(); len(domains) > 0 {
		classifier = agenttools.NewDomainClassifier(judgeClient, domains)
	}
	registry := agenttools.NewRegistry(classifier)

	retrievalURL := strings.Trim(os.Getenv("RETRIEVAL_SERVICE_URL"), "\"' ")
	if retrievalURL == "" {
		log.Fatalf("RETRIEVAL_SERVICE_URL is required")
	}
	registry.Register(agenttools.NewRetrievalTool(retrievalURL, os.Getenv("RETRIEVAL_API_KEY")))

	if sandboxURL := strings.Trim(os.Getenv("SANDBOX_SERVICE_URL"), "\"' "); sandboxURL != "" {
		registry.Register(agenttools.NewCodeSandboxTool(sandboxURL))
	} else {
		slog.Info("SANDBOX_SERVICE_URL not set, code execution disabled")
	}
	if parserURL := strings.Trim(os.Getenv("PARSER_SERVICE_URL"), "\"' "); parserURL != "" {
		registry.Register(agenttools.NewParseFileTool(parserURL))
	} else {
		slog.Info("PARSER_SERVICE_URL not set, file parsing disabled")
	}

	// --- Loop and admission ---
	loop := agent.NewLoop(reasoner, agent.NewSufficiencyJudge(judgeClient), registry,
		agent.LoopConfig{
			MaxRetrievalRounds: envInt("MAX_RETRIEVAL_ROUNDS", agent.DefaultMaxRetrievalRounds),
			TokenBudget:        envInt("TOKEN_BUDGET", agent.DefaultTokenBudget),
		})
	sessions := agent.NewSessionRegistry()
	permits := agent.NewPermitPool(
		envInt("MAX_CONCURRENT_RESEARCH", agent.DefaultMaxConcurrent),
		time.Duration(envInt("ADMISSION_WAIT_SECONDS", 300))*time.Second)

	// --- Idle session eviction ---
	sweeper := agent.NewSweeper(sessions, agent.SweeperConfig{
		SessionTTL: time.Duration(envInt("SESSION_TTL_HOURS", 24)) * time.Hour,
		Interval:   time.Duration(envInt("SWEEP_INTERVAL_MINUTES", 15)) * time.Minute,
	})
	if err := sweeper.Start(context.Background()); err != nil {
		log.Fatalf("failed to start the session sweeper: %v", err)
	}
	defer sweeper.Stop()

	router := gin.Default()
	router.Use(otelgin.Middleware("deepresearch-gateway"))

	apiKey := strings.TrimSpace(os.Getenv("RESEARCHD_API_KEY"))
	if apiKey == "" {
		slog.Warn("RESEARCHD_API_KEY not set, the API is unauthenticated")
	}
	routes.SetupRoutes(router, loop, sessions, permits, apiKey)

	log.Println("starting the research gateway on port", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("failed to start server: %v", err)
	}
}
