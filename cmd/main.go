package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"assistant-relay/handler"
	"assistant-relay/internal/integrations/openai"
	"assistant-relay/internal/integrations/paramstore"
	"assistant-relay/internal/repository"
	"assistant-relay/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	allowedOrigin := os.Getenv("ALLOWED_ORIGIN")
	protocol := envDefault("PROVIDER_PROTOCOL", "assistant")
	model := os.Getenv("OPENAI_MODEL")
	pollAttempts := envInt("RUN_POLL_ATTEMPTS", 30)
	pollIntervalMs := envInt("RUN_POLL_INTERVAL_MS", 500)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	dynamoClient := awsdynamodb.NewFromConfig(cfg)
	store, err := repository.New(dynamoClient, stateTable)
	if err != nil {
		slog.Error("failed to create state store", "err", err)
		os.Exit(1)
	}

	var provider usecase.Provider
	switch protocol {
	case "assistant":
		provider, err = openai.NewAssistantClient(ssmClient, paramPrefix,
			openai.WithMaxPollAttempts(pollAttempts),
			openai.WithPollInterval(time.Duration(pollIntervalMs)*time.Millisecond),
		)
	case "completion":
		provider, err = openai.NewCompletionClient(ssmClient, paramPrefix, model)
	default:
		slog.Error("unknown provider protocol", "protocol", protocol)
		os.Exit(1)
	}
	if err != nil {
		slog.Error("failed to create provider client", "protocol", protocol, "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	chatService, err := usecase.NewChatService(provider, store, store)
	if err != nil {
		slog.Error("failed to create chat service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(chatService, allowedOrigin)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
