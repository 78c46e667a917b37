package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"docchat/handler"
	"docchat/internal/config"
	"docchat/internal/ingest"
	"docchat/internal/integrations/embedding"
	"docchat/internal/integrations/openai"
	"docchat/internal/integrations/paramstore"
	"docchat/internal/integrations/qdrant"
	"docchat/internal/repository"
	"docchat/internal/retrieval"
	"docchat/internal/server"
	"docchat/internal/usecase"
)

func main() {
	configPath := flag.String("config", envOr("DOCCHAT_CONFIG", "config.yaml"), "path to the YAML config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		slog.Error("docchat exited with error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	// ---- Configuration (read only here) ----
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	// ---- AWS clients, only when a backend needs them ----
	var ssmClient *paramstore.Client
	var dynamoAPI *awsdynamodb.Client
	if cfg.Secrets.ParamPrefix != "" || cfg.Store.Driver == config.StoreDynamoDB {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return fmt.Errorf("load AWS config: %w", err)
		}
		if cfg.Secrets.ParamPrefix != "" {
			ssmClient, err = paramstore.New(awsssm.NewFromConfig(awsCfg), cfg.Secrets.ParamPrefix)
			if err != nil {
				return err
			}
		}
		if cfg.Store.Driver == config.StoreDynamoDB {
			dynamoAPI = awsdynamodb.NewFromConfig(awsCfg)
		}
	}

	// ---- Conversation store ----
	var store usecase.ConversationStore
	switch cfg.Store.Driver {
	case config.StoreDynamoDB:
		store, err = repository.NewDynamo(dynamoAPI, cfg.Store.Table)
		if err != nil {
			return err
		}
	default:
		sqlStore, err := repository.OpenSQL(ctx, repository.Dialect(cfg.Store.Driver), cfg.Store.DSN)
		if err != nil {
			return err
		}
		defer func() { _ = sqlStore.Close() }()
		store = sqlStore
	}

	// ---- Model endpoints ----
	embedKey, err := resolveKey(ctx, ssmClient, cfg.Embedding.ModelConfig)
	if err != nil {
		return fmt.Errorf("embedding API key: %w", err)
	}
	dense, err := embedding.NewDense(embedding.DenseConfig{
		APIKey:     embedKey,
		BaseURL:    cfg.Embedding.BaseURL,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
	})
	if err != nil {
		return err
	}
	sparse := embedding.NewSparse()

	genOpts := []openai.Option{
		openai.WithBaseURL(cfg.Generation.BaseURL),
		openai.WithTemperature(cfg.Generation.SamplingTemperature()),
	}
	if cfg.Generation.MaxTokens > 0 {
		genOpts = append(genOpts, openai.WithMaxTokens(cfg.Generation.MaxTokens))
	}
	if cfg.Generation.APIKeyParam != "" {
		genOpts = append(genOpts, openai.WithParamStoreKey(ssmClient, cfg.Generation.APIKeyParam))
	} else {
		genOpts = append(genOpts, openai.WithAPIKey(keyOrPlaceholder(cfg.Generation.APIKey())))
	}
	generator, err := openai.NewClient(cfg.Generation.Model, genOpts...)
	if err != nil {
		return err
	}

	// ---- Vector index ----
	index, err := qdrant.NewClient(qdrant.Config{
		URL:        cfg.Qdrant.URL,
		APIKey:     cfg.Qdrant.APIKey,
		Collection: cfg.Qdrant.Collection,
		DenseSize:  cfg.Embedding.Dimensions,
		Timeout:    cfg.Qdrant.Timeout(),
	})
	if err != nil {
		return err
	}
	if err := index.EnsureCollection(ctx); err != nil {
		return err
	}

	// ---- Use cases ----
	retriever, err := retrieval.NewClient(dense, sparse, index, retrieval.Options{
		RankConstant:  cfg.Retrieval.RankConstant,
		SubQueryLimit: cfg.Retrieval.SubQueryLimit,
		EmbedTimeout:  cfg.Timeouts.Embed(),
		SearchTimeout: cfg.Timeouts.Search(),
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	rewriter, err := usecase.NewRewriter(generator, cfg.Timeouts.Generate(), logger)
	if err != nil {
		return err
	}
	synthesizer, err := usecase.NewSynthesizer(generator, cfg.Timeouts.Generate())
	if err != nil {
		return err
	}
	queries, err := usecase.NewQueryService(store, rewriter, retriever, synthesizer, usecase.QueryOptions{
		HistoryWindow: cfg.Conversation.HistoryWindow,
		DefaultK:      cfg.Retrieval.DefaultK,
		MaxK:          cfg.Retrieval.MaxK,
		MaxQueryRunes: cfg.Conversation.MaxQueryRunes,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	conversations, err := usecase.NewConversationService(store)
	if err != nil {
		return err
	}
	documents, err := ingest.NewService(dense, sparse, index, ingest.Options{
		UploadDir:         cfg.Ingest.UploadDir,
		SentencesPerChunk: cfg.Ingest.SentencesPerChunk,
		OverlapSentences:  cfg.Ingest.OverlapSentences,
		EmbedBatchSize:    cfg.Embedding.BatchSize,
		EmbedConcurrency:  int64(cfg.Embedding.Concurrency),
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	// ---- Transport ----
	router, err := server.New(queries, conversations, documents, server.Options{
		CORSOrigins: cfg.Server.CORSOrigins,
		BodyLimit:   cfg.Server.BodyLimit,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	if os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "" {
		h, err := handler.NewHandler(router, logger)
		if err != nil {
			return err
		}
		lambda.StartWithOptions(h.Handle, lambda.WithContext(ctx))
		return nil
	}

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr, "store", cfg.Store.Driver)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()
	logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}

// resolveKey returns the API key for an OpenAI-compatible endpoint: from the
// parameter store when a parameter is configured, otherwise from the
// environment.
func resolveKey(ctx context.Context, ssm *paramstore.Client, m config.ModelConfig) (string, error) {
	if m.APIKeyParam == "" {
		return keyOrPlaceholder(m.APIKey()), nil
	}
	c, err := openai.NewClient(m.Model, openai.WithParamStoreKey(ssm, m.APIKeyParam))
	if err != nil {
		return "", err
	}
	return c.APIKey(ctx)
}

// keyOrPlaceholder lets local servers such as Ollama, which ignore the key,
// run without one configured.
func keyOrPlaceholder(key string) string {
	if key == "" {
		return "unused"
	}
	return key
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
