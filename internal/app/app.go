package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/markdave123-py/docbot/internal/config"
	"github.com/markdave123-py/docbot/internal/core"
	db "github.com/markdave123-py/docbot/internal/core/database"
	"github.com/markdave123-py/docbot/internal/core/ingestion_engine"
	"github.com/markdave123-py/docbot/internal/core/llm"
	objectclient "github.com/markdave123-py/docbot/internal/core/object-client"
	"github.com/markdave123-py/docbot/internal/core/queue"
	"github.com/markdave123-py/docbot/internal/core/ratelimit"
	"github.com/markdave123-py/docbot/internal/core/retrieval"
	"github.com/markdave123-py/docbot/internal/services"
	"github.com/markdave123-py/docbot/pkg/logger"
)

var log = logger.NewLogger("app")

type App struct {
	DBClient     core.DbClient
	ObjectClient core.ObjectClient
	Dispatcher   queue.Dispatcher
	DocProcessor ingestion_engine.Ingestor
	Server       *Server

	amqpConn *amqp.Connection
	redis    *redis.Client
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	appCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	a := &App{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	dbClient, err := db.NewClient(appCtx, cfg)
	if err != nil {
		return nil, err
	}
	a.DBClient = dbClient
	log.Info("database initialized and ready", "driver", cfg.DBDriver)

	objClient, err := newObjectClient(appCtx, cfg)
	if err != nil {
		return nil, err
	}
	a.ObjectClient = objClient
	log.Info("object client initialized and ready")

	embedder, llmProvider, err := newAI(appCtx, cfg)
	if err != nil {
		return nil, err
	}

	documentExtractor := ingestion_engine.NewDocumentExtractor(false)
	ingCfg := &ingestion_engine.IngestConfig{
		TargetTokens:     cfg.ChunkTargetTokens,
		OverlapTokens:    cfg.ChunkOverlapTokens,
		BatchSize:        cfg.EmbedBatchSize,
		EmbedConcurrency: cfg.EmbedConcurrency,
		EmbedDim:         cfg.EmbedDim,
		ExtractTimeout:   cfg.ExtractTimeout,
		ProcessTimeout:   cfg.ProcessTimeout,
	}
	docIngestor := ingestion_engine.NewDocumentIngestor(dbClient, objClient, embedder, documentExtractor, ingCfg)
	a.DocProcessor = docIngestor

	signer, err := queue.NewSigner(cfg.SigningKey, cfg.NextSigningKey, cfg.SignatureTTL)
	if err != nil {
		return nil, err
	}
	if err := a.newDispatcher(appCtx, cfg, signer, docIngestor); err != nil {
		return nil, err
	}
	log.Info("dispatcher ready", "mode", cfg.DispatchMode)

	limiter, redisClient := ratelimit.New(appCtx, cfg.RedisAddr, cfg.RedisPassword, "docbot:download",
		cfg.DownloadRateLimit, cfg.DownloadRateWindow)
	a.redis = redisClient

	files := services.NewFileService(dbClient, objClient, a.Dispatcher, limiter, services.FileServiceConfig{
		MaxFileSize:   cfg.MaxFileSize,
		SizeTolerance: cfg.SizeTolerance,
		UploadURLTTL:  cfg.UploadURLTTL,
		CallbackURL:   cfg.CallbackURL(),
	})
	bots := services.NewChatbotService(dbClient, cfg.GenModel)
	retriever := retrieval.NewRetriever(dbClient, embedder, retrieval.Options{
		TopK:          cfg.RetrievalTopK,
		MinSimilarity: cfg.MinSimilarity,
	})
	chat := services.NewChatService(dbClient, retriever, llmProvider, services.ChatServiceConfig{
		TopK:            cfg.RetrievalTopK,
		HistoryTurns:    cfg.HistoryTurns,
		MaxMessageChars: cfg.MaxMessageChars,
	})

	a.Server = NewServer(cfg, Deps{
		Files:      files,
		Chatbots:   bots,
		Chat:       chat,
		Dispatcher: a.Dispatcher,
		Ingestor:   docIngestor,
	})
	ok = true
	return a, nil
}

// newObjectClient keeps objects in memory for the memory database driver so
// a single process can run without any external service.
func newObjectClient(ctx context.Context, cfg *config.Config) (core.ObjectClient, error) {
	if cfg.DBDriver == "memory" {
		return objectclient.NewMemoryClient(), nil
	}
	return objectclient.NewS3Client(ctx, cfg)
}

func newAI(ctx context.Context, cfg *config.Config) (core.EmbeddingProvider, core.LLMProvider, error) {
	switch cfg.AIProvider {
	case "gemini":
		embedder, err := llm.NewGeminiEmbedder(ctx, cfg.AIAPIKey, cfg.EmbedModel, cfg.EmbedDim)
		if err != nil {
			return nil, nil, fmt.Errorf("couldn't initialize the embedder, %w", err)
		}
		gen, err := llm.NewGeminiLLM(ctx, cfg.AIAPIKey, cfg.GenModel)
		if err != nil {
			return nil, nil, fmt.Errorf("couldn't initialize the llm, %w", err)
		}
		return embedder, gen, nil
	case "openai":
		p, err := llm.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.EmbedModel, cfg.GenModel, cfg.EmbedDim)
		if err != nil {
			return nil, nil, fmt.Errorf("couldn't initialize openai, %w", err)
		}
		return p, p, nil
	}
	return nil, nil, fmt.Errorf("unknown AI_PROVIDER %q", cfg.AIProvider)
}

func (a *App) newDispatcher(ctx context.Context, cfg *config.Config, signer *queue.Signer, ing ingestion_engine.Ingestor) error {
	switch cfg.DispatchMode {
	case "local":
		d, err := queue.NewLocalDispatcher(cfg.LocalWorkers, cfg.LocalBacklog, signer, func(ctx context.Context, payload []byte) error {
			job, err := ingestion_engine.DecodeJob(payload)
			if err != nil {
				return err
			}
			_, err = ing.ProcessOne(ctx, job)
			return err
		})
		if err != nil {
			return err
		}
		a.Dispatcher = d
		return nil
	case "queue":
		conn, err := queue.Dial(ctx, cfg.RabbitURL)
		if err != nil {
			return err
		}
		a.amqpConn = conn
		d, err := queue.NewRabbitDispatcher(conn, signer, cfg.IngestQueue, cfg.IngestDeadLetter)
		if err != nil {
			return err
		}
		a.Dispatcher = d
		return nil
	}
	return errors.New("DISPATCH_MODE must be queue or local")
}

// Close releases resources in reverse order of creation.
func (a *App) Close() {
	if a.Dispatcher != nil {
		if err := a.Dispatcher.Close(); err != nil {
			log.Warn("dispatcher close failed", "error", err)
		}
	}
	if a.amqpConn != nil {
		_ = a.amqpConn.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.DBClient != nil {
		_ = a.DBClient.Close()
	}
}
