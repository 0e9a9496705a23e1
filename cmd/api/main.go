package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/course-coach/backend/internal/api/handlers"
	"github.com/course-coach/backend/internal/cache/redis"
	"github.com/course-coach/backend/internal/expansion"
	"github.com/course-coach/backend/internal/ingestion"
	"github.com/course-coach/backend/internal/llm"
	"github.com/course-coach/backend/internal/metrics"
	"github.com/course-coach/backend/internal/middleware/ratelimit"
	"github.com/course-coach/backend/internal/middleware/security"
	"github.com/course-coach/backend/internal/normalizer"
	"github.com/course-coach/backend/internal/pipeline"
	"github.com/course-coach/backend/internal/registry"
	"github.com/course-coach/backend/internal/resolver"
	"github.com/course-coach/backend/internal/retrieval"
	"github.com/course-coach/backend/internal/storage/sqlite"
	"github.com/course-coach/backend/pkg/config"
	appLogger "github.com/course-coach/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting Course Coach API Server")

	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	err = sqliteClient.InitSchema()
	if err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			appLogger.Warn("Redis unavailable, running without answer cache", zap.Error(err))
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	llmClient := llm.NewClient(llm.Options{
		APIKey:         cfg.LLM.APIKey,
		Model:          cfg.LLM.Model,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		Temperature:    cfg.LLM.Temperature,
		MaxTokens:      cfg.LLM.MaxTokens,
		BatchSize:      cfg.LLM.BatchSize,
		TimeoutSec:     cfg.LLM.TimeoutSec,
	})

	reg := registry.New(sqliteClient)
	norm := normalizer.New(llmClient, time.Duration(cfg.Pipeline.NormalizerCacheSec)*time.Second)
	exp := expansion.New(llmClient, time.Duration(cfg.Pipeline.ExpansionCacheSec)*time.Second)
	res := resolver.New(reg)
	searcher := retrieval.NewSearcher(sqliteClient, llmClient, reg,
		cfg.Pipeline.RetrievalLimit,
		time.Duration(cfg.Pipeline.SemanticCacheSec)*time.Second,
	)
	if redisClient != nil {
		searcher = searcher.WithEmbeddingCache(redisClient)
	}

	pipe := pipeline.New(norm, exp, res, searcher, reg, llmClient, pipeline.Config{
		RetrievalLimit:   cfg.Pipeline.RetrievalLimit,
		MaxSecondaryRefs: cfg.Pipeline.MaxSecondaryRefs,
		AnswerMinWords:   cfg.Pipeline.AnswerMinWords,
		AnswerMaxWords:   cfg.Pipeline.AnswerMaxWords,
		AnswerCacheTTL:   time.Duration(cfg.Pipeline.AnswerCacheSec) * time.Second,
	}).WithRecorder(sqliteClient)
	if redisClient != nil {
		pipe = pipe.WithAnswerCache(redisClient)
	}

	processor := ingestion.NewProcessor(sqliteClient, llmClient, reg)
	if redisClient != nil {
		processor = processor.WithCache(redisClient)
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	limiter := ratelimit.New(ratelimit.Config{
		Logger: appLogger.GetLogger(),
	})
	defer limiter.Stop()

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		IsDevelopment: cfg.Logging.Level == "debug",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-User-ID",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))
	app.Use(limiter.Middleware())

	queryHandler := handlers.NewQueryHandler(pipe, sqliteClient)
	contentHandler := handlers.NewContentHandler(processor)
	wsHandler := handlers.NewWebSocketHandler(pipe)

	api := app.Group("/api/v1")

	api.Post("/query", queryHandler.HandleQuery)
	api.Get("/query/history", queryHandler.GetQueryHistory)
	api.Post("/feedback", queryHandler.HandleFeedback)

	api.Post("/content", contentHandler.IngestContainer)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/query", websocket.New(wsHandler.HandleConnection))

	app.Get("/metrics", metrics.MetricsHandler())

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	api.Get("/ready", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ready",
		})
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	app.Shutdown()
	appLogger.Info("Server stopped")
}
