package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/stemsplit/api/internal/chunk"
	"github.com/stemsplit/api/internal/client"
	"github.com/stemsplit/api/internal/config"
	"github.com/stemsplit/api/internal/handler"
	"github.com/stemsplit/api/internal/idgen"
	"github.com/stemsplit/api/internal/middleware"
	"github.com/stemsplit/api/internal/service"
	"github.com/stemsplit/api/internal/store"
	"github.com/stemsplit/api/internal/taskpool"
	"github.com/stemsplit/api/internal/worker"
	ws "github.com/stemsplit/api/internal/websocket"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Test Redis connection
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available: %v", err)
	}

	// Initialize Asynq client and inspector
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()
	asynqInspector := asynq.NewInspector(redisOpt)
	defer asynqInspector.Close()

	// Initialize validator
	validate := validator.New()

	// Initialize external clients
	audioClient := client.NewAudioClient(&cfg.Audio)
	separatorClient := client.NewSeparatorClient(&cfg.Separator)
	if !separatorClient.IsConfigured() {
		log.Println("Info: separator service not configured, workers will echo chunk audio as stems")
	}

	// Initialize storage: R2 when configured, local static directory otherwise
	var storage client.StorageClient
	var localStorage *client.LocalStorage
	if cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "" {
		r2Client, err := client.NewR2Client(&cfg.R2)
		if err != nil {
			log.Fatalf("Failed to initialize R2 client: %v", err)
		}
		storage = r2Client
	} else {
		log.Println("Info: R2 storage not configured, using local static storage")
		localStorage, err = client.NewLocalStorage(cfg.Storage.StaticDir, cfg.Storage.PublicURL)
		if err != nil {
			log.Fatalf("Failed to initialize local storage: %v", err)
		}
		storage = localStorage
	}

	// Sweep stale separation artifacts left over from a previous run
	if err := storage.DeletePrefix(ctx, service.ArtifactPrefix); err != nil {
		log.Printf("Warning: startup artifact sweep failed: %v", err)
	}

	// Initialize registries and services
	st := store.New()
	ids := idgen.NewAllocator()
	pool := taskpool.NewAsynqPool(asynqClient, asynqInspector, cfg.Split.Queue, cfg.Split.MaxRetry)
	splitter := chunk.NewSplitter(audioClient, cfg.Split.Format)
	reassembler := service.NewAudioReassembler(audioClient, storage, cfg.Split.Format)

	uploadService := service.NewUploadService(st, ids)
	splitService := service.NewSplitService(st, ids, pool, splitter, reassembler, storage, time.Duration(cfg.Split.TaskTimeout)*time.Second)
	jobService := service.NewJobService(st)

	// Initialize WebSocket hub
	hub := ws.NewHub(splitService)
	go hub.Run()

	// Initialize handlers
	musicHandler := handler.NewMusicHandler(uploadService, splitService, validate)
	jobHandler := handler.NewJobHandler(jobService)
	adminHandler := handler.NewAdminHandler(splitService)

	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    50 * 1024 * 1024, // 50MB
	})

	// Global middleware
	app.Use(recover.New())
	isDebug := strings.EqualFold(cfg.Server.LogLevel, "debug")
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if isDebug {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${reqHeaders}\n"
		log.Println("Debug logging enabled")
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept",
	}))

	// Base URL - timestamp
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"audio":     audioClient.IsConfigured(),
				"separator": separatorClient.IsConfigured(),
				"r2":        localStorage == nil,
				"redis":     redisClient.Ping(c.Context()).Err() == nil,
			},
		})
	})

	// Music routes
	app.Post("/music", rateLimiter.UploadLimit(cfg.RateLimit.UploadPerHour), musicHandler.Upload)
	app.Get("/music", musicHandler.List)
	app.Post("/music/:id", rateLimiter.SplitLimit(cfg.RateLimit.SplitPerHour), musicHandler.Dispatch)
	app.Get("/music/:id", musicHandler.Progress)

	// Job routes
	app.Get("/job", jobHandler.List)
	app.Get("/job/:id", jobHandler.Get)

	// Admin routes
	app.Post("/reset", adminHandler.Reset)

	// Serve locally stored artifacts
	if localStorage != nil {
		app.Static("/static", localStorage.BaseDir())
	}

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/music/:id", websocket.New(func(c *websocket.Conn) {
		submissionID, err := strconv.Atoi(c.Params("id"))
		if err != nil {
			c.Close()
			return
		}
		hub.HandleConnection(c, submissionID)
	}))

	// Start Asynq worker server
	go startWorkerServer(cfg, separatorClient)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func startWorkerServer(cfg *config.Config, separatorClient *client.SeparatorClient) {
	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		asynqLogLevel = asynq.DebugLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "warn") {
		asynqLogLevel = asynq.WarnLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "error") {
		asynqLogLevel = asynq.ErrorLevel
	}

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency: cfg.Split.Concurrency,
			Queues: map[string]int{
				cfg.Split.Queue: 10,
			},
			LogLevel: asynqLogLevel,
		},
	)

	separateWorker := worker.NewSeparateWorker(separatorClient, cfg.Split.Format)

	mux := asynq.NewServeMux()
	mux.HandleFunc(taskpool.TaskTypeSeparate, separateWorker.ProcessTask)

	if err := srv.Run(mux); err != nil {
		log.Printf("Asynq worker error: %v", err)
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
