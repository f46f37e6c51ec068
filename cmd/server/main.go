package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/hottake/studio/internal/auth"
	"github.com/hottake/studio/internal/client"
	"github.com/hottake/studio/internal/config"
	"github.com/hottake/studio/internal/handler"
	"github.com/hottake/studio/internal/jobstore"
	"github.com/hottake/studio/internal/logging"
	"github.com/hottake/studio/internal/middleware"
	"github.com/hottake/studio/internal/persona"
	"github.com/hottake/studio/internal/service"
	ws "github.com/hottake/studio/internal/websocket"
	"github.com/hottake/studio/internal/worker"
	"github.com/hottake/studio/pkg/response"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Server.LogLevel, cfg.Server.LogFormat)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Job storage
	backend, err := jobstore.ParseBackend(cfg.Storage.Backend)
	if err != nil {
		return err
	}
	jobs, err := jobstore.New(ctx, jobstore.Options{
		Backend:             backend,
		Workers:             cfg.Server.Workers,
		RedisURL:            cfg.Redis.URL,
		FirestoreProjectID:  cfg.Storage.FirestoreProjectID,
		FirestoreCollection: cfg.Storage.FirestoreCollection,
		SQLDriver:           cfg.Storage.SQLDriver,
		SQLDSN:              cfg.Storage.SQLDSN,
		Logger:              log,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize job storage: %w", err)
	}
	defer jobs.Close()

	// Personas
	personas, err := persona.NewStore(persona.Options{
		File:      cfg.Personas.File,
		BaseDir:   cfg.Personas.BaseDir,
		DefaultID: cfg.Personas.DefaultID,
		Logger:    log,
	})
	if err != nil {
		log.Warn("Persona registry could not be written", "error", err)
	}

	// Redis is optional outside asynq mode; it backs rate limiting when set.
	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Warn("Redis not available", "error", err)
		}
	}

	// External clients
	openaiClient := client.NewOpenAIClient(&cfg.OpenAI)
	elevenLabsClient := client.NewElevenLabsClient(&cfg.ElevenLabs)
	heygenClient := client.NewHeyGenClient(&cfg.HeyGen)

	artifacts, closeArtifacts, err := newArtifactStore(ctx, cfg, log)
	if err != nil {
		log.Warn("Artifact storage not initialized, keeping local files", "backend", cfg.Artifacts.Backend, "error", err)
	}
	defer closeArtifacts()

	collab := service.Collaborators{
		Transcriber: openaiClient,
		Generator:   openaiClient,
		Video:       heygenClient,
		Artifacts:   artifacts,
	}
	if elevenLabsClient.IsConfigured() {
		collab.Speech = elevenLabsClient
	}

	// Zitadel JWKS verifier (optional - falls back to legacy JWT)
	var verifier auth.TokenVerifier
	if cfg.Zitadel.Issuer != "" {
		jwksVerifier, err := auth.NewJWKSVerifier(cfg.Zitadel.Issuer, cfg.Zitadel.ClientID)
		if err != nil {
			log.Warn("JWKS verifier not initialized", "error", err)
		} else {
			defer jwksVerifier.Close()
			verifier = jwksVerifier
		}
	}
	authenticator := auth.NewAuthenticator(verifier, cfg.JWT.Secret)

	// Progress hub
	hub := ws.NewHub(log)
	go hub.Run(ctx)

	pipeline := service.NewPipeline(jobs, personas, collab, hub, service.PipelineConfig{
		OutputDir:    cfg.Files.OutputDir,
		PollInterval: cfg.HeyGen.PollInterval,
		MaxWait:      cfg.HeyGen.MaxWait,
		KeyPrefix:    cfg.Artifacts.KeyPrefix,
	}, log)
	cleanup := worker.NewCleanupWorker(jobs, cfg.Storage.CleanupMaxAgeHours, cfg.Storage.StaleAfter, log)

	// Dispatch
	var (
		dispatcher  service.Dispatcher
		stopWorkers func()
	)
	switch cfg.Worker.Mode {
	case "asynq":
		redisOpt, err := asynq.ParseRedisURI(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL for asynq: %w", err)
		}
		asynqClient := asynq.NewClient(redisOpt)
		defer asynqClient.Close()
		dispatcher = worker.NewAsynqDispatcher(asynqClient, log)

		srv := worker.NewServer(redisOpt, cfg.Worker.Concurrency, cfg.Server.LogLevel, log)
		mux := worker.NewServeMux(worker.NewPipelineWorker(pipeline, log), cleanup)
		if err := srv.Start(mux); err != nil {
			return fmt.Errorf("failed to start asynq worker: %w", err)
		}

		scheduler, err := worker.NewCleanupScheduler(redisOpt, cfg.Storage.CleanupInterval, cfg.Server.LogLevel, log)
		if err != nil {
			srv.Shutdown()
			return err
		}
		if err := scheduler.Start(); err != nil {
			srv.Shutdown()
			return fmt.Errorf("failed to start cleanup scheduler: %w", err)
		}

		stopWorkers = func() {
			scheduler.Shutdown()
			srv.Shutdown()
		}
		log.Info("Dispatching jobs through asynq", "concurrency", cfg.Worker.Concurrency)

	default:
		inline := worker.NewInlineDispatcher(pipeline, cfg.Worker.Concurrency, log)
		dispatcher = inline
		go cleanup.RunLoop(ctx, cfg.Storage.CleanupInterval)
		stopWorkers = func() { inline.Shutdown(30 * time.Second) }
		log.Info("Running jobs in-process", "concurrency", cfg.Worker.Concurrency)
	}

	jobService := service.NewJobService(jobs, personas, dispatcher, log)
	validate := validator.New()

	// API auth
	var apiAuth fiber.Handler
	if cfg.Gateway.Enabled {
		log.Info("Gateway mode enabled, using header-based auth")
		apiAuth = middleware.GatewayAuthMiddleware()
	} else {
		apiAuth = middleware.NewAuthMiddleware(authenticator).Authenticate()
	}
	rateLimiter := middleware.NewRateLimiter(redisClient, log)

	routes := &handler.Routes{
		Health: handler.NewHealthHandler(jobs, map[string]bool{
			"openai":     openaiClient.IsConfigured(),
			"elevenlabs": elevenLabsClient.IsConfigured(),
			"heygen":     heygenClient.IsConfigured(),
			"artifacts":  artifacts != nil,
			"auth":       authenticator.Configured(),
		}),
		Auth: handler.NewAuthHandler(authenticator),
		Jobs: handler.NewJobHandler(jobService, validate, handler.FileOptions{
			UploadDir:     cfg.Files.UploadDir,
			OutputDir:     cfg.Files.OutputDir,
			MaxUploadSize: cfg.Files.MaxUploadSize,
		}, cfg.Storage.CleanupMaxAgeHours, log),
		Personas:    handler.NewPersonaHandler(personas, validate),
		Progress:    handler.NewProgressHandler(jobService, hub),
		APIAuth:     apiAuth,
		SubmitLimit: rateLimiter.SubmitLimit(cfg.RateLimit.SubmitPerHour),
	}

	bodyLimit := int(cfg.Files.MaxUploadSize) + 1024*1024
	app := fiber.New(fiber.Config{
		ErrorHandler:          customErrorHandler,
		BodyLimit:             bodyLimit,
		DisableStartupMessage: true,
	})

	// Global middleware
	app.Use(recover.New())
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${reqHeaders}\n"
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PATCH,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	routes.Register(app)

	listenErr := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Server.Port
		log.Info("Server starting", "addr", addr, "job_storage", jobs.Backend(), "worker_mode", cfg.Worker.Mode)
		listenErr <- app.Listen(addr)
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down server...")
	case err := <-listenErr:
		stopWorkers()
		return fmt.Errorf("server error: %w", err)
	}

	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Error("Server shutdown error", "error", err)
	}
	stopWorkers()
	return nil
}

// newArtifactStore returns a nil store for the "none" backend so the
// pipeline keeps local files. The returned close func is never nil.
func newArtifactStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (service.ArtifactStore, func(), error) {
	noop := func() {}

	switch cfg.Artifacts.Backend {
	case "s3":
		s3Client, err := client.NewS3Client(ctx, &cfg.Artifacts.S3, log)
		if err != nil {
			return nil, noop, err
		}
		return s3Client, noop, nil

	case "nats":
		natsClient, err := client.NewNATSClient(cfg.Artifacts.NATS.URL, cfg.Artifacts.NATS.Bucket, cfg.Artifacts.NATS.PublicURL, log)
		if err != nil {
			return nil, noop, err
		}
		return natsClient, natsClient.Close, nil

	default:
		log.Info("Artifact storage not configured, keeping local files")
		return nil, noop, nil
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return response.Error(c, code, response.CodeServiceError, message, nil)
}
