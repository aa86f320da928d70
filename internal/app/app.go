package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Edwinexd/vival/internal/config"
	"github.com/Edwinexd/vival/internal/delivery/httpd"
	"github.com/Edwinexd/vival/internal/observability"
	"github.com/Edwinexd/vival/internal/repository"
	"github.com/Edwinexd/vival/internal/semaphore"
	"github.com/Edwinexd/vival/internal/service"
	"github.com/Edwinexd/vival/internal/service/integration"
	"github.com/Edwinexd/vival/internal/worker"
	"github.com/Edwinexd/vival/internal/worker/queue"
)

const (
	requestTimeout = 60 * time.Second
	statsInterval  = time.Minute
)

type App struct {
	server          *http.Server
	logger          zerolog.Logger
	config          *config.Config
	store           *repository.PostgresRepository
	redis           *redis.Client
	broker          *queue.Broker
	pool            *worker.WorkerPool
	gradingWorker   worker.GradingWorker
	completion      service.CompletionService
	shutdownTracing func(context.Context) error
}

func New(ctx context.Context, cfg *config.Config, log zerolog.Logger, db *sql.DB) (*App, error) {
	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}

	store := repository.NewPostgresRepository(db, log)

	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.Timeout,
		ReadTimeout:  cfg.Redis.Timeout,
		WriteTimeout: cfg.Redis.Timeout,
	})

	sem := semaphore.New(redisClient, cfg.Redis.KeyPrefix, log)
	reviewGate := semaphore.NewGate(sem, semaphore.NamespaceReview, cfg.Review.LeaseTTL)
	seminarGate := semaphore.NewGate(sem, semaphore.NamespaceSeminar, cfg.Seminar.LeaseTTL)

	llmClient := integration.NewLLMClient(cfg.LLM, log)
	voiceClient := integration.NewVoiceClient(cfg.Voice, log)
	verifier := integration.NewWebhookVerifier(cfg.Voice.WebhookSecret, cfg.Voice.WebhookTolerance)

	recordings, err := integration.NewMinIORecordingStorage(cfg.Storage, log)
	if err != nil {
		// Exams still run without storage; recordings are simply not archived.
		log.Error().Err(err).Msg("Failed to create recording storage")
		recordings = nil
	}

	submissionRepo := repository.NewSubmissionRepository(db, log)
	slotRepo := repository.NewSlotRepository(db, log)
	sessionRepo := repository.NewSessionRepository(db, log)
	reviewRepo := repository.NewReviewRepository(db, log)
	gradeRepo := repository.NewGradeRepository(db, log)

	gradingService := service.NewGradingService(
		sessionRepo,
		reviewRepo,
		gradeRepo,
		llmClient,
		voiceClient,
		log,
		service.GradingConfig{
			OutlierSpread: cfg.Grading.OutlierSpread,
			MaxTokens:     cfg.LLM.GradingMaxTokens,
			StaleAfter:    cfg.Grading.StaleAfter,
		},
	)

	pool := worker.NewWorkerPool(cfg.Worker.MaxWorkers, log)

	var (
		dispatcher    service.GradingDispatcher
		gradingWorker worker.GradingWorker
	)
	broker, err := queue.Dial(cfg.RabbitMQ, log)
	if err == nil {
		if err = broker.Setup(); err != nil {
			broker.Close()
			broker = nil
		}
	}
	if err != nil {
		log.Error().Err(err).Msg("RabbitMQ unavailable, grading runs in process")
		dispatcher = worker.NewLocalDispatcher(pool, gradingService, log)
	} else {
		publisher := queue.NewRabbitMQPublisher(broker.Channel(), log)
		consumer := queue.NewRabbitMQConsumer(
			broker.Channel(),
			cfg.RabbitMQ.QueueName,
			cfg.RabbitMQ.ConsumerTag,
			cfg.RabbitMQ.PrefetchCount,
			log,
		)
		dispatcher = worker.NewQueueDispatcher(publisher, cfg.RabbitMQ.Exchange, cfg.RabbitMQ.RoutingKey, log)
		gradingWorker = worker.NewGradingWorker(pool, consumer, gradingService, log)
	}

	reviewService := service.NewReviewService(
		submissionRepo,
		reviewRepo,
		reviewGate,
		llmClient,
		log,
		service.ReviewConfig{
			MaxConcurrent: cfg.Review.MaxConcurrent,
			MaxTokens:     cfg.LLM.ReviewMaxTokens,
		},
	)
	completionService := service.NewCompletionService(
		sessionRepo,
		seminarGate,
		voiceClient,
		recordings,
		dispatcher,
		log,
		service.CompletionConfig{
			MaxDuration:          cfg.Seminar.MaxDuration,
			StaleGrace:           cfg.Seminar.StaleGrace,
			MinCompletedDuration: cfg.Seminar.MinCompletedDuration,
			RecordingPrefix:      cfg.Seminar.RecordingPrefix,
			RecordingURLExpiry:   cfg.Storage.URLExpiry,
		},
	)
	seminarService := service.NewSeminarService(
		submissionRepo,
		slotRepo,
		sessionRepo,
		reviewRepo,
		seminarGate,
		voiceClient,
		completionService,
		log,
		service.SeminarConfig{MaxDuration: cfg.Seminar.MaxDuration},
	)

	checks := map[string]httpd.HealthCheck{
		"database": store.Ping,
		"redis": func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		},
	}
	if broker != nil {
		checks["rabbitmq"] = func(context.Context) error {
			if !broker.Healthy() {
				return errors.New("connection closed")
			}
			return nil
		}
	}
	if recordings != nil {
		checks["storage"] = recordings.Ping
	}

	handler := httpd.NewHandler(
		reviewService,
		seminarService,
		completionService,
		gradingService,
		verifier,
		checks,
		log,
	)

	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(httpd.RequestLogger(log))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(requestTimeout))

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		ExposedHeaders:   cfg.CORS.ExposedHeaders,
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           cfg.CORS.MaxAge,
	}))

	handler.RegisterRoutes(router)

	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return &App{
		server:          server,
		logger:          log,
		config:          cfg,
		store:           store,
		redis:           redisClient,
		broker:          broker,
		pool:            pool,
		gradingWorker:   gradingWorker,
		completion:      completionService,
		shutdownTracing: shutdownTracing,
	}, nil
}

// Run serves the HTTP API and, when the broker is reachable, consumes
// grading requests in the same process.
func (a *App) Run(ctx context.Context) error {
	a.pool.Start()

	if a.gradingWorker != nil {
		if err := a.gradingWorker.Start(ctx); err != nil {
			return err
		}
	}

	a.logger.Info().Msgf("Starting seminar service on %s", a.config.Server.Address)
	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// RunWorker only consumes grading requests. It blocks until ctx is done.
func (a *App) RunWorker(ctx context.Context) error {
	if a.gradingWorker == nil {
		return errors.New("grading worker requires RabbitMQ")
	}

	a.pool.Start()
	if err := a.gradingWorker.Start(ctx); err != nil {
		return err
	}

	a.logger.Info().Int("max_workers", a.config.Worker.MaxWorkers).Msg("Grading worker running")

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stats := a.gradingWorker.Stats()
			a.logger.Info().
				Int("active_workers", stats.ActiveWorkers).
				Int("queue_length", stats.QueueLength).
				Int("pool_backlog", stats.PoolBacklog).
				Int("total_processed", stats.TotalProcessed).
				Int("failed_jobs", stats.FailedJobs).
				Msg("Grading worker stats")
		}
	}
}

func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info().Msg("Shutting down seminar service...")

	err := a.server.Shutdown(ctx)

	if a.gradingWorker != nil {
		a.gradingWorker.Stop()
	}

	captured := make(chan struct{})
	go func() {
		a.completion.Wait()
		close(captured)
	}()
	select {
	case <-captured:
	case <-ctx.Done():
		a.logger.Warn().Msg("Recording capture still running at shutdown")
	}

	a.pool.Stop()

	if a.broker != nil {
		if err := a.broker.Close(); err != nil {
			a.logger.Error().Err(err).Msg("Failed to close RabbitMQ connection")
		}
	}

	if err := a.redis.Close(); err != nil {
		a.logger.Error().Err(err).Msg("Failed to close Redis client")
	}

	if err := a.store.Close(); err != nil {
		a.logger.Error().Err(err).Msg("Failed to close database connection")
	}

	if err := a.shutdownTracing(ctx); err != nil {
		a.logger.Error().Err(err).Msg("Failed to flush traces")
	}

	return err
}
