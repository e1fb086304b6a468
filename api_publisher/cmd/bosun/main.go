package main

import (
	"context"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"frameworks/api_publisher/internal/accounts"
	pubconfig "frameworks/api_publisher/internal/config"
	"frameworks/api_publisher/internal/events"
	"frameworks/api_publisher/internal/handlers"
	"frameworks/api_publisher/internal/platform"
	"frameworks/api_publisher/internal/publisher"
	"frameworks/api_publisher/internal/queue"
	"frameworks/api_publisher/internal/retry"
	"frameworks/api_publisher/internal/scheduler"
	"frameworks/api_publisher/internal/store"
	"frameworks/pkg/auth"
	"frameworks/pkg/clients"
	"frameworks/pkg/config"
	fieldcrypt "frameworks/pkg/crypto"
	"frameworks/pkg/database"
	schemasql "frameworks/pkg/database/sql"
	"frameworks/pkg/email"
	"frameworks/pkg/kafka"
	"frameworks/pkg/logging"
	"frameworks/pkg/monitoring"
	redispkg "frameworks/pkg/redis"
	"frameworks/pkg/server"
	"frameworks/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("bosun")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Bosun (Scheduled Social Publisher)")

	cfg := pubconfig.LoadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// === Database Connection ===
	dbConfig := database.DefaultConfig()
	dbConfig.URL = cfg.DatabaseURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	applied, err := database.ApplySchema(ctx, db, schemasql.Content, "schema")
	if err != nil {
		logger.WithError(err).Fatal("Failed to apply database schema")
	}
	logger.WithField("files", applied).Debug("Database schema applied")

	var enc *fieldcrypt.FieldEncryptor
	if cfg.FieldEncryptionKey != "" {
		enc, err = fieldcrypt.DeriveFieldEncryptor([]byte(cfg.FieldEncryptionKey), "bosun-social-tokens")
		if err != nil {
			logger.WithError(err).Fatal("Failed to derive field encryptor")
		}
	} else {
		logger.Warn("FIELD_ENCRYPTION_KEY not set; social tokens are stored unencrypted")
	}
	postStore := store.NewStore(db, enc)

	// === Redis ===
	redisClient, err := redispkg.NewClientFromURL(ctx, cfg.RedisURL)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redisClient.Close()

	// === Monitoring ===
	healthChecker := monitoring.NewHealthChecker("bosun", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("bosun", version.Version, version.GitCommit)
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(redisClient))

	publishMetrics := &publisher.Metrics{
		PlatformAttempts: metricsCollector.NewCounter("platform_publish_attempts_total", "Platform publish attempts", []string{"platform", "result"}),
		PlatformDuration: metricsCollector.NewHistogram("platform_publish_duration_seconds", "Platform publish duration", []string{"platform"}, nil),
		Runs:             metricsCollector.NewCounter("publish_runs_total", "Completed publish runs", []string{"status"}),
		RunDuration:      metricsCollector.NewHistogram("publish_run_duration_seconds", "Publish run duration", []string{"status"}, nil),
		Skipped:          metricsCollector.NewCounter("publish_runs_skipped_total", "Publish runs skipped for post state", []string{"mode"}),
	}
	apiMetrics := &handlers.APIMetrics{
		PostActions: metricsCollector.NewCounter("post_actions_total", "Post API actions", []string{"action", "result"}),
		JobActions:  metricsCollector.NewCounter("job_actions_total", "Job API actions", []string{"action", "result"}),
	}
	queueGauge := metricsCollector.NewGauge("queue_jobs", "Jobs per queue and state", []string{"queue", "state"})

	// === Kafka ===
	var (
		producer *kafka.KafkaProducer
		consumer *kafka.Consumer
	)
	if len(cfg.KafkaBrokers) > 0 {
		producer, err = kafka.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaClientID, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create Kafka producer")
		}
		defer producer.Close()
		healthChecker.AddCheck("kafka", monitoring.KafkaHealthCheck(producer.GetClient()))
	} else {
		logger.Warn("KAFKA_BROKERS not set; publish events and post sync disabled")
	}

	// === Queues ===
	postQueue := queue.New(redisClient, pubconfig.PostQueueName, cfg.PostQueue, logger)
	syncQueue := queue.New(redisClient, pubconfig.SyncQueueName, cfg.SyncQueue, logger)
	queues := queue.NewManager(logger, queueGauge, postQueue, syncQueue)

	// === Platforms ===
	httpClient := clients.NewHTTPClient(cfg.Platforms.HTTPTimeout)
	httpOptions := func(name string) platform.HTTPOptions {
		execCfg := clients.DefaultHTTPExecutorConfig(name)
		execCfg.MaxRetries = cfg.Platforms.HTTPMaxRetries
		execCfg.CircuitBreaker = true
		execCfg.Logger = logger
		return platform.HTTPOptions{Client: httpClient, Executor: clients.NewHTTPExecutor(execCfg), Logger: logger}
	}
	registry := platform.NewRegistry(
		platform.NewTwitter(platform.TwitterConfig{
			APIBaseURL:    cfg.Platforms.TwitterAPIURL,
			UploadBaseURL: cfg.Platforms.TwitterUploadURL,
			ClientID:      cfg.Platforms.TwitterClientID,
			ClientSecret:  cfg.Platforms.TwitterClientSecret,
			HTTP:          httpOptions("twitter"),
		}),
		platform.NewInstagram(platform.InstagramConfig{
			GraphBaseURL:   cfg.Platforms.InstagramGraphURL,
			RefreshBaseURL: cfg.Platforms.InstagramRefreshURL,
			HTTP:           httpOptions("instagram"),
		}),
		platform.NewLinkedIn(platform.LinkedInConfig{
			APIBaseURL:   cfg.Platforms.LinkedInAPIURL,
			TokenURL:     cfg.Platforms.LinkedInTokenURL,
			ClientID:     cfg.Platforms.LinkedInClientID,
			ClientSecret: cfg.Platforms.LinkedInClientSecret,
			HTTP:         httpOptions("linkedin"),
		}),
	)

	// === Notifications ===
	notifiers := retry.MultiNotifier{retry.LogNotifier{Logger: logger}}
	if cfg.SMTP.Enabled() && len(cfg.AdminEmails) > 0 {
		notifiers = append(notifiers, retry.EmailNotifier{Sender: email.NewSender(cfg.SMTP), Recipients: cfg.AdminEmails})
	}
	var eventSink publisher.EventSink
	if producer != nil {
		busProducer := events.NewProducer(producer)
		notifiers = append(notifiers, busProducer)
		eventSink = busProducer
	}

	// === Core ===
	orchestrator := publisher.New(
		postStore,
		registry,
		redispkg.NewLocker(redisClient, "bosun:publish:"),
		eventSink,
		publishMetrics,
		publisher.Options{LockTTL: cfg.PublishLockTTL, PlatformTimeout: cfg.PlatformTimeout},
		logger,
	)
	retryHandler := retry.NewHandler(cfg.Policy, postStore, postQueue, retry.NewRedisGuard(redisClient, cfg.NotifyGuardTTL), notifiers, logger)
	sched := scheduler.New(postStore, postQueue, orchestrator, retryHandler, scheduler.Config{
		MaxAttempts: cfg.MaxAttempts,
		SweepBatch:  cfg.SweepBatch,
	}, logger)
	refresher := accounts.NewRefresher(postStore, registry, syncQueue, accounts.Config{
		Window:   cfg.TokenRefreshWindow,
		Interval: cfg.TokenRefreshInterval,
	}, logger)

	// === Background Workers ===
	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				logger.WithError(err).WithField("worker", name).Error("Worker stopped")
			}
		}()
	}
	run(pubconfig.PostQueueName, func(ctx context.Context) error { return postQueue.Process(ctx, sched.HandleJob) })
	run(pubconfig.SyncQueueName, func(ctx context.Context) error { return syncQueue.Process(ctx, refresher.HandleJob) })
	run("sweep", func(ctx context.Context) error {
		scheduler.NewWorker(sched, cfg.SweepInterval, logger).Start(ctx)
		return nil
	})
	run("token-refresh", func(ctx context.Context) error {
		refresher.Start(ctx)
		return nil
	})
	run("queue-monitor", func(ctx context.Context) error {
		queues.Monitor(ctx, cfg.MonitorInterval)
		return nil
	})

	if producer != nil {
		consumer, err = kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID, cfg.KafkaClientID, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create Kafka consumer")
		}
		defer consumer.Close()
		consumer.AddHandler(events.TopicPostSync, events.NewSyncHandler(sched, logger).Handle)
		consumer.SetDeadLetter(events.DeadLetter(producer))
		run("post-sync", consumer.Start)
	}

	// === HTTP Server ===
	router := server.SetupServiceRouter(logger, "bosun", healthChecker, metricsCollector)
	api := router.Group("/api/v1", auth.JWTAuthMiddleware([]byte(cfg.JWTSecret), auth.WithServiceToken(cfg.ServiceToken)))
	registerRoutes(api, queues, sched, logger, apiMetrics)

	serverConfig := server.DefaultConfig("bosun", cfg.Port)
	if err := server.Start(ctx, serverConfig, router, logger); err != nil {
		logger.WithError(err).Error("Server stopped with error")
	}

	stop()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("Bosun stopped")
	case <-time.After(30 * time.Second):
		logger.Warn("Timed out waiting for workers to stop")
	}
}

func registerRoutes(api *gin.RouterGroup, queues *queue.Manager, sched *scheduler.Scheduler, logger logging.Logger, metrics *handlers.APIMetrics) {
	handlers.NewJobsHandler(queues, logger, metrics).Register(api)
	handlers.NewPostsHandler(sched, logger, metrics).Register(api)
}
