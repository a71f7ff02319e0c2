package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/iago/inbox-triage-back/internal/ai"
	"github.com/iago/inbox-triage-back/internal/auth"
	"github.com/iago/inbox-triage-back/internal/batch"
	"github.com/iago/inbox-triage-back/internal/cache"
	"github.com/iago/inbox-triage-back/internal/config"
	httpserver "github.com/iago/inbox-triage-back/internal/http"
	"github.com/iago/inbox-triage-back/internal/http/handlers"
	"github.com/iago/inbox-triage-back/internal/mail"
	"github.com/iago/inbox-triage-back/internal/prompt"
	"github.com/iago/inbox-triage-back/internal/queue"
	"github.com/iago/inbox-triage-back/internal/repository"
	"github.com/iago/inbox-triage-back/internal/service"
	"github.com/iago/inbox-triage-back/internal/telemetry"
	ws "github.com/iago/inbox-triage-back/internal/websocket"
	"github.com/iago/inbox-triage-back/internal/worker"
)

func main() {
	logger := log.New(os.Stdout, "[inbox-triage] ", log.LstdFlags|log.LUTC|log.Lmicroseconds)
	if err := config.LoadDotEnv(".env", ".env.local"); err != nil {
		logger.Printf("failed loading .env files: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("failed loading configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, repoCloser := setupRepository(ctx, cfg, logger)
	defer repoCloser()

	producer, consumer, queueCloser := setupQueue(ctx, cfg, logger)
	defer queueCloser()

	source, login := setupMailSource(cfg, logger)

	monitor := setupMonitor(cfg, logger)
	defer func() {
		if err := monitor.Close(); err != nil {
			logger.Printf("telemetry close failed: %v", err)
		}
	}()

	tracker := service.NewStatusTracker(ctx, service.StatusTrackerConfig{
		Store:  repo,
		Logger: logger,
	})
	refreshService := service.NewRefreshService(service.RefreshServiceConfig{
		Tracker:    tracker,
		Repo:       repo,
		Producer:   producer,
		WindowDays: cfg.MailWindowDays,
		Logger:     logger,
	})

	hub := ws.NewHub(0, logger)
	updates, unsubscribe := refreshService.Subscribe()
	defer unsubscribe()
	go hub.Run(ctx, updates)

	if cfg.WorkerEnabled {
		processor := worker.NewProcessor(worker.ProcessorConfig{
			Consumer:  consumer,
			Source:    source,
			Extractor: setupCoordinator(cfg, logger),
			Store:     repo,
			Tracker:   tracker,
			Monitor:   monitor,
			Logger:    logger,
		})
		go processor.Start(ctx)
		logger.Printf("worker enabled and started")
	} else {
		logger.Printf("worker disabled by configuration")
	}

	apiConfig := handlers.APIConfig{
		Refresh:    refreshService,
		Source:     source,
		Hub:        hub,
		WindowDays: cfg.MailWindowDays,
		Logger:     logger,
	}
	if login != nil {
		apiConfig.Auth = login
	}
	api := handlers.NewAPI(apiConfig)

	handler := httpserver.NewRouter(httpserver.RouterDependencies{
		API:            api,
		Logger:         logger,
		AuthToken:      cfg.AuthToken,
		CORSOrigins:    cfg.CORSAllowedOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	// WriteTimeout stays zero: the status stream holds its connection open.
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Printf("api listening on :%s mail_source=%s", cfg.Port, source.Name())
		errChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Printf("shutdown signal received")
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("server failed: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
}

func setupRepository(
	ctx context.Context,
	cfg config.Config,
	logger *log.Logger,
) (repository.EmailsRepository, func()) {
	switch cfg.StoreBackend {
	case "postgres":
		if cfg.DatabaseURL == "" {
			logger.Printf("DATABASE_URL not configured, using file repository")
			break
		}
		pgRepo, err := repository.NewPostgresRepository(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Printf("failed to initialize postgres repository, fallback to file: %v", err)
			break
		}
		logger.Printf("postgres repository initialized")
		return pgRepo, pgRepo.Close
	case "sqlite":
		sqliteRepo, err := repository.NewSQLiteRepository(cfg.SQLitePath)
		if err != nil {
			logger.Printf("failed to initialize sqlite repository, fallback to file: %v", err)
			break
		}
		logger.Printf("sqlite repository initialized path=%s", cfg.SQLitePath)
		return sqliteRepo, func() {
			_ = sqliteRepo.Close()
		}
	case "memory":
		logger.Printf("using in-memory repository")
		return repository.NewMemoryRepository(), func() {}
	}

	fileRepo, err := repository.NewFileRepository(cfg.DataDir)
	if err != nil {
		logger.Printf("failed to initialize file repository, fallback to memory: %v", err)
		return repository.NewMemoryRepository(), func() {}
	}
	logger.Printf("file repository initialized dir=%s", cfg.DataDir)
	return fileRepo, func() {}
}

func setupQueue(
	ctx context.Context,
	cfg config.Config,
	logger *log.Logger,
) (queue.Producer, queue.Consumer, func()) {
	if cfg.RedisAddr == "" {
		logger.Printf("REDIS_ADDR not configured, using local queue")
		local := queue.NewLocalQueue(queue.LocalQueueConfig{Logger: logger})
		return local, local, func() {}
	}

	streams, err := queue.NewStreamsQueue(ctx, queue.StreamsConfig{
		Addr:        cfg.RedisAddr,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		Stream:      cfg.RedisStream,
		DLQStream:   cfg.RedisDLQ,
		Group:       cfg.RedisGroup,
		Consumer:    cfg.RedisConsumer,
		MaxAttempts: 1,
	})
	if err != nil {
		logger.Printf("failed to initialize redis streams queue, fallback to local: %v", err)
		local := queue.NewLocalQueue(queue.LocalQueueConfig{Logger: logger})
		return local, local, func() {}
	}
	logger.Printf("redis streams queue initialized stream=%s", cfg.RedisStream)
	return streams, streams, func() {
		_ = streams.Close()
	}
}

func setupMailSource(cfg config.Config, logger *log.Logger) (mail.Source, *auth.DeviceAuthenticator) {
	switch cfg.MailProvider {
	case auth.ProviderGraph, auth.ProviderGmail:
		login, err := setupDeviceLogin(cfg, logger)
		if err != nil {
			logger.Printf("failed to initialize %s sign-in, using fixture source: %v", cfg.MailProvider, err)
			return mail.NewFixtureSource(), nil
		}
		if cfg.MailProvider == auth.ProviderGmail {
			return mail.NewGmailSource(mail.GmailSourceConfig{
				PageSize: cfg.MailPageSize,
				Tokens:   login,
				Logger:   logger,
			}), login
		}
		return mail.NewGraphSource(mail.GraphSourceConfig{
			BaseURL:  cfg.GraphBaseURL,
			PageSize: cfg.MailPageSize,
			Tokens:   login,
			Logger:   logger,
		}), login
	case "imap":
		port, err := strconv.Atoi(cfg.IMAPPort)
		if err != nil {
			logger.Printf("invalid IMAP_PORT %q, using 993", cfg.IMAPPort)
			port = 993
		}
		return mail.NewIMAPSource(mail.IMAPSourceConfig{
			Host:     cfg.IMAPHost,
			Port:     port,
			Username: cfg.IMAPUsername,
			Password: cfg.IMAPPassword,
			TLS:      cfg.IMAPTLS,
			PageSize: cfg.MailPageSize,
			Logger:   logger,
		}), nil
	case "fixture":
		return mail.NewFixtureSource(), nil
	default:
		logger.Printf("unknown MAIL_PROVIDER %q, using fixture source", cfg.MailProvider)
		return mail.NewFixtureSource(), nil
	}
}

func setupDeviceLogin(cfg config.Config, logger *log.Logger) (*auth.DeviceAuthenticator, error) {
	var store auth.TokenStore
	keyringStore, err := auth.NewKeyringTokenStore(auth.KeyringConfig{
		ServiceName:  cfg.TokenKeyringService,
		Key:          cfg.MailProvider,
		FileDir:      cfg.TokenKeyringDir,
		FilePassword: cfg.AuthToken,
	})
	if err != nil {
		logger.Printf("keyring unavailable, tokens kept in memory: %v", err)
		store = auth.NewMemoryTokenStore()
	} else {
		store = keyringStore
	}

	deviceConfig := auth.DeviceConfig{
		Provider: cfg.MailProvider,
		ClientID: cfg.GraphClientID,
		TenantID: cfg.GraphTenantID,
		Store:    store,
		Logger:   logger,
	}
	if cfg.MailProvider == auth.ProviderGmail {
		deviceConfig.ClientID = cfg.GmailClientID
		deviceConfig.ClientSecret = cfg.GmailClientSecret
	}
	return auth.NewDeviceAuthenticator(deviceConfig)
}

// extractionRouter names models in the namespace of the configured backend.
// OpenRouter ids carry a vendor prefix that the Gemini batch API rejects.
func extractionRouter(cfg config.Config) *ai.ModelRouter {
	if cfg.BatchBackend == "inline" {
		return ai.NewModelRouter(ai.ModelRouterConfig{
			ExtractionPrimary:  cfg.OpenRouterModel,
			ExtractionFallback: cfg.OpenRouterFallback,
		})
	}
	return ai.NewModelRouter(ai.ModelRouterConfig{
		ExtractionPrimary:  cfg.GeminiModelPrimary,
		ExtractionFallback: cfg.GeminiModelFallback,
	})
}

func setupCoordinator(cfg config.Config, logger *log.Logger) *batch.Coordinator {
	var (
		provider ai.BatchProvider
		router   *ai.ModelRouter
	)
	router = extractionRouter(cfg)
	switch cfg.BatchBackend {
	case "inline":
		client := ai.NewOpenRouterClient(ai.OpenRouterClientConfig{
			APIKey:     cfg.OpenRouterAPIKey,
			BaseURL:    cfg.OpenRouterBaseURL,
			Timeout:    time.Duration(cfg.OpenRouterTimeoutMS) * time.Millisecond,
			MaxRetries: cfg.OpenRouterMaxRetries,
			SiteURL:    cfg.OpenRouterSiteURL,
			AppName:    cfg.OpenRouterAppName,
		})
		provider = ai.NewInlineBatchProvider(ai.InlineBatchProviderConfig{
			Generator: client,
			Profile:   router.Select(ai.TaskExtraction),
			Logger:    logger,
		})
		logger.Printf("inline batch backend via openrouter model=%s", cfg.OpenRouterModel)
	default:
		provider = ai.NewGeminiBatchClient(ai.GeminiBatchClientConfig{
			APIKey:     cfg.GeminiAPIKey,
			BaseURL:    cfg.GeminiBaseURL,
			Timeout:    time.Duration(cfg.GeminiTimeoutMS) * time.Millisecond,
			MaxRetries: cfg.GeminiMaxRetries,
		})
		logger.Printf("gemini batch backend model=%s", cfg.GeminiModelPrimary)
	}

	return batch.NewCoordinator(batch.Config{
		Provider: provider,
		Router:   router,
		Builder: prompt.NewBuilder(prompt.Config{
			PromptsDir:      cfg.PromptsDir,
			MaxContentChars: cfg.PromptMaxBodyChars,
			RedactPII:       cfg.PromptRedactPII,
		}),
		Cache: cache.NewExtractionCache(cache.Config{
			TTL:        time.Duration(cfg.ExtractionCacheTTLSec) * time.Second,
			MaxEntries: cfg.ExtractionCacheSize,
		}),
		PollInterval: time.Duration(cfg.BatchPollIntervalMS) * time.Millisecond,
		MaxWait:      time.Duration(cfg.BatchMaxWaitSeconds) * time.Second,
		TempDir:      os.TempDir(),
		Logger:       logger,
	})
}

func setupMonitor(cfg config.Config, logger *log.Logger) telemetry.Monitor {
	if cfg.PosthogAPIKey == "" {
		return telemetry.NoopMonitor{}
	}
	monitor, err := telemetry.NewPosthogMonitor(telemetry.PosthogConfig{
		APIKey:   cfg.PosthogAPIKey,
		Endpoint: cfg.PosthogEndpoint,
	})
	if err != nil {
		logger.Printf("failed to initialize posthog, telemetry disabled: %v", err)
		return telemetry.NoopMonitor{}
	}
	logger.Printf("posthog telemetry enabled")
	return monitor
}
