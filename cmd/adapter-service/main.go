package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/cuongbtq/transform-adapter/internal/api/handler"
	"github.com/cuongbtq/transform-adapter/internal/api/router"
	"github.com/cuongbtq/transform-adapter/internal/callback"
	"github.com/cuongbtq/transform-adapter/internal/codec"
	"github.com/cuongbtq/transform-adapter/internal/config"
	"github.com/cuongbtq/transform-adapter/internal/fetcher"
	"github.com/cuongbtq/transform-adapter/internal/heartbeat"
	"github.com/cuongbtq/transform-adapter/internal/inbound"
	"github.com/cuongbtq/transform-adapter/internal/staging"
	"github.com/cuongbtq/transform-adapter/internal/transform"
	"github.com/cuongbtq/transform-adapter/internal/vault"
	"github.com/cuongbtq/transform-adapter/internal/worker"
	"github.com/cuongbtq/transform-adapter/internal/worker/storage"
	"github.com/cuongbtq/transform-adapter/shared/awsclient"
	"github.com/cuongbtq/transform-adapter/shared/logger"
	"github.com/cuongbtq/transform-adapter/shared/postgresql"
	"github.com/cuongbtq/transform-adapter/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("ADAPTER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/adapter-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAdapterConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	slog.SetDefault(appLogger.Logger)

	appLogger.Info("Starting transform adapter",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("worker_id", cfg.Worker.ID),
		slog.String("inbound", cfg.Inbound.Driver),
		slog.String("ledger", cfg.Ledger.Driver),
		slog.String("transform", cfg.Transform.Driver),
	)

	// Context for startup and for the in-flight job; canceled only when a
	// graceful stop runs out of time
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				appLogger.Warn("Failed to release resource", slog.Any("error", err))
			}
		}
	}()

	var awsClient *awsclient.Client
	if needsAWS(cfg) {
		awsClient, err = awsclient.NewClient(ctx, &awsclient.Config{
			Region:         cfg.AWS.Region,
			UseLocalstack:  cfg.AWS.UseLocalstack,
			LocalstackHost: cfg.AWS.LocalstackHost,
			Endpoint:       cfg.AWS.Endpoint,
		}, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize AWS clients: %w", err)
		}
	}

	ledger, closeLedger, err := initLedger(ctx, cfg, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize job ledger: %w", err)
	}
	closers = append(closers, closeLedger)

	source, err := initSource(cfg, awsClient, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize inbound channel: %w", err)
	}
	closers = append(closers, source.Close)

	key, err := cfg.DecryptionKey()
	if err != nil {
		return fmt.Errorf("invalid shared secret key: %w", err)
	}
	if key == nil {
		appLogger.Warn("No shared secret key configured, encrypted tokens will be rejected")
	}

	beat := heartbeat.New(cfg.Worker.HealthCheckPath)
	vaultSvc := vault.New(vault.Config{
		Key:             key,
		FallbackEnabled: cfg.Auth.FallbackAuthnEnabled,
		RefreshMargin:   cfg.Auth.TokenRefreshMargin,
		Retry:           cfg.Auth.Retry,
	}, appLogger.Logger)

	var objects fetcher.ObjectGetter
	if awsClient != nil {
		objects = awsClient.S3()
	}

	processor := worker.NewProcessor(worker.ProcessorConfig{
		WorkerID:        cfg.Worker.ID,
		Concurrency:     cfg.Worker.Concurrency,
		JobTimeout:      cfg.Worker.JobTimeout,
		CallbackTimeout: cfg.CallbackBudget(),
		WorkDir:         cfg.Worker.WorkDir,
		Fallback:        cfg.FallbackRequest(),
	}, worker.ProcessorDeps{
		Decoder: codec.New(vaultSvc, codec.Options{
			FallbackEnabled: cfg.Auth.FallbackAuthnEnabled,
			DefaultBucket:   cfg.Staging.Bucket,
			DefaultPrefix:   cfg.Staging.Path,
		}),
		Credentials: vaultSvc,
		Fetcher: fetcher.New(fetcher.Config{
			Retry:           cfg.Fetch.Retry,
			Timeout:         cfg.Fetch.Timeout,
			BreakerFailures: cfg.Fetch.BreakerFailures,
			BreakerCooldown: cfg.Fetch.BreakerCooldown,
			LocalHostname:   cfg.Fetch.LocalHostname,
			RefreshMargin:   cfg.Auth.TokenRefreshMargin,
		}, objects, appLogger.Logger),
		Invoker:  initInvoker(cfg, appLogger.Logger),
		Stager:   staging.NewManager(initStagingBackend(cfg, awsClient), staging.Config{Presign: cfg.Staging.Presign, PresignExpiry: cfg.Staging.PresignExpiry, Retry: cfg.Staging.Retry}, appLogger.Logger),
		Reporter: callback.New(initCallbackTransport(cfg), callback.Config{Path: cfg.Callback.Path, Timeout: cfg.Callback.Timeout, Retry: cfg.Callback.Retry}, beat, appLogger.Logger),
		Ledger:   ledger,
		Logger:   appLogger.Logger,
	})

	if cfg.IsLocal() {
		appLogger.Info("Local environment, callbacks and staging stay on disk",
			slog.String("callback_file", cfg.Callback.LocalFile),
			slog.String("staging_dir", cfg.Staging.LocalDir),
		)
	}

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:       appLogger.Logger,
		WorkerID:     cfg.Worker.ID,
		Source:       source,
		Handler:      processor,
		Heartbeat:    beat,
		PollInterval: cfg.Worker.PollInterval,
	})

	errChan := make(chan error, 2)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	var srv *http.Server
	if cfg.Server.Port != 0 {
		srv = initServer(cfg, ledger, beat, appLogger.Logger)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- fmt.Errorf("ops server failed: %w", err)
			}
		}()
		appLogger.Info("Ops server is running", slog.String("address", srv.Addr))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case runErr = <-errChan:
		appLogger.Error("Service error", slog.Any("error", runErr))
	}

	// Let the in-flight job finish; past the deadline it is interrupted and
	// its message requeued
	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-time.After(cfg.Worker.ShutdownTimeout):
		appLogger.Warn("Worker shutdown timeout exceeded, interrupting job")
		cancel()
		<-done
	}

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("Ops server forced to shutdown", slog.Any("error", err))
		}
	}

	appLogger.Info("Transform adapter shutdown complete")
	return runErr
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

func needsAWS(cfg *config.Config) bool {
	return !cfg.IsLocal() || cfg.Inbound.Driver == config.InboundSQS || cfg.AWS.UseLocalstack
}

func initLedger(ctx context.Context, cfg *config.Config, log *slog.Logger) (storage.Ledger, func() error, error) {
	if cfg.Ledger.Driver != config.LedgerPostgres {
		log.Warn("Using in-memory job ledger, redelivered jobs are only deduplicated until restart")
		return storage.NewMemoryLedger(), func() error { return nil }, nil
	}

	dbClient, err := postgresql.NewClient(ctx, &postgresql.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}, log)
	if err != nil {
		return nil, nil, err
	}
	if err := dbClient.HealthCheck(ctx); err != nil {
		dbClient.Close()
		return nil, nil, err
	}

	ledger := storage.NewStorage(dbClient.GetDB(), log)
	if err := ledger.EnsureSchema(ctx); err != nil {
		dbClient.Close()
		return nil, nil, err
	}
	return ledger, dbClient.Close, nil
}

func initSource(cfg *config.Config, awsClient *awsclient.Client, log *slog.Logger) (inbound.Source, error) {
	switch cfg.Inbound.Driver {
	case config.InboundSQS:
		return inbound.NewSQSSource(awsClient.SQS(), inbound.SQSConfig{
			QueueURL:           cfg.SQS.QueueURL,
			DeadLetterQueueURL: cfg.SQS.DeadLetterQueueURL,
			WaitTime:           cfg.SQS.WaitTime,
			VisibilityTimeout:  cfg.SQS.VisibilityTimeout,
		}, log), nil
	default:
		client, err := initRabbitMQ(&cfg.RabbitMQ, log)
		if err != nil {
			return nil, err
		}
		return inbound.NewRabbitMQSource(client, log), nil
	}
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(rabbitConfig(cfg), logger)
}

func rabbitConfig(cfg *config.RabbitMQConfig) *rabbitmq.Config {
	return &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		DeadLetterExchange: cfg.DeadLetterExchange,
		ConsumerTimeout:    cfg.Queue.ConsumerTimeout,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}
}

func initInvoker(cfg *config.Config, log *slog.Logger) transform.Invoker {
	if cfg.Transform.Driver == config.TransformEcho {
		return transform.NewEchoInvoker(log)
	}
	return transform.NewCommandInvoker(transform.CommandConfig{
		Command: cfg.Transform.Command,
		Args:    cfg.Transform.Args,
		Timeout: cfg.Transform.Timeout,
	}, log)
}

func initStagingBackend(cfg *config.Config, awsClient *awsclient.Client) staging.Backend {
	if cfg.IsLocal() {
		return staging.NewLocalBackend(cfg.Staging.LocalDir)
	}
	return staging.NewS3Backend(awsClient.S3(), awsClient.Presigner())
}

func initCallbackTransport(cfg *config.Config) callback.Transport {
	if cfg.IsLocal() {
		return callback.NewLocalTransport(cfg.Callback.LocalFile)
	}
	return callback.NewHTTPTransport(&http.Client{Timeout: cfg.Callback.Timeout})
}

// initServer builds the ops HTTP server
func initServer(cfg *config.Config, ledger storage.Ledger, beat *heartbeat.Heartbeat, log *slog.Logger) *http.Server {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	r := router.SetupRouter(&handler.Dependencies{
		Logger:          log,
		Ledger:          ledger,
		Heartbeat:       beat,
		WorkerID:        cfg.Worker.ID,
		Service:         cfg.App.Name,
		MaxHeartbeatAge: cfg.Worker.HeartbeatMaxAge,
	})

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}
