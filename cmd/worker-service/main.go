package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/cuongbtq/dispatch-worker/internal/channel"
	"github.com/cuongbtq/dispatch-worker/internal/cluster"
	"github.com/cuongbtq/dispatch-worker/internal/config"
	"github.com/cuongbtq/dispatch-worker/internal/credential"
	"github.com/cuongbtq/dispatch-worker/internal/enrichment"
	"github.com/cuongbtq/dispatch-worker/internal/events"
	"github.com/cuongbtq/dispatch-worker/internal/provider"
	"github.com/cuongbtq/dispatch-worker/internal/status"
	"github.com/cuongbtq/dispatch-worker/internal/worker"
	"github.com/cuongbtq/dispatch-worker/internal/worker/domain"
	"github.com/cuongbtq/dispatch-worker/internal/worker/storage"
	"github.com/cuongbtq/dispatch-worker/shared/logger"
	"github.com/cuongbtq/dispatch-worker/shared/postgresql"
	"github.com/cuongbtq/dispatch-worker/shared/rabbitmq"
	"github.com/cuongbtq/dispatch-worker/shared/redis"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type options struct {
	configPath string
	index      int
	loggerRole bool
}

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}

	opts := &options{}
	rootCmd := &cobra.Command{
		Use:           "worker-service",
		Short:         "Campaign dispatch worker",
		Long:          "Claims campaign jobs from the queue and sends their messages at the job's rate. With --logger it finalizes completed jobs instead.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	rootCmd.Flags().StringVar(&opts.configPath, "config", defaultConfigPath, "Path to configuration file")
	rootCmd.Flags().IntVar(&opts.index, "index", 0, "Worker index, used in the worker identity")
	rootCmd.Flags().BoolVar(&opts.loggerRole, "logger", false, "Run as the logger role that finalizes completed jobs")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		log.Fatal(err)
	}
}

func run(ctx context.Context, opts *options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	role := domain.RoleSender
	if opts.loggerRole {
		role = domain.RoleLogger
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("role", role),
		slog.Int("index", opts.index),
	)

	dbClient, err := initPostgreSQL(&cfg.Database, fmt.Sprintf("%s-%d", cfg.App.Name, opts.index), appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	queue := storage.NewStorage(dbClient.GetDB(), appLogger.Logger)

	checks := map[string]status.HealthChecker{
		"postgres": dbClient,
	}

	registry, err := initChannels(cfg, queue, dbClient, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize channels: %w", err)
	}

	var resolver cluster.Resolver
	switch cfg.Cluster.Mode {
	case cluster.ModeRedis:
		redisClient, err := initRedis(&cfg.Redis, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize redis: %w", err)
		}
		defer redisClient.Close()
		checks["redis"] = redisClient

		resolver = cluster.NewRegistry(redisClient.GetClient(), cluster.RedisConfig{
			Key:               cfg.Cluster.Key,
			IdentityBase:      cfg.Cluster.IdentityBase,
			Index:             opts.index,
			HeartbeatInterval: cfg.Cluster.HeartbeatInterval,
			TTL:               cfg.Cluster.TTL,
		}, appLogger.Logger)
	default:
		resolver = cluster.NewStatic(cfg.Worker.FallbackIdentity, opts.index)
	}

	var enricher worker.Enricher
	if cfg.Enrichment.Enabled && role == domain.RoleSender {
		enricher = enrichment.NewClient(enrichment.Config{
			URL:          cfg.Enrichment.URL,
			Timeout:      cfg.Enrichment.Timeout,
			FailureRatio: cfg.Enrichment.FailureRatio,
			MinRequests:  cfg.Enrichment.MinRequests,
			Interval:     cfg.Enrichment.Interval,
			OpenTimeout:  cfg.Enrichment.OpenTimeout,
		}, appLogger.Logger)
	}

	var broker events.Broker
	if cfg.RabbitMQ.Enabled && role == domain.RoleLogger {
		rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()
		checks["rabbitmq"] = rabbitClient
		broker = rabbitClient
	}

	workerInstance := worker.New(&worker.Config{
		Logger:          appLogger.Logger,
		Queue:           queue,
		Channels:        registry,
		Resolver:        resolver,
		Enricher:        enricher,
		OnEnrichFailure: cfg.Enrichment.OnFailure,
		Publisher:       events.NewPublisher(broker, appLogger.Logger),
		Role:            role,
		Index:           opts.index,
		Policy: worker.Policy{
			PollInterval:           cfg.Worker.PollInterval,
			BatchWindow:            cfg.Worker.BatchWindow,
			AdoptionBackoffMin:     cfg.Worker.AdoptionBackoffMin,
			AdoptionBackoffMax:     cfg.Worker.AdoptionBackoffMax,
			MaxConsecutiveFailures: cfg.Worker.MaxConsecutiveFailures,
		},
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errChan := make(chan error, 2)

	if cfg.Status.Enabled {
		statusServer := status.NewServer(cfg.Status.Port, &status.Dependencies{
			Logger:  appLogger.Logger,
			Service: cfg.App.Name,
			Worker:  workerInstance,
			Checks:  checks,
		})
		go func() {
			if err := statusServer.Start(ctx); err != nil {
				errChan <- fmt.Errorf("status server: %w", err)
			}
		}()
	}

	go func() {
		errChan <- workerInstance.Run(ctx)
	}()

	appLogger.Info("Worker service started successfully")

	var runErr error
	select {
	case <-ctx.Done():
		appLogger.Info("Received signal, shutting down gracefully")
		runErr = waitForWorker(errChan, 30*time.Second, appLogger.Logger)
	case err := <-errChan:
		runErr = err
	}

	cancel()

	if runErr != nil {
		appLogger.Error("Worker stopped with error",
			slog.Any("error", runErr),
		)
		return runErr
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// waitForWorker waits for the loop to notice cancellation
func waitForWorker(errChan <-chan error, timeout time.Duration, logger *slog.Logger) error {
	select {
	case err := <-errChan:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	case <-time.After(timeout):
		logger.Warn("Worker shutdown timeout exceeded, forcing exit")
		return nil
	}
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

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, appName string, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		ApplicationName: appName,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRedis initializes the Redis client used for worker presence
func initRedis(cfg *config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	return redis.NewClient(&redis.Config{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
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
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initChannels builds the channel lookup table for the configured channels
func initChannels(cfg *config.Config, queue *storage.Storage, db *postgresql.Client, logger *slog.Logger) (*channel.Registry, error) {
	var services []channel.Service

	if slices.Contains(cfg.Worker.Channels, domain.ChannelEmail.String()) {
		sender, err := provider.NewSMTPSender(provider.SMTPOptions{
			Host:     cfg.Email.Host,
			Port:     cfg.Email.Port,
			Username: cfg.Email.User,
			Password: cfg.Email.Password,
			From:     cfg.Email.From,
			Timeout:  cfg.Email.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("email: %w", err)
		}
		services = append(services, channel.NewEmail(queue, sender, logger))
	}

	if slices.Contains(cfg.Worker.Channels, domain.ChannelSMS.String()) {
		credentials, err := credential.NewProvider(db.GetDB(), cfg.Credentials.MasterKey, logger)
		if err != nil {
			return nil, fmt.Errorf("sms credentials: %w", err)
		}

		factory, err := provider.NewSMSFactory(provider.SMSOptions{
			Provider:      cfg.SMS.Provider,
			TwilioBaseURL: cfg.SMS.TwilioBaseURL,
			GatewayURL:    cfg.SMS.GatewayURL,
			Timeout:       cfg.SMS.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("sms: %w", err)
		}

		services = append(services, channel.NewSMS(&channel.SMSConfig{
			Queue:             queue,
			Credentials:       credentials,
			NewSender:         factory,
			DefaultCredential: cfg.Credentials.DefaultSMS,
			Logger:            logger,
		}))
	}

	return channel.NewRegistry(services...), nil
}
