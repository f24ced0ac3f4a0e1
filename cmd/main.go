package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	_ "message-relay/docs"
	"message-relay/internal/api"
	"message-relay/internal/config"
	"message-relay/internal/consumer"
	"message-relay/internal/logging"
	"message-relay/internal/messaging"
	"message-relay/internal/metrics"
	"message-relay/internal/publisher"
	"message-relay/internal/shutdown"
	"message-relay/internal/storage"
)

// @title Message Relay API
// @version 1.0
// @description Accepts text messages, relays them through RabbitMQ and persists them asynchronously.
// @host localhost:8080
// @BasePath /
// @schemes http
func main() {
	var cfgPath string

	rootCmd := &cobra.Command{
		Use:           "relay",
		Short:         "Message relay service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to a YAML config file (environment only when empty)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, publisher and consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			serve(cfg, logging.New(cfg.Log.Level, cfg.Log.Format))
			return nil
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the message table if it does not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			logger := logging.New(cfg.Log.Level, cfg.Log.Format)

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			store, err := storage.Open(ctx, cfg.Database.Driver, cfg.Database.URL, 1)
			if err != nil {
				return err
			}
			defer store.Close()
			logger.Info().Str("driver", cfg.Database.Driver).Msg("schema ready")
			return nil
		},
	}

	rootCmd.AddCommand(serveCmd, migrateCmd)
	if err := rootCmd.Execute(); err != nil {
		errLogger := logging.New("error", "console")
		errLogger.Error().Err(err).Msg("relay failed")
		os.Exit(1)
	}
}

func serve(cfg *config.Config, logger zerolog.Logger) {
	// Init Metrics
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Init Store
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init store")
	}
	logger.Info().Str("driver", cfg.Database.Driver).Msg("store connected")

	// Init RabbitMQ
	rabbit, err := messaging.NewRabbitClient(cfg.RabbitMQ.URL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
	}
	if err := rabbit.DeclareTopic(cfg.Stream.Topic, cfg.Stream.Group); err != nil {
		logger.Fatal().Err(err).Msg("failed to declare topology")
	}
	logger.Info().Msg("RabbitMQ connected")

	// Init Publisher
	producer, err := rabbit.NewProducer()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open producer")
	}
	pub := publisher.New(producer, publisher.Options{
		Topic:       cfg.Stream.Topic,
		QueueSize:   cfg.Publisher.QueueSize,
		SendTimeout: cfg.Publisher.SendTimeout,
	}, logger)

	// Start supervised consumer loop
	sup := consumer.NewSupervisor(func() (*consumer.Loop, error) {
		client, err := rabbit.NewConsumer(cfg.Stream.Prefetch)
		if err != nil {
			return nil, err
		}
		return consumer.NewLoop(client, store, consumer.Options{
			Topic:         cfg.Stream.Topic,
			Group:         cfg.Stream.Group,
			PollTimeout:   cfg.Stream.PollTimeout,
			AppendTimeout: cfg.Database.AppendTimeout,
		}, logger)
	}, consumer.SupervisorOptions{
		MinBackoff: cfg.Supervisor.MinBackoff,
		MaxBackoff: cfg.Supervisor.MaxBackoff,
	}, logger)
	// stopped by the shutdown coordinator, not by the signal
	go sup.Run(context.Background())

	// Start background loop for updating queue depth metrics
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				rabbit.UpdateQueueDepth(cfg.Stream.Topic, cfg.Stream.Group)
			case <-ctx.Done():
				return
			}
		}
	}()

	// Init API
	apiHandler := api.NewAPI(pub, store, map[string]api.HealthCheck{
		"store":  store.Ping,
		"broker": func(context.Context) error { return rabbit.Ping() },
	}, logger)
	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      apiHandler.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTP.Addr).Msg("starting API server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done() // Wait for interrupt signal
	logger.Info().Msg("shutdown initiated")

	// Shutdown sequence: nothing is closed while something upstream may still use it
	coord := shutdown.NewCoordinator(cfg.Shutdown.StepTimeout, logger)
	coord.Add("http", server.Shutdown)
	coord.Add("consumer", sup.Stop)
	coord.Add("publisher", pub.Close)
	coord.Add("store", func(context.Context) error { return store.Close() })
	coord.Add("broker", func(context.Context) error { return rabbit.Close() })

	if err := coord.Run(context.Background()); err != nil {
		logger.Warn().Err(err).Msg("shutdown finished with errors")
		return
	}
	logger.Info().Msg("graceful shutdown complete")
}

// openStore connects the configured backend, fronted by the Redis latest
// cache when one is configured. A cache that cannot be reached is skipped.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (storage.Backend, error) {
	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	backend, err := storage.Open(openCtx, cfg.Database.Driver, cfg.Database.URL, cfg.Database.MaxOpenConns)
	if err != nil {
		return nil, err
	}
	if cfg.Redis.URL == "" {
		return backend, nil
	}

	cached, err := storage.NewCachedStore(openCtx, backend, cfg.Redis.URL, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, serving latest message from the store")
		return backend, nil
	}
	logger.Info().Msg("latest message cache enabled")
	return cached, nil
}
