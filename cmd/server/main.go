package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kitstream/backend/internal/config"
	"kitstream/backend/internal/logging"
	"kitstream/backend/internal/pubsub"
	"kitstream/backend/internal/server"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "kitstream-server",
		Short:         "Live measurement ingest and subscription server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("KITSTREAM_CONFIG"), "path to a YAML config file")

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := pubsub.NewMetrics(registry)

	dispatcher := pubsub.NewDispatcher(
		pubsub.DispatcherConfig{
			Shards:          cfg.Dispatcher.Shards,
			QueueSize:       cfg.Dispatcher.QueueSize,
			DeliveryTimeout: cfg.Dispatcher.DeliveryTimeout,
		},
		pubsub.WithDispatcherLogger(logger),
		pubsub.WithDispatcherMetrics(metrics),
	)
	engine := pubsub.NewEngine(dispatcher, pubsub.WithLogger(logger), pubsub.WithMetrics(metrics))

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	verifier, err := server.NewTokenVerifier(cfg.Auth)
	if err != nil {
		return fmt.Errorf("create token verifier: %w", err)
	}
	if verifier == nil {
		logger.Warn("jwt verification disabled, every websocket client is anonymous (set JWT_SECRET or JWT_PUBLIC_KEY_FILE)")
	}

	api := server.NewAPI(
		engine,
		store,
		cfg.Ingest.APIKey,
		server.WithLogger(logger),
		server.WithTokenVerifier(verifier),
		server.WithMetricsHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})),
		server.WithIngestLimits(cfg.Ingest.MaxBodyBytes, cfg.Ingest.MaxBatch, cfg.Ingest.RateLimit, cfg.Ingest.RateWindow),
		server.WithConnectLimit(cfg.WebSocket.ConnectLimit, cfg.WebSocket.ConnectWindow, cfg.Server.TrustProxyHeaders),
		server.WithAllowedOrigin(cfg.Server.CORSAllowOrigin),
		server.WithSessionConfig(server.SessionConfig{
			PingInterval:    cfg.WebSocket.PingInterval,
			PongTimeout:     cfg.WebSocket.PongTimeout,
			WriteTimeout:    cfg.Dispatcher.DeliveryTimeout,
			MaxMessageBytes: cfg.WebSocket.MaxMessageBytes,
		}),
	)

	janitor := server.NewKitJanitor(engine, server.KitJanitorConfig{
		IdleTimeout:   cfg.Kits.IdleTimeout,
		SweepInterval: cfg.Kits.SweepInterval,
	}, logger)

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           withCORS(cfg.Server.CORSAllowOrigin, api.Handler()),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("kitstream listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		return janitor.Run(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		return errors.Join(
			httpServer.Shutdown(shutdownCtx),
			api.Close(shutdownCtx),
			dispatcher.Close(shutdownCtx),
		)
	})

	return group.Wait()
}

// kitDirectory is what the seeding step needs from either store.
type kitDirectory interface {
	server.Store
	addKit(ctx context.Context, serial string, public bool) error
	addMember(ctx context.Context, serial string, username string) error
}

type postgresDirectory struct{ *server.PostgresStore }

func (directory postgresDirectory) addKit(ctx context.Context, serial string, public bool) error {
	return directory.UpsertKit(ctx, serial, public)
}

func (directory postgresDirectory) addMember(ctx context.Context, serial string, username string) error {
	return directory.AddMember(ctx, serial, username)
}

type memoryDirectory struct{ *server.MemoryStore }

func (directory memoryDirectory) addKit(_ context.Context, serial string, public bool) error {
	directory.AddKit(serial, public)
	return nil
}

func (directory memoryDirectory) addMember(_ context.Context, serial string, username string) error {
	return directory.AddMember(serial, username)
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (server.Store, error) {
	setupCtx, cancelSetup := context.WithTimeout(ctx, 10*time.Second)
	defer cancelSetup()

	var directory kitDirectory
	if cfg.Database.URL != "" {
		store, err := server.NewPostgresStore(setupCtx, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("create postgres store: %w", err)
		}
		directory = postgresDirectory{store}
		logger.Info("kit directory backed by postgres")
	} else {
		directory = memoryDirectory{server.NewMemoryStore()}
		logger.Info("kit directory in memory (set DATABASE_URL for postgres)")
	}

	if err := seedKits(setupCtx, directory, cfg.Kits); err != nil {
		directory.Close()
		return nil, err
	}
	return directory, nil
}

func seedKits(ctx context.Context, directory kitDirectory, kits config.KitsConfig) error {
	for _, serial := range kits.Public {
		if err := directory.addKit(ctx, serial, true); err != nil {
			return fmt.Errorf("seed kit %s: %w", serial, err)
		}
	}
	for _, member := range kits.Members {
		if err := directory.addKit(ctx, member.Kit, false); err != nil {
			return fmt.Errorf("seed kit %s: %w", member.Kit, err)
		}
		if err := directory.addMember(ctx, member.Kit, member.Username); err != nil {
			return fmt.Errorf("seed member %s of %s: %w", member.Username, member.Kit, err)
		}
	}
	return nil
}

func withCORS(allowedOrigin string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(response http.ResponseWriter, request *http.Request) {
		response.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
		response.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		response.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type,X-API-Key")

		if request.Method == http.MethodOptions {
			response.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(response, request)
	})
}
