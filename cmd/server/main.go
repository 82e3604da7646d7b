// Coursecraft - conversational course authoring server
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/coursecraft/internal/api"
	"github.com/ashureev/coursecraft/internal/config"
	"github.com/ashureev/coursecraft/internal/identity"
	"github.com/ashureev/coursecraft/internal/llm"
	"github.com/ashureev/coursecraft/internal/materialize"
	"github.com/ashureev/coursecraft/internal/middleware"
	"github.com/ashureev/coursecraft/internal/notify"
	"github.com/ashureev/coursecraft/internal/orchestrator"
	"github.com/ashureev/coursecraft/internal/store"
	"github.com/ashureev/coursecraft/internal/sweeper"
	"github.com/ashureev/coursecraft/internal/syncer"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	if err := newRootCmd(logger).ExecuteContext(context.Background()); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd(logger *slog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "coursecraft",
		Short:         "Conversational course authoring server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), logger)
		},
	}
	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), logger)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Run one auto-save and idle-timeout pass, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return sweepOnce(cmd.Context())
		},
	})
	return root
}

func openStore(cfg *config.Config) (*store.SQLStore, error) {
	var (
		repo *store.SQLStore
		err  error
	)
	if cfg.DB.Driver == store.DriverPostgres {
		repo, err = store.Open(store.DriverPostgres, cfg.DB.DSN)
	} else {
		repo, err = store.NewSQLite(cfg.DB.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	slog.Info("Database connected", "driver", cfg.DB.Driver)
	return repo, nil
}

// newGenerator builds the model backend. The returned func releases it.
func newGenerator(cfg *config.Config, logger *slog.Logger) (llm.Generator, func(), error) {
	if cfg.Model.Provider == "grpc" {
		g, err := llm.NewGRPCGenerator(llm.DefaultGRPCConfig(cfg.Model.GeneratorAddr), logger)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("Connected to generator service", "address", cfg.Model.GeneratorAddr)
		return g, g.Close, nil
	}
	g, err := llm.NewOpenAIGenerator(llm.OpenAIConfig{
		APIKey:  cfg.Model.APIKey,
		Model:   cfg.Model.Model,
		BaseURL: cfg.Model.BaseURL,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	return g, func() {}, nil
}

func serve(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	repo, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	gen, closeGen, err := newGenerator(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize model backend: %w", err)
	}
	defer closeGen()

	transcript, err := orchestrator.NewTranscriptLogger(orchestrator.TranscriptConfig{
		Enabled:   cfg.Transcript.Enabled,
		Dir:       cfg.Transcript.Dir,
		QueueSize: cfg.Transcript.QueueSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize transcript logger: %w", err)
	}
	defer func() {
		if closeErr := transcript.Close(); closeErr != nil {
			slog.Error("Failed to close transcript logger", "error", closeErr)
		}
	}()

	opts := []orchestrator.Option{orchestrator.WithTranscript(transcript), orchestrator.WithLogger(logger)}
	if cfg.Materialize.URL != "" {
		opts = append(opts, orchestrator.WithMaterializer(
			materialize.NewClient(cfg.Materialize.URL, materialize.WithToken(cfg.Materialize.Token))))
	} else {
		slog.Info("Materialization disabled (MATERIALIZE_URL not set)")
	}
	orch := orchestrator.New(repo, gen, orchestrator.Config{
		ModelTimeout:          cfg.Model.Timeout,
		Temperature:           cfg.Model.Temperature,
		MaxTokens:             cfg.Model.MaxTokens,
		JSONMode:              cfg.Model.JSONMode,
		CostPer1KTokens:       cfg.Model.CostPer1KTokens,
		MaxExtractionFailures: cfg.Model.MaxExtractFails,
	}, opts...)

	origins := cfg.AllowedOrigins()
	hub := notify.NewHub(origins...)
	coordinator := syncer.NewCoordinator(repo, hub, syncer.ParsePolicy(cfg.SyncPolicy))

	limiter := middleware.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	defer limiter.Stop()

	baseHandler := api.NewHandler(orch, coordinator)
	sessionHandler := api.NewSessionHandler(baseHandler, limiter.Middleware)
	healthHandler := api.NewHealthHandler(repo)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(origins))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	healthHandler.RegisterHealth(r)
	sessionHandler.RegisterRoutes(r)
	r.Get("/ws/notifications", hub.ServeHTTP)

	// No WriteTimeout: model turns and websocket pushes outlive it.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	autoSaver := sweeper.NewAutoSaver(repo, sweeper.AutoSaveConfig{
		Interval:  cfg.AutoSave.Interval,
		Grace:     cfg.AutoSave.Grace,
		BatchSize: cfg.AutoSave.BatchSize,
	})
	go autoSaver.Start(ctx)
	monitor := sweeper.NewTimeoutMonitor(repo, hub, sweeper.TimeoutConfig{
		Interval:  cfg.Timeout.Interval,
		WarnAfter: cfg.Timeout.WarnAfter,
		HardAfter: cfg.Timeout.HardAfter,
		BatchSize: cfg.Timeout.BatchSize,
	})
	go monitor.Start(ctx)
	slog.Info("Background workers started",
		"autosave_interval", cfg.AutoSave.Interval,
		"timeout_warn_after", cfg.Timeout.WarnAfter,
		"timeout_hard_after", cfg.Timeout.HardAfter,
	)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	// Flush edits made since the last tick.
	saved, failed := autoSaver.RunOnce(shutdownCtx)
	slog.Info("Server stopped successfully", "final_checkpoints", saved, "final_checkpoint_failures", failed)
	return nil
}

func sweepOnce(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	repo, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = repo.Close() }()

	saved, failed := sweeper.NewAutoSaver(repo, sweeper.AutoSaveConfig{
		Grace:     cfg.AutoSave.Grace,
		BatchSize: cfg.AutoSave.BatchSize,
	}).RunOnce(ctx)
	warned, abandoned := sweeper.NewTimeoutMonitor(repo, nil, sweeper.TimeoutConfig{
		WarnAfter: cfg.Timeout.WarnAfter,
		HardAfter: cfg.Timeout.HardAfter,
		BatchSize: cfg.Timeout.BatchSize,
	}).RunOnce(ctx)

	slog.Info("Sweep complete",
		"checkpoints_saved", saved,
		"checkpoint_failures", failed,
		"sessions_warned", warned,
		"sessions_abandoned", abandoned,
	)
	return nil
}
