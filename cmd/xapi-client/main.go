package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/xapi-client/internal/config"
	"github.com/rickgao/xapi-client/internal/coordinator"
	"github.com/rickgao/xapi-client/internal/database"
	"github.com/rickgao/xapi-client/internal/metrics"
	"github.com/rickgao/xapi-client/internal/version"
	"github.com/rickgao/xapi-client/internal/writer"
)

func main() {
	configPath := flag.String("config", "configs/xapi-client.local.yaml", "path to config file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "invalid -log-level %q\n", *logLevel)
		os.Exit(2)
	}

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	logger.Info("starting xapi-client",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"account_id", cfg.Account.ID,
		"account_type", cfg.Account.Type,
		"host", cfg.API.Host,
		"safe_mode", cfg.API.SafeMode,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("xapi-client failed", "error", err)
		os.Exit(1)
	}
	logger.Info("xapi-client stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	// Create context with cancellation
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metrics.Register(nil)

	var (
		pool    *pgxpool.Pool
		journal *writer.PositionWriter
		opts    []coordinator.Option
	)

	// Position journal
	if cfg.Database.Enabled {
		logger.Info("connecting to database",
			"host", cfg.Database.Host,
			"port", cfg.Database.Port,
			"database", cfg.Database.Name,
		)

		var err error
		pool, err = database.Connect(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()

		if err := writer.EnsureSchema(ctx, pool); err != nil {
			return err
		}

		journal = writer.NewPositionWriter(writer.WriterConfig{
			BatchSize:     cfg.Writer.BatchSize,
			FlushInterval: cfg.Writer.FlushInterval,
			BufferSize:    cfg.Writer.BufferSize,
		}, pool, logger)
		if err := journal.Start(ctx); err != nil {
			return fmt.Errorf("start position writer: %w", err)
		}
		opts = append(opts, coordinator.WithJournal(journal))
		logger.Info("database connected")
	}

	coord := coordinator.New(cfg.Coordinator(), logger, opts...)
	coord.OnReady(func() {
		logger.Info("session ready", "coordinator", coord.ID().String())
	}, "main")
	coord.OnConnectionChange(func(connected bool) {
		logger.Info("connection change", "connected", connected)
	}, "main")

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           createHandler(cfg.Metrics.Path, coord, pool),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting health server", "port", cfg.Metrics.Port, "metrics_path", cfg.Metrics.Path)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := coord.Connect(gctx); err != nil {
			// Reconnection keeps trying in the background.
			logger.Warn("initial connect failed", "error", err)
		}
		<-gctx.Done()
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := coord.Disconnect(shutdownCtx); err != nil {
			logger.Warn("disconnect", "error", err)
		}
		if journal != nil {
			if err := journal.Stop(shutdownCtx); err != nil {
				logger.Warn("stop position writer", "error", err)
			}
		}
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// createHandler serves health, debug and metrics endpoints.
func createHandler(metricsPath string, coord *coordinator.Coordinator, pool *pgxpool.Pool) http.Handler {
	mux := http.NewServeMux()

	mux.Handle(metricsPath, promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		health.Components["command"] = coord.Command().Status().String()
		health.Components["stream"] = coord.Stream().Status().String()
		health.Components["session"] = map[string]any{
			"ready":              coord.IsReady(),
			"server_time_offset": coord.ServerTimeOffset().String(),
		}
		if !coord.IsReady() {
			health.Status = "degraded"
		}

		// Check database
		if pool != nil {
			if err := pool.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["database"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["database"] = "connected"
			}
		}

		// Set response
		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/debug/positions", func(w http.ResponseWriter, r *http.Request) {
		open := coord.OpenPositions()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"open":      len(open),
			"tracked":   len(coord.Positions()),
			"positions": open,
		})
	})

	return mux
}
