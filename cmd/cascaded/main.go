package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cascadelab/cascade/internal/api"
	"github.com/cascadelab/cascade/internal/checkpoint"
	"github.com/cascadelab/cascade/internal/expressions"
	"github.com/cascadelab/cascade/internal/logging"
	"github.com/cascadelab/cascade/internal/session"
	signalbus "github.com/cascadelab/cascade/internal/signal"
	"github.com/cascadelab/cascade/internal/store"
	"github.com/cascadelab/cascade/internal/streaming"
	"github.com/cascadelab/cascade/internal/sweeper"
	"github.com/cascadelab/cascade/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		slog.Error("cascaded exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := slog.New(logging.NewCorrelationHandler(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)}),
	))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cascadeDir(), 0o755); err != nil {
		return err
	}

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	hub := streaming.NewMemoryHub()
	sessions := session.NewManager(st, hub, logger)
	signals := signalbus.NewBus(st, hub, logger)
	checkpoints := checkpoint.NewGate(st, hub, logger)

	sweep, err := sweeper.NewSweeper(sessions, st, logger, sweeper.Options{
		SweepSchedule:  cfg.SweepSchedule,
		VacuumSchedule: cfg.VacuumSchedule,
		GracePeriod:    time.Duration(cfg.GraceSeconds) * time.Second,
	})
	if err != nil {
		return err
	}
	if err := sweep.Start(ctx); err != nil {
		return err
	}
	defer sweep.Stop()

	srv := api.NewServer(api.Deps{
		Sessions:    sessions,
		Signals:     signals,
		Checkpoints: checkpoints,
		Hub:         hub,
		Filters:     expressions.NewFilterEngine(),
		Logger:      logger,
	})

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http server listening", "addr", cfg.ListenAddr, "db", cfg.DBPath)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if cfg.MCP {
		mcpSrv := mcp.NewCascadeServer(mcp.CascadeServerDeps{
			Sessions:    sessions,
			Signals:     signals,
			Checkpoints: checkpoints,
			Logger:      logger,
		})
		go func() {
			logger.Info("mcp server listening on stdio")
			if err := mcpSrv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
