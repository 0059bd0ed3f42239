package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"sqlinx/internal/api"
	"sqlinx/internal/config"
	"sqlinx/internal/logger"
	"sqlinx/internal/service"
	"sqlinx/internal/session"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the workbench server",
		Example: `  # Start on the default port
  sqlinx serve

  # Start on another port with debug logging
  sqlinx serve --port 3000 --log-level debug`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), getConfig(cmd))
		},
	}
}

func newWorkbench(cfg *config.Config, l *slog.Logger) *service.Workbench {
	return service.NewWorkbench(
		service.NewResolver(cfg.ConnectTimeout, l),
		service.NewQueryExecutor(l),
		service.NewConverter(l),
		service.NewInsightService(service.InsightConfig{
			Endpoint:    cfg.AI.Endpoint,
			Model:       cfg.AI.Model,
			Timeout:     cfg.AI.Timeout,
			MaxTokens:   cfg.AI.MaxTokens,
			Temperature: cfg.AI.Temperature,
			SampleRows:  cfg.AI.SampleRows,
		}, l),
		cfg.Convert.SampleLimit,
		l,
	)
}

// runServe blocks until ctx is cancelled, then shuts the server down and
// releases every session.
func runServe(ctx context.Context, cfg *config.Config) error {
	l, logFile, err := logger.Init(cfg.Log.Dir, cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logFile.Close()
	l.Info("starting sqlinx", "version", Version, "config", cfg)

	sessions, err := session.NewManager([]byte(cfg.Session.Key), cfg.DataDir, cfg.Session.TTL, cfg.Session.SecureCookie, l)
	if err != nil {
		return err
	}
	defer sessions.Close()

	limiter := api.NewRateLimiter(cfg.AI.RatePerMinute, cfg.AI.Burst)
	defer limiter.Stop()

	router, err := api.NewRouter(api.RouterConfig{
		Workbench: newWorkbench(cfg, l),
		Sessions:  sessions,
		Limiter:   limiter,
		MaxUpload: cfg.Upload.MaxBytes(),
		ServerURL: fmt.Sprintf("http://localhost:%d", cfg.Port),
		Logger:    l,
	})
	if err != nil {
		return err
	}

	eg, egctx := errgroup.WithContext(ctx)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
		BaseContext: func(_ net.Listener) context.Context {
			return egctx
		},
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg.Go(func() error {
		l.Info("server listening", "addr", fmt.Sprintf("http://localhost:%d", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egctx.Done()
		l.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := eg.Wait(); err != nil {
		return err
	}
	l.Info("server stopped", "sessions", sessions.Len())
	return nil
}
