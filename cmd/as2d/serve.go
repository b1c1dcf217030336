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

	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-as2/internal/sender"
	"github.com/sirosfoundation/go-as2/internal/server"
)

// temp files older than this are left over from a previous run
const staleTempFiles = time.Hour

func newServeCmd(load loader) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the AS2 server",
		Long:  "Start the AS2 server: the inbound endpoint, the admin API and the metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Server.Port = port
			}
			logger := newLogger(cfg.Logging, os.Stderr)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger, appOptions{Metrics: cfg.Metrics.Metrics.Enabled, Outbound: true})
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(context.Background()); err != nil {
					logger.Warn("cleanup failed", "error", err)
				}
			}()

			if n, err := a.temp.Sweep(staleTempFiles); err != nil {
				logger.Warn("failed to sweep temp directory", "dir", a.temp.Dir(), "error", err)
			} else if n > 0 {
				logger.Info("removed stale temp files", "dir", a.temp.Dir(), "count", n)
			}

			srv, err := server.New(cfg, server.Options{
				Service: a.service,
				Store:   a.store,
				Metrics: a.metrics,
				Logger:  logger,
			})
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}

			var outbox *sender.Sender
			if cfg.Outbox.Enabled {
				outbox, err = sender.New(a.service, cfg.AS2.LocalID, cfg.SenderConfig(), logger)
				if err != nil {
					return fmt.Errorf("failed to create outbox sender: %w", err)
				}
				outbox.Start(ctx)
			}

			serverErrors := make(chan error, 1)
			go func() {
				if err := srv.Start(cfg.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serverErrors <- err
				}
			}()

			var serveErr error
			select {
			case <-ctx.Done():
				logger.Info("shutting down")
			case serveErr = <-serverErrors:
			}

			if outbox != nil {
				outbox.Stop()
			}
			if serveErr != nil {
				return fmt.Errorf("server error: %w", serveErr)
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown failed: %w", err)
			}
			logger.Info("shutdown complete")
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "override the port to listen on")
	return cmd
}
