package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/R3E-Network/yieldvault/internal/app"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and maintenance scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		application, err := app.New(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer application.Close()

		if err := application.Start(ctx); err != nil {
			return err
		}

		server := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           application.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			log.WithField("addr", cfg.HTTP.Addr).Info("http server listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			log.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return errors.Join(server.Shutdown(shutdownCtx), application.Stop(shutdownCtx))
		})
		return g.Wait()
	},
}
