package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the sub-workflow workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromFlags(cmd)
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.HTTP.Addr = addr
			}
			logger, err := cfg.NewLogger()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := newApplication(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			srv := app.server()
			g, gctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				return app.worker.Run(gctx)
			})
			g.Go(func() error {
				logger.Info().Str("address", cfg.HTTP.Addr).Msg("Starting HTTP server")
				return srv.Listen(cfg.HTTP.Addr)
			})
			g.Go(func() error {
				<-gctx.Done()
				logger.Info().Msg("Shutting down server...")

				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logger.Error().Err(err).Msg("Server forced to shutdown")
					return err
				}
				logger.Info().Msg("Server stopped")
				return nil
			})

			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().String("addr", "", "Listen address (overrides http.addr)")
	return cmd
}
