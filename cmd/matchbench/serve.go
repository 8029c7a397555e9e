package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP control API for runs and capacity",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup()
		if err != nil {
			return err
		}
		defer e.shutdown(context.Background())

		if servePort > 0 {
			e.cfg.Server.Port = servePort
		}

		ctx, stop := signalContext()
		defer stop()

		if err := e.rt.Start(ctx); err != nil {
			return err
		}

		<-ctx.Done()
		e.logger.Info("shutdown signal received, stopping")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.rt.Shutdown(shutdownCtx); err != nil {
			e.logger.Error("shutdown error", slog.String("error", err.Error()))
			return err
		}
		e.logger.Info("shutdown complete")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Listen port (overrides server.port)")
}
