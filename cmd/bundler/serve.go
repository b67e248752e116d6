package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"bundler/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the JSON-RPC relayer",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logger.Info("bundler starting", "listen", cfg.API.Listen, "chains", cfg.ChainIDs(), "entry_point", cfg.EntryPoint)
		if err := app.New(cfg, logger).Run(ctx); err != nil {
			logger.Error("bundler stopped", "error", err)
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
