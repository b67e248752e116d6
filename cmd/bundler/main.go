package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"bundler/internal/config"
)

var (
	configPath string
	debug      bool

	rootCmd = &cobra.Command{
		Use:   "bundler",
		Short: "ERC-4337 user operation relayer",
		Long: `Relays ERC-4337 user operations to the EntryPoint through a pool of
funded relayer accounts, one pool per configured chain.`,
		SilenceUsage: true,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	return cfg, nil
}
