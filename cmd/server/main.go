// Dispatcher: the multi-tenant agent dispatcher.
//
// This is the main entry point. It provides:
//   - HTTP API for classification, chat and user context
//   - Catalog loading with hot reload
//   - One-shot classify, sync and validate commands for operators
//
// Usage:
//
//	dispatcher                      # serve (default)
//	dispatcher classify web "deploy the api"
//	dispatcher sync web
//	dispatcher validate dispatcher.yaml
package main

import (
	"os"
	"strings"
	"time"

	"github.com/agentoven/dispatcher/internal/config"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// version is overridden with -ldflags "-X main.version=...".
var version = ""

func main() {
	cfg := config.Load()
	if version != "" {
		cfg.Version = version
	}
	setupLogging(cfg)

	if err := buildRootCmd(cfg).Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func setupLogging(cfg *config.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if !strings.EqualFold(cfg.LogFormat, "json") {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func buildRootCmd(cfg *config.Config) *cobra.Command {
	serve := buildServeCmd(cfg)
	root := &cobra.Command{
		Use:          "dispatcher",
		Short:        "Multi-tenant agent dispatcher",
		Version:      cfg.Version,
		SilenceUsage: true,
		RunE:         serve.RunE,
	}
	root.PersistentFlags().StringVar(&cfg.Catalog.Path, "catalog", cfg.Catalog.Path, "Path to the project catalog (DISPATCHER_CATALOG)")

	root.AddCommand(
		serve,
		buildClassifyCmd(cfg),
		buildSyncCmd(cfg),
		buildValidateCmd(cfg),
	)
	return root
}
