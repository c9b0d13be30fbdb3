package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentoven/dispatcher/internal/catalog"
	"github.com/agentoven/dispatcher/internal/config"
	"github.com/agentoven/dispatcher/internal/pipeline"
	"github.com/agentoven/dispatcher/pkg/server"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// ── serve ───────────────────────────────────────────────────

func buildServeCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start the dispatcher HTTP API.

The catalog is applied on startup and re-applied when the file changes
(DISPATCHER_CATALOG_WATCH). Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().IntVarP(&cfg.Port, "port", "p", cfg.Port, "Listen port (DISPATCHER_PORT)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", cfg.Version).Msg("🚦 Dispatcher starting...")

	srv, err := server.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}
	srv.Start(ctx)

	// Chat requests block for the whole model execution.
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", srv.Port),
		Handler:      srv.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Executor.Timeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", srv.Port).Msg("🔥 Dispatcher ready")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			_ = srv.Shutdown(context.Background())
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info().Msg("🛑 Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	return srv.Shutdown(shutdownCtx)
}

// ── classify ────────────────────────────────────────────────

func buildClassifyCmd(cfg *config.Config) *cobra.Command {
	var persist bool
	cmd := &cobra.Command{
		Use:   "classify <project> <text...>",
		Short: "Classify one message against the catalog and print the result",
		Example: `  dispatcher classify web "please review MR !42"
  dispatcher classify --catalog ./examples/dispatcher.yaml web hello`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !persist {
				cfg.Store.Kind = "memory"
				cfg.Store.DataDir = ""
			}
			return withServer(cmd.Context(), cfg, func(ctx context.Context, srv *server.Server) error {
				res, err := srv.Pipeline.Classify(ctx, args[0], pipeline.ClassifyRequest{
					Text:   strings.Join(args[1:], " "),
					Source: "cli",
				})
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
	cmd.Flags().BoolVar(&persist, "persist", false, "Use the configured store and record the classification")
	return cmd
}

// ── sync ────────────────────────────────────────────────────

func buildSyncCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "sync [project...]",
		Short: "Rebuild the semantic index for projects (all when none given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServer(cmd.Context(), cfg, func(ctx context.Context, srv *server.Server) error {
				ids := args
				if len(ids) == 0 {
					projects, err := srv.Store.ListProjects(ctx)
					if err != nil {
						return err
					}
					for _, p := range projects {
						ids = append(ids, p.ID)
					}
				}
				for _, id := range ids {
					n, err := srv.Pipeline.SyncProject(ctx, id)
					if err != nil {
						return fmt.Errorf("sync %s: %w", id, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d examples\n", id, n)
				}
				return nil
			})
		},
	}
}

// ── validate ────────────────────────────────────────────────

func buildValidateCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Parse a catalog file and report its projects",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := cfg.Catalog.Path
			if len(args) == 1 {
				path = args[0]
			}
			cat, err := catalog.LoadFile(path, catalog.Defaults{})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range cat.Projects {
				fmt.Fprintf(out, "%s\t%d agents\trpm=%d\tfallback=%s\n",
					e.Project.ID, len(e.Agents), e.Project.RateLimitRPM, e.Project.FallbackAgent)
			}
			fmt.Fprintf(out, "✓ %s: %d projects\n", path, len(cat.Projects))
			return nil
		},
	}
}

// ── helpers ─────────────────────────────────────────────────

// withServer builds a server without the HTTP listener, runs fn and shuts
// the server down.
func withServer(ctx context.Context, cfg *config.Config, fn func(context.Context, *server.Server) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg.Catalog.Watch = false
	cfg.Telemetry.Enabled = false

	srv, err := server.NewWithConfig(ctx, cfg)
	if err != nil {
		return err
	}
	runErr := fn(ctx, srv)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), server.ShutdownTimeout)
	defer cancel()
	return errors.Join(runErr, srv.Shutdown(shutdownCtx))
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
