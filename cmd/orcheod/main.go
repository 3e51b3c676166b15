// Copyright 2025 The Orcheo Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command orcheod runs the Orcheo workflow runtime daemon.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/orcheo/orcheo/internal/config"
	"github.com/orcheo/orcheo/internal/engine"
	"github.com/orcheo/orcheo/internal/graph"
	"github.com/orcheo/orcheo/internal/graph/script"
	"github.com/orcheo/orcheo/internal/log"
	"github.com/orcheo/orcheo/internal/orchestrator"
	"github.com/orcheo/orcheo/internal/tracing"
	"github.com/orcheo/orcheo/internal/vault/oauth"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "orcheod",
		Short:         "Orcheo workflow runtime daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to the YAML configuration file")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newVersionCmd())
	root.AddCommand(newCheckConfigCmd(&configPath))
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "orcheod %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}

func newCheckConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration file and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := config.Load(*configPath); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration OK")
			return nil
		},
	}
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the runtime and serve until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(*configPath)
		},
	}
}

func serve(configPath string) error {
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backends, err := orchestrator.OpenBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backends.Close()

	registry := graph.NewRegistry()
	graph.RegisterBuiltins(registry)
	compiler := graph.NewCompiler(registry, script.New())

	recorder := tracing.NewRecorder(nil)
	metrics := engine.NewMetrics(prometheus.DefaultRegisterer)

	eng := engine.New(backends.Repository, backends.History, compiler,
		backends.Vault, recorder, cfg.Engine, logger, engine.Options{Metrics: metrics})

	health := oauth.NewService(backends.Vault, cfg.OAuth.RefreshMargin,
		cfg.OAuth.ProviderRateLimit, logger)

	orch := orchestrator.New(backends, health, eng, cfg.Engine, logger)
	go refreshHealthReports(ctx, orch, backends, logger, cfg.OAuth.RefreshMargin)

	if cfg.Chat.Retention > 0 {
		backends.Chat.StartPruneLoop(ctx, cfg.Chat.PruneInterval, cfg.Chat.Retention)
	}

	logger.Info("orcheod started",
		slog.String("version", version),
		slog.String("repository_backend", string(cfg.Repository.Backend)),
		slog.String("history_backend", string(cfg.History.Backend)))

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// refreshHealthReports keeps per-workflow credential health reports
// warm so the RequireHealthy gate has something to consult.
func refreshHealthReports(ctx context.Context, orch *orchestrator.Orchestrator,
	backends *orchestrator.Backends, logger *slog.Logger, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		workflows, err := backends.Repository.ListWorkflows(ctx, false)
		if err != nil {
			logger.Warn("health refresh: listing workflows failed", "error", err)
		}
		for _, wf := range workflows {
			if _, err := orch.CheckHealth(ctx, wf.ID); err != nil {
				logger.Warn("health refresh failed",
					slog.String("workflow_id", wf.ID), "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
