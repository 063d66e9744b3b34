// Command callosum runs the coordination sidecar: a server-mode
// daemon exposing the RPC surface of spec.md §6 over HTTP, a
// Prometheus /metrics endpoint, and a websocket status stream, plus a
// small CLI for inspecting and administering a running gate.
//
// Start the server:
//
//	callosum serve --config callosum.yaml
//
// Inspect live state:
//
//	callosum status
//	callosum journal --limit 20
//	callosum lock list
//
// Validate a rule file before deploying it:
//
//	callosum rules validate tiers.json
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/callosum-dev/callosum/internal/config"
	"github.com/callosum-dev/callosum/internal/decision"
	"github.com/callosum-dev/callosum/internal/gate"
	"github.com/callosum-dev/callosum/internal/rulewatch"
	"github.com/callosum-dev/callosum/internal/server"
	"github.com/callosum-dev/callosum/internal/sweeper"
	"github.com/callosum-dev/callosum/internal/tier"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	root := buildRootCmd()
	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "callosum",
		Short:        "Callosum - coordination sidecar for multi-instance AI agent runtimes",
		Long:         "Callosum classifies tool calls by risk tier and coordinates concurrent agent instances through an append-only journal, advisory locks, and cross-instance conflict detection.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	root.AddCommand(
		buildServeCmd(),
		buildStatusCmd(),
		buildJournalCmd(),
		buildLockCmd(),
		buildRulesCmd(),
	)
	return root
}

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordination server: RPC, metrics, maintenance sweep, and rule hot-reload",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "callosum.yaml", "path to the YAML configuration file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := slog.Default()

	rules := tier.DefaultRules()
	if rf, err := tier.LoadRuleFile(cfg.Rules.Path); err == nil {
		rules = rf.Rules
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("load rule file %s: %w", cfg.Rules.Path, err)
	}
	classifier, err := tier.Compile(rules)
	if err != nil {
		return fmt.Errorf("compile rules: %w", err)
	}

	st, err := gate.OpenStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	dcfg := decision.DefaultConfig("")
	dcfg.LockTTL = cfg.LockExpiry()
	dcfg.ContextWindow = cfg.RecentWindow()

	srv := server.New(st, classifier, dcfg, logger)
	if err := srv.Start(server.Config{Host: cfg.Server.Host, Port: cfg.Server.Port, MetricsPort: cfg.Server.MetricsPort}); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	logger.Info("callosum server listening", "host", cfg.Server.Host, "port", cfg.Server.Port)

	sw := sweeper.New(st, cfg.SweepInterval(), sweeper.WithLogger(logger), sweeper.WithOnResult(srv.RecordSweep))
	if err := sw.Start(ctx); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}

	watcher := rulewatch.New(cfg.Rules.Path, srv, rulewatch.WithLogger(logger))
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("rule file watcher disabled", "path", cfg.Rules.Path, "error", err)
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = watcher.Close()
	_ = sw.Stop(shutdownCtx)
	srv.Stop(shutdownCtx)
	return nil
}

func buildStatusCmd() *cobra.Command {
	var configPath, contextKey string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show live locks and recent context records",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			snap, err := fetchStatus(cmd.Context(), cfg, contextKey)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(snap.Locks) == 0 {
				fmt.Fprintln(out, "No active locks.")
			} else {
				fmt.Fprintln(out, "Locks:")
				for _, l := range snap.Locks {
					fmt.Fprintf(out, "  %-30s instance=%-10s tier=%d expires=%s\n", l.ContextKey, l.Instance, l.Tier, l.ExpiresAt.Format(time.RFC3339))
				}
			}
			if len(snap.RecentContexts) == 0 {
				fmt.Fprintln(out, "No recent context records.")
			} else {
				fmt.Fprintln(out, "Recent context records:")
				for _, r := range snap.RecentContexts {
					fmt.Fprintf(out, "  %-30s instance=%-10s tier=%d at=%s\n", r.ContextKey, r.Instance, r.Tier, r.Timestamp.Format(time.RFC3339))
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "callosum.yaml", "path to the YAML configuration file")
	cmd.Flags().StringVar(&contextKey, "context-key", "", "filter to a single context key")
	return cmd
}

func buildJournalCmd() *cobra.Command {
	var configPath string
	var limit int
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show the most recent journal entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			entries, err := fetchJournal(cmd.Context(), cfg, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "No journal entries.")
				return nil
			}
			for _, e := range entries {
				fmt.Fprintf(out, "%s  %-10s %-8s tier=%d %-20s %s\n",
					e.Timestamp.Format(time.RFC3339), e.Instance, e.Action, e.Tier, e.Tool, e.ContextKey)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "callosum.yaml", "path to the YAML configuration file")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of entries to show")
	return cmd
}

func buildLockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect the advisory lock table",
	}
	cmd.AddCommand(buildLockListCmd())
	return cmd
}

func buildLockListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active locks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			snap, err := fetchStatus(cmd.Context(), cfg, "")
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(snap.Locks) == 0 {
				fmt.Fprintln(out, "No active locks.")
				return nil
			}
			for _, l := range snap.Locks {
				fmt.Fprintf(out, "%-30s instance=%-10s tier=%d expires=%s\n", l.ContextKey, l.Instance, l.Tier, l.ExpiresAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "callosum.yaml", "path to the YAML configuration file")
	return cmd
}

func buildRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Work with tier classification rule files",
	}
	cmd.AddCommand(buildRulesValidateCmd())
	return cmd
}

func buildRulesValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <path>",
		Short: "Parse and compile a rule file without applying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rf, err := tier.LoadRuleFile(args[0])
			if err != nil {
				return fmt.Errorf("parse rule file: %w", err)
			}
			if _, err := tier.Compile(rf.Rules); err != nil {
				return fmt.Errorf("compile rule file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rule(s), OK\n", args[0], len(rf.Rules))
			return nil
		},
	}
}
