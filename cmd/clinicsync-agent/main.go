// Package main provides clinicsync-agent, the clinic-side process that keeps
// consultations and registrations in a local queue while the server is
// unreachable and reconciles them when it comes back. The UI talks to it over
// REST/WebSocket on localhost.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ortholife/clinicsync/internal/config"
	"github.com/ortholife/clinicsync/internal/logging"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "clinicsync-agent",
		Short:         "Offline-first clinic sync agent",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", config.DefaultConfigFile, "path to an env-style config file")

	load := func() (*config.AgentConfig, zerolog.Logger, error) {
		cfg, err := config.LoadAgent(configFile)
		if err != nil {
			return nil, zerolog.Nop(), err
		}
		if err := cfg.Validate(); err != nil {
			return nil, zerolog.Nop(), fmt.Errorf("invalid configuration: %w", err)
		}
		logging.Init(os.Stderr, logging.ParseLevel(cfg.LogLevel), cfg.LogPretty || cfg.IsDev())
		return cfg, logging.Get(), nil
	}

	rootCmd.AddCommand(runCmd(load))
	rootCmd.AddCommand(statusCmd(load))
	rootCmd.AddCommand(queueCmd(load))
	rootCmd.AddCommand(resolveCmd(load))
	return rootCmd
}

type loader func() (*config.AgentConfig, zerolog.Logger, error)

func runCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the agent: local API, background sync and connectivity probing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c, err := openCore(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer c.Close()

			log.Info().Str("version", Version).Msg("clinicsync-agent starting")
			return newAgent(c).run(ctx)
		},
	}
}

func statusCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the running agent's sync status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			return printStatus(cmd.Context(), newAPIClient(cfg.ListenAddr), cmd.OutOrStdout())
		},
	}
}

func queueCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "List the running agent's queued changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			return printQueue(cmd.Context(), newAPIClient(cfg.ListenAddr), cmd.OutOrStdout())
		},
	}
}

func resolveCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve",
		Short: "Resolve open conflicts interactively (agent must be stopped)",
		Long: `resolve opens the local store, runs one sync pass to rebuild the open
conflicts and then asks for a decision on each. Skipping a conflict leaves it
open. Stop the agent first; while it runs, resolve conflicts in the UI.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if newAPIClient(cfg.ListenAddr).reachable(ctx) {
				return fmt.Errorf("the agent is running on %s; resolve conflicts in the UI or stop it first", cfg.ListenAddr)
			}

			c, err := openCore(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer c.Close()
			return resolveConflicts(ctx, c, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}
