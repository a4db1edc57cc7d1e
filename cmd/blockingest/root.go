package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

const defaultChainFile = "blockchains.toml"

type rootOptions struct {
	configFile string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "blockingest",
		Short:         "Ingest blockchain blocks through Kafka into a relational store",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", defaultChainFile, "chain definitions (TOML)")

	cmd.AddCommand(
		newRunCommand(opts),
		newProduceCommand(opts),
		newPersistCommand(opts),
		newMigrateCommand(opts),
	)
	return cmd
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run producers and persisters in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithSignals(cmd.Context(), opts, "blockingest", func(ctx context.Context, a *app) error {
				return a.run(ctx, true, true)
			})
		},
	}
}

func newProduceCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "produce",
		Short: "Run the historical and realtime producers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithSignals(cmd.Context(), opts, "blockingest-producer", func(ctx context.Context, a *app) error {
				return a.run(ctx, true, false)
			})
		},
	}
}

func newPersistCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "persist",
		Short: "Drain chain topics into the row store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithSignals(cmd.Context(), opts, "blockingest-persister", func(ctx context.Context, a *app) error {
				return a.run(ctx, false, true)
			})
		},
	}
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the blocks and transactions tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithSignals(cmd.Context(), opts, "blockingest-migrate", func(ctx context.Context, a *app) error {
				return a.migrate(ctx)
			})
		},
	}
}

func runWithSignals(parent context.Context, opts *rootOptions, service string, fn func(context.Context, *app) error) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, opts.configFile, service)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}
