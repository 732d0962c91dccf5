package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/site-audit-scheduler/internal/config"
	"github.com/JakeFAU/site-audit-scheduler/internal/server"
)

// runner is what serve drives. It's a variable so tests can swap the real app out.
type runner interface {
	Run(ctx context.Context) error
}

var buildApp = func(ctx context.Context, cfg *config.Config) (runner, error) {
	return server.Build(ctx, cfg)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "auditd",
		Short: "Schedules website audits across a pooled headless browser fleet.",
		Long: `auditd accepts website audit requests over HTTP, runs them on a bounded
pool of headless Chrome instances or a hosted audit API, and caches the
resulting reports.`,
		Version:       server.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")

	cmd.AddCommand(newServeCmd(&cfgFile), newConfigCmd(&cfgFile), newVersionCmd())
	return cmd
}

func newServeCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			app, err := buildApp(cmd.Context(), &cfg)
			if err != nil {
				return fmt.Errorf("build app: %w", err)
			}
			if err := app.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("run: %w", err)
			}
			return nil
		},
	}
}

func newConfigCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Load and validate configuration without starting the service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.Printf("config ok: port=%d pool=%d..%d queue=%d remote=%t\n",
				cfg.Server.Port, cfg.Pool.MinInstances, cfg.Pool.MaxInstances,
				cfg.Queue.MaxConcurrency, cfg.Remote.Enabled)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println("auditd " + server.Version)
		},
	}
}
