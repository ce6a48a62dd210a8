package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ipsframework/ipsportal/pkg/api"
	"github.com/ipsframework/ipsportal/pkg/config"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the portal server",
	Long: `Start the portal HTTP server. Configuration is read from the --config
files, then overridden by IPSPORTAL_* environment variables.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	// The flag wins when given explicitly.
	if !cmd.Flags().Changed("log-level") {
		if err := setLogLevel(cfg.Global.LogLevel); err != nil {
			return err
		}
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	srv := api.NewServer(log, cfg, version)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting portal server: %w", err)
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down portal server")
	cancel()

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping portal server: %w", err)
	}

	return nil
}
