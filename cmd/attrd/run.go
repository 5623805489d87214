package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/warren-attrd/internal/config"
	"github.com/cuemby/warren-attrd/internal/daemon"
	"github.com/cuemby/warren-attrd/pkg/log"
	"github.com/cuemby/warren-attrd/pkg/metrics"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the attrd daemon",
	RunE:  runDaemon,
}

func init() {
	runCmd.Flags().StringP("config", "c", "/etc/attrd/attrd.yaml", "Path to the daemon's YAML config file")
	rootCmd.AddCommand(runCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	d, err := daemon.New(cfg)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}

	go func() {
		http.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil {
			log.WithComponent("cmd").Warn().Err(err).Msg("metrics server stopped")
		}
	}()
	log.WithComponent("cmd").Info().Str("addr", cfg.MetricsAddr).Msg("metrics endpoint listening")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		cancel()
	}()

	if err := d.Run(ctx); err != nil && err != context.Canceled {
		return fmt.Errorf("daemon exited: %w", err)
	}
	return nil
}
