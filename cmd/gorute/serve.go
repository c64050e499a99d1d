package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP host",
	Long: `Start the HTTP host with the routes and probes from the config file.

Built-in endpoints:
  GET /health               Run health probes
  GET /antiforgery/token    Issue an anti-forgery token (when enabled)
  GET /_gorute/pools        Pool statistics (when introspection is on)

Routes that fail to compile are logged and left out; the host still starts.
Use "gorute check" to fail on any broken route.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("listen", "l", "", "Listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Listen = listen
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	h, err := buildHost(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := h.Configure(ctx); err != nil {
		logger.Warn("some features failed to configure", zap.Error(err))
	}
	if err := h.Start(ctx, cfg.Listen); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "gorute listening on %s\n", h.Addr())

	<-ctx.Done()
	logger.Info("shutting down")
	return h.Stop(context.Background())
}
