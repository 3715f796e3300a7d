package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/wirepull/wirepull/internal/agent"
	"github.com/wirepull/wirepull/internal/config"
	"github.com/wirepull/wirepull/internal/logging"
)

func main() {
	cfg := config.ParseAgentConfig()
	logger := logging.New("wirepull", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting agent",
		"client_id", cfg.ClientID,
		"server_url", cfg.ServerURL,
		"file_path", cfg.FilePath)

	a := agent.New(cfg, logger)
	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("agent stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("agent shut down")
}
