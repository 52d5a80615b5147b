// Command i3-gateway bridges an intermud-3 chat network to a JSON-RPC
// API over WebSocket and TCP.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	_ "go.uber.org/automaxprocs"

	"github.com/LuminariMUD/i3gateway/internal/config"
	"github.com/LuminariMUD/i3gateway/internal/gateway"
	"github.com/LuminariMUD/i3gateway/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	// Optional; container deployments set real env vars instead.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fallback := logging.New(config.LoggingConfig{Level: "info"})
		fallback.Fatal().Err(err).Msg("configuration invalid")
	}
	logger := logging.New(cfg.Logging)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("gateway init failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := gw.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("gateway exited")
	}
}
