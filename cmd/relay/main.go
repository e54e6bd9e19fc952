package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/HMasataka/relay/internal/app"
	"github.com/HMasataka/relay/internal/config"
	"github.com/HMasataka/relay/internal/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to a YAML or JSON config file")
	flag.Parse()

	cfg, err := config.Load(config.LoadOptions{Path: *configPath})
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := logging.New(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	relay, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start relay", "error", err)
		return 1
	}
	defer relay.Close(context.Background())

	if err := relay.Run(ctx); err != nil {
		logger.Error("relay stopped", "error", err)
		return 1
	}
	return 0
}
