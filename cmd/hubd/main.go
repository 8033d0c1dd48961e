// Package main is the entry point for the hubd daemon.
// hubd is the central coordinator: it accepts node and bridge WebSocket
// sessions, persists jobs, dispatches work, and serves the REST API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/codernetes/hub/internal/config"
	"github.com/codernetes/hub/internal/hub"
	"github.com/codernetes/hub/internal/logging"
)

// Version information (set by goreleaser)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	host := flag.String("host", "", "hostname to listen on")
	wsPort := flag.Int("port", 0, "WebSocket port to listen on")
	httpPort := flag.Int("http-port", 0, "REST API port to listen on")
	configFile := flag.String("config", "", "config file (default is $HOME/.config/codernetes/config.yaml)")
	logLevel := flag.String("log-level", "", "override logging level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "override logging format (json, console)")
	flag.Parse()

	cfg, loader, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if *host != "" {
		cfg.Hub.Host = *host
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}

	logging.Init(logging.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		EnableCaller: cfg.Logging.EnableCaller,
	})
	logger := logging.Component("hubd")

	if err := cfg.EnsureDirectories(); err != nil {
		logger.Warn().Err(err).Msg("failed to create directories")
	}

	if cfgUsed := loader.ConfigFileUsed(); cfgUsed != "" {
		logger.Debug().Str("config_file", cfgUsed).Msg("loaded config file")
	}

	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", date).
		Msg("hubd starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	daemon, err := hub.New(cfg, logger, hub.Options{
		WSPort:   *wsPort,
		HTTPPort: *httpPort,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize hubd")
		os.Exit(1)
	}
	defer daemon.Close()

	if err := daemon.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("hubd exited with error")
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, *config.Loader, error) {
	loader := config.NewLoader()
	if path != "" {
		loader.SetConfigFile(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, loader, nil
}
