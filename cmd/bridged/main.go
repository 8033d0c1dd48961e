// Package main is the entry point for the bridged daemon.
// bridged runs the configured chat bridges (Slack RTM, Telegram long
// polling) and relays commands and replies through the hub.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/codernetes/hub/internal/bridge"
	"github.com/codernetes/hub/internal/config"
	"github.com/codernetes/hub/internal/logging"
)

// Version information (set by goreleaser)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	hubURL := flag.String("hub-url", "", "hub WebSocket endpoint (ws://host:port/ws)")
	configFile := flag.String("config", "", "config file (default is $HOME/.config/codernetes/config.yaml)")
	logLevel := flag.String("log-level", "", "override logging level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "override logging format (json, console)")
	flag.Parse()

	cfg, loader, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if *hubURL != "" {
		cfg.Bridge.HubURL = *hubURL
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
	logger := logging.Component("bridged")

	if cfgUsed := loader.ConfigFileUsed(); cfgUsed != "" {
		logger.Debug().Str("config_file", cfgUsed).Msg("loaded config file")
	}

	var pairs []bridge.Pair
	if cfg.Bridge.Slack.BotToken != "" {
		pairs = append(pairs, bridge.NewSlackPair(cfg.Bridge.HubURL, cfg.Bridge.ReconnectDelay, bridge.SlackConfig{
			BotToken:       cfg.Bridge.Slack.BotToken,
			DefaultChannel: cfg.Bridge.Slack.DefaultChannel,
		}))
		logger.Info().Msg("slack bridge enabled")
	}
	if cfg.Bridge.Telegram.BotToken != "" {
		pairs = append(pairs, bridge.NewTelegramPair(cfg.Bridge.HubURL, cfg.Bridge.ReconnectDelay, bridge.TelegramConfig{
			BotToken:          cfg.Bridge.Telegram.BotToken,
			ParseMode:         cfg.Bridge.Telegram.ParseMode,
			AllowedChats:      cfg.Bridge.Telegram.AllowedChats,
			MessagesPerSecond: cfg.Bridge.Telegram.MessagesPerSecond,
		}))
		logger.Info().Msg("telegram bridge enabled")
	}

	if len(pairs) == 0 {
		logger.Error().Msg("no bridges configured: set bridge.slack.bot_token or bridge.telegram.bot_token")
		os.Exit(1)
	}

	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", date).
		Str("hub_url", cfg.Bridge.HubURL).
		Int("bridges", len(pairs)).
		Msg("bridged starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := bridge.Run(ctx, pairs...); err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("bridged exited with error")
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
