// Package main is the entry point for the noded client.
// noded connects to the hub, announces its capabilities, and executes
// assigned jobs in per-job workdirs.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/codernetes/hub/internal/config"
	"github.com/codernetes/hub/internal/logging"
	"github.com/codernetes/hub/internal/node"
)

// Version information (set by goreleaser)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	hubURL := flag.String("hub-url", "", "hub WebSocket endpoint (ws://host:port/ws)")
	nodeID := flag.String("node-id", "", "node id (hub session id when omitted)")
	displayName := flag.String("display-name", "", "human-friendly node name")
	tags := flag.String("tags", "", "comma-separated capability tags")
	workdirRoot := flag.String("workdir-root", "", "root directory for per-job workdirs")
	command := flag.String("command", "", "command executed per job")
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
		cfg.Node.HubURL = *hubURL
	}
	if *displayName != "" {
		cfg.Node.DisplayName = *displayName
	}
	if *tags != "" {
		cfg.Node.Tags = splitTags(*tags)
	}
	if *workdirRoot != "" {
		cfg.Node.WorkdirRoot = *workdirRoot
	}
	if *command != "" {
		cfg.Node.Command = *command
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
	logger := logging.Component("noded")

	if cfgUsed := loader.ConfigFileUsed(); cfgUsed != "" {
		logger.Debug().Str("config_file", cfgUsed).Msg("loaded config file")
	}

	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", date).
		Str("hub_url", cfg.Node.HubURL).
		Msg("noded starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := node.NewClient(node.Config{
		HubURL:         cfg.Node.HubURL,
		NodeID:         *nodeID,
		DisplayName:    cfg.Node.DisplayName,
		Tags:           cfg.Node.Tags,
		WorkdirRoot:    cfg.Node.WorkdirRoot,
		Command:        strings.Fields(cfg.Node.Command),
		ReconnectDelay: cfg.Node.ReconnectDelay,
	})

	if err := client.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("noded exited with error")
		os.Exit(1)
	}
}

func splitTags(raw string) []string {
	var tags []string
	for _, tag := range strings.Split(raw, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
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
