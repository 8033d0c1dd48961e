// Package config handles hub configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DisconnectPolicy selects how the hub treats a running job whose node
// becomes unreachable.
type DisconnectPolicy string

const (
	// DisconnectPolicyFail marks the job failed immediately.
	DisconnectPolicyFail DisconnectPolicy = "fail"
	// DisconnectPolicyRequeue returns the job to the queued state so the
	// same node can pick it up again after reconnecting.
	DisconnectPolicyRequeue DisconnectPolicy = "requeue"
	// DisconnectPolicyIgnore leaves the job running and relies on the node
	// reporting a terminal status after reconnecting.
	DisconnectPolicyIgnore DisconnectPolicy = "ignore"
)

// Config is the root configuration structure.
type Config struct {
	// Global settings
	Global GlobalConfig `yaml:"global" mapstructure:"global"`

	// Hub daemon settings
	Hub HubConfig `yaml:"hub" mapstructure:"hub"`

	// Database settings
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`

	// Logging settings
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`

	// Bridge process settings
	Bridge BridgeConfig `yaml:"bridge" mapstructure:"bridge"`

	// Node client settings
	Node NodeConfig `yaml:"node" mapstructure:"node"`
}

// GlobalConfig contains settings shared by all binaries.
type GlobalConfig struct {
	// DataDir is where the hub stores its data (default: ~/.local/share/codernetes).
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`

	// ConfigDir is where config files are stored (default: ~/.config/codernetes).
	ConfigDir string `yaml:"config_dir" mapstructure:"config_dir"`
}

// HubConfig contains hub daemon settings.
type HubConfig struct {
	// Host is the WebSocket bind address.
	Host string `yaml:"host" mapstructure:"host"`

	// Port is the WebSocket port.
	Port int `yaml:"port" mapstructure:"port"`

	// HTTPHost is the REST API bind address (defaults to Host).
	HTTPHost string `yaml:"http_host" mapstructure:"http_host"`

	// HTTPPort is the REST API port.
	HTTPPort int `yaml:"http_port" mapstructure:"http_port"`

	// HealthInterval is how often connections are probed.
	HealthInterval time.Duration `yaml:"health_interval" mapstructure:"health_interval"`

	// HealthTimeout is how long a probe may go unanswered.
	HealthTimeout time.Duration `yaml:"health_timeout" mapstructure:"health_timeout"`

	// HealthFailureThreshold is the number of consecutive missed probes
	// before subscribers are notified (1 = immediately on first miss).
	HealthFailureThreshold int `yaml:"health_failure_threshold" mapstructure:"health_failure_threshold"`

	// DispatchInterval is how often the job dispatcher runs.
	DispatchInterval time.Duration `yaml:"dispatch_interval" mapstructure:"dispatch_interval"`

	// DisconnectPolicy is applied to running jobs on an unreachable node.
	DisconnectPolicy DisconnectPolicy `yaml:"disconnect_policy" mapstructure:"disconnect_policy"`

	// JobWorkdirRoot is the workdir root announced in job.assign messages.
	JobWorkdirRoot string `yaml:"job_workdir_root" mapstructure:"job_workdir_root"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	// Path is the SQLite database file path.
	Path string `yaml:"path" mapstructure:"path"`

	// MaxConnections is the maximum number of database connections.
	MaxConnections int `yaml:"max_connections" mapstructure:"max_connections"`

	// BusyTimeout is how long to wait for a locked database (milliseconds).
	BusyTimeoutMs int `yaml:"busy_timeout_ms" mapstructure:"busy_timeout_ms"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level" mapstructure:"level"`

	// Format is the output format (json, console).
	Format string `yaml:"format" mapstructure:"format"`

	// File is an optional log file path.
	File string `yaml:"file" mapstructure:"file"`

	// EnableCaller adds caller information to logs.
	EnableCaller bool `yaml:"enable_caller" mapstructure:"enable_caller"`
}

// BridgeConfig contains settings for the bridge process.
type BridgeConfig struct {
	// HubURL is the hub WebSocket endpoint (ws://host:port).
	HubURL string `yaml:"hub_url" mapstructure:"hub_url"`

	// ReconnectDelay is the fixed delay between reconnect attempts, applied
	// independently to the hub connection and each platform connection.
	ReconnectDelay time.Duration `yaml:"reconnect_delay" mapstructure:"reconnect_delay"`

	// Slack adapter settings.
	Slack SlackConfig `yaml:"slack" mapstructure:"slack"`

	// Telegram adapter settings.
	Telegram TelegramConfig `yaml:"telegram" mapstructure:"telegram"`
}

// SlackConfig contains Slack adapter settings.
type SlackConfig struct {
	// BotToken is the Slack bot token (xoxb-).
	BotToken string `yaml:"bot_token" mapstructure:"bot_token"`

	// DefaultChannel is the fallback channel when a reply has no target.
	DefaultChannel string `yaml:"default_channel" mapstructure:"default_channel"`
}

// TelegramConfig contains Telegram adapter settings.
type TelegramConfig struct {
	// BotToken is the Telegram bot token.
	BotToken string `yaml:"bot_token" mapstructure:"bot_token"`

	// ParseMode is the sendMessage parse_mode (optional).
	ParseMode string `yaml:"parse_mode" mapstructure:"parse_mode"`

	// AllowedChats restricts which chat ids may issue commands (empty = all).
	AllowedChats []int64 `yaml:"allowed_chats" mapstructure:"allowed_chats"`

	// MessagesPerSecond throttles outbound sendMessage calls.
	MessagesPerSecond float64 `yaml:"messages_per_second" mapstructure:"messages_per_second"`
}

// NodeConfig contains node client settings.
type NodeConfig struct {
	// HubURL is the hub WebSocket endpoint (ws://host:port).
	HubURL string `yaml:"hub_url" mapstructure:"hub_url"`

	// DisplayName is the human-friendly node name announced to the hub.
	DisplayName string `yaml:"display_name" mapstructure:"display_name"`

	// Tags are capability tags announced to the hub.
	Tags []string `yaml:"tags" mapstructure:"tags"`

	// WorkdirRoot is where job workdirs are created.
	WorkdirRoot string `yaml:"workdir_root" mapstructure:"workdir_root"`

	// Command is the command executed for each job (empty = skip execution).
	Command string `yaml:"command" mapstructure:"command"`

	// ReconnectDelay is the fixed delay between reconnect attempts.
	ReconnectDelay time.Duration `yaml:"reconnect_delay" mapstructure:"reconnect_delay"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Global: GlobalConfig{
			DataDir:   filepath.Join(homeDir, ".local", "share", "codernetes"),
			ConfigDir: filepath.Join(homeDir, ".config", "codernetes"),
		},
		Hub: HubConfig{
			Host:                   "0.0.0.0",
			Port:                   8765,
			HTTPPort:               8080,
			HealthInterval:         15 * time.Second,
			HealthTimeout:          5 * time.Second,
			HealthFailureThreshold: 1,
			DispatchInterval:       2 * time.Second,
			DisconnectPolicy:       DisconnectPolicyFail,
			JobWorkdirRoot:         "/tmp/codernetes-jobs",
		},
		Database: DatabaseConfig{
			Path:           "", // Will be set to DataDir/hub.db
			MaxConnections: 10,
			BusyTimeoutMs:  5000,
		},
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "console",
			EnableCaller: false,
		},
		Bridge: BridgeConfig{
			HubURL:         "ws://127.0.0.1:8765",
			ReconnectDelay: 5 * time.Second,
			Telegram: TelegramConfig{
				MessagesPerSecond: 1,
			},
		},
		Node: NodeConfig{
			HubURL:         "ws://127.0.0.1:8765",
			WorkdirRoot:    "/tmp/codernetes-jobs",
			ReconnectDelay: 5 * time.Second,
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Hub.Port <= 0 || c.Hub.Port > 65535 {
		return fmt.Errorf("hub.port must be between 1 and 65535")
	}
	if c.Hub.HTTPPort <= 0 || c.Hub.HTTPPort > 65535 {
		return fmt.Errorf("hub.http_port must be between 1 and 65535")
	}
	if c.Hub.HealthInterval < time.Second {
		return fmt.Errorf("hub.health_interval must be at least 1s")
	}
	if c.Hub.HealthTimeout < time.Second {
		return fmt.Errorf("hub.health_timeout must be at least 1s")
	}
	if c.Hub.HealthTimeout >= c.Hub.HealthInterval {
		return fmt.Errorf("hub.health_timeout must be shorter than hub.health_interval")
	}
	if c.Hub.HealthFailureThreshold < 1 {
		return fmt.Errorf("hub.health_failure_threshold must be at least 1")
	}
	if c.Hub.DispatchInterval < 100*time.Millisecond {
		return fmt.Errorf("hub.dispatch_interval must be at least 100ms")
	}
	switch c.Hub.DisconnectPolicy {
	case DisconnectPolicyFail, DisconnectPolicyRequeue, DisconnectPolicyIgnore:
	default:
		return fmt.Errorf("hub.disconnect_policy must be one of fail, requeue, ignore")
	}
	if c.Database.MaxConnections < 1 {
		return fmt.Errorf("database.max_connections must be at least 1")
	}
	if c.Bridge.ReconnectDelay < time.Second {
		return fmt.Errorf("bridge.reconnect_delay must be at least 1s")
	}
	if c.Node.ReconnectDelay < time.Second {
		return fmt.Errorf("node.reconnect_delay must be at least 1s")
	}
	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Global.DataDir,
		c.Global.ConfigDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// DatabasePath returns the full database path.
func (c *Config) DatabasePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.Global.DataDir, "hub.db")
}
