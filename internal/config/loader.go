package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Loader handles configuration loading with Viper.
type Loader struct {
	v          *viper.Viper
	configFile string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v: viper.New(),
	}
}

// SetConfigFile sets an explicit config file path.
func (l *Loader) SetConfigFile(path string) {
	l.configFile = path
}

// Load loads configuration with proper precedence:
// defaults < config file < env vars < CLI flags
func (l *Loader) Load() (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	// Set up Viper
	l.setupViper(cfg)

	// Load config file
	if err := l.loadConfigFile(); err != nil {
		// Config file is optional, only error if explicitly specified
		if l.configFile != "" {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Unmarshal into config struct
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Expand ~ in paths
	expandPaths(cfg)

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// expandTilde expands ~ to the user's home directory.
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// expandPaths expands ~ in all path-related config fields.
func expandPaths(cfg *Config) {
	cfg.Global.DataDir = expandTilde(cfg.Global.DataDir)
	cfg.Global.ConfigDir = expandTilde(cfg.Global.ConfigDir)
	cfg.Database.Path = expandTilde(cfg.Database.Path)
	cfg.Logging.File = expandTilde(cfg.Logging.File)
	cfg.Hub.JobWorkdirRoot = expandTilde(cfg.Hub.JobWorkdirRoot)
	cfg.Node.WorkdirRoot = expandTilde(cfg.Node.WorkdirRoot)
}

// setupViper configures Viper with defaults and environment bindings.
func (l *Loader) setupViper(cfg *Config) {
	v := l.v

	// Config file settings
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// XDG config directory
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		v.AddConfigPath(filepath.Join(xdgConfig, "codernetes"))
	}

	homeDir, _ := os.UserHomeDir()
	if homeDir != "" {
		v.AddConfigPath(filepath.Join(homeDir, ".config", "codernetes"))
	}

	// Current directory
	v.AddConfigPath(".")

	// Environment variables - CODERNETES_ prefix
	v.SetEnvPrefix("CODERNETES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set defaults from config struct
	l.setDefaults(cfg)

	// Explicitly bind environment variables (Viper's Unmarshal has issues without this)
	bindEnvVars(v)

	// AutomaticEnv for any keys not explicitly bound
	v.AutomaticEnv()
}

// setDefaults sets all default values in Viper.
func (l *Loader) setDefaults(cfg *Config) {
	v := l.v

	// Global
	v.SetDefault("global.data_dir", cfg.Global.DataDir)
	v.SetDefault("global.config_dir", cfg.Global.ConfigDir)

	// Hub
	v.SetDefault("hub.host", cfg.Hub.Host)
	v.SetDefault("hub.port", cfg.Hub.Port)
	v.SetDefault("hub.http_host", cfg.Hub.HTTPHost)
	v.SetDefault("hub.http_port", cfg.Hub.HTTPPort)
	v.SetDefault("hub.health_interval", cfg.Hub.HealthInterval)
	v.SetDefault("hub.health_timeout", cfg.Hub.HealthTimeout)
	v.SetDefault("hub.health_failure_threshold", cfg.Hub.HealthFailureThreshold)
	v.SetDefault("hub.dispatch_interval", cfg.Hub.DispatchInterval)
	v.SetDefault("hub.disconnect_policy", string(cfg.Hub.DisconnectPolicy))
	v.SetDefault("hub.job_workdir_root", cfg.Hub.JobWorkdirRoot)

	// Database
	v.SetDefault("database.path", cfg.Database.Path)
	v.SetDefault("database.max_connections", cfg.Database.MaxConnections)
	v.SetDefault("database.busy_timeout_ms", cfg.Database.BusyTimeoutMs)

	// Logging
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.enable_caller", cfg.Logging.EnableCaller)

	// Bridge
	v.SetDefault("bridge.hub_url", cfg.Bridge.HubURL)
	v.SetDefault("bridge.reconnect_delay", cfg.Bridge.ReconnectDelay)
	v.SetDefault("bridge.slack.bot_token", cfg.Bridge.Slack.BotToken)
	v.SetDefault("bridge.slack.default_channel", cfg.Bridge.Slack.DefaultChannel)
	v.SetDefault("bridge.telegram.bot_token", cfg.Bridge.Telegram.BotToken)
	v.SetDefault("bridge.telegram.parse_mode", cfg.Bridge.Telegram.ParseMode)
	v.SetDefault("bridge.telegram.allowed_chats", cfg.Bridge.Telegram.AllowedChats)
	v.SetDefault("bridge.telegram.messages_per_second", cfg.Bridge.Telegram.MessagesPerSecond)

	// Node
	v.SetDefault("node.hub_url", cfg.Node.HubURL)
	v.SetDefault("node.display_name", cfg.Node.DisplayName)
	v.SetDefault("node.tags", cfg.Node.Tags)
	v.SetDefault("node.workdir_root", cfg.Node.WorkdirRoot)
	v.SetDefault("node.command", cfg.Node.Command)
	v.SetDefault("node.reconnect_delay", cfg.Node.ReconnectDelay)
}

// loadConfigFile attempts to load the configuration file.
func (l *Loader) loadConfigFile() error {
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	}

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found, use defaults
			return nil
		}
		return err
	}

	return nil
}

// ConfigFileUsed returns the config file that was loaded.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// Set sets a Viper value by key.
func (l *Loader) Set(key string, value interface{}) {
	l.v.Set(key, value)
}

// Viper returns the underlying Viper instance for advanced use.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// LoadFromFile loads configuration from a specific file.
func LoadFromFile(path string) (*Config, error) {
	loader := NewLoader()
	loader.SetConfigFile(path)
	return loader.Load()
}

// LoadDefault loads configuration with default search paths.
func LoadDefault() (*Config, error) {
	loader := NewLoader()
	return loader.Load()
}

// bindEnvVars binds environment variables for config keys.
// Viper's Unmarshal has issues with env vars on nested structs unless explicitly bound.
func bindEnvVars(v *viper.Viper) {
	envBindings := []string{
		// Global
		"global.data_dir",
		"global.config_dir",
		// Hub
		"hub.host",
		"hub.port",
		"hub.http_host",
		"hub.http_port",
		"hub.health_interval",
		"hub.health_timeout",
		"hub.health_failure_threshold",
		"hub.dispatch_interval",
		"hub.disconnect_policy",
		"hub.job_workdir_root",
		// Database
		"database.path",
		"database.max_connections",
		"database.busy_timeout_ms",
		// Logging
		"logging.level",
		"logging.format",
		"logging.file",
		"logging.enable_caller",
		// Bridge
		"bridge.hub_url",
		"bridge.reconnect_delay",
		"bridge.slack.bot_token",
		"bridge.slack.default_channel",
		"bridge.telegram.bot_token",
		"bridge.telegram.parse_mode",
		"bridge.telegram.messages_per_second",
		// Node
		"node.hub_url",
		"node.display_name",
		"node.workdir_root",
		"node.command",
		"node.reconnect_delay",
	}

	for _, key := range envBindings {
		// Convert key to env var format: database.path -> CODERNETES_DATABASE_PATH
		envVar := "CODERNETES_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		_ = v.BindEnv(key, envVar)
	}
}
