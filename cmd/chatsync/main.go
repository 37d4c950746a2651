package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Server  ConfigServer  `toml:"server"`
}

// ConfigDefault selects the conversation store.
type ConfigDefault struct {
	Backend  string `toml:"backend"` // "http", "redis" or "memory"
	BaseURL  string `toml:"base_url"`
	RedisURL string `toml:"redis_url"`
}

// ConfigAuth holds the signed-in identity.
type ConfigAuth struct {
	Identity string `toml:"identity"`
	Token    string `toml:"token"`
}

// ConfigServer holds settings of `chatsync serve`.
type ConfigServer struct {
	Listen string `toml:"listen"`
}

const (
	defaultBaseURL = "http://localhost:8080"
	defaultListen  = ":8080"
)

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	if dir := os.Getenv("CHATSYNC_HOME"); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", fmt.Errorf("cannot create config directory: %w", err)
		}
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.backend").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.backend)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "backend":
			switch value {
			case "http", "redis", "memory":
			default:
				return fmt.Errorf("unknown backend %q (valid: http, redis, memory)", value)
			}
			cfg.Default.Backend = value
		case "base_url":
			cfg.Default.BaseURL = value
		case "redis_url":
			cfg.Default.RedisURL = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "identity":
			cfg.Auth.Identity = value
		case "token":
			cfg.Auth.Token = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "server":
		switch field {
		case "listen":
			cfg.Server.Listen = value
		default:
			return fmt.Errorf("unknown field %q in section [server]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, server)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Two-party chat over a synced conversation store",
	Long:  "Command-line interface for chatsync.\nManage configuration, list conversations, chat interactively and serve a store.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		jww.SetLogThreshold(jww.LevelWarn)
		jww.SetStdoutThreshold(jww.LevelError)
		if verbose {
			jww.SetStdoutThreshold(jww.LevelDebug)
		}
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log sync activity to stdout")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
