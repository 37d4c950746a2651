package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var configShowRaw bool

func init() {
	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "Print the file as stored, secrets included")
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync CLI configuration stored in ~/.chatsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print the configuration with defaults resolved and the token masked.\nUse --raw for the file contents.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if configShowRaw {
			data, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Fprintln(cmd.OutOrStdout(), "No configuration file found. Run 'chatsync init <identity>' to create one.")
					return nil
				}
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), string(data))
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		writeConfigSummary(cmd.OutOrStdout(), cfg, path)
		return nil
	},
}

// writeConfigSummary prints cfg with defaults filled in. Only the selected backend's
// address is shown.
func writeConfigSummary(w io.Writer, cfg *Config, path string) {
	backend := valueOrDefault(cfg.Default.Backend, "http")
	fmt.Fprintf(w, "# %s\n", path)
	fmt.Fprintln(w, "[default]")
	fmt.Fprintf(w, "backend   = %s\n", backend)
	switch backend {
	case "redis":
		fmt.Fprintf(w, "redis_url = %s\n", valueOrDefault(maskRedisURL(cfg.Default.RedisURL), "(from REDIS_URL)"))
	case "http":
		fmt.Fprintf(w, "base_url  = %s\n", valueOrDefault(cfg.Default.BaseURL, defaultBaseURL))
	}

	fmt.Fprintln(w, "\n[auth]")
	fmt.Fprintf(w, "identity  = %s\n", valueOrDefault(cfg.Auth.Identity, "(not set)"))
	token := "(not set)"
	if cfg.Auth.Token != "" {
		token = maskKey(cfg.Auth.Token)
	}
	fmt.Fprintf(w, "token     = %s\n", token)

	fmt.Fprintln(w, "\n[server]")
	fmt.Fprintf(w, "listen    = %s\n", valueOrDefault(cfg.Server.Listen, defaultListen))
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set default.backend redis",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		shown := value
		if key == "auth.token" {
			shown = maskKey(value)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, shown)
		return nil
	},
}
