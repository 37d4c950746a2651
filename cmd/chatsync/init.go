package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initToken string

func init() {
	initCmd.Flags().StringVar(&initToken, "token", "", "Bearer token for the HTTP backend")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <identity>",
	Short: "Store your identity in ~/.chatsync/config.toml",
	Long:  "Initialize the chatsync CLI by storing the identity you chat as in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Identity = args[0]
		if initToken != "" {
			cfg.Auth.Token = initToken
		}
		if cfg.Default.Backend == "" {
			cfg.Default.Backend = "http"
		}
		if cfg.Default.BaseURL == "" {
			cfg.Default.BaseURL = defaultBaseURL
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Identity %s saved to %s\n", args[0], path)
		return nil
	},
}
