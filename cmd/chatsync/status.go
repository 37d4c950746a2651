package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/chatsync"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and backend status",
	Long:  "Display the current configuration and check that the configured backend answers.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Print config summary.
		fmt.Println("Configuration:")
		fmt.Printf("  Backend:   %s\n", valueOrDefault(cfg.Default.Backend, "http"))
		switch cfg.Default.Backend {
		case "redis":
			fmt.Printf("  Redis URL: %s\n", valueOrDefault(maskRedisURL(cfg.Default.RedisURL), "(from REDIS_URL)"))
		case "memory":
		default:
			fmt.Printf("  Base URL:  %s\n", valueOrDefault(cfg.Default.BaseURL, defaultBaseURL))
		}

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  Identity:  %s\n", valueOrDefault(cfg.Auth.Identity, "(not set)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:     %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:     (not set)")
		}

		if cfg.Auth.Identity == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		store, closeStore, err := openStore(ctx, cfg)
		if err != nil {
			fmt.Printf("  Error opening backend: %v\n", err)
			return nil
		}
		defer closeStore()

		start := time.Now()
		convs, err := store.QueryConversations(ctx, chatsync.Identity(cfg.Auth.Identity))
		if err != nil {
			fmt.Printf("  Error fetching conversations: %v\n", err)
			return nil
		}
		fmt.Printf("  Reachable:     yes (%s)\n", time.Since(start).Round(time.Millisecond))
		fmt.Printf("  Conversations: %d\n", len(convs))
		return nil
	},
}
