package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/chatsync"
)

var conversationsJSON bool

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(conversationsCmd)
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List your conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, self, err := loadIdentity()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		store, closeStore, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		convs, err := chatsync.NewRegistry(store).Load(ctx, self)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if conversationsJSON {
			out, err := json.MarshalIndent(convs, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}

		if len(convs) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		for _, c := range convs {
			fmt.Printf("%-40s  %-16s  %s  %s\n",
				c.ID, c.Other(self), c.UpdatedAt.Local().Format("2006-01-02 15:04"), preview(c.LastMessagePreview, 40))
		}
		return nil
	},
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
