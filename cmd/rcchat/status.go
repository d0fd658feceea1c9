package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	rocketchat "github.com/Azzzizzz/Rocket.Chat.POC"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration and, when logged in, fetch live account info.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Server URL:       %s\n", valueOrDefault(cfg.Default.ServerURL, "(not set)"))
		fmt.Printf("  Background rooms: %t\n", cfg.Default.BackgroundRooms)

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token == "" {
			fmt.Println("  Token:    (not logged in)")
			return nil
		}
		fmt.Printf("  Username: %s\n", valueOrDefault(cfg.Auth.Username, "(unknown)"))
		fmt.Printf("  User ID:  %s\n", cfg.Auth.UserID)
		fmt.Printf("  Token:    %s\n", maskKey(cfg.Auth.Token))

		if cfg.Default.ServerURL == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		me, err := client.Me(ctx)
		if err != nil {
			if errors.Is(err, rocketchat.ErrUnauthorized) {
				fmt.Println("  Token rejected. Run 'rcchat login' again.")
				return nil
			}
			fmt.Printf("  Error fetching account info: %v\n", err)
			return nil
		}
		fmt.Printf("  Username: %s\n", me.Username)
		fmt.Printf("  Name:     %s\n", valueOrDefault(me.Name, "-"))
		fmt.Printf("  Status:   %s\n", valueOrDefault(me.Status, rocketchat.StatusOffline))
		if len(me.Roles) > 0 {
			fmt.Printf("  Roles:    %v\n", me.Roles)
		}
		return nil
	},
}
