package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	rocketchat "github.com/Azzzizzz/Rocket.Chat.POC"
	"github.com/spf13/cobra"
)

var presenceConcurrency int

func init() {
	presenceCmd.Flags().IntVarP(&presenceConcurrency, "concurrency", "c", rocketchat.DefaultPresenceConcurrency, "Parallel lookups")
	rootCmd.AddCommand(presenceCmd)
}

var presenceCmd = &cobra.Command{
	Use:   "presence <username...>",
	Short: "Show the presence status of users",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getAuthClient()

		names := make([]string, 0, len(args))
		for _, a := range args {
			names = append(names, strings.TrimPrefix(a, "@"))
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		poller := rocketchat.NewPresencePoller(client, func() []string { return names }, rocketchat.PresenceConfig{
			Concurrency: presenceConcurrency,
			Logger:      logger,
		})
		poller.Tick(ctx)

		statuses := poller.Statuses()
		sorted := make([]string, 0, len(statuses))
		for name := range statuses {
			sorted = append(sorted, name)
		}
		sort.Strings(sorted)
		for _, name := range sorted {
			fmt.Printf("%-24s %s\n", name, statuses[name])
		}
		return nil
	},
}

var (
	usersLimit  int
	usersOffset int
)

func init() {
	usersCmd.Flags().IntVarP(&usersLimit, "limit", "n", 50, "Page size")
	usersCmd.Flags().IntVar(&usersOffset, "offset", 0, "Entries to skip")
	rootCmd.AddCommand(usersCmd)
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Page through the user directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getAuthClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		users, err := client.ListUsers(ctx, usersLimit, usersOffset)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		for _, u := range users {
			kind := ""
			if u.HasRole("bot") {
				kind = "bot"
			}
			fmt.Printf("%-24s %-10s %-4s %s\n", u.Username, valueOrDefault(u.Status, "-"), kind, u.Name)
		}
		return nil
	},
}
