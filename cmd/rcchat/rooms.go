package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	rocketchat "github.com/Azzzizzz/Rocket.Chat.POC"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	roomsJSON       bool
	roomsUnreadOnly bool

	historyLimit int
	historySince time.Duration
	historyJSON  bool

	uploadDescription string
	uploadMimeType    string
)

func init() {
	roomsCmd.Flags().BoolVar(&roomsJSON, "json", false, "Output raw JSON")
	roomsCmd.Flags().BoolVarP(&roomsUnreadOnly, "unread", "u", false, "Only rooms with unread messages")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", rocketchat.DefaultHistoryCount, "Maximum number of messages")
	historyCmd.Flags().DurationVar(&historySince, "since", 0, "Also apply the delta since this long ago (e.g. 10m)")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")

	uploadCmd.Flags().StringVarP(&uploadDescription, "description", "d", "", "Message text shown with the file")
	uploadCmd.Flags().StringVar(&uploadMimeType, "mime", "", "Override the detected MIME type")

	rootCmd.AddCommand(roomsCmd, historyCmd, sendCmd, uploadCmd, dmCmd, channelCmd, membersCmd, inviteCmd)
}

// resolveRoom looks up a room id or name among the user's subscriptions.
func resolveRoom(ctx context.Context, client *rocketchat.Client, ref string) (rocketchat.Room, error) {
	rooms, err := client.Subscriptions(ctx)
	if err != nil {
		return rocketchat.Room{}, fmt.Errorf("failed to list rooms: %w", err)
	}
	room, ok := findRoom(rooms, strings.TrimPrefix(ref, "#"))
	if !ok {
		return rocketchat.Room{}, fmt.Errorf("no room %q among your subscriptions", ref)
	}
	return room, nil
}

func printMessages(msgs []rocketchat.Message) {
	for _, m := range msgs {
		text := m.Text
		if m.File != nil {
			text = strings.TrimSpace(text + " [file: " + m.File.Name + "]")
		}
		mark := ""
		if m.Optimistic {
			mark = " (pending)"
		}
		fmt.Printf("[%s] %s: %s%s\n", formatTime(m.TS.Time), valueOrDefault(m.User.Username, "?"), text, mark)
	}
}

// ============================================================================
// rooms
// ============================================================================

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List your rooms with unread state",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getAuthClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		rooms, err := client.Subscriptions(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		tracker := rocketchat.NewUnreadTracker()
		tracker.ApplySnapshot(rooms)
		if roomsUnreadOnly {
			unread := make(map[string]bool)
			for _, rid := range tracker.UnreadRooms() {
				unread[rid] = true
			}
			keep := rooms[:0]
			for _, r := range rooms {
				if unread[r.ID] {
					keep = append(keep, r)
				}
			}
			rooms = keep
		}
		sort.SliceStable(rooms, func(i, j int) bool { return rooms[i].Title() < rooms[j].Title() })

		if roomsJSON {
			out, _ := json.MarshalIndent(rooms, "", "  ")
			fmt.Println(string(out))
			return nil
		}
		if len(rooms) == 0 {
			fmt.Println("No rooms.")
			return nil
		}

		fmt.Printf("%-4s %-30s %-20s %s\n", "TYPE", "NAME", "ID", "UNREAD")
		for _, r := range rooms {
			st := tracker.State(r.ID)
			unread := ""
			switch {
			case st.Count > 0:
				unread = fmt.Sprintf("%d", st.Count)
			case st.Unread:
				unread = "*"
			}
			fmt.Printf("%-4s %-30s %-20s %s\n", r.Type, r.Title(), r.ID, unread)
		}
		fmt.Printf("\n%d rooms, %d unread messages\n", len(rooms), tracker.Total())
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <room>",
	Short: "Print recent messages of a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getAuthClient()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		room, err := resolveRoom(ctx, client, args[0])
		if err != nil {
			return err
		}
		msgs, err := client.RoomHistory(ctx, room.ID, room.Type, historyLimit)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		store := rocketchat.NewStore(rocketchat.User{ID: cfg.Auth.UserID, Username: cfg.Auth.Username})
		store.Seed(room.ID, msgs)
		if historySince > 0 {
			at := time.Now()
			delta, err := client.SyncMessages(ctx, room.ID, at.Add(-historySince))
			if err != nil {
				return fmt.Errorf("delta sync failed: %w", err)
			}
			store.ApplySync(room.ID, delta, at)
		}

		if historyJSON {
			out, _ := json.MarshalIndent(store.Messages(room.ID), "", "  ")
			fmt.Println(string(out))
			return nil
		}
		printMessages(store.Messages(room.ID))
		return nil
	},
}

// ============================================================================
// send / upload
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <room> <text...>",
	Short: "Send a message to a room",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getAuthClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		room, err := resolveRoom(ctx, client, args[0])
		if err != nil {
			return err
		}
		msg, err := client.PostMessage(ctx, room.ID, strings.Join(args[1:], " "))
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		fmt.Printf("Sent %s to %s\n", msg.ID, room.Title())
		return nil
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload <room> <file>",
	Short: "Upload a file into a room",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getAuthClient()

		data, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("cannot read file: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		room, err := resolveRoom(ctx, client, args[0])
		if err != nil {
			return err
		}
		res, err := client.UploadFile(ctx, room.ID, data, &rocketchat.UploadOptions{
			FileName:    filepath.Base(args[1]),
			MimeType:    uploadMimeType,
			Description: uploadDescription,
		})
		if err != nil {
			return fmt.Errorf("upload failed: %w", err)
		}
		if res.Message != nil {
			fmt.Printf("Uploaded %s to %s (message %s)\n", filepath.Base(args[1]), room.Title(), res.Message.ID)
			return nil
		}
		fmt.Printf("Uploaded %s to %s\n", filepath.Base(args[1]), room.Title())
		return nil
	},
}

// ============================================================================
// dm / channel / members / invite
// ============================================================================

var dmCmd = &cobra.Command{
	Use:   "dm <username>",
	Short: "Open a direct message room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getAuthClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		room, err := client.CreateDM(ctx, strings.TrimPrefix(args[0], "@"))
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Direct room %s\n", room.ID)
		return nil
	},
}

var channelCmd = &cobra.Command{
	Use:   "channel <name>",
	Short: "Create a public channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getAuthClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		room, err := client.CreateChannel(ctx, strings.TrimPrefix(args[0], "#"))
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Channel #%s created (%s)\n", room.Title(), room.ID)
		return nil
	},
}

var membersCmd = &cobra.Command{
	Use:   "members <room>",
	Short: "List the members of a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getAuthClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		room, err := resolveRoom(ctx, client, args[0])
		if err != nil {
			return err
		}
		members, err := client.RoomMembers(ctx, room.ID, room.Type)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		for _, m := range members {
			fmt.Printf("%-24s %-10s %s\n", m.Username, valueOrDefault(m.Status, "-"), m.Name)
		}
		return nil
	},
}

var inviteCmd = &cobra.Command{
	Use:   "invite <room> <username>",
	Short: "Invite a user into a channel or private group",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getAuthClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		room, err := resolveRoom(ctx, client, args[0])
		if err != nil {
			return err
		}
		user, err := client.UserInfo(ctx, strings.TrimPrefix(args[1], "@"))
		if err != nil {
			return fmt.Errorf("user lookup failed: %w", err)
		}
		if err := client.Invite(ctx, room.ID, room.Type, user.ID); err != nil {
			return fmt.Errorf("invite failed: %w", err)
		}
		fmt.Printf("Invited %s to %s\n", user.Username, room.Title())
		return nil
	},
}
