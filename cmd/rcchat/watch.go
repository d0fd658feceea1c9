package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	rocketchat "github.com/Azzzizzz/Rocket.Chat.POC"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	watchNoRealtime bool
	watchReadOnly   bool
)

func init() {
	watchCmd.Flags().BoolVar(&watchNoRealtime, "no-realtime", false, "Poll only, without the realtime connection")
	watchCmd.Flags().BoolVar(&watchReadOnly, "read-only", false, "Do not read messages to send from stdin")
	rootCmd.AddCommand(watchCmd)
}

// printer writes session events to stdout, printing each message once.
type printer struct {
	mu      sync.Mutex
	room    string
	seen    map[string]bool
	unread  map[string]rocketchat.UnreadState
	titles  map[string]string
	online  map[string]string
	started bool
}

func newPrinter() *printer {
	return &printer{
		seen:   make(map[string]bool),
		unread: make(map[string]rocketchat.UnreadState),
		titles: make(map[string]string),
		online: make(map[string]string),
	}
}

func (p *printer) handle(event string, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch event {
	case rocketchat.EventMessagesChanged:
		mc := payload.(rocketchat.MessagesChanged)
		if mc.RoomID != p.room {
			return
		}
		var fresh []rocketchat.Message
		for _, m := range mc.Messages {
			if m.Optimistic || p.seen[m.ID] {
				continue
			}
			p.seen[m.ID] = true
			fresh = append(fresh, m)
		}
		printMessages(fresh)

	case rocketchat.EventRoomsChanged:
		for _, r := range payload.([]rocketchat.Room) {
			p.titles[r.ID] = r.Title()
		}

	case rocketchat.EventUnreadChanged:
		next := payload.(map[string]rocketchat.UnreadState)
		var lines []string
		for rid, st := range next {
			if rid == p.room || !st.Unread || p.unread[rid] == st {
				continue
			}
			lines = append(lines, fmt.Sprintf("  * %s has unread messages", valueOrDefault(p.titles[rid], rid)))
		}
		sort.Strings(lines)
		p.unread = next
		if p.started {
			for _, l := range lines {
				fmt.Println(l)
			}
		}

	case rocketchat.EventPresenceChanged:
		next := payload.(map[string]string)
		if p.started {
			for name, status := range next {
				if prev, ok := p.online[name]; ok && prev != status {
					fmt.Printf("  ~ %s is now %s\n", name, status)
				}
			}
		}
		p.online = next

	case rocketchat.EventAuthFailed:
		fmt.Fprintf(os.Stderr, "Authentication failed: %v\nRun 'rcchat login' again.\n", payload)
	}
}

func (p *printer) start() {
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()
}

var watchCmd = &cobra.Command{
	Use:   "watch <room>",
	Short: "Follow a room live and send lines typed on stdin",
	Long: "Open a sync session, select the room and print new messages as they arrive.\n" +
		"Unread activity in other rooms and presence changes of room members are shown as notices.\n" +
		"Each line typed on stdin is sent to the room. Stop with Ctrl-C.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getAuthClient()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sess := newSession(client, cfg)
		defer sess.Close()

		p := newPrinter()
		for _, ev := range []string{
			rocketchat.EventMessagesChanged,
			rocketchat.EventRoomsChanged,
			rocketchat.EventUnreadChanged,
			rocketchat.EventPresenceChanged,
			rocketchat.EventAuthFailed,
		} {
			sess.On(ev, p.handle)
		}

		openCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
		err := sess.Open(openCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("open session: %w", err)
		}

		room, ok := findRoom(sess.Rooms(), strings.TrimPrefix(args[0], "#"))
		if !ok {
			return fmt.Errorf("no room %q among your subscriptions", args[0])
		}
		p.mu.Lock()
		p.room = room.ID
		p.mu.Unlock()

		if !watchNoRealtime {
			rtCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
			err := sess.ConnectRealtime(rtCtx)
			cancel()
			if err != nil {
				if errors.Is(err, rocketchat.ErrUnauthorized) {
					return fmt.Errorf("realtime login rejected: %w", err)
				}
				logger.Warn("realtime unavailable, polling only", zap.Error(err))
			}
		}

		if err := sess.Select(ctx, room.ID); err != nil {
			return fmt.Errorf("select room: %w", err)
		}
		p.start()
		fmt.Printf("Watching %s. Ctrl-C to stop.\n", room.Title())

		if !watchReadOnly {
			go sendLines(ctx, sess, room.ID)
		}

		<-ctx.Done()
		fmt.Println()
		return nil
	},
}

// sendLines sends every non-empty stdin line to roomID until ctx ends or
// stdin closes.
func sendLines(ctx context.Context, sess *rocketchat.Session, roomID string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, rocketchat.DefaultTimeout)
		_, err := sess.Send(sendCtx, roomID, text)
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "  ! not delivered: %v\n", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}
