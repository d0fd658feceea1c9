//go:build integration

package rocketchat_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	rocketchat "github.com/Azzzizzz/Rocket.Chat.POC"
)

// helpers ---------------------------------------------------------------

func env(t *testing.T, key string) string {
	t.Helper()
	v := os.Getenv(key)
	if v == "" {
		t.Skipf("%s environment variable is required", key)
	}
	return v
}

func loggedIn(t *testing.T, ctx context.Context) (*rocketchat.Client, *rocketchat.LoginData) {
	t.Helper()
	client := rocketchat.NewClient(env(t, "RC_URL_TEST"), rocketchat.WithTimeout(15*time.Second))
	data, err := client.Login(ctx, env(t, "RC_USER_TEST"), env(t, "RC_PASSWORD_TEST"))
	if err != nil {
		t.Fatalf("Login error: %v", err)
	}
	if data.Token == "" || data.UserID == "" {
		t.Fatalf("Login returned empty credentials: %+v", data.Credentials)
	}
	return client, data
}

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

// =======================================================================
// REST
// =======================================================================

func TestIntegration_REST(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	client, login := loggedIn(t, ctx)

	t.Run("Me", func(t *testing.T) {
		me, err := client.Me(ctx)
		if err != nil {
			t.Fatalf("Me error: %v", err)
		}
		if me.ID != login.UserID {
			t.Errorf("Me id = %q, want %q", me.ID, login.UserID)
		}
	})

	t.Run("BadToken", func(t *testing.T) {
		bad := rocketchat.NewClient(client.BaseURL(), rocketchat.WithCredentials(rocketchat.Credentials{
			Token: "invalid", UserID: login.UserID,
		}))
		_, err := bad.Me(ctx)
		if !errors.Is(err, rocketchat.ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
	})

	channel, err := client.CreateChannel(ctx, uniqueName("gotest"))
	if err != nil {
		t.Fatalf("CreateChannel error: %v", err)
	}
	t.Logf("Channel created: %s (%s)", channel.Title(), channel.ID)

	t.Run("Subscriptions", func(t *testing.T) {
		rooms, err := client.Subscriptions(ctx)
		if err != nil {
			t.Fatalf("Subscriptions error: %v", err)
		}
		found := false
		for _, r := range rooms {
			if r.ID == channel.ID {
				found = true
			}
		}
		if !found {
			t.Errorf("new channel %s missing from %d subscriptions", channel.ID, len(rooms))
		}
	})

	var sent *rocketchat.Message
	t.Run("PostMessage", func(t *testing.T) {
		sent, err = client.PostMessage(ctx, channel.ID, "hello from the integration suite")
		if err != nil {
			t.Fatalf("PostMessage error: %v", err)
		}
		if sent.ID == "" || sent.TS.IsZero() {
			t.Fatalf("incomplete message: %+v", sent)
		}
	})

	t.Run("RoomHistory", func(t *testing.T) {
		msgs, err := client.RoomHistory(ctx, channel.ID, channel.Type, 10)
		if err != nil {
			t.Fatalf("RoomHistory error: %v", err)
		}
		if len(msgs) == 0 {
			t.Fatal("expected at least one message")
		}
		for i := 1; i < len(msgs); i++ {
			if msgs[i].TS.Before(msgs[i-1].TS.Time) {
				t.Fatalf("history not oldest-first at %d", i)
			}
		}
	})

	t.Run("SyncMessages", func(t *testing.T) {
		res, err := client.SyncMessages(ctx, channel.ID, time.Now().Add(-time.Hour))
		if err != nil {
			t.Fatalf("SyncMessages error: %v", err)
		}
		if sent != nil {
			found := false
			for _, m := range append(res.Messages, res.Updated...) {
				if m.ID == sent.ID {
					found = true
				}
			}
			if !found {
				t.Errorf("sent message %s not in delta", sent.ID)
			}
		}
	})

	t.Run("UploadFile", func(t *testing.T) {
		res, err := client.UploadFile(ctx, channel.ID, []byte("Hello from the upload test"), &rocketchat.UploadOptions{
			FileName:    "test-upload.txt",
			Description: "upload test",
		})
		if err != nil {
			t.Fatalf("UploadFile error: %v", err)
		}
		if !res.Success {
			t.Fatalf("upload not successful: %+v", res)
		}
	})

	t.Run("UploadFile_MissingName", func(t *testing.T) {
		if _, err := client.UploadFile(ctx, channel.ID, []byte("x"), &rocketchat.UploadOptions{}); err == nil {
			t.Fatal("expected error without a file name")
		}
	})

	t.Run("Presence", func(t *testing.T) {
		status, err := client.Presence(ctx, login.Me.Username)
		if err != nil {
			t.Fatalf("Presence error: %v", err)
		}
		if status == "" {
			t.Fatal("empty status")
		}
	})

	t.Run("MarkAsRead", func(t *testing.T) {
		if err := client.MarkAsRead(ctx, channel.ID); err != nil {
			t.Fatalf("MarkAsRead error: %v", err)
		}
	})
}

// =======================================================================
// Session
// =======================================================================

func TestIntegration_SessionRealtime(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	client, login := loggedIn(t, ctx)
	channel, err := client.CreateChannel(ctx, uniqueName("gorealtime"))
	if err != nil {
		t.Fatalf("CreateChannel error: %v", err)
	}

	sess := rocketchat.NewSession(client, rocketchat.SessionConfig{
		ServerURL:   client.BaseURL(),
		Credentials: login.Credentials,
		Self:        login.Me,
	})
	defer sess.Close()

	changed := make(chan rocketchat.MessagesChanged, 64)
	sess.On(rocketchat.EventMessagesChanged, func(_ string, payload any) {
		select {
		case changed <- payload.(rocketchat.MessagesChanged):
		default:
		}
	})

	if err := sess.Open(ctx); err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if err := sess.ConnectRealtime(ctx); err != nil {
		t.Fatalf("ConnectRealtime error: %v", err)
	}
	if sess.RealtimeState() != rocketchat.StateAuthenticated {
		t.Fatalf("state = %v, want authenticated", sess.RealtimeState())
	}
	if err := sess.Select(ctx, channel.ID); err != nil {
		t.Fatalf("Select error: %v", err)
	}

	msg, err := sess.Send(ctx, "", "sent through the session")
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}

	deadline := time.After(15 * time.Second)
	for {
		select {
		case mc := <-changed:
			if mc.RoomID != channel.ID {
				continue
			}
			confirmed, pending := 0, 0
			for _, m := range mc.Messages {
				if m.ID == msg.ID {
					confirmed++
				}
				if m.Optimistic {
					pending++
				}
			}
			if confirmed == 1 && pending == 0 {
				return
			}
			if confirmed > 1 {
				t.Fatalf("message %s appears %d times", msg.ID, confirmed)
			}
		case <-deadline:
			t.Fatalf("message %s never confirmed; have %d messages", msg.ID, len(sess.Messages(channel.ID)))
		}
	}
}
