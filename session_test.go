package rocketchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// fakeAPI is an in-memory request/response surface.
type fakeAPI struct {
	mu          sync.Mutex
	rooms       []Room
	subsErr     error
	history     map[string][]Message
	historyGate map[string]chan struct{}
	historyCtx  map[string]context.Context
	members     map[string][]User
	sync        *SyncResult
	syncSince   time.Time
	posted      *Message
	postErr     error
	markedRead  []string
}

var _ API = (*fakeAPI)(nil)

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		history:     map[string][]Message{},
		historyGate: map[string]chan struct{}{},
		historyCtx:  map[string]context.Context{},
		members:     map[string][]User{},
	}
}

func (f *fakeAPI) Subscriptions(context.Context) ([]Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subsErr != nil {
		return nil, f.subsErr
	}
	return append([]Room(nil), f.rooms...), nil
}

// RoomHistory ignores cancellation while gated so a late response can be
// observed arriving after the room was switched away from.
func (f *fakeAPI) RoomHistory(ctx context.Context, roomID string, _ RoomType, _ int) ([]Message, error) {
	f.mu.Lock()
	f.historyCtx[roomID] = ctx
	gate := f.historyGate[roomID]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.history[roomID]...), nil
}

func (f *fakeAPI) SyncMessages(_ context.Context, _ string, since time.Time) (*SyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncSince = since
	if f.sync == nil {
		return &SyncResult{}, nil
	}
	return f.sync, nil
}

func (f *fakeAPI) PostMessage(_ context.Context, roomID, text string) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return nil, f.postErr
	}
	m := *f.posted
	return &m, nil
}

func (f *fakeAPI) MarkAsRead(_ context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedRead = append(f.markedRead, roomID)
	return nil
}

func (f *fakeAPI) RoomMembers(_ context.Context, roomID string, _ RoomType) ([]User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members[roomID], nil
}

func (f *fakeAPI) Presence(context.Context, string) (string, error) { return "online", nil }

func (f *fakeAPI) CreateDM(_ context.Context, username string) (*Room, error) {
	return &Room{ID: "dm-" + username, Type: RoomDirect, Name: username}, nil
}

func (f *fakeAPI) CreateChannel(_ context.Context, name string) (*Room, error) {
	return &Room{ID: "ch-" + name, Type: RoomChannel, Name: name}, nil
}

func (f *fakeAPI) marked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.markedRead...)
}

func newTestSession(t *testing.T, api API, cfg SessionConfig) *Session {
	t.Helper()
	if cfg.Self.Username == "" {
		cfg.Self = alice
	}
	if cfg.ResyncInterval == 0 {
		cfg.ResyncInterval = time.Hour
	}
	if cfg.PresenceInterval == 0 {
		cfg.PresenceInterval = time.Hour
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "ws://127.0.0.1:1/websocket"
	}
	s := NewSession(api, cfg)
	t.Cleanup(func() { s.Close() })
	return s
}

func collect(s *Session, event string) <-chan any {
	ch := make(chan any, 128)
	s.On(event, func(_ string, payload any) {
		select {
		case ch <- payload:
		default:
		}
	})
	return ch
}

func waitFor(t *testing.T, ch <-chan any, match func(any) bool) any {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case p := <-ch:
			if match(p) {
				return p
			}
		case <-deadline:
			t.Fatal("expected event never arrived")
			return nil
		}
	}
}

// settle waits for in-flight room fetches and drains the event loop.
func settle(t *testing.T, s *Session) {
	t.Helper()
	s.fetches.Wait()
	require.NoError(t, s.do(context.Background(), func() {}))
}

func TestSessionColdStart(t *testing.T) {
	api := newFakeAPI()
	api.rooms = []Room{{ID: "A", Type: RoomChannel, Name: "general", Unread: 2}, {ID: "B", Type: RoomPrivate, Name: "team"}}
	s := newTestSession(t, api, SessionConfig{})
	rooms := collect(s, EventRoomsChanged)

	require.NoError(t, s.Open(context.Background()))

	assert.Equal(t, UnreadState{Unread: true, Count: 2}, s.Unread()["A"])
	assert.Equal(t, UnreadState{}, s.Unread()["B"])
	assert.Len(t, s.Rooms(), 2)
	waitFor(t, rooms, func(p any) bool { return len(p.([]Room)) == 2 })

	assert.True(t, s.registry.Held(RoomTopic("A")), "background rooms are listened to")
	assert.True(t, s.registry.Held(UserTopic(alice.ID, UserEventSubscriptions)))
	assert.True(t, s.registry.Held(UserTopic(alice.ID, UserEventNotification)))
}

func TestSessionOpenAuthFailure(t *testing.T) {
	api := newFakeAPI()
	api.subsErr = &APIError{StatusCode: 401, Message: "You must be logged in to do this."}
	s := newTestSession(t, api, SessionConfig{})
	failed := collect(s, EventAuthFailed)

	err := s.Open(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
	waitFor(t, failed, func(p any) bool { return errors.Is(p.(error), ErrUnauthorized) })
}

func TestSessionSelectSeedsAndMarksRead(t *testing.T) {
	api := newFakeAPI()
	api.rooms = []Room{{ID: "A", Type: RoomChannel, Unread: 3, Alert: true}}
	api.history["A"] = []Message{msg("m2", bob, "two", 2), msg("m1", bob, "one", 1)}
	api.members["A"] = []User{bob, alice}
	s := newTestSession(t, api, SessionConfig{})
	changed := collect(s, EventMessagesChanged)
	require.NoError(t, s.Open(context.Background()))

	require.NoError(t, s.Select(context.Background(), "A"))
	assert.Equal(t, UnreadState{}, s.Unread()["A"], "read locally before the server confirms")

	waitFor(t, changed, func(p any) bool { return len(p.(MessagesChanged).Messages) == 2 })
	settle(t, s)
	assert.Equal(t, []string{"m1", "m2"}, ids(s.Messages("A")))
	assert.ElementsMatch(t, []string{"bob", "alice"}, s.Members("A"))
	assert.Eventually(t, func() bool { return len(api.marked()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return !s.Cursor("A").IsZero() }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"alice", "bob"}, s.workingSet()[1:])
}

func TestSessionRoomSwitchDiscardsStaleFetch(t *testing.T) {
	api := newFakeAPI()
	api.rooms = []Room{{ID: "A", Type: RoomChannel}, {ID: "B", Type: RoomChannel}}
	api.history["A"] = []Message{msg("a1", bob, "from A", 1)}
	api.history["B"] = []Message{msg("b1", bob, "from B", 1)}
	gateA := make(chan struct{})
	api.historyGate["A"] = gateA
	s := newTestSession(t, api, SessionConfig{})
	changed := collect(s, EventMessagesChanged)
	require.NoError(t, s.Open(context.Background()))

	require.NoError(t, s.Select(context.Background(), "A"))
	require.Eventually(t, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return api.historyCtx["A"] != nil
	}, time.Second, time.Millisecond)

	require.NoError(t, s.Select(context.Background(), "B"))
	waitFor(t, changed, func(p any) bool {
		mc := p.(MessagesChanged)
		return mc.RoomID == "B" && len(mc.Messages) == 1
	})

	api.mu.Lock()
	ctxA := api.historyCtx["A"]
	api.mu.Unlock()
	assert.ErrorIs(t, ctxA.Err(), context.Canceled, "switching away cancels the pending fetch")

	close(gateA)
	settle(t, s)

	assert.Equal(t, "B", s.Active())
	assert.Equal(t, []string{"b1"}, ids(s.Messages("B")))
	assert.Empty(t, s.Messages("A"), "late response for A is discarded")
}

func TestSessionSend(t *testing.T) {
	t.Run("server copy replaces placeholder", func(t *testing.T) {
		api := newFakeAPI()
		api.rooms = []Room{{ID: "A", Type: RoomChannel}}
		api.history["A"] = []Message{msg("m1", bob, "one", 1)}
		sent := msg("m2", alice, "hello", 2)
		api.posted = &sent
		s := newTestSession(t, api, SessionConfig{})
		require.NoError(t, s.Open(context.Background()))
		require.NoError(t, s.Select(context.Background(), "A"))
		settle(t, s)

		got, err := s.Send(context.Background(), "", "hello")
		require.NoError(t, err)
		assert.Equal(t, "m2", got.ID)
		settle(t, s)

		msgs := s.Messages("A")
		assert.Equal(t, []string{"m1", "m2"}, ids(msgs))
		assert.False(t, msgs[1].Optimistic)
	})

	t.Run("failure keeps placeholder", func(t *testing.T) {
		api := newFakeAPI()
		api.postErr = errors.New("network down")
		s := newTestSession(t, api, SessionConfig{})

		got, err := s.Send(context.Background(), "A", "hello")
		require.Error(t, err)
		assert.True(t, got.Optimistic)
		msgs := s.Messages("A")
		require.Len(t, msgs, 1)
		assert.True(t, msgs[0].Optimistic)
	})

	t.Run("needs a room", func(t *testing.T) {
		s := newTestSession(t, newFakeAPI(), SessionConfig{})
		_, err := s.Send(context.Background(), "", "hello")
		assert.ErrorIs(t, err, ErrNoActiveRoom)
	})
}

func TestSessionResync(t *testing.T) {
	api := newFakeAPI()
	api.rooms = []Room{{ID: "A", Type: RoomChannel}}
	api.history["A"] = []Message{msg("m1", bob, "one", 1), msg("m2", bob, "two", 2)}
	s := newTestSession(t, api, SessionConfig{})
	require.NoError(t, s.Open(context.Background()))
	require.NoError(t, s.Select(context.Background(), "A"))
	settle(t, s)
	seeded := s.store.LastSync("A")

	api.mu.Lock()
	api.sync = &SyncResult{
		Messages: []Message{msg("m3", bob, "three", 3)},
		Deleted:  []DeletedRef{{ID: "m1"}},
	}
	api.rooms = append(api.rooms, Room{ID: "C", Type: RoomChannel, Unread: 1})
	api.mu.Unlock()

	s.Resync(context.Background())
	settle(t, s)

	assert.Equal(t, []string{"m2", "m3"}, ids(s.Messages("A")))
	assert.Equal(t, seeded, api.syncSince)
	assert.True(t, s.store.LastSync("A").After(seeded) || s.store.LastSync("A").Equal(seeded))
	assert.Len(t, s.Rooms(), 2)
	assert.Equal(t, 1, s.Unread()["C"].Count)

	// A room that leaves the list takes its cached messages with it.
	s.store.ApplyPush("C", msg("c1", bob, "gone soon", 4))
	api.mu.Lock()
	api.rooms = api.rooms[:1]
	api.mu.Unlock()
	s.Resync(context.Background())
	settle(t, s)
	assert.Len(t, s.Rooms(), 1)
	assert.Empty(t, s.Messages("C"))
	assert.NotEmpty(t, s.Messages("A"), "the active room is kept")
}

func TestSessionCreateRooms(t *testing.T) {
	api := newFakeAPI()
	api.rooms = []Room{{ID: "A", Type: RoomChannel}}
	s := newTestSession(t, api, SessionConfig{})
	require.NoError(t, s.Open(context.Background()))

	dm, err := s.CreateDM(context.Background(), "bob")
	require.NoError(t, err)
	_, err = s.CreateDM(context.Background(), "bob")
	require.NoError(t, err)
	_, err = s.CreateChannel(context.Background(), "dev")
	require.NoError(t, err)

	assert.Len(t, s.Rooms(), 3, "rooms are deduplicated by id")
	assert.True(t, s.registry.Held(RoomTopic(dm.ID)))
}

func TestSessionRealtime(t *testing.T) {
	f := newFakeDDP(t)
	api := newFakeAPI()
	api.rooms = []Room{{ID: "A", Type: RoomChannel}, {ID: "B", Type: RoomChannel}}
	s := newTestSession(t, api, SessionConfig{
		Endpoint:    f.endpoint(),
		Credentials: Credentials{Token: "good-token", UserID: alice.ID},
	})
	changed := collect(s, EventMessagesChanged)
	unread := collect(s, EventUnreadChanged)

	require.NoError(t, s.Open(context.Background()))
	require.NoError(t, s.ConnectRealtime(context.Background()))
	assert.Equal(t, StateAuthenticated, s.RealtimeState())

	subsFor := func() map[string]int {
		f.mu.Lock()
		defer f.mu.Unlock()
		out := map[string]int{}
		for _, frame := range f.frames {
			if gjson.Get(frame, "msg").String() == "sub" {
				out[gjson.Get(frame, "params.0").String()]++
			}
		}
		return out
	}
	require.Eventually(t, func() bool { return len(subsFor()) == 5 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Select(context.Background(), "A"))
	settle(t, s)

	push := func(rid string, m map[string]any) {
		f.push(t, map[string]any{
			"msg": "changed", "collection": CollectionRoomMessages, "id": "id",
			"fields": map[string]any{"eventName": rid, "args": []any{m}},
		})
	}

	push("A", map[string]any{"_id": "a1", "rid": "A", "msg": "live", "ts": map[string]any{"$date": 1714554000000}, "u": map[string]any{"_id": bob.ID, "username": "bob"}})
	waitFor(t, changed, func(p any) bool { mc := p.(MessagesChanged); return mc.RoomID == "A" && len(mc.Messages) == 1 })

	for i := 0; i < 2; i++ {
		push("B", map[string]any{"_id": "b1", "rid": "B", "msg": "bg", "u": map[string]any{"_id": bob.ID, "username": "bob"}})
	}
	push("B", map[string]any{"_id": "b2", "rid": "B", "msg": "bg2", "u": map[string]any{"_id": bob.ID, "username": "bob"}})
	waitFor(t, unread, func(p any) bool { return p.(map[string]UnreadState)["B"].Count == 2 })
	settle(t, s)

	assert.Equal(t, UnreadState{Unread: true, Count: 2}, s.Unread()["B"], "each background message counted once")
	assert.Empty(t, s.Messages("B"), "background pushes do not enter the store")
	assert.Equal(t, UnreadState{}, s.Unread()["A"])

	// Selecting A rebinds the existing topic; no second server subscription.
	subs := subsFor()
	assert.Equal(t, 1, subs["A"])
	assert.Equal(t, 1, subs["B"])
	assert.Equal(t, 1, subs[alice.ID+"/"+UserEventNotification])
}

func TestSessionPingWhileHandlerBlocked(t *testing.T) {
	f := newFakeDDP(t)
	api := newFakeAPI()
	api.rooms = []Room{{ID: "A", Type: RoomChannel}}
	s := newTestSession(t, api, SessionConfig{
		Endpoint:    f.endpoint(),
		Credentials: Credentials{Token: "good-token", UserID: alice.ID},
	})

	var armed atomic.Bool
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	s.On(EventMessagesChanged, func(string, any) {
		if armed.Load() {
			<-release
		}
	})

	require.NoError(t, s.Open(context.Background()))
	require.NoError(t, s.ConnectRealtime(context.Background()))
	require.NoError(t, s.Select(context.Background(), "A"))
	settle(t, s)
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, frame := range f.frames {
			if gjson.Get(frame, "msg").String() == "sub" && gjson.Get(frame, "params.0").String() == "A" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	armed.Store(true)
	for i := 0; i < 400; i++ {
		f.push(t, map[string]any{
			"msg": "changed", "collection": CollectionRoomMessages, "id": "id",
			"fields": map[string]any{"eventName": "A", "args": []any{map[string]any{
				"_id": fmt.Sprintf("a%d", i), "rid": "A", "msg": "flood",
				"u": map[string]any{"_id": bob.ID, "username": "bob"},
			}}},
		})
	}
	f.push(t, map[string]any{"msg": "ping", "id": "flood-ping"})

	pong := f.waitFrame(t, "pong")
	assert.Equal(t, "flood-ping", gjson.Get(pong, "id").String())
	assert.Equal(t, StateAuthenticated, s.RealtimeState())
}

func TestSessionResubscribesUserTopicsAfterFlushTimeout(t *testing.T) {
	f := newFakeDDP(t)
	api := newFakeAPI()
	api.rooms = []Room{{ID: "A", Type: RoomChannel}}
	s := newTestSession(t, api, SessionConfig{
		Endpoint:     f.endpoint(),
		Credentials:  Credentials{Token: "good-token", UserID: alice.ID},
		FlushTimeout: 200 * time.Millisecond,
	})
	notification := UserTopic(alice.ID, UserEventNotification)

	require.NoError(t, s.Open(context.Background()))
	require.Eventually(t, func() bool { return !s.registry.Held(notification) }, 2*time.Second, 5*time.Millisecond,
		"queued topics are dropped once the flush bound passes")

	require.NoError(t, s.ConnectRealtime(context.Background()))
	assert.True(t, s.registry.Held(notification))

	subs := func() map[string]bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		out := map[string]bool{}
		for _, frame := range f.frames {
			if gjson.Get(frame, "msg").String() == "sub" {
				out[gjson.Get(frame, "params.0").String()] = true
			}
		}
		return out
	}
	require.Eventually(t, func() bool {
		got := subs()
		return got[notification.EventName] && got[alice.ID+"/"+UserEventRooms] &&
			got[alice.ID+"/"+UserEventSubscriptions] && got["A"]
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSessionNotificationCountsUnread(t *testing.T) {
	api := newFakeAPI()
	s := newTestSession(t, api, SessionConfig{DisableBackgroundRooms: true})
	unread := collect(s, EventUnreadChanged)

	note := []byte(`{"title":"bob","payload":{"_id":"n1","rid":"B","sender":{"_id":"u-bob","username":"bob"}}}`)
	s.onNotification([]json.RawMessage{note})
	s.onNotification([]json.RawMessage{note})
	waitFor(t, unread, func(p any) bool { return p.(map[string]UnreadState)["B"].Count == 1 })
	settle(t, s)
	assert.Equal(t, 1, s.Unread()["B"].Count)

	own := []byte(`{"payload":{"_id":"n2","rid":"B","sender":{"_id":"u-alice"}}}`)
	s.onNotification([]json.RawMessage{own})
	settle(t, s)
	assert.Equal(t, 1, s.Unread()["B"].Count)
}

func TestSessionClose(t *testing.T) {
	s := newTestSession(t, newFakeAPI(), SessionConfig{})
	require.NoError(t, s.Open(context.Background()))
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
	assert.ErrorIs(t, s.Select(context.Background(), "A"), ErrSessionClosed)
	assert.ErrorIs(t, s.ConnectRealtime(context.Background()), ErrSessionClosed)
}
