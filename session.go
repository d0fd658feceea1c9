package rocketchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrNoActiveRoom  = errors.New("no active room")
)

const (
	DefaultResyncInterval = 10 * time.Second

	taskQueueSize = 256
)

// SessionConfig configures a Session. Zero values take defaults.
type SessionConfig struct {
	// ServerURL is the http(s) base URL; the realtime endpoint is derived
	// from it unless Endpoint is set.
	ServerURL   string
	Endpoint    string
	Credentials Credentials
	Self        User

	HandshakeTimeout    time.Duration
	AuthTimeout         time.Duration
	FlushTimeout        time.Duration
	ResyncInterval      time.Duration
	UnreadDebounce      time.Duration
	PresenceInterval    time.Duration
	PresenceConcurrency int
	HistoryCount        int

	// DisableBackgroundRooms turns off live subscriptions for rooms other
	// than the active one. Unread state then comes from the notification
	// topic and the bulk resync only.
	DisableBackgroundRooms bool

	DialOptions *websocket.DialOptions
	Logger      *zap.Logger
}

func (c *SessionConfig) defaults() {
	if c.ResyncInterval == 0 {
		c.ResyncInterval = DefaultResyncInterval
	}
	if c.UnreadDebounce == 0 {
		c.UnreadDebounce = DefaultUnreadDebounce
	}
	if c.HistoryCount == 0 {
		c.HistoryCount = DefaultHistoryCount
	}
	if c.Endpoint == "" && c.ServerURL != "" {
		c.Endpoint = WebsocketURL(c.ServerURL)
	}
	if c.Self.ID == "" {
		c.Self.ID = c.Credentials.UserID
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Session is one login's synchronization engine. It owns the realtime
// connection and every piece of per-room state, and is torn down with Close.
//
// All state mutation runs on a single event-loop goroutine fed by a task
// queue; network I/O runs off the loop and posts its results back. Event
// handlers registered with On run on the loop and must not call Session
// methods that wait for it (Open, Select, Send, CreateDM, CreateChannel).
type Session struct {
	*emitter

	api    API
	config SessionConfig
	log    *zap.Logger

	transport *Transport
	registry  *Registry
	store     *Store
	unread    *UnreadTracker
	presence  *PresencePoller
	debounce  *Debouncer

	tasks     chan func()
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	fetches   sync.WaitGroup
	openOnce  sync.Once
	closeOnce sync.Once

	// Written only on the loop; mu guards reads from other goroutines.
	mu         sync.RWMutex
	rooms      []Room
	members    map[string][]string
	active     string
	gen        uint64
	roomCancel context.CancelFunc
}

// NewSession creates a session and starts its event loop. Call Close to
// release it.
func NewSession(api API, config SessionConfig) *Session {
	config.defaults()
	log := config.Logger.With(zap.String("user", config.Self.Username))
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		emitter: newEmitter(log),
		api:     api,
		config:  config,
		log:     log,
		store:   NewStore(config.Self),
		unread:  NewUnreadTracker(),
		tasks:   make(chan func(), taskQueueSize),
		ctx:     ctx,
		cancel:  cancel,
		members: make(map[string][]string),
	}
	s.transport = NewTransport(config.Endpoint, TransportConfig{
		HandshakeTimeout: config.HandshakeTimeout,
		AuthTimeout:      config.AuthTimeout,
		DialOptions:      config.DialOptions,
		Logger:           config.Logger,
	})
	s.registry = NewRegistry(s.transport, RegistryConfig{
		FlushTimeout: config.FlushTimeout,
		Logger:       config.Logger,
	})
	s.transport.OnChanged(s.registry.Route)
	s.transport.OnNosub(s.registry.HandleNosub)
	s.transport.OnClose(s.registry.ConnectionLost)

	s.presence = NewPresencePoller(api, s.workingSet, PresenceConfig{
		Interval:    config.PresenceInterval,
		Concurrency: config.PresenceConcurrency,
		Logger:      config.Logger,
		OnChange: func(statuses map[string]string) {
			s.post(func() { s.emit(EventPresenceChanged, statuses) })
		},
	})
	s.debounce = NewDebouncer(config.UnreadDebounce, func() {
		s.goTracked(func() { s.refreshRooms(s.ctx) })
	})

	s.wg.Add(1)
	go s.loop()
	return s
}

func (s *Session) loop() {
	defer s.wg.Done()
	for {
		select {
		case fn := <-s.tasks:
			fn()
		case <-s.ctx.Done():
			return
		}
	}
}

// post queues fn on the event loop.
func (s *Session) post(fn func()) error {
	select {
	case s.tasks <- fn:
		return nil
	case <-s.ctx.Done():
		return ErrSessionClosed
	}
}

// do runs fn on the event loop and waits for it.
func (s *Session) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := s.post(func() { fn(); close(done) }); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrSessionClosed
	}
}

func (s *Session) goTracked(fn func()) {
	if s.ctx.Err() != nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// ============================================================================
// Lifecycle
// ============================================================================

// Open registers the per-user topics, loads the room list and starts the
// presence and resync pollers. The realtime leg is connected separately with
// ConnectRealtime; without it the session still converges by polling.
func (s *Session) Open(ctx context.Context) error {
	var err error
	s.openOnce.Do(func() {
		s.reconcileUserTopics()

		if err = s.refreshRooms(ctx); err != nil {
			return
		}

		s.goTracked(func() { s.presence.Run(s.ctx) })
		s.goTracked(s.resyncLoop)
		s.log.Info("session opened", zap.Int("rooms", len(s.Rooms())))
	})
	return err
}

// ConnectRealtime connects and authenticates the realtime leg. Queued
// subscriptions flush once it succeeds. It is never retried automatically;
// callers decide whether to call it again after a failure or a drop.
func (s *Session) ConnectRealtime(ctx context.Context) error {
	if s.ctx.Err() != nil {
		return ErrSessionClosed
	}
	// Queued topics are dropped when authentication takes too long.
	s.reconcileUserTopics()
	s.post(s.reconcileRoomTopics)
	if err := s.transport.Connect(ctx); err != nil {
		return err
	}
	if s.transport.State() == StateAuthenticated {
		return nil
	}
	if err := s.transport.Authenticate(ctx, s.config.Credentials.Token); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			s.post(func() { s.emit(EventAuthFailed, err) })
		}
		return err
	}
	return nil
}

// RealtimeState reports the realtime connection state.
func (s *Session) RealtimeState() ConnState {
	return s.transport.State()
}

// Close tears the session down. Safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		s.debounce.Stop()
		s.registry.Close()
		err = s.transport.Disconnect()
		s.wg.Wait()
		s.fetches.Wait()
		s.removeAll()
		s.log.Info("session closed")
	})
	return err
}

// ============================================================================
// Room selection
// ============================================================================

// Select makes roomID the active room. Any history or member fetch still
// pending for the previous room is cancelled, and a late response for it
// is discarded. The room is marked read locally and on the server.
func (s *Session) Select(ctx context.Context, roomID string) error {
	var (
		gen     uint64
		roomCtx context.Context
		typ     RoomType
	)
	err := s.do(ctx, func() {
		s.mu.Lock()
		if s.roomCancel != nil {
			s.roomCancel()
		}
		s.gen++
		gen = s.gen
		roomCtx, s.roomCancel = context.WithCancel(s.ctx)
		s.active = roomID
		typ = s.roomTypeLocked(roomID)
		s.mu.Unlock()

		s.unread.Select(roomID)
		s.emit(EventUnreadChanged, s.unread.Snapshot())
		s.reconcileRoomTopics()
		if roomID != "" {
			s.emit(EventMessagesChanged, MessagesChanged{RoomID: roomID, Messages: s.store.Messages(roomID)})
		}
	})
	if err != nil || roomID == "" {
		return err
	}

	s.fetchRoom(roomCtx, gen, roomID, typ)
	s.goTracked(func() { s.markRead(roomID) })
	return nil
}

// Active returns the active room id.
func (s *Session) Active() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

func (s *Session) current(gen uint64, roomID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen == gen && s.active == roomID
}

func (s *Session) roomTypeLocked(roomID string) RoomType {
	for _, r := range s.rooms {
		if r.ID == roomID {
			return r.Type
		}
	}
	return RoomChannel
}

func (s *Session) fetchRoom(ctx context.Context, gen uint64, roomID string, typ RoomType) {
	s.fetches.Add(2)
	go func() {
		defer s.fetches.Done()
		at := time.Now()
		msgs, err := s.api.RoomHistory(ctx, roomID, typ, s.config.HistoryCount)
		if err != nil {
			if ctx.Err() == nil {
				s.fetchFailed("history", roomID, err)
			}
			return
		}
		s.post(func() {
			if !s.current(gen, roomID) {
				s.log.Debug("discarding stale history", zap.String("rid", roomID))
				return
			}
			s.store.SeedAt(roomID, msgs, at)
			s.unread.AdvanceCursor(roomID, s.store.Latest(roomID))
			s.emitMessages(roomID)
		})
	}()
	go func() {
		defer s.fetches.Done()
		members, err := s.api.RoomMembers(ctx, roomID, typ)
		if err != nil {
			if ctx.Err() == nil {
				s.fetchFailed("members", roomID, err)
			}
			return
		}
		names := make([]string, 0, len(members))
		for _, m := range members {
			names = append(names, m.Username)
		}
		s.post(func() {
			if !s.current(gen, roomID) {
				return
			}
			s.mu.Lock()
			s.members[roomID] = names
			s.mu.Unlock()
		})
	}()
}

func (s *Session) markRead(roomID string) {
	ctx, cancel := context.WithTimeout(s.ctx, DefaultTimeout)
	defer cancel()
	if err := s.api.MarkAsRead(ctx, roomID); err != nil {
		s.log.Debug("mark as read failed", zap.String("rid", roomID), zap.Error(err))
		return
	}
	s.unread.AdvanceCursor(roomID, time.Now())
}

// MarkSeen advances the local read cursor of a room, for example when a
// message scrolls into view. Earlier instants are ignored.
func (s *Session) MarkSeen(roomID string, t time.Time) bool {
	return s.unread.AdvanceCursor(roomID, t)
}

func (s *Session) fetchFailed(what, roomID string, err error) {
	s.log.Warn("room fetch failed", zap.String("what", what), zap.String("rid", roomID), zap.Error(err))
	s.checkAuth(err)
}

func (s *Session) checkAuth(err error) {
	if errors.Is(err, ErrUnauthorized) {
		s.post(func() { s.emit(EventAuthFailed, err) })
	}
}

// ============================================================================
// Sending
// ============================================================================

// Send posts text to a room. A placeholder appears in the room at once and
// is replaced by the server's copy when it comes back, either in the send
// response or over the realtime leg. If the send fails the placeholder
// stays and the error is returned.
func (s *Session) Send(ctx context.Context, roomID, text string) (Message, error) {
	if roomID == "" {
		roomID = s.Active()
	}
	if roomID == "" {
		return Message{}, ErrNoActiveRoom
	}

	var placeholder Message
	if err := s.do(ctx, func() {
		placeholder = s.store.AddOptimistic(roomID, text)
		s.emitMessages(roomID)
	}); err != nil {
		return Message{}, err
	}

	sent, err := s.api.PostMessage(ctx, roomID, text)
	if err != nil {
		s.log.Warn("send failed, keeping placeholder", zap.String("rid", roomID), zap.Error(err))
		s.checkAuth(err)
		return placeholder, fmt.Errorf("send message: %w", err)
	}
	if sent.RoomID == "" {
		sent.RoomID = roomID
	}
	msg := *sent
	s.post(func() {
		if s.store.ApplyPush(roomID, msg) {
			s.emitMessages(roomID)
		}
	})
	return msg, nil
}

// ============================================================================
// Room list
// ============================================================================

// CreateDM opens a direct room with username and adds it to the room list.
func (s *Session) CreateDM(ctx context.Context, username string) (*Room, error) {
	room, err := s.api.CreateDM(ctx, username)
	if err != nil {
		return nil, err
	}
	return room, s.do(ctx, func() { s.addRoom(*room) })
}

// CreateChannel creates a channel and adds it to the room list.
func (s *Session) CreateChannel(ctx context.Context, name string) (*Room, error) {
	room, err := s.api.CreateChannel(ctx, name)
	if err != nil {
		return nil, err
	}
	return room, s.do(ctx, func() { s.addRoom(*room) })
}

func (s *Session) addRoom(room Room) {
	s.mu.Lock()
	for _, r := range s.rooms {
		if r.ID == room.ID {
			s.mu.Unlock()
			return
		}
	}
	s.rooms = append(s.rooms, room)
	rooms := append([]Room(nil), s.rooms...)
	s.mu.Unlock()

	s.emit(EventRoomsChanged, rooms)
	s.reconcileRoomTopics()
}

// refreshRooms is the bulk room-list fetch. It runs off the loop and posts
// the result back.
func (s *Session) refreshRooms(ctx context.Context) error {
	rooms, err := s.api.Subscriptions(ctx)
	if err != nil {
		s.log.Warn("room list refresh failed", zap.Error(err))
		s.checkAuth(err)
		return fmt.Errorf("refresh rooms: %w", err)
	}
	return s.do(ctx, func() { s.applyRooms(rooms) })
}

func (s *Session) applyRooms(rooms []Room) {
	seen := make(map[string]bool, len(rooms))
	deduped := make([]Room, 0, len(rooms))
	for _, r := range rooms {
		if r.ID == "" || seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		deduped = append(deduped, r)
	}

	s.mu.Lock()
	for _, r := range s.rooms {
		if !seen[r.ID] && r.ID != s.active {
			s.store.Forget(r.ID)
			delete(s.members, r.ID)
		}
	}
	s.rooms = deduped
	s.mu.Unlock()

	if s.unread.ApplySnapshot(deduped) {
		s.emit(EventUnreadChanged, s.unread.Snapshot())
	}
	s.emit(EventRoomsChanged, append([]Room(nil), deduped...))
	s.reconcileUserTopics()
	s.reconcileRoomTopics()
}

// reconcileUserTopics holds the per-user event topics, re-subscribing any
// that were dropped.
func (s *Session) reconcileUserTopics() {
	uid := s.config.Self.ID
	if uid == "" {
		return
	}
	added, _ := s.registry.Reconcile(CollectionNotifyUser, map[Topic]Handler{
		UserTopic(uid, UserEventSubscriptions): s.onRoomListChanged,
		UserTopic(uid, UserEventRooms):         s.onRoomListChanged,
		UserTopic(uid, UserEventNotification):  s.onNotification,
	})
	if added > 0 {
		s.log.Debug("user topics subscribed", zap.Int("added", added))
	}
}

// reconcileRoomTopics keeps exactly one live message topic per room: the
// active room's feeds the store, every other room's feeds the unread
// tracker.
func (s *Session) reconcileRoomTopics() {
	s.mu.RLock()
	active := s.active
	desired := make(map[Topic]Handler, len(s.rooms)+1)
	if !s.config.DisableBackgroundRooms {
		for _, r := range s.rooms {
			if r.ID != active {
				desired[RoomTopic(r.ID)] = s.passiveHandler(r.ID)
			}
		}
	}
	s.mu.RUnlock()
	if active != "" {
		desired[RoomTopic(active)] = s.activeHandler(active)
	}

	added, removed := s.registry.Reconcile(CollectionRoomMessages, desired)
	if added > 0 || removed > 0 {
		s.log.Debug("room topics reconciled", zap.Int("added", added), zap.Int("removed", removed))
	}
}

// ============================================================================
// Push handlers (called from the transport dispatcher)
// ============================================================================

func (s *Session) activeHandler(roomID string) Handler {
	return func(args []json.RawMessage) {
		m, ok := decodePushMessage(args)
		if !ok {
			return
		}
		s.post(func() {
			if s.Active() != roomID {
				s.observe(roomID, m)
				return
			}
			if s.store.ApplyPush(roomID, m) {
				s.emitMessages(roomID)
			}
		})
	}
}

func (s *Session) passiveHandler(roomID string) Handler {
	return func(args []json.RawMessage) {
		m, ok := decodePushMessage(args)
		if !ok {
			return
		}
		s.post(func() { s.observe(roomID, m) })
	}
}

func (s *Session) observe(roomID string, m Message) {
	if m.SentBy(s.config.Self) {
		return
	}
	if s.unread.ObservePush(roomID, m.ID) {
		s.emit(EventUnreadChanged, s.unread.Snapshot())
	}
	s.debounce.Trigger()
}

func (s *Session) onNotification(args []json.RawMessage) {
	if len(args) == 0 {
		return
	}
	payload := gjson.GetBytes(args[0], "payload")
	roomID := payload.Get("rid").String()
	msgID := payload.Get("_id").String()
	sender := payload.Get("sender._id").String()
	if roomID == "" {
		return
	}
	s.post(func() {
		if sender == "" || sender != s.config.Self.ID {
			if s.unread.ObservePush(roomID, msgID) {
				s.emit(EventUnreadChanged, s.unread.Snapshot())
			}
		}
		s.debounce.Trigger()
	})
}

func (s *Session) onRoomListChanged([]json.RawMessage) {
	s.debounce.Trigger()
}

func decodePushMessage(args []json.RawMessage) (Message, bool) {
	if len(args) == 0 {
		return Message{}, false
	}
	var m Message
	if err := json.Unmarshal(args[0], &m); err != nil || m.ID == "" {
		return Message{}, false
	}
	return m, true
}

// ============================================================================
// Resync leg
// ============================================================================

func (s *Session) resyncLoop() {
	ticker := time.NewTicker(s.config.ResyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Resync(s.ctx)
		}
	}
}

// Resync delta-syncs the active room since its last synchronized instant
// and refreshes the room list. Failures are logged and leave the last known
// state in place.
func (s *Session) Resync(ctx context.Context) {
	if roomID := s.Active(); roomID != "" {
		since := s.store.LastSync(roomID)
		if !since.IsZero() {
			at := time.Now()
			res, err := s.api.SyncMessages(ctx, roomID, since)
			if err != nil {
				s.log.Warn("delta sync failed", zap.String("rid", roomID), zap.Error(err))
				s.checkAuth(err)
			} else {
				_ = s.do(ctx, func() {
					if s.Active() != roomID {
						return
					}
					if s.store.ApplySync(roomID, res, at) {
						s.emitMessages(roomID)
					}
				})
			}
		}
	}
	_ = s.refreshRooms(ctx)
}

// ============================================================================
// Read access
// ============================================================================

// Messages returns a copy of a room's message sequence.
func (s *Session) Messages(roomID string) []Message {
	return s.store.Messages(roomID)
}

// Rooms returns a copy of the room list.
func (s *Session) Rooms() []Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Room(nil), s.rooms...)
}

// Unread returns the unread state of every known room.
func (s *Session) Unread() map[string]UnreadState {
	return s.unread.Snapshot()
}

// Cursor returns a room's read cursor.
func (s *Session) Cursor(roomID string) time.Time {
	return s.unread.Cursor(roomID)
}

// Presence returns the last polled username to status map.
func (s *Session) Presence() map[string]string {
	return s.presence.Statuses()
}

// Members returns the member usernames fetched for a room.
func (s *Session) Members(roomID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.members[roomID]...)
}

func (s *Session) workingSet() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := []string{s.config.Self.Username}
	for _, m := range s.members {
		names = append(names, m...)
	}
	return names
}

func (s *Session) emitMessages(roomID string) {
	s.emit(EventMessagesChanged, MessagesChanged{RoomID: roomID, Messages: s.store.Messages(roomID)})
}
