package rocketchat

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	CollectionRoomMessages = "stream-room-messages"
	CollectionNotifyUser   = "stream-notify-user"

	UserEventSubscriptions = "subscriptions-changed"
	UserEventRooms         = "rooms-changed"
	UserEventNotification  = "notification"

	DefaultFlushTimeout = 30 * time.Second

	frameWriteTimeout = 5 * time.Second
	retryPause        = 100 * time.Millisecond
)

// Topic is a logical realtime subscription: a stream collection plus the
// event name within it.
type Topic struct {
	Collection string
	EventName  string
}

// Key is the routing key; pushes carry the same pair.
func (t Topic) Key() string {
	return t.Collection + "/" + t.EventName
}

// RoomTopic is the live message stream of one room.
func RoomTopic(roomID string) Topic {
	return Topic{Collection: CollectionRoomMessages, EventName: roomID}
}

// UserTopic is a per-user event stream such as "subscriptions-changed".
func UserTopic(userID, event string) Topic {
	return Topic{Collection: CollectionNotifyUser, EventName: userID + "/" + event}
}

// Handler receives the argument payload of a routed push.
type Handler func(args []json.RawMessage)

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	ID    string
	Topic Topic
}

// subConn is the part of Transport the registry drives.
type subConn interface {
	NextID() string
	Authenticated() <-chan struct{}
	Sub(ctx context.Context, id, collection string, params ...any) error
	Unsub(ctx context.Context, id string) error
}

var _ subConn = (*Transport)(nil)

type subEntry struct {
	id      string
	topic   Topic
	handler Handler
	seq     uint64
	live    bool
	sending bool
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// FlushTimeout bounds how long queued subscriptions wait for
	// authentication before being dropped.
	FlushTimeout time.Duration
	Logger       *zap.Logger
}

// Registry multiplexes topic subscriptions over one connection. Each topic
// key maps to at most one server-side subscription and one handler.
type Registry struct {
	conn         subConn
	flushTimeout time.Duration
	log          *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	subs     map[string]*subEntry
	byID     map[string]string
	queue    []string
	seq      uint64
	flushing bool
	// epoch advances on every connection loss; a sub sent in an older epoch
	// is not live on the new connection.
	epoch uint64
}

// NewRegistry creates a registry on top of conn.
func NewRegistry(conn subConn, config RegistryConfig) *Registry {
	if config.FlushTimeout == 0 {
		config.FlushTimeout = DefaultFlushTimeout
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		conn:         conn,
		flushTimeout: config.FlushTimeout,
		log:          config.Logger.With(zap.String("component", "registry")),
		ctx:          ctx,
		cancel:       cancel,
		subs:         make(map[string]*subEntry),
		byID:         make(map[string]string),
	}
}

// Subscribe registers handler for topic. If the topic is already held, only
// the handler is replaced and no new server subscription is made. Before
// authentication the subscribe frame is queued and sent in registration
// order once the connection authenticates.
func (r *Registry) Subscribe(topic Topic, handler Handler) Subscription {
	key := topic.Key()
	r.mu.Lock()
	if e, ok := r.subs[key]; ok {
		e.handler = handler
		r.mu.Unlock()
		return Subscription{ID: e.id, Topic: topic}
	}
	r.seq++
	e := &subEntry{id: r.conn.NextID(), topic: topic, handler: handler, seq: r.seq}
	r.subs[key] = e
	r.byID[e.id] = key
	r.queue = append(r.queue, key)
	r.mu.Unlock()

	r.log.Debug("subscribe queued", zap.String("topic", key), zap.String("id", e.id))
	r.kick()
	return Subscription{ID: e.id, Topic: topic}
}

// Unsubscribe removes local routing and sends a best-effort teardown frame.
func (r *Registry) Unsubscribe(sub Subscription) {
	key := sub.Topic.Key()
	r.mu.Lock()
	e, ok := r.subs[key]
	if !ok || e.id != sub.ID {
		r.mu.Unlock()
		return
	}
	r.removeLocked(key)
	live := e.live
	r.mu.Unlock()

	// An entry still being sent is torn down by the flush once Sub returns.
	if !live {
		return
	}
	r.unsubOrphan(key, e.id)
}

// Reconcile makes the held topics of collection match desired: topics not
// held are subscribed, held topics not desired are unsubscribed, and topics
// in both keep their server subscription with the new handler. It reports
// how many subscriptions were added and removed.
func (r *Registry) Reconcile(collection string, desired map[Topic]Handler) (added, removed int) {
	r.mu.Lock()
	var stale []Subscription
	for _, e := range r.subs {
		if e.topic.Collection != collection {
			continue
		}
		if _, ok := desired[e.topic]; !ok {
			stale = append(stale, Subscription{ID: e.id, Topic: e.topic})
		}
	}
	var fresh []Topic
	for topic, h := range desired {
		if e, ok := r.subs[topic.Key()]; ok {
			e.handler = h
			continue
		}
		fresh = append(fresh, topic)
	}
	r.mu.Unlock()

	// Stable order keeps queued frames deterministic.
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].Key() < fresh[j].Key() })
	for _, s := range stale {
		r.Unsubscribe(s)
	}
	for _, topic := range fresh {
		r.Subscribe(topic, desired[topic])
	}
	return len(fresh), len(stale)
}

// Held reports whether topic currently has a subscription (queued or live).
func (r *Registry) Held(topic Topic) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[topic.Key()]
	return ok
}

// Topics lists the held topics of a collection.
func (r *Registry) Topics(collection string) []Topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Topic
	for _, e := range r.subs {
		if e.topic.Collection == collection {
			out = append(out, e.topic)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Route dispatches a push to the handler registered for its topic. Pushes
// for unknown topics are dropped.
func (r *Registry) Route(f ChangedFrame) {
	key := Topic{Collection: f.Collection, EventName: f.EventName}.Key()
	r.mu.Lock()
	var h Handler
	if e, ok := r.subs[key]; ok {
		h = e.handler
	}
	r.mu.Unlock()
	if h == nil {
		r.log.Debug("dropping push for unknown topic", zap.String("topic", key))
		return
	}
	h(f.Args)
}

// HandleNosub forgets a subscription the server tore down.
func (r *Registry) HandleNosub(id string) {
	r.mu.Lock()
	key, ok := r.byID[id]
	if ok {
		r.removeLocked(key)
	}
	r.mu.Unlock()
	if ok {
		r.log.Debug("server ended subscription", zap.String("topic", key))
	}
}

// ConnectionLost moves live subscriptions back to the queue so they are
// re-sent after the next authentication.
func (r *Registry) ConnectionLost(error) {
	r.mu.Lock()
	r.epoch++
	var requeue []*subEntry
	for _, e := range r.subs {
		if e.live {
			e.live = false
			requeue = append(requeue, e)
		}
	}
	sort.Slice(requeue, func(i, j int) bool { return requeue[i].seq < requeue[j].seq })
	keys := make([]string, 0, len(requeue)+len(r.queue))
	for _, e := range requeue {
		keys = append(keys, e.topic.Key())
	}
	r.queue = append(keys, r.queue...)
	r.mu.Unlock()

	if len(requeue) > 0 {
		r.log.Info("subscriptions requeued", zap.Int("count", len(requeue)))
	}
	r.kick()
}

// Close drops all routing. Pending flushes stop.
func (r *Registry) Close() {
	r.cancel()
	r.mu.Lock()
	r.subs = make(map[string]*subEntry)
	r.byID = make(map[string]string)
	r.queue = nil
	r.mu.Unlock()
}

func (r *Registry) removeLocked(key string) {
	e, ok := r.subs[key]
	if !ok {
		return
	}
	delete(r.subs, key)
	delete(r.byID, e.id)
	for i, k := range r.queue {
		if k == key {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			break
		}
	}
}

func (r *Registry) kick() {
	r.mu.Lock()
	if r.flushing || len(r.queue) == 0 || r.ctx.Err() != nil {
		r.mu.Unlock()
		return
	}
	r.flushing = true
	r.mu.Unlock()
	go r.flush()
}

func (r *Registry) flush() {
	for {
		if !r.awaitAuth() {
			return
		}

		r.mu.Lock()
		batch := r.queue
		r.queue = nil
		r.mu.Unlock()

		failed := false
		for i, key := range batch {
			r.mu.Lock()
			e, ok := r.subs[key]
			if !ok || e.live || e.sending {
				r.mu.Unlock()
				continue
			}
			e.sending = true
			id, topic, epoch := e.id, e.topic, r.epoch
			r.mu.Unlock()

			ctx, cancel := context.WithTimeout(r.ctx, frameWriteTimeout)
			err := r.conn.Sub(ctx, id, topic.Collection, topic.EventName, false)
			cancel()
			if err != nil {
				r.log.Debug("sub failed, requeueing", zap.String("topic", key), zap.Error(err))
				r.mu.Lock()
				e.sending = false
				r.queue = append(append([]string{}, batch[i:]...), r.queue...)
				r.mu.Unlock()
				failed = true
				break
			}

			r.mu.Lock()
			e.sending = false
			cur, ok := r.subs[key]
			switch {
			case !ok || cur != e:
				// Removed while the frame was in flight.
				r.mu.Unlock()
				r.unsubOrphan(key, id)
				continue
			case r.epoch != epoch:
				// The connection dropped under us; send again after re-auth.
				r.queue = append(r.queue, key)
			default:
				e.live = true
			}
			r.mu.Unlock()
			r.log.Debug("subscribed", zap.String("topic", key), zap.String("id", id))
		}

		r.mu.Lock()
		if len(r.queue) == 0 || r.ctx.Err() != nil {
			r.flushing = false
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()

		if failed {
			// Give the transport time to notice a dead socket and close the gate.
			select {
			case <-time.After(retryPause):
			case <-r.ctx.Done():
				r.mu.Lock()
				r.flushing = false
				r.mu.Unlock()
				return
			}
		}
	}
}

func (r *Registry) unsubOrphan(key, id string) {
	ctx, cancel := context.WithTimeout(r.ctx, frameWriteTimeout)
	defer cancel()
	if err := r.conn.Unsub(ctx, id); err != nil {
		r.log.Debug("unsub failed", zap.String("topic", key), zap.Error(err))
	}
}

// awaitAuth waits for the authenticated gate. On timeout every queued
// subscription is dropped; the caller re-subscribes if it still wants them.
func (r *Registry) awaitAuth() bool {
	timer := time.NewTimer(r.flushTimeout)
	defer timer.Stop()

	select {
	case <-r.conn.Authenticated():
		return true
	case <-r.ctx.Done():
		r.mu.Lock()
		r.flushing = false
		r.mu.Unlock()
		return false
	case <-timer.C:
	}

	r.mu.Lock()
	dropped := r.queue
	for _, key := range dropped {
		if e, ok := r.subs[key]; ok && !e.live {
			delete(r.subs, key)
			delete(r.byID, e.id)
		}
	}
	r.queue = nil
	r.flushing = false
	r.mu.Unlock()
	r.log.Warn("authentication never completed, dropping queued subscriptions",
		zap.Int("count", len(dropped)), zap.Duration("waited", r.flushTimeout))
	return false
}
