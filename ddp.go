package rocketchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

var (
	ErrNotConnected     = errors.New("realtime: not connected")
	ErrHandshakeTimeout = errors.New("realtime: handshake timed out")
	ErrAuthTimeout      = errors.New("realtime: authentication timed out")
	ErrDisconnected     = errors.New("realtime: disconnected")
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultAuthTimeout      = 10 * time.Second

	readLimit    = 4 << 20
	pongDeadline = 5 * time.Second
)

// ============================================================================
// Frames
// ============================================================================

// ChangedFrame is a decoded "changed" push: a collection discriminator plus
// the event name and argument payload of the stream it belongs to.
type ChangedFrame struct {
	Collection string
	EventName  string
	Args       []json.RawMessage
}

// MethodError is the error half of a "result" frame.
type MethodError struct {
	Code    string
	Reason  string
	Message string
}

func (e *MethodError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("method error %s: %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("method error %s: %s", e.Code, e.Message)
}

// Unwrap maps rejected logins onto ErrUnauthorized.
func (e *MethodError) Unwrap() error {
	if e.Code == "403" || e.Code == "401" {
		return ErrUnauthorized
	}
	return nil
}

type methodResult struct {
	result json.RawMessage
	err    error
}

// ============================================================================
// Configuration
// ============================================================================

// ConnState is the realtime connection state.
type ConnState string

const (
	StateDisconnected  ConnState = "disconnected"
	StateConnecting    ConnState = "connecting"
	StateConnected     ConnState = "connected"
	StateAuthenticated ConnState = "authenticated"
)

// TransportConfig configures a Transport.
type TransportConfig struct {
	HandshakeTimeout time.Duration
	AuthTimeout      time.Duration
	DialOptions      *websocket.DialOptions
	Logger           *zap.Logger
}

func (c *TransportConfig) defaults() {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.AuthTimeout == 0 {
		c.AuthTimeout = DefaultAuthTimeout
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// WebsocketURL derives the realtime endpoint from a server base URL.
func WebsocketURL(baseURL string) string {
	u := strings.TrimRight(baseURL, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/websocket"
}

// ============================================================================
// Transport
// ============================================================================

type pendingConnect struct {
	done chan struct{}
	err  error
}

// inbox queues push frames between the reader and the dispatcher. It is
// unbounded so a slow router never holds up the reader.
type inbox struct {
	mu     sync.Mutex
	frames [][]byte
	wake   chan struct{}
}

func newInbox() *inbox {
	return &inbox{wake: make(chan struct{}, 1)}
}

func (b *inbox) put(data []byte) {
	b.mu.Lock()
	b.frames = append(b.frames, data)
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *inbox) take() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.frames
	b.frames = nil
	return out
}

// Transport owns one realtime connection at a time. It performs the
// handshake, answers liveness probes, correlates method results and hands
// "changed" pushes to a single router.
type Transport struct {
	endpoint string
	config   TransportConfig
	log      *zap.Logger

	mu          sync.Mutex
	state       ConnState
	conn        *websocket.Conn
	connecting  *pendingConnect
	authed      chan struct{}
	cancelFn    context.CancelFunc
	intentional bool
	// epoch advances on Disconnect; a handshake that straddles one is void.
	epoch         uint64
	connectCancel context.CancelFunc

	onChanged func(ChangedFrame)
	onNosub   func(id string)
	onClose   []func(err error)

	counter   atomic.Uint64
	pendingMu sync.Mutex
	pending   map[string]chan methodResult
}

// NewTransport creates a disconnected transport for a websocket endpoint
// (see WebsocketURL).
func NewTransport(endpoint string, config TransportConfig) *Transport {
	config.defaults()
	return &Transport{
		endpoint: endpoint,
		config:   config,
		log:      config.Logger.With(zap.String("component", "transport")),
		state:    StateDisconnected,
		authed:   make(chan struct{}),
		pending:  make(map[string]chan methodResult),
	}
}

// OnChanged sets the router for "changed" pushes. Pushes are delivered in
// arrival order on a dispatcher goroutine, never on the reader.
func (t *Transport) OnChanged(h func(ChangedFrame)) {
	t.mu.Lock()
	t.onChanged = h
	t.mu.Unlock()
}

// OnNosub sets the handler for server-side subscription teardown.
func (t *Transport) OnNosub(h func(id string)) {
	t.mu.Lock()
	t.onNosub = h
	t.mu.Unlock()
}

// OnClose registers a hook run after an unexpected socket closure.
func (t *Transport) OnClose(h func(err error)) {
	t.mu.Lock()
	t.onClose = append(t.onClose, h)
	t.mu.Unlock()
}

// State returns the current connection state.
func (t *Transport) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Authenticated returns a channel closed once the current connection has
// authenticated. A fresh, open channel replaces it when the socket closes.
func (t *Transport) Authenticated() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.authed
}

// NextID returns a fresh correlation id.
func (t *Transport) NextID() string {
	return fmt.Sprintf("%d-%d", time.Now().UnixMilli(), t.counter.Add(1))
}

// Connect dials and completes the protocol handshake. It is a no-op when
// already connected, and a call made while another attempt is in flight
// waits for that attempt's outcome.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	switch {
	case t.state == StateConnected || t.state == StateAuthenticated:
		t.mu.Unlock()
		return nil
	case t.connecting != nil:
		p := t.connecting
		t.mu.Unlock()
		select {
		case <-p.done:
			return p.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p := &pendingConnect{done: make(chan struct{})}
	cctx, ccancel := context.WithCancel(ctx)
	defer ccancel()
	t.connecting = p
	t.connectCancel = ccancel
	t.state = StateConnecting
	t.intentional = false
	epoch := t.epoch
	t.mu.Unlock()

	conn, err := t.handshake(cctx)

	var orphan *websocket.Conn
	t.mu.Lock()
	t.connecting = nil
	t.connectCancel = nil
	switch {
	case t.epoch != epoch:
		orphan, conn = conn, nil
		err = ErrDisconnected
		t.state = StateDisconnected
	case err != nil:
		t.state = StateDisconnected
	default:
		t.conn = conn
		t.state = StateConnected
		connCtx, cancel := context.WithCancel(context.Background())
		t.cancelFn = cancel
		in := newInbox()
		go t.readLoop(connCtx, conn, in)
		go t.dispatch(connCtx, in)
	}
	p.err = err
	close(p.done)
	t.mu.Unlock()

	if orphan != nil {
		orphan.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if err == nil {
		t.log.Info("realtime connected", zap.String("endpoint", t.endpoint))
	}
	return err
}

func (t *Transport) handshake(ctx context.Context) (*websocket.Conn, error) {
	hctx, cancel := context.WithTimeout(ctx, t.config.HandshakeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(hctx, t.endpoint, t.config.DialOptions)
	if err != nil {
		return nil, handshakeErr(hctx, ctx, fmt.Errorf("websocket dial: %w", err))
	}
	conn.SetReadLimit(readLimit)

	fail := func(err error) (*websocket.Conn, error) {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, handshakeErr(hctx, ctx, err)
	}

	if err := writeJSON(hctx, conn, map[string]any{"msg": "connect", "version": "1", "support": []string{"1"}}); err != nil {
		return fail(fmt.Errorf("send connect: %w", err))
	}
	for {
		_, data, err := conn.Read(hctx)
		if err != nil {
			return fail(fmt.Errorf("read handshake: %w", err))
		}
		switch gjson.GetBytes(data, "msg").String() {
		case "connected":
			return conn, nil
		case "ping":
			if err := writeJSON(hctx, conn, pongFrame(data)); err != nil {
				return fail(fmt.Errorf("send pong: %w", err))
			}
		case "failed":
			return fail(fmt.Errorf("server refused protocol version %s", gjson.GetBytes(data, "version").String()))
		}
	}
}

// handshakeErr reports our own deadline as ErrHandshakeTimeout while
// passing caller cancellation through.
func handshakeErr(hctx, parent context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(hctx.Err(), context.DeadlineExceeded) {
		return ErrHandshakeTimeout
	}
	return err
}

// Authenticate exchanges a resume token and resolves once the matching
// result frame arrives.
func (t *Transport) Authenticate(ctx context.Context, token string) error {
	actx, cancel := context.WithTimeout(ctx, t.config.AuthTimeout)
	defer cancel()

	_, err := t.Call(actx, "login", map[string]string{"resume": token})
	if err != nil {
		if ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			return ErrAuthTimeout
		}
		return fmt.Errorf("authenticate: %w", err)
	}

	t.mu.Lock()
	if t.state == StateConnected {
		t.state = StateAuthenticated
		close(t.authed)
	}
	t.mu.Unlock()
	t.log.Info("realtime authenticated")
	return nil
}

// Call invokes a server method and waits for its result.
func (t *Transport) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	id := t.NextID()
	ch := make(chan methodResult, 1)
	t.pendingMu.Lock()
	t.pending[id] = ch
	t.pendingMu.Unlock()

	err := t.send(ctx, map[string]any{"msg": "method", "method": method, "id": id, "params": params})
	if err != nil {
		t.dropPending(id)
		return nil, err
	}

	select {
	case res, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return res.result, res.err
	case <-ctx.Done():
		t.dropPending(id)
		return nil, ctx.Err()
	}
}

// Sub sends a subscribe frame for a stream collection.
func (t *Transport) Sub(ctx context.Context, id, collection string, params ...any) error {
	return t.send(ctx, map[string]any{"msg": "sub", "id": id, "name": collection, "params": params})
}

// Unsub sends a teardown frame. No acknowledgment is awaited.
func (t *Transport) Unsub(ctx context.Context, id string) error {
	return t.send(ctx, map[string]any{"msg": "unsub", "id": id})
}

// Disconnect tears the socket down and voids any handshake in flight. Safe
// to call repeatedly.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	t.intentional = true
	t.epoch++
	if t.connectCancel != nil {
		t.connectCancel()
		t.connectCancel = nil
	}
	cancel := t.cancelFn
	t.cancelFn = nil
	conn := t.conn
	t.conn = nil
	t.state = StateDisconnected
	t.resetAuthLocked()
	t.mu.Unlock()

	t.clearPending()

	var err error
	if conn != nil {
		// The reader must still be running to receive the peer's close frame.
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if cancel != nil {
		cancel()
	}
	return err
}

func (t *Transport) send(ctx context.Context, frame any) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return writeJSON(ctx, conn, frame)
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn, in *inbox) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.handleClose(conn, err)
			return
		}

		msg := gjson.GetBytes(data, "msg").String()
		// Liveness probes are answered before anything else is looked at.
		if msg == "ping" {
			pctx, cancel := context.WithTimeout(ctx, pongDeadline)
			if err := writeJSON(pctx, conn, pongFrame(data)); err != nil {
				t.log.Warn("pong failed", zap.Error(err))
			}
			cancel()
			continue
		}

		switch msg {
		case "result":
			t.resolve(data)
		case "changed", "nosub":
			in.put(data)
		case "ready", "added", "removed", "updated", "connected":
		default:
			t.log.Debug("dropping frame", zap.String("msg", msg))
		}
	}
}

// dispatch hands queued pushes to the router until the connection ends.
func (t *Transport) dispatch(ctx context.Context, in *inbox) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-in.wake:
		}
		for _, data := range in.take() {
			if ctx.Err() != nil {
				return
			}
			if gjson.GetBytes(data, "msg").String() == "nosub" {
				t.routeNosub(gjson.GetBytes(data, "id").String())
				continue
			}
			t.routeChanged(data)
		}
	}
}

func (t *Transport) routeNosub(id string) {
	t.mu.Lock()
	h := t.onNosub
	t.mu.Unlock()
	if h != nil {
		h(id)
	}
}

func (t *Transport) resolve(data []byte) {
	id := gjson.GetBytes(data, "id").String()
	t.pendingMu.Lock()
	ch, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.pendingMu.Unlock()
	if !ok {
		return
	}

	var res methodResult
	if e := gjson.GetBytes(data, "error"); e.Exists() && e.Type != gjson.Null {
		res.err = &MethodError{
			Code:    e.Get("error").String(),
			Reason:  e.Get("reason").String(),
			Message: e.Get("message").String(),
		}
	} else if r := gjson.GetBytes(data, "result"); r.Exists() {
		res.result = json.RawMessage(r.Raw)
	}
	ch <- res
}

func (t *Transport) routeChanged(data []byte) {
	t.mu.Lock()
	h := t.onChanged
	t.mu.Unlock()
	if h == nil {
		return
	}
	f := ChangedFrame{
		Collection: gjson.GetBytes(data, "collection").String(),
		EventName:  gjson.GetBytes(data, "fields.eventName").String(),
	}
	for _, a := range gjson.GetBytes(data, "fields.args").Array() {
		f.Args = append(f.Args, json.RawMessage(a.Raw))
	}
	h(f)
}

func (t *Transport) handleClose(conn *websocket.Conn, err error) {
	t.mu.Lock()
	if t.intentional || t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.state = StateDisconnected
	if t.cancelFn != nil {
		t.cancelFn()
		t.cancelFn = nil
	}
	t.resetAuthLocked()
	hooks := append([]func(error){}, t.onClose...)
	t.mu.Unlock()

	t.clearPending()
	t.log.Warn("realtime connection closed", zap.Error(err))
	for _, h := range hooks {
		h(err)
	}
}

// resetAuthLocked replaces a closed gate with a fresh one so waiters block
// until the next authentication.
func (t *Transport) resetAuthLocked() {
	select {
	case <-t.authed:
		t.authed = make(chan struct{})
	default:
	}
}

func (t *Transport) dropPending(id string) {
	t.pendingMu.Lock()
	delete(t.pending, id)
	t.pendingMu.Unlock()
}

func (t *Transport) clearPending() {
	t.pendingMu.Lock()
	for k, ch := range t.pending {
		close(ch)
		delete(t.pending, k)
	}
	t.pendingMu.Unlock()
}

func pongFrame(ping []byte) map[string]any {
	frame := map[string]any{"msg": "pong"}
	if id := gjson.GetBytes(ping, "id"); id.Exists() {
		frame["id"] = id.String()
	}
	return frame
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
