package rocketchat

import (
	"sync"

	"go.uber.org/zap"
)

// Session events. Payload types are noted per event.
const (
	EventMessagesChanged = "messages.changed" // MessagesChanged
	EventRoomsChanged    = "rooms.changed"    // []Room
	EventUnreadChanged   = "unread.changed"   // map[string]UnreadState
	EventPresenceChanged = "presence.changed" // map[string]string
	EventAuthFailed      = "auth.failed"      // error
)

// MessagesChanged is the payload of EventMessagesChanged.
type MessagesChanged struct {
	RoomID   string
	Messages []Message
}

// EventHandler receives session events.
type EventHandler func(event string, payload any)

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
	log       *zap.Logger
}

func newEmitter(log *zap.Logger) *emitter {
	return &emitter{listeners: make(map[string][]EventHandler), log: log}
}

// On registers handler for event.
func (e *emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := append([]EventHandler(nil), e.listeners[event]...)
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Warn("event handler panicked", zap.String("event", event), zap.Any("panic", r))
				}
			}()
			h(event, payload)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]EventHandler)
}
