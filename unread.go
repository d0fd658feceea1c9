package rocketchat

import (
	"sort"
	"sync"
	"time"
)

// pendingTTL is how long a counted message identity is remembered. It must
// outlast the debounced room-list refresh so a late duplicate of a push is
// not counted again after the snapshot lands.
const pendingTTL = time.Minute

// UnreadState is the merged unread view of one room.
type UnreadState struct {
	Unread bool `json:"unread"`
	Count  int  `json:"count"`
}

// UnreadTracker derives per-room unread flags and counts from bulk room
// snapshots, realtime pushes for rooms that are not active, and the local
// read cursor.
type UnreadTracker struct {
	mu      sync.Mutex
	flags   map[string]bool
	counts  map[string]int
	pending map[string]map[string]time.Time
	cursors map[string]time.Time
	active  string
	now     func() time.Time
}

func NewUnreadTracker() *UnreadTracker {
	return &UnreadTracker{
		flags:   make(map[string]bool),
		counts:  make(map[string]int),
		pending: make(map[string]map[string]time.Time),
		cursors: make(map[string]time.Time),
		now:     time.Now,
	}
}

// ApplySnapshot merges a bulk room list. A room's flag is ORed with the
// local flag and its count is the larger of local and server, so a stale
// snapshot never clears an unread seen locally. The active room stays read.
// It reports whether any room's state changed.
func (u *UnreadTracker) ApplySnapshot(rooms []Room) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	changed := false
	for _, r := range rooms {
		if r.LastSeen.After(u.cursors[r.ID]) {
			u.cursors[r.ID] = r.LastSeen.Time
		}
		if r.ID == u.active {
			continue
		}
		flag := u.flags[r.ID] || r.Alert || r.Unread > 0
		count := u.counts[r.ID]
		if r.Unread > count {
			count = r.Unread
		}
		if flag != u.flags[r.ID] || count != u.counts[r.ID] {
			changed = true
		}
		u.flags[r.ID] = flag
		u.counts[r.ID] = count
	}
	u.expirePendingLocked()
	return changed
}

// ObservePush records a realtime message for a room. Pushes for the active
// room are ignored, and each message identity is counted once until the
// identity expires.
func (u *UnreadTracker) ObservePush(roomID, msgID string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	if roomID == "" || roomID == u.active {
		return false
	}
	if msgID != "" {
		seen, ok := u.pending[roomID]
		if !ok {
			seen = make(map[string]time.Time)
			u.pending[roomID] = seen
		}
		if _, dup := seen[msgID]; dup {
			return false
		}
		seen[msgID] = u.now()
	}
	u.flags[roomID] = true
	u.counts[roomID]++
	return true
}

func (u *UnreadTracker) expirePendingLocked() {
	cutoff := u.now().Add(-pendingTTL)
	for rid, seen := range u.pending {
		for id, at := range seen {
			if at.Before(cutoff) {
				delete(seen, id)
			}
		}
		if len(seen) == 0 {
			delete(u.pending, rid)
		}
	}
}

// Select makes roomID the active room and marks it read locally.
func (u *UnreadTracker) Select(roomID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.active = roomID
	if roomID == "" {
		return
	}
	u.flags[roomID] = false
	u.counts[roomID] = 0
	delete(u.pending, roomID)
}

// Active returns the active room, empty if none.
func (u *UnreadTracker) Active() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.active
}

// AdvanceCursor moves a room's read cursor forward to t. Earlier instants
// are ignored.
func (u *UnreadTracker) AdvanceCursor(roomID string, t time.Time) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !t.After(u.cursors[roomID]) {
		return false
	}
	u.cursors[roomID] = t
	return true
}

// Cursor returns a room's read cursor.
func (u *UnreadTracker) Cursor(roomID string) time.Time {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.cursors[roomID]
}

// State returns one room's unread state.
func (u *UnreadTracker) State(roomID string) UnreadState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return UnreadState{Unread: u.flags[roomID], Count: u.counts[roomID]}
}

// Snapshot returns the state of every room the tracker knows.
func (u *UnreadTracker) Snapshot() map[string]UnreadState {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make(map[string]UnreadState, len(u.flags))
	for rid, flag := range u.flags {
		out[rid] = UnreadState{Unread: flag, Count: u.counts[rid]}
	}
	return out
}

// UnreadRooms lists rooms flagged unread, sorted.
func (u *UnreadTracker) UnreadRooms() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	var out []string
	for rid, flag := range u.flags {
		if flag {
			out = append(out, rid)
		}
	}
	sort.Strings(out)
	return out
}

// Total sums the counts of all rooms.
func (u *UnreadTracker) Total() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := 0
	for _, c := range u.counts {
		n += c
	}
	return n
}
