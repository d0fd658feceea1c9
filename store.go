package rocketchat

import (
	"context"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LocalIDPrefix marks identities generated for optimistic placeholders.
const LocalIDPrefix = "local-"

type roomState struct {
	msgs     []Message
	lastSync time.Time
}

func (r *roomState) index(id string) int {
	for i := range r.msgs {
		if r.msgs[i].ID == id {
			return i
		}
	}
	return -1
}

// pendingPlaceholder finds the oldest unconfirmed placeholder carrying text.
func (r *roomState) pendingPlaceholder(text string) int {
	for i := range r.msgs {
		if r.msgs[i].Optimistic && r.msgs[i].Text == text {
			return i
		}
	}
	return -1
}

// Store keeps one ordered, deduplicated message sequence per room. It merges
// bulk seeds, delta syncs and realtime pushes, and shadows optimistic local
// writes until their server copy arrives.
//
// An optimistic placeholder and its server echo share no identity, so they
// are matched by sender and body within the room. Two identical messages
// sent back to back may therefore collapse onto each other's placeholder.
type Store struct {
	self User
	now  func() time.Time

	mu    sync.RWMutex
	rooms map[string]*roomState
}

// NewStore creates an empty store for the local user self.
func NewStore(self User) *Store {
	return &Store{
		self:  self,
		now:   time.Now,
		rooms: make(map[string]*roomState),
	}
}

func (s *Store) room(roomID string) *roomState {
	r, ok := s.rooms[roomID]
	if !ok {
		r = &roomState{}
		s.rooms[roomID] = r
	}
	return r
}

// Seed replaces a room's sequence with a bulk fetch, ordered oldest first,
// and marks the room synchronized now.
func (s *Store) Seed(roomID string, msgs []Message) {
	s.SeedAt(roomID, msgs, s.now())
}

// SeedAt is Seed for a bulk fetch issued at at. Held messages newer than at
// arrived by push while the fetch was in flight and are kept; the room is
// marked synchronized at at so the next delta covers the gap.
func (s *Store) SeedAt(roomID string, msgs []Message, at time.Time) {
	seen := make(map[string]int, len(msgs))
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if i, ok := seen[m.ID]; ok {
			out[i] = m
			continue
		}
		seen[m.ID] = len(out)
		out = append(out, m)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.room(roomID)
	for _, m := range r.msgs {
		if _, ok := seen[m.ID]; ok || !m.TS.After(at) {
			continue
		}
		out = append(out, m)
	}
	sortByTS(out)
	r.msgs = out
	r.lastSync = at
}

// ApplyDelta merges added and updated messages by identity and removes the
// deleted identities. Existing entries are overwritten in place, new ones are
// appended and the sequence is re-sorted by timestamp. Applying the same
// delta twice leaves the same sequence as applying it once. It reports
// whether anything changed.
func (s *Store) ApplyDelta(roomID string, added, updated []Message, deleted ...string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyDeltaLocked(s.room(roomID), added, updated, deleted)
}

// ApplySync applies a delta sync result and advances the room's last
// synchronized instant to at (the instant the sync request was issued).
func (s *Store) ApplySync(roomID string, res *SyncResult, at time.Time) bool {
	deleted := make([]string, 0, len(res.Deleted))
	for _, d := range res.Deleted {
		deleted = append(deleted, d.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.room(roomID)
	changed := s.applyDeltaLocked(r, res.Messages, res.Updated, deleted)
	if at.After(r.lastSync) {
		r.lastSync = at
	}
	return changed
}

func (s *Store) applyDeltaLocked(r *roomState, added, updated []Message, deleted []string) bool {
	changed := false
	appended := false
	for _, batch := range [][]Message{added, updated} {
		for _, m := range batch {
			if i := r.index(m.ID); i >= 0 {
				if !sameMessage(r.msgs[i], m) {
					r.msgs[i] = m
					changed = true
				}
				continue
			}
			if m.SentBy(s.self) {
				if i := r.pendingPlaceholder(m.Text); i >= 0 {
					r.msgs[i] = m
					changed = true
					continue
				}
			}
			r.msgs = append(r.msgs, m)
			changed, appended = true, true
		}
	}
	for _, id := range deleted {
		if i := r.index(id); i >= 0 {
			r.msgs = append(r.msgs[:i], r.msgs[i+1:]...)
			changed = true
		}
	}
	if appended {
		sortByTS(r.msgs)
	}
	return changed
}

// ApplyPush merges one realtime message. A known identity is discarded
// unless the push carries a strictly newer edit, which replaces the entry in
// place. The local user's own message replaces its pending placeholder in
// place. Anything else is appended. It reports whether anything changed.
func (s *Store) ApplyPush(roomID string, m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.room(roomID)

	if i := r.index(m.ID); i >= 0 {
		if m.UpdatedAt.After(r.msgs[i].UpdatedAt.Time) {
			r.msgs[i] = m
			return true
		}
		return false
	}
	if m.SentBy(s.self) {
		if i := r.pendingPlaceholder(m.Text); i >= 0 {
			r.msgs[i] = m
			return true
		}
	}
	r.msgs = append(r.msgs, m)
	return true
}

// AddOptimistic appends a placeholder for a message the local user is about
// to send and returns it.
func (s *Store) AddOptimistic(roomID, text string) Message {
	now := s.now()
	m := Message{
		ID:     LocalIDPrefix + uuid.NewString(),
		RoomID: roomID,
		Text:   text,
		TS:     At(now),
		User: UserRef{
			ID:       s.self.ID,
			Username: s.self.Username,
			Name:     s.self.Name,
		},
		Optimistic: true,
	}

	s.mu.Lock()
	r := s.room(roomID)
	r.msgs = append(r.msgs, m)
	s.mu.Unlock()
	return m
}

// Poster sends a message and returns the server's copy.
type Poster interface {
	PostMessage(ctx context.Context, roomID, text string) (*Message, error)
}

// SendOptimistic appends a placeholder, posts the message and merges the
// server's copy through ApplyPush. If the post fails the placeholder stays.
func (s *Store) SendOptimistic(ctx context.Context, p Poster, roomID, text string) (Message, error) {
	placeholder := s.AddOptimistic(roomID, text)
	sent, err := p.PostMessage(ctx, roomID, text)
	if err != nil {
		return placeholder, err
	}
	if sent.RoomID == "" {
		sent.RoomID = roomID
	}
	s.ApplyPush(roomID, *sent)
	return *sent, nil
}

// Messages returns a copy of a room's sequence.
func (s *Store) Messages(roomID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	return append([]Message(nil), r.msgs...)
}

// LastSync returns the room's last synchronized instant, zero if the room
// was never seeded.
func (s *Store) LastSync(roomID string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.rooms[roomID]; ok {
		return r.lastSync
	}
	return time.Time{}
}

// Latest returns the timestamp of the newest message in a room.
func (s *Store) Latest(roomID string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest time.Time
	if r, ok := s.rooms[roomID]; ok {
		for _, m := range r.msgs {
			if m.TS.After(latest) {
				latest = m.TS.Time
			}
		}
	}
	return latest
}

// Forget drops a room's state.
func (s *Store) Forget(roomID string) {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()
}

func sortByTS(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].TS.Before(msgs[j].TS.Time) })
}

func sameMessage(a, b Message) bool {
	if !a.TS.Equal(b.TS.Time) || !a.UpdatedAt.Equal(b.UpdatedAt.Time) {
		return false
	}
	// Instants compare by Equal; location and monotonic reading may differ.
	a.TS, a.UpdatedAt = Timestamp{}, Timestamp{}
	b.TS, b.UpdatedAt = Timestamp{}, Timestamp{}
	return reflect.DeepEqual(a, b)
}
