package rocketchat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUnreadColdStart(t *testing.T) {
	u := NewUnreadTracker()
	assert.True(t, u.ApplySnapshot([]Room{{ID: "A", Unread: 2}}))

	assert.Equal(t, UnreadState{Unread: true, Count: 2}, u.State("A"))
	assert.Equal(t, map[string]UnreadState{"A": {Unread: true, Count: 2}}, u.Snapshot())
}

func TestUnreadAlertWithoutCount(t *testing.T) {
	u := NewUnreadTracker()
	u.ApplySnapshot([]Room{{ID: "A", Alert: true}, {ID: "B"}})
	assert.Equal(t, UnreadState{Unread: true, Count: 0}, u.State("A"))
	assert.Equal(t, UnreadState{}, u.State("B"))
	assert.Equal(t, []string{"A"}, u.UnreadRooms())
}

func TestUnreadPushesUntilSelected(t *testing.T) {
	u := NewUnreadTracker()
	u.Select("B")

	assert.True(t, u.ObservePush("A", "m1"))
	assert.True(t, u.ObservePush("A", "m2"))
	assert.True(t, u.ObservePush("A", "m3"))
	assert.Equal(t, UnreadState{Unread: true, Count: 3}, u.State("A"))

	u.Select("A")
	assert.Equal(t, UnreadState{Unread: false, Count: 0}, u.State("A"))
	assert.Equal(t, "A", u.Active())
}

func TestUnreadPushCountedOncePerIdentity(t *testing.T) {
	u := NewUnreadTracker()
	assert.True(t, u.ObservePush("A", "m1"))
	assert.False(t, u.ObservePush("A", "m1"))
	assert.Equal(t, 1, u.State("A").Count)
}

func TestUnreadActiveRoomIgnoresPushes(t *testing.T) {
	u := NewUnreadTracker()
	u.Select("A")
	assert.False(t, u.ObservePush("A", "m1"))
	assert.Equal(t, UnreadState{}, u.State("A"))
}

func TestUnreadSnapshotMerge(t *testing.T) {
	t.Run("stale snapshot does not clear local unread", func(t *testing.T) {
		u := NewUnreadTracker()
		u.ObservePush("A", "m1")
		u.ObservePush("A", "m2")
		u.ApplySnapshot([]Room{{ID: "A", Unread: 0}})
		assert.Equal(t, UnreadState{Unread: true, Count: 2}, u.State("A"))
	})

	t.Run("server count wins when larger", func(t *testing.T) {
		u := NewUnreadTracker()
		u.ObservePush("A", "m1")
		u.ApplySnapshot([]Room{{ID: "A", Unread: 5}})
		assert.Equal(t, 5, u.State("A").Count)
		assert.Equal(t, 5, u.Total())
	})

	t.Run("active room stays read", func(t *testing.T) {
		u := NewUnreadTracker()
		u.Select("A")
		assert.False(t, u.ApplySnapshot([]Room{{ID: "A", Unread: 4, Alert: true}}))
		assert.Equal(t, UnreadState{}, u.State("A"))
	})

	t.Run("late duplicate after snapshot is not recounted", func(t *testing.T) {
		u := NewUnreadTracker()
		assert.True(t, u.ObservePush("A", "m1"))
		u.ApplySnapshot([]Room{{ID: "A", Unread: 1}})
		assert.False(t, u.ObservePush("A", "m1"), "notification copy of the room push")
		assert.Equal(t, UnreadState{Unread: true, Count: 1}, u.State("A"))
	})

	t.Run("identities expire by age", func(t *testing.T) {
		u := NewUnreadTracker()
		now := base
		u.now = func() time.Time { return now }
		u.ObservePush("A", "m1")

		now = now.Add(pendingTTL / 2)
		u.ApplySnapshot(nil)
		assert.False(t, u.ObservePush("A", "m1"))

		now = now.Add(pendingTTL)
		u.ApplySnapshot(nil)
		assert.True(t, u.ObservePush("A", "m1"))
	})
}

func TestReadCursorNeverRegresses(t *testing.T) {
	u := NewUnreadTracker()
	local := base.Add(10 * time.Minute)
	assert.True(t, u.AdvanceCursor("A", local))

	u.ApplySnapshot([]Room{{ID: "A", LastSeen: At(base)}})
	assert.Equal(t, local, u.Cursor("A"))

	assert.False(t, u.AdvanceCursor("A", base.Add(time.Minute)))
	assert.Equal(t, local, u.Cursor("A"))

	later := base.Add(time.Hour)
	u.ApplySnapshot([]Room{{ID: "A", LastSeen: At(later)}})
	assert.Equal(t, later, u.Cursor("A"))
}
