package realtime

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Desco-devs/fleet-realtime/models"
)

type fakeRoomLister struct {
	refs  []models.RoomRef
	err   error
	calls int
}

func (l *fakeRoomLister) ListRoomsForUser(ctx context.Context, userID string) ([]models.RoomRef, error) {
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return l.refs, nil
}

func refs(ids ...string) []models.RoomRef {
	out := make([]models.RoomRef, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.RoomRef{RoomID: id, UpdatedAt: time.Now()})
	}
	return out
}

func TestMembershipRefresh(t *testing.T) {
	ctx := context.Background()

	t.Run("replaces the set and fires the diff", func(t *testing.T) {
		lister := &fakeRoomLister{refs: refs("r1", "r2")}
		c := NewMembershipCache("u-self", lister)

		var joined, left []string
		c.OnJoin(func(roomID string) { joined = append(joined, roomID) })
		c.OnLeave(func(roomID string) { left = append(left, roomID) })

		require.Nil(t, c.Refresh(ctx))
		assert.Equal(t, []string{"r1", "r2"}, joined)
		assert.Empty(t, left)

		lister.refs = refs("r2", "r3")
		joined = nil
		require.Nil(t, c.Refresh(ctx))
		assert.Equal(t, []string{"r3"}, joined)
		assert.Equal(t, []string{"r1"}, left)
		assert.Equal(t, []string{"r2", "r3"}, c.Rooms())
	})

	t.Run("failure keeps the previous set", func(t *testing.T) {
		lister := &fakeRoomLister{refs: refs("r1")}
		c := NewMembershipCache("u-self", lister)
		require.Nil(t, c.Refresh(ctx))

		lister.err = fmt.Errorf("db gone")
		err := c.Refresh(ctx)
		require.NotNil(t, err)
		var fe *FetchError
		assert.ErrorAs(t, err, &fe)

		// Stale-but-available: the cached set still answers.
		assert.True(t, c.Contains("r1"))
		assert.NotNil(t, c.StaleSince())
	})

	t.Run("stale marker clears on the next success", func(t *testing.T) {
		clk := newClock()
		lister := &fakeRoomLister{err: fmt.Errorf("db gone")}
		c := NewMembershipCache("u-self", lister, WithMembershipClock(clk.Now))

		require.NotNil(t, c.Refresh(ctx))
		first := c.StaleSince()
		require.NotNil(t, first)

		// Repeated failures keep the original stale timestamp.
		clk.Advance(time.Minute)
		require.NotNil(t, c.Refresh(ctx))
		assert.Equal(t, *first, *c.StaleSince())

		lister.err = nil
		lister.refs = refs("r1")
		require.Nil(t, c.Refresh(ctx))
		assert.Nil(t, c.StaleSince())
	})
}

func TestMembershipApply(t *testing.T) {

	t.Run("self added opens the room once", func(t *testing.T) {
		c := NewMembershipCache("u-self", &fakeRoomLister{})
		var joins int
		c.OnJoin(func(roomID string) { joins++ })

		ev := &MembershipEvent{Change: MemberAdded, RoomID: "r1", UserID: "u-self"}
		assert.True(t, c.Apply(ev))
		// Duplicate event for the same room.
		assert.False(t, c.Apply(ev))

		assert.Equal(t, 1, joins)
		assert.True(t, c.Contains("r1"))
	})

	t.Run("other user added leaves the set alone", func(t *testing.T) {
		c := NewMembershipCache("u-self", &fakeRoomLister{})

		changed := c.Apply(&MembershipEvent{Change: MemberAdded, RoomID: "r1", UserID: "u-other"})
		assert.False(t, changed)
		assert.False(t, c.Contains("r1"))
	})

	t.Run("self removed closes the room", func(t *testing.T) {
		ctx := context.Background()
		c := NewMembershipCache("u-self", &fakeRoomLister{refs: refs("r1")})
		require.Nil(t, c.Refresh(ctx))

		var left []string
		c.OnLeave(func(roomID string) { left = append(left, roomID) })

		assert.True(t, c.Apply(&MembershipEvent{Change: MemberRemoved, RoomID: "r1", UserID: "u-self"}))
		assert.Equal(t, []string{"r1"}, left)
		assert.False(t, c.Contains("r1"))
	})

	t.Run("other user removed leaves the set alone", func(t *testing.T) {
		ctx := context.Background()
		c := NewMembershipCache("u-self", &fakeRoomLister{refs: refs("r1")})
		require.Nil(t, c.Refresh(ctx))

		assert.False(t, c.Apply(&MembershipEvent{Change: MemberRemoved, RoomID: "r1", UserID: "u-other"}))
		assert.True(t, c.Contains("r1"))
	})

	t.Run("room deleted closes regardless of user", func(t *testing.T) {
		ctx := context.Background()
		c := NewMembershipCache("u-self", &fakeRoomLister{refs: refs("r1")})
		require.Nil(t, c.Refresh(ctx))

		assert.True(t, c.Apply(&MembershipEvent{Change: RoomDeleted, RoomID: "r1"}))
		assert.False(t, c.Contains("r1"))
		// Delete of an unknown room is a no-op.
		assert.False(t, c.Apply(&MembershipEvent{Change: RoomDeleted, RoomID: "r9"}))
	})
}
