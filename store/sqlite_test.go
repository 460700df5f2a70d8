package store

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Desco-devs/fleet-realtime/models"
)

const (
	ownerID  = "u-owner"
	memberID = "u-member"
	otherID  = "u-other"
)

type Fixture struct {
	store    *SQLiteRoomStore
	db       *sql.DB
	ctx      context.Context
	clk      time.Time
	tearDown func()
	t        *testing.T
}

func NewFixture(t *testing.T) *Fixture {
	ctx, cancel := context.WithCancel(context.Background())

	db, err := sql.Open("sqlite3", "file::memory:?cache=shared")
	if err != nil {
		t.Fatal(err)
	}

	migrationfs := os.DirFS("../migrations")
	goose.SetBaseFS(migrationfs)

	if err := goose.SetDialect("sqlite3"); err != nil {
		t.Fatal(err)
	}

	if err := goose.Up(db, "."); err != nil {
		t.Fatal(err)
	}

	f := &Fixture{
		db:  db,
		ctx: ctx,
		clk: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		tearDown: func() {
			cancel()
			db.Close()
		},
		t: t,
	}
	f.store = NewSQLiteRoomStore(db, WithClock(f.now))
	return f
}

// now advances one second per call so every write gets a distinct
// timestamp.
func (f *Fixture) now() time.Time {
	f.clk = f.clk.Add(time.Second)
	return f.clk
}

func seedGroupRoom(f *Fixture, memberIDs ...string) *models.Room {
	room, err := f.store.CreateRoom(f.ctx, CreateRoomInput{
		Kind:      models.GroupRoom,
		Name:      "Maintenance crew",
		OwnerID:   ownerID,
		MemberIDs: memberIDs,
	})
	if err != nil {
		f.t.Fatal(err)
	}
	return room
}

func TestCreateRoom(t *testing.T) {

	t.Run("group room with members", func(t *testing.T) {
		f := NewFixture(t)
		defer f.tearDown()

		room, err := f.store.CreateRoom(f.ctx, CreateRoomInput{
			Kind:      models.GroupRoom,
			Name:      "Maintenance crew",
			OwnerID:   ownerID,
			MemberIDs: []string{memberID, otherID},
		})
		require.Nil(t, err)
		require.NotEmpty(t, room.ID)
		assert.Equal(t, []string{ownerID, memberID, otherID}, room.MemberIDs)

		got, err := f.store.GetRoom(f.ctx, room.ID)
		require.Nil(t, err)
		assert.Equal(t, models.GroupRoom, got.Kind)
		assert.Equal(t, ownerID, got.OwnerID)
		assert.Len(t, got.MemberIDs, 3)
	})

	t.Run("direct room requires exactly two members", func(t *testing.T) {
		f := NewFixture(t)
		defer f.tearDown()

		_, err := f.store.CreateRoom(f.ctx, CreateRoomInput{
			Kind:      models.DirectRoom,
			OwnerID:   ownerID,
			MemberIDs: []string{memberID, otherID},
		})
		require.ErrorIs(t, err, ErrDirectRoomMembers)

		_, err = f.store.CreateRoom(f.ctx, CreateRoomInput{
			Kind:      models.DirectRoom,
			OwnerID:   ownerID,
			MemberIDs: []string{memberID},
		})
		assert.Nil(t, err)
	})

	t.Run("duplicate member ids collapse", func(t *testing.T) {
		f := NewFixture(t)
		defer f.tearDown()

		room, err := f.store.CreateRoom(f.ctx, CreateRoomInput{
			Kind:      models.GroupRoom,
			OwnerID:   ownerID,
			MemberIDs: []string{ownerID, memberID, memberID},
		})
		require.Nil(t, err)
		assert.Equal(t, []string{ownerID, memberID}, room.MemberIDs)
	})

	t.Run("unknown kind rejected", func(t *testing.T) {
		f := NewFixture(t)
		defer f.tearDown()

		_, err := f.store.CreateRoom(f.ctx, CreateRoomInput{Kind: "BROADCAST", OwnerID: ownerID})
		assert.ErrorIs(t, err, ErrInvalidKind)
	})
}

func TestDeleteRoom(t *testing.T) {

	t.Run("owner deletes a group room", func(t *testing.T) {
		f := NewFixture(t)
		defer f.tearDown()
		room := seedGroupRoom(f, memberID)

		require.Nil(t, f.store.DeleteRoom(f.ctx, room.ID, ownerID))

		_, err := f.store.GetRoom(f.ctx, room.ID)
		assert.ErrorIs(t, err, ErrRoomNotFound)
	})

	t.Run("non-owner member cannot delete a group room", func(t *testing.T) {
		f := NewFixture(t)
		defer f.tearDown()
		room := seedGroupRoom(f, memberID)

		assert.ErrorIs(t, f.store.DeleteRoom(f.ctx, room.ID, memberID), ErrDisallowedOperation)
	})

	t.Run("either member deletes a direct room", func(t *testing.T) {
		f := NewFixture(t)
		defer f.tearDown()
		room, err := f.store.CreateRoom(f.ctx, CreateRoomInput{
			Kind:      models.DirectRoom,
			OwnerID:   ownerID,
			MemberIDs: []string{memberID},
		})
		require.Nil(t, err)

		assert.Nil(t, f.store.DeleteRoom(f.ctx, room.ID, memberID))
	})

	t.Run("non-member cannot delete", func(t *testing.T) {
		f := NewFixture(t)
		defer f.tearDown()
		room := seedGroupRoom(f, memberID)

		assert.ErrorIs(t, f.store.DeleteRoom(f.ctx, room.ID, otherID), ErrNotMember)
	})

	t.Run("delete cascades to messages", func(t *testing.T) {
		f := NewFixture(t)
		defer f.tearDown()
		room := seedGroupRoom(f, memberID)
		_, err := f.store.SendMessage(f.ctx, room.ID, ownerID, "hello", models.TextMessage, "")
		require.Nil(t, err)

		require.Nil(t, f.store.DeleteRoom(f.ctx, room.ID, ownerID))

		var count int
		err = f.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE room_id = ?`, room.ID).Scan(&count)
		require.Nil(t, err)
		assert.Zero(t, count)
	})
}

func TestListRoomsForUser(t *testing.T) {
	f := NewFixture(t)
	defer f.tearDown()

	first := seedGroupRoom(f, memberID)
	second := seedGroupRoom(f, memberID)
	seedGroupRoom(f) // owner only; the member must not see it

	// Activity in the first room bumps it to the top.
	_, err := f.store.SendMessage(f.ctx, first.ID, memberID, "ping", models.TextMessage, "")
	require.Nil(t, err)

	refs, err := f.store.ListRoomsForUser(f.ctx, memberID)
	require.Nil(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, first.ID, refs[0].RoomID)
	assert.Equal(t, second.ID, refs[1].RoomID)
}

func TestMembers(t *testing.T) {

	t.Run("add and remove", func(t *testing.T) {
		f := NewFixture(t)
		defer f.tearDown()
		room := seedGroupRoom(f)

		require.Nil(t, f.store.AddMember(f.ctx, room.ID, memberID))
		ok, err := f.store.IsMember(f.ctx, room.ID, memberID)
		require.Nil(t, err)
		require.True(t, ok)

		// Adding twice is a no-op.
		require.Nil(t, f.store.AddMember(f.ctx, room.ID, memberID))

		require.Nil(t, f.store.RemoveMember(f.ctx, room.ID, memberID))
		ok, err = f.store.IsMember(f.ctx, room.ID, memberID)
		require.Nil(t, err)
		assert.False(t, ok)
	})

	t.Run("add to unknown room", func(t *testing.T) {
		f := NewFixture(t)
		defer f.tearDown()

		assert.ErrorIs(t, f.store.AddMember(f.ctx, "r-missing", memberID), ErrRoomNotFound)
	})

	t.Run("remove non-member", func(t *testing.T) {
		f := NewFixture(t)
		defer f.tearDown()
		room := seedGroupRoom(f)

		assert.ErrorIs(t, f.store.RemoveMember(f.ctx, room.ID, otherID), ErrNotMember)
	})

	t.Run("mark read", func(t *testing.T) {
		f := NewFixture(t)
		defer f.tearDown()
		room := seedGroupRoom(f, memberID)

		require.Nil(t, f.store.MarkRead(f.ctx, room.ID, memberID))
		assert.ErrorIs(t, f.store.MarkRead(f.ctx, room.ID, otherID), ErrNotMember)
	})
}

func TestMessages(t *testing.T) {

	t.Run("send requires membership", func(t *testing.T) {
		f := NewFixture(t)
		defer f.tearDown()
		room := seedGroupRoom(f)

		_, err := f.store.SendMessage(f.ctx, room.ID, otherID, "hello", models.TextMessage, "")
		assert.ErrorIs(t, err, ErrNotMember)
	})

	t.Run("recent page returns oldest first", func(t *testing.T) {
		f := NewFixture(t)
		defer f.tearDown()
		room := seedGroupRoom(f)

		var ids []string
		for i := 0; i < 5; i++ {
			msg, err := f.store.SendMessage(f.ctx, room.ID, ownerID, "msg", models.TextMessage, "")
			require.Nil(t, err)
			ids = append(ids, msg.ID)
		}

		msgs, err := f.store.ListRecentMessages(f.ctx, room.ID, 3)
		require.Nil(t, err)
		require.Len(t, msgs, 3)
		// The three most recent, oldest of the page first.
		assert.Equal(t, ids[2], msgs[0].ID)
		assert.Equal(t, ids[3], msgs[1].ID)
		assert.Equal(t, ids[4], msgs[2].ID)
	})

	t.Run("send bumps room updated_at", func(t *testing.T) {
		f := NewFixture(t)
		defer f.tearDown()
		room := seedGroupRoom(f)

		msg, err := f.store.SendMessage(f.ctx, room.ID, ownerID, "hello", models.TextMessage, "")
		require.Nil(t, err)

		got, err := f.store.GetRoom(f.ctx, room.ID)
		require.Nil(t, err)
		assert.True(t, msg.CreatedAt.Equal(got.UpdatedAt), "updated_at %v != created_at %v", got.UpdatedAt, msg.CreatedAt)
	})

	t.Run("reply threading round trips", func(t *testing.T) {
		f := NewFixture(t)
		defer f.tearDown()
		room := seedGroupRoom(f)

		parent, err := f.store.SendMessage(f.ctx, room.ID, ownerID, "parent", models.TextMessage, "")
		require.Nil(t, err)
		_, err = f.store.SendMessage(f.ctx, room.ID, ownerID, "child", models.TextMessage, parent.ID)
		require.Nil(t, err)

		msgs, err := f.store.ListRecentMessages(f.ctx, room.ID, 0)
		require.Nil(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, parent.ID, msgs[1].ReplyToID)
	})
}

func TestInvitations(t *testing.T) {

	t.Run("accept joins the room", func(t *testing.T) {
		f := NewFixture(t)
		defer f.tearDown()
		room := seedGroupRoom(f)

		inv, err := f.store.CreateInvitation(f.ctx, CreateInvitationInput{
			RoomID:          room.ID,
			InvitedUserID:   memberID,
			InvitedByUserID: ownerID,
		})
		require.Nil(t, err)
		require.Equal(t, models.InvitationPending, inv.Status)

		outcome, err := f.store.RespondToInvitation(f.ctx, inv.ID, memberID, InvitationActionAccept)
		require.Nil(t, err)
		assert.Equal(t, models.InvitationAccepted, outcome.Invitation.Status)
		require.NotNil(t, outcome.Room)
		assert.Contains(t, outcome.Room.MemberIDs, memberID)

		ok, err := f.store.IsMember(f.ctx, room.ID, memberID)
		require.Nil(t, err)
		assert.True(t, ok)
	})

	t.Run("decline does not join", func(t *testing.T) {
		f := NewFixture(t)
		defer f.tearDown()
		room := seedGroupRoom(f)
		inv, err := f.store.CreateInvitation(f.ctx, CreateInvitationInput{
			RoomID: room.ID, InvitedUserID: memberID, InvitedByUserID: ownerID,
		})
		require.Nil(t, err)

		outcome, err := f.store.RespondToInvitation(f.ctx, inv.ID, memberID, InvitationActionDecline)
		require.Nil(t, err)
		assert.Equal(t, models.InvitationDeclined, outcome.Invitation.Status)
		assert.Nil(t, outcome.Room)

		ok, err := f.store.IsMember(f.ctx, room.ID, memberID)
		require.Nil(t, err)
		assert.False(t, ok)
	})

	t.Run("resolved invitation cannot be answered again", func(t *testing.T) {
		f := NewFixture(t)
		defer f.tearDown()
		room := seedGroupRoom(f)
		inv, err := f.store.CreateInvitation(f.ctx, CreateInvitationInput{
			RoomID: room.ID, InvitedUserID: memberID, InvitedByUserID: ownerID,
		})
		require.Nil(t, err)

		_, err = f.store.RespondToInvitation(f.ctx, inv.ID, memberID, InvitationActionAccept)
		require.Nil(t, err)
		_, err = f.store.RespondToInvitation(f.ctx, inv.ID, memberID, InvitationActionDecline)
		assert.ErrorIs(t, err, ErrInvitationResolved)
	})

	t.Run("only the invited user may respond", func(t *testing.T) {
		f := NewFixture(t)
		defer f.tearDown()
		room := seedGroupRoom(f)
		inv, err := f.store.CreateInvitation(f.ctx, CreateInvitationInput{
			RoomID: room.ID, InvitedUserID: memberID, InvitedByUserID: ownerID,
		})
		require.Nil(t, err)

		_, err = f.store.RespondToInvitation(f.ctx, inv.ID, otherID, InvitationActionAccept)
		assert.ErrorIs(t, err, ErrInvitationNotFound)
	})

	t.Run("inviter must be a member", func(t *testing.T) {
		f := NewFixture(t)
		defer f.tearDown()
		room := seedGroupRoom(f)

		_, err := f.store.CreateInvitation(f.ctx, CreateInvitationInput{
			RoomID: room.ID, InvitedUserID: memberID, InvitedByUserID: otherID,
		})
		assert.ErrorIs(t, err, ErrNotMember)
	})
}
