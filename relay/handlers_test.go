package relay

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Desco-devs/fleet-realtime/models"
	"github.com/Desco-devs/fleet-realtime/store"
)

type apiFixture struct {
	server   *httptest.Server
	store    store.RoomStore
	presence *MemoryPresenceStore
	hub      *Hub
	tearDown func()
	t        *testing.T
}

func newAPIFixture(t *testing.T) *apiFixture {
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

	roomStore := store.NewSQLiteRoomStore(db)
	presence := NewMemoryPresenceStore()
	hub := NewHub()
	handler := NewHandler(roomStore, presence, hub, nil)

	server := httptest.NewServer(AuthMiddleware(testSecret)(handler.Routes()))

	return &apiFixture{
		server:   server,
		store:    roomStore,
		presence: presence,
		hub:      hub,
		tearDown: func() {
			server.Close()
			hub.Close()
			db.Close()
		},
		t: t,
	}
}

// do issues an authenticated JSON request and decodes the response into
// out when it is non-nil.
func (f *apiFixture) do(userID, method, path string, body any, out any) *http.Response {
	f.t.Helper()

	var reqBody bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&reqBody).Encode(body); err != nil {
			f.t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, f.server.URL+path, &reqBody)
	if err != nil {
		f.t.Fatal(err)
	}
	token, err := IssueToken(testSecret, Identity{UserID: userID}, time.Hour)
	if err != nil {
		f.t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		f.t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			f.t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp
}

func TestOnlineStatusEndpoints(t *testing.T) {

	t.Run("set and read back", func(t *testing.T) {
		f := newAPIFixture(t)
		defer f.tearDown()

		resp := f.do("u1", http.MethodPost, "/users/online-status",
			map[string]string{"userId": "u1", "status": "online"}, nil)
		require.Equal(t, http.StatusNoContent, resp.StatusCode)

		var recs []models.PresenceRecord
		resp = f.do("u2", http.MethodGet, "/users/status?userIds=u1,u-ghost", nil, &recs)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Len(t, recs, 1)
		assert.Equal(t, "u1", recs[0].UserID)
		assert.True(t, recs[0].IsOnline)
	})

	t.Run("defaults to the caller", func(t *testing.T) {
		f := newAPIFixture(t)
		defer f.tearDown()

		resp := f.do("u1", http.MethodPost, "/users/online-status",
			map[string]string{"status": "offline"}, nil)
		require.Equal(t, http.StatusNoContent, resp.StatusCode)

		recs, err := f.presence.GetStatuses(context.Background(), []string{"u1"})
		require.Nil(t, err)
		require.Len(t, recs, 1)
		assert.False(t, recs[0].IsOnline)
	})

	t.Run("cannot set another user's status", func(t *testing.T) {
		f := newAPIFixture(t)
		defer f.tearDown()

		resp := f.do("u1", http.MethodPost, "/users/online-status",
			map[string]string{"userId": "u2", "status": "online"}, nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("empty id list", func(t *testing.T) {
		f := newAPIFixture(t)
		defer f.tearDown()

		var recs []models.PresenceRecord
		resp := f.do("u1", http.MethodGet, "/users/status", nil, &recs)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Empty(t, recs)
	})
}

func TestRoomEndpoints(t *testing.T) {

	t.Run("create then list", func(t *testing.T) {
		f := newAPIFixture(t)
		defer f.tearDown()

		var room models.Room
		resp := f.do("u1", http.MethodPost, "/rooms", map[string]any{
			"kind":       "GROUP",
			"name":       "Crew",
			"member_ids": []string{"u2"},
		}, &room)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.Equal(t, models.GroupRoom, room.Kind)
		assert.Equal(t, []string{"u1", "u2"}, room.MemberIDs)

		var refs []models.RoomRef
		resp = f.do("u2", http.MethodGet, "/rooms", nil, &refs)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Len(t, refs, 1)
		assert.Equal(t, room.ID, refs[0].RoomID)
	})

	t.Run("invalid kind maps to bad request", func(t *testing.T) {
		f := newAPIFixture(t)
		defer f.tearDown()

		resp := f.do("u1", http.MethodPost, "/rooms", map[string]any{"kind": "BROADCAST"}, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("delete by non-owner maps to forbidden", func(t *testing.T) {
		f := newAPIFixture(t)
		defer f.tearDown()

		var room models.Room
		f.do("u1", http.MethodPost, "/rooms", map[string]any{
			"kind": "GROUP", "member_ids": []string{"u2"},
		}, &room)

		resp := f.do("u2", http.MethodDelete, "/rooms/"+room.ID, nil, nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)

		resp = f.do("u1", http.MethodDelete, "/rooms/"+room.ID, nil, nil)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	})

	t.Run("unknown room maps to not found", func(t *testing.T) {
		f := newAPIFixture(t)
		defer f.tearDown()

		resp := f.do("u1", http.MethodDelete, "/rooms/r-missing", nil, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestMessageEndpoints(t *testing.T) {

	t.Run("send then list", func(t *testing.T) {
		f := newAPIFixture(t)
		defer f.tearDown()

		var room models.Room
		f.do("u1", http.MethodPost, "/rooms", map[string]any{
			"kind": "GROUP", "member_ids": []string{"u2"},
		}, &room)

		var sent models.Message
		resp := f.do("u1", http.MethodPost, fmt.Sprintf("/rooms/%s/messages", room.ID),
			map[string]string{"content": "hello"}, &sent)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.Equal(t, models.TextMessage, sent.Type)
		assert.Equal(t, "u1", sent.SenderID)

		var msgs []models.Message
		resp = f.do("u2", http.MethodGet, fmt.Sprintf("/rooms/%s/messages", room.ID), nil, &msgs)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Len(t, msgs, 1)
		assert.Equal(t, sent.ID, msgs[0].ID)
	})

	t.Run("non-member cannot read or send", func(t *testing.T) {
		f := newAPIFixture(t)
		defer f.tearDown()

		var room models.Room
		f.do("u1", http.MethodPost, "/rooms", map[string]any{"kind": "GROUP"}, &room)

		resp := f.do("u-outsider", http.MethodGet, fmt.Sprintf("/rooms/%s/messages", room.ID), nil, nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)

		resp = f.do("u-outsider", http.MethodPost, fmt.Sprintf("/rooms/%s/messages", room.ID),
			map[string]string{"content": "hi"}, nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("empty content rejected", func(t *testing.T) {
		f := newAPIFixture(t)
		defer f.tearDown()

		var room models.Room
		f.do("u1", http.MethodPost, "/rooms", map[string]any{"kind": "GROUP"}, &room)

		resp := f.do("u1", http.MethodPost, fmt.Sprintf("/rooms/%s/messages", room.ID),
			map[string]string{"content": ""}, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("mark read", func(t *testing.T) {
		f := newAPIFixture(t)
		defer f.tearDown()

		var room models.Room
		f.do("u1", http.MethodPost, "/rooms", map[string]any{"kind": "GROUP"}, &room)

		resp := f.do("u1", http.MethodPost, fmt.Sprintf("/rooms/%s/read", room.ID), nil, nil)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	})
}

func TestMemberEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	defer f.tearDown()

	var room models.Room
	f.do("u1", http.MethodPost, "/rooms", map[string]any{"kind": "GROUP"}, &room)

	resp := f.do("u1", http.MethodPost, fmt.Sprintf("/rooms/%s/members", room.ID),
		map[string]string{"user_id": "u2"}, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	ok, err := f.store.IsMember(context.Background(), room.ID, "u2")
	require.Nil(t, err)
	require.True(t, ok)

	// A member may remove themselves.
	resp = f.do("u2", http.MethodDelete, fmt.Sprintf("/rooms/%s/members/u2", room.ID), nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// An outsider cannot touch the member list.
	resp = f.do("u-outsider", http.MethodPost, fmt.Sprintf("/rooms/%s/members", room.ID),
		map[string]string{"user_id": "u3"}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestInvitationEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	defer f.tearDown()

	var room models.Room
	f.do("u1", http.MethodPost, "/rooms", map[string]any{"kind": "GROUP"}, &room)

	var inv models.Invitation
	resp := f.do("u1", http.MethodPost, fmt.Sprintf("/rooms/%s/invitations", room.ID),
		map[string]string{"user_id": "u2"}, &inv)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, models.InvitationPending, inv.Status)

	var outcome store.InvitationOutcome
	resp = f.do("u2", http.MethodPost, "/invitations/"+inv.ID+"/respond",
		map[string]string{"action": "accept"}, &outcome)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.InvitationAccepted, outcome.Invitation.Status)
	require.NotNil(t, outcome.Room)
	assert.Contains(t, outcome.Room.MemberIDs, "u2")

	// Answering again maps to bad request.
	resp = f.do("u2", http.MethodPost, "/invitations/"+inv.ID+"/respond",
		map[string]string{"action": "decline"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
