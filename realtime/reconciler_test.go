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

type fakeMessageSource struct {
	pages map[string][]models.Message
	err   error
	calls int
}

func (s *fakeMessageSource) ListRecentMessages(ctx context.Context, roomID string, limit int) ([]models.Message, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.pages[roomID], nil
}

func msg(id, roomID string, at time.Time) models.Message {
	return models.Message{
		ID:        id,
		RoomID:    roomID,
		SenderID:  "sender",
		Content:   "content of " + id,
		Type:      models.TextMessage,
		CreatedAt: at,
	}
}

func TestReconcilerApplyIncoming(t *testing.T) {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	t.Run("duplicate id is a no-op", func(t *testing.T) {
		r := NewReconciler(&fakeMessageSource{})

		m := msg("m1", "r1", base)
		require.True(t, r.ApplyIncoming("r1", m))
		require.False(t, r.ApplyIncoming("r1", m))

		assert.Len(t, r.Messages("r1"), 1)
	})

	t.Run("optimistic apply and broadcast echo render once", func(t *testing.T) {
		r := NewReconciler(&fakeMessageSource{})

		// First origin: the send-call response.
		sent := msg("m1", "r1", base)
		require.True(t, r.ApplyIncoming("r1", sent))
		// Second origin: the broadcast echo of the same id.
		require.False(t, r.ApplyIncoming("r1", sent))

		assert.Equal(t, []models.Message{sent}, r.Messages("r1"))
	})

	t.Run("out of order arrivals sort by created_at", func(t *testing.T) {
		r := NewReconciler(&fakeMessageSource{})

		r.ApplyIncoming("r1", msg("m3", "r1", base.Add(2*time.Second)))
		r.ApplyIncoming("r1", msg("m1", "r1", base))
		r.ApplyIncoming("r1", msg("m2", "r1", base.Add(time.Second)))

		got := r.Messages("r1")
		require.Len(t, got, 3)
		assert.Equal(t, "m1", got[0].ID)
		assert.Equal(t, "m2", got[1].ID)
		assert.Equal(t, "m3", got[2].ID)
	})

	t.Run("identical timestamps break ties by id", func(t *testing.T) {
		r := NewReconciler(&fakeMessageSource{})

		r.ApplyIncoming("r1", msg("b", "r1", base))
		r.ApplyIncoming("r1", msg("a", "r1", base))

		got := r.Messages("r1")
		require.Len(t, got, 2)
		assert.Equal(t, "a", got[0].ID)
		assert.Equal(t, "b", got[1].ID)
	})

	t.Run("rejects mismatched room and empty id", func(t *testing.T) {
		r := NewReconciler(&fakeMessageSource{})

		assert.False(t, r.ApplyIncoming("r1", msg("m1", "r2", base)))
		assert.False(t, r.ApplyIncoming("r1", models.Message{RoomID: "r1"}))
		assert.Empty(t, r.Messages("r1"))
	})
}

func TestReconcilerLoadInitial(t *testing.T) {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	ctx := context.Background()

	t.Run("merges history under earlier live events", func(t *testing.T) {
		source := &fakeMessageSource{pages: map[string][]models.Message{
			"r1": {msg("h1", "r1", base), msg("h2", "r1", base.Add(time.Second))},
		}}
		r := NewReconciler(source)

		// A live event raced ahead of the history fetch.
		live := msg("l1", "r1", base.Add(2*time.Second))
		require.True(t, r.ApplyIncoming("r1", live))

		got, err := r.LoadInitial(ctx, "r1")
		require.Nil(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, "h1", got[0].ID)
		assert.Equal(t, "h2", got[1].ID)
		assert.Equal(t, "l1", got[2].ID)
	})

	t.Run("history overlapping live events deduplicates", func(t *testing.T) {
		shared := msg("m1", "r1", base)
		source := &fakeMessageSource{pages: map[string][]models.Message{
			"r1": {shared, msg("m2", "r1", base.Add(time.Second))},
		}}
		r := NewReconciler(source)

		require.True(t, r.ApplyIncoming("r1", shared))

		got, err := r.LoadInitial(ctx, "r1")
		require.Nil(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("fetch failure returns FetchError", func(t *testing.T) {
		source := &fakeMessageSource{err: fmt.Errorf("db gone")}
		r := NewReconciler(source)

		_, err := r.LoadInitial(ctx, "r1")
		require.NotNil(t, err)
		var fe *FetchError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, "r1", fe.RoomID)
	})

	t.Run("fetch resolving after release is discarded", func(t *testing.T) {
		active := true
		source := &fakeMessageSource{pages: map[string][]models.Message{
			"r1": {msg("m1", "r1", base)},
		}}
		r := NewReconciler(source, WithActiveCheck(func(roomID string) bool { return active }))

		// The room is released while the fetch is conceptually in flight.
		active = false
		got, err := r.LoadInitial(ctx, "r1")
		require.Nil(t, err)
		assert.Nil(t, got)
		assert.Empty(t, r.Messages("r1"))
	})
}

func TestReconcilerReset(t *testing.T) {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	r := NewReconciler(&fakeMessageSource{})

	r.ApplyIncoming("r1", msg("m1", "r1", base))
	r.ApplyIncoming("r2", msg("m2", "r2", base))

	r.Reset("r1")

	assert.Empty(t, r.Messages("r1"))
	assert.Len(t, r.Messages("r2"), 1)
}
