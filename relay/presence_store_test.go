package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPresenceStore(t *testing.T) {
	ctx := context.Background()

	t.Run("set and get", func(t *testing.T) {
		s := NewMemoryPresenceStore()

		require.Nil(t, s.SetStatus(ctx, "u1", true))
		require.Nil(t, s.SetStatus(ctx, "u2", false))

		recs, err := s.GetStatuses(ctx, []string{"u1", "u2"})
		require.Nil(t, err)
		require.Len(t, recs, 2)
		assert.True(t, recs[0].IsOnline)
		assert.False(t, recs[1].IsOnline)
	})

	t.Run("unknown users are omitted", func(t *testing.T) {
		s := NewMemoryPresenceStore()
		require.Nil(t, s.SetStatus(ctx, "u1", true))

		recs, err := s.GetStatuses(ctx, []string{"u1", "u-ghost"})
		require.Nil(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, "u1", recs[0].UserID)
	})

	t.Run("online reads offline past the ttl", func(t *testing.T) {
		now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
		s := NewMemoryPresenceStore(WithPresenceClock(func() time.Time { return now }))

		require.Nil(t, s.SetStatus(ctx, "u1", true))

		now = now.Add(PresenceTTL + time.Second)
		recs, err := s.GetStatuses(ctx, []string{"u1"})
		require.Nil(t, err)
		require.Len(t, recs, 1)
		assert.False(t, recs[0].IsOnline)
		// Last-seen survives expiry.
		assert.False(t, recs[0].LastSeenAt.IsZero())
	})

	t.Run("refresh keeps the record live", func(t *testing.T) {
		now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
		s := NewMemoryPresenceStore(WithPresenceClock(func() time.Time { return now }))

		require.Nil(t, s.SetStatus(ctx, "u1", true))
		now = now.Add(PresenceTTL - time.Second)
		require.Nil(t, s.SetStatus(ctx, "u1", true))

		now = now.Add(PresenceTTL - time.Second)
		recs, err := s.GetStatuses(ctx, []string{"u1"})
		require.Nil(t, err)
		require.Len(t, recs, 1)
		assert.True(t, recs[0].IsOnline)
	})
}
