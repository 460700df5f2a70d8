package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Desco-devs/fleet-realtime/models"
)

// PresenceTTL is how long an online record stays live without a refresh.
// It matches the client's staleness grace period.
const PresenceTTL = 2 * time.Minute

// PresenceStore backs the presence status endpoints.
type PresenceStore interface {
	SetStatus(ctx context.Context, userID string, online bool) error
	// GetStatuses returns records for the known subset of ids; unknown
	// users are omitted.
	GetStatuses(ctx context.Context, userIDs []string) ([]models.PresenceRecord, error)
}

// MemoryPresenceStore is the default single-process store. An online
// record older than the TTL reads back as offline.
type MemoryPresenceStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]presenceEntry
}

type presenceEntry struct {
	online bool
	seenAt time.Time
}

type MemoryPresenceOption func(*MemoryPresenceStore)

func WithPresenceClock(now func() time.Time) MemoryPresenceOption {
	return func(s *MemoryPresenceStore) {
		s.now = now
	}
}

func NewMemoryPresenceStore(opts ...MemoryPresenceOption) *MemoryPresenceStore {
	s := &MemoryPresenceStore{
		ttl:     PresenceTTL,
		now:     time.Now,
		entries: make(map[string]presenceEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryPresenceStore) SetStatus(ctx context.Context, userID string, online bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[userID] = presenceEntry{online: online, seenAt: s.now()}
	return nil
}

func (s *MemoryPresenceStore) GetStatuses(ctx context.Context, userIDs []string) ([]models.PresenceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	out := make([]models.PresenceRecord, 0, len(userIDs))
	for _, id := range userIDs {
		entry, ok := s.entries[id]
		if !ok {
			continue
		}
		online := entry.online && now.Sub(entry.seenAt) <= s.ttl
		out = append(out, models.PresenceRecord{
			UserID:     id,
			IsOnline:   online,
			LastSeenAt: entry.seenAt,
		})
	}
	return out, nil
}

// RedisPresenceStore keeps live records under a TTL'd key so expiry is
// handled by redis, plus a persistent last-seen key so an expired user
// still reads back with their last-seen timestamp.
type RedisPresenceStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisPresenceStore(ctx context.Context, redisURL string) (*RedisPresenceStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis.ParseURL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis.Ping: %w", err)
	}
	return &RedisPresenceStore{client: client, ttl: PresenceTTL}, nil
}

func (s *RedisPresenceStore) Close() error {
	return s.client.Close()
}

func liveKey(userID string) string { return "presence:live:" + userID }
func seenKey(userID string) string { return "presence:seen:" + userID }

func (s *RedisPresenceStore) SetStatus(ctx context.Context, userID string, online bool) error {
	rec := models.PresenceRecord{UserID: userID, IsOnline: online, LastSeenAt: time.Now().UTC()}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if err := s.client.Set(ctx, seenKey(userID), data, 0).Err(); err != nil {
		return fmt.Errorf("redis.Set(seen): %w", err)
	}
	if online {
		if err := s.client.Set(ctx, liveKey(userID), data, s.ttl).Err(); err != nil {
			return fmt.Errorf("redis.Set(live): %w", err)
		}
		return nil
	}
	if err := s.client.Del(ctx, liveKey(userID)).Err(); err != nil {
		return fmt.Errorf("redis.Del(live): %w", err)
	}
	return nil
}

func (s *RedisPresenceStore) GetStatuses(ctx context.Context, userIDs []string) ([]models.PresenceRecord, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	liveKeys := make([]string, len(userIDs))
	seenKeys := make([]string, len(userIDs))
	for i, id := range userIDs {
		liveKeys[i] = liveKey(id)
		seenKeys[i] = seenKey(id)
	}
	live, err := s.client.MGet(ctx, liveKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis.MGet(live): %w", err)
	}
	seen, err := s.client.MGet(ctx, seenKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis.MGet(seen): %w", err)
	}

	out := make([]models.PresenceRecord, 0, len(userIDs))
	for i := range userIDs {
		raw := live[i]
		online := true
		if raw == nil {
			raw = seen[i]
			online = false
		}
		if raw == nil {
			continue
		}
		str, ok := raw.(string)
		if !ok {
			continue
		}
		var rec models.PresenceRecord
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			continue
		}
		rec.IsOnline = online && rec.IsOnline
		out = append(out, rec)
	}
	return out, nil
}
