package realtime

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/Desco-devs/fleet-realtime/internal/syncmap"
	"github.com/Desco-devs/fleet-realtime/models"
)

// TypingTTL is the expiry applied to a typing START with no matching STOP
// or refresh. A lost STOP can leave an indicator stuck for at most one
// tick past this deadline.
const TypingTTL = 5 * time.Second

// TypingCoordinator holds per-room ephemeral typing state. Events are
// never persisted and losing one is tolerated: expiry guarantees the
// state converges. Per (room, user) the only transitions are
// NOT_TYPING -> TYPING on START and TYPING -> NOT_TYPING on STOP or
// expiry; a duplicate START refreshes the deadline.
type TypingCoordinator struct {
	self    models.UserRef
	publish func(ctx context.Context, roomID string, p TypingPayload) error
	ttl     time.Duration
	now     func() time.Time

	rooms *syncmap.Map[string, map[string]typist]
}

type typist struct {
	user     models.UserRef
	deadline time.Time
}

type TypingOption func(*TypingCoordinator)

func WithTypingClock(now func() time.Time) TypingOption {
	return func(t *TypingCoordinator) {
		t.now = now
	}
}

func WithTypingTTL(ttl time.Duration) TypingOption {
	return func(t *TypingCoordinator) {
		t.ttl = ttl
	}
}

// NewTypingCoordinator builds a coordinator for self. publish broadcasts a
// typing payload on the room's channel; the orchestrator supplies it so
// the coordinator never touches the transport directly.
func NewTypingCoordinator(self models.UserRef, publish func(ctx context.Context, roomID string, p TypingPayload) error, opts ...TypingOption) *TypingCoordinator {
	t := &TypingCoordinator{
		self:    self,
		publish: publish,
		ttl:     TypingTTL,
		now:     time.Now,
		rooms:   syncmap.New[string, map[string]typist](),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// PublishTyping broadcasts a START or STOP immediately. Debouncing
// keystroke-driven STARTs is the caller's concern; the only contract here
// is that a START is eventually followed by a STOP or expires.
func (t *TypingCoordinator) PublishTyping(ctx context.Context, roomID, kind string) error {
	if kind != TypingStart && kind != TypingStop {
		return &ValidationError{Event: EventTyping, Err: errInvalidTypingKind}
	}
	return t.publish(ctx, roomID, TypingPayload{
		Type:   kind,
		RoomID: roomID,
		User:   t.self,
	})
}

// Observe merges a received typing event into the room's typing set.
func (t *TypingCoordinator) Observe(roomID string, p TypingPayload) {
	t.rooms.LoadAndStore(roomID, func(set map[string]typist, ok bool) map[string]typist {
		if !ok {
			set = make(map[string]typist)
		}
		switch p.Type {
		case TypingStart:
			set[p.User.ID] = typist{user: p.User, deadline: t.now().Add(t.ttl)}
		case TypingStop:
			delete(set, p.User.ID)
		}
		return set
	})
}

// Tick evicts typists whose deadline has passed. Call it on a short fixed
// interval while a room view is open.
func (t *TypingCoordinator) Tick() {
	now := t.now()
	t.rooms.WRange(func(roomID string, set map[string]typist) bool {
		for id, entry := range set {
			if !entry.deadline.After(now) {
				delete(set, id)
			}
		}
		return true
	})
}

// CurrentTypers returns the users currently typing in a room, excluding
// self, sorted by user id.
func (t *TypingCoordinator) CurrentTypers(roomID string) []models.UserRef {
	var out []models.UserRef
	now := t.now()
	t.rooms.RRange(func(id string, set map[string]typist) bool {
		if id != roomID {
			return true
		}
		for uid, entry := range set {
			if uid == t.self.ID {
				continue
			}
			if entry.deadline.After(now) {
				out = append(out, entry.user)
			}
		}
		return false
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reset drops the typing set for a released room.
func (t *TypingCoordinator) Reset(roomID string) {
	t.rooms.Delete(roomID)
}

var errInvalidTypingKind = errors.New("typing kind must be typing_start or typing_stop")
