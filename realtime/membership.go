package realtime

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Desco-devs/fleet-realtime/models"
)

// RoomLister is the storage collaborator the membership cache refreshes
// from.
type RoomLister interface {
	ListRoomsForUser(ctx context.Context, userID string) ([]models.RoomRef, error)
}

// MembershipCache holds the authoritative-enough set of room ids the
// current user belongs to. It is refreshed from storage and patched by
// membership-change broadcasts. A refresh failure keeps the last-known set
// (stale-but-available) rather than clearing it.
type MembershipCache struct {
	selfID string
	rooms  RoomLister
	now    func() time.Time

	mu         sync.Mutex
	set        map[string]time.Time
	staleSince *time.Time

	// onJoin and onLeave drive the orchestrator's per-room channel
	// lifecycle. Invoked outside the cache lock.
	onJoin  func(roomID string)
	onLeave func(roomID string)
}

type MembershipOption func(*MembershipCache)

func WithMembershipClock(now func() time.Time) MembershipOption {
	return func(c *MembershipCache) {
		c.now = now
	}
}

func NewMembershipCache(selfID string, rooms RoomLister, opts ...MembershipOption) *MembershipCache {
	c := &MembershipCache{
		selfID: selfID,
		rooms:  rooms,
		now:    time.Now,
		set:    make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnJoin registers the callback fired once for every room that enters the
// set, whether by refresh diff or by membership event.
func (c *MembershipCache) OnJoin(fn func(roomID string)) { c.onJoin = fn }

// OnLeave registers the callback fired once for every room that leaves the
// set.
func (c *MembershipCache) OnLeave(fn func(roomID string)) { c.onLeave = fn }

// Refresh refetches the membership list, replaces the local set and fires
// the join/leave callbacks for the diff. On failure the previous set is
// served unchanged and StaleSince becomes non-nil.
func (c *MembershipCache) Refresh(ctx context.Context) error {
	refs, err := c.rooms.ListRoomsForUser(ctx, c.selfID)
	if err != nil {
		c.mu.Lock()
		if c.staleSince == nil {
			t := c.now()
			c.staleSince = &t
		}
		c.mu.Unlock()
		return &FetchError{Op: "ListRoomsForUser", Err: err}
	}

	next := make(map[string]time.Time, len(refs))
	for _, ref := range refs {
		next[ref.RoomID] = ref.UpdatedAt
	}

	c.mu.Lock()
	var joined, left []string
	for id := range next {
		if _, ok := c.set[id]; !ok {
			joined = append(joined, id)
		}
	}
	for id := range c.set {
		if _, ok := next[id]; !ok {
			left = append(left, id)
		}
	}
	c.set = next
	c.staleSince = nil
	c.mu.Unlock()

	sort.Strings(joined)
	sort.Strings(left)
	for _, id := range joined {
		if c.onJoin != nil {
			c.onJoin(id)
		}
	}
	for _, id := range left {
		if c.onLeave != nil {
			c.onLeave(id)
		}
	}
	return nil
}

// Apply patches the set from a membership broadcast. Events about other
// users never alter the local room set; the caller forwards those to the
// UI for member-list display. It reports whether the local set changed.
func (c *MembershipCache) Apply(ev *MembershipEvent) bool {
	switch ev.Change {
	case MemberAdded:
		if ev.UserID != c.selfID {
			return false
		}
		c.mu.Lock()
		if _, ok := c.set[ev.RoomID]; ok {
			c.mu.Unlock()
			return false
		}
		c.set[ev.RoomID] = c.now()
		c.mu.Unlock()
		if c.onJoin != nil {
			c.onJoin(ev.RoomID)
		}
		return true

	case MemberRemoved:
		if ev.UserID != c.selfID {
			return false
		}
		fallthrough
	case RoomDeleted:
		c.mu.Lock()
		if _, ok := c.set[ev.RoomID]; !ok {
			c.mu.Unlock()
			return false
		}
		delete(c.set, ev.RoomID)
		c.mu.Unlock()
		if c.onLeave != nil {
			c.onLeave(ev.RoomID)
		}
		return true
	}
	return false
}

// Contains reports whether a room is in the cached set.
func (c *MembershipCache) Contains(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.set[roomID]
	return ok
}

// Rooms returns the cached room ids in sorted order.
func (c *MembershipCache) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.set))
	for id := range c.set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// StaleSince is non-nil while the cache is serving a set whose last
// refresh attempt failed.
func (c *MembershipCache) StaleSince() *time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.staleSince
}
