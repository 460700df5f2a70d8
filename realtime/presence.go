package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Desco-devs/fleet-realtime/internal/syncmap"
	"github.com/Desco-devs/fleet-realtime/models"
)

const (
	// HeartbeatInterval is the self "I am online" publish cadence.
	HeartbeatInterval = 30 * time.Second
	// PollInterval is the batched status poll cadence while any watcher
	// holds interest.
	PollInterval = 30 * time.Second
	// PresenceGrace is the window after which a record with no update is
	// presented as stale even if it last said online.
	PresenceGrace = 2 * time.Minute

	teardownTimeout = 2 * time.Second
)

// StatusAPI is the presence status endpoint collaborator.
type StatusAPI interface {
	SetOnlineStatus(ctx context.Context, userID string, online bool) error
	GetStatuses(ctx context.Context, userIDs []string) ([]models.PresenceRecord, error)
}

// PresenceStatus is a presence record plus the computed staleness flag.
// Staleness is a display policy, not an error: consumers decide how to
// render a record the tracker has not heard about within the grace period.
type PresenceStatus struct {
	models.PresenceRecord
	Stale bool
}

// PresenceTracker merges two weak signals, a periodic self-heartbeat and a
// reference-counted batched poll, into best-effort per-user online state.
// The broadcast transport does not guarantee presence delivery across
// reconnects, so polling stays authoritative.
type PresenceTracker struct {
	api      StatusAPI
	selfID   string
	interval time.Duration
	grace    time.Duration
	now      func() time.Time
	logger   *slog.Logger

	records *syncmap.Map[string, presenceEntry]

	mu        sync.Mutex
	watches   map[int]map[string]struct{}
	nextWatch int
	pollStop  chan struct{}
}

type presenceEntry struct {
	rec       models.PresenceRecord
	updatedAt time.Time
}

type PresenceOption func(*PresenceTracker)

func WithPresenceClock(now func() time.Time) PresenceOption {
	return func(p *PresenceTracker) {
		p.now = now
	}
}

func WithPresenceInterval(interval time.Duration) PresenceOption {
	return func(p *PresenceTracker) {
		p.interval = interval
	}
}

func WithPresenceGrace(grace time.Duration) PresenceOption {
	return func(p *PresenceTracker) {
		p.grace = grace
	}
}

func WithPresenceLogger(logger *slog.Logger) PresenceOption {
	return func(p *PresenceTracker) {
		p.logger = logger
	}
}

func NewPresenceTracker(selfID string, api StatusAPI, opts ...PresenceOption) *PresenceTracker {
	p := &PresenceTracker{
		api:      api,
		selfID:   selfID,
		interval: PollInterval,
		grace:    PresenceGrace,
		now:      time.Now,
		logger:   slog.Default(),
		records:  syncmap.New[string, presenceEntry](),
		watches:  make(map[int]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// StartHeartbeat publishes "I am online" immediately and then on the
// heartbeat interval until ctx is cancelled.
func (p *PresenceTracker) StartHeartbeat(ctx context.Context) {
	go func() {
		p.beat(ctx)
		ticker := time.NewTicker(HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.beat(ctx)
			}
		}
	}()
}

func (p *PresenceTracker) beat(ctx context.Context) {
	if err := p.api.SetOnlineStatus(ctx, p.selfID, true); err != nil {
		p.logger.Warn(fmt.Sprintf("heartbeat: %v", err))
		return
	}
	p.Merge(models.PresenceRecord{UserID: p.selfID, IsOnline: true, LastSeenAt: p.now()})
}

// Teardown fires one best-effort "I am offline" notification without
// blocking the caller. Delivery is not guaranteed; last-seen may lag true
// offline time by up to the heartbeat interval.
func (p *PresenceTracker) Teardown() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		if err := p.api.SetOnlineStatus(ctx, p.selfID, false); err != nil {
			p.logger.Debug(fmt.Sprintf("teardown: %v", err))
		}
	}()
}

// Watch registers interest in a set of user ids and returns a release
// func. While any interest is held a single tracker-owned poll loop
// re-issues the batched status query on the poll interval; when the last
// interest is released the loop stops. Cancelling ctx releases this
// watch's interest, not the shared loop: other watchers keep polling.
func (p *PresenceTracker) Watch(ctx context.Context, userIDs ...string) (release func()) {
	ids := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		ids[id] = struct{}{}
	}

	p.mu.Lock()
	p.nextWatch++
	token := p.nextWatch
	p.watches[token] = ids
	if p.pollStop == nil {
		p.pollStop = make(chan struct{})
		go p.pollLoop(p.pollStop)
	}
	p.mu.Unlock()

	var once sync.Once
	release = func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.watches, token)
			if len(p.watches) == 0 && p.pollStop != nil {
				close(p.pollStop)
				p.pollStop = nil
			}
			p.mu.Unlock()
		})
	}
	if ctx != nil && ctx.Done() != nil {
		context.AfterFunc(ctx, release)
	}
	return release
}

func (p *PresenceTracker) pollLoop(stop chan struct{}) {
	ctx := context.Background()
	p.poll(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

// poll is fire-and-forget per tick: a slow or failed response simply
// delays that tick's update.
func (p *PresenceTracker) poll(ctx context.Context) {
	p.mu.Lock()
	union := make(map[string]struct{})
	for _, ids := range p.watches {
		for id := range ids {
			union[id] = struct{}{}
		}
	}
	p.mu.Unlock()
	if len(union) == 0 {
		return
	}
	ids := make([]string, 0, len(union))
	for id := range union {
		ids = append(ids, id)
	}

	recs, err := p.api.GetStatuses(ctx, ids)
	if err != nil {
		p.logger.Warn(fmt.Sprintf("presence poll: %v", err))
		return
	}
	for _, rec := range recs {
		p.Merge(rec)
	}
}

// Merge folds a record from any origin (poll, broadcast presence event)
// into the tracker. lastSeenAt never moves backwards for an online user.
func (p *PresenceTracker) Merge(rec models.PresenceRecord) {
	if rec.UserID == "" {
		return
	}
	now := p.now()
	p.records.LoadAndStore(rec.UserID, func(prev presenceEntry, ok bool) presenceEntry {
		if ok && rec.LastSeenAt.Before(prev.rec.LastSeenAt) {
			rec.LastSeenAt = prev.rec.LastSeenAt
		}
		return presenceEntry{rec: rec, updatedAt: now}
	})
}

// Status returns the tracked state of one user.
func (p *PresenceTracker) Status(userID string) (PresenceStatus, bool) {
	entry, ok := p.records.Load(userID)
	if !ok {
		return PresenceStatus{}, false
	}
	return PresenceStatus{
		PresenceRecord: entry.rec,
		Stale:          p.now().Sub(entry.updatedAt) > p.grace,
	}, true
}

// Statuses returns the tracked state of the given users, omitting users
// the tracker has never heard about.
func (p *PresenceTracker) Statuses(userIDs ...string) map[string]PresenceStatus {
	out := make(map[string]PresenceStatus, len(userIDs))
	for _, id := range userIDs {
		if st, ok := p.Status(id); ok {
			out[id] = st
		}
	}
	return out
}
