// Package realtime implements the coordination layer between the
// relational source of truth for rooms, members and messages and the
// ephemeral broadcast channel used for low-latency delivery. It tolerates
// reconnects, duplicate events, out-of-order delivery and partial failure
// of either side; reconnects are recovered by refetching authoritative
// state, never by simulating replay.
package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/Desco-devs/fleet-realtime/broadcast"
	"github.com/Desco-devs/fleet-realtime/models"
)

// Status is the session connection status exposed to the UI layer.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	// StatusDegraded means repeated reconnect attempts have failed past
	// the retry ceiling; polling is the only live signal until a
	// reconnect succeeds.
	StatusDegraded
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// degradedThreshold is the number of consecutive failed reconnect attempts
// after which the session reports degraded.
const degradedThreshold = 5

const (
	backoffBase = time.Second
	backoffCap  = 30 * time.Second
)

// SendMessageInput is the write-API request for sending a message.
type SendMessageInput struct {
	RoomID    string
	SenderID  string
	Content   string
	Type      models.MessageType
	ReplyToID string
}

// MessageSender is the write API for messages. The write path both
// persists the record and publishes the broadcast echo; the response is
// additionally applied locally so a sender sees their own message even if
// the echo is lost.
type MessageSender interface {
	SendMessage(ctx context.Context, in SendMessageInput) (*models.Message, error)
}

// Config wires an Orchestrator. Transport, Rooms, Messages and Sender are
// required; Presence is optional.
type Config struct {
	Self      models.UserRef
	Transport broadcast.Transport
	Rooms     RoomLister
	Messages  MessageSource
	Sender    MessageSender
	Presence  StatusAPI
	Logger    *slog.Logger
	Now       func() time.Time
	// HistoryLimit caps the historical page per room. Zero means
	// DefaultHistoryLimit.
	HistoryLimit int
}

// Orchestrator is the single authority for channel lifecycle. It owns one
// global membership channel, one presence channel and one channel per
// known room; all other components register callbacks through it and never
// hold raw channel handles.
type Orchestrator struct {
	self      models.UserRef
	transport broadcast.Transport
	sender    MessageSender
	logger    *slog.Logger
	now       func() time.Time

	membership *MembershipCache
	reconciler *Reconciler
	typing     *TypingCoordinator
	presence   *PresenceTracker

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	subs    map[string]broadcast.Subscription
	// inflight tracks rooms with a subscribe in progress. The value flips
	// to true when the room is released before the subscribe completes;
	// the completion then drops the subscription instead of storing it.
	inflight   map[string]bool
	status     Status
	statusFns  []func(Status)
	reconnects int

	onMessage    func(models.Message)
	onTyping     func(roomID string, typers []models.UserRef)
	onMembership func(MembershipEvent)
	onPresence   func(models.PresenceRecord)
}

func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		self:      cfg.Self,
		transport: cfg.Transport,
		sender:    cfg.Sender,
		logger:    cfg.Logger,
		now:       cfg.Now,
		subs:      make(map[string]broadcast.Subscription),
		inflight:  make(map[string]bool),
		status:    StatusDisconnected,
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.now == nil {
		o.now = time.Now
	}

	o.membership = NewMembershipCache(cfg.Self.ID, cfg.Rooms, WithMembershipClock(o.now))
	o.membership.OnJoin(o.EnsureRoomChannel)
	o.membership.OnLeave(o.ReleaseRoomChannel)

	recOpts := []ReconcilerOption{WithActiveCheck(o.roomActive)}
	if cfg.HistoryLimit > 0 {
		recOpts = append(recOpts, WithHistoryLimit(cfg.HistoryLimit))
	}
	o.reconciler = NewReconciler(cfg.Messages, recOpts...)

	o.typing = NewTypingCoordinator(cfg.Self, func(ctx context.Context, roomID string, p TypingPayload) error {
		return o.transport.Publish(ctx, RoomChannel(roomID), EventTyping, p)
	}, WithTypingClock(o.now))

	if cfg.Presence != nil {
		o.presence = NewPresenceTracker(cfg.Self.ID, cfg.Presence,
			WithPresenceClock(o.now), WithPresenceLogger(o.logger))
	}

	o.transport.OnStatusChange(o.onTransportStatus)
	return o
}

// Start fetches the authoritative membership list and opens the global and
// per-room channels. If the initial fetch fails it returns a
// *ConnectionError, surfaces a degraded status and keeps retrying in the
// background with capped, jittered exponential backoff; the UI can render
// a non-blocking warning instead of hard-failing.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = true
	o.ctx, o.cancel = context.WithCancel(ctx)
	cctx := o.ctx
	o.mu.Unlock()

	o.setStatus(StatusConnecting)
	if err := o.membership.Refresh(cctx); err != nil {
		o.setStatus(StatusDegraded)
		go o.retryInitialFetch(cctx)
		return &ConnectionError{Op: "initial membership fetch", Err: err}
	}

	o.openGlobalChannels(cctx)
	o.setStatus(StatusConnected)
	if o.presence != nil {
		o.presence.StartHeartbeat(cctx)
	}
	return nil
}

func (o *Orchestrator) retryInitialFetch(ctx context.Context) {
	b := retry.WithJitter(500*time.Millisecond,
		retry.WithCappedDuration(backoffCap, retry.NewExponential(backoffBase)))

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		if err := o.membership.Refresh(ctx); err != nil {
			o.logger.Warn(fmt.Sprintf("membership fetch retry: %v", err))
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		// Context cancelled; Stop owns the status from here.
		return
	}

	o.openGlobalChannels(ctx)
	o.setStatus(StatusConnected)
	if o.presence != nil {
		o.presence.StartHeartbeat(ctx)
	}
}

func (o *Orchestrator) openGlobalChannels(ctx context.Context) {
	o.subscribe(ctx, UserRoomsChannel(o.self.ID), o.handleEvent)
	o.subscribe(ctx, PresenceChannel, o.handleEvent)
}

func (o *Orchestrator) subscribe(ctx context.Context, channel string, h broadcast.Handler) {
	o.mu.Lock()
	if _, ok := o.subs[channel]; ok {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	sub, err := o.transport.Subscribe(ctx, channel, h)
	if err != nil {
		o.logger.Error(fmt.Sprintf("subscribe %s: %v", channel, err))
		return
	}
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	o.subs[channel] = sub
	o.mu.Unlock()
}

// Stop unsubscribes every open channel and releases listeners. Idempotent.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	if o.cancel != nil {
		o.cancel()
	}
	subs := make([]broadcast.Subscription, 0, len(o.subs))
	for _, sub := range o.subs {
		subs = append(subs, sub)
	}
	o.subs = make(map[string]broadcast.Subscription)
	o.inflight = make(map[string]bool)
	o.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			o.logger.Debug(fmt.Sprintf("unsubscribe %s: %v", sub.Channel(), err))
		}
	}
	if o.presence != nil {
		o.presence.Teardown()
	}
	o.setStatus(StatusDisconnected)
}

// EnsureRoomChannel opens the channel for a newly joined room. A no-op if
// the channel is already open or a subscribe for it is in flight: rapid
// join/leave sequences never race into duplicate subscriptions, and
// duplicate calls are never queued.
func (o *Orchestrator) EnsureRoomChannel(roomID string) {
	channel := RoomChannel(roomID)
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	if _, ok := o.subs[channel]; ok {
		o.mu.Unlock()
		return
	}
	if _, ok := o.inflight[roomID]; ok {
		o.mu.Unlock()
		return
	}
	o.inflight[roomID] = false
	ctx := o.ctx
	o.mu.Unlock()

	sub, err := o.transport.Subscribe(ctx, channel, o.handleEvent)

	o.mu.Lock()
	released := o.inflight[roomID]
	delete(o.inflight, roomID)
	if err != nil {
		o.mu.Unlock()
		o.logger.Error(fmt.Sprintf("subscribe %s: %v", channel, err))
		return
	}
	if !o.started || released {
		o.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	if _, ok := o.subs[channel]; ok {
		o.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	o.subs[channel] = sub
	o.mu.Unlock()
}

// ReleaseRoomChannel closes a room's channel and drops its cached message
// and typing state. Further callbacks for the room stop synchronously;
// an in-flight history fetch that resolves later is discarded by the
// reconciler's active-set guard.
func (o *Orchestrator) ReleaseRoomChannel(roomID string) {
	channel := RoomChannel(roomID)
	o.mu.Lock()
	if _, ok := o.inflight[roomID]; ok {
		// A subscribe for this room has not completed yet. Mark it so the
		// completion drops the subscription instead of reviving the room.
		o.inflight[roomID] = true
	}
	sub, ok := o.subs[channel]
	if ok {
		delete(o.subs, channel)
	}
	o.mu.Unlock()

	if ok {
		if err := sub.Unsubscribe(); err != nil {
			o.logger.Debug(fmt.Sprintf("unsubscribe %s: %v", channel, err))
		}
	}
	o.reconciler.Reset(roomID)
	o.typing.Reset(roomID)
}

func (o *Orchestrator) roomActive(roomID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.subs[RoomChannel(roomID)]
	return ok
}

// OpenRoom ensures the room's channel is held and loads its historical
// page, merged under any live events that arrived first.
func (o *Orchestrator) OpenRoom(ctx context.Context, roomID string) ([]models.Message, error) {
	o.EnsureRoomChannel(roomID)
	return o.reconciler.LoadInitial(ctx, roomID)
}

// SendMessage sends through the write API and applies the response to the
// local view immediately. The broadcast echo for the same id deduplicates,
// so the sender's own message is visible even if the echo never arrives.
func (o *Orchestrator) SendMessage(ctx context.Context, roomID, content string, mtype models.MessageType, replyToID string) (*models.Message, error) {
	msg, err := o.sender.SendMessage(ctx, SendMessageInput{
		RoomID:    roomID,
		SenderID:  o.self.ID,
		Content:   content,
		Type:      mtype,
		ReplyToID: replyToID,
	})
	if err != nil {
		return nil, &FetchError{Op: "SendMessage", RoomID: roomID, Err: err}
	}
	if o.reconciler.ApplyIncoming(roomID, *msg) && o.onMessage != nil {
		o.onMessage(*msg)
	}
	return msg, nil
}

// PublishTyping broadcasts a typing START or STOP for self in a room.
func (o *Orchestrator) PublishTyping(ctx context.Context, roomID, kind string) error {
	return o.typing.PublishTyping(ctx, roomID, kind)
}

// TickTyping evicts expired typing entries; call it on a ~1s interval
// while any room view is open.
func (o *Orchestrator) TickTyping() {
	o.typing.Tick()
}

// CurrentTypers returns who is typing in a room, excluding self.
func (o *Orchestrator) CurrentTypers(roomID string) []models.UserRef {
	return o.typing.CurrentTypers(roomID)
}

// Messages returns the room's reconciled message view.
func (o *Orchestrator) Messages(roomID string) []models.Message {
	return o.reconciler.Messages(roomID)
}

// Membership exposes the room membership cache.
func (o *Orchestrator) Membership() *MembershipCache {
	return o.membership
}

// Presence exposes the presence tracker, or nil when no status API was
// configured.
func (o *Orchestrator) Presence() *PresenceTracker {
	return o.presence
}

// Status returns the current session status.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// OnMessage registers the UI callback for newly visible messages.
func (o *Orchestrator) OnMessage(fn func(models.Message)) { o.onMessage = fn }

// OnTyping registers the UI callback for typing-set changes per room.
func (o *Orchestrator) OnTyping(fn func(roomID string, typers []models.UserRef)) { o.onTyping = fn }

// OnMembership registers the UI callback for membership deltas, including
// deltas about other users that do not alter the local room set.
func (o *Orchestrator) OnMembership(fn func(MembershipEvent)) { o.onMembership = fn }

// OnPresence registers the UI callback for presence updates.
func (o *Orchestrator) OnPresence(fn func(models.PresenceRecord)) { o.onPresence = fn }

// OnStatusChange registers an observer for session status transitions.
func (o *Orchestrator) OnStatusChange(fn func(Status)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statusFns = append(o.statusFns, fn)
}

func (o *Orchestrator) setStatus(s Status) {
	o.mu.Lock()
	if o.status == s {
		o.mu.Unlock()
		return
	}
	o.status = s
	fns := make([]func(Status), len(o.statusFns))
	copy(fns, o.statusFns)
	o.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

// handleEvent is the single listener attached to every channel. A
// malformed payload is logged and skipped; one bad event never breaks the
// listener for subsequent events on the same channel.
func (o *Orchestrator) handleEvent(ev broadcast.Event) {
	decoded, err := DecodeEvent(ev)
	if err != nil {
		o.logger.Warn(fmt.Sprintf("dropping event on %s: %v", ev.Channel, err))
		return
	}
	if decoded == nil {
		return
	}

	switch e := decoded.(type) {
	case *MessageEvent:
		roomID := e.Message.RoomID
		if !o.roomActive(roomID) {
			return
		}
		if o.reconciler.ApplyIncoming(roomID, e.Message) && o.onMessage != nil {
			o.onMessage(e.Message)
		}

	case *TypingEvent:
		roomID := e.Payload.RoomID
		if !o.roomActive(roomID) {
			return
		}
		o.typing.Observe(roomID, e.Payload)
		if o.onTyping != nil {
			o.onTyping(roomID, o.typing.CurrentTypers(roomID))
		}

	case *MembershipEvent:
		o.membership.Apply(e)
		if o.onMembership != nil {
			o.onMembership(*e)
		}

	case *PresenceEvent:
		if o.presence != nil {
			o.presence.Merge(e.Record)
		}
		if o.onPresence != nil {
			o.onPresence(e.Record)
		}
	}
}

// onTransportStatus converts transport-level drops into session status.
// Transport errors are absorbed here; they never propagate as errors into
// UI callbacks.
func (o *Orchestrator) onTransportStatus(s broadcast.ConnStatus) {
	o.mu.Lock()
	started := o.started
	o.mu.Unlock()
	if !started {
		return
	}

	switch s {
	case broadcast.StatusReconnecting:
		o.mu.Lock()
		o.reconnects++
		n := o.reconnects
		o.mu.Unlock()
		if n >= degradedThreshold {
			o.setStatus(StatusDegraded)
		} else {
			o.setStatus(StatusReconnecting)
		}

	case broadcast.StatusConnected:
		o.mu.Lock()
		o.reconnects = 0
		prev := o.status
		ctx := o.ctx
		o.mu.Unlock()
		// Events published while disconnected are lost; the transition
		// back to connected is the resync point.
		if prev == StatusReconnecting || prev == StatusDegraded {
			o.resync(ctx)
		}
		o.setStatus(StatusConnected)

	case broadcast.StatusDisconnected:
		o.setStatus(StatusDisconnected)
	}
}

// resync refetches authoritative state after a reconnect: the membership
// list and the history of every open room.
func (o *Orchestrator) resync(ctx context.Context) {
	if err := o.membership.Refresh(ctx); err != nil {
		o.logger.Warn(fmt.Sprintf("resync membership: %v", err))
	}
	for _, roomID := range o.openRooms() {
		if _, err := o.reconciler.LoadInitial(ctx, roomID); err != nil {
			o.logger.Warn(fmt.Sprintf("resync history: %v", err))
		}
	}
}

func (o *Orchestrator) openRooms() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.subs))
	for channel := range o.subs {
		if roomID, ok := strings.CutPrefix(channel, "room:"); ok {
			out = append(out, roomID)
		}
	}
	return out
}
