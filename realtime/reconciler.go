package realtime

import (
	"context"
	"sort"
	"sync"

	"github.com/Desco-devs/fleet-realtime/models"
)

// DefaultHistoryLimit caps the historical page fetched when a room view
// opens.
const DefaultHistoryLimit = 50

// MessageSource is the storage collaborator the reconciler fetches
// historical pages from. Messages are returned oldest first.
type MessageSource interface {
	ListRecentMessages(ctx context.Context, roomID string, limit int) ([]models.Message, error)
}

// Reconciler merges a one-shot historical page with live broadcast message
// events into an ordered, de-duplicated per-room view. It accepts inserts
// from two origins, the send-call's own response and the broadcast echo,
// and treats them identically: the first insert of a message id wins,
// later ones are no-ops.
type Reconciler struct {
	source MessageSource
	limit  int

	mu    sync.Mutex
	views map[string]*messageView

	// active reports whether a room is still open. A history fetch that
	// resolves after its room was released is discarded, not applied.
	active func(roomID string) bool
}

type messageView struct {
	msgs []models.Message
	ids  map[string]struct{}
}

type ReconcilerOption func(*Reconciler)

func WithHistoryLimit(limit int) ReconcilerOption {
	return func(r *Reconciler) {
		r.limit = limit
	}
}

// WithActiveCheck guards late-resolving fetches and stray events against
// rooms that have been released.
func WithActiveCheck(fn func(roomID string) bool) ReconcilerOption {
	return func(r *Reconciler) {
		r.active = fn
	}
}

func NewReconciler(source MessageSource, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		source: source,
		limit:  DefaultHistoryLimit,
		views:  make(map[string]*messageView),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LoadInitial fetches the historical page for a room and merges it under
// any live events that arrived first. If the room was released while the
// fetch was in flight the result is discarded and a nil view returned.
func (r *Reconciler) LoadInitial(ctx context.Context, roomID string) ([]models.Message, error) {
	page, err := r.source.ListRecentMessages(ctx, roomID, r.limit)
	if err != nil {
		return nil, &FetchError{Op: "ListRecentMessages", RoomID: roomID, Err: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.isActive(roomID) {
		return nil, nil
	}
	view := r.view(roomID)
	for _, msg := range page {
		view.insert(msg)
	}
	return view.snapshot(), nil
}

// ApplyIncoming inserts a live message into the room's view. It reports
// whether the message was new; a duplicate id is a no-op.
func (r *Reconciler) ApplyIncoming(roomID string, msg models.Message) bool {
	if msg.ID == "" || msg.RoomID != roomID {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.isActive(roomID) {
		return false
	}
	return r.view(roomID).insert(msg)
}

// Messages returns a copy of the room's current ordered view.
func (r *Reconciler) Messages(roomID string) []models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	view, ok := r.views[roomID]
	if !ok {
		return nil
	}
	return view.snapshot()
}

// Reset drops all cached messages for a room.
func (r *Reconciler) Reset(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.views, roomID)
}

func (r *Reconciler) isActive(roomID string) bool {
	return r.active == nil || r.active(roomID)
}

func (r *Reconciler) view(roomID string) *messageView {
	view, ok := r.views[roomID]
	if !ok {
		view = &messageView{ids: make(map[string]struct{})}
		r.views[roomID] = view
	}
	return view
}

// insert places the message at its ordered position. The ordering key is
// (createdAt, id): createdAt ascending with ties broken by lexical id
// order, so two messages with identical timestamps hold a stable position.
func (v *messageView) insert(msg models.Message) bool {
	if _, ok := v.ids[msg.ID]; ok {
		return false
	}
	v.ids[msg.ID] = struct{}{}
	i := sort.Search(len(v.msgs), func(i int) bool {
		return less(msg, v.msgs[i])
	})
	v.msgs = append(v.msgs, models.Message{})
	copy(v.msgs[i+1:], v.msgs[i:])
	v.msgs[i] = msg
	return true
}

func less(a, b models.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (v *messageView) snapshot() []models.Message {
	out := make([]models.Message, len(v.msgs))
	copy(out, v.msgs)
	return out
}
