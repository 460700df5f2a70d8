package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Desco-devs/fleet-realtime/models"
	"github.com/Desco-devs/fleet-realtime/realtime"
	"github.com/Desco-devs/fleet-realtime/store"
)

// Handler serves the REST surface: the presence status endpoints and the
// write paths whose side effect is a broadcast publish.
type Handler struct {
	store    store.RoomStore
	presence PresenceStore
	hub      *Hub
	logger   *slog.Logger
}

func NewHandler(st store.RoomStore, presence PresenceStore, hub *Hub, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: st, presence: presence, hub: hub, logger: logger}
}

// Routes returns the authenticated API router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/users/online-status", h.setOnlineStatus)
	r.Get("/users/status", h.getStatuses)

	r.Get("/rooms", h.listRooms)
	r.Post("/rooms", h.createRoom)
	r.Delete("/rooms/{roomID}", h.deleteRoom)
	r.Get("/rooms/{roomID}/messages", h.listMessages)
	r.Post("/rooms/{roomID}/messages", h.sendMessage)
	r.Post("/rooms/{roomID}/read", h.markRead)
	r.Post("/rooms/{roomID}/members", h.addMember)
	r.Delete("/rooms/{roomID}/members/{userID}", h.removeMember)
	r.Post("/rooms/{roomID}/invitations", h.createInvitation)
	r.Post("/invitations/{invitationID}/respond", h.respondInvitation)
	return r
}

type onlineStatusRequest struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

func (h *Handler) setOnlineStatus(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	var req onlineStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		req.UserID = id.UserID
	}
	if req.UserID != id.UserID {
		http.Error(w, "cannot set status for another user", http.StatusForbidden)
		return
	}
	online := req.Status == "online"

	if err := h.presence.SetStatus(r.Context(), req.UserID, online); err != nil {
		h.writeError(w, fmt.Errorf("SetStatus: %w", err))
		return
	}
	presenceUpdates.Inc()

	// Best-effort live fan-out; polling remains authoritative.
	h.hub.PublishJSON(realtime.PresenceChannel, realtime.EventPresence, realtime.PresencePayload{
		UserID:     req.UserID,
		IsOnline:   online,
		LastSeenAt: time.Now().UTC().Format(time.RFC3339Nano),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getStatuses(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("userIds")
	if raw == "" {
		h.writeJSON(w, http.StatusOK, []models.PresenceRecord{})
		return
	}
	seen := make(map[string]struct{})
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	recs, err := h.presence.GetStatuses(r.Context(), ids)
	if err != nil {
		h.writeError(w, fmt.Errorf("GetStatuses: %w", err))
		return
	}
	if recs == nil {
		recs = []models.PresenceRecord{}
	}
	h.writeJSON(w, http.StatusOK, recs)
}

func (h *Handler) listRooms(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	refs, err := h.store.ListRoomsForUser(r.Context(), id.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if refs == nil {
		refs = []models.RoomRef{}
	}
	h.writeJSON(w, http.StatusOK, refs)
}

type createRoomRequest struct {
	Kind      string   `json:"kind"`
	Name      string   `json:"name"`
	MemberIDs []string `json:"member_ids"`
}

func (h *Handler) createRoom(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	room, err := h.store.CreateRoom(r.Context(), store.CreateRoomInput{
		Kind:      models.RoomKind(req.Kind),
		Name:      req.Name,
		OwnerID:   id.UserID,
		MemberIDs: req.MemberIDs,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	for _, userID := range room.MemberIDs {
		h.hub.PublishJSON(realtime.UserRoomsChannel(userID), realtime.EventMemberAdded,
			realtime.MemberAddedPayload{RoomID: room.ID, UserID: userID})
	}
	h.writeJSON(w, http.StatusCreated, room)
}

func (h *Handler) deleteRoom(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	roomID := chi.URLParam(r, "roomID")

	if err := h.store.DeleteRoom(r.Context(), roomID, id.UserID); err != nil {
		h.writeError(w, err)
		return
	}

	h.hub.PublishJSON(realtime.RoomChannel(roomID), realtime.EventPostgresChanges,
		realtime.RowChangePayload{
			Table:  "rooms",
			Type:   "DELETE",
			Record: json.RawMessage(fmt.Sprintf(`{"id":%q}`, roomID)),
		})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	roomID := chi.URLParam(r, "roomID")

	ok, err := h.store.IsMember(r.Context(), roomID, id.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !ok {
		http.Error(w, "not a room member", http.StatusForbidden)
		return
	}

	msgs, err := h.store.ListRecentMessages(r.Context(), roomID, 0)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	h.writeJSON(w, http.StatusOK, msgs)
}

type sendMessageRequest struct {
	Content   string `json:"content"`
	Type      string `json:"type"`
	ReplyToID string `json:"reply_to_id"`
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	roomID := chi.URLParam(r, "roomID")

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.Content == "" {
		http.Error(w, "content required", http.StatusBadRequest)
		return
	}
	mtype := models.MessageType(req.Type)
	if req.Type == "" {
		mtype = models.TextMessage
	}

	msg, err := h.store.SendMessage(r.Context(), roomID, id.UserID, req.Content, mtype, req.ReplyToID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	messagesPersisted.Inc()

	// The write path owns the broadcast publish.
	h.hub.PublishJSON(realtime.RoomChannel(roomID), realtime.EventMessage, realtime.MessagePayload{
		Message:   *msg,
		EventType: realtime.MessageSent,
		RoomID:    roomID,
		SenderID:  id.UserID,
	})
	h.writeJSON(w, http.StatusCreated, msg)
}

func (h *Handler) markRead(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	roomID := chi.URLParam(r, "roomID")

	if err := h.store.MarkRead(r.Context(), roomID, id.UserID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type addMemberRequest struct {
	UserID string `json:"user_id"`
}

func (h *Handler) addMember(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	roomID := chi.URLParam(r, "roomID")

	var req addMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	ok, err := h.store.IsMember(r.Context(), roomID, id.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !ok {
		http.Error(w, "not a room member", http.StatusForbidden)
		return
	}

	if err := h.store.AddMember(r.Context(), roomID, req.UserID); err != nil {
		h.writeError(w, err)
		return
	}

	h.publishMembershipChange(roomID, req.UserID, "INSERT")
	h.hub.PublishJSON(realtime.UserRoomsChannel(req.UserID), realtime.EventMemberAdded,
		realtime.MemberAddedPayload{RoomID: roomID, UserID: req.UserID})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) removeMember(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	roomID := chi.URLParam(r, "roomID")
	userID := chi.URLParam(r, "userID")

	// A member may remove themselves; anyone else requires membership.
	if userID != id.UserID {
		ok, err := h.store.IsMember(r.Context(), roomID, id.UserID)
		if err != nil {
			h.writeError(w, err)
			return
		}
		if !ok {
			http.Error(w, "not a room member", http.StatusForbidden)
			return
		}
	}

	if err := h.store.RemoveMember(r.Context(), roomID, userID); err != nil {
		h.writeError(w, err)
		return
	}

	h.publishMembershipChange(roomID, userID, "DELETE")
	w.WriteHeader(http.StatusNoContent)
}

type createInvitationRequest struct {
	UserID string `json:"user_id"`
}

func (h *Handler) createInvitation(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	roomID := chi.URLParam(r, "roomID")

	var req createInvitationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	inv, err := h.store.CreateInvitation(r.Context(), store.CreateInvitationInput{
		RoomID:          roomID,
		InvitedUserID:   req.UserID,
		InvitedByUserID: id.UserID,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, inv)
}

type respondInvitationRequest struct {
	Action string `json:"action"`
}

func (h *Handler) respondInvitation(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	invitationID := chi.URLParam(r, "invitationID")

	var req respondInvitationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	outcome, err := h.store.RespondToInvitation(r.Context(), invitationID, id.UserID, req.Action)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.hub.PublishJSON(realtime.UserRoomsChannel(id.UserID), realtime.EventInvitationResponded,
		realtime.InvitationRespondedPayload{
			Invitation: outcome.Invitation,
			Room:       outcome.Room,
		})
	if outcome.Invitation.Status == models.InvitationAccepted {
		h.hub.PublishJSON(realtime.UserRoomsChannel(id.UserID), realtime.EventMemberAdded,
			realtime.MemberAddedPayload{RoomID: outcome.Invitation.RoomID, UserID: id.UserID})
		h.publishMembershipChange(outcome.Invitation.RoomID, id.UserID, "INSERT")
	}
	h.writeJSON(w, http.StatusOK, outcome)
}

// publishMembershipChange emits the postgres-style row-change
// notification carried on the room channel.
func (h *Handler) publishMembershipChange(roomID, userID, changeType string) {
	h.hub.PublishJSON(realtime.RoomChannel(roomID), realtime.EventPostgresChanges,
		realtime.RowChangePayload{
			Table:  "room_members",
			Type:   changeType,
			Record: json.RawMessage(fmt.Sprintf(`{"room_id":%q,"user_id":%q}`, roomID, userID)),
		})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error(fmt.Sprintf("encode response: %v", err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrRoomNotFound), errors.Is(err, store.ErrInvitationNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrNotMember), errors.Is(err, store.ErrDisallowedOperation):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, store.ErrDirectRoomMembers), errors.Is(err, store.ErrInvalidKind),
		errors.Is(err, store.ErrInvitationResolved):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		h.logger.Error(fmt.Sprintf("internal: %v", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
