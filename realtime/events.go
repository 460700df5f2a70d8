package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/Desco-devs/fleet-realtime/broadcast"
	"github.com/Desco-devs/fleet-realtime/models"
)

// Wire event names. These are consumed by existing dashboard code and must
// not change.
const (
	EventMessage             = "message_event"
	EventTyping              = "typing"
	EventPresence            = "presence"
	EventPostgresChanges     = "postgres_changes"
	EventMemberAdded         = "member_added"
	EventInvitationResponded = "invitation_responded"
)

const (
	TypingStart = "typing_start"
	TypingStop  = "typing_stop"
)

// MessageSent is the only message event type carried on the wire today.
const MessageSent = "SENT"

// RoomChannel names the per-room broadcast channel.
func RoomChannel(roomID string) string {
	return "room:" + roomID
}

// UserRoomsChannel names the global membership-change channel for a user.
func UserRoomsChannel(userID string) string {
	return "user:" + userID + ":rooms"
}

// PresenceChannel carries best-effort presence updates for all users.
const PresenceChannel = "presence"

var validate = validator.New()

// MessagePayload is the body of a message_event.
type MessagePayload struct {
	Message   models.Message `json:"message"`
	EventType string         `json:"event_type" validate:"required"`
	RoomID    string         `json:"room_id" validate:"required"`
	SenderID  string         `json:"sender_id" validate:"required"`
}

// TypingPayload is the body of a typing event.
type TypingPayload struct {
	Type   string         `json:"type" validate:"required,oneof=typing_start typing_stop"`
	RoomID string         `json:"room_id" validate:"required"`
	User   models.UserRef `json:"user" validate:"required"`
}

// PresencePayload is the body of a presence event.
type PresencePayload struct {
	UserID     string `json:"user_id" validate:"required"`
	IsOnline   bool   `json:"is_online"`
	LastSeenAt string `json:"last_seen_at"`
}

// RowChangePayload is a postgres-style row-change notification for the
// membership tables.
type RowChangePayload struct {
	Table  string          `json:"table" validate:"required"`
	Type   string          `json:"type" validate:"required,oneof=INSERT UPDATE DELETE"`
	Record json.RawMessage `json:"record"`
}

// MemberAddedPayload is the body of a member_added event on the global
// channel.
type MemberAddedPayload struct {
	RoomID string `json:"room_id" validate:"required"`
	UserID string `json:"user_id" validate:"required"`
}

// InvitationRespondedPayload is the body of an invitation_responded event.
type InvitationRespondedPayload struct {
	Invitation models.Invitation `json:"invitation"`
	Room       *models.Room      `json:"room,omitempty"`
}

// MembershipChange classifies a membership delta.
type MembershipChange string

const (
	MemberAdded   MembershipChange = "MEMBER_ADDED"
	MemberRemoved MembershipChange = "MEMBER_REMOVED"
	RoomDeleted   MembershipChange = "ROOM_DELETED"
)

// Decoded events form a closed union: MessageEvent, TypingEvent,
// MembershipEvent or PresenceEvent. Consumers switch on the concrete type.
type (
	MessageEvent struct {
		Message models.Message
	}

	TypingEvent struct {
		Payload TypingPayload
	}

	MembershipEvent struct {
		Change MembershipChange
		RoomID string
		UserID string
		// Invitation is set when the change originated from an
		// invitation_responded event.
		Invitation *models.Invitation
		Room       *models.Room
	}

	PresenceEvent struct {
		Record models.PresenceRecord
	}
)

// membershipRecord is the row shape carried by postgres_changes
// notifications on the membership tables.
type membershipRecord struct {
	ID     string `json:"id,omitempty"`
	RoomID string `json:"room_id,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

// DecodeEvent decodes and validates a broadcast event into the typed
// union. Unknown event names decode to (nil, nil) and are skipped by the
// caller; malformed payloads return a *ValidationError.
func DecodeEvent(ev broadcast.Event) (any, error) {
	switch ev.Name {
	case EventMessage:
		var p MessagePayload
		if err := decodeInto(ev, &p); err != nil {
			return nil, err
		}
		if p.Message.ID == "" {
			return nil, &ValidationError{Event: ev.Name, Err: fmt.Errorf("missing message id")}
		}
		return &MessageEvent{Message: p.Message}, nil

	case EventTyping:
		var p TypingPayload
		if err := decodeInto(ev, &p); err != nil {
			return nil, err
		}
		if p.User.ID == "" {
			return nil, &ValidationError{Event: ev.Name, Err: fmt.Errorf("missing user id")}
		}
		return &TypingEvent{Payload: p}, nil

	case EventPresence:
		var p PresencePayload
		if err := decodeInto(ev, &p); err != nil {
			return nil, err
		}
		rec := models.PresenceRecord{UserID: p.UserID, IsOnline: p.IsOnline}
		if p.LastSeenAt != "" {
			if err := rec.LastSeenAt.UnmarshalText([]byte(p.LastSeenAt)); err != nil {
				return nil, &ValidationError{Event: ev.Name, Err: fmt.Errorf("last_seen_at: %w", err)}
			}
		}
		return &PresenceEvent{Record: rec}, nil

	case EventMemberAdded:
		var p MemberAddedPayload
		if err := decodeInto(ev, &p); err != nil {
			return nil, err
		}
		return &MembershipEvent{Change: MemberAdded, RoomID: p.RoomID, UserID: p.UserID}, nil

	case EventInvitationResponded:
		var p InvitationRespondedPayload
		if err := decodeInto(ev, &p); err != nil {
			return nil, err
		}
		if p.Invitation.ID == "" {
			return nil, &ValidationError{Event: ev.Name, Err: fmt.Errorf("missing invitation id")}
		}
		me := &MembershipEvent{
			RoomID:     p.Invitation.RoomID,
			UserID:     p.Invitation.InvitedUserID,
			Invitation: &p.Invitation,
			Room:       p.Room,
		}
		if p.Invitation.Status == models.InvitationAccepted {
			me.Change = MemberAdded
		}
		return me, nil

	case EventPostgresChanges:
		var p RowChangePayload
		if err := decodeInto(ev, &p); err != nil {
			return nil, err
		}
		return decodeRowChange(ev.Name, p)

	default:
		return nil, nil
	}
}

func decodeRowChange(event string, p RowChangePayload) (any, error) {
	var rec membershipRecord
	if len(p.Record) > 0 {
		if err := json.Unmarshal(p.Record, &rec); err != nil {
			return nil, &ValidationError{Event: event, Err: fmt.Errorf("record: %w", err)}
		}
	}
	switch p.Table {
	case "room_members":
		if rec.RoomID == "" || rec.UserID == "" {
			return nil, &ValidationError{Event: event, Err: fmt.Errorf("room_members record missing room_id or user_id")}
		}
		switch p.Type {
		case "INSERT":
			return &MembershipEvent{Change: MemberAdded, RoomID: rec.RoomID, UserID: rec.UserID}, nil
		case "DELETE":
			return &MembershipEvent{Change: MemberRemoved, RoomID: rec.RoomID, UserID: rec.UserID}, nil
		}
	case "rooms":
		if p.Type == "DELETE" {
			if rec.ID == "" {
				return nil, &ValidationError{Event: event, Err: fmt.Errorf("rooms record missing id")}
			}
			return &MembershipEvent{Change: RoomDeleted, RoomID: rec.ID}, nil
		}
	}
	// Row changes on other tables are not core inputs.
	return nil, nil
}

func decodeInto(ev broadcast.Event, v any) error {
	if err := json.Unmarshal(ev.Payload, v); err != nil {
		return &ValidationError{Event: ev.Name, Err: err}
	}
	if err := validate.Struct(v); err != nil {
		return &ValidationError{Event: ev.Name, Err: err}
	}
	return nil
}
