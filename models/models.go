package models

import "time"

// RoomKind represents the type of a chat room.
type RoomKind string

const (
	// DirectRoom is a room between exactly two users. Any member may delete it.
	DirectRoom RoomKind = "DIRECT"
	// GroupRoom is a room with two or more users. Only the owner may delete it.
	GroupRoom RoomKind = "GROUP"
)

// Room represents a chat room.
type Room struct {
	ID        string    `json:"id"`
	Kind      RoomKind  `json:"kind"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	MemberIDs []string  `json:"member_ids"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RoomRef is the membership listing row returned by the storage layer.
type RoomRef struct {
	RoomID    string    `json:"room_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RoomMembership represents a user's membership in a room.
// LastReadAt drives unread counts in the UI layer.
type RoomMembership struct {
	RoomID     string    `json:"room_id"`
	UserID     string    `json:"user_id"`
	LastReadAt time.Time `json:"last_read_at"`
}

// MessageType determines how the message content should be interpreted.
type MessageType string

const (
	TextMessage   MessageType = "TEXT"
	ImageMessage  MessageType = "IMAGE"
	FileMessage   MessageType = "FILE"
	SystemMessage MessageType = "SYSTEM"
)

// Message represents a chat message sent by a user to a room.
// Message content is immutable once created.
type Message struct {
	ID        string      `json:"id"`
	RoomID    string      `json:"room_id"`
	SenderID  string      `json:"sender_id"`
	Content   string      `json:"content"`
	Type      MessageType `json:"type"`
	ReplyToID string      `json:"reply_to_id,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// InvitationStatus represents the state of a room invitation.
type InvitationStatus string

const (
	InvitationPending   InvitationStatus = "PENDING"
	InvitationAccepted  InvitationStatus = "ACCEPTED"
	InvitationDeclined  InvitationStatus = "DECLINED"
	InvitationCancelled InvitationStatus = "CANCELLED"
)

// Invitation represents an invitation for a user to join a room.
type Invitation struct {
	ID              string           `json:"id"`
	RoomID          string           `json:"room_id"`
	InvitedUserID   string           `json:"invited_user_id"`
	InvitedByUserID string           `json:"invited_by_user_id"`
	Status          InvitationStatus `json:"status"`
	CreatedAt       time.Time        `json:"created_at"`
	RespondedAt     *time.Time       `json:"responded_at,omitempty"`
}

// UserRef carries the display fields of a user that travel with
// ephemeral events such as typing indicators.
type UserRef struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	FullName  string `json:"full_name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// PresenceRecord represents the last known online state of a user.
type PresenceRecord struct {
	UserID     string    `json:"user_id"`
	IsOnline   bool      `json:"is_online"`
	LastSeenAt time.Time `json:"last_seen_at"`
}
