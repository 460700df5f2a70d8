// Package store defines the storage collaborator contract for rooms,
// members, messages and invitations, and provides the SQLite reference
// implementation used by the relay and by tests.
package store

import (
	"context"
	"errors"

	"github.com/Desco-devs/fleet-realtime/models"
)

var (
	// ErrRoomNotFound is returned when a room does not exist.
	ErrRoomNotFound = errors.New("room not found")
	// ErrNotMember is returned when the acting user is not a member of the room.
	ErrNotMember = errors.New("not a room member")
	// ErrDisallowedOperation is returned when the acting user lacks the right
	// to perform the operation, e.g. a non-owner deleting a group room.
	ErrDisallowedOperation = errors.New("disallowed operation")
	// ErrDirectRoomMembers is returned when a direct room is created with a
	// member count other than two.
	ErrDirectRoomMembers = errors.New("direct room must have exactly two members")
	// ErrInvalidKind is returned for an unknown room kind.
	ErrInvalidKind = errors.New("invalid room kind")
	// ErrInvitationNotFound is returned when an invitation does not exist or
	// is addressed to another user.
	ErrInvitationNotFound = errors.New("invitation not found")
	// ErrInvitationResolved is returned when responding to an invitation that
	// has already left the pending state.
	ErrInvitationResolved = errors.New("invitation already resolved")
)

// CreateRoomInput is the input for creating a room. MemberIDs includes the
// owner; a DIRECT room must list exactly two members.
type CreateRoomInput struct {
	Kind      models.RoomKind
	Name      string
	OwnerID   string
	MemberIDs []string
}

// CreateInvitationInput is the input for inviting a user to a room.
type CreateInvitationInput struct {
	RoomID          string
	InvitedUserID   string
	InvitedByUserID string
}

// InvitationOutcome is the result of a terminal invitation transition.
// Room is set only when the invitation was accepted.
type InvitationOutcome struct {
	Invitation models.Invitation
	Room       *models.Room
}

// Invitation response actions.
const (
	InvitationActionAccept  = "accept"
	InvitationActionDecline = "decline"
)

// RoomStore is the storage contract the realtime layer and the relay
// consume. Implementations own transactional integrity; callers own
// publishing the matching broadcast events.
type RoomStore interface {
	CreateRoom(ctx context.Context, in CreateRoomInput) (*models.Room, error)
	GetRoom(ctx context.Context, roomID string) (*models.Room, error)
	// DeleteRoom removes a room and cascades to its messages, members and
	// invitations. Any member may delete a DIRECT room; only the owner may
	// delete a GROUP room.
	DeleteRoom(ctx context.Context, roomID, requestedBy string) error

	ListRoomsForUser(ctx context.Context, userID string) ([]models.RoomRef, error)
	AddMember(ctx context.Context, roomID, userID string) error
	RemoveMember(ctx context.Context, roomID, userID string) error
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
	// MarkRead sets the member's last-read watermark to now.
	MarkRead(ctx context.Context, roomID, userID string) error

	// ListRecentMessages returns the most recent messages of a room,
	// ordered oldest first. A zero limit defaults to 50.
	ListRecentMessages(ctx context.Context, roomID string, limit int) ([]models.Message, error)
	SendMessage(ctx context.Context, roomID, senderID, content string, mtype models.MessageType, replyToID string) (*models.Message, error)

	CreateInvitation(ctx context.Context, in CreateInvitationInput) (*models.Invitation, error)
	// RespondToInvitation applies a terminal transition for the invited
	// user. Accepting adds the membership row in the same transaction.
	RespondToInvitation(ctx context.Context, invitationID, userID, action string) (*InvitationOutcome, error)
}
