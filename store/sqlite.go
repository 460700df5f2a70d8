package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Desco-devs/fleet-realtime/models"
)

const defaultMessageLimit = 50

type SQLiteRoomStore struct {
	db  *sql.DB
	now func() time.Time
}

type SQLiteRoomStoreOption func(*SQLiteRoomStore)

func WithClock(now func() time.Time) SQLiteRoomStoreOption {
	return func(s *SQLiteRoomStore) {
		s.now = now
	}
}

func NewSQLiteRoomStore(db *sql.DB, opts ...SQLiteRoomStoreOption) *SQLiteRoomStore {
	s := &SQLiteRoomStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SQLiteRoomStore) CreateRoom(ctx context.Context, in CreateRoomInput) (*models.Room, error) {
	members := dedupe(append([]string{in.OwnerID}, in.MemberIDs...))

	switch in.Kind {
	case models.DirectRoom:
		if len(members) != 2 {
			return nil, ErrDirectRoomMembers
		}
	case models.GroupRoom:
	default:
		return nil, ErrInvalidKind
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	id := uuid.New().String()
	now := s.now().UTC()

	query := `INSERT INTO rooms (id, kind, name, owner_id, created_at, updated_at)
	          VALUES (@id, @kind, @name, @owner_id, @created_at, @updated_at)`
	_, err = tx.ExecContext(ctx, query,
		sql.Named("id", id), sql.Named("kind", string(in.Kind)),
		sql.Named("name", in.Name), sql.Named("owner_id", in.OwnerID),
		sql.Named("created_at", now), sql.Named("updated_at", now),
	)
	if err != nil {
		return nil, fmt.Errorf("ExecContext(insert room): %w", err)
	}

	for _, userID := range members {
		query = `INSERT INTO room_members (room_id, user_id, last_read_at)
		         VALUES (@room_id, @user_id, @last_read_at) ON CONFLICT DO NOTHING`
		_, err = tx.ExecContext(ctx, query,
			sql.Named("room_id", id), sql.Named("user_id", userID),
			sql.Named("last_read_at", now))
		if err != nil {
			return nil, fmt.Errorf("ExecContext(insert room_members): %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("Commit: %w", err)
	}

	return &models.Room{
		ID:        id,
		Kind:      in.Kind,
		Name:      in.Name,
		OwnerID:   in.OwnerID,
		MemberIDs: members,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteRoomStore) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	query := `SELECT id, kind, name, owner_id, updated_at FROM rooms WHERE id = @id`
	row := s.db.QueryRowContext(ctx, query, sql.Named("id", roomID))

	var room models.Room
	var kind string
	if err := row.Scan(&room.ID, &kind, &room.Name, &room.OwnerID, &room.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRoomNotFound
		}
		return nil, fmt.Errorf("Scan: %w", err)
	}
	room.Kind = models.RoomKind(kind)

	query = `SELECT user_id FROM room_members WHERE room_id = @room_id ORDER BY user_id`
	rows, err := s.db.QueryContext(ctx, query, sql.Named("room_id", roomID))
	if err != nil {
		return nil, fmt.Errorf("QueryContext(members): %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("Scan(member): %w", err)
		}
		room.MemberIDs = append(room.MemberIDs, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return &room, nil
}

func (s *SQLiteRoomStore) DeleteRoom(ctx context.Context, roomID, requestedBy string) error {
	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}

	isMember := false
	for _, id := range room.MemberIDs {
		if id == requestedBy {
			isMember = true
			break
		}
	}
	if !isMember {
		return ErrNotMember
	}
	if room.Kind == models.GroupRoom && room.OwnerID != requestedBy {
		return ErrDisallowedOperation
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	for _, query := range []string{
		`DELETE FROM messages WHERE room_id = @room_id`,
		`DELETE FROM invitations WHERE room_id = @room_id`,
		`DELETE FROM room_members WHERE room_id = @room_id`,
		`DELETE FROM rooms WHERE id = @room_id`,
	} {
		if _, err := tx.ExecContext(ctx, query, sql.Named("room_id", roomID)); err != nil {
			return fmt.Errorf("ExecContext(cascade delete): %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("Commit: %w", err)
	}
	return nil
}

func (s *SQLiteRoomStore) ListRoomsForUser(ctx context.Context, userID string) ([]models.RoomRef, error) {
	query := `SELECT r.id, r.updated_at FROM rooms r
	          JOIN room_members m ON m.room_id = r.id
	          WHERE m.user_id = @user_id
	          ORDER BY r.updated_at DESC, r.id`
	rows, err := s.db.QueryContext(ctx, query, sql.Named("user_id", userID))
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	var refs []models.RoomRef
	for rows.Next() {
		var ref models.RoomRef
		if err := rows.Scan(&ref.RoomID, &ref.UpdatedAt); err != nil {
			return nil, fmt.Errorf("Scan: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return refs, nil
}

func (s *SQLiteRoomStore) AddMember(ctx context.Context, roomID, userID string) error {
	if _, err := s.GetRoom(ctx, roomID); err != nil {
		return err
	}
	query := `INSERT INTO room_members (room_id, user_id, last_read_at)
	          VALUES (@room_id, @user_id, @last_read_at) ON CONFLICT DO NOTHING`
	_, err := s.db.ExecContext(ctx, query,
		sql.Named("room_id", roomID), sql.Named("user_id", userID),
		sql.Named("last_read_at", s.now().UTC()))
	if err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	return nil
}

func (s *SQLiteRoomStore) RemoveMember(ctx context.Context, roomID, userID string) error {
	query := `DELETE FROM room_members WHERE room_id = @room_id AND user_id = @user_id`
	res, err := s.db.ExecContext(ctx, query,
		sql.Named("room_id", roomID), sql.Named("user_id", userID))
	if err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("RowsAffected: %w", err)
	}
	if n == 0 {
		return ErrNotMember
	}
	return nil
}

func (s *SQLiteRoomStore) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	query := `SELECT COUNT(*) FROM room_members WHERE room_id = @room_id AND user_id = @user_id`
	var count int
	err := s.db.QueryRowContext(ctx, query,
		sql.Named("room_id", roomID), sql.Named("user_id", userID)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("Scan: %w", err)
	}
	return count > 0, nil
}

func (s *SQLiteRoomStore) MarkRead(ctx context.Context, roomID, userID string) error {
	query := `UPDATE room_members SET last_read_at = @last_read_at
	          WHERE room_id = @room_id AND user_id = @user_id`
	res, err := s.db.ExecContext(ctx, query,
		sql.Named("last_read_at", s.now().UTC()),
		sql.Named("room_id", roomID), sql.Named("user_id", userID))
	if err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("RowsAffected: %w", err)
	}
	if n == 0 {
		return ErrNotMember
	}
	return nil
}

func (s *SQLiteRoomStore) ListRecentMessages(ctx context.Context, roomID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	// Page of the N most recent, returned oldest first.
	query := `SELECT id, room_id, sender_id, content, type, reply_to_id, created_at FROM (
	            SELECT id, room_id, sender_id, content, type, reply_to_id, created_at
	            FROM messages WHERE room_id = @room_id
	            ORDER BY created_at DESC, id DESC LIMIT @limit
	          ) ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query,
		sql.Named("room_id", roomID), sql.Named("limit", limit))
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var msg models.Message
		var mtype string
		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.SenderID, &msg.Content,
			&mtype, &msg.ReplyToID, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("Scan: %w", err)
		}
		msg.Type = models.MessageType(mtype)
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return msgs, nil
}

func (s *SQLiteRoomStore) SendMessage(ctx context.Context, roomID, senderID, content string, mtype models.MessageType, replyToID string) (*models.Message, error) {
	ok, err := s.IsMember(ctx, roomID, senderID)
	if err != nil {
		return nil, fmt.Errorf("IsMember: %w", err)
	}
	if !ok {
		return nil, ErrNotMember
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	msg := models.Message{
		ID:        uuid.New().String(),
		RoomID:    roomID,
		SenderID:  senderID,
		Content:   content,
		Type:      mtype,
		ReplyToID: replyToID,
		CreatedAt: s.now().UTC(),
	}

	query := `INSERT INTO messages (id, room_id, sender_id, content, type, reply_to_id, created_at)
	          VALUES (@id, @room_id, @sender_id, @content, @type, @reply_to_id, @created_at)`
	_, err = tx.ExecContext(ctx, query,
		sql.Named("id", msg.ID), sql.Named("room_id", msg.RoomID),
		sql.Named("sender_id", msg.SenderID), sql.Named("content", msg.Content),
		sql.Named("type", string(msg.Type)), sql.Named("reply_to_id", msg.ReplyToID),
		sql.Named("created_at", msg.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("ExecContext(insert message): %w", err)
	}

	query = `UPDATE rooms SET updated_at = @updated_at WHERE id = @room_id`
	_, err = tx.ExecContext(ctx, query,
		sql.Named("updated_at", msg.CreatedAt), sql.Named("room_id", roomID))
	if err != nil {
		return nil, fmt.Errorf("ExecContext(update room): %w", err)
	}

	// The sender has read everything up to their own message.
	query = `UPDATE room_members SET last_read_at = @last_read_at
	         WHERE room_id = @room_id AND user_id = @user_id`
	_, err = tx.ExecContext(ctx, query,
		sql.Named("last_read_at", msg.CreatedAt),
		sql.Named("room_id", roomID), sql.Named("user_id", senderID))
	if err != nil {
		return nil, fmt.Errorf("ExecContext(update last_read_at): %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("Commit: %w", err)
	}
	return &msg, nil
}

func (s *SQLiteRoomStore) CreateInvitation(ctx context.Context, in CreateInvitationInput) (*models.Invitation, error) {
	ok, err := s.IsMember(ctx, in.RoomID, in.InvitedByUserID)
	if err != nil {
		return nil, fmt.Errorf("IsMember: %w", err)
	}
	if !ok {
		return nil, ErrNotMember
	}

	inv := models.Invitation{
		ID:              uuid.New().String(),
		RoomID:          in.RoomID,
		InvitedUserID:   in.InvitedUserID,
		InvitedByUserID: in.InvitedByUserID,
		Status:          models.InvitationPending,
		CreatedAt:       s.now().UTC(),
	}

	query := `INSERT INTO invitations (id, room_id, invited_user_id, invited_by_user_id, status, created_at)
	          VALUES (@id, @room_id, @invited_user_id, @invited_by_user_id, @status, @created_at)`
	_, err = s.db.ExecContext(ctx, query,
		sql.Named("id", inv.ID), sql.Named("room_id", inv.RoomID),
		sql.Named("invited_user_id", inv.InvitedUserID),
		sql.Named("invited_by_user_id", inv.InvitedByUserID),
		sql.Named("status", string(inv.Status)), sql.Named("created_at", inv.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("ExecContext: %w", err)
	}
	return &inv, nil
}

func (s *SQLiteRoomStore) RespondToInvitation(ctx context.Context, invitationID, userID, action string) (*InvitationOutcome, error) {
	var status models.InvitationStatus
	switch action {
	case InvitationActionAccept:
		status = models.InvitationAccepted
	case InvitationActionDecline:
		status = models.InvitationDeclined
	default:
		return nil, fmt.Errorf("unknown invitation action %q", action)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT id, room_id, invited_user_id, invited_by_user_id, status, created_at
	          FROM invitations WHERE id = @id`
	row := tx.QueryRowContext(ctx, query, sql.Named("id", invitationID))

	var inv models.Invitation
	var prev string
	if err := row.Scan(&inv.ID, &inv.RoomID, &inv.InvitedUserID,
		&inv.InvitedByUserID, &prev, &inv.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrInvitationNotFound
		}
		return nil, fmt.Errorf("Scan: %w", err)
	}
	if inv.InvitedUserID != userID {
		return nil, ErrInvitationNotFound
	}
	if models.InvitationStatus(prev) != models.InvitationPending {
		return nil, ErrInvitationResolved
	}

	now := s.now().UTC()
	inv.Status = status
	inv.RespondedAt = &now

	query = `UPDATE invitations SET status = @status, responded_at = @responded_at WHERE id = @id`
	_, err = tx.ExecContext(ctx, query,
		sql.Named("status", string(status)),
		sql.Named("responded_at", now), sql.Named("id", invitationID))
	if err != nil {
		return nil, fmt.Errorf("ExecContext(update invitation): %w", err)
	}

	if status == models.InvitationAccepted {
		query = `INSERT INTO room_members (room_id, user_id, last_read_at)
		         VALUES (@room_id, @user_id, @last_read_at) ON CONFLICT DO NOTHING`
		_, err = tx.ExecContext(ctx, query,
			sql.Named("room_id", inv.RoomID), sql.Named("user_id", userID),
			sql.Named("last_read_at", now))
		if err != nil {
			return nil, fmt.Errorf("ExecContext(insert room_members): %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("Commit: %w", err)
	}

	outcome := &InvitationOutcome{Invitation: inv}
	if status == models.InvitationAccepted {
		room, err := s.GetRoom(ctx, inv.RoomID)
		if err != nil {
			return nil, fmt.Errorf("GetRoom: %w", err)
		}
		outcome.Room = room
	}
	return outcome, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
