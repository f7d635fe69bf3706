// Package chatlog provides PostgreSQL-backed storage for relayed chat
// messages. Persistence is best effort: a failed insert is logged and
// counted, never surfaced to the sender, so delivery does not depend on
// the database being up.
package chatlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Store manages chat message history in PostgreSQL.
type Store struct {
	db *sql.DB
}

// DirectMessage is one persisted user-to-user message.
type DirectMessage struct {
	ID          int64
	SenderID    string
	RecipientID string
	Body        string
	SentAt      time.Time
}

// GroupMessage is one persisted room message.
type GroupMessage struct {
	ID       int64
	RoomID   string
	SenderID string
	Body     string
	SentAt   time.Time
}

// NewStore creates a message store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// InsertDirect records a user-to-user message.
func (s *Store) InsertDirect(ctx context.Context, senderID, recipientID, body string, sentAt time.Time) error {
	const query = `
		INSERT INTO direct_messages (sender_id, recipient_id, body, sent_at)
		VALUES ($1, $2, $3, $4)`

	_, err := s.db.ExecContext(ctx, query, senderID, recipientID, body, sentAt)
	if err != nil {
		return fmt.Errorf("chatlog: insert direct: %w", err)
	}
	return nil
}

// InsertGroup records a room message.
func (s *Store) InsertGroup(ctx context.Context, roomID, senderID, body string, sentAt time.Time) error {
	const query = `
		INSERT INTO group_messages (room_id, sender_id, body, sent_at)
		VALUES ($1, $2, $3, $4)`

	_, err := s.db.ExecContext(ctx, query, roomID, senderID, body, sentAt)
	if err != nil {
		return fmt.Errorf("chatlog: insert group: %w", err)
	}
	return nil
}

// RecentGroup returns the most recent messages for a room, newest first.
func (s *Store) RecentGroup(ctx context.Context, roomID string, limit int) ([]GroupMessage, error) {
	const query = `
		SELECT id, room_id, sender_id, body, sent_at
		FROM group_messages
		WHERE room_id = $1
		ORDER BY sent_at DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("chatlog: recent group: %w", err)
	}
	defer rows.Close()

	var out []GroupMessage
	for rows.Next() {
		var m GroupMessage
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Body, &m.SentAt); err != nil {
			return nil, fmt.Errorf("chatlog: scan group: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatlog: recent group: %w", err)
	}
	return out, nil
}

// RecentDirect returns the most recent messages between two users, newest
// first, regardless of direction.
func (s *Store) RecentDirect(ctx context.Context, userA, userB string, limit int) ([]DirectMessage, error) {
	const query = `
		SELECT id, sender_id, recipient_id, body, sent_at
		FROM direct_messages
		WHERE (sender_id = $1 AND recipient_id = $2)
		   OR (sender_id = $2 AND recipient_id = $1)
		ORDER BY sent_at DESC
		LIMIT $3`

	rows, err := s.db.QueryContext(ctx, query, userA, userB, limit)
	if err != nil {
		return nil, fmt.Errorf("chatlog: recent direct: %w", err)
	}
	defer rows.Close()

	var out []DirectMessage
	for rows.Next() {
		var m DirectMessage
		if err := rows.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Body, &m.SentAt); err != nil {
			return nil, fmt.Errorf("chatlog: scan direct: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatlog: recent direct: %w", err)
	}
	return out, nil
}
