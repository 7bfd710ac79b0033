package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role is the author class of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of a conversation's history. Seq is dense and starts
// at 1 within each conversation.
type Message struct {
	ConversationID string    `db:"conversation_id" json:"conversation_id" cbor:"1,keyasint"`
	Seq            int64     `db:"seq" json:"seq" cbor:"2,keyasint"`
	ID             string    `db:"message_id" json:"id" cbor:"3,keyasint"`
	Role           Role      `db:"role" json:"role" cbor:"4,keyasint"`
	SenderID       string    `db:"sender_id" json:"sender_id,omitempty" cbor:"5,keyasint,omitempty"`
	Content        string    `db:"content" json:"content" cbor:"6,keyasint"`
	CreatedAt      time.Time `db:"created_at" json:"created_at" cbor:"7,keyasint"`
}

const messageColumns = `conversation_id, seq, message_id, role, sender_id, content, created_at`

// AppendMessage assigns the next sequence number of the conversation to m and
// stores it. Appending a message id that already exists returns the stored
// message unchanged, so retries never duplicate history.
func (s *Store) AppendMessage(ctx context.Context, m Message) (Message, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now()
	}

	var out Message
	err := s.withRetry(ctx, "append_message", func(ctx context.Context) error {
		r, err := s.appendMessageTx(ctx, m)
		if err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return Message{}, fmt.Errorf("append message to %s: %w", m.ConversationID, err)
	}
	return out, nil
}

func (s *Store) appendMessageTx(ctx context.Context, m Message) (Message, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin tx failed: %w", err)
	}
	defer tx.Rollback()

	var existing Message
	err = tx.GetContext(ctx, &existing, s.rebind(`SELECT `+messageColumns+` FROM messages WHERE message_id = ?`), m.ID)
	switch {
	case err == nil:
		if existing.ConversationID != m.ConversationID {
			return Message{}, ErrMessageConflict
		}
		return existing, tx.Commit()
	case !errors.Is(err, sql.ErrNoRows):
		return Message{}, fmt.Errorf("lookup message failed: %w", err)
	}

	var seq int64
	err = tx.GetContext(ctx, &seq, s.rebind(`
		INSERT INTO conversations (conversation_id, last_seq) VALUES (?, 1)
		ON CONFLICT (conversation_id) DO UPDATE SET last_seq = conversations.last_seq + 1
		RETURNING last_seq
	`), m.ConversationID)
	if err != nil {
		return Message{}, fmt.Errorf("allocate seq failed: %w", err)
	}
	m.Seq = seq

	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
	`), m.ConversationID, m.Seq, m.ID, m.Role, m.SenderID, m.Content, m.CreatedAt); err != nil {
		return Message{}, fmt.Errorf("insert message failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit failed: %w", err)
	}
	return m, nil
}

// RecentMessages returns the last limit messages of a conversation in
// ascending sequence order.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	var msgs []Message
	err := s.withRetry(ctx, "recent_messages", func(ctx context.Context) error {
		msgs = msgs[:0]
		return s.db.SelectContext(ctx, &msgs, s.rebind(`
			SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = ?
			ORDER BY seq DESC
			LIMIT ?
		`), conversationID, limit)
	})
	if err != nil {
		return nil, fmt.Errorf("recent messages of %s: %w", conversationID, err)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// LastSeq returns the sequence number of the newest message, or 0.
func (s *Store) LastSeq(ctx context.Context, conversationID string) (int64, error) {
	var seq int64
	err := s.withRetry(ctx, "last_seq", func(ctx context.Context) error {
		return s.db.GetContext(ctx, &seq, s.rebind(`SELECT last_seq FROM conversations WHERE conversation_id = ?`), conversationID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("last seq of %s: %w", conversationID, err)
	}
	return seq, nil
}
