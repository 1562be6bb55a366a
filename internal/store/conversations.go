package store

import (
	"context"
	"time"

	"github.com/mbaer/linebox/internal/model"
)

const conversationColumns = `id, participant_key, participants,
	last_message_date, last_message_preview, last_message_from,
	message_count, unread_count, updated_at`

// EnsureConversation creates the conversation row if it does not exist.
// An existing row keeps its denormalized fields; only the participant
// list is refreshed, since display names may improve over time.
func (s *SQLiteStore) EnsureConversation(ctx context.Context, conv model.Conversation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, participant_key, participants, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			participants = excluded.participants`,
		conv.ID, conv.ParticipantKey, mustJSON(conv.Participants, "[]"),
		time.Now().UTC(),
	)
	if err != nil {
		return &StorageError{Op: "ensure conversation", Err: err}
	}
	return nil
}

// SetMessageConversation records the materializer's assignment on the
// message row itself.
func (s *SQLiteStore) SetMessageConversation(ctx context.Context, ref model.MessageRef, convID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE messages SET conversation_id = ? WHERE folder = ? AND uid = ?",
		convID, ref.Folder, ref.UID,
	)
	if err != nil {
		return &StorageError{Op: "set message conversation", Err: err}
	}
	return nil
}

// LinkMessageToConversation adds a membership row. Linking the same
// message twice is a no-op, which makes materialization re-entrant.
func (s *SQLiteStore) LinkMessageToConversation(ctx context.Context, convID string, ref model.MessageRef) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO conversation_messages (conversation_id, folder, uid)
		VALUES (?, ?, ?)`,
		convID, ref.Folder, ref.UID,
	)
	if err != nil {
		return &StorageError{Op: "link message", Err: err}
	}
	return nil
}

// RefreshConversation recomputes message_count, unread_count and the
// last-message fields of one conversation from its current members.
// Ties on last-message date break on the higher UID.
func (s *SQLiteStore) RefreshConversation(ctx context.Context, convID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET
			message_count = (
				SELECT COUNT(*) FROM conversation_messages cm
				JOIN messages m ON m.folder = cm.folder AND m.uid = cm.uid
				WHERE cm.conversation_id = conversations.id
			),
			unread_count = (
				SELECT COUNT(*) FROM conversation_messages cm
				JOIN messages m ON m.folder = cm.folder AND m.uid = cm.uid
				WHERE cm.conversation_id = conversations.id AND m.seen = 0
			),
			last_message_date = (
				SELECT m.date FROM conversation_messages cm
				JOIN messages m ON m.folder = cm.folder AND m.uid = cm.uid
				WHERE cm.conversation_id = conversations.id
				ORDER BY m.date DESC, m.uid DESC LIMIT 1
			),
			last_message_preview = COALESCE((
				SELECT m.subject FROM conversation_messages cm
				JOIN messages m ON m.folder = cm.folder AND m.uid = cm.uid
				WHERE cm.conversation_id = conversations.id
				ORDER BY m.date DESC, m.uid DESC LIMIT 1
			), ''),
			last_message_from = COALESCE((
				SELECT m.from_address FROM conversation_messages cm
				JOIN messages m ON m.folder = cm.folder AND m.uid = cm.uid
				WHERE cm.conversation_id = conversations.id
				ORDER BY m.date DESC, m.uid DESC LIMIT 1
			), ''),
			updated_at = ?
		WHERE id = ?`,
		time.Now().UTC(), convID,
	)
	if err != nil {
		return &StorageError{Op: "refresh conversation", Err: err}
	}
	return nil
}

// DeleteEmptyConversations removes conversations that lost all members.
func (s *SQLiteStore) DeleteEmptyConversations(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM conversations WHERE NOT EXISTS (
			SELECT 1 FROM conversation_messages cm
			JOIN messages m ON m.folder = cm.folder AND m.uid = cm.uid
			WHERE cm.conversation_id = conversations.id
		)`)
	if err != nil {
		return &StorageError{Op: "delete empty conversations", Err: err}
	}
	return nil
}

// GetConversations returns the conversation list for a tab, newest
// first. The connections and strangers tabs partition the list by
// whether any participant is a known sender.
func (s *SQLiteStore) GetConversations(ctx context.Context, tab model.Tab) ([]model.Conversation, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT "+conversationColumns+` FROM conversations
		WHERE message_count > 0
		ORDER BY last_message_date DESC`)
	if err != nil {
		return nil, &StorageError{Op: "list conversations", Err: err}
	}

	convs, err := collectConversations(rows)
	if err != nil {
		return nil, &StorageError{Op: "list conversations", Err: err}
	}

	if tab == model.TabEveryone || tab == "" {
		return convs, nil
	}

	known, err := s.KnownSenders(ctx)
	if err != nil {
		return nil, err
	}

	out := convs[:0]
	for _, c := range convs {
		connected := false
		for _, p := range c.Participants {
			if known[p.Email] {
				connected = true
				break
			}
		}
		if (tab == model.TabConnections) == connected {
			out = append(out, c)
		}
	}
	return out, nil
}

// GetConversation returns one conversation, or ErrNotFound.
func (s *SQLiteStore) GetConversation(ctx context.Context, convID string) (*model.Conversation, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE id = ?", convID)
	if err != nil {
		return nil, &StorageError{Op: "get conversation", Err: err}
	}

	convs, err := collectConversations(rows)
	if err != nil {
		return nil, &StorageError{Op: "get conversation", Err: err}
	}
	if len(convs) == 0 {
		return nil, ErrNotFound
	}
	return &convs[0], nil
}

// GetConversationMessages returns the members of a conversation in
// chronological order.
func (s *SQLiteStore) GetConversationMessages(ctx context.Context, convID string) ([]model.Message, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT `+messageColumns+` FROM messages m
		WHERE EXISTS (
			SELECT 1 FROM conversation_messages cm
			WHERE cm.conversation_id = ? AND cm.folder = m.folder AND cm.uid = m.uid
		)
		ORDER BY m.date ASC, m.uid ASC`, convID)
	if err != nil {
		return nil, &StorageError{Op: "list conversation messages", Err: err}
	}

	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, &StorageError{Op: "list conversation messages", Err: err}
	}
	return msgs, nil
}
