package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mbaer/linebox/internal/model"
)

const messageColumns = `folder, uid, message_id, in_reply_to, from_address,
	from_name, to_addresses, cc_addresses, subject, date, flags, seen,
	has_attachment, body_cached, text_body, html_body, conversation_id,
	created_at, updated_at`

// UpsertMessage inserts or updates a message keyed on (folder, uid).
// Re-ingesting the same envelope is a no-op apart from updated_at, and an
// envelope-only record never clears a body that was already cached.
func (s *SQLiteStore) UpsertMessage(ctx context.Context, m model.Message) error {
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (
			folder, uid, message_id, in_reply_to, from_address, from_name,
			to_addresses, cc_addresses, subject, date, flags, seen,
			has_attachment, body_cached, text_body, html_body,
			conversation_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(folder, uid) DO UPDATE SET
			message_id = excluded.message_id,
			in_reply_to = excluded.in_reply_to,
			from_address = excluded.from_address,
			from_name = excluded.from_name,
			to_addresses = excluded.to_addresses,
			cc_addresses = excluded.cc_addresses,
			subject = excluded.subject,
			date = excluded.date,
			flags = excluded.flags,
			seen = excluded.seen,
			has_attachment = CASE WHEN excluded.body_cached = 1
				THEN excluded.has_attachment ELSE messages.has_attachment END,
			body_cached = CASE WHEN excluded.body_cached = 1
				THEN 1 ELSE messages.body_cached END,
			text_body = CASE WHEN excluded.body_cached = 1
				THEN excluded.text_body ELSE messages.text_body END,
			html_body = CASE WHEN excluded.body_cached = 1
				THEN excluded.html_body ELSE messages.html_body END,
			conversation_id = CASE WHEN excluded.conversation_id != ''
				THEN excluded.conversation_id ELSE messages.conversation_id END,
			updated_at = excluded.updated_at`,
		m.Folder, m.UID, m.MessageID, m.InReplyTo, m.FromAddress, m.FromName,
		mustJSON(m.ToAddresses, "[]"), mustJSON(m.CcAddresses, "[]"),
		m.Subject, m.Date.UTC(), mustJSON(m.Flags, "[]"), boolToInt(m.Seen()),
		boolToInt(m.HasAttachment), boolToInt(m.BodyCached), m.TextBody,
		m.HTMLBody, m.ConversationID, now, now,
	)
	if err != nil {
		return &StorageError{Op: "upsert message", Err: err}
	}
	return nil
}

// GetMessage returns one cached message, or ErrNotFound.
func (s *SQLiteStore) GetMessage(ctx context.Context, ref model.MessageRef) (*model.Message, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE folder = ? AND uid = ?",
		ref.Folder, ref.UID,
	)
	if err != nil {
		return nil, &StorageError{Op: "get message", Err: err}
	}

	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, &StorageError{Op: "get message", Err: err}
	}
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}
	return &msgs[0], nil
}

// UpdateFlags replaces the flag set of one message and keeps the derived
// seen column in step.
func (s *SQLiteStore) UpdateFlags(ctx context.Context, ref model.MessageRef, flags []string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET flags = ?, seen = ?, updated_at = ?
		WHERE folder = ? AND uid = ?`,
		mustJSON(flags, "[]"), boolToInt(model.HasFlag(flags, model.FlagSeen)),
		time.Now().UTC(), ref.Folder, ref.UID,
	)
	if err != nil {
		return &StorageError{Op: "update flags", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// conversationsTouched returns the distinct non-empty conversation IDs of
// the given messages.
func (s *SQLiteStore) conversationsTouched(ctx context.Context, folder string, uids []uint32) ([]string, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT DISTINCT conversation_id FROM messages
		WHERE folder = ? AND uid IN (?) AND conversation_id != ''`,
		folder, uids,
	)
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}

	var ids []string
	if err := s.db.SelectContext(ctx, &ids, query, args...); err != nil {
		return nil, err
	}
	return ids, nil
}

// DeleteMessages removes cached messages and their conversation links.
// The returned conversation IDs need a refresh pass.
func (s *SQLiteStore) DeleteMessages(ctx context.Context, folder string, uids []uint32) ([]string, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	touched, err := s.conversationsTouched(ctx, folder, uids)
	if err != nil {
		return nil, &StorageError{Op: "delete messages", Err: err}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, &StorageError{Op: "delete messages", Err: err}
	}
	defer tx.Rollback()

	query, args, err := sqlx.In("DELETE FROM messages WHERE folder = ? AND uid IN (?)", folder, uids)
	if err != nil {
		return nil, &StorageError{Op: "delete messages", Err: err}
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, &StorageError{Op: "delete messages", Err: err}
	}

	query, args, err = sqlx.In("DELETE FROM conversation_messages WHERE folder = ? AND uid IN (?)", folder, uids)
	if err != nil {
		return nil, &StorageError{Op: "delete messages", Err: err}
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, &StorageError{Op: "delete messages", Err: err}
	}

	query, args, err = sqlx.In("DELETE FROM skill_labels WHERE folder = ? AND uid IN (?)", folder, uids)
	if err != nil {
		return nil, &StorageError{Op: "delete messages", Err: err}
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, &StorageError{Op: "delete messages", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return nil, &StorageError{Op: "delete messages", Err: err}
	}
	return touched, nil
}

// MoveMessages retargets cached rows to another folder. The UID is kept
// as a local approximation of the remote identity; the next sync of the
// target folder reconciles it. A UID collision in the target folder
// replaces the stale local row.
func (s *SQLiteStore) MoveMessages(ctx context.Context, folder, target string, uids []uint32) ([]string, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	touched, err := s.conversationsTouched(ctx, folder, uids)
	if err != nil {
		return nil, &StorageError{Op: "move messages", Err: err}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, &StorageError{Op: "move messages", Err: err}
	}
	defer tx.Rollback()

	query, args, err := sqlx.In(
		"UPDATE OR REPLACE messages SET folder = ?, updated_at = ? WHERE folder = ? AND uid IN (?)",
		target, time.Now().UTC(), folder, uids,
	)
	if err != nil {
		return nil, &StorageError{Op: "move messages", Err: err}
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, &StorageError{Op: "move messages", Err: err}
	}

	query, args, err = sqlx.In(
		"UPDATE OR REPLACE conversation_messages SET folder = ? WHERE folder = ? AND uid IN (?)",
		target, folder, uids,
	)
	if err != nil {
		return nil, &StorageError{Op: "move messages", Err: err}
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, &StorageError{Op: "move messages", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return nil, &StorageError{Op: "move messages", Err: err}
	}
	return touched, nil
}

// UIDsForFolder returns all cached UIDs of a folder in ascending order.
func (s *SQLiteStore) UIDsForFolder(ctx context.Context, folder string) ([]uint32, error) {
	var uids []uint32
	err := s.db.SelectContext(ctx, &uids,
		"SELECT uid FROM messages WHERE folder = ? ORDER BY uid", folder)
	if err != nil {
		return nil, &StorageError{Op: "list folder uids", Err: err}
	}
	return uids, nil
}

// MessageCount returns the total number of cached messages.
func (s *SQLiteStore) MessageCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM messages"); err != nil {
		return 0, &StorageError{Op: "count messages", Err: err}
	}
	return n, nil
}

// FolderCursor returns the sync checkpoint for a folder. A folder that
// was never synced returns a zero cursor, not an error.
func (s *SQLiteStore) FolderCursor(ctx context.Context, folder string) (FolderCursor, error) {
	row := s.db.QueryRowxContext(ctx,
		"SELECT folder, uid_validity, highest_uid, last_sync FROM folder_sync WHERE folder = ?",
		folder,
	)

	var (
		c        FolderCursor
		lastSync sql.NullTime
	)
	err := row.Scan(&c.Folder, &c.UIDValidity, &c.HighestUID, &lastSync)
	if errors.Is(err, sql.ErrNoRows) {
		return FolderCursor{Folder: folder}, nil
	}
	if err != nil {
		return FolderCursor{}, &StorageError{Op: "get folder cursor", Err: err}
	}
	if lastSync.Valid {
		t := lastSync.Time
		c.LastSync = &t
	}
	return c, nil
}

// SaveFolderCursor persists the sync checkpoint for a folder.
func (s *SQLiteStore) SaveFolderCursor(ctx context.Context, c FolderCursor) error {
	var lastSync interface{}
	if c.LastSync != nil {
		lastSync = c.LastSync.UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO folder_sync (folder, uid_validity, highest_uid, last_sync)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(folder) DO UPDATE SET
			uid_validity = excluded.uid_validity,
			highest_uid = excluded.highest_uid,
			last_sync = excluded.last_sync`,
		c.Folder, c.UIDValidity, c.HighestUID, lastSync,
	)
	if err != nil {
		return &StorageError{Op: "save folder cursor", Err: err}
	}
	return nil
}

// ClearFolder drops every cached message of a folder together with its
// cursor. Used when the remote UIDVALIDITY changes and cached UIDs can
// no longer be trusted.
func (s *SQLiteStore) ClearFolder(ctx context.Context, folder string) ([]string, error) {
	var touched []string
	err := s.db.SelectContext(ctx, &touched, `
		SELECT DISTINCT conversation_id FROM messages
		WHERE folder = ? AND conversation_id != ''`, folder)
	if err != nil {
		return nil, &StorageError{Op: "clear folder", Err: err}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, &StorageError{Op: "clear folder", Err: err}
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		"DELETE FROM messages WHERE folder = ?",
		"DELETE FROM conversation_messages WHERE folder = ?",
		"DELETE FROM skill_labels WHERE folder = ?",
		"DELETE FROM folder_sync WHERE folder = ?",
	} {
		if _, err := tx.ExecContext(ctx, stmt, folder); err != nil {
			return nil, &StorageError{Op: "clear folder", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, &StorageError{Op: "clear folder", Err: err}
	}
	return touched, nil
}
