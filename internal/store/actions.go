package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mbaer/linebox/internal/model"
)

// AppendAction durably appends one action to the queue and returns its
// assigned sequence number.
func (s *SQLiteStore) AppendAction(ctx context.Context, a model.PendingAction) (int64, error) {
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_actions (kind, folder, uids, flags, target_folder, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(a.Kind), a.Folder, mustJSON(a.UIDs, "[]"), mustJSON(a.Flags, "[]"),
		a.TargetFolder, createdAt,
	)
	if err != nil {
		return 0, &StorageError{Op: "append action", Err: err}
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return 0, &StorageError{Op: "append action", Err: err}
	}
	return seq, nil
}

// PendingActions returns the queue in append order.
func (s *SQLiteStore) PendingActions(ctx context.Context) ([]model.PendingAction, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT seq, kind, folder, uids, flags, target_folder, created_at, retry_count, last_error
		FROM pending_actions ORDER BY seq ASC`)
	if err != nil {
		return nil, &StorageError{Op: "list actions", Err: err}
	}
	defer rows.Close()

	var out []model.PendingAction
	for rows.Next() {
		var (
			a         model.PendingAction
			kind      string
			uidsJSON  string
			flagsJSON string
		)
		err := rows.Scan(&a.Seq, &kind, &a.Folder, &uidsJSON, &flagsJSON,
			&a.TargetFolder, &a.CreatedAt, &a.RetryCount, &a.LastError)
		if err != nil {
			return nil, &StorageError{Op: "list actions", Err: err}
		}
		a.Kind = model.ActionKind(kind)
		if err := json.Unmarshal([]byte(uidsJSON), &a.UIDs); err != nil {
			return nil, &StorageError{Op: "list actions", Err: fmt.Errorf("unmarshaling uids: %w", err)}
		}
		if err := json.Unmarshal([]byte(flagsJSON), &a.Flags); err != nil {
			return nil, &StorageError{Op: "list actions", Err: fmt.Errorf("unmarshaling flags: %w", err)}
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list actions", Err: err}
	}
	return out, nil
}

// DeleteAction removes one replayed (or discarded) action.
func (s *SQLiteStore) DeleteAction(ctx context.Context, seq int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM pending_actions WHERE seq = ?", seq)
	if err != nil {
		return &StorageError{Op: "delete action", Err: err}
	}
	return nil
}

// RecordActionFailure bumps the retry counter of an action and stores
// the error text. It returns the new retry count.
func (s *SQLiteStore) RecordActionFailure(ctx context.Context, seq int64, message string) (int, error) {
	_, err := s.db.ExecContext(ctx,
		"UPDATE pending_actions SET retry_count = retry_count + 1, last_error = ? WHERE seq = ?",
		message, seq,
	)
	if err != nil {
		return 0, &StorageError{Op: "record action failure", Err: err}
	}

	var count int
	err = s.db.GetContext(ctx, &count,
		"SELECT retry_count FROM pending_actions WHERE seq = ?", seq)
	if err != nil {
		return 0, &StorageError{Op: "record action failure", Err: err}
	}
	return count, nil
}

// HasPendingActions reports whether the queue is non-empty.
func (s *SQLiteStore) HasPendingActions(ctx context.Context) (bool, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM pending_actions"); err != nil {
		return false, &StorageError{Op: "count actions", Err: err}
	}
	return n > 0, nil
}
