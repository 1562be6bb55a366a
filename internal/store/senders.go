package store

import (
	"context"
	"time"

	"github.com/mbaer/linebox/internal/model"
)

// UpsertKnownSenders records recipients the user has written to. Repeat
// sightings bump sent_count and may fill in a missing display name.
func (s *SQLiteStore) UpsertKnownSenders(ctx context.Context, recipients []model.Participant) error {
	if len(recipients) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "upsert known senders", Err: err}
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, r := range recipients {
		email := model.NormalizeAddress(r.Email)
		if email == "" {
			continue
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO known_senders (email, name, first_seen, sent_count)
			VALUES (?, ?, ?, 1)
			ON CONFLICT(email) DO UPDATE SET
				sent_count = sent_count + 1,
				name = CASE WHEN known_senders.name = ''
					THEN excluded.name ELSE known_senders.name END`,
			email, r.Name, now,
		)
		if err != nil {
			return &StorageError{Op: "upsert known senders", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "upsert known senders", Err: err}
	}
	return nil
}

// KnownSenders returns the known-sender set as a lookup map keyed by
// normalized address.
func (s *SQLiteStore) KnownSenders(ctx context.Context) (map[string]bool, error) {
	var emails []string
	if err := s.db.SelectContext(ctx, &emails, "SELECT email FROM known_senders"); err != nil {
		return nil, &StorageError{Op: "list known senders", Err: err}
	}

	out := make(map[string]bool, len(emails))
	for _, e := range emails {
		out[e] = true
	}
	return out, nil
}
