package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mbaer/linebox/internal/model"
)

// SaveSkill inserts or updates a skill definition.
func (s *SQLiteStore) SaveSkill(ctx context.Context, sk model.Skill) error {
	now := time.Now().UTC()
	createdAt := sk.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO skills (id, name, icon, icon_bg, enabled, prompt,
			modifiers, settings, revision_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			icon = excluded.icon,
			icon_bg = excluded.icon_bg,
			enabled = excluded.enabled,
			prompt = excluded.prompt,
			modifiers = excluded.modifiers,
			settings = excluded.settings,
			revision_hash = excluded.revision_hash,
			updated_at = excluded.updated_at`,
		sk.ID, sk.Name, sk.Icon, sk.IconBG, boolToInt(sk.Enabled), sk.Prompt,
		mustJSON(sk.Modifiers, "{}"), mustJSON(sk.Settings, "{}"),
		sk.RevisionHash, createdAt, now,
	)
	if err != nil {
		return &StorageError{Op: "save skill", Err: err}
	}
	return nil
}

func scanSkill(row interface {
	Scan(dest ...interface{}) error
}) (model.Skill, error) {
	var (
		sk        model.Skill
		enabled   int
		modifiers string
		settings  string
	)
	err := row.Scan(&sk.ID, &sk.Name, &sk.Icon, &sk.IconBG, &enabled,
		&sk.Prompt, &modifiers, &settings, &sk.RevisionHash,
		&sk.CreatedAt, &sk.UpdatedAt)
	if err != nil {
		return model.Skill{}, err
	}
	sk.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(modifiers), &sk.Modifiers); err != nil {
		return model.Skill{}, fmt.Errorf("unmarshaling modifiers: %w", err)
	}
	if err := json.Unmarshal([]byte(settings), &sk.Settings); err != nil {
		return model.Skill{}, fmt.Errorf("unmarshaling settings: %w", err)
	}
	return sk, nil
}

const skillColumns = `id, name, icon, icon_bg, enabled, prompt,
	modifiers, settings, revision_hash, created_at, updated_at`

// GetSkill returns one skill, or ErrNotFound.
func (s *SQLiteStore) GetSkill(ctx context.Context, id string) (*model.Skill, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT "+skillColumns+" FROM skills WHERE id = ?", id)
	if err != nil {
		return nil, &StorageError{Op: "get skill", Err: err}
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, &StorageError{Op: "get skill", Err: err}
		}
		return nil, ErrNotFound
	}

	sk, err := scanSkill(rows)
	if err != nil {
		return nil, &StorageError{Op: "get skill", Err: err}
	}
	return &sk, nil
}

// ListSkills returns all skill definitions in creation order.
func (s *SQLiteStore) ListSkills(ctx context.Context) ([]model.Skill, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT "+skillColumns+" FROM skills ORDER BY created_at ASC, id ASC")
	if err != nil {
		return nil, &StorageError{Op: "list skills", Err: err}
	}
	defer rows.Close()

	var out []model.Skill
	for rows.Next() {
		sk, err := scanSkill(rows)
		if err != nil {
			return nil, &StorageError{Op: "list skills", Err: err}
		}
		out = append(out, sk)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list skills", Err: err}
	}
	return out, nil
}

// DeleteSkill removes a skill together with its stored verdicts.
func (s *SQLiteStore) DeleteSkill(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "delete skill", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM skills WHERE id = ?", id); err != nil {
		return &StorageError{Op: "delete skill", Err: err}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM skill_labels WHERE skill_id = ?", id); err != nil {
		return &StorageError{Op: "delete skill", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "delete skill", Err: err}
	}
	return nil
}

// SkillCandidates returns cached messages that have no verdict for the
// skill's current revision, with the skill's quick modifiers already
// applied. Editing a skill changes its revision hash, which naturally
// re-opens every message for classification.
func (s *SQLiteStore) SkillCandidates(ctx context.Context, sk model.Skill, limit int) ([]model.Message, error) {
	query := `
		SELECT ` + messageColumns + ` FROM messages m
		WHERE NOT EXISTS (
			SELECT 1 FROM skill_labels sl
			WHERE sl.skill_id = ? AND sl.folder = m.folder AND sl.uid = m.uid
				AND sl.revision_hash = ?
		)`
	args := []interface{}{sk.ID, sk.RevisionHash}

	if sk.Modifiers.ExcludeNewsletters {
		query += `
		AND m.from_address NOT LIKE 'noreply%'
		AND m.from_address NOT LIKE 'no-reply%'
		AND m.from_address NOT LIKE 'newsletter%'
		AND m.from_address NOT LIKE 'notifications%'`
	}

	query += " ORDER BY m.date DESC, m.uid DESC"

	// known_senders holds normalized addresses, which SQL cannot derive
	// from the raw sender, so the known-senders filter runs in Go after
	// the query and the limit moves with it.
	if limit > 0 && !sk.Modifiers.OnlyKnownSenders {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, &StorageError{Op: "skill candidates", Err: err}
	}

	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, &StorageError{Op: "skill candidates", Err: err}
	}

	if sk.Modifiers.OnlyKnownSenders {
		known, err := s.KnownSenders(ctx)
		if err != nil {
			return nil, err
		}
		filtered := msgs[:0]
		for _, m := range msgs {
			if known[model.NormalizeAddress(m.FromAddress)] {
				filtered = append(filtered, m)
			}
		}
		msgs = filtered
		if limit > 0 && len(msgs) > limit {
			msgs = msgs[:limit]
		}
	}
	return msgs, nil
}

// SaveSkillVerdict records the classification outcome for one message
// under the skill revision that produced it.
func (s *SQLiteStore) SaveSkillVerdict(ctx context.Context, skillID string, ref model.MessageRef, matched bool, revision string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO skill_labels (skill_id, folder, uid, matched, revision_hash)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(skill_id, folder, uid) DO UPDATE SET
			matched = excluded.matched,
			revision_hash = excluded.revision_hash`,
		skillID, ref.Folder, ref.UID, boolToInt(matched), revision,
	)
	if err != nil {
		return &StorageError{Op: "save skill verdict", Err: err}
	}
	return nil
}

// SkillStats aggregates matched messages per skill at its current
// revision.
func (s *SQLiteStore) SkillStats(ctx context.Context) ([]SkillStat, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT sk.id,
			COUNT(m.uid) AS message_count,
			COUNT(DISTINCT NULLIF(m.conversation_id, '')) AS thread_count
		FROM skills sk
		LEFT JOIN skill_labels sl ON sl.skill_id = sk.id
			AND sl.matched = 1 AND sl.revision_hash = sk.revision_hash
		LEFT JOIN messages m ON m.folder = sl.folder AND m.uid = sl.uid
		GROUP BY sk.id`)
	if err != nil {
		return nil, &StorageError{Op: "skill stats", Err: err}
	}
	defer rows.Close()

	var out []SkillStat
	for rows.Next() {
		var st SkillStat
		if err := rows.Scan(&st.SkillID, &st.MessageCount, &st.ThreadCount); err != nil {
			return nil, &StorageError{Op: "skill stats", Err: err}
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "skill stats", Err: err}
	}
	return out, nil
}

// MessagesForSkill returns messages matched by a skill at its current
// revision, newest first.
func (s *SQLiteStore) MessagesForSkill(ctx context.Context, skillID string) ([]model.Message, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT `+messageColumns+` FROM messages m
		WHERE EXISTS (
			SELECT 1 FROM skill_labels sl
			JOIN skills sk ON sk.id = sl.skill_id
			WHERE sl.skill_id = ? AND sl.folder = m.folder AND sl.uid = m.uid
				AND sl.matched = 1 AND sl.revision_hash = sk.revision_hash
		)
		ORDER BY m.date DESC, m.uid DESC`, skillID)
	if err != nil {
		return nil, &StorageError{Op: "messages for skill", Err: err}
	}

	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, &StorageError{Op: "messages for skill", Err: err}
	}
	return msgs, nil
}

// ConversationsForSkill returns conversations containing at least one
// message matched by the skill at its current revision, newest first.
func (s *SQLiteStore) ConversationsForSkill(ctx context.Context, skillID string) ([]model.Conversation, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE id IN (
			SELECT DISTINCT m.conversation_id FROM messages m
			JOIN skill_labels sl ON sl.folder = m.folder AND sl.uid = m.uid
			JOIN skills sk ON sk.id = sl.skill_id
			WHERE sl.skill_id = ? AND sl.matched = 1
				AND sl.revision_hash = sk.revision_hash
				AND m.conversation_id != ''
		)
		ORDER BY last_message_date DESC`, skillID)
	if err != nil {
		return nil, &StorageError{Op: "conversations for skill", Err: err}
	}

	convs, err := collectConversations(rows)
	if err != nil {
		return nil, &StorageError{Op: "conversations for skill", Err: err}
	}
	return convs, nil
}
