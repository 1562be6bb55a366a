package store

import (
	"context"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/mbaer/linebox/internal/model"
)

// senderDomain extracts the part after '@' in SQL. Rows without an '@'
// are skipped by the callers' WHERE clauses.
const senderDomainExpr = "lower(substr(from_address, instr(from_address, '@') + 1))"

// GroupDomains assigns the given domains to a named group. A domain can
// belong to at most one group; regrouping moves it.
func (s *SQLiteStore) GroupDomains(ctx context.Context, name string, domains []string) error {
	if len(domains) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "group domains", Err: err}
	}
	defer tx.Rollback()

	for _, d := range domains {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO line_groups (group_id, domain) VALUES (?, ?)
			ON CONFLICT(domain) DO UPDATE SET group_id = excluded.group_id`,
			name, strings.ToLower(d),
		)
		if err != nil {
			return &StorageError{Op: "group domains", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "group domains", Err: err}
	}
	return nil
}

// UngroupDomains dissolves a group, returning its domains to standalone
// clusters.
func (s *SQLiteStore) UngroupDomains(ctx context.Context, groupID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM line_groups WHERE group_id = ?", groupID)
	if err != nil {
		return &StorageError{Op: "ungroup domains", Err: err}
	}
	return nil
}

// DomainToGroup returns the full domain-to-group assignment map.
func (s *SQLiteStore) DomainToGroup(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryxContext(ctx, "SELECT domain, group_id FROM line_groups")
	if err != nil {
		return nil, &StorageError{Op: "list line groups", Err: err}
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var domain, group string
		if err := rows.Scan(&domain, &group); err != nil {
			return nil, &StorageError{Op: "list line groups", Err: err}
		}
		out[domain] = group
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list line groups", Err: err}
	}
	return out, nil
}

// DomainsForGroup returns the member domains of one group.
func (s *SQLiteStore) DomainsForGroup(ctx context.Context, groupID string) ([]string, error) {
	var domains []string
	err := s.db.SelectContext(ctx, &domains,
		"SELECT domain FROM line_groups WHERE group_id = ? ORDER BY domain", groupID)
	if err != nil {
		return nil, &StorageError{Op: "list group domains", Err: err}
	}
	return domains, nil
}

// DomainStats aggregates cached messages by sender domain. Thread counts
// are distinct conversations; messages not yet materialized into a
// conversation contribute to the message count only.
func (s *SQLiteStore) DomainStats(ctx context.Context) ([]DomainStat, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT `+senderDomainExpr+` AS domain,
			COUNT(*) AS message_count,
			COUNT(DISTINCT NULLIF(conversation_id, '')) AS thread_count
		FROM messages
		WHERE instr(from_address, '@') > 0
		GROUP BY domain
		ORDER BY message_count DESC, domain ASC`)
	if err != nil {
		return nil, &StorageError{Op: "domain stats", Err: err}
	}
	defer rows.Close()

	var out []DomainStat
	for rows.Next() {
		var st DomainStat
		if err := rows.Scan(&st.Domain, &st.MessageCount, &st.ThreadCount); err != nil {
			return nil, &StorageError{Op: "domain stats", Err: err}
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "domain stats", Err: err}
	}
	return out, nil
}

// MessagesByDomains returns cached messages whose sender domain is in
// the given set, newest first.
func (s *SQLiteStore) MessagesByDomains(ctx context.Context, domains []string) ([]model.Message, error) {
	if len(domains) == 0 {
		return nil, nil
	}

	lowered := make([]string, len(domains))
	for i, d := range domains {
		lowered[i] = strings.ToLower(d)
	}

	query, args, err := sqlx.In(
		"SELECT "+messageColumns+" FROM messages WHERE "+senderDomainExpr+" IN (?) ORDER BY date DESC, uid DESC",
		lowered,
	)
	if err != nil {
		return nil, &StorageError{Op: "messages by domains", Err: err}
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, &StorageError{Op: "messages by domains", Err: err}
	}

	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, &StorageError{Op: "messages by domains", Err: err}
	}
	return msgs, nil
}

// ConversationsByDomains returns conversations that contain at least one
// message from the given sender domains, newest first.
func (s *SQLiteStore) ConversationsByDomains(ctx context.Context, domains []string) ([]model.Conversation, error) {
	if len(domains) == 0 {
		return nil, nil
	}

	lowered := make([]string, len(domains))
	for i, d := range domains {
		lowered[i] = strings.ToLower(d)
	}

	query, args, err := sqlx.In(`
		SELECT `+conversationColumns+` FROM conversations
		WHERE id IN (
			SELECT DISTINCT conversation_id FROM messages
			WHERE conversation_id != '' AND `+senderDomainExpr+` IN (?)
		)
		ORDER BY last_message_date DESC`,
		lowered,
	)
	if err != nil {
		return nil, &StorageError{Op: "conversations by domains", Err: err}
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, &StorageError{Op: "conversations by domains", Err: err}
	}

	convs, err := collectConversations(rows)
	if err != nil {
		return nil, &StorageError{Op: "conversations by domains", Err: err}
	}
	return convs, nil
}
