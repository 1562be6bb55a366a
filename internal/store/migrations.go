package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations for a per-account
// cache database. Each migration's version must be sequential starting
// from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	folder          TEXT NOT NULL,
	uid             INTEGER NOT NULL,
	message_id      TEXT NOT NULL DEFAULT '',
	in_reply_to     TEXT NOT NULL DEFAULT '',
	from_address    TEXT NOT NULL DEFAULT '',
	from_name       TEXT NOT NULL DEFAULT '',
	to_addresses    TEXT NOT NULL DEFAULT '[]',
	cc_addresses    TEXT NOT NULL DEFAULT '[]',
	subject         TEXT NOT NULL DEFAULT '',
	date            DATETIME NOT NULL,
	flags           TEXT NOT NULL DEFAULT '[]',
	seen            INTEGER NOT NULL DEFAULT 0,
	has_attachment  INTEGER NOT NULL DEFAULT 0,
	body_cached     INTEGER NOT NULL DEFAULT 0,
	text_body       TEXT NOT NULL DEFAULT '',
	html_body       TEXT NOT NULL DEFAULT '',
	conversation_id TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL,
	PRIMARY KEY (folder, uid)
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, date DESC);
CREATE INDEX IF NOT EXISTS idx_messages_from ON messages(from_address);
CREATE INDEX IF NOT EXISTS idx_messages_date ON messages(date);

CREATE TABLE IF NOT EXISTS conversations (
	id                   TEXT PRIMARY KEY,
	participant_key      TEXT NOT NULL UNIQUE,
	participants         TEXT NOT NULL DEFAULT '[]',
	last_message_date    DATETIME,
	last_message_preview TEXT NOT NULL DEFAULT '',
	last_message_from    TEXT NOT NULL DEFAULT '',
	message_count        INTEGER NOT NULL DEFAULT 0,
	unread_count         INTEGER NOT NULL DEFAULT 0,
	updated_at           DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conversations_date ON conversations(last_message_date DESC);

CREATE TABLE IF NOT EXISTS conversation_messages (
	conversation_id TEXT NOT NULL,
	folder          TEXT NOT NULL,
	uid             INTEGER NOT NULL,
	PRIMARY KEY (conversation_id, folder, uid)
);

CREATE INDEX IF NOT EXISTS idx_conversation_messages_ref ON conversation_messages(folder, uid);

CREATE TABLE IF NOT EXISTS folder_sync (
	folder       TEXT PRIMARY KEY,
	uid_validity INTEGER NOT NULL DEFAULT 0,
	highest_uid  INTEGER NOT NULL DEFAULT 0,
	last_sync    DATETIME
);

CREATE TABLE IF NOT EXISTS line_groups (
	group_id TEXT NOT NULL,
	domain   TEXT NOT NULL,
	PRIMARY KEY (domain)
);

CREATE INDEX IF NOT EXISTS idx_line_groups_group ON line_groups(group_id);

CREATE TABLE IF NOT EXISTS pending_actions (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	kind          TEXT NOT NULL,
	folder        TEXT NOT NULL DEFAULT '',
	uids          TEXT NOT NULL DEFAULT '[]',
	flags         TEXT NOT NULL DEFAULT '[]',
	target_folder TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL,
	retry_count   INTEGER NOT NULL DEFAULT 0,
	last_error    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS skills (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	icon          TEXT NOT NULL DEFAULT '',
	icon_bg       TEXT NOT NULL DEFAULT '',
	enabled       INTEGER NOT NULL DEFAULT 1,
	prompt        TEXT NOT NULL DEFAULT '',
	modifiers     TEXT NOT NULL DEFAULT '{}',
	settings      TEXT NOT NULL DEFAULT '{}',
	revision_hash TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS skill_labels (
	skill_id      TEXT NOT NULL,
	folder        TEXT NOT NULL,
	uid           INTEGER NOT NULL,
	matched       INTEGER NOT NULL DEFAULT 0,
	revision_hash TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (skill_id, folder, uid)
);

CREATE INDEX IF NOT EXISTS idx_skill_labels_matched ON skill_labels(skill_id, matched);

CREATE TABLE IF NOT EXISTS known_senders (
	email      TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	first_seen DATETIME NOT NULL,
	sent_count INTEGER NOT NULL DEFAULT 0
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
