package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/mbaer/linebox/internal/model"
)

// SQLiteStore implements the Store interface using a local SQLite
// database. One database file per account.
type SQLiteStore struct {
	db   *sqlx.DB
	path string
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Writes are serialized by the coordinator; a single connection
	// avoids SQLITE_BUSY between the writer and same-process readers.
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, path: dbPath}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Destroy closes the store and removes the database file along with its
// WAL sidecars. Used when an account is removed.
func (s *SQLiteStore) Destroy() error {
	if err := s.db.Close(); err != nil {
		return &StorageError{Op: "destroy", Err: err}
	}
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(s.path + suffix); err != nil && !os.IsNotExist(err) {
			return &StorageError{Op: "destroy", Err: err}
		}
	}
	return nil
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// scanMessage scans a message row from a sqlx.Rows result set.
func scanMessage(rows *sqlx.Rows) (model.Message, error) {
	var (
		m        model.Message
		toJSON   string
		ccJSON   string
		flags    string
		seen     int
		hasAtt   int
		cached   int
		date     time.Time
		created  time.Time
		updated  time.Time
	)

	err := rows.Scan(
		&m.Folder, &m.UID, &m.MessageID, &m.InReplyTo,
		&m.FromAddress, &m.FromName, &toJSON, &ccJSON,
		&m.Subject, &date, &flags, &seen, &hasAtt,
		&cached, &m.TextBody, &m.HTMLBody, &m.ConversationID,
		&created, &updated,
	)
	if err != nil {
		return model.Message{}, fmt.Errorf("scanning message row: %w", err)
	}

	m.Date = date
	m.CreatedAt = created
	m.UpdatedAt = updated
	m.HasAttachment = hasAtt != 0
	m.BodyCached = cached != 0

	if err := json.Unmarshal([]byte(toJSON), &m.ToAddresses); err != nil {
		return model.Message{}, fmt.Errorf("unmarshaling to_addresses: %w", err)
	}
	if err := json.Unmarshal([]byte(ccJSON), &m.CcAddresses); err != nil {
		return model.Message{}, fmt.Errorf("unmarshaling cc_addresses: %w", err)
	}
	if err := json.Unmarshal([]byte(flags), &m.Flags); err != nil {
		return model.Message{}, fmt.Errorf("unmarshaling flags: %w", err)
	}

	return m, nil
}

// collectMessages drains a rows result set of message rows.
func collectMessages(rows *sqlx.Rows) ([]model.Message, error) {
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// scanConversation scans a conversation row from a sqlx.Rows result set.
func scanConversation(rows *sqlx.Rows) (model.Conversation, error) {
	var (
		c            model.Conversation
		participants string
		lastDate     sql.NullTime
		updated      time.Time
	)

	err := rows.Scan(
		&c.ID, &c.ParticipantKey, &participants,
		&lastDate, &c.LastMessagePreview, &c.LastMessageFrom,
		&c.MessageCount, &c.UnreadCount, &updated,
	)
	if err != nil {
		return model.Conversation{}, fmt.Errorf("scanning conversation row: %w", err)
	}

	if lastDate.Valid {
		c.LastMessageDate = lastDate.Time
	}
	c.UpdatedAt = updated

	if participants != "" {
		if err := json.Unmarshal([]byte(participants), &c.Participants); err != nil {
			return model.Conversation{}, fmt.Errorf("unmarshaling participants: %w", err)
		}
	}

	return c, nil
}

func collectConversations(rows *sqlx.Rows) ([]model.Conversation, error) {
	defer rows.Close()

	var out []model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// mustJSON marshals a value that cannot fail (slices of plain values),
// falling back to the given default literal.
func mustJSON(v interface{}, fallback string) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fallback
	}
	return string(b)
}
