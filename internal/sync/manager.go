package sync

import (
	"fmt"
	"os"
	"path/filepath"
	gosync "sync"

	"go.uber.org/zap"

	"github.com/mbaer/linebox/internal/conversation"
	"github.com/mbaer/linebox/internal/events"
	"github.com/mbaer/linebox/internal/model"
	"github.com/mbaer/linebox/internal/queue"
	"github.com/mbaer/linebox/internal/store"
	"github.com/mbaer/linebox/internal/transport"
)

// Session bundles the per-account components the manager assembled:
// the account's private cache database, its transport, its queue and
// its coordinator.
type Session struct {
	Account      model.Account
	Store        *store.SQLiteStore
	Transport    transport.Transport
	Queue        *queue.Queue
	Materializer *conversation.Materializer
	Coordinator  *Coordinator
}

// Manager owns one Session per configured account. Accounts are fully
// isolated: each gets its own database file, connection and coordinator.
type Manager struct {
	dataDir  string
	settings model.SyncSettings
	bus      *events.Bus
	logger   *zap.Logger

	mu       gosync.Mutex
	sessions map[string]*Session
}

// NewManager creates an empty manager writing account databases under
// dataDir.
func NewManager(dataDir string, settings model.SyncSettings, bus *events.Bus, logger *zap.Logger) *Manager {
	return &Manager{
		dataDir:  dataDir,
		settings: settings,
		bus:      bus,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// InitAccount opens the account's cache database, wires its components
// and starts its coordinator. Initializing an already-known account
// returns the existing session.
func (m *Manager) InitAccount(account model.Account, password string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions[account.ID]; ok {
		return sess, nil
	}

	if err := os.MkdirAll(m.dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data dir %s: %w", m.dataDir, err)
	}

	st, err := store.NewSQLiteStore(m.dbPath(account.ID))
	if err != nil {
		return nil, fmt.Errorf("opening cache for %s: %w", account.ID, err)
	}

	tr := transport.NewIMAPTransport(
		account.IMAPHost, account.IMAPPort,
		account.Email, password, account.TLS,
		m.logger.With(zap.String("account", account.ID)),
	)
	mat := conversation.NewMaterializer(st, account.SelfAddresses(), m.logger)
	q := queue.New(account.ID, st, tr, mat, m.bus, m.logger)
	coord := NewCoordinator(account, st, tr, q, mat, m.bus, m.settings, m.logger)

	sess := &Session{
		Account:      account,
		Store:        st,
		Transport:    tr,
		Queue:        q,
		Materializer: mat,
		Coordinator:  coord,
	}
	m.sessions[account.ID] = sess

	coord.Start()
	m.logger.Info("account initialized", zap.String("account", account.ID))
	return sess, nil
}

// Session returns the session for an account, or nil if unknown.
func (m *Manager) Session(accountID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[accountID]
}

// Sessions returns all active sessions.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	return out
}

// Remove stops an account's coordinator and deletes its cache database.
// The remote mailbox is untouched.
func (m *Manager) Remove(accountID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[accountID]
	if ok {
		delete(m.sessions, accountID)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown account %q", accountID)
	}

	sess.Coordinator.Stop()
	if err := sess.Store.Destroy(); err != nil {
		return err
	}

	m.logger.Info("account removed", zap.String("account", accountID))
	return nil
}

// Close stops all coordinators and closes all cache databases.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.Coordinator.Stop()
		if err := sess.Store.Close(); err != nil {
			m.logger.Warn("closing cache failed",
				zap.String("account", sess.Account.ID),
				zap.Error(err))
		}
	}
}

func (m *Manager) dbPath(accountID string) string {
	safe := make([]rune, 0, len(accountID))
	for _, r := range accountID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_', r == '@':
			safe = append(safe, r)
		default:
			safe = append(safe, '_')
		}
	}
	return filepath.Join(m.dataDir, string(safe)+".db")
}
