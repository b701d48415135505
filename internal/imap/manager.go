package imap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Credentials are the decrypted connection parameters of one account.
type Credentials struct {
	Address  string // host:port
	Username string
	Password string
}

// Manager opens IMAP sessions under a process-wide cap and remembers them per
// account so they can be force-closed.
type Manager struct {
	slots   *semaphore.Weighted
	useTLS  bool
	timeout time.Duration
	log     *zerolog.Logger

	mu   sync.Mutex
	open map[string]map[*Session]struct{}
}

// NewManager creates a manager allowing at most maxSessions concurrently open sessions.
func NewManager(maxSessions int, useTLS bool, timeout time.Duration, log *zerolog.Logger) *Manager {
	if maxSessions < 1 {
		maxSessions = 1
	}
	return &Manager{
		slots:   semaphore.NewWeighted(int64(maxSessions)),
		useTLS:  useTLS,
		timeout: timeout,
		log:     log,
		open:    make(map[string]map[*Session]struct{}),
	}
}

// Connect waits for a free slot, dials and logs in. The returned session holds
// the slot until Close.
func (m *Manager) Connect(ctx context.Context, accountID string, creds Credentials) (*Session, error) {
	if err := m.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("failed waiting for an imap session slot: %w", err)
	}

	c, conn, err := dial(ctx, creds.Address, m.useTLS, m.timeout)
	if err != nil {
		m.slots.Release(1)
		return nil, err
	}

	if err := login(c, creds.Username, creds.Password); err != nil {
		_ = c.Terminate()
		m.slots.Release(1)
		return nil, err
	}

	// Clear the greeting deadline; per-command timeouts take over.
	_ = conn.SetDeadline(time.Time{})
	c.Timeout = m.timeout

	log := m.log.With().Str("account_id", accountID).Logger()
	s := &Session{
		client:    c,
		accountID: accountID,
		manager:   m,
		log:       &log,
	}
	m.register(s)

	log.Debug().Msg("IMAP session opened")
	return s, nil
}

func (m *Manager) register(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.open[s.accountID]
	if !ok {
		set = make(map[*Session]struct{})
		m.open[s.accountID] = set
	}
	set[s] = struct{}{}
}

func (m *Manager) unregister(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if set, ok := m.open[s.accountID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(m.open, s.accountID)
		}
	}
}

// ForceClose drops every open session of the account without a LOGOUT.
func (m *Manager) ForceClose(accountID string) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.open[accountID]))
	for s := range m.open[accountID] {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.terminate()
	}
}

// OpenSessions returns how many sessions the account currently holds.
func (m *Manager) OpenSessions(accountID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open[accountID])
}

// Close terminates all sessions.
func (m *Manager) Close() {
	m.mu.Lock()
	var all []*Session
	for _, set := range m.open {
		for s := range set {
			all = append(all, s)
		}
	}
	m.mu.Unlock()

	for _, s := range all {
		_ = s.Close()
	}
}
