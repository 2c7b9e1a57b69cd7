// Package session tracks authenticated players on a lobby server.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yarg-net/backplane/internal/transport"
)

var (
	ErrAlreadyRegistered = errors.New("connection already has a session")
	ErrServerFull        = errors.New("server full")
)

// Record is one authenticated player. The connection is held as an opaque
// handle; nothing above the session layer stores it.
type Record struct {
	SessionID    uuid.UUID
	ConnectionID transport.ConnID
	PlayerID     uuid.UUID
	PlayerName   string
	CreatedAt    time.Time
	Conn         transport.Conn

	mu           sync.Mutex
	lastActivity time.Time
}

func (r *Record) Touch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastActivity = time.Now()
}

func (r *Record) LastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity
}

// Manager is a capacity-bounded map from session id to record with a reverse
// index by connection id. All mutations serialize under one mutex; reads
// return copies.
type Manager struct {
	mu       sync.RWMutex
	capacity int
	sessions map[uuid.UUID]*Record
	byConn   map[transport.ConnID]*Record
}

func NewManager(capacity int) *Manager {
	return &Manager{
		capacity: capacity,
		sessions: make(map[uuid.UUID]*Record),
		byConn:   make(map[transport.ConnID]*Record),
	}
}

// TryCreateSession binds a connection to a fresh session. It fails with
// ErrAlreadyRegistered if the connection is bound and ErrServerFull at
// capacity.
func (m *Manager) TryCreateSession(conn transport.Conn, playerID uuid.UUID, playerName string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byConn[conn.ID()]; exists {
		return nil, ErrAlreadyRegistered
	}
	if len(m.sessions) >= m.capacity {
		return nil, ErrServerFull
	}

	now := time.Now()
	rec := &Record{
		SessionID:    uuid.New(),
		ConnectionID: conn.ID(),
		PlayerID:     playerID,
		PlayerName:   playerName,
		CreatedAt:    now,
		Conn:         conn,
		lastActivity: now,
	}
	m.sessions[rec.SessionID] = rec
	m.byConn[rec.ConnectionID] = rec
	return rec, nil
}

func (m *Manager) Get(sessionID uuid.UUID) (*Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	return rec, ok
}

func (m *Manager) GetByConn(connID transport.ConnID) (*Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.byConn[connID]
	return rec, ok
}

// Remove is idempotent.
func (m *Manager) Remove(sessionID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	delete(m.sessions, sessionID)
	delete(m.byConn, rec.ConnectionID)
}

func (m *Manager) RemoveByConn(connID transport.ConnID) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.byConn[connID]
	if !ok {
		return nil, false
	}
	delete(m.sessions, rec.SessionID)
	delete(m.byConn, connID)
	return rec, true
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Snapshot copies the current records.
func (m *Manager) Snapshot() []*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Record, 0, len(m.sessions))
	for _, rec := range m.sessions {
		out = append(out, rec)
	}
	return out
}

// CleanupInactive removes sessions idle longer than timeout and returns them.
func (m *Manager) CleanupInactive(timeout time.Duration) []*Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var removed []*Record
	for id, rec := range m.sessions {
		if now.Sub(rec.LastActivity()) <= timeout {
			continue
		}
		delete(m.sessions, id)
		delete(m.byConn, rec.ConnectionID)
		removed = append(removed, rec)
	}
	return removed
}
