package server

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yarg-net/backplane/internal/transport"
)

// ConnManager separates pending connections (transport-connected but not yet
// handshaken) from authenticated ones, and keeps a reverse index from
// persistent player id to the current connection.
type ConnManager struct {
	mu sync.RWMutex

	pending       map[transport.ConnID]transport.Conn
	authenticated map[transport.ConnID]transport.Conn
	byPlayer      map[uuid.UUID]transport.ConnID

	logger *zap.Logger
}

func NewConnManager(logger *zap.Logger) *ConnManager {
	return &ConnManager{
		pending:       make(map[transport.ConnID]transport.Conn),
		authenticated: make(map[transport.ConnID]transport.Conn),
		byPlayer:      make(map[uuid.UUID]transport.ConnID),
		logger:        logger,
	}
}

func (m *ConnManager) AddPending(conn transport.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[conn.ID()] = conn
}

// Promote moves a connection from pending to authenticated and binds its
// player id.
func (m *ConnManager) Promote(conn transport.Conn, playerID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, conn.ID())
	m.authenticated[conn.ID()] = conn
	m.byPlayer[playerID] = conn.ID()
}

// Drop forgets a connection wherever it lives. Idempotent.
func (m *ConnManager) Drop(connID transport.ConnID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, connID)
	delete(m.authenticated, connID)
	for playerID, id := range m.byPlayer {
		if id == connID {
			delete(m.byPlayer, playerID)
			break
		}
	}
}

func (m *ConnManager) IsAuthenticated(connID transport.ConnID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.authenticated[connID]
	return ok
}

func (m *ConnManager) ConnByPlayer(playerID uuid.UUID) (transport.Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byPlayer[playerID]
	if !ok {
		return nil, false
	}
	conn, ok := m.authenticated[id]
	return conn, ok
}

func (m *ConnManager) AuthenticatedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.authenticated)
}

func (m *ConnManager) snapshot() []transport.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]transport.Conn, 0, len(m.authenticated))
	for _, c := range m.authenticated {
		out = append(out, c)
	}
	return out
}

// ToAll sends to every authenticated connection. Send failures are swallowed:
// the peer's disconnect event will clean up.
func (m *ConnManager) ToAll(data []byte, channel transport.Channel) {
	for _, conn := range m.snapshot() {
		if err := conn.Send(data, channel); err != nil {
			m.logger.Debug("broadcast send failed",
				zap.Uint32("conn_id", uint32(conn.ID())),
				zap.Error(err),
			)
		}
	}
}

func (m *ConnManager) ToAllExcept(exclude transport.ConnID, data []byte, channel transport.Channel) {
	for _, conn := range m.snapshot() {
		if conn.ID() == exclude {
			continue
		}
		if err := conn.Send(data, channel); err != nil {
			m.logger.Debug("broadcast send failed",
				zap.Uint32("conn_id", uint32(conn.ID())),
				zap.Error(err),
			)
		}
	}
}

func (m *ConnManager) ToAllExceptPlayer(playerID uuid.UUID, data []byte, channel transport.Channel) {
	m.mu.RLock()
	exclude, ok := m.byPlayer[playerID]
	m.mu.RUnlock()
	if !ok {
		m.ToAll(data, channel)
		return
	}
	m.ToAllExcept(exclude, data, channel)
}
