// Package relay forwards game traffic between a lobby host and a client when
// hole punching fails. A relay session has exactly two slots; payloads move
// between them unmodified and the relay never inspects game data.
package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Dialect identifies which wire flavor a session's peers speak. A session
// binds to the dialect of its first registration; the other dialect cannot
// attach to it afterwards.
type Dialect uint8

const (
	DialectNone Dialect = iota
	DialectUDP
	DialectStream
)

var (
	ErrUnknownSession  = errors.New("relay: unknown session")
	ErrSlotTaken       = errors.New("relay: slot already taken")
	ErrDialectMismatch = errors.New("relay: session bound to another dialect")
	ErrNotRegistered   = errors.New("relay: endpoint not registered")
)

// Peer is one registered side of a session. Key is the exact-match identity
// used to authorize forwarding: for UDP peers the observed source endpoint,
// for stream peers the connection id.
type Peer interface {
	Key() string
	Send(op uint8, sessionID uuid.UUID, payload []byte) error
}

// Session is one host/client relay pairing.
type Session struct {
	ID      uuid.UUID
	LobbyID string
	Created time.Time

	dialect      Dialect
	host         Peer
	client       Peer
	lastActivity time.Time

	packetsRelayed uint64
	bytesRelayed   uint64
}

// Stats is an aggregate view over the whole table.
type Stats struct {
	Sessions       int    `json:"sessions"`
	PacketsRelayed uint64 `json:"packets_relayed"`
	BytesRelayed   uint64 `json:"bytes_relayed"`
}

// Table owns every relay session. Allocation is idempotent per lobby so a
// host retrying the HTTP call gets the same session back.
type Table struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	byLobby  map[string]uuid.UUID

	ttl      time.Duration
	total    Stats // counters for destroyed sessions
	logger   *zap.Logger
	timeFunc func() time.Time
}

func NewTable(ttl time.Duration, logger *zap.Logger) *Table {
	return &Table{
		sessions: make(map[uuid.UUID]*Session),
		byLobby:  make(map[string]uuid.UUID),
		ttl:      ttl,
		logger:   logger,
		timeFunc: time.Now,
	}
}

// Allocate creates a session for the lobby, or returns the existing one.
func (t *Table) Allocate(lobbyID string) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok := t.byLobby[lobbyID]; ok {
		if sess, live := t.sessions[id]; live {
			return sess
		}
	}

	now := t.timeFunc()
	sess := &Session{
		ID:           uuid.New(),
		LobbyID:      lobbyID,
		Created:      now,
		lastActivity: now,
	}
	t.sessions[sess.ID] = sess
	t.byLobby[lobbyID] = sess.ID
	t.logger.Info("relay session allocated",
		zap.String("session_id", sess.ID.String()),
		zap.String("lobby_id", lobbyID))
	return sess
}

func (t *Table) Get(id uuid.UUID) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sess, ok := t.sessions[id]
	return sess, ok
}

func (t *Table) GetByLobby(lobbyID string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.byLobby[lobbyID]
	if !ok {
		return nil, false
	}
	sess, ok := t.sessions[id]
	return sess, ok
}

// RegisterHost binds the host slot. The first registration fixes the
// session's dialect.
func (t *Table) RegisterHost(id uuid.UUID, dialect Dialect, peer Peer) (*Session, error) {
	return t.register(id, dialect, peer, true)
}

// RegisterClient binds the client slot.
func (t *Table) RegisterClient(id uuid.UUID, dialect Dialect, peer Peer) (*Session, error) {
	return t.register(id, dialect, peer, false)
}

func (t *Table) register(id uuid.UUID, dialect Dialect, peer Peer, asHost bool) (*Session, error) {
	t.mu.Lock()
	sess, ok := t.sessions[id]
	if !ok {
		t.mu.Unlock()
		return nil, ErrUnknownSession
	}
	if sess.dialect != DialectNone && sess.dialect != dialect {
		t.mu.Unlock()
		return nil, ErrDialectMismatch
	}

	slot := &sess.host
	if !asHost {
		slot = &sess.client
	}
	if *slot != nil && (*slot).Key() != peer.Key() {
		t.mu.Unlock()
		return nil, ErrSlotTaken
	}
	sess.dialect = dialect
	*slot = peer
	sess.lastActivity = t.timeFunc()
	other := sess.host
	if asHost {
		other = sess.client
	}
	t.mu.Unlock()

	if other != nil {
		t.notify(other, opPeerConnected, id)
	}
	return sess, nil
}

// Forward returns the counterpart peer for a payload arriving from key.
// Payloads from an endpoint that does not exactly match a registered slot
// are rejected.
func (t *Table) Forward(id uuid.UUID, key string, size int) (Peer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sess, ok := t.sessions[id]
	if !ok {
		return nil, ErrUnknownSession
	}

	var dest Peer
	switch {
	case sess.host != nil && sess.host.Key() == key:
		dest = sess.client
	case sess.client != nil && sess.client.Key() == key:
		dest = sess.host
	default:
		return nil, ErrNotRegistered
	}

	sess.lastActivity = t.timeFunc()
	if dest != nil {
		sess.packetsRelayed++
		sess.bytesRelayed += uint64(size)
	}
	return dest, nil
}

// Touch refreshes a session's activity clock for a registered peer.
func (t *Table) Touch(id uuid.UUID, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	sess, ok := t.sessions[id]
	if !ok {
		return ErrUnknownSession
	}
	if !sess.hasPeerLocked(key) {
		return ErrNotRegistered
	}
	sess.lastActivity = t.timeFunc()
	return nil
}

// Disconnect releases the slot owned by key, tells the counterpart, and
// destroys the session once both slots are empty.
func (t *Table) Disconnect(id uuid.UUID, key string) error {
	t.mu.Lock()
	sess, ok := t.sessions[id]
	if !ok {
		t.mu.Unlock()
		return ErrUnknownSession
	}

	var other Peer
	switch {
	case sess.host != nil && sess.host.Key() == key:
		sess.host = nil
		other = sess.client
	case sess.client != nil && sess.client.Key() == key:
		sess.client = nil
		other = sess.host
	default:
		t.mu.Unlock()
		return ErrNotRegistered
	}

	if sess.host == nil && sess.client == nil {
		t.destroyLocked(sess)
	}
	t.mu.Unlock()

	if other != nil {
		t.notify(other, opPeerDisconnected, id)
	}
	return nil
}

// DisconnectPeer releases every slot owned by key across all sessions, used
// when a stream connection drops.
func (t *Table) DisconnectPeer(key string) {
	t.mu.Lock()
	var ids []uuid.UUID
	for id, sess := range t.sessions {
		if sess.hasPeerLocked(key) {
			ids = append(ids, id)
		}
	}
	t.mu.Unlock()

	for _, id := range ids {
		_ = t.Disconnect(id, key)
	}
}

// Remove destroys the session for a lobby outright.
func (t *Table) Remove(lobbyID string) bool {
	t.mu.Lock()

	id, ok := t.byLobby[lobbyID]
	if !ok {
		t.mu.Unlock()
		return false
	}
	sess, live := t.sessions[id]
	if !live {
		delete(t.byLobby, lobbyID)
		t.mu.Unlock()
		return false
	}
	host, client := sess.host, sess.client
	t.destroyLocked(sess)
	t.mu.Unlock()

	if host != nil {
		t.notify(host, opPeerDisconnected, id)
	}
	if client != nil {
		t.notify(client, opPeerDisconnected, id)
	}
	return true
}

// Cleanup destroys sessions idle past the TTL.
func (t *Table) Cleanup() int {
	cutoff := t.timeFunc().Add(-t.ttl)

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for _, sess := range t.sessions {
		if sess.lastActivity.Before(cutoff) {
			t.destroyLocked(sess)
			removed++
		}
	}
	return removed
}

func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Stats aggregates live-session counters with totals from destroyed ones.
func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := t.total
	stats.Sessions = len(t.sessions)
	for _, sess := range t.sessions {
		stats.PacketsRelayed += sess.packetsRelayed
		stats.BytesRelayed += sess.bytesRelayed
	}
	return stats
}

func (t *Table) destroyLocked(sess *Session) {
	t.total.PacketsRelayed += sess.packetsRelayed
	t.total.BytesRelayed += sess.bytesRelayed
	delete(t.sessions, sess.ID)
	if t.byLobby[sess.LobbyID] == sess.ID {
		delete(t.byLobby, sess.LobbyID)
	}
	t.logger.Info("relay session destroyed",
		zap.String("session_id", sess.ID.String()),
		zap.String("lobby_id", sess.LobbyID),
		zap.Uint64("packets", sess.packetsRelayed))
}

func (s *Session) hasPeerLocked(key string) bool {
	if s.host != nil && s.host.Key() == key {
		return true
	}
	return s.client != nil && s.client.Key() == key
}

func (t *Table) notify(peer Peer, op uint8, id uuid.UUID) {
	if err := peer.Send(op, id, nil); err != nil {
		t.logger.Debug("relay notify failed", zap.Error(err))
	}
}
