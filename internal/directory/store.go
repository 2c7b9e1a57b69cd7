// Package directory keeps the public lobby listing for the browser UI.
// Hosts heartbeat their lobby over HTTP; entries that stop refreshing fall
// out after the TTL.
package directory

import (
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Lobby is one advertised game lobby. Address holds the host's reachable
// endpoint; when a host registers with an empty or wildcard address the
// store substitutes the address the HTTP request arrived from.
type Lobby struct {
	LobbyID     string    `json:"LobbyId"`
	Name        string    `json:"LobbyName"`
	HostName    string    `json:"HostName"`
	Address     string    `json:"Address"`
	Port        int       `json:"Port"`
	PlayerCount int       `json:"CurrentPlayers"`
	MaxPlayers  int       `json:"MaxPlayers"`
	HasPassword bool      `json:"HasPassword"`
	Version     string    `json:"Version"`
	Code        string    `json:"-"`
	LastSeen    time.Time `json:"LastHeartbeatUtc"`
}

// Store is the in-memory lobby directory. Reads purge expired entries first
// so callers never observe a lobby past its TTL.
type Store struct {
	mu       sync.RWMutex
	lobbies  map[string]*Lobby // keyed by LobbyID
	codes    *codeTable
	ttl      time.Duration
	logger   *zap.Logger
	timeFunc func() time.Time
}

func NewStore(ttl time.Duration, logger *zap.Logger) *Store {
	return &Store{
		lobbies:  make(map[string]*Lobby),
		codes:    newCodeTable(),
		ttl:      ttl,
		logger:   logger,
		timeFunc: time.Now,
	}
}

// Upsert registers or refreshes a lobby. clientAddr is the observed source
// address of the request, used when the host did not declare a reachable one.
func (s *Store) Upsert(lobby Lobby, clientAddr string) Lobby {
	if lobby.Address == "" || lobby.Address == "0.0.0.0" {
		lobby.Address = clientAddr
	}
	lobby.LastSeen = s.timeFunc()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Join codes come from AssignCode only; a caller-supplied code is never
	// stored. A refresh keeps the previously issued one.
	lobby.Code = ""
	if existing, ok := s.lobbies[lobby.LobbyID]; ok {
		lobby.Code = existing.Code
	}
	stored := lobby
	s.lobbies[lobby.LobbyID] = &stored

	s.logger.Debug("lobby upserted",
		zap.String("lobby_id", lobby.LobbyID),
		zap.String("address", lobby.Address),
		zap.Int("players", lobby.PlayerCount))
	return stored
}

// Remove deletes a lobby and releases its join code.
func (s *Store) Remove(lobbyID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	lobby, ok := s.lobbies[lobbyID]
	if !ok {
		return false
	}
	delete(s.lobbies, lobbyID)
	if lobby.Code != "" {
		s.codes.release(lobby.Code)
	}
	return true
}

// List returns the live lobbies sorted by name.
func (s *Store) List() []Lobby {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked()

	out := make([]Lobby, 0, len(s.lobbies))
	for _, l := range s.lobbies {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out
}

// Get returns a live lobby by id.
func (s *Store) Get(lobbyID string) (Lobby, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked()

	l, ok := s.lobbies[lobbyID]
	if !ok {
		return Lobby{}, false
	}
	return *l, true
}

// AssignCode issues a join code for the lobby, generating one if it does not
// have one yet. The second return reports whether the lobby exists.
func (s *Store) AssignCode(lobbyID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked()

	lobby, ok := s.lobbies[lobbyID]
	if !ok {
		return "", false, nil
	}
	if lobby.Code != "" {
		return lobby.Code, true, nil
	}

	code, err := s.codes.reserve(lobbyID)
	if err != nil {
		return "", true, err
	}
	lobby.Code = code
	return code, true, nil
}

// GetByCode resolves a join code case-insensitively.
func (s *Store) GetByCode(code string) (Lobby, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked()

	lobbyID, ok := s.codes.lookup(code)
	if !ok {
		return Lobby{}, false
	}
	l, ok := s.lobbies[lobbyID]
	if !ok {
		// The lobby expired out from under its code.
		s.codes.release(strings.ToUpper(code))
		return Lobby{}, false
	}
	return *l, true
}

// ReleaseCode frees a join code and clears it from the lobby it named.
func (s *Store) ReleaseCode(code string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	lobbyID, ok := s.codes.lookup(code)
	if !ok {
		return false
	}
	s.codes.release(code)
	if l, live := s.lobbies[lobbyID]; live {
		l.Code = ""
	}
	return true
}

// Count returns the number of live lobbies.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked()
	return len(s.lobbies)
}

func (s *Store) purgeLocked() {
	cutoff := s.timeFunc().Add(-s.ttl)
	for id, l := range s.lobbies {
		if l.LastSeen.Before(cutoff) {
			delete(s.lobbies, id)
			if l.Code != "" {
				s.codes.release(l.Code)
			}
			s.logger.Debug("lobby expired", zap.String("lobby_id", id))
		}
	}
}
