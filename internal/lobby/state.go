// Package lobby holds the server-authoritative room state machine.
package lobby

import (
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

type Status uint8

const (
	StatusIdle Status = iota
	StatusSelectingSong
	StatusReadyToPlay
	StatusInCountdown
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "Idle"
	case StatusSelectingSong:
		return "SelectingSong"
	case StatusReadyToPlay:
		return "ReadyToPlay"
	case StatusInCountdown:
		return "InCountdown"
	}
	return "Unknown"
}

type Role uint8

const (
	RoleHost Role = iota
	RoleMember
	RoleSpectator
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "Host"
	case RoleMember:
		return "Member"
	case RoleSpectator:
		return "Spectator"
	}
	return "Unknown"
}

// Player is one lobby occupant. Spectators are never ready.
type Player struct {
	SessionID   uuid.UUID
	DisplayName string
	Role        Role
	Ready       bool
}

type Assignment struct {
	PlayerID   uuid.UUID
	Instrument string
	Difficulty string
}

type SongSelection struct {
	SongID      string
	Assignments []Assignment
}

type EventKind uint8

const (
	EventPlayerJoined EventKind = iota
	EventPlayerLeft
	EventReadyChanged
	EventRoleChanged
	EventSongSelectionChanged
	EventStatusChanged
	EventCountdownStarted
	EventCountdownCancelled
)

// Event is published after a mutation commits. Fields beyond Kind are
// populated only where meaningful.
type Event struct {
	Kind      EventKind
	SessionID uuid.UUID
	Role      Role
	Ready     bool
	Prev      Status
	Cur       Status
	Seconds   int
}

// StateManager guards the whole room behind one mutex and publishes events
// after the lock is released, so subscribers always observe committed state.
type StateManager struct {
	mu sync.Mutex

	players   map[uuid.UUID]*Player
	order     []uuid.UUID // join order, used for host promotion
	selection *SongSelection
	status    Status

	countdownActive  bool
	countdownSeconds int

	subscribers []func(Event)
}

func NewStateManager() *StateManager {
	return &StateManager{
		players: make(map[uuid.UUID]*Player),
		status:  StatusIdle,
	}
}

// Subscribe registers an event listener. Listeners run outside the state
// lock, in commit order.
func (m *StateManager) Subscribe(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

func (m *StateManager) emit(events []Event) {
	m.mu.Lock()
	subs := make([]func(Event), len(m.subscribers))
	copy(subs, m.subscribers)
	m.mu.Unlock()

	for _, ev := range events {
		for _, fn := range subs {
			fn(ev)
		}
	}
}

func (m *StateManager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// recomputeStatusLocked applies the status function and returns a
// StatusChanged event when the status moved.
func (m *StateManager) recomputeStatusLocked() (Event, bool) {
	prev := m.status
	m.status = m.computeStatusLocked()
	if m.status == prev {
		return Event{}, false
	}
	return Event{Kind: EventStatusChanged, Prev: prev, Cur: m.status}, true
}

// Status is a pure function of countdown, selection, ready bits, and
// spectator flags.
func (m *StateManager) computeStatusLocked() Status {
	if m.countdownActive {
		return StatusInCountdown
	}
	if m.selection == nil {
		return StatusIdle
	}

	eligible := 0
	allReady := true
	for _, p := range m.players {
		if p.Role == RoleSpectator {
			continue
		}
		eligible++
		if !p.Ready {
			allReady = false
		}
	}
	if eligible >= 1 && allReady {
		return StatusReadyToPlay
	}
	return StatusSelectingSong
}

// AddPlayer joins a session to the room. The first non-spectator becomes
// host.
func (m *StateManager) AddPlayer(sessionID uuid.UUID, displayName string, role Role) bool {
	m.mu.Lock()
	if _, exists := m.players[sessionID]; exists {
		m.mu.Unlock()
		return false
	}

	if role != RoleSpectator && !m.hasHostLocked() {
		role = RoleHost
	}
	m.players[sessionID] = &Player{
		SessionID:   sessionID,
		DisplayName: displayName,
		Role:        role,
	}
	m.order = append(m.order, sessionID)

	events := []Event{{Kind: EventPlayerJoined, SessionID: sessionID, Role: role}}
	if ev, changed := m.recomputeStatusLocked(); changed {
		events = append(events, ev)
	}
	m.mu.Unlock()

	m.emit(events)
	return true
}

// RemovePlayer drops a session, cancels any countdown, and promotes the first
// remaining member when the host leaves.
func (m *StateManager) RemovePlayer(sessionID uuid.UUID) bool {
	m.mu.Lock()
	player, exists := m.players[sessionID]
	if !exists {
		m.mu.Unlock()
		return false
	}

	wasHost := player.Role == RoleHost
	delete(m.players, sessionID)
	for i, id := range m.order {
		if id == sessionID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}

	events := []Event{{Kind: EventPlayerLeft, SessionID: sessionID, Role: player.Role}}

	if wasHost {
		if promoted := m.promoteHostLocked(); promoted != nil {
			events = append(events, Event{
				Kind:      EventRoleChanged,
				SessionID: promoted.SessionID,
				Role:      RoleHost,
			})
		}
	}

	if m.countdownActive {
		m.countdownActive = false
		events = append(events, Event{Kind: EventCountdownCancelled})
	}

	if ev, changed := m.recomputeStatusLocked(); changed {
		events = append(events, ev)
	}
	m.mu.Unlock()

	m.emit(events)
	return true
}

func (m *StateManager) hasHostLocked() bool {
	for _, p := range m.players {
		if p.Role == RoleHost {
			return true
		}
	}
	return false
}

// promoteHostLocked promotes the earliest-joined remaining member.
func (m *StateManager) promoteHostLocked() *Player {
	for _, id := range m.order {
		p := m.players[id]
		if p != nil && p.Role == RoleMember {
			p.Role = RoleHost
			return p
		}
	}
	return nil
}

// TrySetReady toggles a player's ready bit. Spectators are rejected; a player
// going unready during a countdown cancels it.
func (m *StateManager) TrySetReady(sessionID uuid.UUID, ready bool) bool {
	m.mu.Lock()
	player, exists := m.players[sessionID]
	if !exists || player.Role == RoleSpectator {
		m.mu.Unlock()
		return false
	}
	if player.Ready == ready {
		m.mu.Unlock()
		return true
	}
	player.Ready = ready

	events := []Event{{Kind: EventReadyChanged, SessionID: sessionID, Ready: ready}}
	if !ready && m.countdownActive {
		m.countdownActive = false
		events = append(events, Event{Kind: EventCountdownCancelled})
	}
	if ev, changed := m.recomputeStatusLocked(); changed {
		events = append(events, ev)
	}
	m.mu.Unlock()

	m.emit(events)
	return true
}

// TryApplySongSelection normalizes and commits a selection. Assignments are
// filtered to distinct, non-spectator players with both instrument and
// difficulty set. A committed change resets every non-spectator's ready bit.
func (m *StateManager) TryApplySongSelection(sel SongSelection) bool {
	songID := strings.TrimSpace(sel.SongID)
	if songID == "" {
		return false
	}

	m.mu.Lock()
	spectators := make(map[uuid.UUID]bool)
	present := make(map[uuid.UUID]bool)
	for _, p := range m.players {
		present[p.SessionID] = true
		if p.Role == RoleSpectator {
			spectators[p.SessionID] = true
		}
	}

	seen := make(map[uuid.UUID]bool)
	filtered := make([]Assignment, 0, len(sel.Assignments))
	for _, a := range sel.Assignments {
		if seen[a.PlayerID] || spectators[a.PlayerID] || !present[a.PlayerID] {
			continue
		}
		if strings.TrimSpace(a.Instrument) == "" || strings.TrimSpace(a.Difficulty) == "" {
			continue
		}
		seen[a.PlayerID] = true
		filtered = append(filtered, a)
	}

	m.selection = &SongSelection{SongID: songID, Assignments: filtered}
	for _, p := range m.players {
		if p.Role != RoleSpectator {
			p.Ready = false
		}
	}

	events := []Event{{Kind: EventSongSelectionChanged}}
	if m.countdownActive {
		m.countdownActive = false
		events = append(events, Event{Kind: EventCountdownCancelled})
	}
	if ev, changed := m.recomputeStatusLocked(); changed {
		events = append(events, ev)
	}
	m.mu.Unlock()

	m.emit(events)
	return true
}

// TryStartCountdown is valid only from ReadyToPlay.
func (m *StateManager) TryStartCountdown(seconds int) bool {
	if seconds <= 0 {
		return false
	}

	m.mu.Lock()
	if m.status != StatusReadyToPlay {
		m.mu.Unlock()
		return false
	}
	m.countdownActive = true
	m.countdownSeconds = seconds

	events := []Event{{Kind: EventCountdownStarted, Seconds: seconds}}
	if ev, changed := m.recomputeStatusLocked(); changed {
		events = append(events, ev)
	}
	m.mu.Unlock()

	m.emit(events)
	return true
}

// CompleteCountdown fires the start-gameplay transition once. Ready bits
// reset for the next round; the selection is kept.
func (m *StateManager) CompleteCountdown() bool {
	m.mu.Lock()
	if !m.countdownActive {
		m.mu.Unlock()
		return false
	}
	m.countdownActive = false
	for _, p := range m.players {
		if p.Role != RoleSpectator {
			p.Ready = false
		}
	}

	var events []Event
	if ev, changed := m.recomputeStatusLocked(); changed {
		events = append(events, ev)
	}
	m.mu.Unlock()

	m.emit(events)
	return true
}

func (m *StateManager) Selection() *SongSelection {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.selection == nil {
		return nil
	}
	sel := *m.selection
	sel.Assignments = append([]Assignment(nil), m.selection.Assignments...)
	return &sel
}

// ClearSelection returns the room to Idle.
func (m *StateManager) ClearSelection() {
	m.mu.Lock()
	m.selection = nil

	events := []Event{{Kind: EventSongSelectionChanged}}
	if m.countdownActive {
		m.countdownActive = false
		events = append(events, Event{Kind: EventCountdownCancelled})
	}
	if ev, changed := m.recomputeStatusLocked(); changed {
		events = append(events, ev)
	}
	m.mu.Unlock()

	m.emit(events)
}

func (m *StateManager) Player(sessionID uuid.UUID) (Player, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.players[sessionID]
	if !ok {
		return Player{}, false
	}
	return *p, true
}

func (m *StateManager) PlayerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.players)
}

// Snapshot returns players ordered host first, then members sorted by name
// (case-insensitive), then spectators.
func (m *StateManager) Snapshot() []Player {
	m.mu.Lock()
	defer m.mu.Unlock()

	var host []Player
	var members []Player
	var spectators []Player
	for _, p := range m.players {
		switch p.Role {
		case RoleHost:
			host = append(host, *p)
		case RoleMember:
			members = append(members, *p)
		default:
			spectators = append(spectators, *p)
		}
	}

	byName := func(list []Player) {
		sort.Slice(list, func(i, j int) bool {
			return strings.ToLower(list[i].DisplayName) < strings.ToLower(list[j].DisplayName)
		})
	}
	byName(members)
	byName(spectators)

	out := make([]Player, 0, len(m.players))
	out = append(out, host...)
	out = append(out, members...)
	out = append(out, spectators...)
	return out
}
