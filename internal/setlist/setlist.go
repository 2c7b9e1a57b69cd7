// Package setlist keeps a lobby's ordered queue of upcoming songs.
package setlist

import (
	"strings"
	"sync"
)

// MaxEntries caps the queue length.
const MaxEntries = 100

type Entry struct {
	SongHash   string
	SongName   string
	SongArtist string
	AddedBy    string
}

type EventKind uint8

const (
	EventSongAdded EventKind = iota
	EventSongRemoved
	EventCleared
	EventSynced
)

type Event struct {
	Kind  EventKind
	Entry Entry
}

// Manager is insertion-ordered with case-insensitive dedup by hash.
type Manager struct {
	mu          sync.Mutex
	entries     []Entry
	subscribers []func(Event)
}

func NewManager() *Manager {
	return &Manager{}
}

func (m *Manager) Subscribe(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	subs := make([]func(Event), len(m.subscribers))
	copy(subs, m.subscribers)
	m.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}

func normalizeHash(hash string) string {
	return strings.ToLower(strings.TrimSpace(hash))
}

// TryAdd appends an entry, rejecting duplicates and a full list.
func (m *Manager) TryAdd(entry Entry) bool {
	key := normalizeHash(entry.SongHash)
	if key == "" {
		return false
	}

	m.mu.Lock()
	if len(m.entries) >= MaxEntries {
		m.mu.Unlock()
		return false
	}
	for _, e := range m.entries {
		if normalizeHash(e.SongHash) == key {
			m.mu.Unlock()
			return false
		}
	}
	m.entries = append(m.entries, entry)
	m.mu.Unlock()

	m.emit(Event{Kind: EventSongAdded, Entry: entry})
	return true
}

func (m *Manager) TryRemove(songHash string) bool {
	key := normalizeHash(songHash)

	m.mu.Lock()
	for i, e := range m.entries {
		if normalizeHash(e.SongHash) == key {
			removed := e
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			m.mu.Unlock()
			m.emit(Event{Kind: EventSongRemoved, Entry: removed})
			return true
		}
	}
	m.mu.Unlock()
	return false
}

func (m *Manager) PopFirst() (Entry, bool) {
	m.mu.Lock()
	if len(m.entries) == 0 {
		m.mu.Unlock()
		return Entry{}, false
	}
	first := m.entries[0]
	m.entries = m.entries[1:]
	m.mu.Unlock()

	m.emit(Event{Kind: EventSongRemoved, Entry: first})
	return first, true
}

func (m *Manager) PeekFirst() (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return Entry{}, false
	}
	return m.entries[0], true
}

func (m *Manager) Clear() {
	m.mu.Lock()
	m.entries = nil
	m.mu.Unlock()

	m.emit(Event{Kind: EventCleared})
}

// ReplaceAll swaps the queue wholesale, e.g. when syncing a late joiner's
// authoritative copy. Dedup and the cap still apply.
func (m *Manager) ReplaceAll(entries []Entry) {
	m.mu.Lock()
	seen := make(map[string]bool, len(entries))
	replacement := make([]Entry, 0, len(entries))
	for _, e := range entries {
		key := normalizeHash(e.SongHash)
		if key == "" || seen[key] || len(replacement) >= MaxEntries {
			continue
		}
		seen[key] = true
		replacement = append(replacement, e)
	}
	m.entries = replacement
	m.mu.Unlock()

	m.emit(Event{Kind: EventSynced})
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Manager) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Serialize renders the list for late-joiner snapshots: one entry per line,
// fields pipe-delimited.
func (m *Manager) Serialize() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var b strings.Builder
	for i, e := range m.entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(e.SongHash)
		b.WriteByte('|')
		b.WriteString(e.SongName)
		b.WriteByte('|')
		b.WriteString(e.SongArtist)
		b.WriteByte('|')
		b.WriteString(e.AddedBy)
	}
	return b.String()
}

// Deserialize parses a Serialize snapshot. Malformed lines are skipped.
func Deserialize(s string) []Entry {
	if s == "" {
		return nil
	}
	var entries []Entry
	for _, line := range strings.Split(s, "\n") {
		parts := strings.Split(line, "|")
		if len(parts) != 4 || strings.TrimSpace(parts[0]) == "" {
			continue
		}
		entries = append(entries, Entry{
			SongHash:   parts[0],
			SongName:   parts[1],
			SongArtist: parts[2],
			AddedBy:    parts[3],
		})
	}
	return entries
}
