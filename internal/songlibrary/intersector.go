// Package songlibrary maintains the live intersection of every connected
// player's song-hash library.
package songlibrary

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/yarg-net/backplane/internal/protocol"
)

type EventKind uint8

const (
	// EventSharedSongsChanged fires whenever the intersection is recomputed.
	EventSharedSongsChanged EventKind = iota
	// EventSyncStateChanged fires when the pending-upload set drains or
	// refills.
	EventSyncStateChanged
)

type Event struct {
	Kind     EventKind
	Count    int
	Complete bool
	Pending  int
}

// Intersector collects chunked per-player libraries and recomputes the shared
// set when an upload finishes or a player leaves.
type Intersector struct {
	mu sync.Mutex

	libraries map[uuid.UUID]map[protocol.SongHash]struct{}
	pending   map[uuid.UUID]struct{}
	shared    map[protocol.SongHash]struct{}

	subscribers []func(Event)
}

func NewIntersector() *Intersector {
	return &Intersector{
		libraries: make(map[uuid.UUID]map[protocol.SongHash]struct{}),
		pending:   make(map[uuid.UUID]struct{}),
		shared:    make(map[protocol.SongHash]struct{}),
	}
}

func (x *Intersector) Subscribe(fn func(Event)) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.subscribers = append(x.subscribers, fn)
}

func (x *Intersector) emit(events []Event) {
	x.mu.Lock()
	subs := make([]func(Event), len(x.subscribers))
	copy(subs, x.subscribers)
	x.mu.Unlock()

	for _, ev := range events {
		for _, fn := range subs {
			fn(ev)
		}
	}
}

// AcceptChunk ingests one upload chunk for a session. A first chunk clears
// any prior library; a final chunk recomputes the intersection.
func (x *Intersector) AcceptChunk(sessionID uuid.UUID, chunk protocol.SongLibraryChunk) {
	var events []Event

	x.mu.Lock()
	if chunk.IsFirst {
		x.libraries[sessionID] = make(map[protocol.SongHash]struct{}, len(chunk.Hashes))
		x.pending[sessionID] = struct{}{}
	}

	lib := x.libraries[sessionID]
	if lib == nil {
		// Chunk without a first marker for an unknown session: start fresh
		// rather than drop data.
		lib = make(map[protocol.SongHash]struct{}, len(chunk.Hashes))
		x.libraries[sessionID] = lib
		x.pending[sessionID] = struct{}{}
	}
	for _, h := range chunk.Hashes {
		lib[h] = struct{}{}
	}

	if chunk.IsFinal {
		delete(x.pending, sessionID)
		x.recomputeLocked()
		events = append(events, Event{Kind: EventSharedSongsChanged, Count: len(x.shared)})
		if len(x.pending) == 0 {
			events = append(events, Event{Kind: EventSyncStateChanged, Complete: true})
		} else {
			events = append(events, Event{Kind: EventSyncStateChanged, Complete: false, Pending: len(x.pending)})
		}
	}
	x.mu.Unlock()

	x.emit(events)
}

// RemovePlayer erases a session's library and recomputes.
func (x *Intersector) RemovePlayer(sessionID uuid.UUID) {
	x.mu.Lock()
	_, had := x.libraries[sessionID]
	delete(x.libraries, sessionID)
	delete(x.pending, sessionID)
	if !had {
		x.mu.Unlock()
		return
	}
	x.recomputeLocked()
	events := []Event{{Kind: EventSharedSongsChanged, Count: len(x.shared)}}
	if len(x.pending) == 0 {
		events = append(events, Event{Kind: EventSyncStateChanged, Complete: true})
	}
	x.mu.Unlock()

	x.emit(events)
}

// recomputeLocked intersects every completed library. Sessions still mid
// upload are excluded until their final chunk lands.
func (x *Intersector) recomputeLocked() {
	x.shared = make(map[protocol.SongHash]struct{})

	first := true
	for sessionID, lib := range x.libraries {
		if _, uploading := x.pending[sessionID]; uploading {
			continue
		}
		if first {
			for h := range lib {
				x.shared[h] = struct{}{}
			}
			first = false
			continue
		}
		for h := range x.shared {
			if _, ok := lib[h]; !ok {
				delete(x.shared, h)
			}
		}
	}
	if first {
		// No completed libraries at all.
		x.shared = make(map[protocol.SongHash]struct{})
	}
}

// SharedHashes returns the intersection in a stable order.
func (x *Intersector) SharedHashes() []protocol.SongHash {
	x.mu.Lock()
	defer x.mu.Unlock()

	out := make([]protocol.SongHash, 0, len(x.shared))
	for h := range x.shared {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		for k := 0; k < protocol.SongHashSize; k++ {
			if out[i][k] != out[j][k] {
				return out[i][k] < out[j][k]
			}
		}
		return false
	})
	return out
}

func (x *Intersector) SharedCount() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.shared)
}

func (x *Intersector) PendingCount() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.pending)
}

// Chunks splits the current intersection into push packets. An empty
// intersection still yields a single final empty chunk.
func (x *Intersector) Chunks() []protocol.SharedSongsChunk {
	hashes := x.SharedHashes()

	if len(hashes) == 0 {
		return []protocol.SharedSongsChunk{{IsFirst: true, IsFinal: true}}
	}

	var chunks []protocol.SharedSongsChunk
	for start := 0; start < len(hashes); start += protocol.HashesPerChunk {
		end := start + protocol.HashesPerChunk
		if end > len(hashes) {
			end = len(hashes)
		}
		chunks = append(chunks, protocol.SharedSongsChunk{
			IsFirst: start == 0,
			IsFinal: end == len(hashes),
			Hashes:  hashes[start:end],
		})
	}
	return chunks
}

// Reset drops every library, e.g. at lobby teardown.
func (x *Intersector) Reset() {
	x.mu.Lock()
	x.libraries = make(map[uuid.UUID]map[protocol.SongHash]struct{})
	x.pending = make(map[uuid.UUID]struct{})
	x.shared = make(map[protocol.SongHash]struct{})
	x.mu.Unlock()
}
