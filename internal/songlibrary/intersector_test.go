package songlibrary

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yarg-net/backplane/internal/protocol"
)

func hashOf(b byte) protocol.SongHash {
	var h protocol.SongHash
	for i := range h {
		h[i] = b
	}
	return h
}

func upload(x *Intersector, session uuid.UUID, hashes ...protocol.SongHash) {
	x.AcceptChunk(session, protocol.SongLibraryChunk{IsFirst: true, IsFinal: true, Hashes: hashes})
}

func TestIntersectionOfCompletedLibraries(t *testing.T) {
	x := NewIntersector()
	a, b := uuid.New(), uuid.New()

	upload(x, a, hashOf(1), hashOf(2), hashOf(3))
	upload(x, b, hashOf(2), hashOf(3), hashOf(4))

	shared := x.SharedHashes()
	require.Len(t, shared, 2)
	assert.Equal(t, hashOf(2), shared[0])
	assert.Equal(t, hashOf(3), shared[1])
}

// A library whose final chunk has not arrived must not narrow the
// intersection.
func TestPendingUploadExcluded(t *testing.T) {
	x := NewIntersector()
	a, b := uuid.New(), uuid.New()

	upload(x, a, hashOf(1), hashOf(2))
	x.AcceptChunk(b, protocol.SongLibraryChunk{IsFirst: true, Hashes: []protocol.SongHash{hashOf(9)}})

	assert.Equal(t, 2, x.SharedCount())
	assert.Equal(t, 1, x.PendingCount())

	x.AcceptChunk(b, protocol.SongLibraryChunk{IsFinal: true, Hashes: []protocol.SongHash{hashOf(1)}})
	assert.Equal(t, 1, x.SharedCount())
	assert.Equal(t, 0, x.PendingCount())
}

func TestFirstChunkClearsPriorLibrary(t *testing.T) {
	x := NewIntersector()
	a := uuid.New()

	upload(x, a, hashOf(1))
	upload(x, a, hashOf(2))

	shared := x.SharedHashes()
	require.Len(t, shared, 1)
	assert.Equal(t, hashOf(2), shared[0])
}

func TestChunkWithoutFirstMarkerStartsFresh(t *testing.T) {
	x := NewIntersector()
	a := uuid.New()

	x.AcceptChunk(a, protocol.SongLibraryChunk{IsFinal: true, Hashes: []protocol.SongHash{hashOf(7)}})
	assert.Equal(t, 1, x.SharedCount())
}

func TestRemovePlayerRecomputes(t *testing.T) {
	x := NewIntersector()
	a, b := uuid.New(), uuid.New()

	upload(x, a, hashOf(1))
	upload(x, b, hashOf(2))
	assert.Equal(t, 0, x.SharedCount())

	x.RemovePlayer(b)
	assert.Equal(t, 1, x.SharedCount())
}

func TestEmptyIntersectionYieldsSingleFinalChunk(t *testing.T) {
	x := NewIntersector()
	a, b := uuid.New(), uuid.New()
	upload(x, a, hashOf(1))
	upload(x, b, hashOf(2))

	chunks := x.Chunks()
	require.Len(t, chunks, 1)
	assert.True(t, chunks[0].IsFirst)
	assert.True(t, chunks[0].IsFinal)
	assert.Empty(t, chunks[0].Hashes)
}

func TestChunksSplitAtCapacity(t *testing.T) {
	x := NewIntersector()
	a := uuid.New()

	hashes := make([]protocol.SongHash, protocol.HashesPerChunk+1)
	for i := range hashes {
		hashes[i] = protocol.SongHash{byte(i >> 8), byte(i)}
	}
	upload(x, a, hashes...)

	chunks := x.Chunks()
	require.Len(t, chunks, 2)
	assert.True(t, chunks[0].IsFirst)
	assert.False(t, chunks[0].IsFinal)
	assert.Len(t, chunks[0].Hashes, protocol.HashesPerChunk)
	assert.False(t, chunks[1].IsFirst)
	assert.True(t, chunks[1].IsFinal)
	assert.Len(t, chunks[1].Hashes, 1)
}

func TestSyncStateEvents(t *testing.T) {
	x := NewIntersector()
	var events []Event
	x.Subscribe(func(ev Event) { events = append(events, ev) })

	upload(x, uuid.New(), hashOf(1))

	require.Len(t, events, 2)
	assert.Equal(t, EventSharedSongsChanged, events[0].Kind)
	assert.Equal(t, 1, events[0].Count)
	assert.Equal(t, EventSyncStateChanged, events[1].Kind)
	assert.True(t, events[1].Complete)
}
