package setlist

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAndDedup(t *testing.T) {
	m := NewManager()

	assert.True(t, m.TryAdd(Entry{SongHash: "abc123", SongName: "One"}))
	assert.False(t, m.TryAdd(Entry{SongHash: "ABC123", SongName: "One again"}))
	assert.False(t, m.TryAdd(Entry{SongHash: "  "}))
	assert.Equal(t, 1, m.Len())
}

func TestCapacityRejectsAddsButAcceptsRemoves(t *testing.T) {
	m := NewManager()
	for i := 0; i < MaxEntries; i++ {
		require.True(t, m.TryAdd(Entry{SongHash: fmt.Sprintf("hash-%d", i)}))
	}

	assert.False(t, m.TryAdd(Entry{SongHash: "overflow"}))
	assert.True(t, m.TryRemove("hash-0"))
	assert.True(t, m.TryAdd(Entry{SongHash: "overflow"}))
}

func TestRemoveIsCaseInsensitive(t *testing.T) {
	m := NewManager()
	m.TryAdd(Entry{SongHash: "AbC"})

	assert.True(t, m.TryRemove("aBc"))
	assert.False(t, m.TryRemove("abc"))
}

func TestPopFirstKeepsOrder(t *testing.T) {
	m := NewManager()
	m.TryAdd(Entry{SongHash: "a", SongName: "first"})
	m.TryAdd(Entry{SongHash: "b", SongName: "second"})

	e, ok := m.PopFirst()
	require.True(t, ok)
	assert.Equal(t, "first", e.SongName)

	e, ok = m.PeekFirst()
	require.True(t, ok)
	assert.Equal(t, "second", e.SongName)
	assert.Equal(t, 1, m.Len())
}

func TestSerializeRoundTrip(t *testing.T) {
	m := NewManager()
	m.TryAdd(Entry{SongHash: "a", SongName: "Song A", SongArtist: "Artist", AddedBy: "alice"})
	m.TryAdd(Entry{SongHash: "b", SongName: "Song B", SongArtist: "Other", AddedBy: "bob"})

	entries := Deserialize(m.Serialize())
	require.Len(t, entries, 2)
	assert.Equal(t, m.Entries(), entries)
}

func TestDeserializeSkipsMalformedLines(t *testing.T) {
	entries := Deserialize("a|n|ar|by\ngarbage\n|x|y|z\nb|n2|ar2|by2")
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].SongHash)
	assert.Equal(t, "b", entries[1].SongHash)
}

func TestReplaceAllDedups(t *testing.T) {
	m := NewManager()
	m.TryAdd(Entry{SongHash: "old"})

	m.ReplaceAll([]Entry{
		{SongHash: "x"},
		{SongHash: "X"},
		{SongHash: "y"},
	})
	require.Equal(t, 2, m.Len())
	assert.Equal(t, "x", m.Entries()[0].SongHash)
}

func TestEvents(t *testing.T) {
	m := NewManager()
	var kinds []EventKind
	m.Subscribe(func(ev Event) { kinds = append(kinds, ev.Kind) })

	m.TryAdd(Entry{SongHash: "a"})
	m.TryRemove("a")
	m.Clear()
	m.ReplaceAll(nil)

	assert.Equal(t, []EventKind{EventSongAdded, EventSongRemoved, EventCleared, EventSynced}, kinds)
}
