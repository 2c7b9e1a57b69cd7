package protocol

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hashOf(b byte) SongHash {
	var h SongHash
	for i := range h {
		h[i] = b
	}
	return h
}

func TestSongLibraryChunkRoundTrip(t *testing.T) {
	chunk := SongLibraryChunk{
		IsFirst: true,
		IsFinal: false,
		Hashes:  []SongHash{hashOf(1), hashOf(2), hashOf(3)},
	}

	parsed, err := ParseSongLibraryChunk(BuildSongLibraryChunk(chunk))
	require.NoError(t, err)
	assert.Equal(t, chunk, *parsed)
}

func TestHashChunkIgnoresTrailingPartialRecord(t *testing.T) {
	full := hashOf(9)
	blob := append(append([]byte{}, full[:]...), make([]byte, SongHashSize/2)...)
	data := NewWriter(TypeSongLibraryChunk).
		WriteBool(true).
		WriteBool(true).
		WriteBlob(blob).
		Bytes()

	parsed, err := ParseSongLibraryChunk(data)
	require.NoError(t, err)
	require.Len(t, parsed.Hashes, 1)
	assert.Equal(t, full, parsed.Hashes[0])
}

func TestAuthHelloRoundTrip(t *testing.T) {
	hello := AuthHello{
		ClientVersion: "yarg-net/1",
		Password:      "sekrit",
		Primary:       Identity{PlayerID: uuid.New(), DisplayName: "Alice"},
		Extra: []Identity{
			{PlayerID: uuid.New(), DisplayName: "Couch Guest"},
		},
	}

	parsed, err := ParseAuthHello(BuildAuthHello(hello))
	require.NoError(t, err)
	assert.Equal(t, hello, *parsed)
}

func TestUnisonPhraseHitRoundTrip(t *testing.T) {
	hit := UnisonPhraseHit{
		PlayerID:      uuid.New(),
		Band:          2,
		PhraseTime:    12.3,
		PhraseEndTime: 15.6,
	}

	parsed, err := ParseUnisonPhraseHit(BuildUnisonPhraseHit(hit))
	require.NoError(t, err)
	assert.Equal(t, hit, *parsed)
}

func TestScoreResultsRoundTrip(t *testing.T) {
	result := ScoreResults{
		PlayerID:   uuid.New(),
		Instrument: "guitar",
		Difficulty: "expert",
		Score:      123456,
		NotesHit:   480,
		NotesTotal: 500,
		Stars:      5,
	}

	parsed, err := ParseScoreResults(BuildScoreResults(result))
	require.NoError(t, err)
	assert.Equal(t, result, *parsed)
}

func TestParseRejectsWrongTypeByte(t *testing.T) {
	data := BuildHeartbeat(Heartbeat{ClientTimeMs: 42})
	_, err := ParseHostDisconnect(data)
	assert.Error(t, err)
}
