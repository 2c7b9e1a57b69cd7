package protocol

import (
	"fmt"
	"strings"
)

// PacketType is the 1-byte ordinal that tags every packet on the wire. The
// ordinals are stable across protocol versions and restricted to 1..99 so the
// first byte of a binary packet can never collide with '{' (0x7B) or '['
// (0x5B), which mark a JSON envelope.
type PacketType uint8

const (
	TypeInvalid PacketType = 0

	// Handshake and connection lifecycle.
	TypeHandshakeRequest  PacketType = 1
	TypeHandshakeResponse PacketType = 2
	TypeHeartbeat         PacketType = 3
	TypeHostDisconnect    PacketType = 4
	TypeAuthHello         PacketType = 5
	TypeAuthResult        PacketType = 6

	// Lobby room state.
	TypeLobbyState        PacketType = 10
	TypeSetReady          PacketType = 11
	TypeSongSelection     PacketType = 12
	TypeStartCountdown    PacketType = 13
	TypeGameplayCountdown PacketType = 14
	TypeLobbyChat         PacketType = 15
	TypeLobbyReadyState   PacketType = 16

	// Song library and setlist.
	TypeSongLibraryChunk PacketType = 20
	TypeSharedSongsChunk PacketType = 21
	TypeSharedSyncState  PacketType = 22
	TypeSetlistAdd       PacketType = 23
	TypeSetlistRemove    PacketType = 24
	TypeSetlistClear     PacketType = 25
	TypeSetlistSync      PacketType = 26
	TypeSetlistSnapshot  PacketType = 27

	// Gameplay.
	TypeGameplayStart    PacketType = 30
	TypeGameplayState    PacketType = 31
	TypePlayerPresetSync PacketType = 32
	TypeBandScoreUpdate  PacketType = 33
	TypeGameplayEnd      PacketType = 34

	// Replay sync.
	TypeReplayRequest  PacketType = 40
	TypeReplayChunk    PacketType = 41
	TypeReplayComplete PacketType = 42

	// Scores.
	TypeScoreResults PacketType = 50
	TypeScoreSummary PacketType = 51

	// Unison phrases.
	TypeUnisonPhraseHit   PacketType = 60
	TypeUnisonBonusAward  PacketType = 61
)

const MaxPacketType = 99

var typeNames = map[PacketType]string{
	TypeHandshakeRequest:  "HandshakeRequest",
	TypeHandshakeResponse: "HandshakeResponse",
	TypeHeartbeat:         "Heartbeat",
	TypeHostDisconnect:    "HostDisconnect",
	TypeAuthHello:         "AuthHello",
	TypeAuthResult:        "AuthResult",
	TypeLobbyState:        "LobbyState",
	TypeSetReady:          "SetReady",
	TypeSongSelection:     "SongSelection",
	TypeStartCountdown:    "StartCountdown",
	TypeGameplayCountdown: "GameplayCountdown",
	TypeLobbyChat:         "LobbyChat",
	TypeLobbyReadyState:   "LobbyReadyState",
	TypeSongLibraryChunk:  "SongLibraryChunk",
	TypeSharedSongsChunk:  "SharedSongsChunk",
	TypeSharedSyncState:   "SharedSyncState",
	TypeSetlistAdd:        "SetlistAdd",
	TypeSetlistRemove:     "SetlistRemove",
	TypeSetlistClear:      "SetlistClear",
	TypeSetlistSync:       "SetlistSync",
	TypeSetlistSnapshot:   "SetlistSnapshot",
	TypeGameplayStart:     "GameplayStart",
	TypeGameplayState:     "GameplayState",
	TypePlayerPresetSync:  "PlayerPresetSync",
	TypeBandScoreUpdate:   "BandScoreUpdate",
	TypeGameplayEnd:       "GameplayEnd",
	TypeReplayRequest:     "ReplayRequest",
	TypeReplayChunk:       "ReplayChunk",
	TypeReplayComplete:    "ReplayComplete",
	TypeScoreResults:      "ScoreResults",
	TypeScoreSummary:      "ScoreSummary",
	TypeUnisonPhraseHit:   "UnisonPhraseHit",
	TypeUnisonBonusAward:  "UnisonBonusAward",
}

var namesToType = func() map[string]PacketType {
	m := make(map[string]PacketType, len(typeNames))
	for t, n := range typeNames {
		m[strings.ToLower(n)] = t
	}
	return m
}()

func (t PacketType) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("PacketType(%d)", uint8(t))
}

func (t PacketType) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// TypeFromName resolves a case-insensitive packet type name.
func TypeFromName(name string) (PacketType, bool) {
	t, ok := namesToType[strings.ToLower(strings.TrimSpace(name))]
	return t, ok
}
