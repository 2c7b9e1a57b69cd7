package protocol

import (
	"github.com/google/uuid"
)

const (
	// SongHashSize is the width of one song-hash record in library chunks.
	SongHashSize = 20

	// HashesPerChunk bounds the shared-library chunks the server pushes.
	HashesPerChunk = 2048
)

type SongHash [SongHashSize]byte

// SongLibraryChunk carries one slice of a player's song-hash library upload.
type SongLibraryChunk struct {
	IsFirst bool
	IsFinal bool
	Hashes  []SongHash
}

func BuildSongLibraryChunk(c SongLibraryChunk) []byte {
	return buildHashChunk(TypeSongLibraryChunk, c.IsFirst, c.IsFinal, c.Hashes)
}

func ParseSongLibraryChunk(data []byte) (*SongLibraryChunk, error) {
	first, final, hashes, err := parseHashChunk(data, TypeSongLibraryChunk)
	if err != nil {
		return nil, err
	}
	return &SongLibraryChunk{IsFirst: first, IsFinal: final, Hashes: hashes}, nil
}

// SharedSongsChunk is the server-pushed counterpart: one slice of the live
// intersection of all player libraries.
type SharedSongsChunk struct {
	IsFirst bool
	IsFinal bool
	Hashes  []SongHash
}

func BuildSharedSongsChunk(c SharedSongsChunk) []byte {
	return buildHashChunk(TypeSharedSongsChunk, c.IsFirst, c.IsFinal, c.Hashes)
}

func ParseSharedSongsChunk(data []byte) (*SharedSongsChunk, error) {
	first, final, hashes, err := parseHashChunk(data, TypeSharedSongsChunk)
	if err != nil {
		return nil, err
	}
	return &SharedSongsChunk{IsFirst: first, IsFinal: final, Hashes: hashes}, nil
}

func buildHashChunk(t PacketType, first, final bool, hashes []SongHash) []byte {
	raw := make([]byte, 0, len(hashes)*SongHashSize)
	for _, h := range hashes {
		raw = append(raw, h[:]...)
	}
	return NewWriter(t).
		WriteBool(first).
		WriteBool(final).
		WriteBlob(raw).
		Bytes()
}

func parseHashChunk(data []byte, t PacketType) (first, final bool, hashes []SongHash, err error) {
	r := NewReader(data, t)
	first = r.ReadBool()
	final = r.ReadBool()
	raw := r.ReadBlob()
	if err = r.Err(); err != nil {
		return false, false, nil, err
	}

	// A trailing partial record is ignored rather than rejected.
	n := len(raw) / SongHashSize
	hashes = make([]SongHash, n)
	for i := 0; i < n; i++ {
		copy(hashes[i][:], raw[i*SongHashSize:])
	}
	return first, final, hashes, nil
}

// Identity is one local profile carried by the binary handshake variant. A
// single transport connection may present several.
type Identity struct {
	PlayerID    uuid.UUID
	DisplayName string
}

// AuthHello is the richer binary handshake: a persistent player id plus any
// additional local identities sharing the transport.
type AuthHello struct {
	ClientVersion string
	Password      string
	Primary       Identity
	Extra         []Identity
}

func BuildAuthHello(h AuthHello) []byte {
	w := NewWriter(TypeAuthHello).
		WriteString(h.ClientVersion).
		WriteString(h.Password).
		WriteGUID(h.Primary.PlayerID).
		WriteString(h.Primary.DisplayName).
		WriteUint8(uint8(len(h.Extra)))
	for _, id := range h.Extra {
		w.WriteGUID(id.PlayerID)
		w.WriteString(id.DisplayName)
	}
	return w.Bytes()
}

func ParseAuthHello(data []byte) (*AuthHello, error) {
	r := NewReader(data, TypeAuthHello)
	h := &AuthHello{
		ClientVersion: r.ReadString(),
		Password:      r.ReadString(),
	}
	h.Primary.PlayerID = r.ReadGUID()
	h.Primary.DisplayName = r.ReadString()

	count := int(r.ReadUint8())
	for i := 0; i < count; i++ {
		h.Extra = append(h.Extra, Identity{
			PlayerID:    r.ReadGUID(),
			DisplayName: r.ReadString(),
		})
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return h, nil
}

type AuthResult struct {
	Accepted  bool
	Reason    string
	SessionID uuid.UUID
}

func BuildAuthResult(a AuthResult) []byte {
	return NewWriter(TypeAuthResult).
		WriteBool(a.Accepted).
		WriteString(a.Reason).
		WriteGUID(a.SessionID).
		Bytes()
}

func ParseAuthResult(data []byte) (*AuthResult, error) {
	r := NewReader(data, TypeAuthResult)
	a := &AuthResult{
		Accepted:  r.ReadBool(),
		Reason:    r.ReadString(),
		SessionID: r.ReadGUID(),
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return a, nil
}

type Heartbeat struct {
	ClientTimeMs uint64
}

func BuildHeartbeat(h Heartbeat) []byte {
	return NewWriter(TypeHeartbeat).WriteUint64(h.ClientTimeMs).Bytes()
}

func ParseHeartbeat(data []byte) (*Heartbeat, error) {
	r := NewReader(data, TypeHeartbeat)
	h := &Heartbeat{ClientTimeMs: r.ReadUint64()}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return h, nil
}

type HostDisconnect struct {
	Reason string
}

func BuildHostDisconnect(d HostDisconnect) []byte {
	return NewWriter(TypeHostDisconnect).WriteString(d.Reason).Bytes()
}

func ParseHostDisconnect(data []byte) (*HostDisconnect, error) {
	r := NewReader(data, TypeHostDisconnect)
	d := &HostDisconnect{Reason: r.ReadString()}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return d, nil
}

// UnisonPhraseHit is the hot-path report that one player completed a unison
// phrase. Relayed to peers and fed to the unison coordinator.
type UnisonPhraseHit struct {
	PlayerID      uuid.UUID
	Band          uint8
	PhraseTime    float64
	PhraseEndTime float64
}

func BuildUnisonPhraseHit(u UnisonPhraseHit) []byte {
	return NewWriter(TypeUnisonPhraseHit).
		WriteGUID(u.PlayerID).
		WriteUint8(u.Band).
		WriteFloat64(u.PhraseTime).
		WriteFloat64(u.PhraseEndTime).
		Bytes()
}

func ParseUnisonPhraseHit(data []byte) (*UnisonPhraseHit, error) {
	r := NewReader(data, TypeUnisonPhraseHit)
	u := &UnisonPhraseHit{
		PlayerID:      r.ReadGUID(),
		Band:          r.ReadUint8(),
		PhraseTime:    r.ReadFloat64(),
		PhraseEndTime: r.ReadFloat64(),
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return u, nil
}

type UnisonBonusAward struct {
	Band       uint8
	PhraseTime float64
}

func BuildUnisonBonusAward(u UnisonBonusAward) []byte {
	return NewWriter(TypeUnisonBonusAward).
		WriteUint8(u.Band).
		WriteFloat64(u.PhraseTime).
		Bytes()
}

func ParseUnisonBonusAward(data []byte) (*UnisonBonusAward, error) {
	r := NewReader(data, TypeUnisonBonusAward)
	u := &UnisonBonusAward{
		Band:       r.ReadUint8(),
		PhraseTime: r.ReadFloat64(),
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return u, nil
}

// GameplayState is the per-frame gameplay snapshot. The server relays it
// without validation.
type GameplayState struct {
	PlayerID uuid.UUID
	SongTime float64
	Score    uint32
	Combo    uint16
	Health   float32
}

func BuildGameplayState(g GameplayState) []byte {
	return NewWriter(TypeGameplayState).
		WriteGUID(g.PlayerID).
		WriteFloat64(g.SongTime).
		WriteUint32(g.Score).
		WriteUint16(g.Combo).
		WriteFloat32(g.Health).
		Bytes()
}

func ParseGameplayState(data []byte) (*GameplayState, error) {
	r := NewReader(data, TypeGameplayState)
	g := &GameplayState{
		PlayerID: r.ReadGUID(),
		SongTime: r.ReadFloat64(),
		Score:    r.ReadUint32(),
		Combo:    r.ReadUint16(),
		Health:   r.ReadFloat32(),
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return g, nil
}

type ScoreResults struct {
	PlayerID   uuid.UUID
	Instrument string
	Difficulty string
	Score      uint32
	NotesHit   uint16
	NotesTotal uint16
	Stars      uint8
}

func BuildScoreResults(s ScoreResults) []byte {
	return NewWriter(TypeScoreResults).
		WriteGUID(s.PlayerID).
		WriteString(s.Instrument).
		WriteString(s.Difficulty).
		WriteUint32(s.Score).
		WriteUint16(s.NotesHit).
		WriteUint16(s.NotesTotal).
		WriteUint8(s.Stars).
		Bytes()
}

func ParseScoreResults(data []byte) (*ScoreResults, error) {
	r := NewReader(data, TypeScoreResults)
	s := &ScoreResults{
		PlayerID:   r.ReadGUID(),
		Instrument: r.ReadString(),
		Difficulty: r.ReadString(),
		Score:      r.ReadUint32(),
		NotesHit:   r.ReadUint16(),
		NotesTotal: r.ReadUint16(),
		Stars:      r.ReadUint8(),
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return s, nil
}

type BandScoreUpdate struct {
	Score uint32
	Stars uint8
}

func BuildBandScoreUpdate(b BandScoreUpdate) []byte {
	return NewWriter(TypeBandScoreUpdate).
		WriteUint32(b.Score).
		WriteUint8(b.Stars).
		Bytes()
}

func ParseBandScoreUpdate(data []byte) (*BandScoreUpdate, error) {
	r := NewReader(data, TypeBandScoreUpdate)
	b := &BandScoreUpdate{
		Score: r.ReadUint32(),
		Stars: r.ReadUint8(),
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return b, nil
}

// LobbyReadyState is the binary fast-path mirror of a ready toggle, relayed
// between clients alongside the authoritative JSON lobby state.
type LobbyReadyState struct {
	PlayerID uuid.UUID
	Ready    bool
}

func BuildLobbyReadyState(l LobbyReadyState) []byte {
	return NewWriter(TypeLobbyReadyState).
		WriteGUID(l.PlayerID).
		WriteBool(l.Ready).
		Bytes()
}

func ParseLobbyReadyState(data []byte) (*LobbyReadyState, error) {
	r := NewReader(data, TypeLobbyReadyState)
	l := &LobbyReadyState{
		PlayerID: r.ReadGUID(),
		Ready:    r.ReadBool(),
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return l, nil
}

// PlayerPresetSync carries an opaque preset blob between clients.
type PlayerPresetSync struct {
	PlayerID uuid.UUID
	Data     []byte
}

func BuildPlayerPresetSync(p PlayerPresetSync) []byte {
	return NewWriter(TypePlayerPresetSync).
		WriteGUID(p.PlayerID).
		WriteBlob(p.Data).
		Bytes()
}

func ParsePlayerPresetSync(data []byte) (*PlayerPresetSync, error) {
	r := NewReader(data, TypePlayerPresetSync)
	p := &PlayerPresetSync{
		PlayerID: r.ReadGUID(),
		Data:     r.ReadBlob(),
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return p, nil
}
