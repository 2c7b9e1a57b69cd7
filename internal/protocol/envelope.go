package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

var (
	ErrMissingType = errors.New("envelope missing type")
	ErrUnknownType = errors.New("unknown packet type")
)

// Envelope is the JSON framing for control and lobby traffic. Its first byte
// on the wire is '{' or '[', which is how the dispatcher tells it apart from
// a binary packet.
type Envelope struct {
	Type    PacketType      `json:"-"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Version string          `json:"version,omitempty"`
}

type envelopeWire struct {
	Type    json.RawMessage `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Version string          `json:"version,omitempty"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(envelopeWire{
		Type:    json.RawMessage(strconv.Itoa(int(e.Type))),
		Payload: e.Payload,
		Version: e.Version,
	})
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w envelopeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if len(w.Type) == 0 || bytes.Equal(w.Type, []byte("null")) {
		return ErrMissingType
	}

	t, err := parseTypeField(w.Type)
	if err != nil {
		return err
	}

	e.Type = t
	e.Payload = w.Payload
	e.Version = w.Version
	return nil
}

// parseTypeField accepts the type either as the numeric ordinal or as a
// case-insensitive enum name.
func parseTypeField(raw json.RawMessage) (PacketType, error) {
	var num uint8
	if err := json.Unmarshal(raw, &num); err == nil {
		t := PacketType(num)
		if !t.Valid() {
			return TypeInvalid, fmt.Errorf("%w: %d", ErrUnknownType, num)
		}
		return t, nil
	}

	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		if t, ok := TypeFromName(name); ok {
			return t, nil
		}
		return TypeInvalid, fmt.Errorf("%w: %q", ErrUnknownType, name)
	}

	return TypeInvalid, ErrMissingType
}

// NewEnvelope marshals a typed payload into an envelope.
func NewEnvelope(t PacketType, version string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Envelope{Type: t, Payload: raw, Version: version}, nil
}

// EncodeEnvelope produces the on-wire bytes for an envelope packet.
func EncodeEnvelope(t PacketType, version string, payload any) ([]byte, error) {
	env, err := NewEnvelope(t, version, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// DecodeEnvelope parses on-wire envelope bytes.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// IsEnvelope reports whether a raw packet is JSON-framed.
func IsEnvelope(data []byte) bool {
	return len(data) > 0 && (data[0] == '{' || data[0] == '[')
}

func ParseJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Typed payloads for the JSON-framed packets.

type HandshakeRequest struct {
	ClientVersion string `json:"client_version"`
	PlayerName    string `json:"player_name"`
	Password      string `json:"password,omitempty"`
}

type HandshakeResponse struct {
	Accepted  bool      `json:"accepted"`
	Reason    string    `json:"reason,omitempty"`
	SessionID uuid.UUID `json:"session_id"`
}

type SetReadyPayload struct {
	Ready bool `json:"ready"`
}

type AssignmentPayload struct {
	PlayerID   uuid.UUID `json:"player_id"`
	Instrument string    `json:"instrument"`
	Difficulty string    `json:"difficulty"`
}

type SongSelectionPayload struct {
	SongID      string              `json:"song_id"`
	Assignments []AssignmentPayload `json:"assignments"`
}

type StartCountdownPayload struct {
	Seconds int `json:"seconds"`
}

type GameplayCountdownPayload struct {
	Seconds int `json:"seconds"`
}

type LobbyChatPayload struct {
	PlayerName string `json:"player_name"`
	Message    string `json:"message"`
}

type LobbyPlayerPayload struct {
	SessionID   uuid.UUID `json:"session_id"`
	DisplayName string    `json:"display_name"`
	Role        string    `json:"role"`
	Ready       bool      `json:"ready"`
}

type LobbyStatePayload struct {
	Status    string                `json:"status"`
	Players   []LobbyPlayerPayload  `json:"players"`
	Selection *SongSelectionPayload `json:"selection,omitempty"`
}

type SharedSyncStatePayload struct {
	Complete bool `json:"complete"`
	Pending  int  `json:"pending"`
}

type SetlistEntryPayload struct {
	SongHash   string `json:"song_hash"`
	SongName   string `json:"song_name"`
	SongArtist string `json:"song_artist"`
	AddedBy    string `json:"added_by"`
}

type SetlistAddPayload struct {
	Entry SetlistEntryPayload `json:"entry"`
}

type SetlistRemovePayload struct {
	SongHash string `json:"song_hash"`
}

type SetlistSyncPayload struct {
	Serialized string `json:"serialized"`
}

type GameplayStartPayload struct {
	SongID    string         `json:"song_id"`
	BandSizes map[string]int `json:"band_sizes,omitempty"`
}

type GameplayEndPayload struct {
	SongID string `json:"song_id"`
}

type ReplayRequestPayload struct {
	SongID string `json:"song_id"`
}

type ReplayChunkPayload struct {
	SongID string `json:"song_id"`
	Index  int    `json:"index"`
	Count  int    `json:"count"`
	Data   []byte `json:"data"`
}

type ReplayCompletePayload struct {
	SongID string `json:"song_id"`
}

type ScoreSummaryPayload struct {
	SongID    string `json:"song_id"`
	BandScore uint32 `json:"band_score"`
	Stars     uint8  `json:"stars"`
}
