package relay

import "github.com/google/uuid"

// Frame layout, both dialects: [opcode:1][sessionId:16][payload...].
// Anything shorter than the 17 byte header is dropped without a response.
const headerSize = 1 + 16

// Opcodes. 1-5 arrive from peers, 10+ are server-sent.
const (
	opHostRegister     uint8 = 1
	opClientRegister   uint8 = 2
	opData             uint8 = 3
	opHeartbeat        uint8 = 4
	opDisconnect       uint8 = 5
	opAck              uint8 = 10
	opPeerConnected    uint8 = 11
	opPeerDisconnected uint8 = 12
	opError            uint8 = 20
)

// Stream-dialect register roles, carried as the first payload byte.
const (
	roleHost   uint8 = 1
	roleClient uint8 = 2
)

func buildFrame(op uint8, sessionID uuid.UUID, payload []byte) []byte {
	frame := make([]byte, headerSize+len(payload))
	frame[0] = op
	copy(frame[1:headerSize], sessionID[:])
	copy(frame[headerSize:], payload)
	return frame
}

func buildAck(op uint8, sessionID uuid.UUID, success bool, msg string) []byte {
	payload := make([]byte, 1+len(msg))
	if success {
		payload[0] = 1
	}
	copy(payload[1:], msg)
	return buildFrame(op, sessionID, payload)
}

// parseFrame splits a raw frame. ok is false for short datagrams.
func parseFrame(data []byte) (op uint8, sessionID uuid.UUID, payload []byte, ok bool) {
	if len(data) < headerSize {
		return 0, uuid.Nil, nil, false
	}
	copy(sessionID[:], data[1:headerSize])
	return data[0], sessionID, data[headerSize:], true
}
