package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yarg-net/backplane/internal/transport"
)

// Stream-dialect opcodes. Registration carries a role byte in the payload
// instead of using separate opcodes, and data moves on opcode 2.
const (
	sopRegister         uint8 = 1
	sopData             uint8 = 2
	sopRegistered       uint8 = 10
	sopPeerConnected    uint8 = 11
	sopPeerDisconnected uint8 = 12
	sopError            uint8 = 20
)

// StreamServer speaks the relay dialect over a connection-oriented
// transport. A peer is identified by its connection, so endpoint spoofing
// is not a concern; the exact-match rule still applies per session slot.
type StreamServer struct {
	transport transport.Transport
	table     *Table
	interval  time.Duration
	logger    *zap.Logger
}

func NewStreamServer(tr transport.Transport, table *Table, pollInterval time.Duration, logger *zap.Logger) *StreamServer {
	if pollInterval <= 0 {
		pollInterval = 15 * time.Millisecond
	}
	return &StreamServer{transport: tr, table: table, interval: pollInterval, logger: logger}
}

// Run polls the transport until the context is cancelled.
func (s *StreamServer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.transport.Close(context.Background())
		case <-ticker.C:
			s.transport.Poll(s)
		}
	}
}

// HandleConnect implements transport.EventHandler.
func (s *StreamServer) HandleConnect(conn transport.Conn) {
	s.logger.Debug("relay stream opened",
		zap.Uint32("conn_id", uint32(conn.ID())),
		zap.String("remote", conn.RemoteAddr()))
}

// HandleDisconnect implements transport.EventHandler. Every slot held by the
// connection is released.
func (s *StreamServer) HandleDisconnect(conn transport.Conn, reason string) {
	s.table.DisconnectPeer(connKey(conn.ID()))
}

// HandlePayload implements transport.EventHandler.
func (s *StreamServer) HandlePayload(conn transport.Conn, channel transport.Channel, data []byte) {
	op, sessionID, payload, ok := parseFrame(data)
	if !ok {
		return
	}

	peer := &streamPeer{conn: conn}
	switch op {
	case sopRegister:
		s.handleRegister(sessionID, payload, peer)
	case sopData:
		dest, err := s.table.Forward(sessionID, peer.Key(), len(payload))
		if err != nil || dest == nil {
			return
		}
		// Dialect binding guarantees the counterpart is a stream peer.
		// Data keeps the channel it arrived on, so reliable traffic
		// stays reliable end to end.
		sp, ok := dest.(*streamPeer)
		if !ok {
			return
		}
		if err := sp.conn.Send(buildFrame(sopData, sessionID, payload), channel); err != nil {
			s.logger.Debug("relay stream forward failed", zap.Error(err))
		}
	case opHeartbeat:
		_ = s.table.Touch(sessionID, peer.Key())
	case opDisconnect:
		_ = s.table.Disconnect(sessionID, peer.Key())
	}
}

func (s *StreamServer) handleRegister(sessionID uuid.UUID, payload []byte, peer *streamPeer) {
	if len(payload) < 1 {
		s.sendError(peer, sessionID, "missing role")
		return
	}

	var err error
	switch payload[0] {
	case roleHost:
		_, err = s.table.RegisterHost(sessionID, DialectStream, peer)
	case roleClient:
		_, err = s.table.RegisterClient(sessionID, DialectStream, peer)
	default:
		s.sendError(peer, sessionID, "unknown role")
		return
	}

	if err != nil {
		s.sendError(peer, sessionID, err.Error())
		return
	}
	if sendErr := peer.conn.Send(buildAck(sopRegistered, sessionID, true, ""), transport.ReliableOrdered); sendErr != nil {
		s.logger.Debug("relay registered ack failed", zap.Error(sendErr))
	}
}

func (s *StreamServer) sendError(peer *streamPeer, sessionID uuid.UUID, msg string) {
	if err := peer.conn.Send(buildAck(sopError, sessionID, false, msg), transport.ReliableOrdered); err != nil {
		s.logger.Debug("relay error send failed", zap.Error(err))
	}
}

func connKey(id transport.ConnID) string {
	return fmt.Sprintf("conn:%d", uint32(id))
}

// streamPeer adapts a transport connection to the session table. Control
// frames ride reliable-ordered; forwarded data keeps its arrival channel and
// bypasses this method.
type streamPeer struct {
	conn transport.Conn
}

func (p *streamPeer) Key() string {
	return connKey(p.conn.ID())
}

func (p *streamPeer) Send(op uint8, sessionID uuid.UUID, payload []byte) error {
	return p.conn.Send(buildFrame(op, sessionID, payload), transport.ReliableOrdered)
}
