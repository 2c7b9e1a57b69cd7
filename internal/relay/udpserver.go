package relay

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxRelayDatagram = 1500

// UDPServer speaks the datagram dialect. Peers are identified by their
// observed source endpoint; a payload from any other endpoint is refused
// even when it names a valid session.
type UDPServer struct {
	conn   *net.UDPConn
	table  *Table
	logger *zap.Logger
}

func NewUDPServer(host string, port int, table *Table, logger *zap.Logger) (*UDPServer, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, fmt.Errorf("resolve relay addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen relay udp: %w", err)
	}
	return &UDPServer{conn: conn, table: table, logger: logger}, nil
}

func (s *UDPServer) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Run reads datagrams until the context is cancelled and sweeps idle
// sessions once a minute.
func (s *UDPServer) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	janitor := time.NewTicker(time.Minute)
	defer janitor.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-janitor.C:
				if n := s.table.Cleanup(); n > 0 {
					s.logger.Info("idle relay sessions removed", zap.Int("count", n))
				}
			}
		}
	}()

	buf := make([]byte, maxRelayDatagram)
	for {
		n, remote, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("relay read: %w", err)
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		s.handleDatagram(frame, remote)
	}
}

func (s *UDPServer) handleDatagram(data []byte, remote *net.UDPAddr) {
	op, sessionID, payload, ok := parseFrame(data)
	if !ok {
		// Short datagrams carry no session to answer to.
		return
	}

	peer := &udpPeer{server: s, addr: remote}
	switch op {
	case opHostRegister, opClientRegister:
		s.handleRegister(op, sessionID, peer)
	case opData:
		dest, err := s.table.Forward(sessionID, peer.Key(), len(payload))
		if err != nil || dest == nil {
			return
		}
		if err := dest.Send(opData, sessionID, payload); err != nil {
			s.logger.Debug("relay forward failed", zap.Error(err))
		}
	case opHeartbeat:
		_ = s.table.Touch(sessionID, peer.Key())
	case opDisconnect:
		_ = s.table.Disconnect(sessionID, peer.Key())
	}
}

func (s *UDPServer) handleRegister(op uint8, sessionID uuid.UUID, peer *udpPeer) {
	var err error
	if op == opHostRegister {
		_, err = s.table.RegisterHost(sessionID, DialectUDP, peer)
	} else {
		_, err = s.table.RegisterClient(sessionID, DialectUDP, peer)
	}

	if err != nil {
		s.send(peer.addr, buildAck(opAck, sessionID, false, err.Error()))
		return
	}
	s.send(peer.addr, buildAck(opAck, sessionID, true, ""))
}

func (s *UDPServer) send(addr *net.UDPAddr, data []byte) {
	if _, err := s.conn.WriteToUDP(data, addr); err != nil {
		s.logger.Debug("relay send failed",
			zap.String("remote", addr.String()),
			zap.Error(err))
	}
}

// udpPeer identifies a datagram peer by its exact source endpoint.
type udpPeer struct {
	server *UDPServer
	addr   *net.UDPAddr
}

func (p *udpPeer) Key() string {
	return p.addr.String()
}

func (p *udpPeer) Send(op uint8, sessionID uuid.UUID, payload []byte) error {
	_, err := p.server.conn.WriteToUDP(buildFrame(op, sessionID, payload), p.addr)
	return err
}
