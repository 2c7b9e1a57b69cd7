package punch

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
)

const maxDatagram = 512

// Server owns the punch UDP socket. The datagram grammar is plain text:
//
//	host:<lobbyId>              host keepalive, records the observed endpoint
//	client:<lobbyId>:<token>    client keepalive, may trigger an introduction
//	ok:<lobbyId>:<token>        client confirms the punch landed
type Server struct {
	conn        *net.UDPConn
	coordinator *Coordinator
	logger      *zap.Logger
}

func NewServer(host string, port int, ttls TTLs, logger *zap.Logger) (*Server, *Coordinator, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, nil, fmt.Errorf("resolve punch addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("listen punch udp: %w", err)
	}

	s := &Server{conn: conn, logger: logger}
	s.coordinator = NewCoordinator(ttls, s, logger)
	return s, s.coordinator, nil
}

// SendTo implements Sender.
func (s *Server) SendTo(addr *net.UDPAddr, data []byte) error {
	_, err := s.conn.WriteToUDP(data, addr)
	return err
}

// LocalAddr returns the bound UDP address.
func (s *Server) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Run reads datagrams until the context is cancelled. Expiry sweeps run
// every five seconds alongside the read loop.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	janitor := time.NewTicker(5 * time.Second)
	defer janitor.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-janitor.C:
				s.coordinator.Cleanup()
			}
		}
	}()

	buf := make([]byte, maxDatagram)
	for {
		n, remote, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("punch read: %w", err)
		}
		s.handleDatagram(string(buf[:n]), remote)
	}
}

func (s *Server) handleDatagram(msg string, remote *net.UDPAddr) {
	parts := strings.SplitN(strings.TrimSpace(msg), ":", 3)
	switch {
	case len(parts) == 2 && parts[0] == "host" && parts[1] != "":
		s.coordinator.ObserveHost(parts[1], remote)
	case len(parts) == 3 && parts[0] == "client" && parts[1] != "" && parts[2] != "":
		s.coordinator.ObserveClient(parts[1], parts[2], remote)
	case len(parts) == 3 && parts[0] == "ok":
		s.coordinator.Confirm(parts[1], parts[2])
	default:
		s.logger.Debug("unrecognized punch datagram",
			zap.String("remote", remote.String()),
			zap.Int("len", len(msg)))
	}
}
