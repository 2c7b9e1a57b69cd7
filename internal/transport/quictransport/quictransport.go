// Package quictransport implements the transport abstraction over QUIC:
// reliable channels map to QUIC streams (one per channel, frames are
// uint32-length-prefixed), the unreliable channel maps to QUIC datagrams.
package quictransport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/yarg-net/backplane/internal/transport"
)

const (
	// ALPN protocol tag negotiated on every connection.
	alpn = "yarg-net"

	maxFrameSize = 1 << 20

	idleTimeout = 60 * time.Second
)

func quicConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams: true,
		MaxIdleTimeout:  idleTimeout,
		KeepAlivePeriod: 15 * time.Second,
	}
}

// Transport queues events from QUIC goroutines for single-threaded Poll
// consumption. One Transport serves either a listener or dialed connections.
type Transport struct {
	logger *zap.Logger

	mu       sync.Mutex
	queue    []transport.Event
	conns    map[transport.ConnID]*Conn
	nextID   transport.ConnID
	listener *quic.Listener
	closed   bool

	wg sync.WaitGroup
}

func New(logger *zap.Logger) *Transport {
	return &Transport{
		logger: logger,
		conns:  make(map[transport.ConnID]*Conn),
		nextID: 1,
	}
}

// Listen starts accepting QUIC connections on addr.
func (t *Transport) Listen(addr string, tlsConf *tls.Config) error {
	tlsConf = tlsConf.Clone()
	tlsConf.NextProtos = []string{alpn}

	listener, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return fmt.Errorf("quic listen: %w", err)
	}

	t.mu.Lock()
	t.listener = listener
	t.mu.Unlock()

	t.wg.Add(1)
	go t.acceptLoop(listener)

	t.logger.Info("quic transport listening", zap.String("addr", addr))
	return nil
}

// Dial connects to a remote listener. Cancellation before the handshake
// completes yields ErrDisconnectedDuringConnect.
func (t *Transport) Dial(ctx context.Context, addr string, tlsConf *tls.Config) (transport.Conn, error) {
	tlsConf = tlsConf.Clone()
	tlsConf.NextProtos = []string{alpn}

	qc, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", transport.ErrDisconnectedDuringConnect, err)
		}
		return nil, fmt.Errorf("quic dial: %w", err)
	}

	conn := t.adopt(qc)
	if conn == nil {
		qc.CloseWithError(0, "transport closed")
		return nil, transport.ErrDisconnectedAfterConnect
	}
	return conn, nil
}

func (t *Transport) acceptLoop(listener *quic.Listener) {
	defer t.wg.Done()
	for {
		qc, err := listener.Accept(context.Background())
		if err != nil {
			return
		}
		if conn := t.adopt(qc); conn != nil {
			t.enqueue(transport.ConnectEvent(conn))
		} else {
			qc.CloseWithError(0, "transport closed")
		}
	}
}

// adopt wraps a QUIC connection and starts its reader goroutines.
func (t *Transport) adopt(qc *quic.Conn) *Conn {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	id := t.nextID
	t.nextID++

	conn := &Conn{
		id:        id,
		qc:        qc,
		transport: t,
		streams:   make(map[transport.Channel]*quic.Stream),
	}
	t.conns[id] = conn
	t.mu.Unlock()

	t.wg.Add(2)
	go conn.streamLoop()
	go conn.datagramLoop()
	return conn
}

func (t *Transport) enqueue(ev transport.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.queue = append(t.queue, ev)
}

func (t *Transport) dropConn(c *Conn, reason string) {
	t.mu.Lock()
	_, known := t.conns[c.id]
	delete(t.conns, c.id)
	t.mu.Unlock()

	if known {
		t.enqueue(transport.DisconnectEvent(c, reason))
	}
}

func (t *Transport) Poll(handler transport.EventHandler) int {
	t.mu.Lock()
	events := t.queue
	t.queue = nil
	t.mu.Unlock()

	for _, ev := range events {
		ev.Deliver(handler)
	}
	return len(events)
}

// Close tears the transport down, waiting for reader goroutines up to the
// context deadline.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	listener := t.listener
	conns := make([]*Conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		c.Disconnect("shutdown")
	}
	if listener != nil {
		listener.Close()
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Conn is one QUIC connection speaking the channel framing.
type Conn struct {
	id        transport.ConnID
	qc        *quic.Conn
	transport *Transport

	mu      sync.Mutex
	streams map[transport.Channel]*quic.Stream
	closed  bool
}

func (c *Conn) ID() transport.ConnID { return c.id }

func (c *Conn) RemoteAddr() string { return c.qc.RemoteAddr().String() }

func (c *Conn) Send(payload []byte, channel transport.Channel) error {
	if channel == transport.Unreliable {
		if err := c.qc.SendDatagram(payload); err != nil {
			return fmt.Errorf("send datagram: %w", err)
		}
		return nil
	}

	stream, err := c.outgoingStream(channel)
	if err != nil {
		return err
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrConnClosed
	}
	if _, err := stream.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// outgoingStream opens the channel's stream on first use, announcing the
// channel with a single leading byte.
func (c *Conn) outgoingStream(channel transport.Channel) (*quic.Stream, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, transport.ErrConnClosed
	}
	if stream, ok := c.streams[channel]; ok {
		c.mu.Unlock()
		return stream, nil
	}
	c.mu.Unlock()

	stream, err := c.qc.OpenStreamSync(context.Background())
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if _, err := stream.Write([]byte{byte(channel)}); err != nil {
		return nil, fmt.Errorf("write channel tag: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.streams[channel]; ok {
		stream.Close()
		return existing, nil
	}
	c.streams[channel] = stream
	return stream, nil
}

func (c *Conn) Disconnect(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.qc.CloseWithError(0, reason)
	c.transport.dropConn(c, reason)
}

func (c *Conn) streamLoop() {
	defer c.transport.wg.Done()
	for {
		stream, err := c.qc.AcceptStream(context.Background())
		if err != nil {
			c.remoteGone(err)
			return
		}
		c.transport.wg.Add(1)
		go c.readStream(stream)
	}
}

func (c *Conn) readStream(stream *quic.Stream) {
	defer c.transport.wg.Done()

	var tag [1]byte
	if _, err := io.ReadFull(stream, tag[:]); err != nil {
		return
	}
	channel := transport.Channel(tag[0])

	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(stream, lenBuf[:]); err != nil {
			return
		}
		size := binary.BigEndian.Uint32(lenBuf[:])
		if size > maxFrameSize {
			c.Disconnect("oversized frame")
			return
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(stream, payload); err != nil {
			return
		}
		c.transport.enqueue(transport.PayloadEvent(c, channel, payload))
	}
}

func (c *Conn) datagramLoop() {
	defer c.transport.wg.Done()
	for {
		payload, err := c.qc.ReceiveDatagram(context.Background())
		if err != nil {
			return
		}
		c.transport.enqueue(transport.PayloadEvent(c, transport.Unreliable, payload))
	}
}

// remoteGone records a peer-initiated close as a disconnect event.
func (c *Conn) remoteGone(err error) {
	c.mu.Lock()
	alreadyClosed := c.closed
	c.closed = true
	c.mu.Unlock()
	if alreadyClosed {
		return
	}

	reason := "connection lost"
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.ErrorMessage != "" {
		reason = appErr.ErrorMessage
	}
	c.transport.dropConn(c, reason)
}
