// Package memtransport is an in-process transport pair used by tests: the
// server side queues events for Poll, the client side records everything the
// server sends to it.
package memtransport

import (
	"context"
	"fmt"
	"sync"

	"github.com/yarg-net/backplane/internal/transport"
)

type Transport struct {
	mu     sync.Mutex
	queue  []transport.Event
	nextID transport.ConnID
	closed bool
}

func New() *Transport {
	return &Transport{nextID: 1}
}

func (t *Transport) enqueue(ev transport.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.queue = append(t.queue, ev)
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

func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.queue = nil
	return nil
}

// Dial attaches a new client to the transport. The server observes a connect
// event on its next Poll.
func (t *Transport) Dial() *Client {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.mu.Unlock()

	client := &Client{remote: fmt.Sprintf("mem-%d", id)}
	server := &serverConn{id: id, transport: t, client: client}
	client.server = server

	t.enqueue(transport.ConnectEvent(server))
	return client
}

// serverConn is the server-side view of one client.
type serverConn struct {
	id        transport.ConnID
	transport *Transport
	client    *Client

	mu     sync.Mutex
	closed bool
}

func (c *serverConn) ID() transport.ConnID { return c.id }

func (c *serverConn) RemoteAddr() string { return c.client.remote }

func (c *serverConn) Send(payload []byte, channel transport.Channel) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return transport.ErrConnClosed
	}
	c.client.receive(payload, channel)
	return nil
}

func (c *serverConn) Disconnect(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.client.markClosed(reason)
	c.transport.enqueue(transport.DisconnectEvent(c, reason))
}

// Client is the peer-side handle: it sends into the server's event queue and
// records what the server sends back.
type Client struct {
	remote string
	server *serverConn

	mu       sync.Mutex
	received []Received
	closed   bool
	reason   string
}

type Received struct {
	Payload []byte
	Channel transport.Channel
}

func (c *Client) receive(payload []byte, channel transport.Channel) {
	data := make([]byte, len(payload))
	copy(data, payload)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.received = append(c.received, Received{Payload: data, Channel: channel})
}

func (c *Client) markClosed(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.reason = reason
}

// Send delivers a payload to the server as a queued payload event.
func (c *Client) Send(payload []byte, channel transport.Channel) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return transport.ErrConnClosed
	}

	data := make([]byte, len(payload))
	copy(data, payload)
	c.server.transport.enqueue(transport.PayloadEvent(c.server, channel, data))
	return nil
}

// Close simulates the client dropping the connection.
func (c *Client) Close(reason string) {
	c.server.Disconnect(reason)
}

// Received returns everything the server has sent so far.
func (c *Client) Received() []Received {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Received, len(c.received))
	copy(out, c.received)
	return out
}

// Closed reports whether the server dropped this client, and why.
func (c *Client) Closed() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.reason
}

// ServerConn exposes the server-side conn, mainly for asserting on IDs.
func (c *Client) ServerConn() transport.Conn { return c.server }
