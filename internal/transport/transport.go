// Package transport defines the channel-oriented connection abstraction the
// protocol core is written against. The game embeds a concrete implementation
// (quictransport in this repo) on both sides of a connection; tests use
// memtransport.
package transport

import (
	"context"
	"errors"
)

// Channel selects delivery semantics for one send.
type Channel uint8

const (
	// ReliableOrdered delivers every payload FIFO.
	ReliableOrdered Channel = iota
	// ReliableSequenced delivers reliably but only the newest payload matters.
	ReliableSequenced
	// Unreliable is fire-and-forget.
	Unreliable
)

func (c Channel) String() string {
	switch c {
	case ReliableOrdered:
		return "reliable-ordered"
	case ReliableSequenced:
		return "reliable-sequenced"
	case Unreliable:
		return "unreliable"
	}
	return "unknown"
}

var (
	ErrConnClosed = errors.New("connection closed")

	// ErrDisconnectedDuringConnect reports a transport torn down before the
	// connect completed; ErrDisconnectedAfterConnect one torn down after.
	ErrDisconnectedDuringConnect = errors.New("disconnected during connect")
	ErrDisconnectedAfterConnect  = errors.New("disconnected after connect")
)

// ConnID identifies a live connection within one transport instance.
type ConnID uint32

// Conn is an established reliable-datagram connection. Implementations must
// make Send and Disconnect safe for concurrent use.
type Conn interface {
	ID() ConnID
	Send(payload []byte, channel Channel) error
	Disconnect(reason string)
	RemoteAddr() string
}

// EventHandler receives transport events. Callbacks are invoked synchronously
// from Poll and must not block.
type EventHandler interface {
	HandleConnect(conn Conn)
	HandleDisconnect(conn Conn, reason string)
	HandlePayload(conn Conn, channel Channel, payload []byte)
}

// Transport queues events from its I/O goroutines; the owner drains them on
// its poll cadence so all handler work happens on one goroutine.
type Transport interface {
	// Poll delivers every queued event to the handler and returns the number
	// delivered.
	Poll(handler EventHandler) int
	Close(ctx context.Context) error
}

type eventKind uint8

const (
	eventConnect eventKind = iota
	eventDisconnect
	eventPayload
)

// Event is the queued form of a transport callback.
type Event struct {
	kind    eventKind
	conn    Conn
	channel Channel
	payload []byte
	reason  string
}

func ConnectEvent(conn Conn) Event {
	return Event{kind: eventConnect, conn: conn}
}

func DisconnectEvent(conn Conn, reason string) Event {
	return Event{kind: eventDisconnect, conn: conn, reason: reason}
}

func PayloadEvent(conn Conn, channel Channel, payload []byte) Event {
	return Event{kind: eventPayload, conn: conn, channel: channel, payload: payload}
}

// Deliver invokes the matching handler callback.
func (e Event) Deliver(handler EventHandler) {
	switch e.kind {
	case eventConnect:
		handler.HandleConnect(e.conn)
	case eventDisconnect:
		handler.HandleDisconnect(e.conn, e.reason)
	case eventPayload:
		handler.HandlePayload(e.conn, e.channel, e.payload)
	}
}
