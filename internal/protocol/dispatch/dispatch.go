// Package dispatch routes inbound packets to typed handlers.
package dispatch

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/yarg-net/backplane/internal/protocol"
	"github.com/yarg-net/backplane/internal/transport"
)

// Role tells a handler which end of the connection it is running on.
type Role uint8

const (
	RoleServer Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Context carries the origin of one dispatched packet.
type Context struct {
	Conn    transport.Conn
	Channel transport.Channel
	Role    Role
}

// Handler receives the envelope's raw payload; decode with protocol.ParseJSON.
type Handler func(ctx Context, payload json.RawMessage) error

// BinaryHandler receives a whole binary packet, type byte included.
type BinaryHandler func(ctx Context, packetType protocol.PacketType, data []byte) error

// Dispatcher peeks the first byte of each packet: '{' or '[' means a JSON
// envelope routed by type, anything else is handed to the binary handler.
type Dispatcher struct {
	handlers      map[protocol.PacketType]Handler
	binaryHandler BinaryHandler
	logger        *zap.Logger
}

func NewDispatcher(logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[protocol.PacketType]Handler),
		logger:   logger,
	}
}

// RegisterHandler binds a packet type to a handler. A second registration for
// the same type fails.
func (d *Dispatcher) RegisterHandler(t protocol.PacketType, h Handler) error {
	if _, exists := d.handlers[t]; exists {
		return fmt.Errorf("handler already registered for %s", t)
	}
	d.handlers[t] = h
	return nil
}

// SetBinaryHandler installs the fallback for non-envelope packets.
func (d *Dispatcher) SetBinaryHandler(h BinaryHandler) {
	d.binaryHandler = h
}

// Dispatch routes one packet. It returns false for unknown or unroutable
// types without error; handler panics are isolated per packet.
func (d *Dispatcher) Dispatch(data []byte, ctx Context) (handled bool, err error) {
	if len(data) == 0 {
		return false, nil
	}

	if !protocol.IsEnvelope(data) {
		if d.binaryHandler == nil {
			return false, nil
		}
		t := protocol.PacketType(data[0])
		return true, d.invokeBinary(ctx, t, data)
	}

	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		return false, fmt.Errorf("decode envelope: %w", err)
	}

	handler, ok := d.handlers[env.Type]
	if !ok {
		return false, nil
	}
	return true, d.invoke(env.Type, handler, ctx, env.Payload)
}

func (d *Dispatcher) invoke(t protocol.PacketType, h Handler, ctx Context, payload json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panic",
				zap.Stringer("type", t),
				zap.Any("panic", r),
			)
			err = fmt.Errorf("handler for %s panicked: %v", t, r)
		}
	}()
	return h(ctx, payload)
}

func (d *Dispatcher) invokeBinary(ctx Context, t protocol.PacketType, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("binary handler panic",
				zap.Stringer("type", t),
				zap.Any("panic", r),
			)
			err = fmt.Errorf("binary handler for %s panicked: %v", t, r)
		}
	}()
	return d.binaryHandler(ctx, t, data)
}
