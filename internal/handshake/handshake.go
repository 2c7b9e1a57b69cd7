// Package handshake validates incoming connections and creates sessions.
package handshake

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yarg-net/backplane/internal/protocol"
	"github.com/yarg-net/backplane/internal/session"
	"github.com/yarg-net/backplane/internal/transport"
)

// Options configures the validator. NamePredicate is an optional extra check
// applied after the built-in name rules.
type Options struct {
	ProtocolVersion     string
	Password            string
	MinPlayerNameLength int
	MaxPlayerNameLength int
	NamePredicate       func(string) bool
	DisconnectOnReject  bool
}

// Authenticator runs the handshake validation sequence and, on success,
// creates the session.
type Authenticator struct {
	opts     Options
	sessions *session.Manager
	logger   *zap.Logger

	accepted []func(*session.Record)
}

func NewAuthenticator(opts Options, sessions *session.Manager, logger *zap.Logger) *Authenticator {
	if opts.MinPlayerNameLength < 1 {
		opts.MinPlayerNameLength = 1
	}
	if opts.MaxPlayerNameLength < opts.MinPlayerNameLength {
		opts.MaxPlayerNameLength = opts.MinPlayerNameLength
	}
	return &Authenticator{
		opts:     opts,
		sessions: sessions,
		logger:   logger,
	}
}

// OnAccepted registers a callback fired after each successful handshake.
func (a *Authenticator) OnAccepted(fn func(*session.Record)) {
	a.accepted = append(a.accepted, fn)
}

// Handle validates a JSON handshake request. The response is always sent; the
// connection is additionally dropped on rejection when configured.
func (a *Authenticator) Handle(conn transport.Conn, req protocol.HandshakeRequest) protocol.HandshakeResponse {
	rec, reason := a.authenticate(conn, uuid.Nil, req.ClientVersion, req.PlayerName, req.Password)
	resp := protocol.HandshakeResponse{Accepted: rec != nil, Reason: reason}
	if rec != nil {
		resp.SessionID = rec.SessionID
	}

	a.deliver(conn, resp)
	if rec != nil {
		for _, fn := range a.accepted {
			fn(rec)
		}
	}
	return resp
}

// HandleBinary validates the richer binary variant carrying a persistent
// player id and display name.
func (a *Authenticator) HandleBinary(conn transport.Conn, hello protocol.AuthHello) protocol.AuthResult {
	rec, reason := a.authenticate(conn, hello.Primary.PlayerID, hello.ClientVersion, hello.Primary.DisplayName, hello.Password)
	result := protocol.AuthResult{Accepted: rec != nil, Reason: reason}
	if rec != nil {
		result.SessionID = rec.SessionID
	}

	data := protocol.BuildAuthResult(result)
	if err := conn.Send(data, transport.ReliableOrdered); err != nil {
		a.logger.Debug("failed to send auth result", zap.Error(err))
	}
	if rec == nil && a.opts.DisconnectOnReject {
		conn.Disconnect(reason)
	}
	if rec != nil {
		for _, fn := range a.accepted {
			fn(rec)
		}
	}
	return result
}

// authenticate applies the validation sequence; the first failure wins.
func (a *Authenticator) authenticate(conn transport.Conn, playerID uuid.UUID, clientVersion, playerName, password string) (*session.Record, string) {
	if clientVersion != a.opts.ProtocolVersion {
		return nil, fmt.Sprintf("Protocol mismatch. Server requires %s.", a.opts.ProtocolVersion)
	}

	name := strings.TrimSpace(playerName)
	if len(name) < a.opts.MinPlayerNameLength || len(name) > a.opts.MaxPlayerNameLength {
		return nil, fmt.Sprintf("Player name must be between %d and %d characters.",
			a.opts.MinPlayerNameLength, a.opts.MaxPlayerNameLength)
	}
	for _, r := range name {
		if r < 0x20 || r > 0x7E {
			return nil, "Player name contains unsupported characters."
		}
	}
	if a.opts.NamePredicate != nil && !a.opts.NamePredicate(name) {
		return nil, "Player name rejected."
	}

	if a.opts.Password != "" && password != a.opts.Password {
		return nil, "Incorrect password."
	}

	if playerID == uuid.Nil {
		playerID = uuid.New()
	}
	rec, err := a.sessions.TryCreateSession(conn, playerID, name)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrAlreadyRegistered):
			return nil, "Connection already has a session."
		case errors.Is(err, session.ErrServerFull):
			return nil, "Server is full."
		default:
			return nil, "Internal error."
		}
	}

	a.logger.Info("handshake accepted",
		zap.String("player", name),
		zap.String("session_id", rec.SessionID.String()),
	)
	return rec, ""
}

func (a *Authenticator) deliver(conn transport.Conn, resp protocol.HandshakeResponse) {
	data, err := protocol.EncodeEnvelope(protocol.TypeHandshakeResponse, a.opts.ProtocolVersion, resp)
	if err != nil {
		a.logger.Error("failed to encode handshake response", zap.Error(err))
		return
	}
	if err := conn.Send(data, transport.ReliableOrdered); err != nil {
		a.logger.Debug("failed to send handshake response", zap.Error(err))
	}
	if !resp.Accepted && a.opts.DisconnectOnReject {
		conn.Disconnect(resp.Reason)
	}
}
