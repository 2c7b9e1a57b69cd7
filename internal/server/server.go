package server

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/yarg-net/backplane/internal/common/config"
	"github.com/yarg-net/backplane/internal/lobby"
	"github.com/yarg-net/backplane/internal/observability"
	"github.com/yarg-net/backplane/internal/protocol"
	"github.com/yarg-net/backplane/internal/protocol/dispatch"
	"github.com/yarg-net/backplane/internal/session"
	"github.com/yarg-net/backplane/internal/setlist"
	"github.com/yarg-net/backplane/internal/songlibrary"
	"github.com/yarg-net/backplane/internal/transport"
	"github.com/yarg-net/backplane/internal/unison"
)

// relayToOthers lists binary gameplay traffic that is forwarded to every
// other authenticated client on the channel it arrived on. The server never
// inspects the payload beyond the type byte, except where noted below.
var relayToOthers = map[protocol.PacketType]struct{}{
	protocol.TypeGameplayState:    {},
	protocol.TypeUnisonPhraseHit:  {},
	protocol.TypeScoreResults:     {},
	protocol.TypeLobbyReadyState:  {},
	protocol.TypePlayerPresetSync: {},
	protocol.TypeBandScoreUpdate:  {},
}

// relayToAll lists packet types echoed back to the sender as well.
var relayToAll = map[protocol.PacketType]struct{}{
	protocol.TypeUnisonBonusAward: {},
}

// Server drives the game-session side: it polls the transport, dispatches
// packets, and runs the countdown and idle-session janitors.
type Server struct {
	cfg        config.GameConfig
	logger     *zap.Logger
	transport  transport.Transport
	dispatcher *dispatch.Dispatcher

	conns       *ConnManager
	sessions    *session.Manager
	lobby       *lobby.StateManager
	setlist     *setlist.Manager
	library     *songlibrary.Intersector
	unison      *unison.Coordinator
	scores      *ScoreCollector
	coordinator *LobbyCoordinator
	metrics     *observability.Metrics

	// countdownDeadline is non-zero while a countdown is running. It is
	// touched only from the poll goroutine.
	countdownDeadline time.Time
	lastJanitor       time.Time
}

type Deps struct {
	Transport   transport.Transport
	Sessions    *session.Manager
	Lobby       *lobby.StateManager
	Setlist     *setlist.Manager
	Library     *songlibrary.Intersector
	Unison      *unison.Coordinator
	Handshaker  Handshaker
	ConnManager *ConnManager

	// Metrics is optional; a nil value disables instrumentation.
	Metrics *observability.Metrics
}

// Handshaker is the slice of the authenticator the server needs.
type Handshaker interface {
	Handle(conn transport.Conn, req protocol.HandshakeRequest) protocol.HandshakeResponse
	HandleBinary(conn transport.Conn, hello protocol.AuthHello) protocol.AuthResult
	OnAccepted(fn func(*session.Record))
}

func New(cfg config.GameConfig, deps Deps, logger *zap.Logger) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logger,
		transport:  deps.Transport,
		dispatcher: dispatch.NewDispatcher(logger),
		conns:      deps.ConnManager,
		sessions:   deps.Sessions,
		lobby:      deps.Lobby,
		setlist:    deps.Setlist,
		library:    deps.Library,
		unison:     deps.Unison,
		scores:     NewScoreCollector(),
		metrics:    deps.Metrics,
	}
	s.coordinator = NewLobbyCoordinator(cfg.ProtocolVersion, s.conns, s.sessions,
		s.lobby, s.setlist, s.library, logger)

	auth := deps.Handshaker
	auth.OnAccepted(s.coordinator.SessionAccepted)
	s.lobby.Subscribe(s.onLobbyEvent)

	handlers := map[protocol.PacketType]dispatch.Handler{
		protocol.TypeHandshakeRequest: s.handleHandshake(auth),
		protocol.TypeSetReady:         s.handleSetReady,
		protocol.TypeSongSelection:    s.handleSongSelection,
		protocol.TypeStartCountdown:   s.handleStartCountdown,
		protocol.TypeLobbyChat:        s.handleLobbyChat,
		protocol.TypeSetlistAdd:       s.handleSetlistAdd,
		protocol.TypeSetlistRemove:    s.handleSetlistRemove,
		protocol.TypeSetlistClear:     s.handleSetlistClear,
		protocol.TypeGameplayEnd:      s.handleGameplayEnd,
		protocol.TypeReplayRequest:    s.relayEnvelope(protocol.TypeReplayRequest),
		protocol.TypeReplayChunk:      s.relayEnvelope(protocol.TypeReplayChunk),
		protocol.TypeReplayComplete:   s.relayEnvelope(protocol.TypeReplayComplete),
	}
	for t, h := range handlers {
		if err := s.dispatcher.RegisterHandler(t, h); err != nil {
			return nil, err
		}
	}
	s.dispatcher.SetBinaryHandler(s.handleBinary(auth))

	return s, nil
}

// Run polls the transport until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	interval := s.cfg.PollInterval
	if interval <= 0 {
		interval = 15 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.lastJanitor = time.Now()
	for {
		select {
		case <-ctx.Done():
			return s.transport.Close(context.Background())
		case <-ticker.C:
			s.transport.Poll(s)
			s.tick(time.Now())
		}
	}
}

// tick runs the time-driven work between polls.
func (s *Server) tick(now time.Time) {
	if !s.countdownDeadline.IsZero() && !now.Before(s.countdownDeadline) {
		s.countdownDeadline = time.Time{}
		s.finishCountdown()
	}
	if s.lobby.Status() != lobby.StatusInCountdown {
		// A ready toggle or departure cancelled the countdown server-side.
		s.countdownDeadline = time.Time{}
	}

	if now.Sub(s.lastJanitor) >= 5*time.Second {
		s.lastJanitor = now
		for _, rec := range s.sessions.CleanupInactive(s.cfg.ClientTimeout) {
			s.logger.Info("session timed out",
				zap.String("session_id", rec.SessionID.String()),
				zap.String("player", rec.PlayerName))
			s.coordinator.SessionClosed(rec)
			rec.Conn.Disconnect("timed out")
		}
	}
}

// finishCountdown transitions the room into gameplay and announces the start.
func (s *Server) finishCountdown() {
	sel := s.lobby.Selection()
	if !s.lobby.CompleteCountdown() || sel == nil {
		return
	}

	bandSizes := make(map[string]int)
	for _, a := range sel.Assignments {
		bandSizes[a.Instrument]++
	}
	eligible := 0
	for _, p := range s.lobby.Snapshot() {
		if p.Role != lobby.RoleSpectator {
			eligible++
		}
	}
	s.unison.FullReset()
	s.unison.SetDefaultBandSize(eligible)
	s.scores.Begin(sel.SongID)

	data, err := protocol.EncodeEnvelope(protocol.TypeGameplayStart, s.cfg.ProtocolVersion,
		protocol.GameplayStartPayload{SongID: sel.SongID, BandSizes: bandSizes})
	if err != nil {
		s.logger.Error("encode gameplay start", zap.Error(err))
		return
	}
	s.conns.ToAll(data, transport.ReliableOrdered)
}

func (s *Server) onLobbyEvent(ev lobby.Event) {
	if ev.Kind == lobby.EventCountdownCancelled {
		s.countdownDeadline = time.Time{}
	}
}

// HandleConnect implements transport.EventHandler.
func (s *Server) HandleConnect(conn transport.Conn) {
	s.conns.AddPending(conn)
	s.logger.Debug("connection opened",
		zap.Uint32("conn_id", uint32(conn.ID())),
		zap.String("remote", conn.RemoteAddr()))
}

// HandleDisconnect implements transport.EventHandler.
func (s *Server) HandleDisconnect(conn transport.Conn, reason string) {
	if rec, ok := s.sessions.GetByConn(conn.ID()); ok {
		s.sessions.Remove(rec.SessionID)
		s.scores.RemovePlayer(rec.PlayerID)
		s.coordinator.SessionClosed(rec)
		s.logger.Info("session disconnected",
			zap.String("session_id", rec.SessionID.String()),
			zap.String("player", rec.PlayerName),
			zap.String("reason", reason))
		return
	}
	s.conns.Drop(conn.ID())
}

// HandlePayload implements transport.EventHandler.
func (s *Server) HandlePayload(conn transport.Conn, channel transport.Channel, data []byte) {
	if s.metrics != nil {
		s.metrics.PacketsIn.Inc()
	}
	if rec, ok := s.sessions.GetByConn(conn.ID()); ok {
		rec.Touch()
	}

	ctx := dispatch.Context{Conn: conn, Channel: channel, Role: dispatch.RoleServer}
	handled, err := s.dispatcher.Dispatch(data, ctx)
	if err != nil {
		s.logger.Warn("packet handler failed",
			zap.Uint32("conn_id", uint32(conn.ID())),
			zap.Error(err))
	}
	if !handled {
		s.logger.Debug("unhandled packet",
			zap.Uint32("conn_id", uint32(conn.ID())))
	}
}

func (s *Server) handleHandshake(auth Handshaker) dispatch.Handler {
	return func(ctx dispatch.Context, payload json.RawMessage) error {
		req, err := protocol.ParseJSON[protocol.HandshakeRequest](payload)
		if err != nil {
			return err
		}
		resp := auth.Handle(ctx.Conn, *req)
		if s.metrics != nil {
			outcome := "rejected"
			if resp.Accepted {
				outcome = "accepted"
			}
			s.metrics.HandshakeTotal.WithLabelValues(outcome).Inc()
		}
		return nil
	}
}

// requireSession gates authenticated-only handlers.
func (s *Server) requireSession(ctx dispatch.Context) (*session.Record, bool) {
	rec, ok := s.sessions.GetByConn(ctx.Conn.ID())
	if !ok {
		s.logger.Debug("packet before handshake",
			zap.Uint32("conn_id", uint32(ctx.Conn.ID())))
	}
	return rec, ok
}

func (s *Server) isHost(rec *session.Record) bool {
	p, ok := s.lobby.Player(rec.SessionID)
	return ok && p.Role == lobby.RoleHost
}

func (s *Server) handleSetReady(ctx dispatch.Context, payload json.RawMessage) error {
	rec, ok := s.requireSession(ctx)
	if !ok {
		return nil
	}
	req, err := protocol.ParseJSON[protocol.SetReadyPayload](payload)
	if err != nil {
		return err
	}
	s.lobby.TrySetReady(rec.SessionID, req.Ready)
	return nil
}

func (s *Server) handleSongSelection(ctx dispatch.Context, payload json.RawMessage) error {
	rec, ok := s.requireSession(ctx)
	if !ok || !s.isHost(rec) {
		return nil
	}
	req, err := protocol.ParseJSON[protocol.SongSelectionPayload](payload)
	if err != nil {
		return err
	}

	sel := lobby.SongSelection{SongID: req.SongID}
	for _, a := range req.Assignments {
		sel.Assignments = append(sel.Assignments, lobby.Assignment{
			PlayerID:   a.PlayerID,
			Instrument: a.Instrument,
			Difficulty: a.Difficulty,
		})
	}
	s.lobby.TryApplySongSelection(sel)
	return nil
}

func (s *Server) handleStartCountdown(ctx dispatch.Context, payload json.RawMessage) error {
	rec, ok := s.requireSession(ctx)
	if !ok || !s.isHost(rec) {
		return nil
	}
	req, err := protocol.ParseJSON[protocol.StartCountdownPayload](payload)
	if err != nil {
		return err
	}
	if req.Seconds <= 0 {
		return nil
	}
	if s.lobby.TryStartCountdown(req.Seconds) {
		s.countdownDeadline = time.Now().Add(time.Duration(req.Seconds) * time.Second)
	}
	return nil
}

func (s *Server) handleLobbyChat(ctx dispatch.Context, payload json.RawMessage) error {
	rec, ok := s.requireSession(ctx)
	if !ok {
		return nil
	}
	req, err := protocol.ParseJSON[protocol.LobbyChatPayload](payload)
	if err != nil {
		return err
	}
	// The sender name is authoritative server-side.
	req.PlayerName = rec.PlayerName
	data, err := protocol.EncodeEnvelope(protocol.TypeLobbyChat, s.cfg.ProtocolVersion, req)
	if err != nil {
		return err
	}
	s.conns.ToAll(data, transport.ReliableOrdered)
	return nil
}

func (s *Server) handleSetlistAdd(ctx dispatch.Context, payload json.RawMessage) error {
	rec, ok := s.requireSession(ctx)
	if !ok {
		return nil
	}
	req, err := protocol.ParseJSON[protocol.SetlistAddPayload](payload)
	if err != nil {
		return err
	}
	s.setlist.TryAdd(setlist.Entry{
		SongHash:   req.Entry.SongHash,
		SongName:   req.Entry.SongName,
		SongArtist: req.Entry.SongArtist,
		AddedBy:    rec.PlayerName,
	})
	return nil
}

func (s *Server) handleSetlistRemove(ctx dispatch.Context, payload json.RawMessage) error {
	if _, ok := s.requireSession(ctx); !ok {
		return nil
	}
	req, err := protocol.ParseJSON[protocol.SetlistRemovePayload](payload)
	if err != nil {
		return err
	}
	s.setlist.TryRemove(req.SongHash)
	return nil
}

func (s *Server) handleSetlistClear(ctx dispatch.Context, _ json.RawMessage) error {
	rec, ok := s.requireSession(ctx)
	if !ok || !s.isHost(rec) {
		return nil
	}
	s.setlist.Clear()
	return nil
}

// handleGameplayEnd closes out the song: the aggregated summary goes to
// everyone, and the unison ledger resets for the next run.
func (s *Server) handleGameplayEnd(ctx dispatch.Context, payload json.RawMessage) error {
	rec, ok := s.requireSession(ctx)
	if !ok || !s.isHost(rec) {
		return nil
	}
	req, err := protocol.ParseJSON[protocol.GameplayEndPayload](payload)
	if err != nil {
		return err
	}

	end, err := protocol.EncodeEnvelope(protocol.TypeGameplayEnd, s.cfg.ProtocolVersion, req)
	if err != nil {
		return err
	}
	s.conns.ToAllExcept(ctx.Conn.ID(), end, transport.ReliableOrdered)

	if s.scores.Count() > 0 {
		summary, err := protocol.EncodeEnvelope(protocol.TypeScoreSummary, s.cfg.ProtocolVersion, s.scores.Summary())
		if err != nil {
			return err
		}
		s.conns.ToAll(summary, transport.ReliableOrdered)
	}
	s.unison.Reset()
	return nil
}

// relayEnvelope re-broadcasts a JSON envelope to the other clients verbatim.
func (s *Server) relayEnvelope(t protocol.PacketType) dispatch.Handler {
	return func(ctx dispatch.Context, payload json.RawMessage) error {
		if _, ok := s.requireSession(ctx); !ok {
			return nil
		}
		data, err := protocol.EncodeEnvelope(t, s.cfg.ProtocolVersion, payload)
		if err != nil {
			return err
		}
		s.conns.ToAllExcept(ctx.Conn.ID(), data, ctx.Channel)
		return nil
	}
}

// handleBinary covers length-prefixed gameplay packets. Most are opaque
// relays; a few also feed the server-side aggregators.
func (s *Server) handleBinary(auth Handshaker) dispatch.BinaryHandler {
	return func(ctx dispatch.Context, t protocol.PacketType, data []byte) error {
		switch t {
		case protocol.TypeAuthHello:
			hello, err := protocol.ParseAuthHello(data)
			if err != nil {
				return err
			}
			auth.HandleBinary(ctx.Conn, *hello)
			return nil
		case protocol.TypeHeartbeat:
			// Activity already touched in HandlePayload.
			_, err := protocol.ParseHeartbeat(data)
			return err
		}

		rec, ok := s.requireSession(ctx)
		if !ok {
			return nil
		}

		switch t {
		case protocol.TypeHostDisconnect:
			d, err := protocol.ParseHostDisconnect(data)
			if err != nil {
				return err
			}
			ctx.Conn.Disconnect(d.Reason)
			return nil

		case protocol.TypeSongLibraryChunk:
			chunk, err := protocol.ParseSongLibraryChunk(data)
			if err != nil {
				return err
			}
			s.library.AcceptChunk(rec.SessionID, *chunk)
			return nil

		case protocol.TypeUnisonPhraseHit:
			hit, err := protocol.ParseUnisonPhraseHit(data)
			if err != nil {
				return err
			}
			s.conns.ToAllExcept(ctx.Conn.ID(), data, ctx.Channel)
			if s.unison.RecordPhraseHit(hit.PlayerID, hit.Band, hit.PhraseTime, hit.PhraseEndTime) {
				award := protocol.BuildUnisonBonusAward(protocol.UnisonBonusAward{
					Band:       hit.Band,
					PhraseTime: hit.PhraseTime,
				})
				s.conns.ToAll(award, ctx.Channel)
			}
			return nil

		case protocol.TypeScoreResults:
			result, err := protocol.ParseScoreResults(data)
			if err != nil {
				return err
			}
			s.scores.Record(*result)
			s.conns.ToAllExcept(ctx.Conn.ID(), data, ctx.Channel)
			return nil
		}

		if _, ok := relayToOthers[t]; ok {
			s.conns.ToAllExcept(ctx.Conn.ID(), data, ctx.Channel)
			return nil
		}
		if _, ok := relayToAll[t]; ok {
			s.conns.ToAll(data, ctx.Channel)
			return nil
		}
		return nil
	}
}
