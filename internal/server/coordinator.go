package server

import (
	"go.uber.org/zap"

	"github.com/yarg-net/backplane/internal/lobby"
	"github.com/yarg-net/backplane/internal/protocol"
	"github.com/yarg-net/backplane/internal/session"
	"github.com/yarg-net/backplane/internal/setlist"
	"github.com/yarg-net/backplane/internal/songlibrary"
	"github.com/yarg-net/backplane/internal/transport"
)

// LobbyCoordinator bridges lifecycle events to broadcasts: accepted
// handshakes join the room, every room mutation pushes a fresh LobbyState
// envelope to all sessions, and library/setlist changes are synced out.
type LobbyCoordinator struct {
	version  string
	conns    *ConnManager
	sessions *session.Manager
	lobby    *lobby.StateManager
	setlist  *setlist.Manager
	library  *songlibrary.Intersector
	logger   *zap.Logger
}

func NewLobbyCoordinator(
	version string,
	conns *ConnManager,
	sessions *session.Manager,
	lobbyState *lobby.StateManager,
	setlistMgr *setlist.Manager,
	library *songlibrary.Intersector,
	logger *zap.Logger,
) *LobbyCoordinator {
	c := &LobbyCoordinator{
		version:  version,
		conns:    conns,
		sessions: sessions,
		lobby:    lobbyState,
		setlist:  setlistMgr,
		library:  library,
		logger:   logger,
	}

	lobbyState.Subscribe(c.onLobbyEvent)
	library.Subscribe(c.onLibraryEvent)
	setlistMgr.Subscribe(c.onSetlistEvent)
	return c
}

// SessionAccepted joins a fresh session to the room and brings the late
// joiner up to date.
func (c *LobbyCoordinator) SessionAccepted(rec *session.Record) {
	c.conns.Promote(rec.Conn, rec.PlayerID)
	c.lobby.AddPlayer(rec.SessionID, rec.PlayerName, lobby.RoleMember)

	c.sendSetlistSnapshot(rec.Conn)
	c.sendSharedSongs(rec.Conn)
}

// SessionClosed removes all traces of a departed session.
func (c *LobbyCoordinator) SessionClosed(rec *session.Record) {
	c.lobby.RemovePlayer(rec.SessionID)
	c.library.RemovePlayer(rec.SessionID)
	c.conns.Drop(rec.ConnectionID)
}

// onLobbyEvent broadcasts the authoritative room snapshot after every
// committed mutation. A countdown start is announced before the snapshot.
func (c *LobbyCoordinator) onLobbyEvent(ev lobby.Event) {
	if ev.Kind == lobby.EventCountdownStarted {
		data, err := protocol.EncodeEnvelope(protocol.TypeGameplayCountdown, c.version,
			protocol.GameplayCountdownPayload{Seconds: ev.Seconds})
		if err != nil {
			c.logger.Error("encode countdown", zap.Error(err))
		} else {
			c.conns.ToAll(data, transport.ReliableOrdered)
		}
	}

	c.BroadcastLobbyState()
}

// BroadcastLobbyState serializes the snapshot once and sends it to every
// session on the reliable-ordered channel.
func (c *LobbyCoordinator) BroadcastLobbyState() {
	data, err := protocol.EncodeEnvelope(protocol.TypeLobbyState, c.version, c.StatePayload())
	if err != nil {
		c.logger.Error("encode lobby state", zap.Error(err))
		return
	}
	c.conns.ToAll(data, transport.ReliableOrdered)
}

func (c *LobbyCoordinator) StatePayload() protocol.LobbyStatePayload {
	players := c.lobby.Snapshot()
	payload := protocol.LobbyStatePayload{
		Status:  c.lobby.Status().String(),
		Players: make([]protocol.LobbyPlayerPayload, 0, len(players)),
	}
	for _, p := range players {
		payload.Players = append(payload.Players, protocol.LobbyPlayerPayload{
			SessionID:   p.SessionID,
			DisplayName: p.DisplayName,
			Role:        p.Role.String(),
			Ready:       p.Ready,
		})
	}
	if sel := c.lobby.Selection(); sel != nil {
		selPayload := &protocol.SongSelectionPayload{SongID: sel.SongID}
		for _, a := range sel.Assignments {
			selPayload.Assignments = append(selPayload.Assignments, protocol.AssignmentPayload{
				PlayerID:   a.PlayerID,
				Instrument: a.Instrument,
				Difficulty: a.Difficulty,
			})
		}
		payload.Selection = selPayload
	}
	return payload
}

// onLibraryEvent pushes the recomputed intersection to every client.
func (c *LobbyCoordinator) onLibraryEvent(ev songlibrary.Event) {
	switch ev.Kind {
	case songlibrary.EventSharedSongsChanged:
		for _, chunk := range c.library.Chunks() {
			c.conns.ToAll(protocol.BuildSharedSongsChunk(chunk), transport.ReliableOrdered)
		}
	case songlibrary.EventSyncStateChanged:
		data, err := protocol.EncodeEnvelope(protocol.TypeSharedSyncState, c.version,
			protocol.SharedSyncStatePayload{Complete: ev.Complete, Pending: ev.Pending})
		if err != nil {
			c.logger.Error("encode sync state", zap.Error(err))
			return
		}
		c.conns.ToAll(data, transport.ReliableOrdered)
	}
}

// onSetlistEvent resyncs the full list; the queue is small and the snapshot
// form doubles as the late-joiner payload.
func (c *LobbyCoordinator) onSetlistEvent(setlist.Event) {
	data, err := protocol.EncodeEnvelope(protocol.TypeSetlistSync, c.version,
		protocol.SetlistSyncPayload{Serialized: c.setlist.Serialize()})
	if err != nil {
		c.logger.Error("encode setlist sync", zap.Error(err))
		return
	}
	c.conns.ToAll(data, transport.ReliableOrdered)
}

func (c *LobbyCoordinator) sendSetlistSnapshot(conn transport.Conn) {
	data, err := protocol.EncodeEnvelope(protocol.TypeSetlistSnapshot, c.version,
		protocol.SetlistSyncPayload{Serialized: c.setlist.Serialize()})
	if err != nil {
		c.logger.Error("encode setlist snapshot", zap.Error(err))
		return
	}
	if err := conn.Send(data, transport.ReliableOrdered); err != nil {
		c.logger.Debug("setlist snapshot send failed", zap.Error(err))
	}
}

func (c *LobbyCoordinator) sendSharedSongs(conn transport.Conn) {
	for _, chunk := range c.library.Chunks() {
		if err := conn.Send(protocol.BuildSharedSongsChunk(chunk), transport.ReliableOrdered); err != nil {
			c.logger.Debug("shared songs send failed", zap.Error(err))
			return
		}
	}
}
