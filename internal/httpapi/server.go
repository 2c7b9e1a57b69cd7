// Package httpapi exposes the rendezvous control plane: the lobby
// directory, the punch and relay control endpoints, and health.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/yarg-net/backplane/internal/common/apperr"
	"github.com/yarg-net/backplane/internal/common/config"
	"github.com/yarg-net/backplane/internal/common/netinfo"
	"github.com/yarg-net/backplane/internal/directory"
	"github.com/yarg-net/backplane/internal/punch"
	"github.com/yarg-net/backplane/internal/relay"
)

// Deps are the subsystems the API fronts. Punch and Relay may be nil when
// the corresponding listener failed to start; their endpoints then answer
// 503 while the directory keeps working.
type Deps struct {
	Directory *directory.Store
	Punch     *punch.Coordinator
	Relay     *relay.Table

	PunchAddr string
	PunchPort int
	RelayAddr string
	RelayPort int
}

type Server struct {
	echo   *echo.Echo
	cfg    config.HTTPConfig
	deps   Deps
	logger *zap.Logger
}

func NewServer(cfg config.HTTPConfig, rateCfg config.RateLimitConfig, deps Deps, logger *zap.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(RateLimitMiddleware(rateCfg))

	s := &Server{echo: e, cfg: cfg, deps: deps, logger: logger}
	e.HTTPErrorHandler = s.handleError

	e.GET("/health", s.handleHealth)

	api := e.Group("/api")
	api.GET("/lobbies", s.handleListLobbies)
	api.POST("/lobbies", s.handleUpsertLobby)
	api.DELETE("/lobbies/:id", s.handleRemoveLobby)
	api.POST("/lobbies/code", s.handleAssignCode)
	api.GET("/lobbies/code/:code", s.handleLookupCode)
	api.DELETE("/lobbies/code/:code", s.handleReleaseCode)

	api.GET("/punch/info", s.handlePunchInfo)
	api.POST("/punch/register", s.handlePunchRegister)
	api.POST("/punch/request", s.handlePunchRequest)
	api.DELETE("/punch/register/:lobbyId", s.handlePunchUnregister)

	api.GET("/relay/info", s.handleRelayInfo)
	api.POST("/relay/allocate", s.handleRelayAllocate)
	api.DELETE("/relay/:sessionId", s.handleRelayRelease)
	api.GET("/relay/stats", s.handleRelayStats)

	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.echo,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http api listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handleError renders every handler error as the API's {"error": msg} shape,
// with the status taken from the AppError when one is present.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := apperr.HTTPStatus(err)
	msg := "internal error"

	var appErr *apperr.AppError
	var httpErr *echo.HTTPError
	switch {
	case errors.As(err, &appErr):
		msg = appErr.Message
	case errors.As(err, &httpErr):
		status = httpErr.Code
		if m, ok := httpErr.Message.(string); ok {
			msg = m
		} else {
			msg = http.StatusText(status)
		}
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", c.Request().URL.Path),
			zap.Error(err))
	}
	if jsonErr := c.JSON(status, map[string]string{"error": msg}); jsonErr != nil {
		s.logger.Debug("error response write failed", zap.Error(jsonErr))
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := map[string]any{
		"status":             "ok",
		"timestamp":          time.Now().UTC().Format(time.RFC3339),
		"punchServerRunning": s.deps.Punch != nil,
		"punchServerPort":    s.deps.PunchPort,
		"relayServerRunning": s.deps.Relay != nil,
		"relayServerPort":    s.deps.RelayPort,
	}
	if s.deps.Relay != nil {
		resp["relayActiveSessions"] = s.deps.Relay.Count()
	} else {
		resp["relayActiveSessions"] = 0
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListLobbies(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Directory.List())
}

func (s *Server) handleUpsertLobby(c echo.Context) error {
	// Join codes and the heartbeat clock are server-issued, so the
	// advertisement binds only the fields the host may set.
	var req struct {
		LobbyID     string `json:"LobbyId"`
		Name        string `json:"LobbyName"`
		HostName    string `json:"HostName"`
		Address     string `json:"Address"`
		Port        int    `json:"Port"`
		PlayerCount int    `json:"CurrentPlayers"`
		MaxPlayers  int    `json:"MaxPlayers"`
		HasPassword bool   `json:"HasPassword"`
		Version     string `json:"Version"`
	}
	if err := c.Bind(&req); err != nil {
		return apperr.BadRequest("malformed lobby advertisement")
	}
	if strings.TrimSpace(req.LobbyID) == "" {
		return apperr.BadRequest("LobbyId is required")
	}
	if req.Port <= 0 || req.Port > 65535 {
		return apperr.BadRequest("Port is out of range")
	}

	stored := s.deps.Directory.Upsert(directory.Lobby{
		LobbyID:     req.LobbyID,
		Name:        req.Name,
		HostName:    req.HostName,
		Address:     req.Address,
		Port:        req.Port,
		PlayerCount: req.PlayerCount,
		MaxPlayers:  req.MaxPlayers,
		HasPassword: req.HasPassword,
		Version:     req.Version,
	}, netinfo.ClientIP(c.Request()))
	return c.JSON(http.StatusOK, stored)
}

func (s *Server) handleRemoveLobby(c echo.Context) error {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		return apperr.BadRequest("lobby id must be a guid")
	}
	return c.JSON(http.StatusOK, map[string]bool{"removed": s.deps.Directory.Remove(id)})
}

func (s *Server) handleAssignCode(c echo.Context) error {
	var req struct {
		LobbyID string `json:"LobbyId"`
	}
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.LobbyID) == "" {
		return apperr.BadRequest("LobbyId is required")
	}

	code, found, err := s.deps.Directory.AssignCode(req.LobbyID)
	if err != nil {
		return apperr.Internal("join code space exhausted", err)
	}
	if !found {
		return apperr.NotFound("lobby not found")
	}
	return c.JSON(http.StatusOK, map[string]string{"Code": code, "LobbyId": req.LobbyID})
}

func (s *Server) handleLookupCode(c echo.Context) error {
	code := c.Param("code")
	if len(code) != directory.CodeLength {
		return apperr.BadRequest("code must be 6 characters")
	}
	lobby, ok := s.deps.Directory.GetByCode(code)
	if !ok {
		return apperr.NotFound("code not found")
	}
	return c.JSON(http.StatusOK, lobby)
}

func (s *Server) handleReleaseCode(c echo.Context) error {
	code := c.Param("code")
	if len(code) != directory.CodeLength {
		return apperr.BadRequest("code must be 6 characters")
	}
	return c.JSON(http.StatusOK, map[string]bool{"released": s.deps.Directory.ReleaseCode(code)})
}

func (s *Server) handlePunchInfo(c echo.Context) error {
	if s.deps.Punch == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"Available": false,
			"Message":   "punch server not running",
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"Available": true,
		"Address":   s.deps.PunchAddr,
		"Port":      s.deps.PunchPort,
		"Message":   "",
	})
}

func (s *Server) handlePunchRegister(c echo.Context) error {
	if s.deps.Punch == nil {
		return apperr.Unavailable("punch server not running")
	}

	var req struct {
		LobbyID          string `json:"LobbyId"`
		InternalEndpoint string `json:"InternalEndpoint"`
		ExternalPort     int    `json:"ExternalPort"`
	}
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.LobbyID) == "" {
		return apperr.BadRequest("LobbyId is required")
	}
	if req.ExternalPort <= 0 || req.ExternalPort > 65535 {
		return apperr.BadRequest("ExternalPort is out of range")
	}

	var internal *net.UDPAddr
	if req.InternalEndpoint != "" {
		addr, err := net.ResolveUDPAddr("udp", req.InternalEndpoint)
		if err != nil {
			return apperr.BadRequest("InternalEndpoint is malformed")
		}
		internal = addr
	}

	declared := &net.UDPAddr{
		IP:   net.ParseIP(netinfo.ClientIP(c.Request())),
		Port: req.ExternalPort,
	}
	s.deps.Punch.RegisterHost(req.LobbyID, declared, internal)
	return c.JSON(http.StatusOK, map[string]any{"registered": true, "lobbyId": req.LobbyID})
}

func (s *Server) handlePunchRequest(c echo.Context) error {
	if s.deps.Punch == nil {
		return apperr.Unavailable("punch server not running")
	}

	var req struct {
		LobbyID                string `json:"LobbyId"`
		ClientInternalEndpoint string `json:"ClientInternalEndpoint"`
		ClientPort             int    `json:"ClientPort"`
		ClientToken            string `json:"ClientToken"`
	}
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.LobbyID) == "" {
		return apperr.BadRequest("LobbyId is required")
	}

	token := req.ClientToken
	if token == "" {
		token = uuid.NewString()
	}

	var clientInternal *net.UDPAddr
	if req.ClientInternalEndpoint != "" {
		addr, err := net.ResolveUDPAddr("udp", req.ClientInternalEndpoint)
		if err != nil {
			return apperr.BadRequest("ClientInternalEndpoint is malformed")
		}
		clientInternal = addr
	}

	// The declared external endpoint seeds the introduction until the
	// client's UDP traffic is observed.
	var declared *net.UDPAddr
	if req.ClientPort > 0 && req.ClientPort <= 65535 {
		declared = &net.UDPAddr{
			IP:   net.ParseIP(netinfo.ClientIP(c.Request())),
			Port: req.ClientPort,
		}
	}

	if _, err := s.deps.Punch.RequestPunch(req.LobbyID, token, declared, clientInternal); err != nil {
		return apperr.NotFound("host not registered")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"Success":    true,
		"PunchToken": token,
		"Message":    "",
	})
}

func (s *Server) handlePunchUnregister(c echo.Context) error {
	if s.deps.Punch == nil {
		return apperr.Unavailable("punch server not running")
	}
	lobbyID := c.Param("lobbyId")
	if _, err := uuid.Parse(lobbyID); err != nil {
		return apperr.BadRequest("lobby id must be a guid")
	}
	s.deps.Punch.RemoveHost(lobbyID)
	return c.JSON(http.StatusOK, map[string]bool{"unregistered": true})
}

func (s *Server) handleRelayInfo(c echo.Context) error {
	if s.deps.Relay == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"Available": false,
			"Message":   "relay server not running",
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"Available": true,
		"Address":   s.deps.RelayAddr,
		"Port":      s.deps.RelayPort,
		"Message":   "",
	})
}

func (s *Server) handleRelayAllocate(c echo.Context) error {
	if s.deps.Relay == nil {
		return apperr.Unavailable("relay server not running")
	}

	var req struct {
		LobbyID string `json:"LobbyId"`
	}
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.LobbyID) == "" {
		return apperr.BadRequest("LobbyId is required")
	}

	sess := s.deps.Relay.Allocate(req.LobbyID)
	return c.JSON(http.StatusOK, map[string]any{
		"Success":      true,
		"SessionId":    sess.ID.String(),
		"RelayAddress": s.deps.RelayAddr,
		"RelayPort":    s.deps.RelayPort,
		"Message":      "",
	})
}

func (s *Server) handleRelayRelease(c echo.Context) error {
	if s.deps.Relay == nil {
		return apperr.Unavailable("relay server not running")
	}
	id, err := uuid.Parse(c.Param("sessionId"))
	if err != nil {
		return apperr.BadRequest("session id must be a guid")
	}

	sess, ok := s.deps.Relay.Get(id)
	if !ok {
		return apperr.NotFound("session not found")
	}
	return c.JSON(http.StatusOK, map[string]bool{"released": s.deps.Relay.Remove(sess.LobbyID)})
}

func (s *Server) handleRelayStats(c echo.Context) error {
	if s.deps.Relay == nil {
		return apperr.Unavailable("relay server not running")
	}
	return c.JSON(http.StatusOK, s.deps.Relay.Stats())
}
