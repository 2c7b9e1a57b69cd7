// Package punch coordinates UDP hole punching between lobby hosts and
// joining clients. Both sides keep a socket warm against this server; when a
// client asks to join, each side is told the other's observed external
// endpoint so they can punch through their NATs directly.
package punch

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrHostNotRegistered is returned when a punch is requested for a lobby
// whose host has no live registration.
var ErrHostNotRegistered = errors.New("punch: host not registered")

// Result reports the outcome of one punch attempt.
type Result struct {
	LobbyID     string
	ClientToken string
	Success     bool
	Elapsed     time.Duration
}

// HostRegistration is a lobby host's keepalive state. External is the
// endpoint observed on the UDP socket and wins over Declared, which the host
// reported over HTTP and may be wrong behind NAT.
type HostRegistration struct {
	LobbyID  string
	Internal *net.UDPAddr
	Declared *net.UDPAddr
	External *net.UDPAddr
	LastSeen time.Time
}

// Endpoint returns the address peers should punch toward.
func (h *HostRegistration) Endpoint() *net.UDPAddr {
	if h.External != nil {
		return h.External
	}
	return h.Declared
}

type clientEndpoint struct {
	lobbyID  string
	token    string
	addr     *net.UDPAddr // external, UDP-observed or HTTP-declared
	internal *net.UDPAddr // LAN endpoint the client declared, for same-network joins
	lastSeen time.Time
}

type attempt struct {
	lobbyID string
	token   string
	started time.Time
}

// TTLs holds the expiry windows for the coordinator's tables. Pending bounds
// how long a client may wait in the queue for its host to register.
type TTLs struct {
	Host    time.Duration
	Client  time.Duration
	Attempt time.Duration
	Pending time.Duration
}

// Sender delivers a raw datagram to an endpoint. The UDP server implements
// it; tests substitute a recorder.
type Sender interface {
	SendTo(addr *net.UDPAddr, data []byte) error
}

// Coordinator tracks host registrations, client keepalives, pending
// introductions, and in-flight attempts behind one mutex.
type Coordinator struct {
	mu       sync.Mutex
	hosts    map[string]*HostRegistration // by lobby id
	clients  map[string]*clientEndpoint   // by lobby id + ":" + token
	pending  map[string][]*clientEndpoint // clients waiting for a host, by lobby id
	attempts map[string]*attempt          // by lobby id + ":" + token

	ttls     TTLs
	sender   Sender
	onResult []func(Result)
	logger   *zap.Logger
	timeFunc func() time.Time
}

func NewCoordinator(ttls TTLs, sender Sender, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		hosts:    make(map[string]*HostRegistration),
		clients:  make(map[string]*clientEndpoint),
		pending:  make(map[string][]*clientEndpoint),
		attempts: make(map[string]*attempt),
		ttls:     ttls,
		sender:   sender,
		logger:   logger,
		timeFunc: time.Now,
	}
}

// OnResult registers a callback fired when an attempt succeeds or times out.
func (c *Coordinator) OnResult(fn func(Result)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onResult = append(c.onResult, fn)
}

// RegisterHost records a host registration declared over HTTP. A UDP-observed
// endpoint for the same lobby keeps precedence over the declared one.
func (c *Coordinator) RegisterHost(lobbyID string, declared, internal *net.UDPAddr) {
	now := c.timeFunc()

	c.mu.Lock()
	reg, ok := c.hosts[lobbyID]
	if !ok {
		reg = &HostRegistration{LobbyID: lobbyID}
		c.hosts[lobbyID] = reg
	}
	reg.Declared = declared
	reg.Internal = internal
	reg.LastSeen = now
	waiting := c.drainPendingLocked(lobbyID, now)
	endpoint := reg.Endpoint()
	hostInternal := reg.Internal
	c.mu.Unlock()

	for _, cl := range waiting {
		c.introduce(lobbyID, endpoint, hostInternal, cl)
	}
}

// ObserveHost records the host endpoint seen on the UDP socket. This is the
// authoritative external endpoint.
func (c *Coordinator) ObserveHost(lobbyID string, addr *net.UDPAddr) {
	now := c.timeFunc()

	c.mu.Lock()
	reg, ok := c.hosts[lobbyID]
	if !ok {
		reg = &HostRegistration{LobbyID: lobbyID}
		c.hosts[lobbyID] = reg
	}
	reg.External = addr
	reg.LastSeen = now
	waiting := c.drainPendingLocked(lobbyID, now)
	hostInternal := reg.Internal
	c.mu.Unlock()

	for _, cl := range waiting {
		c.introduce(lobbyID, addr, hostInternal, cl)
	}
}

// ObserveClient records a joining client's observed endpoint and introduces
// the pair immediately when the host is already known. Without a host the
// client is queued until one registers.
func (c *Coordinator) ObserveClient(lobbyID, token string, addr *net.UDPAddr) {
	now := c.timeFunc()

	c.mu.Lock()
	key := endpointKey(lobbyID, token)
	cl, ok := c.clients[key]
	if !ok {
		cl = &clientEndpoint{lobbyID: lobbyID, token: token}
		c.clients[key] = cl
	}
	// The observed endpoint replaces any HTTP-declared one; a declared
	// internal endpoint survives the update.
	cl.addr = addr
	cl.lastSeen = now
	reg, hostKnown := c.hosts[lobbyID]
	var hostAddr, hostInternal *net.UDPAddr
	if hostKnown {
		hostAddr = reg.Endpoint()
		hostInternal = reg.Internal
	} else {
		c.pending[lobbyID] = append(c.pending[lobbyID], cl)
	}
	c.mu.Unlock()

	if hostKnown && hostAddr != nil {
		c.introduce(lobbyID, hostAddr, hostInternal, cl)
	}
}

// RequestPunch serves the HTTP join path: it returns the host's punch
// endpoint and starts an attempt. declared is the client's HTTP-reported
// external endpoint, used until UDP traffic is observed for the token;
// internal is the client's LAN endpoint, stored for the introduction.
func (c *Coordinator) RequestPunch(lobbyID, token string, declared, internal *net.UDPAddr) (*net.UDPAddr, error) {
	now := c.timeFunc()

	c.mu.Lock()
	reg, ok := c.hosts[lobbyID]
	if !ok || now.Sub(reg.LastSeen) > c.ttls.Host {
		c.mu.Unlock()
		return nil, ErrHostNotRegistered
	}
	endpoint := reg.Endpoint()
	hostInternal := reg.Internal

	key := endpointKey(lobbyID, token)
	cl, known := c.clients[key]
	if !known && declared != nil {
		cl = &clientEndpoint{lobbyID: lobbyID, token: token, addr: declared}
		c.clients[key] = cl
	}
	if cl != nil {
		if internal != nil {
			cl.internal = internal
		}
		cl.lastSeen = now
	}
	c.mu.Unlock()

	if cl != nil {
		c.introduce(lobbyID, endpoint, hostInternal, cl)
	}
	return endpoint, nil
}

// HostEndpoint reports the live host registration for a lobby.
func (c *Coordinator) HostEndpoint(lobbyID string) (*net.UDPAddr, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reg, ok := c.hosts[lobbyID]
	if !ok || c.timeFunc().Sub(reg.LastSeen) > c.ttls.Host {
		return nil, false
	}
	return reg.Endpoint(), true
}

// RemoveHost drops a host registration, typically when its lobby closes.
func (c *Coordinator) RemoveHost(lobbyID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.hosts, lobbyID)
	delete(c.pending, lobbyID)
}

// Confirm marks an attempt as punched through.
func (c *Coordinator) Confirm(lobbyID, token string) {
	key := endpointKey(lobbyID, token)

	c.mu.Lock()
	att, ok := c.attempts[key]
	if ok {
		delete(c.attempts, key)
	}
	callbacks := c.onResult
	c.mu.Unlock()

	if !ok {
		return
	}
	res := Result{
		LobbyID:     lobbyID,
		ClientToken: token,
		Success:     true,
		Elapsed:     c.timeFunc().Sub(att.started),
	}
	for _, fn := range callbacks {
		fn(res)
	}
}

// HostCount returns the number of live host registrations.
func (c *Coordinator) HostCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	cutoff := c.timeFunc().Add(-c.ttls.Host)
	for _, reg := range c.hosts {
		if !reg.LastSeen.Before(cutoff) {
			count++
		}
	}
	return count
}

// Cleanup expires stale hosts, clients, queued introductions, and attempts.
// Attempts that age out are reported as failures.
func (c *Coordinator) Cleanup() {
	now := c.timeFunc()

	c.mu.Lock()
	for id, reg := range c.hosts {
		if now.Sub(reg.LastSeen) > c.ttls.Host {
			delete(c.hosts, id)
		}
	}
	for key, cl := range c.clients {
		if now.Sub(cl.lastSeen) > c.ttls.Client {
			delete(c.clients, key)
		}
	}
	for id, queue := range c.pending {
		kept := queue[:0]
		for _, cl := range queue {
			if now.Sub(cl.lastSeen) <= c.ttls.Pending {
				kept = append(kept, cl)
			}
		}
		if len(kept) == 0 {
			delete(c.pending, id)
		} else {
			c.pending[id] = kept
		}
	}

	var failed []Result
	for key, att := range c.attempts {
		if now.Sub(att.started) > c.ttls.Attempt {
			delete(c.attempts, key)
			failed = append(failed, Result{
				LobbyID:     att.lobbyID,
				ClientToken: att.token,
				Success:     false,
				Elapsed:     now.Sub(att.started),
			})
		}
	}
	callbacks := c.onResult
	c.mu.Unlock()

	for _, res := range failed {
		for _, fn := range callbacks {
			fn(res)
		}
	}
}

// introduce sends each side a hint datagram naming the other's endpoints and
// opens an attempt window. Hints carry the external endpoint, plus the
// internal one when declared, so same-LAN peers can connect directly.
func (c *Coordinator) introduce(lobbyID string, hostExternal, hostInternal *net.UDPAddr, cl *clientEndpoint) {
	key := endpointKey(lobbyID, cl.token)

	c.mu.Lock()
	if _, running := c.attempts[key]; !running {
		c.attempts[key] = &attempt{lobbyID: lobbyID, token: cl.token, started: c.timeFunc()}
	}
	clientExternal, clientInternal := cl.addr, cl.internal
	c.mu.Unlock()

	toHost := []byte(fmt.Sprintf("punch:%s:%s", cl.token, endpointHint(clientExternal, clientInternal)))
	toClient := []byte(fmt.Sprintf("punch:%s", endpointHint(hostExternal, hostInternal)))

	if err := c.sender.SendTo(hostExternal, toHost); err != nil {
		c.logger.Debug("punch hint to host failed", zap.Error(err))
	}
	if err := c.sender.SendTo(clientExternal, toClient); err != nil {
		c.logger.Debug("punch hint to client failed", zap.Error(err))
	}
	c.logger.Info("nat introduction sent",
		zap.String("lobby_id", lobbyID),
		zap.String("host", hostExternal.String()),
		zap.String("client", clientExternal.String()))
}

// endpointHint formats "external" or "external;internal" for a hint datagram.
func endpointHint(external, internal *net.UDPAddr) string {
	if internal == nil {
		return external.String()
	}
	return external.String() + ";" + internal.String()
}

func (c *Coordinator) drainPendingLocked(lobbyID string, now time.Time) []*clientEndpoint {
	queue := c.pending[lobbyID]
	if len(queue) == 0 {
		return nil
	}
	delete(c.pending, lobbyID)

	fresh := make([]*clientEndpoint, 0, len(queue))
	for _, cl := range queue {
		if now.Sub(cl.lastSeen) <= c.ttls.Pending {
			fresh = append(fresh, cl)
		}
	}
	return fresh
}

func endpointKey(lobbyID, token string) string {
	return lobbyID + ":" + token
}
