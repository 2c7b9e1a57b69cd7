package punch

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type sentDatagram struct {
	addr *net.UDPAddr
	data string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentDatagram
}

func (f *fakeSender) SendTo(addr *net.UDPAddr, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentDatagram{addr: addr, data: string(data)})
	return nil
}

func (f *fakeSender) datagrams() []sentDatagram {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentDatagram, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeSender) to(addr *net.UDPAddr) []string {
	var out []string
	for _, d := range f.datagrams() {
		if d.addr.String() == addr.String() {
			out = append(out, d.data)
		}
	}
	return out
}

func testTTLs() TTLs {
	return TTLs{
		Host:    90 * time.Second,
		Client:  60 * time.Second,
		Attempt: 30 * time.Second,
		Pending: 30 * time.Second,
	}
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeSender, *time.Time) {
	t.Helper()
	sender := &fakeSender{}
	c := NewCoordinator(testTTLs(), sender, zap.NewNop())
	now := time.Now()
	c.timeFunc = func() time.Time { return now }
	return c, sender, &now
}

func udpAddr(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", s)
	require.NoError(t, err)
	return addr
}

func TestRequestPunchWithoutHost(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	_, err := c.RequestPunch("lobby-1", "tok", nil, nil)
	assert.ErrorIs(t, err, ErrHostNotRegistered)
}

func TestRequestPunchReturnsHostEndpoint(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	declared := udpAddr(t, "198.51.100.10:7000")
	c.RegisterHost("lobby-1", declared, udpAddr(t, "10.0.0.5:7000"))

	endpoint, err := c.RequestPunch("lobby-1", "tok", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, declared.String(), endpoint.String())
}

func TestObservedEndpointBeatsDeclared(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	declared := udpAddr(t, "198.51.100.10:7000")
	observed := udpAddr(t, "203.0.113.9:41234")
	c.RegisterHost("lobby-1", declared, nil)
	c.ObserveHost("lobby-1", observed)

	endpoint, err := c.RequestPunch("lobby-1", "tok", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, observed.String(), endpoint.String())
}

func TestIntroductionSendsHintsBothWays(t *testing.T) {
	c, sender, _ := newTestCoordinator(t)
	hostAddr := udpAddr(t, "203.0.113.9:41234")
	clientAddr := udpAddr(t, "192.0.2.7:52000")
	c.ObserveHost("lobby-1", hostAddr)

	c.ObserveClient("lobby-1", "tok", clientAddr)

	toHost := sender.to(hostAddr)
	require.Len(t, toHost, 1)
	assert.Equal(t, fmt.Sprintf("punch:tok:%s", clientAddr.String()), toHost[0])

	toClient := sender.to(clientAddr)
	require.Len(t, toClient, 1)
	assert.Equal(t, fmt.Sprintf("punch:%s", hostAddr.String()), toClient[0])
}

func TestIntroductionCarriesInternalEndpoints(t *testing.T) {
	c, sender, _ := newTestCoordinator(t)
	hostExternal := udpAddr(t, "203.0.113.9:41234")
	hostInternal := udpAddr(t, "10.0.0.5:7000")
	c.RegisterHost("lobby-1", hostExternal, hostInternal)

	clientExternal := udpAddr(t, "192.0.2.7:52000")
	clientInternal := udpAddr(t, "192.168.1.20:52000")
	_, err := c.RequestPunch("lobby-1", "tok", clientExternal, clientInternal)
	require.NoError(t, err)

	toHost := sender.to(hostExternal)
	require.Len(t, toHost, 1)
	assert.Equal(t, "punch:tok:192.0.2.7:52000;192.168.1.20:52000", toHost[0])

	toClient := sender.to(clientExternal)
	require.Len(t, toClient, 1)
	assert.Equal(t, "punch:203.0.113.9:41234;10.0.0.5:7000", toClient[0])
}

func TestObservedClientKeepsDeclaredInternal(t *testing.T) {
	c, sender, _ := newTestCoordinator(t)
	hostExternal := udpAddr(t, "203.0.113.9:41234")
	c.RegisterHost("lobby-1", hostExternal, nil)

	_, err := c.RequestPunch("lobby-1", "tok",
		udpAddr(t, "192.0.2.7:50000"), udpAddr(t, "192.168.1.20:52000"))
	require.NoError(t, err)

	// UDP observation replaces the declared external endpoint but not the
	// internal one.
	c.ObserveClient("lobby-1", "tok", udpAddr(t, "192.0.2.7:52000"))

	toHost := sender.to(hostExternal)
	require.Len(t, toHost, 2)
	assert.Equal(t, "punch:tok:192.0.2.7:52000;192.168.1.20:52000", toHost[1])
}

func TestClientQueuedUntilHostRegisters(t *testing.T) {
	c, sender, _ := newTestCoordinator(t)
	clientAddr := udpAddr(t, "192.0.2.7:52000")
	c.ObserveClient("lobby-1", "tok", clientAddr)

	assert.Empty(t, sender.datagrams())

	hostAddr := udpAddr(t, "203.0.113.9:41234")
	c.RegisterHost("lobby-1", hostAddr, nil)

	require.Len(t, sender.to(clientAddr), 1)
	assert.True(t, strings.HasPrefix(sender.to(hostAddr)[0], "punch:tok:"))
}

func TestStaleQueuedClientDropped(t *testing.T) {
	c, sender, now := newTestCoordinator(t)
	c.ObserveClient("lobby-1", "tok", udpAddr(t, "192.0.2.7:52000"))

	*now = now.Add(31 * time.Second)
	c.RegisterHost("lobby-1", udpAddr(t, "203.0.113.9:41234"), nil)

	assert.Empty(t, sender.datagrams())
}

func TestPendingWindowIndependentOfAttemptTTL(t *testing.T) {
	sender := &fakeSender{}
	c := NewCoordinator(TTLs{
		Host:    90 * time.Second,
		Client:  60 * time.Second,
		Attempt: 5 * time.Second,
		Pending: 30 * time.Second,
	}, sender, zap.NewNop())
	now := time.Now()
	c.timeFunc = func() time.Time { return now }

	clientAddr := udpAddr(t, "192.0.2.7:52000")
	c.ObserveClient("lobby-1", "tok", clientAddr)

	// Past the attempt window but inside the pending one.
	now = now.Add(20 * time.Second)
	c.RegisterHost("lobby-1", udpAddr(t, "203.0.113.9:41234"), nil)

	assert.Len(t, sender.to(clientAddr), 1)
}

func TestConfirmFiresSuccessResult(t *testing.T) {
	c, _, now := newTestCoordinator(t)
	var results []Result
	c.OnResult(func(r Result) { results = append(results, r) })

	c.ObserveHost("lobby-1", udpAddr(t, "203.0.113.9:41234"))
	c.ObserveClient("lobby-1", "tok", udpAddr(t, "192.0.2.7:52000"))

	*now = now.Add(2 * time.Second)
	c.Confirm("lobby-1", "tok")

	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, "lobby-1", results[0].LobbyID)
	assert.Equal(t, "tok", results[0].ClientToken)
	assert.Equal(t, 2*time.Second, results[0].Elapsed)

	// Confirming twice reports once.
	c.Confirm("lobby-1", "tok")
	assert.Len(t, results, 1)
}

func TestConfirmWithoutAttemptIsIgnored(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	var results []Result
	c.OnResult(func(r Result) { results = append(results, r) })

	c.Confirm("lobby-1", "tok")
	assert.Empty(t, results)
}

func TestCleanupReportsTimedOutAttempts(t *testing.T) {
	c, _, now := newTestCoordinator(t)
	var results []Result
	c.OnResult(func(r Result) { results = append(results, r) })

	c.ObserveHost("lobby-1", udpAddr(t, "203.0.113.9:41234"))
	c.ObserveClient("lobby-1", "tok", udpAddr(t, "192.0.2.7:52000"))

	*now = now.Add(31 * time.Second)
	c.Cleanup()

	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, "tok", results[0].ClientToken)
}

func TestCleanupExpiresHosts(t *testing.T) {
	c, _, now := newTestCoordinator(t)
	c.ObserveHost("lobby-1", udpAddr(t, "203.0.113.9:41234"))
	assert.Equal(t, 1, c.HostCount())

	*now = now.Add(91 * time.Second)
	c.Cleanup()
	assert.Equal(t, 0, c.HostCount())
	_, err := c.RequestPunch("lobby-1", "tok", nil, nil)
	assert.ErrorIs(t, err, ErrHostNotRegistered)
}

func TestHeartbeatKeepsHostAlive(t *testing.T) {
	c, _, now := newTestCoordinator(t)
	c.ObserveHost("lobby-1", udpAddr(t, "203.0.113.9:41234"))

	*now = now.Add(60 * time.Second)
	c.ObserveHost("lobby-1", udpAddr(t, "203.0.113.9:41234"))

	*now = now.Add(60 * time.Second)
	_, ok := c.HostEndpoint("lobby-1")
	assert.True(t, ok)
}

func TestRemoveHostDropsRegistration(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	c.ObserveHost("lobby-1", udpAddr(t, "203.0.113.9:41234"))
	c.RemoveHost("lobby-1")

	_, ok := c.HostEndpoint("lobby-1")
	assert.False(t, ok)
}
