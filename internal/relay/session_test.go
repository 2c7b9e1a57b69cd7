package relay

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordedFrame struct {
	op        uint8
	sessionID uuid.UUID
	payload   []byte
}

type fakePeer struct {
	key  string
	sent []recordedFrame
}

func (p *fakePeer) Key() string { return p.key }

func (p *fakePeer) Send(op uint8, sessionID uuid.UUID, payload []byte) error {
	p.sent = append(p.sent, recordedFrame{op: op, sessionID: sessionID, payload: payload})
	return nil
}

func newTestTable(t *testing.T) (*Table, *time.Time) {
	t.Helper()
	table := NewTable(30*time.Minute, zap.NewNop())
	now := time.Now()
	table.timeFunc = func() time.Time { return now }
	return table, &now
}

func registeredPair(t *testing.T, table *Table) (*Session, *fakePeer, *fakePeer) {
	t.Helper()
	sess := table.Allocate("lobby-1")
	host := &fakePeer{key: "host-endpoint"}
	client := &fakePeer{key: "client-endpoint"}
	_, err := table.RegisterHost(sess.ID, DialectUDP, host)
	require.NoError(t, err)
	_, err = table.RegisterClient(sess.ID, DialectUDP, client)
	require.NoError(t, err)
	return sess, host, client
}

func TestAllocateIsIdempotentPerLobby(t *testing.T) {
	table, _ := newTestTable(t)

	first := table.Allocate("lobby-1")
	second := table.Allocate("lobby-1")
	assert.Equal(t, first.ID, second.ID)

	other := table.Allocate("lobby-2")
	assert.NotEqual(t, first.ID, other.ID)
	assert.Equal(t, 2, table.Count())
}

func TestForwardSelectsCounterpart(t *testing.T) {
	table, _ := newTestTable(t)
	sess, host, client := registeredPair(t, table)

	dest, err := table.Forward(sess.ID, host.Key(), 100)
	require.NoError(t, err)
	assert.Same(t, client, dest)

	dest, err = table.Forward(sess.ID, client.Key(), 50)
	require.NoError(t, err)
	assert.Same(t, host, dest)

	stats := table.Stats()
	assert.Equal(t, uint64(2), stats.PacketsRelayed)
	assert.Equal(t, uint64(150), stats.BytesRelayed)
}

func TestForwardRejectsUnknownSource(t *testing.T) {
	table, _ := newTestTable(t)
	sess, _, _ := registeredPair(t, table)

	_, err := table.Forward(sess.ID, "stranger-endpoint", 10)
	assert.ErrorIs(t, err, ErrNotRegistered)

	stats := table.Stats()
	assert.Equal(t, uint64(0), stats.PacketsRelayed)
	assert.Equal(t, uint64(0), stats.BytesRelayed)
}

func TestForwardUnknownSession(t *testing.T) {
	table, _ := newTestTable(t)
	_, err := table.Forward(uuid.New(), "whoever", 10)
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestForwardBeforeCounterpartRegisters(t *testing.T) {
	table, _ := newTestTable(t)
	sess := table.Allocate("lobby-1")
	host := &fakePeer{key: "host-endpoint"}
	_, err := table.RegisterHost(sess.ID, DialectUDP, host)
	require.NoError(t, err)

	dest, err := table.Forward(sess.ID, host.Key(), 10)
	require.NoError(t, err)
	assert.Nil(t, dest)

	// Payloads with nowhere to go are not counted.
	assert.Equal(t, uint64(0), table.Stats().PacketsRelayed)
}

func TestSlotTakenByDifferentKey(t *testing.T) {
	table, _ := newTestTable(t)
	sess := table.Allocate("lobby-1")
	_, err := table.RegisterHost(sess.ID, DialectUDP, &fakePeer{key: "a"})
	require.NoError(t, err)

	_, err = table.RegisterHost(sess.ID, DialectUDP, &fakePeer{key: "b"})
	assert.ErrorIs(t, err, ErrSlotTaken)

	// Re-registering the same endpoint is a refresh, not a conflict.
	_, err = table.RegisterHost(sess.ID, DialectUDP, &fakePeer{key: "a"})
	assert.NoError(t, err)
}

func TestDialectBoundByFirstRegistration(t *testing.T) {
	table, _ := newTestTable(t)
	sess := table.Allocate("lobby-1")
	_, err := table.RegisterHost(sess.ID, DialectUDP, &fakePeer{key: "a"})
	require.NoError(t, err)

	_, err = table.RegisterClient(sess.ID, DialectStream, &fakePeer{key: "b"})
	assert.ErrorIs(t, err, ErrDialectMismatch)
}

func TestRegisterNotifiesCounterpart(t *testing.T) {
	table, _ := newTestTable(t)
	sess := table.Allocate("lobby-1")
	host := &fakePeer{key: "host-endpoint"}
	_, err := table.RegisterHost(sess.ID, DialectUDP, host)
	require.NoError(t, err)
	require.Empty(t, host.sent)

	client := &fakePeer{key: "client-endpoint"}
	_, err = table.RegisterClient(sess.ID, DialectUDP, client)
	require.NoError(t, err)

	require.Len(t, host.sent, 1)
	assert.Equal(t, uint8(opPeerConnected), host.sent[0].op)
	assert.Equal(t, sess.ID, host.sent[0].sessionID)
}

func TestDisconnectNotifiesAndDestroysWhenEmpty(t *testing.T) {
	table, _ := newTestTable(t)
	sess, host, client := registeredPair(t, table)

	require.NoError(t, table.Disconnect(sess.ID, client.Key()))
	require.Len(t, host.sent, 2) // peer connected, then peer disconnected
	assert.Equal(t, uint8(opPeerDisconnected), host.sent[1].op)

	// Session survives while the host slot is still occupied.
	_, ok := table.Get(sess.ID)
	assert.True(t, ok)

	require.NoError(t, table.Disconnect(sess.ID, host.Key()))
	_, ok = table.Get(sess.ID)
	assert.False(t, ok)
	_, ok = table.GetByLobby("lobby-1")
	assert.False(t, ok)
}

func TestDisconnectPeerSpansSessions(t *testing.T) {
	table, _ := newTestTable(t)
	shared := &fakePeer{key: "conn:7"}
	a := table.Allocate("lobby-a")
	b := table.Allocate("lobby-b")
	_, err := table.RegisterHost(a.ID, DialectStream, shared)
	require.NoError(t, err)
	_, err = table.RegisterHost(b.ID, DialectStream, shared)
	require.NoError(t, err)

	table.DisconnectPeer(shared.Key())
	assert.Equal(t, 0, table.Count())
}

func TestRemoveNotifiesBothPeers(t *testing.T) {
	table, _ := newTestTable(t)
	sess, host, client := registeredPair(t, table)

	require.True(t, table.Remove("lobby-1"))
	assert.False(t, table.Remove("lobby-1"))

	assert.Equal(t, uint8(opPeerDisconnected), host.sent[len(host.sent)-1].op)
	assert.Equal(t, uint8(opPeerDisconnected), client.sent[len(client.sent)-1].op)
	_, ok := table.Get(sess.ID)
	assert.False(t, ok)
}

func TestCleanupDestroysIdleSessions(t *testing.T) {
	table, now := newTestTable(t)
	sess, host, _ := registeredPair(t, table)

	_, err := table.Forward(sess.ID, host.Key(), 64)
	require.NoError(t, err)

	*now = now.Add(31 * time.Minute)
	assert.Equal(t, 1, table.Cleanup())
	assert.Equal(t, 0, table.Count())

	// Destroyed-session counters fold into the totals.
	stats := table.Stats()
	assert.Equal(t, 0, stats.Sessions)
	assert.Equal(t, uint64(1), stats.PacketsRelayed)
	assert.Equal(t, uint64(64), stats.BytesRelayed)
}

func TestTouchRefreshesActivity(t *testing.T) {
	table, now := newTestTable(t)
	sess, host, _ := registeredPair(t, table)

	*now = now.Add(20 * time.Minute)
	require.NoError(t, table.Touch(sess.ID, host.Key()))

	*now = now.Add(20 * time.Minute)
	assert.Equal(t, 0, table.Cleanup())

	assert.ErrorIs(t, table.Touch(sess.ID, "stranger"), ErrNotRegistered)
}
