package handshake

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yarg-net/backplane/internal/protocol"
	"github.com/yarg-net/backplane/internal/session"
	"github.com/yarg-net/backplane/internal/transport"
	"github.com/yarg-net/backplane/internal/transport/memtransport"
)

const testVersion = "yarg-net/1"

func newAuthenticator(t *testing.T, opts Options, capacity int) (*Authenticator, *memtransport.Transport) {
	t.Helper()
	if opts.ProtocolVersion == "" {
		opts.ProtocolVersion = testVersion
	}
	if opts.MaxPlayerNameLength == 0 {
		opts.MaxPlayerNameLength = 16
	}
	return NewAuthenticator(opts, session.NewManager(capacity), zap.NewNop()), memtransport.New()
}

func request(name string) protocol.HandshakeRequest {
	return protocol.HandshakeRequest{ClientVersion: testVersion, PlayerName: name}
}

func lastResponse(t *testing.T, client *memtransport.Client) protocol.HandshakeResponse {
	t.Helper()
	received := client.Received()
	require.NotEmpty(t, received)
	last := received[len(received)-1]
	assert.Equal(t, transport.ReliableOrdered, last.Channel)

	env, err := protocol.DecodeEnvelope(last.Payload)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeHandshakeResponse, env.Type)
	resp, err := protocol.ParseJSON[protocol.HandshakeResponse](env.Payload)
	require.NoError(t, err)
	return *resp
}

func TestAcceptedHandshake(t *testing.T) {
	auth, tr := newAuthenticator(t, Options{}, 4)
	client := tr.Dial()

	var accepted *session.Record
	auth.OnAccepted(func(rec *session.Record) { accepted = rec })

	resp := auth.Handle(client.ServerConn(), request("Alice"))
	assert.True(t, resp.Accepted)
	assert.NotEqual(t, uuid.Nil, resp.SessionID)

	require.NotNil(t, accepted)
	assert.Equal(t, "Alice", accepted.PlayerName)
	assert.Equal(t, resp, lastResponse(t, client))
}

func TestVersionMismatchUsesExactReason(t *testing.T) {
	auth, tr := newAuthenticator(t, Options{DisconnectOnReject: true}, 4)
	client := tr.Dial()

	resp := auth.Handle(client.ServerConn(), protocol.HandshakeRequest{
		ClientVersion: "yarg-net/0",
		PlayerName:    "Alice",
	})
	assert.False(t, resp.Accepted)
	assert.Equal(t, "Protocol mismatch. Server requires yarg-net/1.", resp.Reason)

	closed, reason := client.Closed()
	assert.True(t, closed)
	assert.Equal(t, resp.Reason, reason)
}

func TestNameLengthBoundaries(t *testing.T) {
	auth, tr := newAuthenticator(t, Options{MinPlayerNameLength: 3, MaxPlayerNameLength: 5}, 8)

	cases := []struct {
		name     string
		accepted bool
	}{
		{"ab", false},
		{"abc", true},
		{"abcde", true},
		{"abcdef", false},
	}
	for _, tc := range cases {
		resp := auth.Handle(tr.Dial().ServerConn(), request(tc.name))
		assert.Equal(t, tc.accepted, resp.Accepted, "name %q", tc.name)
	}
}

func TestNameIsTrimmedBeforeValidation(t *testing.T) {
	auth, tr := newAuthenticator(t, Options{MinPlayerNameLength: 3, MaxPlayerNameLength: 5}, 4)

	resp := auth.Handle(tr.Dial().ServerConn(), request("  abc  "))
	assert.True(t, resp.Accepted)
}

func TestNonPrintableNameRejected(t *testing.T) {
	auth, tr := newAuthenticator(t, Options{}, 4)

	resp := auth.Handle(tr.Dial().ServerConn(), request("Ali\tce"))
	assert.False(t, resp.Accepted)
	assert.Equal(t, "Player name contains unsupported characters.", resp.Reason)

	resp = auth.Handle(tr.Dial().ServerConn(), request("Алиса"))
	assert.False(t, resp.Accepted)
}

func TestNamePredicate(t *testing.T) {
	auth, tr := newAuthenticator(t, Options{
		NamePredicate: func(name string) bool { return !strings.Contains(name, "admin") },
	}, 4)

	resp := auth.Handle(tr.Dial().ServerConn(), request("admin1"))
	assert.False(t, resp.Accepted)
	assert.Equal(t, "Player name rejected.", resp.Reason)
}

func TestPasswordChecked(t *testing.T) {
	auth, tr := newAuthenticator(t, Options{Password: "sekrit"}, 4)

	req := request("Alice")
	resp := auth.Handle(tr.Dial().ServerConn(), req)
	assert.False(t, resp.Accepted)
	assert.Equal(t, "Incorrect password.", resp.Reason)

	req.Password = "sekrit"
	resp = auth.Handle(tr.Dial().ServerConn(), req)
	assert.True(t, resp.Accepted)
}

// Version is checked before the name, the name before the password.
func TestValidationOrder(t *testing.T) {
	auth, tr := newAuthenticator(t, Options{Password: "sekrit"}, 4)

	resp := auth.Handle(tr.Dial().ServerConn(), protocol.HandshakeRequest{
		ClientVersion: "wrong",
		PlayerName:    "",
	})
	assert.Equal(t, "Protocol mismatch. Server requires yarg-net/1.", resp.Reason)

	resp = auth.Handle(tr.Dial().ServerConn(), request(""))
	assert.Contains(t, resp.Reason, "Player name must be between")
}

func TestServerFull(t *testing.T) {
	auth, tr := newAuthenticator(t, Options{}, 1)

	resp := auth.Handle(tr.Dial().ServerConn(), request("first"))
	require.True(t, resp.Accepted)

	resp = auth.Handle(tr.Dial().ServerConn(), request("second"))
	assert.False(t, resp.Accepted)
	assert.Equal(t, "Server is full.", resp.Reason)
}

func TestDuplicateConnection(t *testing.T) {
	auth, tr := newAuthenticator(t, Options{}, 4)
	client := tr.Dial()

	require.True(t, auth.Handle(client.ServerConn(), request("Alice")).Accepted)
	resp := auth.Handle(client.ServerConn(), request("Alice"))
	assert.False(t, resp.Accepted)
	assert.Equal(t, "Connection already has a session.", resp.Reason)
}

func TestBinaryHandshake(t *testing.T) {
	auth, tr := newAuthenticator(t, Options{}, 4)
	client := tr.Dial()

	playerID := uuid.New()
	result := auth.HandleBinary(client.ServerConn(), protocol.AuthHello{
		ClientVersion: testVersion,
		Primary:       protocol.Identity{PlayerID: playerID, DisplayName: "Alice"},
	})
	assert.True(t, result.Accepted)

	received := client.Received()
	require.Len(t, received, 1)
	parsed, err := protocol.ParseAuthResult(received[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, result.SessionID, parsed.SessionID)
}
