package dispatch

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yarg-net/backplane/internal/protocol"
)

func testCtx() Context {
	return Context{Role: RoleServer, Channel: 0}
}

func TestDispatchEnvelope(t *testing.T) {
	d := NewDispatcher(zap.NewNop())

	var got protocol.SetReadyPayload
	require.NoError(t, d.RegisterHandler(protocol.TypeSetReady, func(ctx Context, payload json.RawMessage) error {
		p, err := protocol.ParseJSON[protocol.SetReadyPayload](payload)
		if err != nil {
			return err
		}
		got = *p
		return nil
	}))

	data, err := protocol.EncodeEnvelope(protocol.TypeSetReady, "v1", protocol.SetReadyPayload{Ready: true})
	require.NoError(t, err)

	handled, err := d.Dispatch(data, testCtx())
	require.NoError(t, err)
	assert.True(t, handled)
	assert.True(t, got.Ready)
}

func TestDispatchUnknownTypeIsNotAnError(t *testing.T) {
	d := NewDispatcher(zap.NewNop())

	data, err := protocol.EncodeEnvelope(protocol.TypeSetReady, "v1", protocol.SetReadyPayload{})
	require.NoError(t, err)

	handled, err := d.Dispatch(data, testCtx())
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestDuplicateRegistrationFails(t *testing.T) {
	d := NewDispatcher(zap.NewNop())
	noop := func(Context, json.RawMessage) error { return nil }

	require.NoError(t, d.RegisterHandler(protocol.TypeSetReady, noop))
	assert.Error(t, d.RegisterHandler(protocol.TypeSetReady, noop))
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	d := NewDispatcher(zap.NewNop())
	require.NoError(t, d.RegisterHandler(protocol.TypeSetReady, func(Context, json.RawMessage) error {
		panic("boom")
	}))

	data, err := protocol.EncodeEnvelope(protocol.TypeSetReady, "v1", protocol.SetReadyPayload{})
	require.NoError(t, err)

	handled, err := d.Dispatch(data, testCtx())
	assert.True(t, handled)
	assert.Error(t, err)
}

func TestBinaryPacketsGoToBinaryHandler(t *testing.T) {
	d := NewDispatcher(zap.NewNop())

	var gotType protocol.PacketType
	d.SetBinaryHandler(func(ctx Context, packetType protocol.PacketType, data []byte) error {
		gotType = packetType
		return nil
	})

	data := protocol.BuildHeartbeat(protocol.Heartbeat{ClientTimeMs: 5})
	handled, err := d.Dispatch(data, testCtx())
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, protocol.TypeHeartbeat, gotType)
}

func TestMalformedEnvelopeReturnsError(t *testing.T) {
	d := NewDispatcher(zap.NewNop())

	handled, err := d.Dispatch([]byte(`{"type":`), testCtx())
	assert.False(t, handled)
	assert.Error(t, err)
}
