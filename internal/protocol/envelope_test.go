package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	data, err := EncodeEnvelope(TypeSetReady, "yarg-net/1", SetReadyPayload{Ready: true})
	require.NoError(t, err)
	assert.Equal(t, byte('{'), data[0])

	env, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, TypeSetReady, env.Type)
	assert.Equal(t, "yarg-net/1", env.Version)

	payload, err := ParseJSON[SetReadyPayload](env.Payload)
	require.NoError(t, err)
	assert.True(t, payload.Ready)
}

func TestEnvelopeAcceptsStringType(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"type":"setready","payload":{"ready":false}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeSetReady, env.Type)

	env, err = DecodeEnvelope([]byte(`{"type":"SetReady","payload":{}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeSetReady, env.Type)
}

func TestEnvelopeAcceptsNumericType(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"type":11,"payload":{"ready":true}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeSetReady, env.Type)
}

func TestEnvelopeMissingTypeFails(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"payload":{"ready":true}}`))
	assert.Error(t, err)
}

func TestEnvelopeUnknownTypeNameFails(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"type":"NoSuchPacket","payload":{}}`))
	assert.Error(t, err)
}

func TestIsEnvelope(t *testing.T) {
	assert.True(t, IsEnvelope([]byte(`{"type":1}`)))
	assert.True(t, IsEnvelope([]byte(`[1,2]`)))
	assert.False(t, IsEnvelope([]byte{byte(TypeHeartbeat), 0, 0}))
	assert.False(t, IsEnvelope(nil))
}

func TestTypeFromName(t *testing.T) {
	typ, ok := TypeFromName("gameplaystate")
	assert.True(t, ok)
	assert.Equal(t, TypeGameplayState, typ)

	_, ok = TypeFromName("bogus")
	assert.False(t, ok)
}
