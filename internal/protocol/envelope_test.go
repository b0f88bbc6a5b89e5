package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	payload := EncodeSyncStep1([]byte{0x00})
	raw := Encode("doc-1", MsgSync, payload)

	env, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "doc-1", env.DocumentName)
	assert.Equal(t, MsgSync, env.MessageType)
	assert.Equal(t, payload, env.Payload)
	assert.Equal(t, raw, env.Raw)
}

func TestSyncBodyRoundTrip(t *testing.T) {
	update := []byte{1, 2, 3}
	payload := EncodeSyncStep2(update)

	body, err := DecodeSyncBody(payload)
	require.NoError(t, err)
	assert.Equal(t, SyncStep2, body.SubType)

	got, err := DecodeLengthPrefixed(body.Body)
	require.NoError(t, err)
	assert.Equal(t, update, got)
}

func TestSyncStatusRoundTrip(t *testing.T) {
	for _, ok := range []bool{true, false} {
		got, err := DecodeSyncStatus(EncodeSyncStatus(ok))
		require.NoError(t, err)
		assert.Equal(t, ok, got)
	}
}

func TestStatelessRoundTrip(t *testing.T) {
	got, err := DecodeStateless(EncodeStateless("ping"))
	require.NoError(t, err)
	assert.Equal(t, "ping", got)
}

func TestDecodeTruncatedEnvelope(t *testing.T) {
	_, err := Decode([]byte{0x05, 'd', 'o'}) // claims 5-byte name, only 2 present
	assert.Error(t, err)
}

func TestAuthRoundTrip(t *testing.T) {
	got, err := DecodeAuth(EncodeAuth("tok-123"))
	require.NoError(t, err)
	assert.Equal(t, "tok-123", got)

	got, err = DecodeAuth(EncodeAuth(""))
	require.NoError(t, err)
	assert.Equal(t, "", got)
}
