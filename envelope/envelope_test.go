package envelope

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAssignsIDWhenAbsent(t *testing.T) {
	e, err := New(TypeRequest, WithTTLAfter(time.Minute))
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID())
}

func TestNewRejectsMissingType(t *testing.T) {
	_, err := New("", WithTTLAfter(time.Minute))
	assert.ErrorIs(t, err, ErrMissingType)
}

func TestNewRejectsNonAbsoluteTTL(t *testing.T) {
	_, err := New(TypeOneWay)
	assert.ErrorIs(t, err, ErrTTLNotAbsolute)
}

func TestNewRejectsInvalidCustomHeaderKey(t *testing.T) {
	_, err := New(TypeOneWay, WithTTLAfter(time.Minute), WithCustomHeader("bad key!", "v"))
	assert.ErrorIs(t, err, ErrInvalidHeader)
}

func TestEqualIgnoresReceivedFromGlobal(t *testing.T) {
	e, err := New(TypeOneWay, WithID("x"), WithTTLAfter(time.Minute), WithSender("a"), WithRecipient("b"))
	require.NoError(t, err)
	other := e.WithReceivedFromGlobal(true)
	assert.True(t, e.Equal(other))
	assert.False(t, e.ReceivedFromGlobal())
	assert.True(t, other.ReceivedFromGlobal())
}

func TestIsExpired(t *testing.T) {
	e, err := New(TypeOneWay, WithAbsoluteTTL(1000))
	require.NoError(t, err)
	assert.True(t, e.IsExpired(time.UnixMilli(1000)))
	assert.False(t, e.IsExpired(time.UnixMilli(999)))
}

func TestPayloadIsDefensiveCopy(t *testing.T) {
	p := []byte("hello")
	e, err := New(TypeOneWay, WithTTLAfter(time.Minute), WithPayload(p))
	require.NoError(t, err)
	p[0] = 'X'
	assert.Equal(t, "hello", string(e.Payload()))

	got := e.Payload()
	got[0] = 'Y'
	assert.Equal(t, "hello", string(e.Payload()))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	e, err := New(TypeRequest,
		WithID("req-1"),
		WithSender("participant-a"),
		WithRecipient("participant-b"),
		WithAbsoluteTTL(123456789),
		WithReplyTo("participant-a-reply"),
		WithEffort(EffortBestEffort),
		WithCustomHeader("traceId", "abc-123"),
		WithPayload([]byte(`{"hello":"world"}`)),
		WithCompressed(true),
	)
	require.NoError(t, err)

	buf, err := e.Encode()
	require.NoError(t, err)

	decoded, err := Decode(buf)
	require.NoError(t, err)

	assert.True(t, e.Equal(decoded))
	assert.Equal(t, e.ID(), decoded.ID())
	assert.Equal(t, e.Type(), decoded.Type())
	v, ok := decoded.CustomHeader("traceId")
	assert.True(t, ok)
	assert.Equal(t, "abc-123", v)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	_, err := Decode([]byte{0x00, 0x01, 0x00})
	assert.ErrorIs(t, err, ErrMalformedWire)
}

func TestDecodeRejectsTruncatedBuffer(t *testing.T) {
	e, err := New(TypeOneWay, WithTTLAfter(time.Minute), WithPayload([]byte("payload")))
	require.NoError(t, err)
	buf, err := e.Encode()
	require.NoError(t, err)

	_, err = Decode(buf[:len(buf)-2])
	assert.Error(t, err)
}

func TestCloneForRecipientDoesNotMutateOriginal(t *testing.T) {
	e, err := New(TypeMulticast, WithTTLAfter(time.Minute), WithRecipient("orig"))
	require.NoError(t, err)
	clone := e.CloneForRecipient("new-target")
	assert.Equal(t, "orig", e.Recipient())
	assert.Equal(t, "new-target", clone.Recipient())
}
