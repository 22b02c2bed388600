package wire_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coldbell/pricecaster/relayer/internal/wire"
	"github.com/coldbell/pricecaster/relayer/internal/wire/wiretest"
)

func TestDecodeEnvelope(t *testing.T) {
	payload := wiretest.Payload(wiretest.PriceID(0xaa))
	raw := wire.EncodeEnvelope(wiretest.Envelope(payload, 3, 42))

	env, err := wire.DecodeEnvelope(raw)
	require.NoError(t, err)
	require.EqualValues(t, 1, env.Version)
	require.EqualValues(t, 3, env.GuardianSetIndex)
	require.Len(t, env.Signatures, 3)
	require.EqualValues(t, 2, env.Signatures[2].GuardianIndex)
	require.EqualValues(t, 3, env.Signatures[2].Signature[0])
	require.EqualValues(t, 26, env.EmitterChain)
	require.EqualValues(t, 42, env.Sequence)
	require.Equal(t, payload, env.Payload)
	require.Equal(t, raw[6+3*66:], env.Body())
	require.Equal(t, raw, wire.EncodeEnvelope(env))
}

func TestDecodeEnvelopeTruncated(t *testing.T) {
	raw := wiretest.VAA(1, wiretest.PriceID(0x01))

	cases := map[string][]byte{
		"empty":          nil,
		"header only":    raw[:5],
		"signatures cut": raw[:6+66],
		"body cut":       raw[:6+2*66+50],
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := wire.DecodeEnvelope(data)
			require.ErrorIs(t, err, wire.ErrMalformedEnvelope)
		})
	}
}

func TestDecodeEnvelopeVersion(t *testing.T) {
	raw := wiretest.VAA(1, wiretest.PriceID(0x01))
	raw[0] = 2

	_, err := wire.DecodeEnvelope(raw)
	require.ErrorIs(t, err, wire.ErrUnsupportedVersion)
}

func TestEnvelopeDigest(t *testing.T) {
	env := wiretest.Envelope(wiretest.Payload(wiretest.PriceID(0x02)), 1, 9)
	decoded, err := wire.DecodeEnvelope(wire.EncodeEnvelope(env))
	require.NoError(t, err)

	require.Equal(t, env.BodyHash(), decoded.BodyHash())
	require.Equal(t, env.Digest(), decoded.Digest())
	require.NotEqual(t, decoded.BodyHash(), decoded.Digest())
}

func TestEnvelopeFromEmitter(t *testing.T) {
	env := wiretest.Envelope(nil, 0, 1)
	var other [32]byte
	require.True(t, env.FromEmitter(26, env.EmitterAddress))
	require.False(t, env.FromEmitter(1, env.EmitterAddress))
	require.False(t, env.FromEmitter(26, other))
}

func TestSequenceTracker(t *testing.T) {
	tracker := wire.NewSequenceTracker()
	first := wiretest.Envelope(nil, 0, 10)
	require.False(t, tracker.Seen(first))

	tracker.Mark(first)
	require.True(t, tracker.Seen(first))
	require.True(t, tracker.Seen(wiretest.Envelope(nil, 0, 9)))
	require.False(t, tracker.Seen(wiretest.Envelope(nil, 0, 11)))

	otherEmitter := wiretest.Envelope(nil, 0, 5)
	otherEmitter.EmitterChain = 1
	require.False(t, tracker.Seen(otherEmitter))

	tracker.Mark(wiretest.Envelope(nil, 0, 3))
	require.True(t, tracker.Seen(wiretest.Envelope(nil, 0, 10)))
	require.Equal(t, 1, tracker.Len())
}
