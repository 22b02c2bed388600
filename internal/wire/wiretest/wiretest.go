// Package wiretest builds envelope and payload bytes for tests.
package wiretest

import (
	"github.com/coldbell/pricecaster/relayer/internal/wire"
)

// PriceID returns a deterministic id whose bytes are all b.
func PriceID(b byte) wire.PriceID {
	var id wire.PriceID
	for i := range id {
		id[i] = b
	}
	return id
}

func Attestation(id wire.PriceID, status uint8) wire.PriceAttestation {
	return wire.PriceAttestation{
		PriceID:          id,
		Price:            123456789,
		Confidence:       1000,
		Exponent:         -8,
		EMAPrice:         123400000,
		EMAConfidence:    900,
		Status:           status,
		NumPublishers:    10,
		MaxNumPublishers: 12,
		AttestationTime:  1700000000,
		PublishTime:      1700000000,
		PrevPublishTime:  1699999999,
		PrevPrice:        123450000,
		PrevConfidence:   950,
	}
}

// Payload encodes one trading attestation per id.
func Payload(ids ...wire.PriceID) []byte {
	attestations := make([]wire.PriceAttestation, 0, len(ids))
	for _, id := range ids {
		attestations = append(attestations, Attestation(id, wire.StatusTrading))
	}
	return wire.EncodePayload(wire.NewPayloadHeader(), attestations)
}

// Envelope wraps payload with numSignatures dummy signatures from emitter chain 26.
func Envelope(payload []byte, numSignatures int, sequence uint64) *wire.Envelope {
	env := &wire.Envelope{
		Version:          1,
		GuardianSetIndex: 3,
		Timestamp:        1700000000,
		Nonce:            7,
		EmitterChain:     26,
		Sequence:         sequence,
		ConsistencyLevel: 1,
		Payload:          payload,
	}
	env.EmitterAddress[31] = 0x01
	for i := 0; i < numSignatures; i++ {
		var sig wire.Signature
		sig.GuardianIndex = uint8(i)
		sig.Signature[0] = byte(i + 1)
		env.Signatures = append(env.Signatures, sig)
	}
	return env
}

// VAA returns the encoded envelope carrying a payload for ids.
func VAA(sequence uint64, ids ...wire.PriceID) []byte {
	return wire.EncodeEnvelope(Envelope(Payload(ids...), 2, sequence))
}
