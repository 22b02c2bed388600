package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"golang.org/x/crypto/sha3"
)

const (
	envelopeVersion = 1

	envelopeHeaderSize = 6  // version, guardian set index, signature count
	signatureSize      = 66 // guardian index + 65-byte recoverable signature
	envelopeBodySize   = 51 // timestamp .. consistency level
)

var (
	ErrMalformedEnvelope  = errors.New("malformed envelope")
	ErrUnsupportedVersion = errors.New("unsupported envelope version")
)

type Signature struct {
	GuardianIndex uint8
	Signature     [65]byte
}

// Envelope is a decoded guardian-signed message (VAA).
type Envelope struct {
	Version          uint8
	GuardianSetIndex uint32
	Signatures       []Signature
	Timestamp        uint32
	Nonce            uint32
	EmitterChain     uint16
	EmitterAddress   [32]byte
	Sequence         uint64
	ConsistencyLevel uint8
	Payload          []byte

	body []byte
}

func DecodeEnvelope(data []byte) (*Envelope, error) {
	if len(data) < envelopeHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the %d-byte header", ErrMalformedEnvelope, len(data), envelopeHeaderSize)
	}

	dec := bin.NewBinDecoder(data)
	version, err := dec.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("%w: version: %v", ErrMalformedEnvelope, err)
	}
	if version != envelopeVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	guardianSetIndex, err := dec.ReadUint32(binary.BigEndian)
	if err != nil {
		return nil, fmt.Errorf("%w: guardian set index: %v", ErrMalformedEnvelope, err)
	}
	numSignatures, err := dec.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("%w: signature count: %v", ErrMalformedEnvelope, err)
	}

	required := envelopeHeaderSize + int(numSignatures)*signatureSize + envelopeBodySize
	if len(data) < required {
		return nil, fmt.Errorf("%w: %d signatures need at least %d bytes, got %d", ErrMalformedEnvelope, numSignatures, required, len(data))
	}

	env := &Envelope{
		Version:          version,
		GuardianSetIndex: guardianSetIndex,
		Signatures:       make([]Signature, numSignatures),
	}
	for i := range env.Signatures {
		guardianIndex, err := dec.ReadUint8()
		if err != nil {
			return nil, fmt.Errorf("%w: signature %d: %v", ErrMalformedEnvelope, i, err)
		}
		raw, err := dec.ReadNBytes(65)
		if err != nil {
			return nil, fmt.Errorf("%w: signature %d: %v", ErrMalformedEnvelope, i, err)
		}
		env.Signatures[i].GuardianIndex = guardianIndex
		copy(env.Signatures[i].Signature[:], raw)
	}

	bodyStart := envelopeHeaderSize + int(numSignatures)*signatureSize
	env.body = data[bodyStart:]

	if env.Timestamp, err = dec.ReadUint32(binary.BigEndian); err != nil {
		return nil, fmt.Errorf("%w: timestamp: %v", ErrMalformedEnvelope, err)
	}
	if env.Nonce, err = dec.ReadUint32(binary.BigEndian); err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrMalformedEnvelope, err)
	}
	if env.EmitterChain, err = dec.ReadUint16(binary.BigEndian); err != nil {
		return nil, fmt.Errorf("%w: emitter chain: %v", ErrMalformedEnvelope, err)
	}
	emitter, err := dec.ReadNBytes(32)
	if err != nil {
		return nil, fmt.Errorf("%w: emitter address: %v", ErrMalformedEnvelope, err)
	}
	copy(env.EmitterAddress[:], emitter)
	if env.Sequence, err = dec.ReadUint64(binary.BigEndian); err != nil {
		return nil, fmt.Errorf("%w: sequence: %v", ErrMalformedEnvelope, err)
	}
	if env.ConsistencyLevel, err = dec.ReadUint8(); err != nil {
		return nil, fmt.Errorf("%w: consistency level: %v", ErrMalformedEnvelope, err)
	}
	env.Payload = data[bodyStart+envelopeBodySize:]

	return env, nil
}

func EncodeEnvelope(env *Envelope) []byte {
	var buf bytes.Buffer
	buf.Grow(envelopeHeaderSize + len(env.Signatures)*signatureSize + envelopeBodySize + len(env.Payload))

	enc := bin.NewBinEncoder(&buf)
	version := env.Version
	if version == 0 {
		version = envelopeVersion
	}
	_ = enc.WriteUint8(version)
	_ = enc.WriteUint32(env.GuardianSetIndex, binary.BigEndian)
	_ = enc.WriteUint8(uint8(len(env.Signatures)))
	for _, sig := range env.Signatures {
		_ = enc.WriteUint8(sig.GuardianIndex)
		_ = enc.WriteBytes(sig.Signature[:], false)
	}
	_ = enc.WriteBytes(encodeBody(env), false)
	return buf.Bytes()
}

func encodeBody(env *Envelope) []byte {
	var buf bytes.Buffer
	enc := bin.NewBinEncoder(&buf)
	_ = enc.WriteUint32(env.Timestamp, binary.BigEndian)
	_ = enc.WriteUint32(env.Nonce, binary.BigEndian)
	_ = enc.WriteUint16(env.EmitterChain, binary.BigEndian)
	_ = enc.WriteBytes(env.EmitterAddress[:], false)
	_ = enc.WriteUint64(env.Sequence, binary.BigEndian)
	_ = enc.WriteUint8(env.ConsistencyLevel)
	_ = enc.WriteBytes(env.Payload, false)
	return buf.Bytes()
}

// Body returns the signed portion of the envelope.
func (e *Envelope) Body() []byte {
	if e.body != nil {
		return e.body
	}
	return encodeBody(e)
}

func (e *Envelope) BodyHash() [32]byte {
	return keccak256(e.Body())
}

// Digest is the value guardians sign: keccak256(keccak256(body)).
func (e *Envelope) Digest() [32]byte {
	hash := e.BodyHash()
	return keccak256(hash[:])
}

func (e *Envelope) FromEmitter(chain uint16, address [32]byte) bool {
	return e.EmitterChain == chain && e.EmitterAddress == address
}

func (e *Envelope) String() string {
	return fmt.Sprintf("gs=%d sigs=%d ts=%d nonce=%d chain=%d seq=%d clev=%d payload=%d",
		e.GuardianSetIndex, len(e.Signatures), e.Timestamp, e.Nonce, e.EmitterChain, e.Sequence, e.ConsistencyLevel, len(e.Payload))
}

func keccak256(data []byte) [32]byte {
	hasher := sha3.NewLegacyKeccak256()
	hasher.Write(data)
	var out [32]byte
	copy(out[:], hasher.Sum(nil))
	return out
}
