package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	bin "github.com/gagliardetto/binary"
)

const (
	PayloadMagic         uint32 = 0x50325748 // "P2WH"
	SupportedMajor       uint16 = 3
	SupportedMinor       uint16 = 0
	SupportedHeaderSize  uint16 = 1
	PayloadIDAttestation uint8  = 2

	PayloadHeaderSize = 15
	// AttestationFieldsSize is the number of bytes occupied by attestation fields.
	AttestationFieldsSize = 149
	// AttestationSize is the canonical record width including one pad byte.
	AttestationSize = 150

	StatusTrading uint8 = 1

	priceIDOffset = 32
	statusOffset  = 100
)

var (
	ErrBadMagic                = errors.New("bad payload magic")
	ErrUnsupportedMajorVersion = errors.New("unsupported payload major version")
	ErrUnsupportedPayloadKind  = errors.New("unsupported payload kind")
	ErrInvalidAttestationSize  = errors.New("invalid attestation size")
	ErrTruncatedPayload        = errors.New("truncated payload")
)

type PayloadHeader struct {
	Magic            uint32
	MajorVersion     uint16
	MinorVersion     uint16
	HeaderSize       uint16
	PayloadID        uint8
	AttestationCount uint16
	AttestationSize  uint16
}

type PriceAttestation struct {
	ProductID        [32]byte
	PriceID          PriceID
	Price            int64
	Confidence       uint64
	Exponent         int32
	EMAPrice         int64
	EMAConfidence    uint64
	Status           uint8
	NumPublishers    uint32
	MaxNumPublishers uint32
	AttestationTime  uint64
	PublishTime      uint64
	PrevPublishTime  uint64
	PrevPrice        int64
	PrevConfidence   uint64

	// pad holds record bytes past the known fields so encoding reproduces them.
	pad []byte
}

func (a PriceAttestation) Trading() bool {
	return a.Status == StatusTrading
}

// DecodePayload validates the attestation batch header and decodes every record.
// A minor version mismatch is reported to logger (when non-nil) and otherwise ignored.
func DecodePayload(data []byte, logger *slog.Logger) (PayloadHeader, []PriceAttestation, error) {
	header, err := decodeHeader(data, logger)
	if err != nil {
		return PayloadHeader{}, nil, err
	}

	size := int(header.AttestationSize)
	out := make([]PriceAttestation, 0, header.AttestationCount)
	for i := 0; i < int(header.AttestationCount); i++ {
		start := PayloadHeaderSize + i*size
		attestation, err := decodeAttestation(data[start : start+size])
		if err != nil {
			return PayloadHeader{}, nil, fmt.Errorf("attestation %d: %w", i, err)
		}
		out = append(out, attestation)
	}
	return header, out, nil
}

// ExtractPriceIDs returns the price id of every record without decoding the rest.
func ExtractPriceIDs(data []byte, logger *slog.Logger) ([]PriceID, error) {
	header, err := decodeHeader(data, logger)
	if err != nil {
		return nil, err
	}

	size := int(header.AttestationSize)
	out := make([]PriceID, header.AttestationCount)
	for i := range out {
		start := PayloadHeaderSize + i*size + priceIDOffset
		copy(out[i][:], data[start:start+32])
	}
	return out, nil
}

func ExtractStatuses(data []byte) ([]uint8, error) {
	header, err := decodeHeader(data, nil)
	if err != nil {
		return nil, err
	}

	size := int(header.AttestationSize)
	out := make([]uint8, header.AttestationCount)
	for i := range out {
		out[i] = data[PayloadHeaderSize+i*size+statusOffset]
	}
	return out, nil
}

func decodeHeader(data []byte, logger *slog.Logger) (PayloadHeader, error) {
	if len(data) < PayloadHeaderSize {
		return PayloadHeader{}, fmt.Errorf("%w: %d bytes is shorter than the %d-byte header", ErrTruncatedPayload, len(data), PayloadHeaderSize)
	}

	dec := bin.NewBinDecoder(data[:PayloadHeaderSize])
	var header PayloadHeader
	// Reads cannot fail: the header slice length was checked above.
	header.Magic, _ = dec.ReadUint32(binary.BigEndian)
	header.MajorVersion, _ = dec.ReadUint16(binary.BigEndian)
	header.MinorVersion, _ = dec.ReadUint16(binary.BigEndian)
	header.HeaderSize, _ = dec.ReadUint16(binary.BigEndian)
	header.PayloadID, _ = dec.ReadUint8()
	header.AttestationCount, _ = dec.ReadUint16(binary.BigEndian)
	header.AttestationSize, _ = dec.ReadUint16(binary.BigEndian)

	if header.Magic != PayloadMagic {
		return PayloadHeader{}, fmt.Errorf("%w: 0x%08x", ErrBadMagic, header.Magic)
	}
	if header.MajorVersion != SupportedMajor {
		return PayloadHeader{}, fmt.Errorf("%w: %d (expected %d)", ErrUnsupportedMajorVersion, header.MajorVersion, SupportedMajor)
	}
	if header.MinorVersion != SupportedMinor && logger != nil {
		logger.Warn("payload minor version differs from supported version",
			"major", header.MajorVersion,
			"minor", header.MinorVersion,
			"supported_minor", SupportedMinor,
		)
	}
	if header.HeaderSize != SupportedHeaderSize || header.PayloadID != PayloadIDAttestation {
		return PayloadHeader{}, fmt.Errorf("%w: header size %d, payload id %d", ErrUnsupportedPayloadKind, header.HeaderSize, header.PayloadID)
	}
	if header.AttestationSize < AttestationFieldsSize {
		return PayloadHeader{}, fmt.Errorf("%w: %d (minimum %d)", ErrInvalidAttestationSize, header.AttestationSize, AttestationFieldsSize)
	}

	expected := PayloadHeaderSize + int(header.AttestationCount)*int(header.AttestationSize)
	if len(data) < expected {
		return PayloadHeader{}, fmt.Errorf("%w: %d attestations of %d bytes need %d bytes, got %d",
			ErrTruncatedPayload, header.AttestationCount, header.AttestationSize, expected, len(data))
	}
	if len(data) > expected && logger != nil {
		logger.Warn("payload carries bytes after the last attestation, ignoring them", "extra_bytes", len(data)-expected)
	}

	return header, nil
}

func decodeAttestation(record []byte) (PriceAttestation, error) {
	var out PriceAttestation
	dec := bin.NewBinDecoder(record)

	productID, err := dec.ReadNBytes(32)
	if err != nil {
		return out, fmt.Errorf("%w: product id: %v", ErrTruncatedPayload, err)
	}
	copy(out.ProductID[:], productID)
	priceID, err := dec.ReadNBytes(32)
	if err != nil {
		return out, fmt.Errorf("%w: price id: %v", ErrTruncatedPayload, err)
	}
	copy(out.PriceID[:], priceID)

	reads := []func() error{
		func() (err error) { out.Price, err = dec.ReadInt64(binary.BigEndian); return },
		func() (err error) { out.Confidence, err = dec.ReadUint64(binary.BigEndian); return },
		func() (err error) { out.Exponent, err = dec.ReadInt32(binary.BigEndian); return },
		func() (err error) { out.EMAPrice, err = dec.ReadInt64(binary.BigEndian); return },
		func() (err error) { out.EMAConfidence, err = dec.ReadUint64(binary.BigEndian); return },
		func() (err error) { out.Status, err = dec.ReadUint8(); return },
		func() (err error) { out.NumPublishers, err = dec.ReadUint32(binary.BigEndian); return },
		func() (err error) { out.MaxNumPublishers, err = dec.ReadUint32(binary.BigEndian); return },
		func() (err error) { out.AttestationTime, err = dec.ReadUint64(binary.BigEndian); return },
		func() (err error) { out.PublishTime, err = dec.ReadUint64(binary.BigEndian); return },
		func() (err error) { out.PrevPublishTime, err = dec.ReadUint64(binary.BigEndian); return },
		func() (err error) { out.PrevPrice, err = dec.ReadInt64(binary.BigEndian); return },
		func() (err error) { out.PrevConfidence, err = dec.ReadUint64(binary.BigEndian); return },
	}
	for _, read := range reads {
		if err := read(); err != nil {
			return out, fmt.Errorf("%w: %v", ErrTruncatedPayload, err)
		}
	}

	if len(record) > AttestationFieldsSize {
		out.pad = append([]byte(nil), record[AttestationFieldsSize:]...)
	}
	return out, nil
}

// EncodePayload writes header and attestations in the fixed-width wire layout.
// A zero AttestationSize defaults to AttestationSize and AttestationCount always
// follows len(attestations).
func EncodePayload(header PayloadHeader, attestations []PriceAttestation) []byte {
	size := int(header.AttestationSize)
	if size == 0 {
		size = AttestationSize
	}

	var buf bytes.Buffer
	buf.Grow(PayloadHeaderSize + len(attestations)*size)
	enc := bin.NewBinEncoder(&buf)
	_ = enc.WriteUint32(header.Magic, binary.BigEndian)
	_ = enc.WriteUint16(header.MajorVersion, binary.BigEndian)
	_ = enc.WriteUint16(header.MinorVersion, binary.BigEndian)
	_ = enc.WriteUint16(header.HeaderSize, binary.BigEndian)
	_ = enc.WriteUint8(header.PayloadID)
	_ = enc.WriteUint16(uint16(len(attestations)), binary.BigEndian)
	_ = enc.WriteUint16(uint16(size), binary.BigEndian)

	for _, a := range attestations {
		start := buf.Len()
		_ = enc.WriteBytes(a.ProductID[:], false)
		_ = enc.WriteBytes(a.PriceID[:], false)
		_ = enc.WriteInt64(a.Price, binary.BigEndian)
		_ = enc.WriteUint64(a.Confidence, binary.BigEndian)
		_ = enc.WriteInt32(a.Exponent, binary.BigEndian)
		_ = enc.WriteInt64(a.EMAPrice, binary.BigEndian)
		_ = enc.WriteUint64(a.EMAConfidence, binary.BigEndian)
		_ = enc.WriteUint8(a.Status)
		_ = enc.WriteUint32(a.NumPublishers, binary.BigEndian)
		_ = enc.WriteUint32(a.MaxNumPublishers, binary.BigEndian)
		_ = enc.WriteUint64(a.AttestationTime, binary.BigEndian)
		_ = enc.WriteUint64(a.PublishTime, binary.BigEndian)
		_ = enc.WriteUint64(a.PrevPublishTime, binary.BigEndian)
		_ = enc.WriteInt64(a.PrevPrice, binary.BigEndian)
		_ = enc.WriteUint64(a.PrevConfidence, binary.BigEndian)

		padLen := size - (buf.Len() - start)
		if padLen > 0 {
			pad := make([]byte, padLen)
			copy(pad, a.pad)
			_ = enc.WriteBytes(pad, false)
		}
	}
	return buf.Bytes()
}

// NewPayloadHeader returns a header accepted by DecodePayload.
func NewPayloadHeader() PayloadHeader {
	return PayloadHeader{
		Magic:           PayloadMagic,
		MajorVersion:    SupportedMajor,
		MinorVersion:    SupportedMinor,
		HeaderSize:      SupportedHeaderSize,
		PayloadID:       PayloadIDAttestation,
		AttestationSize: AttestationSize,
	}
}
