package oracle

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
)

const (
	SlotSize = 92
	// MaxCapacity is the largest slot count addressable by a u8 slot index.
	MaxCapacity = 255

	FlagTestMode uint8 = 0x80
	// IgnoreSlot marks an attestation the oracle program must skip.
	IgnoreSlot uint8 = 0xFF
)

var (
	priceStoreDiscriminator = accountDiscriminator("PriceStore")

	ErrInvalidLayout = errors.New("invalid price store layout")
)

// DataSlot is one price record in the price-store account.
type DataSlot struct {
	AssetRef        uint64
	NormalizedPrice uint64
	Price           int64
	Confidence      uint64
	Exponent        int32
	EMAPrice        int64
	EMAConfidence   uint64
	AttestationTime uint64
	PublishTime     uint64
	PrevPublishTime uint64
	PrevPrice       int64
	PrevConfidence  uint64
}

// SystemSlot is the trailing slot that carries allocation bookkeeping.
type SystemSlot struct {
	EntryCount uint8
	Flags      uint8
}

func (s SystemSlot) TestMode() bool {
	return s.Flags&FlagTestMode != 0
}

type Layout struct {
	Slots  []DataSlot
	System SystemSlot
}

// Slot returns the data slot at index, or false when index is outside the data area.
func (l *Layout) Slot(index uint8) (DataSlot, bool) {
	if int(index) >= len(l.Slots) {
		return DataSlot{}, false
	}
	return l.Slots[index], true
}

func DecodeLayout(data []byte, capacity int) (*Layout, error) {
	if capacity < 2 || capacity > MaxCapacity {
		return nil, fmt.Errorf("%w: capacity %d outside [2, %d]", ErrInvalidLayout, capacity, MaxCapacity)
	}
	want := len(priceStoreDiscriminator) + capacity*SlotSize
	if len(data) < want {
		return nil, fmt.Errorf("%w: %d bytes, need %d for %d slots", ErrInvalidLayout, len(data), want, capacity)
	}
	if !bytes.Equal(data[:8], priceStoreDiscriminator[:]) {
		return nil, fmt.Errorf("%w: unexpected account discriminator %x", ErrInvalidLayout, data[:8])
	}

	layout := &Layout{Slots: make([]DataSlot, capacity-1)}
	for i := range layout.Slots {
		start := 8 + i*SlotSize
		slot, err := decodeDataSlot(data[start : start+SlotSize])
		if err != nil {
			return nil, fmt.Errorf("%w: slot %d: %v", ErrInvalidLayout, i, err)
		}
		layout.Slots[i] = slot
	}

	system := data[8+(capacity-1)*SlotSize:]
	layout.System = SystemSlot{EntryCount: system[0], Flags: system[1]}
	return layout, nil
}

func decodeDataSlot(raw []byte) (DataSlot, error) {
	var out DataSlot
	dec := bin.NewBinDecoder(raw)
	var err error
	read := func(f func() error) {
		if err == nil {
			err = f()
		}
	}
	read(func() (e error) { out.AssetRef, e = dec.ReadUint64(binary.BigEndian); return })
	read(func() (e error) { out.NormalizedPrice, e = dec.ReadUint64(binary.BigEndian); return })
	read(func() (e error) { out.Price, e = dec.ReadInt64(binary.BigEndian); return })
	read(func() (e error) { out.Confidence, e = dec.ReadUint64(binary.BigEndian); return })
	read(func() (e error) { out.Exponent, e = dec.ReadInt32(binary.BigEndian); return })
	read(func() (e error) { out.EMAPrice, e = dec.ReadInt64(binary.BigEndian); return })
	read(func() (e error) { out.EMAConfidence, e = dec.ReadUint64(binary.BigEndian); return })
	read(func() (e error) { out.AttestationTime, e = dec.ReadUint64(binary.BigEndian); return })
	read(func() (e error) { out.PublishTime, e = dec.ReadUint64(binary.BigEndian); return })
	read(func() (e error) { out.PrevPublishTime, e = dec.ReadUint64(binary.BigEndian); return })
	read(func() (e error) { out.PrevPrice, e = dec.ReadInt64(binary.BigEndian); return })
	read(func() (e error) { out.PrevConfidence, e = dec.ReadUint64(binary.BigEndian); return })
	return out, err
}

// EncodeLayout produces account data for layout; missing data slots are zero.
func EncodeLayout(layout *Layout, capacity int) []byte {
	var buf bytes.Buffer
	buf.Grow(8 + capacity*SlotSize)
	buf.Write(priceStoreDiscriminator[:])

	enc := bin.NewBinEncoder(&buf)
	for i := 0; i < capacity-1; i++ {
		var s DataSlot
		if i < len(layout.Slots) {
			s = layout.Slots[i]
		}
		_ = enc.WriteUint64(s.AssetRef, binary.BigEndian)
		_ = enc.WriteUint64(s.NormalizedPrice, binary.BigEndian)
		_ = enc.WriteInt64(s.Price, binary.BigEndian)
		_ = enc.WriteUint64(s.Confidence, binary.BigEndian)
		_ = enc.WriteInt32(s.Exponent, binary.BigEndian)
		_ = enc.WriteInt64(s.EMAPrice, binary.BigEndian)
		_ = enc.WriteUint64(s.EMAConfidence, binary.BigEndian)
		_ = enc.WriteUint64(s.AttestationTime, binary.BigEndian)
		_ = enc.WriteUint64(s.PublishTime, binary.BigEndian)
		_ = enc.WriteUint64(s.PrevPublishTime, binary.BigEndian)
		_ = enc.WriteInt64(s.PrevPrice, binary.BigEndian)
		_ = enc.WriteUint64(s.PrevConfidence, binary.BigEndian)
	}

	system := make([]byte, SlotSize)
	system[0] = layout.System.EntryCount
	system[1] = layout.System.Flags
	buf.Write(system)
	return buf.Bytes()
}

func accountDiscriminator(name string) [8]byte {
	hash := sha256.Sum256([]byte("account:" + name))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}
