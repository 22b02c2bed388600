package publisher

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	bin "github.com/gagliardetto/binary"

	"github.com/coldbell/pricecaster/relayer/internal/oracle"
	"github.com/coldbell/pricecaster/relayer/internal/slotstore"
	"github.com/coldbell/pricecaster/relayer/internal/wire"
)

const (
	// IgnoreAssetRef marks a price id the contract must skip.
	IgnoreAssetRef uint64 = 0xFFFFFFFFFFFFFFFF

	assetSlotEntrySize = 9 // slot u8 + asset ref u64 BE

	MaxComputeUnitLimit = 1_400_000
)

type Resolver interface {
	GetSlotByPriceID(ctx context.Context, id wire.PriceID) (slotstore.Entry, bool, error)
}

// BuildAssetSlots encodes one (slot, asset ref) entry per price id in payload
// order. Unknown ids get the ignore marker. It also returns how many ids resolved.
func BuildAssetSlots(ctx context.Context, resolver Resolver, ids []wire.PriceID) ([]byte, int, error) {
	var buf bytes.Buffer
	buf.Grow(len(ids) * assetSlotEntrySize)
	enc := bin.NewBinEncoder(&buf)

	resolved := 0
	for _, id := range ids {
		entry, ok, err := resolver.GetSlotByPriceID(ctx, id)
		if err != nil {
			return nil, 0, fmt.Errorf("resolve %s: %w", id, err)
		}
		slot, assetRef := oracle.IgnoreSlot, IgnoreAssetRef
		if ok {
			slot, assetRef = entry.Slot, entry.AssetRef
			resolved++
		}
		_ = enc.WriteUint8(slot)
		_ = enc.WriteUint64(assetRef, binary.BigEndian)
	}
	return buf.Bytes(), resolved, nil
}

// ComputeUnitLimit scales base by max(1, k-1) for k price ids, capped at the
// per-transaction maximum.
func ComputeUnitLimit(base uint32, k int) uint32 {
	factor := uint64(max(1, k-1))
	limit := uint64(base) * factor
	if limit > MaxComputeUnitLimit {
		return MaxComputeUnitLimit
	}
	return uint32(limit)
}
