package slots

import (
	"errors"
	"fmt"

	"github.com/coldbell/pricecaster/relayer/internal/wire"
)

var (
	ErrEmptySeeds     = errors.New("seed list is empty")
	ErrAlreadyMapped  = errors.New("price id already has a slot")
	ErrSlotMismatch   = errors.New("allocated slot does not match the layout row count")
	ErrFailed         = errors.New("slot manager is in failed state")
	ErrInvalidSeeds   = errors.New("invalid seed file")
	ErrNotInitialized = errors.New("slot manager has not been initialized")
)

type ConsistencyKind int

const (
	RowCountMismatch ConsistencyKind = iota + 1
	AssetRefMismatch
)

func (k ConsistencyKind) String() string {
	switch k {
	case RowCountMismatch:
		return "row_count"
	case AssetRefMismatch:
		return "asset_ref"
	default:
		return "unknown"
	}
}

// ConsistencyError describes the first difference found between the local layout and the chain.
type ConsistencyError struct {
	Kind ConsistencyKind

	StoredCount int
	ChainCount  int

	Slot           uint8
	PriceID        wire.PriceID
	StoredAssetRef uint64
	ChainAssetRef  uint64
}

func (e *ConsistencyError) Error() string {
	if e.Kind == RowCountMismatch {
		return fmt.Sprintf("slot layout inconsistent: store has %d entries, chain reports %d", e.StoredCount, e.ChainCount)
	}
	return fmt.Sprintf("slot layout inconsistent at slot %d (price id %s): store asset ref %d, chain asset ref %d",
		e.Slot, e.PriceID.Hex(), e.StoredAssetRef, e.ChainAssetRef)
}

// BootstrapError reports an allocation that aborted a bootstrap. Seeds before Failed were allocated.
type BootstrapError struct {
	Completed int
	Failed    Seed
	Err       error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("bootstrap aborted after %d allocations at price id %s (asset ref %d): %v",
		e.Completed, e.Failed.PriceID.Hex(), e.Failed.AssetRef, e.Err)
}

func (e *BootstrapError) Unwrap() error {
	return e.Err
}
