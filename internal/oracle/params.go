package oracle

import (
	"time"

	"github.com/gagliardetto/solana-go"
)

const (
	// SlotTime is the nominal block time used to age a cached window.
	SlotTime = 400 * time.Millisecond
	// ExpiryMargin is the number of blocks a signed transaction keeps to land
	// before its blockhash expires.
	ExpiryMargin = 30
)

// Params is the transaction validity window derived from a cached blockhash.
// Height is the block height observed at FetchedAt.
type Params struct {
	Blockhash  solana.Hash
	FirstValid uint64
	LastValid  uint64
	Height     uint64
	FetchedAt  time.Time
}

// Advance moves the window start to the height estimated for now, at least one
// block forward, and reports whether the cached blockhash is still usable.
func (p *Params) Advance(now time.Time) bool {
	p.FirstValid = max(p.FirstValid+1, p.EstimatedHeight(now))
	return !p.Exhausted()
}

// EstimatedHeight extrapolates Height by the blocks produced since FetchedAt.
func (p Params) EstimatedHeight(now time.Time) uint64 {
	if p.FetchedAt.IsZero() || !now.After(p.FetchedAt) {
		return p.Height
	}
	return p.Height + uint64(now.Sub(p.FetchedAt)/SlotTime)
}

// Exhausted reports whether fewer than ExpiryMargin blocks remain in the window.
func (p Params) Exhausted() bool {
	return p.Blockhash == (solana.Hash{}) || p.Remaining() <= ExpiryMargin
}

// Remaining is the number of blocks left before the blockhash expires.
func (p Params) Remaining() uint64 {
	if p.FirstValid >= p.LastValid {
		return 0
	}
	return p.LastValid - p.FirstValid
}
