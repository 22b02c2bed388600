package slots

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/coldbell/pricecaster/relayer/internal/oracle"
	"github.com/coldbell/pricecaster/relayer/internal/slotstore"
	"github.com/coldbell/pricecaster/relayer/internal/wire"
)

type State int32

const (
	Uninitialized State = iota
	Bootstrapping
	ResettingOnly
	Checking
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Bootstrapping:
		return "bootstrapping"
	case ResettingOnly:
		return "resetting"
	case Checking:
		return "checking"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Ledger is the on-chain side of the slot layout.
type Ledger interface {
	ReadLayout(ctx context.Context) (*oracle.Layout, error)
	AllocSlot(ctx context.Context, assetRef uint64, priceID wire.PriceID) (uint8, error)
	ResetSlots(ctx context.Context) error
}

// Store is the local side of the slot layout.
type Store interface {
	Get(ctx context.Context, id wire.PriceID) (slotstore.Entry, bool, error)
	ListPriceIDs(ctx context.Context) ([]wire.PriceID, error)
	Insert(ctx context.Context, slot uint8, id wire.PriceID, assetRef uint64) error
	RowCount(ctx context.Context) (int, error)
	All(ctx context.Context) iter.Seq2[slotstore.Entry, error]
	DropAndRecreate(ctx context.Context) error
}

// Manager keeps the local slot layout and the price-store account in step.
// Allocation, reset, bootstrap and the consistency check are serialized.
type Manager struct {
	ledger Ledger
	store  Store
	logger *slog.Logger

	mu          sync.Mutex
	state       atomic.Int32
	onAllocated []func(wire.PriceID)
}

func NewManager(ledger Ledger, store Store, logger *slog.Logger) *Manager {
	return &Manager{ledger: ledger, store: store, logger: logger}
}

func (m *Manager) State() State {
	return State(m.state.Load())
}

// Ready reports whether lookups may be used for publishing.
func (m *Manager) Ready() bool {
	return m.State() == Ready
}

func (m *Manager) setState(s State) {
	prev := State(m.state.Swap(int32(s)))
	if prev != s {
		m.logger.Debug("slot manager state changed", "from", prev, "to", s)
	}
}

// Bootstrap wipes both sides and allocates seeds in order. It is also the repair
// path out of the failed state.
func (m *Manager) Bootstrap(ctx context.Context, seeds []Seed) error {
	if len(seeds) == 0 {
		return ErrEmptySeeds
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.setState(Bootstrapping)
	if err := m.wipeLocked(ctx); err != nil {
		m.setState(Failed)
		return err
	}

	for i, seed := range seeds {
		slot, err := m.allocLocked(ctx, seed.AssetRef, seed.PriceID)
		if err != nil {
			m.setState(Failed)
			m.logger.Error("bootstrap allocation failed",
				"completed", i,
				"price_id", seed.PriceID.Hex(),
				"asset_ref", seed.AssetRef,
				"err", err,
			)
			return &BootstrapError{Completed: i, Failed: seed, Err: err}
		}
		m.logger.Info("bootstrap slot allocated", "slot", slot, "price_id", seed.PriceID.Hex(), "asset_ref", seed.AssetRef)
	}

	m.setState(Ready)
	m.logger.Info("bootstrap completed", "entries", len(seeds))
	return nil
}

// ResetOnly wipes both sides and leaves an empty, ready layout.
func (m *Manager) ResetOnly(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.State() == Failed {
		return ErrFailed
	}

	m.setState(ResettingOnly)
	if err := m.wipeLocked(ctx); err != nil {
		m.setState(Failed)
		return err
	}
	m.setState(Ready)
	m.logger.Info("slot layout reset")
	return nil
}

func (m *Manager) wipeLocked(ctx context.Context) error {
	if err := m.store.DropAndRecreate(ctx); err != nil {
		return fmt.Errorf("recreate slot store: %w", err)
	}
	if err := m.ledger.ResetSlots(ctx); err != nil {
		return fmt.Errorf("reset on-chain slots: %w", err)
	}
	return nil
}

// OnAllocate registers fn to run after every AllocSlot that recorded a new slot.
func (m *Manager) OnAllocate(fn func(wire.PriceID)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAllocated = append(m.onAllocated, fn)
}

// AllocSlot maps priceID to the next free slot on chain and records it locally.
func (m *Manager) AllocSlot(ctx context.Context, assetRef uint64, priceID wire.PriceID) (uint8, error) {
	m.mu.Lock()
	switch m.State() {
	case Failed:
		m.mu.Unlock()
		return 0, ErrFailed
	case Uninitialized:
		m.mu.Unlock()
		return 0, ErrNotInitialized
	}
	slot, err := m.allocLocked(ctx, assetRef, priceID)
	hooks := slices.Clone(m.onAllocated)
	m.mu.Unlock()

	if err != nil {
		return 0, err
	}
	for _, fn := range hooks {
		fn(priceID)
	}
	return slot, nil
}

func (m *Manager) allocLocked(ctx context.Context, assetRef uint64, priceID wire.PriceID) (uint8, error) {
	if _, ok, err := m.store.Get(ctx, priceID); err != nil {
		return 0, err
	} else if ok {
		return 0, fmt.Errorf("%w: %s", ErrAlreadyMapped, priceID.Hex())
	}

	before, err := m.store.RowCount(ctx)
	if err != nil {
		return 0, err
	}

	slot, err := m.ledger.AllocSlot(ctx, assetRef, priceID)
	if err != nil {
		return 0, err
	}
	if int(slot) != before {
		return 0, fmt.Errorf("%w: chain returned slot %d, store has %d entries", ErrSlotMismatch, slot, before)
	}

	if err := m.store.Insert(ctx, slot, priceID, assetRef); err != nil {
		return 0, fmt.Errorf("record slot %d: %w", slot, err)
	}
	return slot, nil
}

// Check compares the local layout with the chain: entry counts first, then the
// asset reference of every stored slot.
func (m *Manager) Check(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.State() == Failed {
		return ErrFailed
	}
	m.setState(Checking)

	if err := m.checkLocked(ctx); err != nil {
		m.setState(Failed)
		return err
	}
	m.setState(Ready)
	return nil
}

func (m *Manager) checkLocked(ctx context.Context) error {
	layout, err := m.ledger.ReadLayout(ctx)
	if err != nil {
		return fmt.Errorf("read on-chain layout: %w", err)
	}
	count, err := m.store.RowCount(ctx)
	if err != nil {
		return err
	}
	if int(layout.System.EntryCount) != count {
		return &ConsistencyError{Kind: RowCountMismatch, StoredCount: count, ChainCount: int(layout.System.EntryCount)}
	}

	for entry, err := range m.store.All(ctx) {
		if err != nil {
			return err
		}
		onChain, ok := layout.Slot(entry.Slot)
		if !ok || onChain.AssetRef != entry.AssetRef {
			return &ConsistencyError{
				Kind:           AssetRefMismatch,
				Slot:           entry.Slot,
				PriceID:        entry.PriceID,
				StoredAssetRef: entry.AssetRef,
				ChainAssetRef:  onChain.AssetRef,
			}
		}
	}
	return nil
}

// SkipCheck marks an uninitialized manager ready without comparing with the chain.
func (m *Manager) SkipCheck() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.State() != Uninitialized {
		return
	}
	m.logger.Warn("slot layout consistency check skipped by configuration")
	m.setState(Ready)
}

// Consistent compares entry counts only.
func (m *Manager) Consistent(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	layout, err := m.ledger.ReadLayout(ctx)
	if err != nil {
		return false, fmt.Errorf("read on-chain layout: %w", err)
	}
	count, err := m.store.RowCount(ctx)
	if err != nil {
		return false, err
	}
	return int(layout.System.EntryCount) == count, nil
}

func (m *Manager) GetPriceIDs(ctx context.Context) ([]wire.PriceID, error) {
	return m.store.ListPriceIDs(ctx)
}

func (m *Manager) GetSlotByPriceID(ctx context.Context, id wire.PriceID) (slotstore.Entry, bool, error) {
	return m.store.Get(ctx, id)
}

// Entries returns the full local layout ordered by slot.
func (m *Manager) Entries(ctx context.Context) ([]slotstore.Entry, error) {
	var out []slotstore.Entry
	for entry, err := range m.store.All(ctx) {
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

func (m *Manager) RowCount(ctx context.Context) (int, error) {
	return m.store.RowCount(ctx)
}

// Dump logs every local entry.
func (m *Manager) Dump(ctx context.Context) error {
	entries, err := m.Entries(ctx)
	if err != nil {
		return err
	}
	m.logger.Info("slot layout", "entries", len(entries), "state", m.State())
	for _, entry := range entries {
		m.logger.Info("slot", "slot", entry.Slot, "price_id", entry.PriceID.Hex(), "asset_ref", entry.AssetRef)
	}
	return nil
}
