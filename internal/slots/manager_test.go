package slots

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/pricecaster/relayer/internal/logging"
	"github.com/coldbell/pricecaster/relayer/internal/oracle"
	"github.com/coldbell/pricecaster/relayer/internal/slotstore"
	"github.com/coldbell/pricecaster/relayer/internal/wire"
	"github.com/coldbell/pricecaster/relayer/internal/wire/wiretest"
)

type fakeLedger struct {
	mu       sync.Mutex
	capacity int
	layout   oracle.Layout
	allocs   int
	failAt   int // 1-based allocation that fails; 0 never
	resets   int
	slotSkew int
}

func newFakeLedger(capacity int) *fakeLedger {
	return &fakeLedger{capacity: capacity, layout: oracle.Layout{Slots: make([]oracle.DataSlot, capacity-1)}}
}

func (f *fakeLedger) ReadLayout(context.Context) (*oracle.Layout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := f.layout
	copied.Slots = append([]oracle.DataSlot(nil), f.layout.Slots...)
	return &copied, nil
}

func (f *fakeLedger) AllocSlot(_ context.Context, assetRef uint64, _ wire.PriceID) (uint8, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allocs++
	if f.failAt != 0 && f.allocs == f.failAt {
		return 0, errors.New("transaction failed: custom program error")
	}
	slot := int(f.layout.System.EntryCount)
	if slot >= len(f.layout.Slots) {
		return 0, errors.New("price store is full")
	}
	f.layout.Slots[slot].AssetRef = assetRef
	f.layout.System.EntryCount++
	return uint8(slot + f.slotSkew), nil
}

func (f *fakeLedger) ResetSlots(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	f.layout = oracle.Layout{Slots: make([]oracle.DataSlot, f.capacity-1)}
	return nil
}

func newTestManager(t *testing.T, ledger *fakeLedger) (*Manager, *slotstore.Store) {
	t.Helper()
	store, err := slotstore.Open(context.Background(), slotstore.DriverSQLite, filepath.Join(t.TempDir(), "slots.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewManager(ledger, store, logging.Nop()), store
}

func seedsFor(n int) []Seed {
	out := make([]Seed, n)
	for i := range out {
		out[i] = Seed{PriceID: wiretest.PriceID(byte(i + 1)), AssetRef: uint64(1000 + i)}
	}
	return out
}

func TestBootstrapAllocatesInOrder(t *testing.T) {
	ctx := context.Background()
	ledger := newFakeLedger(10)
	manager, _ := newTestManager(t, ledger)

	require.NoError(t, manager.Bootstrap(ctx, seedsFor(4)))
	require.Equal(t, Ready, manager.State())
	require.Equal(t, 1, ledger.resets)

	entries, err := manager.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	for i, entry := range entries {
		require.EqualValues(t, i, entry.Slot)
		require.EqualValues(t, 1000+i, entry.AssetRef)
	}
	require.NoError(t, manager.Check(ctx))
}

func TestBootstrapEmptySeedsMutatesNothing(t *testing.T) {
	ledger := newFakeLedger(10)
	manager, _ := newTestManager(t, ledger)

	require.ErrorIs(t, manager.Bootstrap(context.Background(), nil), ErrEmptySeeds)
	require.Zero(t, ledger.resets)
	require.Equal(t, Uninitialized, manager.State())
}

func TestBootstrapAbortsOnAllocationFailure(t *testing.T) {
	ctx := context.Background()
	ledger := newFakeLedger(10)
	ledger.failAt = 3
	manager, store := newTestManager(t, ledger)

	err := manager.Bootstrap(ctx, seedsFor(5))
	var bootstrapErr *BootstrapError
	require.ErrorAs(t, err, &bootstrapErr)
	require.Equal(t, 2, bootstrapErr.Completed)
	require.Equal(t, wiretest.PriceID(3), bootstrapErr.Failed.PriceID)
	require.Equal(t, Failed, manager.State())
	require.False(t, manager.Ready())

	n, err := store.RowCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// re-running bootstrap repairs both sides
	ledger.failAt = 0
	require.NoError(t, manager.Bootstrap(ctx, seedsFor(5)))
	require.Equal(t, Ready, manager.State())
	require.NoError(t, manager.Check(ctx))
}

func TestCheckRowCountMismatch(t *testing.T) {
	ctx := context.Background()
	ledger := newFakeLedger(10)
	manager, store := newTestManager(t, ledger)
	require.NoError(t, manager.Bootstrap(ctx, seedsFor(3)))

	// a fourth entry written locally without an on-chain allocation
	require.NoError(t, store.Insert(ctx, 3, wiretest.PriceID(0x77), 5))

	err := manager.Check(ctx)
	var consistencyErr *ConsistencyError
	require.ErrorAs(t, err, &consistencyErr)
	require.Equal(t, RowCountMismatch, consistencyErr.Kind)
	require.Equal(t, 4, consistencyErr.StoredCount)
	require.Equal(t, 3, consistencyErr.ChainCount)
	require.Equal(t, Failed, manager.State())
	require.ErrorIs(t, manager.Check(ctx), ErrFailed)
}

func TestCheckAssetRefMismatch(t *testing.T) {
	ctx := context.Background()
	ledger := newFakeLedger(10)
	manager, _ := newTestManager(t, ledger)
	require.NoError(t, manager.Bootstrap(ctx, seedsFor(3)))

	ledger.layout.Slots[1].AssetRef = 9999

	err := manager.Check(ctx)
	var consistencyErr *ConsistencyError
	require.ErrorAs(t, err, &consistencyErr)
	require.Equal(t, AssetRefMismatch, consistencyErr.Kind)
	require.EqualValues(t, 1, consistencyErr.Slot)
	require.EqualValues(t, 1001, consistencyErr.StoredAssetRef)
	require.EqualValues(t, 9999, consistencyErr.ChainAssetRef)
}

func TestAllocSlot(t *testing.T) {
	ctx := context.Background()
	ledger := newFakeLedger(10)
	manager, _ := newTestManager(t, ledger)

	_, err := manager.AllocSlot(ctx, 1, wiretest.PriceID(1))
	require.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, manager.ResetOnly(ctx))
	slot, err := manager.AllocSlot(ctx, 55, wiretest.PriceID(0x55))
	require.NoError(t, err)
	require.EqualValues(t, 0, slot)

	_, err = manager.AllocSlot(ctx, 56, wiretest.PriceID(0x55))
	require.ErrorIs(t, err, ErrAlreadyMapped)

	entry, ok, err := manager.GetSlotByPriceID(ctx, wiretest.PriceID(0x55))
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 55, entry.AssetRef)

	ok, err = manager.Consistent(ctx)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAllocSlotNotifiesHooks(t *testing.T) {
	ctx := context.Background()
	ledger := newFakeLedger(10)
	manager, _ := newTestManager(t, ledger)
	require.NoError(t, manager.ResetOnly(ctx))

	var allocated []wire.PriceID
	manager.OnAllocate(func(id wire.PriceID) { allocated = append(allocated, id) })

	_, err := manager.AllocSlot(ctx, 55, wiretest.PriceID(0x55))
	require.NoError(t, err)
	_, err = manager.AllocSlot(ctx, 56, wiretest.PriceID(0x55))
	require.ErrorIs(t, err, ErrAlreadyMapped)

	require.Equal(t, []wire.PriceID{wiretest.PriceID(0x55)}, allocated)
}

func TestAllocSlotRejectsUnexpectedSlot(t *testing.T) {
	ctx := context.Background()
	ledger := newFakeLedger(10)
	ledger.slotSkew = 1
	manager, store := newTestManager(t, ledger)
	require.NoError(t, manager.ResetOnly(ctx))

	_, err := manager.AllocSlot(ctx, 1, wiretest.PriceID(1))
	require.ErrorIs(t, err, ErrSlotMismatch)

	n, err := store.RowCount(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSkipCheck(t *testing.T) {
	manager, _ := newTestManager(t, newFakeLedger(4))
	manager.SkipCheck()
	require.True(t, manager.Ready())
}

func TestAllocationsStayUnique(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("slots and price ids are never mapped twice", prop.ForAll(
		func(picks []uint8) bool {
			ctx := context.Background()
			ledger := newFakeLedger(64)
			manager, store := newTestManager(t, ledger)
			if err := manager.ResetOnly(ctx); err != nil {
				return false
			}

			distinct := make(map[uint8]struct{})
			for _, pick := range picks {
				_, err := manager.AllocSlot(ctx, uint64(pick), wiretest.PriceID(pick))
				_, dup := distinct[pick]
				if dup != errors.Is(err, ErrAlreadyMapped) {
					return false
				}
				distinct[pick] = struct{}{}
			}

			slots := make(map[uint8]struct{})
			ids := make(map[wire.PriceID]struct{})
			for entry, err := range store.All(ctx) {
				if err != nil {
					return false
				}
				slots[entry.Slot] = struct{}{}
				ids[entry.PriceID] = struct{}{}
			}
			return len(slots) == len(distinct) && len(ids) == len(distinct) && manager.Check(ctx) == nil
		},
		gen.SliceOfN(12, gen.UInt8Range(1, 20)),
	))

	properties.TestingRun(t)
}

func TestCheckPassesIffLayoutsAgree(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("check succeeds exactly when every asset ref matches", prop.ForAll(
		func(count int, tamper int) bool {
			ctx := context.Background()
			ledger := newFakeLedger(16)
			manager, _ := newTestManager(t, ledger)
			if err := manager.Bootstrap(ctx, seedsFor(count)); err != nil {
				return false
			}

			tampered := tamper < count
			if tampered {
				ledger.layout.Slots[tamper].AssetRef++
			}
			err := manager.Check(ctx)
			return (err == nil) == !tampered
		},
		gen.IntRange(1, 10),
		gen.IntRange(0, 12),
	))

	properties.TestingRun(t)
}

func TestParseSeeds(t *testing.T) {
	body := []byte(fmt.Sprintf(`
testnet:
  - price_id: "0x%s"
    asset_ref: 10
  - price_id: "%s"
    asset_ref: 11
mainnet: []
`, wiretest.PriceID(1).Hex(), wiretest.PriceID(2).Hex()))

	seeds, err := ParseSeeds(body, "TESTNET")
	require.NoError(t, err)
	require.Equal(t, []Seed{
		{PriceID: wiretest.PriceID(1), AssetRef: 10},
		{PriceID: wiretest.PriceID(2), AssetRef: 11},
	}, seeds)

	_, err = ParseSeeds(body, "devnet")
	require.ErrorIs(t, err, ErrInvalidSeeds)

	dup := []byte(fmt.Sprintf("testnet:\n  - price_id: %s\n  - price_id: %s\n", wiretest.PriceID(1).Hex(), wiretest.PriceID(1).Hex()))
	_, err = ParseSeeds(dup, "testnet")
	require.ErrorIs(t, err, ErrInvalidSeeds)
}
