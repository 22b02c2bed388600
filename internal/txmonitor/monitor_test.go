package txmonitor

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/pricecaster/relayer/internal/logging"
)

type fakeStatuses struct {
	mu       sync.Mutex
	statuses map[solana.Signature]*rpc.SignatureStatusesResult
	calls    []int
	err      error
}

func (f *fakeStatuses) SignatureStatuses(_ context.Context, sigs []solana.Signature) ([]*rpc.SignatureStatusesResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, len(sigs))
	if f.err != nil {
		return nil, f.err
	}
	out := make([]*rpc.SignatureStatusesResult, len(sigs))
	for i, sig := range sigs {
		out[i] = f.statuses[sig]
	}
	return out, nil
}

type outcomes struct {
	success, failure int
}

func (o *outcomes) RecordSuccess(n int) { o.success += n }
func (o *outcomes) RecordFailure(n int) { o.failure += n }

func sig(b byte) solana.Signature {
	var s solana.Signature
	s[0] = b
	s[1] = 0x7f
	return s
}

func confirmations(n uint64) *uint64 { return &n }

func TestPollClassifiesStatuses(t *testing.T) {
	client := &fakeStatuses{statuses: map[solana.Signature]*rpc.SignatureStatusesResult{
		sig(1): {ConfirmationStatus: rpc.ConfirmationStatusFinalized},
		sig(2): {ConfirmationStatus: rpc.ConfirmationStatusConfirmed, Err: map[string]any{"InstructionError": []any{2, "Custom"}}},
		sig(3): {ConfirmationStatus: rpc.ConfirmationStatusConfirmed, Confirmations: confirmations(1)},
		sig(4): {ConfirmationStatus: rpc.ConfirmationStatusProcessed},
		// sig(5) unknown to the node yet
	}}
	stats := &outcomes{}
	m := New(Config{ConfirmationThreshold: 3}, client, stats, logging.Nop())
	for i := byte(1); i <= 5; i++ {
		m.Track(sig(i))
	}

	result := m.Poll(context.Background())
	require.ElementsMatch(t, []solana.Signature{sig(1)}, result.Confirmed)
	require.ElementsMatch(t, []solana.Signature{sig(2)}, result.Failed)
	require.Equal(t, 3, m.Pending())
	require.Equal(t, &outcomes{success: 1, failure: 1}, stats)

	client.statuses[sig(3)].Confirmations = confirmations(3)
	result = m.Poll(context.Background())
	require.Equal(t, []solana.Signature{sig(3)}, result.Confirmed)
	require.Equal(t, 2, m.Pending())
	require.Equal(t, 2, stats.success)
}

func TestPollChunksStatusQueries(t *testing.T) {
	client := &fakeStatuses{statuses: map[solana.Signature]*rpc.SignatureStatusesResult{}}
	m := New(Config{}, client, nil, logging.Nop())
	for i := 0; i < 600; i++ {
		var s solana.Signature
		s[0], s[1] = byte(i), byte(i>>8)
		m.Track(s)
	}

	m.Poll(context.Background())
	require.ElementsMatch(t, []int{256, 256, 88}, client.calls)
	require.Equal(t, 600, m.Pending())
}

func TestPollKeepsPendingOnQueryError(t *testing.T) {
	client := &fakeStatuses{err: errors.New("rpc down")}
	stats := &outcomes{}
	m := New(Config{}, client, stats, logging.Nop())
	m.Track(sig(1))

	result := m.Poll(context.Background())
	require.Empty(t, result.Confirmed)
	require.Empty(t, result.Failed)
	require.Equal(t, 1, m.Pending())
	require.Equal(t, &outcomes{}, stats)
}

func TestTrackIsIdempotent(t *testing.T) {
	m := New(Config{}, &fakeStatuses{}, nil, logging.Nop())
	m.Track(sig(9))
	m.Track(sig(9))
	require.Equal(t, 1, m.Pending())
}
