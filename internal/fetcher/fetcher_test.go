package fetcher

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coldbell/pricecaster/relayer/internal/logging"
	"github.com/coldbell/pricecaster/relayer/internal/wire"
	"github.com/coldbell/pricecaster/relayer/internal/wire/wiretest"
)

type staticIDs []wire.PriceID

func (s staticIDs) GetPriceIDs(context.Context) ([]wire.PriceID, error) {
	return s, nil
}

type fakeSource struct {
	mu       sync.Mutex
	requests [][]wire.PriceID
	failCall int
	offered  []wire.PriceID
	listed   int
}

func (s *fakeSource) LatestVAAs(_ context.Context, ids []wire.PriceID) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, ids)
	if len(s.requests) == s.failCall {
		return nil, errors.New("boom")
	}
	out := make([][]byte, 0, len(ids))
	for _, id := range ids {
		out = append(out, id[:1])
	}
	return out, nil
}

func (s *fakeSource) ListFeedIDs(context.Context) ([]wire.PriceID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listed++
	return s.offered, nil
}

type cycleCounter struct {
	mu     sync.Mutex
	cycles int
}

func (c *cycleCounter) RecordCycleTime(time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cycles++
}

func ids(n int) staticIDs {
	out := make(staticIDs, n)
	for i := range out {
		out[i] = wiretest.PriceID(byte(i + 1))
	}
	return out
}

func TestCycleChunksRequestsAndSkipsFailures(t *testing.T) {
	source := &fakeSource{failCall: 2}
	out := make(chan Batch, 1)
	counter := &cycleCounter{}
	f := New(Config{BatchSize: 3}, source, ids(7), out, counter, logging.Nop())

	go func() {
		batch := <-out
		// the second chunk (ids 4-6) failed and was skipped
		require.Equal(t, [][]byte{{1}, {2}, {3}, {7}}, batch.VAAs)
		require.NotEmpty(t, batch.CycleID)
		close(batch.Done)
	}()

	require.NoError(t, f.cycle(context.Background()))
	require.Len(t, source.requests, 3)
	require.Len(t, source.requests[0], 3)
	require.Len(t, source.requests[2], 1)
	require.Equal(t, 1, counter.cycles)
}

func TestCycleWaitsForPublisher(t *testing.T) {
	out := make(chan Batch, 1)
	f := New(Config{BatchSize: 10}, &fakeSource{}, ids(2), out, nil, logging.Nop())

	done := make(chan struct{})
	go func() {
		_ = f.cycle(context.Background())
		close(done)
	}()

	batch := <-out
	select {
	case <-done:
		t.Fatal("cycle finished before the batch was published")
	case <-time.After(50 * time.Millisecond):
	}
	close(batch.Done)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cycle did not finish")
	}
}

func TestStopHaltsRun(t *testing.T) {
	out := make(chan Batch)
	counter := &cycleCounter{}
	f := New(Config{BatchSize: 10, PollInterval: 5 * time.Millisecond}, &fakeSource{}, ids(1), out, counter, logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for batch := range out {
			f.Stop()
			close(batch.Done)
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- f.Run(ctx) }()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	require.Equal(t, 1, counter.cycles)
}

func TestRunReturnsOnCancel(t *testing.T) {
	f := New(Config{BatchSize: 10, PollInterval: time.Hour}, &fakeSource{}, staticIDs{}, make(chan Batch), nil, logging.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, f.Run(ctx), context.Canceled)
}

func TestChunkIDs(t *testing.T) {
	var sizes []int
	for chunk := range chunkIDs(ids(25), 10) {
		sizes = append(sizes, len(chunk))
	}
	require.Equal(t, []int{10, 10, 5}, sizes)
}

func TestRunAnnouncesUnofferedFeeds(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	source := &fakeSource{offered: []wire.PriceID{wiretest.PriceID(1)}}
	f := New(Config{BatchSize: 10, PollInterval: time.Hour}, source, ids(2), make(chan Batch), nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, f.Run(ctx), context.Canceled)

	require.Equal(t, 1, source.listed)
	require.Contains(t, buf.String(), `msg="price service feeds available" count=1`)
	require.Contains(t, buf.String(), wiretest.PriceID(2).Hex())
	require.NotContains(t, buf.String(), wiretest.PriceID(1).Hex())
}

func TestRunSkipsAnnouncementForCache(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	source := &fakeSource{}
	f := New(Config{BatchSize: 10, PollInterval: time.Hour, SkipFeedAnnouncement: true}, source, ids(2), make(chan Batch), nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, f.Run(ctx), context.Canceled)

	require.Zero(t, source.listed)
	require.NotContains(t, buf.String(), "not offered")
}
