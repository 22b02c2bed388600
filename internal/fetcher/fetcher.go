package fetcher

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/coldbell/pricecaster/relayer/internal/pricesvc"
	"github.com/coldbell/pricecaster/relayer/internal/wire"
)

// Batch is one cycle's worth of envelopes. The consumer closes Done once every
// envelope in the batch has been handled.
type Batch struct {
	CycleID string
	VAAs    [][]byte
	Done    chan struct{}
}

type PriceIDSource interface {
	GetPriceIDs(ctx context.Context) ([]wire.PriceID, error)
}

type CycleRecorder interface {
	RecordCycleTime(d time.Duration)
}

type Config struct {
	BatchSize    int
	PollInterval time.Duration

	// SkipFeedAnnouncement is set when the source only knows what it has
	// already received, as the stream cache does.
	SkipFeedAnnouncement bool
}

type Fetcher struct {
	cfg     Config
	source  pricesvc.Source
	ids     PriceIDSource
	out     chan<- Batch
	stats   CycleRecorder
	logger  *slog.Logger
	stopped atomic.Bool
}

func New(cfg Config, source pricesvc.Source, ids PriceIDSource, out chan<- Batch, stats CycleRecorder, logger *slog.Logger) *Fetcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	return &Fetcher{
		cfg:    cfg,
		source: source,
		ids:    ids,
		out:    out,
		stats:  stats,
		logger: logger,
	}
}

func (f *Fetcher) Stop() {
	f.stopped.Store(true)
}

// Run fetches until Stop is called or ctx is done. The next cycle starts
// PollInterval after the previous one was fully published.
func (f *Fetcher) Run(ctx context.Context) error {
	if !f.cfg.SkipFeedAnnouncement {
		f.announceFeeds(ctx)
	}

	for {
		if f.stopped.Load() {
			return nil
		}
		if err := f.cycle(ctx); err != nil {
			return err
		}
		if f.stopped.Load() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.cfg.PollInterval):
		}
	}
}

func (f *Fetcher) cycle(ctx context.Context) error {
	cycleID := uuid.NewString()
	start := time.Now()
	logger := f.logger.With("cycle_id", cycleID)

	ids, err := f.ids.GetPriceIDs(ctx)
	if err != nil {
		logger.Error("failed to load tracked price ids", "err", err)
		return nil
	}
	if len(ids) == 0 {
		logger.Debug("no price ids tracked, nothing to fetch")
		return nil
	}

	var vaas [][]byte
	for chunk := range chunkIDs(ids, f.cfg.BatchSize) {
		if f.stopped.Load() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		got, err := f.source.LatestVAAs(ctx, chunk)
		if err != nil {
			logger.Warn("price service request failed, skipping batch", "ids", len(chunk), "err", err)
			continue
		}
		vaas = append(vaas, got...)
	}

	if len(vaas) > 0 {
		batch := Batch{CycleID: cycleID, VAAs: vaas, Done: make(chan struct{})}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f.out <- batch:
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-batch.Done:
		}
	}

	elapsed := time.Since(start)
	if f.stats != nil {
		f.stats.RecordCycleTime(elapsed)
	}
	logger.Debug("fetch cycle complete", "ids", len(ids), "vaas", len(vaas), "elapsed", elapsed.String())
	return nil
}

func (f *Fetcher) announceFeeds(ctx context.Context) {
	offered, err := f.source.ListFeedIDs(ctx)
	if err != nil {
		f.logger.Warn("failed to list price service feeds", "err", err)
		return
	}
	f.logger.Info("price service feeds available", "count", len(offered))

	tracked, err := f.ids.GetPriceIDs(ctx)
	if err != nil {
		return
	}
	available := make(map[wire.PriceID]struct{}, len(offered))
	for _, id := range offered {
		available[id] = struct{}{}
	}
	for _, id := range tracked {
		if _, ok := available[id]; !ok {
			f.logger.Warn("tracked price id not offered by price service", "price_id", id.Hex())
		}
	}
}

func chunkIDs(ids []wire.PriceID, size int) func(yield func([]wire.PriceID) bool) {
	return func(yield func([]wire.PriceID) bool) {
		for start := 0; start < len(ids); start += size {
			end := min(start+size, len(ids))
			if !yield(ids[start:end]) {
				return
			}
		}
	}
}
