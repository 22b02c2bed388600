// Package relayer wires the slot manager, fetch loop, publisher and monitor into
// one process.
package relayer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/sync/errgroup"

	"github.com/coldbell/pricecaster/relayer/internal/adminapi"
	"github.com/coldbell/pricecaster/relayer/internal/config"
	"github.com/coldbell/pricecaster/relayer/internal/fetcher"
	"github.com/coldbell/pricecaster/relayer/internal/oracle"
	"github.com/coldbell/pricecaster/relayer/internal/pricesvc"
	"github.com/coldbell/pricecaster/relayer/internal/publisher"
	"github.com/coldbell/pricecaster/relayer/internal/slots"
	"github.com/coldbell/pricecaster/relayer/internal/slotstore"
	"github.com/coldbell/pricecaster/relayer/internal/stats"
	"github.com/coldbell/pricecaster/relayer/internal/txmonitor"
	"github.com/coldbell/pricecaster/relayer/internal/wire"
)

// Ledger is everything the engine needs from the chain.
type Ledger interface {
	slots.Ledger
	publisher.Ledger
	txmonitor.StatusClient
}

type Engine struct {
	cfg    config.RelayerConfig
	logger *slog.Logger

	store     *slotstore.Store
	manager   *slots.Manager
	stats     *stats.Stats
	monitor   *txmonitor.Monitor
	publisher *publisher.Publisher
	source    pricesvc.Source
	cache     *pricesvc.Cache
	admin     *adminapi.Service

	// nil unless an OTLP endpoint is configured
	meterProvider *sdkmetric.MeterProvider

	// one batch in flight between the fetch loop and the publisher
	batches chan fetcher.Batch
}

// New opens the slot store and the ledger client described by cfg.
func New(ctx context.Context, cfg config.RelayerConfig, logger *slog.Logger) (*Engine, error) {
	store, err := slotstore.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open slot store: %w", err)
	}
	ledger, err := oracle.New(cfg.Ledger, logger.With("component", "oracle"))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init oracle client: %w", err)
	}

	var source pricesvc.Source
	if cfg.PriceService.Mode != config.PriceServiceStream {
		source = pricesvc.NewClient(cfg.PriceService, logger.With("component", "pricesvc"))
	}

	var provider *sdkmetric.MeterProvider
	if cfg.Metrics.Enabled() {
		provider, err = stats.NewMeterProvider(ctx, cfg.Metrics)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("init metric provider: %w", err)
		}
		logger.Info("exporting metrics", "endpoint", cfg.Metrics.OTLPEndpoint, "interval", cfg.Metrics.ExportInterval.String())
	}

	engine, err := assemble(cfg, ledger, store, source, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	engine.meterProvider = provider
	return engine, nil
}

// assemble builds the engine around an open store. A nil source selects the
// websocket stream and its cache.
func assemble(cfg config.RelayerConfig, ledger Ledger, store *slotstore.Store, source pricesvc.Source, logger *slog.Logger) (*Engine, error) {
	st, err := stats.New(nil)
	if err != nil {
		return nil, fmt.Errorf("init stats: %w", err)
	}

	e := &Engine{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		stats:   st,
		source:  source,
		batches: make(chan fetcher.Batch, 1),
	}
	if source == nil {
		e.cache = pricesvc.NewCache()
		e.source = e.cache
	}

	e.manager = slots.NewManager(ledger, store, logger.With("component", "slots"))
	e.monitor = txmonitor.New(txmonitor.Config{
		Interval:              cfg.Monitor.Interval,
		ConfirmationThreshold: cfg.Monitor.ConfirmationThreshold,
	}, ledger, st, logger.With("component", "txmonitor"))
	e.publisher = publisher.New(cfg.Publisher, ledger, e.manager, e.monitor, st, logger.With("component", "publisher"))
	if cfg.AdminListenAddr != "" {
		e.admin = adminapi.New(cfg.AdminListenAddr, e.manager, st, logger.With("component", "adminapi"))
	}
	return e, nil
}

func (e *Engine) Manager() *slots.Manager {
	return e.manager
}

func (e *Engine) Stats() *stats.Stats {
	return e.stats
}

// Run verifies the slot layout and relays until ctx is done. A consistency
// failure is returned before anything is published.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.verifyLayout(ctx); err != nil {
		return err
	}
	if err := e.publisher.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if e.cache != nil {
		ids, err := e.manager.GetPriceIDs(ctx)
		if err != nil {
			return fmt.Errorf("load tracked price ids: %w", err)
		}
		stream := pricesvc.NewStream(e.cfg.PriceService, ids, e.cache, e.logger.With("component", "pricesvc"))
		e.manager.OnAllocate(func(id wire.PriceID) {
			if err := stream.Add(id); err != nil {
				e.logger.Warn("failed to subscribe allocated price id, it follows on reconnect", "price_id", id.Hex(), "err", err)
			}
		})
		g.Go(func() error {
			stream.Run(gctx)
			return nil
		})
	}

	loop := fetcher.New(fetcher.Config{
		BatchSize:            e.cfg.PriceService.RequestBatchSize,
		PollInterval:         e.cfg.PollInterval,
		SkipFeedAnnouncement: e.cache != nil,
	}, e.source, e.manager, e.batches, e.stats, e.logger.With("component", "fetcher"))

	g.Go(func() error {
		e.monitor.Run(gctx)
		return nil
	})
	g.Go(func() error {
		e.publisher.Run(gctx, e.batches)
		return nil
	})
	g.Go(func() error {
		err := loop.Run(gctx)
		if gctx.Err() != nil {
			return nil
		}
		return err
	})
	if e.admin != nil {
		g.Go(func() error {
			return e.admin.Run(gctx)
		})
	}

	e.logger.Info("relayer started",
		"network", e.cfg.Network,
		"price_service_mode", e.cfg.PriceService.Mode,
		"poll_interval", e.cfg.PollInterval.String(),
	)

	err := g.Wait()
	e.publisher.Stop()
	e.logger.Info("relayer stopped", "pending_txs", e.monitor.Pending())
	return err
}

func (e *Engine) verifyLayout(ctx context.Context) error {
	if e.cfg.SkipConsistencyCheck {
		e.manager.SkipCheck()
		return nil
	}

	err := e.manager.Check(ctx)
	if err == nil {
		count, _ := e.manager.RowCount(ctx)
		e.logger.Info("slot layout consistent with chain", "entries", count)
		return nil
	}

	var consistencyErr *slots.ConsistencyError
	if errors.As(err, &consistencyErr) {
		e.logger.Error("slot layout does not match chain",
			"kind", consistencyErr.Kind.String(),
			"stored_count", consistencyErr.StoredCount,
			"chain_count", consistencyErr.ChainCount,
			"slot", consistencyErr.Slot,
			"price_id", consistencyErr.PriceID.Hex(),
			"stored_asset_ref", consistencyErr.StoredAssetRef,
			"chain_asset_ref", consistencyErr.ChainAssetRef,
		)
	}
	return fmt.Errorf("slot layout check: %w", err)
}

func (e *Engine) Close() error {
	errs := []error{e.stats.Close(), e.store.Close()}
	if e.meterProvider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs = append(errs, e.meterProvider.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
