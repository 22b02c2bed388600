package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"golang.org/x/sync/errgroup"

	"github.com/coldbell/pricecaster/relayer/internal/config"
	"github.com/coldbell/pricecaster/relayer/internal/fetcher"
	"github.com/coldbell/pricecaster/relayer/internal/oracle"
	"github.com/coldbell/pricecaster/relayer/internal/wire"
)

var (
	ErrForeignEmitter = errors.New("envelope from unexpected emitter")
	ErrReplayed       = errors.New("envelope sequence already relayed")
	errDryRun         = errors.New("dry run")
)

// Ledger is the part of the oracle client the publisher needs.
type Ledger interface {
	Params(ctx context.Context) (oracle.Params, error)
	ReadLayout(ctx context.Context) (*oracle.Layout, error)
	GuardianSet(ctx context.Context, index uint32) (*oracle.GuardianSet, error)
	BuildTransaction(instructions []solana.Instruction, extraSigners []solana.PrivateKey, params oracle.Params) (*solana.Transaction, error)
	Send(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	SendAndConfirm(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	Payer() solana.PublicKey
	PriceStore() solana.PublicKey
	ProgramID() solana.PublicKey
	CoreProgramID() solana.PublicKey
}

type Tracker interface {
	Track(id solana.Signature)
}

type Recorder interface {
	RecordSubmitted(n int)
	RecordSubmitError(n int)
}

// Result summarises one Publish pass.
type Result struct {
	Submitted []solana.Signature
	Rejected  int
	Skipped   int
}

type Publisher struct {
	cfg      config.PublisherConfig
	ledger   Ledger
	resolver Resolver
	tracker  Tracker
	stats    Recorder
	logger   *slog.Logger
	replay   *wire.SequenceTracker

	active   atomic.Bool
	testMode atomic.Bool

	mu     sync.Mutex
	params oracle.Params
	cycles uint64
}

func New(cfg config.PublisherConfig, ledger Ledger, resolver Resolver, tracker Tracker, stats Recorder, logger *slog.Logger) *Publisher {
	if cfg.PublishWorkers <= 0 {
		cfg.PublishWorkers = 1
	}
	if cfg.ParamsRefreshCycles <= 0 {
		cfg.ParamsRefreshCycles = 1
	}
	return &Publisher{
		cfg:      cfg,
		ledger:   ledger,
		resolver: resolver,
		tracker:  tracker,
		stats:    stats,
		logger:   logger,
		replay:   wire.NewSequenceTracker(),
	}
}

// Start resolves the verification mode and activates publishing.
func (p *Publisher) Start(ctx context.Context) error {
	switch p.cfg.TestModeSource {
	case config.TestModeEnabled:
		p.testMode.Store(true)
	case config.TestModeDisabled:
		p.testMode.Store(false)
	default:
		layout, err := p.ledger.ReadLayout(ctx)
		if err != nil {
			return fmt.Errorf("read test mode flag: %w", err)
		}
		p.testMode.Store(layout.System.TestMode())
	}

	if p.testMode.Load() {
		p.logger.Warn("oracle in test mode, envelopes are stored without guardian verification")
	}
	p.active.Store(true)
	p.logger.Info("publisher started", "workers", p.cfg.PublishWorkers, "test_mode", p.testMode.Load(), "dry_run", p.cfg.SkipPublish)
	return nil
}

func (p *Publisher) Stop() {
	p.active.Store(false)
}

func (p *Publisher) Active() bool {
	return p.active.Load()
}

// Run publishes every batch received until ctx is done or batches is closed.
func (p *Publisher) Run(ctx context.Context, batches <-chan fetcher.Batch) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-batches:
			if !ok {
				return
			}
			p.Publish(ctx, batch.VAAs)
			close(batch.Done)
		}
	}
}

// Publish submits one transaction per envelope. Failures are isolated per
// envelope and never retried within the pass.
func (p *Publisher) Publish(ctx context.Context, vaas [][]byte) Result {
	var result Result
	if !p.active.Load() || len(vaas) == 0 {
		return result
	}

	params, err := p.nextParams(ctx)
	if err != nil {
		p.logger.Error("failed to refresh network params, skipping cycle", "err", err)
		result.Rejected = len(vaas)
		p.record(result)
		return result
	}

	type outcome struct {
		sig solana.Signature
		env *wire.Envelope
		err error
	}
	outcomes := make([]outcome, len(vaas))

	var g errgroup.Group
	g.SetLimit(p.cfg.PublishWorkers)
	for i, raw := range vaas {
		g.Go(func() error {
			sig, env, err := p.publishOne(ctx, raw, params)
			outcomes[i] = outcome{sig: sig, env: env, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for i, o := range outcomes {
		switch {
		case o.err == nil:
			result.Submitted = append(result.Submitted, o.sig)
			p.replay.Mark(o.env)
		case errors.Is(o.err, ErrReplayed), errors.Is(o.err, ErrForeignEmitter), errors.Is(o.err, errDryRun):
			result.Skipped++
		default:
			result.Rejected++
			errs = append(errs, fmt.Errorf("vaa %d: %w", i, o.err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		p.logger.Warn("some envelopes were not submitted", "rejected", result.Rejected, "err", err)
	}

	p.record(result)
	p.logger.Debug("publish pass complete",
		"vaas", len(vaas),
		"submitted", len(result.Submitted),
		"rejected", result.Rejected,
		"skipped", result.Skipped,
	)
	return result
}

func (p *Publisher) record(result Result) {
	if p.stats == nil {
		return
	}
	if n := len(result.Submitted); n > 0 {
		p.stats.RecordSubmitted(n)
	}
	if result.Rejected > 0 {
		p.stats.RecordSubmitError(result.Rejected)
	}
}

// nextParams refreshes the cached blockhash every ParamsRefreshCycles passes and
// advances the cached window in between. A window that has aged into its expiry
// margin is refreshed early.
func (p *Publisher) nextParams(ctx context.Context) (oracle.Params, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cycles++
	refresh := (p.cycles-1)%uint64(p.cfg.ParamsRefreshCycles) == 0 || p.params.Exhausted()
	if !refresh && !p.params.Advance(time.Now()) {
		p.logger.Debug("cached blockhash near expiry, refreshing early", "first_valid", p.params.FirstValid, "last_valid", p.params.LastValid)
		refresh = true
	}
	if refresh {
		params, err := p.ledger.Params(ctx)
		if err != nil {
			return oracle.Params{}, err
		}
		p.params = params
	}
	return p.params, nil
}

func (p *Publisher) publishOne(ctx context.Context, raw []byte, params oracle.Params) (solana.Signature, *wire.Envelope, error) {
	env, err := wire.DecodeEnvelope(raw)
	if err != nil {
		return solana.Signature{}, nil, err
	}
	if p.cfg.FilterEmitter() && !env.FromEmitter(p.cfg.EmitterChain, p.cfg.EmitterAddress) {
		p.logger.Debug("ignoring envelope from foreign emitter", "vaa", env.String())
		return solana.Signature{}, env, ErrForeignEmitter
	}
	if p.replay.Seen(env) {
		return solana.Signature{}, env, ErrReplayed
	}

	ids, err := wire.ExtractPriceIDs(env.Payload, p.logger)
	if err != nil {
		return solana.Signature{}, env, fmt.Errorf("%s: %w", env, err)
	}
	p.logNonTrading(env, ids)

	table, resolved, err := BuildAssetSlots(ctx, p.resolver, ids)
	if err != nil {
		return solana.Signature{}, env, err
	}
	if resolved < len(ids) {
		p.logger.Debug("envelope carries untracked price ids", "vaa", env.String(), "ids", len(ids), "resolved", resolved)
	}

	sub, err := p.buildSubmission(ctx, env, ids, table, params)
	if err != nil {
		return solana.Signature{}, env, fmt.Errorf("%s: %w", env, err)
	}

	if p.cfg.SkipPublish {
		p.logger.Info("dry run, transaction not submitted",
			"vaa", env.String(),
			"verify_txs", len(sub.verify),
			"instructions", sub.instructions,
			"ids", len(ids),
		)
		return solana.Signature{}, env, errDryRun
	}

	for i, tx := range sub.verify {
		if _, err := p.ledger.SendAndConfirm(ctx, tx); err != nil {
			p.dumpFailedTx(env, tx, err)
			return solana.Signature{}, env, fmt.Errorf("verify signatures %s (chunk %d of %d): %w", env, i+1, len(sub.verify), err)
		}
	}

	sig, err := p.ledger.Send(ctx, sub.final)
	if err != nil {
		p.dumpFailedTx(env, sub.final, err)
		return solana.Signature{}, env, fmt.Errorf("submit %s: %w", env, err)
	}
	p.tracker.Track(sig)
	p.logger.Debug("envelope submitted", "vaa", env.String(), "signature", sig.String(), "ids", len(ids), "verify_txs", len(sub.verify))
	return sig, env, nil
}

// submission is the transactions relaying one envelope. The verify transactions
// must be confirmed before final is sent. final posts the verified message and
// stores it atomically.
type submission struct {
	verify       []*solana.Transaction
	final        *solana.Transaction
	instructions int
}

func (p *Publisher) buildSubmission(ctx context.Context, env *wire.Envelope, ids []wire.PriceID, table []byte, params oracle.Params) (*submission, error) {
	var prefix []solana.Instruction
	if p.cfg.ComputeUnitPriceMicroLamports > 0 {
		cuPriceIx, err := computebudget.NewSetComputeUnitPriceInstruction(p.cfg.ComputeUnitPriceMicroLamports).ValidateAndBuild()
		if err != nil {
			return nil, fmt.Errorf("build compute unit price instruction: %w", err)
		}
		prefix = append(prefix, cuPriceIx)
	}
	cuLimitIx, err := computebudget.NewSetComputeUnitLimitInstruction(ComputeUnitLimit(p.cfg.BaseComputeUnits, len(ids))).ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("build compute unit limit instruction: %w", err)
	}

	sub := &submission{}
	final := append([]solana.Instruction{cuLimitIx}, prefix...)
	payload := env.Payload
	var postedVAA *solana.PublicKey

	if !p.testMode.Load() {
		guardians, err := p.ledger.GuardianSet(ctx, env.GuardianSetIndex)
		if err != nil {
			return nil, err
		}
		verification, err := oracle.BuildVerification(
			p.ledger.CoreProgramID(),
			p.ledger.Payer(),
			guardians,
			env,
			p.cfg.VerifySignaturesPerInstruction,
			len(prefix),
		)
		if err != nil {
			return nil, err
		}
		for _, chunk := range verification.Chunks {
			instructions := append(append([]solana.Instruction(nil), prefix...), chunk...)
			tx, err := p.ledger.BuildTransaction(instructions, []solana.PrivateKey{verification.SignatureSet}, params)
			if err != nil {
				return nil, fmt.Errorf("verify transaction: %w", err)
			}
			sub.verify = append(sub.verify, tx)
			sub.instructions += len(instructions)
		}
		final = append(final, verification.PostVAA)
		postedVAA = &verification.PostedVAA
		payload = nil
	}

	final = append(final, oracle.NewStoreInstruction(
		p.ledger.ProgramID(),
		p.ledger.PriceStore(),
		p.ledger.Payer(),
		postedVAA,
		table,
		payload,
	))
	sub.final, err = p.ledger.BuildTransaction(final, nil, params)
	if err != nil {
		return nil, fmt.Errorf("store transaction: %w", err)
	}
	sub.instructions += len(final)
	return sub, nil
}

func (p *Publisher) logNonTrading(env *wire.Envelope, ids []wire.PriceID) {
	statuses, err := wire.ExtractStatuses(env.Payload)
	if err != nil {
		return
	}
	for i, status := range statuses {
		if status != wire.StatusTrading && i < len(ids) {
			p.logger.Info("price not trading, oracle will ignore it", "vaa", env.String(), "price_id", ids[i].Hex(), "status", status)
		}
	}
}

func (p *Publisher) dumpFailedTx(env *wire.Envelope, tx *solana.Transaction, sendErr error) {
	if p.cfg.DumpFailedTxDir == "" {
		return
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		p.logger.Warn("failed to serialize failed transaction", "err", err)
		return
	}
	if err := os.MkdirAll(p.cfg.DumpFailedTxDir, 0o755); err != nil {
		p.logger.Warn("failed to create dump directory", "dir", p.cfg.DumpFailedTxDir, "err", err)
		return
	}
	name := fmt.Sprintf("%d-%d-%d.tx", env.EmitterChain, env.Sequence, time.Now().UnixNano())
	path := filepath.Join(p.cfg.DumpFailedTxDir, name)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		p.logger.Warn("failed to dump transaction", "path", path, "err", err)
		return
	}
	p.logger.Info("dumped failed transaction", "path", path, "send_err", sendErr)
}
