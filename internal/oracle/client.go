package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/coldbell/pricecaster/relayer/internal/config"
	"github.com/coldbell/pricecaster/relayer/internal/wire"
)

// MaxTransactionSize is the largest serialized transaction a Solana node accepts.
const MaxTransactionSize = 1232

var (
	ErrTransactionFailed   = errors.New("transaction failed")
	ErrTransactionTooLarge = errors.New("transaction too large")
)

// Client talks to the oracle program and the wormhole core bridge through one RPC node.
type Client struct {
	cfg        config.LedgerConfig
	rpc        *rpc.Client
	signer     solana.PrivateKey
	priceStore solana.PublicKey
	logger     *slog.Logger

	mu        sync.Mutex
	guardians map[uint32]*GuardianSet
}

func New(cfg config.LedgerConfig, logger *slog.Logger) (*Client, error) {
	signer, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.KeypairPath)
	if err != nil {
		return nil, fmt.Errorf("load keypair %q: %w", cfg.KeypairPath, err)
	}

	priceStore := cfg.PriceStore
	if priceStore.IsZero() {
		priceStore, _, err = DerivePriceStorePDA(cfg.OracleProgramID)
		if err != nil {
			return nil, fmt.Errorf("derive price store PDA: %w", err)
		}
	}

	return &Client{
		cfg:        cfg,
		rpc:        rpc.New(cfg.RPCURL),
		signer:     signer,
		priceStore: priceStore,
		logger:     logger,
		guardians:  make(map[uint32]*GuardianSet),
	}, nil
}

func (c *Client) Payer() solana.PublicKey {
	return c.signer.PublicKey()
}

func (c *Client) PriceStore() solana.PublicKey {
	return c.priceStore
}

func (c *Client) ProgramID() solana.PublicKey {
	return c.cfg.OracleProgramID
}

func (c *Client) CoreProgramID() solana.PublicKey {
	return c.cfg.WormholeProgramID
}

// Params fetches a fresh blockhash and the current block height.
func (c *Client) Params(ctx context.Context) (Params, error) {
	recent, err := c.rpc.GetLatestBlockhash(ctx, c.cfg.Commitment)
	if err != nil {
		return Params{}, fmt.Errorf("get latest blockhash: %w", err)
	}
	height, err := c.rpc.GetBlockHeight(ctx, c.cfg.Commitment)
	if err != nil {
		return Params{}, fmt.Errorf("get block height: %w", err)
	}
	return Params{
		Blockhash:  recent.Value.Blockhash,
		FirstValid: height,
		LastValid:  recent.Value.LastValidBlockHeight,
		Height:     height,
		FetchedAt:  time.Now(),
	}, nil
}

// BuildTransaction assembles and signs instructions with the payer and extraSigners.
func (c *Client) BuildTransaction(instructions []solana.Instruction, extraSigners []solana.PrivateKey, params Params) (*solana.Transaction, error) {
	return BuildTransaction(c.signer, instructions, extraSigners, params.Blockhash)
}

func BuildTransaction(payer solana.PrivateKey, instructions []solana.Instruction, extraSigners []solana.PrivateKey, blockhash solana.Hash) (*solana.Transaction, error) {
	tx, err := solana.NewTransaction(
		instructions,
		blockhash,
		solana.TransactionPayer(payer.PublicKey()),
	)
	if err != nil {
		return nil, fmt.Errorf("build transaction: %w", err)
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if payer.PublicKey().Equals(key) {
			return &payer
		}
		for i := range extraSigners {
			if extraSigners[i].PublicKey().Equals(key) {
				return &extraSigners[i]
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("serialize transaction: %w", err)
	}
	if len(raw) > MaxTransactionSize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrTransactionTooLarge, len(raw), MaxTransactionSize)
	}
	return tx, nil
}

func (c *Client) Send(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	opts := rpc.TransactionOpts{
		SkipPreflight:       c.cfg.SkipPreflight,
		PreflightCommitment: c.cfg.Commitment,
	}
	if c.cfg.MaxRetries != nil {
		retries := *c.cfg.MaxRetries
		opts.MaxRetries = &retries
	}

	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, opts)
	if err != nil {
		return solana.Signature{}, err
	}
	return sig, nil
}

func (c *Client) sendAndConfirm(ctx context.Context, instructions []solana.Instruction) (solana.Signature, error) {
	params, err := c.Params(ctx)
	if err != nil {
		return solana.Signature{}, err
	}
	tx, err := c.BuildTransaction(instructions, nil, params)
	if err != nil {
		return solana.Signature{}, err
	}
	return c.SendAndConfirm(ctx, tx)
}

// SendAndConfirm submits tx and blocks until it is confirmed, fails or TxTimeout passes.
func (c *Client) SendAndConfirm(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	sig, err := c.Send(ctx, tx)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("send transaction: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.TxTimeout)
	defer cancel()
	if err := c.waitForConfirmation(waitCtx, sig); err != nil {
		return sig, fmt.Errorf("confirm %s: %w", sig, err)
	}
	return sig, nil
}

func (c *Client) waitForConfirmation(ctx context.Context, sig solana.Signature) error {
	ticker := time.NewTicker(c.cfg.ConfirmPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			result, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
			if err != nil {
				continue
			}
			if len(result.Value) == 0 || result.Value[0] == nil {
				continue
			}
			status := result.Value[0]
			if status.Err != nil {
				return fmt.Errorf("%w: %v", ErrTransactionFailed, status.Err)
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		}
	}
}

// AllocSlot submits an alloc instruction, waits for confirmation and returns the
// slot index reported by the program.
func (c *Client) AllocSlot(ctx context.Context, assetRef uint64, priceID wire.PriceID) (uint8, error) {
	ix := NewAllocInstruction(c.cfg.OracleProgramID, c.priceStore, c.signer.PublicKey(), assetRef, priceID)
	sig, err := c.sendAndConfirm(ctx, []solana.Instruction{ix})
	if err != nil {
		return 0, fmt.Errorf("alloc slot for %s: %w", priceID.Hex(), err)
	}

	version := uint64(0)
	txResult, err := c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &version,
	})
	if err != nil {
		return 0, fmt.Errorf("fetch alloc transaction %s: %w", sig, err)
	}
	if txResult == nil || txResult.Meta == nil {
		return 0, fmt.Errorf("alloc transaction %s has no metadata", sig)
	}

	data, err := ParseReturnData(txResult.Meta.LogMessages, c.cfg.OracleProgramID)
	if err != nil {
		return 0, fmt.Errorf("alloc transaction %s: %w", sig, err)
	}
	slot, err := DecodeAllocResult(data)
	if err != nil {
		return 0, fmt.Errorf("alloc transaction %s: %w", sig, err)
	}

	c.logger.Info("slot allocated on chain", "slot", slot, "price_id", priceID.Hex(), "asset_ref", assetRef, "signature", sig)
	return slot, nil
}

func (c *Client) ResetSlots(ctx context.Context) error {
	ix := NewResetInstruction(c.cfg.OracleProgramID, c.priceStore, c.signer.PublicKey())
	sig, err := c.sendAndConfirm(ctx, []solana.Instruction{ix})
	if err != nil {
		return fmt.Errorf("reset slots: %w", err)
	}
	c.logger.Info("price store reset", "signature", sig)
	return nil
}

func (c *Client) ReadLayout(ctx context.Context) (*Layout, error) {
	resp, err := c.rpc.GetAccountInfoWithOpts(ctx, c.priceStore, &rpc.GetAccountInfoOpts{Commitment: c.cfg.Commitment})
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "not found") {
			return nil, fmt.Errorf("fetch price store %s: %w (hint: check ORACLE_PROGRAM_ID=%s and initialize the store)", c.priceStore, err, c.cfg.OracleProgramID)
		}
		return nil, fmt.Errorf("fetch price store %s: %w", c.priceStore, err)
	}
	if resp == nil || resp.Value == nil {
		return nil, fmt.Errorf("price store account %s not found", c.priceStore)
	}
	layout, err := DecodeLayout(resp.Value.Data.GetBinary(), c.cfg.SlotCapacity)
	if err != nil {
		return nil, fmt.Errorf("decode price store %s: %w", c.priceStore, err)
	}
	return layout, nil
}

func (c *Client) SignatureStatuses(ctx context.Context, sigs []solana.Signature) ([]*rpc.SignatureStatusesResult, error) {
	result, err := c.rpc.GetSignatureStatuses(ctx, false, sigs...)
	if err != nil {
		return nil, fmt.Errorf("get signature statuses: %w", err)
	}
	if len(result.Value) != len(sigs) {
		return nil, fmt.Errorf("get signature statuses: %d results for %d signatures", len(result.Value), len(sigs))
	}
	return result.Value, nil
}

// GuardianSet loads and caches the guardian set with the given index.
func (c *Client) GuardianSet(ctx context.Context, index uint32) (*GuardianSet, error) {
	c.mu.Lock()
	cached, ok := c.guardians[index]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	key, _, err := DeriveGuardianSetPDA(c.cfg.WormholeProgramID, index)
	if err != nil {
		return nil, fmt.Errorf("derive guardian set PDA: %w", err)
	}
	resp, err := c.rpc.GetAccountInfoWithOpts(ctx, key, &rpc.GetAccountInfoOpts{Commitment: c.cfg.Commitment})
	if err != nil {
		return nil, fmt.Errorf("fetch guardian set %d (%s): %w", index, key, err)
	}
	if resp == nil || resp.Value == nil {
		return nil, fmt.Errorf("guardian set %d (%s) not found", index, key)
	}
	set, err := DecodeGuardianSet(resp.Value.Data.GetBinary())
	if err != nil {
		return nil, fmt.Errorf("decode guardian set %d: %w", index, err)
	}

	c.mu.Lock()
	c.guardians[index] = set
	c.mu.Unlock()
	return set, nil
}
