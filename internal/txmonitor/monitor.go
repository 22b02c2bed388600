package txmonitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// StatusChunkSize is the most signatures getSignatureStatuses accepts per call.
const StatusChunkSize = 256

type StatusClient interface {
	SignatureStatuses(ctx context.Context, sigs []solana.Signature) ([]*rpc.SignatureStatusesResult, error)
}

type OutcomeRecorder interface {
	RecordSuccess(n int)
	RecordFailure(n int)
}

type Config struct {
	Interval              time.Duration
	ConfirmationThreshold uint64
}

type Pending struct {
	ID          solana.Signature
	SubmittedAt time.Time
}

type Result struct {
	Confirmed []solana.Signature
	Failed    []solana.Signature
}

// Monitor polls submitted transactions until each is confirmed or failed.
type Monitor struct {
	cfg    Config
	client StatusClient
	stats  OutcomeRecorder
	logger *slog.Logger

	mu      sync.Mutex
	pending map[solana.Signature]Pending
}

func New(cfg Config, client StatusClient, stats OutcomeRecorder, logger *slog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	return &Monitor{
		cfg:     cfg,
		client:  client,
		stats:   stats,
		logger:  logger,
		pending: make(map[solana.Signature]Pending),
	}
}

func (m *Monitor) Track(id solana.Signature) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[id]; ok {
		return
	}
	m.pending[id] = Pending{ID: id, SubmittedAt: time.Now()}
}

func (m *Monitor) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Poll queries every pending signature once. Settled signatures are removed and
// counted; the rest stay pending. A failed status query leaves its chunk pending.
func (m *Monitor) Poll(ctx context.Context) Result {
	m.mu.Lock()
	ids := make([]solana.Signature, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var result Result
	for start := 0; start < len(ids); start += StatusChunkSize {
		chunk := ids[start:min(start+StatusChunkSize, len(ids))]
		statuses, err := m.client.SignatureStatuses(ctx, chunk)
		if err != nil {
			m.logger.Warn("failed to query signature statuses", "count", len(chunk), "err", err)
			continue
		}
		for i, id := range chunk {
			if i >= len(statuses) {
				break
			}
			switch m.classify(statuses[i]) {
			case outcomeConfirmed:
				result.Confirmed = append(result.Confirmed, id)
			case outcomeFailed:
				m.logger.Warn("transaction failed", "signature", id.String(), "err", statuses[i].Err)
				result.Failed = append(result.Failed, id)
			}
		}
	}

	m.mu.Lock()
	for _, id := range result.Confirmed {
		delete(m.pending, id)
	}
	for _, id := range result.Failed {
		delete(m.pending, id)
	}
	m.mu.Unlock()

	if m.stats != nil {
		if n := len(result.Confirmed); n > 0 {
			m.stats.RecordSuccess(n)
		}
		if n := len(result.Failed); n > 0 {
			m.stats.RecordFailure(n)
		}
	}
	return result
}

// Run polls on a fixed ticker until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.Pending() == 0 {
				continue
			}
			result := m.Poll(ctx)
			if len(result.Confirmed)+len(result.Failed) > 0 {
				m.logger.Debug("transactions settled",
					"confirmed", len(result.Confirmed),
					"failed", len(result.Failed),
					"pending", m.Pending(),
				)
			}
		}
	}
}

type outcome int

const (
	outcomePending outcome = iota
	outcomeConfirmed
	outcomeFailed
)

func (m *Monitor) classify(status *rpc.SignatureStatusesResult) outcome {
	if status == nil {
		return outcomePending
	}
	if status.Err != nil {
		return outcomeFailed
	}
	switch status.ConfirmationStatus {
	case rpc.ConfirmationStatusFinalized:
		return outcomeConfirmed
	case rpc.ConfirmationStatusConfirmed:
		if status.Confirmations == nil || *status.Confirmations >= m.cfg.ConfirmationThreshold {
			return outcomeConfirmed
		}
	}
	return outcomePending
}
