// Package stats counts relayed transactions and fetch cycles and mirrors the
// counters to OpenTelemetry instruments.
package stats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/coldbell/pricecaster/relayer"

type Snapshot struct {
	Submitted     uint64        `json:"submitted"`
	Succeeded     uint64        `json:"succeeded"`
	Failed        uint64        `json:"failed"`
	SubmitErrors  uint64        `json:"submit_errors"`
	Cycles        uint64        `json:"cycles"`
	LastCycleTime time.Duration `json:"last_cycle_time_ns"`
	MinCycleTime  time.Duration `json:"min_cycle_time_ns"`
	MaxCycleTime  time.Duration `json:"max_cycle_time_ns"`
	AvgCycleTime  time.Duration `json:"avg_cycle_time_ns"`
	Since         time.Time     `json:"since"`
}

type Stats struct {
	mu         sync.Mutex
	snap       Snapshot
	totalCycle time.Duration

	cycleHist    metric.Float64Histogram
	registration metric.Registration
}

// New registers instruments on meter; a nil meter uses the global provider.
func New(meter metric.Meter) (*Stats, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	s := &Stats{snap: Snapshot{Since: time.Now()}}

	var err error
	s.cycleHist, err = meter.Float64Histogram("relayer.cycle.duration",
		metric.WithDescription("Duration of one fetch and submit cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create cycle histogram: %w", err)
	}

	submitted, err1 := meter.Int64ObservableGauge("relayer.tx.submitted", metric.WithDescription("Transactions accepted by the RPC node since the last reset"))
	succeeded, err2 := meter.Int64ObservableGauge("relayer.tx.succeeded", metric.WithDescription("Transactions confirmed since the last reset"))
	failed, err3 := meter.Int64ObservableGauge("relayer.tx.failed", metric.WithDescription("Transactions that failed on chain since the last reset"))
	submitErrors, err4 := meter.Int64ObservableGauge("relayer.tx.submit_errors", metric.WithDescription("Envelopes that could not be submitted since the last reset"))
	if err := errors.Join(err1, err2, err3, err4); err != nil {
		return nil, fmt.Errorf("create gauges: %w", err)
	}

	s.registration, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		snap := s.Snapshot()
		o.ObserveInt64(submitted, int64(snap.Submitted))
		o.ObserveInt64(succeeded, int64(snap.Succeeded))
		o.ObserveInt64(failed, int64(snap.Failed))
		o.ObserveInt64(submitErrors, int64(snap.SubmitErrors))
		return nil
	}, submitted, succeeded, failed, submitErrors)
	if err != nil {
		return nil, fmt.Errorf("register stats callback: %w", err)
	}
	return s, nil
}

func (s *Stats) RecordSubmitted(n int) {
	s.add(func(snap *Snapshot) { snap.Submitted += uint64(n) })
}

func (s *Stats) RecordSuccess(n int) {
	s.add(func(snap *Snapshot) { snap.Succeeded += uint64(n) })
}

// RecordFailure counts transactions that failed on chain.
func (s *Stats) RecordFailure(n int) {
	s.add(func(snap *Snapshot) { snap.Failed += uint64(n) })
}

// RecordSubmitError counts envelopes rejected before or during submission.
func (s *Stats) RecordSubmitError(n int) {
	s.add(func(snap *Snapshot) { snap.SubmitErrors += uint64(n) })
}

func (s *Stats) RecordCycleTime(d time.Duration) {
	s.mu.Lock()
	s.snap.Cycles++
	s.snap.LastCycleTime = d
	if s.snap.MinCycleTime == 0 || d < s.snap.MinCycleTime {
		s.snap.MinCycleTime = d
	}
	if d > s.snap.MaxCycleTime {
		s.snap.MaxCycleTime = d
	}
	s.totalCycle += d
	s.snap.AvgCycleTime = s.totalCycle / time.Duration(s.snap.Cycles)
	s.mu.Unlock()

	s.cycleHist.Record(context.Background(), d.Seconds())
}

func (s *Stats) add(f func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f(&s.snap)
}

func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = Snapshot{Since: time.Now()}
	s.totalCycle = 0
}

// Close unregisters the gauge callback.
func (s *Stats) Close() error {
	if s.registration == nil {
		return nil
	}
	return s.registration.Unregister()
}
