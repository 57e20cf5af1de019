package app

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"spot-rebalancer/internal/config"
	"spot-rebalancer/internal/exec"
	"spot-rebalancer/internal/metrics"
	"spot-rebalancer/internal/state"
	"spot-rebalancer/internal/strategy"

	"go.uber.org/zap"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func floatPtr(v float64) *float64 { return &v }

func testRebalancerConfig() config.RebalancerConfig {
	return config.RebalancerConfig{
		Symbol:         "HYPE/USDC",
		HedgeAsset:     "HYPE",
		TickInterval:   5 * time.Millisecond,
		PositionPoll:   time.Hour,
		StatusInterval: time.Hour,
		Cooldown:       10 * time.Second,
		CandleInterval: "1m",
		CandleHistory:  50,
		Thresholds: config.ThresholdsConfig{
			Units:        config.UnitsBase,
			Soft:         1,
			Hard:         3,
			PartialRatio: 0.5,
			FloorRatio:   0.25,
		},
		Hysteresis: config.HysteresisConfig{Window: 30 * time.Second, Fraction: floatPtr(0.7)},
		Bias:       config.BiasConfig{Mode: config.BiasModeEMA},
		EMA: config.EMAConfig{
			FastPeriod:        9,
			SlowPeriod:        21,
			TrendThresholdPct: floatPtr(0.1),
			BiasSaturationPct: 1,
		},
		Anchor: config.AnchorConfig{
			Window:        10 * time.Minute,
			EdgeBpsSoft:   10,
			EdgeBpsHard:   floatPtr(2),
			MaxWaitOnSoft: 30 * time.Second,
		},
		EMARebalance: config.EMARebalanceConfig{
			MinPositionUSDT:      100,
			Cooldown:             time.Minute,
			UptrendBreakoutPct:   1,
			DowntrendEMATouchPct: 0.2,
			PartialRatio:         0.3,
		},
	}
}

func testRisk() config.RiskConfig {
	return config.RiskConfig{MaxMarketAge: 30 * time.Second, MaxPositionAge: time.Minute}
}

type fakeQuotes struct {
	mu sync.Mutex
	q  exec.Quote
}

func (f *fakeQuotes) BestQuote() (exec.Quote, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.q, f.q.Valid()
}

type fakePositions struct {
	mu    sync.Mutex
	pos   strategy.PositionSnapshot
	err   error
	calls int
}

func (f *fakePositions) Positions(context.Context) (strategy.PositionSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.pos, f.err
}

// fakeExecutor hands every decision to run, or completes it in full.
type fakeExecutor struct {
	mu      sync.Mutex
	calls   []strategy.Decision
	started chan string
	run     func(ctx context.Context, id string, dec strategy.Decision) exec.Report
}

func (f *fakeExecutor) Execute(ctx context.Context, id string, dec strategy.Decision, _ strategy.PositionSnapshot) exec.Report {
	f.mu.Lock()
	f.calls = append(f.calls, dec)
	f.mu.Unlock()
	if f.started != nil {
		select {
		case f.started <- id:
		default:
		}
	}
	if f.run != nil {
		return f.run(ctx, id, dec)
	}
	return completedReport(id, dec)
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func completedReport(id string, dec strategy.Decision) exec.Report {
	return exec.Report{
		ID:            id,
		Decision:      dec,
		Side:          dec.Side,
		Target:        dec.Qty,
		Filled:        dec.Qty,
		AvgPrice:      dec.Price,
		DecisionPrice: dec.Price,
		State:         exec.StateCompleted,
		Reason:        "filled",
		Accepted:      true,
		StartedAt:     t0,
		FinishedAt:    t0,
	}
}

type recordingAlerts struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingAlerts) Send(_ context.Context, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingAlerts) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

type countingCounter struct {
	mu sync.Mutex
	n  int
}

func (c *countingCounter) Inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *countingCounter) value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

type orchFixture struct {
	orch      *Orchestrator
	quotes    *fakeQuotes
	positions *fakePositions
	executor  *fakeExecutor
	alerts    *recordingAlerts
	store     *state.MemoryStore
	metrics   *metrics.Metrics
	candles   chan strategy.Candle
	fills     chan strategy.Fill
}

// newOrchFixture is long 15 spot against a 10 short hedge: a gap of 5 that
// crosses the hard threshold of 3.
func newOrchFixture(t *testing.T) *orchFixture {
	t.Helper()
	f := &orchFixture{
		quotes:    &fakeQuotes{q: exec.Quote{Bid: 99.9, Ask: 100.1, At: t0}},
		positions: &fakePositions{pos: strategy.PositionSnapshot{SpotBase: 15, FuturesBase: 10, BaseAvailable: 15, QuoteAvailable: 1000, At: t0}},
		executor:  &fakeExecutor{},
		alerts:    &recordingAlerts{},
		store:     state.NewMemoryStore(),
		metrics:   metrics.NewNoop(),
		candles:   make(chan strategy.Candle, 4),
		fills:     make(chan strategy.Fill, 4),
	}
	f.orch = NewOrchestrator(testRebalancerConfig(), testRisk(), exec.Lot{SzDecimals: 2, Spot: true}, Deps{
		Log:       zap.NewNop(),
		Metrics:   f.metrics,
		Alerts:    f.alerts,
		Store:     f.store,
		Executor:  f.executor,
		Positions: f.positions,
		Quotes:    f.quotes,
		Candles:   f.candles,
		Fills:     f.fills,
	})
	f.orch.now = func() time.Time { return t0 }
	ids := 0
	f.orch.newID = func() string {
		ids++
		return fmt.Sprintf("exec-%d", ids)
	}
	return f
}

func waitReport(t *testing.T, o *Orchestrator) exec.Report {
	t.Helper()
	select {
	case rep := <-o.reports:
		return rep
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for execution report")
	}
	return exec.Report{}
}
