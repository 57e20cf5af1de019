package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"spot-rebalancer/internal/config"
	"spot-rebalancer/internal/exec"
	"spot-rebalancer/internal/metrics"
	"spot-rebalancer/internal/state"
	"spot-rebalancer/internal/strategy"
	"spot-rebalancer/internal/timescale"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	positionTimeout = 5 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Executor drives one decision to a terminal state.
type Executor interface {
	Execute(ctx context.Context, id string, dec strategy.Decision, pos strategy.PositionSnapshot) exec.Report
}

type PositionProvider interface {
	Positions(ctx context.Context) (strategy.PositionSnapshot, error)
}

type Alerter interface {
	Send(ctx context.Context, message string) error
}

// Deps are the collaborators of an Orchestrator. Candles and Fills may be nil.
type Deps struct {
	Log       *zap.Logger
	Metrics   *metrics.Metrics
	Alerts    Alerter
	Store     state.Store
	Timescale *timescale.Writer
	Executor  Executor
	Positions PositionProvider
	Quotes    exec.QuoteSource
	Candles   <-chan strategy.Candle
	Fills     <-chan strategy.Fill
}

// symbolState is owned by the Run goroutine.
type symbolState struct {
	ema         strategy.EmaState
	fills       strategy.FillWindow
	pos         strategy.PositionSnapshot
	policy      strategy.PolicyState
	inflight    string
	last        strategy.Outcome
	lastReport  *exec.Report
	lastAbort   string
	staleWarned bool
}

// Orchestrator runs the rebalance loop of one symbol. Signals are absorbed as
// they arrive; the policy runs on the tick when nothing is in flight.
type Orchestrator struct {
	symbol    string
	cfg       config.RebalancerConfig
	risk      config.RiskConfig
	lot       exec.Lot
	ema       strategy.EmaParams
	log       *zap.Logger
	metrics   *metrics.Metrics
	alerts    Alerter
	store     state.Store
	sink      *timescale.Writer
	executor  Executor
	positions PositionProvider
	quotes    exec.QuoteSource
	candles   <-chan strategy.Candle
	fills     <-chan strategy.Fill
	now       func() time.Time
	newID     func() string

	reports chan exec.Report
	wg      sync.WaitGroup

	policy *strategy.Policy
	st     symbolState

	opsMu       sync.RWMutex
	paused      bool
	override    *config.ThresholdsConfig
	policyDirty bool
	status      state.RebalanceSnapshot
	hasStatus   bool
}

func NewOrchestrator(cfg config.RebalancerConfig, risk config.RiskConfig, lot exec.Lot, deps Deps) *Orchestrator {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.NewNoop()
	}
	alerter := deps.Alerts
	if alerter == nil {
		alerter = noopAlerter{}
	}
	return &Orchestrator{
		symbol:    cfg.Symbol,
		cfg:       cfg,
		risk:      risk,
		lot:       lot,
		ema:       strategy.EmaParamsFromConfig(cfg.EMA),
		log:       log.With(zap.String("symbol", cfg.Symbol)),
		metrics:   m,
		alerts:    alerter,
		store:     deps.Store,
		sink:      deps.Timescale,
		executor:  deps.Executor,
		positions: deps.Positions,
		quotes:    deps.Quotes,
		candles:   deps.Candles,
		fills:     deps.Fills,
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },
		reports:   make(chan exec.Report, 1),
		st: symbolState{
			fills: strategy.FillWindow{Window: cfg.Anchor.Window},
		},
	}
}

// Seed warms the EMAs from closed history and loads recent own fills into
// the anchor window. Call it before Run.
func (o *Orchestrator) Seed(history []strategy.Candle, fills []strategy.Fill) {
	if len(history) > 0 {
		o.st.ema = o.ema.Seed(history)
	}
	for _, f := range fills {
		o.st.fills = o.st.fills.Add(f)
	}
	o.st.fills = o.st.fills.Prune(o.now())
	o.log.Info("rebalancer seeded",
		zap.Int("candles", len(history)),
		zap.Int("fills", len(o.st.fills.Fills)),
		zap.Float64("ema_fast", o.st.ema.Fast),
		zap.Float64("ema_slow", o.st.ema.Slow),
	)
}

func (o *Orchestrator) Run(ctx context.Context) error {
	if o.executor == nil || o.positions == nil || o.quotes == nil {
		return errors.New("orchestrator requires executor, positions and quotes")
	}
	tick := time.NewTicker(o.cfg.TickInterval)
	defer tick.Stop()
	poll := time.NewTicker(o.cfg.PositionPoll)
	defer poll.Stop()
	status := time.NewTicker(o.cfg.StatusInterval)
	defer status.Stop()

	o.refreshPosition(ctx)
	for {
		select {
		case <-ctx.Done():
			o.drain()
			return ctx.Err()
		case c := <-o.candles:
			o.onCandle(c)
		case f := <-o.fills:
			o.onFill(f)
		case rep := <-o.reports:
			o.onReport(ctx, rep)
		case <-poll.C:
			o.refreshPosition(ctx)
		case <-tick.C:
			o.tick(ctx)
		case <-status.C:
			o.reportStatus(ctx)
		}
	}
}

// drain waits for the in-flight driver, which cancels its resting order on
// its own, and records the final report.
func (o *Orchestrator) drain() {
	o.wg.Wait()
	select {
	case rep := <-o.reports:
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		o.finishExecution(ctx, rep)
		o.reportStatus(ctx)
	default:
	}
}

func (o *Orchestrator) onCandle(c strategy.Candle) {
	next := o.ema.Update(o.st.ema, c)
	if next == o.st.ema {
		return
	}
	o.st.ema = next
	o.log.Debug("candle closed",
		zap.Time("start", c.Start),
		zap.Float64("close", c.Close),
		zap.Float64("ema_fast", next.Fast),
		zap.Float64("ema_slow", next.Slow),
	)
	o.sink.EnqueueCandle(timescale.Candle{
		Symbol:   o.symbol,
		Interval: o.cfg.CandleInterval,
		Start:    c.Start,
		Open:     c.Open,
		High:     c.High,
		Low:      c.Low,
		Close:    c.Close,
		Volume:   c.Volume,
	})
}

func (o *Orchestrator) onFill(f strategy.Fill) {
	o.st.fills = o.st.fills.Add(f).Prune(o.now())
}

func (o *Orchestrator) refreshPosition(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, positionTimeout)
	defer cancel()
	pos, err := o.positions.Positions(ctx)
	if err != nil {
		o.log.Warn("position refresh failed", zap.Error(err))
		return
	}
	if pos.At.IsZero() {
		pos.At = o.now()
	}
	o.st.pos = pos
}

func (o *Orchestrator) tick(ctx context.Context) {
	if ctx.Err() != nil || o.st.inflight != "" || o.Paused() {
		return
	}
	now := o.now()
	q, ok := o.quotes.BestQuote()
	var marketAt time.Time
	if ok && q.Valid() {
		marketAt = q.At
	}
	if err := strategy.CheckFreshness(o.risk, now, marketAt, o.st.pos.At); err != nil {
		o.warnSkipped(err)
		return
	}
	if err := strategy.CheckPosition(o.st.pos); err != nil {
		o.warnSkipped(err)
		return
	}
	if o.st.staleWarned {
		o.log.Info("inputs fresh again")
		o.st.staleWarned = false
	}

	o.st.fills = o.st.fills.Prune(now)
	out, next := o.currentPolicy().Evaluate(strategy.Inputs{
		Now:             now,
		Price:           q.Mid(),
		Position:        o.st.pos,
		DesiredNetDelta: o.cfg.DesiredNetDeltaBase,
		Ema:             o.st.ema,
		Fills:           o.st.fills,
	}, o.st.policy)
	o.st.policy = next
	o.st.last = out
	o.metrics.NetDelta.Set(out.Tick.Delta.Net)
	o.metrics.Gap.Set(out.Tick.Delta.Gap)
	for _, res := range out.Trace {
		if res.Blocked {
			o.metrics.HysteresisBlocked.Inc()
		}
		if res.Deferred {
			o.metrics.AnchorDeferred.Inc()
		}
	}
	if !out.Triggered {
		return
	}

	dec := out.Decision
	dec.ID = o.newID()
	o.metrics.DecisionsTotal.Inc()
	if dec.Class == strategy.ClassOpportunistic {
		o.metrics.OpportunisticTriggers.Inc()
	} else {
		o.metrics.ThresholdTriggers.Inc()
	}
	o.recordDecision(dec)
	o.dispatch(ctx, dec)
}

func (o *Orchestrator) warnSkipped(err error) {
	if o.st.staleWarned {
		o.log.Debug("tick skipped", zap.Error(err))
		return
	}
	o.st.staleWarned = true
	o.log.Warn("tick skipped", zap.Error(err))
}

// dispatch starts the driver for dec. At most one execution runs at a time;
// a decision that arrives while one is in flight is dropped.
func (o *Orchestrator) dispatch(ctx context.Context, dec strategy.Decision) bool {
	if o.st.inflight != "" {
		o.metrics.DecisionsRejected.Inc()
		o.log.Warn("decision rejected, execution in flight",
			zap.String("decision_id", dec.ID),
			zap.String("inflight_id", o.st.inflight),
		)
		return false
	}
	o.st.inflight = dec.ID
	pos := o.st.pos
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.reports <- o.executor.Execute(ctx, dec.ID, dec, pos)
	}()
	return true
}

func (o *Orchestrator) onReport(ctx context.Context, rep exec.Report) {
	o.finishExecution(ctx, rep)
	o.refreshPosition(ctx)
}

func (o *Orchestrator) finishExecution(ctx context.Context, rep exec.Report) {
	if rep.ID != o.st.inflight {
		o.log.Warn("report for unknown execution", zap.String("execution_id", rep.ID), zap.String("inflight_id", o.st.inflight))
	}
	o.st.inflight = ""
	o.st.lastReport = &rep
	at := rep.FinishedAt
	if at.IsZero() {
		at = o.now()
	}
	switch {
	case rep.Accepted:
		o.st.policy = strategy.RecordExecution(o.st.policy, rep.Decision, at)
	case rep.SizingRejected():
		o.st.policy = strategy.RecordRejection(o.st.policy, rep.Decision, at)
	}
	o.log.Info("execution report",
		zap.String("execution_id", rep.ID),
		zap.String("side", string(rep.Side)),
		zap.String("state", string(rep.State)),
		zap.String("reason", rep.Reason),
		zap.Float64("target", rep.Target),
		zap.Float64("filled", rep.Filled),
		zap.Float64("avg_price", rep.AvgPrice),
		zap.Bool("accepted", rep.Accepted),
	)
	o.recordExecution(rep)
	if o.repeatedAbort(rep) {
		return
	}
	if msg := reportAlert(o.symbol, rep); msg != "" {
		if err := o.alerts.Send(ctx, msg); err != nil {
			o.log.Warn("alert send failed", zap.Error(err))
		}
	}
}

// repeatedAbort latches the side and reason of an abort so the same failure
// is alerted once until something else happens.
func (o *Orchestrator) repeatedAbort(rep exec.Report) bool {
	if rep.State != exec.StateAborted || rep.Reason == "shutdown" {
		o.st.lastAbort = ""
		return false
	}
	key := string(rep.Side) + ":" + rep.Reason
	if key == o.st.lastAbort {
		return true
	}
	o.st.lastAbort = key
	return false
}

func reportAlert(symbol string, rep exec.Report) string {
	switch {
	case rep.State == exec.StateCompleted:
		return fmt.Sprintf("Rebalanced %s: %s %.6f @ %.6f (%s, requotes %d, taker %t)",
			symbol, rep.Side, rep.Filled, rep.AvgPrice, rep.Decision.Reason, rep.Requotes, rep.TakerUsed)
	case rep.Reason == "shutdown":
		return ""
	default:
		return fmt.Sprintf("Rebalance %s %s aborted: %s (filled %.6f of %.6f)",
			symbol, rep.Side, rep.Reason, rep.Filled, rep.Target)
	}
}

// currentPolicy rebuilds the policy after a threshold override changed.
func (o *Orchestrator) currentPolicy() *strategy.Policy {
	o.opsMu.Lock()
	dirty := o.policyDirty
	o.policyDirty = false
	o.opsMu.Unlock()
	if o.policy == nil || dirty {
		cfg := o.cfg
		cfg.Thresholds = o.Thresholds()
		o.policy = strategy.NewPolicy(cfg, o.lot.RoundQty)
	}
	return o.policy
}

type noopAlerter struct{}

func (noopAlerter) Send(context.Context, string) error { return nil }
