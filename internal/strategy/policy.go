package strategy

import (
	"math"
	"time"

	"spot-rebalancer/internal/config"
)

type Class string

const (
	ClassOpportunistic Class = "opportunistic"
	ClassSoft          Class = "soft"
	ClassHard          Class = "hard"
)

// Decision is a corrective spot trade chosen by the policy. Qty is always
// positive and already rounded to the venue lot. Threshold is the level
// that was crossed; hysteresis compares later opposite-side gaps with it.
type Decision struct {
	ID            string
	Rule          string
	Reason        string
	Class         Class
	Side          Side
	Qty           float64
	Price         float64
	NetDelta      float64
	Gap           float64
	SoftThreshold float64
	HardThreshold float64
	Threshold     float64
	AnchorEdgeBps float64
	Bias          BiasState
	Trend         Trend
	Urgent        bool
	At            time.Time
}

type CooldownState struct {
	LastRebalanceAt    time.Time
	LastEmaRebalanceAt time.Time
}

type HysteresisState struct {
	LastSide      Side
	LastActionAt  time.Time
	LastThreshold float64
}

// SoftWaitState tracks a soft trigger held back by the anchor gate.
type SoftWaitState struct {
	Side  Side
	Since time.Time
}

func (w SoftWaitState) Active() bool {
	return w.Side != SideNone
}

type PolicyState struct {
	Cooldown   CooldownState
	Hysteresis HysteresisState
	SoftWait   SoftWaitState
}

type Inputs struct {
	Now             time.Time
	Price           float64
	Position        PositionSnapshot
	DesiredNetDelta float64
	Ema             EmaState
	Fills           FillWindow
}

// Tick is Inputs plus the signals derived from them.
type Tick struct {
	Inputs
	Delta  DeltaReading
	Trend  Trend
	Bias   BiasState
	Anchor AnchorStats
}

type Result struct {
	Rule     string
	Trigger  bool
	Blocked  bool
	Deferred bool
	Reason   string
	Decision Decision
}

func NoAction(rule, reason string) Result {
	return Result{Rule: rule, Reason: reason}
}

func Trigger(rule, reason string, d Decision) Result {
	d.Rule = rule
	d.Reason = reason
	return Result{Rule: rule, Trigger: true, Reason: reason, Decision: d}
}

// Evaluator is one rule in the ordered policy. It may update the policy state
// it is given, e.g. to start or clear a soft wait.
type Evaluator interface {
	Name() string
	Evaluate(t Tick, st PolicyState) (Result, PolicyState)
}

type HysteresisParams struct {
	Window   time.Duration
	Fraction float64
}

// Blocks reports whether an action on side must be suppressed. Only the side
// opposite to the last executed action is ever blocked.
func (h HysteresisParams) Blocks(st HysteresisState, side Side, absGap float64, now time.Time) (bool, string) {
	if st.LastSide == SideNone || side != st.LastSide.Opposite() {
		return false, ""
	}
	if h.Window > 0 && !st.LastActionAt.IsZero() && now.Sub(st.LastActionAt) < h.Window {
		return true, "hysteresis_window"
	}
	if h.Fraction > 0 && st.LastThreshold > 0 && absGap < h.Fraction*st.LastThreshold {
		return true, "hysteresis_fraction"
	}
	return false, ""
}

// WindowOnly drops the gap fraction check. The opportunistic rules trade on
// trend, not on gap, so only the time window applies to them.
func (h HysteresisParams) WindowOnly() HysteresisParams {
	return HysteresisParams{Window: h.Window}
}

// LotRounder floors a quantity to what the venue accepts.
type LotRounder func(qty float64) float64

type Outcome struct {
	Triggered bool
	Decision  Decision
	Reason    string
	Tick      Tick
	Trace     []Result
}

type Policy struct {
	rules      []Evaluator
	ema        EmaParams
	bias       BiasParams
	hysteresis HysteresisParams
	round      LotRounder
}

func NewPolicy(cfg config.RebalancerConfig, round LotRounder) *Policy {
	ema := EmaParamsFromConfig(cfg.EMA)
	bias := BiasParamsFromConfig(cfg.Bias)
	hyst := HysteresisParams{Window: cfg.Hysteresis.Window, Fraction: cfg.Hysteresis.FractionValue()}
	rules := []Evaluator{
		NewOpportunisticRule(OpportunisticParamsFromConfig(cfg.EMARebalance), ema),
		NewThresholdRule(ThresholdRuleParams{
			Thresholds: ThresholdConfigFromConfig(cfg.Thresholds),
			Strength:   bias.Strength,
			Cooldown:   cfg.Cooldown,
			Gate:       AnchorGateFromConfig(cfg.Anchor),
			Hysteresis: hyst,
		}),
	}
	return NewPolicyWithRules(rules, ema, bias, hyst, round)
}

func NewPolicyWithRules(rules []Evaluator, ema EmaParams, bias BiasParams, hyst HysteresisParams, round LotRounder) *Policy {
	if round == nil {
		round = func(qty float64) float64 { return qty }
	}
	return &Policy{rules: rules, ema: ema, bias: bias, hysteresis: hyst, round: round}
}

// Observe derives the per-tick signals without evaluating any rule.
func (p *Policy) Observe(in Inputs) Tick {
	anchor := in.Fills.Stats(in.Now)
	return Tick{
		Inputs: in,
		Delta:  TrackDelta(in.Position, in.DesiredNetDelta),
		Trend:  p.ema.Trend(in.Ema),
		Bias:   p.bias.Compute(p.ema.Bias(in.Ema), anchor.Bias()),
		Anchor: anchor,
	}
}

// Evaluate runs the rules in order. The first trigger that survives
// hysteresis and lot rounding wins.
func (p *Policy) Evaluate(in Inputs, st PolicyState) (Outcome, PolicyState) {
	tick := p.Observe(in)
	out := Outcome{Tick: tick}
	if in.Price <= 0 || math.IsNaN(in.Price) {
		out.Reason = "no_price"
		return out, st
	}
	for _, rule := range p.rules {
		res, next := rule.Evaluate(tick, st)
		st = next
		if !res.Trigger {
			out.Trace = append(out.Trace, res)
			out.Reason = res.Reason
			continue
		}
		hyst := p.hysteresis
		if res.Decision.Class == ClassOpportunistic {
			hyst = hyst.WindowOnly()
		}
		if blocked, reason := hyst.Blocks(st.Hysteresis, res.Decision.Side, math.Abs(tick.Delta.Gap), in.Now); blocked {
			res.Trigger = false
			res.Blocked = true
			res.Reason = reason
			out.Trace = append(out.Trace, res)
			out.Reason = reason
			continue
		}
		qty := p.round(res.Decision.Qty)
		if qty <= 0 {
			res.Trigger = false
			res.Reason = "below_lot_size"
			out.Trace = append(out.Trace, res)
			out.Reason = res.Reason
			return out, st
		}
		res.Decision.Qty = qty
		out.Trace = append(out.Trace, res)
		out.Triggered = true
		out.Decision = res.Decision
		out.Reason = res.Reason
		return out, st
	}
	return out, st
}

// RecordExecution applies an executed action to the policy state. Any trade
// resets both cooldown timers.
func RecordExecution(st PolicyState, d Decision, at time.Time) PolicyState {
	st.Cooldown.LastRebalanceAt = at
	st.Cooldown.LastEmaRebalanceAt = at
	st.Hysteresis = HysteresisState{LastSide: d.Side, LastActionAt: at, LastThreshold: d.Threshold}
	st.SoftWait = SoftWaitState{}
	return st
}

// RecordRejection starts the cooldown of the rule behind a decision that could
// not be sized. Hysteresis is left alone since nothing traded.
func RecordRejection(st PolicyState, d Decision, at time.Time) PolicyState {
	if d.Class == ClassOpportunistic {
		st.Cooldown.LastEmaRebalanceAt = at
	} else {
		st.Cooldown.LastRebalanceAt = at
	}
	st.SoftWait = SoftWaitState{}
	return st
}

func baseDecision(t Tick, side Side) Decision {
	return Decision{
		Side:     side,
		Price:    t.Price,
		NetDelta: t.Delta.Net,
		Gap:      t.Delta.Gap,
		Bias:     t.Bias,
		Trend:    t.Trend,
		At:       t.Now,
	}
}

func elapsed(now, since time.Time, d time.Duration) bool {
	if since.IsZero() || d <= 0 {
		return true
	}
	return now.Sub(since) >= d
}
