package strategy

import (
	"math"
	"testing"
	"time"

	"spot-rebalancer/internal/config"
)

type policyOpts struct {
	threshold ThresholdRuleParams
	opp       OpportunisticParams
	round     LotRounder
}

func testPolicy(mod func(*policyOpts)) *Policy {
	hyst := HysteresisParams{Window: 30 * time.Second, Fraction: 0.7}
	opts := policyOpts{
		opp: OpportunisticParams{
			Enabled:         true,
			MinPositionUSDT: 100,
			Cooldown:        60 * time.Second,
			UptrendBreakout: 1.0,
			DowntrendTouch:  0.2,
			PartialRatio:    0.3,
		},
		threshold: ThresholdRuleParams{
			Thresholds: ThresholdConfig{Units: config.UnitsBase, Soft: 1, Hard: 3, PartialRatio: 0.5, FloorRatio: 0.25},
			Cooldown:   10 * time.Second,
			Gate:       AnchorGate{EdgeBpsSoft: 10, EdgeBpsHard: 2, MaxWait: 30 * time.Second, DegradeEdge: true, ExecuteOnExpiry: true},
			Hysteresis: hyst,
		},
	}
	if mod != nil {
		mod(&opts)
	}
	ema := testEma()
	rules := []Evaluator{NewOpportunisticRule(opts.opp, ema), NewThresholdRule(opts.threshold)}
	bias := BiasParams{WeightEMA: 0.5, WeightAnchor: 0.5, Strength: opts.threshold.Strength}
	return NewPolicyWithRules(rules, ema, bias, opts.threshold.Hysteresis, opts.round)
}

var (
	emaUp   = EmaState{Fast: 100, Slow: 99, Seeded: true}
	emaDown = EmaState{Fast: 100, Slow: 101, Seeded: true}
)

func longPosition(spot, futures float64) PositionSnapshot {
	return PositionSnapshot{SpotBase: spot, FuturesBase: futures, BaseAvailable: spot, QuoteAvailable: 10_000}
}

func TestOpportunisticUptrendBreakout(t *testing.T) {
	p := testPolicy(nil)
	out, _ := p.Evaluate(Inputs{Now: t0, Price: 101.05, Position: longPosition(10, 10), Ema: emaUp}, PolicyState{})
	if !out.Triggered {
		t.Fatalf("expected trigger, reason=%s", out.Reason)
	}
	d := out.Decision
	if d.Side != SideSell || d.Class != ClassOpportunistic || d.Reason != "uptrend_breakout" {
		t.Fatalf("unexpected decision: %+v", d)
	}
	assertApprox(t, "qty", d.Qty, 3)
	if d.Urgent {
		t.Fatalf("opportunistic trades are not urgent")
	}
}

func TestOpportunisticDowntrendTouch(t *testing.T) {
	p := testPolicy(nil)
	out, _ := p.Evaluate(Inputs{Now: t0, Price: 100.15, Position: longPosition(10, 10), Ema: emaDown}, PolicyState{})
	if !out.Triggered || out.Decision.Reason != "downtrend_ema_touch" {
		t.Fatalf("expected downtrend touch trigger, got %+v", out)
	}
	if out.Decision.Side != SideSell {
		t.Fatalf("expected SELL, got %s", out.Decision.Side)
	}
	assertApprox(t, "qty", out.Decision.Qty, 3)
}

func TestOpportunisticDowntrendTooFarFromEma(t *testing.T) {
	p := testPolicy(nil)
	out, _ := p.Evaluate(Inputs{Now: t0, Price: 100.50, Position: longPosition(10, 10), Ema: emaDown}, PolicyState{})
	if out.Triggered {
		t.Fatalf("expected no trigger, got %+v", out.Decision)
	}
	if len(out.Trace) == 0 || out.Trace[0].Reason != "no_ema_signal" {
		t.Fatalf("unexpected trace: %+v", out.Trace)
	}
}

func TestOpportunisticPreconditions(t *testing.T) {
	cases := []struct {
		name   string
		pos    PositionSnapshot
		ema    EmaState
		mod    func(*policyOpts)
		reason string
	}{
		{"small position", longPosition(0.5, 0.5), emaUp, nil, "position_below_min"},
		{"short holding", longPosition(-10, -10), emaUp, nil, "not_long"},
		{"unseeded", longPosition(10, 10), EmaState{}, nil, "ema_not_seeded"},
		{"disabled", longPosition(10, 10), emaUp, func(o *policyOpts) { o.opp.Enabled = false }, "ema_rebalance_disabled"},
	}
	for _, tc := range cases {
		p := testPolicy(tc.mod)
		out, _ := p.Evaluate(Inputs{Now: t0, Price: 101.05, Position: tc.pos, Ema: tc.ema}, PolicyState{})
		if out.Triggered {
			t.Fatalf("%s: expected no trigger, got %+v", tc.name, out.Decision)
		}
		if out.Trace[0].Reason != tc.reason {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.reason, out.Trace[0].Reason)
		}
	}
}

func TestBothCooldownsResetAfterOpportunisticTrade(t *testing.T) {
	p := testPolicy(nil)
	var st PolicyState
	out, st := p.Evaluate(Inputs{Now: t0, Price: 101.05, Position: longPosition(10, 10), Ema: emaUp}, st)
	if !out.Triggered {
		t.Fatalf("expected opportunistic trigger")
	}
	st = RecordExecution(st, out.Decision, t0)
	if !st.Cooldown.LastRebalanceAt.Equal(t0) || !st.Cooldown.LastEmaRebalanceAt.Equal(t0) {
		t.Fatalf("expected both timers reset, got %+v", st.Cooldown)
	}

	// both rules would fire on these inputs if their cooldowns had elapsed
	in := Inputs{Now: t0.Add(5 * time.Second), Price: 101.05, Position: longPosition(14, 10), Ema: emaUp}
	out, st = p.Evaluate(in, st)
	if out.Triggered {
		t.Fatalf("expected no trigger within cooldown, got %+v", out.Decision)
	}
	if out.Trace[0].Reason != "ema_cooldown" || out.Trace[1].Reason != "cooldown" {
		t.Fatalf("unexpected trace: %+v", out.Trace)
	}

	in.Now = t0.Add(11 * time.Second)
	out, _ = p.Evaluate(in, st)
	if !out.Triggered || out.Decision.Class != ClassHard {
		t.Fatalf("expected hard trigger after main cooldown, got %+v", out)
	}
	if out.Trace[0].Reason != "ema_cooldown" {
		t.Fatalf("expected ema cooldown still active, got %s", out.Trace[0].Reason)
	}
}

func TestHysteresisBlocksOppositeSideWithinWindow(t *testing.T) {
	p := testPolicy(func(o *policyOpts) { o.threshold.Hysteresis.Fraction = 0 })
	st := RecordExecution(PolicyState{}, Decision{Side: SideSell, Threshold: 1}, t0)

	for sec := 10; sec < 30; sec++ {
		for _, spot := range []float64{8.5, 6, 1} {
			in := Inputs{Now: t0.Add(time.Duration(sec) * time.Second), Price: 100, Position: longPosition(spot, 10)}
			out, _ := p.Evaluate(in, st)
			if out.Triggered {
				t.Fatalf("opposite trade at +%ds with spot=%v: %+v", sec, spot, out.Decision)
			}
		}
	}

	in := Inputs{Now: t0.Add(15 * time.Second), Price: 100, Position: longPosition(6, 10)}
	out, _ := p.Evaluate(in, st)
	last := out.Trace[len(out.Trace)-1]
	if !last.Blocked || last.Reason != "hysteresis_window" {
		t.Fatalf("expected hysteresis block, got %+v", last)
	}

	in.Now = t0.Add(31 * time.Second)
	out, _ = p.Evaluate(in, st)
	if !out.Triggered || out.Decision.Side != SideBuy {
		t.Fatalf("expected BUY after window, got %+v", out)
	}
	assertApprox(t, "qty", out.Decision.Qty, 4)
}

func TestHysteresisAllowsSameSide(t *testing.T) {
	p := testPolicy(nil)
	st := RecordExecution(PolicyState{}, Decision{Side: SideSell, Threshold: 3}, t0)
	out, _ := p.Evaluate(Inputs{Now: t0.Add(11 * time.Second), Price: 100, Position: longPosition(12, 10)}, st)
	if !out.Triggered || out.Decision.Side != SideSell {
		t.Fatalf("expected same-side SELL to pass hysteresis, got %+v", out)
	}
}

func TestHysteresisFraction(t *testing.T) {
	p := testPolicy(nil)
	st := RecordExecution(PolicyState{}, Decision{Side: SideSell, Threshold: 3}, t0.Add(-time.Hour))

	out, _ := p.Evaluate(Inputs{Now: t0, Price: 100, Position: longPosition(8.5, 10)}, st)
	if out.Triggered || out.Reason != "hysteresis_fraction" {
		t.Fatalf("expected fraction block for |gap|=1.5 < 2.1, got %+v", out)
	}

	out, _ = p.Evaluate(Inputs{Now: t0, Price: 100, Position: longPosition(7.5, 10)}, st)
	if !out.Triggered || out.Decision.Class != ClassSoft || out.Decision.Side != SideBuy {
		t.Fatalf("expected soft BUY for |gap|=2.5, got %+v", out)
	}
	assertApprox(t, "qty", out.Decision.Qty, 1.25)
}

func TestOpportunisticIgnoresHysteresisFraction(t *testing.T) {
	p := testPolicy(nil)
	st := RecordExecution(PolicyState{}, Decision{Side: SideBuy, Threshold: 1}, t0.Add(-time.Hour))

	out, _ := p.Evaluate(Inputs{Now: t0, Price: 101.05, Position: longPosition(10, 10), Ema: emaUp}, st)
	if !out.Triggered || out.Decision.Class != ClassOpportunistic || out.Decision.Side != SideSell {
		t.Fatalf("expected breakout SELL with a hedged book, got %+v", out)
	}
	assertApprox(t, "qty", out.Decision.Qty, 3)
}

func TestOpportunisticBlockedByHysteresisWindow(t *testing.T) {
	p := testPolicy(func(o *policyOpts) { o.opp.Cooldown = 0 })
	st := RecordExecution(PolicyState{}, Decision{Side: SideBuy, Threshold: 1}, t0.Add(-10*time.Second))

	out, _ := p.Evaluate(Inputs{Now: t0, Price: 101.05, Position: longPosition(10, 10), Ema: emaUp}, st)
	if out.Triggered {
		t.Fatalf("expected no trade inside the window, got %+v", out.Decision)
	}
	if !out.Trace[0].Blocked || out.Trace[0].Reason != "hysteresis_window" {
		t.Fatalf("expected window block on the breakout, got %+v", out.Trace[0])
	}

	out, _ = p.Evaluate(Inputs{Now: t0.Add(21 * time.Second), Price: 101.05, Position: longPosition(10, 10), Ema: emaUp}, st)
	if !out.Triggered || out.Decision.Class != ClassOpportunistic {
		t.Fatalf("expected breakout after the window, got %+v", out)
	}
}

func TestHardTriggerIsUrgentFullCorrection(t *testing.T) {
	p := testPolicy(nil)
	out, st := p.Evaluate(Inputs{Now: t0, Price: 100, Position: longPosition(14, 10)}, PolicyState{})
	if !out.Triggered {
		t.Fatalf("expected trigger, reason=%s", out.Reason)
	}
	d := out.Decision
	if d.Class != ClassHard || !d.Urgent || d.Side != SideSell {
		t.Fatalf("unexpected decision: %+v", d)
	}
	assertApprox(t, "qty", d.Qty, 4)
	assertApprox(t, "threshold", d.Threshold, 3)
	if st.SoftWait.Active() {
		t.Fatalf("hard trigger must not leave a soft wait")
	}
}

func TestSoftTriggerWithEmptyAnchorWindow(t *testing.T) {
	p := testPolicy(nil)
	out, _ := p.Evaluate(Inputs{Now: t0, Price: 100, Position: longPosition(12, 10), Fills: FillWindow{Window: 10 * time.Minute}}, PolicyState{})
	if !out.Triggered || out.Decision.Reason != "soft_threshold" {
		t.Fatalf("expected immediate soft trigger, got %+v", out)
	}
	if out.Decision.Urgent {
		t.Fatalf("soft trigger must be maker preferred")
	}
	assertApprox(t, "qty", out.Decision.Qty, 1)
}

func anchoredFills() FillWindow {
	return FillWindow{Window: 10 * time.Minute}.Add(Fill{Time: t0.Add(-time.Minute), Side: SideBuy, Price: 100, Qty: 1})
}

func TestSoftDeferredThenDegradedEdgePasses(t *testing.T) {
	p := testPolicy(nil)
	in := Inputs{Now: t0, Price: 100, Position: longPosition(12, 10), Fills: anchoredFills()}
	out, st := p.Evaluate(in, PolicyState{})
	if out.Triggered || out.Reason != "anchor_deferred" {
		t.Fatalf("expected deferral, got %+v", out)
	}
	if !out.Trace[len(out.Trace)-1].Deferred {
		t.Fatalf("expected deferred flag on trace")
	}
	if st.SoftWait.Side != SideSell || !st.SoftWait.Since.Equal(t0) {
		t.Fatalf("unexpected soft wait: %+v", st.SoftWait)
	}

	in.Now = t0.Add(15 * time.Second)
	in.Price = 100.05
	out, st = p.Evaluate(in, st)
	if out.Triggered {
		t.Fatalf("100.05 is below the 6bps edge, expected deferral")
	}

	in.Price = 100.07
	out, st = p.Evaluate(in, st)
	if !out.Triggered || out.Decision.Reason != "soft_threshold" {
		t.Fatalf("expected soft trigger once degraded edge clears, got %+v", out)
	}
	assertApprox(t, "edge", out.Decision.AnchorEdgeBps, 6)
	if st.SoftWait.Active() {
		t.Fatalf("expected soft wait cleared")
	}
}

func TestSoftWaitExpiry(t *testing.T) {
	for _, execute := range []bool{true, false} {
		p := testPolicy(func(o *policyOpts) { o.threshold.Gate.ExecuteOnExpiry = execute })
		in := Inputs{Now: t0, Price: 100, Position: longPosition(12, 10), Fills: anchoredFills()}
		_, st := p.Evaluate(in, PolicyState{})

		in.Now = t0.Add(30 * time.Second)
		out, st := p.Evaluate(in, st)
		if execute {
			if !out.Triggered || out.Decision.Reason != "soft_wait_expired" {
				t.Fatalf("expected dispatch on expiry, got %+v", out)
			}
			continue
		}
		if out.Triggered || out.Reason != "soft_wait_abandoned" {
			t.Fatalf("expected abandon on expiry, got %+v", out)
		}
		if st.SoftWait.Active() {
			t.Fatalf("expected wait cleared after abandon")
		}
		in.Now = t0.Add(31 * time.Second)
		out, st = p.Evaluate(in, st)
		if out.Reason != "anchor_deferred" || !st.SoftWait.Since.Equal(in.Now) {
			t.Fatalf("expected a fresh wait cycle, got %+v %+v", out, st.SoftWait)
		}
	}
}

func TestSoftWaitClearedWhenGapCloses(t *testing.T) {
	p := testPolicy(nil)
	in := Inputs{Now: t0, Price: 100, Position: longPosition(12, 10), Fills: anchoredFills()}
	_, st := p.Evaluate(in, PolicyState{})
	if !st.SoftWait.Active() {
		t.Fatalf("expected active wait")
	}
	in.Now = t0.Add(time.Second)
	in.Position = longPosition(10.5, 10)
	out, st := p.Evaluate(in, st)
	if out.Reason != "within_soft" || st.SoftWait.Active() {
		t.Fatalf("expected wait cleared inside band, got %+v %+v", out, st.SoftWait)
	}
}

func TestZeroLotIsNoOp(t *testing.T) {
	p := testPolicy(func(o *policyOpts) {
		o.threshold.Thresholds.Soft = 0.1
		o.threshold.Thresholds.Hard = 1
		o.round = func(q float64) float64 { return math.Floor(q*10) / 10 }
	})
	out, _ := p.Evaluate(Inputs{Now: t0, Price: 100, Position: longPosition(10.12, 10)}, PolicyState{})
	if out.Triggered || out.Reason != "below_lot_size" {
		t.Fatalf("expected no-op for zero lot, got %+v", out)
	}
}

func TestPercentThresholdsUndefinedWithoutHolding(t *testing.T) {
	p := testPolicy(func(o *policyOpts) { o.threshold.Thresholds.Units = config.UnitsPercent })
	out, _ := p.Evaluate(Inputs{Now: t0, Price: 100, Position: PositionSnapshot{SpotBase: 0, FuturesBase: 2}}, PolicyState{})
	if out.Triggered || out.Reason != "thresholds_undefined" {
		t.Fatalf("expected undefined thresholds, got %+v", out)
	}
}

func TestNoPriceNoAction(t *testing.T) {
	p := testPolicy(nil)
	out, _ := p.Evaluate(Inputs{Now: t0, Position: longPosition(20, 10)}, PolicyState{})
	if out.Triggered || out.Reason != "no_price" {
		t.Fatalf("expected no_price, got %+v", out)
	}
}

func TestRecordRejectionStartsRuleCooldown(t *testing.T) {
	st := RecordRejection(PolicyState{}, Decision{Side: SideSell, Class: ClassOpportunistic}, t0)
	if !st.Cooldown.LastEmaRebalanceAt.Equal(t0) || !st.Cooldown.LastRebalanceAt.IsZero() {
		t.Fatalf("expected only the ema cooldown, got %+v", st.Cooldown)
	}
	st = RecordRejection(PolicyState{SoftWait: SoftWaitState{Side: SideBuy, Since: t0}}, Decision{Side: SideBuy, Class: ClassSoft}, t0)
	if !st.Cooldown.LastRebalanceAt.Equal(t0) || !st.Cooldown.LastEmaRebalanceAt.IsZero() {
		t.Fatalf("expected only the main cooldown, got %+v", st.Cooldown)
	}
	if st.Hysteresis.LastSide != SideNone || st.SoftWait.Active() {
		t.Fatalf("expected no hysteresis and no soft wait, got %+v", st)
	}
}
