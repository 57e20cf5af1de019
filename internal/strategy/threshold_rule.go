package strategy

import (
	"math"
	"time"
)

const ruleThreshold = "threshold"

type ThresholdRuleParams struct {
	Thresholds ThresholdConfig
	Strength   float64
	Cooldown   time.Duration
	Gate       AnchorGate
	Hysteresis HysteresisParams
}

// ThresholdRule corrects the delta gap once it crosses the bias-scaled soft
// or hard threshold. Soft corrections wait on the fill anchor.
type ThresholdRule struct {
	p ThresholdRuleParams
}

func NewThresholdRule(p ThresholdRuleParams) *ThresholdRule {
	return &ThresholdRule{p: p}
}

func (r *ThresholdRule) Name() string { return ruleThreshold }

func (r *ThresholdRule) Evaluate(t Tick, st PolicyState) (Result, PolicyState) {
	side := t.Delta.Side
	if side == SideNone {
		st.SoftWait = SoftWaitState{}
		return NoAction(ruleThreshold, "no_gap"), st
	}
	if !elapsed(t.Now, st.Cooldown.LastRebalanceAt, r.p.Cooldown) {
		return NoAction(ruleThreshold, "cooldown"), st
	}
	eff := r.p.Thresholds.Effective(t.Position, t.Bias.Oriented(side), r.p.Strength)
	if eff.Soft <= 0 || eff.Hard <= 0 {
		st.SoftWait = SoftWaitState{}
		return NoAction(ruleThreshold, "thresholds_undefined"), st
	}
	absGap := math.Abs(t.Delta.Gap)

	d := baseDecision(t, side)
	d.SoftThreshold = eff.Soft
	d.HardThreshold = eff.Hard

	if absGap >= eff.Hard {
		st.SoftWait = SoftWaitState{}
		d.Class = ClassHard
		d.Qty = absGap
		d.Threshold = eff.Hard
		d.Urgent = true
		return Trigger(ruleThreshold, "hard_threshold", d), st
	}
	if absGap < eff.Soft {
		st.SoftWait = SoftWaitState{}
		return NoAction(ruleThreshold, "within_soft"), st
	}

	if blocked, reason := r.p.Hysteresis.Blocks(st.Hysteresis, side, absGap, t.Now); blocked {
		st.SoftWait = SoftWaitState{}
		res := NoAction(ruleThreshold, reason)
		res.Blocked = true
		return res, st
	}

	d.Class = ClassSoft
	d.Qty = r.p.Thresholds.PartialRatio * absGap
	d.Threshold = eff.Soft

	wait := st.SoftWait
	if wait.Side != side {
		wait = SoftWaitState{Side: side, Since: t.Now}
	}
	waited := t.Now.Sub(wait.Since)
	edge := r.p.Gate.RequiredEdgeBps(waited)
	d.AnchorEdgeBps = edge
	if t.Anchor.Passes(side, t.Price, edge) {
		st.SoftWait = SoftWaitState{}
		return Trigger(ruleThreshold, "soft_threshold", d), st
	}
	if waited >= r.p.Gate.MaxWait {
		st.SoftWait = SoftWaitState{}
		if r.p.Gate.ExecuteOnExpiry {
			return Trigger(ruleThreshold, "soft_wait_expired", d), st
		}
		return NoAction(ruleThreshold, "soft_wait_abandoned"), st
	}
	st.SoftWait = wait
	res := NoAction(ruleThreshold, "anchor_deferred")
	res.Deferred = true
	return res, st
}
