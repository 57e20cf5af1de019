package strategy

import (
	"math"
	"time"

	"spot-rebalancer/internal/config"
)

const ruleOpportunistic = "opportunistic"

type OpportunisticParams struct {
	Enabled         bool
	MinPositionUSDT float64
	Cooldown        time.Duration
	UptrendBreakout float64
	DowntrendTouch  float64
	PartialRatio    float64
}

func OpportunisticParamsFromConfig(cfg config.EMARebalanceConfig) OpportunisticParams {
	return OpportunisticParams{
		Enabled:         cfg.EnabledValue(),
		MinPositionUSDT: cfg.MinPositionUSDT,
		Cooldown:        cfg.Cooldown,
		UptrendBreakout: cfg.UptrendBreakoutPct,
		DowntrendTouch:  cfg.DowntrendEMATouchPct,
		PartialRatio:    cfg.PartialRatio,
	}
}

// OpportunisticRule trims a long spot holding on EMA breakouts and on
// downtrend touches of the fast EMA. There is no short-side counterpart.
type OpportunisticRule struct {
	params OpportunisticParams
	ema    EmaParams
}

func NewOpportunisticRule(params OpportunisticParams, ema EmaParams) *OpportunisticRule {
	return &OpportunisticRule{params: params, ema: ema}
}

func (r *OpportunisticRule) Name() string { return ruleOpportunistic }

func (r *OpportunisticRule) Evaluate(t Tick, st PolicyState) (Result, PolicyState) {
	p := r.params
	if !p.Enabled {
		return NoAction(ruleOpportunistic, "ema_rebalance_disabled"), st
	}
	if !t.Ema.Seeded || t.Ema.Fast <= 0 {
		return NoAction(ruleOpportunistic, "ema_not_seeded"), st
	}
	size := t.Position.SpotBase
	if size <= 0 {
		return NoAction(ruleOpportunistic, "not_long"), st
	}
	if math.Abs(size*t.Price) < p.MinPositionUSDT {
		return NoAction(ruleOpportunistic, "position_below_min"), st
	}
	if !elapsed(t.Now, st.Cooldown.LastEmaRebalanceAt, p.Cooldown) {
		return NoAction(ruleOpportunistic, "ema_cooldown"), st
	}

	dev := (t.Price - t.Ema.Fast) / t.Ema.Fast * 100
	var reason string
	switch t.Trend {
	case TrendUp:
		if dev >= p.UptrendBreakout {
			reason = "uptrend_breakout"
		}
	case TrendDown:
		if math.Abs(dev) <= p.DowntrendTouch {
			reason = "downtrend_ema_touch"
		}
	}
	if reason == "" {
		return NoAction(ruleOpportunistic, "no_ema_signal"), st
	}

	d := baseDecision(t, SideSell)
	d.Class = ClassOpportunistic
	d.Qty = p.PartialRatio * size
	return Trigger(ruleOpportunistic, reason, d), st
}
