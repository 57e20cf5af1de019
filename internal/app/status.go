package app

import (
	"context"
	"fmt"
	"strings"

	"spot-rebalancer/internal/config"
	"spot-rebalancer/internal/state"
	"spot-rebalancer/internal/strategy"

	"go.uber.org/zap"
)

func (o *Orchestrator) Paused() bool {
	o.opsMu.RLock()
	defer o.opsMu.RUnlock()
	return o.paused
}

func (o *Orchestrator) SetPaused(paused bool) bool {
	o.opsMu.Lock()
	defer o.opsMu.Unlock()
	o.paused = paused
	return o.paused
}

// Thresholds returns the thresholds in effect, override first.
func (o *Orchestrator) Thresholds() config.ThresholdsConfig {
	o.opsMu.RLock()
	defer o.opsMu.RUnlock()
	if o.override != nil {
		return *o.override
	}
	return o.cfg.Thresholds
}

func (o *Orchestrator) ThresholdOverride() *config.ThresholdsConfig {
	o.opsMu.RLock()
	defer o.opsMu.RUnlock()
	if o.override == nil {
		return nil
	}
	copy := *o.override
	return &copy
}

// SetThresholdOverride validates t like the config file and applies it from
// the next tick.
func (o *Orchestrator) SetThresholdOverride(t config.ThresholdsConfig) error {
	if err := config.ValidateThresholds(t); err != nil {
		return err
	}
	o.opsMu.Lock()
	defer o.opsMu.Unlock()
	if t == o.cfg.Thresholds {
		o.override = nil
	} else {
		o.override = &t
	}
	o.policyDirty = true
	return nil
}

func (o *Orchestrator) ClearThresholdOverride() {
	o.opsMu.Lock()
	defer o.opsMu.Unlock()
	o.override = nil
	o.policyDirty = true
}

// Status returns the last periodic status report.
func (o *Orchestrator) Status() (state.RebalanceSnapshot, bool) {
	o.opsMu.RLock()
	defer o.opsMu.RUnlock()
	return o.status, o.hasStatus
}

func (o *Orchestrator) reportStatus(ctx context.Context) {
	snap := o.buildStatus()
	o.opsMu.Lock()
	o.status = snap
	o.hasStatus = true
	o.opsMu.Unlock()

	if err := state.SaveRebalanceSnapshot(ctx, o.store, snap); err != nil {
		o.log.Warn("status snapshot save failed", zap.Error(err))
	}
	o.log.Info("rebalance status",
		zap.Float64("price", snap.Price),
		zap.Float64("net_delta", snap.NetDelta),
		zap.Float64("gap", snap.Gap),
		zap.Float64("soft", snap.SoftThreshold),
		zap.Float64("hard", snap.HardThreshold),
		zap.String("trend", snap.Trend),
		zap.Float64("bias", snap.CombinedBias),
		zap.String("execution", snap.ExecutionState),
		zap.Bool("paused", snap.Paused),
	)
	o.recordDelta(snap)
}

func (o *Orchestrator) buildStatus() state.RebalanceSnapshot {
	now := o.now()
	q, _ := o.quotes.BestQuote()
	tick := o.currentPolicy().Observe(strategy.Inputs{
		Now:             now,
		Price:           q.Mid(),
		Position:        o.st.pos,
		DesiredNetDelta: o.cfg.DesiredNetDeltaBase,
		Ema:             o.st.ema,
		Fills:           o.st.fills,
	})
	strength := strategy.BiasParamsFromConfig(o.cfg.Bias).Strength
	eff := strategy.ThresholdConfigFromConfig(o.Thresholds()).Effective(o.st.pos, tick.Bias.Oriented(tick.Delta.Side), strength)

	snap := state.RebalanceSnapshot{
		Symbol:          o.symbol,
		Price:           tick.Price,
		SpotBase:        o.st.pos.SpotBase,
		FuturesBase:     o.st.pos.FuturesBase,
		NetDelta:        tick.Delta.Net,
		DesiredNetDelta: tick.Delta.Desired,
		Gap:             tick.Delta.Gap,
		SoftThreshold:   eff.Soft,
		HardThreshold:   eff.Hard,
		Trend:           string(tick.Trend),
		EmaFast:         o.st.ema.Fast,
		EmaSlow:         o.st.ema.Slow,
		CombinedBias:    tick.Bias.Combined,
		ExecutionState:  "idle",
		Paused:          o.Paused(),
		UpdatedAtMS:     now.UnixMilli(),
	}
	if vwap, ok := tick.Anchor.BuyVWAP(); ok {
		snap.BuyVWAP = vwap
	}
	if vwap, ok := tick.Anchor.SellVWAP(); ok {
		snap.SellVWAP = vwap
	}
	if o.st.inflight != "" {
		snap.ExecutionState = "executing"
	}
	if rep := o.st.lastReport; rep != nil {
		snap.LastAction = fmt.Sprintf("%s %.6f %s (%s)", rep.Side, rep.Filled, rep.State, rep.Reason)
		if !rep.FinishedAt.IsZero() {
			snap.LastActionAtMS = rep.FinishedAt.UnixMilli()
		}
	}
	return snap
}

func formatStatus(s state.RebalanceSnapshot) string {
	lines := []string{
		fmt.Sprintf("symbol: %s", s.Symbol),
		fmt.Sprintf("paused: %t", s.Paused),
		fmt.Sprintf("price: %.6f", s.Price),
		fmt.Sprintf("spot_base: %.6f", s.SpotBase),
		fmt.Sprintf("futures_base: %.6f", s.FuturesBase),
		fmt.Sprintf("net_delta: %.6f (desired %.6f)", s.NetDelta, s.DesiredNetDelta),
		fmt.Sprintf("gap: %.6f (soft %.6f hard %.6f)", s.Gap, s.SoftThreshold, s.HardThreshold),
		fmt.Sprintf("trend: %s ema %.6f/%.6f bias %.3f", s.Trend, s.EmaFast, s.EmaSlow, s.CombinedBias),
		fmt.Sprintf("execution: %s", s.ExecutionState),
	}
	if s.BuyVWAP > 0 || s.SellVWAP > 0 {
		lines = append(lines, fmt.Sprintf("anchor: buy %.6f sell %.6f", s.BuyVWAP, s.SellVWAP))
	}
	if s.LastAction != "" {
		lines = append(lines, fmt.Sprintf("last_action: %s", s.LastAction))
	}
	return strings.Join(lines, "\n")
}
