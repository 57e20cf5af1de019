package app

import (
	"time"

	"spot-rebalancer/internal/exec"
	"spot-rebalancer/internal/state"
	"spot-rebalancer/internal/strategy"
	"spot-rebalancer/internal/timescale"
)

func (o *Orchestrator) recordDecision(dec strategy.Decision) {
	if o.sink == nil {
		return
	}
	at := dec.At
	if at.IsZero() {
		at = o.now()
	}
	o.sink.EnqueueDecision(timescale.Decision{
		Time:          at.UTC(),
		ID:            dec.ID,
		Symbol:        o.symbol,
		Rule:          dec.Rule,
		Class:         string(dec.Class),
		Reason:        dec.Reason,
		Side:          string(dec.Side),
		Qty:           dec.Qty,
		Price:         dec.Price,
		NetDelta:      dec.NetDelta,
		Gap:           dec.Gap,
		SoftThreshold: dec.SoftThreshold,
		HardThreshold: dec.HardThreshold,
		CombinedBias:  dec.Bias.Combined,
		Trend:         string(dec.Trend),
		Triggered:     true,
	})
}

func (o *Orchestrator) recordExecution(rep exec.Report) {
	if o.sink == nil {
		return
	}
	at := rep.FinishedAt
	if at.IsZero() {
		at = o.now()
	}
	var duration time.Duration
	if !rep.StartedAt.IsZero() {
		duration = at.Sub(rep.StartedAt)
	}
	o.sink.EnqueueExecution(timescale.Execution{
		Time:          at.UTC(),
		ID:            rep.ID,
		Symbol:        o.symbol,
		Side:          string(rep.Side),
		State:         string(rep.State),
		Reason:        rep.Reason,
		Target:        rep.Target,
		Filled:        rep.Filled,
		AvgPrice:      rep.AvgPrice,
		DecisionPrice: rep.DecisionPrice,
		Requotes:      rep.Requotes,
		TakerUsed:     rep.TakerUsed,
		Accepted:      rep.Accepted,
		DurationMS:    duration.Milliseconds(),
	})
}

func (o *Orchestrator) recordDelta(snap state.RebalanceSnapshot) {
	if o.sink == nil {
		return
	}
	o.sink.EnqueueDelta(timescale.DeltaSnapshot{
		Time:            time.UnixMilli(snap.UpdatedAtMS).UTC(),
		Symbol:          snap.Symbol,
		Price:           snap.Price,
		SpotBase:        snap.SpotBase,
		FuturesBase:     snap.FuturesBase,
		NetDelta:        snap.NetDelta,
		DesiredNetDelta: snap.DesiredNetDelta,
		Gap:             snap.Gap,
		EmaFast:         snap.EmaFast,
		EmaSlow:         snap.EmaSlow,
		CombinedBias:    snap.CombinedBias,
	})
}
