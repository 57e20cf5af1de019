package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"spot-rebalancer/internal/exec"
	"spot-rebalancer/internal/state"
	"spot-rebalancer/internal/strategy"
)

func TestTickDispatchesHardDecision(t *testing.T) {
	f := newOrchFixture(t)
	decisions := &countingCounter{}
	f.metrics.DecisionsTotal = decisions
	ctx := context.Background()

	f.orch.refreshPosition(ctx)
	f.orch.tick(ctx)
	if f.orch.st.inflight != "exec-1" {
		t.Fatalf("expected exec-1 in flight, got %q", f.orch.st.inflight)
	}
	rep := waitReport(t, f.orch)
	if f.executor.callCount() != 1 {
		t.Fatalf("expected one execution, got %d", f.executor.callCount())
	}
	dec := f.executor.calls[0]
	if dec.Class != strategy.ClassHard || dec.Side != strategy.SideSell || dec.Qty != 5 || !dec.Urgent {
		t.Fatalf("unexpected decision %+v", dec)
	}
	if dec.ID != "exec-1" || dec.Price != 100 {
		t.Fatalf("unexpected decision id/price %q %f", dec.ID, dec.Price)
	}
	if decisions.value() != 1 {
		t.Fatalf("expected one decision counted, got %d", decisions.value())
	}

	f.orch.onReport(ctx, rep)
	if f.orch.st.inflight != "" {
		t.Fatalf("expected nothing in flight after report")
	}
	if !f.orch.st.policy.Cooldown.LastRebalanceAt.Equal(t0) {
		t.Fatalf("expected cooldown recorded at %s, got %s", t0, f.orch.st.policy.Cooldown.LastRebalanceAt)
	}
	if f.orch.st.policy.Hysteresis.LastSide != strategy.SideSell {
		t.Fatalf("expected hysteresis side SELL, got %q", f.orch.st.policy.Hysteresis.LastSide)
	}
	msgs := f.alerts.messages()
	if len(msgs) != 1 || !strings.HasPrefix(msgs[0], "Rebalanced HYPE/USDC: SELL 5.000000") {
		t.Fatalf("unexpected alerts %v", msgs)
	}
}

func TestTickRespectsCooldownAfterExecution(t *testing.T) {
	f := newOrchFixture(t)
	ctx := context.Background()

	f.orch.refreshPosition(ctx)
	f.orch.tick(ctx)
	f.orch.onReport(ctx, waitReport(t, f.orch))

	f.orch.tick(ctx)
	if f.orch.st.inflight != "" {
		t.Fatalf("expected no dispatch during cooldown")
	}
	if f.orch.st.last.Reason != "cooldown" {
		t.Fatalf("expected cooldown, got %q", f.orch.st.last.Reason)
	}

	f.orch.now = func() time.Time { return t0.Add(11 * time.Second) }
	f.quotes.q.At = t0.Add(11 * time.Second)
	f.orch.tick(ctx)
	if f.orch.st.inflight == "" {
		t.Fatalf("expected dispatch once cooldown elapsed")
	}
	waitReport(t, f.orch)
}

func TestDispatchRejectedWhileInFlight(t *testing.T) {
	f := newOrchFixture(t)
	rejected := &countingCounter{}
	f.metrics.DecisionsRejected = rejected
	f.orch.st.inflight = "busy"

	if f.orch.dispatch(context.Background(), strategy.Decision{ID: "exec-9", Side: strategy.SideBuy, Qty: 1}) {
		t.Fatalf("expected dispatch to be rejected")
	}
	if rejected.value() != 1 {
		t.Fatalf("expected one rejection, got %d", rejected.value())
	}
	if f.executor.callCount() != 0 {
		t.Fatalf("expected no execution, got %d", f.executor.callCount())
	}
	if f.orch.st.inflight != "busy" {
		t.Fatalf("in-flight execution replaced: %q", f.orch.st.inflight)
	}
}

func TestUnacceptedReportLeavesTimers(t *testing.T) {
	f := newOrchFixture(t)
	f.executor.run = func(_ context.Context, id string, dec strategy.Decision) exec.Report {
		return exec.Report{
			ID:         id,
			Decision:   dec,
			Side:       dec.Side,
			Target:     dec.Qty,
			State:      exec.StateAborted,
			Reason:     "placement_failed",
			FinishedAt: t0,
		}
	}
	ctx := context.Background()

	f.orch.refreshPosition(ctx)
	f.orch.tick(ctx)
	f.orch.onReport(ctx, waitReport(t, f.orch))

	if !f.orch.st.policy.Cooldown.LastRebalanceAt.IsZero() {
		t.Fatalf("expected cooldown untouched, got %s", f.orch.st.policy.Cooldown.LastRebalanceAt)
	}
	if f.orch.st.policy.Hysteresis.LastSide != strategy.SideNone {
		t.Fatalf("expected hysteresis untouched, got %q", f.orch.st.policy.Hysteresis.LastSide)
	}
	msgs := f.alerts.messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0], "aborted: placement_failed") {
		t.Fatalf("unexpected alerts %v", msgs)
	}

	f.orch.tick(ctx)
	if f.orch.st.inflight == "" {
		t.Fatalf("expected an immediate retry after a rejected execution")
	}
	waitReport(t, f.orch)
}

func TestSizingRejectionStartsCooldownAndAlertsOnce(t *testing.T) {
	f := newOrchFixture(t)
	f.executor.run = func(_ context.Context, id string, dec strategy.Decision) exec.Report {
		return exec.Report{
			ID:       id,
			Decision: dec,
			Side:     dec.Side,
			Target:   dec.Qty,
			State:    exec.StateAborted,
			Reason:   exec.ReasonInsufficientBalance,
		}
	}
	ctx := context.Background()

	f.orch.refreshPosition(ctx)
	f.orch.tick(ctx)
	f.orch.onReport(ctx, waitReport(t, f.orch))
	if !f.orch.st.policy.Cooldown.LastRebalanceAt.Equal(t0) {
		t.Fatalf("expected cooldown started at %s, got %s", t0, f.orch.st.policy.Cooldown.LastRebalanceAt)
	}
	if f.orch.st.policy.Hysteresis.LastSide != strategy.SideNone {
		t.Fatalf("expected hysteresis untouched, got %q", f.orch.st.policy.Hysteresis.LastSide)
	}

	for i := 0; i < 3; i++ {
		f.orch.tick(ctx)
		if f.orch.st.inflight != "" {
			t.Fatalf("expected no dispatch during cooldown on tick %d", i)
		}
	}
	if f.executor.callCount() != 1 {
		t.Fatalf("expected one execution during cooldown, got %d", f.executor.callCount())
	}

	f.orch.now = func() time.Time { return t0.Add(11 * time.Second) }
	f.quotes.q.At = t0.Add(11 * time.Second)
	f.orch.tick(ctx)
	if f.orch.st.inflight == "" {
		t.Fatalf("expected a retry once cooldown elapsed")
	}
	f.orch.onReport(ctx, waitReport(t, f.orch))

	msgs := f.alerts.messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0], "aborted: insufficient_balance") {
		t.Fatalf("expected a single balance alert, got %v", msgs)
	}
}

func TestAbortAlertRepeatsAfterDifferentOutcome(t *testing.T) {
	f := newOrchFixture(t)
	ctx := context.Background()
	abort := exec.Report{Side: strategy.SideSell, State: exec.StateAborted, Reason: exec.ReasonPlacementFailed}

	f.orch.finishExecution(ctx, abort)
	f.orch.finishExecution(ctx, abort)
	if n := len(f.alerts.messages()); n != 1 {
		t.Fatalf("expected repeated abort to be alerted once, got %d", n)
	}
	f.orch.finishExecution(ctx, exec.Report{Side: strategy.SideSell, State: exec.StateCompleted, Filled: 1, Accepted: true})
	f.orch.finishExecution(ctx, abort)
	if n := len(f.alerts.messages()); n != 3 {
		t.Fatalf("expected abort alerted again after a completed trade, got %d", n)
	}
}

func TestShutdownReportSendsNoAlert(t *testing.T) {
	f := newOrchFixture(t)
	f.orch.st.inflight = "exec-1"
	f.orch.finishExecution(context.Background(), exec.Report{ID: "exec-1", State: exec.StateAborted, Reason: "shutdown"})
	if len(f.alerts.messages()) != 0 {
		t.Fatalf("expected no alert on shutdown, got %v", f.alerts.messages())
	}
}

func TestTickSkippedWhenPaused(t *testing.T) {
	f := newOrchFixture(t)
	ctx := context.Background()
	f.orch.refreshPosition(ctx)
	if !f.orch.SetPaused(true) {
		t.Fatalf("expected paused")
	}
	f.orch.tick(ctx)
	if f.orch.st.inflight != "" || f.executor.callCount() != 0 {
		t.Fatalf("expected no dispatch while paused")
	}
	f.orch.SetPaused(false)
	f.orch.tick(ctx)
	if f.orch.st.inflight == "" {
		t.Fatalf("expected dispatch after resume")
	}
	waitReport(t, f.orch)
}

func TestTickSkippedOnStaleInputs(t *testing.T) {
	f := newOrchFixture(t)
	ctx := context.Background()

	f.orch.tick(ctx)
	if !f.orch.st.staleWarned || f.orch.st.inflight != "" {
		t.Fatalf("expected skip without a position snapshot")
	}

	f.orch.refreshPosition(ctx)
	f.quotes.q.At = t0.Add(-time.Minute)
	f.orch.tick(ctx)
	if f.orch.st.inflight != "" {
		t.Fatalf("expected skip on stale quote")
	}

	f.quotes.q.At = t0
	f.orch.tick(ctx)
	if f.orch.st.staleWarned {
		t.Fatalf("expected stale warning cleared")
	}
	if f.orch.st.inflight == "" {
		t.Fatalf("expected dispatch on fresh inputs")
	}
	waitReport(t, f.orch)
}

func TestTickSkippedOnInvalidPosition(t *testing.T) {
	f := newOrchFixture(t)
	f.positions.pos.BaseAvailable = -1
	ctx := context.Background()
	f.orch.refreshPosition(ctx)
	f.orch.tick(ctx)
	if f.orch.st.inflight != "" {
		t.Fatalf("expected skip on invalid position")
	}
}

func TestPositionRefreshFailureKeepsLastSnapshot(t *testing.T) {
	f := newOrchFixture(t)
	ctx := context.Background()
	f.orch.refreshPosition(ctx)
	f.positions.err = errors.New("down")
	f.orch.refreshPosition(ctx)
	if f.orch.st.pos.SpotBase != 15 {
		t.Fatalf("expected last snapshot kept, got %+v", f.orch.st.pos)
	}
}

func TestOnCandleUpdatesEma(t *testing.T) {
	f := newOrchFixture(t)
	f.orch.onCandle(strategy.Candle{Start: t0, Open: 99, High: 101, Low: 98, Close: 100})
	if !f.orch.st.ema.Seeded || f.orch.st.ema.Fast != 100 || f.orch.st.ema.Slow != 100 {
		t.Fatalf("unexpected ema %+v", f.orch.st.ema)
	}
	f.orch.onCandle(strategy.Candle{Start: t0, Close: 200})
	if f.orch.st.ema.Fast != 100 {
		t.Fatalf("expected replayed candle ignored, got %+v", f.orch.st.ema)
	}
	f.orch.onCandle(strategy.Candle{Start: t0.Add(time.Minute), Close: 110})
	if f.orch.st.ema.Fast != 102 {
		t.Fatalf("expected fast ema 102, got %f", f.orch.st.ema.Fast)
	}
}

func TestOnFillPrunesWindow(t *testing.T) {
	f := newOrchFixture(t)
	f.orch.onFill(strategy.Fill{Time: t0.Add(-time.Hour), Side: strategy.SideBuy, Price: 90, Qty: 1})
	f.orch.onFill(strategy.Fill{Time: t0.Add(-time.Minute), Side: strategy.SideBuy, Price: 99, Qty: 1})
	if len(f.orch.st.fills.Fills) != 1 {
		t.Fatalf("expected one fill in window, got %d", len(f.orch.st.fills.Fills))
	}
}

func TestThresholdOverrideAppliesNextTick(t *testing.T) {
	f := newOrchFixture(t)
	ctx := context.Background()
	f.orch.refreshPosition(ctx)

	override := f.orch.Thresholds()
	override.Soft = 6
	override.Hard = 10
	if err := f.orch.SetThresholdOverride(override); err != nil {
		t.Fatalf("set override: %v", err)
	}
	f.orch.tick(ctx)
	if f.orch.st.inflight != "" {
		t.Fatalf("expected no dispatch under widened thresholds")
	}
	if f.orch.st.last.Reason != "within_soft" {
		t.Fatalf("expected within_soft, got %q", f.orch.st.last.Reason)
	}

	f.orch.ClearThresholdOverride()
	if f.orch.ThresholdOverride() != nil {
		t.Fatalf("expected override cleared")
	}
	f.orch.tick(ctx)
	if f.orch.st.inflight == "" {
		t.Fatalf("expected dispatch after override cleared")
	}
	waitReport(t, f.orch)
}

func TestThresholdOverrideValidation(t *testing.T) {
	f := newOrchFixture(t)
	bad := f.orch.Thresholds()
	bad.Soft = 5
	bad.Hard = 2
	if err := f.orch.SetThresholdOverride(bad); err == nil {
		t.Fatalf("expected soft > hard to be rejected")
	}
	if f.orch.ThresholdOverride() != nil {
		t.Fatalf("expected no override after rejection")
	}
	if err := f.orch.SetThresholdOverride(testRebalancerConfig().Thresholds); err != nil {
		t.Fatalf("set override: %v", err)
	}
	if f.orch.ThresholdOverride() != nil {
		t.Fatalf("expected override equal to config to clear")
	}
}

func TestReportStatusSavesSnapshot(t *testing.T) {
	f := newOrchFixture(t)
	ctx := context.Background()
	if _, ok := f.orch.Status(); ok {
		t.Fatalf("expected no status before first report")
	}
	f.orch.refreshPosition(ctx)
	f.orch.reportStatus(ctx)

	snap, ok, err := state.LoadRebalanceSnapshot(ctx, f.store, "HYPE/USDC")
	if err != nil || !ok {
		t.Fatalf("load snapshot: ok=%t err=%v", ok, err)
	}
	if snap.NetDelta != 5 || snap.Gap != 5 || snap.Price != 100 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.SoftThreshold != 1 || snap.HardThreshold != 3 {
		t.Fatalf("unexpected thresholds %f/%f", snap.SoftThreshold, snap.HardThreshold)
	}
	if snap.ExecutionState != "idle" || snap.Trend != string(strategy.TrendNeutral) {
		t.Fatalf("unexpected state %q trend %q", snap.ExecutionState, snap.Trend)
	}
	if snap.UpdatedAtMS != t0.UnixMilli() {
		t.Fatalf("unexpected updated_at %d", snap.UpdatedAtMS)
	}
	got, ok := f.orch.Status()
	if !ok || got != snap {
		t.Fatalf("expected status to match saved snapshot")
	}
	if text := formatStatus(got); !strings.Contains(text, "net_delta: 5.000000") {
		t.Fatalf("unexpected status text %q", text)
	}
}

func TestRunRequiresCollaborators(t *testing.T) {
	o := NewOrchestrator(testRebalancerConfig(), testRisk(), exec.Lot{SzDecimals: 2, Spot: true}, Deps{})
	if err := o.Run(context.Background()); err == nil {
		t.Fatalf("expected error without executor")
	}
}

func TestRunDrainsInFlightExecutionOnShutdown(t *testing.T) {
	f := newOrchFixture(t)
	f.executor.started = make(chan string, 1)
	f.executor.run = func(ctx context.Context, id string, dec strategy.Decision) exec.Report {
		<-ctx.Done()
		return exec.Report{ID: id, Decision: dec, Side: dec.Side, Target: dec.Qty, State: exec.StateAborted, Reason: "shutdown"}
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.orch.Run(ctx) }()

	select {
	case <-f.executor.started:
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatalf("timed out waiting for dispatch")
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for shutdown")
	}
	if f.orch.st.inflight != "" {
		t.Fatalf("expected execution drained, still %q", f.orch.st.inflight)
	}
	if f.orch.st.lastReport == nil || f.orch.st.lastReport.Reason != "shutdown" {
		t.Fatalf("expected shutdown report recorded, got %+v", f.orch.st.lastReport)
	}
	if len(f.alerts.messages()) != 0 {
		t.Fatalf("expected no alerts on shutdown, got %v", f.alerts.messages())
	}
}

func TestSeedWarmsEmaAndAnchor(t *testing.T) {
	f := newOrchFixture(t)
	history := []strategy.Candle{
		{Start: t0.Add(-3 * time.Minute), Close: 100},
		{Start: t0.Add(-2 * time.Minute), Close: 102},
		{Start: t0.Add(-time.Minute), Close: 104},
	}
	fills := []strategy.Fill{
		{Time: t0.Add(-time.Minute), Side: strategy.SideBuy, Price: 101, Qty: 2},
		{Time: t0.Add(-time.Hour), Side: strategy.SideSell, Price: 90, Qty: 2},
	}
	f.orch.Seed(history, fills)
	if !f.orch.st.ema.Seeded || !f.orch.st.ema.LastCandleStart.Equal(t0.Add(-time.Minute)) {
		t.Fatalf("unexpected ema %+v", f.orch.st.ema)
	}
	if f.orch.st.ema.Fast != 102 {
		t.Fatalf("expected fast ema seeded from sma 102, got %f", f.orch.st.ema.Fast)
	}
	if len(f.orch.st.fills.Fills) != 1 {
		t.Fatalf("expected stale fill pruned, got %d", len(f.orch.st.fills.Fills))
	}
}
