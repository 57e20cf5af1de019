package exec

import (
	"errors"
	"testing"
	"time"

	"spot-rebalancer/internal/strategy"
)

var (
	testLot   = Lot{SzDecimals: 2, Spot: true}
	testQuote = Quote{Bid: 100, Ask: 100.1}
)

func testParams() Params {
	return Params{
		PostOnly:          true,
		RepriceInterval:   5 * time.Second,
		MaxRequotes:       2,
		TakerOnSoft:       true,
		TakerOnHard:       true,
		MaxWait:           30 * time.Second,
		PollInterval:      time.Millisecond,
		SlippageCapBps:    50,
		MarketSlippageBps: 30,
		MinTradeBase:      0.01,
		MaxTradeBase:      100,
		ScaleToBalance:    true,
	}
}

func softSell(qty float64) strategy.Decision {
	return strategy.Decision{ID: "d-1", Side: strategy.SideSell, Qty: qty, Price: 100.05, Class: strategy.ClassSoft}
}

func hardBuy(qty float64) strategy.Decision {
	return strategy.Decision{ID: "d-2", Side: strategy.SideBuy, Qty: qty, Price: 100.05, Class: strategy.ClassHard, Urgent: true}
}

func TestSizeClipsToLimitsAndBalance(t *testing.T) {
	e := NewEngine(testParams(), testLot)

	qty, err := e.Size(strategy.SideSell, 500, 100, strategy.PositionSnapshot{BaseAvailable: 1000})
	if err != nil || qty != 100 {
		t.Fatalf("expected max trade clip to 100, got %v %v", qty, err)
	}
	qty, err = e.Size(strategy.SideSell, 5, 100, strategy.PositionSnapshot{BaseAvailable: 1.237})
	if err != nil || qty != 1.23 {
		t.Fatalf("expected sell clipped to base balance, got %v %v", qty, err)
	}
	qty, err = e.Size(strategy.SideBuy, 5, 100, strategy.PositionSnapshot{QuoteAvailable: 250})
	if err != nil || qty != 2.5 {
		t.Fatalf("expected buy clipped to quote balance, got %v %v", qty, err)
	}
}

func TestSizeWithoutScalingRejects(t *testing.T) {
	p := testParams()
	p.ScaleToBalance = false
	e := NewEngine(p, testLot)
	_, err := e.Size(strategy.SideSell, 5, 100, strategy.PositionSnapshot{BaseAvailable: 1})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
}

func TestSizeBelowMinimum(t *testing.T) {
	e := NewEngine(testParams(), testLot)
	_, err := e.Size(strategy.SideSell, 0.005, 100, strategy.PositionSnapshot{BaseAvailable: 10})
	if !errors.Is(err, ErrBelowMinTrade) {
		t.Fatalf("expected below min trade after lot rounding, got %v", err)
	}
	_, err = e.Size(strategy.SideSell, 1, 100, strategy.PositionSnapshot{})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance with nothing available, got %v", err)
	}
	p := testParams()
	p.MinTradeBase = 0.5
	e = NewEngine(p, testLot)
	_, err = e.Size(strategy.SideSell, 0.2, 100, strategy.PositionSnapshot{BaseAvailable: 10})
	if !errors.Is(err, ErrBelowMinTrade) {
		t.Fatalf("expected below min trade, got %v", err)
	}
}

func TestNextPlacesMakerAtTouch(t *testing.T) {
	e := NewEngine(testParams(), testLot)
	x := e.Start("x", softSell(2), 2, t0)
	step := e.Next(x, testQuote, t0)
	if step.Kind != StepPlaceMaker || step.Price != 100.1 || step.Qty != 2 {
		t.Fatalf("expected maker sell at ask, got %+v", step)
	}

	x = e.Start("x", strategy.Decision{Side: strategy.SideBuy, Qty: 2, Price: 100.05, Class: strategy.ClassSoft}, 2, t0)
	step = e.Next(x, testQuote, t0)
	if step.Kind != StepPlaceMaker || step.Price != 100 {
		t.Fatalf("expected maker buy at bid, got %+v", step)
	}
}

func TestMakerPriceImprovementStaysPassive(t *testing.T) {
	p := testParams()
	p.QuoteImproveBps = 5
	e := NewEngine(p, testLot)
	if px := e.makerPrice(true, testQuote); px <= 100 || px >= 100.1 {
		t.Fatalf("expected improved bid inside the spread, got %v", px)
	}

	p.QuoteImproveBps = 20
	e = NewEngine(p, testLot)
	if px := e.makerPrice(true, testQuote); px != 100 {
		t.Fatalf("improvement through the ask should fall back to bid, got %v", px)
	}
	if px := e.makerPrice(false, testQuote); px != 100.1 {
		t.Fatalf("improvement through the bid should fall back to ask, got %v", px)
	}
}

func TestNextUrgentGoesStraightToTaker(t *testing.T) {
	e := NewEngine(testParams(), testLot)
	x := e.Start("x", hardBuy(1), 1, t0)
	step := e.Next(x, testQuote, t0)
	if step.Kind != StepTaker {
		t.Fatalf("expected taker step, got %+v", step)
	}
	if step.Price < 100.1 || step.Price > 100.5 {
		t.Fatalf("expected worst price above the ask, got %v", step.Price)
	}
}

func TestNextWaitsWithoutQuote(t *testing.T) {
	e := NewEngine(testParams(), testLot)
	x := e.Start("x", softSell(1), 1, t0)
	if step := e.Next(x, Quote{}, t0); step.Kind != StepWait {
		t.Fatalf("expected wait without quote, got %+v", step)
	}
}

func TestNextRepricesWhenMarketMovesAway(t *testing.T) {
	e := NewEngine(testParams(), testLot)
	x := e.Start("x", softSell(2), 2, t0).WithRestingOrder("oid-1", 100.1, 2, t0)

	moved := Quote{Bid: 99.9, Ask: 100}
	if step := e.Next(x, moved, t0.Add(time.Second)); step.Kind != StepWait {
		t.Fatalf("expected wait inside reprice interval, got %+v", step)
	}
	step := e.Next(x, moved, t0.Add(6*time.Second))
	if step.Kind != StepReprice || step.Price != 100 {
		t.Fatalf("expected reprice to new ask, got %+v", step)
	}
	if step := e.Next(x, testQuote, t0.Add(6*time.Second)); step.Kind != StepWait {
		t.Fatalf("unchanged market should not reprice, got %+v", step)
	}

	x = x.WithRestingOrder("oid-2", 100, 2, t0.Add(6*time.Second))
	x = x.WithRestingOrder("oid-3", 99.95, 2, t0.Add(12*time.Second))
	if x.State != StateMakerChasing || x.Requotes != 2 {
		t.Fatalf("expected chasing with two requotes, got %s %d", x.State, x.Requotes)
	}
	lower := Quote{Bid: 99.5, Ask: 99.6}
	if step := e.Next(x, lower, t0.Add(20*time.Second)); step.Kind != StepWait {
		t.Fatalf("expected requote budget to be exhausted, got %+v", step)
	}
}

func TestNextEscalatesAfterMaxWait(t *testing.T) {
	e := NewEngine(testParams(), testLot)
	x := e.Start("x", softSell(2), 2, t0).WithRestingOrder("oid-1", 100.1, 2, t0)
	step := e.Next(x, testQuote, t0.Add(30*time.Second))
	if step.Kind != StepTaker || step.Qty != 2 {
		t.Fatalf("expected taker after max wait, got %+v", step)
	}
	if step.Price >= 100 {
		t.Fatalf("expected worst sell price below the bid, got %v", step.Price)
	}
}

func TestNextAbortsWhenBookStaysEmptyPastMaxWait(t *testing.T) {
	p := testParams()
	p.NoQuoteGrace = 5 * time.Second
	e := NewEngine(p, testLot)
	x := e.Start("x", softSell(2), 2, t0).WithRestingOrder("oid-1", 100.1, 2, t0)

	crossed := Quote{Bid: 100.2, Ask: 100.1}
	if step := e.Next(x, crossed, t0.Add(31*time.Second)); step.Kind != StepWait || step.Reason != "no_quote" {
		t.Fatalf("expected wait inside the grace period, got %+v", step)
	}
	if step := e.Next(x, Quote{}, t0.Add(35*time.Second)); step.Kind != StepAbort || step.Reason != "no_quote" {
		t.Fatalf("expected no_quote abort, got %+v", step)
	}

	x = x.WithEscalation()
	if step := e.Next(x, Quote{}, t0.Add(40*time.Second)); step.Kind != StepAbort || step.Reason != "no_quote" {
		t.Fatalf("expected no_quote abort in taker stage, got %+v", step)
	}
}

func TestNextAbortsExpiredMakerWhenTakerDisallowed(t *testing.T) {
	p := testParams()
	p.TakerOnSoft = false
	e := NewEngine(p, testLot)
	x := e.Start("x", softSell(2), 2, t0).WithRestingOrder("oid-1", 100.1, 2, t0)
	step := e.Next(x, testQuote, t0.Add(31*time.Second))
	if step.Kind != StepAbort || step.Reason != "maker_expired" {
		t.Fatalf("expected maker_expired abort, got %+v", step)
	}
}

func TestNextAbortsOnSlippage(t *testing.T) {
	e := NewEngine(testParams(), testLot)

	x := e.Start("x", softSell(2), 2, t0).WithTakerFill(FillReport{FilledQty: 1, AvgPrice: 99})
	x = x.WithEscalation()
	if step := e.Next(x, testQuote, t0); step.Kind != StepAbort || step.Reason != "slippage_cap" {
		t.Fatalf("expected slippage abort on fills, got %+v", step)
	}

	x = e.Start("x", hardBuy(1), 1, t0)
	far := Quote{Bid: 101, Ask: 101.2}
	if step := e.Next(x, far, t0); step.Kind != StepAbort || step.Reason != "slippage_cap" {
		t.Fatalf("expected slippage abort on touch, got %+v", step)
	}
}

func TestNextCompletesWhenFilled(t *testing.T) {
	e := NewEngine(testParams(), testLot)
	x := e.Start("x", softSell(2), 2, t0).WithRestingOrder("oid-1", 100.1, 2, t0)
	x = x.WithOrderStatus(OrderStatus{OrderID: "oid-1", State: OrderFilled, FilledQty: 2, AvgPrice: 100.1})
	if x.OrderID != "" {
		t.Fatalf("filled order should be closed")
	}
	if step := e.Next(x, testQuote, t0.Add(time.Second)); step.Kind != StepComplete {
		t.Fatalf("expected complete, got %+v", step)
	}
}

func TestNextReplacesFinishedPartialMaker(t *testing.T) {
	e := NewEngine(testParams(), testLot)
	x := e.Start("x", softSell(2), 2, t0).WithRestingOrder("oid-1", 100.1, 2, t0)
	x = x.WithOrderStatus(OrderStatus{OrderID: "oid-1", State: OrderCanceled, FilledQty: 0.5, AvgPrice: 100.1})
	step := e.Next(x, testQuote, t0.Add(time.Second))
	if step.Kind != StepPlaceMaker || step.Qty != 1.5 {
		t.Fatalf("expected maker for the remainder, got %+v", step)
	}
}

func TestNextAbortsWhenTakerAttemptsExhausted(t *testing.T) {
	e := NewEngine(testParams(), testLot)
	x := e.Start("x", softSell(2), 2, t0).WithEscalation()
	for i := 0; i < defaultTakerAttempts; i++ {
		x = x.WithTakerFill(FillReport{})
	}
	if step := e.Next(x, testQuote, t0); step.Kind != StepAbort || step.Reason != "taker_unfilled" {
		t.Fatalf("expected taker_unfilled abort, got %+v", step)
	}
}

func TestExecutionAccounting(t *testing.T) {
	e := NewEngine(testParams(), testLot)
	x := e.Start("x", softSell(2), 2, t0).WithRestingOrder("oid-1", 100.1, 2, t0)
	x = x.WithOrderStatus(OrderStatus{OrderID: "oid-1", State: OrderOpen, FilledQty: 0.5, AvgPrice: 100})
	x = x.WithOrderStatus(OrderStatus{OrderID: "other", State: OrderFilled, FilledQty: 2, AvgPrice: 1})
	if x.FilledQty() != 0.5 || x.RemainingQty() != 1.5 {
		t.Fatalf("unexpected fill accounting: filled=%v remaining=%v", x.FilledQty(), x.RemainingQty())
	}
	x = x.Finish(EventAbort, "test", t0)
	if x.OrderID != "" || x.FilledQty() != 0.5 || x.State != StateAborted {
		t.Fatalf("finish should fold the resting fills, got %+v", x)
	}
}
