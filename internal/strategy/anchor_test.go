package strategy

import (
	"testing"
	"time"
)

func TestFillWindowVWAPAndBias(t *testing.T) {
	w := FillWindow{Window: 10 * time.Minute}
	w = w.Add(Fill{Time: t0, Side: SideBuy, Price: 100, Qty: 1})
	w = w.Add(Fill{Time: t0.Add(time.Minute), Side: SideBuy, Price: 110, Qty: 3})
	w = w.Add(Fill{Time: t0.Add(2 * time.Minute), Side: SideSell, Price: 120, Qty: 4})

	stats := w.Stats(t0.Add(3 * time.Minute))
	buy, ok := stats.BuyVWAP()
	if !ok {
		t.Fatalf("expected buy vwap")
	}
	assertApprox(t, "buy vwap", buy, 107.5)
	sell, ok := stats.SellVWAP()
	if !ok {
		t.Fatalf("expected sell vwap")
	}
	assertApprox(t, "sell vwap", sell, 120)
	assertApprox(t, "bias", stats.Bias(), 0)
}

func TestFillWindowPrunesOnRead(t *testing.T) {
	w := FillWindow{Window: time.Minute}
	w = w.Add(Fill{Time: t0, Side: SideBuy, Price: 100, Qty: 1})
	w = w.Add(Fill{Time: t0.Add(90 * time.Second), Side: SideSell, Price: 100, Qty: 1})

	stats := w.Stats(t0.Add(2 * time.Minute))
	if _, ok := stats.BuyVWAP(); ok {
		t.Fatalf("expected expired buy fill to be pruned")
	}
	assertApprox(t, "bias", stats.Bias(), -1)
	if got := len(w.Prune(t0.Add(2 * time.Minute)).Fills); got != 1 {
		t.Fatalf("expected 1 fill after prune, got %d", got)
	}
	if len(w.Fills) != 2 {
		t.Fatalf("prune must not mutate the receiver")
	}
}

func TestFillWindowKeepsTimeOrder(t *testing.T) {
	w := FillWindow{Window: time.Hour}
	w = w.Add(Fill{Time: t0.Add(2 * time.Second), Side: SideBuy, Price: 1, Qty: 1})
	w = w.Add(Fill{Time: t0, Side: SideSell, Price: 1, Qty: 1})
	w = w.Add(Fill{Time: t0.Add(time.Second), Side: SideBuy, Price: 1, Qty: 1})
	for i := 1; i < len(w.Fills); i++ {
		if w.Fills[i].Time.Before(w.Fills[i-1].Time) {
			t.Fatalf("fills out of order: %+v", w.Fills)
		}
	}
	w = w.Add(Fill{Time: t0, Side: SideNone, Price: 1, Qty: 1})
	w = w.Add(Fill{Time: t0, Side: SideBuy, Price: 1, Qty: 0})
	if len(w.Fills) != 3 {
		t.Fatalf("expected invalid fills to be ignored, got %d", len(w.Fills))
	}
}

func TestAnchorGateEmptyWindowAlwaysPasses(t *testing.T) {
	var stats AnchorStats
	for _, side := range []Side{SideBuy, SideSell} {
		for _, price := range []float64{0.01, 100, 1e9} {
			if !stats.Passes(side, price, 50) {
				t.Fatalf("empty window blocked %s at %v", side, price)
			}
		}
	}
}

func TestAnchorGateOneSidedWindow(t *testing.T) {
	w := FillWindow{Window: time.Hour}.Add(Fill{Time: t0, Side: SideBuy, Price: 100, Qty: 1})
	stats := w.Stats(t0)
	if stats.Passes(SideSell, 100.05, 10) {
		t.Fatalf("expected sell below buy vwap + edge to be blocked")
	}
	if !stats.Passes(SideSell, 100.11, 10) {
		t.Fatalf("expected sell at buy vwap + edge to pass")
	}
	// no sells in the window, so buys are never gated
	if !stats.Passes(SideBuy, 1000, 10) {
		t.Fatalf("expected buy with undefined sell vwap to pass")
	}
}

func TestAnchorGateBuySide(t *testing.T) {
	w := FillWindow{Window: time.Hour}.Add(Fill{Time: t0, Side: SideSell, Price: 100, Qty: 2})
	stats := w.Stats(t0)
	if stats.Passes(SideBuy, 99.95, 10) {
		t.Fatalf("expected buy above sell vwap - edge to be blocked")
	}
	if !stats.Passes(SideBuy, 99.89, 10) {
		t.Fatalf("expected buy at sell vwap - edge to pass")
	}
}

func TestRequiredEdgeDegradesLinearly(t *testing.T) {
	g := AnchorGate{EdgeBpsSoft: 10, EdgeBpsHard: 2, MaxWait: 30 * time.Second, DegradeEdge: true}
	assertApprox(t, "start", g.RequiredEdgeBps(0), 10)
	assertApprox(t, "half", g.RequiredEdgeBps(15*time.Second), 6)
	assertApprox(t, "end", g.RequiredEdgeBps(30*time.Second), 2)
	assertApprox(t, "past", g.RequiredEdgeBps(time.Minute), 2)

	g.DegradeEdge = false
	assertApprox(t, "fixed", g.RequiredEdgeBps(15*time.Second), 10)
}
