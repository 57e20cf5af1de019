package strategy

import (
	"time"

	"spot-rebalancer/internal/config"
)

type Fill struct {
	Time  time.Time
	Side  Side
	Price float64
	Qty   float64
}

// FillWindow holds own fills, oldest first, no older than Window.
type FillWindow struct {
	Window time.Duration
	Fills  []Fill
}

// Add returns a copy of the window with f inserted in time order.
func (w FillWindow) Add(f Fill) FillWindow {
	if f.Qty <= 0 || f.Price <= 0 || (f.Side != SideBuy && f.Side != SideSell) {
		return w
	}
	fills := make([]Fill, 0, len(w.Fills)+1)
	idx := len(w.Fills)
	for idx > 0 && w.Fills[idx-1].Time.After(f.Time) {
		idx--
	}
	fills = append(fills, w.Fills[:idx]...)
	fills = append(fills, f)
	fills = append(fills, w.Fills[idx:]...)
	return FillWindow{Window: w.Window, Fills: fills}
}

// Prune drops fills older than now-Window.
func (w FillWindow) Prune(now time.Time) FillWindow {
	if w.Window <= 0 || len(w.Fills) == 0 {
		return w
	}
	cutoff := now.Add(-w.Window)
	start := 0
	for start < len(w.Fills) && w.Fills[start].Time.Before(cutoff) {
		start++
	}
	if start == 0 {
		return w
	}
	kept := make([]Fill, len(w.Fills)-start)
	copy(kept, w.Fills[start:])
	return FillWindow{Window: w.Window, Fills: kept}
}

type AnchorStats struct {
	BuyQty       float64
	SellQty      float64
	BuyNotional  float64
	SellNotional float64
}

// Stats prunes the window at now and aggregates what is left.
func (w FillWindow) Stats(now time.Time) AnchorStats {
	var out AnchorStats
	for _, f := range w.Prune(now).Fills {
		switch f.Side {
		case SideBuy:
			out.BuyQty += f.Qty
			out.BuyNotional += f.Price * f.Qty
		case SideSell:
			out.SellQty += f.Qty
			out.SellNotional += f.Price * f.Qty
		}
	}
	return out
}

func (s AnchorStats) BuyVWAP() (float64, bool) {
	if s.BuyQty <= 0 {
		return 0, false
	}
	return s.BuyNotional / s.BuyQty, true
}

func (s AnchorStats) SellVWAP() (float64, bool) {
	if s.SellQty <= 0 {
		return 0, false
	}
	return s.SellNotional / s.SellQty, true
}

// Bias is the relative fill imbalance: +1 all buys, -1 all sells.
func (s AnchorStats) Bias() float64 {
	total := s.BuyQty + s.SellQty
	if total <= 0 {
		return 0
	}
	return clamp((s.BuyQty-s.SellQty)/total, -1, 1)
}

// Passes reports whether price clears the anchor for side at edgeBps.
// A SELL is compared with the buy VWAP, a BUY with the sell VWAP. When the
// reference side has no fills the gate is open.
func (s AnchorStats) Passes(side Side, price, edgeBps float64) bool {
	edge := edgeBps / 10_000
	switch side {
	case SideSell:
		vwap, ok := s.BuyVWAP()
		if !ok {
			return true
		}
		return price >= vwap*(1+edge)
	case SideBuy:
		vwap, ok := s.SellVWAP()
		if !ok {
			return true
		}
		return price <= vwap*(1-edge)
	default:
		return false
	}
}

type AnchorGate struct {
	EdgeBpsSoft     float64
	EdgeBpsHard     float64
	MaxWait         time.Duration
	DegradeEdge     bool
	ExecuteOnExpiry bool
}

func AnchorGateFromConfig(cfg config.AnchorConfig) AnchorGate {
	return AnchorGate{
		EdgeBpsSoft:     cfg.EdgeBpsSoft,
		EdgeBpsHard:     cfg.EdgeBpsHardValue(),
		MaxWait:         cfg.MaxWaitOnSoft,
		DegradeEdge:     config.BoolValue(cfg.DegradeEdgeWithTime, true),
		ExecuteOnExpiry: config.BoolValue(cfg.ExecuteOnExpiry, true),
	}
}

// RequiredEdgeBps falls linearly from EdgeBpsSoft to EdgeBpsHard over
// MaxWait when degradation is enabled.
func (g AnchorGate) RequiredEdgeBps(waited time.Duration) float64 {
	if !g.DegradeEdge || g.MaxWait <= 0 || waited <= 0 {
		return g.EdgeBpsSoft
	}
	frac := float64(waited) / float64(g.MaxWait)
	if frac > 1 {
		frac = 1
	}
	return g.EdgeBpsSoft - (g.EdgeBpsSoft-g.EdgeBpsHard)*frac
}
