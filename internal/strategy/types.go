package strategy

import (
	"math"
	"time"
)

type Side string

const (
	SideNone Side = ""
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	default:
		return SideNone
	}
}

// IsBuy reports whether the side adds base exposure.
func (s Side) IsBuy() bool {
	return s == SideBuy
}

// PositionSnapshot is replaced wholesale on every update. FuturesBase is the
// base quantity the hedge offsets, so a short perp of 10 is reported as 10.
type PositionSnapshot struct {
	SpotBase       float64
	FuturesBase    float64
	BaseAvailable  float64
	QuoteAvailable float64
	At             time.Time
}

func (p PositionSnapshot) NetBaseDelta() float64 {
	return p.SpotBase - p.FuturesBase
}

// Candle is a closed OHLC bar. Start identifies the bar.
type Candle struct {
	Start  time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
