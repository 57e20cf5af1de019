package strategy

import (
	"time"

	"spot-rebalancer/internal/config"
)

type Trend string

const (
	TrendUp      Trend = "UP"
	TrendDown    Trend = "DOWN"
	TrendNeutral Trend = "NEUTRAL"
)

type EmaParams struct {
	FastPeriod        int
	SlowPeriod        int
	TrendThresholdPct float64
	BiasSaturationPct float64
}

func EmaParamsFromConfig(cfg config.EMAConfig) EmaParams {
	return EmaParams{
		FastPeriod:        cfg.FastPeriod,
		SlowPeriod:        cfg.SlowPeriod,
		TrendThresholdPct: cfg.TrendThresholdPctValue(),
		BiasSaturationPct: cfg.BiasSaturationPct,
	}
}

// EmaState only moves on candle close.
type EmaState struct {
	Fast            float64
	Slow            float64
	Seeded          bool
	LastCandleStart time.Time
}

func alpha(period int) float64 {
	if period <= 0 {
		return 1
	}
	return 2 / (float64(period) + 1)
}

// Update applies a closed candle. Candles at or before the last applied start
// are ignored, so replays leave the state unchanged.
func (p EmaParams) Update(s EmaState, c Candle) EmaState {
	if c.Close <= 0 {
		return s
	}
	if s.Seeded && !c.Start.After(s.LastCandleStart) {
		return s
	}
	if !s.Seeded {
		return EmaState{Fast: c.Close, Slow: c.Close, Seeded: true, LastCandleStart: c.Start}
	}
	s.Fast += alpha(p.FastPeriod) * (c.Close - s.Fast)
	s.Slow += alpha(p.SlowPeriod) * (c.Close - s.Slow)
	s.LastCandleStart = c.Start
	return s
}

// Seed warms both averages from closed history, oldest first. Each average
// starts from the SMA of its first period closes and then runs over the rest.
func (p EmaParams) Seed(history []Candle) EmaState {
	closes := make([]float64, 0, len(history))
	var last time.Time
	for _, c := range history {
		if c.Close <= 0 {
			continue
		}
		if len(closes) > 0 && !c.Start.After(last) {
			continue
		}
		closes = append(closes, c.Close)
		last = c.Start
	}
	if len(closes) == 0 {
		return EmaState{}
	}
	return EmaState{
		Fast:            seedEMA(closes, p.FastPeriod),
		Slow:            seedEMA(closes, p.SlowPeriod),
		Seeded:          true,
		LastCandleStart: last,
	}
}

func seedEMA(closes []float64, period int) float64 {
	n := period
	if n <= 0 || n > len(closes) {
		n = len(closes)
	}
	var sum float64
	for _, c := range closes[:n] {
		sum += c
	}
	ema := sum / float64(n)
	a := alpha(period)
	for _, c := range closes[n:] {
		ema += a * (c - ema)
	}
	return ema
}

// SpreadPct is (fast-slow)/slow in percent.
func (s EmaState) SpreadPct() float64 {
	if !s.Seeded || s.Slow == 0 {
		return 0
	}
	return (s.Fast - s.Slow) / s.Slow * 100
}

func (p EmaParams) Trend(s EmaState) Trend {
	if !s.Seeded {
		return TrendNeutral
	}
	r := s.SpreadPct()
	switch {
	case r > p.TrendThresholdPct:
		return TrendUp
	case r < -p.TrendThresholdPct:
		return TrendDown
	default:
		return TrendNeutral
	}
}

// Bias maps the EMA spread onto [-1,1], saturating at BiasSaturationPct.
func (p EmaParams) Bias(s EmaState) float64 {
	if !s.Seeded || p.BiasSaturationPct <= 0 {
		return 0
	}
	return clamp(s.SpreadPct()/p.BiasSaturationPct, -1, 1)
}
