package strategy

import (
	"math"

	"spot-rebalancer/internal/config"
)

type ThresholdConfig struct {
	Units        string
	Soft         float64
	Hard         float64
	PartialRatio float64
	FloorRatio   float64
}

func ThresholdConfigFromConfig(cfg config.ThresholdsConfig) ThresholdConfig {
	return ThresholdConfig{
		Units:        cfg.Units,
		Soft:         cfg.Soft,
		Hard:         cfg.Hard,
		PartialRatio: cfg.PartialRatio,
		FloorRatio:   cfg.FloorRatio,
	}
}

type EffectiveThresholds struct {
	Soft   float64
	Hard   float64
	Factor float64
}

// Base converts the configured thresholds into base units. Percent
// thresholds are taken against the current spot holding every call.
func (c ThresholdConfig) Base(pos PositionSnapshot) (soft, hard float64) {
	if c.Units == config.UnitsPercent {
		size := math.Abs(pos.SpotBase)
		return c.Soft / 100 * size, c.Hard / 100 * size
	}
	return c.Soft, c.Hard
}

// Effective scales both thresholds by one common factor so that soft never
// exceeds hard. The factor is floored at FloorRatio.
func (c ThresholdConfig) Effective(pos PositionSnapshot, oriented, strength float64) EffectiveThresholds {
	soft, hard := c.Base(pos)
	factor := 1 + strength*clamp(oriented, -1, 1)
	floor := c.FloorRatio
	if floor <= 0 {
		floor = 0.25
	}
	if factor < floor {
		factor = floor
	}
	return EffectiveThresholds{Soft: soft * factor, Hard: hard * factor, Factor: factor}
}
