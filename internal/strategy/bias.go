package strategy

import "spot-rebalancer/internal/config"

type BiasParams struct {
	Manual         bool
	ManualOverride float64
	WeightEMA      float64
	WeightAnchor   float64
	Strength       float64
}

func BiasParamsFromConfig(cfg config.BiasConfig) BiasParams {
	return BiasParams{
		Manual:         cfg.Mode == config.BiasModeManual,
		ManualOverride: cfg.ManualOverride,
		WeightEMA:      config.FloatValue(cfg.WeightEMA, 0.5),
		WeightAnchor:   config.FloatValue(cfg.WeightAnchor, 0.5),
		Strength:       config.FloatValue(cfg.Strength, 0.6),
	}
}

// BiasState is recomputed every tick from the EMA spread and fill imbalance.
type BiasState struct {
	EmaBias    float64
	AnchorBias float64
	Combined   float64
}

func (p BiasParams) Compute(emaBias, anchorBias float64) BiasState {
	b := BiasState{
		EmaBias:    clamp(emaBias, -1, 1),
		AnchorBias: clamp(anchorBias, -1, 1),
	}
	if p.Manual {
		b.Combined = clamp(p.ManualOverride, -1, 1)
		return b
	}
	b.Combined = clamp(p.WeightEMA*b.EmaBias+p.WeightAnchor*b.AnchorBias, -1, 1)
	return b
}

// Oriented signs the combined bias for a candidate side. Positive bias
// (uptrend, net buying) tolerates more long drift before selling and less
// short drift before buying.
func (b BiasState) Oriented(side Side) float64 {
	switch side {
	case SideSell:
		return b.Combined
	case SideBuy:
		return -b.Combined
	default:
		return 0
	}
}
