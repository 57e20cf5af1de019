package exec

import (
	"math"

	"github.com/shopspring/decimal"
)

const (
	maxSigFigs      = 5
	spotMaxDecimals = 8
	perpMaxDecimals = 6
)

// Lot holds the venue's size and price precision for one asset.
type Lot struct {
	SzDecimals int
	Spot       bool
}

// RoundQty floors qty to SzDecimals.
func (l Lot) RoundQty(qty float64) float64 {
	if qty <= 0 || math.IsNaN(qty) || math.IsInf(qty, 0) {
		return 0
	}
	v, _ := decimal.NewFromFloat(qty).RoundFloor(int32(l.SzDecimals)).Float64()
	return v
}

func (l Lot) priceDecimals() int {
	limit := perpMaxDecimals
	if l.Spot {
		limit = spotMaxDecimals
	}
	if d := limit - l.SzDecimals; d > 0 {
		return d
	}
	return 0
}

// RoundPrice limits px to five significant figures and the asset's maximum
// decimals. Integer prices are always allowed. up selects the rounding
// direction.
func (l Lot) RoundPrice(px float64, up bool) float64 {
	if px <= 0 || math.IsNaN(px) || math.IsInf(px, 0) {
		return 0
	}
	places := maxSigFigs - 1 - int(math.Floor(math.Log10(px)))
	if places < 0 {
		places = 0
	}
	if limit := l.priceDecimals(); places > limit {
		places = limit
	}
	d := decimal.NewFromFloat(px)
	if up {
		d = d.RoundCeil(int32(places))
	} else {
		d = d.RoundFloor(int32(places))
	}
	v, _ := d.Float64()
	return v
}

// PassivePrice rounds away from the touch: down for buys, up for sells.
func (l Lot) PassivePrice(px float64, isBuy bool) float64 {
	return l.RoundPrice(px, !isBuy)
}

// AggressivePrice rounds through the touch: up for buys, down for sells.
func (l Lot) AggressivePrice(px float64, isBuy bool) float64 {
	return l.RoundPrice(px, isBuy)
}
