package strategy

import (
	"errors"
	"fmt"
	"math"
	"time"

	"spot-rebalancer/internal/config"
)

var (
	ErrMarketStale     = errors.New("market data stale")
	ErrPositionStale   = errors.New("position data stale")
	ErrPositionInvalid = errors.New("position data invalid")
)

// CheckFreshness refuses to evaluate the policy on old inputs. A zero
// timestamp counts as missing.
func CheckFreshness(cfg config.RiskConfig, now, marketAt, positionAt time.Time) error {
	if marketAt.IsZero() {
		return fmt.Errorf("no market data yet: %w", ErrMarketStale)
	}
	if positionAt.IsZero() {
		return fmt.Errorf("no position snapshot yet: %w", ErrPositionStale)
	}
	if age := now.Sub(marketAt); cfg.MaxMarketAge > 0 && age > cfg.MaxMarketAge {
		return fmt.Errorf("market data age %s exceeds %s: %w", age, cfg.MaxMarketAge, ErrMarketStale)
	}
	if age := now.Sub(positionAt); cfg.MaxPositionAge > 0 && age > cfg.MaxPositionAge {
		return fmt.Errorf("position age %s exceeds %s: %w", age, cfg.MaxPositionAge, ErrPositionStale)
	}
	return nil
}

func CheckPosition(pos PositionSnapshot) error {
	for _, v := range []float64{pos.SpotBase, pos.FuturesBase, pos.BaseAvailable, pos.QuoteAvailable} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return ErrPositionInvalid
		}
	}
	if pos.BaseAvailable < 0 || pos.QuoteAvailable < 0 {
		return fmt.Errorf("negative available balance: %w", ErrPositionInvalid)
	}
	return nil
}
