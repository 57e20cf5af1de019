package strategy

import (
	"math"
	"testing"
	"time"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func assertApprox(t *testing.T, name string, got, want float64) {
	t.Helper()
	if !approx(got, want) {
		t.Fatalf("%s: expected %v, got %v", name, want, got)
	}
}

func candleAt(minute int, close float64) Candle {
	return Candle{Start: t0.Add(time.Duration(minute) * time.Minute), Close: close}
}
