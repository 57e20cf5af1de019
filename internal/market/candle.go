package market

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"spot-rebalancer/internal/strategy"
)

var intervals = map[string]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"8h":  8 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  24 * time.Hour,
}

// IntervalDuration maps a venue candle interval such as "5m" to its length.
func IntervalDuration(interval string) (time.Duration, error) {
	d, ok := intervals[interval]
	if !ok {
		return 0, fmt.Errorf("unsupported candle interval %q", interval)
	}
	return d, nil
}

// candleWire is the shape shared by the candle ws channel and candleSnapshot.
type candleWire struct {
	Start    int64  `json:"t"`
	End      int64  `json:"T"`
	Coin     string `json:"s"`
	Interval string `json:"i"`
	Open     string `json:"o"`
	Close    string `json:"c"`
	High     string `json:"h"`
	Low      string `json:"l"`
	Volume   string `json:"v"`
}

func (w candleWire) candle() (strategy.Candle, error) {
	var c strategy.Candle
	fields := []struct {
		raw string
		dst *float64
	}{
		{w.Open, &c.Open},
		{w.High, &c.High},
		{w.Low, &c.Low},
		{w.Close, &c.Close},
	}
	for _, f := range fields {
		v, err := strconv.ParseFloat(f.raw, 64)
		if err != nil {
			return strategy.Candle{}, fmt.Errorf("candle %d: %w", w.Start, err)
		}
		*f.dst = v
	}
	if w.Volume != "" {
		v, err := strconv.ParseFloat(w.Volume, 64)
		if err != nil {
			return strategy.Candle{}, fmt.Errorf("candle %d volume: %w", w.Start, err)
		}
		c.Volume = v
	}
	if c.Close <= 0 {
		return strategy.Candle{}, fmt.Errorf("candle %d has no close", w.Start)
	}
	c.Start = time.UnixMilli(w.Start).UTC()
	return c, nil
}

func parseCandle(data json.RawMessage) (candleWire, strategy.Candle, error) {
	var w candleWire
	if err := json.Unmarshal(data, &w); err != nil {
		return candleWire{}, strategy.Candle{}, err
	}
	c, err := w.candle()
	return w, c, err
}

// candleTracker turns the stream of in-progress candle updates into closed
// candles: a bar is closed once an update for a later bar arrives.
type candleTracker struct {
	current strategy.Candle
	seen    bool
}

func (t *candleTracker) observe(c strategy.Candle) (strategy.Candle, bool) {
	if !t.seen {
		t.current = c
		t.seen = true
		return strategy.Candle{}, false
	}
	switch {
	case c.Start.After(t.current.Start):
		closed := t.current
		t.current = c
		return closed, true
	case c.Start.Equal(t.current.Start):
		t.current = c
	}
	return strategy.Candle{}, false
}
