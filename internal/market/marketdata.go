package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"spot-rebalancer/internal/hl/exchange"
	"spot-rebalancer/internal/hl/rest"
	"spot-rebalancer/internal/hl/ws"
	"spot-rebalancer/internal/strategy"

	"go.uber.org/zap"
)

type PerpContext struct {
	Name        string
	Index       int
	SzDecimals  int
	OraclePrice float64
	MarkPrice   float64
}

type SpotContext struct {
	Symbol          string
	Base            string
	Quote           string
	Index           int
	BaseSzDecimals  int
	QuoteSzDecimals int
	RawName         string
	MidKey          string
}

// AssetID is the order asset id of the spot pair.
func (s SpotContext) AssetID() int {
	return exchange.SpotAsset(s.Index)
}

// Matches reports whether coin names this pair in fills and open orders.
func (s SpotContext) Matches(coin string) bool {
	if coin == "" {
		return false
	}
	return coin == s.MidKey || coin == s.RawName || coin == s.Symbol
}

// MarketData tracks one spot pair: its top of book and its closed candles.
type MarketData struct {
	rest *rest.Client
	ws   *ws.Client
	log  *zap.Logger
	now  func() time.Time

	mu       sync.RWMutex
	spot     SpotContext
	perp     PerpContext
	resolved bool
	book     Book
	tracker  candleTracker

	interval string
	closed   chan strategy.Candle
	dropped  bool
}

func New(restClient *rest.Client, wsClient *ws.Client, interval string, log *zap.Logger) *MarketData {
	if log == nil {
		log = zap.NewNop()
	}
	return &MarketData{
		rest:     restClient,
		ws:       wsClient,
		log:      log,
		now:      time.Now,
		interval: interval,
		closed:   make(chan strategy.Candle, 16),
	}
}

// Resolve looks up the spot pair and the perp used as hedge. symbol may be a
// pair ("HYPE/USDC"), a base token ("HYPE") or a raw pair name ("@107").
func (m *MarketData) Resolve(ctx context.Context, symbol, hedgeAsset string) (SpotContext, PerpContext, error) {
	var spotRaw json.RawMessage
	if err := m.rest.Info(ctx, rest.InfoRequest{Type: "spotMeta"}, &spotRaw); err != nil {
		return SpotContext{}, PerpContext{}, fmt.Errorf("spot meta: %w", err)
	}
	spots, err := spotContexts(spotRaw)
	if err != nil {
		return SpotContext{}, PerpContext{}, err
	}
	spot, ok := lookupSpot(spots, symbol)
	if !ok {
		return SpotContext{}, PerpContext{}, fmt.Errorf("spot pair %q not found", symbol)
	}
	if spot.BaseSzDecimals < 0 {
		return SpotContext{}, PerpContext{}, fmt.Errorf("spot pair %q has no size decimals", symbol)
	}

	var perp PerpContext
	if hedgeAsset != "" {
		var perpRaw json.RawMessage
		if err := m.rest.Info(ctx, rest.InfoRequest{Type: "metaAndAssetCtxs"}, &perpRaw); err != nil {
			return SpotContext{}, PerpContext{}, fmt.Errorf("perp meta: %w", err)
		}
		perps, err := perpContexts(perpRaw)
		if err != nil {
			return SpotContext{}, PerpContext{}, err
		}
		perp, ok = perps[hedgeAsset]
		if !ok {
			return SpotContext{}, PerpContext{}, fmt.Errorf("perp %q not found", hedgeAsset)
		}
	}

	m.mu.Lock()
	m.spot = spot
	m.perp = perp
	m.resolved = true
	m.mu.Unlock()
	return spot, perp, nil
}

func lookupSpot(spots map[string]SpotContext, symbol string) (SpotContext, bool) {
	symbol = strings.TrimSpace(symbol)
	if ctx, ok := spots[symbol]; ok {
		return ctx, true
	}
	upper := strings.ToUpper(symbol)
	if ctx, ok := spots[upper]; ok {
		return ctx, true
	}
	if !strings.Contains(upper, "/") {
		if ctx, ok := spots[upper+"/USDC"]; ok {
			return ctx, true
		}
	}
	return SpotContext{}, false
}

func (m *MarketData) Spot() SpotContext {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.spot
}

func (m *MarketData) Perp() PerpContext {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.perp
}

// Start subscribes to the book and candle feeds of the resolved pair.
func (m *MarketData) Start(ctx context.Context) error {
	m.mu.RLock()
	resolved := m.resolved
	coin := m.spot.MidKey
	interval := m.interval
	m.mu.RUnlock()
	if !resolved {
		return errors.New("market data not resolved")
	}
	if m.ws == nil {
		return nil
	}
	if err := m.ws.Subscribe(ctx, ws.Subscription{Type: "l2Book", Coin: coin}); err != nil {
		return err
	}
	if interval != "" {
		if err := m.ws.Subscribe(ctx, ws.Subscription{Type: "candle", Coin: coin, Interval: interval}); err != nil {
			return err
		}
	}
	go func() {
		if err := m.ws.Run(ctx, m.handleMessage); err != nil && ctx.Err() == nil {
			m.log.Error("market ws stopped", zap.Error(err))
		}
	}()
	return nil
}

// Closed delivers candles as they close. Slow readers lose candles rather
// than stall the feed.
func (m *MarketData) Closed() <-chan strategy.Candle {
	return m.closed
}

func (m *MarketData) Book() (Book, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.book, m.book.Valid()
}

// RefreshBook polls the book over REST, used when the feed goes quiet.
func (m *MarketData) RefreshBook(ctx context.Context) (Book, error) {
	coin := m.Spot().MidKey
	if coin == "" {
		return Book{}, errors.New("market data not resolved")
	}
	var w l2BookWire
	if err := m.rest.Info(ctx, rest.L2BookRequest{Type: "l2Book", Coin: coin}, &w); err != nil {
		return Book{}, err
	}
	b, err := w.book()
	if err != nil {
		return Book{}, err
	}
	b.At = m.now()
	m.mu.Lock()
	m.book = b
	m.mu.Unlock()
	return b, nil
}

// History returns up to n closed candles ending before now, oldest first.
func (m *MarketData) History(ctx context.Context, n int) ([]strategy.Candle, error) {
	coin := m.Spot().MidKey
	if coin == "" {
		return nil, errors.New("market data not resolved")
	}
	step, err := IntervalDuration(m.interval)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	now := m.now()
	req := rest.CandleSnapshotRequest{
		Type: "candleSnapshot",
		Req: rest.CandleSnapshotIn{
			Coin:      coin,
			Interval:  m.interval,
			StartTime: now.Add(-time.Duration(n+1) * step).UnixMilli(),
			EndTime:   now.UnixMilli(),
		},
	}
	var wires []candleWire
	if err := m.rest.Info(ctx, req, &wires); err != nil {
		return nil, err
	}
	out := make([]strategy.Candle, 0, len(wires))
	for _, w := range wires {
		if w.End > now.UnixMilli() {
			continue
		}
		c, err := w.candle()
		if err != nil {
			m.log.Debug("skipping candle", zap.Error(err))
			continue
		}
		out = append(out, c)
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

func (m *MarketData) handleMessage(msg ws.Message) {
	switch msg.Channel {
	case "l2Book":
		coin, b, err := parseBook(msg.Data)
		if err != nil {
			m.log.Debug("l2Book decode failed", zap.Error(err))
			return
		}
		m.mu.Lock()
		if coin == m.spot.MidKey {
			b.At = m.now()
			m.book = b
		}
		m.mu.Unlock()
	case "candle":
		w, c, err := parseCandle(msg.Data)
		if err != nil {
			m.log.Debug("candle decode failed", zap.Error(err))
			return
		}
		m.mu.Lock()
		if w.Coin != m.spot.MidKey || (w.Interval != "" && w.Interval != m.interval) {
			m.mu.Unlock()
			return
		}
		closed, ok := m.tracker.observe(c)
		m.mu.Unlock()
		if ok {
			m.publish(closed)
		}
	}
}

func (m *MarketData) publish(c strategy.Candle) {
	select {
	case m.closed <- c:
		m.dropped = false
	default:
		if !m.dropped {
			m.log.Warn("closed candle dropped, consumer is behind", zap.Time("start", c.Start))
			m.dropped = true
		}
	}
}
