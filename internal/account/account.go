package account

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"spot-rebalancer/internal/hl/rest"
	"spot-rebalancer/internal/hl/ws"
	"spot-rebalancer/internal/strategy"

	"go.uber.org/zap"
)

type Balance struct {
	Coin  string
	Total float64
	Hold  float64
}

func (b Balance) Available() float64 {
	if b.Total-b.Hold < 0 {
		return 0
	}
	return b.Total - b.Hold
}

type OpenOrder struct {
	Coin    string
	OrderID int64
	Side    strategy.Side
	LimitPx float64
	Size    float64
	Cloid   string
}

// State is the last reconciled view of the account. Perp holds signed perp
// sizes (szi) keyed by coin.
type State struct {
	Spot       map[string]Balance
	Perp       map[string]float64
	OpenOrders []OpenOrder
	At         time.Time
}

// Position projects the state onto one spot pair hedged by one perp. The perp
// size is negated so that a short hedge reads as a positive offset.
func (s State) Position(base, quote, hedge string) strategy.PositionSnapshot {
	b := s.Spot[base]
	q := s.Spot[quote]
	pos := strategy.PositionSnapshot{
		SpotBase:       b.Total,
		BaseAvailable:  b.Available(),
		QuoteAvailable: q.Available(),
		At:             s.At,
	}
	if hedge != "" {
		if szi := s.Perp[hedge]; szi != 0 {
			pos.FuturesBase = -szi
		}
	}
	return pos
}

type Account struct {
	rest *rest.Client
	ws   *ws.Client
	log  *zap.Logger
	user string
	now  func() time.Time

	mu     sync.RWMutex
	state  State
	fills  *fillTracker
	stream chan Fill
}

func New(restClient *rest.Client, wsClient *ws.Client, log *zap.Logger, user string) *Account {
	if log == nil {
		log = zap.NewNop()
	}
	return &Account{
		rest:   restClient,
		ws:     wsClient,
		log:    log,
		user:   strings.TrimSpace(user),
		now:    time.Now,
		fills:  newFillTracker(maxTrackedOrders, maxSeenFills),
		stream: make(chan Fill, 256),
	}
}

func (a *Account) User() string {
	return a.user
}

type spotStateWire struct {
	Balances []struct {
		Coin  string `json:"coin"`
		Total string `json:"total"`
		Hold  string `json:"hold"`
	} `json:"balances"`
}

type perpStateWire struct {
	AssetPositions []struct {
		Position struct {
			Coin string `json:"coin"`
			Szi  string `json:"szi"`
		} `json:"position"`
	} `json:"assetPositions"`
}

type openOrderWire struct {
	Coin    string `json:"coin"`
	Side    string `json:"side"`
	LimitPx string `json:"limitPx"`
	Sz      string `json:"sz"`
	Oid     int64  `json:"oid"`
	Cloid   string `json:"cloid"`
}

// Reconcile refreshes balances, perp positions and open orders over REST.
func (a *Account) Reconcile(ctx context.Context) (State, error) {
	if a.rest == nil {
		return State{}, errors.New("rest client is required")
	}
	if a.user == "" {
		return State{}, errors.New("account user is required")
	}
	var spot spotStateWire
	if err := a.rest.Info(ctx, rest.InfoRequest{Type: "spotClearinghouseState", User: a.user}, &spot); err != nil {
		return State{}, fmt.Errorf("spot state: %w", err)
	}
	var perp perpStateWire
	if err := a.rest.Info(ctx, rest.InfoRequest{Type: "clearinghouseState", User: a.user}, &perp); err != nil {
		return State{}, fmt.Errorf("perp state: %w", err)
	}
	orders, err := a.OpenOrders(ctx)
	if err != nil {
		return State{}, err
	}

	state := State{
		Spot:       make(map[string]Balance, len(spot.Balances)),
		Perp:       make(map[string]float64, len(perp.AssetPositions)),
		OpenOrders: orders,
		At:         a.now(),
	}
	for _, bal := range spot.Balances {
		total, err := parseFloat(bal.Total)
		if err != nil {
			return State{}, fmt.Errorf("balance %s total: %w", bal.Coin, err)
		}
		hold, err := parseFloat(bal.Hold)
		if err != nil {
			return State{}, fmt.Errorf("balance %s hold: %w", bal.Coin, err)
		}
		state.Spot[bal.Coin] = Balance{Coin: bal.Coin, Total: total, Hold: hold}
	}
	for _, ap := range perp.AssetPositions {
		szi, err := parseFloat(ap.Position.Szi)
		if err != nil {
			return State{}, fmt.Errorf("position %s: %w", ap.Position.Coin, err)
		}
		state.Perp[ap.Position.Coin] = szi
	}

	a.mu.Lock()
	a.state = state
	a.mu.Unlock()
	return state, nil
}

func (a *Account) Snapshot() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return copyState(a.state)
}

func (a *Account) OpenOrders(ctx context.Context) ([]OpenOrder, error) {
	if a.rest == nil {
		return nil, errors.New("rest client is required")
	}
	var wires []openOrderWire
	if err := a.rest.Info(ctx, rest.InfoRequest{Type: "openOrders", User: a.user}, &wires); err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}
	orders := make([]OpenOrder, 0, len(wires))
	for _, w := range wires {
		px, _ := parseFloat(w.LimitPx)
		sz, _ := parseFloat(w.Sz)
		orders = append(orders, OpenOrder{
			Coin:    w.Coin,
			OrderID: w.Oid,
			Side:    sideFromWire(w.Side),
			LimitPx: px,
			Size:    sz,
			Cloid:   w.Cloid,
		})
	}
	return orders, nil
}

// Start subscribes to the user's fills. Fills are delivered on Fills().
func (a *Account) Start(ctx context.Context) error {
	if a.ws == nil {
		return nil
	}
	if a.user == "" {
		return errors.New("account user is required for ws subscriptions")
	}
	if err := a.ws.Subscribe(ctx, ws.Subscription{Type: "userFills", User: a.user}); err != nil {
		return err
	}
	go func() {
		if err := a.ws.Run(ctx, a.handleMessage); err != nil && ctx.Err() == nil {
			a.log.Error("account ws stopped", zap.Error(err))
		}
	}()
	return nil
}

func (a *Account) handleMessage(msg ws.Message) {
	if msg.Channel != "userFills" {
		return
	}
	fills, snapshot, err := parseUserFills(msg.Data)
	if err != nil {
		a.log.Debug("userFills decode failed", zap.Error(err))
		return
	}
	for _, f := range a.fills.add(fills) {
		f.Snapshot = snapshot
		select {
		case a.stream <- f:
		default:
			a.log.Warn("fill dropped, consumer is behind", zap.Int64("oid", f.OrderID))
		}
	}
}

func copyState(s State) State {
	out := State{At: s.At}
	if s.Spot != nil {
		out.Spot = make(map[string]Balance, len(s.Spot))
		for k, v := range s.Spot {
			out.Spot[k] = v
		}
	}
	if s.Perp != nil {
		out.Perp = make(map[string]float64, len(s.Perp))
		for k, v := range s.Perp {
			out.Perp[k] = v
		}
	}
	out.OpenOrders = append([]OpenOrder(nil), s.OpenOrders...)
	return out
}

func parseFloat(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseFloat(raw, 64)
}

// sideFromWire maps the venue's B (bid) and A (ask) codes.
func sideFromWire(side string) strategy.Side {
	switch strings.ToUpper(strings.TrimSpace(side)) {
	case "B", "BUY":
		return strategy.SideBuy
	case "A", "S", "SELL":
		return strategy.SideSell
	}
	return strategy.SideNone
}
