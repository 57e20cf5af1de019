package exec

import (
	"context"
	"fmt"
	"sync"
	"time"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: t0}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeQuotes struct {
	q Quote
}

func (f fakeQuotes) BestQuote() (Quote, bool) {
	return f.q, f.q.Valid()
}

// fakeGateway advances the clock on every status poll so that a run walks
// through the escalation ladder without real waiting.
type fakeGateway struct {
	mu      sync.Mutex
	clock   *fakeClock
	advance time.Duration

	limitErr  error
	marketErr error
	fillFn    func(orderID string, call int) OrderStatus
	marketFn  func(order MarketOrder) FillReport
	onStatus  func()

	nextID      int
	statusCalls int
	limits      []LimitOrder
	markets     []MarketOrder
	cancels     []string
	canceled    map[string]bool
}

func (g *fakeGateway) PlaceLimit(ctx context.Context, order LimitOrder) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.limitErr != nil {
		return "", g.limitErr
	}
	g.nextID++
	g.limits = append(g.limits, order)
	return fmt.Sprintf("oid-%d", g.nextID), nil
}

func (g *fakeGateway) PlaceMarket(ctx context.Context, order MarketOrder) (FillReport, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.marketErr != nil {
		return FillReport{}, g.marketErr
	}
	g.markets = append(g.markets, order)
	if g.marketFn != nil {
		return g.marketFn(order), nil
	}
	return FillReport{OrderID: "mkt", FilledQty: order.Qty, AvgPrice: order.WorstPrice}, nil
}

func (g *fakeGateway) Cancel(ctx context.Context, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.canceled == nil {
		g.canceled = make(map[string]bool)
	}
	g.canceled[orderID] = true
	g.cancels = append(g.cancels, orderID)
	return nil
}

func (g *fakeGateway) OrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statusCalls++
	if g.onStatus != nil {
		g.onStatus()
	}
	if g.clock != nil && g.advance > 0 {
		g.clock.Advance(g.advance)
	}
	st := OrderStatus{OrderID: orderID, State: OrderOpen}
	if g.fillFn != nil {
		st = g.fillFn(orderID, g.statusCalls)
		st.OrderID = orderID
	}
	if g.canceled[orderID] && st.State == OrderOpen {
		st.State = OrderCanceled
	}
	return st, nil
}
