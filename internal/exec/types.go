package exec

import (
	"context"
	"errors"
	"time"

	"spot-rebalancer/internal/strategy"
)

var (
	// ErrWouldCross is returned by a gateway when a post-only order would
	// have taken liquidity.
	ErrWouldCross          = errors.New("post-only order would cross")
	ErrRejected            = errors.New("order rejected")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrBelowMinTrade       = errors.New("order size below minimum trade")
)

type LimitOrder struct {
	Side          strategy.Side
	Qty           float64
	Price         float64
	PostOnly      bool
	ClientOrderID string
}

// MarketOrder is sent as an immediate-or-cancel limit at WorstPrice.
type MarketOrder struct {
	Side          strategy.Side
	Qty           float64
	WorstPrice    float64
	ClientOrderID string
}

type FillReport struct {
	OrderID   string  `json:"order_id"`
	FilledQty float64 `json:"filled_qty"`
	AvgPrice  float64 `json:"avg_price"`
}

type OrderState string

const (
	OrderOpen     OrderState = "open"
	OrderFilled   OrderState = "filled"
	OrderCanceled OrderState = "canceled"
	OrderRejected OrderState = "rejected"
	OrderUnknown  OrderState = "unknown"
)

type OrderStatus struct {
	OrderID   string
	State     OrderState
	FilledQty float64
	AvgPrice  float64
}

// Done reports whether the order can no longer fill.
func (s OrderStatus) Done() bool {
	switch s.State {
	case OrderFilled, OrderCanceled, OrderRejected:
		return true
	default:
		return false
	}
}

type Gateway interface {
	PlaceLimit(ctx context.Context, order LimitOrder) (string, error)
	PlaceMarket(ctx context.Context, order MarketOrder) (FillReport, error)
	Cancel(ctx context.Context, orderID string) error
	OrderStatus(ctx context.Context, orderID string) (OrderStatus, error)
}

type Quote struct {
	Bid float64
	Ask float64
	At  time.Time
}

func (q Quote) Valid() bool {
	return q.Bid > 0 && q.Ask > 0 && q.Bid <= q.Ask
}

func (q Quote) Mid() float64 {
	if !q.Valid() {
		return 0
	}
	return (q.Bid + q.Ask) / 2
}

type QuoteSource interface {
	BestQuote() (Quote, bool)
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
