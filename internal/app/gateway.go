package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"spot-rebalancer/internal/account"
	"spot-rebalancer/internal/exec"
	"spot-rebalancer/internal/hl/exchange"
	"spot-rebalancer/internal/market"
	"spot-rebalancer/internal/strategy"
)

type orderClient interface {
	PlaceOrder(ctx context.Context, order exchange.OrderWire) (exchange.OrderResult, error)
	CancelOrder(ctx context.Context, asset int, orderID int64) error
}

type orderStatusSource interface {
	OrderStatus(ctx context.Context, oid int64) (account.OrderStatus, error)
}

// exchangeGateway places spot orders for one pair and maps venue errors onto
// the exec sentinels.
type exchangeGateway struct {
	client orderClient
	status orderStatusSource
	asset  int
}

func (g *exchangeGateway) PlaceLimit(ctx context.Context, order exec.LimitOrder) (string, error) {
	tif := exchange.TifGtc
	if order.PostOnly {
		tif = exchange.TifAlo
	}
	wire, err := exchange.LimitOrderWire(g.asset, order.Side.IsBuy(), order.Qty, order.Price, false, tif, order.ClientOrderID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", exec.ErrRejected, err)
	}
	res, err := g.client.PlaceOrder(ctx, wire)
	if err != nil {
		return "", mapVenueError(err)
	}
	if res.OrderID == 0 {
		return "", errors.New("order response missing oid")
	}
	return strconv.FormatInt(res.OrderID, 10), nil
}

func (g *exchangeGateway) PlaceMarket(ctx context.Context, order exec.MarketOrder) (exec.FillReport, error) {
	wire, err := exchange.LimitOrderWire(g.asset, order.Side.IsBuy(), order.Qty, order.WorstPrice, false, exchange.TifIoc, order.ClientOrderID)
	if err != nil {
		return exec.FillReport{}, fmt.Errorf("%w: %v", exec.ErrRejected, err)
	}
	res, err := g.client.PlaceOrder(ctx, wire)
	if errors.Is(err, exchange.ErrNoMatch) {
		return exec.FillReport{}, nil
	}
	if err != nil {
		return exec.FillReport{}, mapVenueError(err)
	}
	report := exec.FillReport{FilledQty: res.FilledSz, AvgPrice: res.AvgPx}
	if res.OrderID != 0 {
		report.OrderID = strconv.FormatInt(res.OrderID, 10)
	}
	return report, nil
}

func (g *exchangeGateway) Cancel(ctx context.Context, orderID string) error {
	oid, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid order id %q: %w", orderID, err)
	}
	if err := g.client.CancelOrder(ctx, g.asset, oid); err != nil {
		if errors.Is(err, exchange.ErrNotOpen) {
			return nil
		}
		return mapVenueError(err)
	}
	return nil
}

func (g *exchangeGateway) OrderStatus(ctx context.Context, orderID string) (exec.OrderStatus, error) {
	oid, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return exec.OrderStatus{}, fmt.Errorf("invalid order id %q: %w", orderID, err)
	}
	st, err := g.status.OrderStatus(ctx, oid)
	if err != nil {
		return exec.OrderStatus{}, err
	}
	return exec.OrderStatus{
		OrderID:   orderID,
		State:     orderStateFromAccount(st.State),
		FilledQty: st.Filled,
		AvgPrice:  st.AvgPrice,
	}, nil
}

func mapVenueError(err error) error {
	switch {
	case errors.Is(err, exchange.ErrWouldMatch):
		return fmt.Errorf("%w: %v", exec.ErrWouldCross, err)
	case errors.Is(err, exchange.ErrRejected):
		return fmt.Errorf("%w: %v", exec.ErrRejected, err)
	default:
		return err
	}
}

func orderStateFromAccount(s account.OrderState) exec.OrderState {
	switch s {
	case account.OrderOpen:
		return exec.OrderOpen
	case account.OrderFilled:
		return exec.OrderFilled
	case account.OrderCanceled:
		return exec.OrderCanceled
	case account.OrderRejected:
		return exec.OrderRejected
	default:
		return exec.OrderUnknown
	}
}

type bookSource interface {
	Book() (market.Book, bool)
}

// bookQuotes exposes the tracked top of book as an exec.QuoteSource.
type bookQuotes struct {
	src bookSource
}

func (b bookQuotes) BestQuote() (exec.Quote, bool) {
	book, ok := b.src.Book()
	if !ok {
		return exec.Quote{}, false
	}
	return exec.Quote{Bid: book.Bid, Ask: book.Ask, At: book.At}, true
}

type reconciler interface {
	Reconcile(ctx context.Context) (account.State, error)
}

// accountPositions reads the spot pair and its perp hedge from the account.
type accountPositions struct {
	acct  reconciler
	base  string
	quote string
	hedge string
}

func (p accountPositions) Positions(ctx context.Context) (strategy.PositionSnapshot, error) {
	st, err := p.acct.Reconcile(ctx)
	if err != nil {
		return strategy.PositionSnapshot{}, err
	}
	return st.Position(p.base, p.quote, p.hedge), nil
}

// spotFill converts an account fill on the traded pair into an anchor fill.
func spotFill(f account.Fill, spot market.SpotContext) (strategy.Fill, bool) {
	if !spot.Matches(f.Coin) {
		return strategy.Fill{}, false
	}
	if f.Size <= 0 || f.Price <= 0 {
		return strategy.Fill{}, false
	}
	return strategy.Fill{Time: f.Time, Side: f.Side, Price: f.Price, Qty: f.Size}, true
}
