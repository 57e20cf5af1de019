package account

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"spot-rebalancer/internal/hl/rest"
)

type OrderState string

const (
	OrderOpen     OrderState = "open"
	OrderFilled   OrderState = "filled"
	OrderCanceled OrderState = "canceled"
	OrderRejected OrderState = "rejected"
	OrderUnknown  OrderState = "unknown"
)

type OrderStatus struct {
	OrderID  int64
	State    OrderState
	OrigSize float64
	Filled   float64
	AvgPrice float64
}

type orderStatusWire struct {
	Status string `json:"status"`
	Order  *struct {
		Order struct {
			Coin    string `json:"coin"`
			Side    string `json:"side"`
			LimitPx string `json:"limitPx"`
			Sz      string `json:"sz"`
			OrigSz  string `json:"origSz"`
			Oid     int64  `json:"oid"`
		} `json:"order"`
		Status string `json:"status"`
	} `json:"order"`
}

// OrderStatus queries one order. Filled size comes from the venue; the
// average price comes from observed fills and falls back to the limit.
func (a *Account) OrderStatus(ctx context.Context, oid int64) (OrderStatus, error) {
	if a.rest == nil {
		return OrderStatus{}, errors.New("rest client is required")
	}
	var w orderStatusWire
	req := rest.OrderStatusRequest{Type: "orderStatus", User: a.user, Oid: oid}
	if err := a.rest.Info(ctx, req, &w); err != nil {
		return OrderStatus{}, fmt.Errorf("order status %d: %w", oid, err)
	}
	if w.Status != "order" || w.Order == nil {
		return OrderStatus{OrderID: oid, State: OrderUnknown}, nil
	}
	o := w.Order.Order
	orig, err := parseFloat(o.OrigSz)
	if err != nil {
		return OrderStatus{}, fmt.Errorf("order %d orig size: %w", oid, err)
	}
	remaining, err := parseFloat(o.Sz)
	if err != nil {
		return OrderStatus{}, fmt.Errorf("order %d size: %w", oid, err)
	}
	limit, _ := parseFloat(o.LimitPx)

	st := OrderStatus{
		OrderID:  oid,
		State:    orderState(w.Order.Status),
		OrigSize: orig,
	}
	if filled := orig - remaining; filled > 0 {
		st.Filled = filled
		st.AvgPrice = limit
	}
	if st.State == OrderFilled && st.Filled == 0 {
		st.Filled = orig
		st.AvgPrice = limit
	}
	if qty, avg, ok := a.OrderFill(oid); ok && st.Filled > 0 {
		if qty >= st.Filled {
			st.AvgPrice = avg
		}
	}
	return st, nil
}

func orderState(status string) OrderState {
	switch s := strings.ToLower(status); {
	case s == "open" || s == "triggered":
		return OrderOpen
	case s == "filled":
		return OrderFilled
	case s == "rejected":
		return OrderRejected
	case strings.HasSuffix(s, "canceled") || strings.HasSuffix(s, "cancelled"):
		return OrderCanceled
	}
	return OrderUnknown
}
