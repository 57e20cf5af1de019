package account

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"spot-rebalancer/internal/strategy"
)

const (
	maxSeenFills     = 2000
	maxTrackedOrders = 2000
)

type Fill struct {
	OrderID  int64
	TradeID  int64
	Coin     string
	Side     strategy.Side
	Price    float64
	Size     float64
	Time     time.Time
	Hash     string
	Snapshot bool
}

func (f Fill) key() string {
	return f.Hash + ":" + strconv.FormatInt(f.TradeID, 10) + ":" + strconv.FormatInt(f.OrderID, 10)
}

type fillWire struct {
	Coin string `json:"coin"`
	Px   string `json:"px"`
	Sz   string `json:"sz"`
	Side string `json:"side"`
	Time int64  `json:"time"`
	Hash string `json:"hash"`
	Oid  int64  `json:"oid"`
	Tid  int64  `json:"tid"`
}

func (w fillWire) fill() (Fill, error) {
	px, err := strconv.ParseFloat(w.Px, 64)
	if err != nil {
		return Fill{}, fmt.Errorf("fill px %q: %w", w.Px, err)
	}
	sz, err := strconv.ParseFloat(w.Sz, 64)
	if err != nil {
		return Fill{}, fmt.Errorf("fill sz %q: %w", w.Sz, err)
	}
	return Fill{
		OrderID: w.Oid,
		TradeID: w.Tid,
		Coin:    w.Coin,
		Side:    sideFromWire(w.Side),
		Price:   px,
		Size:    sz,
		Time:    time.UnixMilli(w.Time).UTC(),
		Hash:    w.Hash,
	}, nil
}

type userFillsWire struct {
	IsSnapshot bool       `json:"isSnapshot"`
	User       string     `json:"user"`
	Fills      []fillWire `json:"fills"`
}

func parseUserFills(data json.RawMessage) ([]Fill, bool, error) {
	var w userFillsWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, false, err
	}
	fills := make([]Fill, 0, len(w.Fills))
	for _, fw := range w.Fills {
		f, err := fw.fill()
		if err != nil {
			return nil, false, err
		}
		fills = append(fills, f)
	}
	return fills, w.IsSnapshot, nil
}

type orderFills struct {
	qty      float64
	notional float64
}

// fillTracker dedupes fills and keeps per-order totals. Both sets are bounded
// and evict oldest first.
type fillTracker struct {
	mu        sync.Mutex
	maxSeen   int
	maxOrders int
	seen      map[string]struct{}
	seenOrder *list.List
	orders    map[int64]orderFills
	orderElem map[int64]*list.Element
	orderList *list.List
}

func newFillTracker(maxOrders, maxSeen int) *fillTracker {
	return &fillTracker{
		maxSeen:   maxSeen,
		maxOrders: maxOrders,
		seen:      make(map[string]struct{}),
		seenOrder: list.New(),
		orders:    make(map[int64]orderFills),
		orderElem: make(map[int64]*list.Element),
		orderList: list.New(),
	}
}

// add records fills and returns the ones not seen before.
func (t *fillTracker) add(fills []Fill) []Fill {
	t.mu.Lock()
	defer t.mu.Unlock()
	fresh := make([]Fill, 0, len(fills))
	for _, f := range fills {
		key := f.key()
		if _, ok := t.seen[key]; ok {
			continue
		}
		t.seen[key] = struct{}{}
		t.seenOrder.PushBack(key)
		for t.seenOrder.Len() > t.maxSeen {
			oldest := t.seenOrder.Front()
			delete(t.seen, oldest.Value.(string))
			t.seenOrder.Remove(oldest)
		}

		agg := t.orders[f.OrderID]
		agg.qty += f.Size
		agg.notional += f.Size * f.Price
		t.orders[f.OrderID] = agg
		if elem, ok := t.orderElem[f.OrderID]; ok {
			t.orderList.MoveToBack(elem)
		} else {
			t.orderElem[f.OrderID] = t.orderList.PushBack(f.OrderID)
		}
		for t.orderList.Len() > t.maxOrders {
			oldest := t.orderList.Front()
			oid := oldest.Value.(int64)
			delete(t.orders, oid)
			delete(t.orderElem, oid)
			t.orderList.Remove(oldest)
		}
		fresh = append(fresh, f)
	}
	return fresh
}

func (t *fillTracker) order(oid int64) (orderFills, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	agg, ok := t.orders[oid]
	return agg, ok
}

// Fills streams fills from the ws feed, including the initial snapshot.
func (a *Account) Fills() <-chan Fill {
	return a.stream
}

// OrderFill returns the filled size and average price seen for an order.
func (a *Account) OrderFill(oid int64) (float64, float64, bool) {
	agg, ok := a.fills.order(oid)
	if !ok || agg.qty <= 0 {
		return 0, 0, false
	}
	return agg.qty, agg.notional / agg.qty, true
}

type fillsByTimeRequest struct {
	Type      string `json:"type"`
	User      string `json:"user"`
	StartTime int64  `json:"startTime"`
	EndTime   int64  `json:"endTime,omitempty"`
}

// FillsByTime fetches historical fills. They also feed the per-order totals.
func (a *Account) FillsByTime(ctx context.Context, start, end time.Time) ([]Fill, error) {
	if a.rest == nil {
		return nil, errors.New("rest client is required")
	}
	if a.user == "" {
		return nil, errors.New("account user is required")
	}
	if start.IsZero() {
		return nil, errors.New("start time is required")
	}
	req := fillsByTimeRequest{Type: "userFillsByTime", User: a.user, StartTime: start.UnixMilli()}
	if !end.IsZero() {
		req.EndTime = end.UnixMilli()
	}
	var wires []fillWire
	if err := a.rest.Info(ctx, req, &wires); err != nil {
		return nil, fmt.Errorf("user fills: %w", err)
	}
	fills := make([]Fill, 0, len(wires))
	for _, w := range wires {
		f, err := w.fill()
		if err != nil {
			return nil, err
		}
		fills = append(fills, f)
	}
	a.fills.add(fills)
	return fills, nil
}
