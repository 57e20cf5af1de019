package exec

import (
	"context"
	"errors"
	"time"

	"spot-rebalancer/internal/metrics"
	"spot-rebalancer/internal/strategy"

	"go.uber.org/zap"
)

const defaultCancelTimeout = 5 * time.Second

const (
	ReasonInsufficientBalance = "insufficient_balance"
	ReasonBelowMinTrade       = "below_min_trade"
	ReasonPlacementFailed     = "placement_failed"
)

type Report struct {
	ID            string
	Decision      strategy.Decision
	Side          strategy.Side
	Target        float64
	Filled        float64
	Remaining     float64
	AvgPrice      float64
	DecisionPrice float64
	State         State
	Reason        string
	Requotes      int
	TakerUsed     bool
	Accepted      bool
	Transitions   []State
	StartedAt     time.Time
	FinishedAt    time.Time
}

// SizingRejected reports whether the decision was refused before any order
// was sent because the balance or the trade limits could not cover it.
func (r Report) SizingRejected() bool {
	return !r.Accepted && (r.Reason == ReasonInsufficientBalance || r.Reason == ReasonBelowMinTrade)
}

func (x Execution) Report() Report {
	return Report{
		ID:            x.ID,
		Decision:      x.Decision,
		Side:          x.Side(),
		Target:        x.TargetQty,
		Filled:        x.FilledQty(),
		Remaining:     x.RemainingQty(),
		AvgPrice:      x.AvgPrice(),
		DecisionPrice: x.DecisionPrice,
		State:         x.State,
		Reason:        x.Reason,
		Requotes:      x.Requotes,
		TakerUsed:     x.TakerUsed,
		Accepted:      x.Accepted,
		Transitions:   append([]State(nil), x.Transitions...),
		StartedAt:     x.EntryAt,
		FinishedAt:    x.FinishedAt,
	}
}

// Driver runs executions against a gateway. It owns no state between runs.
type Driver struct {
	engine  *Engine
	gw      Gateway
	quotes  QuoteSource
	clock   Clock
	log     *zap.Logger
	metrics *metrics.Metrics

	cancelTimeout time.Duration
}

func NewDriver(engine *Engine, gw Gateway, quotes QuoteSource, clock Clock, log *zap.Logger, m *metrics.Metrics) *Driver {
	if clock == nil {
		clock = SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Driver{
		engine:        engine,
		gw:            gw,
		quotes:        quotes,
		clock:         clock,
		log:           log,
		metrics:       m,
		cancelTimeout: defaultCancelTimeout,
	}
}

// Execute sizes the decision and drives it to a terminal state. When ctx is
// cancelled the resting order is cancelled before returning.
func (d *Driver) Execute(ctx context.Context, id string, dec strategy.Decision, pos strategy.PositionSnapshot) Report {
	now := d.clock.Now()
	log := d.log.With(zap.String("execution_id", id), zap.String("side", string(dec.Side)))

	price := dec.Price
	if q, ok := d.quotes.BestQuote(); ok && q.Valid() {
		price = q.Ask
		if !dec.Side.IsBuy() {
			price = q.Bid
		}
	}
	qty, err := d.engine.Size(dec.Side, dec.Qty, price, pos)
	x := d.engine.Start(id, dec, qty, now)
	if err != nil {
		reason := ReasonInsufficientBalance
		if errors.Is(err, ErrBelowMinTrade) {
			reason = ReasonBelowMinTrade
		}
		log.Warn("execution rejected by sizing", zap.Float64("qty", dec.Qty), zap.Error(err))
		d.metrics.ExecutionsAborted.Inc()
		return x.Finish(EventAbort, reason, now).Report()
	}
	if qty < dec.Qty {
		log.Info("execution scaled down", zap.Float64("decided", dec.Qty), zap.Float64("qty", qty))
	}
	log.Info("execution started",
		zap.Float64("qty", qty),
		zap.String("class", string(dec.Class)),
		zap.Bool("urgent", dec.Urgent),
	)
	x = d.run(ctx, x, log)
	log.Info("execution finished",
		zap.String("state", string(x.State)),
		zap.String("reason", x.Reason),
		zap.Float64("filled", x.FilledQty()),
		zap.Float64("avg_price", x.AvgPrice()),
		zap.Int("requotes", x.Requotes),
		zap.Bool("taker", x.TakerUsed),
	)
	return x.Report()
}

func (d *Driver) run(ctx context.Context, x Execution, log *zap.Logger) Execution {
	poll := d.engine.p.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return d.shutdown(x)
		}
		q, _ := d.quotes.BestQuote()
		now := d.clock.Now()
		step := d.engine.Next(x, q, now)

		var done bool
		x, done = d.apply(ctx, x, step, now, log)
		if done {
			return x
		}
		if x.OrderID != "" {
			if st, err := d.gw.OrderStatus(ctx, x.OrderID); err != nil {
				log.Debug("order status failed", zap.String("order_id", x.OrderID), zap.Error(err))
			} else {
				x = x.WithOrderStatus(st)
			}
		}

		select {
		case <-ctx.Done():
			return d.shutdown(x)
		case <-ticker.C:
		}
	}
}

func (d *Driver) apply(ctx context.Context, x Execution, step Step, now time.Time, log *zap.Logger) (Execution, bool) {
	switch step.Kind {
	case StepComplete:
		d.metrics.ExecutionsCompleted.Inc()
		return x.Finish(EventFilled, step.Reason, now), true

	case StepAbort:
		x = d.cancelResting(ctx, x, log)
		log.Warn("execution aborted", zap.String("reason", step.Reason), zap.Float64("filled", x.FilledQty()))
		d.metrics.ExecutionsAborted.Inc()
		return x.Finish(EventAbort, step.Reason, now), true

	case StepPlaceMaker:
		return d.placeMaker(ctx, x, step.Price, step.Qty, now, log)

	case StepReprice:
		x = d.cancelResting(ctx, x, log)
		if ctx.Err() != nil {
			return d.shutdown(x), true
		}
		qty := d.engine.lot.RoundQty(x.RemainingQty())
		if qty <= 0 {
			return x, false
		}
		log.Debug("repricing maker order", zap.Float64("price", step.Price), zap.Int("requotes", x.Requotes+1))
		return d.placeMaker(ctx, x, step.Price, qty, now, log)

	case StepTaker:
		if x.OrderID != "" {
			x = d.cancelResting(ctx, x, log)
			if ctx.Err() != nil {
				return d.shutdown(x), true
			}
		}
		qty := d.engine.lot.RoundQty(x.RemainingQty())
		if qty <= 0 {
			return x, false
		}
		if x.State != StateTakerFallback {
			x = x.WithEscalation()
			d.metrics.TakerFallbacks.Inc()
			log.Info("escalating to taker", zap.Float64("qty", qty), zap.Float64("worst_price", step.Price))
		}
		fill, err := d.gw.PlaceMarket(ctx, MarketOrder{
			Side:          x.Side(),
			Qty:           qty,
			WorstPrice:    step.Price,
			ClientOrderID: NewClientOrderID(),
		})
		if err != nil {
			d.metrics.OrdersFailed.Inc()
			if ctx.Err() != nil {
				return d.shutdown(x), true
			}
			log.Warn("taker order failed", zap.Float64("qty", qty), zap.Error(err))
			if !x.Accepted {
				d.metrics.ExecutionsAborted.Inc()
				return x.Finish(EventAbort, ReasonPlacementFailed, now), true
			}
			x.TakerAttempts++
			return x, false
		}
		d.metrics.OrdersPlaced.Inc()
		return x.WithTakerFill(fill), false
	}
	return x, false
}

func (d *Driver) placeMaker(ctx context.Context, x Execution, price, qty float64, now time.Time, log *zap.Logger) (Execution, bool) {
	orderID, err := d.gw.PlaceLimit(ctx, LimitOrder{
		Side:          x.Side(),
		Qty:           qty,
		Price:         price,
		PostOnly:      d.engine.p.PostOnly,
		ClientOrderID: NewClientOrderID(),
	})
	if err != nil {
		d.metrics.OrdersFailed.Inc()
		if errors.Is(err, ErrWouldCross) {
			log.Debug("post-only order would cross, retrying next tick", zap.Float64("price", price))
			return x, false
		}
		if ctx.Err() != nil {
			return d.shutdown(x), true
		}
		log.Warn("maker order failed", zap.Float64("price", price), zap.Float64("qty", qty), zap.Error(err))
		if !x.Accepted {
			d.metrics.ExecutionsAborted.Inc()
			return x.Finish(EventAbort, ReasonPlacementFailed, now), true
		}
		return x, false
	}
	d.metrics.OrdersPlaced.Inc()
	return x.WithRestingOrder(orderID, price, qty, now), false
}

// cancelResting cancels the live order and folds its final fills.
func (d *Driver) cancelResting(ctx context.Context, x Execution, log *zap.Logger) Execution {
	if x.OrderID == "" {
		return x
	}
	orderID := x.OrderID
	if err := d.gw.Cancel(ctx, orderID); err != nil {
		log.Warn("cancel failed", zap.String("order_id", orderID), zap.Error(err))
	} else {
		d.metrics.OrdersCanceled.Inc()
	}
	st, err := d.gw.OrderStatus(ctx, orderID)
	if err != nil {
		log.Warn("order status after cancel failed", zap.String("order_id", orderID), zap.Error(err))
	} else {
		x = x.WithOrderStatus(st)
	}
	if x.OrderID != "" {
		x = x.closeOrder()
	}
	return x
}

func (d *Driver) shutdown(x Execution) Execution {
	ctx, cancel := context.WithTimeout(context.Background(), d.cancelTimeout)
	defer cancel()
	x = d.cancelResting(ctx, x, d.log.With(zap.String("execution_id", x.ID)))
	d.metrics.ExecutionsAborted.Inc()
	return x.Finish(EventAbort, "shutdown", d.clock.Now())
}
