package exec

import (
	"fmt"
	"math"
	"time"

	"spot-rebalancer/internal/config"
	"spot-rebalancer/internal/strategy"
)

const (
	defaultTakerAttempts = 3
	defaultNoQuoteGrace  = 10 * time.Second
)

type Params struct {
	PostOnly          bool
	QuoteImproveBps   float64
	RepriceInterval   time.Duration
	MaxRequotes       int
	TakerOnSoft       bool
	TakerOnHard       bool
	MaxWait           time.Duration
	PollInterval      time.Duration
	SlippageCapBps    float64
	MarketSlippageBps float64
	MinTradeBase      float64
	MaxTradeBase      float64
	ScaleToBalance    bool
	MaxTakerAttempts  int
	NoQuoteGrace      time.Duration
}

func ParamsFromConfig(cfg config.ExecutionConfig) Params {
	requotes := 3
	if cfg.Maker.MaxRequotes != nil {
		requotes = *cfg.Maker.MaxRequotes
	}
	return Params{
		PostOnly:          config.BoolValue(cfg.Maker.PostOnly, true),
		QuoteImproveBps:   cfg.Maker.QuoteImproveBps,
		RepriceInterval:   cfg.Maker.RepriceInterval,
		MaxRequotes:       requotes,
		TakerOnSoft:       config.BoolValue(cfg.Taker.AllowedOnSoft, true),
		TakerOnHard:       config.BoolValue(cfg.Taker.AllowedOnHard, true),
		MaxWait:           cfg.MaxWait,
		PollInterval:      cfg.PollInterval,
		SlippageCapBps:    cfg.SlippageCapBpsValue(),
		MarketSlippageBps: cfg.MarketSlippageBps,
		MinTradeBase:      cfg.MinTradeBase,
		MaxTradeBase:      cfg.MaxTradeBase,
		ScaleToBalance:    config.BoolValue(cfg.ScaleToBalance, true),
		MaxTakerAttempts:  defaultTakerAttempts,
		NoQuoteGrace:      defaultNoQuoteGrace,
	}
}

// Execution is the state of one in-flight decision. Fills of orders that are
// finished live in DoneQty/DoneNotional; the resting order's fills are kept
// apart until it is closed.
type Execution struct {
	ID            string
	Decision      strategy.Decision
	State         State
	TargetQty     float64
	DecisionPrice float64

	DoneQty      float64
	DoneNotional float64

	OrderID       string
	OrderPrice    float64
	OrderQty      float64
	OrderFilled   float64
	OrderNotional float64

	EntryAt       time.Time
	LastRepriceAt time.Time
	FinishedAt    time.Time
	Requotes      int
	TakerAttempts int
	TakerUsed     bool
	Accepted      bool
	Reason        string
	Transitions   []State
}

func (x Execution) Side() strategy.Side {
	return x.Decision.Side
}

func (x Execution) FilledQty() float64 {
	return x.DoneQty + x.OrderFilled
}

func (x Execution) AvgPrice() float64 {
	qty := x.FilledQty()
	if qty <= 0 {
		return 0
	}
	return (x.DoneNotional + x.OrderNotional) / qty
}

func (x Execution) RemainingQty() float64 {
	return math.Max(x.TargetQty-x.FilledQty(), 0)
}

func (x Execution) apply(event Event) Execution {
	next := nextState(x.State, event)
	if next != x.State {
		x.State = next
		x.Transitions = append(x.Transitions[:len(x.Transitions):len(x.Transitions)], next)
	}
	return x
}

// WithRestingOrder records a newly accepted maker order.
func (x Execution) WithRestingOrder(orderID string, price, qty float64, now time.Time) Execution {
	event := EventMakerPlaced
	if x.State.resting() {
		event = EventRepriced
		x.Requotes++
	}
	x = x.apply(event)
	x.OrderID = orderID
	x.OrderPrice = price
	x.OrderQty = qty
	x.OrderFilled = 0
	x.OrderNotional = 0
	x.LastRepriceAt = now
	x.Accepted = true
	return x
}

// WithOrderStatus updates the resting order's cumulative fills. A finished
// order is folded into the done totals.
func (x Execution) WithOrderStatus(st OrderStatus) Execution {
	if x.OrderID == "" || (st.OrderID != "" && st.OrderID != x.OrderID) {
		return x
	}
	if st.FilledQty > x.OrderFilled {
		x.OrderFilled = st.FilledQty
		x.OrderNotional = st.FilledQty * st.AvgPrice
	}
	if st.Done() {
		x = x.closeOrder()
	}
	return x
}

func (x Execution) closeOrder() Execution {
	x.DoneQty += x.OrderFilled
	x.DoneNotional += x.OrderNotional
	x.OrderID = ""
	x.OrderPrice = 0
	x.OrderQty = 0
	x.OrderFilled = 0
	x.OrderNotional = 0
	return x
}

// WithEscalation moves a resting or idle execution to the taker stage.
func (x Execution) WithEscalation() Execution {
	return x.apply(EventEscalate)
}

func (x Execution) WithTakerFill(fill FillReport) Execution {
	x.TakerAttempts++
	x.TakerUsed = true
	x.Accepted = true
	if fill.FilledQty > 0 {
		x.DoneQty += fill.FilledQty
		x.DoneNotional += fill.FilledQty * fill.AvgPrice
	}
	return x
}

func (x Execution) Finish(event Event, reason string, now time.Time) Execution {
	if x.OrderID != "" {
		x = x.closeOrder()
	}
	x = x.apply(event)
	x.Reason = reason
	x.FinishedAt = now
	return x
}

type StepKind string

const (
	StepWait       StepKind = "wait"
	StepPlaceMaker StepKind = "place_maker"
	StepReprice    StepKind = "reprice"
	StepTaker      StepKind = "taker"
	StepComplete   StepKind = "complete"
	StepAbort      StepKind = "abort"
)

// Step is the next action for the driver. Price is the limit to send.
type Step struct {
	Kind   StepKind
	Price  float64
	Qty    float64
	Reason string
}

type Engine struct {
	p   Params
	lot Lot
}

func NewEngine(p Params, lot Lot) *Engine {
	if p.MaxTakerAttempts <= 0 {
		p.MaxTakerAttempts = defaultTakerAttempts
	}
	if p.NoQuoteGrace <= 0 {
		p.NoQuoteGrace = defaultNoQuoteGrace
	}
	return &Engine{p: p, lot: lot}
}

func (e *Engine) Params() Params { return e.p }

func (e *Engine) Lot() Lot { return e.lot }

// Size clips a decided quantity to the trade limits and the available
// balance. It never returns more than is available.
func (e *Engine) Size(side strategy.Side, qty, price float64, pos strategy.PositionSnapshot) (float64, error) {
	if qty <= 0 || price <= 0 {
		return 0, ErrBelowMinTrade
	}
	if e.p.MaxTradeBase > 0 && qty > e.p.MaxTradeBase {
		qty = e.p.MaxTradeBase
	}
	var available float64
	switch side {
	case strategy.SideSell:
		available = pos.BaseAvailable
	case strategy.SideBuy:
		available = pos.QuoteAvailable / price
	default:
		return 0, fmt.Errorf("unknown side %q", side)
	}
	if available <= 0 {
		return 0, ErrInsufficientBalance
	}
	if qty > available {
		if !e.p.ScaleToBalance {
			return 0, fmt.Errorf("need %.8f have %.8f: %w", qty, available, ErrInsufficientBalance)
		}
		qty = available
	}
	qty = e.lot.RoundQty(qty)
	if qty <= 0 || qty < e.p.MinTradeBase {
		return 0, fmt.Errorf("size %.8f below %.8f: %w", qty, e.p.MinTradeBase, ErrBelowMinTrade)
	}
	return qty, nil
}

// Start opens an execution for a sized decision.
func (e *Engine) Start(id string, d strategy.Decision, qty float64, now time.Time) Execution {
	return Execution{
		ID:            id,
		Decision:      d,
		State:         StateIdle,
		TargetQty:     qty,
		DecisionPrice: d.Price,
		EntryAt:       now,
		LastRepriceAt: now,
		Transitions:   []State{StateIdle},
	}
}

func (e *Engine) takerAllowed(d strategy.Decision) bool {
	if d.Urgent || d.Class == strategy.ClassHard {
		return e.p.TakerOnHard
	}
	return e.p.TakerOnSoft
}

// Next is the pure transition function of the escalation ladder.
func (e *Engine) Next(x Execution, q Quote, now time.Time) Step {
	if x.State.Terminal() {
		return Step{Kind: StepWait}
	}
	if x.FilledQty() > 0 && e.breaches(x.AvgPrice(), x.DecisionPrice) {
		return Step{Kind: StepAbort, Reason: "slippage_cap"}
	}
	remaining := e.lot.RoundQty(x.RemainingQty())
	if remaining <= 0 {
		return Step{Kind: StepComplete, Reason: "filled"}
	}
	isBuy := x.Side().IsBuy()

	switch x.State {
	case StateIdle, StateMakerPlaced, StateMakerChasing:
		if now.Sub(x.EntryAt) >= e.p.MaxWait {
			if !e.takerAllowed(x.Decision) {
				return Step{Kind: StepAbort, Reason: "maker_expired"}
			}
			if !q.Valid() {
				return e.noQuote(x, now)
			}
			return e.takerStep(x, q, remaining)
		}
		if x.State == StateIdle {
			if !q.Valid() {
				return Step{Kind: StepWait, Reason: "no_quote"}
			}
			if x.Decision.Urgent && e.takerAllowed(x.Decision) {
				return e.takerStep(x, q, remaining)
			}
			return Step{Kind: StepPlaceMaker, Price: e.makerPrice(isBuy, q), Qty: remaining}
		}
		if x.OrderID == "" {
			// the resting order finished without filling everything
			if !q.Valid() {
				return Step{Kind: StepWait, Reason: "no_quote"}
			}
			return Step{Kind: StepPlaceMaker, Price: e.makerPrice(isBuy, q), Qty: remaining}
		}
		if !q.Valid() || now.Sub(x.LastRepriceAt) < e.p.RepriceInterval || x.Requotes >= e.p.MaxRequotes {
			return Step{Kind: StepWait}
		}
		price := e.makerPrice(isBuy, q)
		if movedAway(isBuy, x.OrderPrice, price) {
			return Step{Kind: StepReprice, Price: price, Qty: remaining}
		}
		return Step{Kind: StepWait}

	case StateTakerFallback:
		if x.TakerAttempts >= e.p.MaxTakerAttempts {
			return Step{Kind: StepAbort, Reason: "taker_unfilled"}
		}
		if !q.Valid() {
			return e.noQuote(x, now)
		}
		return e.takerStep(x, q, remaining)
	}
	return Step{Kind: StepWait}
}

// noQuote waits for a usable book once the taker stage is due, and gives up
// NoQuoteGrace after max_wait. The driver cancels any resting order on abort.
func (e *Engine) noQuote(x Execution, now time.Time) Step {
	if now.Sub(x.EntryAt) >= e.p.MaxWait+e.p.NoQuoteGrace {
		return Step{Kind: StepAbort, Reason: "no_quote"}
	}
	return Step{Kind: StepWait, Reason: "no_quote"}
}

func (e *Engine) takerStep(x Execution, q Quote, qty float64) Step {
	isBuy := x.Side().IsBuy()
	touch := q.Bid
	if isBuy {
		touch = q.Ask
	}
	if e.breaches(touch, x.DecisionPrice) {
		return Step{Kind: StepAbort, Reason: "slippage_cap"}
	}
	slip := e.p.MarketSlippageBps / 10_000
	worst := touch * (1 - slip)
	if isBuy {
		worst = touch * (1 + slip)
	}
	return Step{Kind: StepTaker, Price: e.lot.AggressivePrice(worst, isBuy), Qty: qty}
}

// makerPrice quotes at the touch, improved by QuoteImproveBps while staying
// on the passive side of the spread.
func (e *Engine) makerPrice(isBuy bool, q Quote) float64 {
	improve := e.p.QuoteImproveBps / 10_000
	if isBuy {
		px := q.Bid * (1 + improve)
		if px >= q.Ask {
			px = q.Bid
		}
		return e.lot.PassivePrice(px, true)
	}
	px := q.Ask * (1 - improve)
	if px <= q.Bid {
		px = q.Ask
	}
	return e.lot.PassivePrice(px, false)
}

func (e *Engine) breaches(price, ref float64) bool {
	if ref <= 0 || price <= 0 || e.p.SlippageCapBps <= 0 {
		return false
	}
	return math.Abs(price-ref)/ref*10_000 > e.p.SlippageCapBps
}

// movedAway reports whether the competitive price left the resting order
// behind.
func movedAway(isBuy bool, resting, competitive float64) bool {
	if isBuy {
		return competitive > resting
	}
	return competitive < resting
}
