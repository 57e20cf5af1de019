package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(float64)
}

// Metrics groups the rebalancer's instrumentation. Every field is non-nil.
type Metrics struct {
	DecisionsTotal        Counter
	OpportunisticTriggers Counter
	ThresholdTriggers     Counter
	HysteresisBlocked     Counter
	AnchorDeferred        Counter
	DecisionsRejected     Counter

	OrdersPlaced        Counter
	OrdersFailed        Counter
	OrdersCanceled      Counter
	TakerFallbacks      Counter
	ExecutionsCompleted Counter
	ExecutionsAborted   Counter

	NetDelta Gauge
	Gap      Gauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

func NewNoop() *Metrics {
	n := noopCounter{}
	g := noopGauge{}
	return &Metrics{
		DecisionsTotal:        n,
		OpportunisticTriggers: n,
		ThresholdTriggers:     n,
		HysteresisBlocked:     n,
		AnchorDeferred:        n,
		DecisionsRejected:     n,
		OrdersPlaced:          n,
		OrdersFailed:          n,
		OrdersCanceled:        n,
		TakerFallbacks:        n,
		ExecutionsCompleted:   n,
		ExecutionsAborted:     n,
		NetDelta:              g,
		Gap:                   g,
	}
}
