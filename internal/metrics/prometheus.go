package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "spot_rebalancer"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promGauge struct {
	gauge prometheus.Gauge
}

func (p promGauge) Set(v float64) {
	p.gauge.Set(v)
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		counters: make(map[string]prometheus.Counter),
		gauges:   make(map[string]prometheus.Gauge),
	}
	p.Metrics = &Metrics{
		DecisionsTotal:        p.counter("decisions_total", "Total number of rebalance decisions emitted."),
		OpportunisticTriggers: p.counter("opportunistic_triggers_total", "Decisions triggered by the EMA opportunistic rules."),
		ThresholdTriggers:     p.counter("threshold_triggers_total", "Decisions triggered by the soft/hard gap thresholds."),
		HysteresisBlocked:     p.counter("hysteresis_blocked_total", "Triggers suppressed by the hysteresis guard."),
		AnchorDeferred:        p.counter("anchor_deferred_total", "Soft triggers deferred by the fill anchor gate."),
		DecisionsRejected:     p.counter("decisions_rejected_total", "Decisions dropped before execution by sizing or risk checks."),
		OrdersPlaced:          p.counter("orders_placed_total", "Total number of orders placed."),
		OrdersFailed:          p.counter("orders_failed_total", "Total number of order placement failures."),
		OrdersCanceled:        p.counter("orders_canceled_total", "Total number of resting orders canceled."),
		TakerFallbacks:        p.counter("taker_fallbacks_total", "Executions that escalated to a taker order."),
		ExecutionsCompleted:   p.counter("executions_completed_total", "Executions that reached the completed state."),
		ExecutionsAborted:     p.counter("executions_aborted_total", "Executions that reached the aborted state."),
		NetDelta:              p.gauge("net_delta_base", "Current net delta in base units."),
		Gap:                   p.gauge("gap_base", "Current gap between desired and actual net delta in base units."),
	}
	return p
}

func (p *Prometheus) counter(name, help string) Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
	p.registry.MustRegister(c)
	p.counters[name] = c
	return promCounter{c}
}

func (p *Prometheus) gauge(name, help string) Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
	p.registry.MustRegister(g)
	p.gauges[name] = g
	return promGauge{g}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
