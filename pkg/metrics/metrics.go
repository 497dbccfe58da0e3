// Package metrics exposes the filler's Prometheus collectors (spec.md 4.J):
// cache hit ratio, per-chain scan lag, queue depths, order outcome counters,
// and rebalance run counts.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors registered against a single registry.
// A nil *Metrics is valid everywhere it is threaded through and every
// method becomes a no-op, so components can be built and wired before
// a registry is chosen and tests can construct a Scheduler/Runner
// without standing up a registry at all.
type Metrics struct {
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter

	ScanLagBlocks *prometheus.GaugeVec

	GlobalQueueDepth prometheus.Gauge
	DestQueueDepth   *prometheus.GaugeVec

	OrdersDetected *prometheus.CounterVec
	OrdersFilled   *prometheus.CounterVec
	OrdersDropped  *prometheus.CounterVec

	RebalanceRuns  prometheus.Counter
	RebalanceSends *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers the filler's collectors against reg and returns the bundle.
// reg must also implement prometheus.Gatherer (as *prometheus.Registry and
// prometheus.DefaultRegisterer both do) so Handler can serve exactly the
// collectors registered here rather than whatever happens to be registered
// against the global default registry.
func New(reg interface {
	prometheus.Registerer
	prometheus.Gatherer
}) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "filler_cache_hits_total",
			Help: "Cache lookups that found a live entry.",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "filler_cache_misses_total",
			Help: "Cache lookups that found no entry or an expired one.",
		}),
		ScanLagBlocks: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "filler_scan_lag_blocks",
			Help: "Blocks behind chain head for the most recent scan per chain.",
		}, []string{"chain"}),
		GlobalQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "filler_global_queue_depth",
			Help: "Orders currently holding a slot in the global concurrency semaphore.",
		}),
		DestQueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "filler_dest_queue_depth",
			Help: "Buffered jobs waiting on a destination chain's serial queue.",
		}, []string{"chain"}),
		OrdersDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "filler_orders_detected_total",
			Help: "Orders observed on a watch-only destination chain.",
		}, []string{"chain"}),
		OrdersFilled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "filler_orders_filled_total",
			Help: "Orders successfully executed, by chosen strategy.",
		}, []string{"strategy"}),
		OrdersDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "filler_orders_dropped_total",
			Help: "Orders dropped before execution, by reason.",
		}, []string{"reason"}),
		RebalanceRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "filler_rebalance_runs_total",
			Help: "Rebalance runner ticks that have fired.",
		}),
		RebalanceSends: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "filler_rebalance_sends_total",
			Help: "Rebalance top-up sends, by destination chain and outcome.",
		}, []string{"chain", "outcome"}),
	}
}

// Handler returns the HTTP handler to mount at /metrics, serving exactly
// the collectors registered against this bundle's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) cacheHit() {
	if m == nil {
		return
	}
	m.CacheHits.Inc()
}

func (m *Metrics) cacheMiss() {
	if m == nil {
		return
	}
	m.CacheMisses.Inc()
}

// ObserveCacheLookup records a single cache lookup outcome.
func (m *Metrics) ObserveCacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheHit()
		return
	}
	m.cacheMiss()
}

// SetScanLag records how many blocks behind head the most recent scan
// of chain left off.
func (m *Metrics) SetScanLag(chain string, lag float64) {
	if m == nil {
		return
	}
	m.ScanLagBlocks.WithLabelValues(chain).Set(lag)
}

// SetGlobalQueueDepth records the number of orders currently occupying a
// global semaphore slot.
func (m *Metrics) SetGlobalQueueDepth(depth float64) {
	if m == nil {
		return
	}
	m.GlobalQueueDepth.Set(depth)
}

// SetDestQueueDepth records the buffered depth of a destination chain's
// serial queue.
func (m *Metrics) SetDestQueueDepth(chain string, depth float64) {
	if m == nil {
		return
	}
	m.DestQueueDepth.WithLabelValues(chain).Set(depth)
}

// IncOrderDetected records a watch-only sighting on chain.
func (m *Metrics) IncOrderDetected(chain string) {
	if m == nil {
		return
	}
	m.OrdersDetected.WithLabelValues(chain).Inc()
}

// IncOrderFilled records a successful execution by strategyName.
func (m *Metrics) IncOrderFilled(strategyName string) {
	if m == nil {
		return
	}
	m.OrdersFilled.WithLabelValues(strategyName).Inc()
}

// IncOrderDropped records an order dropped before execution for reason.
func (m *Metrics) IncOrderDropped(reason string) {
	if m == nil {
		return
	}
	m.OrdersDropped.WithLabelValues(reason).Inc()
}

// IncRebalanceRun records one tick of the rebalance runner.
func (m *Metrics) IncRebalanceRun() {
	if m == nil {
		return
	}
	m.RebalanceRuns.Inc()
}

// IncRebalanceSend records a top-up send outcome for chain.
func (m *Metrics) IncRebalanceSend(chain, outcome string) {
	if m == nil {
		return
	}
	m.RebalanceSends.WithLabelValues(chain, outcome).Inc()
}
