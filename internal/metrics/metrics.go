// Package metrics provides vault metrics collection.
// It wraps Prometheus collectors for ledger state, backend health, the deposit
// queue, the optimizer and the HTTP surface.
package metrics

import (
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector provides vault metrics. A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	// Ledger
	rate        prometheus.Gauge
	totalAssets prometheus.Gauge
	totalSupply prometheus.Gauge
	activeCount prometheus.Gauge

	// Harvest
	harvests prometheus.Counter
	fees     prometheus.Counter

	// Backends
	backendFailures *prometheus.CounterVec
	backendLatency  *prometheus.HistogramVec

	// Queue
	queueDepth       prometheus.Gauge
	depositsDone     prometheus.Counter
	depositsFailed   prometheus.Counter
	depositsRetried  prometheus.Counter
	optimizerActions *prometheus.CounterVec

	// HTTP
	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

// NewCollector creates a collector on its own registry.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "yieldvault"
	}

	c := &Collector{registry: prometheus.NewRegistry()}

	c.rate = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "redemption_rate",
		Help:      "Assets per share (1.0 == par)",
	})
	c.totalAssets = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "total_assets",
		Help:      "Total assets at the last harvest, in base units",
	})
	c.totalSupply = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "total_supply",
		Help:      "Outstanding vault shares, in base units",
	})
	c.activeCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "active_protocols",
		Help:      "Number of protocols in the active set",
	})

	c.harvests = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "harvest",
		Name:      "runs_total",
		Help:      "Total number of completed harvests",
	})
	c.fees = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "harvest",
		Name:      "fee_shares_total",
		Help:      "Total performance-fee shares minted to the treasury",
	})

	c.backendFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "failures_total",
			Help:      "Contained backend call failures",
		},
		[]string{"protocol", "op"},
	)
	c.backendLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "call_duration_seconds",
			Help:      "Backend call latency",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
		[]string{"op"},
	)

	c.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "pending_depositors",
		Help:      "Depositors in the current roster",
	})
	c.depositsDone = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "deposits_processed_total",
		Help:      "Queued deposits moved into the ledger",
	})
	c.depositsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "deposits_failed_total",
		Help:      "Queued deposits that failed verification",
	})
	c.depositsRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "deposits_retried_total",
		Help:      "Failed deposits re-queued by an operator",
	})
	c.optimizerActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "optimizer",
			Name:      "actions_total",
			Help:      "Active-set changes made by the optimizer",
		},
		[]string{"action"},
	)

	c.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests served",
		},
		[]string{"method", "path", "status"},
	)
	c.httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.registry.MustRegister(
		c.rate, c.totalAssets, c.totalSupply, c.activeCount,
		c.harvests, c.fees,
		c.backendFailures, c.backendLatency,
		c.queueDepth, c.depositsDone, c.depositsFailed, c.depositsRetried,
		c.optimizerActions,
		c.httpRequests, c.httpLatency,
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler exposes the collector for scraping.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordLedger updates the rate and supply gauges. rate is 1e18-scaled.
func (c *Collector) RecordLedger(rate, totalAssets, totalSupply *uint256.Int) {
	if c == nil {
		return
	}
	c.rate.Set(scaled(rate))
	c.totalAssets.Set(toFloat(totalAssets))
	c.totalSupply.Set(toFloat(totalSupply))
}

// RecordShares updates the rate and supply gauges between harvests.
func (c *Collector) RecordShares(rate, totalSupply *uint256.Int) {
	if c == nil {
		return
	}
	c.rate.Set(scaled(rate))
	c.totalSupply.Set(toFloat(totalSupply))
}

// SetActiveProtocols records the active-set size.
func (c *Collector) SetActiveProtocols(n int) {
	if c == nil {
		return
	}
	c.activeCount.Set(float64(n))
}

// RecordHarvest counts a harvest and the fee shares it minted.
func (c *Collector) RecordHarvest(feeShares *uint256.Int) {
	if c == nil {
		return
	}
	c.harvests.Inc()
	c.fees.Add(toFloat(feeShares))
}

// BackendFailure counts a contained backend failure.
func (c *Collector) BackendFailure(protocol uint64, op string) {
	if c == nil {
		return
	}
	c.backendFailures.WithLabelValues(strconv.FormatUint(protocol, 10), op).Inc()
}

// ObserveBackend records the latency of one backend call.
func (c *Collector) ObserveBackend(op string, d time.Duration) {
	if c == nil {
		return
	}
	c.backendLatency.WithLabelValues(op).Observe(d.Seconds())
}

// SetQueueDepth records the current roster length.
func (c *Collector) SetQueueDepth(n int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(n))
}

// DepositProcessed counts a successfully flushed deposit.
func (c *Collector) DepositProcessed() {
	if c == nil {
		return
	}
	c.depositsDone.Inc()
}

// DepositFailed counts a deposit that failed verification.
func (c *Collector) DepositFailed() {
	if c == nil {
		return
	}
	c.depositsFailed.Inc()
}

// DepositRetried counts a failed deposit put back in the roster.
func (c *Collector) DepositRetried() {
	if c == nil {
		return
	}
	c.depositsRetried.Inc()
}

// OptimizerAction counts an optimizer add or replace.
func (c *Collector) OptimizerAction(action string) {
	if c == nil {
		return
	}
	c.optimizerActions.WithLabelValues(action).Inc()
}

// ObserveHTTP records one served request.
func (c *Collector) ObserveHTTP(method, path string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpLatency.WithLabelValues(method, path).Observe(d.Seconds())
}

var scaleFloat = new(big.Float).SetInt64(1_000_000_000_000_000_000)

func toFloat(v *uint256.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v.ToBig()).Float64()
	return f
}

func scaled(v *uint256.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v.ToBig()), scaleFloat).Float64()
	return f
}
