// ============================================================================
// Factobox Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: counts what the coordinator does and exposes it for scraping.
//
// Metrics:
//
//   1. Counters:
//      - factobox_builds_submitted_total
//      - factobox_builds_dispatched_total
//      - factobox_builds_finished_total{status}     Committed|Failed|Cancelled
//      - factobox_reservations_blocked_total{type}  head waited for stock
//      - factobox_device_reconnects_total
//      - factobox_device_malformed_lines_total
//
//   2. Histogram:
//      - factobox_build_latency_seconds             dispatch -> ack
//
//   3. Gauges:
//      - factobox_queue_length
//      - factobox_inventory_available{type}
//      - factobox_run_state                         1 Running, 0 Stopped
//      - factobox_device_connected
//      - factobox_observers
//      - factobox_recovery_time_seconds             last startup restore
//
// Example queries:
//
//   rate(factobox_builds_finished_total{status="Committed"}[5m])
//   histogram_quantile(0.95, rate(factobox_build_latency_seconds_bucket[5m]))
//   factobox_queue_length > 0 and factobox_run_state == 0
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Jmolenaartje/Factobox/pkg/types"
)

const namespace = "factobox"

// Collector holds every coordinator metric.
type Collector struct {
	buildsSubmitted    prometheus.Counter
	buildsDispatched   prometheus.Counter
	buildsFinished     *prometheus.CounterVec
	reservationBlocked *prometheus.CounterVec
	reconnects         prometheus.Counter
	malformedLines     prometheus.Counter

	buildLatency prometheus.Histogram

	queueLength     prometheus.Gauge
	inventory       *prometheus.GaugeVec
	runState        prometheus.Gauge
	deviceConnected prometheus.Gauge
	observers       prometheus.Gauge
	recoveryTime    prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewCollector creates the metrics and registers them with reg. When reg is
// also a Gatherer (a *prometheus.Registry), Handler serves from it.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		buildsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builds_submitted_total",
			Help:      "Total number of build requests accepted into the queue",
		}),
		buildsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builds_dispatched_total",
			Help:      "Total number of BUILD commands sent to the device",
		}),
		buildsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builds_finished_total",
			Help:      "Total number of build requests that reached a terminal state",
		}, []string{"status"}),
		reservationBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_blocked_total",
			Help:      "Times the queue head could not reserve stock, by first short type",
		}, []string{"type"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_reconnects_total",
			Help:      "Total number of successful device connections after the first",
		}),
		malformedLines: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_malformed_lines_total",
			Help:      "Total number of unparsable lines received from the device",
		}),
		buildLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "build_latency_seconds",
			Help:      "Time from dispatch to device acknowledgement",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_length",
			Help:      "Current number of build requests in the queue",
		}),
		inventory: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inventory_available",
			Help:      "Available units per resource type",
		}, []string{"type"}),
		runState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_state",
			Help:      "1 when the run gate is open, 0 when stopped",
		}),
		deviceConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_connected",
			Help:      "1 while the device link is up",
		}),
		observers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observers",
			Help:      "Current number of connected observers",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken to restore state at the last startup",
		}),
	}

	reg.MustRegister(
		c.buildsSubmitted,
		c.buildsDispatched,
		c.buildsFinished,
		c.reservationBlocked,
		c.reconnects,
		c.malformedLines,
		c.buildLatency,
		c.queueLength,
		c.inventory,
		c.runState,
		c.deviceConnected,
		c.observers,
		c.recoveryTime,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	} else {
		c.gatherer = prometheus.DefaultGatherer
	}
	return c
}

// ============================================================================
// Scheduler events
// ============================================================================

// BuildSubmitted counts an accepted request.
func (c *Collector) BuildSubmitted() {
	c.buildsSubmitted.Inc()
}

// BuildDispatched counts a BUILD command sent.
func (c *Collector) BuildDispatched() {
	c.buildsDispatched.Inc()
}

// BuildFinished counts a terminal outcome. Latency is observed for outcomes
// that went through the device.
func (c *Collector) BuildFinished(status types.BuildStatus, latency time.Duration) {
	c.buildsFinished.WithLabelValues(string(status)).Inc()
	if latency > 0 {
		c.buildLatency.Observe(latency.Seconds())
	}
}

// ReservationBlocked counts a head entry waiting for stock.
func (c *Collector) ReservationBlocked(r types.ResourceType) {
	c.reservationBlocked.WithLabelValues(r.String()).Inc()
}

// StateChanged refreshes the gauges from a published snapshot.
func (c *Collector) StateChanged(snap types.Snapshot) {
	c.queueLength.Set(float64(len(snap.Queue)))
	for _, r := range types.AllResources {
		c.inventory.WithLabelValues(r.String()).Set(float64(snap.Inventory[r]))
	}
	c.runState.Set(boolGauge(snap.RunState == types.Running))
	c.deviceConnected.Set(boolGauge(snap.Device.Connected))
}

// ============================================================================
// Other components
// ============================================================================

// ObserversChanged sets the observer gauge.
func (c *Collector) ObserversChanged(n int) {
	c.observers.Set(float64(n))
}

// RecordReconnect counts a device reconnection.
func (c *Collector) RecordReconnect() {
	c.reconnects.Inc()
}

// RecordMalformedLine counts a discarded device line.
func (c *Collector) RecordMalformedLine() {
	c.malformedLines.Inc()
}

// SetRecoveryTime records how long the startup restore took.
func (c *Collector) SetRecoveryTime(d time.Duration) {
	c.recoveryTime.Set(d.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
