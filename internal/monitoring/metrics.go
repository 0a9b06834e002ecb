// Package monitoring exposes Prometheus metrics for the sync pipeline and
// raises webhook alerts when endpoint health or dead-letter depth crosses
// configured thresholds.
package monitoring

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sells-group/chainsync/internal/queue"
	"github.com/sells-group/chainsync/internal/ratelimit"
	"github.com/sells-group/chainsync/internal/resilience"
)

const namespace = "chainsync"

// Metrics holds every collector. It satisfies the observer interfaces of
// rpcpool, discovery and enrichment.
type Metrics struct {
	registry *prometheus.Registry

	// RPC metrics
	RPCRequests  *prometheus.CounterVec
	RPCErrors    *prometheus.CounterVec
	BreakerState *prometheus.GaugeVec

	// Limiter metrics
	LimiterQueued  prometheus.Gauge
	LimiterRunning prometheus.Gauge

	// Pipeline metrics
	DiscoveryAccounts *prometheus.CounterVec
	EnrichmentCycles  *prometheus.CounterVec
	EnrichmentRecords *prometheus.CounterVec
	QueueEnqueued     *prometheus.CounterVec
	QueueDepth        *prometheus.GaugeVec

	// Health check metrics
	HealthChecks    *prometheus.CounterVec
	AlertsFired     *prometheus.CounterVec
	AlertsActive    *prometheus.GaugeVec
	AlertDeliveries *prometheus.CounterVec
	LastCheck       prometheus.Gauge
}

// Health check outcomes.
const (
	CheckHealthy  = "healthy"
	CheckAlerting = "alerting"
	CheckFailed   = "failed"
)

// NewMetrics registers all metrics on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RPCRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "RPC calls attempted per endpoint",
		}, []string{"endpoint"}),
		RPCErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "errors_total",
			Help:      "Failed RPC calls per endpoint and error kind",
		}, []string{"endpoint", "kind"}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "breaker_state",
			Help:      "Circuit state per endpoint (0 closed, 1 open, 2 half-open)",
		}, []string{"endpoint"}),

		LimiterQueued: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "limiter",
			Name:      "queued",
			Help:      "Calls waiting for a limiter slot",
		}),
		LimiterRunning: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "limiter",
			Name:      "running",
			Help:      "Calls currently holding a limiter slot",
		}),

		DiscoveryAccounts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "accounts_total",
			Help:      "Accounts examined by discovery scans by outcome",
		}, []string{"result"}),
		EnrichmentCycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "enrichment",
			Name:      "cycles_total",
			Help:      "Enrichment cycles by status",
		}, []string{"status"}),
		EnrichmentRecords: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "enrichment",
			Name:      "records_total",
			Help:      "Records processed by enrichment by outcome",
		}, []string{"result"}),
		QueueEnqueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Jobs submitted per topic",
		}, []string{"topic"}),
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Jobs by status at the last health check",
		}, []string{"status"}),

		HealthChecks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "checks_total",
			Help:      "Health checks by outcome",
		}, []string{"result"}),
		AlertsFired: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "alerts_total",
			Help:      "Alerts raised by health checks per type",
		}, []string{"type"}),
		AlertsActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "alerts_active",
			Help:      "Alerts firing per type at the last health check",
		}, []string{"type"}),
		AlertDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "alert_deliveries_total",
			Help:      "Webhook deliveries by result",
		}, []string{"result"}),
		LastCheck: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_check_timestamp_seconds",
			Help:      "Unix time of the last completed health check",
		}),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest counts an attempted RPC call.
func (m *Metrics) ObserveRequest(endpoint string) {
	m.RPCRequests.WithLabelValues(endpoint).Inc()
}

// ObserveError counts a failed RPC call.
func (m *Metrics) ObserveError(endpoint string, kind resilience.ErrorKind) {
	m.RPCErrors.WithLabelValues(endpoint, kind.String()).Inc()
}

// ObserveBreakerState records a breaker transition.
func (m *Metrics) ObserveBreakerState(endpoint string, state resilience.CircuitState) {
	m.BreakerState.WithLabelValues(endpoint).Set(float64(state))
}

// ObserveAccount counts one examined discovery account.
func (m *Metrics) ObserveAccount(result string) {
	m.DiscoveryAccounts.WithLabelValues(result).Inc()
}

// ObserveCycle counts one enrichment cycle.
func (m *Metrics) ObserveCycle(status string) {
	m.EnrichmentCycles.WithLabelValues(status).Inc()
}

// ObserveRecord counts one enrichment record outcome.
func (m *Metrics) ObserveRecord(result string) {
	m.EnrichmentRecords.WithLabelValues(result).Inc()
}

// ObserveLimiter records limiter load.
func (m *Metrics) ObserveLimiter(s ratelimit.Stats) {
	m.LimiterQueued.Set(float64(s.Queued))
	m.LimiterRunning.Set(float64(s.Running))
}

// ObserveDepth records queue depth.
func (m *Metrics) ObserveDepth(d queue.Depth) {
	m.QueueDepth.WithLabelValues(string(queue.StatusPending)).Set(float64(d.Pending))
	m.QueueDepth.WithLabelValues(string(queue.StatusRunning)).Set(float64(d.Running))
	m.QueueDepth.WithLabelValues(string(queue.StatusDead)).Set(float64(d.Dead))
}

// ObserveCheck counts one health check and stamps its completion time.
func (m *Metrics) ObserveCheck(result string, at time.Time) {
	m.HealthChecks.WithLabelValues(result).Inc()
	if result != CheckFailed {
		m.LastCheck.Set(float64(at.Unix()))
	}
}

// ObserveAlerts counts the alerts raised by one check and resets the active
// gauge of every type that did not fire.
func (m *Metrics) ObserveAlerts(alerts []Alert) {
	active := make(map[AlertType]int, len(alertTypes))
	for _, a := range alerts {
		m.AlertsFired.WithLabelValues(string(a.Type)).Inc()
		active[a.Type]++
	}
	for _, t := range alertTypes {
		m.AlertsActive.WithLabelValues(string(t)).Set(float64(active[t]))
	}
}

// ObserveDeliveries counts webhook deliveries.
func (m *Metrics) ObserveDeliveries(sent, failed int) {
	m.AlertDeliveries.WithLabelValues("sent").Add(float64(sent))
	m.AlertDeliveries.WithLabelValues("failed").Add(float64(failed))
}

// InstrumentQueue wraps q so every accepted Enqueue is counted by topic.
func (m *Metrics) InstrumentQueue(q queue.Queue) queue.Queue {
	return &instrumentedQueue{next: q, metrics: m}
}

type instrumentedQueue struct {
	next    queue.Queue
	metrics *Metrics
}

func (q *instrumentedQueue) Enqueue(ctx context.Context, topic string, payload any, opts queue.Options) error {
	if err := q.next.Enqueue(ctx, topic, payload, opts); err != nil {
		return err
	}
	q.metrics.QueueEnqueued.WithLabelValues(topic).Inc()
	return nil
}
