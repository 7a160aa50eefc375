package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors.
type Metrics struct {
	logsProcessed   *prometheus.CounterVec
	chunksFetched   *prometheus.CounterVec
	cursorBlock     *prometheus.GaugeVec
	chainCalls      *prometheus.CounterVec
	alertsSent      *prometheus.CounterVec
	alertsDropped   prometheus.Counter
	failedAttempts  *prometheus.CounterVec
	demotions       *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	activeListeners prometheus.Gauge
	errors          *prometheus.CounterVec
}

var (
	once    sync.Once
	metrics *Metrics
)

// Init initializes global metrics (idempotent).
func Init() *Metrics {
	once.Do(func() {
		metrics = &Metrics{
			logsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "season_keeper_logs_processed_total",
				Help: "Decoded logs handed to pipelines",
			}, []string{"stream"}),
			chunksFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "season_keeper_chunks_fetched_total",
				Help: "Block range chunks fetched via eth_getLogs",
			}, []string{"stream"}),
			cursorBlock: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "season_keeper_cursor_block",
				Help: "Last fully processed block per stream",
			}, []string{"stream"}),
			chainCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "season_keeper_chain_calls_total",
				Help: "On-chain write attempts by function and outcome",
			}, []string{"function", "outcome"}),
			alertsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "season_keeper_alerts_sent_total",
				Help: "Admin alerts emitted by severity",
			}, []string{"severity"}),
			alertsDropped: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "season_keeper_alerts_dropped_total",
				Help: "Alerts suppressed by cooldown",
			}),
			failedAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "season_keeper_gasless_failed_attempts_total",
				Help: "Sponsored transaction attempts that failed",
			}, []string{"source"}),
			demotions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "season_keeper_endpoint_demotions_total",
				Help: "RPC endpoint demotions",
			}, []string{"endpoint"}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "season_keeper_lifecycle_transitions_total",
				Help: "Season transitions issued by the lifecycle sweep",
			}, []string{"action", "outcome"}),
			activeListeners: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "season_keeper_active_listeners",
				Help: "Dynamically spawned per-season and per-market streams",
			}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "season_keeper_errors_total",
				Help: "Errors by component",
			}, []string{"component"}),
		}
		prometheus.MustRegister(
			metrics.logsProcessed,
			metrics.chunksFetched,
			metrics.cursorBlock,
			metrics.chainCalls,
			metrics.alertsSent,
			metrics.alertsDropped,
			metrics.failedAttempts,
			metrics.demotions,
			metrics.transitions,
			metrics.activeListeners,
			metrics.errors,
		)
	})
	return metrics
}

// LogsProcessed adds n decoded logs for a stream.
func (m *Metrics) LogsProcessed(stream string, n int) {
	if m != nil {
		m.logsProcessed.WithLabelValues(stream).Add(float64(n))
	}
}

func (m *Metrics) ChunkFetched(stream string) {
	if m != nil {
		m.chunksFetched.WithLabelValues(stream).Inc()
	}
}

// CursorAdvanced records the persisted cursor for a stream.
func (m *Metrics) CursorAdvanced(stream string, block uint64) {
	if m != nil {
		m.cursorBlock.WithLabelValues(stream).Set(float64(block))
	}
}

// ChainCall counts a write attempt; outcome is "ok" or "error".
func (m *Metrics) ChainCall(function, outcome string) {
	if m != nil {
		m.chainCalls.WithLabelValues(function, outcome).Inc()
	}
}

func (m *Metrics) AlertSent(severity string) {
	if m != nil {
		m.alertsSent.WithLabelValues(severity).Inc()
	}
}

func (m *Metrics) AlertDropped() {
	if m != nil {
		m.alertsDropped.Inc()
	}
}

func (m *Metrics) FailedAttempt(source string) {
	if m != nil {
		m.failedAttempts.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) EndpointDemoted(endpoint string) {
	if m != nil {
		m.demotions.WithLabelValues(endpoint).Inc()
	}
}

func (m *Metrics) Transition(action, outcome string) {
	if m != nil {
		m.transitions.WithLabelValues(action, outcome).Inc()
	}
}

// ListenersChanged adjusts the active listener gauge by delta.
func (m *Metrics) ListenersChanged(delta int) {
	if m != nil {
		m.activeListeners.Add(float64(delta))
	}
}

// Errors increments the errors counter for a component.
func (m *Metrics) Errors(component string) {
	if m != nil {
		m.errors.WithLabelValues(component).Inc()
	}
}

// Handler returns an HTTP handler for /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
