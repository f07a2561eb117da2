package metrics

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for a bridge process
type Metrics struct {
	SessionsActive      prometheus.Gauge
	SessionsTotal       prometheus.Counter
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	UpstreamPolls       *prometheus.CounterVec
	UpstreamPollLatency prometheus.Histogram
	Pings               *prometheus.CounterVec
	InvalidRequests     prometheus.Counter
	WebsocketMessages   *prometheus.CounterVec
}

// New creates the bridge metrics and registers them with reg
func New(reg prometheus.Registerer, serverID string) *Metrics {
	constLabels := prometheus.Labels{"server_id": serverID}

	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "pollbridge_sessions_active",
			Help:        "Number of open client sessions",
			ConstLabels: constLabels,
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "pollbridge_sessions_total",
			Help:        "Total client sessions accepted",
			ConstLabels: constLabels,
		}),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "pollbridge_requests_total",
				Help:        "Total client requests by polling outcome",
				ConstLabels: constLabels,
			},
			[]string{"outcome"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "pollbridge_request_duration_seconds",
				Help:        "Time from request receipt to polling outcome",
				ConstLabels: constLabels,
				Buckets:     []float64{1, 5, 10, 30, 60, 90, 120, 180, 240},
			},
			[]string{"outcome"},
		),
		UpstreamPolls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "pollbridge_upstream_polls_total",
				Help:        "Total upstream poll attempts by result",
				ConstLabels: constLabels,
			},
			[]string{"result"},
		),
		UpstreamPollLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "pollbridge_upstream_poll_duration_seconds",
			Help:        "Latency of individual upstream polls",
			ConstLabels: constLabels,
			Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		Pings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "pollbridge_pings_total",
				Help:        "Liveness pings sent to clients by status",
				ConstLabels: constLabels,
			},
			[]string{"status"},
		),
		InvalidRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "pollbridge_invalid_requests_total",
			Help:        "Inbound text messages that were not valid requests",
			ConstLabels: constLabels,
		}),
		WebsocketMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "pollbridge_websocket_messages_total",
				Help:        "Total WebSocket messages sent/received",
				ConstLabels: constLabels,
			},
			[]string{"direction", "type"},
		),
	}

	reg.MustRegister(
		m.SessionsActive,
		m.SessionsTotal,
		m.RequestsTotal,
		m.RequestDuration,
		m.UpstreamPolls,
		m.UpstreamPollLatency,
		m.Pings,
		m.InvalidRequests,
		m.WebsocketMessages,
	)

	return m
}

// ObservePoll implements poller.Recorder
func (m *Metrics) ObservePoll(result string, duration time.Duration) {
	m.UpstreamPolls.WithLabelValues(result).Inc()
	m.UpstreamPollLatency.Observe(duration.Seconds())
}

// IncrementPings implements poller.Recorder
func (m *Metrics) IncrementPings(status string) {
	m.Pings.WithLabelValues(status).Inc()
}

// SessionStarted implements session.Recorder
func (m *Metrics) SessionStarted() {
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

// SessionEnded implements session.Recorder
func (m *Metrics) SessionEnded() {
	m.SessionsActive.Dec()
}

// ObserveRequest implements session.Recorder
func (m *Metrics) ObserveRequest(outcome string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(outcome).Inc()
	m.RequestDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// IncrementInvalidRequests implements session.Recorder
func (m *Metrics) IncrementInvalidRequests() {
	m.InvalidRequests.Inc()
}

// IncrementWebsocketMessage implements session.Recorder
func (m *Metrics) IncrementWebsocketMessage(direction, messageType string) {
	m.WebsocketMessages.WithLabelValues(direction, messageType).Inc()
}

// MetricsHandler returns the Prometheus HTTP handler for gatherer
func MetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ServerInfo provides server state for health reporting
type ServerInfo interface {
	ServerID() string
	StartTime() time.Time
	ActiveSessions() int
	UpstreamURL() string
	Draining() bool
}

// HealthHandler returns a health check endpoint handler. A draining
// server answers 503 so load balancers stop routing new clients to it.
func HealthHandler(server ServerInfo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		code := http.StatusOK
		if server.Draining() {
			status = "draining"
			code = http.StatusServiceUnavailable
		}

		health := map[string]interface{}{
			"status":          status,
			"server_id":       server.ServerID(),
			"uptime":          time.Since(server.StartTime()).String(),
			"active_sessions": server.ActiveSessions(),
			"upstream":        server.UpstreamURL(),
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(health)
	}
}
