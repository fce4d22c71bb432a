package flow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for channel execution, namespaced
// "millrace":
//
//   - messages_handled_total (counter): admitted messages by channel and
//     outcome (processed, dropped, rejected, paused, error, stopped).
//   - handle_latency_ms (histogram): Handle duration per channel, parked and
//     refused admissions included.
//   - inflight_messages (gauge): messages currently processing per channel.
//   - retry_backlog (gauge): records parked for retry per channel.
//   - retries_total (counter): replay attempts per channel.
//
// All methods are safe on a nil *Metrics, which records nothing; channels
// without WithMetrics run that way.
type Metrics struct {
	handled  *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	inflight *prometheus.GaugeVec
	backlog  *prometheus.GaugeVec
	retries  *prometheus.CounterVec
}

// NewMetrics creates and registers the engine metrics. A nil registry means
// prometheus.DefaultRegisterer; pass a private prometheus.NewRegistry for
// isolation.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		handled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "millrace",
			Name:      "messages_handled_total",
			Help:      "Messages admitted by Handle, by channel and outcome",
		}, []string{"channel", "outcome"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "millrace",
			Name:      "handle_latency_ms",
			Help:      "Duration of Handle in milliseconds, from admission to outcome",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"channel"}),
		inflight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "millrace",
			Name:      "inflight_messages",
			Help:      "Messages currently being processed",
		}, []string{"channel"}),
		backlog: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "millrace",
			Name:      "retry_backlog",
			Help:      "Messages parked for retry",
		}, []string{"channel"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "millrace",
			Name:      "retries_total",
			Help:      "Replay attempts of parked messages",
		}, []string{"channel"}),
	}
}

func (m *Metrics) observeHandled(channel, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.handled.WithLabelValues(channel, outcome).Inc()
	m.latency.WithLabelValues(channel).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) adjustInFlight(channel string, delta float64) {
	if m == nil {
		return
	}
	m.inflight.WithLabelValues(channel).Add(delta)
}

func (m *Metrics) setRetryBacklog(channel string, n int) {
	if m == nil {
		return
	}
	m.backlog.WithLabelValues(channel).Set(float64(n))
}

func (m *Metrics) countRetry(channel string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(channel).Inc()
}
