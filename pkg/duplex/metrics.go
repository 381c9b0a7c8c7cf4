package duplex

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeResolved       = "resolved"
	outcomeTimeout        = "timeout"
	outcomeConnectionLost = "connection_lost"
	outcomeNotConnected   = "not_connected"
	outcomeOverloaded     = "overloaded"

	frameResponse  = "response"
	frameEvent     = "event"
	frameUnmatched = "unmatched"
	frameMalformed = "malformed"
)

// Metrics records client activity. A nil *Metrics is valid and records nothing.
type Metrics struct {
	outstanding prometheus.Gauge
	state       prometheus.Gauge
	requests    *prometheus.CounterVec
	frames      *prometheus.CounterVec
	roundTrip   prometheus.Histogram
}

// NewMetrics creates the client collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		outstanding: factory.NewGauge(prometheus.GaugeOpts{
			Name: "evolink_outstanding_requests",
			Help: "Correlated requests awaiting a response.",
		}),
		state: factory.NewGauge(prometheus.GaugeOpts{
			Name: "evolink_connection_state",
			Help: "Connection state: 0 disconnected, 1 connecting, 2 open, 3 closed.",
		}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "evolink_requests_total",
			Help: "Correlated requests by outcome.",
		}, []string{"outcome"}),
		frames: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "evolink_frames_total",
			Help: "Inbound frames by classification.",
		}, []string{"kind"}),
		roundTrip: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "evolink_request_duration_seconds",
			Help:    "Round-trip time of resolved requests.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
	}
}

func (m *Metrics) setOutstanding(n int) {
	if m == nil {
		return
	}
	m.outstanding.Set(float64(n))
}

func (m *Metrics) setState(s State) {
	if m == nil {
		return
	}
	m.state.Set(float64(s))
}

func (m *Metrics) request(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) addRequests(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.requests.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) frame(kind string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(kind).Inc()
}

func (m *Metrics) observeRoundTrip(d time.Duration) {
	if m == nil {
		return
	}
	m.roundTrip.Observe(d.Seconds())
}
