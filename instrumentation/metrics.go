package instrumentation

import (
	"github.com/prometheus/client_golang/prometheus"
)

var _ Listener = (*Metrics)(nil)

// Metrics records request events as prometheus collectors.
type Metrics struct {
	requests     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	pending      *prometheus.HistogramVec
	responseSize *prometheus.HistogramVec
	timeouts     *prometheus.CounterVec
	queueSize    *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "inflight",
				Name:      "requests_total",
				Help:      "Requests completed with a response.",
			},
			[]string{"broker", "api"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "inflight",
				Name:      "request_duration_seconds",
				Help:      "Time from send to response.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"broker", "api"},
		),
		pending: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "inflight",
				Name:      "request_pending_seconds",
				Help:      "Time from request creation to send.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"broker", "api"},
		),
		responseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "inflight",
				Name:      "response_size_bytes",
				Help:      "Response size reported by the connection.",
				Buckets:   prometheus.ExponentialBuckets(64, 4, 10),
			},
			[]string{"broker", "api"},
		),
		timeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "inflight",
				Name:      "request_timeouts_total",
				Help:      "Requests rejected by their request timeout.",
			},
			[]string{"broker", "api"},
		),
		queueSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "inflight",
				Name:      "request_queue_size",
				Help:      "Requests waiting for an in-flight slot.",
			},
			[]string{"broker"},
		),
	}

	for _, c := range []prometheus.Collector{m.requests, m.duration, m.pending, m.responseSize, m.timeouts, m.queueSize} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Attach subscribes m to every request event on b.
func (m *Metrics) Attach(b *Bus) (detach func()) {
	removers := []func(){
		b.On(EventRequest, m),
		b.On(EventRequestTimeout, m),
		b.On(EventRequestQueueSize, m),
	}
	return func() {
		for _, remove := range removers {
			remove()
		}
	}
}

func (m *Metrics) HandleEvent(e Event) {
	switch p := e.Payload.(type) {
	case RequestPayload:
		m.requests.WithLabelValues(p.Broker, p.APIName).Inc()
		m.duration.WithLabelValues(p.Broker, p.APIName).Observe(msToSeconds(p.Duration))
		m.pending.WithLabelValues(p.Broker, p.APIName).Observe(msToSeconds(p.PendingDuration))
		m.responseSize.WithLabelValues(p.Broker, p.APIName).Observe(float64(p.Size))
	case RequestTimeoutPayload:
		m.timeouts.WithLabelValues(p.Broker, p.APIName).Inc()
		m.pending.WithLabelValues(p.Broker, p.APIName).Observe(msToSeconds(p.PendingDuration))
	case RequestQueueSizePayload:
		m.queueSize.WithLabelValues(p.Broker).Set(float64(p.QueueSize))
	}
}

func msToSeconds(ms int64) float64 { return float64(ms) / 1000 }
