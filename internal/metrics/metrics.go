// Package metrics exposes Prometheus collectors for the relay service.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/research-status-relay/internal/relay"
)

// Relay records session lifecycle metrics. It implements relay.Recorder.
type Relay struct {
	active            prometheus.Gauge
	sessions          *prometheus.CounterVec
	subscribeFailures prometheus.Counter
	delivered         prometheus.Counter
	duration          prometheus.Histogram
	releaseFailures   *prometheus.CounterVec
	rejected          prometheus.Counter
}

// NewRelay registers the relay collectors against reg.
func NewRelay(reg prometheus.Registerer) (*Relay, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Relay{
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_sessions_active",
			Help: "Client sessions currently admitted.",
		}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_sessions_total",
			Help: "Finished client sessions partitioned by termination reason.",
		}, []string{"reason"}),
		subscribeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_subscribe_failures_total",
			Help: "Channel subscriptions that could not be opened.",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_messages_delivered_total",
			Help: "Messages written to client streams.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_session_duration_seconds",
			Help:    "Wall time per client session.",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		}),
		releaseFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_release_failures_total",
			Help: "Errors or panics while releasing session resources.",
		}, []string{"resource"}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_rejected_total",
			Help: "Sessions refused by admission control or shutdown.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		m.active,
		m.sessions,
		m.subscribeFailures,
		m.delivered,
		m.duration,
		m.releaseFailures,
		m.rejected,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register relay collector: %w", err)
		}
	}
	return m, nil
}

// SessionStarted implements relay.Recorder.
func (m *Relay) SessionStarted() { m.active.Inc() }

// SessionEnded implements relay.Recorder.
func (m *Relay) SessionEnded(reason relay.Reason, d time.Duration) {
	m.active.Dec()
	m.sessions.WithLabelValues(string(reason)).Inc()
	m.duration.Observe(d.Seconds())
}

// SessionRejected implements relay.Recorder.
func (m *Relay) SessionRejected() { m.rejected.Inc() }

// SubscribeFailed implements relay.Recorder.
func (m *Relay) SubscribeFailed() { m.subscribeFailures.Inc() }

// MessageDelivered implements relay.Recorder.
func (m *Relay) MessageDelivered() { m.delivered.Inc() }

// ReleaseFailed implements relay.Recorder.
func (m *Relay) ReleaseFailed(resource string) {
	m.releaseFailures.WithLabelValues(resource).Inc()
}

// Handler exposes the collectors gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
