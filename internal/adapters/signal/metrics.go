package signal

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	outcomeRelayed  = "relayed"
	outcomeExpired  = "expired"
	outcomeDropped  = "dropped"
	outcomeRejected = "rejected"
	outcomeLimited  = "limited"
)

// Metrics are the rendezvous server's prometheus collectors, kept on their
// own registry.
type Metrics struct {
	Registry    *prometheus.Registry
	Connections prometheus.Gauge
	Conflicts   prometheus.Counter
	Messages    *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voicemesh",
			Subsystem: "signal",
			Name:      "connections",
			Help:      "Open signaling connections holding a rendezvous id.",
		}),
		Conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voicemesh",
			Subsystem: "signal",
			Name:      "id_conflicts_total",
			Help:      "Connections refused because their rendezvous id was taken.",
		}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicemesh",
			Subsystem: "signal",
			Name:      "messages_total",
			Help:      "Signaling messages by type and outcome.",
		}, []string{"type", "outcome"}),
	}
	m.Registry.MustRegister(m.Connections, m.Conflicts, m.Messages)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
