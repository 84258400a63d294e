// Package metrics wraps the Prometheus collectors exposed by the Concierge,
// built the way go-server-3/internal/metrics and go-server/internal/metrics
// build theirs: a plain struct of promauto-registered collectors, handed out
// to every component that needs to record something.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the Prometheus collectors used across the Concierge.
type Registry struct {
	ActiveClients prometheus.Gauge
	ActiveGroups  prometheus.Gauge

	MessagesRouted  prometheus.Counter
	MessagesDropped prometheus.Counter

	IdentifyFailures *prometheus.CounterVec
	FsRequests       *prometheus.CounterVec
}

// New creates and registers every Concierge collector.
func New() *Registry {
	return &Registry{
		ActiveClients: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "concierge_clients_active",
			Help: "Number of currently registered WebSocket clients.",
		}),
		ActiveGroups: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "concierge_groups_active",
			Help: "Number of currently registered groups.",
		}),
		MessagesRouted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "concierge_messages_routed_total",
			Help: "Total number of frames successfully enqueued to a client mailbox.",
		}),
		MessagesDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "concierge_messages_dropped_total",
			Help: "Total number of frames dropped because a client mailbox was full.",
		}),
		IdentifyFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "concierge_identify_failures_total",
			Help: "Total number of failed identification handshakes, by close code.",
		}, []string{"close_code"}),
		FsRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "concierge_fs_requests_total",
			Help: "Total number of file endpoint requests, by method and outcome.",
		}, []string{"method", "outcome"}),
	}
}

// Handler returns an HTTP handler exposing the collectors above.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
