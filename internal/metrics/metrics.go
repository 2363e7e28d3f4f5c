// Package metrics exposes the server's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector so the server constructs and owns them
// explicitly instead of scattering package globals.
type Metrics struct {
	RefreshOutcomes     *prometheus.CounterVec
	RefreshCycles       prometheus.Counter
	Notifications       *prometheus.CounterVec
	Subscribers         prometheus.Gauge
	ActiveSessions      prometheus.Gauge
	SessionsResurrected prometheus.Counter
	SessionsClosedDead  prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RefreshOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "acctkeeper_refresh_outcomes_total",
			Help: "Token refresh attempts by outcome (refreshed, skipped, failed).",
		}, []string{"outcome"}),
		RefreshCycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "acctkeeper_refresh_cycles_total",
			Help: "Background refresh cycles run.",
		}),
		Notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "acctkeeper_notifications_total",
			Help: "Change notifications published, by topic.",
		}, []string{"topic"}),
		Subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "acctkeeper_notification_subscribers",
			Help: "Currently connected notification subscribers.",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "acctkeeper_active_sessions",
			Help: "Open session spans inside the staleness window.",
		}),
		SessionsResurrected: factory.NewCounter(prometheus.CounterOpts{
			Name: "acctkeeper_sessions_resurrected_total",
			Help: "Stale sessions bumped back to active on liveness evidence.",
		}),
		SessionsClosedDead: factory.NewCounter(prometheus.CounterOpts{
			Name: "acctkeeper_sessions_closed_dead_total",
			Help: "Sessions force-closed after the long staleness bound.",
		}),
	}
}
