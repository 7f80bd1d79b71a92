package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the subsystem's prometheus instruments.
type Metrics struct {
	RenewalsTotal      *prometheus.CounterVec
	CsrfRotationsTotal prometheus.Counter
	ForcedLogoutsTotal prometheus.Counter
	BroadcastsTotal    *prometheus.CounterVec
	SessionExpirySecs  prometheus.Gauge
}

// NewMetrics registers the metric set on the default registerer.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "console"
	}

	return &Metrics{
		RenewalsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_renewals_total",
			Help:      "Session renewal attempts by outcome",
		}, []string{"outcome"}),
		CsrfRotationsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "csrf_rotations_total",
			Help:      "CSRF token rotations performed",
		}),
		ForcedLogoutsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forced_logouts_total",
			Help:      "Sessions terminated by expiry or fatal auth failure",
		}),
		BroadcastsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_broadcasts_total",
			Help:      "Cross-context state messages by direction",
		}, []string{"direction"}),
		SessionExpirySecs: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_expiry_seconds",
			Help:      "Unix timestamp of the current session expiry, 0 when anonymous",
		}),
	}
}

// NewTestMetrics registers the metric set on a private registry so tests can
// construct managers without colliding on the default registerer.
func NewTestMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		RenewalsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "session_renewals_total",
		}, []string{"outcome"}),
		CsrfRotationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "csrf_rotations_total",
		}),
		ForcedLogoutsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "forced_logouts_total",
		}),
		BroadcastsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "state_broadcasts_total",
		}, []string{"direction"}),
		SessionExpirySecs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "session_expiry_seconds",
		}),
	}
}
