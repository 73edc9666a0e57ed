package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	PendingCheckins  prometheus.Gauge
	ActiveIncidents  prometheus.Gauge
	CheckinsStarted  prometheus.Counter
	CheckinsMissed   prometheus.Counter
	CallsMissed      prometheus.Counter
	RescueDispatches prometheus.Counter
	BroadcastsSent   prometheus.Counter
	EventsEmitted    *prometheus.CounterVec
	CycleDuration    prometheus.Histogram
}

// NewMetrics registers the escalation pipeline metrics with reg. Production
// passes prometheus.DefaultRegisterer; tests pass a private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PendingCheckins: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pending_checkins",
			Help: "Current number of check-ins awaiting a user response",
		}),
		ActiveIncidents: factory.NewGauge(prometheus.GaugeOpts{
			Name: "active_incidents",
			Help: "Current number of dispatched, unresolved rescue incidents",
		}),
		CheckinsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "checkins_started_total",
			Help: "Total number of check-in cycles started",
		}),
		CheckinsMissed: factory.NewCounter(prometheus.CounterOpts{
			Name: "checkins_missed_total",
			Help: "Total number of check-ins whose grace period expired",
		}),
		CallsMissed: factory.NewCounter(prometheus.CounterOpts{
			Name: "ivr_calls_missed_total",
			Help: "Total number of escalation calls that rang out",
		}),
		RescueDispatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "rescue_dispatches_total",
			Help: "Total number of rescue dispatches",
		}),
		BroadcastsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "location_broadcasts_total",
			Help: "Total number of incident location broadcasts",
		}),
		EventsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "events_emitted_total",
			Help: "Total number of engine events emitted",
		}, []string{"event"}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "checkin_cycle_duration_seconds",
			Help:    "Time from check-in ping to cycle resolution",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
