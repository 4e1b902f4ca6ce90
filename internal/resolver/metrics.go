package resolver

import (
	"github.com/prometheus/client_golang/prometheus"
)

type prometheusRegisterer = prometheus.Registerer

// metrics counts operation outcomes by status. Nil metrics (the
// default) disables collection entirely.
type metrics struct {
	sourcesStored        *prometheus.CounterVec
	eventLevelOutcomes   *prometheus.CounterVec
	aggregatableOutcomes *prometheus.CounterVec
	reportsDelivered     prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		sourcesStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attrib",
			Name:      "sources_stored_total",
			Help:      "Source registrations by outcome.",
		}, []string{"status"}),
		eventLevelOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attrib",
			Name:      "event_level_outcomes_total",
			Help:      "Event-level trigger resolutions by outcome.",
		}, []string{"status"}),
		aggregatableOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attrib",
			Name:      "aggregatable_outcomes_total",
			Help:      "Aggregatable trigger resolutions by outcome.",
		}, []string{"status"}),
		reportsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "attrib",
			Name:      "reports_deleted_total",
			Help:      "Reports removed after delivery or permanent failure.",
		}),
	}
	reg.MustRegister(m.sourcesStored, m.eventLevelOutcomes, m.aggregatableOutcomes, m.reportsDelivered)
	return m
}

func (m *metrics) recordSource(s StoreSourceStatus) {
	if m == nil {
		return
	}
	m.sourcesStored.WithLabelValues(string(s)).Inc()
}

func (m *metrics) recordTrigger(res CreateReportResult) {
	if m == nil {
		return
	}
	m.eventLevelOutcomes.WithLabelValues(string(res.EventLevel)).Inc()
	m.aggregatableOutcomes.WithLabelValues(string(res.Aggregatable)).Inc()
}

func (m *metrics) recordReportDeleted() {
	if m == nil {
		return
	}
	m.reportsDelivered.Inc()
}
