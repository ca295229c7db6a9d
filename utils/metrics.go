package utils

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus counters of the messaging pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	MessagesDispatched *prometheus.CounterVec
	TrackingEvents     *prometheus.CounterVec
	SchedulerOutcomes  *prometheus.CounterVec
	IntakeResults      *prometheus.CounterVec
	CronRuns           *prometheus.CounterVec
	QueueDepth         *prometheus.GaugeVec
}

// NewMetrics registers all metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessagesDispatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadflow_messages_dispatched_total",
				Help: "Dispatch outcomes per channel and provider",
			},
			[]string{"channel", "outcome", "provider"},
		),
		TrackingEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadflow_tracking_events_total",
				Help: "Engagement events by type and result",
			},
			[]string{"type", "result"},
		),
		SchedulerOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadflow_scheduler_outcomes_total",
				Help: "Sequence step execution outcomes",
			},
			[]string{"outcome"},
		),
		IntakeResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadflow_intake_results_total",
				Help: "Lead intake results",
			},
			[]string{"result"},
		),
		CronRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadflow_cron_runs_total",
				Help: "Periodic job runs by job and result",
			},
			[]string{"job", "result"},
		),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "leadflow_queue_ready",
				Help: "Deliveries waiting in each dispatch queue",
			},
			[]string{"queue"},
		),
	}
}

func (m *Metrics) Dispatched(channel, outcome, provider string) {
	if m == nil {
		return
	}
	m.MessagesDispatched.WithLabelValues(channel, outcome, provider).Inc()
}

func (m *Metrics) Tracked(eventType, result string) {
	if m == nil {
		return
	}
	m.TrackingEvents.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) Scheduled(outcome string) {
	if m == nil {
		return
	}
	m.SchedulerOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Intake(result string) {
	if m == nil {
		return
	}
	m.IntakeResults.WithLabelValues(result).Inc()
}

func (m *Metrics) Cron(job, result string) {
	if m == nil {
		return
	}
	m.CronRuns.WithLabelValues(job, result).Inc()
}

func (m *Metrics) SetQueueDepth(queue string, n int64) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(queue).Set(float64(n))
}
