package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains the orchestration collectors
type Metrics struct {
	IncidentsCreated   *prometheus.CounterVec
	StateTransitions   *prometheus.CounterVec
	PlaybookExecutions *prometheus.CounterVec
	ActionResults      *prometheus.CounterVec
	ExecutionDuration  *prometheus.HistogramVec
	RunningExecutions  prometheus.Gauge
	CapacityRejections prometheus.Counter
	ContainmentActions *prometheus.CounterVec
	RemediationActions *prometheus.CounterVec
	Rollbacks          *prometheus.CounterVec
	IntegrationHealth  *prometheus.GaugeVec
	AuditEntriesPurged prometheus.Counter
	SubscriberPanics   prometheus.Counter
}

// New registers the collectors with reg. A nil registerer yields working but unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		IncidentsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "soar_incidents_created_total",
				Help: "Total number of incidents created",
			},
			[]string{"threat_type", "severity"},
		),

		StateTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "soar_incident_state_transitions_total",
				Help: "Total number of incident lifecycle transitions",
			},
			[]string{"from", "to"},
		),

		PlaybookExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "soar_playbook_executions_total",
				Help: "Total number of playbook executions by result",
			},
			[]string{"playbook", "result"},
		),

		ActionResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "soar_action_results_total",
				Help: "Total number of playbook action outcomes",
			},
			[]string{"category", "status"},
		),

		ExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "soar_execution_duration_seconds",
				Help:    "Duration of playbook executions",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
			},
			[]string{"playbook"},
		),

		RunningExecutions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "soar_running_executions",
				Help: "Number of playbook executions currently running",
			},
		),

		CapacityRejections: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "soar_capacity_rejections_total",
				Help: "Total number of playbook executions rejected at capacity",
			},
		),

		ContainmentActions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "soar_containment_actions_total",
				Help: "Total number of containment actions by type and status",
			},
			[]string{"type", "status"},
		),

		RemediationActions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "soar_remediation_actions_total",
				Help: "Total number of remediation actions by type and status",
			},
			[]string{"type", "status"},
		),

		Rollbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "soar_rollbacks_total",
				Help: "Total number of rollback attempts by scope and result",
			},
			[]string{"scope", "result"},
		),

		IntegrationHealth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "soar_integration_healthy",
				Help: "1 when the integration is healthy, 0.5 when degraded, 0 otherwise",
			},
			[]string{"integration"},
		),

		AuditEntriesPurged: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "soar_audit_entries_purged_total",
				Help: "Total number of audit entries dropped by the retention sweep",
			},
		),

		SubscriberPanics: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "soar_event_subscriber_panics_total",
				Help: "Total number of recovered panics in event subscribers",
			},
		),
	}
}

// NewUnregistered returns collectors that are not attached to any registry.
func NewUnregistered() *Metrics {
	return New(nil)
}
