package hub

import (
	"context"
	"time"

	"github.com/yazhsab/qbitel-bridge/go/soar/internal/engine"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/incident"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/model"
)

// IncidentReport is a point-in-time account of an incident and every
// response taken for it.
type IncidentReport struct {
	Incident           *model.Incident            `json:"incident"`
	Summary            ReportSummary              `json:"summary"`
	Executions         []*model.PlaybookExecution `json:"executions"`
	ContainmentActions []*model.ContainmentAction `json:"containment_actions"`
	RemediationActions []*model.RemediationAction `json:"remediation_actions"`
	AuditTrail         []model.AuditLogEntry      `json:"audit_trail"`
	GeneratedBy        string                     `json:"generated_by"`
	GeneratedAt        time.Time                  `json:"generated_at"`
}

// ReportSummary holds the headline numbers of a report.
type ReportSummary struct {
	State              model.IncidentState `json:"state"`
	Contained          bool                `json:"contained"`
	TimeToContain      time.Duration       `json:"time_to_contain,omitempty"`
	Executions         map[string]int      `json:"executions"`
	ContainmentActions map[string]int      `json:"containment_actions"`
	RemediationActions map[string]int      `json:"remediation_actions"`
	ActionsRun         int                 `json:"actions_run"`
	ActionsFailed      int                 `json:"actions_failed"`
}

// GenerateIncidentReport assembles the report for an incident.
func (h *Hub) GenerateIncidentReport(ctx context.Context, incidentID, generatedBy string) (*IncidentReport, error) {
	inc, err := h.incidents.Get(incidentID)
	if err != nil {
		return nil, err
	}
	trail, err := h.audit.Query(ctx, model.AuditFilter{IncidentID: incidentID})
	if err != nil {
		return nil, err
	}

	report := &IncidentReport{
		Incident:           inc,
		Executions:         h.engine.List(engine.ListFilter{IncidentID: incidentID}),
		ContainmentActions: h.containment.ListByIncident(incidentID),
		RemediationActions: h.remediation.ListByIncident(incidentID),
		AuditTrail:         trail,
		GeneratedBy:        generatedBy,
		GeneratedAt:        h.now(),
	}

	s := ReportSummary{
		State:              inc.State,
		Executions:         map[string]int{},
		ContainmentActions: map[string]int{},
		RemediationActions: map[string]int{},
	}
	s.TimeToContain, s.Contained = incident.MTTC(inc)
	for _, exec := range report.Executions {
		s.Executions[string(exec.Status)]++
		s.ActionsRun += exec.Metrics.CompletedActions + exec.Metrics.FailedActions
		s.ActionsFailed += exec.Metrics.FailedActions
	}
	for _, a := range report.ContainmentActions {
		s.ContainmentActions[string(a.Status)]++
	}
	for _, a := range report.RemediationActions {
		s.RemediationActions[string(a.Status)]++
	}
	report.Summary = s
	return report, nil
}
