package hub

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/yazhsab/qbitel-bridge/go/soar/internal/engine"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/incident"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/model"
)

// CreateIncident stores a new incident, then applies auto-containment and
// runs every matching auto-execute playbook.
func (h *Hub) CreateIncident(ctx context.Context, req model.NewIncident, actor string) (*model.Incident, error) {
	req.CreatedBy = actor
	inc, err := h.incidents.Create(ctx, req)

	entry := model.AuditLogEntry{
		Actor:      actor,
		Action:     AuditIncidentCreate,
		TargetType: "incident",
		Details: map[string]any{
			"threat_type": req.ThreatType,
			"severity":    string(req.Severity),
		},
	}
	if inc != nil {
		entry.Target = inc.ID
		entry.IncidentID = inc.ID
	}
	h.record(ctx, entry, err)
	if err != nil {
		return nil, err
	}

	h.autoContain(ctx, inc)
	h.autoExecute(ctx, inc)

	return h.incidents.Get(inc.ID)
}

func (h *Hub) autoContain(ctx context.Context, inc *model.Incident) {
	eligible := (inc.Severity == model.SeverityCritical && h.config.AutoContainCritical) ||
		(inc.Severity == model.SeverityHigh && h.config.AutoContainHigh)
	if !eligible {
		return
	}

	types := h.config.AutoContainmentActions[inc.ThreatType]
	if len(types) == 0 || len(inc.AffectedAssets) == 0 {
		h.logger.Debug("No automatic containment configured",
			zap.String("incident_id", inc.ID),
			zap.String("threat_type", inc.ThreatType),
			zap.Int("affected_assets", len(inc.AffectedAssets)))
		return
	}

	requests := make([]model.ContainmentRequest, 0, len(types)*len(inc.AffectedAssets))
	for _, t := range types {
		for _, asset := range inc.AffectedAssets {
			requests = append(requests, model.ContainmentRequest{
				Type:   t,
				Target: asset,
				Reason: fmt.Sprintf("automatic containment for %s %s incident", inc.Severity, inc.ThreatType),
			})
		}
	}

	actions, err := h.contain(ctx, inc, requests, SystemActor)
	h.record(ctx, model.AuditLogEntry{
		Actor:      SystemActor,
		Action:     AuditAutoContain,
		Target:     inc.ID,
		TargetType: "incident",
		IncidentID: inc.ID,
		Details:    map[string]any{"actions": actionIDs(actions), "requested": len(requests)},
	}, err)
	if err != nil {
		h.logger.Error("Automatic containment failed",
			zap.String("incident_id", inc.ID),
			zap.Error(err))
		return
	}

	h.bus.Publish(model.EventAutoContainmentTriggered, map[string]any{
		"incident_id": inc.ID,
		"severity":    string(inc.Severity),
		"threat_type": inc.ThreatType,
		"actions":     actionIDs(actions),
	})
}

func (h *Hub) autoExecute(ctx context.Context, inc *model.Incident) {
	for _, pb := range h.playbooks.Match(inc.ThreatType, inc.Severity) {
		if !pb.AutoExecute {
			continue
		}
		if _, err := h.ExecutePlaybook(ctx, pb.ID, inc.ID, SystemActor, nil); err != nil {
			h.logger.Warn("Automatic playbook execution not started",
				zap.String("incident_id", inc.ID),
				zap.String("playbook_id", pb.ID),
				zap.Error(err))
		}
	}
}

// UpdateIncidentState moves an incident forward. Closing an incident
// cancels its containment and remediation actions still awaiting approval.
func (h *Hub) UpdateIncidentState(ctx context.Context, id string, to model.IncidentState, actor, reason string) (*model.Incident, error) {
	inc, err := h.incidents.Transition(ctx, id, to, actor, reason)

	details := map[string]any{"to": string(to), "reason": reason}
	if err == nil && to == model.StateClosed {
		contained := h.containment.CancelForIncident(id, actor)
		remediated := h.remediation.CancelForIncident(id, actor)
		details["cancelled_containment"] = contained
		details["cancelled_remediation"] = remediated
		inc, err = h.incidents.Get(id)
	}

	h.record(ctx, model.AuditLogEntry{
		Actor:      actor,
		Action:     AuditIncidentState,
		Target:     id,
		TargetType: "incident",
		IncidentID: id,
		Details:    details,
	}, err)
	if err != nil {
		return nil, err
	}
	return inc, nil
}

// GetIncident returns a copy of the incident.
func (h *Hub) GetIncident(id string) (*model.Incident, error) {
	return h.incidents.Get(id)
}

// ListIncidents returns matching incidents, oldest first.
func (h *Hub) ListIncidents(filter incident.Filter) []*model.Incident {
	return h.incidents.List(filter)
}

// RegisterPlaybook validates and stores a playbook version.
func (h *Hub) RegisterPlaybook(ctx context.Context, pb *model.Playbook, actor string) (*model.Playbook, error) {
	stored, err := h.playbooks.Register(pb)

	entry := model.AuditLogEntry{
		Actor:      actor,
		Action:     AuditPlaybookRegister,
		TargetType: "playbook",
	}
	if pb != nil {
		entry.Target = pb.ID
		entry.Details = map[string]any{"version": pb.Version, "actions": len(pb.Actions)}
	}
	h.record(ctx, entry, err)
	return stored, err
}

// GetPlaybook returns a registered playbook.
func (h *Hub) GetPlaybook(id string) (*model.Playbook, error) {
	return h.playbooks.Get(id)
}

// ListPlaybooks returns all registered playbooks.
func (h *Hub) ListPlaybooks() []*model.Playbook {
	return h.playbooks.List()
}

// ExecutePlaybook runs a playbook against an incident.
func (h *Hub) ExecutePlaybook(ctx context.Context, playbookID, incidentID, actor string, variables map[string]string) (*model.PlaybookExecution, error) {
	entry := model.AuditLogEntry{
		Actor:      actor,
		Action:     AuditPlaybookExecute,
		Target:     playbookID,
		TargetType: "playbook",
		IncidentID: incidentID,
	}

	inc, err := h.incidents.Get(incidentID)
	if err != nil {
		h.record(ctx, entry, err)
		return nil, err
	}

	exec, err := h.engine.Execute(ctx, playbookID, inc, actor, variables)
	if err != nil {
		h.record(ctx, entry, err)
		return nil, err
	}

	if linkErr := h.incidents.LinkExecution(incidentID, exec.ID); linkErr != nil {
		h.logger.Warn("Failed to link execution to incident",
			zap.String("incident_id", incidentID),
			zap.String("execution_id", exec.ID),
			zap.Error(linkErr))
	}

	entry.ExecutionID = exec.ID
	entry.Status = executionOutcome(exec)
	entry.Details = map[string]any{"status": string(exec.Status), "partial_success": exec.PartialSuccess}
	h.record(ctx, entry, nil)
	return exec, nil
}

// ApproveExecution resumes a playbook run parked for approval.
func (h *Hub) ApproveExecution(ctx context.Context, executionID, approver string) (*model.PlaybookExecution, error) {
	entry := model.AuditLogEntry{
		Actor:       approver,
		Action:      AuditExecutionApprove,
		Target:      executionID,
		TargetType:  "execution",
		ExecutionID: executionID,
	}

	exec, err := h.approveExecution(ctx, executionID, approver)
	entry.IncidentID = h.executionIncident(executionID)
	if exec != nil {
		entry.Status = executionOutcome(exec)
		entry.Details = map[string]any{"status": string(exec.Status)}
	}
	h.record(ctx, entry, err)
	return exec, err
}

func (h *Hub) approveExecution(ctx context.Context, executionID, approver string) (*model.PlaybookExecution, error) {
	current, err := h.engine.Get(executionID)
	if err != nil {
		return nil, err
	}
	inc, err := h.incidents.Get(current.IncidentID)
	if err != nil {
		return nil, err
	}
	return h.engine.Approve(ctx, executionID, approver, inc)
}

// RejectExecution closes a parked playbook run without running it.
func (h *Hub) RejectExecution(ctx context.Context, executionID, approver, reason string) (*model.PlaybookExecution, error) {
	exec, err := h.engine.Reject(executionID, approver, reason)

	entry := model.AuditLogEntry{
		Actor:       approver,
		Action:      AuditExecutionReject,
		Target:      executionID,
		TargetType:  "execution",
		ExecutionID: executionID,
		Details:     map[string]any{"reason": reason},
		IncidentID:  h.executionIncident(executionID),
	}
	h.record(ctx, entry, err)
	return exec, err
}

// RollbackExecution reverses the rollbackable actions of a finished run.
func (h *Hub) RollbackExecution(ctx context.Context, executionID string, actionIDs []string, reason, actor string) (*model.RollbackResult, error) {
	result, err := h.engine.Rollback(ctx, executionID, actionIDs, reason, actor)

	entry := model.AuditLogEntry{
		Actor:       actor,
		Action:      AuditExecutionRollback,
		Target:      executionID,
		TargetType:  "execution",
		ExecutionID: executionID,
		Details:     map[string]any{"reason": reason, "requested_actions": actionIDs},
		IncidentID:  h.executionIncident(executionID),
	}
	if result != nil {
		entry.Details["rolled_back"] = result.RolledBack
		entry.Details["failures"] = len(result.Failures)
		if !result.Success() {
			entry.Status = model.AuditFailure
		}
	}
	h.record(ctx, entry, err)
	return result, err
}

// GetExecution returns a copy of a playbook run.
func (h *Hub) GetExecution(id string) (*model.PlaybookExecution, error) {
	return h.engine.Get(id)
}

// ListExecutions returns matching runs, oldest first.
func (h *Hub) ListExecutions(filter engine.ListFilter) []*model.PlaybookExecution {
	return h.engine.List(filter)
}

// GetRollbackResult returns the stored rollback result of a run.
func (h *Hub) GetRollbackResult(executionID string) (*model.RollbackResult, error) {
	return h.engine.RollbackResult(executionID)
}

func (h *Hub) executionIncident(executionID string) string {
	if exec, err := h.engine.Get(executionID); err == nil {
		return exec.IncidentID
	}
	return ""
}

func executionOutcome(exec *model.PlaybookExecution) string {
	switch exec.Status {
	case model.ExecutionCompleted:
		return model.AuditSuccess
	case model.ExecutionAwaitingApproval:
		return model.AuditPending
	}
	return model.AuditFailure
}
