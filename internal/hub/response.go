package hub

import (
	"context"

	"go.uber.org/zap"

	"github.com/yazhsab/qbitel-bridge/go/soar/internal/model"
)

// ContainThreat requests containment actions for an incident.
func (h *Hub) ContainThreat(ctx context.Context, incidentID string, requests []model.ContainmentRequest, actor string) ([]*model.ContainmentAction, error) {
	entry := model.AuditLogEntry{
		Actor:      actor,
		Action:     AuditContain,
		Target:     incidentID,
		TargetType: "incident",
		IncidentID: incidentID,
		Details:    map[string]any{"requested": len(requests)},
	}

	inc, err := h.incidents.Get(incidentID)
	if err != nil {
		h.record(ctx, entry, err)
		return nil, err
	}

	actions, err := h.contain(ctx, inc, requests, actor)
	entry.Details["actions"] = actionIDs(actions)
	h.record(ctx, entry, err)
	return actions, err
}

// contain runs the coordinator and applies the incident side effects.
func (h *Hub) contain(ctx context.Context, inc *model.Incident, requests []model.ContainmentRequest, actor string) ([]*model.ContainmentAction, error) {
	actions, err := h.containment.Contain(ctx, inc, requests, actor)
	if err != nil {
		return nil, err
	}

	active := false
	for _, a := range actions {
		h.warnIf(h.incidents.LinkContainment(inc.ID, a.ID), "Failed to link containment action", inc.ID, a.ID)
		if a.Status == model.ResponseActive {
			active = true
		}
	}

	h.advance(ctx, inc.ID, model.StateInvestigating, actor, "containment requested")
	if active {
		h.advance(ctx, inc.ID, model.StateContaining, actor, "containment active")
	}
	return actions, nil
}

// ApproveContainment executes a containment action awaiting approval.
func (h *Hub) ApproveContainment(ctx context.Context, actionID, approver string) (*model.ContainmentAction, error) {
	entry := model.AuditLogEntry{
		Actor:      approver,
		Action:     AuditContainmentApprove,
		Target:     actionID,
		TargetType: "containment_action",
	}

	action, err := h.approveContainment(ctx, actionID, approver)
	entry.IncidentID = h.containmentIncident(actionID)
	if action != nil {
		entry.Details = map[string]any{"status": string(action.Status)}
		if action.Status == model.ResponseFailed {
			entry.Status = model.AuditFailure
		}
	}
	h.record(ctx, entry, err)
	return action, err
}

func (h *Hub) approveContainment(ctx context.Context, actionID, approver string) (*model.ContainmentAction, error) {
	current, err := h.containment.Get(actionID)
	if err != nil {
		return nil, err
	}
	inc, err := h.incidents.Get(current.IncidentID)
	if err != nil {
		return nil, err
	}

	action, err := h.containment.Approve(ctx, actionID, approver, inc)
	if err != nil {
		return nil, err
	}
	if action.Status == model.ResponseActive {
		h.advance(ctx, inc.ID, model.StateContaining, approver, "containment approved")
	}
	return action, nil
}

// RejectContainment declines a containment action awaiting approval.
func (h *Hub) RejectContainment(ctx context.Context, actionID, approver, reason string) (*model.ContainmentAction, error) {
	action, err := h.containment.Reject(actionID, approver, reason)
	entry := containmentEntry(AuditContainmentReject, actionID, approver, action, map[string]any{"reason": reason})
	entry.IncidentID = h.containmentIncident(actionID)
	h.record(ctx, entry, err)
	return action, err
}

// ReleaseContainment lifts an active or pending containment action.
func (h *Hub) ReleaseContainment(ctx context.Context, actionID, actor, reason string) (*model.ContainmentAction, error) {
	action, err := h.containment.Release(ctx, actionID, actor, reason)
	entry := containmentEntry(AuditContainmentRelease, actionID, actor, action, map[string]any{"reason": reason})
	entry.IncidentID = h.containmentIncident(actionID)
	h.record(ctx, entry, err)
	return action, err
}

// RollbackContainment reverses an active containment action.
func (h *Hub) RollbackContainment(ctx context.Context, actionID, actor string) (*model.ContainmentAction, error) {
	action, err := h.containment.Rollback(ctx, actionID, actor)
	entry := containmentEntry(AuditContainmentUndo, actionID, actor, action, nil)
	entry.IncidentID = h.containmentIncident(actionID)
	h.record(ctx, entry, err)
	return action, err
}

// GetContainment returns a copy of a containment action.
func (h *Hub) GetContainment(id string) (*model.ContainmentAction, error) {
	return h.containment.Get(id)
}

// ListContainment returns an incident's containment actions.
func (h *Hub) ListContainment(incidentID string) []*model.ContainmentAction {
	return h.containment.ListByIncident(incidentID)
}

// RemediateIncident requests remediation actions for an incident.
func (h *Hub) RemediateIncident(ctx context.Context, incidentID string, requests []model.RemediationRequest, actor string) ([]*model.RemediationAction, error) {
	entry := model.AuditLogEntry{
		Actor:      actor,
		Action:     AuditRemediate,
		Target:     incidentID,
		TargetType: "incident",
		IncidentID: incidentID,
		Details:    map[string]any{"requested": len(requests)},
	}

	inc, err := h.incidents.Get(incidentID)
	if err != nil {
		h.record(ctx, entry, err)
		return nil, err
	}

	actions, err := h.remediation.Remediate(ctx, inc, requests, actor)
	if err != nil {
		h.record(ctx, entry, err)
		return nil, err
	}

	ids := make([]string, 0, len(actions))
	for _, a := range actions {
		ids = append(ids, a.ID)
		h.warnIf(h.incidents.LinkRemediation(inc.ID, a.ID), "Failed to link remediation action", inc.ID, a.ID)
	}
	h.advance(ctx, inc.ID, model.StateEradicating, actor, "remediation requested")
	h.recoverIfSettled(ctx, inc.ID, actor)

	entry.Details["actions"] = ids
	h.record(ctx, entry, nil)
	return actions, nil
}

// ApproveRemediation executes a remediation action awaiting approval.
func (h *Hub) ApproveRemediation(ctx context.Context, actionID, approver string) (*model.RemediationAction, error) {
	entry := model.AuditLogEntry{
		Actor:      approver,
		Action:     AuditRemediationApprove,
		Target:     actionID,
		TargetType: "remediation_action",
	}

	action, err := h.approveRemediation(ctx, actionID, approver)
	entry.IncidentID = h.remediationIncident(actionID)
	if action != nil {
		entry.Details = map[string]any{"status": string(action.Status)}
		if action.Status == model.ResponseFailed {
			entry.Status = model.AuditFailure
		}
	}
	h.record(ctx, entry, err)
	return action, err
}

func (h *Hub) approveRemediation(ctx context.Context, actionID, approver string) (*model.RemediationAction, error) {
	current, err := h.remediation.Get(actionID)
	if err != nil {
		return nil, err
	}
	inc, err := h.incidents.Get(current.IncidentID)
	if err != nil {
		return nil, err
	}

	action, err := h.remediation.Approve(ctx, actionID, approver, inc)
	if err != nil {
		return nil, err
	}
	h.recoverIfSettled(ctx, inc.ID, approver)
	return action, nil
}

// RejectRemediation declines a remediation action awaiting approval.
func (h *Hub) RejectRemediation(ctx context.Context, actionID, approver, reason string) (*model.RemediationAction, error) {
	action, err := h.remediation.Reject(actionID, approver, reason)

	entry := model.AuditLogEntry{
		Actor:      approver,
		Action:     AuditRemediationReject,
		Target:     actionID,
		TargetType: "remediation_action",
		Details:    map[string]any{"reason": reason},
		IncidentID: h.remediationIncident(actionID),
	}
	h.record(ctx, entry, err)
	return action, err
}

// RollbackRemediation reverses a completed remediation action.
func (h *Hub) RollbackRemediation(ctx context.Context, actionID, actor string) (*model.RemediationAction, error) {
	action, err := h.remediation.Rollback(ctx, actionID, actor)

	entry := model.AuditLogEntry{
		Actor:      actor,
		Action:     AuditRemediationRollback,
		Target:     actionID,
		TargetType: "remediation_action",
		IncidentID: h.remediationIncident(actionID),
	}
	if action != nil {
		entry.Details = map[string]any{"status": string(action.Status), "rollback_executed": action.RollbackExecuted}
	}
	h.record(ctx, entry, err)
	return action, err
}

// GetRemediation returns a copy of a remediation action.
func (h *Hub) GetRemediation(id string) (*model.RemediationAction, error) {
	return h.remediation.Get(id)
}

// ListRemediation returns an incident's remediation actions.
func (h *Hub) ListRemediation(incidentID string) []*model.RemediationAction {
	return h.remediation.ListByIncident(incidentID)
}

func (h *Hub) recoverIfSettled(ctx context.Context, incidentID, actor string) {
	if h.remediation.AllSettled(incidentID) {
		h.advance(ctx, incidentID, model.StateRecovering, actor, "remediation settled")
	}
}

// advance applies a lifecycle side effect. Failures are logged only; the
// triggering call already succeeded.
func (h *Hub) advance(ctx context.Context, incidentID string, to model.IncidentState, actor, reason string) {
	if _, err := h.incidents.AdvanceTo(ctx, incidentID, to, actor, reason); err != nil {
		h.logger.Warn("Failed to advance incident state",
			zap.String("incident_id", incidentID),
			zap.String("to", string(to)),
			zap.Error(err))
	}
}

func (h *Hub) warnIf(err error, msg, incidentID, id string) {
	if err == nil {
		return
	}
	h.logger.Warn(msg,
		zap.String("incident_id", incidentID),
		zap.String("id", id),
		zap.Error(err))
}

// containmentIncident returns the incident of an action, empty when unknown.
func (h *Hub) containmentIncident(actionID string) string {
	if a, err := h.containment.Get(actionID); err == nil {
		return a.IncidentID
	}
	return ""
}

func (h *Hub) remediationIncident(actionID string) string {
	if a, err := h.remediation.Get(actionID); err == nil {
		return a.IncidentID
	}
	return ""
}

func containmentEntry(action, actionID, actor string, a *model.ContainmentAction, details map[string]any) model.AuditLogEntry {
	entry := model.AuditLogEntry{
		Actor:      actor,
		Action:     action,
		Target:     actionID,
		TargetType: "containment_action",
		Details:    details,
	}
	if a != nil {
		if entry.Details == nil {
			entry.Details = map[string]any{}
		}
		entry.Details["status"] = string(a.Status)
	}
	return entry
}

func actionIDs(actions []*model.ContainmentAction) []string {
	ids := make([]string, 0, len(actions))
	for _, a := range actions {
		ids = append(ids, a.ID)
	}
	return ids
}
