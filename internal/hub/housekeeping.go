package hub

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/yazhsab/qbitel-bridge/go/soar/internal/health"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/model"
)

// CleanupResult summarizes one retention sweep.
type CleanupResult struct {
	AuditEntriesPurged int       `json:"audit_entries_purged"`
	ExecutionsPruned   int       `json:"executions_pruned"`
	Horizon            time.Time `json:"horizon"`
}

// GetPendingApprovals merges the approval queues of playbook runs,
// containment and remediation, oldest first.
func (h *Hub) GetPendingApprovals() []model.PendingApproval {
	out := h.engine.PendingApprovals()
	out = append(out, h.containment.PendingApprovals()...)
	out = append(out, h.remediation.PendingApprovals()...)

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out
}

// QueryAudit returns audit entries matching filter.
func (h *Hub) QueryAudit(ctx context.Context, filter model.AuditFilter) ([]model.AuditLogEntry, error) {
	return h.audit.Query(ctx, filter)
}

// IntegrationHealth returns the last known status of every integration.
func (h *Hub) IntegrationHealth() []health.IntegrationStatus {
	return h.health.Statuses()
}

// Cleanup purges audit entries and finished executions older than the
// retention horizon.
func (h *Hub) Cleanup(ctx context.Context) (*CleanupResult, error) {
	horizon := h.now().Add(-h.config.AuditRetention())
	result := &CleanupResult{Horizon: horizon}

	purged, err := h.audit.Purge(ctx, horizon)
	if err != nil {
		err = fmt.Errorf("failed to purge audit log: %w", err)
		h.record(ctx, model.AuditLogEntry{
			Action:     AuditCleanup,
			Target:     "audit_log",
			TargetType: "audit_log",
		}, err)
		return nil, err
	}
	result.AuditEntriesPurged = purged
	result.ExecutionsPruned = h.engine.Prune(horizon)
	h.metrics.AuditEntriesPurged.Add(float64(purged))

	h.record(ctx, model.AuditLogEntry{
		Action:     AuditCleanup,
		Target:     "audit_log",
		TargetType: "audit_log",
		Details: map[string]any{
			"audit_entries_purged": purged,
			"executions_pruned":    result.ExecutionsPruned,
			"horizon":              horizon,
		},
	}, nil)

	h.logger.Info("Retention sweep completed",
		zap.Int("audit_entries_purged", purged),
		zap.Int("executions_pruned", result.ExecutionsPruned),
		zap.Time("horizon", horizon))
	h.bus.Publish(model.EventCleanupCompleted, map[string]any{
		"audit_entries_purged": purged,
		"executions_pruned":    result.ExecutionsPruned,
		"horizon":              horizon,
	})
	return result, nil
}

// CheckEscalations publishes approval:escalated for every pending approval
// older than the escalation timeout. Each item escalates once.
func (h *Hub) CheckEscalations() []model.PendingApproval {
	if h.config.EscalationTimeout <= 0 {
		return nil
	}
	cutoff := h.now().Add(-h.config.EscalationTimeout)
	pending := h.GetPendingApprovals()

	h.mu.Lock()
	live := make(map[string]bool, len(pending))
	var due []model.PendingApproval
	for _, p := range pending {
		key := p.Kind + ":" + p.ID
		live[key] = true
		if h.escalated[key] || !p.RequestedAt.Before(cutoff) {
			continue
		}
		h.escalated[key] = true
		due = append(due, p)
	}
	for key := range h.escalated {
		if !live[key] {
			delete(h.escalated, key)
		}
	}
	h.mu.Unlock()

	for _, p := range due {
		waiting := h.now().Sub(p.RequestedAt)
		h.logger.Warn("Approval escalated",
			zap.String("kind", p.Kind),
			zap.String("id", p.ID),
			zap.String("incident_id", p.IncidentID),
			zap.Duration("waiting", waiting))
		h.bus.Publish(model.EventApprovalEscalated, map[string]any{
			"kind":         p.Kind,
			"id":           p.ID,
			"incident_id":  p.IncidentID,
			"type":         p.Type,
			"approvers":    p.Approvers,
			"requested_at": p.RequestedAt,
			"waiting":      waiting.String(),
		})
	}
	return due
}
