package remediation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yazhsab/qbitel-bridge/go/soar/internal/engine"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/events"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/metrics"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/model"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/policy"
)

// Config holds remediation coordinator configuration
type Config struct {
	RequireApproval  bool          `json:"require_approval"`
	DefaultApprovers []string      `json:"default_approvers"`
	ActionTimeout    time.Duration `json:"action_timeout"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		RequireApproval: true,
		ActionTimeout:   10 * time.Minute,
	}
}

// Coordinator executes recovery actions. Each action carries its own approval.
type Coordinator struct {
	logger   *zap.Logger
	config   *Config
	decider  policy.Decider
	handlers *engine.HandlerRegistry
	events   events.Publisher
	metrics  *metrics.Metrics

	mu      sync.RWMutex
	actions map[string]*model.RemediationAction
}

// New creates a remediation coordinator
func New(logger *zap.Logger, config *Config, decider policy.Decider, handlers *engine.HandlerRegistry,
	publisher events.Publisher, m *metrics.Metrics) (*Coordinator, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.ActionTimeout <= 0 {
		config.ActionTimeout = DefaultConfig().ActionTimeout
	}
	if decider == nil {
		decider = policy.Static{}
	}
	if handlers == nil || publisher == nil || m == nil {
		return nil, errors.New("remediation coordinator requires handlers, publisher and metrics")
	}

	return &Coordinator{
		logger:   logger,
		config:   config,
		decider:  decider,
		handlers: handlers,
		events:   publisher,
		metrics:  m,
		actions:  make(map[string]*model.RemediationAction),
	}, nil
}

// Remediate turns each request into an action. Requests are validated
// before any action is created.
func (c *Coordinator) Remediate(ctx context.Context, inc *model.Incident, requests []model.RemediationRequest, initiator string) ([]*model.RemediationAction, error) {
	if inc == nil {
		return nil, fmt.Errorf("%w: incident is required", model.ErrValidation)
	}
	if len(requests) == 0 {
		return nil, fmt.Errorf("%w: at least one remediation request is required", model.ErrValidation)
	}
	for i, req := range requests {
		if !req.Type.Valid() {
			return nil, fmt.Errorf("%w: request %d: unknown remediation type %q", model.ErrValidation, i, req.Type)
		}
		if strings.TrimSpace(req.Target) == "" {
			return nil, fmt.Errorf("%w: request %d: target is required", model.ErrValidation, i)
		}
	}

	out := make([]*model.RemediationAction, 0, len(requests))
	for _, req := range requests {
		action := &model.RemediationAction{
			ID:             uuid.NewString(),
			IncidentID:     inc.ID,
			Type:           req.Type,
			Target:         req.Target,
			Reason:         req.Reason,
			Status:         model.ResponsePending,
			ApprovalStatus: model.ApprovalNotRequired,
			Approvers:      append([]string(nil), req.Approvers...),
			InitiatedBy:    initiator,
			CreatedAt:      time.Now().UTC(),
		}

		if c.requiresApproval(ctx, inc, req) {
			action.RequiresApproval = true
			action.Status = model.ResponseAwaitingApproval
			action.ApprovalStatus = model.ApprovalPending
			c.store(action)
			c.metrics.RemediationActions.WithLabelValues(string(action.Type), string(action.Status)).Inc()

			c.logger.Info("Remediation awaiting approval",
				zap.String("action_id", action.ID),
				zap.String("incident_id", inc.ID),
				zap.String("type", string(action.Type)))
			c.events.Publish(model.EventRemediationAwaitingApproval, payload(action))
			out = append(out, action.Clone())
			continue
		}

		action.Status = model.ResponseInProgress
		c.store(action)
		out = append(out, c.execute(ctx, action.ID, inc))
	}
	return out, nil
}

func (c *Coordinator) requiresApproval(ctx context.Context, inc *model.Incident, req model.RemediationRequest) bool {
	in := policy.ApprovalInput{
		Kind:              model.ApprovalKindRemediation,
		ActionType:        string(req.Type),
		Severity:          string(inc.Severity),
		ThreatType:        inc.ThreatType,
		ConfiguredDefault: c.config.RequireApproval,
	}
	if req.RequiresApproval != nil {
		in.HasOverride = true
		in.Override = *req.RequiresApproval
	}

	required, err := c.decider.RequiresApproval(ctx, in)
	if err != nil {
		c.logger.Warn("Approval policy failed, requiring approval",
			zap.String("incident_id", inc.ID),
			zap.String("type", string(req.Type)),
			zap.Error(err))
		return true
	}
	return required
}

func (c *Coordinator) execute(ctx context.Context, id string, inc *model.Incident) *model.RemediationAction {
	var action *model.RemediationAction
	c.update(id, func(a *model.RemediationAction) {
		now := time.Now().UTC()
		a.ExecutedAt = &now
		action = a.Clone()
	})

	err := c.invoke(ctx, action, inc, func(ctx context.Context, h engine.Handler, req engine.ActionRequest) error {
		_, err := h.Execute(ctx, req)
		return err
	})

	var out *model.RemediationAction
	c.update(id, func(a *model.RemediationAction) {
		now := time.Now().UTC()
		a.CompletedAt = &now
		if err != nil {
			a.Status = model.ResponseFailed
			a.Error = err.Error()
		} else {
			a.Status = model.ResponseCompleted
			a.RollbackAvailable = a.Type.Rollbackable()
		}
		out = a.Clone()
	})
	c.metrics.RemediationActions.WithLabelValues(string(out.Type), string(out.Status)).Inc()

	if err != nil {
		c.logger.Warn("Remediation action failed",
			zap.String("action_id", id),
			zap.String("type", string(out.Type)),
			zap.String("target", out.Target),
			zap.Error(err))
		c.events.Publish(model.EventRemediationFailed, payload(out))
		return out
	}

	c.logger.Info("Remediation action completed",
		zap.String("action_id", id),
		zap.String("incident_id", out.IncidentID),
		zap.String("type", string(out.Type)))
	c.events.Publish(model.EventRemediationCompleted, payload(out))
	return out
}

// invoke resolves the handler for an action and runs call under the action timeout.
func (c *Coordinator) invoke(ctx context.Context, action *model.RemediationAction, inc *model.Incident,
	call func(ctx context.Context, h engine.Handler, req engine.ActionRequest) error) error {
	step := model.PlaybookAction{
		ID:       action.ID,
		Name:     string(action.Type),
		Category: model.CategoryRemediation,
		Handler:  string(action.Type),
		Target:   action.Target,
	}
	h, err := c.handlers.Resolve(step)
	if err != nil {
		return err
	}

	req := engine.ActionRequest{
		IncidentID: action.IncidentID,
		Action:     step,
		Target:     action.Target,
		Incident:   inc,
	}
	_, err = engine.Invoke(ctx, engine.HandlerFunc(func(ctx context.Context, req engine.ActionRequest) (engine.ActionOutput, error) {
		return engine.ActionOutput{}, call(ctx, h, req)
	}), req, c.config.ActionTimeout)
	return err
}

// Approve executes an action awaiting approval. The approver must be on the
// action's approver list or among the default approvers.
func (c *Coordinator) Approve(ctx context.Context, id, approver string, inc *model.Incident) (*model.RemediationAction, error) {
	c.mu.Lock()
	a, ok := c.actions[id]
	if !ok {
		c.mu.Unlock()
		return nil, model.NotFound("remediation action", id)
	}
	if a.Status != model.ResponseAwaitingApproval {
		status := a.Status
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: remediation action %s is %s", model.ErrInvalidState, id, status)
	}
	if !model.CanApprove(approver, a.Approvers, c.config.DefaultApprovers) {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %q may not approve remediation action %s", model.ErrUnauthorized, approver, id)
	}
	a.ApprovalStatus = model.ApprovalApproved
	a.ApprovedBy = approver
	a.Status = model.ResponseInProgress
	out := a.Clone()
	c.mu.Unlock()

	c.logger.Info("Remediation approved",
		zap.String("action_id", id),
		zap.String("approver", approver))
	p := payload(out)
	p["approved_by"] = approver
	c.events.Publish(model.EventRemediationApproved, p)

	return c.execute(ctx, id, inc), nil
}

// Reject records a rejection. The action stays awaiting_approval until it is
// approved or its incident is closed.
func (c *Coordinator) Reject(id, approver, reason string) (*model.RemediationAction, error) {
	c.mu.Lock()
	a, ok := c.actions[id]
	if !ok {
		c.mu.Unlock()
		return nil, model.NotFound("remediation action", id)
	}
	if a.Status != model.ResponseAwaitingApproval {
		status := a.Status
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: remediation action %s is %s", model.ErrInvalidState, id, status)
	}
	if !model.CanApprove(approver, a.Approvers, c.config.DefaultApprovers) {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %q may not reject remediation action %s", model.ErrUnauthorized, approver, id)
	}
	a.ApprovalStatus = model.ApprovalRejected
	a.RejectedBy = approver
	if reason != "" {
		a.Error = "rejected: " + reason
	}
	out := a.Clone()
	c.mu.Unlock()

	p := payload(out)
	p["rejected_by"] = approver
	p["reason"] = reason
	c.events.Publish(model.EventRemediationRejected, p)
	return out, nil
}

// Rollback reverses a completed action of a reversible type. It runs at most
// once; the action keeps its completed status and records the rollback.
func (c *Coordinator) Rollback(ctx context.Context, id, actor string) (*model.RemediationAction, error) {
	c.mu.Lock()
	a, ok := c.actions[id]
	if !ok {
		c.mu.Unlock()
		return nil, model.NotFound("remediation action", id)
	}
	switch {
	case !a.Type.Rollbackable():
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s actions cannot be rolled back", model.ErrInvalidState, a.Type)
	case a.RollbackExecuted:
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: remediation action %s was already rolled back", model.ErrInvalidState, id)
	case a.Status != model.ResponseCompleted || !a.RollbackAvailable:
		status := a.Status
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: remediation action %s is %s", model.ErrInvalidState, id, status)
	}
	a.RollbackExecuted = true
	action := a.Clone()
	c.mu.Unlock()

	err := c.invoke(ctx, action, nil, func(ctx context.Context, h engine.Handler, req engine.ActionRequest) error {
		rb, ok := h.(engine.Rollbacker)
		if !ok {
			return fmt.Errorf("%w: handler for %s cannot roll back", model.ErrHandlerFailure, action.Type)
		}
		return rb.Rollback(ctx, req)
	})

	var out *model.RemediationAction
	c.update(id, func(a *model.RemediationAction) {
		a.RollbackAvailable = false
		if err != nil {
			a.Error = "rollback: " + err.Error()
		}
		out = a.Clone()
	})

	if err != nil {
		c.metrics.Rollbacks.WithLabelValues("remediation", "failure").Inc()
		c.logger.Warn("Remediation rollback failed",
			zap.String("action_id", id),
			zap.Error(err))
		return out, err
	}

	c.metrics.Rollbacks.WithLabelValues("remediation", "success").Inc()
	c.logger.Info("Remediation rolled back",
		zap.String("action_id", id),
		zap.String("actor", actor))
	p := payload(out)
	p["requested_by"] = actor
	c.events.Publish(model.EventRemediationRolledBack, p)
	return out, nil
}

// CancelForIncident cancels the incident's actions still awaiting approval.
func (c *Coordinator) CancelForIncident(incidentID, actor string) []string {
	c.mu.Lock()
	var cancelled []string
	now := time.Now().UTC()
	for id, a := range c.actions {
		if a.IncidentID != incidentID || a.Status != model.ResponseAwaitingApproval {
			continue
		}
		a.Status = model.ResponseCancelled
		a.CompletedAt = &now
		a.Error = "incident closed before approval"
		cancelled = append(cancelled, id)
	}
	c.mu.Unlock()

	sort.Strings(cancelled)
	if len(cancelled) > 0 {
		c.logger.Info("Pending remediation cancelled",
			zap.String("incident_id", incidentID),
			zap.String("actor", actor),
			zap.Int("count", len(cancelled)))
	}
	return cancelled
}

// AllSettled reports whether the incident has remediation actions, none of
// them outstanding, and at least one completed.
func (c *Coordinator) AllSettled(incidentID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen, completed := false, false
	for _, a := range c.actions {
		if a.IncidentID != incidentID {
			continue
		}
		seen = true
		if !a.Status.Settled() {
			return false
		}
		if a.Status == model.ResponseCompleted {
			completed = true
		}
	}
	return seen && completed
}

// Get returns a copy of the action.
func (c *Coordinator) Get(id string) (*model.RemediationAction, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	a, ok := c.actions[id]
	if !ok {
		return nil, model.NotFound("remediation action", id)
	}
	return a.Clone(), nil
}

// ListByIncident returns the incident's actions, oldest first.
func (c *Coordinator) ListByIncident(incidentID string) []*model.RemediationAction {
	c.mu.RLock()
	var out []*model.RemediationAction
	for _, a := range c.actions {
		if a.IncidentID == incidentID {
			out = append(out, a.Clone())
		}
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// PendingApprovals lists actions awaiting a first decision.
func (c *Coordinator) PendingApprovals() []model.PendingApproval {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []model.PendingApproval
	for _, a := range c.actions {
		if a.Status != model.ResponseAwaitingApproval || a.ApprovalStatus != model.ApprovalPending {
			continue
		}
		approvers := append(append([]string(nil), a.Approvers...), c.config.DefaultApprovers...)
		out = append(out, model.PendingApproval{
			Kind:        model.ApprovalKindRemediation,
			ID:          a.ID,
			IncidentID:  a.IncidentID,
			Type:        string(a.Type),
			Target:      a.Target,
			Approvers:   approvers,
			RequestedBy: a.InitiatedBy,
			RequestedAt: a.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out
}

func (c *Coordinator) store(a *model.RemediationAction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions[a.ID] = a.Clone()
}

func (c *Coordinator) update(id string, fn func(a *model.RemediationAction)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.actions[id]; ok {
		fn(a)
	}
}

func payload(a *model.RemediationAction) map[string]any {
	p := map[string]any{
		"action_id":   a.ID,
		"incident_id": a.IncidentID,
		"type":        string(a.Type),
		"target":      a.Target,
		"status":      string(a.Status),
	}
	if a.Error != "" {
		p["error"] = a.Error
	}
	return p
}
