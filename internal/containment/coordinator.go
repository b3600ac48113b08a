package containment

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

// Config holds containment coordinator configuration
type Config struct {
	RequireApproval  bool          `json:"require_approval"`
	DefaultApprovers []string      `json:"default_approvers"`
	ActionTimeout    time.Duration `json:"action_timeout"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		RequireApproval: false,
		ActionTimeout:   2 * time.Minute,
	}
}

// Coordinator executes isolation actions against incidents.
type Coordinator struct {
	logger   *zap.Logger
	config   *Config
	decider  policy.Decider
	handlers *engine.HandlerRegistry
	events   events.Publisher
	metrics  *metrics.Metrics

	mu      sync.RWMutex
	actions map[string]*model.ContainmentAction
}

// New creates a containment coordinator. Handlers are looked up by
// containment type, then by the containment category.
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
		return nil, errors.New("containment coordinator requires handlers, publisher and metrics")
	}

	return &Coordinator{
		logger:   logger,
		config:   config,
		decider:  decider,
		handlers: handlers,
		events:   publisher,
		metrics:  m,
		actions:  make(map[string]*model.ContainmentAction),
	}, nil
}

// Contain turns each request into an action. Requests are validated before
// any action is created; actions not gated by approval execute immediately.
func (c *Coordinator) Contain(ctx context.Context, inc *model.Incident, requests []model.ContainmentRequest, initiator string) ([]*model.ContainmentAction, error) {
	if inc == nil {
		return nil, fmt.Errorf("%w: incident is required", model.ErrValidation)
	}
	if len(requests) == 0 {
		return nil, fmt.Errorf("%w: at least one containment request is required", model.ErrValidation)
	}
	for i, req := range requests {
		if !req.Type.Valid() {
			return nil, fmt.Errorf("%w: request %d: unknown containment type %q", model.ErrValidation, i, req.Type)
		}
		if strings.TrimSpace(req.Target) == "" {
			return nil, fmt.Errorf("%w: request %d: target is required", model.ErrValidation, i)
		}
	}

	out := make([]*model.ContainmentAction, 0, len(requests))
	for _, req := range requests {
		action := &model.ContainmentAction{
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
			c.metrics.ContainmentActions.WithLabelValues(string(action.Type), string(action.Status)).Inc()

			c.logger.Info("Containment awaiting approval",
				zap.String("action_id", action.ID),
				zap.String("incident_id", inc.ID),
				zap.String("type", string(action.Type)),
				zap.String("target", action.Target))
			c.events.Publish(model.EventContainmentAwaitingApproval, c.payload(action))
			out = append(out, action.Clone())
			continue
		}

		action.Status = model.ResponseInProgress
		c.store(action)
		out = append(out, c.execute(ctx, action.ID, inc))
	}
	return out, nil
}

func (c *Coordinator) requiresApproval(ctx context.Context, inc *model.Incident, req model.ContainmentRequest) bool {
	in := policy.ApprovalInput{
		Kind:              model.ApprovalKindContainment,
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

// execute runs the handler for an action already marked in_progress.
func (c *Coordinator) execute(ctx context.Context, id string, inc *model.Incident) *model.ContainmentAction {
	var action *model.ContainmentAction
	c.update(id, func(a *model.ContainmentAction) {
		now := time.Now().UTC()
		a.ExecutedAt = &now
		action = a.Clone()
	})

	err := c.invoke(ctx, action, inc, func(ctx context.Context, h engine.Handler, req engine.ActionRequest) error {
		_, err := h.Execute(ctx, req)
		return err
	})

	var out *model.ContainmentAction
	c.update(id, func(a *model.ContainmentAction) {
		if err != nil {
			now := time.Now().UTC()
			a.Status = model.ResponseFailed
			a.Error = err.Error()
			a.CompletedAt = &now
		} else {
			a.Status = model.ResponseActive
			a.RollbackAvailable = a.Type.Rollbackable()
		}
		out = a.Clone()
	})
	c.metrics.ContainmentActions.WithLabelValues(string(out.Type), string(out.Status)).Inc()

	if err != nil {
		c.logger.Warn("Containment action failed",
			zap.String("action_id", id),
			zap.String("type", string(out.Type)),
			zap.String("target", out.Target),
			zap.Error(err))
		c.events.Publish(model.EventContainmentFailed, c.payload(out))
		return out
	}

	c.logger.Info("Containment action active",
		zap.String("action_id", id),
		zap.String("incident_id", out.IncidentID),
		zap.String("type", string(out.Type)),
		zap.String("target", out.Target))
	c.events.Publish(model.EventContainmentActive, c.payload(out))
	return out
}

// invoke resolves the handler for an action and runs call under the action timeout.
func (c *Coordinator) invoke(ctx context.Context, action *model.ContainmentAction, inc *model.Incident,
	call func(ctx context.Context, h engine.Handler, req engine.ActionRequest) error) error {
	step := model.PlaybookAction{
		ID:       action.ID,
		Name:     string(action.Type),
		Category: model.CategoryContainment,
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

// Approve executes an action awaiting approval. A successful isolation ends
// active, its terminal state until released or rolled back; a handler error
// ends failed.
func (c *Coordinator) Approve(ctx context.Context, id, approver string, inc *model.Incident) (*model.ContainmentAction, error) {
	c.mu.Lock()
	a, ok := c.actions[id]
	if !ok {
		c.mu.Unlock()
		return nil, model.NotFound("containment action", id)
	}
	if a.Status != model.ResponseAwaitingApproval {
		status := a.Status
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: containment action %s is %s", model.ErrInvalidState, id, status)
	}
	if !model.CanApprove(approver, a.Approvers, c.config.DefaultApprovers) {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %q may not approve containment action %s", model.ErrUnauthorized, approver, id)
	}
	a.ApprovalStatus = model.ApprovalApproved
	a.ApprovedBy = approver
	a.Status = model.ResponseInProgress
	c.mu.Unlock()

	c.logger.Info("Containment approved",
		zap.String("action_id", id),
		zap.String("approver", approver))
	return c.execute(ctx, id, inc), nil
}

// Reject records a rejection. The action stays awaiting_approval and can
// still be approved later or cancelled with its incident.
func (c *Coordinator) Reject(id, approver, reason string) (*model.ContainmentAction, error) {
	c.mu.Lock()
	a, ok := c.actions[id]
	if !ok {
		c.mu.Unlock()
		return nil, model.NotFound("containment action", id)
	}
	if a.Status != model.ResponseAwaitingApproval {
		status := a.Status
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: containment action %s is %s", model.ErrInvalidState, id, status)
	}
	if !model.CanApprove(approver, a.Approvers, c.config.DefaultApprovers) {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %q may not reject containment action %s", model.ErrUnauthorized, approver, id)
	}
	a.ApprovalStatus = model.ApprovalRejected
	a.RejectedBy = approver
	if reason != "" {
		a.Error = "rejected: " + reason
	}
	out := a.Clone()
	c.mu.Unlock()

	c.logger.Info("Containment rejected",
		zap.String("action_id", id),
		zap.String("approver", approver),
		zap.String("reason", reason))
	return out, nil
}

// Release lifts a containment. An action still awaiting approval is released
// without executing; an active one is lifted through its handler when the
// handler supports it.
func (c *Coordinator) Release(ctx context.Context, id, actor, reason string) (*model.ContainmentAction, error) {
	c.mu.Lock()
	a, ok := c.actions[id]
	if !ok {
		c.mu.Unlock()
		return nil, model.NotFound("containment action", id)
	}
	status := a.Status
	switch status {
	case model.ResponseAwaitingApproval:
		c.releaseLocked(a, actor)
	case model.ResponseActive:
		// in_progress blocks a concurrent release or rollback while the handler runs
		a.Status = model.ResponseInProgress
	default:
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: containment action %s is %s", model.ErrInvalidState, id, status)
	}
	action := a.Clone()
	c.mu.Unlock()

	if status == model.ResponseActive {
		err := c.invoke(ctx, action, nil, func(ctx context.Context, h engine.Handler, req engine.ActionRequest) error {
			if r, ok := h.(engine.Releaser); ok {
				return r.Release(ctx, req)
			}
			return nil
		})
		c.update(id, func(a *model.ContainmentAction) {
			if err != nil {
				a.Status = model.ResponseActive
				a.Error = err.Error()
				return
			}
			c.releaseLocked(a, actor)
			action = a.Clone()
		})
		if err != nil {
			c.logger.Warn("Containment release failed",
				zap.String("action_id", id),
				zap.Error(err))
			return nil, err
		}
	}
	c.metrics.ContainmentActions.WithLabelValues(string(action.Type), string(action.Status)).Inc()

	c.logger.Info("Containment released",
		zap.String("action_id", id),
		zap.String("actor", actor),
		zap.String("reason", reason))
	payload := c.payload(action)
	payload["released_by"] = actor
	payload["reason"] = reason
	c.events.Publish(model.EventContainmentReleased, payload)
	return action, nil
}

func (c *Coordinator) releaseLocked(a *model.ContainmentAction, actor string) {
	now := time.Now().UTC()
	a.Status = model.ResponseReleased
	a.ReleasedBy = actor
	a.CompletedAt = &now
}

// Rollback reverses an active containment of a reversible type. It runs at
// most once.
func (c *Coordinator) Rollback(ctx context.Context, id, actor string) (*model.ContainmentAction, error) {
	c.mu.Lock()
	a, ok := c.actions[id]
	if !ok {
		c.mu.Unlock()
		return nil, model.NotFound("containment action", id)
	}
	switch {
	case !a.Type.Rollbackable():
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s actions cannot be rolled back", model.ErrInvalidState, a.Type)
	case a.RollbackExecuted:
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: containment action %s was already rolled back", model.ErrInvalidState, id)
	case a.Status != model.ResponseActive || !a.RollbackAvailable:
		status := a.Status
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: containment action %s is %s", model.ErrInvalidState, id, status)
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

	var out *model.ContainmentAction
	c.update(id, func(a *model.ContainmentAction) {
		if err != nil {
			a.Error = err.Error()
		} else {
			now := time.Now().UTC()
			a.Status = model.ResponseReleased
			a.ReleasedBy = actor
			a.CompletedAt = &now
		}
		out = a.Clone()
	})

	if err != nil {
		c.metrics.Rollbacks.WithLabelValues("containment", "failure").Inc()
		c.logger.Warn("Containment rollback failed",
			zap.String("action_id", id),
			zap.Error(err))
		return out, err
	}

	c.metrics.Rollbacks.WithLabelValues("containment", "success").Inc()
	c.logger.Info("Containment rolled back",
		zap.String("action_id", id),
		zap.String("actor", actor))
	payload := c.payload(out)
	payload["requested_by"] = actor
	c.events.Publish(model.EventContainmentRolledBack, payload)
	return out, nil
}

// CancelForIncident cancels every action of the incident still awaiting
// approval and returns their ids.
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
		c.logger.Info("Pending containment cancelled",
			zap.String("incident_id", incidentID),
			zap.String("actor", actor),
			zap.Int("count", len(cancelled)))
	}
	return cancelled
}

// Get returns a copy of the action.
func (c *Coordinator) Get(id string) (*model.ContainmentAction, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	a, ok := c.actions[id]
	if !ok {
		return nil, model.NotFound("containment action", id)
	}
	return a.Clone(), nil
}

// ListByIncident returns the incident's actions, oldest first.
func (c *Coordinator) ListByIncident(incidentID string) []*model.ContainmentAction {
	c.mu.RLock()
	var out []*model.ContainmentAction
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

// PendingApprovals lists actions awaiting a decision. Rejected actions are
// excluded until they are approved or cancelled.
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
			Kind:        model.ApprovalKindContainment,
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

func (c *Coordinator) store(a *model.ContainmentAction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions[a.ID] = a.Clone()
}

func (c *Coordinator) update(id string, fn func(a *model.ContainmentAction)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.actions[id]; ok {
		fn(a)
	}
}

func (c *Coordinator) payload(a *model.ContainmentAction) map[string]any {
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
