package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/yazhsab/qbitel-bridge/go/soar/internal/model"
)

// Rollback reverses the rollbackable actions of a terminal execution in
// reverse execution order. actionIDs narrows the set when non-empty. Each
// attempt is independent; the execution becomes rolled_back only when every
// attempt succeeds. A second call fails with ErrInvalidState.
func (e *Engine) Rollback(ctx context.Context, executionID string, actionIDs []string, reason, requestedBy string) (*model.RollbackResult, error) {
	e.mu.Lock()
	exec, ok := e.executions[executionID]
	if !ok {
		e.mu.Unlock()
		return nil, model.NotFound("execution", executionID)
	}
	switch {
	case !exec.Status.Terminal():
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: execution %s is %s", model.ErrInvalidState, executionID, exec.Status)
	case exec.RollbackExecuted:
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: execution %s was already rolled back", model.ErrInvalidState, executionID)
	case !exec.RollbackAvailable:
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: execution %s has no rollback available", model.ErrInvalidState, executionID)
	}

	wanted := make(map[string]bool, len(actionIDs))
	for _, id := range actionIDs {
		if _, ok := exec.ActionResults[id]; !ok {
			e.mu.Unlock()
			return nil, model.NotFound("action result", id)
		}
		wanted[id] = true
	}

	var candidates []string
	for i := len(exec.ExecutionOrder) - 1; i >= 0; i-- {
		id := exec.ExecutionOrder[i]
		r := exec.ActionResults[id]
		if r.RollbackStatus != model.RollbackAvailable {
			continue
		}
		if len(wanted) > 0 && !wanted[id] {
			continue
		}
		candidates = append(candidates, id)
	}

	exec.RollbackExecuted = true
	pb := e.playbooks[executionID]
	snapshot := exec.Clone()
	e.mu.Unlock()

	result := &model.RollbackResult{
		ExecutionID: executionID,
		Reason:      reason,
		RequestedBy: requestedBy,
		RolledBack:  []string{},
	}

	unlock, err := e.locker.Lock(ctx, "incident:"+snapshot.IncidentID)
	if err != nil {
		for _, id := range candidates {
			result.Failures = append(result.Failures, model.RollbackFailure{ActionID: id, Error: err.Error()})
		}
		return e.completeRollback(snapshot, result), nil
	}
	defer unlock()

	for _, id := range candidates {
		action, _ := pb.Action(id)
		err := e.rollbackAction(ctx, snapshot, action)

		status := model.RollbackExecuted
		if err != nil {
			status = model.RollbackFailed
			result.Failures = append(result.Failures, model.RollbackFailure{ActionID: id, Error: err.Error()})
			e.logger.Warn("Action rollback failed",
				zap.String("execution_id", executionID),
				zap.String("action_id", id),
				zap.Error(err))
		} else {
			result.RolledBack = append(result.RolledBack, id)
			e.events.Publish(model.EventActionRolledBack, map[string]any{
				"execution_id": executionID,
				"incident_id":  snapshot.IncidentID,
				"action_id":    id,
				"requested_by": requestedBy,
			})
		}
		e.update(executionID, func(x *model.PlaybookExecution) {
			x.ActionResults[id].RollbackStatus = status
		})
	}

	return e.completeRollback(snapshot, result), nil
}

func (e *Engine) rollbackAction(ctx context.Context, exec *model.PlaybookExecution, action model.PlaybookAction) error {
	handler, err := e.handlers.Resolve(action)
	if err != nil {
		return err
	}
	rb, ok := handler.(Rollbacker)
	if !ok {
		return fmt.Errorf("%w: handler for %s cannot roll back", model.ErrHandlerFailure, action.ID)
	}

	timeout := action.Timeout
	if timeout <= 0 {
		timeout = e.config.ActionTimeout
	}
	// reverse the target the action actually ran against
	req := ActionRequest{
		ExecutionID: exec.ID,
		IncidentID:  exec.IncidentID,
		Action:      action,
		Variables:   exec.Variables,
	}
	if r := exec.ActionResults[action.ID]; r != nil {
		req.Target = r.Target
		if req.Target == "" && len(r.AffectedEntities) > 0 {
			req.Target = r.AffectedEntities[0]
		}
	}

	_, err = Invoke(ctx, HandlerFunc(func(ctx context.Context, req ActionRequest) (ActionOutput, error) {
		return ActionOutput{}, rb.Rollback(ctx, req)
	}), req, timeout)
	return err
}

func (e *Engine) completeRollback(snapshot *model.PlaybookExecution, result *model.RollbackResult) *model.RollbackResult {
	result.CompletedAt = time.Now().UTC()

	e.update(snapshot.ID, func(x *model.PlaybookExecution) {
		if result.Success() {
			x.Status = model.ExecutionRolledBack
		}
		result.Status = x.Status
	})

	e.mu.Lock()
	stored := *result
	stored.RolledBack = append([]string(nil), result.RolledBack...)
	stored.Failures = append([]model.RollbackFailure(nil), result.Failures...)
	e.rollbacks[snapshot.ID] = &stored
	e.mu.Unlock()

	outcome := "success"
	if !result.Success() {
		outcome = "partial_failure"
	}
	e.metrics.Rollbacks.WithLabelValues("execution", outcome).Inc()

	e.logger.Info("Execution rollback finished",
		zap.String("execution_id", snapshot.ID),
		zap.String("requested_by", result.RequestedBy),
		zap.Int("rolled_back", len(result.RolledBack)),
		zap.Int("failures", len(result.Failures)))

	e.events.Publish(model.EventRollbackCompleted, map[string]any{
		"execution_id": snapshot.ID,
		"incident_id":  snapshot.IncidentID,
		"status":       string(result.Status),
		"rolled_back":  result.RolledBack,
		"failures":     len(result.Failures),
		"reason":       result.Reason,
	})
	return result
}

// RollbackResult returns a copy of the stored rollback result of an execution.
func (e *Engine) RollbackResult(executionID string) (*model.RollbackResult, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	r, ok := e.rollbacks[executionID]
	if !ok {
		return nil, model.NotFound("rollback", executionID)
	}
	out := *r
	out.RolledBack = append([]string(nil), r.RolledBack...)
	out.Failures = append([]model.RollbackFailure(nil), r.Failures...)
	return &out, nil
}
