package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yazhsab/qbitel-bridge/go/soar/internal/events"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/lock"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/metrics"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/model"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/playbook"
)

// Config holds execution engine configuration
type Config struct {
	MaxConcurrent    int           `json:"max_concurrent"`
	MinSuccessRate   float64       `json:"min_success_rate"`
	ActionTimeout    time.Duration `json:"action_timeout"`
	DefaultApprovers []string      `json:"default_approvers"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrent:  10,
		MinSuccessRate: 0,
		ActionTimeout:  2 * time.Minute,
	}
}

// ListFilter narrows List. Zero values match everything.
type ListFilter struct {
	IncidentID string                `form:"incident_id"`
	Status     model.ExecutionStatus `form:"status"`
}

// Engine runs playbooks against incidents.
type Engine struct {
	logger   *zap.Logger
	config   *Config
	registry *playbook.Registry
	handlers *HandlerRegistry
	locker   lock.Locker
	events   events.Publisher
	metrics  *metrics.Metrics

	mu         sync.RWMutex
	executions map[string]*model.PlaybookExecution
	// playbooks pins the playbook version each execution was started with.
	playbooks map[string]*model.Playbook
	rollbacks map[string]*model.RollbackResult
	running   int
}

// New creates an execution engine
func New(logger *zap.Logger, config *Config, registry *playbook.Registry, handlers *HandlerRegistry,
	locker lock.Locker, publisher events.Publisher, m *metrics.Metrics) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxConcurrent <= 0 {
		return nil, fmt.Errorf("max concurrent executions must be positive, got %d", config.MaxConcurrent)
	}
	if config.MinSuccessRate < 0 || config.MinSuccessRate > 1 {
		return nil, fmt.Errorf("min success rate must be within [0,1], got %v", config.MinSuccessRate)
	}
	if config.ActionTimeout <= 0 {
		config.ActionTimeout = DefaultConfig().ActionTimeout
	}
	if registry == nil || handlers == nil || locker == nil || publisher == nil || m == nil {
		return nil, errors.New("engine requires registry, handlers, locker, publisher and metrics")
	}

	return &Engine{
		logger:     logger,
		config:     config,
		registry:   registry,
		handlers:   handlers,
		locker:     locker,
		events:     publisher,
		metrics:    m,
		executions: make(map[string]*model.PlaybookExecution),
		playbooks:  make(map[string]*model.Playbook),
		rollbacks:  make(map[string]*model.RollbackResult),
	}, nil
}

// Execute starts a run of playbookID against inc. A playbook that requires
// approval is parked in awaiting_approval and returned without running.
func (e *Engine) Execute(ctx context.Context, playbookID string, inc *model.Incident, executor string, variables map[string]string) (*model.PlaybookExecution, error) {
	if inc == nil {
		return nil, fmt.Errorf("%w: incident is required", model.ErrValidation)
	}
	pb, err := e.registry.Get(playbookID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	exec := &model.PlaybookExecution{
		ID:              uuid.NewString(),
		PlaybookID:      pb.ID,
		PlaybookVersion: pb.Version,
		IncidentID:      inc.ID,
		Status:          model.ExecutionPending,
		ApprovalStatus:  model.ApprovalNotRequired,
		ExecutedBy:      executor,
		Variables:       copyVars(variables),
		ActionResults:   make(map[string]*model.ActionResult),
		ExecutionOrder:  []string{},
		CreatedAt:       now,
	}

	e.mu.Lock()
	if e.running >= e.config.MaxConcurrent {
		e.mu.Unlock()
		e.metrics.CapacityRejections.Inc()
		e.logger.Warn("Playbook execution rejected at capacity",
			zap.String("playbook_id", pb.ID),
			zap.String("incident_id", inc.ID),
			zap.Int("max_concurrent", e.config.MaxConcurrent))
		return nil, fmt.Errorf("%w: %d executions running", model.ErrCapacityExceeded, e.config.MaxConcurrent)
	}
	if pb.ApprovalRequired {
		exec.Status = model.ExecutionAwaitingApproval
		exec.ApprovalStatus = model.ApprovalPending
	} else {
		e.running++
		e.metrics.RunningExecutions.Inc()
	}
	e.executions[exec.ID] = exec
	e.playbooks[exec.ID] = pb
	e.mu.Unlock()

	if pb.ApprovalRequired {
		e.logger.Info("Playbook execution awaiting approval",
			zap.String("execution_id", exec.ID),
			zap.String("playbook_id", pb.ID),
			zap.String("incident_id", inc.ID))
		e.events.Publish(model.EventExecutionAwaitingApproval, map[string]any{
			"execution_id": exec.ID,
			"playbook_id":  pb.ID,
			"incident_id":  inc.ID,
			"approvers":    e.approversFor(pb),
		})
		return e.Get(exec.ID)
	}

	e.run(ctx, exec.ID, pb, inc)
	return e.Get(exec.ID)
}

// Approve resumes a parked execution. The approver must be one of the
// playbook's approvers, else one of the default approvers.
func (e *Engine) Approve(ctx context.Context, executionID, approver string, inc *model.Incident) (*model.PlaybookExecution, error) {
	e.mu.Lock()
	exec, ok := e.executions[executionID]
	if !ok {
		e.mu.Unlock()
		return nil, model.NotFound("execution", executionID)
	}
	if exec.Status != model.ExecutionAwaitingApproval {
		status := exec.Status
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: execution %s is %s", model.ErrInvalidState, executionID, status)
	}
	pb := e.playbooks[executionID]
	if !model.CanApprove(approver, e.approversFor(pb)) {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %q may not approve execution %s", model.ErrUnauthorized, approver, executionID)
	}
	if inc == nil || inc.ID != exec.IncidentID {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: incident does not match execution", model.ErrValidation)
	}
	if e.running >= e.config.MaxConcurrent {
		e.mu.Unlock()
		e.metrics.CapacityRejections.Inc()
		return nil, fmt.Errorf("%w: %d executions running", model.ErrCapacityExceeded, e.config.MaxConcurrent)
	}
	e.running++
	e.metrics.RunningExecutions.Inc()
	exec.ApprovalStatus = model.ApprovalApproved
	exec.ApprovedBy = approver
	exec.Status = model.ExecutionPending
	e.mu.Unlock()

	e.logger.Info("Playbook execution approved",
		zap.String("execution_id", executionID),
		zap.String("approver", approver))
	e.events.Publish(model.EventExecutionApproved, map[string]any{
		"execution_id": executionID,
		"playbook_id":  pb.ID,
		"incident_id":  exec.IncidentID,
		"approved_by":  approver,
	})

	e.run(ctx, executionID, pb, inc)
	return e.Get(executionID)
}

// Reject closes a parked execution without running it.
func (e *Engine) Reject(executionID, approver, reason string) (*model.PlaybookExecution, error) {
	e.mu.Lock()
	exec, ok := e.executions[executionID]
	if !ok {
		e.mu.Unlock()
		return nil, model.NotFound("execution", executionID)
	}
	if exec.Status != model.ExecutionAwaitingApproval {
		status := exec.Status
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: execution %s is %s", model.ErrInvalidState, executionID, status)
	}
	if !model.CanApprove(approver, e.approversFor(e.playbooks[executionID])) {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %q may not reject execution %s", model.ErrUnauthorized, approver, executionID)
	}

	now := time.Now().UTC()
	exec.Status = model.ExecutionRejected
	exec.ApprovalStatus = model.ApprovalRejected
	exec.CompletedAt = &now
	if reason != "" {
		exec.Errors = append(exec.Errors, fmt.Sprintf("rejected by %s: %s", approver, reason))
	}
	out := exec.Clone()
	e.mu.Unlock()

	e.metrics.PlaybookExecutions.WithLabelValues(out.PlaybookID, string(model.ExecutionRejected)).Inc()
	e.events.Publish(model.EventExecutionRejected, map[string]any{
		"execution_id": executionID,
		"incident_id":  out.IncidentID,
		"rejected_by":  approver,
		"reason":       reason,
	})
	return out, nil
}

// run walks the action graph. The caller has already reserved a running slot.
func (e *Engine) run(ctx context.Context, executionID string, pb *model.Playbook, inc *model.Incident) {
	defer func() {
		e.mu.Lock()
		e.running--
		e.mu.Unlock()
		e.metrics.RunningExecutions.Dec()
	}()

	start := time.Now()
	e.update(executionID, func(exec *model.PlaybookExecution) {
		t := start.UTC()
		exec.Status = model.ExecutionRunning
		exec.StartedAt = &t
	})

	unlock, err := e.locker.Lock(ctx, "incident:"+inc.ID)
	if err != nil {
		e.abort(executionID, pb, start, fmt.Sprintf("failed to lock incident %s: %v", inc.ID, err))
		return
	}
	defer unlock()

	order, err := playbook.TopologicalOrder(pb)
	if err != nil {
		e.abort(executionID, pb, start, err.Error())
		return
	}

	exec, _ := e.Get(executionID)
	e.logger.Info("Playbook execution started",
		zap.String("execution_id", executionID),
		zap.String("playbook_id", pb.ID),
		zap.String("incident_id", inc.ID),
		zap.Int("actions", len(order)))
	e.events.Publish(model.EventExecutionStarted, map[string]any{
		"execution_id": executionID,
		"playbook_id":  pb.ID,
		"incident_id":  inc.ID,
		"executed_by":  exec.ExecutedBy,
	})

	results := make(map[string]*model.ActionResult, len(order))
	for _, id := range order {
		action, _ := pb.Action(id)
		result := e.step(ctx, exec, action, inc, results)
		results[id] = result

		e.update(executionID, func(x *model.PlaybookExecution) {
			rc := *result
			x.ActionResults[id] = &rc
			x.ExecutionOrder = append(x.ExecutionOrder, id)
			if result.Status == model.ActionFailed {
				x.Errors = append(x.Errors, fmt.Sprintf("action %s: %s", id, result.Error))
			}
		})
		e.metrics.ActionResults.WithLabelValues(string(action.Category), string(result.Status)).Inc()
		e.publishAction(exec, result)

		if result.Status == model.ActionFailed && action.Category == model.CategoryContainment {
			e.logger.Warn("Containment action failed, halting execution",
				zap.String("execution_id", executionID),
				zap.String("action_id", id))
			break
		}
	}

	e.finish(executionID, pb, start)
}

// step decides and performs one action.
func (e *Engine) step(ctx context.Context, exec *model.PlaybookExecution, action model.PlaybookAction,
	inc *model.Incident, results map[string]*model.ActionResult) *model.ActionResult {
	now := time.Now().UTC()
	skipped := func(reason string) *model.ActionResult {
		return &model.ActionResult{
			ActionID:       action.ID,
			Category:       action.Category,
			Status:         model.ActionSkipped,
			StartedAt:      now,
			CompletedAt:    now,
			SkipReason:     reason,
			RollbackStatus: model.RollbackNotAvailable,
		}
	}

	for _, dep := range action.DependsOn {
		if r, ok := results[dep]; !ok || r.Status != model.ActionSuccess {
			return skipped(model.SkipDependenciesNotMet)
		}
	}
	if !EvaluateConditions(action.Conditions, inc, exec.Variables) {
		return skipped(model.SkipConditionsNotMet)
	}

	return e.perform(ctx, exec, action, inc)
}

func (e *Engine) perform(ctx context.Context, exec *model.PlaybookExecution, action model.PlaybookAction, inc *model.Incident) *model.ActionResult {
	result := &model.ActionResult{
		ActionID:       action.ID,
		Category:       action.Category,
		StartedAt:      time.Now().UTC(),
		RollbackStatus: model.RollbackNotAvailable,
	}
	req := ActionRequest{
		ExecutionID: exec.ID,
		IncidentID:  inc.ID,
		Action:      action,
		Target:      ExpandTarget(action.Target, inc, exec.Variables),
		Incident:    inc,
		Variables:   exec.Variables,
	}
	result.Target = req.Target

	handler, err := e.handlers.Resolve(action)
	var out ActionOutput
	if err == nil {
		timeout := action.Timeout
		if timeout <= 0 {
			timeout = e.config.ActionTimeout
		}
		out, err = Invoke(ctx, handler, req, timeout)
	}

	result.CompletedAt = time.Now().UTC()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)

	if err != nil {
		result.Status = model.ActionFailed
		result.Error = err.Error()
		e.logger.Warn("Action failed",
			zap.String("execution_id", exec.ID),
			zap.String("action_id", action.ID),
			zap.String("category", string(action.Category)),
			zap.Error(err))
		return result
	}

	result.Status = model.ActionSuccess
	result.Output = out.Output
	result.AffectedEntities = append([]string(nil), out.AffectedEntities...)
	if _, ok := handler.(Rollbacker); ok && action.RollbackEnabled {
		result.RollbackStatus = model.RollbackAvailable
	}
	e.logger.Debug("Action completed",
		zap.String("execution_id", exec.ID),
		zap.String("action_id", action.ID),
		zap.Duration("duration", result.Duration))
	return result
}

// Invoke runs h with a timeout. Panics and timeouts become ErrHandlerFailure.
func Invoke(ctx context.Context, h Handler, req ActionRequest, timeout time.Duration) (ActionOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		out ActionOutput
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: handler panicked: %v", model.ErrHandlerFailure, r)}
			}
		}()
		out, err := h.Execute(ctx, req)
		if err != nil && !errors.Is(err, model.ErrHandlerFailure) {
			err = fmt.Errorf("%w: %v", model.ErrHandlerFailure, err)
		}
		done <- outcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		return o.out, o.err
	case <-ctx.Done():
		return ActionOutput{}, fmt.Errorf("%w: %v", model.ErrHandlerFailure, ctx.Err())
	}
}

func (e *Engine) publishAction(exec *model.PlaybookExecution, result *model.ActionResult) {
	name := model.EventActionCompleted
	switch result.Status {
	case model.ActionFailed:
		name = model.EventActionFailed
	case model.ActionSkipped:
		name = model.EventActionSkipped
	}
	payload := map[string]any{
		"execution_id": exec.ID,
		"incident_id":  exec.IncidentID,
		"action_id":    result.ActionID,
		"category":     string(result.Category),
		"status":       string(result.Status),
	}
	if result.Error != "" {
		payload["error"] = result.Error
	}
	if result.SkipReason != "" {
		payload["skip_reason"] = result.SkipReason
	}
	e.events.Publish(name, payload)
}

// finish computes run metrics and the terminal status.
func (e *Engine) finish(executionID string, pb *model.Playbook, start time.Time) {
	var out *model.PlaybookExecution
	e.update(executionID, func(exec *model.PlaybookExecution) {
		m := model.ExecutionMetrics{TotalActions: len(pb.Actions), TotalDuration: time.Since(start)}
		for _, r := range exec.ActionResults {
			switch r.Status {
			case model.ActionSuccess:
				m.CompletedActions++
			case model.ActionFailed:
				m.FailedActions++
			}
			if r.RollbackStatus == model.RollbackAvailable {
				exec.RollbackAvailable = true
			}
		}
		// actions never attempted after a halt count as skipped
		m.SkippedActions = m.TotalActions - m.CompletedActions - m.FailedActions
		if m.TotalActions > 0 {
			m.SuccessRate = float64(m.CompletedActions) / float64(m.TotalActions)
		}
		exec.Metrics = m

		switch {
		case m.FailedActions == 0:
			exec.Status = model.ExecutionCompleted
		case m.CompletedActions > 0 && m.SuccessRate >= e.config.MinSuccessRate:
			exec.Status = model.ExecutionCompleted
			exec.PartialSuccess = true
		default:
			exec.Status = model.ExecutionFailed
		}
		now := time.Now().UTC()
		exec.CompletedAt = &now
		out = exec.Clone()
	})

	e.metrics.PlaybookExecutions.WithLabelValues(pb.ID, string(out.Status)).Inc()
	e.metrics.ExecutionDuration.WithLabelValues(pb.ID).Observe(out.Metrics.TotalDuration.Seconds())

	e.logger.Info("Playbook execution finished",
		zap.String("execution_id", executionID),
		zap.String("status", string(out.Status)),
		zap.Bool("partial_success", out.PartialSuccess),
		zap.Int("completed", out.Metrics.CompletedActions),
		zap.Int("failed", out.Metrics.FailedActions),
		zap.Int("skipped", out.Metrics.SkippedActions),
		zap.Duration("duration", out.Metrics.TotalDuration))

	name := model.EventExecutionCompleted
	if out.Status == model.ExecutionFailed {
		name = model.EventExecutionFailed
	}
	e.events.Publish(name, map[string]any{
		"execution_id":    executionID,
		"playbook_id":     pb.ID,
		"incident_id":     out.IncidentID,
		"status":          string(out.Status),
		"partial_success": out.PartialSuccess,
		"success_rate":    out.Metrics.SuccessRate,
		"errors":          out.Errors,
	})
}

// abort fails an execution before any action ran.
func (e *Engine) abort(executionID string, pb *model.Playbook, start time.Time, reason string) {
	e.logger.Error("Playbook execution aborted",
		zap.String("execution_id", executionID),
		zap.String("reason", reason))

	var incidentID string
	e.update(executionID, func(exec *model.PlaybookExecution) {
		now := time.Now().UTC()
		exec.Errors = append(exec.Errors, reason)
		exec.Status = model.ExecutionFailed
		exec.CompletedAt = &now
		exec.Metrics = model.ExecutionMetrics{
			TotalActions:   len(pb.Actions),
			SkippedActions: len(pb.Actions),
			TotalDuration:  time.Since(start),
		}
		incidentID = exec.IncidentID
	})

	e.metrics.PlaybookExecutions.WithLabelValues(pb.ID, string(model.ExecutionFailed)).Inc()
	e.events.Publish(model.EventExecutionFailed, map[string]any{
		"execution_id": executionID,
		"playbook_id":  pb.ID,
		"incident_id":  incidentID,
		"status":       string(model.ExecutionFailed),
		"errors":       []string{reason},
	})
}

func (e *Engine) update(executionID string, fn func(exec *model.PlaybookExecution)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if exec, ok := e.executions[executionID]; ok {
		fn(exec)
	}
}

// Get returns a copy of the execution.
func (e *Engine) Get(executionID string) (*model.PlaybookExecution, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	exec, ok := e.executions[executionID]
	if !ok {
		return nil, model.NotFound("execution", executionID)
	}
	return exec.Clone(), nil
}

// List returns matching executions, oldest first.
func (e *Engine) List(filter ListFilter) []*model.PlaybookExecution {
	e.mu.RLock()
	out := make([]*model.PlaybookExecution, 0, len(e.executions))
	for _, exec := range e.executions {
		if filter.IncidentID != "" && exec.IncidentID != filter.IncidentID {
			continue
		}
		if filter.Status != "" && exec.Status != filter.Status {
			continue
		}
		out = append(out, exec.Clone())
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// PendingApprovals lists executions parked for approval.
func (e *Engine) PendingApprovals() []model.PendingApproval {
	parked := e.List(ListFilter{Status: model.ExecutionAwaitingApproval})

	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]model.PendingApproval, 0, len(parked))
	for _, exec := range parked {
		out = append(out, model.PendingApproval{
			Kind:        model.ApprovalKindExecution,
			ID:          exec.ID,
			IncidentID:  exec.IncidentID,
			Type:        exec.PlaybookID,
			Approvers:   e.approversFor(e.playbooks[exec.ID]),
			RequestedBy: exec.ExecutedBy,
			RequestedAt: exec.CreatedAt,
		})
	}
	return out
}

// Running returns the number of executions holding a slot.
func (e *Engine) Running() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// Prune forgets terminal executions completed before olderThan.
func (e *Engine) Prune(olderThan time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	for id, exec := range e.executions {
		if exec.Status.Terminal() && exec.CompletedAt != nil && exec.CompletedAt.Before(olderThan) {
			delete(e.executions, id)
			delete(e.playbooks, id)
			delete(e.rollbacks, id)
			removed++
		}
	}
	return removed
}

func (e *Engine) approversFor(pb *model.Playbook) []string {
	if pb != nil && len(pb.Approvers) > 0 {
		return append([]string(nil), pb.Approvers...)
	}
	return append([]string(nil), e.config.DefaultApprovers...)
}

func copyVars(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
