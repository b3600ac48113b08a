package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yazhsab/qbitel-bridge/go/soar/internal/events"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/lock"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/metrics"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/model"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/playbook"
)

// recordingHandler succeeds unless its action id is in fail, and records call order.
type recordingHandler struct {
	mu           sync.Mutex
	calls        []string
	rollbacks    []string
	fail         map[string]bool
	failRollback map[string]bool
}

func newRecordingHandler(fail ...string) *recordingHandler {
	h := &recordingHandler{fail: map[string]bool{}, failRollback: map[string]bool{}}
	for _, id := range fail {
		h.fail[id] = true
	}
	return h
}

func (h *recordingHandler) Execute(_ context.Context, req ActionRequest) (ActionOutput, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, req.Action.ID)
	if h.fail[req.Action.ID] {
		return ActionOutput{}, errors.New("firewall API unreachable")
	}
	return ActionOutput{Output: "ok", AffectedEntities: []string{req.Target}}, nil
}

func (h *recordingHandler) Rollback(_ context.Context, req ActionRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rollbacks = append(h.rollbacks, req.Action.ID)
	if h.failRollback[req.Action.ID] {
		return errors.New("rule already removed")
	}
	return nil
}

func (h *recordingHandler) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

type fixture struct {
	engine   *Engine
	registry *playbook.Registry
	handlers *HandlerRegistry
	metrics  *metrics.Metrics
	events   *eventLog
}

type eventLog struct {
	mu    sync.Mutex
	names []string
}

func (l *eventLog) Publish(name string, _ map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.names = append(l.names, name)
}

func (l *eventLog) Names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.names...)
}

var _ events.Publisher = (*eventLog)(nil)

func newFixture(t *testing.T, config *Config) *fixture {
	logger := zaptest.NewLogger(t)
	log := &eventLog{}
	m := metrics.NewUnregistered()
	registry := playbook.NewRegistry(logger, log)
	handlers := NewHandlerRegistry()

	e, err := New(logger, config, registry, handlers, lock.NewMemoryLocker(), log, m)
	require.NoError(t, err)

	return &fixture{engine: e, registry: registry, handlers: handlers, metrics: m, events: log}
}

func (f *fixture) register(t *testing.T, pb *model.Playbook) {
	_, err := f.registry.Register(pb)
	require.NoError(t, err)
}

func testIncident(id string) *model.Incident {
	return &model.Incident{
		ID:             id,
		ThreatType:     "ransomware",
		Severity:       model.SeverityCritical,
		State:          model.StateInvestigating,
		AffectedAssets: []string{"host-1", "host-2"},
		Metadata:       map[string]string{"business_unit": "finance"},
	}
}

func act(id string, category model.ActionCategory, deps ...string) model.PlaybookAction {
	return model.PlaybookAction{ID: id, Name: id, Category: category, DependsOn: deps, Target: "host-1"}
}

func pbWith(id string, actions ...model.PlaybookAction) *model.Playbook {
	return &model.Playbook{ID: id, Version: "1.0.0", Name: id, Actions: actions}
}

func assertTotalsBalance(t *testing.T, exec *model.PlaybookExecution) {
	t.Helper()
	m := exec.Metrics
	assert.Equal(t, m.TotalActions, m.CompletedActions+m.FailedActions+m.SkippedActions)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	logger := zaptest.NewLogger(t)
	log := &eventLog{}
	registry := playbook.NewRegistry(logger, log)

	_, err := New(logger, &Config{MaxConcurrent: 0}, registry, NewHandlerRegistry(), lock.NewMemoryLocker(), log, metrics.NewUnregistered())
	assert.Error(t, err)
	_, err = New(logger, &Config{MaxConcurrent: 1, MinSuccessRate: 2}, registry, NewHandlerRegistry(), lock.NewMemoryLocker(), log, metrics.NewUnregistered())
	assert.Error(t, err)
}

func TestExecute_FailedDependencySkipsDependent(t *testing.T) {
	f := newFixture(t, nil)
	h := newRecordingHandler("A")
	f.handlers.Register(string(model.CategoryOther), h)
	f.register(t, pbWith("pb", act("A", model.CategoryOther), act("B", model.CategoryOther, "A")))

	exec, err := f.engine.Execute(context.Background(), "pb", testIncident("inc-1"), "analyst", nil)
	require.NoError(t, err)

	assert.Equal(t, model.ActionFailed, exec.ActionResults["A"].Status)
	assert.Equal(t, model.ActionSkipped, exec.ActionResults["B"].Status)
	assert.Equal(t, model.SkipDependenciesNotMet, exec.ActionResults["B"].SkipReason)
	assert.Equal(t, model.ExecutionFailed, exec.Status)
	assert.False(t, exec.PartialSuccess)
	assert.Len(t, exec.Errors, 1)
	assert.Equal(t, []string{"A"}, h.Calls())
	assertTotalsBalance(t, exec)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.PlaybookExecutions.WithLabelValues("pb", "failed")))
	assert.Equal(t, 0, f.engine.Running())
}

func TestExecute_DependenciesRunFirst(t *testing.T) {
	f := newFixture(t, nil)
	h := newRecordingHandler()
	f.handlers.Register(string(model.CategoryContainment), h)
	f.handlers.Register(string(model.CategoryNotification), h)
	f.handlers.Register(string(model.CategoryInvestigation), h)

	f.register(t, pbWith("pb",
		act("notify", model.CategoryNotification, "block", "collect"),
		act("block", model.CategoryContainment, "collect"),
		act("collect", model.CategoryInvestigation)))

	exec, err := f.engine.Execute(context.Background(), "pb", testIncident("inc-1"), "analyst", nil)
	require.NoError(t, err)

	assert.Equal(t, model.ExecutionCompleted, exec.Status)
	assert.Equal(t, []string{"collect", "block", "notify"}, h.Calls())
	assert.Equal(t, []string{"collect", "block", "notify"}, exec.ExecutionOrder)
	assert.Equal(t, 1.0, exec.Metrics.SuccessRate)
	assertTotalsBalance(t, exec)

	names := f.events.Names()
	assert.Contains(t, names, model.EventExecutionStarted)
	assert.Contains(t, names, model.EventExecutionCompleted)
}

func TestExecute_ConditionsSkip(t *testing.T) {
	f := newFixture(t, nil)
	h := newRecordingHandler()
	f.handlers.Register(string(model.CategoryNotification), h)

	page := act("page", model.CategoryNotification)
	page.Conditions = []model.Condition{{Field: "severity", Operator: model.OpEquals, Value: "low"}}
	email := act("email", model.CategoryNotification)
	email.Conditions = []model.Condition{{Field: "metadata.business_unit", Operator: model.OpEquals, Value: "finance"}}
	f.register(t, pbWith("pb", page, email))

	exec, err := f.engine.Execute(context.Background(), "pb", testIncident("inc-1"), "analyst", nil)
	require.NoError(t, err)

	assert.Equal(t, model.ActionSkipped, exec.ActionResults["page"].Status)
	assert.Equal(t, model.SkipConditionsNotMet, exec.ActionResults["page"].SkipReason)
	assert.Equal(t, model.ActionSuccess, exec.ActionResults["email"].Status)
	assert.Equal(t, model.ExecutionCompleted, exec.Status)
	assertTotalsBalance(t, exec)
}

func TestExecute_ContainmentFailureHalts(t *testing.T) {
	f := newFixture(t, nil)
	h := newRecordingHandler("isolate")
	f.handlers.Register(string(model.CategoryContainment), h)
	f.handlers.Register(string(model.CategoryNotification), h)

	f.register(t, pbWith("pb",
		act("isolate", model.CategoryContainment),
		act("notify", model.CategoryNotification),
		act("ticket", model.CategoryNotification)))

	exec, err := f.engine.Execute(context.Background(), "pb", testIncident("inc-1"), "analyst", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"isolate"}, h.Calls())
	assert.Len(t, exec.ActionResults, 1)
	assert.Equal(t, 3, exec.Metrics.TotalActions)
	assert.Equal(t, 1, exec.Metrics.FailedActions)
	assert.Equal(t, 2, exec.Metrics.SkippedActions)
	assert.Equal(t, model.ExecutionFailed, exec.Status)
	assertTotalsBalance(t, exec)
}

func TestExecute_NonContainmentFailureContinues(t *testing.T) {
	tests := []struct {
		name           string
		minSuccessRate float64
		status         model.ExecutionStatus
		partial        bool
	}{
		{"any success counts by default", 0, model.ExecutionCompleted, true},
		{"threshold not met", 0.75, model.ExecutionFailed, false},
		{"threshold met", 0.5, model.ExecutionCompleted, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			config.MinSuccessRate = tt.minSuccessRate
			f := newFixture(t, config)
			h := newRecordingHandler("notify")
			f.handlers.Register(string(model.CategoryNotification), h)
			f.handlers.Register(string(model.CategoryRemediation), h)

			f.register(t, pbWith("pb",
				act("notify", model.CategoryNotification),
				act("patch", model.CategoryRemediation)))

			exec, err := f.engine.Execute(context.Background(), "pb", testIncident("inc-1"), "analyst", nil)
			require.NoError(t, err)

			assert.Equal(t, []string{"notify", "patch"}, h.Calls())
			assert.Equal(t, tt.status, exec.Status)
			assert.Equal(t, tt.partial, exec.PartialSuccess)
			assert.Equal(t, 0.5, exec.Metrics.SuccessRate)
			assertTotalsBalance(t, exec)
		})
	}
}

func TestExecute_MissingHandlerFailsAction(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, pbWith("pb", act("A", model.CategoryOther)))

	exec, err := f.engine.Execute(context.Background(), "pb", testIncident("inc-1"), "analyst", nil)
	require.NoError(t, err)

	assert.Equal(t, model.ActionFailed, exec.ActionResults["A"].Status)
	assert.Contains(t, exec.ActionResults["A"].Error, model.ErrHandlerFailure.Error())
	assert.Equal(t, model.ExecutionFailed, exec.Status)
}

func TestExecute_SpecificHandlerPreferred(t *testing.T) {
	f := newFixture(t, nil)
	generic := newRecordingHandler()
	specific := newRecordingHandler()
	f.handlers.Register(string(model.CategoryContainment), generic)
	f.handlers.Register("block_ip", specific)

	a := act("A", model.CategoryContainment)
	a.Handler = "block_ip"
	a.Target = "${attacker_ip}"
	f.register(t, pbWith("pb", a))

	exec, err := f.engine.Execute(context.Background(), "pb", testIncident("inc-1"), "analyst", map[string]string{"attacker_ip": "203.0.113.7"})
	require.NoError(t, err)

	assert.Equal(t, []string{"A"}, specific.Calls())
	assert.Empty(t, generic.Calls())
	assert.Equal(t, []string{"203.0.113.7"}, exec.ActionResults["A"].AffectedEntities)
}

func TestExecute_HandlerTimeoutAndPanic(t *testing.T) {
	f := newFixture(t, nil)
	f.handlers.Register("slow", HandlerFunc(func(ctx context.Context, _ ActionRequest) (ActionOutput, error) {
		<-ctx.Done()
		return ActionOutput{}, ctx.Err()
	}))
	f.handlers.Register("panics", HandlerFunc(func(context.Context, ActionRequest) (ActionOutput, error) {
		panic("nil pointer in handler")
	}))

	slow := act("slow", model.CategoryOther)
	slow.Handler = "slow"
	slow.Timeout = 20 * time.Millisecond
	crash := act("crash", model.CategoryOther)
	crash.Handler = "panics"
	f.register(t, pbWith("pb", slow, crash))

	exec, err := f.engine.Execute(context.Background(), "pb", testIncident("inc-1"), "analyst", nil)
	require.NoError(t, err)

	assert.Equal(t, model.ActionFailed, exec.ActionResults["slow"].Status)
	assert.Equal(t, model.ActionFailed, exec.ActionResults["crash"].Status)
	assert.Contains(t, exec.ActionResults["crash"].Error, "panicked")
}

func TestExecute_UnknownPlaybook(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.engine.Execute(context.Background(), "missing", testIncident("inc-1"), "analyst", nil)
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestExecute_CapacityExceeded(t *testing.T) {
	const limit = 3
	config := DefaultConfig()
	config.MaxConcurrent = limit
	f := newFixture(t, config)

	release := make(chan struct{})
	f.handlers.Register(string(model.CategoryOther), HandlerFunc(func(ctx context.Context, _ ActionRequest) (ActionOutput, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return ActionOutput{}, nil
	}))
	f.register(t, pbWith("pb", act("A", model.CategoryOther)))

	errs := make(chan error, limit+1)
	for i := 0; i < limit+1; i++ {
		go func(i int) {
			_, err := f.engine.Execute(context.Background(), "pb", testIncident(string(rune('a'+i))), "analyst", nil)
			errs <- err
		}(i)
	}

	select {
	case err := <-errs:
		assert.True(t, errors.Is(err, model.ErrCapacityExceeded), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("no execution was rejected at capacity")
	}
	assert.Equal(t, limit, f.engine.Running())

	close(release)
	for i := 0; i < limit; i++ {
		assert.NoError(t, <-errs)
	}
	assert.Equal(t, 0, f.engine.Running())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.CapacityRejections))
}

func TestExecute_SameIncidentRunsSerialize(t *testing.T) {
	f := newFixture(t, nil)

	var active, maxActive int32
	f.handlers.Register(string(model.CategoryOther), HandlerFunc(func(context.Context, ActionRequest) (ActionOutput, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			m := atomic.LoadInt32(&maxActive)
			if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return ActionOutput{}, nil
	}))
	f.register(t, pbWith("pb", act("A", model.CategoryOther)))

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Execute(context.Background(), "pb", testIncident("inc-shared"), "analyst", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive))
	assert.Len(t, f.engine.List(ListFilter{IncidentID: "inc-shared"}), 3)
}

func approvalPlaybook() *model.Playbook {
	pb := pbWith("pb-approval", act("A", model.CategoryOther))
	pb.ApprovalRequired = true
	pb.Approvers = []string{"soc-lead"}
	return pb
}

func TestApprovalFlow(t *testing.T) {
	f := newFixture(t, nil)
	h := newRecordingHandler()
	f.handlers.Register(string(model.CategoryOther), h)
	f.register(t, approvalPlaybook())
	inc := testIncident("inc-1")
	ctx := context.Background()

	exec, err := f.engine.Execute(ctx, "pb-approval", inc, "analyst", nil)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionAwaitingApproval, exec.Status)
	assert.Equal(t, model.ApprovalPending, exec.ApprovalStatus)
	assert.Empty(t, h.Calls())
	assert.Equal(t, 0, f.engine.Running())

	pending := f.engine.PendingApprovals()
	require.Len(t, pending, 1)
	assert.Equal(t, exec.ID, pending[0].ID)
	assert.Equal(t, []string{"soc-lead"}, pending[0].Approvers)

	_, err = f.engine.Approve(ctx, exec.ID, "intern", inc)
	assert.True(t, errors.Is(err, model.ErrUnauthorized))
	still, _ := f.engine.Get(exec.ID)
	assert.Equal(t, model.ExecutionAwaitingApproval, still.Status)

	approved, err := f.engine.Approve(ctx, exec.ID, "soc-lead", inc)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCompleted, approved.Status)
	assert.Equal(t, model.ApprovalApproved, approved.ApprovalStatus)
	assert.Equal(t, "soc-lead", approved.ApprovedBy)
	assert.Equal(t, []string{"A"}, h.Calls())

	_, err = f.engine.Approve(ctx, exec.ID, "soc-lead", inc)
	assert.True(t, errors.Is(err, model.ErrInvalidState))
	assert.Empty(t, f.engine.PendingApprovals())
}

func TestApprovalFlow_DefaultApprovers(t *testing.T) {
	config := DefaultConfig()
	config.DefaultApprovers = []string{"duty-manager"}
	f := newFixture(t, config)
	f.handlers.Register(string(model.CategoryOther), newRecordingHandler())

	pb := approvalPlaybook()
	pb.Approvers = nil
	f.register(t, pb)
	inc := testIncident("inc-1")

	exec, err := f.engine.Execute(context.Background(), pb.ID, inc, "analyst", nil)
	require.NoError(t, err)

	_, err = f.engine.Approve(context.Background(), exec.ID, "soc-lead", inc)
	assert.True(t, errors.Is(err, model.ErrUnauthorized))
	_, err = f.engine.Approve(context.Background(), exec.ID, "duty-manager", inc)
	assert.NoError(t, err)
}

func TestReject(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, approvalPlaybook())
	inc := testIncident("inc-1")

	exec, err := f.engine.Execute(context.Background(), "pb-approval", inc, "analyst", nil)
	require.NoError(t, err)

	rejected, err := f.engine.Reject(exec.ID, "soc-lead", "false positive")
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionRejected, rejected.Status)
	assert.Equal(t, model.ApprovalRejected, rejected.ApprovalStatus)

	_, err = f.engine.Approve(context.Background(), exec.ID, "soc-lead", inc)
	assert.True(t, errors.Is(err, model.ErrInvalidState))
	_, err = f.engine.Rollback(context.Background(), exec.ID, nil, "undo", "soc-lead")
	assert.True(t, errors.Is(err, model.ErrInvalidState))
}

func rollbackFixture(t *testing.T) (*fixture, *recordingHandler, *model.PlaybookExecution) {
	f := newFixture(t, nil)
	h := newRecordingHandler()
	f.handlers.Register(string(model.CategoryContainment), h)
	f.handlers.Register(string(model.CategoryNotification), h)

	first := act("block", model.CategoryContainment)
	first.RollbackEnabled = true
	second := act("firewall", model.CategoryContainment, "block")
	second.RollbackEnabled = true
	notify := act("notify", model.CategoryNotification, "firewall")
	f.register(t, pbWith("pb", first, second, notify))

	exec, err := f.engine.Execute(context.Background(), "pb", testIncident("inc-1"), "analyst", nil)
	require.NoError(t, err)
	require.True(t, exec.RollbackAvailable)
	assert.Equal(t, model.RollbackNotAvailable, exec.ActionResults["notify"].RollbackStatus)
	return f, h, exec
}

func TestRollback_ReverseOrderAndOnce(t *testing.T) {
	f, h, exec := rollbackFixture(t)
	ctx := context.Background()

	result, err := f.engine.Rollback(ctx, exec.ID, nil, "false positive", "soc-lead")
	require.NoError(t, err)
	assert.True(t, result.Success())
	assert.Equal(t, []string{"firewall", "block"}, result.RolledBack)
	assert.Equal(t, []string{"firewall", "block"}, h.rollbacks)
	assert.Equal(t, model.ExecutionRolledBack, result.Status)

	after, _ := f.engine.Get(exec.ID)
	assert.True(t, after.RollbackExecuted)
	assert.Equal(t, model.RollbackExecuted, after.ActionResults["block"].RollbackStatus)

	_, err = f.engine.Rollback(ctx, exec.ID, nil, "again", "soc-lead")
	assert.True(t, errors.Is(err, model.ErrInvalidState))

	stored, err := f.engine.RollbackResult(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, result.RolledBack, stored.RolledBack)
	assert.Equal(t, "false positive", stored.Reason)
	assert.Contains(t, f.events.Names(), model.EventActionRolledBack)
}

func TestRollback_PartialFailure(t *testing.T) {
	f, h, exec := rollbackFixture(t)
	h.failRollback["firewall"] = true

	result, err := f.engine.Rollback(context.Background(), exec.ID, nil, "undo", "soc-lead")
	require.NoError(t, err)

	assert.False(t, result.Success())
	assert.Equal(t, []string{"block"}, result.RolledBack)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "firewall", result.Failures[0].ActionID)
	assert.Equal(t, model.ExecutionCompleted, result.Status)

	after, _ := f.engine.Get(exec.ID)
	assert.True(t, after.RollbackExecuted)
	assert.Equal(t, model.RollbackFailed, after.ActionResults["firewall"].RollbackStatus)
}

func TestRollback_SelectedActions(t *testing.T) {
	f, h, exec := rollbackFixture(t)

	_, err := f.engine.Rollback(context.Background(), exec.ID, []string{"ghost"}, "undo", "soc-lead")
	assert.True(t, errors.Is(err, model.ErrNotFound))

	result, err := f.engine.Rollback(context.Background(), exec.ID, []string{"block"}, "undo", "soc-lead")
	require.NoError(t, err)
	assert.Equal(t, []string{"block"}, result.RolledBack)
	assert.Equal(t, []string{"block"}, h.rollbacks)
}

// targetHandler records the targets it executes and reverses.
type targetHandler struct {
	mu       sync.Mutex
	executed []string
	reversed []string
}

func (h *targetHandler) Execute(_ context.Context, req ActionRequest) (ActionOutput, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.executed = append(h.executed, req.Target)
	return ActionOutput{Output: "rule installed"}, nil
}

func (h *targetHandler) Rollback(_ context.Context, req ActionRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reversed = append(h.reversed, req.Target)
	return nil
}

func TestRollback_ReversesExpandedTarget(t *testing.T) {
	f := newFixture(t, nil)
	h := &targetHandler{}
	f.handlers.Register(string(model.CategoryContainment), h)

	rule := act("rule", model.CategoryContainment)
	rule.Target = "fw-rule-${incident_id}-${metadata.business_unit}"
	rule.RollbackEnabled = true
	f.register(t, pbWith("pb", rule))

	exec, err := f.engine.Execute(context.Background(), "pb", testIncident("inc-9"), "analyst", nil)
	require.NoError(t, err)
	assert.Equal(t, "fw-rule-inc-9-finance", exec.ActionResults["rule"].Target)

	result, err := f.engine.Rollback(context.Background(), exec.ID, nil, "false positive", "soc-lead")
	require.NoError(t, err)
	require.True(t, result.Success())

	assert.Equal(t, []string{"fw-rule-inc-9-finance"}, h.executed)
	assert.Equal(t, h.executed, h.reversed)
}

func TestRollback_NotAvailable(t *testing.T) {
	f := newFixture(t, nil)
	f.handlers.Register(string(model.CategoryOther), newRecordingHandler())
	f.register(t, pbWith("pb", act("A", model.CategoryOther)))

	exec, err := f.engine.Execute(context.Background(), "pb", testIncident("inc-1"), "analyst", nil)
	require.NoError(t, err)
	assert.False(t, exec.RollbackAvailable)

	_, err = f.engine.Rollback(context.Background(), exec.ID, nil, "undo", "soc-lead")
	assert.True(t, errors.Is(err, model.ErrInvalidState))
	_, err = f.engine.Rollback(context.Background(), "missing", nil, "undo", "soc-lead")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestPrune(t *testing.T) {
	f := newFixture(t, nil)
	f.handlers.Register(string(model.CategoryOther), newRecordingHandler())
	f.register(t, pbWith("pb", act("A", model.CategoryOther)))
	f.register(t, approvalPlaybook())

	done, err := f.engine.Execute(context.Background(), "pb", testIncident("inc-1"), "analyst", nil)
	require.NoError(t, err)
	parked, err := f.engine.Execute(context.Background(), "pb-approval", testIncident("inc-1"), "analyst", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, f.engine.Prune(time.Now().Add(time.Minute)))
	_, err = f.engine.Get(done.ID)
	assert.True(t, errors.Is(err, model.ErrNotFound))
	_, err = f.engine.Get(parked.ID)
	assert.NoError(t, err)
}
