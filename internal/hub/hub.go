// Package hub wires the incident store, playbook engine, response
// coordinators and health monitor into one orchestration surface.
package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yazhsab/qbitel-bridge/go/soar/internal/audit"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/config"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/containment"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/engine"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/events"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/health"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/incident"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/lock"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/metrics"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/model"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/playbook"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/policy"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/remediation"
)

// Actor recorded for actions the hub takes on its own.
const SystemActor = "system"

// Audit action names.
const (
	AuditIncidentCreate      = "incident.create"
	AuditIncidentState       = "incident.update_state"
	AuditPlaybookRegister    = "playbook.register"
	AuditPlaybookExecute     = "playbook.execute"
	AuditExecutionApprove    = "playbook.approve"
	AuditExecutionReject     = "playbook.reject"
	AuditExecutionRollback   = "playbook.rollback"
	AuditContain             = "containment.request"
	AuditAutoContain         = "containment.auto"
	AuditContainmentApprove  = "containment.approve"
	AuditContainmentReject   = "containment.reject"
	AuditContainmentRelease  = "containment.release"
	AuditContainmentUndo     = "containment.rollback"
	AuditRemediate           = "remediation.request"
	AuditRemediationApprove  = "remediation.approve"
	AuditRemediationReject   = "remediation.reject"
	AuditRemediationRollback = "remediation.rollback"
	AuditCleanup             = "audit.cleanup"
)

// Deps are the collaborators injected into the hub. Nil fields get
// in-memory defaults.
type Deps struct {
	Audit    audit.Sink
	Locker   lock.Locker
	Decider  policy.Decider
	Handlers *engine.HandlerRegistry
	Metrics  *metrics.Metrics
	Bus      *events.Bus
}

// Hub is the orchestration façade.
type Hub struct {
	logger  *zap.Logger
	config  *config.Config
	audit   audit.Sink
	bus     *events.Bus
	metrics *metrics.Metrics

	handlers    *engine.HandlerRegistry
	incidents   *incident.Store
	playbooks   *playbook.Registry
	engine      *engine.Engine
	containment *containment.Coordinator
	remediation *remediation.Coordinator
	health      *health.Monitor

	mu        sync.Mutex
	escalated map[string]bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	now func() time.Time
}

// New builds a hub from cfg and deps.
func New(logger *zap.Logger, cfg *config.Config, deps Deps) (*Hub, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if deps.Metrics == nil {
		deps.Metrics = metrics.NewUnregistered()
	}
	if deps.Bus == nil {
		deps.Bus = events.NewBus(logger, deps.Metrics)
	}
	if deps.Audit == nil {
		deps.Audit = audit.NewMemorySink()
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewMemoryLocker()
	}
	if deps.Decider == nil {
		deps.Decider = policy.Static{}
	}
	if deps.Handlers == nil {
		deps.Handlers = engine.NewHandlerRegistry()
	}

	h := &Hub{
		logger:    logger,
		config:    cfg,
		audit:     deps.Audit,
		bus:       deps.Bus,
		metrics:   deps.Metrics,
		handlers:  deps.Handlers,
		escalated: make(map[string]bool),
		now:       func() time.Time { return time.Now().UTC() },
	}

	h.incidents = incident.NewStore(logger, deps.Metrics, deps.Bus)
	h.playbooks = playbook.NewRegistry(logger, deps.Bus)

	var err error
	h.engine, err = engine.New(logger, &engine.Config{
		MaxConcurrent:    cfg.MaxConcurrentPlaybooks,
		MinSuccessRate:   cfg.MinSuccessRate,
		ActionTimeout:    cfg.ActionTimeout,
		DefaultApprovers: cfg.DefaultApprovers,
	}, h.playbooks, deps.Handlers, deps.Locker, deps.Bus, deps.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create execution engine: %w", err)
	}

	h.containment, err = containment.New(logger, &containment.Config{
		RequireApproval:  cfg.RequireApprovalForContainment,
		DefaultApprovers: cfg.DefaultApprovers,
		ActionTimeout:    cfg.ActionTimeout,
	}, deps.Decider, deps.Handlers, deps.Bus, deps.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create containment coordinator: %w", err)
	}

	h.remediation, err = remediation.New(logger, &remediation.Config{
		RequireApproval:  cfg.RequireApprovalForRemediation,
		DefaultApprovers: cfg.DefaultApprovers,
		ActionTimeout:    cfg.ActionTimeout,
	}, deps.Decider, deps.Handlers, deps.Bus, deps.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create remediation coordinator: %w", err)
	}

	healthConfig := health.DefaultConfig()
	healthConfig.Interval = cfg.HealthCheckInterval
	h.health, err = health.New(logger, healthConfig, deps.Bus, deps.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create health monitor: %w", err)
	}
	for name, url := range cfg.Integrations {
		h.health.Register(name, health.NewHTTPChecker(url))
	}

	return h, nil
}

// Handlers exposes the handler registry so callers can bind integrations.
func (h *Hub) Handlers() *engine.HandlerRegistry { return h.handlers }

// Health exposes the integration monitor for registering checkers.
func (h *Hub) Health() *health.Monitor { return h.health }

// Playbooks exposes the registry for bulk loading.
func (h *Hub) Playbooks() *playbook.Registry { return h.playbooks }

// Subscribe forwards every component event to fn until the returned func is called.
func (h *Hub) Subscribe(fn events.Handler) func() {
	return h.bus.Subscribe(fn)
}

// Start runs the health monitor, the retention sweep and the escalation
// check in the background until Stop is called or ctx is done.
func (h *Hub) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	if h.cancel != nil {
		h.mu.Unlock()
		cancel()
		return
	}
	h.cancel = cancel
	h.mu.Unlock()

	h.wg.Add(3)
	go func() {
		defer h.wg.Done()
		h.health.Start(ctx)
	}()
	go func() {
		defer h.wg.Done()
		h.every(ctx, h.config.CleanupInterval, func() {
			if _, err := h.Cleanup(ctx); err != nil {
				h.logger.Error("Retention sweep failed", zap.Error(err))
			}
		})
	}()
	go func() {
		defer h.wg.Done()
		h.every(ctx, escalationInterval(h.config.EscalationTimeout), func() {
			h.CheckEscalations()
		})
	}()

	h.logger.Info("Orchestration hub started",
		zap.Duration("health_check_interval", h.config.HealthCheckInterval),
		zap.Duration("cleanup_interval", h.config.CleanupInterval),
		zap.Duration("escalation_timeout", h.config.EscalationTimeout))
}

// Stop halts the background loops started by Start and waits for them.
func (h *Hub) Stop() {
	h.mu.Lock()
	cancel := h.cancel
	h.cancel = nil
	h.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	h.wg.Wait()
	h.logger.Info("Orchestration hub stopped")
}

func (h *Hub) every(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func escalationInterval(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return 0
	}
	if interval := timeout / 4; interval < time.Minute {
		return interval
	}
	return time.Minute
}

// record appends one audit entry for a mutating call. The outcome is derived
// from err unless status is given.
func (h *Hub) record(ctx context.Context, entry model.AuditLogEntry, err error) {
	if entry.Status == "" {
		entry.Status = model.AuditSuccess
		if err != nil {
			entry.Status = model.AuditFailure
		}
	}
	if err != nil {
		if entry.Details == nil {
			entry.Details = map[string]any{}
		}
		entry.Details["error"] = err.Error()
	}
	if entry.Actor == "" {
		entry.Actor = SystemActor
	}
	entry.Timestamp = h.now()

	if appendErr := h.audit.Append(ctx, entry); appendErr != nil {
		h.logger.Error("Failed to append audit entry",
			zap.String("action", entry.Action),
			zap.String("target", entry.Target),
			zap.Error(appendErr))
	}
}
