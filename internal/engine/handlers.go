package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/yazhsab/qbitel-bridge/go/soar/internal/model"
)

// ActionRequest is what a handler receives for one action.
type ActionRequest struct {
	ExecutionID string
	IncidentID  string
	Action      model.PlaybookAction
	// Target is the action target after variable expansion.
	Target    string
	Incident  *model.Incident
	Variables map[string]string
}

// ActionOutput is a handler's successful result.
type ActionOutput struct {
	Output           string
	AffectedEntities []string
}

// Handler performs the side effect of an action.
type Handler interface {
	Execute(ctx context.Context, req ActionRequest) (ActionOutput, error)
}

// Rollbacker is implemented by handlers whose effect can be reversed.
type Rollbacker interface {
	Rollback(ctx context.Context, req ActionRequest) error
}

// Releaser is implemented by handlers that can lift an active containment.
type Releaser interface {
	Release(ctx context.Context, req ActionRequest) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req ActionRequest) (ActionOutput, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, req ActionRequest) (ActionOutput, error) {
	return f(ctx, req)
}

// HandlerRegistry maps handler keys to handlers. Keys are action handler
// names, action categories, or containment and remediation types.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewHandlerRegistry creates an empty registry
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Handler)}
}

// Register binds key to h, replacing any previous binding.
func (r *HandlerRegistry) Register(key string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[key] = h
}

// Get returns the handler bound to key.
func (r *HandlerRegistry) Get(key string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[key]
	return h, ok
}

// Resolve finds the handler for a playbook action: its Handler key first, then its category.
func (r *HandlerRegistry) Resolve(action model.PlaybookAction) (Handler, error) {
	if action.Handler != "" {
		if h, ok := r.Get(action.Handler); ok {
			return h, nil
		}
	}
	if h, ok := r.Get(string(action.Category)); ok {
		return h, nil
	}
	key := action.Handler
	if key == "" {
		key = string(action.Category)
	}
	return nil, fmt.Errorf("%w: no handler registered for %s", model.ErrHandlerFailure, key)
}

// Keys returns the registered keys in sorted order.
func (r *HandlerRegistry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LoggingHandler records actions in the log without touching any external
// system. It supports rollback and release.
type LoggingHandler struct {
	logger *zap.Logger
	name   string
}

// NewLoggingHandler creates a logging handler named name.
func NewLoggingHandler(logger *zap.Logger, name string) *LoggingHandler {
	return &LoggingHandler{logger: logger, name: name}
}

// Execute implements Handler.
func (h *LoggingHandler) Execute(_ context.Context, req ActionRequest) (ActionOutput, error) {
	h.logger.Info("action executed",
		zap.String("handler", h.name),
		zap.String("incident_id", req.IncidentID),
		zap.String("action_id", req.Action.ID),
		zap.String("target", req.Target))

	out := ActionOutput{Output: fmt.Sprintf("%s applied to %q", h.name, req.Target)}
	if req.Target != "" {
		out.AffectedEntities = []string{req.Target}
	}
	return out, nil
}

// Rollback implements Rollbacker.
func (h *LoggingHandler) Rollback(_ context.Context, req ActionRequest) error {
	h.logger.Info("action rolled back",
		zap.String("handler", h.name),
		zap.String("action_id", req.Action.ID),
		zap.String("target", req.Target))
	return nil
}

// Release implements Releaser.
func (h *LoggingHandler) Release(_ context.Context, req ActionRequest) error {
	h.logger.Info("containment released",
		zap.String("handler", h.name),
		zap.String("action_id", req.Action.ID),
		zap.String("target", req.Target))
	return nil
}
