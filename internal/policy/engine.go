package policy

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"go.uber.org/zap"
)

// Query is the decision every approval module must define.
const Query = "data.soar.approval.require_approval"

// DefaultModule lets a per-request override win and otherwise falls back to the
// configured default. Types listed under data.soar.always_require[kind] need
// approval whenever no override is given.
const DefaultModule = `
package soar.approval

import future.keywords.if
import future.keywords.in

default require_approval = false

require_approval = input.override if {
	input.has_override
}

require_approval = true if {
	not input.has_override
	input.configured_default
}

require_approval = true if {
	not input.has_override
	not input.configured_default
	input.action_type in data.soar.always_require[input.kind]
}
`

// Decider answers whether an action must wait for a human approval.
type Decider interface {
	RequiresApproval(ctx context.Context, in ApprovalInput) (bool, error)
}

// ApprovalInput is the document evaluated by the approval module
type ApprovalInput struct {
	Kind              string `json:"kind"`
	ActionType        string `json:"action_type"`
	Severity          string `json:"severity"`
	ThreatType        string `json:"threat_type"`
	HasOverride       bool   `json:"has_override"`
	Override          bool   `json:"override"`
	ConfiguredDefault bool   `json:"configured_default"`
}

func (in ApprovalInput) document() map[string]interface{} {
	return map[string]interface{}{
		"kind":               in.Kind,
		"action_type":        in.ActionType,
		"severity":           in.Severity,
		"threat_type":        in.ThreatType,
		"has_override":       in.HasOverride,
		"override":           in.Override,
		"configured_default": in.ConfiguredDefault,
	}
}

// Config holds evaluator configuration
type Config struct {
	// Module is the Rego source; DefaultModule when empty.
	Module string `json:"module"`
	// AlwaysRequire lists action types per kind that need approval unless overridden.
	AlwaysRequire map[string][]string `json:"always_require"`
	EvalTimeout   time.Duration       `json:"eval_timeout"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Module:        DefaultModule,
		AlwaysRequire: map[string][]string{},
		EvalTimeout:   time.Second * 2,
	}
}

// Evaluator evaluates the approval module prepared once at construction.
type Evaluator struct {
	logger *zap.Logger
	config *Config
	store  storage.Store

	mu       sync.RWMutex
	prepared rego.PreparedEvalQuery
}

// NewEvaluator compiles the configured module.
func NewEvaluator(logger *zap.Logger, config *Config) (*Evaluator, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Module == "" {
		config.Module = DefaultModule
	}
	if config.EvalTimeout <= 0 {
		config.EvalTimeout = 2 * time.Second
	}

	always := make(map[string]interface{}, len(config.AlwaysRequire))
	for kind, types := range config.AlwaysRequire {
		list := make([]interface{}, 0, len(types))
		for _, t := range types {
			list = append(list, t)
		}
		always[kind] = list
	}

	e := &Evaluator{
		logger: logger,
		config: config,
		store: inmem.NewFromObject(map[string]interface{}{
			"soar": map[string]interface{}{"always_require": always},
		}),
	}

	if err := e.LoadModule(context.Background(), "approval.rego", config.Module); err != nil {
		return nil, err
	}
	return e, nil
}

// NewEvaluatorFromFile loads the module source from path.
func NewEvaluatorFromFile(logger *zap.Logger, path string, config *Config) (*Evaluator, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read approval policy: %w", err)
	}
	if config == nil {
		config = DefaultConfig()
	}
	config.Module = string(src)
	return NewEvaluator(logger, config)
}

// LoadModule compiles src and swaps it in. The previous module stays active on error.
func (e *Evaluator) LoadModule(ctx context.Context, name, src string) error {
	prepared, err := rego.New(
		rego.Query(Query),
		rego.Module(name, src),
		rego.Store(e.store),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to compile approval policy: %w", err)
	}

	e.mu.Lock()
	e.prepared = prepared
	e.mu.Unlock()

	e.logger.Info("approval policy loaded", zap.String("module", name))
	return nil
}

// RequiresApproval evaluates the decision. Any evaluation error fails closed:
// approval is required and the error is returned alongside.
func (e *Evaluator) RequiresApproval(ctx context.Context, in ApprovalInput) (bool, error) {
	start := time.Now()

	evalCtx, cancel := context.WithTimeout(ctx, e.config.EvalTimeout)
	defer cancel()

	e.mu.RLock()
	prepared := e.prepared
	e.mu.RUnlock()

	results, err := prepared.Eval(evalCtx, rego.EvalInput(in.document()))
	if err != nil {
		return true, fmt.Errorf("approval policy evaluation failed: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return true, fmt.Errorf("approval policy returned no decision")
	}

	required, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return true, fmt.Errorf("approval policy returned %T, want bool", results[0].Expressions[0].Value)
	}

	e.logger.Debug("approval policy evaluated",
		zap.String("kind", in.Kind),
		zap.String("action_type", in.ActionType),
		zap.Bool("require_approval", required),
		zap.Duration("duration", time.Since(start)))

	return required, nil
}

// Static is a Decider that ignores policy modules: the override wins, else the configured default.
type Static struct{}

// RequiresApproval implements Decider.
func (Static) RequiresApproval(_ context.Context, in ApprovalInput) (bool, error) {
	if in.HasOverride {
		return in.Override, nil
	}
	return in.ConfiguredDefault, nil
}
