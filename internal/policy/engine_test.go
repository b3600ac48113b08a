package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNewEvaluator(t *testing.T) {
	logger := zaptest.NewLogger(t)

	evaluator, err := NewEvaluator(logger, nil)
	require.NoError(t, err)
	require.NotNil(t, evaluator)
	assert.Equal(t, DefaultModule, evaluator.config.Module)
}

func TestEvaluator_DefaultModule(t *testing.T) {
	logger := zaptest.NewLogger(t)
	config := DefaultConfig()
	config.AlwaysRequire = map[string][]string{"containment": {"rebuild_system"}}

	evaluator, err := NewEvaluator(logger, config)
	require.NoError(t, err)

	tests := []struct {
		name     string
		input    ApprovalInput
		expected bool
	}{
		{"configured default off", ApprovalInput{Kind: "containment", ActionType: "block_ip"}, false},
		{"configured default on", ApprovalInput{Kind: "remediation", ActionType: "apply_patch", ConfiguredDefault: true}, true},
		{"override forces approval", ApprovalInput{Kind: "containment", ActionType: "block_ip", HasOverride: true, Override: true}, true},
		{"override waives approval", ApprovalInput{Kind: "remediation", ActionType: "apply_patch", ConfiguredDefault: true, HasOverride: true, Override: false}, false},
		{"always require list", ApprovalInput{Kind: "containment", ActionType: "rebuild_system"}, true},
		{"always require list is per kind", ApprovalInput{Kind: "remediation", ActionType: "rebuild_system"}, false},
		{"override beats always require", ApprovalInput{Kind: "containment", ActionType: "rebuild_system", HasOverride: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			required, err := evaluator.RequiresApproval(context.Background(), tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, required)
		})
	}
}

func TestEvaluator_CustomModuleFromFile(t *testing.T) {
	logger := zaptest.NewLogger(t)
	path := filepath.Join(t.TempDir(), "approval.rego")
	module := `
package soar.approval

import future.keywords.if

default require_approval = false

require_approval = true if {
	input.severity == "critical"
}
`
	require.NoError(t, os.WriteFile(path, []byte(module), 0o600))

	evaluator, err := NewEvaluatorFromFile(logger, path, nil)
	require.NoError(t, err)

	required, err := evaluator.RequiresApproval(context.Background(), ApprovalInput{Severity: "critical"})
	require.NoError(t, err)
	assert.True(t, required)

	required, err = evaluator.RequiresApproval(context.Background(), ApprovalInput{Severity: "low", ConfiguredDefault: true})
	require.NoError(t, err)
	assert.False(t, required)
}

func TestEvaluator_InvalidModuleRejected(t *testing.T) {
	logger := zaptest.NewLogger(t)
	config := DefaultConfig()
	config.Module = "package soar.approval\n\nrequire_approval = {"

	_, err := NewEvaluator(logger, config)
	assert.Error(t, err)
}

func TestEvaluator_LoadModuleKeepsPreviousOnError(t *testing.T) {
	logger := zaptest.NewLogger(t)
	evaluator, err := NewEvaluator(logger, nil)
	require.NoError(t, err)

	assert.Error(t, evaluator.LoadModule(context.Background(), "broken.rego", "package soar.approval\nrequire_approval = {"))

	required, err := evaluator.RequiresApproval(context.Background(), ApprovalInput{ConfiguredDefault: true})
	require.NoError(t, err)
	assert.True(t, required)
}

func TestEvaluator_NonBooleanDecisionFailsClosed(t *testing.T) {
	logger := zaptest.NewLogger(t)
	config := DefaultConfig()
	config.Module = "package soar.approval\n\nrequire_approval = \"maybe\"\n"

	evaluator, err := NewEvaluator(logger, config)
	require.NoError(t, err)

	required, err := evaluator.RequiresApproval(context.Background(), ApprovalInput{})
	assert.Error(t, err)
	assert.True(t, required)
}

func TestStatic(t *testing.T) {
	ctx := context.Background()

	required, err := Static{}.RequiresApproval(ctx, ApprovalInput{ConfiguredDefault: true})
	require.NoError(t, err)
	assert.True(t, required)

	required, err = Static{}.RequiresApproval(ctx, ApprovalInput{ConfiguredDefault: true, HasOverride: true})
	require.NoError(t, err)
	assert.False(t, required)
}
