package playbook

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yazhsab/qbitel-bridge/go/soar/internal/model"
)

type recorder struct {
	names []string
}

func (r *recorder) Publish(name string, _ map[string]any) {
	r.names = append(r.names, name)
}

func action(id string, category model.ActionCategory, deps ...string) model.PlaybookAction {
	return model.PlaybookAction{ID: id, Name: id, Category: category, DependsOn: deps}
}

func testPlaybook(id string, actions ...model.PlaybookAction) *model.Playbook {
	return &model.Playbook{ID: id, Version: "1.0.0", Name: id, Actions: actions}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	rec := &recorder{}
	r := NewRegistry(zaptest.NewLogger(t), rec)

	pb := testPlaybook("pb-ransomware",
		action("isolate", model.CategoryContainment),
		action("notify", model.CategoryNotification, "isolate"))
	pb.ThreatTypes = []string{"ransomware"}

	stored, err := r.Register(pb)
	require.NoError(t, err)
	assert.False(t, stored.RegisteredAt.IsZero())
	assert.Equal(t, []string{model.EventPlaybookRegistered}, rec.names)

	pb.Actions[0].ID = "mutated"
	got, err := r.Get("pb-ransomware")
	require.NoError(t, err)
	assert.Equal(t, "isolate", got.Actions[0].ID)
}

func TestRegistry_LastRegisteredWins(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t), &recorder{})

	_, err := r.Register(testPlaybook("pb", action("a", model.CategoryOther)))
	require.NoError(t, err)

	v2 := testPlaybook("pb", action("a", model.CategoryOther), action("b", model.CategoryOther))
	v2.Version = "2.0.0"
	_, err = r.Register(v2)
	require.NoError(t, err)

	got, err := r.Get("pb")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", got.Version)
	assert.Len(t, r.List(), 1)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		pb      *model.Playbook
		wantErr error
	}{
		{"valid", testPlaybook("pb", action("a", model.CategoryOther)), nil},
		{"missing id", testPlaybook("", action("a", model.CategoryOther)), model.ErrInvalidPlaybook},
		{"missing version", &model.Playbook{ID: "pb", Actions: []model.PlaybookAction{action("a", model.CategoryOther)}}, model.ErrInvalidPlaybook},
		{"no actions", testPlaybook("pb"), model.ErrInvalidPlaybook},
		{"duplicate action", testPlaybook("pb", action("a", model.CategoryOther), action("a", model.CategoryOther)), model.ErrInvalidPlaybook},
		{"unknown category", testPlaybook("pb", action("a", "exotic")), model.ErrInvalidPlaybook},
		{"unknown dependency", testPlaybook("pb", action("a", model.CategoryOther, "ghost")), model.ErrInvalidPlaybook},
		{"self dependency", testPlaybook("pb", action("a", model.CategoryOther, "a")), model.ErrDependencyCycle},
		{"two node cycle", testPlaybook("pb",
			action("a", model.CategoryOther, "b"),
			action("b", model.CategoryOther, "a")), model.ErrDependencyCycle},
		{"three node cycle", testPlaybook("pb",
			action("root", model.CategoryOther),
			action("a", model.CategoryOther, "root", "c"),
			action("b", model.CategoryOther, "a"),
			action("c", model.CategoryOther, "b")), model.ErrDependencyCycle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.pb)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			assert.True(t, errors.Is(err, model.ErrInvalidPlaybook))
		})
	}
}

func TestRegistry_RejectsCycleAtRegistration(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t), &recorder{})

	_, err := r.Register(testPlaybook("pb",
		action("a", model.CategoryOther, "b"),
		action("b", model.CategoryOther, "a")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a -> b -> a")

	_, err = r.Get("pb")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestRegistry_Match(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t), &recorder{})

	generic := testPlaybook("pb-generic", action("a", model.CategoryOther))
	malware := testPlaybook("pb-malware", action("a", model.CategoryOther))
	malware.ThreatTypes = []string{"malware", "ransomware"}
	critical := testPlaybook("pb-critical-malware", action("a", model.CategoryOther))
	critical.ThreatTypes = []string{"malware"}
	critical.Severities = []model.Severity{model.SeverityCritical}

	for _, pb := range []*model.Playbook{malware, generic, critical} {
		_, err := r.Register(pb)
		require.NoError(t, err)
	}

	ids := func(pbs []*model.Playbook) []string {
		out := make([]string, 0, len(pbs))
		for _, pb := range pbs {
			out = append(out, pb.ID)
		}
		return out
	}

	assert.Equal(t, []string{"pb-critical-malware", "pb-generic", "pb-malware"}, ids(r.Match("malware", model.SeverityCritical)))
	assert.Equal(t, []string{"pb-generic", "pb-malware"}, ids(r.Match("Ransomware", model.SeverityLow)))
	assert.Equal(t, []string{"pb-generic"}, ids(r.Match("phishing", model.SeverityHigh)))
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t), &recorder{})
	_, err := r.Register(testPlaybook("pb", action("a", model.CategoryOther)))
	require.NoError(t, err)

	require.NoError(t, r.Unregister("pb"))
	assert.True(t, errors.Is(r.Unregister("pb"), model.ErrNotFound))
}

func TestTopologicalOrder(t *testing.T) {
	pb := testPlaybook("pb",
		action("notify", model.CategoryNotification, "block", "disable"),
		action("block", model.CategoryContainment, "investigate"),
		action("investigate", model.CategoryInvestigation),
		action("disable", model.CategoryContainment),
		action("patch", model.CategoryRemediation, "notify"))

	order, err := TopologicalOrder(pb)
	require.NoError(t, err)
	assert.Equal(t, []string{"investigate", "block", "disable", "notify", "patch"}, order)

	position := make(map[string]int, len(order))
	for i, id := range order {
		position[id] = i
	}
	for _, a := range pb.Actions {
		for _, dep := range a.DependsOn {
			assert.Less(t, position[dep], position[a.ID], "%s must follow %s", a.ID, dep)
		}
	}
}

func TestTopologicalOrder_CycleGuard(t *testing.T) {
	pb := testPlaybook("pb",
		action("a", model.CategoryOther, "b"),
		action("b", model.CategoryOther, "a"))

	_, err := TopologicalOrder(pb)
	assert.True(t, errors.Is(err, model.ErrDependencyCycle))
}
