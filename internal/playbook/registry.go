package playbook

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yazhsab/qbitel-bridge/go/soar/internal/events"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/model"
)

var validCategories = map[model.ActionCategory]bool{
	model.CategoryContainment:   true,
	model.CategoryRemediation:   true,
	model.CategoryInvestigation: true,
	model.CategoryNotification:  true,
	model.CategoryOther:         true,
}

// Registry holds the active version of every playbook. Registering an
// existing id replaces it.
type Registry struct {
	logger *zap.Logger
	events events.Publisher

	mu        sync.RWMutex
	playbooks map[string]*model.Playbook
}

// NewRegistry creates an empty registry
func NewRegistry(logger *zap.Logger, publisher events.Publisher) *Registry {
	return &Registry{
		logger:    logger,
		events:    publisher,
		playbooks: make(map[string]*model.Playbook),
	}
}

// Register validates pb and stores a copy of it.
func (r *Registry) Register(pb *model.Playbook) (*model.Playbook, error) {
	if pb == nil {
		return nil, fmt.Errorf("%w: playbook is nil", model.ErrInvalidPlaybook)
	}
	if err := Validate(pb); err != nil {
		return nil, err
	}

	stored := pb.Clone()
	stored.RegisteredAt = time.Now().UTC()

	r.mu.Lock()
	previous, replaced := r.playbooks[stored.ID]
	r.playbooks[stored.ID] = stored
	r.mu.Unlock()

	fields := []zap.Field{
		zap.String("playbook_id", stored.ID),
		zap.String("version", stored.Version),
		zap.Int("actions", len(stored.Actions)),
	}
	if replaced {
		fields = append(fields, zap.String("replaced_version", previous.Version))
	}
	r.logger.Info("Playbook registered", fields...)

	r.events.Publish(model.EventPlaybookRegistered, map[string]any{
		"playbook_id": stored.ID,
		"version":     stored.Version,
	})
	return stored.Clone(), nil
}

// Unregister removes the playbook with the given id.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.playbooks[id]; !ok {
		return model.NotFound("playbook", id)
	}
	delete(r.playbooks, id)
	return nil
}

// Get returns a copy of the playbook.
func (r *Registry) Get(id string) (*model.Playbook, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pb, ok := r.playbooks[id]
	if !ok {
		return nil, model.NotFound("playbook", id)
	}
	return pb.Clone(), nil
}

// List returns every playbook sorted by id.
func (r *Registry) List() []*model.Playbook {
	return r.collect(func(*model.Playbook) bool { return true })
}

// Match returns the playbooks applicable to the threat type and severity,
// sorted by id. An empty threat type or severity set matches anything.
func (r *Registry) Match(threatType string, severity model.Severity) []*model.Playbook {
	return r.collect(func(pb *model.Playbook) bool {
		return Applies(pb, threatType, severity)
	})
}

func (r *Registry) collect(keep func(*model.Playbook) bool) []*model.Playbook {
	r.mu.RLock()
	out := make([]*model.Playbook, 0, len(r.playbooks))
	for _, pb := range r.playbooks {
		if keep(pb) {
			out = append(out, pb.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Applies reports whether pb covers the threat type and severity.
func Applies(pb *model.Playbook, threatType string, severity model.Severity) bool {
	if len(pb.ThreatTypes) > 0 && !containsFold(pb.ThreatTypes, threatType) {
		return false
	}
	if len(pb.Severities) > 0 {
		found := false
		for _, s := range pb.Severities {
			if s == severity {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func containsFold(values []string, v string) bool {
	for _, candidate := range values {
		if strings.EqualFold(candidate, v) {
			return true
		}
	}
	return false
}

// Validate checks the structure and dependency graph of pb.
func Validate(pb *model.Playbook) error {
	if strings.TrimSpace(pb.ID) == "" {
		return fmt.Errorf("%w: id is required", model.ErrInvalidPlaybook)
	}
	if strings.TrimSpace(pb.Version) == "" {
		return fmt.Errorf("%w: playbook %s: version is required", model.ErrInvalidPlaybook, pb.ID)
	}
	if len(pb.Actions) == 0 {
		return fmt.Errorf("%w: playbook %s: at least one action is required", model.ErrInvalidPlaybook, pb.ID)
	}
	for _, s := range pb.Severities {
		if !s.Valid() {
			return fmt.Errorf("%w: playbook %s: unknown severity %q", model.ErrInvalidPlaybook, pb.ID, s)
		}
	}

	ids := make(map[string]bool, len(pb.Actions))
	for _, a := range pb.Actions {
		if strings.TrimSpace(a.ID) == "" {
			return fmt.Errorf("%w: playbook %s: action id is required", model.ErrInvalidPlaybook, pb.ID)
		}
		if ids[a.ID] {
			return fmt.Errorf("%w: playbook %s: duplicate action %s", model.ErrInvalidPlaybook, pb.ID, a.ID)
		}
		ids[a.ID] = true
		if !validCategories[a.Category] {
			return fmt.Errorf("%w: action %s: unknown category %q", model.ErrInvalidPlaybook, a.ID, a.Category)
		}
		if a.Timeout < 0 {
			return fmt.Errorf("%w: action %s: negative timeout", model.ErrInvalidPlaybook, a.ID)
		}
	}

	for _, a := range pb.Actions {
		for _, dep := range a.DependsOn {
			if dep == a.ID {
				return fmt.Errorf("%w: action %s depends on itself", model.ErrDependencyCycle, a.ID)
			}
			if !ids[dep] {
				return fmt.Errorf("%w: action %s depends on unknown action %s", model.ErrInvalidPlaybook, a.ID, dep)
			}
		}
	}

	if cycle := findCycle(pb); cycle != nil {
		return fmt.Errorf("%w: %s", model.ErrDependencyCycle, strings.Join(cycle, " -> "))
	}
	return nil
}

const (
	white = iota
	grey
	black
)

// findCycle runs a coloring DFS and returns the first cycle found as a
// path that starts and ends with the same action id.
func findCycle(pb *model.Playbook) []string {
	deps := make(map[string][]string, len(pb.Actions))
	for _, a := range pb.Actions {
		deps[a.ID] = a.DependsOn
	}

	color := make(map[string]int, len(pb.Actions))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = grey
		stack = append(stack, id)

		for _, dep := range deps[id] {
			switch color[dep] {
			case grey:
				for i, s := range stack {
					if s == dep {
						cycle := append([]string(nil), stack[i:]...)
						return append(cycle, dep)
					}
				}
			case white:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, a := range pb.Actions {
		if color[a.ID] == white {
			if cycle := visit(a.ID); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// TopologicalOrder returns action ids so that every action follows all of
// its dependencies. Independent actions keep declaration order. A cycle
// yields ErrDependencyCycle.
func TopologicalOrder(pb *model.Playbook) ([]string, error) {
	deps := make(map[string][]string, len(pb.Actions))
	for _, a := range pb.Actions {
		deps[a.ID] = a.DependsOn
	}

	order := make([]string, 0, len(pb.Actions))
	visited := make(map[string]bool, len(pb.Actions))
	visiting := make(map[string]bool)

	var visit func(id string) error
	visit = func(id string) error {
		if visited[id] {
			return nil
		}
		if visiting[id] {
			return fmt.Errorf("%w: at action %s", model.ErrDependencyCycle, id)
		}
		if _, ok := deps[id]; !ok {
			return fmt.Errorf("%w: unknown action %s", model.ErrInvalidPlaybook, id)
		}

		visiting[id] = true
		for _, dep := range deps[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		visiting[id] = false
		visited[id] = true
		order = append(order, id)
		return nil
	}

	for _, a := range pb.Actions {
		if err := visit(a.ID); err != nil {
			return nil, err
		}
	}
	return order, nil
}
