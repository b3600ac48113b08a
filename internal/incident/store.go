package incident

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yazhsab/qbitel-bridge/go/soar/internal/events"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/metrics"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/model"
)

// Timeline entry types written by the store.
const (
	TimelineCreated      = "created"
	TimelineStateChanged = "state_changed"
)

// Filter narrows List. Zero values match everything.
type Filter struct {
	State      model.IncidentState `form:"state"`
	Severity   model.Severity      `form:"severity"`
	ThreatType string              `form:"threat_type"`
}

// Store owns incident state. Every accessor returns a deep copy.
type Store struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	events  events.Publisher

	mu        sync.RWMutex
	incidents map[string]*model.Incident

	now func() time.Time
}

// NewStore creates an empty incident store
func NewStore(logger *zap.Logger, m *metrics.Metrics, publisher events.Publisher) *Store {
	return &Store{
		logger:    logger,
		metrics:   m,
		events:    publisher,
		incidents: make(map[string]*model.Incident),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Create validates and stores a new incident in state new.
func (s *Store) Create(ctx context.Context, req model.NewIncident) (*model.Incident, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := s.now()
	inc := &model.Incident{
		ID:             uuid.NewString(),
		Title:          req.Title,
		Description:    req.Description,
		ThreatType:     req.ThreatType,
		Severity:       req.Severity,
		State:          model.StateNew,
		AffectedAssets: append([]string(nil), req.AffectedAssets...),
		Metadata:       copyMetadata(req.Metadata),
		CreatedBy:      req.CreatedBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if inc.Title == "" {
		inc.Title = fmt.Sprintf("%s incident", req.ThreatType)
	}
	inc.Timeline = []model.TimelineEntry{{
		Timestamp:   now,
		Actor:       req.CreatedBy,
		Type:        TimelineCreated,
		Description: fmt.Sprintf("incident created with severity %s", req.Severity),
		To:          model.StateNew,
	}}

	s.mu.Lock()
	s.incidents[inc.ID] = inc
	out := inc.Clone()
	s.mu.Unlock()

	s.metrics.IncidentsCreated.WithLabelValues(inc.ThreatType, string(inc.Severity)).Inc()
	s.logger.Info("Incident created",
		zap.String("incident_id", inc.ID),
		zap.String("threat_type", inc.ThreatType),
		zap.String("severity", string(inc.Severity)))

	s.events.Publish(model.EventIncidentCreated, map[string]any{
		"incident_id": inc.ID,
		"threat_type": inc.ThreatType,
		"severity":    string(inc.Severity),
	})
	return out, nil
}

// Get returns a copy of the incident.
func (s *Store) Get(id string) (*model.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inc, ok := s.incidents[id]
	if !ok {
		return nil, model.NotFound("incident", id)
	}
	return inc.Clone(), nil
}

// List returns matching incidents, oldest first.
func (s *Store) List(filter Filter) []*model.Incident {
	s.mu.RLock()
	out := make([]*model.Incident, 0, len(s.incidents))
	for _, inc := range s.incidents {
		if filter.State != "" && inc.State != filter.State {
			continue
		}
		if filter.Severity != "" && inc.Severity != filter.Severity {
			continue
		}
		if filter.ThreatType != "" && inc.ThreatType != filter.ThreatType {
			continue
		}
		out = append(out, inc.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Transition moves the incident forward to state to. Same or earlier states
// are rejected with ErrInvalidTransition.
func (s *Store) Transition(ctx context.Context, id string, to model.IncidentState, actor, reason string) (*model.Incident, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown state %q", model.ErrValidation, to)
	}

	s.mu.Lock()
	inc, ok := s.incidents[id]
	if !ok {
		s.mu.Unlock()
		return nil, model.NotFound("incident", id)
	}
	if !inc.State.Before(to) {
		from := inc.State
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, from, to)
	}
	from := s.applyTransition(inc, to, actor, reason)
	out := inc.Clone()
	s.mu.Unlock()

	s.afterTransition(id, from, to, actor)
	return out, nil
}

// AdvanceTo moves the incident forward only when it is strictly behind to.
// It reports whether a transition happened.
func (s *Store) AdvanceTo(ctx context.Context, id string, to model.IncidentState, actor, reason string) (bool, error) {
	s.mu.Lock()
	inc, ok := s.incidents[id]
	if !ok {
		s.mu.Unlock()
		return false, model.NotFound("incident", id)
	}
	if !inc.State.Before(to) {
		s.mu.Unlock()
		return false, nil
	}
	from := s.applyTransition(inc, to, actor, reason)
	s.mu.Unlock()

	s.afterTransition(id, from, to, actor)
	return true, nil
}

// applyTransition mutates inc; the caller holds the write lock.
func (s *Store) applyTransition(inc *model.Incident, to model.IncidentState, actor, reason string) model.IncidentState {
	now := s.now()
	from := inc.State

	desc := fmt.Sprintf("state changed from %s to %s", from, to)
	if reason != "" {
		desc += ": " + reason
	}

	inc.State = to
	inc.UpdatedAt = now
	inc.Timeline = append(inc.Timeline, model.TimelineEntry{
		Timestamp:   now,
		Actor:       actor,
		Type:        TimelineStateChanged,
		Description: desc,
		From:        from,
		To:          to,
	})
	if inc.ContainedAt == nil && !to.Before(model.StateContaining) {
		t := now
		inc.ContainedAt = &t
	}
	if to == model.StateClosed {
		t := now
		inc.ClosedAt = &t
	}
	return from
}

func (s *Store) afterTransition(id string, from, to model.IncidentState, actor string) {
	s.metrics.StateTransitions.WithLabelValues(string(from), string(to)).Inc()
	s.logger.Info("Incident state changed",
		zap.String("incident_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("actor", actor))

	s.events.Publish(model.EventIncidentStateChanged, map[string]any{
		"incident_id": id,
		"from":        string(from),
		"to":          string(to),
		"actor":       actor,
	})
}

// AddTimeline appends an entry to the incident's timeline.
func (s *Store) AddTimeline(id string, entry model.TimelineEntry) error {
	return s.update(id, func(inc *model.Incident, now time.Time) {
		if entry.Timestamp.IsZero() {
			entry.Timestamp = now
		}
		inc.Timeline = append(inc.Timeline, entry)
	})
}

// LinkContainment records a containment action id on the incident.
func (s *Store) LinkContainment(id, actionID string) error {
	return s.update(id, func(inc *model.Incident, _ time.Time) {
		inc.ContainmentActionIDs = appendUnique(inc.ContainmentActionIDs, actionID)
	})
}

// LinkRemediation records a remediation action id on the incident.
func (s *Store) LinkRemediation(id, actionID string) error {
	return s.update(id, func(inc *model.Incident, _ time.Time) {
		inc.RemediationActionIDs = appendUnique(inc.RemediationActionIDs, actionID)
	})
}

// LinkExecution records a playbook execution id on the incident.
func (s *Store) LinkExecution(id, executionID string) error {
	return s.update(id, func(inc *model.Incident, _ time.Time) {
		inc.ExecutionIDs = appendUnique(inc.ExecutionIDs, executionID)
	})
}

func (s *Store) update(id string, fn func(inc *model.Incident, now time.Time)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inc, ok := s.incidents[id]
	if !ok {
		return model.NotFound("incident", id)
	}
	now := s.now()
	fn(inc, now)
	inc.UpdatedAt = now
	return nil
}

// MTTC is the time from creation to containment, false when not yet contained.
func MTTC(inc *model.Incident) (time.Duration, bool) {
	if inc == nil || inc.ContainedAt == nil {
		return 0, false
	}
	return inc.ContainedAt.Sub(inc.CreatedAt), true
}

// MeanTimeToContain averages MTTC over every contained incident and returns
// the number of incidents included.
func (s *Store) MeanTimeToContain() (time.Duration, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		total time.Duration
		n     int
	)
	for _, inc := range s.incidents {
		if d, ok := MTTC(inc); ok {
			total += d
			n++
		}
	}
	if n == 0 {
		return 0, 0
	}
	return total / time.Duration(n), n
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func copyMetadata(in map[string]string) map[string]string {
	if in == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
