package model

import (
	"fmt"
	"strings"
	"time"
)

// Severity is the ordered impact level of an incident.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Rank orders severities; higher is more severe. Unknown severities rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// ParseSeverity parses a case-insensitive severity name.
func ParseSeverity(v string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown severity %q", ErrValidation, v)
	}
	return s, nil
}

// IncidentState is a step of the incident response lifecycle.
type IncidentState string

const (
	StateNew           IncidentState = "new"
	StateInvestigating IncidentState = "investigating"
	StateContaining    IncidentState = "containing"
	StateEradicating   IncidentState = "eradicating"
	StateRecovering    IncidentState = "recovering"
	StateClosed        IncidentState = "closed"
)

var stateOrder = map[IncidentState]int{
	StateNew:           1,
	StateInvestigating: 2,
	StateContaining:    3,
	StateEradicating:   4,
	StateRecovering:    5,
	StateClosed:        6,
}

// Order is the position of the state in the lifecycle, 0 when unknown.
func (s IncidentState) Order() int {
	return stateOrder[s]
}

// Valid reports whether s is a lifecycle state.
func (s IncidentState) Valid() bool {
	return s.Order() > 0
}

// Before reports whether s comes strictly earlier in the lifecycle than other.
func (s IncidentState) Before(other IncidentState) bool {
	return s.Order() < other.Order()
}

// Incident represents a security incident under response
type Incident struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	ThreatType  string        `json:"threat_type"`
	Severity    Severity      `json:"severity"`
	State       IncidentState `json:"state"`

	AffectedAssets []string          `json:"affected_assets"`
	Timeline       []TimelineEntry   `json:"timeline"`
	Metadata       map[string]string `json:"metadata,omitempty"`

	ContainmentActionIDs []string `json:"containment_action_ids"`
	RemediationActionIDs []string `json:"remediation_action_ids"`
	ExecutionIDs         []string `json:"execution_ids"`

	CreatedBy   string     `json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ContainedAt *time.Time `json:"contained_at,omitempty"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

// TimelineEntry is one ordered entry of an incident's history
type TimelineEntry struct {
	Timestamp   time.Time     `json:"timestamp"`
	Actor       string        `json:"actor"`
	Type        string        `json:"type"`
	Description string        `json:"description"`
	From        IncidentState `json:"from,omitempty"`
	To          IncidentState `json:"to,omitempty"`
}

// Clone returns a deep copy of the incident.
func (i *Incident) Clone() *Incident {
	if i == nil {
		return nil
	}
	c := *i
	c.AffectedAssets = append([]string(nil), i.AffectedAssets...)
	c.Timeline = append([]TimelineEntry(nil), i.Timeline...)
	c.ContainmentActionIDs = append([]string(nil), i.ContainmentActionIDs...)
	c.RemediationActionIDs = append([]string(nil), i.RemediationActionIDs...)
	c.ExecutionIDs = append([]string(nil), i.ExecutionIDs...)
	if i.Metadata != nil {
		c.Metadata = make(map[string]string, len(i.Metadata))
		for k, v := range i.Metadata {
			c.Metadata[k] = v
		}
	}
	if i.ContainedAt != nil {
		t := *i.ContainedAt
		c.ContainedAt = &t
	}
	if i.ClosedAt != nil {
		t := *i.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}

// NewIncident is the caller-supplied part of an incident.
type NewIncident struct {
	Title          string            `json:"title"`
	Description    string            `json:"description"`
	ThreatType     string            `json:"threat_type"`
	Severity       Severity          `json:"severity"`
	AffectedAssets []string          `json:"affected_assets"`
	Metadata       map[string]string `json:"metadata"`
	CreatedBy      string            `json:"created_by"`
}

// Validate checks the fields every incident must carry.
func (n NewIncident) Validate() error {
	if strings.TrimSpace(n.ThreatType) == "" {
		return fmt.Errorf("%w: threat type is required", ErrValidation)
	}
	if !n.Severity.Valid() {
		return fmt.Errorf("%w: unknown severity %q", ErrValidation, n.Severity)
	}
	return nil
}
