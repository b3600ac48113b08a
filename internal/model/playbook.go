package model

import "time"

// ActionCategory groups playbook actions by response phase.
type ActionCategory string

const (
	CategoryContainment   ActionCategory = "containment"
	CategoryRemediation   ActionCategory = "remediation"
	CategoryInvestigation ActionCategory = "investigation"
	CategoryNotification  ActionCategory = "notification"
	CategoryOther         ActionCategory = "other"
)

// Condition operators understood by the execution engine.
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpContains    = "contains"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
	OpMatches     = "matches"
)

// Playbook is a versioned graph of response actions for a class of incident
type Playbook struct {
	ID          string `json:"id" yaml:"id"`
	Version     string `json:"version" yaml:"version"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description"`

	ThreatTypes []string   `json:"threat_types" yaml:"threat_types"`
	Severities  []Severity `json:"severities" yaml:"severities"`

	Actions []PlaybookAction `json:"actions" yaml:"actions"`

	ApprovalRequired bool     `json:"approval_required" yaml:"approval_required"`
	AutoExecute      bool     `json:"auto_execute" yaml:"auto_execute"`
	Approvers        []string `json:"approvers" yaml:"approvers"`

	RegisteredAt time.Time `json:"registered_at" yaml:"-"`
}

// PlaybookAction is one node of a playbook's dependency graph
type PlaybookAction struct {
	ID       string         `json:"id" yaml:"id"`
	Name     string         `json:"name" yaml:"name"`
	Category ActionCategory `json:"category" yaml:"category"`
	// Handler selects a specific handler; the category handler is used when empty.
	Handler    string            `json:"handler,omitempty" yaml:"handler"`
	Target     string            `json:"target,omitempty" yaml:"target"`
	Parameters map[string]string `json:"parameters,omitempty" yaml:"parameters"`

	DependsOn  []string    `json:"depends_on,omitempty" yaml:"depends_on"`
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions"`

	RollbackEnabled bool          `json:"rollback_enabled" yaml:"rollback_enabled"`
	Timeout         time.Duration `json:"timeout,omitempty" yaml:"timeout"`
}

// Condition gates an action on an incident or variable field
type Condition struct {
	Field    string `json:"field" yaml:"field"`
	Operator string `json:"operator" yaml:"operator"`
	Value    string `json:"value" yaml:"value"`
}

// Clone returns a deep copy of the playbook.
func (p *Playbook) Clone() *Playbook {
	if p == nil {
		return nil
	}
	c := *p
	c.ThreatTypes = append([]string(nil), p.ThreatTypes...)
	c.Severities = append([]Severity(nil), p.Severities...)
	c.Approvers = append([]string(nil), p.Approvers...)
	c.Actions = make([]PlaybookAction, len(p.Actions))
	for i, a := range p.Actions {
		ca := a
		ca.DependsOn = append([]string(nil), a.DependsOn...)
		ca.Conditions = append([]Condition(nil), a.Conditions...)
		if a.Parameters != nil {
			ca.Parameters = make(map[string]string, len(a.Parameters))
			for k, v := range a.Parameters {
				ca.Parameters[k] = v
			}
		}
		c.Actions[i] = ca
	}
	return &c
}

// Action returns the action with the given id.
func (p *Playbook) Action(id string) (PlaybookAction, bool) {
	for _, a := range p.Actions {
		if a.ID == id {
			return a, true
		}
	}
	return PlaybookAction{}, false
}

// ExecutionStatus is the state of a playbook run.
type ExecutionStatus string

const (
	ExecutionPending          ExecutionStatus = "pending"
	ExecutionAwaitingApproval ExecutionStatus = "awaiting_approval"
	ExecutionRunning          ExecutionStatus = "running"
	ExecutionCompleted        ExecutionStatus = "completed"
	ExecutionFailed           ExecutionStatus = "failed"
	ExecutionRejected         ExecutionStatus = "rejected"
	ExecutionRolledBack       ExecutionStatus = "rolled_back"
)

// Terminal reports whether no further actions will run.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionRejected, ExecutionRolledBack:
		return true
	}
	return false
}

// ApprovalStatus tracks a human approval gate.
type ApprovalStatus string

const (
	ApprovalNotRequired ApprovalStatus = "not_required"
	ApprovalPending     ApprovalStatus = "pending"
	ApprovalApproved    ApprovalStatus = "approved"
	ApprovalRejected    ApprovalStatus = "rejected"
)

// ActionStatus is the outcome of one playbook action.
type ActionStatus string

const (
	ActionSuccess ActionStatus = "success"
	ActionFailed  ActionStatus = "failed"
	ActionSkipped ActionStatus = "skipped"
)

// RollbackStatus describes whether an action's effect can be, or was, reversed.
type RollbackStatus string

const (
	RollbackAvailable    RollbackStatus = "available"
	RollbackExecuted     RollbackStatus = "executed"
	RollbackFailed       RollbackStatus = "failed"
	RollbackNotAvailable RollbackStatus = "not_available"
)

// Skip reasons recorded on skipped actions.
const (
	SkipDependenciesNotMet = "dependencies not met"
	SkipConditionsNotMet   = "conditions not met"
	SkipRunHalted          = "run halted after containment failure"
)

// PlaybookExecution tracks one run of a playbook against an incident
type PlaybookExecution struct {
	ID              string          `json:"id"`
	PlaybookID      string          `json:"playbook_id"`
	PlaybookVersion string          `json:"playbook_version"`
	IncidentID      string          `json:"incident_id"`
	Status          ExecutionStatus `json:"status"`
	ApprovalStatus  ApprovalStatus  `json:"approval_status"`
	ApprovedBy      string          `json:"approved_by,omitempty"`
	ExecutedBy      string          `json:"executed_by"`

	Variables      map[string]string        `json:"variables,omitempty"`
	ActionResults  map[string]*ActionResult `json:"action_results"`
	ExecutionOrder []string                 `json:"execution_order"`
	Errors         []string                 `json:"errors,omitempty"`

	RollbackAvailable bool `json:"rollback_available"`
	RollbackExecuted  bool `json:"rollback_executed"`
	PartialSuccess    bool `json:"partial_success"`

	Metrics ExecutionMetrics `json:"metrics"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ExecutionMetrics aggregates action outcomes of a run
type ExecutionMetrics struct {
	TotalActions     int           `json:"total_actions"`
	CompletedActions int           `json:"completed_actions"`
	FailedActions    int           `json:"failed_actions"`
	SkippedActions   int           `json:"skipped_actions"`
	TotalDuration    time.Duration `json:"total_duration"`
	SuccessRate      float64       `json:"success_rate"`
}

// ActionResult records the outcome of one action in a run
type ActionResult struct {
	ActionID         string         `json:"action_id"`
	Category         ActionCategory `json:"category"`
	Status           ActionStatus   `json:"status"`
	Target           string         `json:"target,omitempty"`
	StartedAt        time.Time      `json:"started_at"`
	CompletedAt      time.Time      `json:"completed_at"`
	Duration         time.Duration  `json:"duration"`
	Output           string         `json:"output,omitempty"`
	Error            string         `json:"error,omitempty"`
	SkipReason       string         `json:"skip_reason,omitempty"`
	RollbackStatus   RollbackStatus `json:"rollback_status"`
	AffectedEntities []string       `json:"affected_entities,omitempty"`
}

// Clone returns a deep copy of the execution.
func (e *PlaybookExecution) Clone() *PlaybookExecution {
	if e == nil {
		return nil
	}
	c := *e
	c.ExecutionOrder = append([]string(nil), e.ExecutionOrder...)
	c.Errors = append([]string(nil), e.Errors...)
	if e.Variables != nil {
		c.Variables = make(map[string]string, len(e.Variables))
		for k, v := range e.Variables {
			c.Variables[k] = v
		}
	}
	c.ActionResults = make(map[string]*ActionResult, len(e.ActionResults))
	for id, r := range e.ActionResults {
		rc := *r
		rc.AffectedEntities = append([]string(nil), r.AffectedEntities...)
		c.ActionResults[id] = &rc
	}
	if e.StartedAt != nil {
		t := *e.StartedAt
		c.StartedAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// RollbackResult is returned by an execution rollback
type RollbackResult struct {
	ExecutionID string            `json:"execution_id"`
	Reason      string            `json:"reason"`
	RequestedBy string            `json:"requested_by"`
	RolledBack  []string          `json:"rolled_back"`
	Failures    []RollbackFailure `json:"failures,omitempty"`
	Status      ExecutionStatus   `json:"status"`
	CompletedAt time.Time         `json:"completed_at"`
}

// RollbackFailure names an action whose reversal failed
type RollbackFailure struct {
	ActionID string `json:"action_id"`
	Error    string `json:"error"`
}

// Success reports whether every attempted rollback succeeded.
func (r *RollbackResult) Success() bool {
	return len(r.Failures) == 0
}
