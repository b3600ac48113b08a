package model

import "time"

// Event names published on the internal bus and forwarded to subscribers.
const (
	EventIncidentCreated      = "incident:created"
	EventIncidentStateChanged = "incident:state_changed"

	EventPlaybookRegistered        = "playbook:registered"
	EventExecutionStarted          = "playbook:execution_started"
	EventExecutionAwaitingApproval = "playbook:awaiting_approval"
	EventExecutionApproved         = "playbook:execution_approved"
	EventExecutionRejected         = "playbook:execution_rejected"
	EventExecutionCompleted        = "playbook:execution_completed"
	EventExecutionFailed           = "playbook:execution_failed"
	EventActionCompleted           = "action:completed"
	EventActionFailed              = "action:failed"
	EventActionSkipped             = "action:skipped"
	EventActionRolledBack          = "action:rolled_back"
	EventRollbackCompleted         = "rollback:completed"

	EventContainmentAwaitingApproval = "containment:awaiting_approval"
	EventContainmentActive           = "containment:active"
	EventContainmentFailed           = "containment:failed"
	EventContainmentReleased         = "containment:released"
	EventContainmentRolledBack       = "containment:rolled_back"
	EventAutoContainmentTriggered    = "containment:auto_triggered"

	EventRemediationAwaitingApproval = "remediation:awaiting_approval"
	EventRemediationApproved         = "remediation:approved"
	EventRemediationRejected         = "remediation:rejected"
	EventRemediationCompleted        = "remediation:completed"
	EventRemediationFailed           = "remediation:failed"
	EventRemediationRolledBack       = "remediation:rolled_back"

	EventIntegrationStatusChanged = "integration:status_changed"
	EventApprovalEscalated        = "approval:escalated"
	EventCleanupCompleted         = "cleanup:completed"
)

// Event is a named notification with a free-form payload
type Event struct {
	Name      string         `json:"name" msgpack:"name"`
	Timestamp time.Time      `json:"timestamp" msgpack:"timestamp"`
	Payload   map[string]any `json:"payload" msgpack:"payload"`
}
