package model

import "time"

// ContainmentType enumerates the supported isolation actions.
type ContainmentType string

const (
	ContainBlockIP            ContainmentType = "block_ip"
	ContainDisableAccount     ContainmentType = "disable_account"
	ContainQuarantineHost     ContainmentType = "quarantine_host"
	ContainIsolateNetwork     ContainmentType = "isolate_network"
	ContainKillProcess        ContainmentType = "kill_process"
	ContainUpdateFirewallRule ContainmentType = "update_firewall_rule"
	ContainUpdateAccessPolicy ContainmentType = "update_access_policy"
	ContainUpdateWAFRule      ContainmentType = "update_waf_rule"
	ContainRevokeCertificate  ContainmentType = "revoke_certificate"
	ContainRebuildSystem      ContainmentType = "rebuild_system"
)

var containmentTypes = map[ContainmentType]bool{
	ContainBlockIP: true, ContainDisableAccount: true, ContainQuarantineHost: true,
	ContainIsolateNetwork: true, ContainKillProcess: true, ContainUpdateFirewallRule: true,
	ContainUpdateAccessPolicy: true, ContainUpdateWAFRule: true, ContainRevokeCertificate: true,
	ContainRebuildSystem: true,
}

// reversible containment types; everything else never offers rollback.
var rollbackableContainment = map[ContainmentType]bool{
	ContainBlockIP:            true,
	ContainUpdateFirewallRule: true,
	ContainUpdateAccessPolicy: true,
	ContainUpdateWAFRule:      true,
}

// Valid reports whether t is a supported containment type.
func (t ContainmentType) Valid() bool {
	return containmentTypes[t]
}

// Rollbackable reports whether actions of this type can be reversed.
func (t ContainmentType) Rollbackable() bool {
	return rollbackableContainment[t]
}

// RemediationType enumerates the supported recovery actions.
type RemediationType string

const (
	RemediateApplyPatch          RemediationType = "apply_patch"
	RemediateRotateCredentials   RemediationType = "rotate_credentials"
	RemediateRestoreBackup       RemediationType = "restore_backup"
	RemediateRebuildSystem       RemediationType = "rebuild_system"
	RemediateResetPassword       RemediationType = "reset_password"
	RemediateRevokeCertificate   RemediationType = "revoke_certificate"
	RemediateRemoveMalware       RemediationType = "remove_malware"
	RemediateUpdateConfiguration RemediationType = "update_configuration"
)

var remediationTypes = map[RemediationType]bool{
	RemediateApplyPatch: true, RemediateRotateCredentials: true, RemediateRestoreBackup: true,
	RemediateRebuildSystem: true, RemediateResetPassword: true, RemediateRevokeCertificate: true,
	RemediateRemoveMalware: true, RemediateUpdateConfiguration: true,
}

// reversible remediation types
var rollbackableRemediation = map[RemediationType]bool{
	RemediateApplyPatch:          true,
	RemediateUpdateConfiguration: true,
}

// Valid reports whether t is a supported remediation type.
func (t RemediationType) Valid() bool {
	return remediationTypes[t]
}

// Rollbackable reports whether completed actions of this type can be reversed.
func (t RemediationType) Rollbackable() bool {
	return rollbackableRemediation[t]
}

// ResponseStatus is the lifecycle of a containment or remediation action.
type ResponseStatus string

const (
	ResponsePending          ResponseStatus = "pending"
	ResponseAwaitingApproval ResponseStatus = "awaiting_approval"
	ResponseInProgress       ResponseStatus = "in_progress"
	ResponseActive           ResponseStatus = "active"
	ResponseCompleted        ResponseStatus = "completed"
	ResponseFailed           ResponseStatus = "failed"
	ResponseReleased         ResponseStatus = "released"
	ResponseCancelled        ResponseStatus = "cancelled"
)

// Settled reports whether the action will not change without a new request.
func (s ResponseStatus) Settled() bool {
	switch s {
	case ResponseCompleted, ResponseFailed, ResponseReleased, ResponseCancelled:
		return true
	}
	return false
}

// ContainmentRequest asks for one containment action.
type ContainmentRequest struct {
	Type   ContainmentType `json:"type"`
	Target string          `json:"target"`
	Reason string          `json:"reason,omitempty"`
	// RequiresApproval overrides the configured approval policy when set.
	RequiresApproval *bool    `json:"requires_approval,omitempty"`
	Approvers        []string `json:"approvers,omitempty"`
}

// ContainmentAction is an isolation action taken against an incident
type ContainmentAction struct {
	ID         string          `json:"id"`
	IncidentID string          `json:"incident_id"`
	Type       ContainmentType `json:"type"`
	Target     string          `json:"target"`
	Reason     string          `json:"reason,omitempty"`
	Status     ResponseStatus  `json:"status"`

	RequiresApproval bool           `json:"requires_approval"`
	ApprovalStatus   ApprovalStatus `json:"approval_status"`
	Approvers        []string       `json:"approvers"`
	ApprovedBy       string         `json:"approved_by,omitempty"`
	RejectedBy       string         `json:"rejected_by,omitempty"`
	InitiatedBy      string         `json:"initiated_by"`
	ReleasedBy       string         `json:"released_by,omitempty"`

	RollbackAvailable bool   `json:"rollback_available"`
	RollbackExecuted  bool   `json:"rollback_executed"`
	Error             string `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ExecutedAt  *time.Time `json:"executed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the action.
func (a *ContainmentAction) Clone() *ContainmentAction {
	if a == nil {
		return nil
	}
	c := *a
	c.Approvers = append([]string(nil), a.Approvers...)
	c.ExecutedAt = cloneTime(a.ExecutedAt)
	c.CompletedAt = cloneTime(a.CompletedAt)
	return &c
}

// RemediationRequest asks for one remediation action.
type RemediationRequest struct {
	Type             RemediationType `json:"type"`
	Target           string          `json:"target"`
	Reason           string          `json:"reason,omitempty"`
	RequiresApproval *bool           `json:"requires_approval,omitempty"`
	Approvers        []string        `json:"approvers,omitempty"`
}

// RemediationAction is a recovery action taken for an incident
type RemediationAction struct {
	ID         string          `json:"id"`
	IncidentID string          `json:"incident_id"`
	Type       RemediationType `json:"type"`
	Target     string          `json:"target"`
	Reason     string          `json:"reason,omitempty"`
	Status     ResponseStatus  `json:"status"`

	RequiresApproval bool           `json:"requires_approval"`
	ApprovalStatus   ApprovalStatus `json:"approval_status"`
	Approvers        []string       `json:"approvers"`
	ApprovedBy       string         `json:"approved_by,omitempty"`
	RejectedBy       string         `json:"rejected_by,omitempty"`
	InitiatedBy      string         `json:"initiated_by"`

	RollbackAvailable bool   `json:"rollback_available"`
	RollbackExecuted  bool   `json:"rollback_executed"`
	Error             string `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ExecutedAt  *time.Time `json:"executed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the action.
func (a *RemediationAction) Clone() *RemediationAction {
	if a == nil {
		return nil
	}
	c := *a
	c.Approvers = append([]string(nil), a.Approvers...)
	c.ExecutedAt = cloneTime(a.ExecutedAt)
	c.CompletedAt = cloneTime(a.CompletedAt)
	return &c
}

// PendingApproval is one entry of the merged approval queue
type PendingApproval struct {
	Kind        string    `json:"kind"`
	ID          string    `json:"id"`
	IncidentID  string    `json:"incident_id"`
	Type        string    `json:"type"`
	Target      string    `json:"target,omitempty"`
	Approvers   []string  `json:"approvers"`
	RequestedBy string    `json:"requested_by"`
	RequestedAt time.Time `json:"requested_at"`
}

// Pending approval kinds.
const (
	ApprovalKindContainment = "containment"
	ApprovalKindRemediation = "remediation"
	ApprovalKindExecution   = "playbook_execution"
)

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// CanApprove reports whether approver is allowed by any of the approver
// lists. When every list is empty any non-empty approver is accepted.
func CanApprove(approver string, lists ...[]string) bool {
	if approver == "" {
		return false
	}
	configured := false
	for _, list := range lists {
		for _, a := range list {
			configured = true
			if a == approver {
				return true
			}
		}
	}
	return !configured
}
