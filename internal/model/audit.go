package model

import "time"

// AuditLogEntry is an append-only record of an action taken by or on behalf of an actor
type AuditLogEntry struct {
	ID          string         `json:"id"`
	Actor       string         `json:"actor"`
	Action      string         `json:"action"`
	Target      string         `json:"target"`
	TargetType  string         `json:"target_type"`
	IncidentID  string         `json:"incident_id,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Details     map[string]any `json:"details,omitempty"`
}

// Audit outcomes.
const (
	AuditSuccess = "success"
	AuditFailure = "failure"
	AuditPending = "pending"
)

// AuditFilter narrows an audit query. Zero values match everything.
type AuditFilter struct {
	IncidentID  string    `form:"incident_id" json:"incident_id,omitempty"`
	ExecutionID string    `form:"execution_id" json:"execution_id,omitempty"`
	Actor       string    `form:"actor" json:"actor,omitempty"`
	Action      string    `form:"action" json:"action,omitempty"`
	Since       time.Time `form:"since" json:"since,omitempty"`
	Until       time.Time `form:"until" json:"until,omitempty"`
	Limit       int       `form:"limit" json:"limit,omitempty"`
}

// Matches reports whether the entry passes the filter, ignoring Limit.
func (f AuditFilter) Matches(e AuditLogEntry) bool {
	if f.IncidentID != "" && e.IncidentID != f.IncidentID {
		return false
	}
	if f.ExecutionID != "" && e.ExecutionID != f.ExecutionID {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}
