package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yazhsab/qbitel-bridge/go/soar/internal/engine"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/incident"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/model"
)

// StateRequest moves an incident through its lifecycle.
type StateRequest struct {
	State  model.IncidentState `json:"state" binding:"required"`
	Reason string              `json:"reason"`
}

// ContainRequest carries containment actions for an incident.
type ContainRequest struct {
	Actions []model.ContainmentRequest `json:"actions" binding:"required"`
}

// RemediateRequest carries remediation actions for an incident.
type RemediateRequest struct {
	Actions []model.RemediationRequest `json:"actions" binding:"required"`
}

// ExecuteRequest starts a playbook run.
type ExecuteRequest struct {
	IncidentID string            `json:"incident_id" binding:"required"`
	Variables  map[string]string `json:"variables"`
}

// ReasonRequest is the optional body of reject and release calls.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// RollbackRequest selects the actions of a run to reverse; empty means all.
type RollbackRequest struct {
	ActionIDs []string `json:"action_ids"`
	Reason    string   `json:"reason"`
}

// bindOptional accepts an empty body.
func bindOptional(c *gin.Context, v any) error {
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *Server) handleCreateIncident(c *gin.Context) {
	var req model.NewIncident
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	inc, err := s.hub.CreateIncident(c.Request.Context(), req, actorOf(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, inc)
}

func (s *Server) handleListIncidents(c *gin.Context) {
	var filter incident.Filter
	if err := c.ShouldBindQuery(&filter); err != nil {
		badRequest(c, err)
		return
	}

	incidents := s.hub.ListIncidents(filter)
	c.JSON(http.StatusOK, gin.H{
		"incidents": incidents,
		"count":     len(incidents),
	})
}

func (s *Server) handleGetIncident(c *gin.Context) {
	inc, err := s.hub.GetIncident(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, inc)
}

func (s *Server) handleUpdateState(c *gin.Context) {
	var req StateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	inc, err := s.hub.UpdateIncidentState(c.Request.Context(), c.Param("id"), req.State, actorOf(c), req.Reason)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, inc)
}

func (s *Server) handleReport(c *gin.Context) {
	report, err := s.hub.GenerateIncidentReport(c.Request.Context(), c.Param("id"), actorOf(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleContain(c *gin.Context) {
	var req ContainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	actions, err := s.hub.ContainThreat(c.Request.Context(), c.Param("id"), req.Actions, actorOf(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"actions": actions})
}

func (s *Server) handleRemediate(c *gin.Context) {
	var req RemediateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	actions, err := s.hub.RemediateIncident(c.Request.Context(), c.Param("id"), req.Actions, actorOf(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"actions": actions})
}

func (s *Server) handleRegisterPlaybook(c *gin.Context) {
	var pb model.Playbook
	if err := c.ShouldBindJSON(&pb); err != nil {
		badRequest(c, err)
		return
	}

	stored, err := s.hub.RegisterPlaybook(c.Request.Context(), &pb, actorOf(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, stored)
}

func (s *Server) handleListPlaybooks(c *gin.Context) {
	playbooks := s.hub.ListPlaybooks()
	c.JSON(http.StatusOK, gin.H{
		"playbooks": playbooks,
		"count":     len(playbooks),
	})
}

func (s *Server) handleGetPlaybook(c *gin.Context) {
	pb, err := s.hub.GetPlaybook(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, pb)
}

func (s *Server) handleExecutePlaybook(c *gin.Context) {
	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	exec, err := s.hub.ExecutePlaybook(c.Request.Context(), c.Param("id"), req.IncidentID, actorOf(c), req.Variables)
	if err != nil {
		s.fail(c, err)
		return
	}

	status := http.StatusOK
	if exec.Status == model.ExecutionAwaitingApproval {
		status = http.StatusAccepted
	}
	c.JSON(status, exec)
}

func (s *Server) handleListExecutions(c *gin.Context) {
	var filter engine.ListFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		badRequest(c, err)
		return
	}

	executions := s.hub.ListExecutions(filter)
	c.JSON(http.StatusOK, gin.H{
		"executions": executions,
		"count":      len(executions),
	})
}

func (s *Server) handleGetExecution(c *gin.Context) {
	exec, err := s.hub.GetExecution(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (s *Server) handleApproveExecution(c *gin.Context) {
	exec, err := s.hub.ApproveExecution(c.Request.Context(), c.Param("id"), actorOf(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (s *Server) handleRejectExecution(c *gin.Context) {
	var req ReasonRequest
	if err := bindOptional(c, &req); err != nil {
		badRequest(c, err)
		return
	}

	exec, err := s.hub.RejectExecution(c.Request.Context(), c.Param("id"), actorOf(c), req.Reason)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (s *Server) handleRollbackExecution(c *gin.Context) {
	var req RollbackRequest
	if err := bindOptional(c, &req); err != nil {
		badRequest(c, err)
		return
	}

	result, err := s.hub.RollbackExecution(c.Request.Context(), c.Param("id"), req.ActionIDs, req.Reason, actorOf(c))
	if err != nil {
		s.fail(c, err)
		return
	}

	status := http.StatusOK
	if !result.Success() {
		status = http.StatusMultiStatus
	}
	c.JSON(status, result)
}

func (s *Server) handleGetContainment(c *gin.Context) {
	action, err := s.hub.GetContainment(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, action)
}

func (s *Server) handleApproveContainment(c *gin.Context) {
	action, err := s.hub.ApproveContainment(c.Request.Context(), c.Param("id"), actorOf(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, action)
}

func (s *Server) handleRejectContainment(c *gin.Context) {
	var req ReasonRequest
	if err := bindOptional(c, &req); err != nil {
		badRequest(c, err)
		return
	}

	action, err := s.hub.RejectContainment(c.Request.Context(), c.Param("id"), actorOf(c), req.Reason)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, action)
}

func (s *Server) handleReleaseContainment(c *gin.Context) {
	var req ReasonRequest
	if err := bindOptional(c, &req); err != nil {
		badRequest(c, err)
		return
	}

	action, err := s.hub.ReleaseContainment(c.Request.Context(), c.Param("id"), actorOf(c), req.Reason)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, action)
}

func (s *Server) handleRollbackContainment(c *gin.Context) {
	action, err := s.hub.RollbackContainment(c.Request.Context(), c.Param("id"), actorOf(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, action)
}

func (s *Server) handleGetRemediation(c *gin.Context) {
	action, err := s.hub.GetRemediation(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, action)
}

func (s *Server) handleApproveRemediation(c *gin.Context) {
	action, err := s.hub.ApproveRemediation(c.Request.Context(), c.Param("id"), actorOf(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, action)
}

func (s *Server) handleRejectRemediation(c *gin.Context) {
	var req ReasonRequest
	if err := bindOptional(c, &req); err != nil {
		badRequest(c, err)
		return
	}

	action, err := s.hub.RejectRemediation(c.Request.Context(), c.Param("id"), actorOf(c), req.Reason)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, action)
}

func (s *Server) handleRollbackRemediation(c *gin.Context) {
	action, err := s.hub.RollbackRemediation(c.Request.Context(), c.Param("id"), actorOf(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, action)
}

func (s *Server) handlePendingApprovals(c *gin.Context) {
	pending := s.hub.GetPendingApprovals()
	c.JSON(http.StatusOK, gin.H{
		"approvals": pending,
		"count":     len(pending),
	})
}

func (s *Server) handleQueryAudit(c *gin.Context) {
	var filter model.AuditFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		badRequest(c, err)
		return
	}

	entries, err := s.hub.QueryAudit(c.Request.Context(), filter)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleIntegrations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"integrations": s.hub.IntegrationHealth()})
}
