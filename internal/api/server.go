// Package api exposes the orchestration hub over HTTP.
package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/yazhsab/qbitel-bridge/go/soar/internal/hub"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/model"
)

// ActorHeader names the caller when no JWT secret is configured.
const ActorHeader = "X-Actor"

const actorKey = "actor"

// Config holds API configuration
type Config struct {
	// JWTSecret enables HS256 bearer authentication; the token subject is the actor.
	JWTSecret string `json:"-"`
}

// Server serves the HTTP API
type Server struct {
	logger *zap.Logger
	config *Config
	hub    *hub.Hub
	router *gin.Engine
}

// NewServer creates the API server and its routes.
func NewServer(logger *zap.Logger, config *Config, h *hub.Hub) *Server {
	if config == nil {
		config = &Config{}
	}
	s := &Server{
		logger: logger,
		config: config,
		hub:    h,
	}
	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Router returns the gin engine so callers can mount extra routes.
func (s *Server) Router() *gin.Engine { return s.router }

func (s *Server) setupRoutes() {
	s.router = gin.New()
	s.router.Use(gin.Recovery(), s.accessLog())

	s.router.GET("/healthz", s.handleHealthCheck)

	api := s.router.Group("/", s.authenticate())

	api.POST("/incidents", s.handleCreateIncident)
	api.GET("/incidents", s.handleListIncidents)
	api.GET("/incidents/:id", s.handleGetIncident)
	api.POST("/incidents/:id/state", s.handleUpdateState)
	api.GET("/incidents/:id/report", s.handleReport)
	api.POST("/incidents/:id/containment", s.handleContain)
	api.POST("/incidents/:id/remediation", s.handleRemediate)

	api.POST("/playbooks", s.handleRegisterPlaybook)
	api.GET("/playbooks", s.handleListPlaybooks)
	api.GET("/playbooks/:id", s.handleGetPlaybook)
	api.POST("/playbooks/:id/execute", s.handleExecutePlaybook)

	api.GET("/executions", s.handleListExecutions)
	api.GET("/executions/:id", s.handleGetExecution)
	api.POST("/executions/:id/approve", s.handleApproveExecution)
	api.POST("/executions/:id/reject", s.handleRejectExecution)
	api.POST("/executions/:id/rollback", s.handleRollbackExecution)

	api.GET("/containment/:id", s.handleGetContainment)
	api.POST("/containment/:id/approve", s.handleApproveContainment)
	api.POST("/containment/:id/reject", s.handleRejectContainment)
	api.POST("/containment/:id/release", s.handleReleaseContainment)
	api.POST("/containment/:id/rollback", s.handleRollbackContainment)

	api.GET("/remediation/:id", s.handleGetRemediation)
	api.POST("/remediation/:id/approve", s.handleApproveRemediation)
	api.POST("/remediation/:id/reject", s.handleRejectRemediation)
	api.POST("/remediation/:id/rollback", s.handleRollbackRemediation)

	api.GET("/approvals", s.handlePendingApprovals)
	api.GET("/audit", s.handleQueryAudit)
	api.GET("/integrations", s.handleIntegrations)
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("client_ip", c.ClientIP()),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if actor := c.GetString(actorKey); actor != "" {
			fields = append(fields, zap.String("actor", actor))
		}
		if msg := c.Errors.ByType(gin.ErrorTypePrivate).String(); msg != "" {
			fields = append(fields, zap.String("error", msg))
		}
		s.logger.Debug("HTTP request", fields...)
	}
}

// authenticate resolves the actor from the bearer token or the actor header.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, err := s.actor(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(actorKey, actor)
		c.Next()
	}
}

func (s *Server) actor(r *http.Request) (string, error) {
	if s.config.JWTSecret == "" {
		actor := strings.TrimSpace(r.Header.Get(ActorHeader))
		if actor == "" {
			return "", fmt.Errorf("missing %s header", ActorHeader)
		}
		return actor, nil
	}

	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || raw == "" {
		return "", errors.New("missing bearer token")
	}
	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(*jwt.Token) (interface{}, error) {
		return []byte(s.config.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, model.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, model.ErrCapacityExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, model.ErrValidation), errors.Is(err, model.ErrInvalidPlaybook):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrHandlerFailure):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
}

func actorOf(c *gin.Context) string {
	return c.GetString(actorKey)
}

// handleHealthCheck handles health check requests
func (s *Server) handleHealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
