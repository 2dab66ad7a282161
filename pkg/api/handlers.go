package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/stratus-paas/stratus/pkg/engine"
	"github.com/stratus-paas/stratus/pkg/rbac"
)

type errorResponse struct {
	Error string `json:"error"`
}

type readyResponse struct {
	Ready  bool              `json:"ready"`
	State  engine.State      `json:"state,omitempty"`
	Kinds  []engine.Kind     `json:"kinds,omitempty"`
	Checks map[string]string `json:"checks,omitempty"`
}

type retriesResponse struct {
	Count   int           `json:"count"`
	Retries []engine.Task `json:"retries"`
}

type resyncResponse struct {
	Accepted bool   `json:"accepted"`
	Message  string `json:"message"`
}

type invalidateRequest struct {
	// UserID drops one user's snapshot; empty drops all of them.
	UserID *uuid.UUID `json:"user_id"`
}

type invalidateResponse struct {
	Invalidated string `json:"invalidated"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReady(c *gin.Context) {
	resp := readyResponse{Ready: true}

	if s.runner != nil {
		resp.State = s.runner.State()
		resp.Kinds = s.runner.Kinds()
		if !s.runner.Ready() {
			resp.Ready = false
		}
	}

	if len(s.checks) > 0 {
		resp.Checks = make(map[string]string, len(s.checks))
		for _, check := range s.checks {
			ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.CheckTimeout)
			err := check.fn(ctx)
			cancel()
			if err != nil {
				resp.Ready = false
				resp.Checks[check.name] = err.Error()
				continue
			}
			resp.Checks[check.name] = "ok"
		}
	}

	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

func (s *Server) handleRetries(c *gin.Context) {
	retries := s.runner.PendingRetries()
	c.JSON(http.StatusOK, retriesResponse{Count: len(retries), Retries: retries})
}

func (s *Server) handleResync(c *gin.Context) {
	if !s.runner.RequestResync() {
		c.JSON(http.StatusConflict, resyncResponse{Message: "a resync is already pending"})
		return
	}
	s.logger.Info("Full reconciliation requested over the API")
	c.JSON(http.StatusAccepted, resyncResponse{Accepted: true, Message: "resync scheduled"})
}

func (s *Server) handleAuthorize(c *gin.Context) {
	var req rbac.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	decision, err := s.authorizer.Authorize(c.Request.Context(), req)
	if err != nil {
		s.logger.WithError(err).Warn("Authorization failed")
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, decision)
}

func (s *Server) handleInvalidate(c *gin.Context) {
	var req invalidateRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
	}

	if req.UserID == nil {
		s.invalidator.InvalidateAll()
		c.JSON(http.StatusOK, invalidateResponse{Invalidated: "all"})
		return
	}
	s.invalidator.Invalidate(*req.UserID)
	c.JSON(http.StatusOK, invalidateResponse{Invalidated: req.UserID.String()})
}
