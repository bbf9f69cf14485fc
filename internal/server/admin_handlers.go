package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/auth/token"
	"github.com/agentrelay/agentrelay/internal/store/sessions"
)

type issueTokenRequest struct {
	ClientName       string   `json:"client_name" binding:"required"`
	Scopes           []string `json:"scopes" binding:"required"`
	ExpiresInSeconds int      `json:"expires_in_seconds"`
	BudgetDailyUSD   *float64 `json:"budget_daily_usd"`
	RateLimitRPM     *int     `json:"rate_limit_rpm"`
	AllowedModels    []string `json:"allowed_models"`
	Ephemeral        bool     `json:"ephemeral"`
}

type issueTokenResponse struct {
	AccessToken  string `json:"access_token"`
	AccessJTI    string `json:"access_jti"`
	RefreshToken string `json:"refresh_token,omitempty"`
	RefreshJTI   string `json:"refresh_jti,omitempty"`
}

// handleIssueToken serves POST /admin/tokens.
func (s *Server) handleIssueToken(c *gin.Context) {
	if s.tokens == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "token auth is not configured"})
		return
	}
	var req issueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "client_name and scopes are required"})
		return
	}

	opts := token.IssueOptions{
		Subject:        req.ClientName,
		Scopes:         req.Scopes,
		BudgetDailyUSD: req.BudgetDailyUSD,
		RateLimitRPM:   req.RateLimitRPM,
		AllowedModels:  req.AllowedModels,
		Ephemeral:      req.Ephemeral,
		TTL:            time.Duration(req.ExpiresInSeconds) * time.Second,
	}

	access, accessJTI, err := s.tokens.IssueAccess(opts)
	if err != nil {
		s.logger.Error("failed to issue access token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}
	resp := issueTokenResponse{AccessToken: access, AccessJTI: accessJTI}

	if s.tokens.RefreshEnabled() {
		refresh, refreshJTI, err := s.tokens.IssueRefresh(token.IssueOptions{
			Subject:        req.ClientName,
			Scopes:         req.Scopes,
			BudgetDailyUSD: req.BudgetDailyUSD,
			RateLimitRPM:   req.RateLimitRPM,
			AllowedModels:  req.AllowedModels,
		})
		if err != nil {
			s.logger.Error("failed to issue refresh token", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
			return
		}
		resp.RefreshToken = refresh
		resp.RefreshJTI = refreshJTI
	}

	c.JSON(http.StatusOK, resp)
}

// handleRevokeToken serves DELETE /admin/tokens/:jti.
func (s *Server) handleRevokeToken(c *gin.Context) {
	jti := c.Param("jti")
	if err := s.revocations.Revoke(jti); err != nil {
		s.logger.Error("failed to revoke token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to revoke token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": jti})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// handleRefreshToken serves POST /admin/tokens/refresh.
func (s *Server) handleRefreshToken(c *gin.Context) {
	if s.tokens == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "token auth is not configured"})
		return
	}
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "refresh_token is required"})
		return
	}

	access, jti, err := s.tokens.Exchange(req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrRefreshDisabled):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "refresh tokens disabled"})
		case errors.Is(err, token.ErrNotRefresh),
			errors.Is(err, token.ErrInvalid),
			errors.Is(err, token.ErrRevoked):
			body := gin.H{"error": "invalid refresh token"}
			if s.cfg.Auth.TokenDebug {
				body["detail"] = err.Error()
			}
			c.JSON(http.StatusUnauthorized, body)
		default:
			s.logger.Error("refresh exchange failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}
	c.JSON(http.StatusOK, issueTokenResponse{AccessToken: access, AccessJTI: jti})
}

// handleListRevoked serves GET /admin/tokens/revoked.
func (s *Server) handleListRevoked(c *gin.Context) {
	entries, err := s.revocations.List()
	if err != nil {
		s.logger.Error("failed to list revoked tokens", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": entries})
}

// handleListSessions serves GET /admin/sessions[?client=].
func (s *Server) handleListSessions(c *gin.Context) {
	var list []sessions.Metadata
	if client := c.Query("client"); client != "" {
		list = s.sessions.ListForClient(client)
	} else {
		list = s.sessions.ListAll()
	}
	c.JSON(http.StatusOK, gin.H{"sessions": list, "count": len(list)})
}

// handleDeleteSession serves DELETE /admin/sessions/:id.
func (s *Server) handleDeleteSession(c *gin.Context) {
	err := s.orch.DestroySession(c.Param("id"))
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		s.logger.Error("failed to delete session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("id")})
}

// handleStats serves GET /admin/stats.
func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"active_sessions":    s.sessions.Count(),
		"active_processes":   s.pool.ActiveSessions(),
		"max_concurrent":     s.cfg.Sessions.MaxConcurrent,
		"enabled_agents":     agentNames(s.cfg.EnabledAgents()),
		"budget":             s.budget.Snapshot(),
		"rate_limit_buckets": s.limiter.BucketCount(),
	})
}
