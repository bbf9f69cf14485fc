// Package server exposes the A2A, admin, and health HTTP surfaces.
package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/agentrelay/agentrelay/internal/auth"
	"github.com/agentrelay/agentrelay/internal/auth/token"
	"github.com/agentrelay/agentrelay/internal/common/config"
	"github.com/agentrelay/agentrelay/internal/common/httpmw"
	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/orchestrator"
	"github.com/agentrelay/agentrelay/internal/store/budget"
	"github.com/agentrelay/agentrelay/internal/store/revocation"
	"github.com/agentrelay/agentrelay/internal/store/sessions"
	"github.com/agentrelay/agentrelay/internal/worker"
)

// authContextKey is the gin context key holding the *auth.Context.
const authContextKey = "authContext"

// Server wires the HTTP handlers to the core services.
type Server struct {
	cfg         *config.Config
	gate        *auth.Gate
	limiter     *auth.RateLimiter
	orch        *orchestrator.Orchestrator
	sessions    *sessions.Store
	budget      *budget.Tracker
	revocations *revocation.Store
	tokens      *token.Service
	pool        *worker.Pool
	version     string
	startedAt   time.Time
	logger      *logger.Logger
}

// New builds the server. tokens may be nil when no JWT secret is configured.
func New(cfg *config.Config, gate *auth.Gate, limiter *auth.RateLimiter,
	orch *orchestrator.Orchestrator, sessionStore *sessions.Store,
	tracker *budget.Tracker, revocations *revocation.Store,
	tokens *token.Service, pool *worker.Pool, version string, log *logger.Logger) *Server {
	return &Server{
		cfg:         cfg,
		gate:        gate,
		limiter:     limiter,
		orch:        orch,
		sessions:    sessionStore,
		budget:      tracker,
		revocations: revocations,
		tokens:      tokens,
		pool:        pool,
		version:     version,
		startedAt:   time.Now(),
		logger:      log,
	}
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmw.RequestLogger(s.logger, "agentrelay"))
	r.Use(httpmw.OtelTracing("agentrelay"))

	if len(s.cfg.Server.CORSOrigins) > 0 {
		corsCfg := cors.DefaultConfig()
		corsCfg.AllowOrigins = s.cfg.Server.CORSOrigins
		corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization")
		r.Use(cors.New(corsCfg))
	}

	// Public surface
	r.GET("/health", s.handleHealth)
	r.GET("/.well-known/agent-card.json", s.handleAgentCard)

	// A2A surface: authenticated and rate limited
	a2aGroup := r.Group("/a2a", s.authMiddleware(), s.rateLimitMiddleware())
	a2aGroup.POST("/jsonrpc", s.handleJSONRPC)
	a2aGroup.POST("/rest/message/send", s.handleRESTSend)
	a2aGroup.GET("/rest/tasks/:id", s.handleRESTGetTask)
	a2aGroup.POST("/rest/tasks/:id/cancel", s.handleRESTCancelTask)

	// Admin surface: shared-secret tier only
	admin := r.Group("/admin", s.authMiddleware(), s.requireAdmin())
	admin.POST("/tokens", s.handleIssueToken)
	admin.DELETE("/tokens/:jti", s.handleRevokeToken)
	admin.POST("/tokens/refresh", s.handleRefreshToken)
	admin.GET("/tokens/revoked", s.handleListRevoked)
	admin.GET("/sessions", s.handleListSessions)
	admin.DELETE("/sessions/:id", s.handleDeleteSession)
	admin.GET("/stats", s.handleStats)

	return r
}

// authMiddleware populates the auth context or rejects with 401.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ac, err := s.gate.Authenticate(c.GetHeader("Authorization"))
		if err != nil {
			body := gin.H{"error": "unauthorized"}
			if s.cfg.Auth.TokenDebug {
				body["detail"] = err.Error()
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, body)
			return
		}
		c.Set(authContextKey, ac)
		c.Next()
	}
}

// rateLimitMiddleware enforces the per-client token bucket.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ac := s.authContext(c)
		ok, retryAfter := s.limiter.Allow(ac.ClientName, ac.RateLimitRPM)
		if !ok {
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":               "rate limit exceeded",
				"retry_after_seconds": retryAfter,
			})
			return
		}
		c.Next()
	}
}

// requireAdmin restricts a group to the shared-secret tier.
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.authContext(c).Admin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin access required"})
			return
		}
		c.Next()
	}
}

func (s *Server) authContext(c *gin.Context) *auth.Context {
	if v, ok := c.Get(authContextKey); ok {
		if ac, ok := v.(*auth.Context); ok {
			return ac
		}
	}
	return &auth.Context{Kind: auth.KindAnonymous, ClientName: "anonymous"}
}
