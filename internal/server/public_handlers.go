package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentrelay/agentrelay/internal/a2a"
	"github.com/agentrelay/agentrelay/internal/common/config"
)

// handleHealth serves the unauthenticated GET /health.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":           "ok",
		"version":          s.version,
		"uptime_seconds":   int(time.Since(s.startedAt).Seconds()),
		"active_processes": s.pool.ActiveSessions(),
		"active_sessions":  s.sessions.Count(),
		"budget":           s.budget.Snapshot(),
	})
}

// handleAgentCard serves GET /.well-known/agent-card.json.
func (s *Server) handleAgentCard(c *gin.Context) {
	skills := make([]a2a.CardSkill, 0, len(s.cfg.Agents))
	for _, agent := range s.cfg.EnabledAgents() {
		skills = append(skills, a2a.CardSkill{
			ID:          agent.Name,
			Name:        agent.Name,
			Description: agent.Description,
			InputModes:  a2a.SupportedInputModes,
			OutputModes: a2a.SupportedOutputModes,
		})
	}

	card := a2a.AgentCard{
		Name:               "agentrelay",
		Description:        "A2A gateway for a local worker CLI assistant",
		URL:                fmt.Sprintf("http://%s/a2a/jsonrpc", s.cfg.Server.Addr()),
		Version:            s.version,
		DefaultInputModes:  a2a.SupportedInputModes,
		DefaultOutputModes: a2a.SupportedOutputModes,
		Capabilities: a2a.CardCapabilities{
			Streaming:              false,
			PushNotifications:      false,
			StateTransitionHistory: false,
		},
		Skills: skills,
	}

	if s.gate.Configured() {
		card.SecuritySchemes = map[string]a2a.SecurityScheme{
			"bearer": {Type: "http", Scheme: "bearer", BearerFormat: "opaque-or-jwt"},
		}
		card.Security = []map[string][]string{{"bearer": {}}}
	}

	c.JSON(http.StatusOK, card)
}

func agentNames(agents []config.AgentDefinition) []string {
	names := make([]string, 0, len(agents))
	for _, a := range agents {
		names = append(names, a.Name)
	}
	return names
}
