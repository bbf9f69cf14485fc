package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/a2a"
	"github.com/agentrelay/agentrelay/internal/orchestrator"
	"github.com/agentrelay/agentrelay/internal/store/tasks"
)

// handleJSONRPC serves POST /a2a/jsonrpc.
func (s *Server) handleJSONRPC(c *gin.Context) {
	var req a2a.RPCRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, a2a.NewError(nil, a2a.CodeParseError, "parse error", nil))
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		c.JSON(http.StatusOK, a2a.NewError(req.ID, a2a.CodeInvalidRequest, "invalid request", nil))
		return
	}

	switch req.Method {
	case a2a.MethodMessageSend:
		s.rpcMessageSend(c, &req)
	case a2a.MethodTasksGet:
		s.rpcTasksGet(c, &req)
	case a2a.MethodTasksCancel:
		s.rpcTasksCancel(c, &req)
	default:
		c.JSON(http.StatusOK, a2a.NewError(req.ID, a2a.CodeMethodNotFound, "method not found", nil))
	}
}

func (s *Server) rpcMessageSend(c *gin.Context, req *a2a.RPCRequest) {
	var params a2a.MessageSendParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		c.JSON(http.StatusOK, a2a.NewError(req.ID, a2a.CodeInvalidParams, "invalid params", nil))
		return
	}

	reply, err := s.orch.SendMessage(c.Request.Context(), s.authContext(c), &params)
	if err != nil {
		if errors.Is(err, orchestrator.ErrScopeDenied) {
			c.JSON(http.StatusForbidden, a2a.NewError(req.ID, a2a.CodeInvalidRequest, "scope denied", nil))
			return
		}
		s.logger.Error("message/send failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError,
			a2a.NewError(req.ID, a2a.CodeInternalError, "internal error", nil))
		return
	}
	c.JSON(http.StatusOK, a2a.NewResult(req.ID, reply))
}

func (s *Server) rpcTasksGet(c *gin.Context, req *a2a.RPCRequest) {
	var params a2a.TaskQueryParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.ID == "" {
		c.JSON(http.StatusOK, a2a.NewError(req.ID, a2a.CodeInvalidParams, "invalid params", nil))
		return
	}

	task, err := s.orch.GetTask(params.ID, s.authContext(c))
	if err != nil {
		if errors.Is(err, tasks.ErrNotFound) {
			c.JSON(http.StatusOK, a2a.NewError(req.ID, a2a.CodeTaskNotFound, "task not found", nil))
			return
		}
		s.logger.Error("tasks/get failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError,
			a2a.NewError(req.ID, a2a.CodeInternalError, "internal error", nil))
		return
	}
	c.JSON(http.StatusOK, a2a.NewResult(req.ID, task))
}

func (s *Server) rpcTasksCancel(c *gin.Context, req *a2a.RPCRequest) {
	var params a2a.TaskQueryParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.ID == "" {
		c.JSON(http.StatusOK, a2a.NewError(req.ID, a2a.CodeInvalidParams, "invalid params", nil))
		return
	}

	task, err := s.orch.CancelTask(params.ID, s.authContext(c))
	if err != nil {
		if errors.Is(err, tasks.ErrNotFound) {
			c.JSON(http.StatusOK, a2a.NewError(req.ID, a2a.CodeTaskNotFound, "task not found", nil))
			return
		}
		s.logger.Error("tasks/cancel failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError,
			a2a.NewError(req.ID, a2a.CodeInternalError, "internal error", nil))
		return
	}
	c.JSON(http.StatusOK, a2a.NewResult(req.ID, task))
}

// handleRESTSend mirrors message/send at POST /a2a/rest/message/send.
func (s *Server) handleRESTSend(c *gin.Context) {
	var params a2a.MessageSendParams
	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	reply, err := s.orch.SendMessage(c.Request.Context(), s.authContext(c), &params)
	if err != nil {
		if errors.Is(err, orchestrator.ErrScopeDenied) {
			c.JSON(http.StatusForbidden, gin.H{"error": "scope denied"})
			return
		}
		s.logger.Error("rest message send failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, reply)
}

// handleRESTGetTask mirrors tasks/get at GET /a2a/rest/tasks/:id.
func (s *Server) handleRESTGetTask(c *gin.Context) {
	task, err := s.orch.GetTask(c.Param("id"), s.authContext(c))
	if err != nil {
		if errors.Is(err, tasks.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		s.logger.Error("rest task get failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, task)
}

// handleRESTCancelTask mirrors tasks/cancel at POST /a2a/rest/tasks/:id/cancel.
func (s *Server) handleRESTCancelTask(c *gin.Context) {
	task, err := s.orch.CancelTask(c.Param("id"), s.authContext(c))
	if err != nil {
		if errors.Is(err, tasks.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		s.logger.Error("rest task cancel failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, task)
}
