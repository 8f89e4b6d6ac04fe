package server

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"cockpit/internal/cdp"
	cerrors "cockpit/internal/errors"
)

func (s *Server) handleListSessions(c *gin.Context) {
	includeHidden := c.Query("include_hidden") == "true"
	respond(c, gin.H{"sessions": s.deps.Sessions.List(includeHidden)})
}

func (s *Server) handleGetSession(c *gin.Context) {
	offset, _ := strconv.Atoi(c.Query("offset"))
	limit, _ := strconv.Atoi(c.Query("limit"))
	detail, cached, err := s.deps.Sessions.Get(c.Request.Context(), c.Param("id"), offset, limit)
	if err != nil {
		fail(c, err)
		return
	}
	if cached {
		c.Header("X-Cache-Hit", "true")
	} else {
		c.Header("X-Cache-Hit", "false")
	}
	respond(c, gin.H{"session": detail})
}

func (s *Server) handleSwitchSession(c *gin.Context) {
	var req struct {
		ConversationID string `json:"conversationId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ConversationID == "" {
		fail(c, cerrors.New(cerrors.Validation, "conversationId is required"))
		return
	}
	if err := s.deps.Sessions.Switch(c.Request.Context(), req.ConversationID); err != nil {
		fail(c, err)
		return
	}
	respond(c, gin.H{})
}

func (s *Server) handleSend(c *gin.Context) {
	var req struct {
		ConversationID string `json:"conversationId"`
		Text           string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ConversationID == "" {
		fail(c, cerrors.New(cerrors.Validation, "conversationId and text are required"))
		return
	}
	if err := s.deps.Sessions.SendMessage(c.Request.Context(), req.ConversationID, req.Text); err != nil {
		fail(c, err)
		return
	}
	respond(c, gin.H{})
}

func (s *Server) handleNewSession(c *gin.Context) {
	var req struct {
		CWD            string `json:"cwd"`
		FirstMessage   string `json:"firstMessage"`
		Model          string `json:"model"`
		PermissionMode string `json:"permissionMode"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, cerrors.Wrap(cerrors.Validation, err, "invalid session body"))
		return
	}
	id, err := s.deps.Sessions.Create(c.Request.Context(), req.CWD, req.FirstMessage, cdp.StartOptions{
		Model:          req.Model,
		PermissionMode: req.PermissionMode,
	})
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, gin.H{"conversationId": id})
}

func (s *Server) handleArchiveSession(c *gin.Context) {
	if err := s.deps.Sessions.Archive(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	respond(c, gin.H{})
}
