package server

import (
	"github.com/gin-gonic/gin"

	cerrors "cockpit/internal/errors"
)

func (s *Server) handlePermissionPending(c *gin.Context) {
	respond(c, gin.H{"pending": s.deps.Broker.Pending()})
}

func (s *Server) handlePermissionRespond(c *gin.Context) {
	var req struct {
		RequestID     string         `json:"requestId"`
		Decision      string         `json:"decision"`
		ParamOverride map[string]any `json:"paramOverride"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RequestID == "" {
		fail(c, cerrors.New(cerrors.Validation, "requestId and decision are required"))
		return
	}
	if err := s.deps.Broker.Respond(c.Request.Context(), req.RequestID, req.Decision, req.ParamOverride); err != nil {
		fail(c, err)
		return
	}
	respond(c, gin.H{})
}

func (s *Server) handleQuestionPending(c *gin.Context) {
	respond(c, gin.H{"pending": s.deps.Broker.PendingQuestions()})
}

func (s *Server) handleQuestionRespond(c *gin.Context) {
	var req struct {
		QuestionID string   `json:"questionId"`
		Answers    []string `json:"answers"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.QuestionID == "" {
		fail(c, cerrors.New(cerrors.Validation, "questionId and answers are required"))
		return
	}
	if err := s.deps.Broker.RespondQuestion(c.Request.Context(), req.QuestionID, req.Answers); err != nil {
		fail(c, err)
		return
	}
	respond(c, gin.H{})
}
