package server

import (
	"github.com/gin-gonic/gin"

	cerrors "cockpit/internal/errors"
)

func (s *Server) handleSubsessionList(c *gin.Context) {
	respond(c, gin.H{"subsessions": s.deps.Subsessions.List()})
}

func (s *Server) handleSubsessionLink(c *gin.Context) {
	var req struct {
		ChildID          string `json:"childId"`
		ParentID         string `json:"parentId"`
		ToolInvocationID string `json:"toolInvocationId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, cerrors.Wrap(cerrors.Validation, err, "invalid link body"))
		return
	}
	link, err := s.deps.Subsessions.Link(req.ChildID, req.ParentID, req.ToolInvocationID)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, gin.H{"link": link})
}

func (s *Server) handleSubsessionUnlink(c *gin.Context) {
	if err := s.deps.Subsessions.Unlink(c.Param("childId")); err != nil {
		fail(c, err)
		return
	}
	respond(c, gin.H{})
}

func (s *Server) handleSubsessionScan(c *gin.Context) {
	s.deps.Subsessions.Scan(c.Request.Context())
	respond(c, gin.H{"subsessions": s.deps.Subsessions.List()})
}

func (s *Server) handleSubsessionWatch(c *gin.Context) {
	var req struct {
		ParentID string `json:"parentId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ParentID == "" {
		fail(c, cerrors.New(cerrors.Validation, "parentId is required"))
		return
	}
	s.deps.Subsessions.NoteParentSpawn(req.ParentID)
	respond(c, gin.H{})
}
