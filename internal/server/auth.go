package server

import (
	"github.com/gin-gonic/gin"

	cerrors "cockpit/internal/errors"
	"cockpit/internal/gate"
)

func (s *Server) handleAuthStatus(c *gin.Context) {
	lockdown, reason := s.deps.Gate.InLockdown()
	respond(c, gin.H{
		"enabled":  s.deps.Gate.Enabled(),
		"lockdown": lockdown,
		"reason":   reason,
	})
}

func (s *Server) handleLogin(c *gin.Context) {
	var req struct {
		PIN string `json:"pin"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, cerrors.Wrap(cerrors.Validation, err, "invalid login body"))
		return
	}
	source := gate.ResolveSource(c.Request)
	res, err := s.deps.Gate.AttemptLogin(source, req.PIN)
	if err != nil {
		extra := gin.H{}
		if res != nil {
			extra["blocked"] = res.Blocked
			extra["attemptsRemaining"] = res.AttemptsRemaining
		}
		failWith(c, err, extra)
		return
	}
	respond(c, gin.H{
		"token":             res.Token,
		"attemptsRemaining": res.AttemptsRemaining,
	})
}

func (s *Server) handleLogout(c *gin.Context) {
	s.deps.Gate.Logout(c.GetString("token"))
	respond(c, gin.H{})
}

func (s *Server) handleRefresh(c *gin.Context) {
	token := c.GetString("token")
	if err := s.deps.Gate.Refresh(token, gate.ResolveSource(c.Request)); err != nil {
		fail(c, err)
		return
	}
	respond(c, gin.H{})
}

func (s *Server) handleSessionInfo(c *gin.Context) {
	info, err := s.deps.Gate.SessionInfo(c.GetString("token"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, gin.H{"session": info})
}

func (s *Server) handleAuthStats(c *gin.Context) {
	respond(c, gin.H{"stats": s.deps.Gate.Stats()})
}

func (s *Server) handleClearLockdown(c *gin.Context) {
	s.deps.Gate.ClearLockdown()
	respond(c, gin.H{})
}
