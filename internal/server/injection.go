package server

import (
	"github.com/gin-gonic/gin"

	cerrors "cockpit/internal/errors"
)

type injectRequest struct {
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
}

func (s *Server) handleInject(c *gin.Context) {
	var req injectRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ConversationID == "" {
		fail(c, cerrors.New(cerrors.Validation, "conversationId and text are required"))
		return
	}
	s.doInject(c, req.ConversationID, req.Text)
}

func (s *Server) handleInjectSession(c *gin.Context) {
	var req struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, cerrors.Wrap(cerrors.Validation, err, "invalid inject body"))
		return
	}
	s.doInject(c, c.Param("id"), req.Text)
}

func (s *Server) doInject(c *gin.Context, conversationID, text string) {
	res, err := s.deps.Injector.Inject(c.Request.Context(), conversationID, text)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, gin.H{
		"method":     res.Method,
		"attempts":   res.Attempts,
		"durationMs": res.Duration.Milliseconds(),
	})
}

func (s *Server) handleInjectStatus(c *gin.Context) {
	respond(c, gin.H{
		"chain":     s.deps.Injector.Chain(),
		"preferred": s.deps.Injector.Preferred(),
		"queued":    len(s.deps.Injector.Queue()),
	})
}

func (s *Server) handleInjectConfigure(c *gin.Context) {
	var req struct {
		Preferred string `json:"preferred"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, cerrors.Wrap(cerrors.Validation, err, "invalid configure body"))
		return
	}
	if err := s.deps.Injector.Configure(req.Preferred); err != nil {
		fail(c, err)
		return
	}
	respond(c, gin.H{"preferred": req.Preferred})
}

func (s *Server) handleInjectStats(c *gin.Context) {
	respond(c, gin.H{"stats": s.deps.Injector.Stats()})
}

func (s *Server) handleBestMethod(c *gin.Context) {
	respond(c, gin.H{"method": s.deps.Injector.BestMethod()})
}

func (s *Server) handleQueueList(c *gin.Context) {
	respond(c, gin.H{"queue": s.deps.Injector.Queue()})
}

func (s *Server) handleQueueAdd(c *gin.Context) {
	var req injectRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ConversationID == "" {
		fail(c, cerrors.New(cerrors.Validation, "conversationId and text are required"))
		return
	}
	item, err := s.deps.Injector.Enqueue(req.ConversationID, req.Text)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, gin.H{"item": item})
}

func (s *Server) handleQueueProcess(c *gin.Context) {
	delivered, err := s.deps.Injector.Drain(c.Request.Context())
	if err != nil {
		failWith(c, err, gin.H{"delivered": delivered})
		return
	}
	respond(c, gin.H{"delivered": delivered})
}

func (s *Server) handleQueueGet(c *gin.Context) {
	id := c.Param("id")
	for _, item := range s.deps.Injector.Queue() {
		if item.ID == id {
			respond(c, gin.H{"item": item})
			return
		}
	}
	fail(c, cerrors.New(cerrors.NotFound, "queue item %s not found", id))
}

func (s *Server) handleQueueDelete(c *gin.Context) {
	if err := s.deps.Injector.Dequeue(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	respond(c, gin.H{})
}
