package server

import (
	"github.com/gin-gonic/gin"

	cerrors "cockpit/internal/errors"
	"cockpit/internal/orchestrator"
)

func (s *Server) handleOrchestratorCreate(c *gin.Context) {
	var req orchestrator.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, cerrors.Wrap(cerrors.Validation, err, "invalid orchestrator body"))
		return
	}
	o, err := s.deps.Orchestrators.Create(req)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, gin.H{"orchestrator": o})
}

func (s *Server) handleOrchestratorList(c *gin.Context) {
	respond(c, gin.H{"orchestrators": s.deps.Orchestrators.List()})
}

func (s *Server) handleOrchestratorGet(c *gin.Context) {
	o, err := s.deps.Orchestrators.Get(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, gin.H{"orchestrator": o})
}

func (s *Server) handleOrchestratorStart(c *gin.Context) {
	s.orchestratorAction(c, s.deps.Orchestrators.Start)
}

func (s *Server) handleOrchestratorConfirm(c *gin.Context) {
	s.orchestratorAction(c, s.deps.Orchestrators.ConfirmTasks)
}

func (s *Server) handleOrchestratorPause(c *gin.Context) {
	s.orchestratorAction(c, s.deps.Orchestrators.Pause)
}

func (s *Server) handleOrchestratorResume(c *gin.Context) {
	s.orchestratorAction(c, s.deps.Orchestrators.Resume)
}

func (s *Server) handleOrchestratorCancel(c *gin.Context) {
	if err := s.deps.Orchestrators.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	respond(c, gin.H{})
}

func (s *Server) orchestratorAction(c *gin.Context, action func(id string) error) {
	if err := action(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	o, err := s.deps.Orchestrators.Get(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, gin.H{"orchestrator": o})
}

func (s *Server) handleOrchestratorMessage(c *gin.Context) {
	var req struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Text == "" {
		fail(c, cerrors.New(cerrors.Validation, "text is required"))
		return
	}
	if err := s.deps.Orchestrators.SendMessage(c.Request.Context(), c.Param("id"), req.Text); err != nil {
		fail(c, err)
		return
	}
	respond(c, gin.H{})
}

func (s *Server) handleOrchestratorWorkers(c *gin.Context) {
	workers, err := s.deps.Orchestrators.WorkersOf(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, gin.H{"workers": workers})
}

// workerID resolves a path task id to its worker id. Runs key workers by
// task, but callers may pass the worker id directly.
func (s *Server) workerID(c *gin.Context) (string, error) {
	orchID, taskID := c.Param("id"), c.Param("taskId")
	o, err := s.deps.Orchestrators.Get(orchID)
	if err != nil {
		return "", err
	}
	if workerID, ok := o.Workers[taskID]; ok {
		return workerID, nil
	}
	return taskID, nil
}

func (s *Server) handleWorkerGet(c *gin.Context) {
	workerID, err := s.workerID(c)
	if err != nil {
		fail(c, err)
		return
	}
	workers, err := s.deps.Orchestrators.WorkersOf(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	for _, w := range workers {
		if w.ID == workerID {
			respond(c, gin.H{"worker": w})
			return
		}
	}
	fail(c, cerrors.New(cerrors.NotFound, "no worker for task %s", c.Param("taskId")))
}

func (s *Server) handleWorkerRetry(c *gin.Context) {
	workerID, err := s.workerID(c)
	if err != nil {
		fail(c, err)
		return
	}
	if err := s.deps.Orchestrators.RetryWorker(c.Param("id"), workerID); err != nil {
		fail(c, err)
		return
	}
	respond(c, gin.H{})
}

func (s *Server) handleWorkerCancel(c *gin.Context) {
	workerID, err := s.workerID(c)
	if err != nil {
		fail(c, err)
		return
	}
	if err := s.deps.Orchestrators.CancelWorker(c.Request.Context(), c.Param("id"), workerID); err != nil {
		fail(c, err)
		return
	}
	respond(c, gin.H{})
}
