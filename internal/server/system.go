package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"cockpit/internal/logging"
)

func (s *Server) handleHealth(c *gin.Context) {
	available, reason := s.deps.Adapter.AvailabilityCheck(c.Request.Context())
	visible, hidden := s.deps.Sessions.Counts()
	respond(c, gin.H{
		"status":        "ok",
		"adapter":       gin.H{"available": available, "reason": reason},
		"sessions":      gin.H{"visible": visible, "hidden": hidden},
		"orchestrators": len(s.deps.Orchestrators.List()),
		"clients":       s.deps.Hub.ClientCount(),
		"uptimeSeconds": int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleLogs(c *gin.Context) {
	entries := logging.Recent()
	if limit, err := strconv.Atoi(c.Query("limit")); err == nil && limit > 0 && limit < len(entries) {
		entries = entries[len(entries)-limit:]
	}
	respond(c, gin.H{"logs": entries})
}

func (s *Server) handleLogsClear(c *gin.Context) {
	logging.ClearBuffer()
	respond(c, gin.H{})
}

// handleLogStream tails the log buffer as server-sent events.
func (s *Server) handleLogStream(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.Status(http.StatusInternalServerError)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	ch := logging.Subscribe()
	defer logging.Unsubscribe(ch)

	write := func(entry logging.Entry) bool {
		data, err := json.Marshal(entry)
		if err != nil {
			return true
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for _, entry := range logging.Recent() {
		if !write(entry) {
			return
		}
	}

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			if !write(entry) {
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(c.Writer, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
