package server

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	cerrors "cockpit/internal/errors"
	"cockpit/internal/gate"
)

// requestToken pulls the session token from the Authorization header, the
// X-Auth-Token header or the query string (SSE and WebSocket clients cannot
// set headers).
func requestToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if h := c.GetHeader("X-Auth-Token"); h != "" {
		return strings.TrimSpace(h)
	}
	return c.Query("token")
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("%s %s -> %d (%s)",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Millisecond))
	}
}

func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.deps.Gate.Enabled() {
			c.Next()
			return
		}
		source := gate.ResolveSource(c.Request)
		if s.deps.Gate.IsBlocked(source) {
			fail(c, cerrors.New(cerrors.Forbidden, "source %s is blocked", source))
			return
		}
		token := requestToken(c)
		if token == "" {
			fail(c, cerrors.New(cerrors.Unauthenticated, "session token required"))
			return
		}
		if err := s.deps.Gate.Validate(token, source); err != nil {
			fail(c, err)
			return
		}
		c.Set("token", token)
		c.Next()
	}
}

func (s *Server) rateLimit(bucket gate.Bucket) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.deps.Limiter == nil {
			c.Next()
			return
		}
		if err := s.deps.Limiter.Allow(bucket, gate.ResolveSource(c.Request)); err != nil {
			fail(c, err)
			return
		}
		c.Next()
	}
}
