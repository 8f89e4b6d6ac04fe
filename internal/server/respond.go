package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	cerrors "cockpit/internal/errors"
)

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// respond writes the success envelope with payload keys merged in.
func respond(c *gin.Context, payload gin.H) {
	body := gin.H{"success": true, "timestamp": now()}
	for k, v := range payload {
		body[k] = v
	}
	c.JSON(http.StatusOK, body)
}

// fail maps the error kind onto an HTTP status and writes the error envelope.
func fail(c *gin.Context, err error) {
	failWith(c, err, nil)
}

func failWith(c *gin.Context, err error, extra gin.H) {
	body := gin.H{
		"success":   false,
		"error":     cerrors.KindOf(err).String(),
		"message":   err.Error(),
		"timestamp": now(),
	}
	for k, v := range extra {
		body[k] = v
	}
	c.AbortWithStatusJSON(cerrors.HTTPStatus(err), body)
}
