package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	cerrors "cockpit/internal/errors"
)

func (s *Server) handleTemplateList(c *gin.Context) {
	respond(c, gin.H{"templates": s.deps.Templates.List()})
}

func (s *Server) handleTemplateGet(c *gin.Context) {
	resolved := c.Query("resolved") == "true"
	tpl, err := s.deps.Templates.Get(c.Param("id"), resolved)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, gin.H{"template": tpl})
}

func (s *Server) handleTemplateCreate(c *gin.Context) {
	var doc map[string]any
	if err := c.ShouldBindJSON(&doc); err != nil {
		fail(c, cerrors.Wrap(cerrors.Validation, err, "invalid template body"))
		return
	}
	tpl, err := s.deps.Templates.Create(doc)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, gin.H{"template": tpl})
}

func (s *Server) handleTemplateUpdate(c *gin.Context) {
	var doc map[string]any
	if err := c.ShouldBindJSON(&doc); err != nil {
		fail(c, cerrors.Wrap(cerrors.Validation, err, "invalid template body"))
		return
	}
	tpl, err := s.deps.Templates.Update(c.Param("id"), doc)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, gin.H{"template": tpl})
}

func (s *Server) handleTemplateDelete(c *gin.Context) {
	if err := s.deps.Templates.Delete(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	respond(c, gin.H{})
}

func (s *Server) handleTemplateDuplicate(c *gin.Context) {
	var req struct {
		NewID   string `json:"newId"`
		NewName string `json:"newName"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, cerrors.Wrap(cerrors.Validation, err, "invalid duplicate body"))
		return
	}
	tpl, err := s.deps.Templates.Duplicate(c.Param("id"), req.NewID, req.NewName)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, gin.H{"template": tpl})
}

func (s *Server) handleTemplateExport(c *gin.Context) {
	data, err := s.deps.Templates.Export(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.Header("Content-Disposition", "attachment; filename="+c.Param("id")+".json")
	c.Data(http.StatusOK, "application/json", data)
}

func (s *Server) handleTemplateImport(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		fail(c, cerrors.Wrap(cerrors.Validation, err, "read import body"))
		return
	}
	tpl, err := s.deps.Templates.Import(data)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, gin.H{"template": tpl})
}
