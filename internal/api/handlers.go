package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"notifyd/internal/executor"
	"notifyd/internal/model"
	"notifyd/internal/store"
)

var validate = validator.New()

type jobRequest struct {
	Name            string             `json:"name" validate:"required,max=128"`
	Description     string             `json:"description" validate:"max=1024"`
	TemplateType    model.TemplateKind `json:"template_type" validate:"required"`
	Parameters      map[string]any     `json:"parameters"`
	Schedule        model.Schedule     `json:"schedule"`
	Enabled         *bool              `json:"enabled"`
	TimeoutSeconds  int                `json:"timeout_seconds" validate:"min=0,max=86400"`
	Retry           model.RetryPolicy  `json:"retry_policy"`
	NotifyOnSuccess []string           `json:"notify_on_success" validate:"dive,required"`
	NotifyOnFailure []string           `json:"notify_on_failure" validate:"dive,required"`

	// Version must match the stored row on update.
	Version int64 `json:"version"`
}

func bindJob(c *gin.Context) (*jobRequest, bool) {
	var req jobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	if err := validate.Struct(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	return &req, true
}

func (r *jobRequest) apply(d *model.JobDefinition) {
	d.Name = r.Name
	d.Description = r.Description
	d.TemplateType = r.TemplateType
	d.Parameters = r.Parameters
	d.Schedule = r.Schedule
	if r.Enabled != nil {
		d.Enabled = *r.Enabled
	}
	d.TimeoutSeconds = r.TimeoutSeconds
	d.Retry = r.Retry
	d.NotifyOnSuccess = r.NotifyOnSuccess
	d.NotifyOnFailure = r.NotifyOnFailure
}

func (s *Server) createJob(c *gin.Context) {
	req, ok := bindJob(c)
	if !ok {
		return
	}

	now := time.Now().UTC()
	def := &model.JobDefinition{
		ID:        uuid.NewString(),
		Enabled:   true,
		CreatedBy: actor(c),
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
	req.apply(def)

	if err := def.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.reg.Validate(def.TemplateType, def.Parameters); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if def.Enabled {
		next, err := def.Schedule.Next(now)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		def.NextRunAt = &next
	}

	if err := s.st.CreateJob(c.Request.Context(), def); err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusCreated, def)
}

func (s *Server) listJobs(c *gin.Context) {
	f := store.JobFilter{
		TemplateType: model.TemplateKind(c.Query("template_type")),
		Page:         intQuery(c, "page", 1),
		Limit:        intQuery(c, "limit", 20),
	}
	if v := c.Query("enabled"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "enabled must be a boolean"})
			return
		}
		f.Enabled = &b
	}

	page, err := s.st.ListJobs(c.Request.Context(), f)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) getJob(c *gin.Context) {
	def, err := s.st.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

func (s *Server) updateJob(c *gin.Context) {
	req, ok := bindJob(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	def, err := s.st.GetJob(ctx, c.Param("id"))
	if err != nil {
		abortError(c, err)
		return
	}
	req.apply(def)
	def.UpdatedAt = time.Now().UTC()

	if err := def.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.reg.Validate(def.TemplateType, def.Parameters); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if def.Enabled {
		next, err := def.Schedule.Next(def.UpdatedAt)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		def.NextRunAt = &next
	} else {
		def.NextRunAt = nil
	}

	if err := s.st.UpdateJob(ctx, def, req.Version); err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

func (s *Server) deleteJob(c *gin.Context) {
	if err := s.st.DeleteJob(c.Request.Context(), c.Param("id")); err != nil {
		abortError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) runJob(c *gin.Context) {
	ctx := c.Request.Context()
	def, err := s.st.GetJob(ctx, c.Param("id"))
	if err != nil {
		abortError(c, err)
		return
	}

	execID, err := s.exec.RunAsync(ctx, def, model.ManualTrigger(actor(c)))
	if err != nil {
		if errors.Is(err, executor.ErrAlreadyRunning) {
			abortError(c, err)
			return
		}
		// Anything else here is a parameter validation failure.
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"execution_id": execID})
}

func (s *Server) listExecutions(c *gin.Context) {
	f := store.ExecutionFilter{
		JobID:  c.Param("id"),
		Status: model.ExecutionStatus(c.Query("status")),
		Limit:  intQuery(c, "limit", 50),
	}
	execs, err := s.st.ListExecutions(c.Request.Context(), f)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": execs})
}

func (s *Server) listTemplates(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"templates": s.reg.List()})
}

func (s *Server) getTemplate(c *gin.Context) {
	kind := model.TemplateKind(c.Param("type"))
	tmpl, err := s.reg.Get(kind)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"type":        tmpl.Kind(),
		"description": tmpl.Description(),
		"parameters":  tmpl.Params(),
	})
}

func intQuery(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
