package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/appstead/appstead/internal/app"
	"github.com/appstead/appstead/internal/engine"
	"github.com/appstead/appstead/internal/metrics"
	"github.com/appstead/appstead/internal/store"
)

// Router provides the embeddable HTTP API over one engine.
// Endpoints (all under basePath):
//
//	POST   /apps                          multipart upload or git JSON
//	GET    /apps                          ?deleted=true includes soft-deleted
//	GET    /apps/:name
//	DELETE /apps/:name
//	POST   /apps/:name/install|enable|disable|start|stop|restart|run
//	POST   /apps/:name/update             multipart or git JSON
//	GET    /apps/:name/executions         ?status=...&limit=N
//	POST   /apps/:name/schedules
//	GET    /apps/:name/schedules
//	DELETE /apps/:name/schedules/:id
//	GET    /executions/:id
//	GET    /metrics                       (outside basePath grouping)
type Router struct {
	eng      *engine.Engine
	basePath string
}

// NewRouter constructs a Router with a configurable basePath, e.g. "/api".
func NewRouter(eng *engine.Engine, basePath string) *Router {
	return &Router{eng: eng, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in
// any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	apps := group.Group("/apps")
	apps.POST("", r.handleUpload)
	apps.GET("", r.handleList)
	apps.GET("/:name", r.handleGet)
	apps.DELETE("/:name", r.handleDelete)
	apps.POST("/:name/install", r.lifecycle(r.eng.Install))
	apps.POST("/:name/enable", r.lifecycle(r.eng.Enable))
	apps.POST("/:name/disable", r.lifecycle(r.eng.Disable))
	apps.POST("/:name/start", r.lifecycle(r.eng.Start))
	apps.POST("/:name/stop", r.lifecycle(r.eng.Stop))
	apps.POST("/:name/restart", r.lifecycle(r.eng.Restart))
	apps.POST("/:name/run", r.handleRun)
	apps.POST("/:name/update", r.handleUpdate)
	apps.GET("/:name/executions", r.handleExecutions)
	apps.POST("/:name/schedules", r.handleAddSchedule)
	apps.GET("/:name/schedules", r.handleListSchedules)
	apps.DELETE("/:name/schedules/:id", r.handleRemoveSchedule)
	group.GET("/executions/:id", r.handleGetExecution)
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, eng *engine.Engine) *http.Server {
	r := NewRouter(eng, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// writeErr maps engine errors onto status codes: unknown app is 404, an
// illegal transition or a concurrent run is 409, internal failures
// (provisioning, update, timeout) are 500, anything else is a caller
// error.
func writeErr(c *gin.Context, err error) {
	var (
		nfe *app.NotFoundError
		ise *app.InvalidStateError
		ece *app.ExecutionConflictError
		pe  *app.ProvisioningError
		ufe *app.UpdateFailedError
	)
	switch {
	case errors.As(err, &nfe):
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
	case errors.As(err, &ise), errors.As(err, &ece):
		writeJSON(c, http.StatusConflict, errorResp{Error: err.Error()})
	case errors.As(err, &pe), errors.As(err, &ufe):
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
	default:
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
	}
}

// gitSource is the JSON body accepted by upload and update when the
// source comes from a repository instead of an archive.
type gitSource struct {
	GitURL    string `json:"git_url"`
	GitBranch string `json:"git_branch"`
}

type uploadForm struct {
	Name        string `form:"name" json:"name"`
	DisplayName string `form:"display_name" json:"display_name"`
	Description string `form:"description" json:"description"`
	Kind        string `form:"kind" json:"kind"`
	Entrypoint  string   `form:"entrypoint" json:"entrypoint"`
	Env         []string `form:"env" json:"env"`
	// multipart carries the policy as a JSON string field, JSON bodies inline it
	Restart       string            `form:"restart" json:"-"`
	RestartPolicy app.RestartPolicy `form:"-" json:"restart"`
	gitSource
}

func (r *Router) handleUpload(c *gin.Context) {
	var form uploadForm
	var archive io.Reader

	if isJSON(c) {
		if err := c.ShouldBindJSON(&form); err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
			return
		}
	} else {
		if err := c.ShouldBind(&form); err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid form: " + err.Error()})
			return
		}
		file, _, err := c.Request.FormFile("archive")
		if err == nil {
			defer func() { _ = file.Close() }()
			archive = file
		}
	}

	spec := engine.UploadSpec{
		Name:        form.Name,
		DisplayName: form.DisplayName,
		Description: form.Description,
		Kind:        app.Kind(form.Kind),
		Entrypoint:  form.Entrypoint,
		Env:         form.Env,
		Archive:     archive,
		GitURL:      form.GitURL,
		GitBranch:   form.GitBranch,
	}
	spec.Restart = form.RestartPolicy
	if form.Restart != "" {
		if err := json.Unmarshal([]byte(form.Restart), &spec.Restart); err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid restart policy: " + err.Error()})
			return
		}
	}
	a, err := r.eng.Upload(c.Request.Context(), spec)
	if err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, a)
}

func (r *Router) handleUpdate(c *gin.Context) {
	name := c.Param("name")
	var spec engine.UpdateSpec

	if isJSON(c) {
		var body struct {
			gitSource
			CreateBackup  *bool `json:"create_backup"`
			ReinstallDeps *bool `json:"reinstall_deps"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
			return
		}
		spec.GitURL = body.GitURL
		spec.GitBranch = body.GitBranch
		spec.SkipBackup = body.CreateBackup != nil && !*body.CreateBackup
		spec.SkipReinstall = body.ReinstallDeps != nil && !*body.ReinstallDeps
	} else {
		file, _, err := c.Request.FormFile("archive")
		if err == nil {
			defer func() { _ = file.Close() }()
			spec.Archive = file
		}
		// both flags default to on when absent
		spec.SkipBackup = c.PostForm("create_backup") == "false"
		spec.SkipReinstall = c.PostForm("reinstall_deps") == "false"
	}

	a, err := r.eng.Update(c.Request.Context(), name, spec)
	if err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, a)
}

// lifecycle adapts the single-verb engine operations.
func (r *Router) lifecycle(op func(ctx context.Context, name string) (*app.App, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		a, err := op(c.Request.Context(), c.Param("name"))
		if err != nil {
			writeErr(c, err)
			return
		}
		writeJSON(c, http.StatusOK, a)
	}
}

func (r *Router) handleRun(c *gin.Context) {
	e, err := r.eng.RunNow(c.Request.Context(), c.Param("name"))
	if err != nil {
		var te *app.ExecutionTimeoutError
		if e != nil && errors.As(err, &te) {
			// the run happened, report the timed-out execution
			writeJSON(c, http.StatusOK, e)
			return
		}
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, e)
}

func (r *Router) handleList(c *gin.Context) {
	includeDeleted := c.Query("deleted") == "true"
	apps, err := r.eng.List(c.Request.Context(), includeDeleted)
	if err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, apps)
}

func (r *Router) handleGet(c *gin.Context) {
	a, err := r.eng.Get(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, a)
}

func (r *Router) handleDelete(c *gin.Context) {
	hard := c.Query("hard") == "true"
	if err := r.eng.Delete(c.Request.Context(), c.Param("name"), hard); err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleExecutions(c *gin.Context) {
	q := store.ExecutionQuery{
		AppName: c.Param("name"),
		Status:  app.ExecutionStatus(c.Query("status")),
	}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be a non-negative integer"})
			return
		}
		q.Limit = n
	}
	execs, err := r.eng.ListExecutions(c.Request.Context(), q)
	if err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, execs)
}

func (r *Router) handleGetExecution(c *gin.Context) {
	e, err := r.eng.GetExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, e)
}

func (r *Router) handleAddSchedule(c *gin.Context) {
	var s app.Schedule
	if err := c.ShouldBindJSON(&s); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	s.AppName = c.Param("name")
	if err := r.eng.AddSchedule(c.Request.Context(), &s); err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, s)
}

func (r *Router) handleListSchedules(c *gin.Context) {
	scheds, err := r.eng.ListSchedules(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, scheds)
}

func (r *Router) handleRemoveSchedule(c *gin.Context) {
	if err := r.eng.RemoveSchedule(c.Request.Context(), c.Param("id")); err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func isJSON(c *gin.Context) bool {
	ct := c.ContentType()
	return ct == "application/json"
}
