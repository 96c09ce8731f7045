package server

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/stywzn/recon-orchestrator/internal/apperr"
	"github.com/stywzn/recon-orchestrator/internal/correlation"
	"github.com/stywzn/recon-orchestrator/internal/metrics"
	"github.com/stywzn/recon-orchestrator/internal/model"
	"github.com/stywzn/recon-orchestrator/internal/ranking"
	"github.com/stywzn/recon-orchestrator/internal/safety"
	"github.com/stywzn/recon-orchestrator/internal/scheduler"
)

const (
	defaultJobLimit     = 100
	maxJobLimit         = 500
	defaultFindingLimit = 200
	maxFindingLimit     = 1000
	highRiskScore       = 70
)

type HttpServer struct {
	Sched   *scheduler.Scheduler
	Engine  *correlation.Engine
	Ranker  *ranking.Ranker
	limiter *rate.Limiter
	log     *zap.SugaredLogger
}

// NewHttpServer wires the API. ratePerSec and burst bound mutating requests across all clients.
func NewHttpServer(sched *scheduler.Scheduler, engine *correlation.Engine, ranker *ranking.Ranker, ratePerSec float64, burst int, log *zap.SugaredLogger) *HttpServer {
	return &HttpServer{
		Sched:   sched,
		Engine:  engine,
		Ranker:  ranker,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst),
		log:     log,
	}
}

// Router builds the gin engine with every route registered.
func (h *HttpServer) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), h.accessLog(), h.rateLimit())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	jobs := r.Group("/jobs")
	jobs.POST("", h.createJob)
	jobs.GET("", h.listJobs)
	jobs.GET("/:id", h.getJob)
	jobs.GET("/:id/events", h.jobEvents)
	jobs.GET("/:id/logs", h.jobLogs)
	jobs.POST("/:id/cancel", h.transition(h.Sched.Cancel))
	jobs.POST("/:id/pause", h.transition(h.Sched.Pause))
	jobs.POST("/:id/resume", h.transition(h.Sched.Resume))
	jobs.POST("/:id/rerun", h.transition(h.Sched.Rerun))
	jobs.POST("/:id/approve", h.approveJob)
	jobs.POST("/:id/priority", h.setPriority)

	r.POST("/scope/preview", h.previewScope)
	r.GET("/settings", func(c *gin.Context) { c.JSON(http.StatusOK, h.Sched.Settings()) })
	r.PATCH("/settings", h.patchSettings)
	r.GET("/tools", h.listTools)

	projects := r.Group("/projects/:id")
	projects.GET("/findings", h.listFindings)
	projects.GET("/findings/:finding_id", h.getFinding)
	projects.GET("/links", h.listLinks)
	projects.GET("/pathway", h.getPathway)
	r.POST("/findings/:id/notes", h.addNote)
	r.GET("/dashboard", h.dashboard)
	return r
}

func (h *HttpServer) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		code := c.Writer.Status()
		metrics.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(code)).Inc()
		if route == "/metrics" || route == "/healthz" {
			return
		}
		h.log.Infow("http request", "method", c.Request.Method, "route", route, "status", code,
			"latency", time.Since(start), "client", c.ClientIP())
	}
}

// rateLimit throttles state-changing requests; reads are never limited.
func (h *HttpServer) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodGet || h.limiter.Allow() {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "RateLimited", "message": "too many requests"})
	}
}

func (h *HttpServer) fail(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	kind := apperr.KindOf(err)
	if kind == "" {
		kind = "InternalError"
	}
	if status >= http.StatusInternalServerError {
		h.log.Errorw("request failed", "route", c.FullPath(), "error", err)
	}
	msg := err.Error()
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Msg != "" {
		msg = ae.Msg
	}
	c.JSON(status, gin.H{"error": kind, "message": msg})
}

func badRequest(op string, err error) error {
	return apperr.E(op, apperr.InvalidRequest, "malformed request body", err)
}

func (h *HttpServer) createJob(c *gin.Context) {
	var req scheduler.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, badRequest("server.createJob", err))
		return
	}
	job, err := h.Sched.Submit(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

func queryLimit(c *gin.Context, def, max int) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func (h *HttpServer) listJobs(c *gin.Context) {
	f := scheduler.Filter{
		ProjectID: c.Query("project_id"),
		Status:    model.Status(c.Query("status")),
		Module:    model.Module(c.Query("module")),
		Limit:     queryLimit(c, defaultJobLimit, maxJobLimit),
	}
	c.JSON(http.StatusOK, h.Sched.Registry().List(f))
}

func (h *HttpServer) getJob(c *gin.Context) {
	job, err := h.Sched.Get(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *HttpServer) jobEvents(c *gin.Context) {
	evs, err := h.Sched.Events(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, evs)
}

func (h *HttpServer) jobLogs(c *gin.Context) {
	n, _ := strconv.Atoi(c.Query("tail"))
	lines, err := h.Sched.Logs(c.Param("id"), n)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": c.Param("id"), "lines": lines})
}

type transitionFunc func(ctx context.Context, id string) (model.Job, error)

func (h *HttpServer) transition(fn transitionFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := fn(c.Request.Context(), c.Param("id"))
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

func (h *HttpServer) approveJob(c *gin.Context) {
	var body struct {
		Token string `json:"token"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			h.fail(c, badRequest("server.approveJob", err))
			return
		}
	}
	job, err := h.Sched.Approve(c.Request.Context(), c.Param("id"), body.Token)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *HttpServer) setPriority(c *gin.Context) {
	var body struct {
		Priority *int `json:"priority"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Priority == nil {
		h.fail(c, apperr.E("server.setPriority", apperr.InvalidRequest, "priority is required", err))
		return
	}
	job, err := h.Sched.SetPriority(c.Request.Context(), c.Param("id"), *body.Priority)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *HttpServer) previewScope(c *gin.Context) {
	var body struct {
		Targets []model.Target `json:"targets"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		h.fail(c, badRequest("server.previewScope", err))
		return
	}
	targets, err := safety.NormalizeTargets(body.Targets)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, safety.PreviewScope(targets))
}

// patchSettings never preempts: after lowering concurrency, jobs already running keep
// their slots and queued jobs wait until the running count is below the new limit.
func (h *HttpServer) patchSettings(c *gin.Context) {
	var p model.SettingsPatch
	if err := c.ShouldBindJSON(&p); err != nil {
		h.fail(c, badRequest("server.patchSettings", err))
		return
	}
	set, err := h.Sched.UpdateSettings(c.Request.Context(), p)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, set)
}

func (h *HttpServer) listTools(c *gin.Context) {
	type toolView struct {
		Name    string       `json:"name"`
		Module  model.Module `json:"module"`
		Image   string       `json:"image"`
		Default bool         `json:"default"`
		Noise   float64      `json:"noise_at_default_aggressiveness"`
	}
	aggr := h.Sched.Settings().DefaultAggressiveness
	var out []toolView
	for _, t := range h.Sched.Catalog().Tools() {
		out = append(out, toolView{
			Name:    t.Name,
			Module:  t.Module,
			Image:   t.Image,
			Default: t.Default,
			Noise:   safety.NoiseScore(t.Module, t.Name, aggr),
		})
	}
	c.JSON(http.StatusOK, out)
}

func (h *HttpServer) listFindings(c *gin.Context) {
	module := model.Module(c.Query("module"))
	typ := c.Query("finding_type")
	var out []model.Finding
	for _, f := range h.Engine.Findings(c.Param("id")) {
		if module != "" && f.Module != module {
			continue
		}
		if typ != "" && f.FindingType != typ {
			continue
		}
		out = append(out, f)
	}
	out = ranking.Rank(out)
	if limit := queryLimit(c, defaultFindingLimit, maxFindingLimit); len(out) > limit {
		out = out[:limit]
	}
	if out == nil {
		out = []model.Finding{}
	}
	c.JSON(http.StatusOK, out)
}

func (h *HttpServer) getFinding(c *gin.Context) {
	f, ok := h.Engine.Finding(c.Param("id"), c.Param("finding_id"))
	if !ok {
		h.fail(c, apperr.Ef("server.getFinding", apperr.NotFound, "finding %s not found", c.Param("finding_id")))
		return
	}
	c.JSON(http.StatusOK, f)
}

func (h *HttpServer) addNote(c *gin.Context) {
	var body struct {
		Kind    string `json:"kind"`
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		h.fail(c, badRequest("server.addNote", err))
		return
	}
	note, err := h.Engine.AddNote(c.Request.Context(), c.Param("id"), body.Kind, body.Content)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, note)
}

func (h *HttpServer) listLinks(c *gin.Context) {
	links := h.Engine.Links(c.Param("id"))
	if links == nil {
		links = []model.AssetLink{}
	}
	c.JSON(http.StatusOK, links)
}

func (h *HttpServer) getPathway(c *gin.Context) {
	p, ok := h.Ranker.Top(c.Param("id"))
	if !ok {
		h.fail(c, apperr.Ef("server.getPathway", apperr.NotFound, "no pathway for project %s", c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *HttpServer) dashboard(c *gin.Context) {
	jobs := h.Sched.Registry().List(scheduler.Filter{})
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	if len(jobs) > 10 {
		jobs = jobs[:10]
	}
	var total, high int
	for _, p := range h.Engine.Projects() {
		for _, f := range h.Engine.Findings(p) {
			total++
			if f.RiskScore != nil && *f.RiskScore >= highRiskScore {
				high++
			}
		}
	}
	pathways := h.Ranker.All()
	if pathways == nil {
		pathways = []model.PathwayHypothesis{}
	}
	c.JSON(http.StatusOK, gin.H{
		"pathways":           pathways,
		"recent_jobs":        jobs,
		"total_findings":     total,
		"high_risk_findings": high,
		"running_jobs":       h.Sched.Registry().Running(),
	})
}
