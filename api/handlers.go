// Package api implements the HTTP API handlers for the Remedy orchestration engine.
//
// All endpoints are versioned under /api/v1 and follow RESTful conventions.
// Handlers delegate to the scheduler, remediation engine, impact analyzer,
// backup manager, approval registry and health checker, and return JSON
// responses with appropriate HTTP status codes.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bigdegenenergy/open-cloud-ops/remedy/internal/approval"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/internal/backup"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/internal/connector"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/internal/engine"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/internal/health"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/internal/impact"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/internal/scheduler"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/pkg/models"
)

// Deps are the components the API serves.
type Deps struct {
	Scheduler *scheduler.Scheduler
	Engine    *engine.Engine
	Analyzer  *impact.Analyzer
	Backups   *backup.Manager
	Health    *health.Checker
	Approvals *approval.Registry
	// Connector is the target system ad-hoc executions, rollbacks, backups
	// and restores operate on.
	Connector connector.Connector
	// APIKey, when set, is the only key accepted on /api/v1.
	APIKey  string
	Version string
}

// Handler holds references to all components and provides HTTP handler methods.
type Handler struct {
	scheduler *scheduler.Scheduler
	engine    *engine.Engine
	analyzer  *impact.Analyzer
	backups   *backup.Manager
	health    *health.Checker
	approvals *approval.Registry
	conn      connector.Connector
	apiKey    string
	version   string
	startTime time.Time
}

// NewHandler creates a new Handler.
func NewHandler(d Deps) *Handler {
	version := d.Version
	if version == "" {
		version = "dev"
	}
	return &Handler{
		scheduler: d.Scheduler,
		engine:    d.Engine,
		analyzer:  d.Analyzer,
		backups:   d.Backups,
		health:    d.Health,
		approvals: d.Approvals,
		conn:      d.Connector,
		apiKey:    d.APIKey,
		version:   version,
		startTime: time.Now().UTC(),
	}
}

// RegisterRoutes sets up all API routes on the given Gin engine. Extra
// middleware applies to /api/v1 after authentication.
func (h *Handler) RegisterRoutes(r *gin.Engine, v1Middleware ...gin.HandlerFunc) {
	// Unauthenticated service endpoints
	r.GET("/health", h.ServiceHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	v1.Use(APIKeyAuth(h.apiKey))
	v1.Use(v1Middleware...)
	{
		schedules := v1.Group("/schedules")
		{
			schedules.GET("", h.ListSchedules)
			schedules.POST("", h.CreateSchedule)
			schedules.GET("/:id", h.GetSchedule)
			schedules.PATCH("/:id", h.UpdateSchedule)
			schedules.DELETE("/:id", h.CancelSchedule)
			schedules.POST("/:id/pause", h.PauseSchedule)
			schedules.POST("/:id/resume", h.ResumeSchedule)
			schedules.POST("/:id/execute", h.ExecuteSchedule)
			schedules.GET("/:id/history", h.GetExecutionHistory)
		}

		executions := v1.Group("/executions")
		{
			executions.GET("", h.ListActiveExecutions)
			executions.POST("/:id/stop", h.EmergencyStop)
		}

		remediations := v1.Group("/remediations")
		{
			remediations.POST("/validate", h.ValidateRemediation)
			remediations.POST("/execute", h.ExecuteRemediation)
			remediations.GET("/attempts", h.ListAttempts)
			remediations.GET("/attempts/:id", h.GetAttempt)
			remediations.POST("/attempts/:id/rollback", h.RollbackAttempt)
		}

		v1.POST("/impact/analyze", h.AnalyzeImpact)

		backups := v1.Group("/backups")
		{
			backups.GET("", h.ListBackups)
			backups.POST("", h.CreateBackup)
			backups.POST("/cleanup", h.CleanupBackups)
			backups.GET("/:id", h.GetBackup)
			backups.DELETE("/:id", h.DeleteBackup)
			backups.POST("/:id/verify", h.VerifyBackup)
			backups.POST("/:id/restore", h.RestoreBackup)
		}

		approvals := v1.Group("/approvals")
		{
			approvals.GET("", h.ListApprovals)
			approvals.POST("", h.GrantApproval)
			approvals.GET("/:id", h.GetApproval)
			approvals.DELETE("/:id", h.RevokeApproval)
		}

		v1.GET("/maintenance", h.GetMaintenance)

		healthGroup := v1.Group("/health")
		{
			healthGroup.GET("/summary", h.GetHealthSummary)
			healthGroup.GET("/services", h.CheckServices)
			healthGroup.GET("/services/:name", h.CheckService)
			healthGroup.GET("/services/:name/history", h.GetServiceHistory)
		}
	}
}

// ServiceHealth returns the overall health of the Remedy service.
func (h *Handler) ServiceHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":            "healthy",
		"service":           "remedy",
		"version":           h.version,
		"uptime":            time.Since(h.startTime).String(),
		"maintenance":       h.scheduler.Maintenance().Active(),
		"active_executions": len(h.scheduler.ActiveExecutions()),
	})
}

// --- Schedule Handlers ---

// ListSchedules returns schedules, optionally filtered by state, type,
// priority and tag query parameters.
func (h *Handler) ListSchedules(c *gin.Context) {
	var f scheduler.Filter
	if err := c.ShouldBindQuery(&f); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query: " + err.Error()})
		return
	}
	schedules := h.scheduler.GetScheduledRemediations(f)
	c.JSON(http.StatusOK, gin.H{"schedules": schedules, "count": len(schedules)})
}

// CreateSchedule registers a new scheduled remediation from the request body.
func (h *Handler) CreateSchedule(c *gin.Context) {
	var in models.ScheduledRemediation
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	created, err := h.scheduler.ScheduleRemediation(c.Request.Context(), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// GetSchedule returns a single schedule by ID.
func (h *Handler) GetSchedule(c *gin.Context) {
	sched, err := h.scheduler.GetSchedule(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sched)
}

// UpdateSchedule applies a partial update to a schedule.
func (h *Handler) UpdateSchedule(c *gin.Context) {
	var u scheduler.ScheduleUpdate
	if err := c.ShouldBindJSON(&u); err != nil {
		badRequest(c, err)
		return
	}
	h.applyUpdate(c, u)
}

// PauseSchedule stops a schedule from firing until it is resumed.
func (h *Handler) PauseSchedule(c *gin.Context) {
	pause := true
	h.applyUpdate(c, scheduler.ScheduleUpdate{Pause: &pause})
}

// ResumeSchedule re-arms a paused schedule.
func (h *Handler) ResumeSchedule(c *gin.Context) {
	pause := false
	h.applyUpdate(c, scheduler.ScheduleUpdate{Pause: &pause})
}

func (h *Handler) applyUpdate(c *gin.Context, u scheduler.ScheduleUpdate) {
	updated, err := h.scheduler.UpdateSchedule(c.Request.Context(), c.Param("id"), u)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// CancelSchedule cancels a schedule. A running execution of it is stopped.
func (h *Handler) CancelSchedule(c *gin.Context) {
	id := c.Param("id")
	reason := c.DefaultQuery("reason", "cancelled via API")
	if err := h.scheduler.CancelScheduledRemediation(c.Request.Context(), id, reason); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "schedule cancelled", "id": id})
}

type executeScheduleRequest struct {
	RequestedBy string `json:"requested_by"`
	ApprovedBy  string `json:"approved_by"`
	// Wait runs the execution within the request and returns its result.
	Wait bool `json:"wait"`
}

// ExecuteSchedule fires a schedule now. By default the execution is started
// in the background and 202 is returned.
func (h *Handler) ExecuteSchedule(c *gin.Context) {
	var req executeScheduleRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}

	id := c.Param("id")
	ec := models.ExecutionContext{
		Trigger:     scheduler.TriggerManual,
		RequestedBy: req.RequestedBy,
		ApprovedBy:  req.ApprovedBy,
	}

	if !req.Wait {
		if err := h.scheduler.ExecuteNow(c.Request.Context(), id, ec); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"message": "execution started", "schedule_id": id})
		return
	}

	// The execution outlives a disconnecting client.
	res, err := h.scheduler.ExecuteScheduledRemediation(context.WithoutCancel(c.Request.Context()), id, ec)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetExecutionHistory returns the newest executions of a schedule.
func (h *Handler) GetExecutionHistory(c *gin.Context) {
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	history, err := h.scheduler.GetExecutionHistory(c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": history, "count": len(history)})
}

// --- Execution Handlers ---

// ListActiveExecutions returns the executions currently in flight.
func (h *Handler) ListActiveExecutions(c *gin.Context) {
	active := h.scheduler.ActiveExecutions()
	c.JSON(http.StatusOK, gin.H{"executions": active, "count": len(active)})
}

// EmergencyStop halts an in-flight execution, optionally scheduling the
// action's rollback.
func (h *Handler) EmergencyStop(c *gin.Context) {
	var req scheduler.StopRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}

	out, err := h.scheduler.EmergencyStop(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		// The stop itself went through; only the rollback could not be scheduled.
		if out != nil {
			c.JSON(http.StatusOK, gin.H{"result": out, "warning": err.Error()})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": out})
}

// --- Remediation Handlers ---

type remediationRequest struct {
	Finding    models.Finding           `json:"finding"`
	Action     models.RemediationAction `json:"action"`
	ApprovedBy string                   `json:"approved_by"`
	ExecutedBy string                   `json:"executed_by"`
	DryRun     bool                     `json:"dry_run"`
}

// ValidateRemediation checks an action against a finding without running it.
func (h *Handler) ValidateRemediation(c *gin.Context) {
	var req remediationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, h.engine.Validate(req.Finding, req.Action))
}

// ExecuteRemediation runs an action immediately against the connected system.
func (h *Handler) ExecuteRemediation(c *gin.Context) {
	var req remediationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	res, err := h.engine.Execute(context.WithoutCancel(c.Request.Context()), req.Finding, req.Action, engine.Options{
		Connector:  h.conn,
		ApprovedBy: req.ApprovedBy,
		ExecutedBy: req.ExecutedBy,
		DryRun:     req.DryRun,
	})
	if err != nil {
		// Execution started but the handler failed
		if errors.Is(err, engine.ErrExecutionFailed) && res != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "result": res})
			return
		}
		respondError(c, err)
		return
	}
	if res.ApprovalRequired {
		c.JSON(http.StatusAccepted, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ListAttempts returns remediation attempts, newest first. The finding_id
// query parameter narrows the list.
func (h *Handler) ListAttempts(c *gin.Context) {
	attempts := h.engine.ListAttempts(c.Query("finding_id"))
	c.JSON(http.StatusOK, gin.H{"attempts": attempts, "count": len(attempts)})
}

// GetAttempt returns a single attempt by ID.
func (h *Handler) GetAttempt(c *gin.Context) {
	attempt, err := h.engine.GetAttempt(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, attempt)
}

// RollbackAttempt reverts a completed attempt.
func (h *Handler) RollbackAttempt(c *gin.Context) {
	res, err := h.engine.Rollback(context.WithoutCancel(c.Request.Context()), c.Param("id"), h.conn)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// --- Impact Handlers ---

type analyzeRequest struct {
	Finding models.Finding           `json:"finding"`
	Action  models.RemediationAction `json:"action"`
	Targets []string                 `json:"targets,omitempty"`
	At      *time.Time               `json:"at,omitempty"`
}

// AnalyzeImpact estimates the impact of running an action.
func (h *Handler) AnalyzeImpact(c *gin.Context) {
	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	ir := impact.Request{Targets: req.Targets}
	if req.At != nil {
		ir.At = *req.At
	}
	analysis, err := h.analyzer.Analyze(c.Request.Context(), req.Finding, req.Action, ir)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, analysis)
}

// --- Backup Handlers ---

// ListBackups returns backups, optionally filtered by remediation_id,
// system_id, type and since (RFC 3339).
func (h *Handler) ListBackups(c *gin.Context) {
	f := backup.Filter{
		RemediationID: c.Query("remediation_id"),
		SystemID:      c.Query("system_id"),
		Type:          models.BackupType(c.Query("type")),
	}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since: " + err.Error()})
			return
		}
		f.Since = t
	}

	backups, err := h.backups.ListBackups(c.Request.Context(), f)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"backups": backups, "count": len(backups)})
}

type createBackupRequest struct {
	RemediationID string `json:"remediation_id"`
	backup.Options
}

// CreateBackup takes a backup of the connected system.
func (h *Handler) CreateBackup(c *gin.Context) {
	var req createBackupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	meta, err := h.backups.CreateBackup(c.Request.Context(), h.conn, req.RemediationID, req.Options)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, meta)
}

// GetBackup returns a single backup's metadata by ID.
func (h *Handler) GetBackup(c *gin.Context) {
	meta, err := h.backups.GetBackup(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, meta)
}

// DeleteBackup deletes a backup and its stored items.
func (h *Handler) DeleteBackup(c *gin.Context) {
	id := c.Param("id")
	if err := h.backups.DeleteBackup(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "backup deleted", "id": id})
}

// VerifyBackup checks a backup's stored items against their checksums.
func (h *Handler) VerifyBackup(c *gin.Context) {
	id := c.Param("id")
	if err := h.backups.VerifyBackup(c.Request.Context(), id); err != nil {
		if errors.Is(err, backup.ErrChecksumMismatch) {
			c.JSON(http.StatusOK, gin.H{"valid": false, "error": err.Error(), "backup": id})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "backup": id})
}

// RestoreBackup restores a backup onto the connected system.
func (h *Handler) RestoreBackup(c *gin.Context) {
	opts := backup.RestoreOptions{Verify: true}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&opts); err != nil {
			badRequest(c, err)
			return
		}
	}
	res, err := h.backups.RestoreBackup(context.WithoutCancel(c.Request.Context()), c.Param("id"), h.conn, opts)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// CleanupBackups deletes every backup past its retention.
func (h *Handler) CleanupBackups(c *gin.Context) {
	removed, err := h.backups.CleanupOldBackups(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "cleanup complete", "removed": removed})
}

// --- Approval Handlers ---

// ListApprovals returns every unexpired approval grant.
func (h *Handler) ListApprovals(c *gin.Context) {
	grants := h.approvals.List(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"approvals": grants, "count": len(grants)})
}

// GrantApproval records an approval for a schedule or an action.
func (h *Handler) GrantApproval(c *gin.Context) {
	var g approval.Grant
	if err := c.ShouldBindJSON(&g); err != nil {
		badRequest(c, err)
		return
	}
	granted, err := h.approvals.Grant(c.Request.Context(), g)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, granted)
}

// GetApproval returns a single grant by ID.
func (h *Handler) GetApproval(c *gin.Context) {
	g, err := h.approvals.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, g)
}

// RevokeApproval removes a grant.
func (h *Handler) RevokeApproval(c *gin.Context) {
	id := c.Param("id")
	if err := h.approvals.Revoke(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "approval revoked", "id": id})
}

// GetMaintenance reports whether maintenance mode is on and who holds it.
// cluster_active also covers other instances sharing the Redis mirror.
func (h *Handler) GetMaintenance(c *gin.Context) {
	m := h.scheduler.Maintenance()
	body := gin.H{"active": m.Active(), "owners": m.Owners()}
	shared, err := m.ClusterActive(c.Request.Context())
	body["cluster_active"] = shared
	if err != nil {
		body["cluster_error"] = err.Error()
	}
	c.JSON(http.StatusOK, body)
}

// --- Health Handlers ---

// GetHealthSummary aggregates the latest health check of every service.
func (h *Handler) GetHealthSummary(c *gin.Context) {
	c.JSON(http.StatusOK, h.health.Summary())
}

// CheckServices runs a health check on every service.
func (h *Handler) CheckServices(c *gin.Context) {
	checks, err := h.health.CheckAll(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"checks": checks, "count": len(checks)})
}

// CheckService runs a health check on a single service.
func (h *Handler) CheckService(c *gin.Context) {
	check, err := h.health.CheckService(c.Request.Context(), c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, check)
}

// GetServiceHistory returns the recorded health checks of a service.
func (h *Handler) GetServiceHistory(c *gin.Context) {
	name := c.Param("name")
	history := h.health.History(name)
	c.JSON(http.StatusOK, gin.H{"service": name, "history": history, "count": len(history)})
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + key + ": must be a non-negative integer")
	}
	return n, nil
}
