package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aegis-shield/regulatory-engine/internal/database"
	"github.com/aegis-shield/regulatory-engine/internal/event"
	"github.com/aegis-shield/regulatory-engine/internal/metrics"
	"github.com/aegis-shield/regulatory-engine/internal/regulatory"
	"github.com/aegis-shield/regulatory-engine/internal/report"
)

// Handler exposes the regulatory engine over HTTP
type Handler struct {
	logger     *zap.Logger
	generator  *report.Generator
	emitter    *event.Emitter
	reports    *database.ReportRepository
	ruleStates *database.RuleStateRepository
	audit      *database.AuditRepository
	registry   *regulatory.Registry
	metrics    *metrics.Collector
}

// New creates the HTTP handler
func New(
	logger *zap.Logger,
	generator *report.Generator,
	emitter *event.Emitter,
	reports *database.ReportRepository,
	ruleStates *database.RuleStateRepository,
	audit *database.AuditRepository,
	registry *regulatory.Registry,
	collector *metrics.Collector,
) *Handler {
	return &Handler{
		logger:     logger,
		generator:  generator,
		emitter:    emitter,
		reports:    reports,
		ruleStates: ruleStates,
		audit:      audit,
		registry:   registry,
		metrics:    collector,
	}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		reports := v1.Group("/reports")
		{
			reports.POST("/generate", h.GenerateReport)
			reports.GET("", h.ListReports)
			reports.GET("/:report_id", h.GetReport)
			reports.GET("/:report_id/content", h.DownloadReportContent)
			reports.POST("/:report_id/status", h.TransitionReport)
		}

		events := v1.Group("/events")
		{
			events.POST("", h.EmitEvent)
		}

		rules := v1.Group("/rules")
		{
			rules.GET("/states", h.ListRuleStates)
			rules.GET("/:rule_id/state", h.GetRuleState)
		}

		audit := v1.Group("/audit")
		{
			audit.GET("/logs", h.ListAuditLogs)
			audit.GET("/statistics", h.AuditStatistics)
			audit.GET("/verify", h.VerifyAuditChain)
		}

		v1.GET("/regulations", h.ListRegulations)
	}

	router.GET("/health", h.Health)
}

// GenerateReport handles POST /api/v1/reports/generate
func (h *Handler) GenerateReport(c *gin.Context) {
	var req report.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format", "details": err.Error()})
		return
	}

	h.metrics.ReportsRequested.WithLabelValues(req.ReportType).Inc()

	response, err := h.generator.Generate(c.Request.Context(), &req)
	if err != nil {
		var validationErr *report.ValidationError
		if errors.As(err, &validationErr) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":  "Validation failed",
				"field":  validationErr.Field,
				"reason": validationErr.Reason,
			})
			return
		}
		h.logger.Error("Report generation request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate report"})
		return
	}

	status := http.StatusOK
	if response.ReportStatus == report.StatusInProgress {
		status = http.StatusAccepted
	}
	c.JSON(status, response)
}

// GetReport handles GET /api/v1/reports/:report_id
func (h *Handler) GetReport(c *gin.Context) {
	response, err := h.generator.Get(c.Request.Context(), c.Param("report_id"))
	if err != nil {
		if errors.Is(err, database.ErrReportNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Report not found"})
			return
		}
		h.logger.Error("Failed to get report", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get report"})
		return
	}
	c.JSON(http.StatusOK, response)
}

// DownloadReportContent handles GET /api/v1/reports/:report_id/content,
// serving the rendered document with its native content type
func (h *Handler) DownloadReportContent(c *gin.Context) {
	reportID := c.Param("report_id")

	record, err := h.reports.GetByID(c.Request.Context(), reportID)
	if err != nil {
		if errors.Is(err, database.ErrReportNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Report not found"})
			return
		}
		h.logger.Error("Failed to load report content", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load report content"})
		return
	}

	if len(record.Content) == 0 {
		c.JSON(http.StatusConflict, gin.H{
			"error":  "Report has no content",
			"status": record.Status,
		})
		return
	}

	filename := record.ReportID + "." + record.OutputFormat
	c.Header("Content-Disposition", "attachment; filename="+filename)
	c.Data(http.StatusOK, contentTypeFor(record.OutputFormat), record.Content)
}

// TransitionReport handles POST /api/v1/reports/:report_id/status
func (h *Handler) TransitionReport(c *gin.Context) {
	var body struct {
		Status string `json:"status" binding:"required"`
		Actor  string `json:"actor" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format", "details": err.Error()})
		return
	}

	reportID := c.Param("report_id")
	to := report.Status(body.Status)

	response, err := h.generator.Transition(c.Request.Context(), reportID, to, body.Actor)
	if err != nil {
		var validationErr *report.ValidationError
		switch {
		case errors.As(err, &validationErr):
			c.JSON(http.StatusConflict, gin.H{
				"error":  "Illegal status transition",
				"reason": validationErr.Reason,
			})
		case errors.Is(err, database.ErrReportNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Report not found"})
		case errors.Is(err, database.ErrStatusConflict):
			c.JSON(http.StatusConflict, gin.H{"error": "Report status changed concurrently"})
		default:
			h.logger.Error("Report transition failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to transition report"})
		}
		return
	}

	h.metrics.ReportTransitions.WithLabelValues(body.Status, string(response.ReportStatus)).Inc()
	c.JSON(http.StatusOK, response)
}

// ListReports handles GET /api/v1/reports
func (h *Handler) ListReports(c *gin.Context) {
	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)

	records, err := h.reports.List(c.Request.Context(), c.Query("jurisdiction"), c.Query("status"), limit, offset)
	if err != nil {
		h.logger.Error("Failed to list reports", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list reports"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"reports": records, "count": len(records)})
}

// EmitEvent handles POST /api/v1/events, emitting a regulatory event for a
// rule store change
func (h *Handler) EmitEvent(c *gin.Context) {
	var body struct {
		RuleID      string    `json:"rule_id" binding:"required"`
		ChangeType  string    `json:"change_type" binding:"required"`
		ChangedAt   time.Time `json:"changed_at" binding:"required"`
		RuleVersion string    `json:"rule_version"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format", "details": err.Error()})
		return
	}

	evt, err := h.emitter.EmitRuleChange(c.Request.Context(), body.RuleID, body.ChangeType, body.ChangedAt, body.RuleVersion)
	if err != nil {
		var invalidErr *event.InvalidEventError
		if errors.As(err, &invalidErr) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":  "Invalid event",
				"field":  invalidErr.Field,
				"reason": invalidErr.Reason,
			})
			return
		}
		h.logger.Error("Event emission failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to emit event"})
		return
	}

	c.JSON(http.StatusAccepted, evt)
}

// GetRuleState handles GET /api/v1/rules/:rule_id/state
func (h *Handler) GetRuleState(c *gin.Context) {
	state, err := h.ruleStates.Get(c.Request.Context(), c.Param("rule_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Rule state not found"})
		return
	}
	c.JSON(http.StatusOK, state)
}

// ListRuleStates handles GET /api/v1/rules/states
func (h *Handler) ListRuleStates(c *gin.Context) {
	limit := queryInt(c, "limit", 100)
	offset := queryInt(c, "offset", 0)

	states, err := h.ruleStates.List(c.Request.Context(), limit, offset)
	if err != nil {
		h.logger.Error("Failed to list rule states", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list rule states"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"rule_states": states, "count": len(states)})
}

// ListAuditLogs handles GET /api/v1/audit/logs
func (h *Handler) ListAuditLogs(c *gin.Context) {
	filter := database.AuditFilter{
		EntryType: c.Query("entry_type"),
		EventID:   c.Query("event_id"),
		RuleID:    c.Query("rule_id"),
		ReportID:  c.Query("report_id"),
		Limit:     queryInt(c, "limit", 100),
		Offset:    queryInt(c, "offset", 0),
	}

	if start := c.Query("start_time"); start != "" {
		t, err := time.Parse(time.RFC3339, start)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid start_time, expected RFC3339"})
			return
		}
		filter.StartTime = &t
	}
	if end := c.Query("end_time"); end != "" {
		t, err := time.Parse(time.RFC3339, end)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid end_time, expected RFC3339"})
			return
		}
		filter.EndTime = &t
	}

	entries, err := h.audit.List(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list audit entries", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list audit entries"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// AuditStatistics handles GET /api/v1/audit/statistics
func (h *Handler) AuditStatistics(c *gin.Context) {
	var start, end *time.Time
	if s := c.Query("start_time"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid start_time, expected RFC3339"})
			return
		}
		start = &t
	}
	if e := c.Query("end_time"); e != "" {
		t, err := time.Parse(time.RFC3339, e)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid end_time, expected RFC3339"})
			return
		}
		end = &t
	}

	stats, err := h.audit.Statistics(c.Request.Context(), start, end)
	if err != nil {
		h.logger.Error("Failed to compute audit statistics", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to compute audit statistics"})
		return
	}

	c.JSON(http.StatusOK, stats)
}

// VerifyAuditChain handles GET /api/v1/audit/verify, recomputing the hash
// chain to detect tampering
func (h *Handler) VerifyAuditChain(c *gin.Context) {
	result, err := h.audit.VerifyChain(c.Request.Context())
	if err != nil {
		h.logger.Error("Audit chain verification failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to verify audit chain"})
		return
	}

	status := http.StatusOK
	if !result.Valid {
		status = http.StatusConflict
	}
	c.JSON(status, result)
}

// ListRegulations handles GET /api/v1/regulations
func (h *Handler) ListRegulations(c *gin.Context) {
	asOf := time.Now().UTC()
	if s := c.Query("as_of"); s != "" {
		t, err := time.Parse(report.DateLayout, s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid as_of, expected yyyy-MM-dd"})
			return
		}
		asOf = t
	}

	jurisdiction := c.Query("jurisdiction")
	if jurisdiction != "" {
		rules, err := h.registry.RulesForJurisdiction(jurisdiction, asOf)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"rules": rules, "count": len(rules)})
		return
	}

	c.JSON(http.StatusOK, gin.H{"jurisdictions": h.registry.Jurisdictions()})
}

// Health handles GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   "regulatory-engine",
		"timestamp": time.Now().UTC(),
	})
}

func contentTypeFor(format string) string {
	switch format {
	case report.FormatJSON:
		return "application/json"
	case report.FormatCSV:
		return "text/csv"
	case report.FormatPDF:
		return "application/pdf"
	case report.FormatExcel:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "application/octet-stream"
	}
}

func queryInt(c *gin.Context, key string, fallback int) int {
	value := c.Query(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}
