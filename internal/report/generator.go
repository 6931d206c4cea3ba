package report

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aegis-shield/regulatory-engine/internal/config"
	"github.com/aegis-shield/regulatory-engine/internal/database"
	"github.com/aegis-shield/regulatory-engine/internal/metrics"
	"github.com/aegis-shield/regulatory-engine/internal/regulatory"
)

// Failure codes surfaced on FAILED reports instead of internal error detail
const (
	FailureCodeDataSourceUnavailable = "DATA_SOURCE_UNAVAILABLE"
	FailureCodeGenerationTimeout     = "GENERATION_TIMEOUT"
	FailureCodeRenderFailed          = "RENDER_FAILED"
	FailureCodeAuditUnavailable      = "AUDIT_UNAVAILABLE"
)

// Store is the persistence surface the generator needs from the report
// repository
type Store interface {
	Create(ctx context.Context, record *database.ReportRecord) error
	GetByID(ctx context.Context, reportID string) (*database.ReportRecord, error)
	UpdateStatus(ctx context.Context, reportID, fromStatus, toStatus string) error
	Complete(ctx context.Context, reportID, status string, content []byte, failureCode string) error
}

// AuditWriter appends to the audit trail
type AuditWriter interface {
	Append(ctx context.Context, entry *database.AuditEntry) error
}

// Notifier announces generated reports to downstream dashboards
type Notifier interface {
	ReportGenerated(ctx context.Context, response *Response) error
}

// Generator produces regulatory reports from report requests. Generation is
// bounded by a per-report timeout and a concurrency limit; transient data
// source failures are retried with exponential backoff and exhaustion
// surfaces as a FAILED report, never as partial content.
type Generator struct {
	config   config.ReportingConfig
	logger   *zap.Logger
	store    Store
	audit    AuditWriter
	source   DataSource
	notifier Notifier
	registry *regulatory.Registry
	metrics  *metrics.Collector
	sem      chan struct{}
}

// NewGenerator creates a report generator
func NewGenerator(
	cfg config.ReportingConfig,
	logger *zap.Logger,
	store Store,
	audit AuditWriter,
	source DataSource,
	notifier Notifier,
	registry *regulatory.Registry,
	collector *metrics.Collector,
) *Generator {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	return &Generator{
		config:   cfg,
		logger:   logger,
		store:    store,
		audit:    audit,
		source:   source,
		notifier: notifier,
		registry: registry,
		metrics:  collector,
		sem:      make(chan struct{}, maxConcurrent),
	}
}

// Generate validates the request and produces a report. In async mode the
// response carries IN_PROGRESS and content generation continues in the
// background; otherwise the call blocks until the report is complete.
// Validation failures return a *ValidationError and create no report.
func (g *Generator) Generate(ctx context.Context, req *Request) (*Response, error) {
	period, format, err := g.validate(req)
	if err != nil {
		return nil, err
	}

	generatedBy := req.RequestedBy
	if generatedBy == "" {
		generatedBy = "regulatory-engine"
	}

	initialStatus := StatusDraft
	if g.config.EnableAsync {
		initialStatus = StatusInProgress
	}

	record := &database.ReportRecord{
		ReportID:     uuid.New().String(),
		ReportName:   req.ReportName,
		ReportType:   strings.ToUpper(req.ReportType),
		Jurisdiction: req.Jurisdiction,
		PeriodStart:  period.Start,
		PeriodEnd:    period.End,
		Status:       string(initialStatus),
		OutputFormat: format,
		GeneratedAt:  time.Now().UTC(),
		GeneratedBy:  generatedBy,
	}

	if err := g.store.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to persist report request: %w", err)
	}

	g.logger.Info("Report generation started",
		zap.String("report_id", record.ReportID),
		zap.String("report_name", record.ReportName),
		zap.String("jurisdiction", record.Jurisdiction),
		zap.String("format", format),
		zap.Bool("async", g.config.EnableAsync),
	)

	if g.config.EnableAsync {
		go g.generateContent(context.Background(), record, period, format)
		return recordToResponse(record), nil
	}

	g.generateContent(ctx, record, period, format)

	final, err := g.store.GetByID(ctx, record.ReportID)
	if err != nil {
		return nil, fmt.Errorf("failed to load generated report: %w", err)
	}

	return recordToResponse(final), nil
}

// Get returns the current state of a report
func (g *Generator) Get(ctx context.Context, reportID string) (*Response, error) {
	record, err := g.store.GetByID(ctx, reportID)
	if err != nil {
		return nil, err
	}
	return recordToResponse(record), nil
}

// Transition moves a report through its review lifecycle. Illegal
// transitions are rejected before touching storage; the audit trail records
// every accepted transition.
func (g *Generator) Transition(ctx context.Context, reportID string, to Status, actor string) (*Response, error) {
	record, err := g.store.GetByID(ctx, reportID)
	if err != nil {
		return nil, err
	}

	from := Status(record.Status)
	if !CanTransition(from, to) {
		return nil, &ValidationError{
			Field:  "status",
			Reason: fmt.Sprintf("cannot transition from %s to %s", from, to),
		}
	}

	// Audit before the status swap. The entry ID is derived from the
	// transition itself, so a retry after a failed swap re-appends
	// idempotently instead of duplicating; an audit failure leaves the
	// status untouched rather than producing an unrecorded transition.
	entry := &database.AuditEntry{
		ID:              fmt.Sprintf("AUDIT_TRANS_%s_%s_%s", reportID, from, to),
		EntryType:       database.AuditEntryTypeReportTransition,
		ReportID:        reportID,
		Action:          fmt.Sprintf("%s->%s", from, to),
		Details:         database.JSONB{"actor": actor},
		SourceTimestamp: record.GeneratedAt,
	}
	if err := g.audit.Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to audit report transition: %w", err)
	}

	if err := g.store.UpdateStatus(ctx, reportID, string(from), string(to)); err != nil {
		return nil, err
	}

	record.Status = string(to)
	return recordToResponse(record), nil
}

// generateContent aggregates, renders and finalizes one report. All failure
// paths finalize with FAILED and a diagnostic code; no path stores partial
// content.
func (g *Generator) generateContent(ctx context.Context, record *database.ReportRecord, period Period, format string) {
	start := time.Now()
	defer func() { g.metrics.ReportDuration.Observe(time.Since(start).Seconds()) }()

	genCtx, cancel := context.WithTimeout(ctx, g.config.GenerationTimeout)
	defer cancel()

	select {
	case g.sem <- struct{}{}:
		defer func() { <-g.sem }()
	case <-genCtx.Done():
		g.finalizeFailure(record, FailureCodeGenerationTimeout)
		return
	}

	result, err := g.aggregateWithRetry(genCtx, record.Jurisdiction, period)
	if err != nil {
		code := FailureCodeDataSourceUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			code = FailureCodeGenerationTimeout
		}
		g.logger.Error("Report aggregation failed",
			zap.String("report_id", record.ReportID),
			zap.String("failure_code", code),
			zap.Error(err),
		)
		g.finalizeFailure(record, code)
		return
	}

	header := renderHeader{
		ReportID:     record.ReportID,
		ReportName:   record.ReportName,
		ReportType:   record.ReportType,
		Jurisdiction: record.Jurisdiction,
		GeneratedAt:  record.GeneratedAt,
		GeneratedBy:  record.GeneratedBy,
	}

	content, err := render(format, header, result)
	if err != nil {
		g.logger.Error("Report rendering failed",
			zap.String("report_id", record.ReportID),
			zap.String("format", format),
			zap.Error(err),
		)
		g.finalizeFailure(record, FailureCodeRenderFailed)
		return
	}

	entry := &database.AuditEntry{
		ID:              newAuditID(),
		EntryType:       database.AuditEntryTypeReportGeneration,
		ReportID:        record.ReportID,
		Action:          "generated",
		Details: database.JSONB{
			"report_name":  record.ReportName,
			"report_type":  record.ReportType,
			"jurisdiction": record.Jurisdiction,
			"format":       format,
			"size_bytes":   len(content),
		},
		SourceTimestamp: record.GeneratedAt,
	}
	if err := g.audit.Append(context.Background(), entry); err != nil {
		g.logger.Error("Report audit write failed",
			zap.String("report_id", record.ReportID),
			zap.Error(err),
		)
		g.finalizeFailure(record, FailureCodeAuditUnavailable)
		return
	}

	if err := g.store.Complete(context.Background(), record.ReportID, string(StatusDraft), content, ""); err != nil {
		g.logger.Error("Failed to store generated report",
			zap.String("report_id", record.ReportID),
			zap.Error(err),
		)
		return
	}

	record.Status = string(StatusDraft)
	record.Content = content
	g.metrics.ReportsCompleted.WithLabelValues(string(StatusDraft)).Inc()

	g.logger.Info("Report generated",
		zap.String("report_id", record.ReportID),
		zap.String("format", format),
		zap.Int("size_bytes", len(content)),
	)

	if g.notifier != nil {
		if err := g.notifier.ReportGenerated(context.Background(), recordToResponse(record)); err != nil {
			g.logger.Warn("Report notification failed",
				zap.String("report_id", record.ReportID),
				zap.Error(err),
			)
		}
	}
}

// aggregateWithRetry retries transient data source failures with
// exponential backoff until the retry budget or the generation deadline is
// exhausted
func (g *Generator) aggregateWithRetry(ctx context.Context, jurisdiction string, period Period) (*AggregateResult, error) {
	backoff := g.config.RetryBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt <= g.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		result, err := g.source.Aggregate(ctx, jurisdiction, period)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, err
		}

		lastErr = err
		g.logger.Warn("Data source aggregation attempt failed",
			zap.String("jurisdiction", jurisdiction),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	return nil, fmt.Errorf("data source unavailable after %d attempts: %w", g.config.MaxRetries+1, lastErr)
}

func (g *Generator) finalizeFailure(record *database.ReportRecord, code string) {
	// Finalization must not inherit a cancelled generation context
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := g.store.Complete(ctx, record.ReportID, string(StatusFailed), nil, code); err != nil {
		g.logger.Error("Failed to finalize failed report",
			zap.String("report_id", record.ReportID),
			zap.String("failure_code", code),
			zap.Error(err),
		)
		return
	}
	g.metrics.ReportsCompleted.WithLabelValues(string(StatusFailed)).Inc()

	entry := &database.AuditEntry{
		ID:              newAuditID(),
		EntryType:       database.AuditEntryTypeReportGeneration,
		ReportID:        record.ReportID,
		Action:          "failed",
		Details:         database.JSONB{"failure_code": code},
		SourceTimestamp: record.GeneratedAt,
	}
	if err := g.audit.Append(ctx, entry); err != nil {
		g.logger.Error("Failed to audit report failure",
			zap.String("report_id", record.ReportID),
			zap.Error(err),
		)
	}
}

// validate checks the report request and resolves its period and format
func (g *Generator) validate(req *Request) (Period, string, error) {
	if req.ReportName == "" || len(req.ReportName) > 255 {
		return Period{}, "", &ValidationError{Field: "report_name", Reason: "must be 1-255 characters"}
	}

	reportType := strings.ToUpper(req.ReportType)
	if !supportedTypes[reportType] {
		return Period{}, "", &ValidationError{
			Field:  "report_type",
			Reason: fmt.Sprintf("unsupported report type %q", req.ReportType),
		}
	}

	if len(req.Jurisdiction) < 2 || len(req.Jurisdiction) > 50 {
		return Period{}, "", &ValidationError{Field: "jurisdiction", Reason: "must be 2-50 characters"}
	}
	if !g.registry.SupportsJurisdiction(req.Jurisdiction) {
		return Period{}, "", &ValidationError{
			Field:  "jurisdiction",
			Reason: fmt.Sprintf("unsupported jurisdiction %q", req.Jurisdiction),
		}
	}

	start, err := time.Parse(DateLayout, req.StartDate)
	if err != nil {
		return Period{}, "", &ValidationError{Field: "start_date", Reason: "must be formatted yyyy-MM-dd"}
	}
	end, err := time.Parse(DateLayout, req.EndDate)
	if err != nil {
		return Period{}, "", &ValidationError{Field: "end_date", Reason: "must be formatted yyyy-MM-dd"}
	}
	if start.After(end) {
		return Period{}, "", &ValidationError{Field: "start_date", Reason: "must not be after end_date"}
	}

	format := req.OutputFormat(g.config.DefaultFormat)
	if !supportedFormats[format] {
		return Period{}, "", &ValidationError{
			Field:  "parameters.output_format",
			Reason: fmt.Sprintf("unsupported output format %q", format),
		}
	}

	return Period{Start: start, End: end}, format, nil
}

func recordToResponse(record *database.ReportRecord) *Response {
	return &Response{
		ReportID:      record.ReportID,
		ReportName:    record.ReportName,
		ReportStatus:  Status(record.Status),
		ReportContent: record.Content,
		FailureCode:   record.FailureCode,
		GeneratedAt:   record.GeneratedAt,
		GeneratedBy:   record.GeneratedBy,
	}
}

func newAuditID() string {
	return "AUDIT_" + uuid.New().String()
}
