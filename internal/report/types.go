package report

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a regulatory report
type Status string

const (
	StatusDraft         Status = "DRAFT"
	StatusInProgress    Status = "IN_PROGRESS"
	StatusPendingReview Status = "PENDING_REVIEW"
	StatusApproved      Status = "APPROVED"
	StatusSubmitted     Status = "SUBMITTED"
	StatusRejected      Status = "REJECTED"
	StatusArchived      Status = "ARCHIVED"
	StatusFailed        Status = "FAILED"
)

// statusTransitions defines the report lifecycle. REJECTED, ARCHIVED and
// FAILED are terminal; a rejected report re-enters the lifecycle only
// through a new request. Any non-terminal state may fail.
var statusTransitions = map[Status][]Status{
	StatusInProgress:    {StatusDraft, StatusFailed},
	StatusDraft:         {StatusPendingReview, StatusFailed},
	StatusPendingReview: {StatusApproved, StatusRejected, StatusFailed},
	StatusApproved:      {StatusSubmitted, StatusFailed},
	StatusSubmitted:     {StatusArchived, StatusFailed},
	StatusRejected:      {},
	StatusArchived:      {},
	StatusFailed:        {},
}

// CanTransition reports whether moving from one status to another is legal
func CanTransition(from, to Status) bool {
	for _, allowed := range statusTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status admits no further transitions
func IsTerminal(status Status) bool {
	return len(statusTransitions[status]) == 0
}

// Report type categories
const (
	TypeFinancial         = "FINANCIAL"
	TypeOperational       = "OPERATIONAL"
	TypeDataPrivacy       = "DATA_PRIVACY"
	TypeSecurity          = "SECURITY"
	TypeAMLKYC            = "AML_KYC"
	TypeRegulatoryCapital = "REGULATORY_CAPITAL"
)

var supportedTypes = map[string]bool{
	TypeFinancial:         true,
	TypeOperational:       true,
	TypeDataPrivacy:       true,
	TypeSecurity:          true,
	TypeAMLKYC:            true,
	TypeRegulatoryCapital: true,
}

// Supported output formats
const (
	FormatJSON  = "json"
	FormatCSV   = "csv"
	FormatPDF   = "pdf"
	FormatExcel = "xlsx"
)

var supportedFormats = map[string]bool{
	FormatJSON:  true,
	FormatCSV:   true,
	FormatPDF:   true,
	FormatExcel: true,
}

// DateLayout is the wire format for report period boundaries
const DateLayout = "2006-01-02"

// Request describes one regulatory report to generate. Dates are inclusive
// and carried as yyyy-MM-dd strings on the wire.
type Request struct {
	ReportName   string            `json:"report_name" binding:"required,min=1,max=255"`
	ReportType   string            `json:"report_type" binding:"required,min=1,max=100"`
	StartDate    string            `json:"start_date" binding:"required"`
	EndDate      string            `json:"end_date" binding:"required"`
	Jurisdiction string            `json:"jurisdiction" binding:"required,min=2,max=50"`
	Parameters   map[string]string `json:"parameters,omitempty"`
	RequestedBy  string            `json:"requested_by,omitempty"`
}

// OutputFormat resolves the requested rendering format, falling back to the
// given default when the parameter is absent.
func (r *Request) OutputFormat(defaultFormat string) string {
	if format, ok := r.Parameters["output_format"]; ok && format != "" {
		return format
	}
	return defaultFormat
}

// Response is the externally visible result of a report request.
// ReportID, GeneratedAt and GeneratedBy are immutable after creation;
// ReportStatus and ReportContent evolve until a terminal status is reached.
type Response struct {
	ReportID      string    `json:"report_id"`
	ReportName    string    `json:"report_name"`
	ReportStatus  Status    `json:"report_status"`
	ReportContent []byte    `json:"report_content,omitempty"`
	FailureCode   string    `json:"failure_code,omitempty"`
	GeneratedAt   time.Time `json:"generated_at"`
	GeneratedBy   string    `json:"generated_by"`
}

// ValidationError indicates a malformed report request, surfaced
// synchronously to the caller before any report record is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid report request: field %s %s", e.Field, e.Reason)
}

// Period is a validated inclusive date range
type Period struct {
	Start time.Time
	End   time.Time
}

// AggregateResult is the compliance data gathered for one report period
type AggregateResult struct {
	Jurisdiction    string           `json:"jurisdiction"`
	PeriodStart     time.Time        `json:"period_start"`
	PeriodEnd       time.Time        `json:"period_end"`
	ApplicableRules []AggregateRule  `json:"applicable_rules"`
	RuleChanges     []AggregateEvent `json:"rule_changes"`
	Summary         map[string]int   `json:"summary"`
}

// AggregateRule is one applicable rule in a report
type AggregateRule struct {
	RuleID        string    `json:"rule_id"`
	Name          string    `json:"name"`
	Framework     string    `json:"framework"`
	EffectiveDate time.Time `json:"effective_date"`
	Requirements  []string  `json:"requirements"`
}

// AggregateEvent is one rule change observed during a report period
type AggregateEvent struct {
	EventID    string    `json:"event_id"`
	RuleID     string    `json:"rule_id"`
	ChangeType string    `json:"change_type"`
	OccurredAt time.Time `json:"occurred_at"`
}
