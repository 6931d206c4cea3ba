package database

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONB wraps arbitrary JSON payloads stored in jsonb columns
type JSONB map[string]interface{}

// Value implements driver.Valuer
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements sql.Scanner
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	data, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}

	return json.Unmarshal(data, j)
}

// AuditEntry is one record of the append-only audit trail. Entries carry both
// their own write timestamp and the triggering event's or report's timestamp
// so an audit can be reconstructed chronologically from either clock.
// EntryHash chains to PrevHash, making retroactive edits detectable.
type AuditEntry struct {
	ID              string    `db:"id" json:"id"`
	Sequence        int64     `db:"sequence" json:"sequence"`
	EntryType       string    `db:"entry_type" json:"entry_type"`
	EventID         string    `db:"event_id" json:"event_id,omitempty"`
	RuleID          string    `db:"rule_id" json:"rule_id,omitempty"`
	ReportID        string    `db:"report_id" json:"report_id,omitempty"`
	Action          string    `db:"action" json:"action"`
	Details         JSONB     `db:"details" json:"details,omitempty"`
	SourceTimestamp time.Time `db:"source_timestamp" json:"source_timestamp"`
	RecordedAt      time.Time `db:"recorded_at" json:"recorded_at"`
	PrevHash        string    `db:"prev_hash" json:"prev_hash"`
	EntryHash       string    `db:"entry_hash" json:"entry_hash"`
}

// Audit entry types
const (
	AuditEntryTypeRegulatoryEvent  = "regulatory_event"
	AuditEntryTypeReportGeneration = "report_generation"
	AuditEntryTypeReportTransition = "report_transition"
	AuditEntryTypeDeadLetter       = "dead_letter"
)

// ReportRecord is the persisted form of a generated regulatory report
type ReportRecord struct {
	ReportID     string     `db:"report_id" json:"report_id"`
	ReportName   string     `db:"report_name" json:"report_name"`
	ReportType   string     `db:"report_type" json:"report_type"`
	Jurisdiction string     `db:"jurisdiction" json:"jurisdiction"`
	PeriodStart  time.Time  `db:"period_start" json:"period_start"`
	PeriodEnd    time.Time  `db:"period_end" json:"period_end"`
	Status       string     `db:"status" json:"status"`
	OutputFormat string     `db:"output_format" json:"output_format"`
	Content      []byte     `db:"content" json:"-"`
	FailureCode  string     `db:"failure_code" json:"failure_code,omitempty"`
	Stale        bool       `db:"stale" json:"stale"`
	GeneratedAt  time.Time  `db:"generated_at" json:"generated_at"`
	GeneratedBy  string     `db:"generated_by" json:"generated_by"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
	CompletedAt  *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// RuleState is the derived per-rule state maintained by the event consumer.
// Events for a rule are reconciled last-write-wins by source timestamp, so
// out-of-order delivery converges to the same state as in-order delivery.
type RuleState struct {
	RuleID          string    `db:"rule_id" json:"rule_id"`
	LastChangeType  string    `db:"last_change_type" json:"last_change_type"`
	LastEventID     string    `db:"last_event_id" json:"last_event_id"`
	LastChangedAt   time.Time `db:"last_changed_at" json:"last_changed_at"`
	Active          bool      `db:"active" json:"active"`
	EventsApplied   int64     `db:"events_applied" json:"events_applied"`
	EventsSuperseded int64    `db:"events_superseded" json:"events_superseded"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// AuditFilter narrows audit trail queries. StartTime/EndTime filter on when
// the entry was recorded; SourceStart/SourceEnd filter on when the underlying
// change occurred (source_timestamp), with an exclusive upper bound, so
// late-recorded events still land in the period their change belongs to.
type AuditFilter struct {
	EntryType   string
	EventID     string
	RuleID      string
	ReportID    string
	StartTime   *time.Time
	EndTime     *time.Time
	SourceStart *time.Time
	SourceEnd   *time.Time
	Limit       int
	Offset      int
}
