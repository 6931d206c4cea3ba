package event

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// ChangeType identifies the kind of rule change an event describes
type ChangeType string

const (
	ChangeTypeCreated     ChangeType = "CREATED"
	ChangeTypeUpdated     ChangeType = "UPDATED"
	ChangeTypeActivated   ChangeType = "ACTIVATED"
	ChangeTypeDeactivated ChangeType = "DEACTIVATED"
	ChangeTypeDeleted     ChangeType = "DELETED"
)

var validChangeTypes = map[ChangeType]bool{
	ChangeTypeCreated:     true,
	ChangeTypeUpdated:     true,
	ChangeTypeActivated:   true,
	ChangeTypeDeactivated: true,
	ChangeTypeDeleted:     true,
}

// InvalidEventError indicates a malformed event rejected at construction
// time, before it can enter the event log.
type InvalidEventError struct {
	Field  string
	Reason string
}

func (e *InvalidEventError) Error() string {
	return fmt.Sprintf("invalid regulatory event: field %s %s", e.Field, e.Reason)
}

// RegulatoryEvent is an immutable record of a create/update/activate/
// deactivate/delete change to a compliance rule. Once published it is never
// mutated and is retained in the audit trail indefinitely.
type RegulatoryEvent struct {
	EventID    string     `json:"event_id"`
	RuleID     string     `json:"rule_id"`
	ChangeType ChangeType `json:"change_type"`
	Timestamp  time.Time  `json:"timestamp"`
}

// NewRegulatoryEvent constructs a validated event. The change type is
// normalized to uppercase regardless of input case. All four fields are
// required; a zero timestamp or blank identifier is rejected with an
// InvalidEventError.
func NewRegulatoryEvent(eventID, ruleID, changeType string, timestamp time.Time) (*RegulatoryEvent, error) {
	if strings.TrimSpace(eventID) == "" {
		return nil, &InvalidEventError{Field: "event_id", Reason: "must not be blank"}
	}
	if strings.TrimSpace(ruleID) == "" {
		return nil, &InvalidEventError{Field: "rule_id", Reason: "must not be blank"}
	}
	if strings.TrimSpace(changeType) == "" {
		return nil, &InvalidEventError{Field: "change_type", Reason: "must not be blank"}
	}
	if timestamp.IsZero() {
		return nil, &InvalidEventError{Field: "timestamp", Reason: "must not be zero"}
	}

	normalized := ChangeType(strings.ToUpper(strings.TrimSpace(changeType)))
	if !validChangeTypes[normalized] {
		return nil, &InvalidEventError{
			Field:  "change_type",
			Reason: fmt.Sprintf("must be one of CREATED, UPDATED, ACTIVATED, DEACTIVATED, DELETED, got %q", changeType),
		}
	}

	return &RegulatoryEvent{
		EventID:    eventID,
		RuleID:     ruleID,
		ChangeType: normalized,
		Timestamp:  timestamp.UTC(),
	}, nil
}

// Validate checks an event received from the wire against the construction
// invariants. Decoded events bypass NewRegulatoryEvent, so consumers call
// this before processing.
func (e *RegulatoryEvent) Validate() error {
	_, err := NewRegulatoryEvent(e.EventID, e.RuleID, string(e.ChangeType), e.Timestamp)
	return err
}

// Normalize uppercases the change type of a wire-decoded event in place.
func (e *RegulatoryEvent) Normalize() {
	e.ChangeType = ChangeType(strings.ToUpper(string(e.ChangeType)))
	e.Timestamp = e.Timestamp.UTC()
}

// Equal reports whether two events describe the same logical change.
// Timestamps are compared with time.Time.Equal so that wall-clock
// representations from a JSON round trip compare correctly.
func (e *RegulatoryEvent) Equal(other *RegulatoryEvent) bool {
	if e == nil || other == nil {
		return e == other
	}
	return e.EventID == other.EventID &&
		e.RuleID == other.RuleID &&
		e.ChangeType == other.ChangeType &&
		e.Timestamp.Equal(other.Timestamp)
}

// TriggersReportInvalidation reports whether the change type can affect
// standing reports. Deleted rules no longer contribute to any report and do
// not invalidate existing ones.
func (e *RegulatoryEvent) TriggersReportInvalidation() bool {
	switch e.ChangeType {
	case ChangeTypeCreated, ChangeTypeUpdated, ChangeTypeActivated, ChangeTypeDeactivated:
		return true
	default:
		return false
	}
}

// DeriveEventID produces a stable event identifier from the logical change
// so that re-publication due to retry never creates a duplicate logical
// event. Two calls with identical inputs always yield the same ID.
func DeriveEventID(ruleID string, changeType string, timestamp time.Time, version string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%s", ruleID, strings.ToUpper(changeType), timestamp.UTC().UnixNano(), version)
	return "EVT_" + hex.EncodeToString(h.Sum(nil)[:16])
}
