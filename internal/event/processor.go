package event

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aegis-shield/regulatory-engine/internal/database"
	"github.com/aegis-shield/regulatory-engine/internal/dedup"
	"github.com/aegis-shield/regulatory-engine/internal/metrics"
	"github.com/aegis-shield/regulatory-engine/internal/regulatory"
)

// PermanentError marks an event that can never be processed successfully.
// The consumer routes such events straight to the dead-letter path instead
// of burning the retry budget.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent processing failure: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// AuditWriter appends to the audit trail
type AuditWriter interface {
	Append(ctx context.Context, entry *database.AuditEntry) error
}

// RuleStateApplier reconciles events into derived per-rule state
type RuleStateApplier interface {
	Apply(ctx context.Context, ruleID, eventID, changeType string, changedAt time.Time, active bool) (bool, error)
}

// ReportInvalidator marks standing reports stale
type ReportInvalidator interface {
	MarkStale(ctx context.Context, jurisdiction string, changedAt time.Time) (int64, error)
}

// Processor applies one regulatory event: deduplicate, audit, reconcile rule
// state, invalidate affected standing reports. Every step after the dedup
// claim is idempotent, so a redelivered event that failed mid-pipeline can
// be retried safely after the claim is released.
type Processor struct {
	logger     *zap.Logger
	dedupStore dedup.Store
	audit      AuditWriter
	ruleStates RuleStateApplier
	reports    ReportInvalidator
	registry   *regulatory.Registry
	metrics    *metrics.Collector
}

// NewProcessor creates an event processor
func NewProcessor(
	logger *zap.Logger,
	dedupStore dedup.Store,
	audit AuditWriter,
	ruleStates RuleStateApplier,
	reports ReportInvalidator,
	registry *regulatory.Registry,
	collector *metrics.Collector,
) *Processor {
	return &Processor{
		logger:     logger,
		dedupStore: dedupStore,
		audit:      audit,
		ruleStates: ruleStates,
		reports:    reports,
		registry:   registry,
		metrics:    collector,
	}
}

// Process handles one delivered event. A nil return acknowledges the event;
// a non-nil return leaves it unacknowledged for redelivery. Duplicate events
// are acknowledged without side effects.
func (p *Processor) Process(ctx context.Context, evt *RegulatoryEvent) error {
	evt.Normalize()
	if err := evt.Validate(); err != nil {
		return &PermanentError{Err: err}
	}

	fresh, err := p.dedupStore.MarkIfNew(ctx, evt.EventID)
	if err != nil {
		return fmt.Errorf("dedup store unavailable: %w", err)
	}
	if !fresh {
		p.metrics.EventsDuplicate.Inc()
		p.logger.Debug("Duplicate event acknowledged without reprocessing",
			zap.String("event_id", evt.EventID),
			zap.String("rule_id", evt.RuleID),
		)
		return nil
	}

	if err := p.applyEvent(ctx, evt); err != nil {
		// Release the dedup claim so redelivery can retry the pipeline
		if forgetErr := p.dedupStore.Forget(ctx, evt.EventID); forgetErr != nil {
			p.logger.Error("Failed to release dedup claim after processing failure",
				zap.String("event_id", evt.EventID),
				zap.Error(forgetErr),
			)
		}
		return err
	}

	return nil
}

func (p *Processor) applyEvent(ctx context.Context, evt *RegulatoryEvent) error {
	// Deterministic audit ID keeps the trail at exactly one entry per event
	// even if a redelivery races the dedup claim.
	entry := &database.AuditEntry{
		ID:        "AUDIT_EVT_" + evt.EventID,
		EntryType: database.AuditEntryTypeRegulatoryEvent,
		EventID:   evt.EventID,
		RuleID:    evt.RuleID,
		Action:    string(evt.ChangeType),
		Details: database.JSONB{
			"change_type": string(evt.ChangeType),
		},
		SourceTimestamp: evt.Timestamp,
	}
	if err := p.audit.Append(ctx, entry); err != nil {
		return fmt.Errorf("audit write failed for event %s: %w", evt.EventID, err)
	}
	p.metrics.AuditAppends.WithLabelValues(database.AuditEntryTypeRegulatoryEvent).Inc()

	applied, err := p.ruleStates.Apply(ctx, evt.RuleID, evt.EventID, string(evt.ChangeType), evt.Timestamp, ruleActiveAfter(evt.ChangeType))
	if err != nil {
		return fmt.Errorf("rule state reconciliation failed for event %s: %w", evt.EventID, err)
	}
	if !applied {
		p.logger.Info("Event superseded by newer rule state",
			zap.String("event_id", evt.EventID),
			zap.String("rule_id", evt.RuleID),
			zap.Time("timestamp", evt.Timestamp),
		)
	}

	if evt.TriggersReportInvalidation() {
		for _, jurisdiction := range p.registry.JurisdictionsForRule(evt.RuleID) {
			marked, err := p.reports.MarkStale(ctx, jurisdiction, evt.Timestamp)
			if err != nil {
				return fmt.Errorf("report invalidation failed for event %s: %w", evt.EventID, err)
			}
			p.metrics.ReportsInvalidated.Add(float64(marked))
		}
	}

	p.logger.Info("Regulatory event processed",
		zap.String("event_id", evt.EventID),
		zap.String("rule_id", evt.RuleID),
		zap.String("change_type", string(evt.ChangeType)),
		zap.Bool("applied", applied),
	)

	return nil
}

// ruleActiveAfter derives rule activity purely from the latest change type,
// so last-write-wins reconciliation is invariant under delivery order.
func ruleActiveAfter(changeType ChangeType) bool {
	switch changeType {
	case ChangeTypeCreated, ChangeTypeUpdated, ChangeTypeActivated:
		return true
	default:
		return false
	}
}
