package report

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/aegis-shield/regulatory-engine/internal/database"
	"github.com/aegis-shield/regulatory-engine/internal/regulatory"
)

// DataSource aggregates the compliance data underlying a report. External
// data providers implement this interface; the default implementation draws
// on the local rule catalog and the audit trail.
type DataSource interface {
	Aggregate(ctx context.Context, jurisdiction string, period Period) (*AggregateResult, error)
}

// AuditLister reads filtered entries from the audit trail
type AuditLister interface {
	List(ctx context.Context, filter database.AuditFilter) ([]*database.AuditEntry, error)
}

// ComplianceDataSource aggregates from the regulatory registry and the audit
// trail: the applicable rule set as of the period end, plus every rule
// change that occurred during the period.
type ComplianceDataSource struct {
	registry *regulatory.Registry
	audit    AuditLister
	logger   *zap.Logger
}

// NewComplianceDataSource creates the default data source
func NewComplianceDataSource(registry *regulatory.Registry, audit AuditLister, logger *zap.Logger) *ComplianceDataSource {
	return &ComplianceDataSource{
		registry: registry,
		audit:    audit,
		logger:   logger,
	}
}

// Aggregate gathers compliance data for one jurisdiction and period
func (s *ComplianceDataSource) Aggregate(ctx context.Context, jurisdiction string, period Period) (*AggregateResult, error) {
	rules, err := s.registry.RulesForJurisdiction(jurisdiction, period.End)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve rule set: %w", err)
	}

	result := &AggregateResult{
		Jurisdiction: jurisdiction,
		PeriodStart:  period.Start,
		PeriodEnd:    period.End,
		Summary:      make(map[string]int),
	}

	for _, rule := range rules {
		result.ApplicableRules = append(result.ApplicableRules, AggregateRule{
			RuleID:        rule.RuleID,
			Name:          rule.Name,
			Framework:     rule.Framework,
			EffectiveDate: rule.EffectiveDate,
			Requirements:  rule.Requirements,
		})
	}

	// Select by when the change occurred, not when it was recorded, so a
	// late-delivered event still counts toward its own period. The period
	// end date is inclusive, hence the exclusive midnight-after bound.
	sourceEnd := period.End.AddDate(0, 0, 1)
	entries, err := s.audit.List(ctx, database.AuditFilter{
		EntryType:   database.AuditEntryTypeRegulatoryEvent,
		SourceStart: &period.Start,
		SourceEnd:   &sourceEnd,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load rule changes: %w", err)
	}

	for _, entry := range entries {
		result.RuleChanges = append(result.RuleChanges, AggregateEvent{
			EventID:    entry.EventID,
			RuleID:     entry.RuleID,
			ChangeType: entry.Action,
			OccurredAt: entry.SourceTimestamp,
		})
		result.Summary[entry.Action]++
	}

	result.Summary["applicable_rules"] = len(result.ApplicableRules)
	result.Summary["rule_changes"] = len(result.RuleChanges)

	s.logger.Debug("Compliance data aggregated",
		zap.String("jurisdiction", jurisdiction),
		zap.Int("applicable_rules", len(result.ApplicableRules)),
		zap.Int("rule_changes", len(result.RuleChanges)),
	)

	return result, nil
}
