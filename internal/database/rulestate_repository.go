package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// RuleStateRepository maintains the derived per-rule state the consumer
// builds from the event stream. Reconciliation is last-write-wins by the
// event's source timestamp: an event older than the stored state is counted
// but does not change the derived state, so out-of-order delivery converges
// to the same result as in-order delivery.
type RuleStateRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewRuleStateRepository creates a new rule state repository
func NewRuleStateRepository(db *sqlx.DB, logger *zap.Logger) *RuleStateRepository {
	return &RuleStateRepository{
		db:     db,
		logger: logger,
	}
}

// Apply reconciles one event into the rule's derived state. It returns true
// when the event advanced the state and false when it was superseded by an
// already-applied newer event for the same rule.
func (r *RuleStateRepository) Apply(ctx context.Context, ruleID, eventID, changeType string, changedAt time.Time, active bool) (bool, error) {
	query := `
		INSERT INTO rule_states (
			rule_id, last_change_type, last_event_id, last_changed_at,
			active, events_applied, events_superseded, updated_at
		) VALUES ($1, $2, $3, $4, $5, 1, 0, $6)
		ON CONFLICT (rule_id) DO UPDATE SET
			last_change_type = CASE WHEN EXCLUDED.last_changed_at >= rule_states.last_changed_at
				THEN EXCLUDED.last_change_type ELSE rule_states.last_change_type END,
			last_event_id = CASE WHEN EXCLUDED.last_changed_at >= rule_states.last_changed_at
				THEN EXCLUDED.last_event_id ELSE rule_states.last_event_id END,
			active = CASE WHEN EXCLUDED.last_changed_at >= rule_states.last_changed_at
				THEN EXCLUDED.active ELSE rule_states.active END,
			last_changed_at = GREATEST(EXCLUDED.last_changed_at, rule_states.last_changed_at),
			events_applied = rule_states.events_applied +
				CASE WHEN EXCLUDED.last_changed_at >= rule_states.last_changed_at THEN 1 ELSE 0 END,
			events_superseded = rule_states.events_superseded +
				CASE WHEN EXCLUDED.last_changed_at < rule_states.last_changed_at THEN 1 ELSE 0 END,
			updated_at = EXCLUDED.updated_at
		RETURNING last_event_id`

	var winningEventID string
	err := r.db.GetContext(ctx, &winningEventID, query,
		ruleID, changeType, eventID, changedAt.UTC(), active, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to apply event %s to rule state %s: %w", eventID, ruleID, err)
	}

	applied := winningEventID == eventID
	if !applied {
		r.logger.Debug("Out-of-order event superseded by newer rule state",
			zap.String("event_id", eventID),
			zap.String("rule_id", ruleID),
			zap.String("winning_event_id", winningEventID),
		)
	}

	return applied, nil
}

// Get retrieves the derived state for a rule
func (r *RuleStateRepository) Get(ctx context.Context, ruleID string) (*RuleState, error) {
	var state RuleState
	err := r.db.GetContext(ctx, &state,
		`SELECT * FROM rule_states WHERE rule_id = $1`, ruleID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("rule state not found: %s", ruleID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule state %s: %w", ruleID, err)
	}

	return &state, nil
}

// List retrieves all rule states, most recently changed first
func (r *RuleStateRepository) List(ctx context.Context, limit, offset int) ([]*RuleState, error) {
	query := `SELECT * FROM rule_states ORDER BY last_changed_at DESC`
	args := []interface{}{}
	argIndex := 1

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIndex)
		args = append(args, limit)
		argIndex++
	}
	if offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIndex)
		args = append(args, offset)
	}

	var states []*RuleState
	if err := r.db.SelectContext(ctx, &states, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list rule states: %w", err)
	}

	return states, nil
}
