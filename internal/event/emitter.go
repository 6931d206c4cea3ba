package event

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Publisher delivers events to the durable event log
type Publisher interface {
	Publish(ctx context.Context, evt *RegulatoryEvent) error
}

// Emitter converts rule store mutations into validated, immutable
// regulatory events and publishes them exactly once per logical change.
// Event IDs are derived deterministically from the change itself, so a
// retried publication carries the same ID and is absorbed by consumer-side
// deduplication; the emitter itself does not deduplicate.
type Emitter struct {
	logger    *zap.Logger
	publisher Publisher
}

// NewEmitter creates an event emitter
func NewEmitter(logger *zap.Logger, publisher Publisher) *Emitter {
	return &Emitter{
		logger:    logger,
		publisher: publisher,
	}
}

// EmitRuleChange builds and publishes the event for one rule change. The
// timestamp is the time the change occurred in the rule store, not the
// publication time. Malformed input fails with an InvalidEventError before
// anything reaches the event log.
func (e *Emitter) EmitRuleChange(ctx context.Context, ruleID, changeType string, changedAt time.Time, ruleVersion string) (*RegulatoryEvent, error) {
	eventID := DeriveEventID(ruleID, changeType, changedAt, ruleVersion)

	evt, err := NewRegulatoryEvent(eventID, ruleID, changeType, changedAt)
	if err != nil {
		return nil, err
	}

	if err := e.publisher.Publish(ctx, evt); err != nil {
		return nil, fmt.Errorf("failed to publish event %s: %w", evt.EventID, err)
	}

	e.logger.Info("Regulatory event emitted",
		zap.String("event_id", evt.EventID),
		zap.String("rule_id", evt.RuleID),
		zap.String("change_type", string(evt.ChangeType)),
		zap.Time("changed_at", evt.Timestamp),
	)

	return evt, nil
}

// Emit publishes an already constructed event, revalidating it first
func (e *Emitter) Emit(ctx context.Context, evt *RegulatoryEvent) error {
	if err := evt.Validate(); err != nil {
		return err
	}

	if err := e.publisher.Publish(ctx, evt); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", evt.EventID, err)
	}

	return nil
}
