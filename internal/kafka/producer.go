package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/aegis-shield/regulatory-engine/internal/config"
	"github.com/aegis-shield/regulatory-engine/internal/event"
	"github.com/aegis-shield/regulatory-engine/internal/report"
)

// EventProducer publishes regulatory events to the compliance events topic.
// Messages are keyed by rule ID with a hash balancer, which pins every event
// for a rule to one partition and preserves per-rule causal order without
// global sequencing.
type EventProducer struct {
	logger *zap.Logger
	writer *kafka.Writer
}

// NewEventProducer creates a producer for the regulatory events topic
func NewEventProducer(cfg config.KafkaConfig, logger *zap.Logger) *EventProducer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topics.RegulatoryEvents,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.Producer.BatchSize,
		BatchTimeout: cfg.Producer.BatchTimeout,
		WriteTimeout: cfg.Producer.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.Producer.RequiredAcks),
		Logger:       &kafkaLogger{logger: logger},
		ErrorLogger:  &kafkaErrorLogger{logger: logger},
	}

	return &EventProducer{
		logger: logger,
		writer: writer,
	}
}

// Publish writes one regulatory event, keyed by rule ID
func (p *EventProducer) Publish(ctx context.Context, evt *event.RegulatoryEvent) error {
	value, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", evt.EventID, err)
	}

	msg := kafka.Message{
		Key:   []byte(evt.RuleID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(evt.EventID)},
			{Key: "rule_id", Value: []byte(evt.RuleID)},
			{Key: "change_type", Value: []byte(evt.ChangeType)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write event %s: %w", evt.EventID, err)
	}

	p.logger.Debug("Event published",
		zap.String("event_id", evt.EventID),
		zap.String("rule_id", evt.RuleID),
	)

	return nil
}

// Close closes the underlying writer
func (p *EventProducer) Close() error {
	return p.writer.Close()
}

// DeadLetterProducer routes unprocessable events to the dead-letter topic
// for manual compliance review
type DeadLetterProducer struct {
	logger *zap.Logger
	writer *kafka.Writer
}

// NewDeadLetterProducer creates a producer for the dead-letter topic
func NewDeadLetterProducer(cfg config.KafkaConfig, logger *zap.Logger) *DeadLetterProducer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topics.DeadLetter,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.Producer.BatchTimeout,
		WriteTimeout: cfg.Producer.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.Producer.RequiredAcks),
		ErrorLogger:  &kafkaErrorLogger{logger: logger},
	}

	return &DeadLetterProducer{
		logger: logger,
		writer: writer,
	}
}

// Route forwards the original message payload with failure context headers
func (p *DeadLetterProducer) Route(ctx context.Context, original kafka.Message, reason string, attempts int) error {
	msg := kafka.Message{
		Key:   original.Key,
		Value: original.Value,
		Headers: append(original.Headers,
			kafka.Header{Key: "dlq_reason", Value: []byte(reason)},
			kafka.Header{Key: "dlq_attempts", Value: []byte(fmt.Sprintf("%d", attempts))},
			kafka.Header{Key: "dlq_routed_at", Value: []byte(time.Now().UTC().Format(time.RFC3339))},
		),
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to route message to dead letter topic: %w", err)
	}

	p.logger.Warn("Message routed to dead letter topic",
		zap.String("reason", reason),
		zap.Int("attempts", attempts),
	)

	return nil
}

// Close closes the underlying writer
func (p *DeadLetterProducer) Close() error {
	return p.writer.Close()
}

// NotificationProducer announces generated reports for downstream dashboards
type NotificationProducer struct {
	logger *zap.Logger
	writer *kafka.Writer
}

// NewNotificationProducer creates a producer for the notifications topic
func NewNotificationProducer(cfg config.KafkaConfig, logger *zap.Logger) *NotificationProducer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topics.Notifications,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: cfg.Producer.BatchTimeout,
		WriteTimeout: cfg.Producer.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.Producer.RequiredAcks),
		ErrorLogger:  &kafkaErrorLogger{logger: logger},
	}

	return &NotificationProducer{
		logger: logger,
		writer: writer,
	}
}

// ReportGenerated publishes a report-ready notification
func (p *NotificationProducer) ReportGenerated(ctx context.Context, response *report.Response) error {
	notification := map[string]interface{}{
		"report_id":     response.ReportID,
		"report_name":   response.ReportName,
		"report_status": response.ReportStatus,
		"generated_at":  response.GeneratedAt,
		"generated_by":  response.GeneratedBy,
	}

	value, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("failed to marshal report notification: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(response.ReportID),
		Value: value,
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish report notification: %w", err)
	}

	p.logger.Debug("Report notification published",
		zap.String("report_id", response.ReportID),
	)

	return nil
}

// Close closes the underlying writer
func (p *NotificationProducer) Close() error {
	return p.writer.Close()
}

// kafka-go logging adapters

type kafkaLogger struct {
	logger *zap.Logger
}

func (l *kafkaLogger) Printf(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, v...))
}

type kafkaErrorLogger struct {
	logger *zap.Logger
}

func (l *kafkaErrorLogger) Printf(format string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, v...))
}
