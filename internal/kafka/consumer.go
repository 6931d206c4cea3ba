package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/aegis-shield/regulatory-engine/internal/config"
	"github.com/aegis-shield/regulatory-engine/internal/database"
	"github.com/aegis-shield/regulatory-engine/internal/event"
	"github.com/aegis-shield/regulatory-engine/internal/metrics"
)

// DeadLetterRouter forwards unprocessable messages to the dead-letter topic
type DeadLetterRouter interface {
	Route(ctx context.Context, original kafka.Message, reason string, attempts int) error
}

// Consumer reads regulatory events from Kafka and drives them through the
// event processor. Delivery is at-least-once: a message is committed only
// after processing succeeds or the message has been durably routed to the
// dead-letter topic. Messages are dispatched to workers by partition, so each
// partition is processed and committed strictly in order; a message whose
// dead-letter routing fails blocks its partition until routing succeeds
// rather than being skipped by a later commit.
type Consumer struct {
	logger     *zap.Logger
	cfg        config.KafkaConsumerConfig
	reader     *kafka.Reader
	processor  *event.Processor
	deadLetter DeadLetterRouter
	audit      event.AuditWriter
	metrics    *metrics.Collector

	messageChans []chan kafka.Message
	shutdownChan chan struct{}
	wg           sync.WaitGroup
}

// NewConsumer creates a Kafka consumer for the regulatory events topic
func NewConsumer(
	cfg config.KafkaConfig,
	logger *zap.Logger,
	processor *event.Processor,
	deadLetter DeadLetterRouter,
	audit event.AuditWriter,
	collector *metrics.Collector,
) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.Consumer.GroupID,
		Topic:          cfg.Topics.RegulatoryEvents,
		MinBytes:       cfg.Consumer.MinBytes,
		MaxBytes:       cfg.Consumer.MaxBytes,
		CommitInterval: 0, // synchronous commits, ack only after processing
		StartOffset:    kafka.FirstOffset,
		ErrorLogger:    &kafkaErrorLogger{logger: logger},
	})

	workerCount := cfg.Consumer.WorkerCount
	if workerCount <= 0 {
		workerCount = 1
	}

	messageChans := make([]chan kafka.Message, workerCount)
	for i := range messageChans {
		messageChans[i] = make(chan kafka.Message, 2)
	}

	return &Consumer{
		logger:       logger,
		cfg:          cfg.Consumer,
		reader:       reader,
		processor:    processor,
		deadLetter:   deadLetter,
		audit:        audit,
		metrics:      collector,
		messageChans: messageChans,
		shutdownChan: make(chan struct{}),
	}
}

// Start launches the fetch loop and worker pool. Blocks until ctx is
// cancelled or Stop is called.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("Starting regulatory event consumer",
		zap.String("topic", c.reader.Config().Topic),
		zap.String("group_id", c.cfg.GroupID),
		zap.Int("worker_count", len(c.messageChans)),
	)

	for i := range c.messageChans {
		c.wg.Add(1)
		go c.worker(ctx, i)
	}

	for {
		select {
		case <-ctx.Done():
			return c.shutdown()
		case <-c.shutdownChan:
			return c.shutdown()
		default:
		}

		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return c.shutdown()
			}
			c.logger.Error("Failed to fetch message", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		// Same-partition messages always land on the same worker, keeping
		// per-partition (and therefore per-rule) order and in-order commits
		select {
		case c.messageChans[workerIndex(msg.Partition, len(c.messageChans))] <- msg:
		case <-ctx.Done():
			return c.shutdown()
		}
	}
}

// Stop signals the consumer to shut down
func (c *Consumer) Stop() {
	close(c.shutdownChan)
}

func (c *Consumer) shutdown() error {
	c.logger.Info("Shutting down regulatory event consumer")
	for _, ch := range c.messageChans {
		close(ch)
	}
	c.wg.Wait()
	return c.reader.Close()
}

// workerIndex pins a partition to one worker
func workerIndex(partition, workerCount int) int {
	return partition % workerCount
}

func (c *Consumer) worker(ctx context.Context, id int) {
	defer c.wg.Done()

	logger := c.logger.With(zap.Int("worker_id", id))

	for msg := range c.messageChans[id] {
		if err := c.processUntilResolved(ctx, msg); err != nil {
			// Only shutdown interrupts resolution; the uncommitted message
			// is redelivered after restart or rebalance
			logger.Warn("Message left uncommitted for redelivery",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
			continue
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			logger.Error("Failed to commit message offset",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		}
	}
}

// processUntilResolved drives one delivery to a committable outcome. When
// dead-letter routing itself fails the message is retried here, holding up
// the partition, so a later commit can never skip past an unresolved
// message. Returns only on resolution or shutdown.
func (c *Consumer) processUntilResolved(ctx context.Context, msg kafka.Message) error {
	backoff := c.cfg.RetryBackoff
	if backoff <= 0 {
		backoff = time.Second
	}

	for {
		err := c.handleMessage(ctx, msg)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.Error("Dead letter routing failed, holding partition",
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleMessage processes one delivery. A nil return means the message may
// be committed: it was either processed, absorbed as a duplicate, or routed
// to the dead-letter topic with an audit record.
func (c *Consumer) handleMessage(ctx context.Context, msg kafka.Message) error {
	start := time.Now()

	var evt event.RegulatoryEvent
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		// Malformed payloads can never succeed; dead-letter immediately
		return c.routeToDeadLetter(ctx, msg, &evt, "malformed payload: "+err.Error(), 1)
	}

	maxRetries := c.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		err := c.processor.Process(ctx, &evt)
		if err == nil {
			c.metrics.EventsProcessed.WithLabelValues(string(evt.ChangeType)).Inc()
			c.metrics.ProcessingLatency.Observe(time.Since(start).Seconds())
			return nil
		}

		var permErr *event.PermanentError
		if errors.As(err, &permErr) {
			return c.routeToDeadLetter(ctx, msg, &evt, permErr.Error(), attempt)
		}

		lastErr = err
		c.metrics.EventRetries.Inc()
		c.logger.Warn("Event processing failed, retrying",
			zap.String("event_id", evt.EventID),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err),
		)

		select {
		case <-time.After(c.cfg.RetryBackoff * time.Duration(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return c.routeToDeadLetter(ctx, msg, &evt, "retries exhausted: "+lastErr.Error(), maxRetries)
}

// routeToDeadLetter publishes the failed message to the dead-letter topic
// and records the failure in the audit trail. Both writes must succeed
// before the original message may be committed, so a failed event is never
// silently dropped.
func (c *Consumer) routeToDeadLetter(ctx context.Context, msg kafka.Message, evt *event.RegulatoryEvent, reason string, attempts int) error {
	if err := c.deadLetter.Route(ctx, msg, reason, attempts); err != nil {
		return err
	}

	entry := &database.AuditEntry{
		ID:        "AUDIT_DLQ_" + deadLetterAuditKey(msg, evt),
		EntryType: database.AuditEntryTypeDeadLetter,
		EventID:   evt.EventID,
		RuleID:    evt.RuleID,
		Action:    "DEAD_LETTERED",
		Details: database.JSONB{
			"reason":   reason,
			"attempts": attempts,
			"offset":   msg.Offset,
		},
		SourceTimestamp: evt.Timestamp,
	}
	if err := c.audit.Append(ctx, entry); err != nil {
		return err
	}

	c.metrics.EventsDeadLetter.WithLabelValues(deadLetterReasonLabel(reason)).Inc()
	return nil
}

// deadLetterAuditKey derives a stable audit ID so a redelivered poison
// message produces one audit entry, not one per redelivery.
func deadLetterAuditKey(msg kafka.Message, evt *event.RegulatoryEvent) string {
	if evt.EventID != "" {
		return evt.EventID
	}
	return string(msg.Key) + "_" + msg.Time.UTC().Format("20060102T150405")
}

func deadLetterReasonLabel(reason string) string {
	switch {
	case len(reason) >= 9 && reason[:9] == "malformed":
		return "malformed"
	case len(reason) >= 9 && reason[:9] == "permanent":
		return "permanent"
	default:
		return "retries_exhausted"
	}
}
