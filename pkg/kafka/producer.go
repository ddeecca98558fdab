package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Config holds Kafka configuration
type Config struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	RequiredAcks int
}

// ParseBrokers splits a comma-separated broker list
func ParseBrokers(brokers []string) []string {
	var out []string
	for _, b := range brokers {
		for _, part := range strings.Split(b, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// MessageWriter is the subset of *kafka.Writer the producer uses
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes lifecycle events to one topic
type Producer struct {
	writer MessageWriter
	logger ectologger.Logger
	topic  string
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg Config, logger ectologger.Logger) *Producer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(ParseBrokers(cfg.Brokers)...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Async:        false,
		// Allow Kafka to auto-create the topic in dev environments when it doesn't exist yet.
		AllowAutoTopicCreation: true,
	}

	return NewProducerWithWriter(writer, cfg.Topic, logger)
}

func NewProducerWithWriter(writer MessageWriter, topic string, logger ectologger.Logger) *Producer {
	return &Producer{
		writer: writer,
		logger: logger,
		topic:  topic,
	}
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// EventMessage is a batch or promotion lifecycle event
type EventMessage struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	SchemaVersion string    `json:"schema_version"`
	BatchID       string    `json:"batch_id"`
	Timestamp     time.Time `json:"timestamp"`
	TraceID       string    `json:"trace_id,omitempty"`
	SpanID        string    `json:"span_id,omitempty"`
	Data          any       `json:"data,omitempty"`
}

// PublishEvent publishes an event keyed by batch id so one batch's events stay ordered
func (p *Producer) PublishEvent(ctx context.Context, evt *EventMessage) error {
	ctx, span := tracing.StartSpan(ctx, "Kafka.PublishEvent")
	defer span.End()

	if evt == nil {
		return fmt.Errorf("event is nil")
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", p.topic),
		attribute.String("messaging.operation", "publish"),
		attribute.String("event_type", evt.Type),
		attribute.String("batch_id", evt.BatchID),
	)

	evt.TraceID = tracing.GetTraceID(ctx)
	evt.SpanID = tracing.GetSpanID(ctx)

	data, err := json.Marshal(evt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal event")
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	headers := []kafka.Header{
		{Key: "type", Value: []byte(evt.Type)},
		{Key: "batch_id", Value: []byte(evt.BatchID)},
	}
	for k, v := range tracing.Carrier(ctx) {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(evt.BatchID),
		Value:   data,
		Headers: headers,
		Time:    evt.Timestamp,
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish event")
		metrics.KafkaMessagesPublished.WithLabelValues(p.topic, "error").Inc()
		p.logger.WithContext(ctx).WithError(err).Errorf("Failed to publish %s event to Kafka topic %s", evt.Type, p.topic)
		return err
	}

	metrics.KafkaMessagesPublished.WithLabelValues(p.topic, "success").Inc()
	return nil
}
