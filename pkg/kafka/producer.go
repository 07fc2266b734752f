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

	"github.com/poblysh/pollen/pkg/models"
	"github.com/poblysh/pollen/pkg/tracing"
)

// Config holds Kafka configuration
type Config struct {
	Brokers     []string
	SignalTopic string
}

// ParseConfig parses a comma-separated broker string
func ParseConfig(brokers string, signalTopic string) Config {
	brokerList := strings.Split(brokers, ",")
	for i := range brokerList {
		brokerList[i] = strings.TrimSpace(brokerList[i])
	}

	return Config{
		Brokers:     brokerList,
		SignalTopic: signalTopic,
	}
}

// Producer publishes persisted signals to Kafka for downstream consumers
type Producer struct {
	writer *kafka.Writer
	logger ectologger.Logger
	topic  string
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg Config, logger ectologger.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.SignalTopic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		// Allow Kafka to auto-create the topic in dev environments when it doesn't exist yet.
		// Without this, a first publish may fail with "Unknown Topic Or Partition".
		AllowAutoTopicCreation: true,
	}

	return &Producer{
		writer: writer,
		logger: logger,
		topic:  cfg.SignalTopic,
	}
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// SignalMessage is the Kafka representation of one persisted signal.
type SignalMessage struct {
	ID        string               `json:"id"`
	TenantID  string               `json:"tenant_id"`
	Source    string               `json:"source"`
	Kind      string               `json:"kind"`
	DedupeKey string               `json:"dedupe_key"`
	Timestamp time.Time            `json:"timestamp"`
	Payload   models.SignalPayload `json:"payload"`

	// Tracing
	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`
}

// PublishSignal publishes one signal to the signal topic. Only signals that
// were actually inserted (not dedupe no-ops) should be published.
func (p *Producer) PublishSignal(ctx context.Context, sig *models.Signal) error {
	ctx, span := tracing.StartSpan(ctx, "Kafka.PublishSignal")
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", p.topic),
		attribute.String("messaging.operation", "publish"),
		attribute.String("tenant_id", sig.TenantID.String()),
		attribute.String("source", sig.Source),
		attribute.String("kind", sig.Kind),
	)

	msg := &SignalMessage{
		ID:        sig.ID.String(),
		TenantID:  sig.TenantID.String(),
		Source:    sig.Source,
		Kind:      sig.Kind,
		DedupeKey: sig.DedupeKey,
		Timestamp: sig.Timestamp,
		Payload:   sig.Payload.GetValue(),
		TraceID:   tracing.GetTraceID(ctx),
		SpanID:    tracing.GetSpanID(ctx),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal message")
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	// Key by tenant + source so one connection's signals stay ordered
	key := fmt.Sprintf("%s:%s", sig.TenantID, sig.Source)

	headers := []kafka.Header{
		{Key: "tenant_id", Value: []byte(sig.TenantID.String())},
		{Key: "source", Value: []byte(sig.Source)},
		{Key: "kind", Value: []byte(sig.Kind)},
	}

	// W3C trace context headers for distributed tracing
	if traceparent := tracing.GetTraceParent(ctx); traceparent != "" {
		headers = append(headers, kafka.Header{Key: "traceparent", Value: []byte(traceparent)})
	}
	if tracestate := tracing.GetTraceState(ctx); tracestate != "" {
		headers = append(headers, kafka.Header{Key: "tracestate", Value: []byte(tracestate)})
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(key),
		Value:   data,
		Headers: headers,
	})

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish message")
		p.logger.WithContext(ctx).WithError(err).Errorf("Failed to publish to Kafka topic %s", p.topic)
		return err
	}

	span.SetStatus(codes.Ok, "message published")
	p.logger.WithContext(ctx).Debugf("Published signal to Kafka: kind=%s dedupe_key=%s trace=%s",
		sig.Kind, sig.DedupeKey, msg.TraceID)

	return nil
}
