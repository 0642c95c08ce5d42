package kafka

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

var publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kafka_published_messages_total",
	Help: "Published messages by topic and outcome.",
}, []string{"topic", "result"})

type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	// RequireAll waits for every in-sync replica before a write returns.
	RequireAll bool
}

// Producer writes to a single topic, hashing keys to partitions.
type Producer struct {
	w     *kafka.Writer
	topic string
	log   *zap.Logger
}

func NewProducer(cfg ProducerConfig) *Producer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	if cfg.RequireAll {
		w.RequiredAcks = kafka.RequireAll
	}
	if cfg.BatchTimeout > 0 {
		w.BatchTimeout = cfg.BatchTimeout
	}
	p := &Producer{w: w, topic: cfg.Topic}
	return p.WithLogger(zap.L())
}

func (p *Producer) WithLogger(l *zap.Logger) *Producer {
	if l == nil {
		return p
	}
	cp := *p
	cp.log = l.With(zap.String("component", "kafka.producer"), zap.String("topic", p.topic))
	return &cp
}

// Publish writes one message with the caller's trace context in its headers.
func (p *Producer) Publish(ctx context.Context, key, value []byte) error {
	ctx, span := otel.Tracer("kafka.producer").Start(ctx, "kafka.produce "+p.topic,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingDestinationName(p.topic),
			semconv.MessagingOperationPublish,
		),
	)
	defer span.End()

	err := p.w.WriteMessages(ctx, kafka.Message{Key: key, Value: value, Headers: injectTrace(ctx)})
	if err != nil {
		span.RecordError(err)
		publishedTotal.WithLabelValues(p.topic, "error").Inc()
		p.log.Error("kafka write failed", zap.ByteString("key", key), zap.Error(err))
		return fmt.Errorf("kafka write %s: %w", p.topic, err)
	}
	publishedTotal.WithLabelValues(p.topic, "ok").Inc()
	p.log.Debug("message published", zap.ByteString("key", key), zap.Int("value_len", len(value)))
	return nil
}

func (p *Producer) PublishProto(ctx context.Context, key []byte, m proto.Message) error {
	value, err := proto.Marshal(m)
	if err != nil {
		return fmt.Errorf("proto marshal: %w", err)
	}
	return p.Publish(ctx, key, value)
}

func (p *Producer) Close() error { return p.w.Close() }

func KeyFromInt64(id int64) []byte { return []byte(strconv.FormatInt(id, 10)) }
