package kafka

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/NordCoder/Herald/internal/obs/retry"
)

// Handler processes one message. Returning a retry.Stop error commits the
// message without further attempts.
type Handler func(ctx context.Context, key, value []byte) error

var consumedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kafka_consumed_messages_total",
	Help: "Consumed messages by topic and outcome.",
}, []string{"topic", "result"})

type ConsumerConfig struct {
	Brokers       []string
	GroupID       string
	Topic         string
	FromBeginning bool
	Partitions    int
	// HandlerAttempts bounds in-process retries of one message. A message that
	// still fails stays uncommitted and is redelivered after a rebalance.
	HandlerAttempts int
	Logger          *zap.Logger
}

type Consumer struct {
	reader *kafka.Reader
	log    *zap.Logger
	cfg    ConsumerConfig
	policy retry.Policy
}

// BootstrapConsumer makes sure the topic exists before the reader joins the group.
// A failed topic check is logged; the reader still starts.
func BootstrapConsumer(ctx context.Context, cfg *ConsumerConfig, log *zap.Logger) *Consumer {
	err := EnsureTopic(ctx, cfg.Brokers, TopicSpec{
		Name:              cfg.Topic,
		NumPartitions:     cfg.Partitions,
		ReplicationFactor: 1,
		MaxWait:           5 * time.Second,
	}, log)
	if err != nil && log != nil {
		log.Warn("topic bootstrap failed", zap.String("topic", cfg.Topic), zap.Error(err))
	}
	return NewConsumer(cfg)
}

func NewConsumer(cfg *ConsumerConfig) *Consumer {
	c := *cfg
	if c.Logger == nil {
		c.Logger = zap.L()
	}
	if c.HandlerAttempts <= 0 {
		c.HandlerAttempts = 3
	}

	start := kafka.LastOffset
	if c.FromBeginning {
		start = kafka.FirstOffset
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:               c.Brokers,
		GroupID:               c.GroupID,
		Topic:                 c.Topic,
		StartOffset:           start,
		WatchPartitionChanges: true,
		MinBytes:              1,
		MaxBytes:              1e6,
		MaxWait:               500 * time.Millisecond,
		SessionTimeout:        10 * time.Second,
		RebalanceTimeout:      15 * time.Second,
		HeartbeatInterval:     3 * time.Second,
	})

	cons := &Consumer{reader: r, cfg: c}
	return cons.WithLogger(c.Logger)
}

func (c *Consumer) WithLogger(l *zap.Logger) *Consumer {
	if l == nil {
		return c
	}
	cp := *c
	cp.log = l.With(
		zap.String("component", "kafka.consumer"),
		zap.String("topic", c.cfg.Topic),
		zap.String("group", c.cfg.GroupID),
	)
	cp.policy = retry.Policy{
		Name:     "kafka_handle_" + c.cfg.Topic,
		Attempts: c.cfg.HandlerAttempts,
		Backoff:  retry.ExpoJitter{Base: 100 * time.Millisecond, Max: 2 * time.Second, Jitter: 0.2},
		OnAttempt: func(i int, err error) {
			cp.log.Debug("handler attempt failed", zap.Int("attempt", i+1), zap.Error(err))
		},
	}
	return &cp
}

// Consume runs until ctx is done. Fetch errors back off exponentially.
func (c *Consumer) Consume(ctx context.Context, h Handler) error {
	c.log.Info("consumer started")
	defer c.log.Info("consumer stopped")

	fetchBackoff := retry.ExpoJitter{Base: 200 * time.Millisecond, Max: 5 * time.Second}
	failures := 0
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait := fetchBackoff.Next(failures)
			failures++
			if errors.Is(err, io.EOF) {
				c.log.Debug("fetch EOF", zap.Duration("backoff", wait))
			} else {
				c.log.Warn("fetch failed", zap.Error(err), zap.Duration("backoff", wait))
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		failures = 0

		if !c.handle(ctx, msg, h) {
			continue
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("commit failed", zap.Error(err))
		}
	}
}

// handle reports whether msg should be committed.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message, h Handler) bool {
	msgCtx, span := otel.Tracer("kafka.consumer").Start(extractTrace(ctx, msg.Headers), "kafka.consume "+msg.Topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingDestinationName(msg.Topic),
		),
	)
	defer span.End()

	var final bool
	err := retry.Do(msgCtx, func() error {
		err := h(msgCtx, msg.Key, msg.Value)
		final = retry.IsStop(err)
		return err
	}, c.policy)

	switch {
	case err == nil:
		consumedTotal.WithLabelValues(msg.Topic, "ok").Inc()
		return true
	case final:
		span.RecordError(err)
		consumedTotal.WithLabelValues(msg.Topic, "dropped").Inc()
		c.log.Warn("message dropped", zap.Int("partition", msg.Partition), zap.Int64("offset", msg.Offset), zap.Error(err))
		return true
	default:
		span.RecordError(err)
		consumedTotal.WithLabelValues(msg.Topic, "error").Inc()
		c.log.Error("handler failed", zap.Int("partition", msg.Partition), zap.Int64("offset", msg.Offset), zap.Error(err))
		return false
	}
}

func (c *Consumer) Close() error { return c.reader.Close() }
