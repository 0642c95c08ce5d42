package kafka

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/NordCoder/Herald/internal/obs/retry"
)

type TopicSpec struct {
	Name              string
	NumPartitions     int
	ReplicationFactor int
	// Retention is written as retention.ms when set.
	Retention time.Duration
	MaxWait   time.Duration
}

func (s TopicSpec) withDefaults() TopicSpec {
	if s.NumPartitions <= 0 {
		s.NumPartitions = 1
	}
	if s.ReplicationFactor <= 0 {
		s.ReplicationFactor = 1
	}
	if s.MaxWait <= 0 {
		s.MaxWait = 5 * time.Second
	}
	return s
}

func (s TopicSpec) config() kafka.TopicConfig {
	tc := kafka.TopicConfig{
		Topic:             s.Name,
		NumPartitions:     s.NumPartitions,
		ReplicationFactor: s.ReplicationFactor,
	}
	if s.Retention > 0 {
		tc.ConfigEntries = append(tc.ConfigEntries, kafka.ConfigEntry{
			ConfigName:  "retention.ms",
			ConfigValue: strconv.FormatInt(s.Retention.Milliseconds(), 10),
		})
	}
	return tc
}

var errNotReady = errors.New("partitions without leader")

// EnsureTopic creates the topic if needed and waits until every partition
// has a leader or MaxWait runs out. An existing topic is left as is.
func EnsureTopic(ctx context.Context, brokers []string, spec TopicSpec, log *zap.Logger) error {
	if len(brokers) == 0 {
		return fmt.Errorf("ensure topic %q: no brokers", spec.Name)
	}
	spec = spec.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("topic", spec.Name))

	if err := createTopic(ctx, brokers[0], spec.config()); err != nil {
		log.Warn("create topic failed", zap.Error(err))
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, spec.MaxWait)
	defer cancel()
	err := retry.Do(wctx, func() error { return ready(wctx, brokers[0], spec.Name) }, retry.Policy{
		Name:     "kafka_topic_ready",
		Attempts: 50,
		Backoff:  retry.ExpoJitter{Base: 200 * time.Millisecond, Max: time.Second},
	})
	if err != nil {
		log.Warn("topic not confirmed ready in time", zap.Error(err))
		return fmt.Errorf("topic %s not ready in %s: %w", spec.Name, spec.MaxWait, err)
	}
	log.Info("topic ready", zap.Int("partitions", spec.NumPartitions))
	return nil
}

// createTopic goes through the controller broker, the only one that accepts CreateTopics.
func createTopic(ctx context.Context, broker string, tc kafka.TopicConfig) error {
	conn, err := kafka.DialContext(ctx, "tcp", broker)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("controller: %w", err)
	}
	cc, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("dial controller: %w", err)
	}
	defer cc.Close()

	if err := cc.CreateTopics(tc); err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("create topics: %w", err)
	}
	return nil
}

func ready(ctx context.Context, broker, topic string) error {
	conn, err := kafka.DialContext(ctx, "tcp", broker)
	if err != nil {
		return err
	}
	defer conn.Close()

	parts, err := conn.ReadPartitions(topic)
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		return errNotReady
	}
	for _, p := range parts {
		if p.Leader.ID == -1 {
			return errNotReady
		}
	}
	return nil
}
