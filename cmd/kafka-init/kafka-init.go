package main

import (
	"context"
	"flag"
	"log"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/NordCoder/Herald/internal/config"
	"github.com/NordCoder/Herald/internal/obs"
	kafkax "github.com/NordCoder/Herald/internal/repository/kafka"
)

type initConfig struct {
	config.Common `mapstructure:",squash"`
	Kafka         config.Kafka `mapstructure:"kafka"`
}

func main() {
	extra := flag.String("topics", "", "comma separated topics to create besides kafka.topic")
	rf := flag.Int("rf", 1, "replication factor")
	retention := flag.Duration("retention", 7*24*time.Hour, "topic retention")
	flag.Parse()

	v := config.New(config.Path(""), "kafka-init")
	var cfg initConfig
	if err := config.Finish(v, &cfg); err != nil {
		log.Fatalf("config: %v", err)
	}
	l, err := obs.NewLogger(cfg.AsLoggerConfig())
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = l.Sync() }()

	topics := []string{cfg.Kafka.Topic}
	for _, t := range strings.Split(*extra, ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	for _, t := range topics {
		err := kafkax.EnsureTopic(ctx, cfg.Kafka.Brokers, kafkax.TopicSpec{
			Name:              t,
			NumPartitions:     cfg.Kafka.Partitions,
			ReplicationFactor: *rf,
			Retention:         *retention,
			MaxWait:           30 * time.Second,
		}, l)
		if err != nil {
			l.Fatal("ensure topic", zap.String("topic", t), zap.Error(err))
		}
	}
	l.Info("kafka-init ok", zap.Strings("topics", topics))
}
