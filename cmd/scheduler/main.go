package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/NordCoder/Herald/internal/config"
	schedulerconfig "github.com/NordCoder/Herald/internal/config/scheduler"
	"github.com/NordCoder/Herald/internal/obs"
	"github.com/NordCoder/Herald/internal/obs/retry"
	intoutbox "github.com/NordCoder/Herald/internal/outbox"
	kafkax "github.com/NordCoder/Herald/internal/repository/kafka"
	pg "github.com/NordCoder/Herald/internal/repository/postgres"
	"github.com/NordCoder/Herald/internal/services/enqueue"
	"github.com/NordCoder/Herald/internal/services/scheduler"
)

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

func main() {
	// init
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cfg, err := schedulerconfig.Load(config.Path("config/scheduler.yaml"))
	if err != nil {
		log.Fatal(err)
	}

	// logger
	l, err := obs.NewLogger(cfg.AsLoggerConfig())
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = l.Sync() }()
	l.Info("starting scheduler",
		zap.Strings("kafka_brokers", cfg.Kafka.Brokers),
		zap.String("kafka_topic", cfg.Kafka.Topic),
		zap.Duration("tick", cfg.Sched.Tick),
		zap.String("metrics_addr", cfg.Server.MetricsAddr),
	)

	// otel
	otelCloser, err := obs.SetupOTel(ctx, cfg.AsOTELConfig())
	if err != nil {
		l.Fatal("otel init", zap.Error(err))
	}
	defer func() { _ = otelCloser.Shutdown(context.Background()) }()

	// db
	db, err := pg.New(ctx, cfg.DB)
	if err != nil {
		l.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	// kafka
	_ = kafkax.EnsureTopic(ctx, cfg.Kafka.Brokers, kafkax.TopicSpec{
		Name:          cfg.Kafka.Topic,
		NumPartitions: cfg.Kafka.Partitions,
	}, l)
	prod := kafkax.NewProducer(cfg.Kafka.AsProducerConfig()).WithLogger(l)
	defer func() { _ = prod.Close() }()
	publisher := kafkax.NewNotificationEventsKafka(prod)

	// run metrics server
	ms := obs.BootstrapMetricsServer(cfg.Server.MetricsAddr, obs.Checks{"db": db.Ping}, l)

	// wiring
	tx := pg.NewTransactor(db, l)
	outboxRepo := pg.NewOutboxRepo(db)
	uc := &scheduler.Usecase{
		Schedules: pg.NewScheduleRepo(db),
		Users:     pg.NewUserRepo(db),
		Groups:    pg.NewGroupRepo(db),
		Enqueuer:  enqueue.New(tx, pg.NewNotificationRepo(db), outboxRepo),
		Tx:        tx,
		Clock:     systemClock{},
		Log:       obs.Component(l, "scheduler.uc"),
	}
	runner := scheduler.New(obs.Component(l, "scheduler.runner"), uc, cfg.Sched)
	relay := intoutbox.NewOutboxRunner(l, outboxRepo,
		intoutbox.MakeGlobalOutboxHandler(publisher, retry.DefaultPublishPolicy(l)), cfg.Outbox)

	// run
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error { return relay.Run(gctx) })

	errCh := make(chan error, 1)
	go func() { errCh <- g.Wait() }()

	l.Info("scheduler started")

	// loop
	select {
	case <-ctx.Done():
	case err = <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			l.Error("runner error", zap.Error(err))
		}
	}

	// graceful shutdown
	shCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = ms.Shutdown(shCtx)
	l.Info("bye")
}
