package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/NordCoder/Herald/internal/config"
	dispatcherconfig "github.com/NordCoder/Herald/internal/config/dispatcher"
	"github.com/NordCoder/Herald/internal/obs"
	kafkax "github.com/NordCoder/Herald/internal/repository/kafka"
	pg "github.com/NordCoder/Herald/internal/repository/postgres"
	redisx "github.com/NordCoder/Herald/internal/repository/redis"
	"github.com/NordCoder/Herald/internal/services/dispatcher"
	"github.com/NordCoder/Herald/internal/services/ratelimit"
	"github.com/NordCoder/Herald/internal/services/resolver"
	"github.com/NordCoder/Herald/internal/transport"
)

func wiring(db *pg.DB, rdb *redis.Client, reg *transport.Registry, cfg *dispatcherconfig.Config, l *zap.Logger) (*dispatcher.Dispatcher, error) {
	policies, err := cfg.RateLimit.Policies()
	if err != nil {
		return nil, err
	}
	users := pg.NewUserRepo(db)

	return dispatcher.New(dispatcher.Deps{
		Notifications: pg.NewNotificationRepo(db),
		Deliveries:    pg.NewDeliveryRepo(db),
		Templates:     pg.NewTemplateRepo(db),
		Channels:      pg.NewChannelRepo(db),
		Users:         users,
		Resolver:      resolver.New(users, pg.NewGroupRepo(db), pg.NewSubscriptionRepo(db)),
		Limiter:       ratelimit.NewLimiter(redisx.NewWindowStore(rdb), policies, nil),
		Transports:    reg,
		Log:           l,
	}, cfg.Dispatcher), nil
}

func main() {
	// init
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cfg, err := dispatcherconfig.Load(config.Path("config/dispatcher.yaml"))
	if err != nil {
		log.Fatal(err)
	}

	// logger
	l, err := obs.NewLogger(cfg.AsLoggerConfig())
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = l.Sync() }()
	l.Info("starting dispatcher",
		zap.Strings("kafka_brokers", cfg.Kafka.Brokers),
		zap.String("kafka_topic", cfg.Kafka.Topic),
		zap.String("metrics_addr", cfg.Server.MetricsAddr),
		zap.String("grpc_addr", cfg.Server.GRPCAddr),
		zap.String("email_provider", cfg.Transports.Email),
	)

	// otel
	otelCloser, err := obs.SetupOTel(rootCtx, cfg.AsOTELConfig())
	if err != nil {
		l.Fatal("otel init", zap.Error(err))
	}
	defer func() { _ = otelCloser.Shutdown(context.Background()) }()

	// db
	db, err := pg.New(rootCtx, cfg.DB)
	if err != nil {
		l.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()
	l.Info("db connected")

	// redis
	rdb, err := redisx.Connect(rootCtx, cfg.Redis)
	if err != nil {
		l.Fatal("redis connect", zap.Error(err))
	}
	defer func() { _ = rdb.Close() }()

	checks := obs.Checks{
		"db":    db.Ping,
		"redis": func(ctx context.Context) error { return redisx.Healthcheck(ctx, rdb) },
	}

	// metrics
	ms := obs.BootstrapMetricsServer(cfg.Server.MetricsAddr, checks, l)

	// grpc health
	hs, err := obs.NewHealthServer(cfg.Server.GRPCAddr, "herald.dispatcher", checks.Probe, cfg.Server.HealthPeriod, l)
	if err != nil {
		l.Fatal("grpc listen", zap.Error(err))
	}

	// transports
	reg, err := buildTransports(cfg.Transports, l)
	if err != nil {
		l.Fatal("transports", zap.Error(err))
	}
	l.Info("transports ready", zap.Any("types", reg.Types()))

	// kafka
	cons := kafkax.BootstrapConsumer(rootCtx, cfg.Kafka.AsConsumerConfig(), l).WithLogger(l)
	defer func() { _ = cons.Close() }()

	// wiring
	d, err := wiring(db, rdb, reg, cfg, l)
	if err != nil {
		l.Fatal("wiring", zap.Error(err))
	}
	runner := dispatcher.NewRunner(l, d, cfg.Runner)
	ctrl := &dispatcher.Controller{Log: obs.Component(l, "dispatcher.controller"), Sub: cons, D: d}

	// run
	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error { return ctrl.Run(gctx) })
	g.Go(func() error { return hs.Run(gctx) })

	errCh := make(chan error, 1)
	go func() { errCh <- g.Wait() }()
	l.Info("dispatcher started", zap.Int("workers", cfg.Runner.Workers))

	// loop
	select {
	case <-rootCtx.Done():
		l.Info("shutdown signal")
		waitCtx, cancelWait := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelWait()
		select {
		case <-errCh:
		case <-waitCtx.Done():
			l.Warn("workers did not stop in time")
		}
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
