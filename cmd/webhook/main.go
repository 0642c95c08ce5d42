package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/NordCoder/Herald/internal/config"
	webhookconfig "github.com/NordCoder/Herald/internal/config/webhook"
	"github.com/NordCoder/Herald/internal/obs"
	"github.com/NordCoder/Herald/internal/obs/retry"
	intoutbox "github.com/NordCoder/Herald/internal/outbox"
	kafkax "github.com/NordCoder/Herald/internal/repository/kafka"
	pg "github.com/NordCoder/Herald/internal/repository/postgres"
	redisx "github.com/NordCoder/Herald/internal/repository/redis"
	"github.com/NordCoder/Herald/internal/services/conversation"
	"github.com/NordCoder/Herald/internal/services/enqueue"
	"github.com/NordCoder/Herald/internal/services/ratelimit"
	"github.com/NordCoder/Herald/internal/services/webhook"
)

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

func main() {
	// init
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cfg, err := webhookconfig.Load(config.Path("config/webhook.yaml"))
	if err != nil {
		log.Fatal(err)
	}

	// logger
	l, err := obs.NewLogger(cfg.AsLoggerConfig())
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = l.Sync() }()
	l.Info("starting webhook",
		zap.String("http_addr", cfg.Server.HTTPAddr),
		zap.String("metrics_addr", cfg.Server.MetricsAddr),
		zap.Bool("telegram_enabled", cfg.Webhook.TelegramSecret != ""),
		zap.Bool("events_enabled", cfg.Webhook.EventsSecret != ""),
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

	// redis
	rdb, err := redisx.Connect(ctx, cfg.Redis)
	if err != nil {
		l.Fatal("redis connect", zap.Error(err))
	}
	defer func() { _ = rdb.Close() }()
	policies, err := cfg.RateLimit.Policies()
	if err != nil {
		l.Fatal("ratelimit policies", zap.Error(err))
	}

	// kafka
	prod := kafkax.NewProducer(cfg.Kafka.AsProducerConfig()).WithLogger(l)
	defer func() { _ = prod.Close() }()

	// metrics
	ms := obs.BootstrapMetricsServer(cfg.Server.MetricsAddr, obs.Checks{
		"db":    db.Ping,
		"redis": func(ctx context.Context) error { return redisx.Healthcheck(ctx, rdb) },
	}, l)

	// wiring
	clock := systemClock{}
	tx := pg.NewTransactor(db, l)
	outboxRepo := pg.NewOutboxRepo(db)
	enq := enqueue.New(tx, pg.NewNotificationRepo(db), outboxRepo)
	conv := conversation.NewService(pg.NewSessionRepo(db), enq, tx, conversation.NewMachine(), clock, l, cfg.Conversation)
	limiter := ratelimit.NewLimiter(redisx.NewWindowStore(rdb), policies, clock.Now)
	h := webhook.New(cfg.Webhook, pg.NewUserRepo(db), limiter, conv, clock.Now, l)

	srv := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      h.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	relay := intoutbox.NewOutboxRunner(l, outboxRepo,
		intoutbox.MakeGlobalOutboxHandler(kafkax.NewNotificationEventsKafka(prod), retry.DefaultPublishPolicy(l)), cfg.Outbox)

	// run
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		l.Info("http listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return relay.Run(gctx) })

	errCh := make(chan error, 1)
	go func() { errCh <- g.Wait() }()

	// loop
	select {
	case <-ctx.Done():
		l.Info("shutdown signal")
	case err = <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			l.Error("server error", zap.Error(err))
		}
	}

	// graceful shutdown
	shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shCtx)
	_ = ms.Shutdown(shCtx)
	l.Info("bye")
}
