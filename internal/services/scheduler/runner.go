package scheduler

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	mFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_schedules_fetched_total", Help: "Active schedules fetched from DB",
	})
	mFired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_fires_total", Help: "Schedule fires materialised as notifications",
	})
	mErr = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_errors_total", Help: "Errors in scheduler loop",
	})
	mLoopDur = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "scheduler_loop_duration_seconds", Help: "Scheduler tick duration",
		Buckets: prometheus.DefBuckets,
	})
)

type RunnerConfig struct {
	Tick       time.Duration `mapstructure:"tick"`
	BatchLimit int           `mapstructure:"batch_limit"`
}

type Runner struct {
	Log *zap.Logger
	UC  *Usecase
	Cfg RunnerConfig
}

func New(log *zap.Logger, uc *Usecase, cfg RunnerConfig) *Runner {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Minute
	}
	return &Runner{Log: log, UC: uc, Cfg: cfg}
}

func (r *Runner) tick(ctx context.Context) {
	start := time.Now()
	fetched, fired, errs, err := r.UC.Tick(ctx, r.Cfg.BatchLimit)
	if err != nil {
		mErr.Inc()
		r.Log.Warn("tick error", zap.Error(err))
	}
	if fetched > 0 {
		mFetched.Add(float64(fetched))
		mFired.Add(float64(fired))
		if errs > 0 {
			mErr.Add(float64(errs))
		}
		r.Log.Debug("scheduled batch", zap.Int("fetched", fetched), zap.Int("fired", fired), zap.Int("errors", errs))
	}
	mLoopDur.Observe(time.Since(start).Seconds())
}

func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.Cfg.Tick)
	defer ticker.Stop()

	r.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}
