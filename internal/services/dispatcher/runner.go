package dispatcher

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type RunnerConfig struct {
	Workers    int           `mapstructure:"workers"`
	Tick       time.Duration `mapstructure:"tick"`
	BatchLimit int           `mapstructure:"batch_limit"`
}

// Runner drives ProcessBatch from a fixed number of workers. Workers share
// the store and rely on its claims to split the work.
type Runner struct {
	Log *zap.Logger
	D   *Dispatcher
	Cfg RunnerConfig
}

func NewRunner(log *zap.Logger, d *Dispatcher, cfg RunnerConfig) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 5 * time.Second
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 100
	}
	return &Runner{Log: log.With(zap.String("component", "dispatcher.runner")), D: d, Cfg: cfg}
}

func (r *Runner) tick(ctx context.Context, worker int) {
	start := time.Now()
	sum, err := r.D.ProcessBatch(ctx, r.Cfg.BatchLimit)
	if err != nil && ctx.Err() == nil {
		tickErrors.Inc()
		r.Log.Error("tick aborted", zap.Int("worker", worker), zap.Error(err))
	}
	if !sum.Empty() {
		r.Log.Debug("dispatched batch", zap.Int("worker", worker), zap.Object("summary", sum))
	}
	tickDuration.Observe(time.Since(start).Seconds())
}

func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for w := range r.Cfg.Workers {
		g.Go(func() error {
			ticker := time.NewTicker(r.Cfg.Tick)
			defer ticker.Stop()

			r.tick(ctx, w)
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					r.tick(ctx, w)
				}
			}
		})
	}
	return g.Wait()
}
