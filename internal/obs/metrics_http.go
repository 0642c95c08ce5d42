package obs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Checks names the dependencies a process reports on, e.g. "db" and "redis".
type Checks map[string]func(context.Context) error

// Run probes every dependency and returns the failures by name.
func (c Checks) Run(ctx context.Context) map[string]error {
	failed := make(map[string]error)
	for name, probe := range c {
		if err := probe(ctx); err != nil {
			failed[name] = err
		}
	}
	return failed
}

// Probe folds Run into a single error, sorted by dependency name.
func (c Checks) Probe(ctx context.Context) error {
	failed := c.Run(ctx)
	if len(failed) == 0 {
		return nil
	}
	names := make([]string, 0, len(failed))
	for name := range failed {
		names = append(names, name)
	}
	slices.Sort(names)
	errs := make([]error, 0, len(names))
	for _, name := range names {
		errs = append(errs, fmt.Errorf("%s: %w", name, failed[name]))
	}
	return errors.Join(errs...)
}

// BootstrapMetricsServer serves /metrics and /healthz on addr in the background.
func BootstrapMetricsServer(addr string, checks Checks, l *zap.Logger) *http.Server {
	ms := &http.Server{
		Addr:         addr,
		Handler:      MetricsHandler(checks),
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
	go func() {
		l.Info("metrics listening", zap.String("addr", addr))
		if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error("metrics server error", zap.Error(err))
		}
	}()
	return ms
}

type healthReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func MetricsHandler(checks Checks) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		defer cancel()

		failed := checks.Run(ctx)
		rep := healthReport{Status: "ok", Checks: make(map[string]string, len(checks))}
		for name := range checks {
			rep.Checks[name] = "ok"
		}
		code := http.StatusOK
		for name, err := range failed {
			rep.Checks[name] = err.Error()
			rep.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(rep)
	})
	return mux
}
