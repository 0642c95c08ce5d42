package obs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestMetricsHandler_Healthz(t *testing.T) {
	var failing atomic.Bool
	h := MetricsHandler(Checks{
		"db": func(context.Context) error { return nil },
		"redis": func(context.Context) error {
			if failing.Load() {
				return errors.New("connection refused")
			}
			return nil
		},
	})

	get := func(path string) (*httptest.ResponseRecorder, healthReport) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		var rep healthReport
		if path == "/healthz" {
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
		}
		return rec, rep
	}

	rec, rep := get("/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rep.Status)
	assert.Equal(t, map[string]string{"db": "ok", "redis": "ok"}, rep.Checks)

	failing.Store(true)
	rec, rep = get("/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", rep.Status)
	assert.Equal(t, "connection refused", rep.Checks["redis"])
	assert.Equal(t, "ok", rep.Checks["db"])

	rec, _ = get("/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChecks_ProbeNamesFailures(t *testing.T) {
	checks := Checks{
		"redis": func(context.Context) error { return errors.New("timeout") },
		"db":    func(context.Context) error { return errors.New("refused") },
		"kafka": func(context.Context) error { return nil },
	}
	err := checks.Probe(context.Background())
	require.Error(t, err)
	assert.Equal(t, "db: refused\nredis: timeout", err.Error())

	assert.NoError(t, Checks{}.Probe(context.Background()))
}

func TestNewLogger_UnknownLevelFallsBack(t *testing.T) {
	l, err := NewLogger(LogConfig{Level: "loud", App: "herald", Env: "test"})
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zap.InfoLevel))
	assert.False(t, l.Core().Enabled(zap.DebugLevel))
}

func TestHealthServer_FollowsProbe(t *testing.T) {
	var failing atomic.Bool
	hs, err := NewHealthServer("127.0.0.1:0", "herald.dispatcher", func(context.Context) error {
		if failing.Load() {
			return errors.New("db down")
		}
		return nil
	}, 20*time.Millisecond, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hs.Run(ctx) }()

	conn, err := grpc.NewClient(hs.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	status := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: "herald.dispatcher"})
		if err != nil {
			return healthpb.HealthCheckResponse_UNKNOWN
		}
		return resp.GetStatus()
	}

	require.Eventually(t, func() bool { return status() == healthpb.HealthCheckResponse_SERVING }, 2*time.Second, 10*time.Millisecond)

	failing.Store(true)
	require.Eventually(t, func() bool { return status() == healthpb.HealthCheckResponse_NOT_SERVING }, 2*time.Second, 10*time.Millisecond)
}
