package obs

import (
	"context"
	"net"
	"time"

	grpcprometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// HealthServer exposes grpc.health.v1 with a serving status driven by a
// periodic probe.
type HealthServer struct {
	srv     *grpc.Server
	health  *health.Server
	ln      net.Listener
	probe   func(context.Context) error
	every   time.Duration
	service string
	log     *zap.Logger
}

func NewHealthServer(addr, service string, probe func(context.Context) error, every time.Duration, log *zap.Logger) (*HealthServer, error) {
	if every <= 0 {
		every = 5 * time.Second
	}
	metrics := grpcprometheus.NewServerMetrics()

	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(metrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(metrics.StreamServerInterceptor()),
	)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)
	metrics.InitializeMetrics(srv)

	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &HealthServer{
		srv:     srv,
		health:  hs,
		ln:      ln,
		probe:   probe,
		every:   every,
		service: service,
		log:     Component(log, "grpc.health"),
	}, nil
}

func (h *HealthServer) Addr() net.Addr { return h.ln.Addr() }

// Run serves until ctx is done, probing in the background.
func (h *HealthServer) Run(ctx context.Context) error {
	go h.watch(ctx)
	h.log.Info("grpc health listening", zap.String("addr", h.ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- h.srv.Serve(h.ln) }()

	select {
	case <-ctx.Done():
		h.health.Shutdown()
		h.srv.GracefulStop()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (h *HealthServer) watch(ctx context.Context) {
	t := time.NewTicker(h.every)
	defer t.Stop()

	last := healthpb.HealthCheckResponse_UNKNOWN
	for {
		status := healthpb.HealthCheckResponse_SERVING
		if h.probe != nil {
			pctx, cancel := context.WithTimeout(ctx, h.every/2)
			if err := h.probe(pctx); err != nil {
				status = healthpb.HealthCheckResponse_NOT_SERVING
				if last != status {
					h.log.Warn("health probe failed", zap.Error(err))
				}
			}
			cancel()
		}
		if status != last {
			h.health.SetServingStatus("", status)
			h.health.SetServingStatus(h.service, status)
			last = status
		}

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
