package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/NordCoder/Herald/internal/domain/kafka"
	"github.com/NordCoder/Herald/internal/domain/outbox"
	"github.com/NordCoder/Herald/internal/obs/retry"
)

// ReadyPayload is the outbox record behind a "notification ready" work item.
type ReadyPayload struct {
	NotificationID int64     `json:"notification_id"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}

// ReadyKey is the idempotency key of the work item for one notification.
func ReadyKey(notificationID int64) string {
	return fmt.Sprintf("notification:%d:ready", notificationID)
}

var (
	outboxHandlerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "outbox_handler_latency_seconds",
		Help:    "Latency of outbox handlers.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})
	outboxHandlerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_handler_errors_total",
		Help: "Errors in outbox handlers (after retries).",
	}, []string{"kind"})
)

func instrument(kind string, h outbox.KindHandler, pol retry.Policy) outbox.KindHandler {
	tr := otel.Tracer("outbox.handler")
	if pol.Name == "" {
		pol.Name = "outbox_" + kind
	}
	return func(ctx context.Context, data []byte) error {
		ctx, span := tr.Start(ctx, "outbox.handle")
		span.SetAttributes(attribute.String("outbox.kind", kind))
		defer span.End()

		start := time.Now()
		err := retry.Do(ctx, func() error { return h(ctx, data) }, pol)
		outboxHandlerLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			outboxHandlerErrors.WithLabelValues(kind).Inc()
		}
		return err
	}
}

func MakeGlobalOutboxHandler(pub kafka.NotificationEvents, pol retry.Policy) outbox.GlobalHandler {
	ready := instrument(outbox.KindNotificationReady.String(), func(ctx context.Context, data []byte) error {
		var p ReadyPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return retry.Stop(fmt.Errorf("unmarshal notification-ready payload: %w", err))
		}
		return pub.PublishNotificationReady(ctx, p.NotificationID)
	}, pol)

	return func(kind outbox.Kind) (outbox.KindHandler, error) {
		switch kind {
		case outbox.KindNotificationReady:
			return ready, nil
		default:
			return nil, fmt.Errorf("unsupported outbox kind: %s", kind)
		}
	}
}
