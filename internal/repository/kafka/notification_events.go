package kafka

import (
	"context"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/NordCoder/Herald/internal/domain/kafka"
	"github.com/NordCoder/Herald/internal/obs/retry"
)

const TopicNotificationsReady = "herald.notifications.ready"

var _ kafka.NotificationEvents = (*NotificationEventsKafka)(nil)

type NotificationEventsKafka struct {
	p *Producer
}

func NewNotificationEventsKafka(p *Producer) *NotificationEventsKafka {
	return &NotificationEventsKafka{p: p}
}

// PublishNotificationReady keys by notification id so redeliveries of one
// notification stay on one partition.
func (e *NotificationEventsKafka) PublishNotificationReady(ctx context.Context, notificationID int64) error {
	return e.p.PublishProto(ctx, KeyFromInt64(notificationID), wrapperspb.Int64(notificationID))
}

// NotificationReadyHandler decodes a "notification ready" work item.
// Undecodable or non-positive ids are dropped.
func NotificationReadyHandler(handle func(ctx context.Context, notificationID int64) error) Handler {
	return func(ctx context.Context, _, value []byte) error {
		var msg wrapperspb.Int64Value
		if err := proto.Unmarshal(value, &msg); err != nil {
			return retry.Stop(fmt.Errorf("decode work item: %w", err))
		}
		if msg.GetValue() <= 0 {
			return retry.Stop(fmt.Errorf("invalid notification id %d", msg.GetValue()))
		}
		return handle(ctx, msg.GetValue())
	}
}
