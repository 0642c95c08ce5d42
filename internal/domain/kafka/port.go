package kafka

import "context"

type NotificationEvents interface {
	PublishNotificationReady(ctx context.Context, notificationID int64) error
}
