package dispatcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "herald_dispatcher_notifications_total",
		Help: "Notifications reaching a status, by status.",
	}, []string{"status"})

	deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "herald_dispatcher_delivery_attempts_total",
		Help: "Delivery attempt outcomes by channel type.",
	}, []string{"channel_type", "outcome"})

	sendDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "herald_dispatcher_send_duration_seconds",
		Help:    "Transport call latency by channel type.",
		Buckets: prometheus.DefBuckets,
	}, []string{"channel_type"})

	tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "herald_dispatcher_tick_duration_seconds",
		Help:    "Dispatcher batch duration.",
		Buckets: prometheus.DefBuckets,
	})

	tickErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "herald_dispatcher_tick_errors_total",
		Help: "Dispatcher batches aborted by a store error.",
	})

	workItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "herald_dispatcher_work_items_total",
		Help: "Notification ready work items consumed, by result.",
	}, []string{"result"})
)
