package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DesiredSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kissbot_desired_subscriptions",
		Help: "Number of desired EventSub subscriptions across all channels.",
	})
	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kissbot_active_subscriptions",
		Help: "Number of subscriptions confirmed active in the current Hub session.",
	})
	ReconcileRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kissbot_reconcile_runs_total",
		Help: "Total number of reconciliation cycles run by the Hub.",
	})
	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kissbot_reconcile_duration_seconds",
		Help:    "Duration of Hub reconciliation cycles.",
		Buckets: prometheus.DefBuckets,
	})
	HubReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kissbot_hub_reconnects_total",
		Help: "Total number of upstream EventSub WebSocket reconnects.",
	})
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kissbot_events_dropped_total",
		Help: "Events dropped by the Hub because no IPC session matched the channel.",
	}, []string{"reason"})
	IPCFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kissbot_ipc_frames_total",
		Help: "IPC frames processed by the Hub, by type.",
	}, []string{"type"})
	BusShedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kissbot_bus_subscribers_shed_total",
		Help: "Bus subscribers shed after their queue stayed full, by topic.",
	}, []string{"topic"})
	HealthCheckFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kissbot_health_check_failures_total",
		Help: "Bot health check failures, by channel and check.",
	}, []string{"channel", "check"})
	BotRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kissbot_bot_restarts_total",
		Help: "Bot restarts by channel: Supervisor child restarts and in-process transport rebuilds.",
	}, []string{"channel"})
	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kissbot_token_refreshes_total",
		Help: "Token refresh attempts, by kind and outcome.",
	}, []string{"kind", "outcome"})
)
