package chatbot

import (
	"context"
	"time"

	"github.com/ElSerda/KissBot-sub000/internal/clock"
	"github.com/ElSerda/KissBot-sub000/internal/logging"
	"github.com/ElSerda/KissBot-sub000/internal/metrics"
)

// defaultKeepaliveInterval is the health check's run cadence.
const defaultKeepaliveInterval = 120 * time.Second

// staleThreshold returns the keepalive staleness threshold for a
// transport's tag, per spec §4.3 (IRC tolerates minutes, EventSub Chat
// seconds).
func staleThreshold(transportTag string) time.Duration {
	if transportTag == "eventsub_chat" {
		return eventSubChatStaleAfter
	}
	return ircStaleAfter
}

// HealthChecker runs the three-signal health check against a Transport and
// escalates on consecutive failures: the first failure asks the transport
// to reconnect in place, the second tears it down and rebuilds it.
type HealthChecker struct {
	channel      string
	transportTag string
	interval     time.Duration
	log          *logging.Logger
	clk          clock.Clock

	transport Transport
	rebuild   func() (Transport, error)
	onRebuilt func(Transport)

	consecutiveFailures int
}

// NewHealthChecker creates a health checker for one bot's transport.
// rebuild constructs a fresh transport (reconnected, handlers
// re-registered, channel re-joined); onRebuilt lets the caller swap its
// held reference once rebuild succeeds.
func NewHealthChecker(channel, transportTag string, interval time.Duration, log *logging.Logger, clk clock.Clock, transport Transport, rebuild func() (Transport, error), onRebuilt func(Transport)) *HealthChecker {
	if interval <= 0 {
		interval = defaultKeepaliveInterval
	}
	return &HealthChecker{
		channel:      channel,
		transportTag: transportTag,
		interval:     interval,
		log:          log,
		clk:          clk,
		transport:    transport,
		rebuild:      rebuild,
		onRebuilt:    onRebuilt,
	}
}

// Run executes the health check loop until ctx is cancelled.
func (h *HealthChecker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.clk.After(h.interval):
			h.runOnce()
		}
	}
}

func (h *HealthChecker) runOnce() {
	ok := h.transport.IsConnected() &&
		time.Since(h.transport.LastKeepaliveAt()) < staleThreshold(h.transportTag) &&
		h.transport.IsInRoom(h.channel)

	if ok {
		h.consecutiveFailures = 0
		return
	}

	h.consecutiveFailures++
	metrics.HealthCheckFailures.WithLabelValues(h.channel, h.transportTag).Inc()

	if h.consecutiveFailures == 1 {
		h.log.Warn("chatbot: health check failed, reconnecting in place", "channel", h.channel)
		if err := h.transport.Disconnect(); err != nil {
			h.log.Warn("chatbot: disconnect before reconnect failed", "error", err)
		}
		if err := h.transport.Connect(); err != nil {
			h.log.Warn("chatbot: native reconnect failed", "error", err)
		}
		return
	}

	h.log.Warn("chatbot: health check failed twice, rebuilding transport", "channel", h.channel)
	metrics.BotRestarts.WithLabelValues(h.channel).Inc()
	fresh, err := h.rebuild()
	if err != nil {
		h.log.Error("chatbot: transport rebuild failed", "error", err)
		return
	}
	h.transport = fresh
	h.consecutiveFailures = 0
	if h.onRebuilt != nil {
		h.onRebuilt(fresh)
	}
}
