// Package eventsub owns the Hub's single upstream EventSub WebSocket
// connection: session lifecycle, subscription reconciliation against the
// Token Store's desired-subscription table, and routing received events
// to bot processes over IPC.
package eventsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ElSerda/KissBot-sub000/internal/backoff"
	"github.com/ElSerda/KissBot-sub000/internal/clock"
	"github.com/ElSerda/KissBot-sub000/internal/errkind"
	"github.com/ElSerda/KissBot-sub000/internal/ipc"
	"github.com/ElSerda/KissBot-sub000/internal/logging"
	"github.com/ElSerda/KissBot-sub000/internal/metrics"
	"github.com/ElSerda/KissBot-sub000/internal/notify"
	"github.com/ElSerda/KissBot-sub000/internal/tokenstore"
)

// State is the Hub's upstream connection lifecycle state (§4.2).
type State string

const (
	StateStarting  State = "starting"
	StateUp        State = "up"
	StateReconnect State = "reconnect"
	StateDown      State = "down"
)

// firstSubscriptionWindow is how long the Hub has, after a welcome frame,
// to create its first subscription before the remote service closes the
// session for inactivity (B1).
const firstSubscriptionWindow = 10 * time.Second

// monitorInterval and monitorWarmup govern the independent health monitor
// that watches for a stalled transport.
const (
	monitorInterval   = 10 * time.Second
	monitorWarmup     = 15 * time.Second
	monitorStaleAfter = 5 * time.Minute
)

// topicVersions pins the EventSub subscription version per topic. Twitch
// versions topics independently; unlisted topics default to "1".
var topicVersions = map[string]string{
	"channel.follow": "2",
}

func versionFor(topic string) string {
	if v, ok := topicVersions[topic]; ok {
		return v
	}
	return "1"
}

// Hub owns the upstream WebSocket and drives reconciliation and event
// routing for as long as it runs. Create one per process.
type Hub struct {
	store    *tokenstore.Store
	ipc      *ipc.Server
	rest     *restClient
	log      *logging.Logger
	clk      clock.Clock
	notifier *notify.Multi

	reconcileInterval time.Duration
	refresher         *tokenstore.Refresher
	refreshMargin     time.Duration
	metricsTextfile   string
	haDiscovery       *notify.HADiscovery

	mu        sync.RWMutex
	state     State
	sessionID string
	wsURL     string

	track *tracker
}

// NewHub creates a Hub. Call Run to connect and begin operating; Run
// blocks until ctx is cancelled. The Hub is the sole process that opens the
// Token Store, so it also owns background token refresh and answers the
// Supervisor's admin-socket bundle requests (see admin.go).
func NewHub(store *tokenstore.Store, ipcSrv *ipc.Server, rest *restClient, log *logging.Logger, clk clock.Clock, notifier *notify.Multi, reconcileInterval time.Duration, refresher *tokenstore.Refresher, refreshMargin time.Duration) *Hub {
	return &Hub{
		store:             store,
		ipc:               ipcSrv,
		rest:              rest,
		log:               log,
		clk:               clk,
		notifier:          notifier,
		reconcileInterval: reconcileInterval,
		refresher:         refresher,
		refreshMargin:     refreshMargin,
		state:             StateStarting,
		track:             newTracker(),
	}
}

// SetMetricsTextfile enables writing kissbot_ metrics to path after every
// reconciliation pass, for node_exporter's textfile collector.
func (h *Hub) SetMetricsTextfile(path string) {
	h.metricsTextfile = path
}

// SetHADiscovery enables publishing Home Assistant auto-discovery sensors
// for per-channel bot connectivity and reauthorization status.
func (h *Hub) SetHADiscovery(ha *notify.HADiscovery) {
	h.haDiscovery = ha
}

// State returns the Hub's current upstream connection state.
func (h *Hub) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

func (h *Hub) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Run connects to the upstream EventSub service and keeps the session
// alive, reconnecting with backoff whenever the monitor or the transport
// itself detects a dead session. It returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	go h.refreshLoop(ctx, h.refresher, h.refreshMargin)

	b := backoff.New(time.Second, time.Minute)

	for {
		if ctx.Err() != nil {
			h.setState(StateDown)
			return nil
		}

		url := h.currentURL()
		if err := h.runSession(ctx, url); err != nil {
			h.log.Warn("eventsub: session ended", "error", err)
			metrics.HubReconnects.Inc()
		}

		if ctx.Err() != nil {
			h.setState(StateDown)
			return nil
		}

		h.setState(StateReconnect)
		delay := b.Next()
		select {
		case <-ctx.Done():
			h.setState(StateDown)
			return nil
		case <-h.clk.After(delay):
		}
	}
}

func (h *Hub) currentURL() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.wsURL
}

// runSession dials the upstream socket, waits for the welcome frame,
// creates the first subscription within the grace window, then runs the
// monitor and reconciliation loops alongside the read loop until the
// session ends.
func (h *Hub) runSession(ctx context.Context, url string) error {
	h.setState(StateStarting)

	sock, err := dialSocket(url)
	if err != nil {
		return fmt.Errorf("transient: %w", err)
	}
	defer sock.close()

	env, err := sock.readEnvelope()
	if err != nil {
		return fmt.Errorf("transient: read welcome: %w", err)
	}
	if env.Metadata.MessageType != msgWelcome {
		return fmt.Errorf("protocol: expected welcome, got %s", env.Metadata.MessageType)
	}
	var welcome welcomePayload
	if err := json.Unmarshal(env.Payload, &welcome); err != nil {
		return fmt.Errorf("protocol: decode welcome: %w", err)
	}

	h.mu.Lock()
	h.sessionID = welcome.Session.ID
	h.mu.Unlock()
	h.track.reset()
	h.setState(StateUp)
	h.log.Info("eventsub: session established", "session_id", welcome.Session.ID)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := h.replayOrFirstSubscribe(sessionCtx); err != nil {
		h.log.Warn("eventsub: first subscription window failed", "error", err)
		return fmt.Errorf("reconnect: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); h.reconcileLoop(sessionCtx) }()
	go func() { defer wg.Done(); h.monitorLoop(sessionCtx, sock, cancel) }()

	readErr := h.readLoop(sessionCtx, sock)
	cancel()
	wg.Wait()
	return readErr
}

// replayOrFirstSubscribe creates the first desired (channel, topic)
// subscription against the new session within the first-subscription
// window (B1). It creates only that one; the remaining desired pairs are
// recreated by the immediate runReconcile pass that reconcileLoop starts
// with.
func (h *Hub) replayOrFirstSubscribe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, firstSubscriptionWindow)
	defer cancel()

	desired, err := h.store.ListDesired()
	if err != nil {
		return err
	}
	if len(desired) == 0 {
		return nil
	}
	d := desired[0]
	sessionID := h.currentSessionID()
	remoteID, err := h.createSubscriptionWithRetry(ctx, d.ChannelID, d.Topic, versionFor(d.Topic), sessionID)
	if err != nil {
		h.store.Audit(tokenstore.AuditEntry{Kind: "first_subscription_failed", ChannelRef: d.ChannelID, Severity: tokenstore.SeverityError, Details: map[string]string{"topic": d.Topic, "error": err.Error()}})
		return err
	}
	h.track.put(d.ChannelID, d.Topic, remoteID)
	h.store.RecordActive(remoteID, d.ChannelID, d.Topic, "enabled", 0)
	return nil
}

func (h *Hub) currentSessionID() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessionID
}

// readLoop processes frames until the connection fails or a reconnect
// frame instructs the Hub to roll over to a new URL.
func (h *Hub) readLoop(ctx context.Context, sock *socket) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		env, err := sock.readEnvelope()
		if err != nil {
			return fmt.Errorf("transient: %w", err)
		}
		switch env.Metadata.MessageType {
		case msgKeepalive:
			// lastFrameAt already updated by readEnvelope.
		case msgNotification:
			h.handleNotification(env.Payload)
		case msgRevocation:
			h.handleRevocation(env.Payload)
		case msgReconnect:
			var rc reconnectPayload
			if err := json.Unmarshal(env.Payload, &rc); err == nil {
				h.mu.Lock()
				h.wsURL = rc.Session.ReconnectURL
				h.mu.Unlock()
			}
			return fmt.Errorf("reconnect: server requested session rollover")
		}
	}
}

func (h *Hub) handleNotification(payload json.RawMessage) {
	var n notificationPayload
	if err := json.Unmarshal(payload, &n); err != nil {
		h.log.Warn("eventsub: malformed notification", "error", err)
		return
	}
	channelID := extractBroadcasterID(n.Event)
	if channelID == "" {
		return
	}
	metrics.IPCFramesTotal.WithLabelValues("event").Inc()
	delivered := h.ipc.Broadcast(channelID, ipc.Frame{Type: ipc.FrameEvent, Topic: n.Subscription.Type, Data: n.Event})
	if delivered == 0 {
		metrics.EventsDropped.WithLabelValues("no_subscriber").Inc()
	}
}

func (h *Hub) handleRevocation(payload json.RawMessage) {
	var rv revocationPayload
	if err := json.Unmarshal(payload, &rv); err != nil {
		return
	}
	h.store.Audit(tokenstore.AuditEntry{Kind: "subscription_revoked", Severity: tokenstore.SeverityWarn, Details: map[string]string{"remote_id": rv.Subscription.ID, "status": rv.Subscription.Status}})
	h.store.ForgetActive(rv.Subscription.ID)
}

// extractBroadcasterID pulls broadcaster_user_id out of a raw event
// payload without needing a type-specific struct, since every channel-scoped
// EventSub event shares this field name.
func extractBroadcasterID(event json.RawMessage) string {
	var shape struct {
		BroadcasterUserID string `json:"broadcaster_user_id"`
	}
	_ = json.Unmarshal(event, &shape)
	return shape.BroadcasterUserID
}

// monitorLoop independently watches transport health: if no frame arrives
// for monitorStaleAfter, it cancels the session context to force a
// reconnect (§4.2's monitor loop).
func (h *Hub) monitorLoop(ctx context.Context, sock *socket, triggerReconnect context.CancelFunc) {
	select {
	case <-ctx.Done():
		return
	case <-h.clk.After(monitorWarmup):
	}
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(sock.lastFrameAt) > monitorStaleAfter {
				h.log.Warn("eventsub: transport stale, forcing reconnect")
				triggerReconnect()
				return
			}
		}
	}
}

// reconcileLoop diffs desired subscriptions against the tracker every
// reconcileInterval, creating missing ones and deleting stale ones, rate
// limited by the rest client.
func (h *Hub) reconcileLoop(ctx context.Context) {
	h.runReconcile(ctx)
	ticker := time.NewTicker(h.reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.runReconcile(ctx)
		}
	}
}

func (h *Hub) runReconcile(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.ReconcileRuns.Inc()
		metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
	}()

	desired, err := h.store.ListDesired()
	if err != nil {
		h.log.Error("eventsub: list desired subscriptions", "error", err)
		return
	}
	metrics.DesiredSubscriptions.Set(float64(len(desired)))

	wanted := make(map[subKey]bool, len(desired))
	sessionID := h.currentSessionID()
	for _, d := range desired {
		key := subKey{d.ChannelID, d.Topic}
		wanted[key] = true
		if h.track.has(d.ChannelID, d.Topic) {
			continue
		}
		remoteID, err := h.createSubscriptionWithRetry(ctx, d.ChannelID, d.Topic, versionFor(d.Topic), sessionID)
		if err != nil {
			h.log.Warn("eventsub: create subscription failed", "channel_id", d.ChannelID, "topic", d.Topic, "error", err)
			h.store.Audit(tokenstore.AuditEntry{Kind: "subscription_create_failed", ChannelRef: d.ChannelID, Severity: tokenstore.SeverityWarn, Details: map[string]string{"topic": d.Topic, "error": err.Error()}})
			continue
		}
		h.track.put(d.ChannelID, d.Topic, remoteID)
		h.store.RecordActive(remoteID, d.ChannelID, d.Topic, "enabled", 0)
	}

	for _, key := range h.track.snapshot() {
		if wanted[key] {
			continue
		}
		active, err := h.store.ListActive()
		if err != nil {
			continue
		}
		for _, a := range active {
			if a.ChannelID == key.channelID && a.Topic == key.topic {
				if err := h.rest.DeleteSubscription(ctx, a.RemoteSubID); err != nil {
					h.log.Warn("eventsub: delete subscription failed", "remote_id", a.RemoteSubID, "error", err)
					continue
				}
				h.track.remove(key.channelID, key.topic)
				h.store.ForgetActive(a.RemoteSubID)
			}
		}
	}

	active, _ := h.store.ListActive()
	metrics.ActiveSubscriptions.Set(float64(len(active)))

	if h.metricsTextfile != "" {
		if err := metrics.WriteTextfile(h.metricsTextfile); err != nil {
			h.log.Warn("eventsub: write metrics textfile", "path", h.metricsTextfile, "error", err)
		}
	}
}

// createSubscriptionWithRetry wraps CreateSubscription with the §7 retry
// policy for unauthorized responses: refresh the Hub's app access token and
// retry the call exactly once before giving up.
func (h *Hub) createSubscriptionWithRetry(ctx context.Context, channelID, topic, version, sessionID string) (string, error) {
	remoteID, err := h.rest.CreateSubscription(ctx, channelID, topic, version, sessionID)
	var ke *errkind.Error
	if err == nil || !errors.As(err, &ke) || ke.Kind != errkind.Unauthorized {
		return remoteID, err
	}
	if refreshErr := h.rest.RefreshAppToken(ctx); refreshErr != nil {
		h.log.Warn("eventsub: refresh app access token failed", "channel_id", channelID, "error", refreshErr)
		return remoteID, err
	}
	return h.rest.CreateSubscription(ctx, channelID, topic, version, sessionID)
}

// TriggerReconcile requests an out-of-band reconciliation pass, e.g. right
// after an IPC subscribe/unsubscribe frame. It runs synchronously on the
// caller's goroutine.
func (h *Hub) TriggerReconcile(ctx context.Context) {
	h.runReconcile(ctx)
}

// OnSubscribe implements ipc.Dispatcher. A bot process asking to subscribe
// records the desire in the Token Store and reconciles immediately rather
// than waiting for the next tick, so the bot sees events without delay.
func (h *Hub) OnSubscribe(channelID, topic string) {
	if err := h.store.PutDesiredSubscription(channelID, topic); err != nil {
		h.log.Warn("eventsub: record desired subscription failed", "channel_id", channelID, "topic", topic, "error", err)
		return
	}
	h.TriggerReconcile(context.Background())
}

// OnUnsubscribe implements ipc.Dispatcher.
func (h *Hub) OnUnsubscribe(channelID, topic string) {
	if err := h.store.RemoveDesiredSubscription(channelID, topic); err != nil {
		h.log.Warn("eventsub: remove desired subscription failed", "channel_id", channelID, "topic", topic, "error", err)
		return
	}
	h.TriggerReconcile(context.Background())
}

// OnPing implements ipc.Dispatcher. The IPC server already answers with a
// pong frame; the Hub has nothing additional to do.
func (h *Hub) OnPing(channelID string) {}

// OnSessionChange implements ipc.Dispatcher, publishing the channel's bot
// connectivity to Home Assistant when discovery is enabled.
func (h *Hub) OnSessionChange(channelID string, connected bool) {
	if h.haDiscovery == nil {
		return
	}
	user, err := h.store.GetUserByID(channelID)
	if err != nil {
		return
	}
	if err := h.haDiscovery.PublishChannelConnected(user.Login, connected); err != nil {
		h.log.Warn("eventsub: publish ha discovery connectivity failed", "channel_id", channelID, "error", err)
	}
}
