package chatbot

import (
	"fmt"
	"sync"
	"time"

	"github.com/nicklaw5/helix/v2"
)

// eventSubChatStaleAfter is the keepalive staleness threshold for the
// EventSub Chat transport — disconnect detection is far faster than IRC's
// because the Hub's own session keepalive runs roughly every 10s.
const eventSubChatStaleAfter = 30 * time.Second

// EventSubChatTransport delivers chat through the Hub's EventSub
// WebSocket session rather than a direct IRC connection: inbound messages
// arrive as IPC event frames the bot's Hub client already decodes, and
// outbound replies go through the Helix "send chat message" REST call.
// Preferred over IRC when credentials permit, since disconnect detection
// drops from minutes to seconds.
type EventSubChatTransport struct {
	helix         *helix.Client
	broadcasterID string
	senderID      string

	mu         sync.RWMutex
	connected  bool
	rooms      map[string]bool
	lastBeatAt time.Time
	handlers   EventHandlers
}

// NewEventSubChatTransport creates a transport that sends via Helix and
// receives via events the caller feeds through Deliver/NotifyKeepalive.
func NewEventSubChatTransport(hc *helix.Client, broadcasterID, senderID string) *EventSubChatTransport {
	return &EventSubChatTransport{
		helix:         hc,
		broadcasterID: broadcasterID,
		senderID:      senderID,
		rooms:         make(map[string]bool),
	}
}

func (t *EventSubChatTransport) SetHandlers(h EventHandlers) {
	t.mu.Lock()
	t.handlers = h
	t.mu.Unlock()
}

// Connect marks the transport ready; the actual transport is the Hub's
// already-established EventSub session, so there is nothing to dial here.
func (t *EventSubChatTransport) Connect() error {
	t.mu.Lock()
	t.connected = true
	t.lastBeatAt = time.Now()
	t.rooms[t.broadcasterID] = true
	t.mu.Unlock()
	if t.handlers.OnReady != nil {
		t.handlers.OnReady()
	}
	return nil
}

func (t *EventSubChatTransport) Disconnect() error {
	t.mu.Lock()
	t.connected = false
	t.rooms = make(map[string]bool)
	t.mu.Unlock()
	return nil
}

// Send posts a chat message through the Helix chat endpoint.
func (t *EventSubChatTransport) Send(channel, text string, deadline time.Time) error {
	_ = deadline // Helix calls don't carry a per-request context here; the caller's outbound timeout governs retry, not this call directly.
	resp, err := t.helix.SendChatMessage(&helix.SendChatMessageParams{
		BroadcasterID: t.broadcasterID,
		SenderID:      t.senderID,
		Message:       text,
	})
	if err != nil {
		return fmt.Errorf("transient: send chat message: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("send chat message: status %d", resp.StatusCode)
	}
	return nil
}

func (t *EventSubChatTransport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

func (t *EventSubChatTransport) IsInRoom(channel string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rooms[channel]
}

func (t *EventSubChatTransport) LastKeepaliveAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastBeatAt
}

// NotifyKeepalive records that a frame was just received from the Hub for
// this channel's session, refreshing the staleness clock the health check
// reads.
func (t *EventSubChatTransport) NotifyKeepalive() {
	t.mu.Lock()
	t.lastBeatAt = time.Now()
	t.mu.Unlock()
}

// Deliver converts a decoded chat.message event into a ChatMessage and
// invokes the registered handler. Called by the bot's Hub IPC client
// callback, never directly by Helix.
func (t *EventSubChatTransport) Deliver(msg ChatMessage) {
	msg.Transport = "eventsub_chat"
	t.NotifyKeepalive()
	t.mu.RLock()
	h := t.handlers
	t.mu.RUnlock()
	if h.OnMessage != nil {
		h.OnMessage(msg)
	}
}
