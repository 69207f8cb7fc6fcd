package eventsub

import "encoding/json"

// Twitch EventSub WebSocket message types, per the upstream protocol
// (§6.3): welcome carries the session id, keepalive is a heartbeat,
// notification carries an event payload, reconnect points at a new URL
// ahead of a forced session rollover, revocation reports a subscription
// being torn down remotely.
const (
	msgWelcome      = "session_welcome"
	msgKeepalive    = "session_keepalive"
	msgNotification = "notification"
	msgReconnect    = "session_reconnect"
	msgRevocation   = "revocation"
)

type wsEnvelope struct {
	Metadata struct {
		MessageType string `json:"message_type"`
	} `json:"metadata"`
	Payload json.RawMessage `json:"payload"`
}

type welcomePayload struct {
	Session struct {
		ID                      string `json:"id"`
		KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
	} `json:"session"`
}

type reconnectPayload struct {
	Session struct {
		ID           string `json:"id"`
		ReconnectURL string `json:"reconnect_url"`
	} `json:"session"`
}

type notificationPayload struct {
	Subscription struct {
		ID     string `json:"id"`
		Type   string `json:"type"`
		Status string `json:"status"`
	} `json:"subscription"`
	Event json.RawMessage `json:"event"`
}

type revocationPayload struct {
	Subscription struct {
		ID     string `json:"id"`
		Type   string `json:"type"`
		Status string `json:"status"`
	} `json:"subscription"`
}
