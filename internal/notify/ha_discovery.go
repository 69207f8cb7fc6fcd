package notify

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// HADiscovery publishes Home Assistant MQTT auto-discovery payloads for the
// fleet: one binary_sensor per channel reporting bot connectivity and one
// per channel reporting whether its tokens need reauthorization. No
// fleet-wide aggregate sensor is published.
type HADiscovery struct {
	broker    mqtt.Client
	prefix    string // HA discovery prefix, default "homeassistant"
	baseTopic string // state topic prefix, default "kissbot"
}

// HADiscoveryConfig holds the configuration for HA discovery.
type HADiscoveryConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Prefix   string // default "homeassistant"
}

// NewHADiscovery creates and connects an HA discovery publisher.
func NewHADiscovery(cfg HADiscoveryConfig) (*HADiscovery, error) {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "homeassistant"
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID + "-ha").
		SetConnectTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetCleanSession(true)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return nil, fmt.Errorf("ha discovery mqtt connect: %w", token.Error())
	}

	return &HADiscovery{
		broker:    client,
		prefix:    prefix,
		baseTopic: "kissbot",
	}, nil
}

// Close disconnects the MQTT client.
func (h *HADiscovery) Close() {
	if h.broker != nil && h.broker.IsConnected() {
		h.broker.Disconnect(1000)
	}
}

// PublishChannelConnected publishes a binary_sensor discovery config + state
// for whether a channel's bot process currently holds an IPC session.
func (h *HADiscovery) PublishChannelConnected(channel string, connected bool) error {
	safeID := sanitizeID(channel)

	configTopic := fmt.Sprintf("%s/binary_sensor/kissbot_%s_connected/config", h.prefix, safeID)
	stateTopic := fmt.Sprintf("%s/channels/%s/connected", h.baseTopic, safeID)

	config := map[string]interface{}{
		"name":         fmt.Sprintf("%s Bot Connected", channel),
		"unique_id":    fmt.Sprintf("kissbot_%s_connected", safeID),
		"state_topic":  stateTopic,
		"payload_on":   "ON",
		"payload_off":  "OFF",
		"device_class": "connectivity",
		"device":       h.deviceBlock(),
	}

	configJSON, err := json.Marshal(config)
	if err != nil {
		return err
	}

	if token := h.broker.Publish(configTopic, 1, true, configJSON); token.WaitTimeout(5*time.Second) && token.Error() != nil {
		return token.Error()
	}

	state := "OFF"
	if connected {
		state = "ON"
	}
	if token := h.broker.Publish(stateTopic, 1, true, []byte(state)); token.WaitTimeout(5*time.Second) && token.Error() != nil {
		return token.Error()
	}

	return nil
}

// PublishChannelNeedsReauth publishes a binary_sensor discovery config +
// state for whether a channel's stored tokens have crossed the refresh
// failure threshold and need the broadcaster or bot account to reauthorize.
func (h *HADiscovery) PublishChannelNeedsReauth(channel string, needsReauth bool) error {
	safeID := sanitizeID(channel)

	configTopic := fmt.Sprintf("%s/binary_sensor/kissbot_%s_needs_reauth/config", h.prefix, safeID)
	stateTopic := fmt.Sprintf("%s/channels/%s/needs_reauth", h.baseTopic, safeID)

	config := map[string]interface{}{
		"name":         fmt.Sprintf("%s Needs Reauthorization", channel),
		"unique_id":    fmt.Sprintf("kissbot_%s_needs_reauth", safeID),
		"state_topic":  stateTopic,
		"payload_on":   "ON",
		"payload_off":  "OFF",
		"device_class": "problem",
		"device":       h.deviceBlock(),
	}

	configJSON, err := json.Marshal(config)
	if err != nil {
		return err
	}

	if token := h.broker.Publish(configTopic, 1, true, configJSON); token.WaitTimeout(5*time.Second) && token.Error() != nil {
		return token.Error()
	}

	state := "OFF"
	if needsReauth {
		state = "ON"
	}
	if token := h.broker.Publish(stateTopic, 1, true, []byte(state)); token.WaitTimeout(5*time.Second) && token.Error() != nil {
		return token.Error()
	}

	return nil
}

func (h *HADiscovery) deviceBlock() map[string]interface{} {
	return map[string]interface{}{
		"identifiers":  []string{"kissbot_hub"},
		"name":         "KissBot Hub",
		"manufacturer": "KissBot",
		"model":        "EventSub Hub",
	}
}

func sanitizeID(s string) string {
	var b []byte
	for _, c := range []byte(s) {
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			b = append(b, c)
		} else {
			b = append(b, '_')
		}
	}
	return string(b)
}
