package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Config holds Supervisor/Hub/bot configuration from environment variables.
// Mutable fields are protected by an RWMutex and must be accessed via
// getter/setter methods at runtime, since the reconciliation and health-check
// loops read them while an interactive console may write them.
type Config struct {
	// Twitch credentials
	ClientID     string
	ClientSecret string

	// Storage
	DBPath    string
	KeyPath   string // encryption key file, owner-only, adjacent to DBPath by default

	// Logging
	LogJSON bool

	// IPC
	HubSocketPath string

	// HubAdminSocketPath is a second, owner-only socket the Hub listens on
	// for the Supervisor's token bundle requests, since the Hub is the only
	// process allowed to hold the Token Store open.
	HubAdminSocketPath string

	// BotLogin is the shared bot account used across every channel. If
	// empty, each channel bot authenticates as the channel's own
	// broadcaster account (self-bot mode).
	BotLogin string

	// HubBinaryPath and BotBinaryPath are the executables the Supervisor
	// spawns. Empty defaults to "kissbot-hub"/"kissbot-bot" alongside the
	// Supervisor's own binary.
	HubBinaryPath string
	BotBinaryPath string

	// Console enables the Supervisor's interactive stdin command loop.
	Console bool

	// Channels to run (one bot process each). May be supplemented by
	// channels.yaml via LoadChannelsYAML.
	Channels []string
	Features map[string]bool

	// Timeouts
	IRCSendTimeout     time.Duration
	RESTRequestTimeout time.Duration
	RefreshMargin      time.Duration // minutes-equivalent buffer before expiry
	ShutdownGrace      time.Duration
	HealthInterval     time.Duration

	// HubSocketWait bounds how long the Supervisor waits at startup for the
	// Hub's IPC and admin sockets to exist and accept a connection.
	HubSocketWait time.Duration

	// Metrics
	MetricsEnabled  bool
	MetricsTextfile string

	// Notifications (ops alerting, not chat notifications)
	MQTTBroker string
	MQTTTopic  string

	// Home Assistant MQTT discovery, published over the same broker as
	// MQTTBroker if enabled.
	HADiscoveryEnabled bool
	HADiscoveryPrefix  string

	// NotifyChannelsPath points to an optional JSON document of additional
	// operator notification channels (Discord, Slack, webhook, email, ...)
	// beyond the always-on log notifier and optional MQTT channel above.
	NotifyChannelsPath string

	// mu protects the mutable runtime fields below.
	mu                sync.RWMutex
	reconcileInterval time.Duration
	rateLimitPerSec   float64
	rateLimitJitter   time.Duration
	keepaliveInterval time.Duration
	maxCrashCount     int
}

// NewTestConfig creates a Config with sensible defaults for testing.
func NewTestConfig() *Config {
	return &Config{
		reconcileInterval: 60 * time.Second,
		rateLimitPerSec:   2,
		rateLimitJitter:   200 * time.Millisecond,
		keepaliveInterval: 120 * time.Second,
		maxCrashCount:     5,
		IRCSendTimeout:     5 * time.Second,
		RESTRequestTimeout: 10 * time.Second,
		RefreshMargin:      10 * time.Minute,
		ShutdownGrace:      10 * time.Second,
		HealthInterval:     30 * time.Second,
		HubSocketWait:      5 * time.Second,
	}
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		ClientID:           envStr("KISSBOT_CLIENT_ID", ""),
		ClientSecret:       envStr("KISSBOT_CLIENT_SECRET", ""),
		DBPath:             envStr("KISSBOT_DB_PATH", "/data/kissbot.db"),
		KeyPath:            envStr("KISSBOT_KEY_PATH", "/data/kissbot.key"),
		LogJSON:            envBool("KISSBOT_LOG_JSON", true),
		HubSocketPath:      envStr("KISSBOT_HUB_SOCKET", "/run/kissbot/hub.sock"),
		HubAdminSocketPath: envStr("KISSBOT_HUB_ADMIN_SOCKET", "/run/kissbot/hub-admin.sock"),
		BotLogin:           envStr("KISSBOT_BOT_LOGIN", ""),
		HubBinaryPath:      envStr("KISSBOT_HUB_BINARY", ""),
		BotBinaryPath:      envStr("KISSBOT_BOT_BINARY", ""),
		Console:            envBool("KISSBOT_CONSOLE", false),
		Channels:           envList("KISSBOT_CHANNELS"),
		IRCSendTimeout:     envDuration("KISSBOT_IRC_SEND_TIMEOUT", 5*time.Second),
		RESTRequestTimeout: envDuration("KISSBOT_REST_TIMEOUT", 10*time.Second),
		RefreshMargin:      envDuration("KISSBOT_REFRESH_MARGIN", 10*time.Minute),
		ShutdownGrace:      envDuration("KISSBOT_SHUTDOWN_GRACE", 10*time.Second),
		HealthInterval:     envDuration("KISSBOT_HEALTH_INTERVAL", 30*time.Second),
		HubSocketWait:      envDuration("KISSBOT_HUB_SOCKET_WAIT", 5*time.Second),
		MetricsEnabled:     envBool("KISSBOT_METRICS", false),
		MetricsTextfile:    envStr("KISSBOT_METRICS_TEXTFILE", ""),
		MQTTBroker:         envStr("KISSBOT_MQTT_BROKER", ""),
		MQTTTopic:          envStr("KISSBOT_MQTT_TOPIC", "kissbot/alerts"),
		HADiscoveryEnabled: envBool("KISSBOT_HA_DISCOVERY", false),
		HADiscoveryPrefix:  envStr("KISSBOT_HA_DISCOVERY_PREFIX", "homeassistant"),
		NotifyChannelsPath: envStr("KISSBOT_NOTIFY_CHANNELS", ""),
		reconcileInterval:  envDuration("KISSBOT_RECONCILE_INTERVAL", 60*time.Second),
		rateLimitPerSec:    envFloat("KISSBOT_RATE_LIMIT_PER_SEC", 2),
		rateLimitJitter:    envDuration("KISSBOT_RATE_LIMIT_JITTER", 200*time.Millisecond),
		keepaliveInterval:  envDuration("KISSBOT_KEEPALIVE_INTERVAL", 120*time.Second),
		maxCrashCount:      envInt("KISSBOT_MAX_CRASH_COUNT", 5),
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	c.mu.RLock()
	ri := c.reconcileInterval
	rl := c.rateLimitPerSec
	ka := c.keepaliveInterval
	c.mu.RUnlock()

	var errs []error
	if c.ClientID == "" {
		errs = append(errs, fmt.Errorf("KISSBOT_CLIENT_ID must be set"))
	}
	if c.ClientSecret == "" {
		errs = append(errs, fmt.Errorf("KISSBOT_CLIENT_SECRET must be set"))
	}
	if ri <= 0 {
		errs = append(errs, fmt.Errorf("KISSBOT_RECONCILE_INTERVAL must be > 0, got %s", ri))
	}
	if rl <= 0 {
		errs = append(errs, fmt.Errorf("KISSBOT_RATE_LIMIT_PER_SEC must be > 0, got %v", rl))
	}
	if ka <= 0 {
		errs = append(errs, fmt.Errorf("KISSBOT_KEEPALIVE_INTERVAL must be > 0, got %s", ka))
	}
	if c.ShutdownGrace < 0 {
		errs = append(errs, fmt.Errorf("KISSBOT_SHUTDOWN_GRACE must be >= 0, got %s", c.ShutdownGrace))
	}
	return errors.Join(errs...)
}

// Values returns all configuration as a string map for display, with
// secrets redacted.
func (c *Config) Values() map[string]string {
	c.mu.RLock()
	ri := c.reconcileInterval
	rl := c.rateLimitPerSec
	ka := c.keepaliveInterval
	mcc := c.maxCrashCount
	c.mu.RUnlock()

	return map[string]string{
		"KISSBOT_CLIENT_ID":          c.ClientID,
		"KISSBOT_CLIENT_SECRET":      redactPath(c.ClientSecret),
		"KISSBOT_DB_PATH":            c.DBPath,
		"KISSBOT_KEY_PATH":           c.KeyPath,
		"KISSBOT_LOG_JSON":           fmt.Sprintf("%t", c.LogJSON),
		"KISSBOT_HUB_SOCKET":         c.HubSocketPath,
		"KISSBOT_HUB_ADMIN_SOCKET":  c.HubAdminSocketPath,
		"KISSBOT_CHANNELS":           strings.Join(c.Channels, ","),
		"KISSBOT_RECONCILE_INTERVAL": ri.String(),
		"KISSBOT_RATE_LIMIT_PER_SEC": fmt.Sprintf("%v", rl),
		"KISSBOT_KEEPALIVE_INTERVAL": ka.String(),
		"KISSBOT_MAX_CRASH_COUNT":    fmt.Sprintf("%d", mcc),
		"KISSBOT_METRICS":            fmt.Sprintf("%t", c.MetricsEnabled),
		"KISSBOT_MQTT_BROKER":        c.MQTTBroker,
		"KISSBOT_HA_DISCOVERY":       fmt.Sprintf("%t", c.HADiscoveryEnabled),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// ReconcileInterval returns the current reconciliation interval (thread-safe).
func (c *Config) ReconcileInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reconcileInterval
}

// SetReconcileInterval updates the reconciliation interval at runtime.
func (c *Config) SetReconcileInterval(d time.Duration) {
	c.mu.Lock()
	c.reconcileInterval = d
	c.mu.Unlock()
}

// RateLimitPerSec returns the current REST rate limit (thread-safe).
func (c *Config) RateLimitPerSec() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rateLimitPerSec
}

func (c *Config) SetRateLimitPerSec(f float64) {
	c.mu.Lock()
	c.rateLimitPerSec = f
	c.mu.Unlock()
}

// RateLimitJitter returns the current jitter ceiling (thread-safe).
func (c *Config) RateLimitJitter() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rateLimitJitter
}

// KeepaliveInterval returns the current bot health-check interval (thread-safe).
func (c *Config) KeepaliveInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keepaliveInterval
}

func (c *Config) SetKeepaliveInterval(d time.Duration) {
	c.mu.Lock()
	c.keepaliveInterval = d
	c.mu.Unlock()
}

// MaxCrashCount returns the crash count above which the Supervisor sends a
// crash-looping notification. It does not change the immediate-restart
// budget, which is fixed in the supervisor package.
func (c *Config) MaxCrashCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxCrashCount
}

func (c *Config) SetMaxCrashCount(n int) {
	c.mu.Lock()
	c.maxCrashCount = n
	c.mu.Unlock()
}

// redactPath returns "(set)" if the value is non-empty, empty string otherwise.
func redactPath(s string) string {
	if s != "" {
		return "(set)"
	}
	return ""
}
