package ipc

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/ElSerda/KissBot-sub000/internal/backoff"
	"github.com/ElSerda/KissBot-sub000/internal/logging"
)

// degradedAfter is the total time the client will spend retrying before it
// gives up on reconnecting and settles into degraded mode (no Hub events,
// bot keeps running on its own transport).
const degradedAfter = 60 * time.Second

// EventHandler is invoked for every event frame received from the Hub.
type EventHandler func(f Frame)

// Client is the bot-side IPC connection to the Hub.
type Client struct {
	path        string
	channelID   string
	channelName string
	topics      []string
	log         *logging.Logger
	onEvent     EventHandler

	mu        sync.RWMutex
	conn      net.Conn
	connected bool
	degraded  bool
}

// NewClient creates a bot-side IPC client for the given channel. Call Run to
// connect and begin the receive loop; Run blocks until ctx is cancelled.
func NewClient(path, channelID, channelName string, topics []string, log *logging.Logger, onEvent EventHandler) *Client {
	return &Client{
		path:        path,
		channelID:   channelID,
		channelName: channelName,
		topics:      topics,
		log:         log,
		onEvent:     onEvent,
	}
}

// Run connects to the Hub, sends hello and subscribe frames, and reads
// events until ctx is cancelled, reconnecting with backoff on disconnect.
// After degradedAfter of consecutive failures it stops retrying as
// aggressively and continues in degraded mode, retrying at the capped
// interval indefinitely.
func (c *Client) Run(ctx context.Context) {
	b := backoff.New(500*time.Millisecond, 60*time.Second)
	degradedSince := time.Time{}

	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.connectAndServe(ctx); err != nil {
			c.log.Warn("ipc client: connection lost", "channel_id", c.channelID, "error", err)
		}

		if c.IsConnected() {
			// The handshake completed before the connection ended, so the
			// next retry cycle starts from the initial delay again.
			b.Reset()
			degradedSince = time.Time{}
		}
		c.setConnected(false)

		if degradedSince.IsZero() {
			degradedSince = time.Now()
		}
		if time.Since(degradedSince) > degradedAfter {
			c.setDegraded(true)
		}

		delay := b.Next()
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// connectAndServe dials the Hub socket, performs the hello/subscribe
// handshake, and runs the receive loop until the connection fails or ctx is
// cancelled. A clean handshake resets the backoff and degraded state.
func (c *Client) connectAndServe(ctx context.Context) error {
	conn, err := net.Dial("unix", c.path)
	if err != nil {
		return err
	}
	defer conn.Close()

	hello := Frame{Type: FrameHello, ChannelID: c.channelID, ChannelName: c.channelName, Topics: c.topics}
	if err := writeFrame(conn, hello); err != nil {
		return err
	}
	for _, topic := range c.topics {
		if err := writeFrame(conn, Frame{Type: FrameSubscribe, Topic: topic}); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setConnected(true)
	c.setDegraded(false)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	scanner := bufio.NewScanner(conn)
	// The scanner buffer must hold a whole wire frame, newline included;
	// see server.go's identical comment.
	scanner.Buffer(make([]byte, 4096), MaxFrameSize)
	for scanner.Scan() {
		f, err := Decode(scanner.Bytes())
		if err != nil {
			return err
		}
		if f.Type == FrameEvent && c.onEvent != nil {
			c.onEvent(f)
		}
	}
	return scanner.Err()
}

// Ping sends a keepalive ping frame over the current connection, if any.
func (c *Client) Ping() error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrUnexpectedFrame
	}
	return writeFrame(conn, Frame{Type: FramePing})
}

// IsConnected reports whether the client currently holds a live connection
// to the Hub.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// IsDegraded reports whether the client has given up on prompt reconnection
// and is operating without Hub-delivered events.
func (c *Client) IsDegraded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.degraded
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	if !v {
		c.conn = nil
	}
	c.mu.Unlock()
}

func (c *Client) setDegraded(v bool) {
	c.mu.Lock()
	c.degraded = v
	c.mu.Unlock()
}

func writeFrame(conn net.Conn, f Frame) error {
	data, err := Encode(f)
	if err != nil {
		return err
	}
	_, err = conn.Write(data)
	return err
}
