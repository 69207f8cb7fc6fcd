package eventsub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

const defaultWSURL = "wss://eventsub.wss.twitch.tv/ws"

// socket is a thin wrapper around a gorilla/websocket connection that
// decodes the Twitch EventSub envelope and tracks the last time any frame
// (including keepalives) was received, for the monitor loop's staleness
// check.
type socket struct {
	conn        *websocket.Conn
	lastFrameAt time.Time
}

func dialSocket(url string) (*socket, error) {
	if url == "" {
		url = defaultWSURL
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial eventsub websocket: %w", err)
	}
	return &socket{conn: conn, lastFrameAt: time.Now()}, nil
}

// readEnvelope blocks until the next frame arrives, decodes its envelope,
// and records the receive time.
func (s *socket) readEnvelope() (wsEnvelope, error) {
	var env wsEnvelope
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return env, err
	}
	s.lastFrameAt = time.Now()
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

func (s *socket) close() {
	s.conn.Close()
}
