package chatbot

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

const (
	ircAddr       = "irc.chat.twitch.tv:6697"
	ircPingEvery  = 5 * time.Minute
	ircStaleAfter = 360 * time.Second
)

// IRCTransport is the classic Twitch IRC chat transport: PASS/NICK/JOIN
// over a TLS TCP connection, with server-originated PING/PONG as the
// keepalive signal. Twitch's own command library is intentionally not
// used here — owning the transport directly means PING tracking,
// reconnection, and tag parsing don't require patching someone else's
// client.
type IRCTransport struct {
	login string
	token string

	mu           sync.RWMutex
	conn         net.Conn
	connected    bool
	rooms        map[string]bool
	lastPingAt   time.Time
	handlers     EventHandlers
	stopReadLoop chan struct{}
}

// NewIRCTransport creates an IRC transport for the given Twitch login and
// OAuth access token.
func NewIRCTransport(login, token string) *IRCTransport {
	return &IRCTransport{
		login: login,
		token: token,
		rooms: make(map[string]bool),
	}
}

func (t *IRCTransport) SetHandlers(h EventHandlers) {
	t.mu.Lock()
	t.handlers = h
	t.mu.Unlock()
}

// Connect dials Twitch IRC, authenticates, and starts the background read
// loop. It does not join any channel; call JoinChannel per channel after
// Connect succeeds.
func (t *IRCTransport) Connect() error {
	conn, err := tls.Dial("tcp", ircAddr, &tls.Config{ServerName: "irc.chat.twitch.tv"})
	if err != nil {
		return fmt.Errorf("transient: dial twitch irc: %w", err)
	}

	fmt.Fprintf(conn, "PASS oauth:%s\r\n", t.token)
	fmt.Fprintf(conn, "NICK %s\r\n", strings.ToLower(t.login))
	fmt.Fprintf(conn, "CAP REQ :twitch.tv/tags twitch.tv/commands twitch.tv/membership\r\n")

	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.lastPingAt = time.Now()
	t.stopReadLoop = make(chan struct{})
	t.mu.Unlock()

	go t.readLoop(conn, t.stopReadLoop)
	go t.pingLoop(t.stopReadLoop)

	if t.handlers.OnReady != nil {
		t.handlers.OnReady()
	}
	return nil
}

// JoinChannel joins a Twitch chat channel. login must not include the
// leading '#'.
func (t *IRCTransport) JoinChannel(login string) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	if _, err := fmt.Fprintf(conn, "JOIN #%s\r\n", login); err != nil {
		return err
	}
	t.mu.Lock()
	t.rooms[login] = true
	t.mu.Unlock()
	return nil
}

func (t *IRCTransport) Disconnect() error {
	t.mu.Lock()
	conn := t.conn
	stop := t.stopReadLoop
	t.connected = false
	t.conn = nil
	t.rooms = make(map[string]bool)
	t.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Send sends a PRIVMSG, dropping silently (returning an error the caller
// may log but not retry) if the write doesn't complete by deadline.
func (t *IRCTransport) Send(channel, text string, deadline time.Time) error {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	conn.SetWriteDeadline(deadline)
	defer conn.SetWriteDeadline(time.Time{})
	_, err := fmt.Fprintf(conn, "PRIVMSG #%s :%s\r\n", channel, text)
	return err
}

func (t *IRCTransport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

func (t *IRCTransport) IsInRoom(channel string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rooms[channel]
}

func (t *IRCTransport) LastKeepaliveAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastPingAt
}

func (t *IRCTransport) pingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(ircPingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.mu.RLock()
			conn := t.conn
			t.mu.RUnlock()
			if conn != nil {
				fmt.Fprintf(conn, "PING :tmi.twitch.tv\r\n")
			}
		}
	}
}

func (t *IRCTransport) readLoop(conn net.Conn, stop <-chan struct{}) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		select {
		case <-stop:
			return
		default:
		}
		line := scanner.Text()
		t.handleLine(line, conn)
	}
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
}

func (t *IRCTransport) handleLine(line string, conn net.Conn) {
	switch {
	case strings.HasPrefix(line, "PING"):
		fmt.Fprintf(conn, "PONG :tmi.twitch.tv\r\n")
		t.mu.Lock()
		t.lastPingAt = time.Now()
		t.mu.Unlock()
	case strings.Contains(line, "PRIVMSG"):
		msg, ok := parsePrivmsg(line)
		if ok {
			t.mu.RLock()
			h := t.handlers
			t.mu.RUnlock()
			if h.OnMessage != nil {
				h.OnMessage(msg)
			}
		}
	case strings.Contains(line, "JOIN"):
		channel, login, ok := parseMembership(line)
		if ok {
			t.mu.RLock()
			h := t.handlers
			t.mu.RUnlock()
			if h.OnJoin != nil {
				h.OnJoin(channel, login)
			}
		}
	case strings.Contains(line, "PART"):
		channel, login, ok := parseMembership(line)
		if ok {
			t.mu.RLock()
			h := t.handlers
			t.mu.RUnlock()
			if h.OnLeft != nil {
				h.OnLeft(channel, login)
			}
		}
	}
}

// parsePrivmsg extracts a ChatMessage from a raw IRC line with IRCv3 tags.
// Badge parsing is intentionally minimal: it looks only at the tags this
// core actually needs (badges=).
func parsePrivmsg(line string) (ChatMessage, bool) {
	var tags, rest string
	if strings.HasPrefix(line, "@") {
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			return ChatMessage{}, false
		}
		tags, rest = parts[0][1:], parts[1]
	} else {
		rest = line
	}

	privIdx := strings.Index(rest, "PRIVMSG #")
	if privIdx < 0 {
		return ChatMessage{}, false
	}
	afterChan := rest[privIdx+len("PRIVMSG #"):]
	spaceIdx := strings.Index(afterChan, " ")
	if spaceIdx < 0 {
		return ChatMessage{}, false
	}
	channel := afterChan[:spaceIdx]
	textPart := afterChan[spaceIdx:]
	colonIdx := strings.Index(textPart, ":")
	if colonIdx < 0 {
		return ChatMessage{}, false
	}
	text := textPart[colonIdx+1:]

	login := ""
	if bang := strings.Index(rest, "!"); bang > 0 && strings.HasPrefix(rest, ":") {
		login = rest[1:bang]
	}

	tagMap := parseIRCTags(tags)
	return ChatMessage{
		Channel:   channel,
		SenderID:  tagMap["user-id"],
		Login:     login,
		Text:      text,
		Roles:     rolesFromBadges(tagMap["badges"]),
		Transport: "irc",
		At:        time.Now(),
	}, true
}

func parseMembership(line string) (channel, login string, ok bool) {
	if !strings.HasPrefix(line, ":") {
		return "", "", false
	}
	bang := strings.Index(line, "!")
	if bang < 0 {
		return "", "", false
	}
	login = line[1:bang]
	hashIdx := strings.LastIndex(line, "#")
	if hashIdx < 0 {
		return "", "", false
	}
	channel = line[hashIdx+1:]
	return channel, login, true
}

func parseIRCTags(tags string) map[string]string {
	out := make(map[string]string)
	for _, kv := range strings.Split(tags, ";") {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 {
			out[parts[0]] = parts[1]
		}
	}
	return out
}

func rolesFromBadges(badges string) []Role {
	var roles []Role
	for _, b := range strings.Split(badges, ",") {
		switch {
		case strings.HasPrefix(b, "broadcaster/"):
			roles = append(roles, RoleBroadcaster)
		case strings.HasPrefix(b, "moderator/"):
			roles = append(roles, RoleModerator)
		case strings.HasPrefix(b, "vip/"):
			roles = append(roles, RoleVIP)
		case strings.HasPrefix(b, "subscriber/"):
			roles = append(roles, RoleSubscriber)
		}
	}
	return roles
}
