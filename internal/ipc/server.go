package ipc

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/ElSerda/KissBot-sub000/internal/logging"
)

// sendBufferSize is the channel buffer for outbound frames to each session.
// Large enough to absorb short bursts without blocking the Hub's dispatch
// loop, small enough that a stalled bot process is noticed quickly.
const sendBufferSize = 64

// helloGrace is how long a newly accepted connection has to send its hello
// frame before the Hub closes it.
const helloGrace = 5 * time.Second

// Dispatcher receives frames the Hub's reconciliation logic cares about.
// All methods are called from the session's receive goroutine; callers that
// mutate shared state must synchronize internally.
type Dispatcher interface {
	OnSubscribe(channelID, topic string)
	OnUnsubscribe(channelID, topic string)
	OnPing(channelID string)
	OnSessionChange(channelID string, connected bool)
}

// session tracks one connected bot process.
type session struct {
	id        uint64
	channelID string
	conn      net.Conn
	send      chan Frame
	cancel    context.CancelFunc
}

// Server is the Hub side of the IPC protocol: a Unix domain socket that bot
// processes connect to, one session per connection, grouped by channel id.
type Server struct {
	log  *logging.Logger
	disp Dispatcher

	path string
	ln   net.Listener

	mu       sync.RWMutex
	sessions map[string]map[uint64]*session // channelID -> sessionID -> session
	nextID   uint64
}

// NewServer creates an IPC server. Call Start to begin listening. disp may
// be nil if the Dispatcher (typically the Hub) can only be constructed
// after the Server; wire it up with SetDispatcher before Start.
func NewServer(log *logging.Logger, disp Dispatcher) *Server {
	return &Server{
		log:      log,
		disp:     disp,
		sessions: make(map[string]map[uint64]*session),
	}
}

// SetDispatcher wires the Dispatcher after construction, for the common
// startup ordering where the Hub needs a *Server before it can exist
// itself, and the Server needs the Hub as its Dispatcher.
func (s *Server) SetDispatcher(disp Dispatcher) {
	s.disp = disp
}

// Start listens on the Unix domain socket at path, removing a stale socket
// file left behind by a previous run, and begins accepting connections in
// the background. It returns once the listener is ready.
func (s *Server) Start(path string) error {
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("fatal_startup: remove stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("fatal_startup: listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		ln.Close()
		return fmt.Errorf("fatal_startup: chmod socket: %w", err)
	}

	s.path = path
	s.ln = ln
	go s.acceptLoop()
	return nil
}

// Close stops accepting connections and removes the socket file.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	err := s.ln.Close()
	os.Remove(s.path)
	return err
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

// handleConn waits for the hello frame, registers the session, then runs
// the receive loop until the connection closes or the context is cancelled.
// Malformed input or a missing hello closes only this connection.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(helloGrace))
	scanner := bufio.NewScanner(conn)
	// The scanner needs room for the whole wire frame, newline included,
	// before it can split off the line: a MaxFrameSize buffer admits a
	// frame of exactly MaxFrameSize bytes. Decode then rejects any stripped
	// line longer than MaxFrameSize-1.
	scanner.Buffer(make([]byte, 4096), MaxFrameSize)

	if !scanner.Scan() {
		s.log.Warn("ipc: connection closed before hello")
		return
	}
	hello, err := Decode(scanner.Bytes())
	if err != nil || hello.Type != FrameHello || hello.ChannelID == "" {
		s.log.Warn("ipc: first frame was not a valid hello", "error", err)
		return
	}
	conn.SetReadDeadline(time.Time{})

	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		channelID: hello.ChannelID,
		conn:      conn,
		send:      make(chan Frame, sendBufferSize),
		cancel:    cancel,
	}
	s.register(sess)
	defer s.unregister(sess)
	if s.disp != nil {
		s.disp.OnSessionChange(sess.channelID, true)
		defer s.disp.OnSessionChange(sess.channelID, false)
	}

	go s.sendLoop(ctx, sess)

	sess.send <- Frame{Type: FrameAck, RefType: string(FrameHello)}

	for scanner.Scan() {
		f, err := Decode(scanner.Bytes())
		if err != nil {
			s.log.Warn("ipc: malformed frame, closing session", "channel_id", sess.channelID, "error", err)
			return
		}
		s.dispatch(sess, f)
	}
}

func (s *Server) dispatch(sess *session, f Frame) {
	switch f.Type {
	case FrameSubscribe:
		if s.disp != nil {
			s.disp.OnSubscribe(sess.channelID, f.Topic)
		}
		sess.send <- Frame{Type: FrameAck, RefType: string(FrameSubscribe)}
	case FrameUnsubscribe:
		if s.disp != nil {
			s.disp.OnUnsubscribe(sess.channelID, f.Topic)
		}
		sess.send <- Frame{Type: FrameAck, RefType: string(FrameUnsubscribe)}
	case FramePing:
		if s.disp != nil {
			s.disp.OnPing(sess.channelID)
		}
		sess.send <- Frame{Type: FramePong}
	default:
		sess.send <- Frame{Type: FrameError, Code: "unexpected_frame", Message: string(f.Type)}
	}
}

func (s *Server) sendLoop(ctx context.Context, sess *session) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-sess.send:
			if !ok {
				return
			}
			data, err := Encode(f)
			if err != nil {
				s.log.Error("ipc: encode frame", "error", err)
				continue
			}
			if _, err := sess.conn.Write(data); err != nil {
				return
			}
		}
	}
}

func (s *Server) register(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.id = s.nextID
	s.nextID++
	if s.sessions[sess.channelID] == nil {
		s.sessions[sess.channelID] = make(map[uint64]*session)
	}
	s.sessions[sess.channelID][sess.id] = sess
}

func (s *Server) unregister(sess *session) {
	sess.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.sessions[sess.channelID]; ok {
		delete(m, sess.id)
		if len(m) == 0 {
			delete(s.sessions, sess.channelID)
		}
	}
}

// Broadcast delivers an event frame to every session registered for
// channelID. A session whose send queue is full misses the event rather
// than blocking the Hub's upstream read loop that called this.
func (s *Server) Broadcast(channelID string, f Frame) (delivered int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions[channelID] {
		select {
		case sess.send <- f:
			delivered++
		default:
		}
	}
	return delivered
}

// SessionCount returns the number of connected sessions for channelID.
func (s *Server) SessionCount(channelID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions[channelID])
}
