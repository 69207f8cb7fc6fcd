package supervisor

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/ElSerda/KissBot-sub000/internal/tokenstore"
)

// handoverTimeout bounds how long the Supervisor waits for a freshly
// spawned bot process to connect and collect its tokens before giving up
// and treating the spawn as failed.
const handoverTimeout = 10 * time.Second

// TokenBundle is handed to each bot process at startup over a private
// socket instead of letting the bot open the Token Store directly — only
// the Hub holds that file open, since BoltDB allows a single writer.
type TokenBundle = tokenstore.TokenBundle

// listenHandover creates the owner-only handover socket. It must be called
// before the child process starts, so the child never races a dial against
// a socket that doesn't exist yet.
func listenHandover(sockPath string) (net.Listener, error) {
	_ = os.Remove(sockPath)

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, fmt.Errorf("listen handover socket: %w", err)
	}
	if err := os.Chmod(sockPath, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod handover socket: %w", err)
	}
	return ln, nil
}

// serveHandover accepts a single connection within handoverTimeout, writes
// bundle as JSON, then closes and unlinks the socket. Run it in its own
// goroutine right after listenHandover succeeds.
func serveHandover(ln net.Listener, sockPath string, bundle TokenBundle) error {
	defer os.Remove(sockPath)
	defer ln.Close()

	if unl, ok := ln.(*net.UnixListener); ok {
		_ = unl.SetDeadline(time.Now().Add(handoverTimeout))
	}

	conn, err := ln.Accept()
	if err != nil {
		return fmt.Errorf("accept handover connection: %w", err)
	}
	defer conn.Close()

	return json.NewEncoder(conn).Encode(bundle)
}

// ReceiveHandover dials a handover socket set up by listenHandover and
// served by serveHandover, and reads
// the token bundle. Called from the bot-mode entrypoint on startup.
func ReceiveHandover(sockPath string, timeout time.Duration) (TokenBundle, error) {
	var bundle TokenBundle
	if timeout <= 0 {
		timeout = handoverTimeout
	}

	conn, err := net.DialTimeout("unix", sockPath, timeout)
	if err != nil {
		return bundle, fmt.Errorf("dial handover socket: %w", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	if err := json.NewDecoder(conn).Decode(&bundle); err != nil {
		return bundle, fmt.Errorf("decode handover bundle: %w", err)
	}
	return bundle, nil
}
