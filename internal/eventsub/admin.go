package eventsub

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/ElSerda/KissBot-sub000/internal/tokenstore"
)

// adminAcceptTimeout bounds how long a single admin connection may take to
// send its request and receive a reply, so a stuck Supervisor can never wedge
// the listener.
const adminAcceptTimeout = 5 * time.Second

type bundleRequest struct {
	Channel  string `json:"channel"`
	BotLogin string `json:"bot_login"`
}

type bundleResponse struct {
	Bundle *tokenstore.TokenBundle `json:"bundle,omitempty"`
	Error  string                  `json:"error,omitempty"`
}

// ServeAdmin listens on a Unix socket, owner-only, that the Supervisor
// dials to request a channel's token bundle before spawning its bot
// process. The Hub is the sole process that opens the Token Store, so this
// is the only path by which another process learns what's inside it.
func (h *Hub) ServeAdmin(path string) (func() error, error) {
	_ = os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen admin socket: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod admin socket: %w", err)
	}

	go h.adminAcceptLoop(ln)

	closeFn := func() error {
		err := ln.Close()
		os.Remove(path)
		return err
	}
	return closeFn, nil
}

func (h *Hub) adminAcceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go h.handleAdminConn(conn)
	}
}

func (h *Hub) handleAdminConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(adminAcceptTimeout))

	var req bundleRequest
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		h.log.Warn("eventsub: admin: malformed bundle request", "error", err)
		return
	}

	bundle, err := h.store.BuildBundle(req.Channel, req.BotLogin)
	resp := bundleResponse{Bundle: bundle}
	if err != nil {
		if errors.Is(err, tokenstore.ErrNeedsReauth) {
			resp.Error = "needs_reauth: " + err.Error()
		} else {
			h.log.Error("eventsub: admin: build bundle failed", "channel", req.Channel, "error", err)
			resp.Error = "internal: " + err.Error()
		}
	}

	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		h.log.Warn("eventsub: admin: write bundle response failed", "channel", req.Channel, "error", err)
	}
}
