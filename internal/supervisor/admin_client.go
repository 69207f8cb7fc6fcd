package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/ElSerda/KissBot-sub000/internal/tokenstore"
)

// adminRequestTimeout bounds a single bundle request to the Hub's admin
// socket.
const adminRequestTimeout = 5 * time.Second

// errNeedsReauth mirrors tokenstore.ErrNeedsReauth across the process
// boundary, since the Supervisor only sees the Hub's admin socket, not the
// Token Store's Go error value.
var errNeedsReauth = errors.New("needs_reauth")

type bundleRequest struct {
	Channel  string `json:"channel"`
	BotLogin string `json:"bot_login"`
}

type bundleResponse struct {
	Bundle *tokenstore.TokenBundle `json:"bundle,omitempty"`
	Error  string                  `json:"error,omitempty"`
}

// requestBundle asks the Hub's admin socket for channel's token bundle.
func requestBundle(adminSocketPath, channel, botLogin string) (*tokenstore.TokenBundle, error) {
	conn, err := net.DialTimeout("unix", adminSocketPath, adminRequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial hub admin socket: %w", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(adminRequestTimeout))

	if err := json.NewEncoder(conn).Encode(bundleRequest{Channel: channel, BotLogin: botLogin}); err != nil {
		return nil, fmt.Errorf("send bundle request: %w", err)
	}

	var resp bundleResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode bundle response: %w", err)
	}
	if resp.Error != "" {
		if strings.HasPrefix(resp.Error, "needs_reauth") {
			return nil, fmt.Errorf("%s: %w", resp.Error, errNeedsReauth)
		}
		return nil, errors.New(resp.Error)
	}
	return resp.Bundle, nil
}
