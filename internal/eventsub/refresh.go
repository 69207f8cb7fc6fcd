package eventsub

import (
	"context"
	"time"

	"github.com/ElSerda/KissBot-sub000/internal/metrics"
	"github.com/ElSerda/KissBot-sub000/internal/notify"
	"github.com/ElSerda/KissBot-sub000/internal/tokenstore"
)

// refreshCheckInterval governs how often the Hub scans for tokens nearing
// expiry. Refreshing is cheap and idempotent, so a short interval just
// means less margin is wasted, not extra load.
const refreshCheckInterval = time.Minute

// refreshLoop is the Token Store's only writer of refreshed credentials: it
// runs once per refreshCheckInterval and refreshes every token within
// refreshMargin of expiring, so bot processes never see their bundle go
// stale mid-session. A bot restarted by the Supervisor always receives the
// Hub's latest refreshed tokens through BuildBundle.
func (h *Hub) refreshLoop(ctx context.Context, refresher *tokenstore.Refresher, margin time.Duration) {
	ticker := time.NewTicker(refreshCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.runRefreshPass(ctx, refresher, margin)
		}
	}
}

func (h *Hub) runRefreshPass(ctx context.Context, refresher *tokenstore.Refresher, margin time.Duration) {
	candidates, err := h.store.TokensNeedingRefresh(int(margin / time.Minute))
	if err != nil {
		h.log.Error("eventsub: list tokens needing refresh", "error", err)
		return
	}
	for _, c := range candidates {
		_, err := h.store.RefreshAndStore(ctx, refresher, c.UserID, c.Kind)
		if err != nil {
			metrics.TokenRefreshes.WithLabelValues(string(c.Kind), "failure").Inc()
			h.log.Warn("eventsub: token refresh failed", "user_id", c.UserID, "kind", c.Kind, "error", err)

			if tok, tokErr := h.store.GetTokens(c.UserID, c.Kind); tokErr == nil && tok.NeedsReauth {
				h.notify(notify.EventNeedsReauth, c.UserID, "token refresh failed repeatedly, needs reauthorization")
				if c.Kind == tokenstore.KindBroadcaster {
					h.publishNeedsReauth(c.UserID, true)
				}
			} else {
				h.notify(notify.EventTokenRefreshFailed, c.UserID, err.Error())
			}
			continue
		}
		metrics.TokenRefreshes.WithLabelValues(string(c.Kind), "success").Inc()
	}
}

// publishNeedsReauth mirrors a user's reauthorization status to Home
// Assistant when discovery is enabled. c.UserID for a broadcaster token is
// the channel's own user ID; for a shared bot account it belongs to the bot
// user rather than any one channel, so only broadcaster-kind failures are
// published here.
func (h *Hub) publishNeedsReauth(userID string, needsReauth bool) {
	if h.haDiscovery == nil {
		return
	}
	user, err := h.store.GetUserByID(userID)
	if err != nil {
		return
	}
	if err := h.haDiscovery.PublishChannelNeedsReauth(user.Login, needsReauth); err != nil {
		h.log.Warn("eventsub: publish ha discovery reauth status failed", "user_id", userID, "error", err)
	}
}

func (h *Hub) notify(t notify.EventType, channel, detail string) {
	if h.notifier == nil {
		return
	}
	h.notifier.Notify(context.Background(), notify.Event{Type: t, Channel: channel, Detail: detail, Timestamp: time.Now()})
}
