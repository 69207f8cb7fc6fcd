package eventsub

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/nicklaw5/helix/v2"

	"github.com/ElSerda/KissBot-sub000/internal/errkind"
	"github.com/ElSerda/KissBot-sub000/internal/logging"
)

// rateLimiter paces REST calls to a steady rate with small jitter, so a
// reconciliation pass that needs to create many subscriptions at once
// doesn't burst against Twitch's rate limits.
type rateLimiter struct {
	interval time.Duration
	jitter   time.Duration
}

func newRateLimiter(perSecond float64, jitter time.Duration) *rateLimiter {
	if perSecond <= 0 {
		perSecond = 2
	}
	return &rateLimiter{interval: time.Duration(float64(time.Second) / perSecond), jitter: jitter}
}

func (r *rateLimiter) wait(ctx context.Context) {
	d := r.interval
	if r.jitter > 0 {
		d += time.Duration(rand.Int63n(int64(r.jitter)))
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// restClient wraps the Helix client with the rate limiting and retry
// policy spec §4.2 describes for REST subscription management.
type restClient struct {
	helix   *helix.Client
	limiter *rateLimiter
	log     *logging.Logger

	tokenMu sync.Mutex // serializes app access token refreshes

	onNeedsReauth func()
}

// NewRESTClient builds the Hub's REST client, requesting an app access
// token up front. cmd/hub is the only caller outside this package.
func NewRESTClient(clientID, clientSecret string, perSecond float64, jitter time.Duration, log *logging.Logger) (*restClient, error) {
	return newRESTClient(clientID, clientSecret, perSecond, jitter, log)
}

func newRESTClient(clientID, clientSecret string, perSecond float64, jitter time.Duration, log *logging.Logger) (*restClient, error) {
	hc, err := helix.NewClient(&helix.Options{
		ClientID:     clientID,
		ClientSecret: clientSecret,
	})
	if err != nil {
		return nil, fmt.Errorf("fatal_startup: create helix client: %w", err)
	}
	appToken, err := hc.RequestAppAccessToken(nil)
	if err != nil {
		return nil, fmt.Errorf("fatal_startup: request app access token: %w", err)
	}
	hc.SetAppAccessToken(appToken.Data.AccessToken)

	return &restClient{
		helix:   hc,
		limiter: newRateLimiter(perSecond, jitter),
		log:     log,
	}, nil
}

// UserIDForLogin resolves a Twitch login to a user id via Helix.
func (r *restClient) UserIDForLogin(ctx context.Context, login string) (string, error) {
	r.limiter.wait(ctx)
	resp, err := r.helix.GetUsers(&helix.UsersParams{Logins: []string{login}})
	if err != nil {
		return "", errkind.New(errkind.Transient, fmt.Errorf("get user %s: %w", login, err))
	}
	if resp.StatusCode >= 500 || resp.StatusCode == 429 {
		return "", errkind.New(errkind.Transient, fmt.Errorf("get user %s: status %d", login, resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return "", errkind.New(errkind.Protocol, fmt.Errorf("get user %s: status %d", login, resp.StatusCode))
	}
	if len(resp.Data.Users) == 0 {
		return "", errkind.New(errkind.Protocol, fmt.Errorf("no such user: %s", login))
	}
	return resp.Data.Users[0].ID, nil
}

// CreateSubscription creates a websocket-transport EventSub subscription
// bound to sessionID. It classifies the result per spec §7: transient
// errors are retried elsewhere by the caller's reconciliation loop,
// unauthorized errors here surface so the caller can trigger a token
// refresh and retry once.
func (r *restClient) CreateSubscription(ctx context.Context, channelID, topic, version, sessionID string) (remoteID string, err error) {
	r.limiter.wait(ctx)

	condition := helix.EventSubCondition{BroadcasterUserID: channelID}
	if topic == "channel.follow" {
		condition.ModeratorUserID = channelID
	}

	resp, err := r.helix.CreateEventSubSubscription(&helix.EventSubSubscription{
		Type:      topic,
		Version:   version,
		Condition: condition,
		Transport: helix.EventSubTransport{Method: "websocket", SessionID: sessionID},
	})
	if err != nil {
		return "", errkind.New(errkind.Transient, fmt.Errorf("create subscription %s/%s: %w", channelID, topic, err))
	}
	switch {
	case resp.StatusCode == 401:
		return "", errkind.New(errkind.Unauthorized, fmt.Errorf("create subscription %s/%s: unauthorized", channelID, topic))
	case resp.StatusCode == 429 || resp.StatusCode >= 500:
		return "", errkind.New(errkind.Transient, fmt.Errorf("create subscription %s/%s: status %d", channelID, topic, resp.StatusCode))
	case resp.StatusCode >= 400:
		return "", errkind.New(errkind.Protocol, fmt.Errorf("create subscription %s/%s: status %d: %s", channelID, topic, resp.StatusCode, resp.ErrorMessage))
	}
	if len(resp.Data.EventSubSubscriptions) == 0 {
		return "", errkind.New(errkind.Protocol, fmt.Errorf("create subscription %s/%s: empty response", channelID, topic))
	}
	return resp.Data.EventSubSubscriptions[0].ID, nil
}

// RefreshAppToken re-requests an app access token from Twitch and rebinds
// the Helix client to it. Callers use this to satisfy the one-retry-after-401
// policy (§7): a fresh app token is the only credential CreateSubscription
// authenticates with, so there is no per-channel token to refresh here.
func (r *restClient) RefreshAppToken(ctx context.Context) error {
	r.limiter.wait(ctx)

	r.tokenMu.Lock()
	defer r.tokenMu.Unlock()

	appToken, err := r.helix.RequestAppAccessToken(nil)
	if err != nil {
		return errkind.New(errkind.Transient, fmt.Errorf("refresh app access token: %w", err))
	}
	r.helix.SetAppAccessToken(appToken.Data.AccessToken)
	return nil
}

// DeleteSubscription removes a remote subscription by id.
func (r *restClient) DeleteSubscription(ctx context.Context, remoteID string) error {
	r.limiter.wait(ctx)
	resp, err := r.helix.RemoveEventSubSubscription(remoteID)
	if err != nil {
		return errkind.New(errkind.Transient, fmt.Errorf("delete subscription %s: %w", remoteID, err))
	}
	if resp.StatusCode == 404 {
		return nil
	}
	if resp.StatusCode >= 400 {
		return errkind.New(errkind.Transient, fmt.Errorf("delete subscription %s: status %d", remoteID, resp.StatusCode))
	}
	return nil
}
