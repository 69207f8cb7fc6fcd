package tokenstore

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// twitchOAuthEndpoint is the OAuth2 endpoint used for the refresh-token
// grant (§6.3 OAuth token endpoint).
var twitchOAuthEndpoint = oauth2.Endpoint{
	TokenURL: "https://id.twitch.tv/oauth2/token",
}

// Refresher performs the refresh-token HTTP call. It is a thin wrapper over
// oauth2.Config so callers (the Hub, a bot) never construct the request by
// hand; the Token Store is the only place that writes the result back.
type Refresher struct {
	cfg *oauth2.Config
}

// NewRefresher builds a Refresher bound to the fleet's registered app.
func NewRefresher(clientID, clientSecret string) *Refresher {
	return &Refresher{cfg: &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     twitchOAuthEndpoint,
	}}
}

// Refresh exchanges a refresh token for a new access+refresh pair.
func (r *Refresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	src := r.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("transient: refresh token: %w", err)
	}
	return tok, nil
}

// RefreshAndStore performs a coordinated refresh for (userID, kind): it
// holds the per-user lock for the duration of the HTTP call and the
// subsequent write (§5 Refresh serialization), so concurrent callers for
// the same user observe the updated token only after the winner releases
// the lock. On failure it increments the failure counter, which may
// promote the token to needs_reauth.
func (s *Store) RefreshAndStore(ctx context.Context, r *Refresher, userID string, kind TokenKind) (*Tokens, error) {
	var result *Tokens
	err := s.WithRefreshLock(userID, func() error {
		current, err := s.GetTokens(userID, kind)
		if err != nil {
			return err
		}

		tok, refreshErr := r.Refresh(ctx, current.RefreshToken)
		if refreshErr != nil {
			if _, incErr := s.IncrementRefreshFailures(userID, kind); incErr != nil {
				return fmt.Errorf("%w (also failed to record failure: %v)", refreshErr, incErr)
			}
			return refreshErr
		}

		expiresIn := time.Until(tok.Expiry)
		if expiresIn <= 0 {
			expiresIn = time.Hour
		}
		if err := s.StoreTokens(userID, kind, tok.AccessToken, tok.RefreshToken, expiresIn, current.Scopes); err != nil {
			return fmt.Errorf("internal: %w", err)
		}

		result, err = s.GetTokens(userID, kind)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
