package tokenstore

import (
	"errors"
	"fmt"
)

// ErrNeedsReauth is returned by BuildBundle when the broadcaster or bot
// account's token is flagged needs_reauth. Detail carries which side and
// should be surfaced to operators rather than retried.
var ErrNeedsReauth = errors.New("needs_reauth")

// TokenBundle is the minimal set of credentials a bot process needs to
// connect to chat and to the Hub for a single channel.
type TokenBundle struct {
	Channel         string `json:"channel"`
	ChannelID       string `json:"channel_id"`
	BotUserID       string `json:"bot_user_id"`
	BotAccessToken  string `json:"bot_access_token"`
	BotRefreshToken string `json:"bot_refresh_token"`
}

// BuildBundle assembles a channel's bot token bundle, resolving the bot
// account to botLogin if set or to the channel's own login otherwise
// (self-bot mode). It returns ErrNeedsReauth, wrapped with which account is
// the problem, if either side's token needs a fresh authorization.
func (s *Store) BuildBundle(channel, botLogin string) (*TokenBundle, error) {
	broadcaster, err := s.GetUserByLogin(channel)
	if err != nil {
		return nil, fmt.Errorf("lookup broadcaster %s: %w", channel, err)
	}
	broadcasterTokens, err := s.GetTokens(broadcaster.ID, KindBroadcaster)
	if err != nil {
		return nil, fmt.Errorf("load broadcaster tokens for %s: %w", channel, err)
	}
	if broadcasterTokens.NeedsReauth {
		return nil, fmt.Errorf("broadcaster account %s: %w", channel, ErrNeedsReauth)
	}

	if botLogin == "" {
		botLogin = channel // self-bot mode
	}
	botUser, err := s.GetUserByLogin(botLogin)
	if err != nil {
		return nil, fmt.Errorf("lookup bot account %s: %w", botLogin, err)
	}
	botTokens, err := s.GetTokens(botUser.ID, KindBot)
	if err != nil {
		return nil, fmt.Errorf("load bot tokens for %s: %w", botLogin, err)
	}
	if botTokens.NeedsReauth {
		return nil, fmt.Errorf("bot account %s: %w", botLogin, ErrNeedsReauth)
	}

	return &TokenBundle{
		Channel:         channel,
		ChannelID:       broadcaster.ID,
		BotUserID:       botUser.ID,
		BotAccessToken:  botTokens.AccessToken,
		BotRefreshToken: botTokens.RefreshToken,
	}, nil
}
