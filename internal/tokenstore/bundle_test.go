package tokenstore

import (
	"errors"
	"testing"
	"time"
)

func TestBuildBundleSelfBotMode(t *testing.T) {
	s := testStore(t)

	if err := s.PutUser("u1", "examplechannel", "ExampleChannel", false); err != nil {
		t.Fatalf("PutUser broadcaster: %v", err)
	}
	if err := s.StoreTokens("u1", KindBroadcaster, "bcast-access", "bcast-refresh", time.Hour, nil); err != nil {
		t.Fatalf("StoreTokens broadcaster: %v", err)
	}
	if err := s.StoreTokens("u1", KindBot, "bot-access", "bot-refresh", time.Hour, nil); err != nil {
		t.Fatalf("StoreTokens bot: %v", err)
	}

	bundle, err := s.BuildBundle("examplechannel", "")
	if err != nil {
		t.Fatalf("BuildBundle: %v", err)
	}
	if bundle.Channel != "examplechannel" || bundle.ChannelID != "u1" || bundle.BotUserID != "u1" {
		t.Fatalf("unexpected bundle: %+v", bundle)
	}
	if bundle.BotAccessToken != "bot-access" {
		t.Fatalf("BotAccessToken = %q, want bot-access", bundle.BotAccessToken)
	}
}

func TestBuildBundleSharedBotAccount(t *testing.T) {
	s := testStore(t)

	if err := s.PutUser("u1", "examplechannel", "ExampleChannel", false); err != nil {
		t.Fatalf("PutUser broadcaster: %v", err)
	}
	if err := s.PutUser("u2", "sharedbot", "SharedBot", true); err != nil {
		t.Fatalf("PutUser bot: %v", err)
	}
	if err := s.StoreTokens("u1", KindBroadcaster, "bcast-access", "bcast-refresh", time.Hour, nil); err != nil {
		t.Fatalf("StoreTokens broadcaster: %v", err)
	}
	if err := s.StoreTokens("u2", KindBot, "bot-access", "bot-refresh", time.Hour, nil); err != nil {
		t.Fatalf("StoreTokens bot: %v", err)
	}

	bundle, err := s.BuildBundle("examplechannel", "sharedbot")
	if err != nil {
		t.Fatalf("BuildBundle: %v", err)
	}
	if bundle.BotUserID != "u2" {
		t.Fatalf("BotUserID = %q, want u2", bundle.BotUserID)
	}
}

func TestBuildBundleNeedsReauth(t *testing.T) {
	s := testStore(t)

	if err := s.PutUser("u1", "examplechannel", "ExampleChannel", false); err != nil {
		t.Fatalf("PutUser: %v", err)
	}
	if err := s.StoreTokens("u1", KindBroadcaster, "bcast-access", "bcast-refresh", time.Hour, nil); err != nil {
		t.Fatalf("StoreTokens: %v", err)
	}
	for i := 0; i < refreshFailureThreshold; i++ {
		if _, err := s.IncrementRefreshFailures("u1", KindBroadcaster); err != nil {
			t.Fatalf("IncrementRefreshFailures: %v", err)
		}
	}

	_, err := s.BuildBundle("examplechannel", "")
	if !errors.Is(err, ErrNeedsReauth) {
		t.Fatalf("BuildBundle error = %v, want ErrNeedsReauth", err)
	}
}
