package supervisor

import (
	"path/filepath"
	"testing"
	"time"
)

func TestHandoverRoundTrip(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "handover.sock")

	ln, err := listenHandover(sockPath)
	if err != nil {
		t.Fatalf("listenHandover() error = %v", err)
	}

	want := TokenBundle{
		Channel:         "examplechannel",
		ChannelID:       "123",
		BotUserID:       "456",
		BotAccessToken:  "access-token",
		BotRefreshToken: "refresh-token",
	}

	errCh := make(chan error, 1)
	go func() { errCh <- serveHandover(ln, sockPath, want) }()

	got, err := ReceiveHandover(sockPath, time.Second)
	if err != nil {
		t.Fatalf("ReceiveHandover() error = %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("serveHandover() error = %v", err)
	}

	if got != want {
		t.Fatalf("got bundle %+v, want %+v", got, want)
	}
}

func TestReceiveHandoverTimesOutWithNoListener(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "missing.sock")
	if _, err := ReceiveHandover(sockPath, 50*time.Millisecond); err == nil {
		t.Fatal("expected error dialing a socket with no listener")
	}
}
