package eventsub

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ElSerda/KissBot-sub000/internal/logging"
	"github.com/ElSerda/KissBot-sub000/internal/tokenstore"
)

func testHubWithStore(t *testing.T) (*Hub, *tokenstore.Store) {
	t.Helper()
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "test.key")
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		t.Fatalf("generate test key: %v", err)
	}
	if err := os.WriteFile(keyPath, []byte(base64.StdEncoding.EncodeToString(raw)), 0600); err != nil {
		t.Fatalf("write test key: %v", err)
	}
	store, err := tokenstore.Open(filepath.Join(dir, "test.db"), keyPath)
	if err != nil {
		t.Fatalf("Open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return &Hub{store: store, log: logging.New(false), track: newTracker()}, store
}

func TestServeAdminReturnsBundle(t *testing.T) {
	h, store := testHubWithStore(t)
	if err := store.PutUser("u1", "examplechannel", "ExampleChannel", false); err != nil {
		t.Fatalf("PutUser: %v", err)
	}
	if err := store.StoreTokens("u1", tokenstore.KindBroadcaster, "bcast-access", "bcast-refresh", time.Hour, nil); err != nil {
		t.Fatalf("StoreTokens broadcaster: %v", err)
	}
	if err := store.StoreTokens("u1", tokenstore.KindBot, "bot-access", "bot-refresh", time.Hour, nil); err != nil {
		t.Fatalf("StoreTokens bot: %v", err)
	}

	sockPath := filepath.Join(t.TempDir(), "admin.sock")
	closeFn, err := h.ServeAdmin(sockPath)
	if err != nil {
		t.Fatalf("ServeAdmin: %v", err)
	}
	defer closeFn()

	conn, err := net.DialTimeout("unix", sockPath, time.Second)
	if err != nil {
		t.Fatalf("dial admin socket: %v", err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(bundleRequest{Channel: "examplechannel"}); err != nil {
		t.Fatalf("encode request: %v", err)
	}
	var resp bundleResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != "" {
		t.Fatalf("unexpected error in response: %s", resp.Error)
	}
	if resp.Bundle == nil || resp.Bundle.BotAccessToken != "bot-access" {
		t.Fatalf("unexpected bundle: %+v", resp.Bundle)
	}
}

func TestServeAdminReportsNeedsReauth(t *testing.T) {
	h, store := testHubWithStore(t)
	if err := store.PutUser("u1", "examplechannel", "ExampleChannel", false); err != nil {
		t.Fatalf("PutUser: %v", err)
	}
	if err := store.StoreTokens("u1", tokenstore.KindBroadcaster, "bcast-access", "bcast-refresh", time.Hour, nil); err != nil {
		t.Fatalf("StoreTokens broadcaster: %v", err)
	}
	// Three consecutive refresh failures flag the broadcaster token needs_reauth.
	for i := 0; i < 3; i++ {
		if _, err := store.IncrementRefreshFailures("u1", tokenstore.KindBroadcaster); err != nil {
			t.Fatalf("IncrementRefreshFailures: %v", err)
		}
	}

	sockPath := filepath.Join(t.TempDir(), "admin.sock")
	closeFn, err := h.ServeAdmin(sockPath)
	if err != nil {
		t.Fatalf("ServeAdmin: %v", err)
	}
	defer closeFn()

	conn, err := net.DialTimeout("unix", sockPath, time.Second)
	if err != nil {
		t.Fatalf("dial admin socket: %v", err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(bundleRequest{Channel: "examplechannel"}); err != nil {
		t.Fatalf("encode request: %v", err)
	}
	var resp bundleResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error == "" {
		t.Fatal("expected an error for a needs_reauth channel")
	}
	if !strings.HasPrefix(resp.Error, "needs_reauth") {
		t.Fatalf("error = %q, want a needs_reauth error", resp.Error)
	}
	if resp.Bundle != nil {
		t.Fatalf("expected nil bundle on error, got %+v", resp.Bundle)
	}
}
