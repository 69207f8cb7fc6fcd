package tokenstore

import (
	"crypto/rand"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	keyPath := filepath.Join(dir, "test.key")

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		t.Fatalf("generate test key: %v", err)
	}
	if err := os.WriteFile(keyPath, []byte(base64.StdEncoding.EncodeToString(raw)), 0600); err != nil {
		t.Fatalf("write test key: %v", err)
	}

	s, err := Open(dbPath, keyPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenRejectsMissingKey(t *testing.T) {
	dir := t.TempDir()
	_, err := Open(filepath.Join(dir, "db"), filepath.Join(dir, "nope.key"))
	if err == nil {
		t.Fatal("expected error for missing key file")
	}
}

func TestOpenRejectsLooseKeyPermissions(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "loose.key")
	raw := make([]byte, 32)
	_, _ = rand.Read(raw)
	if err := os.WriteFile(keyPath, []byte(base64.StdEncoding.EncodeToString(raw)), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := Open(filepath.Join(dir, "db"), keyPath)
	if err == nil {
		t.Fatal("expected error for world-readable key file")
	}
}

func TestTokenRoundTrip(t *testing.T) {
	s := testStore(t)

	if err := s.PutUser("u1", "Some_Bot", "Some Bot", true); err != nil {
		t.Fatalf("PutUser: %v", err)
	}

	if err := s.StoreTokens("u1", KindBot, "access-plaintext", "refresh-plaintext", 3600e9, []string{"chat:read"}); err != nil {
		t.Fatalf("StoreTokens: %v", err)
	}

	tok, err := s.GetTokens("u1", KindBot)
	if err != nil {
		t.Fatalf("GetTokens: %v", err)
	}
	if tok.AccessToken != "access-plaintext" || tok.RefreshToken != "refresh-plaintext" {
		t.Fatalf("round trip mismatch: %+v", tok)
	}
	if tok.Status != StatusValid || tok.RefreshFailures != 0 {
		t.Fatalf("expected fresh valid token with zero failures, got %+v", tok)
	}

	// The stored bytes must never equal the plaintext (I1).
	rec, err := s.loadTokenRecord("u1", KindBot)
	if err != nil {
		t.Fatalf("loadTokenRecord: %v", err)
	}
	if string(rec.Access.Ciphertext) == "access-plaintext" {
		t.Fatal("access ciphertext equals plaintext")
	}
}

func TestRefreshFailureThresholdSetsNeedsReauth(t *testing.T) {
	s := testStore(t)
	if err := s.PutUser("u2", "chan", "Chan", false); err != nil {
		t.Fatal(err)
	}
	if err := s.StoreTokens("u2", KindBroadcaster, "a", "r", 3600e9, nil); err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 2; i++ {
		n, err := s.IncrementRefreshFailures("u2", KindBroadcaster)
		if err != nil {
			t.Fatal(err)
		}
		if n != i {
			t.Fatalf("failure %d: expected count %d, got %d", i, i, n)
		}
		tok, _ := s.GetTokens("u2", KindBroadcaster)
		if tok.NeedsReauth {
			t.Fatalf("needs_reauth set too early at failure %d", i)
		}
	}

	n, err := s.IncrementRefreshFailures("u2", KindBroadcaster)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("expected count 3, got %d", n)
	}
	tok, err := s.GetTokens("u2", KindBroadcaster)
	if err != nil {
		t.Fatal(err)
	}
	if !tok.NeedsReauth || tok.Status != StatusExpired {
		t.Fatalf("expected needs_reauth and expired status, got %+v", tok)
	}

	// A subsequent successful store resets the counter to zero (I4).
	if err := s.StoreTokens("u2", KindBroadcaster, "a2", "r2", 3600e9, nil); err != nil {
		t.Fatal(err)
	}
	tok, err = s.GetTokens("u2", KindBroadcaster)
	if err != nil {
		t.Fatal(err)
	}
	if tok.RefreshFailures != 0 {
		t.Fatalf("expected failure counter reset to 0, got %d", tok.RefreshFailures)
	}
}

func TestGetTokensNotFound(t *testing.T) {
	s := testStore(t)
	if _, err := s.GetTokens("ghost", KindBot); err == nil {
		t.Fatal("expected not_found error")
	}
}

func TestDesiredSubscriptionIdempotent(t *testing.T) {
	s := testStore(t)
	if err := s.PutDesiredSubscription("chan1", "stream.online"); err != nil {
		t.Fatal(err)
	}
	if err := s.PutDesiredSubscription("chan1", "stream.online"); err != nil {
		t.Fatal(err)
	}
	rows, err := s.ListDesired()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly one desired subscription row, got %d", len(rows))
	}
}

func TestDeleteUserCascades(t *testing.T) {
	s := testStore(t)
	if err := s.PutUser("u3", "gone", "Gone", true); err != nil {
		t.Fatal(err)
	}
	if err := s.StoreTokens("u3", KindBot, "a", "r", 3600e9, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Audit(AuditEntry{Kind: "test_event", UserRef: "u3", Severity: SeverityInfo}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteUser("u3"); err != nil {
		t.Fatal(err)
	}

	if _, err := s.GetUserByID("u3"); err == nil {
		t.Fatal("expected user to be gone")
	}
	if _, err := s.GetTokens("u3", KindBot); err == nil {
		t.Fatal("expected tokens to be cascade-deleted")
	}

	entries, err := s.ListAudit(0)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range entries {
		if e.Kind == "test_event" {
			found = true
			if e.UserRef != "anonymized" {
				t.Fatalf("expected anonymized user ref, got %q", e.UserRef)
			}
		}
	}
	if !found {
		t.Fatal("expected audit entry to survive user deletion")
	}
}
