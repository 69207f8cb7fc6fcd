package supervisor

import (
	"encoding/json"
	"net"
	"path/filepath"
	"testing"

	"github.com/ElSerda/KissBot-sub000/internal/tokenstore"
)

func serveOneAdminResponse(t *testing.T, sockPath string, resp bundleResponse) {
	t.Helper()
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		defer ln.Close()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var req bundleRequest
		_ = json.NewDecoder(conn).Decode(&req)
		_ = json.NewEncoder(conn).Encode(resp)
	}()
}

func TestRequestBundleSuccess(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "admin.sock")
	want := &tokenstore.TokenBundle{Channel: "examplechannel", ChannelID: "u1", BotUserID: "u1", BotAccessToken: "tok"}
	serveOneAdminResponse(t, sockPath, bundleResponse{Bundle: want})

	got, err := requestBundle(sockPath, "examplechannel", "")
	if err != nil {
		t.Fatalf("requestBundle: %v", err)
	}
	if *got != *want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestRequestBundleNeedsReauth(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "admin.sock")
	serveOneAdminResponse(t, sockPath, bundleResponse{Error: "needs_reauth: broadcaster account examplechannel: needs_reauth"})

	_, err := requestBundle(sockPath, "examplechannel", "")
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestRequestBundleNoListener(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "missing.sock")
	_, err := requestBundle(sockPath, "examplechannel", "")
	if err == nil {
		t.Fatal("expected dial error")
	}
}
