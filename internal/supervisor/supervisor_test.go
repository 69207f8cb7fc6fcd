package supervisor

import (
	"context"
	"encoding/json"
	"flag"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ElSerda/KissBot-sub000/internal/clock"
	"github.com/ElSerda/KissBot-sub000/internal/config"
	"github.com/ElSerda/KissBot-sub000/internal/logging"
	"github.com/ElSerda/KissBot-sub000/internal/tokenstore"
)

// TestMain lets this test binary double as the fake bot process the tests
// below spawn, in the manner of os/exec's own TestHelperProcess tests: a bot
// child is just this same binary re-executed with KISSBOT_TEST_HELPER=1,
// dialing its -handover socket like cmd/bot/main.go does and exiting 1 on
// any handover failure.
func TestMain(m *testing.M) {
	if os.Getenv("KISSBOT_TEST_HELPER") == "1" {
		runHelperBot()
		return
	}
	os.Exit(m.Run())
}

func runHelperBot() {
	fs := flag.NewFlagSet("bot", flag.ContinueOnError)
	_ = fs.String("channel", "", "")
	handover := fs.String("handover", "", "")
	_ = fs.Parse(os.Args[1:])

	conn, err := net.DialTimeout("unix", *handover, 3*time.Second)
	if err != nil {
		os.Exit(1)
	}
	defer conn.Close()

	var bundle tokenstore.TokenBundle
	if err := json.NewDecoder(conn).Decode(&bundle); err != nil {
		os.Exit(1)
	}

	if os.Getenv("KISSBOT_TEST_HELPER_CRASH") == "1" {
		os.Exit(1)
	}

	select {} // mimic a running bot until stop() signals it
}

// serveAdminResponses answers every connection to sockPath with the
// response resp() produces for that call, unlike serveOneAdminResponse in
// admin_client_test.go which only answers once.
func serveAdminResponses(t *testing.T, sockPath string, resp func() bundleResponse) (stop func()) {
	t.Helper()
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				var req bundleRequest
				_ = json.NewDecoder(conn).Decode(&req)
				_ = json.NewEncoder(conn).Encode(resp())
			}()
		}
	}()
	return func() { ln.Close() }
}

func testSupervisor(t *testing.T, adminSock string) *Supervisor {
	t.Helper()
	cfg := config.NewTestConfig()
	return New(cfg, logging.New(false), clock.Real{}, nil, "", os.Args[0], t.TempDir(), adminSock)
}

// TestHandleExitRespawnsBotWithFreshHandoverSocket exercises the bug a
// maintainer review flagged: handleExit must not reuse the crashed child's
// original -handover socket, since serveHandover deletes it after its one
// handshake. Before the fix this reproduced as the respawned bot dialing a
// deleted socket and exiting immediately; this test fails under that
// regression because the second s.exits event would arrive instead of the
// respawned bot staying up.
func TestHandleExitRespawnsBotWithFreshHandoverSocket(t *testing.T) {
	t.Setenv("KISSBOT_TEST_HELPER", "1")
	os.Setenv("KISSBOT_TEST_HELPER_CRASH", "1")
	defer os.Unsetenv("KISSBOT_TEST_HELPER_CRASH")

	runDir := t.TempDir()
	adminSock := filepath.Join(runDir, "admin.sock")
	bundle := &tokenstore.TokenBundle{Channel: "examplechannel", ChannelID: "u1", BotUserID: "u1", BotAccessToken: "tok"}
	stop := serveAdminResponses(t, adminSock, func() bundleResponse { return bundleResponse{Bundle: bundle} })
	defer stop()

	s := testSupervisor(t, adminSock)

	if err := s.startBot("examplechannel"); err != nil {
		t.Fatalf("startBot: %v", err)
	}

	var ev exitEvent
	select {
	case ev = <-s.exits:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for first crash")
	}
	if ev.c.label() != "bot:examplechannel" {
		t.Fatalf("unexpected exited child: %s", ev.c.label())
	}

	// The crash was a one-off; let the restart stay up so we can observe it.
	os.Unsetenv("KISSBOT_TEST_HELPER_CRASH")

	s.handleExit(context.Background(), ev)

	select {
	case ev2 := <-s.exits:
		t.Fatalf("bot exited again after restart, stale handover socket bug regressed: %v", ev2.err)
	case <-time.After(2 * time.Second):
	}

	s.mu.Lock()
	c, ok := s.bots["examplechannel"]
	s.mu.Unlock()
	if !ok {
		t.Fatal("expected a running bot child after restart")
	}
	c.stop(time.Second)
}

// TestHandleExitSkipsRestartWhenNeedsReauth covers invariant I5: a bot whose
// tokens crossed into needs_reauth while it was running must not be
// respawned by handleExit.
func TestHandleExitSkipsRestartWhenNeedsReauth(t *testing.T) {
	t.Setenv("KISSBOT_TEST_HELPER", "1")
	os.Setenv("KISSBOT_TEST_HELPER_CRASH", "1")
	defer os.Unsetenv("KISSBOT_TEST_HELPER_CRASH")

	runDir := t.TempDir()
	adminSock := filepath.Join(runDir, "admin.sock")
	bundle := &tokenstore.TokenBundle{Channel: "examplechannel", ChannelID: "u1", BotUserID: "u1", BotAccessToken: "tok"}

	requests := 0
	stop := serveAdminResponses(t, adminSock, func() bundleResponse {
		requests++
		if requests == 1 {
			return bundleResponse{Bundle: bundle}
		}
		return bundleResponse{Error: "needs_reauth: broadcaster account examplechannel: needs_reauth"}
	})
	defer stop()

	s := testSupervisor(t, adminSock)

	if err := s.startBot("examplechannel"); err != nil {
		t.Fatalf("startBot: %v", err)
	}

	var ev exitEvent
	select {
	case ev = <-s.exits:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for first crash")
	}

	s.handleExit(context.Background(), ev)

	select {
	case ev2 := <-s.exits:
		t.Fatalf("expected no respawn for a needs_reauth channel, got exit: %v", ev2.err)
	case <-time.After(1 * time.Second):
	}

	if requests < 2 {
		t.Fatalf("expected handleExit to re-check the bundle before restarting, got %d requests", requests)
	}
}
