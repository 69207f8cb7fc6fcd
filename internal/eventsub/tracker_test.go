package eventsub

import "testing"

func TestTrackerPutRemoveSnapshot(t *testing.T) {
	tr := newTracker()
	tr.put("chan1", "stream.online", "sub-1")
	tr.put("chan1", "stream.offline", "sub-2")

	if !tr.has("chan1", "stream.online") {
		t.Fatal("expected tracked key to be present")
	}
	if len(tr.snapshot()) != 2 {
		t.Fatalf("expected 2 tracked keys, got %d", len(tr.snapshot()))
	}

	tr.remove("chan1", "stream.online")
	if tr.has("chan1", "stream.online") {
		t.Fatal("expected key to be removed")
	}
	if len(tr.snapshot()) != 1 {
		t.Fatalf("expected 1 tracked key after remove, got %d", len(tr.snapshot()))
	}

	tr.reset()
	if len(tr.snapshot()) != 0 {
		t.Fatal("expected reset to clear all tracked keys")
	}
}

func TestVersionForDefaultsAndOverrides(t *testing.T) {
	if v := versionFor("channel.follow"); v != "2" {
		t.Fatalf("expected channel.follow to pin version 2, got %s", v)
	}
	if v := versionFor("stream.online"); v != "1" {
		t.Fatalf("expected unlisted topic to default to version 1, got %s", v)
	}
}

func TestExtractBroadcasterID(t *testing.T) {
	id := extractBroadcasterID([]byte(`{"broadcaster_user_id":"12345","broadcaster_user_login":"chan"}`))
	if id != "12345" {
		t.Fatalf("expected 12345, got %q", id)
	}
	if extractBroadcasterID([]byte(`{}`)) != "" {
		t.Fatal("expected empty string for missing field")
	}
}
