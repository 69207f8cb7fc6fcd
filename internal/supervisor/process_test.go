package supervisor

import (
	"testing"
	"time"
)

func TestRestartPolicyImmediateThenBackoff(t *testing.T) {
	p := newRestartPolicy(2, time.Minute, time.Hour)
	now := time.Now()

	if d := p.noteExit(now); d != 0 {
		t.Fatalf("1st crash: got delay %v, want 0", d)
	}
	if d := p.noteExit(now); d != 0 {
		t.Fatalf("2nd crash: got delay %v, want 0", d)
	}
	if d := p.noteExit(now); d != time.Minute {
		t.Fatalf("3rd crash: got delay %v, want 1m", d)
	}
	if p.Count() != 3 {
		t.Fatalf("Count() = %d, want 3", p.Count())
	}
}

func TestRestartPolicyResetsAfterCooldown(t *testing.T) {
	p := newRestartPolicy(1, time.Minute, 10*time.Second)
	base := time.Now()

	p.noteExit(base)
	p.noteExit(base) // past budget, would normally back off

	p.noteStarted(base.Add(time.Second))
	// A crash long after the cooldown elapsed should reset the counter
	// and be treated as a fresh start.
	d := p.noteExit(base.Add(time.Minute))
	if d != 0 {
		t.Fatalf("got delay %v after cooldown reset, want 0", d)
	}
	if p.Count() != 1 {
		t.Fatalf("Count() = %d, want 1 after reset", p.Count())
	}
}
