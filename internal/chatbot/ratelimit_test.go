package chatbot

import (
	"testing"
	"time"
)

func TestSlidingWindowLimiterCapsBursts(t *testing.T) {
	l := newSlidingWindowLimiter(2, time.Minute)
	if !l.Allow() {
		t.Fatal("first send should be allowed")
	}
	if !l.Allow() {
		t.Fatal("second send should be allowed")
	}
	if l.Allow() {
		t.Fatal("third send within window should be rejected")
	}
}

func TestSlidingWindowLimiterRecoversAfterWindow(t *testing.T) {
	l := newSlidingWindowLimiter(1, 20*time.Millisecond)
	if !l.Allow() {
		t.Fatal("first send should be allowed")
	}
	if l.Allow() {
		t.Fatal("second send within window should be rejected")
	}
	time.Sleep(30 * time.Millisecond)
	if !l.Allow() {
		t.Fatal("send after window elapses should be allowed")
	}
}
