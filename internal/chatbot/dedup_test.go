package chatbot

import "testing"

func TestDedupSuppressesRepeat(t *testing.T) {
	d := newDedup(3)
	if d.seenOrRecord("u1", "hello") {
		t.Fatal("first occurrence should not be seen")
	}
	if !d.seenOrRecord("u1", "hello") {
		t.Fatal("repeat occurrence should be seen")
	}
	if d.seenOrRecord("u2", "hello") {
		t.Fatal("different sender with same text should not be seen")
	}
}

func TestDedupEvictsOldestBeyondMaxSize(t *testing.T) {
	d := newDedup(2)
	d.seenOrRecord("u1", "a")
	d.seenOrRecord("u2", "b")
	d.seenOrRecord("u3", "c") // evicts u1/a

	if !d.seenOrRecord("u3", "c") {
		t.Fatal("expected c to still be tracked")
	}
	if d.seenOrRecord("u1", "a") {
		t.Fatal("expected a to have been evicted and treated as fresh")
	}
}
