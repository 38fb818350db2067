package dedupe

import (
	"testing"
	"time"
)

func TestShouldAcceptOncePerPair(t *testing.T) {
	d := New(time.Minute)
	defer d.Close()

	if !d.ShouldAccept("doc1", "m1") {
		t.Fatalf("first observation of (doc1, m1) should be accepted")
	}
	if d.ShouldAccept("doc1", "m1") {
		t.Fatalf("second observation of (doc1, m1) should be rejected")
	}
	if !d.ShouldAccept("doc1", "m2") {
		t.Fatalf("distinct message id should be accepted")
	}
	if !d.ShouldAccept("doc2", "m1") {
		t.Fatalf("same message id under a different document should be accepted")
	}
}

func TestShouldAcceptExpiresAfterTTL(t *testing.T) {
	d := New(time.Millisecond)
	defer d.Close()

	fixed := time.Now()
	d.now = func() time.Time { return fixed }

	if !d.ShouldAccept("doc1", "m1") {
		t.Fatalf("first observation should be accepted")
	}

	d.now = func() time.Time { return fixed.Add(2 * time.Millisecond) }
	if !d.ShouldAccept("doc1", "m1") {
		t.Fatalf("observation past ttl should be accepted again")
	}
}
