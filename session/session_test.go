package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/docsyncbroker/client"
	"github.com/adred-codev/docsyncbroker/dedupe"
	"github.com/adred-codev/docsyncbroker/events"
	"github.com/adred-codev/docsyncbroker/message"
	"github.com/adred-codev/docsyncbroker/pubsub"
	"github.com/adred-codev/docsyncbroker/storage/memstore"
)

type recordingSink struct {
	mu   sync.Mutex
	got  []*message.Message
}

func (r *recordingSink) WriteMessage(m *message.Message) error {
	r.mu.Lock()
	r.got = append(r.got, m)
	r.mu.Unlock()
	return nil
}

func (r *recordingSink) messages() []*message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*message.Message, len(r.got))
	copy(out, r.got)
	return out
}

func newTestSession(t *testing.T, bus *pubsub.InMemory, nodeID string, onCleanup func(*Session)) *Session {
	t.Helper()
	s := New(Config{
		DocumentID:           "d1",
		NamespacedDocumentID: "d1",
		SessionID:            message.NewID(),
		Storage:              memstore.New(),
		PubSub:               bus,
		NodeID:               nodeID,
		Dedupe:               dedupe.New(time.Minute),
		Events:               events.NewBus(),
		CleanupDelay:         50 * time.Millisecond,
		OnCleanupScheduled:   onCleanup,
		Logger:               zerolog.Nop(),
	})
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return s
}

func TestTwoClientFanOutSameNode(t *testing.T) {
	bus := pubsub.NewInMemory(8, zerolog.Nop())
	defer bus.Dispose()
	s := newTestSession(t, bus, "node1", nil)

	sinkA, sinkB := &recordingSink{}, &recordingSink{}
	a := client.New("a", sinkA)
	b := client.New("b", sinkB)
	defer a.Destroy()
	defer b.Destroy()

	s.AddClient(a)
	s.AddClient(b)

	update := &message.Message{
		ID: "u1", Type: message.TypeDoc, Document: "d1", Context: message.Context{ClientID: "a"},
		Doc: &message.DocPayload{Payload: message.DocUpdate, Update: []byte("hello")},
	}
	if err := s.Apply(context.Background(), update, a, nil); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	waitForN(t, func() int { return len(sinkB.messages()) }, 1)
	if got := sinkB.messages(); len(got) != 1 || got[0].Doc.Payload != message.DocUpdate {
		t.Fatalf("B should receive exactly one doc/update, got %+v", got)
	}
	if got := sinkA.messages(); len(got) != 0 {
		t.Fatalf("A (the sender) should not receive its own update, got %+v", got)
	}
}

func TestSyncHandshakeOrdering(t *testing.T) {
	bus := pubsub.NewInMemory(8, zerolog.Nop())
	defer bus.Dispose()
	s := newTestSession(t, bus, "node1", nil)

	sinkA := &recordingSink{}
	a := client.New("a", sinkA)
	defer a.Destroy()
	s.AddClient(a)

	step1 := &message.Message{
		ID: "s1", Type: message.TypeDoc, Document: "d1", Context: message.Context{ClientID: "a"},
		Doc: &message.DocPayload{Payload: message.DocSyncStep1, Vector: []byte("sv")},
	}
	if err := s.Apply(context.Background(), step1, a, nil); err != nil {
		t.Fatalf("Apply sync-step-1: %v", err)
	}

	waitForN(t, func() int { return len(sinkA.messages()) }, 2)
	got := sinkA.messages()
	if got[0].Doc.Payload != message.DocSyncStep2 {
		t.Fatalf("expected sync-step-2 first, got %s", got[0].Doc.Payload)
	}
	if got[1].Doc.Payload != message.DocSyncStep1 {
		t.Fatalf("expected sync-step-1 second, got %s", got[1].Doc.Payload)
	}

	step2 := &message.Message{
		ID: "s2", Type: message.TypeDoc, Document: "d1", Context: message.Context{ClientID: "a"},
		Doc: &message.DocPayload{Payload: message.DocSyncStep2, Update: []byte("diff")},
	}
	if err := s.Apply(context.Background(), step2, a, nil); err != nil {
		t.Fatalf("Apply sync-step-2: %v", err)
	}

	waitForN(t, func() int { return len(sinkA.messages()) }, 3)
	got = sinkA.messages()
	if got[2].Doc.Payload != message.DocSyncDone {
		t.Fatalf("expected sync-done, got %s", got[2].Doc.Payload)
	}
}

func TestCleanupGraceCancelledByReconnect(t *testing.T) {
	bus := pubsub.NewInMemory(8, zerolog.Nop())
	defer bus.Dispose()

	var fired bool
	var mu sync.Mutex
	s := newTestSession(t, bus, "node1", func(s *Session) {
		mu.Lock()
		fired = true
		mu.Unlock()
	})

	sinkA := &recordingSink{}
	a := client.New("a", sinkA)
	defer a.Destroy()

	s.AddClient(a)
	s.RemoveClient("a")
	s.AddClient(a) // reconnect before the 50ms grace window elapses

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if fired {
		t.Fatalf("cleanup should not fire after a reconnect within the grace window")
	}
}

func TestCleanupFiresWhenLeftEmpty(t *testing.T) {
	bus := pubsub.NewInMemory(8, zerolog.Nop())
	defer bus.Dispose()

	fired := make(chan struct{})
	s := newTestSession(t, bus, "node1", func(s *Session) { close(fired) })

	sinkA := &recordingSink{}
	a := client.New("a", sinkA)
	defer a.Destroy()

	s.AddClient(a)
	s.RemoveClient("a")

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatalf("expected cleanup to fire when no client reconnects")
	}
}

func TestCrossNodeReplicationWithSelfEchoSuppression(t *testing.T) {
	bus := pubsub.NewInMemory(8, zerolog.Nop())
	defer bus.Dispose()

	n1 := newTestSession(t, bus, "node1", nil)
	n2 := newTestSession(t, bus, "node2", nil)

	sinkA, sinkB := &recordingSink{}, &recordingSink{}
	a := client.New("a", sinkA)
	b := client.New("b", sinkB)
	defer a.Destroy()
	defer b.Destroy()

	n1.AddClient(a)
	n2.AddClient(b)

	update := &message.Message{
		ID: "u1", Type: message.TypeDoc, Document: "d1", Context: message.Context{ClientID: "a"},
		Doc: &message.DocPayload{Payload: message.DocUpdate, Update: []byte("hello")},
	}
	if err := n1.Apply(context.Background(), update, a, nil); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	waitForN(t, func() int { return len(sinkB.messages()) }, 1)
	if got := sinkA.messages(); len(got) != 0 {
		t.Fatalf("node1's own client should not observe a re-applied copy, got %+v", got)
	}
}

func TestEncryptionMismatchRejected(t *testing.T) {
	bus := pubsub.NewInMemory(8, zerolog.Nop())
	defer bus.Dispose()
	s := newTestSession(t, bus, "node1", nil)

	m := &message.Message{ID: "m1", Type: message.TypeAwareness, Encrypted: true}
	if err := s.Apply(context.Background(), m, nil, nil); err != ErrEncryptionMismatch {
		t.Fatalf("Apply with mismatched encrypted flag = %v, want ErrEncryptionMismatch", err)
	}
}

func waitForN(t *testing.T, count func() int, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if count() >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected count >= %d within deadline, got %d", want, count())
}
