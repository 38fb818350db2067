package broker

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/docsyncbroker/events"
	"github.com/adred-codev/docsyncbroker/message"
	"github.com/adred-codev/docsyncbroker/session"
	"github.com/adred-codev/docsyncbroker/storage"
	"github.com/adred-codev/docsyncbroker/storage/memstore"
)

// fakeTransport is an in-process Transport: WriteMessage appends to an
// outbound slice and ReadMessage drains a channel the test feeds, mirroring
// the recordingSink pattern session_test.go uses for the write half.
type fakeTransport struct {
	mu  sync.Mutex
	out []*message.Message

	in     chan *message.Message
	closed chan struct{}
	once   sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan *message.Message, 16), closed: make(chan struct{})}
}

func (f *fakeTransport) WriteMessage(m *message.Message) error {
	f.mu.Lock()
	f.out = append(f.out, m)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) ReadMessage(ctx context.Context) (*message.Message, error) {
	select {
	case m, ok := <-f.in:
		if !ok {
			return nil, io.EOF
		}
		return m, nil
	case <-f.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) deliver(m *message.Message) { f.in <- m }

func (f *fakeTransport) close() { f.once.Do(func() { close(f.closed) }) }

func (f *fakeTransport) messages() []*message.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*message.Message, len(f.out))
	copy(out, f.out)
	return out
}

func singleStorageFactory(store *memstore.Store) storage.Factory {
	return func(ctx context.Context, document, documentID string, msgCtx message.Context) (storage.DocumentStorage, error) {
		return store, nil
	}
}

func newTestBroker(t *testing.T, cfg Config) *Broker {
	t.Helper()
	if cfg.GetStorage == nil {
		cfg.GetStorage = singleStorageFactory(memstore.New())
	}
	cfg.Logger = zerolog.Nop()
	cfg.CleanupDelay = 50 * time.Millisecond
	return New(cfg)
}

func waitForCount(t *testing.T, count func() int, want int) {
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

func TestTwoClientFanOutAndAck(t *testing.T) {
	b := newTestBroker(t, Config{})
	defer b.Dispose(context.Background())

	ctxA, cancelA := context.WithCancel(context.Background())
	ctxB, cancelB := context.WithCancel(context.Background())
	defer cancelA()
	defer cancelB()

	tA, tB := newFakeTransport(), newFakeTransport()
	defer tA.close()
	defer tB.close()

	cA := b.CreateClient(ctxA, CreateClientOptions{Transport: tA, ID: "a"})
	cB := b.CreateClient(ctxB, CreateClientOptions{Transport: tB, ID: "b"})
	_ = cA
	_ = cB

	// Attach both to the same document by sending an initial sync-step-1.
	tA.deliver(&message.Message{ID: "s1", Type: message.TypeDoc, Document: "d1", Context: message.Context{ClientID: "a"},
		Doc: &message.DocPayload{Payload: message.DocSyncStep1, Vector: []byte("sv")}})
	tB.deliver(&message.Message{ID: "s2", Type: message.TypeDoc, Document: "d1", Context: message.Context{ClientID: "b"},
		Doc: &message.DocPayload{Payload: message.DocSyncStep1, Vector: []byte("sv")}})
	waitForCount(t, func() int { return len(tA.messages()) }, 3) // step2, step1, ack
	waitForCount(t, func() int { return len(tB.messages()) }, 3)

	update := &message.Message{ID: "u1", Type: message.TypeDoc, Document: "d1", Context: message.Context{ClientID: "a"},
		Doc: &message.DocPayload{Payload: message.DocUpdate, Update: []byte("hello")}}
	tA.deliver(update)

	waitForCount(t, func() int { return len(tB.messages()) }, 4)
	found := false
	for _, m := range tB.messages() {
		if m.Type == message.TypeDoc && m.Doc.Payload == message.DocUpdate {
			found = true
		}
	}
	if !found {
		t.Fatalf("B should have received the doc/update broadcast")
	}

	var ackedU1 bool
	for _, m := range tA.messages() {
		if m.Type == message.TypeAck && m.Ack.MessageID == "u1" {
			ackedU1 = true
		}
	}
	if !ackedU1 {
		t.Fatalf("A should have received an ack for u1")
	}
}

func TestPermissionDeniedOnWrite(t *testing.T) {
	denyWrites := func(ctx context.Context, req PermissionRequest) bool {
		return req.Type != PermissionWrite
	}
	b := newTestBroker(t, Config{CheckPermission: denyWrites})
	defer b.Dispose(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := newFakeTransport()
	defer tr.close()
	b.CreateClient(ctx, CreateClientOptions{Transport: tr, ID: "a"})

	update := &message.Message{ID: "u1", Type: message.TypeDoc, Document: "d1", Context: message.Context{ClientID: "a"},
		Doc: &message.DocPayload{Payload: message.DocUpdate, Update: []byte("hello")}}
	tr.deliver(update)

	waitForCount(t, func() int { return len(tr.messages()) }, 1)
	got := tr.messages()
	if got[0].Type != message.TypeDoc || got[0].Doc.Payload != message.DocAuthMessage || got[0].Doc.Auth.Permission != "denied" {
		t.Fatalf("expected doc/auth-message denial, got %+v", got[0])
	}
}

func TestSyncStep2DenialSurfacesAsSyncDone(t *testing.T) {
	denyWrites := func(ctx context.Context, req PermissionRequest) bool {
		return req.Type != PermissionWrite
	}
	b := newTestBroker(t, Config{CheckPermission: denyWrites})
	defer b.Dispose(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := newFakeTransport()
	defer tr.close()
	b.CreateClient(ctx, CreateClientOptions{Transport: tr, ID: "a"})

	step2 := &message.Message{ID: "s2", Type: message.TypeDoc, Document: "d1", Context: message.Context{ClientID: "a"},
		Doc: &message.DocPayload{Payload: message.DocSyncStep2, Update: []byte("diff")}}
	tr.deliver(step2)

	waitForCount(t, func() int { return len(tr.messages()) }, 1)
	got := tr.messages()
	if got[0].Doc.Payload != message.DocSyncDone {
		t.Fatalf("expected sync-done on denied sync-step-2, got %+v", got[0])
	}
}

func TestGetOrOpenSessionCoalesces(t *testing.T) {
	b := newTestBroker(t, Config{})
	defer b.Dispose(context.Background())

	const n = 16
	results := make([]interface{ NamespacedDocumentID() string }, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := b.GetOrOpenSession(context.Background(), OpenOptions{Document: "shared"})
			if err != nil {
				t.Errorf("GetOrOpenSession: %v", err)
				return
			}
			results[i] = s
		}(i)
	}
	wg.Wait()

	first := results[0]
	for i, r := range results {
		if r != first {
			t.Fatalf("session %d differs from session 0: concurrent opens did not coalesce", i)
		}
	}
}

func TestDisconnectClientRemovesFromSession(t *testing.T) {
	b := newTestBroker(t, Config{})
	defer b.Dispose(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := newFakeTransport()
	defer tr.close()
	b.CreateClient(ctx, CreateClientOptions{Transport: tr, ID: "a"})

	tr.deliver(&message.Message{ID: "s1", Type: message.TypeDoc, Document: "d1", Context: message.Context{ClientID: "a"},
		Doc: &message.DocPayload{Payload: message.DocSyncStep1, Vector: []byte("sv")}})
	waitForCount(t, func() int { return len(tr.messages()) }, 2)

	b.mu.Lock()
	_, attached := b.clientSessions["a"]
	b.mu.Unlock()
	if !attached {
		t.Fatalf("expected client a to be attached to a session")
	}

	b.DisconnectClient("a", events.ReasonManual)

	b.mu.Lock()
	_, stillAttached := b.clientSessions["a"]
	_, stillRegistered := b.clients["a"]
	b.mu.Unlock()
	if stillAttached || stillRegistered {
		t.Fatalf("DisconnectClient should remove both registry entries")
	}
}

func TestTransportFailureDisconnectsWithStreamEnded(t *testing.T) {
	b := newTestBroker(t, Config{})
	defer b.Dispose(context.Background())

	var gotReason events.DisconnectReason
	done := make(chan struct{})
	sub := b.Events().Subscribe(func(ev events.Event) {
		if ev.Name == events.ClientDisconnect {
			gotReason = ev.ClientDisconnect.Reason
			close(done)
		}
	})
	defer sub.Unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := newFakeTransport()
	b.CreateClient(ctx, CreateClientOptions{Transport: tr, ID: "a"})

	tr.close() // simulate the underlying connection ending

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected client-disconnect after transport failure")
	}
	if gotReason != events.ReasonStreamEnded {
		t.Fatalf("reason = %v, want %v", gotReason, events.ReasonStreamEnded)
	}
}

func TestDeleteDocumentEvictsClientsAndStorage(t *testing.T) {
	store := memstore.New()
	b := newTestBroker(t, Config{GetStorage: singleStorageFactory(store)})
	defer b.Dispose(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := newFakeTransport()
	defer tr.close()
	b.CreateClient(ctx, CreateClientOptions{Transport: tr, ID: "a"})

	update := &message.Message{ID: "u1", Type: message.TypeDoc, Document: "d1", Context: message.Context{ClientID: "a"},
		Doc: &message.DocPayload{Payload: message.DocUpdate, Update: []byte("hello")}}
	tr.deliver(update)
	waitForCount(t, func() int { return len(tr.messages()) }, 1)

	if err := b.DeleteDocument(context.Background(), "d1", message.Context{}, false); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}

	b.mu.Lock()
	_, stillOpen := b.sessions["d1"]
	_, stillAttached := b.clientSessions["a"]["d1"]
	b.mu.Unlock()
	if stillOpen {
		t.Fatalf("expected session to be removed from the registry after deletion")
	}
	if stillAttached {
		t.Fatalf("expected client a to be evicted from the deleted document")
	}

	meta, err := store.GetDocumentMetadata(context.Background(), "d1")
	if err != nil {
		t.Fatalf("GetDocumentMetadata: %v", err)
	}
	if meta.SizeBytes != 0 {
		t.Fatalf("expected stored document to be deleted, got SizeBytes=%d", meta.SizeBytes)
	}
}

func TestIngressRateLimitDropsExcessMessages(t *testing.T) {
	b := newTestBroker(t, Config{IngressRate: 0.001, IngressBurst: 1})
	defer b.Dispose(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := newFakeTransport()
	defer tr.close()
	b.CreateClient(ctx, CreateClientOptions{Transport: tr, ID: "a"})

	tr.deliver(&message.Message{ID: "a1", Type: message.TypeAwareness, Document: "d1", Context: message.Context{ClientID: "a"}})
	waitForCount(t, func() int { return len(tr.messages()) }, 1)

	tr.deliver(&message.Message{ID: "a2", Type: message.TypeAwareness, Document: "d1", Context: message.Context{ClientID: "a"}})
	time.Sleep(50 * time.Millisecond)
	if got := len(tr.messages()); got != 1 {
		t.Fatalf("expected the second message to be rate limited (no ack), got %d outbound messages", got)
	}
}

func TestErrEncryptionMismatchIsSessionSentinel(t *testing.T) {
	if !errors.Is(ErrEncryptionMismatch, session.ErrEncryptionMismatch) {
		t.Fatalf("broker.ErrEncryptionMismatch should be the session package's sentinel")
	}
}
