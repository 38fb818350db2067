package message

import (
	"encoding/json"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	m := &Message{
		ID:        NewID(),
		Type:      TypeDoc,
		Document:  "doc1",
		Context:   Context{ClientID: "c1", Room: "room1"},
		Encrypted: true,
		Doc: &DocPayload{
			Payload: DocUpdate,
			Update:  []byte{1, 2, 3},
		},
	}

	encoded := m.Encoded()
	got, err := Decode(encoded, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got.ID != m.ID {
		t.Fatalf("id mismatch: got %s want %s", got.ID, m.ID)
	}
	if got.Type != m.Type || got.Document != m.Document || got.Encrypted != m.Encrypted {
		t.Fatalf("routed fields mismatch: %+v vs %+v", got, m)
	}
	if got.Context != m.Context {
		t.Fatalf("context mismatch: %+v vs %+v", got.Context, m.Context)
	}
	if got.Doc == nil || got.Doc.Payload != DocUpdate || string(got.Doc.Update) != string(m.Doc.Update) {
		t.Fatalf("doc payload mismatch: %+v", got.Doc)
	}

	again, err := Decode(got.Encoded(), nil)
	if err != nil {
		t.Fatalf("second Decode: %v", err)
	}
	if string(again.Encoded()) != string(encoded) {
		t.Fatalf("re-encoded bytes differ across round-trips")
	}
}

func TestNamespacedDocumentID(t *testing.T) {
	cases := []struct {
		doc  string
		ctx  Context
		want string
	}{
		{"d1", Context{ClientID: "c1"}, "d1"},
		{"d1", Context{ClientID: "c1", Room: "room1"}, "room1/d1"},
	}
	for _, tc := range cases {
		if got := NamespacedDocumentID(tc.doc, tc.ctx); got != tc.want {
			t.Errorf("NamespacedDocumentID(%q, %+v) = %q, want %q", tc.doc, tc.ctx, got, tc.want)
		}
	}
}

func TestDecodeUnknownRPCMethodIsOpaque(t *testing.T) {
	m := &Message{
		ID:       NewID(),
		Type:     TypeRPC,
		Document: "doc1",
		Context:  Context{ClientID: "c1"},
		RPC: &RPCPayload{
			Method:      "nonexistent.method",
			RequestType: RPCRequest,
			Data:        json.RawMessage(`{"foo":"bar"}`),
		},
	}
	got, err := Decode(m.Encoded(), nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(got.RPC.Data) != `{"foo":"bar"}` {
		t.Fatalf("expected opaque passthrough, got %s", got.RPC.Data)
	}
}
