package rpc

import (
	"context"
	"encoding/json"
	"testing"
)

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	r.Register("echo", Entry{
		Request: func(ctx context.Context, rpcCtx Context, payload json.RawMessage) (json.RawMessage, error) {
			return payload, nil
		},
	})

	entry, ok := r.Lookup("echo")
	if !ok {
		t.Fatalf("expected echo to be registered")
	}
	out, err := entry.Request(context.Background(), Context{}, json.RawMessage(`{"a":1}`))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(out) != `{"a":1}` {
		t.Fatalf("unexpected echo result: %s", out)
	}

	if _, ok := r.Lookup("nonexistent"); ok {
		t.Fatalf("expected nonexistent method to be unregistered")
	}
}
