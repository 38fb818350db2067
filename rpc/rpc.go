// Package rpc is the handler registry for rpc/request messages routed by
// a Session. Handlers are plain functions over (payload, context); the
// session fills context with {session, documentId, userId, clientId}
// before invocation. The Server handle is not filled in and stays nil.
package rpc

import (
	"context"
	"encoding/json"
)

// Context is the enriched invocation context a handler receives.
type Context struct {
	DocumentID string
	UserID     string
	ClientID   string

	// Session and Server are opaque handles typed any here to avoid an
	// import cycle between rpc and session/broker; callers type-assert to
	// their concrete type. Session dispatch sets Session to the
	// *session.Session and leaves Server nil.
	Session any
	Server  any
}

// Handler answers a single rpc/request with a single rpc/response.
type Handler func(ctx context.Context, rpcCtx Context, payload json.RawMessage) (json.RawMessage, error)

// StreamChunk is one chunk a StreamHandler yields before the final
// response.
type StreamChunk struct {
	Data json.RawMessage
}

// StreamHandler answers an rpc/request whose requestType is "stream": it
// yields zero or more chunks on ch (each sent as an rpc/stream keyed to
// the request id) before returning the final response payload.
type StreamHandler func(ctx context.Context, rpcCtx Context, payload json.RawMessage, ch chan<- StreamChunk) (json.RawMessage, error)

// Entry is what a method registers: a request handler and, optionally, a
// stream handler for the same method name.
type Entry struct {
	Request Handler
	Stream  StreamHandler
}

// Registry maps method name to its registered Entry. Not safe for
// concurrent registration after construction is complete; callers
// register every handler during setup before the broker starts routing.
type Registry struct {
	methods map[string]Entry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{methods: make(map[string]Entry)}
}

// Register adds or replaces the Entry for method.
func (r *Registry) Register(method string, entry Entry) {
	r.methods[method] = entry
}

// Lookup returns the Entry for method and whether it was found.
func (r *Registry) Lookup(method string) (Entry, bool) {
	e, ok := r.methods[method]
	return e, ok
}
