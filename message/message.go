// Package message defines the wire-level document-sync message model:
// a tagged variant over {doc, awareness, rpc, ack, ping/pong} with stable
// ids and a JSON binary encoding, mirroring the envelope pattern the
// teacher server uses for its WebSocket payloads.
package message

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Type is the outer message discriminant.
type Type string

const (
	TypeDoc       Type = "doc"
	TypeAwareness Type = "awareness"
	TypeRPC       Type = "rpc"
	TypeAck       Type = "ack"
	TypePing      Type = "ping"
	TypePong      Type = "pong"
)

// DocPayloadType is the inner discriminant for TypeDoc messages.
type DocPayloadType string

const (
	DocSyncStep1   DocPayloadType = "sync-step-1"
	DocSyncStep2   DocPayloadType = "sync-step-2"
	DocUpdate      DocPayloadType = "update"
	DocSyncDone    DocPayloadType = "sync-done"
	DocAuthMessage DocPayloadType = "auth-message"
)

// RPCRequestType distinguishes the three shapes an rpc message can take.
type RPCRequestType string

const (
	RPCRequest  RPCRequestType = "request"
	RPCStream   RPCRequestType = "stream"
	RPCResponse RPCRequestType = "response"
)

// Context carries the identity the broker routes on. ClientID is always
// present; UserID and Room are populated by the transport adapter from
// its own auth/session state.
type Context struct {
	ClientID string `json:"clientId"`
	UserID   string `json:"userId,omitempty"`
	Room     string `json:"room,omitempty"`
}

// DocPayload is the body of a TypeDoc message.
type DocPayload struct {
	Payload DocPayloadType  `json:"payload"`
	Update  []byte          `json:"update,omitempty"`      // sync-step-2, update
	Vector  []byte          `json:"stateVector,omitempty"` // sync-step-1
	Auth    *AuthPayload    `json:"auth,omitempty"`        // auth-message
}

// AuthPayload is the body of a doc/auth-message sent server->client.
type AuthPayload struct {
	Permission string `json:"permission"` // "denied"
	Reason     string `json:"reason,omitempty"`
}

// RPCPayload is the body of a TypeRPC message.
type RPCPayload struct {
	Method            string          `json:"method"`
	RequestType       RPCRequestType  `json:"requestType"`
	OriginalRequestID string          `json:"originalRequestId,omitempty"`
	Data              json.RawMessage `json:"data,omitempty"`
	Error             *RPCError       `json:"error,omitempty"`
}

// RPCError is carried by an rpc/response on failure.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// AckPayload is the body of a TypeAck message.
type AckPayload struct {
	MessageID string `json:"messageId"`
}

// Message is the immutable, fully-decoded envelope routed by the broker.
// Encoded holds the canonical wire bytes; Decode stores the received
// bytes, a built Message is serialized on its first Encoded call, and the
// result is never recomputed, so publishing a message on pub/sub always
// transmits exactly what was received or built.
type Message struct {
	ID        string   `json:"id"`
	Type      Type     `json:"type"`
	Document  string   `json:"document"`
	Context   Context  `json:"context"`
	Encrypted bool     `json:"encrypted"`
	Awareness []byte   `json:"awareness,omitempty"`

	Doc *DocPayload `json:"doc,omitempty"`
	RPC *RPCPayload `json:"rpc,omitempty"`
	Ack *AckPayload `json:"ack,omitempty"`

	encoded []byte
}

// Encoded returns the canonical binary form. It is computed lazily and
// cached so repeated publishes/broadcasts of the same Message never
// re-serialize it.
func (m *Message) Encoded() []byte {
	if m.encoded == nil {
		b, err := json.Marshal(m)
		if err != nil {
			// Message fields are always JSON-safe; a failure here means a
			// caller built an invalid Message, which is a programmer error.
			panic(fmt.Sprintf("message: encode: %v", err))
		}
		m.encoded = b
	}
	return m.encoded
}

// NewID returns a fresh, globally-unique opaque message id.
func NewID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(fmt.Sprintf("message: id generation: %v", err))
	}
	return hex.EncodeToString(buf[:])
}

// Resolver lets callers decode RPC payloads with method-specific schemas.
// It is given the raw request/response bytes and the method name; unknown
// methods should return the bytes unchanged (opaque payload) rather than
// an error, so decode never fails on a method it doesn't recognize.
type Resolver interface {
	ResolveRPC(method string, raw json.RawMessage) (json.RawMessage, error)
}

// PassthroughResolver returns every payload unchanged. It is the default
// resolver used when the caller has no method-specific schemas to apply.
type PassthroughResolver struct{}

func (PassthroughResolver) ResolveRPC(_ string, raw json.RawMessage) (json.RawMessage, error) {
	return raw, nil
}

// Encode produces the canonical wire form for m. It is equivalent to
// m.Encoded() but named to match the encode/decode pair described in the
// sync protocol.
func Encode(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses bytes produced by Encode/Encoded back into a Message.
// Every routed field must round-trip byte-for-byte; resolver is consulted
// only for rpc payloads so method-specific schemas can be applied without
// this package knowing about them.
func Decode(b []byte, resolver Resolver) (*Message, error) {
	if resolver == nil {
		resolver = PassthroughResolver{}
	}
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("message: decode: %w", err)
	}
	if m.RPC != nil && len(m.RPC.Data) > 0 {
		resolved, err := resolver.ResolveRPC(m.RPC.Method, m.RPC.Data)
		if err != nil {
			// An unresolvable payload still decodes successfully as an
			// opaque blob; the broker answers it with a 501 at dispatch time.
			resolved = m.RPC.Data
		}
		m.RPC.Data = resolved
	}
	m.encoded = append([]byte(nil), b...)
	return &m, nil
}
