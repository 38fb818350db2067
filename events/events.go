// Package events is the observable lifecycle bus the broker and sessions
// emit on, consumed by external monitoring/audit collaborators (metrics,
// status endpoints). It follows the teacher's Alerter fan-out pattern
// from internal/shared/monitoring/alerting.go: listeners are plain
// functions, and Bus.Emit calls them synchronously on the emitting
// goroutine, so a slow listener delays the emitting path.
package events

// Name identifies one of the lifecycle event kinds.
type Name string

const (
	ClientConnect              Name = "client-connect"
	ClientDisconnect           Name = "client-disconnect"
	DocumentLoad               Name = "document-load"
	DocumentUnload             Name = "document-unload"
	DocumentClientConnect      Name = "document-client-connect"
	DocumentClientDisconnect   Name = "document-client-disconnect"
	ClientMessage              Name = "client-message"
	DocumentMessage            Name = "document-message"
	DocumentWrite              Name = "document-write"
	DocumentSizeWarning        Name = "document-size-warning"
	DocumentSizeLimitExceeded  Name = "document-size-limit-exceeded"
	DocumentDelete             Name = "document-delete"
	BeforeServerShutdown       Name = "before-server-shutdown"
	AfterServerShutdown        Name = "after-server-shutdown"
)

// DisconnectReason enumerates why a client was disconnected.
type DisconnectReason string

const (
	ReasonAbort       DisconnectReason = "abort"
	ReasonStreamEnded DisconnectReason = "stream-ended"
	ReasonManual      DisconnectReason = "manual"
	ReasonDispose     DisconnectReason = "dispose"
)

// UnloadReason enumerates why a document session was unloaded.
type UnloadReason string

const (
	UnloadIdle    UnloadReason = "idle"
	UnloadDispose UnloadReason = "dispose"
)

// Direction is the direction of a client-message event.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// MessageSource distinguishes whether a document-message originated from
// a connected client or from cross-node replication.
type MessageSource string

const (
	SourceClient      MessageSource = "client"
	SourceReplication MessageSource = "replication"
)

// Event is the sum type emitted on the bus; exactly one payload field is
// non-nil, selected by Name.
type Event struct {
	Name Name

	ClientConnect             *ClientConnectPayload
	ClientDisconnect          *ClientDisconnectPayload
	DocumentLoad              *DocumentLoadPayload
	DocumentUnload            *DocumentUnloadPayload
	DocumentClientConnect     *DocumentClientPayload
	DocumentClientDisconnect  *DocumentClientPayload
	ClientMessage             *ClientMessagePayload
	DocumentMessage           *DocumentMessagePayload
	DocumentWrite             *DocumentWritePayload
	DocumentSizeWarning       *DocumentSizePayload
	DocumentSizeLimitExceeded *DocumentSizePayload
	DocumentDelete            *DocumentDeletePayload
	BeforeServerShutdown      *BeforeShutdownPayload
	AfterServerShutdown       *AfterShutdownPayload
}

type ClientConnectPayload struct{ ClientID string }

type ClientDisconnectPayload struct {
	ClientID string
	Reason   DisconnectReason
}

type DocumentLoadPayload struct {
	DocumentID string
	SessionID  string
	Encrypted  bool
	Room       string
}

type DocumentUnloadPayload struct {
	DocumentID string
	SessionID  string
	Reason     UnloadReason
}

type DocumentClientPayload struct {
	ClientID   string
	DocumentID string
	SessionID  string
}

type ClientMessagePayload struct {
	ClientID    string
	Direction   Direction
	MessageType string
	DocumentID  string
}

type DocumentMessagePayload struct {
	MessageID    string
	MessageType  string
	PayloadType  string
	Source       MessageSource
	SourceNodeID string
	Deduped      bool
}

type DocumentWritePayload struct {
	DocumentID           string
	NamespacedDocumentID string
	Encrypted            bool
}

type DocumentSizePayload struct {
	DocumentID string
	SizeBytes  int64
	Threshold  int64
}

type DocumentDeletePayload struct {
	DocumentID string
	Encrypted  bool
}

type BeforeShutdownPayload struct {
	ActiveSessions  int
	PendingSessions int
}

type AfterShutdownPayload struct {
	NodeID string
}

// Listener receives every Event published on a Bus it is registered to.
type Listener func(Event)
