// Package storage defines the pluggable CRDT document store contract the
// session layer depends on. The CRDT merge algorithm itself is treated as
// a black box: this package only describes the shape of a store, the same
// way the teacher treats its persistence layer as an interface injected
// into the session/connection code rather than owning the algorithm.
package storage

import (
	"context"

	"github.com/adred-codev/docsyncbroker/message"
)

// Document is the result of a sync-step-1 exchange: the diff the remote
// side needs, plus this side's state vector.
type Document struct {
	ID      string
	Meta    Metadata
	Update  []byte
	Vector  []byte
}

// Metadata describes the current state of a stored document.
type Metadata struct {
	SizeBytes            int64
	SizeWarningThreshold int64 // 0 means unset
	SizeLimit            int64 // 0 means unset
}

// DocumentStorage is the contract a Session is parameterised by. Every
// method takes the namespaced document id. Implementations must serialise
// doc-content mutations (HandleSyncStep2, HandleUpdate) for a given id
// themselves; callers rely on that for correctness, not on external
// locking.
type DocumentStorage interface {
	// HandleSyncStep1 produces the diff the remote side needs plus this
	// side's state vector, given the remote's stateVector.
	HandleSyncStep1(ctx context.Context, docID string, stateVector []byte) (*Document, error)

	// HandleSyncStep2 ingests a remote diff.
	HandleSyncStep2(ctx context.Context, docID string, update []byte) error

	// HandleUpdate ingests an incremental update produced by a client.
	HandleUpdate(ctx context.Context, docID string, update []byte) error

	GetDocument(ctx context.Context, docID string) (*Document, error)
	GetDocumentMetadata(ctx context.Context, docID string) (Metadata, error)
	WriteDocumentMetadata(ctx context.Context, docID string, meta Metadata) error
	DeleteDocument(ctx context.Context, docID string) error

	// Transaction serialises metadata updates for a given doc.
	Transaction(ctx context.Context, docID string, fn func(ctx context.Context) error) error
}

// EncryptedDocumentStorage is an optional extension a DocumentStorage may
// also implement. When present, the session routes update/sync-step-2
// payloads through it first; the returned (possibly transformed, possibly
// nil/empty) payloads are what gets broadcast and published, never the
// raw client payload.
type EncryptedDocumentStorage interface {
	DocumentStorage

	// HandleEncryptedUpdate may transform or suppress the payload. A nil
	// return means nothing should be broadcast for this update.
	HandleEncryptedUpdate(ctx context.Context, docID string, update []byte) ([]byte, error)

	// HandleEncryptedSyncStep2 may return zero or more payloads, each of
	// which the session broadcasts/publishes as an independent doc/update.
	HandleEncryptedSyncStep2(ctx context.Context, docID string, update []byte) ([][]byte, error)
}

// Factory builds (or retrieves) the storage handle for a document. It is
// the `getStorage` enumerated option from the broker's configuration:
// {document, documentId, context, server}, modelled here as discrete
// parameters since this is a systems-language port, not the loosely-typed
// original. The `server` option is deliberately omitted: the broker
// package depends on storage, so threading a broker handle back through
// here would form an import cycle; implementations that need process-wide
// state should close over it when the Factory is constructed instead.
type Factory func(ctx context.Context, document, documentID string, msgCtx message.Context) (DocumentStorage, error)
