// Package memstore is a reference, in-memory storage.DocumentStorage
// implementation. It does not implement CRDT merge semantics (no example
// in the pack ships a CRDT library); instead it keeps an append-only log of
// update payloads per document, concatenated on read, which is enough
// to exercise the full session state machine and is what a from-scratch
// reference store looks like when the merge algorithm is out of scope.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/adred-codev/docsyncbroker/storage"
)

type docState struct {
	mu      sync.Mutex
	txMu    sync.Mutex // serialises Transaction calls without holding mu
	updates [][]byte
	meta    storage.Metadata
}

func (d *docState) sizeBytes() int64 {
	var n int64
	for _, u := range d.updates {
		n += int64(len(u))
	}
	return n
}

// Store is a concurrency-safe, process-local DocumentStorage. It mirrors
// the teacher's preference for a mutex-guarded map over connection/session
// state (see client/client.go, session/session.go), generalised here to
// per-document update logs instead of per-client outbound queues.
type Store struct {
	mu   sync.RWMutex
	docs map[string]*docState
}

// New returns an empty Store.
func New() *Store {
	return &Store{docs: make(map[string]*docState)}
}

func (s *Store) getOrCreate(docID string) *docState {
	s.mu.RLock()
	d, ok := s.docs[docID]
	s.mu.RUnlock()
	if ok {
		return d
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.docs[docID]; ok {
		return d
	}
	d = &docState{}
	s.docs[docID] = d
	return d
}

// HandleSyncStep1 returns the whole concatenated update log as the diff.
// memstore keeps no state vector of its own: the returned Vector is the
// caller's stateVector, unchanged.
func (s *Store) HandleSyncStep1(ctx context.Context, docID string, stateVector []byte) (*storage.Document, error) {
	d := s.getOrCreate(docID)
	d.mu.Lock()
	defer d.mu.Unlock()
	var diff []byte
	for _, u := range d.updates {
		diff = append(diff, u...)
	}
	return &storage.Document{
		ID:     docID,
		Meta:   d.meta,
		Update: diff,
		Vector: stateVector,
	}, nil
}

func (s *Store) HandleSyncStep2(ctx context.Context, docID string, update []byte) error {
	return s.HandleUpdate(ctx, docID, update)
}

func (s *Store) HandleUpdate(ctx context.Context, docID string, update []byte) error {
	d := s.getOrCreate(docID)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.updates = append(d.updates, update)
	d.meta.SizeBytes = d.sizeBytes()
	return nil
}

func (s *Store) GetDocument(ctx context.Context, docID string) (*storage.Document, error) {
	d := s.getOrCreate(docID)
	d.mu.Lock()
	defer d.mu.Unlock()
	var content []byte
	for _, u := range d.updates {
		content = append(content, u...)
	}
	return &storage.Document{ID: docID, Meta: d.meta, Update: content}, nil
}

func (s *Store) GetDocumentMetadata(ctx context.Context, docID string) (storage.Metadata, error) {
	d := s.getOrCreate(docID)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.meta, nil
}

func (s *Store) WriteDocumentMetadata(ctx context.Context, docID string, meta storage.Metadata) error {
	d := s.getOrCreate(docID)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.meta = meta
	return nil
}

func (s *Store) DeleteDocument(ctx context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, docID)
	return nil
}

func (s *Store) Transaction(ctx context.Context, docID string, fn func(ctx context.Context) error) error {
	d := s.getOrCreate(docID)
	d.txMu.Lock()
	defer d.txMu.Unlock()
	if err := fn(ctx); err != nil {
		return fmt.Errorf("memstore: transaction: %w", err)
	}
	return nil
}

var _ storage.DocumentStorage = (*Store)(nil)
