// Package session implements the per-document hub: the sync state
// machine, fan-out to attached clients, cross-node replication, size
// accounting, and idle-cleanup scheduling. It is grounded on the
// teacher's Server type for its ownership and locking idioms
// (internal/shared/server.go: a mutex-guarded registry plus a context
// used for lifecycle cancellation), narrowed here from a process-wide
// connection registry to a single document's attached-client set.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/docsyncbroker/client"
	"github.com/adred-codev/docsyncbroker/dedupe"
	"github.com/adred-codev/docsyncbroker/events"
	"github.com/adred-codev/docsyncbroker/message"
	"github.com/adred-codev/docsyncbroker/pubsub"
	"github.com/adred-codev/docsyncbroker/rpc"
	"github.com/adred-codev/docsyncbroker/storage"
)

const defaultCleanupDelay = 60 * time.Second

// ReplicationMeta marks an Apply call as originating from the pub/sub
// ingress path rather than directly from a connected client. Sessions
// must not re-publish a message applied under replication.
type ReplicationMeta struct {
	SourceNodeID string
}

// Config parameterises a new Session.
type Config struct {
	DocumentID           string
	NamespacedDocumentID string
	SessionID            string
	Encrypted            bool

	Storage storage.DocumentStorage
	PubSub  pubsub.PubSub
	NodeID  string
	Dedupe  *dedupe.Dedupe
	Events  *events.Bus
	RPC     *rpc.Registry

	CleanupDelay         time.Duration
	SizeWarningThreshold int64
	SizeLimit            int64

	// OnCleanupScheduled is invoked (outside any Session lock) when the
	// idle-cleanup timer fires. The owner (broker) re-checks the client
	// set under its own lock before disposing, to handle the race with a
	// concurrent reconnect.
	OnCleanupScheduled func(s *Session)

	Logger zerolog.Logger
}

// Session is one namespaced document's hub on this node.
type Session struct {
	documentID           string
	namespacedDocumentID string
	sessionID            string
	encrypted            bool

	storage storage.DocumentStorage
	pubsub  pubsub.PubSub
	nodeID  string
	dedupe  *dedupe.Dedupe
	events  *events.Bus
	rpc     *rpc.Registry
	logger  zerolog.Logger

	cleanupDelay         time.Duration
	sizeWarningThreshold int64
	sizeLimit            int64
	onCleanupScheduled   func(*Session)

	mu          sync.Mutex
	clients     map[string]*client.Client
	unsubscribe pubsub.Unsubscribe
	cleanupTmr  *time.Timer
	loaded      bool
	disposed    bool

	sizeMu         sync.Mutex
	warningLatched bool
	limitLatched   bool
}

// New constructs a Session. Callers must call Load before Apply.
func New(cfg Config) *Session {
	delay := cfg.CleanupDelay
	if delay <= 0 {
		delay = defaultCleanupDelay
	}
	return &Session{
		documentID:           cfg.DocumentID,
		namespacedDocumentID: cfg.NamespacedDocumentID,
		sessionID:            cfg.SessionID,
		encrypted:            cfg.Encrypted,
		storage:              cfg.Storage,
		pubsub:               cfg.PubSub,
		nodeID:               cfg.NodeID,
		dedupe:               cfg.Dedupe,
		events:               cfg.Events,
		rpc:                  cfg.RPC,
		logger:               cfg.Logger,
		cleanupDelay:         delay,
		sizeWarningThreshold: cfg.SizeWarningThreshold,
		sizeLimit:            cfg.SizeLimit,
		onCleanupScheduled:   cfg.OnCleanupScheduled,
		clients:              make(map[string]*client.Client),
	}
}

func (s *Session) DocumentID() string           { return s.documentID }
func (s *Session) NamespacedDocumentID() string { return s.namespacedDocumentID }
func (s *Session) SessionID() string            { return s.sessionID }
func (s *Session) Encrypted() bool              { return s.encrypted }

// Load subscribes to this document's replication topic. Idempotent.
func (s *Session) Load(ctx context.Context) error {
	s.mu.Lock()
	if s.loaded {
		s.mu.Unlock()
		return nil
	}
	s.loaded = true
	s.mu.Unlock()

	unsub, err := s.pubsub.Subscribe(ctx, pubsub.DocumentTopic(s.namespacedDocumentID), s.onReplicated)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.unsubscribe = unsub
	s.mu.Unlock()

	if s.events != nil {
		s.events.Emit(events.Event{
			Name: events.DocumentLoad,
			DocumentLoad: &events.DocumentLoadPayload{
				DocumentID: s.documentID,
				SessionID:  s.sessionID,
				Encrypted:  s.encrypted,
			},
		})
	}
	return nil
}

// onReplicated is the pub/sub delivery handler registered in Load. It
// filters self-echoes, applies dedupe, and routes surviving messages into
// Apply under ReplicationMeta.
func (s *Session) onReplicated(ctx context.Context, payload []byte, originNodeID string) {
	if originNodeID == s.nodeID {
		return // P4: self-echo suppression
	}

	m, err := message.Decode(payload, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("document", s.namespacedDocumentID).Msg("dropping undecodable replicated message")
		return
	}

	accepted := s.dedupe == nil || s.dedupe.ShouldAccept(s.namespacedDocumentID, m.ID)
	if s.events != nil {
		s.events.Emit(events.Event{
			Name: events.DocumentMessage,
			DocumentMessage: &events.DocumentMessagePayload{
				MessageID:    m.ID,
				MessageType:  string(m.Type),
				Source:       events.SourceReplication,
				SourceNodeID: originNodeID,
				Deduped:      !accepted,
			},
		})
	}
	if !accepted {
		return
	}

	if err := s.Apply(ctx, m, nil, &ReplicationMeta{SourceNodeID: originNodeID}); err != nil {
		s.logger.Error().Err(err).Str("document", s.namespacedDocumentID).Msg("apply failed for replicated message")
	}
}

// AddClient attaches c to this session, cancelling any pending cleanup.
func (s *Session) AddClient(c *client.Client) {
	s.mu.Lock()
	s.clients[c.ID()] = c
	if s.cleanupTmr != nil {
		s.cleanupTmr.Stop()
		s.cleanupTmr = nil
	}
	s.mu.Unlock()

	if s.events != nil {
		s.events.Emit(events.Event{
			Name: events.DocumentClientConnect,
			DocumentClientConnect: &events.DocumentClientPayload{
				ClientID:   c.ID(),
				DocumentID: s.documentID,
				SessionID:  s.sessionID,
			},
		})
	}
}

// RemoveClient detaches the client identified by clientID. If the client
// set becomes empty, a cleanup is scheduled after the configured grace
// window.
func (s *Session) RemoveClient(clientID string) {
	s.mu.Lock()
	delete(s.clients, clientID)
	empty := len(s.clients) == 0
	if empty && s.cleanupTmr == nil && !s.disposed {
		s.cleanupTmr = time.AfterFunc(s.cleanupDelay, s.fireCleanup)
	}
	s.mu.Unlock()

	if s.events != nil {
		s.events.Emit(events.Event{
			Name: events.DocumentClientDisconnect,
			DocumentClientDisconnect: &events.DocumentClientPayload{
				ClientID:   clientID,
				DocumentID: s.documentID,
				SessionID:  s.sessionID,
			},
		})
	}
}

func (s *Session) fireCleanup() {
	if s.onCleanupScheduled != nil {
		s.onCleanupScheduled(s)
	}
}

// IsEmpty reports whether the session currently has no attached clients.
// The broker uses this under its own lock as the double-check before
// disposing on a scheduled cleanup.
func (s *Session) IsEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients) == 0
}

// Broadcast sends m to every attached client except excludeClientID (pass
// "" to exclude none). Per-client send failures are logged and do not
// abort the broadcast.
func (s *Session) Broadcast(m *message.Message, excludeClientID string) {
	s.mu.Lock()
	targets := make([]*client.Client, 0, len(s.clients))
	for id, c := range s.clients {
		if id == excludeClientID {
			continue
		}
		targets = append(targets, c)
	}
	s.mu.Unlock()

	for _, c := range targets {
		s.sendTo(c, m)
	}
}

// sendTo sends m to c and emits the corresponding outbound client-message
// event. Send failures are logged but never propagate, matching the
// per-client isolation Broadcast already relies on.
func (s *Session) sendTo(c *client.Client, m *message.Message) {
	if c == nil {
		return
	}
	if err := c.Send(m); err != nil {
		s.logger.Warn().Err(err).Str("clientId", c.ID()).Msg("send failed")
	}
	s.emitClientMessageOut(c.ID(), m)
}

// emitClientMessageOut emits a client-message{direction:out} event for a
// message handed to a client's outbound sink.
func (s *Session) emitClientMessageOut(clientID string, m *message.Message) {
	if s.events == nil {
		return
	}
	s.events.Emit(events.Event{
		Name: events.ClientMessage,
		ClientMessage: &events.ClientMessagePayload{
			ClientID:    clientID,
			Direction:   events.DirectionOut,
			MessageType: string(m.Type),
			DocumentID:  m.Document,
		},
	})
}

// Write delegates to storage.HandleUpdate, then emits document-write and
// updates size metrics.
func (s *Session) Write(ctx context.Context, update []byte) error {
	if err := s.storage.HandleUpdate(ctx, s.namespacedDocumentID, update); err != nil {
		return err
	}
	if s.events != nil {
		s.events.Emit(events.Event{
			Name: events.DocumentWrite,
			DocumentWrite: &events.DocumentWritePayload{
				DocumentID:           s.documentID,
				NamespacedDocumentID: s.namespacedDocumentID,
				Encrypted:            s.encrypted,
			},
		})
	}
	s.accountSize(ctx)
	return nil
}

func (s *Session) publish(ctx context.Context, m *message.Message) {
	if err := s.pubsub.Publish(ctx, pubsub.DocumentTopic(s.namespacedDocumentID), m.Encoded(), s.nodeID); err != nil {
		s.logger.Warn().Err(err).Str("document", s.namespacedDocumentID).Msg("publish failed")
	}
}

// accountSize reads current metadata and emits an edge-triggered
// document-size-warning / document-size-limit-exceeded event exactly
// once per crossing, resetting the latch on a downward crossing.
func (s *Session) accountSize(ctx context.Context) {
	meta, err := s.storage.GetDocumentMetadata(ctx, s.namespacedDocumentID)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to read document metadata for size accounting")
		return
	}

	warningThreshold := s.sizeWarningThreshold
	if meta.SizeWarningThreshold > 0 {
		warningThreshold = meta.SizeWarningThreshold
	}
	limit := s.sizeLimit
	if meta.SizeLimit > 0 {
		limit = meta.SizeLimit
	}

	s.sizeMu.Lock()
	defer s.sizeMu.Unlock()

	if warningThreshold > 0 {
		over := meta.SizeBytes >= warningThreshold
		if over && !s.warningLatched {
			s.warningLatched = true
			s.emitSize(events.DocumentSizeWarning, meta.SizeBytes, warningThreshold)
		} else if !over {
			s.warningLatched = false
		}
	}

	if limit > 0 {
		over := meta.SizeBytes >= limit
		if over && !s.limitLatched {
			s.limitLatched = true
			s.emitSize(events.DocumentSizeLimitExceeded, meta.SizeBytes, limit)
		} else if !over {
			s.limitLatched = false
		}
	}
}

func (s *Session) emitSize(name events.Name, sizeBytes, threshold int64) {
	if s.events == nil {
		return
	}
	payload := &events.DocumentSizePayload{DocumentID: s.documentID, SizeBytes: sizeBytes, Threshold: threshold}
	ev := events.Event{Name: name}
	if name == events.DocumentSizeWarning {
		ev.DocumentSizeWarning = payload
	} else {
		ev.DocumentSizeLimitExceeded = payload
	}
	s.events.Emit(ev)
}

// Apply is the sync state machine. client is nil on the replication path.
// replication is non-nil when this call originates from the pub/sub
// ingress; in that case Apply must not re-publish.
func (s *Session) Apply(ctx context.Context, m *message.Message, c *client.Client, replication *ReplicationMeta) error {
	s.mu.Lock()
	disposed := s.disposed
	s.mu.Unlock()
	if disposed {
		return ErrDisposed
	}

	if m.Encrypted != s.encrypted {
		return ErrEncryptionMismatch
	}

	excludeID := ""
	if c != nil {
		excludeID = c.ID()
	}

	switch m.Type {
	case message.TypeDoc:
		return s.applyDoc(ctx, m, c, excludeID, replication)
	case message.TypeAwareness:
		s.Broadcast(m, excludeID)
		if replication == nil {
			s.publish(ctx, m)
		}
		return nil
	case message.TypeRPC:
		if replication != nil {
			// RPC is node-local only (DESIGN.md Open Question decision #4):
			// handlers are registered per-process and have no cross-node
			// identity, so a replicated rpc/* message is logged and dropped
			// rather than routed to a handler.
			method := ""
			if m.RPC != nil {
				method = m.RPC.Method
			}
			s.logger.Debug().Str("messageId", m.ID).Str("method", method).Msg("dropping replicated rpc message")
			return nil
		}
		return s.applyRPC(ctx, m, c)
	default:
		s.logger.Debug().Str("type", string(m.Type)).Msg("no-op message type reached Apply")
		return nil
	}
}

func (s *Session) applyDoc(ctx context.Context, m *message.Message, c *client.Client, excludeID string, replication *ReplicationMeta) error {
	doc := m.Doc
	if doc == nil {
		return nil
	}

	switch doc.Payload {
	case message.DocSyncStep1:
		if c == nil {
			s.logger.Debug().Str("document", s.namespacedDocumentID).Msg("sync-step-1 on replication path ignored")
			return nil
		}
		result, err := s.storage.HandleSyncStep1(ctx, s.namespacedDocumentID, doc.Vector)
		if err != nil {
			return err
		}
		step2 := &message.Message{
			ID: message.NewID(), Type: message.TypeDoc, Document: m.Document, Context: m.Context, Encrypted: s.encrypted,
			Doc: &message.DocPayload{Payload: message.DocSyncStep2, Update: result.Update},
		}
		s.sendTo(c, step2)
		step1 := &message.Message{
			ID: message.NewID(), Type: message.TypeDoc, Document: m.Document, Context: m.Context, Encrypted: s.encrypted,
			Doc: &message.DocPayload{Payload: message.DocSyncStep1, Vector: result.Vector},
		}
		s.sendTo(c, step1)
		return nil

	case message.DocUpdate:
		if enc, ok := s.storage.(storage.EncryptedDocumentStorage); ok {
			stored, err := enc.HandleEncryptedUpdate(ctx, s.namespacedDocumentID, doc.Update)
			if err != nil {
				return err
			}
			s.accountSize(ctx)
			if stored == nil {
				return nil
			}
			out := docUpdateMessage(m, stored)
			s.Broadcast(out, excludeID)
			if replication == nil {
				s.publish(ctx, out)
			}
			return nil
		}
		if err := s.Write(ctx, doc.Update); err != nil {
			return err
		}
		s.Broadcast(m, excludeID)
		if replication == nil {
			s.publish(ctx, m)
		}
		return nil

	case message.DocSyncStep2:
		var storageErr error
		if enc, ok := s.storage.(storage.EncryptedDocumentStorage); ok {
			storedList, err := enc.HandleEncryptedSyncStep2(ctx, s.namespacedDocumentID, doc.Update)
			if err != nil {
				storageErr = err
			} else {
				s.accountSize(ctx)
				for _, stored := range storedList {
					out := docUpdateMessage(m, stored)
					s.Broadcast(out, excludeID)
					if replication == nil {
						s.publish(ctx, out)
					}
				}
			}
		} else {
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.Broadcast(m, excludeID)
			}()
			wg.Add(1)
			go func() {
				defer wg.Done()
				storageErr = s.storage.HandleSyncStep2(ctx, s.namespacedDocumentID, doc.Update)
			}()
			if replication == nil {
				wg.Add(1)
				go func() {
					defer wg.Done()
					s.publish(ctx, m)
				}()
			}
			wg.Wait()
			if storageErr == nil {
				s.accountSize(ctx)
			}
		}

		if c != nil {
			done := &message.Message{
				ID: message.NewID(), Type: message.TypeDoc, Document: m.Document, Context: m.Context, Encrypted: s.encrypted,
				Doc: &message.DocPayload{Payload: message.DocSyncDone},
			}
			s.sendTo(c, done)
		}
		return storageErr

	case message.DocSyncDone, message.DocAuthMessage:
		s.logger.Debug().Str("payload", string(doc.Payload)).Msg("no-op doc payload")
		return nil

	default:
		s.logger.Warn().Str("payload", string(doc.Payload)).Msg("unknown doc payload")
		return nil
	}
}

func docUpdateMessage(origin *message.Message, update []byte) *message.Message {
	return &message.Message{
		ID: message.NewID(), Type: message.TypeDoc, Document: origin.Document, Context: origin.Context, Encrypted: origin.Encrypted,
		Doc: &message.DocPayload{Payload: message.DocUpdate, Update: update},
	}
}

func (s *Session) applyRPC(ctx context.Context, m *message.Message, c *client.Client) error {
	if m.RPC == nil {
		return nil
	}

	switch m.RPC.RequestType {
	case message.RPCResponse:
		s.logger.Debug().Str("method", m.RPC.Method).Msg("rpc response observed, no routing")
		return nil

	case message.RPCRequest, message.RPCStream:
		if s.rpc == nil {
			s.sendRPCError(c, m, 501, "no rpc handlers registered")
			return nil
		}
		entry, ok := s.rpc.Lookup(m.RPC.Method)
		if !ok {
			s.sendRPCError(c, m, 501, "unknown method: "+m.RPC.Method)
			return nil
		}

		rpcCtx := rpc.Context{DocumentID: s.documentID, ClientID: m.Context.ClientID, UserID: m.Context.UserID, Session: s}

		if m.RPC.RequestType == message.RPCStream && entry.Stream != nil {
			ch := make(chan rpc.StreamChunk)
			done := make(chan struct{})
			go func() {
				defer close(done)
				for chunk := range ch {
					s.sendTo(c, &message.Message{
						ID: message.NewID(), Type: message.TypeRPC, Document: m.Document, Context: m.Context, Encrypted: s.encrypted,
						RPC: &message.RPCPayload{Method: m.RPC.Method, RequestType: message.RPCStream, OriginalRequestID: m.ID, Data: chunk.Data},
					})
				}
			}()
			resp, err := entry.Stream(ctx, rpcCtx, m.RPC.Data, ch)
			close(ch)
			<-done
			if err != nil {
				s.sendRPCError(c, m, 500, err.Error())
				return nil
			}
			s.sendRPCResponse(c, m, resp)
			return nil
		}

		if entry.Request == nil {
			s.sendRPCError(c, m, 501, "method has no request handler: "+m.RPC.Method)
			return nil
		}
		resp, err := entry.Request(ctx, rpcCtx, m.RPC.Data)
		if err != nil {
			s.sendRPCError(c, m, 500, err.Error())
			return nil
		}
		s.sendRPCResponse(c, m, resp)
		return nil
	}
	return nil
}

func (s *Session) sendRPCResponse(c *client.Client, req *message.Message, data json.RawMessage) {
	s.sendTo(c, &message.Message{
		ID: message.NewID(), Type: message.TypeRPC, Document: req.Document, Context: req.Context, Encrypted: s.encrypted,
		RPC: &message.RPCPayload{Method: req.RPC.Method, RequestType: message.RPCResponse, OriginalRequestID: req.ID, Data: data},
	})
}

func (s *Session) sendRPCError(c *client.Client, req *message.Message, code int, msg string) {
	s.sendTo(c, &message.Message{
		ID: message.NewID(), Type: message.TypeRPC, Document: req.Document, Context: req.Context, Encrypted: s.encrypted,
		RPC: &message.RPCPayload{Method: req.RPC.Method, RequestType: message.RPCResponse, OriginalRequestID: req.ID,
			Error: &message.RPCError{Code: code, Message: msg}},
	})
}

// DeleteDocument removes the underlying stored document. The session
// exclusively owns the storage handle (per the ownership model in §3), so
// the broker's deleteDocument operation routes through here rather than
// holding its own reference to storage.
func (s *Session) DeleteDocument(ctx context.Context) error {
	return s.storage.DeleteDocument(ctx, s.namespacedDocumentID)
}

// Dispose cancels any pending cleanup timer, unsubscribes from pub/sub,
// stops the dedupe sweep goroutine, and clears the client set. It emits no
// event itself; the broker emits document-unload before calling it.
// Idempotent.
func (s *Session) Dispose(ctx context.Context) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.disposed = true
	if s.cleanupTmr != nil {
		s.cleanupTmr.Stop()
		s.cleanupTmr = nil
	}
	unsub := s.unsubscribe
	s.unsubscribe = nil
	s.clients = make(map[string]*client.Client)
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if s.dedupe != nil {
		s.dedupe.Close()
	}
	return nil
}
