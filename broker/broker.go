// Package broker implements the process-level supervisor described in
// spec §4.7: it owns the session registry and the client registry, runs
// the per-client inbound loop, enforces permission checks and the session
// encryption invariant, and drives graceful shutdown. It is grounded on
// the teacher's internal/shared/server.go Server type — a mutex-guarded
// registry plus a context-scoped lifecycle — narrowed from a single
// connection pool to the two registries (sessions, clients) this design
// calls for, and on internal/multi/shard.go's registry-locking idiom for
// the pending-open coalescing below.
package broker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/docsyncbroker/client"
	"github.com/adred-codev/docsyncbroker/dedupe"
	"github.com/adred-codev/docsyncbroker/events"
	"github.com/adred-codev/docsyncbroker/message"
	"github.com/adred-codev/docsyncbroker/pubsub"
	"github.com/adred-codev/docsyncbroker/rpc"
	"github.com/adred-codev/docsyncbroker/session"
	"github.com/adred-codev/docsyncbroker/storage"
)

const (
	defaultCleanupDelay   = 60 * time.Second
	defaultDedupeTTL      = 60 * time.Second
	defaultInMemoryBuffer = 256
)

// Transport is the pair (readable, writable) a connected peer is routed
// through. ReadMessage blocks until a message is available, ctx is
// cancelled, or the underlying connection fails; a returned error always
// terminates the client with reason "stream-ended" (or "abort" if ctx was
// the cause). Framing and decoding are the transport adapter's job, not
// the core's, per spec §1/§6.
type Transport interface {
	client.Sink
	ReadMessage(ctx context.Context) (*message.Message, error)
}

// PermissionType distinguishes a read check from a write check.
type PermissionType string

const (
	PermissionRead  PermissionType = "read"
	PermissionWrite PermissionType = "write"
)

// PermissionRequest is what a CheckPermission callback is evaluated
// against for every inbound doc message.
type PermissionRequest struct {
	Context    message.Context
	Document   string
	DocumentID string
	Message    *message.Message
	Type       PermissionType
}

// PermissionCheck answers whether ctx/document/message may proceed. A nil
// CheckPermission in Config allows everything, per spec §6.
type PermissionCheck func(ctx context.Context, req PermissionRequest) bool

// Config parameterises a new Broker. GetStorage is the only required
// field.
type Config struct {
	GetStorage      storage.Factory
	CheckPermission PermissionCheck
	PubSub          pubsub.PubSub
	NodeID          string
	RPCHandlers     map[string]rpc.Entry

	SizeWarningThreshold int64
	SizeLimit            int64
	CleanupDelay         time.Duration
	DedupeTTL            time.Duration

	// IngressRate/IngressBurst configure an optional per-client token
	// bucket admission guard on the inbound message loop. Zero disables
	// it. Grounded on the teacher's internal/single/limits/rate_limiter.go
	// token-bucket idiom, implemented here with the stdlib-adjacent
	// golang.org/x/time/rate the teacher's own resource_guard.go already
	// imports for the same concern.
	IngressRate  rate.Limit
	IngressBurst int

	Logger zerolog.Logger
}

type pendingOpen struct {
	done    chan struct{}
	session *session.Session
	err     error
}

// Broker is the process-wide supervisor. Only a Broker holds process-wide
// state (registries, node id); a process may run more than one Broker
// provided they use disjoint pub/sub topics or a shared pub/sub tolerant
// of distinct node ids.
type Broker struct {
	nodeID          string
	logger          zerolog.Logger
	getStorage      storage.Factory
	checkPermission PermissionCheck
	pubsub          pubsub.PubSub
	rpcRegistry     *rpc.Registry
	events          *events.Bus

	dedupeTTL            time.Duration
	cleanupDelay         time.Duration
	sizeWarningThreshold int64
	sizeLimit            int64
	ingressRate          rate.Limit
	ingressBurst         int

	mu             sync.Mutex
	sessions       map[string]*session.Session
	pending        map[string]*pendingOpen
	clients        map[string]*client.Client
	clientSessions map[string]map[string]*session.Session // clientID -> namespacedDocID -> session
	rateLimiters   map[string]*rate.Limiter
	disposed       bool
}

// New constructs a Broker. cfg.GetStorage must be non-nil.
func New(cfg Config) *Broker {
	ps := cfg.PubSub
	if ps == nil {
		ps = pubsub.NewInMemory(defaultInMemoryBuffer, cfg.Logger)
	}

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = message.NewID()
	}

	cleanupDelay := cfg.CleanupDelay
	if cleanupDelay <= 0 {
		cleanupDelay = defaultCleanupDelay
	}
	dedupeTTL := cfg.DedupeTTL
	if dedupeTTL <= 0 {
		dedupeTTL = defaultDedupeTTL
	}

	registry := rpc.NewRegistry()
	for method, entry := range cfg.RPCHandlers {
		registry.Register(method, entry)
	}

	burst := cfg.IngressBurst
	if burst <= 0 {
		burst = 1
	}

	return &Broker{
		nodeID:               nodeID,
		logger:               cfg.Logger,
		getStorage:           cfg.GetStorage,
		checkPermission:      cfg.CheckPermission,
		pubsub:               ps,
		rpcRegistry:          registry,
		events:               events.NewBus(),
		dedupeTTL:            dedupeTTL,
		cleanupDelay:         cleanupDelay,
		sizeWarningThreshold: cfg.SizeWarningThreshold,
		sizeLimit:            cfg.SizeLimit,
		ingressRate:          cfg.IngressRate,
		ingressBurst:         burst,
		sessions:             make(map[string]*session.Session),
		pending:              make(map[string]*pendingOpen),
		clients:              make(map[string]*client.Client),
		clientSessions:       make(map[string]map[string]*session.Session),
		rateLimiters:         make(map[string]*rate.Limiter),
	}
}

// NodeID returns this broker's identifier, used to tag pub/sub publishes.
func (b *Broker) NodeID() string { return b.nodeID }

// Events returns the lifecycle event bus monitoring/audit collaborators
// subscribe to.
func (b *Broker) Events() *events.Bus { return b.events }

// OpenOptions parameterises GetOrOpenSession.
type OpenOptions struct {
	Document  string
	Encrypted bool
	Context   message.Context
	Client    *client.Client
}

// GetOrOpenSession returns the Session for the namespaced id computed from
// document/ctx, opening one if it does not yet exist. Concurrent callers
// for the same namespaced id coalesce onto a single pending open and
// receive the same *session.Session (P1).
func (b *Broker) GetOrOpenSession(ctx context.Context, opts OpenOptions) (*session.Session, error) {
	namespacedID := message.NamespacedDocumentID(opts.Document, opts.Context)

	b.mu.Lock()
	if s, ok := b.sessions[namespacedID]; ok {
		if s.Encrypted() != opts.Encrypted {
			b.mu.Unlock()
			return nil, ErrEncryptionMismatch
		}
		if opts.Client != nil {
			b.attachLocked(s, opts.Client)
		}
		b.mu.Unlock()
		return s, nil
	}
	if p, ok := b.pending[namespacedID]; ok {
		b.mu.Unlock()
		<-p.done
		if p.err != nil {
			return nil, p.err
		}
		if p.session.Encrypted() != opts.Encrypted {
			return nil, ErrEncryptionMismatch
		}
		if opts.Client != nil {
			b.mu.Lock()
			b.attachLocked(p.session, opts.Client)
			b.mu.Unlock()
		}
		return p.session, nil
	}

	p := &pendingOpen{done: make(chan struct{})}
	b.pending[namespacedID] = p
	b.mu.Unlock()

	s, err := b.openSession(ctx, namespacedID, opts)

	b.mu.Lock()
	delete(b.pending, namespacedID)
	if err != nil {
		p.err = err
		b.mu.Unlock()
		close(p.done)
		return nil, err
	}
	p.session = s
	b.sessions[namespacedID] = s
	if opts.Client != nil {
		b.attachLocked(s, opts.Client)
	}
	b.mu.Unlock()
	close(p.done)

	return s, nil
}

// attachLocked adds c to s's client set and records the attachment so
// DisconnectClient/Dispose can find every session a client touched.
// Callers must hold b.mu.
func (b *Broker) attachLocked(s *session.Session, c *client.Client) {
	s.AddClient(c)
	m, ok := b.clientSessions[c.ID()]
	if !ok {
		m = make(map[string]*session.Session)
		b.clientSessions[c.ID()] = m
	}
	m[s.NamespacedDocumentID()] = s
}

func (b *Broker) openSession(ctx context.Context, namespacedID string, opts OpenOptions) (*session.Session, error) {
	storageHandle, err := b.getStorage(ctx, opts.Document, namespacedID, opts.Context)
	if err != nil {
		return nil, err
	}

	s := session.New(session.Config{
		DocumentID:           opts.Document,
		NamespacedDocumentID: namespacedID,
		SessionID:            message.NewID(),
		Encrypted:            opts.Encrypted,
		Storage:              storageHandle,
		PubSub:               b.pubsub,
		NodeID:               b.nodeID,
		Dedupe:               dedupe.New(b.dedupeTTL),
		Events:               b.events,
		RPC:                  b.rpcRegistry,
		CleanupDelay:         b.cleanupDelay,
		SizeWarningThreshold: b.sizeWarningThreshold,
		SizeLimit:            b.sizeLimit,
		OnCleanupScheduled:   b.onSessionCleanup,
		Logger:               b.logger,
	})

	if err := s.Load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// onSessionCleanup is invoked by Session (outside its own lock) when its
// idle-cleanup timer fires. The broker re-checks the client set under its
// own lock before disposing, handling the race with a concurrent
// reconnect (P6).
func (b *Broker) onSessionCleanup(s *session.Session) {
	b.mu.Lock()
	if !s.IsEmpty() {
		b.mu.Unlock()
		return
	}
	delete(b.sessions, s.NamespacedDocumentID())
	b.mu.Unlock()

	if b.events != nil {
		b.events.Emit(events.Event{
			Name: events.DocumentUnload,
			DocumentUnload: &events.DocumentUnloadPayload{
				DocumentID: s.DocumentID(),
				SessionID:  s.SessionID(),
				Reason:     events.UnloadIdle,
			},
		})
	}
	if err := s.Dispose(context.Background()); err != nil {
		b.logger.Warn().Err(err).Str("document", s.NamespacedDocumentID()).Msg("session dispose failed on idle cleanup")
	}
}

// CreateClientOptions parameterises CreateClient.
type CreateClientOptions struct {
	Transport Transport
	ID        string
}

// CreateClient registers a new Client for transport and starts its
// inbound loop. ctx is this client's abort signal: cancelling it
// terminates the loop and disposes the client with reason "abort".
func (b *Broker) CreateClient(ctx context.Context, opts CreateClientOptions) *client.Client {
	id := opts.ID
	if id == "" {
		id = message.NewID()
	}

	c := client.New(id, opts.Transport)

	b.mu.Lock()
	b.clients[id] = c
	b.mu.Unlock()

	if b.events != nil {
		b.events.Emit(events.Event{Name: events.ClientConnect, ClientConnect: &events.ClientConnectPayload{ClientID: id}})
	}

	go b.ingressLoop(ctx, c, opts.Transport)

	return c
}

func (b *Broker) ingressLoop(ctx context.Context, c *client.Client, t Transport) {
	for {
		m, err := t.ReadMessage(ctx)
		if err != nil {
			reason := events.ReasonStreamEnded
			if ctx.Err() != nil {
				reason = events.ReasonAbort
			}
			b.DisconnectClient(c.ID(), reason)
			return
		}
		b.handleInbound(ctx, c, m)
	}
}

func (b *Broker) rateLimiterFor(clientID string) *rate.Limiter {
	if b.ingressRate <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	rl, ok := b.rateLimiters[clientID]
	if !ok {
		rl = rate.NewLimiter(b.ingressRate, b.ingressBurst)
		b.rateLimiters[clientID] = rl
	}
	return rl
}

// handleInbound is the per-message ingress pipeline from spec §4.7.
func (b *Broker) handleInbound(ctx context.Context, c *client.Client, m *message.Message) {
	if b.events != nil {
		b.events.Emit(events.Event{
			Name: events.ClientMessage,
			ClientMessage: &events.ClientMessagePayload{
				ClientID:    c.ID(),
				Direction:   events.DirectionIn,
				MessageType: string(m.Type),
				DocumentID:  m.Document,
			},
		})
	}

	if rl := b.rateLimiterFor(c.ID()); rl != nil && !rl.Allow() {
		b.logger.Debug().Str("clientId", c.ID()).Str("messageId", m.ID).Msg("ingress message dropped: rate limited")
		return
	}

	switch m.Type {
	case message.TypeAck:
		// Ack updates in-flight bookkeeping only; never routed, never acked.
		if m.Ack != nil {
			c.Ack(m.Ack.MessageID)
		}
		return

	case message.TypeAwareness, message.TypeRPC:
		s, err := b.openForMessage(ctx, m, c)
		if err != nil {
			b.logger.Warn().Err(err).Str("messageId", m.ID).Msg("failed to open session for inbound message")
			return
		}
		b.routeApply(ctx, s, m, c)
		b.sendAck(c, m)
		return

	case message.TypeDoc:
		b.handleDocInbound(ctx, c, m)
		return

	default:
		b.logger.Debug().Str("type", string(m.Type)).Msg("inbound message type not routed")
	}
}

func (b *Broker) handleDocInbound(ctx context.Context, c *client.Client, m *message.Message) {
	doc := m.Doc
	if doc == nil {
		return
	}

	namespacedID := message.NamespacedDocumentID(m.Document, m.Context)

	switch doc.Payload {
	case message.DocSyncStep1, message.DocSyncDone:
		if !b.allowed(ctx, m, PermissionRead, namespacedID) {
			b.sendDenied(c, m, "read permission denied")
			return
		}
	case message.DocUpdate:
		if !b.allowed(ctx, m, PermissionWrite, namespacedID) {
			b.sendDenied(c, m, "write permission denied")
			return
		}
	case message.DocSyncStep2:
		if !b.allowed(ctx, m, PermissionWrite, namespacedID) {
			// Denial surfaces as sync-done, not auth-message: the client's
			// half of the handshake still completes even though the write
			// is rejected.
			b.sendSyncDone(c, m)
			return
		}
	case message.DocAuthMessage:
		// Server-only payload; a client sending one is always denied.
		b.sendDenied(c, m, "auth-message is a server-only payload")
		return
	}

	s, err := b.openForMessage(ctx, m, c)
	if err != nil {
		b.logger.Warn().Err(err).Str("messageId", m.ID).Msg("failed to open session for inbound doc message")
		return
	}
	b.routeApply(ctx, s, m, c)
	b.sendAck(c, m)
}

func (b *Broker) openForMessage(ctx context.Context, m *message.Message, c *client.Client) (*session.Session, error) {
	return b.GetOrOpenSession(ctx, OpenOptions{
		Document:  m.Document,
		Encrypted: m.Encrypted,
		Context:   m.Context,
		Client:    c,
	})
}

// routeApply applies m on s. Storage and handler failures are logged and
// never poison the session or abort the ingress loop; the caller still
// sends an ack (at-least-once intent, P7).
func (b *Broker) routeApply(ctx context.Context, s *session.Session, m *message.Message, c *client.Client) {
	if err := s.Apply(ctx, m, c, nil); err != nil {
		b.logger.Error().Err(err).Str("messageId", m.ID).Str("document", s.NamespacedDocumentID()).Msg("apply failed")
	}
}

func (b *Broker) allowed(ctx context.Context, m *message.Message, typ PermissionType, namespacedID string) bool {
	if b.checkPermission == nil {
		return true
	}
	return b.checkPermission(ctx, PermissionRequest{
		Context:    m.Context,
		Document:   m.Document,
		DocumentID: namespacedID,
		Message:    m,
		Type:       typ,
	})
}

// sendTo sends m to c and emits the corresponding outbound client-message
// event. Send failures are logged but never propagate.
func (b *Broker) sendTo(c *client.Client, m *message.Message) {
	if err := c.Send(m); err != nil {
		b.logger.Warn().Err(err).Str("clientId", c.ID()).Str("messageType", string(m.Type)).Msg("failed to send message")
	}
	if b.events != nil {
		b.events.Emit(events.Event{
			Name: events.ClientMessage,
			ClientMessage: &events.ClientMessagePayload{
				ClientID:    c.ID(),
				Direction:   events.DirectionOut,
				MessageType: string(m.Type),
				DocumentID:  m.Document,
			},
		})
	}
}

func (b *Broker) sendAck(c *client.Client, m *message.Message) {
	ack := &message.Message{
		ID: message.NewID(), Type: message.TypeAck, Document: m.Document, Context: m.Context, Encrypted: m.Encrypted,
		Ack: &message.AckPayload{MessageID: m.ID},
	}
	b.sendTo(c, ack)
}

func (b *Broker) sendDenied(c *client.Client, m *message.Message, reason string) {
	out := &message.Message{
		ID: message.NewID(), Type: message.TypeDoc, Document: m.Document, Context: m.Context, Encrypted: m.Encrypted,
		Doc: &message.DocPayload{Payload: message.DocAuthMessage, Auth: &message.AuthPayload{Permission: "denied", Reason: reason}},
	}
	b.sendTo(c, out)
}

func (b *Broker) sendSyncDone(c *client.Client, m *message.Message) {
	out := &message.Message{
		ID: message.NewID(), Type: message.TypeDoc, Document: m.Document, Context: m.Context, Encrypted: m.Encrypted,
		Doc: &message.DocPayload{Payload: message.DocSyncDone},
	}
	b.sendTo(c, out)
}

// DisconnectClient removes clientID from every session that holds it,
// destroys the client, and emits client-disconnect.
func (b *Broker) DisconnectClient(clientID string, reason events.DisconnectReason) {
	b.mu.Lock()
	c, ok := b.clients[clientID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.clients, clientID)
	sessions := b.clientSessions[clientID]
	delete(b.clientSessions, clientID)
	delete(b.rateLimiters, clientID)
	b.mu.Unlock()

	for _, s := range sessions {
		s.RemoveClient(clientID)
	}
	c.Destroy()

	if b.events != nil {
		b.events.Emit(events.Event{
			Name:             events.ClientDisconnect,
			ClientDisconnect: &events.ClientDisconnectPayload{ClientID: clientID, Reason: reason},
		})
	}
}

// DeleteDocument opens (or reuses) the session for document, evicts every
// attached client, disposes the session, and deletes the underlying
// stored document.
func (b *Broker) DeleteDocument(ctx context.Context, document string, msgCtx message.Context, encrypted bool) error {
	s, err := b.GetOrOpenSession(ctx, OpenOptions{Document: document, Encrypted: encrypted, Context: msgCtx})
	if err != nil {
		return err
	}
	namespacedID := s.NamespacedDocumentID()

	b.mu.Lock()
	var clientIDs []string
	for id, m := range b.clientSessions {
		if _, ok := m[namespacedID]; ok {
			clientIDs = append(clientIDs, id)
			delete(m, namespacedID)
		}
	}
	delete(b.sessions, namespacedID)
	b.mu.Unlock()

	for _, id := range clientIDs {
		s.RemoveClient(id)
	}

	if err := s.Dispose(ctx); err != nil {
		b.logger.Warn().Err(err).Str("document", namespacedID).Msg("session dispose failed during document delete")
	}

	if err := s.DeleteDocument(ctx); err != nil {
		return err
	}

	if b.events != nil {
		b.events.Emit(events.Event{
			Name:           events.DocumentDelete,
			DocumentDelete: &events.DocumentDeletePayload{DocumentID: document, Encrypted: encrypted},
		})
	}
	return nil
}

// Dispose drains listeners, destroys every client, disposes every
// session, and disposes the pub/sub fabric. Idempotent.
func (b *Broker) Dispose(ctx context.Context) error {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return nil
	}
	b.disposed = true
	activeSessions := len(b.sessions)
	pendingSessions := len(b.pending)

	clients := make([]*client.Client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	sessions := make([]*session.Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.clients = make(map[string]*client.Client)
	b.clientSessions = make(map[string]map[string]*session.Session)
	b.sessions = make(map[string]*session.Session)
	b.mu.Unlock()

	if b.events != nil {
		b.events.Emit(events.Event{
			Name: events.BeforeServerShutdown,
			BeforeServerShutdown: &events.BeforeShutdownPayload{
				ActiveSessions:  activeSessions,
				PendingSessions: pendingSessions,
			},
		})
	}

	for _, c := range clients {
		c.Destroy()
		if b.events != nil {
			b.events.Emit(events.Event{
				Name:             events.ClientDisconnect,
				ClientDisconnect: &events.ClientDisconnectPayload{ClientID: c.ID(), Reason: events.ReasonDispose},
			})
		}
	}

	for _, s := range sessions {
		if b.events != nil {
			b.events.Emit(events.Event{
				Name: events.DocumentUnload,
				DocumentUnload: &events.DocumentUnloadPayload{
					DocumentID: s.DocumentID(),
					SessionID:  s.SessionID(),
					Reason:     events.UnloadDispose,
				},
			})
		}
		if err := s.Dispose(ctx); err != nil {
			b.logger.Warn().Err(err).Str("document", s.NamespacedDocumentID()).Msg("session dispose failed during shutdown")
		}
	}

	if b.pubsub != nil {
		if err := b.pubsub.Dispose(); err != nil {
			b.logger.Warn().Err(err).Msg("pubsub dispose failed during shutdown")
		}
	}

	if b.events != nil {
		b.events.Emit(events.Event{Name: events.AfterServerShutdown, AfterServerShutdown: &events.AfterShutdownPayload{NodeID: b.nodeID}})
		b.events.Drain()
	}
	return nil
}
