package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// wireEnvelope carries the origin node id alongside the payload, since raw
// NATS messages are opaque bytes with no header the teacher's go-server
// nats client relies on; this matches the origin-node tagging mandate.
type wireEnvelope struct {
	OriginNodeID string `json:"originNodeId"`
	Payload      []byte `json:"payload"`
}

// NATS is a PubSub backed by a NATS connection, grounded on the teacher
// sibling project's pkg/nats client: connection event handlers logged
// through the same structured logger the rest of this module uses, and a
// subs map guarded by a mutex.
type NATS struct {
	conn   *nats.Conn
	logger zerolog.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig mirrors the teacher sibling's Config shape.
type NATSConfig struct {
	URL           string
	MaxReconnects int
}

// NewNATS connects to the configured NATS server and returns a PubSub
// backed by it.
func NewNATS(cfg NATSConfig, logger zerolog.Logger) (*NATS, error) {
	log := logger.With().Str("component", "pubsub_nats").Logger()

	maxReconnects := cfg.MaxReconnects
	if maxReconnects == 0 {
		maxReconnects = -1 // retry forever
	}

	n := &NATS{logger: log, subs: make(map[string]*nats.Subscription)}

	conn, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(maxReconnects),
		nats.ConnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("connected to nats")
		}),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			log.Warn().Err(err).Msg("disconnected from nats")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("reconnected to nats")
		}),
		nats.ErrorHandler(func(c *nats.Conn, s *nats.Subscription, err error) {
			log.Error().Err(err).Msg("nats error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("pubsub: nats connect: %w", err)
	}

	n.conn = conn
	return n, nil
}

func (n *NATS) Subscribe(ctx context.Context, topic string, handler Handler) (Unsubscribe, error) {
	sub, err := n.conn.Subscribe(topic, func(msg *nats.Msg) {
		var env wireEnvelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			n.logger.Warn().Err(err).Str("topic", topic).Msg("dropping undecodable message")
			return
		}
		handler(ctx, env.Payload, env.OriginNodeID)
	})
	if err != nil {
		return nil, fmt.Errorf("pubsub: nats subscribe %s: %w", topic, err)
	}

	n.mu.Lock()
	n.subs[topic] = sub
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		delete(n.subs, topic)
		n.mu.Unlock()
		_ = sub.Unsubscribe()
	}, nil
}

func (n *NATS) Publish(ctx context.Context, topic string, payload []byte, originNodeID string) error {
	b, err := json.Marshal(wireEnvelope{OriginNodeID: originNodeID, Payload: payload})
	if err != nil {
		return fmt.Errorf("pubsub: nats envelope encode: %w", err)
	}
	if err := n.conn.Publish(topic, b); err != nil {
		return fmt.Errorf("pubsub: nats publish %s: %w", topic, err)
	}
	return nil
}

func (n *NATS) Dispose() error {
	n.mu.Lock()
	for topic, sub := range n.subs {
		_ = sub.Unsubscribe()
		delete(n.subs, topic)
	}
	n.mu.Unlock()
	n.conn.Close()
	return nil
}

var _ PubSub = (*NATS)(nil)
