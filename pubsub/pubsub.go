// Package pubsub is the cross-node replication contract used by Session
// to fan documents out across broker nodes. Every implementation must
// serialise deliveries for a single subscription and tag publishes with
// the publishing node's id so subscribers can filter self-echoes.
package pubsub

import "context"

// Handler receives one delivered message. payload is the canonical
// encoded bytes as published; originNodeID is the node that published it.
type Handler func(ctx context.Context, payload []byte, originNodeID string)

// Unsubscribe detaches a previously-registered subscription. Calling it
// more than once is a no-op.
type Unsubscribe func()

// PubSub is the contract §4.2 describes: topic-keyed publish/subscribe
// with origin-node tagging, at-least-once delivery within a topic, and no
// cross-topic ordering guarantee.
type PubSub interface {
	// Subscribe registers handler for topic. Deliveries for this
	// subscription are serialised: handler is never invoked concurrently
	// with itself.
	Subscribe(ctx context.Context, topic string, handler Handler) (Unsubscribe, error)

	// Publish sends payload to topic, tagged with originNodeID.
	Publish(ctx context.Context, topic string, payload []byte, originNodeID string) error

	// Dispose releases every resource the implementation owns. Idempotent.
	Dispose() error
}

// DocumentTopic returns the topic name for document-scoped replication.
func DocumentTopic(namespacedDocumentID string) string {
	return "document/" + namespacedDocumentID
}

// ClientTopic returns the topic name for server-initiated delivery to a
// specific remote client.
func ClientTopic(clientID string) string {
	return "client/" + clientID
}
