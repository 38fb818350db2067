package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Kafka is a PubSub backed by a franz-go client, grounded on the teacher's
// internal/shared/kafka.Consumer: one shared client used both to produce
// and, via a context-cancellable poll loop per subscription, to consume.
// Topics here are Kafka topics directly; callers are expected to pass the
// same document/{id} and client/{id} topic names used by the in-memory
// and NATS backends.
type Kafka struct {
	client *kgo.Client
	logger zerolog.Logger

	mu   sync.Mutex
	subs map[string]*kafkaSubscription
}

type kafkaSubscription struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// KafkaConfig mirrors the teacher's ConsumerConfig, trimmed to what a
// PubSub implementation needs: brokers and a consumer group shared by
// every subscription this node opens.
type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
}

func NewKafka(cfg KafkaConfig, logger zerolog.Logger) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("pubsub: kafka requires at least one broker")
	}
	if cfg.ConsumerGroup == "" {
		return nil, fmt.Errorf("pubsub: kafka requires a consumer group")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	)
	if err != nil {
		return nil, fmt.Errorf("pubsub: kafka client: %w", err)
	}

	return &Kafka{
		client: client,
		logger: logger.With().Str("component", "pubsub_kafka").Logger(),
		subs:   make(map[string]*kafkaSubscription),
	}, nil
}

func (k *Kafka) Subscribe(ctx context.Context, topic string, handler Handler) (Unsubscribe, error) {
	k.client.AddConsumeTopics(topic)

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &kafkaSubscription{cancel: cancel}

	k.mu.Lock()
	k.subs[topic] = sub
	k.mu.Unlock()

	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		k.consumeLoop(subCtx, topic, handler)
	}()

	return func() {
		k.mu.Lock()
		delete(k.subs, topic)
		k.mu.Unlock()
		sub.cancel()
		sub.wg.Wait()
		k.client.PurgeTopicsFromClient(topic)
	}, nil
}

func (k *Kafka) consumeLoop(ctx context.Context, topic string, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		fetches := k.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return
		}
		for _, err := range fetches.Errors() {
			k.logger.Error().Err(err.Err).Str("topic", err.Topic).Msg("kafka fetch error")
		}

		fetches.EachTopic(func(t kgo.FetchTopic) {
			if t.Topic != topic {
				return
			}
			t.EachRecord(func(rec *kgo.Record) {
				var env wireEnvelope
				if err := json.Unmarshal(rec.Value, &env); err != nil {
					k.logger.Warn().Err(err).Str("topic", topic).Msg("dropping undecodable message")
					return
				}
				handler(ctx, env.Payload, env.OriginNodeID)
			})
		})
	}
}

func (k *Kafka) Publish(ctx context.Context, topic string, payload []byte, originNodeID string) error {
	b, err := json.Marshal(wireEnvelope{OriginNodeID: originNodeID, Payload: payload})
	if err != nil {
		return fmt.Errorf("pubsub: kafka envelope encode: %w", err)
	}
	record := &kgo.Record{Topic: topic, Value: b}
	result := k.client.ProduceSync(ctx, record)
	if err := result.FirstErr(); err != nil {
		return fmt.Errorf("pubsub: kafka produce %s: %w", topic, err)
	}
	return nil
}

func (k *Kafka) Dispose() error {
	k.mu.Lock()
	subs := k.subs
	k.subs = nil
	k.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		sub.wg.Wait()
	}
	k.client.Close()
	return nil
}

var _ PubSub = (*Kafka)(nil)
