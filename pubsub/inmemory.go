package pubsub

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

type delivery struct {
	payload      []byte
	originNodeID string
}

type subscription struct {
	topic   string
	ch      chan delivery
	handler Handler
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) run(ctx context.Context) {
	for {
		select {
		case d := <-s.ch:
			s.handler(ctx, d.payload, d.originNodeID)
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// InMemory is a single-process PubSub, the default when no distributed
// fabric is configured. It mirrors the teacher's BroadcastBus: a
// mutex-guarded map of subscriber channels fanned out from Publish, with
// one consumer goroutine per subscription so deliveries on a given
// subscription are strictly serial.
type InMemory struct {
	mu     sync.RWMutex
	topics map[string][]*subscription

	bufferSize int
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// NewInMemory creates an InMemory pub/sub. bufferSize bounds the
// per-subscription delivery queue; a slow subscriber drops messages past
// that bound rather than blocking the publisher, same tradeoff the
// teacher's broadcast bus makes.
func NewInMemory(bufferSize int, logger zerolog.Logger) *InMemory {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &InMemory{
		topics:     make(map[string][]*subscription),
		bufferSize: bufferSize,
		logger:     logger.With().Str("component", "pubsub_inmemory").Logger(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (b *InMemory) Subscribe(ctx context.Context, topic string, handler Handler) (Unsubscribe, error) {
	sub := &subscription{
		topic:   topic,
		ch:      make(chan delivery, b.bufferSize),
		handler: handler,
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		sub.run(b.ctx)
	}()

	return func() {
		sub.stop()
		b.mu.Lock()
		subs := b.topics[topic]
		for i, s := range subs {
			if s == sub {
				b.topics[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(b.topics[topic]) == 0 {
			delete(b.topics, topic)
		}
		b.mu.Unlock()
	}, nil
}

func (b *InMemory) Publish(ctx context.Context, topic string, payload []byte, originNodeID string) error {
	b.mu.RLock()
	subs := b.topics[topic]
	b.mu.RUnlock()

	d := delivery{payload: payload, originNodeID: originNodeID}
	for _, sub := range subs {
		select {
		case sub.ch <- d:
		case <-b.ctx.Done():
			return nil
		default:
			b.logger.Warn().Str("topic", topic).Msg("subscriber channel full, message dropped")
		}
	}
	return nil
}

func (b *InMemory) Dispose() error {
	b.closeOnce.Do(func() {
		b.cancel()
		b.wg.Wait()
		b.mu.Lock()
		b.topics = nil
		b.mu.Unlock()
	})
	return nil
}

var _ PubSub = (*InMemory)(nil)
