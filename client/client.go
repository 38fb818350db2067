// Package client implements the per-connection outbound sink the session
// and broker write through. It follows the teacher's connection.go
// pattern: a buffered send channel drained by one writer goroutine so
// sends are strictly serialised per client, plus bookkeeping (here,
// in-flight acks instead of sequence numbers) guarded by its own mutex.
package client

import (
	"errors"
	"sync"
	"time"

	"github.com/adred-codev/docsyncbroker/message"
)

// ErrClosed is returned by Send once the client has been destroyed.
var ErrClosed = errors.New("client: destroyed")

// sendBufferSize mirrors the teacher's per-client outbound buffer; sized
// for a relay workload rather than the teacher's broadcast-heavy trading
// feed, so it is far smaller.
const sendBufferSize = 256

type inFlightEntry struct {
	sentAt  time.Time
	message *message.Message
}

// Sink is the transport-supplied write half a Client drains into. It is
// the thin adapter boundary between this package and a concrete
// transport (e.g. transport/ws).
type Sink interface {
	WriteMessage(m *message.Message) error
}

// Client is one connected peer: an outbound sink plus the in-flight ack
// bookkeeping the at-least-once delivery layer needs.
type Client struct {
	id   string
	sink Sink

	send      chan *message.Message
	closeOnce sync.Once
	closed    chan struct{}

	mu       sync.Mutex
	inFlight map[string]inFlightEntry

	wg sync.WaitGroup

	writeErr   error
	writeErrMu sync.Mutex
}

// New creates a Client for id, writing into sink. The caller must arrange
// for the transport to eventually call Destroy (on disconnect, abort, or
// server shutdown).
func New(id string, sink Sink) *Client {
	c := &Client{
		id:       id,
		sink:     sink,
		send:     make(chan *message.Message, sendBufferSize),
		closed:   make(chan struct{}),
		inFlight: make(map[string]inFlightEntry),
	}
	c.wg.Add(1)
	go c.writeLoop()
	return c
}

func (c *Client) ID() string { return c.id }

func (c *Client) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case m := <-c.send:
			if err := c.sink.WriteMessage(m); err != nil {
				c.writeErrMu.Lock()
				c.writeErr = err
				c.writeErrMu.Unlock()
			}
		case <-c.closed:
			// Drain whatever is left so callers blocked on Send unblock,
			// but stop writing to a sink that may already be torn down.
			for {
				select {
				case <-c.send:
				default:
					return
				}
			}
		}
	}
}

// Send enqueues m for delivery, serialised behind the write loop. Every
// non-awareness, non-ack message is recorded in-flight before it is
// handed to the sink. Send returns ErrClosed if the client has been
// destroyed.
func (c *Client) Send(m *message.Message) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	if m.Type != message.TypeAwareness && m.Type != message.TypeAck {
		c.mu.Lock()
		c.inFlight[m.ID] = inFlightEntry{sentAt: time.Now(), message: m}
		c.mu.Unlock()
	}

	select {
	case c.send <- m:
		return nil
	case <-c.closed:
		return ErrClosed
	}
}

// Ack clears the in-flight entry for messageID, called when this client's
// inbound loop observes a matching ack message.
func (c *Client) Ack(messageID string) {
	c.mu.Lock()
	delete(c.inFlight, messageID)
	c.mu.Unlock()
}

// HasInFlight reports whether any message is awaiting an ack.
func (c *Client) HasInFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inFlight) > 0
}

// InFlightCount returns the number of messages awaiting an ack.
func (c *Client) InFlightCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inFlight)
}

// WriteErr returns the most recent error the sink produced, if any. Sink
// errors are recorded here only; Send does not return them, and nothing
// in the broker package reads this value.
func (c *Client) WriteErr() error {
	c.writeErrMu.Lock()
	defer c.writeErrMu.Unlock()
	return c.writeErr
}

// Destroy aborts the sink and clears all in-flight records. Safe to call
// more than once.
func (c *Client) Destroy() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.wg.Wait()
		c.mu.Lock()
		c.inFlight = make(map[string]inFlightEntry)
		c.mu.Unlock()
	})
}
