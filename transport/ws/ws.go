// Package ws is the reference WebSocket transport adapter implementing
// broker.Transport, grounded on the teacher's internal/shared
// handlers_ws.go/pump_read.go/pump_write.go trio: gobwas/ws for the HTTP
// upgrade, wsutil for framed client/server I/O, a write deadline on every
// send, and an automatic ping on an idle ticker.
package ws

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	gobwasws "github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/adred-codev/docsyncbroker/broker"
	"github.com/adred-codev/docsyncbroker/message"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	pingEvery = 54 * time.Second
)

// Conn is a gobwas/ws connection adapted into the broker.Transport pair
// (client.Sink, ReadMessage). One Conn per client; reads and writes are
// single-goroutine on each side the same way pump_read.go/pump_write.go
// split them, except here a single exported goroutine is expected to
// drive ReadMessage while the ping ticker in Handler drives keepalive.
type Conn struct {
	conn   net.Conn
	logger zerolog.Logger

	writer   *bufio.Writer
	resolver message.Resolver
}

// New wraps an already-upgraded net.Conn.
func New(conn net.Conn, logger zerolog.Logger) *Conn {
	return &Conn{
		conn:     conn,
		logger:   logger.With().Str("component", "ws_transport").Logger(),
		writer:   bufio.NewWriter(conn),
		resolver: message.PassthroughResolver{},
	}
}

// Upgrade performs the HTTP -> WebSocket upgrade and returns a ready Conn.
func Upgrade(w http.ResponseWriter, r *http.Request, logger zerolog.Logger) (*Conn, error) {
	conn, _, _, err := gobwasws.UpgradeHTTP(r, w)
	if err != nil {
		return nil, fmt.Errorf("transport/ws: upgrade: %w", err)
	}
	return New(conn, logger), nil
}

// ReadMessage blocks until a full client frame decodes into a Message, ctx
// is cancelled, or the connection fails. gobwas/ws has no native
// ctx-driven read; cancellation is honored by closing the underlying
// connection from a watcher goroutine, which unblocks wsutil.ReadClientData
// with an error, the same tradeoff pump_read.go accepts by only treating
// read errors as the trigger for teardown.
func (c *Conn) ReadMessage(ctx context.Context) (*message.Message, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.conn.Close()
		case <-done:
		}
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	raw, op, err := wsutil.ReadClientData(c.conn)
	if err != nil {
		return nil, fmt.Errorf("transport/ws: read: %w", err)
	}
	if op == gobwasws.OpClose {
		return nil, fmt.Errorf("transport/ws: client closed the connection")
	}

	m, err := message.Decode(raw, c.resolver)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// WriteMessage implements client.Sink, framing m as a single WebSocket
// text message.
func (c *Conn) WriteMessage(m *message.Message) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := wsutil.WriteServerMessage(c.writer, gobwasws.OpText, m.Encoded()); err != nil {
		return fmt.Errorf("transport/ws: write: %w", err)
	}
	return c.writer.Flush()
}

// Ping sends a keepalive ping frame. Intended to be called from a ticker
// in the owning goroutine, matching the teacher's writePump ticker branch.
func (c *Conn) Ping() error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return wsutil.WriteServerMessage(c.conn, gobwasws.OpPing, nil)
}

// PingEvery is the recommended interval for calling Ping on idle connections.
func PingEvery() time.Duration { return pingEvery }

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// Handler returns an http.HandlerFunc that upgrades every request to a
// WebSocket connection, registers it with b as a client, and keeps it
// alive with periodic pings until the connection's context is done. It is
// the /ws endpoint wiring the teacher's Server.Start mounts directly on
// its mux, narrowed to a single broker instead of a connection pool.
func Handler(b *broker.Broker, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}

		ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
		c := b.CreateClient(ctx, broker.CreateClientOptions{Transport: conn})

		go func() {
			ticker := time.NewTicker(PingEvery())
			defer ticker.Stop()
			defer cancel()
			for {
				select {
				case <-ctx.Done():
					conn.Close()
					return
				case <-ticker.C:
					if err := conn.Ping(); err != nil {
						return
					}
				}
			}
		}()

		logger.Debug().Str("clientId", c.ID()).Msg("client connected")
	}
}
