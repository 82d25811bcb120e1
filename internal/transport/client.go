// Package transport owns the peer side of the relay connection: dialing,
// bounded-backoff reconnects, and the queues that decouple network I/O
// from the driver's tick loop.
package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/tmorven/linkbridge/pkg/protocol"
)

type Options struct {
	// MaxAttempts bounds reconnection tries per outage; the delay doubles
	// each attempt starting from BaseDelay.
	MaxAttempts int
	BaseDelay   time.Duration

	OutboundBuffer int
	InboundBuffer  int

	// OnReconnect supplies messages to send first on a fresh connection
	// (re-register plus a fresh roster_sync; delivery across reconnects is
	// not guaranteed, so consistency is reestablished explicitly).
	OnReconnect func() []protocol.Message

	Clock clockwork.Clock
}

func DefaultOptions() Options {
	return Options{
		MaxAttempts:    5,
		BaseDelay:      250 * time.Millisecond,
		OutboundBuffer: 64,
		InboundBuffer:  256,
		Clock:          clockwork.NewRealClock(),
	}
}

// Client is the peer transport. Sends are fire-and-forget into the
// outbound queue; receives buffer into the inbound queue until the driver
// drains them at the top of a tick. In-order per connection.
type Client struct {
	addr string
	log  *zap.Logger
	opts Options

	out chan protocol.Message
	in  chan protocol.Message

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	conn net.Conn
	done chan struct{}
}

// Dial connects to the relay hub, applying the same bounded backoff to the
// initial connection as to later reconnects.
func Dial(parent context.Context, addr string, log *zap.Logger, opts Options) (*Client, error) {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(parent)
	c := &Client{
		addr:   addr,
		log:    log,
		opts:   opts,
		out:    make(chan protocol.Message, opts.OutboundBuffer),
		in:     make(chan protocol.Message, opts.InboundBuffer),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	conn, err := c.connect()
	if err != nil {
		cancel()
		return nil, err
	}
	c.setConn(conn)
	go c.run(conn)
	return c, nil
}

// Send enqueues a message without blocking. A full queue drops the message
// and logs it; nothing fails silently.
func (c *Client) Send(m protocol.Message) {
	select {
	case c.out <- m:
	default:
		c.log.Warn("outbound queue full, dropping message", zap.String("type", string(m.Type)))
	}
}

// Drain returns every buffered inbound message, in arrival order.
func (c *Client) Drain() []protocol.Message {
	var msgs []protocol.Message
	for {
		select {
		case m := <-c.in:
			msgs = append(msgs, m)
		default:
			return msgs
		}
	}
}

// Done closes once the transport has given up for good.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Close() error {
	c.cancel()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) setConn(conn net.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// connect dials with doubling delays until a connection lands or the
// attempt budget runs out.
func (c *Client) connect() (net.Conn, error) {
	var lastErr error
	delay := c.opts.BaseDelay
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		conn, err := net.Dial("tcp", c.addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		c.log.Warn("relay dial failed",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		select {
		case <-c.ctx.Done():
			return nil, c.ctx.Err()
		case <-c.opts.Clock.After(delay):
		}
		delay *= 2
	}
	return nil, lastErr
}

// run owns the connection lifecycle: pump until the connection breaks,
// reconnect with backoff, and when the budget is exhausted synthesize a
// session_end(peer_lost) so the driver sees the outage as a message.
func (c *Client) run(conn net.Conn) {
	defer close(c.done)
	for {
		err := c.pump(conn)
		conn.Close()
		if c.ctx.Err() != nil {
			return
		}
		c.log.Warn("relay connection lost, reconnecting", zap.Error(err))

		next, cerr := c.connect()
		if cerr != nil {
			c.log.Error("reconnect budget exhausted", zap.Error(cerr))
			c.deliver(protocol.EndSession(protocol.ReasonPeerLost))
			return
		}
		c.setConn(next)
		if c.opts.OnReconnect != nil {
			enc := protocol.NewEncoder(next)
			for _, m := range c.opts.OnReconnect() {
				if err := enc.Encode(m); err != nil {
					c.log.Warn("reconnect handshake write failed", zap.Error(err))
					break
				}
			}
		}
		conn = next
	}
}

// pump services one live connection: a reader goroutine feeding the
// inbound queue and a writer loop draining the outbound queue. Returns
// when either direction fails.
func (c *Client) pump(conn net.Conn) error {
	errCh := make(chan error, 2)

	go func() {
		dec := protocol.NewDecoder(conn)
		for {
			m, err := dec.Decode()
			if err != nil {
				if errors.Is(err, protocol.ErrMalformed) {
					// ProtocolError taxonomy: drop the line, keep the stream.
					c.log.Warn("dropping malformed message", zap.Error(err))
					continue
				}
				errCh <- err
				return
			}
			c.deliver(m)
		}
	}()

	enc := protocol.NewEncoder(conn)
	for {
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		case err := <-errCh:
			return err
		case m := <-c.out:
			if err := enc.Encode(m); err != nil {
				return err
			}
		}
	}
}

func (c *Client) deliver(m protocol.Message) {
	if errors.Is(protocol.Validate(m), protocol.ErrUnknownType) {
		c.log.Warn("dropping message of unknown type", zap.String("type", string(m.Type)))
		return
	}
	select {
	case c.in <- m:
	default:
		c.log.Warn("inbound queue full, dropping message", zap.String("type", string(m.Type)))
	}
}
