// Package rpc implements the asynchronous call layer the bridge runs on: a
// client that multiplexes exactly one in-flight call per connection, a pool
// that recycles idle clients per endpoint, and a server dispatching inbound
// envelopes to registered handlers.
package rpc

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"taskbridge/pkg/transport"
	"taskbridge/pkg/wire"
)

var (
	// ErrCallInFlight is returned when a second call is requested on a
	// client whose previous call has not completed. The transport supports
	// one outstanding call per client; borrow a fresh client instead.
	ErrCallInFlight = errors.New("rpc: call already in flight on this client")

	// ErrClientClosed is returned for calls on a closed or failed client.
	ErrClientClosed = errors.New("rpc: client closed")

	// ErrRemote wraps an error reported by the remote handler.
	ErrRemote = errors.New("rpc: remote error")
)

// DoneFunc receives the reply envelope for an async call, on a transport
// goroutine. Exactly one of env/err is set.
type DoneFunc func(env *wire.Envelope, err error)

// Client issues calls over one connection. A client allows a single
// outstanding call at a time; the reply is matched by call id and delivered
// through the call's DoneFunc.
type Client struct {
	conn transport.Conn

	mu       sync.Mutex
	nextID   uint64
	pending  map[uint64]DoneFunc
	inflight bool
	closed   bool
	failure  error
}

// Dial connects to endpoint and starts the reply reader.
func Dial(ctx context.Context, tr transport.Transport, endpoint string) (*Client, error) {
	conn, err := tr.Dial(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	c := &Client{conn: conn, pending: make(map[uint64]DoneFunc)}
	go c.readLoop()
	return c, nil
}

// Call issues an async call. done fires exactly once, on a transport
// goroutine, after the network reply arrived or the call failed. The client
// becomes borrowable for the next call only once done has been entered.
func (c *Client) Call(kind uint8, body any, done DoneFunc) error {
	env, err := wire.NewRequest(kind, 0, body)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		err := c.failure
		c.mu.Unlock()
		if err == nil {
			err = ErrClientClosed
		}
		return err
	}
	if c.inflight {
		c.mu.Unlock()
		return ErrCallInFlight
	}
	c.nextID++
	id := c.nextID
	env.Header.CallID = id
	c.inflight = true
	c.pending[id] = done
	c.mu.Unlock()

	frame, err := env.EncodeFrame()
	if err == nil {
		err = c.conn.SendBytes(frame)
	}
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.inflight = false
		c.mu.Unlock()
		return err
	}
	return nil
}

// CallSync issues a call and blocks until the reply or ctx expiry. Used only
// by the one-shot handshakes (registration, property discovery); the async
// paths go through Call. On ctx expiry the client is unusable (a late reply
// may still be in transit) and is closed.
func (c *Client) CallSync(ctx context.Context, kind uint8, body any) (*wire.Envelope, error) {
	type outcome struct {
		env *wire.Envelope
		err error
	}
	ch := make(chan outcome, 1)
	if err := c.Call(kind, body, func(env *wire.Envelope, err error) {
		ch <- outcome{env, err}
	}); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		_ = c.Close()
		return nil, ctx.Err()
	case out := <-ch:
		return out.env, out.err
	}
}

// ReplyErr returns a reply-level error if the envelope carries one.
func ReplyErr(env *wire.Envelope) error {
	if msg := env.ReplyError(); msg != "" {
		return errors.Join(ErrRemote, errors.New(msg))
	}
	return nil
}

// Close closes the connection; pending calls fail with ErrClientClosed.
func (c *Client) Close() error {
	c.fail(ErrClientClosed)
	return c.conn.Close()
}

// Broken reports whether the client has failed and must not be reused.
func (c *Client) Broken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) readLoop() {
	for {
		frame, err := c.conn.RecvBytes()
		if err != nil {
			c.fail(err)
			return
		}
		var env wire.Envelope
		if err := env.DecodeFrame(frame); err != nil {
			c.fail(err)
			_ = c.conn.Close()
			return
		}
		if env.Header.Kind != wire.KindReply {
			zap.L().Warn("client received non-reply frame",
				zap.String("kind", wire.KindName(env.Header.Kind)))
			continue
		}
		c.mu.Lock()
		done := c.pending[env.Header.CallID]
		delete(c.pending, env.Header.CallID)
		// The client is reusable as soon as its call completed.
		c.inflight = false
		c.mu.Unlock()
		if done == nil {
			zap.L().Warn("reply for unknown call", zap.Uint64("call", env.Header.CallID))
			continue
		}
		done(&env, nil)
	}
}

// fail marks the client dead and flushes pending callbacks with err.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.failure = err
	pending := c.pending
	c.pending = make(map[uint64]DoneFunc)
	c.inflight = false
	c.mu.Unlock()
	for _, done := range pending {
		done(nil, err)
	}
}
