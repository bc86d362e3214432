package rpc

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"taskbridge/pkg/transport"
)

// Pool hands out live clients per endpoint and reclaims them after use.
// Borrowed clients are absent from the pool, so two logically concurrent
// calls can never share a connection. The pool lock is independent of any
// correlation-table lock.
type Pool struct {
	tr transport.Transport

	mu   sync.Mutex
	idle map[string][]*Client
}

func NewPool(tr transport.Transport) *Pool {
	return &Pool{tr: tr, idle: make(map[string][]*Client)}
}

// Borrow returns an idle client for endpoint, or dials a new one. Connect
// failure is returned as-is; policy on failure belongs to the caller.
func (p *Pool) Borrow(ctx context.Context, endpoint string) (*Client, error) {
	for {
		p.mu.Lock()
		clients := p.idle[endpoint]
		if len(clients) == 0 {
			p.mu.Unlock()
			break
		}
		c := clients[len(clients)-1]
		p.idle[endpoint] = clients[:len(clients)-1]
		p.mu.Unlock()
		// A pooled client may have died while idle; skip it.
		if c.Broken() {
			_ = c.Close()
			continue
		}
		return c, nil
	}
	c, err := Dial(ctx, p.tr, endpoint)
	if err != nil {
		zap.L().Warn("pool dial failed", zap.String("endpoint", endpoint), zap.Error(err))
		return nil, err
	}
	return c, nil
}

// Return makes the client available again. Must be invoked exactly once per
// borrowed client, from the completion callback of the call that used it.
// Return never closes the connection.
func (p *Pool) Return(endpoint string, c *Client) {
	p.mu.Lock()
	p.idle[endpoint] = append(p.idle[endpoint], c)
	p.mu.Unlock()
}

// Discard closes an erroring client instead of returning it; the next
// Borrow constructs a fresh one.
func (p *Pool) Discard(endpoint string, c *Client) {
	_ = c.Close()
}

// Close closes all idle clients. Borrowed clients are the borrowers'
// responsibility.
func (p *Pool) Close() {
	p.mu.Lock()
	idle := p.idle
	p.idle = make(map[string][]*Client)
	p.mu.Unlock()
	for _, clients := range idle {
		for _, c := range clients {
			_ = c.Close()
		}
	}
}

// IdleCount reports pooled clients for an endpoint (for tests and debug).
func (p *Pool) IdleCount(endpoint string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle[endpoint])
}
