// Package transport abstracts the framed bidirectional links the bridge RPC
// layer runs on. Implementations exchange opaque frames; one frame carries
// one wire.Envelope.
package transport

import (
	"context"
	"net"
	"time"
)

// Kind identifies transport/link type for policy decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindTCP
	KindQUIC
	KindMem
)

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindQUIC:
		return "quic"
	case KindMem:
		return "mem"
	default:
		return "unknown"
	}
}

// Conn is a framed bidirectional connection. Exactly one reader and one
// writer goroutine are expected; SendBytes is internally serialized.
type Conn interface {
	// SendBytes sends one message frame as opaque bytes.
	SendBytes([]byte) error
	// RecvBytes receives the next message frame and returns its bytes.
	RecvBytes() ([]byte, error)
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	EstablishedAt() time.Time
	Close() error
}

// Listener accepts inbound connections.
type Listener interface {
	Addr() net.Addr
	Accept(ctx context.Context) (Conn, error)
	Close() error
}

// Transport creates listeners and outbound connections for one link kind.
type Transport interface {
	Kind() Kind
	Listen(ctx context.Context, address string) (Listener, error)
	Dial(ctx context.Context, address string) (Conn, error)
}
