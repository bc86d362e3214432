package mem

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"taskbridge/pkg/transport"
)

// Transport is an in-process transport using net.Pipe. Useful for tests and
// as a stand-in for a real network link.
type Transport struct {
	mu        sync.Mutex
	listeners map[string]*listener
}

func New() *Transport { return &Transport{listeners: make(map[string]*listener)} }

func (t *Transport) Kind() transport.Kind { return transport.KindMem }

func (t *Transport) Listen(ctx context.Context, name string) (transport.Listener, error) {
	t.mu.Lock(); defer t.mu.Unlock()
	if _, ok := t.listeners[name]; ok {
		return nil, fmt.Errorf("mem %q: %w", name, transport.ErrAddrInUse)
	}
	l := &listener{name: name, newCh: make(chan *conn, 8), closeCh: make(chan struct{})}
	t.listeners[name] = l
	go func() {
		<-ctx.Done()
		_ = l.Close()
		// Only remove this exact listener; the name may have been rebound.
		t.mu.Lock()
		if t.listeners[name] == l {
			delete(t.listeners, name)
		}
		t.mu.Unlock()
	}()
	return l, nil
}

func (t *Transport) Dial(ctx context.Context, name string) (transport.Conn, error) {
	t.mu.Lock(); l := t.listeners[name]; t.mu.Unlock()
	if l == nil { return nil, errors.New("mem: no such listener") }
	c1, c2 := net.Pipe()
	srv := newConn(c1)
	cli := newConn(c2)
	select {
	case l.newCh <- srv:
	case <-l.closeCh:
		_ = srv.Close()
		_ = cli.Close()
		return nil, errors.New("mem: listener closed")
	case <-ctx.Done():
		_ = srv.Close()
		_ = cli.Close()
		return nil, ctx.Err()
	}
	go func() { <-ctx.Done(); _ = cli.Close() }()
	return cli, nil
}

// Unlisten removes a listener by name (used by tests to simulate an endpoint
// going away and coming back).
func (t *Transport) Unlisten(name string) {
	t.mu.Lock(); l := t.listeners[name]; delete(t.listeners, name); t.mu.Unlock()
	if l != nil { _ = l.Close() }
}

type listener struct {
	name    string
	newCh   chan *conn
	closeCh chan struct{}
}

func (l *listener) Addr() net.Addr { return memAddr(l.name) }

func (l *listener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, errors.New("mem listener closed")
	case c := <-l.newCh:
		return c, nil
	}
}

func (l *listener) Close() error {
	select { case <-l.closeCh: default: close(l.closeCh) }
	return nil
}

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

type conn struct {
	mu sync.Mutex
	c  net.Conn
	br *bufio.Reader
	bw *bufio.Writer
	establishedAt time.Time
}

func newConn(c net.Conn) *conn {
	return &conn{c: c, br: bufio.NewReader(c), bw: bufio.NewWriter(c), establishedAt: time.Now()}
}

func (s *conn) LocalAddr() net.Addr  { return s.c.LocalAddr() }
func (s *conn) RemoteAddr() net.Addr { return s.c.RemoteAddr() }
func (s *conn) EstablishedAt() time.Time { return s.establishedAt }
func (s *conn) Close() error { return s.c.Close() }

func (s *conn) SendBytes(b []byte) error {
	s.mu.Lock(); defer s.mu.Unlock()
	var lenbuf [4]byte
	binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(b)))
	if _, err := s.bw.Write(lenbuf[:]); err != nil { return err }
	if _, err := s.bw.Write(b); err != nil { return err }
	return s.bw.Flush()
}

func (s *conn) RecvBytes() ([]byte, error) {
	var lenbuf [4]byte
	if _, err := io.ReadFull(s.br, lenbuf[:]); err != nil { return nil, err }
	n := int(binary.LittleEndian.Uint32(lenbuf[:]))
	if n < 0 || n > (1<<24) { return nil, errors.New("invalid frame size") }
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.br, buf); err != nil { return nil, err }
	return buf, nil
}
