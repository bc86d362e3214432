package quic

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"

	"taskbridge/pkg/transport"
)

const alpn = "taskbridge"

// Transport implements QUIC-based connections with length-prefixed frames on a
// single bidirectional control stream (opened by the dialer; accepted by the
// listener).
type Transport struct {
	tlsConf  *tls.Config
	quicConf *quicgo.Config
}

func New() *Transport {
	// Generate an ephemeral self-signed certificate for the server side.
	cert, _ := selfSignedCert()
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
		MinVersion:   tls.VersionTLS13,
	}
	return &Transport{tlsConf: tlsConf, quicConf: &quicgo.Config{}}
}

func (t *Transport) Kind() transport.Kind { return transport.KindQUIC }

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
	l, err := quicgo.ListenAddr(address, t.tlsConf, t.quicConf)
	if err != nil { return nil, err }
	ql := &listener{l: l, newCh: make(chan *conn, 8), closeCh: make(chan struct{})}
	go ql.acceptLoop(ctx)
	go func() { <-ctx.Done(); _ = ql.Close() }()
	return ql, nil
}

func (t *Transport) Dial(ctx context.Context, address string) (transport.Conn, error) {
	// Identity is not verified at the TLS layer; the application protocol
	// carries its own registration handshake.
	tlsClient := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpn},
		MinVersion:         tls.VersionTLS13,
	}
	c, err := quicgo.DialAddr(ctx, address, tlsClient, t.quicConf)
	if err != nil { return nil, err }
	st, err := c.OpenStreamSync(ctx)
	if err != nil {
		_ = c.CloseWithError(0, "open stream")
		return nil, err
	}
	return newConn(c, st), nil
}

type listener struct {
	l       *quicgo.Listener
	newCh   chan *conn
	closeCh chan struct{}
}

func (l *listener) Addr() net.Addr { return l.l.Addr() }

func (l *listener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, errors.New("quic listener closed")
	case c := <-l.newCh:
		return c, nil
	}
}

func (l *listener) Close() error {
	select { case <-l.closeCh: default: close(l.closeCh) }
	return l.l.Close()
}

func (l *listener) acceptLoop(ctx context.Context) {
	for {
		qc, err := l.l.Accept(ctx)
		if err != nil { return }
		go func(qc quicgo.Connection) {
			st, err := qc.AcceptStream(ctx)
			if err != nil {
				_ = qc.CloseWithError(0, "accept stream")
				return
			}
			nc := newConn(qc, st)
			select { case l.newCh <- nc: default: _ = nc.Close() }
		}(qc)
	}
}

type conn struct {
	mu sync.Mutex
	c  quicgo.Connection
	st quicgo.Stream
	br *bufio.Reader
	bw *bufio.Writer
	establishedAt time.Time
}

func newConn(c quicgo.Connection, st quicgo.Stream) *conn {
	return &conn{c: c, st: st, br: bufio.NewReader(st), bw: bufio.NewWriter(st), establishedAt: time.Now()}
}

func (s *conn) LocalAddr() net.Addr  { return s.c.LocalAddr() }
func (s *conn) RemoteAddr() net.Addr { return s.c.RemoteAddr() }
func (s *conn) EstablishedAt() time.Time { return s.establishedAt }

func (s *conn) Close() error {
	_ = s.st.Close()
	return s.c.CloseWithError(0, "")
}

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

// selfSignedCert generates a short-lived self-signed TLS certificate for local QUIC use.
func selfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil { return tls.Certificate{}, err }
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil { return tls.Certificate{}, err }
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
