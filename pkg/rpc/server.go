package rpc

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"taskbridge/pkg/transport"
	"taskbridge/pkg/wire"
)

// Handler processes one inbound request and returns an optional reply body.
// Handlers run on per-request goroutines and must be safe under concurrent
// invocation.
type Handler func(ctx context.Context, remote net.Addr, env *wire.Envelope) (any, error)

// Server accepts framed connections and dispatches envelopes by kind. Every
// request gets exactly one reply; callers treat the reply as an ack even for
// fire-and-forget kinds.
type Server struct {
	log *zap.Logger

	mu       sync.RWMutex
	handlers map[uint8]Handler
}

func NewServer(log *zap.Logger) *Server {
	if log == nil {
		log = zap.L()
	}
	return &Server{log: log, handlers: make(map[uint8]Handler)}
}

// Handle registers the handler for a message kind.
func (s *Server) Handle(kind uint8, h Handler) {
	s.mu.Lock()
	s.handlers[kind] = h
	s.mu.Unlock()
}

// Serve accepts connections until ctx is cancelled or the listener fails.
func (s *Server) Serve(ctx context.Context, l transport.Listener) error {
	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn transport.Conn) {
	defer conn.Close()
	// SendBytes is internally serialized, so reply goroutines may share conn.
	for {
		frame, err := conn.RecvBytes()
		if err != nil {
			return
		}
		var env wire.Envelope
		if err := env.DecodeFrame(frame); err != nil {
			s.log.Warn("bad frame", zap.Error(err))
			return
		}
		go s.dispatch(ctx, conn, &env)
	}
}

func (s *Server) dispatch(ctx context.Context, conn transport.Conn, env *wire.Envelope) {
	s.mu.RLock()
	h := s.handlers[env.Header.Kind]
	s.mu.RUnlock()

	var body any
	var err error
	if h == nil {
		err = fmt.Errorf("no handler for %s", wire.KindName(env.Header.Kind))
		s.log.Warn("unhandled message kind",
			zap.String("kind", wire.KindName(env.Header.Kind)))
	} else {
		body, err = h(ctx, conn.RemoteAddr(), env)
	}

	errText := ""
	if err != nil {
		errText = err.Error()
	}
	reply, rerr := wire.NewReply(env.Header.CallID, body, errText)
	if rerr != nil {
		s.log.Error("encode reply", zap.Error(rerr))
		return
	}
	frame, rerr := reply.EncodeFrame()
	if rerr != nil {
		s.log.Error("encode reply frame", zap.Error(rerr))
		return
	}
	if serr := conn.SendBytes(frame); serr != nil {
		s.log.Warn("send reply", zap.Error(serr))
	}
}
