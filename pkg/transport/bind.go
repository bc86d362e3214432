package transport

import (
	"context"
	"errors"
	"net"
	"strconv"
	"syscall"

	"go.uber.org/zap"
)

// ErrAddrInUse is returned by transports without a syscall-level conflict
// error (e.g. the in-process transport) when an address is already bound.
var ErrAddrInUse = errors.New("address already in use")

// IsAddrInUse reports whether err indicates a bind conflict.
func IsAddrInUse(err error) bool {
	return errors.Is(err, ErrAddrInUse) || errors.Is(err, syscall.EADDRINUSE)
}

// BindAuto binds a listener starting at the preferred port, incrementing the
// port on every conflict until a free one is found. There is no attempt cap;
// any non-conflict error aborts. Returns the listener and the port actually
// bound, which is what the caller must advertise.
func BindAuto(ctx context.Context, tr Transport, host string, preferred int) (Listener, int, error) {
	port := preferred
	for {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		l, err := tr.Listen(ctx, net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			if port != preferred {
				zap.L().Info("bound past conflicting ports",
					zap.Int("preferred", preferred), zap.Int("bound", port))
			}
			return l, port, nil
		}
		if !IsAddrInUse(err) {
			return nil, 0, err
		}
		zap.L().Debug("port in use, trying next", zap.Int("port", port), zap.Error(err))
		port++
	}
}
