// Package discovery fetches shared configuration from the owning driver
// process before an agent can build its runtime environment. The driver may
// not be listening yet; the handshake retries forever with a fixed backoff
// and intentionally blocks startup until it succeeds.
package discovery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"taskbridge/pkg/rpc"
	"taskbridge/pkg/transport"
	"taskbridge/pkg/wire"
)

// Options tune the handshake. Zero values pick the defaults.
type Options struct {
	// AttemptTimeout bounds one dial + call round trip.
	AttemptTimeout time.Duration
	// Backoff is the fixed sleep between failed attempts.
	Backoff time.Duration
}

const (
	defaultAttemptTimeout = 5 * time.Second
	defaultBackoff        = 2 * time.Second
)

// FetchProperties retrieves the driver's key/value configuration and the
// negotiated local port. Each attempt opens a fresh short-lived connection;
// on any failure the connection is closed and the whole handshake restarts
// after the backoff. Returns only on success or ctx cancellation.
func FetchProperties(ctx context.Context, tr transport.Transport, driverAddr string, opts Options) (map[string]string, int, error) {
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = defaultAttemptTimeout
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}

	attempt := 0
	for {
		attempt++
		props, port, err := fetchOnce(ctx, tr, driverAddr, opts.AttemptTimeout)
		if err == nil {
			zap.L().Info("driver properties fetched",
				zap.String("driver", driverAddr), zap.Int("attempt", attempt),
				zap.Int("keys", len(props)), zap.Int("port", port))
			return props, port, nil
		}
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		zap.L().Warn("driver not reachable, retrying",
			zap.String("driver", driverAddr), zap.Int("attempt", attempt),
			zap.Duration("backoff", opts.Backoff), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-time.After(opts.Backoff):
		}
	}
}

func fetchOnce(ctx context.Context, tr transport.Transport, driverAddr string, timeout time.Duration) (map[string]string, int, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := rpc.Dial(actx, tr, driverAddr)
	if err != nil {
		return nil, 0, fmt.Errorf("dial driver: %w", err)
	}
	defer conn.Close()

	env, err := conn.CallSync(actx, wire.KindRetrieveProperties, wire.RetrievePropsBody{})
	if err != nil {
		return nil, 0, fmt.Errorf("retrieve properties: %w", err)
	}
	if rerr := rpc.ReplyErr(env); rerr != nil {
		return nil, 0, rerr
	}
	var rep wire.RetrievePropsReply
	if err := wire.UnmarshalBody(env.Payload, &rep); err != nil {
		return nil, 0, fmt.Errorf("decode properties: %w", err)
	}
	return rep.Props, rep.Port, nil
}

// Merge overlays fetched properties onto local ones without clobbering:
// a fetched key applies only when the local side has not already set it.
func Merge(local, fetched map[string]string) map[string]string {
	out := make(map[string]string, len(local)+len(fetched))
	for k, v := range fetched {
		out[k] = v
	}
	for k, v := range local {
		out[k] = v
	}
	return out
}
