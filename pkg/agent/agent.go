// Package agent implements the execution side of the bridge: it binds an
// inbound listener, registers with the placement service, launches tasks on
// the local engine and reports status changes upstream through pooled async
// clients.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"taskbridge/pkg/api"
	"taskbridge/pkg/correlate"
	"taskbridge/pkg/rpc"
	"taskbridge/pkg/transport"
	"taskbridge/pkg/wire"
)

// ErrUnknownTask means a status update arrived for a task this agent never
// launched. That is an ordering bug, not a recoverable condition.
var ErrUnknownTask = errors.New("agent: status update for unknown task")

// Options configure an execution agent.
type Options struct {
	App string
	// Host is the reachable host advertised at registration.
	Host string
	// PreferredPort is where listening starts; conflicts increment it.
	PreferredPort int
	// Upstream is the placement service endpoint for registration and
	// outbound status notifications.
	Upstream string
	// User is forwarded on frontend messages when set.
	User string
	// NotifyTimeout bounds dialing for one outbound status notification.
	// Zero picks the default.
	NotifyTimeout time.Duration
}

const defaultNotifyTimeout = 5 * time.Second

// Agent bridges the placement service to the local execution engine.
type Agent struct {
	log    *zap.Logger
	opts   Options
	tr     transport.Transport
	engine api.Engine
	ser    api.Serializer
	pool   *rpc.Pool

	// mu covers the correlation table during launch and lookup. It is never
	// held across a network call; pool traffic runs outside it.
	mu    sync.Mutex
	table *correlate.Table[int64, string]

	server   *rpc.Server
	listener transport.Listener
	bound    int
}

func New(tr transport.Transport, engine api.Engine, ser api.Serializer, opts Options, log *zap.Logger) *Agent {
	if log == nil {
		log = zap.L()
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = defaultNotifyTimeout
	}
	a := &Agent{
		log:    log,
		opts:   opts,
		tr:     tr,
		engine: engine,
		ser:    ser,
		pool:   rpc.NewPool(tr),
		table:  correlate.NewTable[int64, string](),
		server: rpc.NewServer(log),
	}
	a.server.Handle(wire.KindLaunchTask, a.handleLaunchTask)
	return a
}

// BindAndRegister binds the inbound listener (incrementing past conflicting
// ports), starts serving, then announces the actually-bound address with a
// one-shot synchronous registration call. A registration error is fatal for
// the agent; the caller is expected to exit non-zero.
func (a *Agent) BindAndRegister(ctx context.Context) error {
	l, port, err := transport.BindAuto(ctx, a.tr, a.opts.Host, a.opts.PreferredPort)
	if err != nil {
		return fmt.Errorf("bind listener: %w", err)
	}
	a.listener = l
	a.bound = port
	go func() {
		if err := a.server.Serve(ctx, l); err != nil && ctx.Err() == nil {
			a.log.Error("agent server stopped", zap.Error(err))
		}
	}()

	addr := net.JoinHostPort(a.opts.Host, strconv.Itoa(port))
	conn, err := rpc.Dial(ctx, a.tr, a.opts.Upstream)
	if err != nil {
		return fmt.Errorf("register with %s: %w", a.opts.Upstream, err)
	}
	defer conn.Close()
	env, err := conn.CallSync(ctx, wire.KindRegisterBackend, wire.RegisterBackendBody{
		App:     a.opts.App,
		Address: addr,
	})
	if err != nil {
		return fmt.Errorf("register with %s: %w", a.opts.Upstream, err)
	}
	if rerr := rpc.ReplyErr(env); rerr != nil {
		return fmt.Errorf("register with %s: %w", a.opts.Upstream, rerr)
	}
	a.log.Info("registered with placement service",
		zap.String("app", a.opts.App), zap.String("address", addr))
	return nil
}

// BoundPort reports the port the listener actually bound.
func (a *Agent) BoundPort() int { return a.bound }

// handleLaunchTask deserializes the descriptor and hands it to the engine.
// The launch path holds the agent lock; it only maps ids and hands off, the
// task body runs on engine goroutines.
func (a *Agent) handleLaunchTask(_ context.Context, _ net.Addr, env *wire.Envelope) (any, error) {
	var body wire.LaunchTaskBody
	if err := wire.UnmarshalBody(env.Payload, &body); err != nil {
		return nil, fmt.Errorf("decode launch: %w", err)
	}
	localID, err := strconv.ParseInt(body.RemoteID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("launch %q: non-numeric task id", body.RemoteID)
	}

	var desc any
	if err := a.ser.Deserialize(body.Descriptor, &desc); err != nil {
		return nil, fmt.Errorf("deserialize task %s: %w", body.RemoteID, err)
	}

	a.mu.Lock()
	a.table.Put(localID, body.RemoteID)
	err = a.engine.LaunchTask(localID, desc, api.StatusFunc(a.StatusUpdate))
	a.mu.Unlock()
	if err != nil {
		a.table.Delete(localID)
		return nil, fmt.Errorf("launch task %s: %w", body.RemoteID, err)
	}
	a.log.Debug("task launched", zap.Int64("local", localID), zap.String("remote", body.RemoteID))
	return nil, nil
}

// StatusUpdate propagates a state change upstream. RUNNING is suppressed
// entirely (no outbound traffic). FINISHED triggers a tasks-finished
// notification; every non-RUNNING state additionally carries a frontend
// message. The two calls are logically independent and a client supports a
// single in-flight call, so each borrows its own client from the pool.
func (a *Agent) StatusUpdate(localID int64, state wire.State, data []byte) error {
	if state == wire.StateRunning {
		return nil
	}

	a.mu.Lock()
	var remoteID string
	var ok bool
	if state.Terminal() {
		remoteID, ok = a.table.Take(localID)
	} else {
		remoteID, ok = a.table.Get(localID)
	}
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: local id %d state %s", ErrUnknownTask, localID, state)
	}

	if state == wire.StateFinished {
		a.notify(wire.KindTasksFinished, wire.TasksFinishedBody{RemoteIDs: []string{remoteID}})
	}
	a.notify(wire.KindFrontendMessage, wire.FrontendMessageBody{
		App:      a.opts.App,
		User:     a.opts.User,
		RemoteID: remoteID,
		State:    state,
		Payload:  data,
	})
	return nil
}

// notify borrows a fresh client, issues one async call and reclaims the
// client from that call's completion. An erroring client is discarded; the
// next borrow dials a fresh one. Dialing is bounded so a black-holed
// upstream cannot pin the engine's status goroutine.
func (a *Agent) notify(kind uint8, body any) {
	ctx, cancel := context.WithTimeout(context.Background(), a.opts.NotifyTimeout)
	defer cancel()
	c, err := a.pool.Borrow(ctx, a.opts.Upstream)
	if err != nil {
		a.log.Error("notify borrow failed",
			zap.String("kind", wire.KindName(kind)), zap.Error(err))
		return
	}
	err = c.Call(kind, body, func(env *wire.Envelope, cerr error) {
		if cerr == nil && env != nil {
			cerr = rpc.ReplyErr(env)
		}
		if cerr != nil {
			a.log.Warn("notify failed", zap.String("kind", wire.KindName(kind)), zap.Error(cerr))
			a.pool.Discard(a.opts.Upstream, c)
			return
		}
		a.pool.Return(a.opts.Upstream, c)
	})
	if err != nil {
		a.log.Error("notify call failed", zap.String("kind", wire.KindName(kind)), zap.Error(err))
		a.pool.Discard(a.opts.Upstream, c)
	}
}

// Close stops the listener and drops pooled clients.
func (a *Agent) Close() {
	if a.listener != nil {
		_ = a.listener.Close()
	}
	a.pool.Close()
}
