// Package dispatch implements the submission side of the bridge: it turns
// ready task batches into wire specifications, submits them to the placement
// service, and correlates asynchronous completion callbacks back to the
// owner's task handles.
package dispatch

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"taskbridge/pkg/api"
	"taskbridge/pkg/correlate"
	"taskbridge/pkg/rpc"
	"taskbridge/pkg/transport"
	"taskbridge/pkg/wire"
)

// Options configure a dispatch client.
type Options struct {
	App         string
	User        string
	Description string
	// SubmitQueue bounds the number of batches waiting on the submit worker.
	SubmitQueue int
}

// Client is the dispatch side of the bridge. One instance per task-graph
// owner; its identifier counter and correlation table live for the process.
type Client struct {
	log   *zap.Logger
	opts  Options
	ser   api.Serializer
	owner api.Owner

	table   *correlate.Table[string, *api.TaskHandle]
	counter *correlate.Counter

	conn     *rpc.Client
	submitCh chan wire.SubmitJobBody
}

// New connects to the placement service at endpoint and starts the dedicated
// submit worker. The connection is established once; submission failure later
// is logged, never retried.
func New(ctx context.Context, tr transport.Transport, endpoint string, ser api.Serializer, owner api.Owner, opts Options, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.L()
	}
	if opts.SubmitQueue <= 0 {
		opts.SubmitQueue = 64
	}
	conn, err := rpc.Dial(ctx, tr, endpoint)
	if err != nil {
		return nil, fmt.Errorf("connect placement service %s: %w", endpoint, err)
	}
	c := &Client{
		log:      log,
		opts:     opts,
		ser:      ser,
		owner:    owner,
		table:    correlate.NewTable[string, *api.TaskHandle](),
		counter:  &correlate.Counter{},
		conn:     conn,
		submitCh: make(chan wire.SubmitJobBody, opts.SubmitQueue),
	}
	go c.submitLoop(ctx)
	return c, nil
}

// Submit converts a ready batch into task specifications and hands it to the
// submit worker. The calling goroutine never blocks on the network. Returns
// an error only when a spec cannot be built; a batch accepted here is
// at-most-once — a failed submission is logged and the owner must time the
// tasks out on its own.
func (c *Client) Submit(batch []*api.TaskHandle) error {
	// Serialize every descriptor before allocating ids or touching the
	// table; a bad handle must leave no entries a completion can never clear.
	descs := make([][]byte, 0, len(batch))
	for i, h := range batch {
		desc, err := c.ser.Serialize(h.Descriptor)
		if err != nil {
			return fmt.Errorf("serialize task %d of %d: %w", i, len(batch), err)
		}
		descs = append(descs, desc)
	}

	body := wire.SubmitJobBody{
		App:         c.opts.App,
		User:        c.opts.User,
		Description: c.opts.Description,
		Tasks:       make([]wire.TaskSpec, 0, len(batch)),
	}
	for i, h := range batch {
		remoteID := strconv.FormatInt(c.counter.Next(), 10)
		// Insert before the submission call goes out, so a completion that
		// races submission can always resolve.
		c.table.Put(remoteID, h)
		body.Tasks = append(body.Tasks, wire.TaskSpec{
			RemoteID:       remoteID,
			PreferredHosts: h.PreferredHosts,
			Descriptor:     descs[i],
		})
	}

	select {
	case c.submitCh <- body:
	default:
		// Keep the owner's critical path unblocked even with a wedged
		// remote; drop and log like any other submission failure.
		c.log.Error("submit queue full, dropping batch", zap.Int("tasks", len(body.Tasks)))
	}
	return nil
}

func (c *Client) submitLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case body := <-c.submitCh:
			done := make(chan struct{})
			err := c.conn.Call(wire.KindSubmitJob, body, func(env *wire.Envelope, cerr error) {
				if cerr == nil && env != nil {
					cerr = rpc.ReplyErr(env)
				}
				if cerr != nil {
					c.log.Error("job submission failed", zap.Int("tasks", len(body.Tasks)), zap.Error(cerr))
				}
				close(done)
			})
			if err != nil {
				c.log.Error("job submission failed", zap.Int("tasks", len(body.Tasks)), zap.Error(err))
				continue
			}
			// One in-flight call per client: wait out the ack before the
			// next batch goes on the wire.
			select {
			case <-ctx.Done():
				return
			case <-done:
			}
		}
	}
}

// RegisterHandlers installs the inbound completion handler on the dispatch
// side server.
func (c *Client) RegisterHandlers(srv *rpc.Server) {
	srv.Handle(wire.KindFrontendMessage, c.handleFrontendMessage)
}

// handleFrontendMessage delivers one asynchronous completion. It runs on
// transport goroutines and is safe under concurrent invocation for
// different ids; the owner hook is synchronous and fast.
func (c *Client) handleFrontendMessage(_ context.Context, remote net.Addr, env *wire.Envelope) (any, error) {
	var msg wire.FrontendMessageBody
	if err := wire.UnmarshalBody(env.Payload, &msg); err != nil {
		return nil, fmt.Errorf("decode frontend message: %w", err)
	}

	if msg.State != wire.StateFinished {
		// Intermediate notifications are not modeled on this side.
		c.log.Warn("unexpected task state in frontend message",
			zap.String("task", msg.RemoteID), zap.String("state", msg.State.String()))
		return nil, nil
	}

	// Take removes the entry atomically, so delivery to the owner hook is
	// at-most-once; a duplicate FINISHED falls into the discard path below.
	h, ok := c.table.Take(msg.RemoteID)
	if !ok {
		c.log.Warn("completion for unknown task id, discarding",
			zap.String("task", msg.RemoteID))
		return nil, nil
	}

	var res wire.CompletionResult
	if len(msg.Payload) > 0 {
		if err := wire.UnmarshalBody(msg.Payload, &res); err != nil {
			c.log.Error("decode completion result", zap.String("task", msg.RemoteID), zap.Error(err))
			return nil, nil
		}
	}

	// The remote side reports no started event; synthesize the metadata.
	now := time.Now()
	locality := ""
	if remote != nil {
		locality = remote.String()
	}
	c.owner.TaskCompleted(h, api.Result{
		Value:   res.Value,
		Metrics: res.Metrics,
		Info: api.CompletionInfo{
			StartedAt:  now,
			FinishedAt: now,
			Locality:   locality,
		},
	})
	return nil, nil
}

// Pending reports live correlation entries (for tests and debug).
func (c *Client) Pending() int { return c.table.Len() }

// Close tears down the placement-service connection.
func (c *Client) Close() error { return c.conn.Close() }
