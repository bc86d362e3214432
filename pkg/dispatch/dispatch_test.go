package dispatch

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"taskbridge/pkg/api"
	"taskbridge/pkg/rpc"
	"taskbridge/pkg/transport/mem"
	"taskbridge/pkg/wire"
)

type cborSerializer struct{}

func (cborSerializer) Serialize(v any) ([]byte, error)      { return wire.MarshalBody(v) }
func (cborSerializer) Deserialize(b []byte, v any) error    { return wire.UnmarshalBody(b, v) }

// placementStub records submitted jobs and acks everything.
type placementStub struct {
	mu   sync.Mutex
	jobs []wire.SubmitJobBody
}

func (p *placementStub) serve(t *testing.T, ctx context.Context, tr *mem.Transport, endpoint string) {
	t.Helper()
	l, err := tr.Listen(ctx, endpoint)
	if err != nil { t.Fatalf("listen: %v", err) }
	srv := rpc.NewServer(zap.NewNop())
	srv.Handle(wire.KindSubmitJob, func(_ context.Context, _ net.Addr, env *wire.Envelope) (any, error) {
		var body wire.SubmitJobBody
		if err := wire.UnmarshalBody(env.Payload, &body); err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.jobs = append(p.jobs, body)
		p.mu.Unlock()
		return nil, nil
	})
	go srv.Serve(ctx, l)
}

func (p *placementStub) submitted(t *testing.T) []wire.SubmitJobBody {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		n := len(p.jobs)
		p.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]wire.SubmitJobBody(nil), p.jobs...)
}

type completionRec struct {
	handle *api.TaskHandle
	res    api.Result
}

// harness wires a dispatch client to a placement stub and an inbound server
// the stub can push frontend messages through.
type harness struct {
	tr        *mem.Transport
	client    *Client
	stub      *placementStub
	pushConn  *rpc.Client
	mu        sync.Mutex
	completed []completionRec
}

func newHarness(t *testing.T, ctx context.Context) *harness {
	t.Helper()
	h := &harness{tr: mem.New(), stub: &placementStub{}}
	h.stub.serve(t, ctx, h.tr, "placement")

	owner := api.OwnerFunc(func(th *api.TaskHandle, res api.Result) {
		h.mu.Lock()
		h.completed = append(h.completed, completionRec{th, res})
		h.mu.Unlock()
	})

	c, err := New(ctx, h.tr, "placement", cborSerializer{}, owner, Options{App: "demo", User: "tester"}, zap.NewNop())
	if err != nil { t.Fatalf("new dispatch client: %v", err) }
	h.client = c

	// Inbound side: the placement service pushes completions to this server.
	l, err := h.tr.Listen(ctx, "dispatch")
	if err != nil { t.Fatalf("listen dispatch: %v", err) }
	srv := rpc.NewServer(zap.NewNop())
	c.RegisterHandlers(srv)
	go srv.Serve(ctx, l)

	conn, err := rpc.Dial(ctx, h.tr, "dispatch")
	if err != nil { t.Fatalf("dial dispatch: %v", err) }
	h.pushConn = conn
	return h
}

// pushCompletion delivers a frontend message and waits for its ack.
func (h *harness) pushCompletion(t *testing.T, ctx context.Context, remoteID string, state wire.State, payload []byte) {
	t.Helper()
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := h.pushConn.CallSync(cctx, wire.KindFrontendMessage, wire.FrontendMessageBody{
		RemoteID: remoteID,
		State:    state,
		Payload:  payload,
	}); err != nil {
		t.Fatalf("push completion: %v", err)
	}
}

func (h *harness) completions() []completionRec {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]completionRec(nil), h.completed...)
}

func TestSubmitBatchOrderAndIdentifiers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, ctx)

	batch := []*api.TaskHandle{
		{StageID: 1, Index: 0, PreferredHosts: []string{"h1"}, Descriptor: "task-a"},
		{StageID: 1, Index: 1, PreferredHosts: nil, Descriptor: "task-b"},
		{StageID: 1, Index: 2, PreferredHosts: []string{"h2", "h3"}, Descriptor: "task-c"},
	}
	if err := h.client.Submit(batch); err != nil { t.Fatalf("submit: %v", err) }

	jobs := h.stub.submitted(t)
	if len(jobs) != 1 { t.Fatalf("expected 1 job, got %d", len(jobs)) }
	job := jobs[0]
	if job.App != "demo" || job.User != "tester" {
		t.Fatalf("job metadata mismatch: %#v", job)
	}
	if len(job.Tasks) != 3 { t.Fatalf("expected 3 specs, got %d", len(job.Tasks)) }

	ids := map[string]struct{}{}
	prev := ""
	for i, spec := range job.Tasks {
		if _, dup := ids[spec.RemoteID]; dup {
			t.Fatalf("duplicate remote id %q", spec.RemoteID)
		}
		ids[spec.RemoteID] = struct{}{}
		if spec.RemoteID <= prev && len(spec.RemoteID) == len(prev) {
			t.Fatalf("ids not in submission order: %q after %q", spec.RemoteID, prev)
		}
		prev = spec.RemoteID
		want := batch[i].PreferredHosts
		if len(spec.PreferredHosts) != len(want) {
			t.Fatalf("spec %d host count mismatch: %v vs %v", i, spec.PreferredHosts, want)
		}
		for j := range want {
			if spec.PreferredHosts[j] != want[j] {
				t.Fatalf("spec %d host order mismatch: %v vs %v", i, spec.PreferredHosts, want)
			}
		}
	}
	if h.client.Pending() != 3 {
		t.Fatalf("expected 3 correlation entries, got %d", h.client.Pending())
	}
}

func TestCompletionDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, ctx)

	handle := &api.TaskHandle{StageID: 2, Descriptor: "task"}
	if err := h.client.Submit([]*api.TaskHandle{handle}); err != nil { t.Fatalf("submit: %v", err) }
	jobs := h.stub.submitted(t)
	remoteID := jobs[0].Tasks[0].RemoteID

	payload, err := wire.MarshalBody(wire.CompletionResult{
		Value:   []byte("result"),
		Metrics: map[string]int64{"bytes": 128},
	})
	if err != nil { t.Fatalf("marshal result: %v", err) }

	h.pushCompletion(t, ctx, remoteID, wire.StateFinished, payload)

	done := h.completions()
	if len(done) != 1 { t.Fatalf("expected 1 completion, got %d", len(done)) }
	if done[0].handle != handle {
		t.Fatalf("completion resolved to wrong handle")
	}
	if string(done[0].res.Value) != "result" || done[0].res.Metrics["bytes"] != 128 {
		t.Fatalf("result mismatch: %#v", done[0].res)
	}
	if done[0].res.Info.FinishedAt.IsZero() {
		t.Fatalf("expected synthesized completion timestamps")
	}
	if h.client.Pending() != 0 {
		t.Fatalf("expected correlation entry removed, got %d", h.client.Pending())
	}
}

func TestUnknownCompletionDiscarded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, ctx)

	if err := h.client.Submit([]*api.TaskHandle{{Descriptor: "task"}}); err != nil { t.Fatalf("submit: %v", err) }
	h.stub.submitted(t)

	h.pushCompletion(t, ctx, "999", wire.StateFinished, nil)

	if got := h.completions(); len(got) != 0 {
		t.Fatalf("unknown id must not reach the owner hook, got %d", len(got))
	}
	if h.client.Pending() != 1 {
		t.Fatalf("unknown id must not mutate the table, got %d entries", h.client.Pending())
	}
}

func TestDuplicateFinishedDeliveredOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, ctx)

	if err := h.client.Submit([]*api.TaskHandle{{Descriptor: "task"}}); err != nil { t.Fatalf("submit: %v", err) }
	remoteID := h.stub.submitted(t)[0].Tasks[0].RemoteID

	// The entry is removed before the owner hook runs, so the second
	// delivery must no-op instead of reinvoking the hook.
	h.pushCompletion(t, ctx, remoteID, wire.StateFinished, nil)
	h.pushCompletion(t, ctx, remoteID, wire.StateFinished, nil)

	if got := h.completions(); len(got) != 1 {
		t.Fatalf("expected exactly one owner delivery, got %d", len(got))
	}
}

func TestNonFinishedStateIgnored(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, ctx)

	if err := h.client.Submit([]*api.TaskHandle{{Descriptor: "task"}}); err != nil { t.Fatalf("submit: %v", err) }
	remoteID := h.stub.submitted(t)[0].Tasks[0].RemoteID

	h.pushCompletion(t, ctx, remoteID, wire.StateFailed, nil)

	if got := h.completions(); len(got) != 0 {
		t.Fatalf("non-finished state must not reach the owner hook")
	}
	if h.client.Pending() != 1 {
		t.Fatalf("non-finished state must not mutate the table")
	}
}

// pickySerializer fails on one specific descriptor, mid-batch.
type pickySerializer struct{ failOn any }

func (p pickySerializer) Serialize(v any) ([]byte, error) {
	if v == p.failOn {
		return nil, errors.New("unsupported descriptor")
	}
	return wire.MarshalBody(v)
}
func (p pickySerializer) Deserialize(b []byte, v any) error { return wire.UnmarshalBody(b, v) }

func TestSubmitSerializeFailureLeavesTableClean(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := mem.New()
	stub := &placementStub{}
	stub.serve(t, ctx, tr, "placement")

	owner := api.OwnerFunc(func(*api.TaskHandle, api.Result) {})
	c, err := New(ctx, tr, "placement", pickySerializer{failOn: "bad"}, owner, Options{App: "demo"}, zap.NewNop())
	if err != nil { t.Fatalf("new dispatch client: %v", err) }

	// Failure on the second handle must not strand the first one.
	batch := []*api.TaskHandle{{Descriptor: "good"}, {Descriptor: "bad"}}
	if err := c.Submit(batch); err == nil {
		t.Fatalf("expected serialize error")
	}
	if c.Pending() != 0 {
		t.Fatalf("failed batch left %d correlation entries", c.Pending())
	}
	time.Sleep(50 * time.Millisecond)
	stub.mu.Lock()
	sent := len(stub.jobs)
	stub.mu.Unlock()
	if sent != 0 {
		t.Fatalf("failed batch must not go on the wire, got %d jobs", sent)
	}

	// The client stays usable for the next batch.
	if err := c.Submit([]*api.TaskHandle{{Descriptor: "good"}}); err != nil {
		t.Fatalf("submit after failed batch: %v", err)
	}
	jobs := stub.submitted(t)
	if len(jobs) != 1 || len(jobs[0].Tasks) != 1 {
		t.Fatalf("expected 1 job with 1 task, got %#v", jobs)
	}
	if c.Pending() != 1 {
		t.Fatalf("expected 1 correlation entry, got %d", c.Pending())
	}
}

func TestIdentifiersMonotoneAcrossBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, ctx)

	if err := h.client.Submit([]*api.TaskHandle{{Descriptor: "a"}, {Descriptor: "b"}}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := h.client.Submit([]*api.TaskHandle{{Descriptor: "c"}}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(h.stub.submitted(t)) >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	jobs := h.stub.submitted(t)
	if len(jobs) != 2 { t.Fatalf("expected 2 jobs, got %d", len(jobs)) }
	if jobs[0].Tasks[0].RemoteID != "1" || jobs[0].Tasks[1].RemoteID != "2" || jobs[1].Tasks[0].RemoteID != "3" {
		t.Fatalf("identifier sequence broken: %q %q %q",
			jobs[0].Tasks[0].RemoteID, jobs[0].Tasks[1].RemoteID, jobs[1].Tasks[0].RemoteID)
	}
}
