package discovery

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"taskbridge/pkg/rpc"
	"taskbridge/pkg/transport/mem"
	"taskbridge/pkg/wire"
)

func serveProps(t *testing.T, ctx context.Context, tr *mem.Transport, endpoint string, props map[string]string, port int, calls *atomic.Int64) {
	t.Helper()
	l, err := tr.Listen(ctx, endpoint)
	if err != nil { t.Fatalf("listen driver: %v", err) }
	srv := rpc.NewServer(zap.NewNop())
	srv.Handle(wire.KindRetrieveProperties, func(_ context.Context, _ net.Addr, _ *wire.Envelope) (any, error) {
		if calls != nil {
			calls.Add(1)
		}
		return wire.RetrievePropsReply{Props: props, Port: port}, nil
	})
	go srv.Serve(ctx, l)
}

func TestFetchImmediate(t *testing.T) {
	tr := mem.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveProps(t, ctx, tr, "driver", map[string]string{"a": "1"}, 4040, nil)

	props, port, err := FetchProperties(ctx, tr, "driver", Options{AttemptTimeout: time.Second, Backoff: 10 * time.Millisecond})
	if err != nil { t.Fatalf("fetch: %v", err) }
	if props["a"] != "1" || port != 4040 {
		t.Fatalf("fetch mismatch: %v %d", props, port)
	}
}

func TestFetchRetriesUntilDriverAppears(t *testing.T) {
	tr := mem.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := time.Now()
	// Driver shows up only after several backoff intervals have passed.
	go func() {
		time.Sleep(120 * time.Millisecond)
		serveProps(t, ctx, tr, "driver", map[string]string{"k": "v"}, 4041, nil)
	}()

	props, port, err := FetchProperties(ctx, tr, "driver", Options{AttemptTimeout: time.Second, Backoff: 20 * time.Millisecond})
	if err != nil { t.Fatalf("fetch: %v", err) }
	if props["k"] != "v" || port != 4041 {
		t.Fatalf("fetch mismatch: %v %d", props, port)
	}
	if time.Since(started) < 120*time.Millisecond {
		t.Fatalf("fetch returned before the driver was reachable")
	}
}

func TestFetchCancelled(t *testing.T) {
	tr := mem.New()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, _, err := FetchProperties(ctx, tr, "driver", Options{AttemptTimeout: 50 * time.Millisecond, Backoff: 10 * time.Millisecond})
	if err == nil {
		t.Fatalf("expected cancellation error")
	}
}

func TestMergeKeepsLocalKeys(t *testing.T) {
	local := map[string]string{"set": "local", "only_local": "x"}
	fetched := map[string]string{"set": "driver", "only_driver": "y"}
	got := Merge(local, fetched)
	if got["set"] != "local" {
		t.Fatalf("fetched value must not override a locally-set key: %v", got)
	}
	if got["only_local"] != "x" || got["only_driver"] != "y" {
		t.Fatalf("merge dropped keys: %v", got)
	}
}
