package transport_test

import (
	"context"
	"testing"

	"taskbridge/pkg/transport"
	"taskbridge/pkg/transport/mem"
)

func TestBindAutoSkipsBusyPorts(t *testing.T) {
	tr := mem.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Occupy the preferred port and the next one.
	if _, err := tr.Listen(ctx, ":7077"); err != nil { t.Fatalf("listen: %v", err) }
	if _, err := tr.Listen(ctx, ":7078"); err != nil { t.Fatalf("listen: %v", err) }

	l, port, err := transport.BindAuto(ctx, tr, "", 7077)
	if err != nil { t.Fatalf("bind auto: %v", err) }
	defer l.Close()
	if port != 7079 {
		t.Fatalf("expected port 7079, got %d", port)
	}
	if l.Addr().String() != ":7079" {
		t.Fatalf("unexpected bound addr %q", l.Addr())
	}
}

func TestBindAutoFirstFree(t *testing.T) {
	tr := mem.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, port, err := transport.BindAuto(ctx, tr, "", 9000)
	if err != nil { t.Fatalf("bind auto: %v", err) }
	if port != 9000 { t.Fatalf("expected preferred port, got %d", port) }
}

func TestBindAutoCancelled(t *testing.T) {
	tr := mem.New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := transport.BindAuto(ctx, tr, "", 9000); err == nil {
		t.Fatalf("expected context error")
	}
}
