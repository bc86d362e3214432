package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"taskbridge/pkg/api"
	"taskbridge/pkg/config"
	"taskbridge/pkg/dispatch"
	"taskbridge/pkg/observability"
	"taskbridge/pkg/rpc"
	"taskbridge/pkg/transport"
	"taskbridge/pkg/transport/mem"
	"taskbridge/pkg/transport/quic"
	"taskbridge/pkg/transport/tcp"
	"taskbridge/pkg/wire"
)

type cborSerializer struct{}

func (cborSerializer) Serialize(v any) ([]byte, error)   { return wire.MarshalBody(v) }
func (cborSerializer) Deserialize(b []byte, v any) error { return wire.UnmarshalBody(b, v) }

func newTransport(kind string) (transport.Transport, error) {
	switch kind {
	case "tcp":
		return tcp.New(), nil
	case "quic":
		return quic.New(), nil
	case "mem":
		return mem.New(), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", kind)
	}
}

// run is the main entry point after CLI parsing.
func run(opts Options) int {
	cfg, err := config.LoadAndWatch(opts.ConfigPath, func(fresh *config.Config) {
		observability.SetLevel(fresh.Log.Level)
	})
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("bridge-dispatch started", zap.String("app", cfg.AppName))

	tr, err := newTransport(cfg.Transport)
	if err != nil {
		zap.L().Error("transport setup failed", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Inbound side: completions from the placement service plus the
	// property handshake agents run at bootstrap.
	l, port, err := transport.BindAuto(ctx, tr, cfg.Listen.Host, cfg.Listen.PreferredPort)
	if err != nil {
		zap.L().Error("bind failed", zap.Error(err))
		return 1
	}
	srv := rpc.NewServer(logger)
	srv.Handle(wire.KindRetrieveProperties, func(context.Context, net.Addr, *wire.Envelope) (any, error) {
		return wire.RetrievePropsReply{Props: cfg.Props}, nil
	})

	owner := api.OwnerFunc(func(h *api.TaskHandle, res api.Result) {
		zap.L().Info("task completed",
			zap.Int("stage", h.StageID), zap.Int("index", h.Index),
			zap.Int("bytes", len(res.Value)), zap.String("locality", res.Info.Locality))
	})

	client, err := dispatch.New(ctx, tr, cfg.Placement, cborSerializer{}, owner, dispatch.Options{
		App:         cfg.AppName,
		User:        cfg.User,
		Description: "bridge-dispatch demo batch",
	}, logger)
	if err != nil {
		zap.L().Error("placement service connection failed", zap.Error(err))
		return 1
	}
	defer client.Close()
	client.RegisterHandlers(srv)
	go func() {
		if err := srv.Serve(ctx, l); err != nil && ctx.Err() == nil {
			zap.L().Error("inbound server stopped", zap.Error(err))
		}
	}()

	batch := make([]*api.TaskHandle, 0, opts.Tasks)
	for i := 0; i < opts.Tasks; i++ {
		batch = append(batch, &api.TaskHandle{
			Index:          i,
			PreferredHosts: opts.Hosts,
			Descriptor:     fmt.Sprintf("demo-task-%d", i),
		})
	}
	if err := client.Submit(batch); err != nil {
		zap.L().Error("submit failed", zap.Error(err))
		return 1
	}
	zap.L().Info("batch submitted; waiting for completions",
		zap.Int("tasks", opts.Tasks), zap.Int("port", port))

	<-ctx.Done()
	return 0
}
