package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"taskbridge/pkg/agent"
	"taskbridge/pkg/config"
	"taskbridge/pkg/discovery"
	"taskbridge/pkg/observability"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
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

	zap.L().Info("bridge-agent started", zap.String("app", cfg.AppName))
	zap.L().Info("effective configuration", zap.Any("config", cfg))

	tr, err := newTransport(cfg.Transport)
	if err != nil {
		zap.L().Error("transport setup failed", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Block startup until the driver hands over its shared configuration.
	props, port, err := discovery.FetchProperties(ctx, tr, cfg.Driver.Addr, discovery.Options{
		AttemptTimeout: time.Duration(cfg.Driver.AttemptTimeoutMS) * time.Millisecond,
		Backoff:        time.Duration(cfg.Driver.BackoffMS) * time.Millisecond,
	})
	if err != nil {
		zap.L().Error("property discovery aborted", zap.Error(err))
		return 1
	}
	cfg.Props = discovery.Merge(cfg.Props, props)
	if port > 0 {
		cfg.Listen.PreferredPort = port
	}

	eng := newEchoEngine(cfg.Cores)
	a := agent.New(tr, eng, cborSerializer{}, agent.Options{
		App:           cfg.AppName,
		Host:          cfg.Listen.Host,
		PreferredPort: cfg.Listen.PreferredPort,
		Upstream:      cfg.Placement,
		User:          cfg.User,
	}, logger)
	defer a.Close()

	// Registration failure means no useful work can proceed.
	if err := a.BindAndRegister(ctx); err != nil {
		zap.L().Error("registration failed", zap.Error(err))
		return 1
	}

	zap.L().Info("agent is running; press Ctrl+C to exit", zap.Int("port", a.BoundPort()))
	<-ctx.Done()
	return 0
}
