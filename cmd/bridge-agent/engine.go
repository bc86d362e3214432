package main

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"taskbridge/pkg/api"
	"taskbridge/pkg/transport"
	"taskbridge/pkg/transport/mem"
	"taskbridge/pkg/transport/quic"
	"taskbridge/pkg/transport/tcp"
	"taskbridge/pkg/wire"
)

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

type cborSerializer struct{}

func (cborSerializer) Serialize(v any) ([]byte, error)   { return wire.MarshalBody(v) }
func (cborSerializer) Deserialize(b []byte, v any) error { return wire.UnmarshalBody(b, v) }

// echoEngine is a stand-in execution engine: it accepts each descriptor on a
// core-bounded worker and reports FINISHED with the descriptor echoed back.
// A real deployment plugs its own engine in through api.Engine.
type echoEngine struct {
	sem chan struct{}
}

func newEchoEngine(cores int) *echoEngine {
	if cores <= 0 {
		cores = 1
	}
	return &echoEngine{sem: make(chan struct{}, cores)}
}

func (e *echoEngine) LaunchTask(localID int64, desc any, report api.StatusFunc) error {
	select {
	case e.sem <- struct{}{}:
	default:
		return errors.New("all cores busy")
	}
	go func() {
		defer func() { <-e.sem }()
		if err := report(localID, wire.StateRunning, nil); err != nil {
			zap.L().Warn("running report failed", zap.Int64("task", localID), zap.Error(err))
			return
		}
		value, err := wire.MarshalBody(desc)
		if err != nil {
			zap.L().Error("echo result encode failed", zap.Int64("task", localID), zap.Error(err))
			_ = report(localID, wire.StateFailed, nil)
			return
		}
		payload, err := wire.MarshalBody(wire.CompletionResult{Value: value})
		if err != nil {
			zap.L().Error("echo result encode failed", zap.Int64("task", localID), zap.Error(err))
			_ = report(localID, wire.StateFailed, nil)
			return
		}
		if err := report(localID, wire.StateFinished, payload); err != nil {
			zap.L().Warn("finished report failed", zap.Int64("task", localID), zap.Error(err))
		}
	}()
	return nil
}
