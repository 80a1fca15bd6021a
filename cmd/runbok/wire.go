package main

import (
	"context"
	"io"
	"log/slog"

	"github.com/dshills/runbok/internal/assembler"
	"github.com/dshills/runbok/internal/config"
	"github.com/dshills/runbok/internal/engine"
	"github.com/dshills/runbok/internal/inspector"
	"github.com/dshills/runbok/internal/logging"
	"github.com/dshills/runbok/internal/pool"
	"github.com/dshills/runbok/internal/sandbox"
	"github.com/dshills/runbok/internal/sandbox/fetch"
	"github.com/dshills/runbok/internal/transpile"
)

// app holds the wired components for one command invocation.
type app struct {
	logger *slog.Logger
	pool   *pool.Pool
	engine *engine.Engine
}

func wireApp(cfg config.Config, logOut io.Writer) (*app, error) {
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, logOut)
	if err != nil {
		return nil, err
	}

	sandboxOpts := []sandbox.Option{
		sandbox.WithLogger(logger),
		sandbox.WithMaxCallStack(cfg.Sandbox.MaxCallStack),
		sandbox.WithFetchClient(fetch.New(
			fetch.WithTimeout(cfg.Sandbox.FetchTimeout.Std()),
			fetch.WithMaxBodyBytes(cfg.Sandbox.MaxFetchBytes),
		)),
	}
	if cfg.Sandbox.AllowFetch {
		sandboxOpts = append(sandboxOpts, sandbox.WithCapabilities(sandbox.CapabilityFetch))
	}

	p := pool.New(
		pool.InspectorDialer{Options: []inspector.Option{inspector.WithLogger(logger)}},
		pool.WithLogger(logger),
		pool.WithSweepInterval(cfg.Pool.SweepInterval.Std()),
		pool.WithIdleTimeout(cfg.Pool.IdleTimeout.Std()),
		pool.WithActiveWindow(cfg.Pool.ActiveWindow.Std()),
		pool.WithEvictionGrace(cfg.Pool.EvictionGrace.Std()),
		pool.WithDialTimeout(cfg.Pool.DialTimeout.Std()),
	)

	asm := assembler.New(
		assembler.WithTranspiler(transpile.NewTypeScript(transpile.WithLogger(logger))),
		assembler.WithLogger(logger),
	)

	eng := engine.New(
		engine.WithPool(p),
		engine.WithSandboxFactory(sandbox.NewFactory(sandboxOpts...)),
		engine.WithAssembler(asm),
		engine.WithLogger(logger),
		engine.WithEvalTimeout(cfg.Engine.EvalTimeout.Std()),
		engine.WithSandboxTimeout(cfg.Sandbox.Timeout.Std()),
		engine.WithPurgeOnCompileError(cfg.Engine.PurgeOnCompileError),
	)

	return &app{logger: logger, pool: p, engine: eng}, nil
}

// close releases every pooled session.
func (a *app) close(ctx context.Context) {
	if err := a.pool.Close(ctx); err != nil {
		a.logger.Warn("close connection pool", "error", err)
	}
}
