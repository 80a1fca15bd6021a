package engine

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/runbok/internal/assembler"
	"github.com/dshills/runbok/internal/endpoint"
	"github.com/dshills/runbok/internal/execution"
	"github.com/dshills/runbok/internal/pool"
	"github.com/dshills/runbok/internal/sandbox"
)

// Default timeouts.
const (
	DefaultEvalTimeout    = 30 * time.Second
	DefaultSandboxTimeout = 10 * time.Second
)

// Pool evaluates against pooled remote sessions.
type Pool interface {
	Do(ctx context.Context, raw any, fn func(pool.Session) error) error
	Purge(raw any) error
}

// SandboxFactory builds a fresh sandbox per local execution.
type SandboxFactory interface {
	New(lang execution.Language) (sandbox.Sandbox, error)
}

// Assembler builds program text from a request.
type Assembler interface {
	Assemble(ctx context.Context, req execution.Request) (assembler.Program, error)
}

// Engine is the execution router.
type Engine struct {
	pool      Pool
	sandboxes SandboxFactory
	assembler Assembler
	logger    *slog.Logger

	evalTimeout         time.Duration
	sandboxTimeout      time.Duration
	purgeOnCompileError bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithPool sets the pool used for remote requests.
func WithPool(p Pool) Option {
	return func(e *Engine) {
		e.pool = p
	}
}

// WithSandboxFactory sets the factory used for local requests.
func WithSandboxFactory(f SandboxFactory) Option {
	return func(e *Engine) {
		e.sandboxes = f
	}
}

// WithAssembler sets the assembler.
func WithAssembler(a Assembler) Option {
	return func(e *Engine) {
		e.assembler = a
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithEvalTimeout bounds remote evaluations.
func WithEvalTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.evalTimeout = d
	}
}

// WithSandboxTimeout bounds local runs.
func WithSandboxTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.sandboxTimeout = d
	}
}

// WithPurgeOnCompileError closes the remote session of a request whose
// program fails to compile.
func WithPurgeOnCompileError(enabled bool) Option {
	return func(e *Engine) {
		e.purgeOnCompileError = enabled
	}
}

// New creates an Engine. Without WithPool, remote requests fail with a
// connection error.
func New(opts ...Option) *Engine {
	e := &Engine{
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		evalTimeout:    DefaultEvalTimeout,
		sandboxTimeout: DefaultSandboxTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.assembler == nil {
		e.assembler = assembler.New(assembler.WithLogger(e.logger))
	}
	if e.sandboxes == nil {
		e.sandboxes = sandbox.NewFactory(sandbox.WithLogger(e.logger))
	}
	return e
}

type requestIDKey struct{}

// ContextWithRequestID returns a context whose executions log and report id
// instead of a freshly generated one.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request id carried by ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Execute runs one request.
func (e *Engine) Execute(ctx context.Context, req execution.Request) execution.Result {
	id := RequestID(ctx)
	if id == "" {
		id = uuid.NewString()
	}
	logger := e.logger.With("request_id", id)
	start := time.Now()

	res := e.execute(ctx, logger, req)
	res.RequestID = id

	if res.OK() {
		logger.Debug("execution succeeded", "elapsed", time.Since(start))
	} else {
		logger.Info("execution failed",
			"kind", res.Err.Kind.String(),
			"error", res.Err.Detail(),
			"elapsed", time.Since(start))
	}
	return res
}

func (e *Engine) execute(ctx context.Context, logger *slog.Logger, req execution.Request) execution.Result {
	if strings.TrimSpace(req.Code) == "" {
		return execution.Failure(execution.Errorf(execution.KindValidation, "code is required"))
	}

	remote := !endpoint.IsBlank(req.Endpoint)
	if remote && req.Language == execution.LanguageLua {
		return execution.Failure(execution.Errorf(execution.KindValidation,
			"remote endpoints evaluate javascript only"))
	}

	prog, err := e.assembler.Assemble(ctx, req)
	if err != nil {
		if remote && e.purgeOnCompileError && execution.IsKind(err, execution.KindCompilation) && e.pool != nil {
			if perr := e.pool.Purge(req.Endpoint); perr != nil {
				logger.Warn("purge after compile error", "error", perr)
			}
		}
		return execution.Failure(err)
	}
	for _, d := range prog.Diagnostics {
		logger.Warn("assembly diagnostic", "diagnostic", d)
	}

	var value any
	if remote {
		logger.Debug("executing remotely", "endpoint", req.Endpoint)
		value, err = e.executeRemote(ctx, req.Endpoint, prog.Text)
	} else {
		logger.Debug("executing locally", "language", prog.Language.String())
		value, err = e.executeLocal(ctx, logger, prog)
	}

	var res execution.Result
	if err != nil {
		res = execution.Failure(err)
	} else {
		res = execution.Success(value)
	}
	res.Diagnostics = prog.Diagnostics
	return res
}

func (e *Engine) executeRemote(ctx context.Context, raw any, program string) (any, error) {
	if e.pool == nil {
		return nil, execution.Errorf(execution.KindConnection, "remote execution is not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, e.evalTimeout)
	defer cancel()

	var value any
	err := e.pool.Do(ctx, raw, func(s pool.Session) error {
		v, err := s.Evaluate(ctx, program)
		value = v
		return err
	})
	return value, err
}

func (e *Engine) executeLocal(ctx context.Context, logger *slog.Logger, prog assembler.Program) (any, error) {
	sb, err := e.sandboxes.New(prog.Language)
	if err != nil {
		return nil, execution.Wrap(execution.KindEvaluation, err, "create sandbox")
	}
	defer func() {
		if err := sb.Close(); err != nil {
			logger.Warn("close sandbox", "error", err)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, e.sandboxTimeout)
	defer cancel()
	return sb.Run(ctx, prog.Text)
}
