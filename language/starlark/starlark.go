// Package starlark compiles Starlark handlers.
//
// The script body runs as the body of
//
//	def handle(request, <args...>):
//
// and sees the template bindings, the host functions and three builtins:
// write(*values), status(code) and header(name, value). A returned string
// becomes the body when nothing was written.
package starlark

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/caffeineduck/gorute/executor"
	"github.com/caffeineduck/gorute/session"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
	"go.uber.org/zap"
)

const (
	localContext  = "gorute.context"
	localResponse = "gorute.response"
	indent        = "    "
)

// Compiler compiles Starlark sources. It is safe for concurrent use.
type Compiler struct {
	maxSteps uint64
	logger   *zap.Logger
}

// Option configures the Compiler.
type Option func(*Compiler)

// WithMaxSteps aborts an invocation after n computation steps. Zero means
// no limit.
func WithMaxSteps(n uint64) Option {
	return func(c *Compiler) {
		c.maxSteps = n
	}
}

// WithLogger receives the output of print.
func WithLogger(l *zap.Logger) Option {
	return func(c *Compiler) {
		if l != nil {
			c.logger = l
		}
	}
}

func New(opts ...Option) *Compiler {
	c := &Compiler{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Compiler) Language() executor.Language { return executor.Starlark }

func (c *Compiler) Compile(ctx context.Context, src executor.Source, env *executor.Env) (executor.Handler, error) {
	if strings.TrimSpace(src.Code) == "" {
		return nil, fmt.Errorf("starlark: %w", executor.ErrEmptySource)
	}

	var ds executor.Diagnostics
	if len(src.Imports) > 0 {
		ds.Errorf(0, 0, "starlark handlers cannot load modules")
	}
	args := slices.Sorted(maps.Keys(src.Args))
	argValues := make([]starlark.Value, len(args))
	for n, name := range args {
		if !session.IsIdentifier(name) {
			ds.Errorf(0, 0, "argument %q is not a valid identifier", name)
			continue
		}
		v, err := toStarlark(session.Normalize(src.Args[name]))
		if err != nil {
			ds.Errorf(0, 0, "argument %q: %v", name, err)
			continue
		}
		v.Freeze()
		argValues[n] = v
	}
	if err := env.Report(executor.Starlark, ds); err != nil {
		return nil, err
	}

	tmpl, err := env.Template(executor.Starlark)
	if err != nil {
		return nil, err
	}
	predeclared, err := predeclare(tmpl)
	if err != nil {
		return nil, err
	}

	name := src.Name
	if name == "" {
		name = "handler.star"
	}
	params := append([]string{"request"}, args...)
	wrapped := "def handle(" + strings.Join(params, ", ") + "):\n" + indentBody(src.Code)

	_, prog, err := starlark.SourceProgram(name, wrapped, predeclared.Has)
	if err != nil {
		return nil, syntaxError(err)
	}

	thread := &starlark.Thread{Name: "init"}
	globals, err := prog.Init(thread, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark init: %w", err)
	}
	globals.Freeze()

	fn, ok := globals["handle"].(starlark.Callable)
	if !ok {
		return nil, errors.New("starlark: handle was not defined")
	}

	return &handler{
		fn:       fn,
		args:     argValues,
		maxSteps: c.maxSteps,
		logger:   env.Logger(),
	}, nil
}

// indentBody nests the script under the handle definition. Empty bodies
// already returned ErrEmptySource.
func indentBody(code string) string {
	lines := strings.Split(code, "\n")
	for n, line := range lines {
		if strings.TrimSpace(line) != "" {
			lines[n] = indent + line
		}
	}
	return strings.Join(lines, "\n") + "\n"
}

// syntaxError maps positions back to the unwrapped, unindented script.
func syntaxError(err error) error {
	var ds executor.Diagnostics
	add := func(pos syntax.Position, msg string) {
		ds.Errorf(max(int(pos.Line)-1, 1), max(int(pos.Col)-len(indent), 1), "%s", msg)
	}

	var se syntax.Error
	var list resolve.ErrorList
	switch {
	case errors.As(err, &se):
		add(se.Pos, se.Msg)
	case errors.As(err, &list):
		for _, e := range list {
			add(e.Pos, e.Msg)
		}
	default:
		ds.Errorf(0, 0, "%s", err.Error())
	}
	return ds.Err(executor.Starlark)
}

// predeclare builds the frozen environment every invocation shares.
func predeclare(tmpl *session.Template) (starlark.StringDict, error) {
	env := starlark.StringDict{
		"write":  starlark.NewBuiltin("write", builtinWrite),
		"status": starlark.NewBuiltin("status", builtinStatus),
		"header": starlark.NewBuiltin("header", builtinHeader),
	}
	for name, value := range tmpl.Globals() {
		v, err := toStarlark(value)
		if err != nil {
			return nil, fmt.Errorf("bind %s: %w", name, err)
		}
		env[name] = v
	}
	for name, fn := range tmpl.Functions() {
		env[name] = hostBuiltin(name, fn)
	}
	env.Freeze()
	return env, nil
}

type handler struct {
	fn       starlark.Callable
	args     []starlark.Value
	maxSteps uint64
	logger   *zap.Logger
}

func (h *handler) Invoke(ctx context.Context, req *executor.Request, resp *executor.Response) error {
	request, err := toStarlark(req.Fields())
	if err != nil {
		return executor.Fault(executor.Starlark, err)
	}

	thread := &starlark.Thread{
		Name: "request",
		Print: func(_ *starlark.Thread, msg string) {
			h.logger.Info("starlark print", zap.String("message", msg))
		},
	}
	thread.SetLocal(localContext, ctx)
	thread.SetLocal(localResponse, resp)
	if h.maxSteps > 0 {
		thread.SetMaxExecutionSteps(h.maxSteps)
	}
	stop := context.AfterFunc(ctx, func() { thread.Cancel(ctx.Err().Error()) })
	defer stop()

	callArgs := append(starlark.Tuple{request}, h.args...)
	ret, err := starlark.Call(thread, h.fn, callArgs, nil)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		detail := err.Error()
		var ee *starlark.EvalError
		if errors.As(err, &ee) {
			detail = ee.Msg
		}
		return &executor.RuntimeFault{Language: executor.Starlark, Detail: detail, Cause: err}
	}

	if !resp.Written() && ret != starlark.None {
		if s, ok := starlark.AsString(ret); ok {
			resp.WriteString(s)
		} else {
			resp.WriteString(ret.String())
		}
	}
	return nil
}
