// Package javascript serves JavaScript handlers from pooled goja runtimes.
//
// A script is the body of
//
//	function(request, response, <args...>)
//
// checked and compiled once at registration. A returned string becomes the
// body when nothing was written; a returned object is sent as JSON.
package javascript

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/caffeineduck/gorute/executor"
	"github.com/caffeineduck/gorute/session"
	"github.com/dop251/goja"
	"github.com/dop251/goja/parser"
	"go.uber.org/zap"
)

// Interpreter creates goja runtimes.
type Interpreter struct {
	logger *zap.Logger
}

// Option configures the Interpreter.
type Option func(*Interpreter)

// WithLogger receives console output.
func WithLogger(l *zap.Logger) Option {
	return func(i *Interpreter) {
		if l != nil {
			i.logger = l
		}
	}
}

func New(opts ...Option) *Interpreter {
	i := &Interpreter{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *Interpreter) Language() executor.Language { return executor.JavaScript }

type program struct {
	src  executor.Source
	prog *goja.Program
	args []string
}

func (p *program) Source() executor.Source { return p.src }

func (i *Interpreter) Prepare(src executor.Source) (executor.Program, error) {
	var ds executor.Diagnostics

	args := slices.Sorted(maps.Keys(src.Args))
	for _, name := range args {
		if !session.IsIdentifier(name) {
			ds.Errorf(0, 0, "argument %q is not a valid identifier", name)
		}
	}
	for _, mod := range src.Imports {
		ds.Errorf(0, 0, "import %q: javascript handlers cannot import modules", mod)
	}
	if ds.HasErrors() {
		return nil, ds.Err(executor.JavaScript)
	}

	name := src.Name
	if name == "" {
		name = "<script>"
	}
	params := append([]string{"request", "response"}, args...)
	wrapped := "(function(" + strings.Join(params, ", ") + ") {\n" + src.Code + "\n})"

	ast, err := parser.ParseFile(nil, name, wrapped, 0)
	if err != nil {
		var list parser.ErrorList
		if errors.As(err, &list) {
			for _, e := range list {
				ds.Errorf(max(e.Position.Line-1, 1), e.Position.Column, "%s", e.Message)
			}
		} else {
			ds.Errorf(0, 0, "%s", err.Error())
		}
		return nil, ds.Err(executor.JavaScript)
	}

	prog, err := goja.CompileAST(ast, false)
	if err != nil {
		ds.Errorf(0, 0, "%s", err.Error())
		return nil, ds.Err(executor.JavaScript)
	}

	return &program{src: src, prog: prog, args: args}, nil
}

func (i *Interpreter) NewRuntime(ctx context.Context, tmpl *session.Template) (executor.Runtime, error) {
	vm := goja.New()
	rt := &runtime{
		vm:       vm,
		logger:   i.logger,
		handlers: make(map[*goja.Program]goja.Callable),
	}

	if err := vm.Set("console", rt.console()); err != nil {
		return nil, err
	}
	for name, value := range tmpl.Globals() {
		if err := vm.Set(name, value); err != nil {
			return nil, fmt.Errorf("bind %s: %w", name, err)
		}
	}
	for name, fn := range tmpl.Functions() {
		if err := vm.Set(name, rt.hostCall(fn)); err != nil {
			return nil, fmt.Errorf("bind %s: %w", name, err)
		}
	}

	if startup := tmpl.Startup(); startup != "" {
		stop := context.AfterFunc(ctx, func() { vm.Interrupt(ctx.Err()) })
		_, err := vm.RunString(startup)
		stop()
		if err != nil {
			return nil, fmt.Errorf("javascript startup: %w", err)
		}
	}

	return rt, nil
}
