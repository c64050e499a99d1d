// Package lua serves Lua scripts from pooled gopher-lua states.
//
// A script is the body of
//
//	function(request, response, <args...>, <imports...>)
//
// compiled once at registration. Every pooled state instantiates the
// function lazily and keeps it for later requests. The response table
// offers write, status and header; a returned string or number becomes the
// body when nothing was written.
package lua

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path"
	"slices"
	"strings"

	"github.com/caffeineduck/gorute/executor"
	"github.com/caffeineduck/gorute/hostfunc"
	"github.com/caffeineduck/gorute/session"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
	"go.uber.org/zap"
)

// Interpreter creates Lua runtimes. It is safe for concurrent use.
type Interpreter struct {
	cfg config
}

func New(opts ...Option) *Interpreter {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Interpreter{cfg: cfg}
}

func (i *Interpreter) Language() executor.Language { return executor.Lua }

type program struct {
	src     executor.Source
	proto   *lua.FunctionProto
	args    []string
	imports []string
}

func (p *program) Source() executor.Source { return p.src }

// Prepare parses and compiles the wrapped script once.
func (i *Interpreter) Prepare(src executor.Source) (executor.Program, error) {
	var ds executor.Diagnostics

	args := slices.Sorted(maps.Keys(src.Args))
	for _, name := range args {
		if !session.IsIdentifier(name) {
			ds.Errorf(0, 0, "argument %q is not a valid identifier", name)
		}
	}
	locals := make([]string, len(src.Imports))
	for n, mod := range src.Imports {
		locals[n] = importLocal(mod)
		if !session.IsIdentifier(locals[n]) {
			ds.Errorf(0, 0, "import %q has no usable local name", mod)
		}
	}
	if ds.HasErrors() {
		return nil, ds.Err(executor.Lua)
	}

	params := append([]string{"request", "response"}, args...)
	params = append(params, locals...)
	wrapped := "return function(" + strings.Join(params, ", ") + ")\n" + src.Code + "\nend"

	name := src.Name
	if name == "" {
		name = "<script>"
	}

	chunk, err := parse.Parse(strings.NewReader(wrapped), name)
	if err != nil {
		return nil, syntaxError(err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		var ce *lua.CompileError
		if errors.As(err, &ce) {
			ds.Errorf(max(ce.Line-1, 1), 0, "%s", ce.Message)
			return nil, ds.Err(executor.Lua)
		}
		ds.Errorf(0, 0, "%s", err.Error())
		return nil, ds.Err(executor.Lua)
	}

	return &program{src: src, proto: proto, args: args, imports: src.Imports}, nil
}

// syntaxError maps a parser failure onto the user's line numbers. The
// wrapper adds one line before the script body.
func syntaxError(err error) error {
	var ds executor.Diagnostics
	var pe *parse.Error
	if errors.As(err, &pe) {
		line := pe.Pos.Line - 1
		if line < 1 {
			line = 1
		}
		msg := pe.Message
		if pe.Token != "" {
			msg = fmt.Sprintf("%s near %q", pe.Message, pe.Token)
		}
		ds.Errorf(line, pe.Pos.Column, "%s", msg)
	} else {
		ds.Errorf(0, 0, "%s", err.Error())
	}
	return ds.Err(executor.Lua)
}

// NewRuntime creates a state with the template applied.
func (i *Interpreter) NewRuntime(ctx context.Context, tmpl *session.Template) (executor.Runtime, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:  true,
		CallStackSize: i.cfg.callStackSize,
		RegistrySize:  i.cfg.registrySize,
	})
	for _, lib := range libraries {
		if err := L.CallByParam(lua.P{Fn: L.NewFunction(lib.open), Protect: true}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, fmt.Errorf("open lua %s library: %w", lib.name, err)
		}
	}

	rt := &runtime{
		L:        L,
		logger:   i.cfg.logger,
		handlers: make(map[*lua.FunctionProto]*lua.LFunction),
	}

	L.SetGlobal("print", L.NewFunction(rt.print))
	if paths := tmpl.ImportPaths(); len(paths) > 0 {
		searchPath := make([]string, len(paths))
		for n, p := range paths {
			searchPath[n] = path.Join(p, "?.lua")
		}
		L.SetField(L.GetGlobal("package"), "path", lua.LString(strings.Join(searchPath, ";")))
	}
	for name, value := range tmpl.Globals() {
		L.SetGlobal(name, toLua(L, value))
	}
	for name, fn := range tmpl.Functions() {
		L.SetGlobal(name, L.NewFunction(hostCall(fn)))
	}

	if startup := tmpl.Startup(); startup != "" {
		L.SetContext(ctx)
		err := L.DoString(startup)
		L.RemoveContext()
		if err != nil {
			L.Close()
			return nil, fmt.Errorf("lua startup: %w", err)
		}
	}

	return rt, nil
}

// libraries opened in every state. io, os and debug stay closed.
var libraries = []struct {
	name string
	open lua.LGFunction
}{
	{lua.LoadLibName, lua.OpenPackage},
	{lua.BaseLibName, lua.OpenBase},
	{lua.TabLibName, lua.OpenTable},
	{lua.StringLibName, lua.OpenString},
	{lua.MathLibName, lua.OpenMath},
	{lua.CoroutineLibName, lua.OpenCoroutine},
}

// importLocal turns "util.strings" into "strings".
func importLocal(mod string) string {
	if i := strings.LastIndexAny(mod, "./"); i >= 0 {
		return mod[i+1:]
	}
	return mod
}

func hostCall(fn hostfunc.Func) lua.LGFunction {
	return func(L *lua.LState) int {
		arg, err := fromLua(L.Get(1))
		if err != nil {
			L.RaiseError("%v", err)
			return 0
		}
		args := map[string]any{}
		switch v := arg.(type) {
		case nil:
		case map[string]any:
			args = v
		default:
			args["value"] = v
		}

		ctx := L.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		result, err := fn(ctx, args)
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		out, err := session.Convert(result)
		if err != nil {
			L.RaiseError("%v", err)
			return 0
		}
		L.Push(toLua(L, out))
		return 1
	}
}

func (rt *runtime) print(L *lua.LState) int {
	parts := make([]string, L.GetTop())
	for n := range parts {
		parts[n] = L.ToStringMeta(L.Get(n + 1)).String()
	}
	rt.logger.Info("lua print", zap.String("message", strings.Join(parts, "\t")))
	return 0
}
