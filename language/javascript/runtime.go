package javascript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/caffeineduck/gorute/executor"
	"github.com/caffeineduck/gorute/hostfunc"
	"github.com/caffeineduck/gorute/session"
	"github.com/dop251/goja"
	"go.uber.org/zap"
)

type runtime struct {
	vm        *goja.Runtime
	logger    *zap.Logger
	handlers  map[*goja.Program]goja.Callable
	ctx       context.Context
	corrupted bool
}

func (rt *runtime) Close() error {
	rt.vm.Interrupt("runtime closed")
	rt.handlers = nil
	return nil
}

func (rt *runtime) Corrupted() bool { return rt.corrupted }

func (rt *runtime) Exec(ctx context.Context, prog executor.Program, req *executor.Request, resp *executor.Response) error {
	p, ok := prog.(*program)
	if !ok {
		return fmt.Errorf("javascript: unexpected program %T", prog)
	}

	vm := rt.vm
	vm.ClearInterrupt()
	rt.ctx = ctx
	defer func() { rt.ctx = nil }()

	stop := context.AfterFunc(ctx, func() { vm.Interrupt(ctx.Err()) })
	defer func() {
		// A late interrupt would hit the next caller.
		if !stop() && ctx.Err() != nil {
			rt.corrupted = true
		}
	}()

	fn, err := rt.handler(p)
	if err != nil {
		return rt.fault(ctx, err)
	}

	params := make([]goja.Value, 0, 2+len(p.args))
	params = append(params, vm.ToValue(req.Fields()), rt.response(resp))
	for _, name := range p.args {
		params = append(params, vm.ToValue(session.Normalize(p.src.Args[name])))
	}

	ret, err := fn(goja.Undefined(), params...)
	if err != nil {
		return rt.fault(ctx, err)
	}

	if resp.Written() || ret == nil || goja.IsUndefined(ret) || goja.IsNull(ret) {
		return nil
	}
	switch v := ret.Export().(type) {
	case string:
		resp.WriteString(v)
	case map[string]any, []any:
		data, err := json.Marshal(v)
		if err != nil {
			return &executor.RuntimeFault{Language: executor.JavaScript, Detail: "result is not serializable", Cause: err}
		}
		if resp.Header().Get("Content-Type") == "" {
			resp.Header().Set("Content-Type", "application/json")
		}
		resp.Write(data)
	default:
		resp.WriteString(ret.String())
	}
	return nil
}

func (rt *runtime) handler(p *program) (goja.Callable, error) {
	if fn, ok := rt.handlers[p.prog]; ok {
		return fn, nil
	}
	v, err := rt.vm.RunProgram(p.prog)
	if err != nil {
		return nil, err
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil, errors.New("script did not evaluate to a function")
	}
	rt.handlers[p.prog] = fn
	return fn, nil
}

// fault converts a goja error. An interrupted runtime may have been stopped
// halfway through mutating its globals and is not reused.
func (rt *runtime) fault(ctx context.Context, err error) error {
	var interrupted *goja.InterruptedError
	if ctx.Err() != nil || errors.As(err, &interrupted) {
		rt.corrupted = true
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	detail := err.Error()
	var ex *goja.Exception
	if errors.As(err, &ex) && ex.Value() != nil {
		detail = ex.Value().String()
	}
	return &executor.RuntimeFault{Language: executor.JavaScript, Detail: detail, Cause: err}
}

func (rt *runtime) response(resp *executor.Response) goja.Value {
	vm := rt.vm
	obj := vm.NewObject()
	obj.Set("write", func(call goja.FunctionCall) goja.Value {
		for _, arg := range call.Arguments {
			resp.WriteString(arg.String())
		}
		return goja.Undefined()
	})
	obj.Set("status", func(call goja.FunctionCall) goja.Value {
		if err := resp.SetStatus(int(call.Argument(0).ToInteger())); err != nil {
			panic(vm.NewGoError(err))
		}
		return goja.Undefined()
	})
	obj.Set("header", func(call goja.FunctionCall) goja.Value {
		resp.Header().Set(call.Argument(0).String(), call.Argument(1).String())
		return goja.Undefined()
	})
	return obj
}

// hostCall exposes fn as a JavaScript function taking one options object.
// Errors are thrown as exceptions.
func (rt *runtime) hostCall(fn hostfunc.Func) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		args := map[string]any{}
		if arg := call.Argument(0); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
			exported, err := session.Convert(arg.Export())
			if err != nil {
				panic(rt.vm.NewGoError(err))
			}
			switch v := exported.(type) {
			case map[string]any:
				args = v
			default:
				args["value"] = v
			}
		}

		ctx := rt.ctx
		if ctx == nil {
			ctx = context.Background()
		}
		result, err := fn(ctx, args)
		if err != nil {
			panic(rt.vm.NewGoError(err))
		}
		out, err := session.Convert(result)
		if err != nil {
			panic(rt.vm.NewGoError(err))
		}
		return rt.vm.ToValue(out)
	}
}

func (rt *runtime) console() map[string]any {
	logAt := func(level func(string, ...zap.Field)) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for n, arg := range call.Arguments {
				parts[n] = arg.String()
			}
			level("javascript console", zap.String("message", strings.Join(parts, " ")))
			return goja.Undefined()
		}
	}
	return map[string]any{
		"log":   logAt(rt.logger.Info),
		"info":  logAt(rt.logger.Info),
		"warn":  logAt(rt.logger.Warn),
		"error": logAt(rt.logger.Error),
		"debug": logAt(rt.logger.Debug),
	}
}
