package lua

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/caffeineduck/gorute/executor"
	"github.com/caffeineduck/gorute/session"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// runtime is one pooled LState. Only the caller that checked it out may
// use it.
type runtime struct {
	L         *lua.LState
	logger    *zap.Logger
	handlers  map[*lua.FunctionProto]*lua.LFunction
	corrupted bool
}

func (rt *runtime) Close() error {
	rt.L.Close()
	return nil
}

func (rt *runtime) Corrupted() bool { return rt.corrupted }

func (rt *runtime) Exec(ctx context.Context, prog executor.Program, req *executor.Request, resp *executor.Response) error {
	p, ok := prog.(*program)
	if !ok {
		return fmt.Errorf("lua: unexpected program %T", prog)
	}

	L := rt.L
	L.SetContext(ctx)
	defer L.RemoveContext()

	fn, err := rt.handler(p)
	if err != nil {
		return rt.fault(ctx, err)
	}

	params := make([]lua.LValue, 0, 2+len(p.args)+len(p.imports))
	params = append(params, toLua(L, req.Fields()), responseTable(L, resp))
	for _, name := range p.args {
		params = append(params, toLua(L, session.Normalize(p.src.Args[name])))
	}
	for _, mod := range p.imports {
		v, err := rt.require(mod)
		if err != nil {
			return rt.fault(ctx, err)
		}
		params = append(params, v)
	}

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, params...); err != nil {
		return rt.fault(ctx, err)
	}
	ret := L.Get(-1)
	L.SetTop(0)

	if !resp.Written() {
		switch v := ret.(type) {
		case lua.LString:
			resp.WriteString(string(v))
		case lua.LNumber:
			resp.WriteString(v.String())
		}
	}
	return nil
}

// handler returns the per-state function for p, instantiating it on first
// use.
func (rt *runtime) handler(p *program) (*lua.LFunction, error) {
	if fn, ok := rt.handlers[p.proto]; ok {
		return fn, nil
	}
	L := rt.L
	if err := L.CallByParam(lua.P{Fn: L.NewFunctionFromProto(p.proto), NRet: 1, Protect: true}); err != nil {
		return nil, err
	}
	fn, ok := L.Get(-1).(*lua.LFunction)
	L.SetTop(0)
	if !ok {
		return nil, errors.New("script chunk did not produce a function")
	}
	rt.handlers[p.proto] = fn
	return fn, nil
}

func (rt *runtime) require(mod string) (lua.LValue, error) {
	L := rt.L
	if err := L.CallByParam(lua.P{Fn: L.GetGlobal("require"), NRet: 1, Protect: true}, lua.LString(mod)); err != nil {
		return lua.LNil, fmt.Errorf("require %q: %w", mod, err)
	}
	v := L.Get(-1)
	L.SetTop(0)
	return v, nil
}

// fault converts a Lua error. A state interrupted by cancellation may hold
// a half-unwound call stack and is not reused.
func (rt *runtime) fault(ctx context.Context, err error) error {
	rt.L.SetTop(0)
	if ctx.Err() != nil {
		rt.corrupted = true
		return ctx.Err()
	}

	detail := err.Error()
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Object != nil {
		detail = apiErr.Object.String()
	}
	return &executor.RuntimeFault{Language: executor.Lua, Detail: detail, Cause: err}
}

func responseTable(L *lua.LState, resp *executor.Response) *lua.LTable {
	tbl := L.NewTable()
	L.SetField(tbl, "write", L.NewFunction(func(L *lua.LState) int {
		for n := 1; n <= L.GetTop(); n++ {
			resp.WriteString(L.ToStringMeta(L.Get(n)).String())
		}
		return 0
	}))
	L.SetField(tbl, "status", L.NewFunction(func(L *lua.LState) int {
		if err := resp.SetStatus(L.CheckInt(1)); err != nil {
			L.RaiseError("%v", err)
		}
		return 0
	}))
	L.SetField(tbl, "header", L.NewFunction(func(L *lua.LState) int {
		resp.Header().Set(L.CheckString(1), L.CheckString(2))
		return 0
	}))
	return tbl
}

// toLua converts a normalized Go value.
func toLua(L *lua.LState, val any) lua.LValue {
	switch v := val.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(v)
	case string:
		return lua.LString(v)
	case int:
		return lua.LNumber(v)
	case int8:
		return lua.LNumber(v)
	case int16:
		return lua.LNumber(v)
	case int32:
		return lua.LNumber(v)
	case int64:
		return lua.LNumber(v)
	case uint:
		return lua.LNumber(v)
	case uint8:
		return lua.LNumber(v)
	case uint16:
		return lua.LNumber(v)
	case uint32:
		return lua.LNumber(v)
	case uint64:
		return lua.LNumber(v)
	case float32:
		return lua.LNumber(v)
	case float64:
		return lua.LNumber(v)
	case []any:
		tbl := L.NewTable()
		for n, item := range v {
			L.RawSetInt(tbl, n+1, toLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range v {
			L.SetField(tbl, k, toLua(L, item))
		}
		return tbl
	}

	normalized := session.Normalize(val)
	switch normalized.(type) {
	case []any, map[string]any, string:
		return toLua(L, normalized)
	}
	return lua.LString(fmt.Sprint(val))
}

// fromLua converts a Lua value. Tables with only positive integer keys
// become slices; other tables become maps keyed by their string keys.
// Tables nested deeper than session.MaxDepth, including any table that
// contains itself, fail with session.ErrTooDeep.
func fromLua(val lua.LValue) (any, error) {
	return fromLuaDepth(val, 0)
}

func fromLuaDepth(val lua.LValue, depth int) (any, error) {
	switch v := val.(type) {
	case lua.LBool:
		return bool(v), nil
	case lua.LNumber:
		f := float64(v)
		if f == float64(int64(f)) {
			return int64(f), nil
		}
		return f, nil
	case lua.LString:
		return string(v), nil
	case *lua.LTable:
		if depth >= session.MaxDepth {
			return nil, session.ErrTooDeep
		}
		n := v.MaxN()
		isArray := n > 0
		v.ForEach(func(key, _ lua.LValue) {
			if _, ok := key.(lua.LNumber); !ok {
				isArray = false
			}
		})
		if isArray {
			arr := make([]any, n)
			for i := 1; i <= n; i++ {
				item, err := fromLuaDepth(v.RawGetInt(i), depth+1)
				if err != nil {
					return nil, err
				}
				arr[i-1] = item
			}
			return arr, nil
		}
		m := make(map[string]any)
		var err error
		v.ForEach(func(key, value lua.LValue) {
			if err != nil {
				return
			}
			var k string
			switch kv := key.(type) {
			case lua.LString:
				k = string(kv)
			case lua.LNumber:
				k = strings.TrimSuffix(kv.String(), ".0")
			default:
				return
			}
			m[k], err = fromLuaDepth(value, depth+1)
		})
		if err != nil {
			return nil, err
		}
		return m, nil
	}
	return nil, nil
}
