package starlark

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/caffeineduck/gorute/executor"
	"github.com/caffeineduck/gorute/hostfunc"
	"github.com/caffeineduck/gorute/session"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

func builtinWrite(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	resp, err := response(thread, b)
	if err != nil {
		return nil, err
	}
	for _, arg := range args {
		if s, ok := starlark.AsString(arg); ok {
			resp.WriteString(s)
		} else {
			resp.WriteString(arg.String())
		}
	}
	return starlark.None, nil
}

func builtinStatus(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var code int
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &code); err != nil {
		return nil, err
	}
	resp, err := response(thread, b)
	if err != nil {
		return nil, err
	}
	if err := resp.SetStatus(code); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.None, nil
}

func builtinHeader(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, value string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &name, &value); err != nil {
		return nil, err
	}
	resp, err := response(thread, b)
	if err != nil {
		return nil, err
	}
	resp.Header().Set(name, value)
	return starlark.None, nil
}

func response(thread *starlark.Thread, b *starlark.Builtin) (*executor.Response, error) {
	resp, ok := thread.Local(localResponse).(*executor.Response)
	if !ok {
		return nil, fmt.Errorf("%s: no response in this context", b.Name())
	}
	return resp, nil
}

// hostBuiltin exposes fn with keyword arguments, or a single dict:
//
//	greet(name = "World")
//	greet({"name": "World"})
func hostBuiltin(name string, fn hostfunc.Func) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		params := map[string]any{}
		if len(args) == 1 {
			arg, err := fromStarlark(args[0])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", b.Name(), err)
			}
			if d, ok := arg.(map[string]any); ok {
				params = d
			} else {
				params["value"] = arg
			}
		} else if len(args) > 1 {
			return nil, fmt.Errorf("%s: takes keyword arguments or one dict", b.Name())
		}
		for _, kv := range kwargs {
			key, _ := starlark.AsString(kv[0])
			v, err := fromStarlark(kv[1])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", b.Name(), err)
			}
			params[key] = v
		}

		ctx, ok := thread.Local(localContext).(context.Context)
		if !ok {
			ctx = context.Background()
		}
		result, err := fn(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		out, err := session.Convert(result)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		return toStarlark(out)
	})
}

// toStarlark converts a normalized Go value. Maps become structs when all
// keys are identifiers so scripts can write request.method.
func toStarlark(v any) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case string:
		return starlark.String(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int8, int16, int32, int64:
		return starlark.MakeInt64(toInt64(val)), nil
	case uint, uint8, uint16, uint32, uint64:
		return starlark.MakeUint64(toUint64(val)), nil
	case float32:
		return starlark.Float(val), nil
	case float64:
		return starlark.Float(val), nil
	case []any:
		elems := make([]starlark.Value, len(val))
		for n, item := range val {
			e, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			elems[n] = e
		}
		return starlark.NewList(elems), nil
	case map[string]any:
		keys := slices.Sorted(maps.Keys(val))
		if allIdentifiers(keys) {
			fields := make(starlark.StringDict, len(val))
			for _, k := range keys {
				e, err := toStarlark(val[k])
				if err != nil {
					return nil, err
				}
				fields[k] = e
			}
			return starlarkstruct.FromStringDict(starlarkstruct.Default, fields), nil
		}
		d := starlark.NewDict(len(val))
		for _, k := range keys {
			e, err := toStarlark(val[k])
			if err != nil {
				return nil, err
			}
			if err := d.SetKey(starlark.String(k), e); err != nil {
				return nil, err
			}
		}
		return d, nil
	}

	normalized := session.Normalize(v)
	switch normalized.(type) {
	case []any, map[string]any, string:
		return toStarlark(normalized)
	}
	return nil, fmt.Errorf("cannot convert %T", v)
}

// fromStarlark converts a Starlark value. Containers nested deeper than
// session.MaxDepth, including self-referencing lists, fail.
func fromStarlark(v starlark.Value) (any, error) {
	return fromStarlarkDepth(v, 0)
}

func fromStarlarkDepth(v starlark.Value, depth int) (any, error) {
	if depth > session.MaxDepth {
		return nil, session.ErrTooDeep
	}
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.String:
		return string(val), nil
	case starlark.Int:
		if n, ok := val.Int64(); ok {
			return n, nil
		}
		return val.String(), nil
	case starlark.Float:
		return float64(val), nil
	case *starlark.List:
		out := make([]any, val.Len())
		for n := range out {
			item, err := fromStarlarkDepth(val.Index(n), depth+1)
			if err != nil {
				return nil, err
			}
			out[n] = item
		}
		return out, nil
	case starlark.Tuple:
		out := make([]any, len(val))
		for n, item := range val {
			conv, err := fromStarlarkDepth(item, depth+1)
			if err != nil {
				return nil, err
			}
			out[n] = conv
		}
		return out, nil
	case *starlark.Dict:
		out := make(map[string]any, val.Len())
		for _, item := range val.Items() {
			key, ok := starlark.AsString(item[0])
			if !ok {
				key = item[0].String()
			}
			conv, err := fromStarlarkDepth(item[1], depth+1)
			if err != nil {
				return nil, err
			}
			out[key] = conv
		}
		return out, nil
	case *starlarkstruct.Struct:
		out := map[string]any{}
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			conv, err := fromStarlarkDepth(attr, depth+1)
			if err != nil {
				return nil, err
			}
			out[name] = conv
		}
		return out, nil
	}
	return v.String(), nil
}

func allIdentifiers(keys []string) bool {
	for _, k := range keys {
		if !session.IsIdentifier(k) {
			return false
		}
	}
	return true
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	}
	return 0
}

func toUint64(v any) uint64 {
	switch n := v.(type) {
	case uint:
		return uint64(n)
	case uint8:
		return uint64(n)
	case uint16:
		return uint64(n)
	case uint32:
		return uint64(n)
	case uint64:
		return n
	}
	return 0
}
