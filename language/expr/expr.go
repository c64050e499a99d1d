// Package expr compiles single-expression handlers with expr-lang.
//
// The expression sees request, the declared arguments, the template
// bindings and the host functions, each called with one map:
//
//	greet({"name": request.query.name})
//
// A string result is the body. A map with any of status, headers or body is
// read as a response; other values are written as JSON.
package expr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/caffeineduck/gorute/executor"
	"github.com/caffeineduck/gorute/hostfunc"
	"github.com/caffeineduck/gorute/session"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/file"
	"github.com/expr-lang/expr/vm"
)

const requestBinding = "request"

// Compiler compiles expressions. It is safe for concurrent use.
type Compiler struct{}

func New() *Compiler { return &Compiler{} }

func (c *Compiler) Language() executor.Language { return executor.Expr }

func (c *Compiler) Compile(ctx context.Context, src executor.Source, env *executor.Env) (executor.Handler, error) {
	if strings.TrimSpace(src.Code) == "" {
		return nil, fmt.Errorf("expr: %w", executor.ErrEmptySource)
	}

	var ds executor.Diagnostics
	if len(src.Imports) > 0 {
		ds.Errorf(0, 0, "expressions cannot import modules")
	}
	args := make(map[string]any, len(src.Args))
	for _, name := range slices.Sorted(maps.Keys(src.Args)) {
		if !session.IsIdentifier(name) || name == requestBinding {
			ds.Errorf(0, 0, "argument %q is not a valid identifier", name)
			continue
		}
		args[name] = session.Normalize(src.Args[name])
	}
	if err := env.Report(executor.Expr, ds); err != nil {
		return nil, err
	}

	tmpl, err := env.Template(executor.Expr)
	if err != nil {
		return nil, err
	}

	h := &handler{
		globals: tmpl.Globals(),
		funcs:   tmpl.Functions(),
		args:    args,
	}
	program, err := expr.Compile(src.Code, expr.Env(h.env(ctx, new(executor.Request))))
	if err != nil {
		return nil, compileError(err)
	}
	h.program = program
	return h, nil
}

func compileError(err error) error {
	var ds executor.Diagnostics
	var fe *file.Error
	if errors.As(err, &fe) {
		ds.Errorf(fe.Line, fe.Column+1, "%s", fe.Message)
	} else {
		ds.Errorf(0, 0, "%s", err.Error())
	}
	return ds.Err(executor.Expr)
}

type handler struct {
	program *vm.Program
	globals map[string]any
	funcs   map[string]hostfunc.Func
	args    map[string]any
}

// env is rebuilt per call so host functions see the request context.
func (h *handler) env(ctx context.Context, req *executor.Request) map[string]any {
	env := make(map[string]any, len(h.globals)+len(h.funcs)+len(h.args)+1)
	maps.Copy(env, h.globals)
	for name, fn := range h.funcs {
		env[name] = func(params map[string]any) (any, error) {
			if params == nil {
				params = map[string]any{}
			}
			return fn(ctx, params)
		}
	}
	maps.Copy(env, h.args)
	env[requestBinding] = req.Fields()
	return env
}

// Invoke evaluates the expression. Expressions have no loops, so the
// context is only checked around the evaluation.
func (h *handler) Invoke(ctx context.Context, req *executor.Request, resp *executor.Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	out, err := expr.Run(h.program, h.env(ctx, req))
	if err != nil {
		return &executor.RuntimeFault{Language: executor.Expr, Detail: err.Error(), Cause: err}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return write(resp, out)
}

func write(resp *executor.Response, out any) error {
	switch v := session.Normalize(out).(type) {
	case nil:
		return nil
	case string:
		resp.WriteString(v)
		return nil
	case map[string]any:
		if isResponse(v) {
			return writeResponse(resp, v)
		}
		return writeJSON(resp, v)
	case []any:
		return writeJSON(resp, v)
	default:
		resp.WriteString(fmt.Sprint(v))
		return nil
	}
}

func isResponse(m map[string]any) bool {
	for _, key := range []string{"status", "headers", "body"} {
		if _, ok := m[key]; ok {
			return true
		}
	}
	return false
}

func writeResponse(resp *executor.Response, m map[string]any) error {
	if headers, ok := m["headers"].(map[string]any); ok {
		for k, v := range headers {
			resp.Header().Set(k, fmt.Sprint(v))
		}
	}
	code := 0
	switch status := m["status"].(type) {
	case nil:
	case int:
		code = status
	case int64:
		code = int(status)
	case float64:
		code = int(status)
	default:
		return &executor.RuntimeFault{Language: executor.Expr, Detail: fmt.Sprintf("status must be a number, got %T", status)}
	}
	if code != 0 {
		if err := resp.SetStatus(code); err != nil {
			return &executor.RuntimeFault{Language: executor.Expr, Detail: err.Error(), Cause: err}
		}
	}
	switch body := m["body"].(type) {
	case nil:
		return nil
	case string:
		resp.WriteString(body)
		return nil
	default:
		return writeJSON(resp, body)
	}
}

func writeJSON(resp *executor.Response, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return executor.Fault(executor.Expr, err)
	}
	if resp.Header().Get("Content-Type") == "" {
		resp.Header().Set("Content-Type", "application/json")
	}
	resp.Write(data)
	return nil
}
