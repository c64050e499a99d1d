// Package golang compiles Go handlers with the yaegi interpreter.
//
// A source is a Go file in package main that defines
//
//	func Handle(w http.ResponseWriter, r *http.Request)
//
// Imports are limited to an allow-list of standard packages, extended per
// source by Source.Imports. Scalar arguments become package-level variables
// and the "gorute" package exposes the host:
//
//	import "gorute"
//
//	func Handle(w http.ResponseWriter, r *http.Request) {
//	    v, err := gorute.Call(r.Context(), "time_now", nil)
//	    ...
//	}
package golang

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/scanner"
	"go/token"
	"maps"
	"net/http"
	"reflect"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/caffeineduck/gorute/executor"
	"github.com/caffeineduck/gorute/session"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"go.uber.org/zap"
	"go.uber.org/zap/zapio"
)

// DefaultAllowedPackages are the standard packages every handler may import.
var DefaultAllowedPackages = []string{
	"bytes",
	"context",
	"encoding/base64",
	"encoding/json",
	"errors",
	"fmt",
	"math",
	"net/http",
	"net/url",
	"path",
	"regexp",
	"sort",
	"strconv",
	"strings",
	"time",
	"unicode",
	"unicode/utf8",
}

// handlerHTTP lists the net/http exports a handler may use. Clients,
// transports, servers and file serving are left out so outbound requests go
// through the http_request host function and file access through mounts.
var handlerHTTP = map[string]bool{
	"CanonicalHeaderKey": true,
	"Cookie":             true,
	"DetectContentType":  true,
	"ErrNoCookie":        true,
	"Error":              true,
	"Header":             true,
	"MaxBytesError":      true,
	"MaxBytesReader":     true,
	"NotFound":           true,
	"ParseTime":          true,
	"Redirect":           true,
	"Request":            true,
	"ResponseWriter":     true,
	"SetCookie":          true,
	"StatusText":         true,
	"TimeFormat":         true,
}

// httpExportAllowed reports whether a net/http export is visible to
// handlers. Interface wrappers carry a leading underscore.
func httpExportAllowed(name string) bool {
	name = strings.TrimPrefix(name, "_")
	return handlerHTTP[name] ||
		strings.HasPrefix(name, "Status") ||
		strings.HasPrefix(name, "Method") ||
		strings.HasPrefix(name, "SameSite")
}

// hostPackage is the import path of the host bridge.
const hostPackage = "gorute"

// Compiler compiles Go sources. It is safe for concurrent use.
type Compiler struct {
	allowed map[string]bool
	logger  *zap.Logger
}

// Option configures the Compiler.
type Option func(*Compiler)

// WithAllowedPackages replaces the default import allow-list.
func WithAllowedPackages(pkgs ...string) Option {
	return func(c *Compiler) {
		c.allowed = make(map[string]bool, len(pkgs))
		for _, p := range pkgs {
			c.allowed[p] = true
		}
	}
}

// WithLogger receives what handlers print to stdout and stderr.
func WithLogger(l *zap.Logger) Option {
	return func(c *Compiler) {
		if l != nil {
			c.logger = l
		}
	}
}

func New(opts ...Option) *Compiler {
	c := &Compiler{logger: zap.NewNop()}
	WithAllowedPackages(DefaultAllowedPackages...)(c)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Compiler) Language() executor.Language { return executor.Go }

func (c *Compiler) Compile(ctx context.Context, src executor.Source, env *executor.Env) (executor.Handler, error) {
	if strings.TrimSpace(src.Code) == "" {
		return nil, fmt.Errorf("go: %w", executor.ErrEmptySource)
	}

	name := src.Name
	if name == "" {
		name = "handler.go"
	}
	code, offset := withPackageClause(src.Code)

	var ds executor.Diagnostics
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, name, code, parser.AllErrors)
	if err != nil {
		if list, ok := err.(scanner.ErrorList); ok {
			for _, e := range list {
				ds.Errorf(max(e.Pos.Line-offset, 1), e.Pos.Column, "%s", e.Msg)
			}
		} else {
			ds.Errorf(0, 0, "%s", err.Error())
		}
		return nil, env.Report(executor.Go, ds)
	}

	allowed := maps.Clone(c.allowed)
	for _, imp := range src.Imports {
		allowed[imp] = true
	}
	c.checkFile(fset, file, offset, allowed, src, &ds)

	args, err := argDecls(src.Args)
	if err != nil {
		ds.Errorf(0, 0, "%s", err.Error())
	}
	if err := env.Report(executor.Go, ds); err != nil {
		return nil, err
	}

	tmpl, err := env.Template(executor.Go)
	if err != nil {
		return nil, err
	}

	i := interp.New(interp.Options{
		Stdout: &zapio.Writer{Log: env.Logger(), Level: zap.InfoLevel},
		Stderr: &zapio.Writer{Log: env.Logger(), Level: zap.WarnLevel},
	})
	if err := i.Use(allowedSymbols(allowed)); err != nil {
		return nil, fmt.Errorf("load stdlib: %w", err)
	}
	if err := i.Use(hostSymbols(tmpl)); err != nil {
		return nil, fmt.Errorf("load host package: %w", err)
	}

	if _, err := i.Eval(code + args); err != nil {
		return nil, evalError(err, offset)
	}
	v, err := i.Eval("main.Handle")
	if err != nil {
		return nil, executor.Diagnostics{{Severity: executor.SeverityError, Message: "Handle is not defined"}}.Err(executor.Go)
	}
	fn, ok := v.Interface().(func(http.ResponseWriter, *http.Request))
	if !ok {
		var ds executor.Diagnostics
		ds.Errorf(0, 0, "Handle has type %s, want func(http.ResponseWriter, *http.Request)", v.Type())
		return nil, ds.Err(executor.Go)
	}

	return &handler{fn: fn}, nil
}

// withPackageClause prepends "package main" when the source has none and
// returns how many lines were added.
func withPackageClause(code string) (string, int) {
	if _, err := parser.ParseFile(token.NewFileSet(), "", code, parser.PackageClauseOnly); err == nil {
		return code, 0
	}
	return "package main\n" + code, 1
}

func (c *Compiler) checkFile(fset *token.FileSet, file *ast.File, offset int, allowed map[string]bool, src executor.Source, ds *executor.Diagnostics) {
	pos := func(p token.Pos) (int, int) {
		position := fset.Position(p)
		return max(position.Line-offset, 1), position.Column
	}

	if file.Name.Name != "main" {
		line, col := pos(file.Name.Pos())
		ds.Errorf(line, col, "package %s, want main", file.Name.Name)
	}

	httpName := ""
	for _, imp := range file.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			continue
		}
		if path != hostPackage && !allowed[path] {
			line, col := pos(imp.Pos())
			ds.Errorf(line, col, "import %q is not allowed", path)
		}
		if path == "net/http" {
			httpName = "http"
			if imp.Name != nil {
				httpName = imp.Name.Name
			}
		}
	}
	if httpName != "" {
		ast.Inspect(file, func(n ast.Node) bool {
			sel, ok := n.(*ast.SelectorExpr)
			if !ok {
				return true
			}
			if x, ok := sel.X.(*ast.Ident); ok && x.Name == httpName && !httpExportAllowed(sel.Sel.Name) {
				line, col := pos(sel.Pos())
				ds.Errorf(line, col, "http.%s is not available to handlers; use the http_request host function", sel.Sel.Name)
			}
			return true
		})
	}

	var handle *ast.FuncDecl
	for _, decl := range file.Decls {
		if fn, ok := decl.(*ast.FuncDecl); ok && fn.Recv == nil && fn.Name.Name == "Handle" {
			handle = fn
		}
	}
	if handle == nil {
		ds.Errorf(0, 0, "func Handle(w http.ResponseWriter, r *http.Request) is not defined")
	} else if n := handle.Type.Params.NumFields(); n != 2 {
		line, col := pos(handle.Pos())
		ds.Errorf(line, col, "Handle takes %d parameters, want 2", n)
	}

	used := map[string]bool{}
	ast.Inspect(file, func(n ast.Node) bool {
		if id, ok := n.(*ast.Ident); ok {
			used[id.Name] = true
		}
		return true
	})
	for _, name := range slices.Sorted(maps.Keys(src.Args)) {
		if !used[name] {
			ds.Warnf(0, 0, "argument %q is never used", name)
		}
	}
}

// argDecls renders scalar arguments as package-level variables. The block
// is appended after the source so diagnostics keep their line numbers.
func argDecls(args map[string]any) (string, error) {
	if len(args) == 0 {
		return "", nil
	}
	var b strings.Builder
	b.WriteString("\n\nvar (\n")
	for _, name := range slices.Sorted(maps.Keys(args)) {
		if !token.IsIdentifier(name) {
			return "", fmt.Errorf("argument %q is not a valid identifier", name)
		}
		switch v := session.Normalize(args[name]).(type) {
		case string:
			fmt.Fprintf(&b, "\t%s = %s\n", name, strconv.Quote(v))
		case bool:
			fmt.Fprintf(&b, "\t%s = %t\n", name, v)
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			fmt.Fprintf(&b, "\t%s = %d\n", name, v)
		case float32, float64:
			fmt.Fprintf(&b, "\t%s = float64(%v)\n", name, v)
		default:
			return "", fmt.Errorf("argument %q: %T cannot be bound in a Go handler", name, v)
		}
	}
	b.WriteString(")\n")
	return b.String(), nil
}

// allowedSymbols filters the stdlib exports by import path. net/http is
// further reduced to the handler-side exports.
func allowedSymbols(allowed map[string]bool) interp.Exports {
	out := interp.Exports{}
	for key, symbols := range stdlib.Symbols {
		path := key
		if i := strings.LastIndexByte(key, '/'); i >= 0 {
			path = key[:i]
		}
		if !allowed[path] {
			continue
		}
		if path == "net/http" {
			filtered := make(map[string]reflect.Value, len(symbols))
			for name, v := range symbols {
				if httpExportAllowed(name) {
					filtered[name] = v
				}
			}
			symbols = filtered
		}
		out[key] = symbols
	}
	return out
}

// hostSymbols builds the gorute package: Call for host functions, Global
// for template values.
func hostSymbols(tmpl *session.Template) interp.Exports {
	funcs := tmpl.Functions()
	globals := tmpl.Globals()

	call := func(ctx context.Context, name string, args map[string]any) (any, error) {
		fn, ok := funcs[name]
		if !ok {
			return nil, fmt.Errorf("host function %q not found", name)
		}
		if args == nil {
			args = map[string]any{}
		}
		return fn(ctx, args)
	}
	global := func(name string) any {
		return session.Normalize(globals[name])
	}

	return interp.Exports{
		hostPackage + "/" + hostPackage: {
			"Call":   reflect.ValueOf(call),
			"Global": reflect.ValueOf(global),
		},
	}
}

var evalPosition = regexp.MustCompile(`(\d+):(\d+): (.+)`)

// evalError turns a yaegi compile error into diagnostics.
func evalError(err error, offset int) error {
	var ds executor.Diagnostics
	for _, line := range strings.Split(err.Error(), "\n") {
		m := evalPosition.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		l, _ := strconv.Atoi(m[1])
		col, _ := strconv.Atoi(m[2])
		ds.Errorf(max(l-offset, 1), col, "%s", m[3])
	}
	if len(ds) == 0 {
		ds.Errorf(0, 0, "%s", err.Error())
	}
	return ds.Err(executor.Go)
}
