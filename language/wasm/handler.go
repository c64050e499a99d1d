package wasm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/caffeineduck/gorute/executor"
	"github.com/caffeineduck/gorute/hostfunc"
	"github.com/caffeineduck/gorute/session"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"
)

type handler struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	args     map[string]string
	funcs    map[string]hostfunc.Func
	globals  map[string]any
	logger   *zap.Logger
}

func (h *handler) Invoke(ctx context.Context, req *executor.Request, resp *executor.Response) error {
	var stdout bytes.Buffer
	stdinReader, stdinWriter := io.Pipe()
	ready := make(chan struct{})

	p := &protocol{
		ctx:     ctx,
		funcs:   h.funcs,
		globals: h.globals,
		resp:    resp,
		stdin:   stdinWriter,
		ready:   ready,
	}

	go func() {
		defer close(ready)
		if len(req.Body) > 0 {
			stdinWriter.Write(req.Body)
		}
	}()

	cfg := wazero.NewModuleConfig().
		WithStdout(&stdout).
		WithStderr(p).
		WithStdin(stdinReader).
		WithArgs("handler").
		WithName("")
	for k, v := range h.environ(req) {
		cfg = cfg.WithEnv(k, v)
	}

	mod, err := h.runtime.InstantiateModule(ctx, h.compiled, cfg)
	stdinWriter.Close()
	if mod != nil {
		mod.Close(ctx)
	}
	if stderr := p.Stderr(); stderr != "" {
		h.logger.Info("wasm stderr", zap.String("output", stderr))
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil {
		var exit *sys.ExitError
		switch {
		case errors.As(err, &exit) && exit.ExitCode() == 0:
		case errors.As(err, &exit):
			return &executor.RuntimeFault{
				Language: executor.Wasm,
				Detail:   fmt.Sprintf("exit code %d", exit.ExitCode()),
				Cause:    err,
			}
		default:
			return executor.Fault(executor.Wasm, err)
		}
	}

	resp.Write(stdout.Bytes())
	return nil
}

// environ builds the CGI-style variables for one request.
func (h *handler) environ(req *executor.Request) map[string]string {
	env := map[string]string{
		"REQUEST_METHOD": req.Method,
		"PATH_INFO":      req.Path,
		"QUERY_STRING":   req.Query.Encode(),
		"CONTENT_LENGTH": strconv.Itoa(len(req.Body)),
	}
	for k, v := range req.Header {
		if len(v) > 0 {
			env["HTTP_"+envName(k)] = v[0]
		}
	}
	for k, v := range req.Params {
		env["PARAM_"+envName(k)] = v
	}
	maps.Copy(env, h.args)
	return env
}

// argEnv renders arguments as ARG_<NAME> variables; non-strings are JSON.
func argEnv(args map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for _, name := range slices.Sorted(maps.Keys(args)) {
		if !session.IsIdentifier(name) {
			return nil, fmt.Errorf("argument %q is not a valid identifier", name)
		}
		switch v := session.Normalize(args[name]).(type) {
		case string:
			out["ARG_"+envName(name)] = v
		default:
			data, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("argument %q: %w", name, err)
			}
			out["ARG_"+envName(name)] = string(data)
		}
	}
	return out, nil
}

func envName(s string) string {
	return strings.ToUpper(strings.ReplaceAll(s, "-", "_"))
}
