package wasm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/caffeineduck/gorute/executor"
	"github.com/caffeineduck/gorute/hostfunc"
)

// helloModule is a WASI command whose _start writes "Hi" to stdout.
var helloModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	// type: (i32 i32 i32 i32) -> i32, () -> ()
	0x01, 0x0c, 0x02, 0x60, 0x04, 0x7f, 0x7f, 0x7f, 0x7f, 0x01, 0x7f, 0x60, 0x00, 0x00,
	// import: wasi_snapshot_preview1.fd_write
	0x02, 0x23, 0x01,
	0x16, 'w', 'a', 's', 'i', '_', 's', 'n', 'a', 'p', 's', 'h', 'o', 't', '_', 'p', 'r', 'e', 'v', 'i', 'e', 'w', '1',
	0x08, 'f', 'd', '_', 'w', 'r', 'i', 't', 'e',
	0x00, 0x00,
	// function: _start has type 1
	0x03, 0x02, 0x01, 0x01,
	// memory: one page
	0x05, 0x03, 0x01, 0x00, 0x01,
	// export: memory, _start
	0x07, 0x13, 0x02,
	0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
	0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x01,
	// code: fd_write(1, 0, 1, 16); drop
	0x0a, 0x0f, 0x01, 0x0d, 0x00,
	0x41, 0x01, 0x41, 0x00, 0x41, 0x01, 0x41, 0x10,
	0x10, 0x00, 0x1a, 0x0b,
	// data: iovec{8, 2} then "Hi"
	0x0b, 0x10, 0x01, 0x00, 0x41, 0x00, 0x0b, 0x0a,
	0x08, 0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00, 'H', 'i',
}

func newExecutor(t *testing.T) *executor.Executor {
	t.Helper()
	c, err := New()
	if err != nil {
		t.Fatalf("failed to create compiler: %v", err)
	}
	exec, err := executor.New(executor.WithCompilers(c))
	if err != nil {
		t.Fatalf("failed to create executor: %v", err)
	}
	t.Cleanup(func() { exec.Drain(context.Background()) })
	return exec
}

func TestWasmHello(t *testing.T) {
	exec := newExecutor(t)

	for name, code := range map[string]string{
		"base64": base64.StdEncoding.EncodeToString(helloModule),
		"raw":    string(helloModule),
	} {
		t.Run(name, func(t *testing.T) {
			h, err := exec.Compile(context.Background(), executor.Source{Language: executor.Wasm, Code: code})
			if err != nil {
				t.Fatalf("compile failed: %v", err)
			}

			resp := executor.NewResponse()
			if err := h.Invoke(context.Background(), &executor.Request{Method: http.MethodGet, Path: "/"}, resp); err != nil {
				t.Fatalf("invoke failed: %v", err)
			}
			if got := string(resp.Body()); got != "Hi" {
				t.Errorf("expected 'Hi', got %q", got)
			}
		})
	}
}

func TestWasmRejectsGarbage(t *testing.T) {
	exec := newExecutor(t)

	for _, code := range []string{"not base64 !!", base64.StdEncoding.EncodeToString([]byte("plain text"))} {
		_, err := exec.Compile(context.Background(), executor.Source{Language: executor.Wasm, Code: code})
		var ce *executor.CompilationError
		if !errors.As(err, &ce) {
			t.Errorf("expected CompilationError for %q, got %v", code, err)
		}
	}
}

func TestWasmRejectsUnknownImports(t *testing.T) {
	exec := newExecutor(t)

	module := bytes.Replace(helloModule, []byte("wasi_snapshot"), []byte("evil_snapshot"), 1)
	_, err := exec.Compile(context.Background(), executor.Source{
		Language: executor.Wasm,
		Code:     base64.StdEncoding.EncodeToString(module),
	})
	var ce *executor.CompilationError
	if !errors.As(err, &ce) || !strings.Contains(ce.Error(), "evil_snapshot") {
		t.Fatalf("expected import diagnostic, got %v", err)
	}
}

func TestWasmEnviron(t *testing.T) {
	vars, err := argEnv(map[string]any{"greeting": "hey", "limit": 10})
	if err != nil {
		t.Fatal(err)
	}
	h := &handler{args: vars}

	env := h.environ(&executor.Request{
		Method: http.MethodPost,
		Path:   "/items",
		Header: http.Header{"X-Trace-Id": {"abc"}},
		Params: map[string]string{"id": "7"},
		Body:   []byte("body"),
	})

	want := map[string]string{
		"REQUEST_METHOD":  "POST",
		"PATH_INFO":       "/items",
		"CONTENT_LENGTH":  "4",
		"HTTP_X_TRACE_ID": "abc",
		"PARAM_ID":        "7",
		"ARG_GREETING":    "hey",
		"ARG_LIMIT":       "10",
	}
	for k, v := range want {
		if env[k] != v {
			t.Errorf("%s = %q, want %q", k, env[k], v)
		}
	}
}

// =============================================================================
// Call protocol
// =============================================================================

func newProtocol(t *testing.T, registry *hostfunc.Registry) (*protocol, *io.PipeReader, *executor.Response) {
	t.Helper()
	r, w := io.Pipe()
	ready := make(chan struct{})
	close(ready)
	resp := executor.NewResponse()
	p := &protocol{
		ctx:     context.Background(),
		funcs:   registry.All(),
		globals: map[string]any{"limit": 10},
		resp:    resp,
		stdin:   w,
		ready:   ready,
	}
	t.Cleanup(func() { w.Close() })
	return p, r, resp
}

func readResponse(t *testing.T, r io.Reader) callResponse {
	t.Helper()
	var out callResponse
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	return out
}

func TestProtocolCall(t *testing.T) {
	registry := hostfunc.NewRegistry()
	registry.Register("greet", func(ctx context.Context, args map[string]any) (any, error) {
		return "Hello, " + args["name"].(string), nil
	})
	p, r, _ := newProtocol(t, registry)

	p.Write([]byte("log line\n" + protocolPrefix + `{"fn":"greet","args":{"name":"Wasm"}}` + protocolSuffix + "after"))

	if got := readResponse(t, r); got.Data != "Hello, Wasm" || got.Error != "" {
		t.Errorf("unexpected response %+v", got)
	}
	if got := p.Stderr(); got != "log line\nafter" {
		t.Errorf("unexpected stderr %q", got)
	}
}

func TestProtocolSplitWrites(t *testing.T) {
	p, r, _ := newProtocol(t, hostfunc.NewRegistry())

	p.Write([]byte(protocolPrefix + `{"fn":"glo`))
	p.Write([]byte(`bal","args":{"name":"limit"}}` + protocolSuffix))

	if got := readResponse(t, r); got.Data != float64(10) {
		t.Errorf("unexpected response %+v", got)
	}
}

func TestProtocolResponseControls(t *testing.T) {
	p, r, resp := newProtocol(t, hostfunc.NewRegistry())

	p.Write([]byte(protocolPrefix + `{"fn":"status","args":{"code":201}}` + protocolSuffix))
	readResponse(t, r)
	p.Write([]byte(protocolPrefix + `{"fn":"header","args":{"name":"X-Lang","value":"wasm"}}` + protocolSuffix))
	readResponse(t, r)

	if resp.Status() != http.StatusCreated || resp.Header().Get("X-Lang") != "wasm" {
		t.Errorf("unexpected response %d %v", resp.Status(), resp.Header())
	}
}

func TestProtocolErrors(t *testing.T) {
	p, r, _ := newProtocol(t, hostfunc.NewRegistry())

	p.Write([]byte(protocolPrefix + `{"fn":"missing"}` + protocolSuffix))
	if got := readResponse(t, r); got.Error != "unknown function: missing" {
		t.Errorf("unexpected response %+v", got)
	}

	p.Write([]byte(protocolPrefix + `{broken` + protocolSuffix))
	if got := readResponse(t, r); got.Error != "invalid call format" {
		t.Errorf("unexpected response %+v", got)
	}
}

func TestProtocolRejectsInvalidStatus(t *testing.T) {
	p, r, resp := newProtocol(t, hostfunc.NewRegistry())

	p.Write([]byte(protocolPrefix + `{"fn":"status","args":{"code":42}}` + protocolSuffix))
	if got := readResponse(t, r); !strings.Contains(got.Error, "invalid status code") {
		t.Errorf("unexpected response %+v", got)
	}
	if resp.Status() != http.StatusOK {
		t.Errorf("status should be unchanged, got %d", resp.Status())
	}
}

func TestProtocolRejectsCyclicResult(t *testing.T) {
	registry := hostfunc.NewRegistry()
	registry.Register("loop", func(ctx context.Context, args map[string]any) (any, error) {
		m := map[string]any{}
		m["self"] = m
		return m, nil
	})
	p, r, _ := newProtocol(t, registry)

	p.Write([]byte(protocolPrefix + `{"fn":"loop"}` + protocolSuffix))
	if got := readResponse(t, r); !strings.Contains(got.Error, "nested deeper") {
		t.Errorf("unexpected response %+v", got)
	}
}
