package wasm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/caffeineduck/gorute/executor"
	"github.com/caffeineduck/gorute/hostfunc"
	"github.com/caffeineduck/gorute/session"
)

// Host calls travel over stderr as \x00GORUTE:{json}\x00 and are answered
// with one JSON line on stdin, after the request body.
const (
	protocolPrefix = "\x00GORUTE:"
	protocolSuffix = "\x00"
)

type callRequest struct {
	Fn   string         `json:"fn"`
	Args map[string]any `json:"args"`
}

type callResponse struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// protocol intercepts stderr. Plain output passes through to stderr; calls
// are answered from the template or handled as response controls.
type protocol struct {
	ctx     context.Context
	funcs   map[string]hostfunc.Func
	globals map[string]any
	resp    *executor.Response
	stdin   *io.PipeWriter
	ready   <-chan struct{}

	mu     sync.Mutex
	buf    bytes.Buffer
	stderr bytes.Buffer
}

func (p *protocol) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.buf.Write(data)
	for {
		content := p.buf.String()
		start := strings.Index(content, protocolPrefix)
		if start == -1 {
			p.stderr.WriteString(content)
			p.buf.Reset()
			break
		}
		p.stderr.WriteString(content[:start])

		rest := content[start+len(protocolPrefix):]
		end := strings.Index(rest, protocolSuffix)
		if end == -1 {
			p.buf.Reset()
			p.buf.WriteString(content[start:])
			break
		}
		p.buf.Reset()
		p.buf.WriteString(rest[end+len(protocolSuffix):])

		var req callRequest
		if err := json.Unmarshal([]byte(rest[:end]), &req); err != nil {
			p.respond(callResponse{Error: "invalid call format"})
			continue
		}
		p.respond(p.handle(req))
	}
	return len(data), nil
}

func (p *protocol) respond(resp callResponse) {
	data, _ := json.Marshal(resp)
	go func() {
		<-p.ready
		p.stdin.Write(append(data, '\n'))
	}()
}

func (p *protocol) handle(req callRequest) callResponse {
	switch req.Fn {
	case "status":
		code, err := strconv.Atoi(toString(req.Args["code"]))
		if err != nil {
			return callResponse{Error: "status: code must be a number"}
		}
		if err := p.resp.SetStatus(code); err != nil {
			return callResponse{Error: "status: " + err.Error()}
		}
		return callResponse{Data: true}
	case "header":
		p.resp.Header().Set(toString(req.Args["name"]), toString(req.Args["value"]))
		return callResponse{Data: true}
	case "global":
		return callResponse{Data: session.Normalize(p.globals[toString(req.Args["name"])])}
	}

	fn, ok := p.funcs[req.Fn]
	if !ok {
		return callResponse{Error: "unknown function: " + req.Fn}
	}
	if req.Args == nil {
		req.Args = map[string]any{}
	}
	result, err := fn(p.ctx, req.Args)
	if err != nil {
		return callResponse{Error: err.Error()}
	}
	out, err := session.Convert(result)
	if err != nil {
		return callResponse{Error: err.Error()}
	}
	return callResponse{Data: out}
}

// Stderr returns what the module wrote outside of calls.
func (p *protocol) Stderr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stderr.String()
}

func toString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	}
	data, _ := json.Marshal(v)
	return string(data)
}
