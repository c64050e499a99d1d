package executor

import (
	"context"
	"net/http"
	"time"
)

// Source is a script submitted for compilation. It is not modified after
// Compile receives it.
type Source struct {
	Language Language
	Code     string
	// Name identifies the source in logs and diagnostics, e.g. a file path.
	Name string
	// Args are bound as named values visible to the script.
	Args map[string]any
	// Imports are extra modules the script may load. Their meaning is
	// language specific.
	Imports []string
	// References name host functions the script requires. Compilation
	// fails when one is not bound.
	References []string
}

// Handler is a compiled, reusable request handler.
type Handler interface {
	Invoke(ctx context.Context, req *Request, resp *Response) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request, resp *Response) error

func (f HandlerFunc) Invoke(ctx context.Context, req *Request, resp *Response) error {
	return f(ctx, req, resp)
}

// Native adapts a net/http handler. The handler writes into the buffered
// Response and sees a request rebuilt from req.
func Native(h http.Handler) Handler {
	return HandlerFunc(func(ctx context.Context, req *Request, resp *Response) error {
		h.ServeHTTP(resp, req.HTTPRequest().WithContext(ctx))
		return nil
	})
}

// timed bounds every invocation of a handler.
type timed struct {
	Handler
	timeout time.Duration
}

func (t timed) Invoke(ctx context.Context, req *Request, resp *Response) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.Handler.Invoke(ctx, req, resp)
}
