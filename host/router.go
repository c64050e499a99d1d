package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/caffeineduck/gorute/executor"
	"github.com/caffeineduck/gorute/pool"
	"github.com/caffeineduck/gorute/route"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const TraceHeader = "X-Trace-Id"

// statusClientClosed is logged when the client goes away mid-request.
const statusClientClosed = 499

// chained carries the middleware in effect when its route was registered.
type chained struct {
	executor.Handler
	chain []namedMiddleware
}

func (h *Host) registerScript(ctx context.Context, pattern string, verbs []string, src executor.Source, meta route.Metadata) error {
	handler, err := h.exec.Compile(ctx, src)
	if err != nil {
		var ce *executor.CompilationError
		if errors.As(err, &ce) {
			for _, d := range ce.Errors() {
				h.logger.Warn("compile diagnostic", zap.String("pattern", pattern), zap.Stringer("diagnostic", d))
			}
		}
		return err
	}
	meta.Language = src.Language
	if meta.Name == "" {
		meta.Name = src.Name
	}
	return h.mount(pattern, verbs, handler, meta)
}

func (h *Host) mount(pattern string, verbs []string, handler executor.Handler, meta route.Metadata) error {
	for _, verb := range verbs {
		if err := checkPattern(verb, pattern); err != nil {
			return err
		}
	}

	h.mu.Lock()
	chain := slices.Clone(h.middleware)
	h.mu.Unlock()

	routes, err := h.routes.Register(pattern, verbs, &chained{Handler: handler, chain: chain}, meta)
	if err != nil {
		return err
	}
	for _, rt := range routes {
		h.logger.Debug("route mounted",
			zap.String("verb", rt.Verb),
			zap.String("pattern", rt.Pattern),
			zap.String("language", string(rt.Metadata.Language)),
		)
	}
	return nil
}

// checkPattern rejects patterns chi would panic on.
func checkPattern(verb, pattern string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %s %s: %v", route.ErrInvalidRoute, verb, pattern, p)
		}
	}()
	if pattern == "" || pattern[0] != '/' {
		return fmt.Errorf("%w: pattern %q must start with /", route.ErrInvalidRoute, pattern)
	}
	registerMethod(verb)
	chi.NewRouter().Method(verb, pattern, http.NotFoundHandler())
	return nil
}

func registerMethod(verb string) {
	switch verb {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodConnect, http.MethodOptions, http.MethodTrace:
	default:
		chi.RegisterMethod(verb)
	}
}

// rebuild swaps in a router built from the current registry. Before the
// host is configured the final rebuild happens in Configure.
func (h *Host) rebuild() {
	if h.State() < Configured {
		return
	}

	h.buildMu.Lock()
	defer h.buildMu.Unlock()

	mux := chi.NewRouter()
	mux.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, Problem{Status: http.StatusNotFound, Detail: "no route for " + r.URL.Path})
	})
	mux.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, Problem{Status: http.StatusMethodNotAllowed, Detail: r.Method + " is not allowed for " + r.URL.Path})
	})

	routes := h.routes.Routes()
	for _, rt := range routes {
		var next http.Handler = h.adapter(rt)
		if c, ok := rt.Handler.(*chained); ok {
			for i := len(c.chain) - 1; i >= 0; i-- {
				next = c.chain[i].mw(next)
			}
		}
		registerMethod(rt.Verb)
		mux.Method(rt.Verb, rt.Pattern, h.guard(rt, next))
	}

	h.router.Store(mux)
	h.logger.Debug("router rebuilt", zap.Int("routes", len(routes)))
}

// guard runs ahead of the route's middleware: it stamps the trace id and
// applies short-circuit and anti-forgery settings.
func (h *Host) guard(rt *route.Route, next http.Handler) http.HandlerFunc {
	meta := rt.Metadata

	return func(w http.ResponseWriter, r *http.Request) {
		traceID := uuid.NewString()
		w.Header().Set(TraceHeader, traceID)

		if meta.ShortCircuit {
			w.WriteHeader(cmpStatus(meta.ShortCircuitStatus, http.StatusOK))
			return
		}

		if h.af != nil && !meta.DisableAntiForgery && route.IsUnsafe(r.Method) {
			if err := h.af.Validate(r); err != nil {
				h.logger.Info("anti-forgery rejected",
					zap.String("route", rt.Verb+" "+rt.Pattern),
					zap.String("trace_id", traceID),
					zap.Error(err),
				)
				writeProblem(w, Problem{Status: http.StatusBadRequest, Detail: err.Error(), TraceID: traceID})
				return
			}
		}
		next.ServeHTTP(w, r)
	}
}

// adapter runs the route's handler into a buffer and maps failures to
// problem responses.
func (h *Host) adapter(rt *route.Route) http.HandlerFunc {
	logger := h.logger.With(zap.String("route", rt.Verb+" "+rt.Pattern))

	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		traceID := w.Header().Get(TraceHeader)

		fail := func(status int, detail string) {
			writeProblem(w, Problem{Status: status, Detail: detail, TraceID: traceID})
		}

		if h.opts.MaxBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes)
		}
		req, err := executor.NewRequest(r, params(r), 0)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				fail(http.StatusRequestEntityTooLarge, fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit))
				return
			}
			fail(http.StatusBadRequest, "could not read body")
			return
		}

		resp := executor.NewResponse()
		err = invoke(r.Context(), rt, req, resp)
		fields := []zap.Field{
			zap.String("trace_id", traceID),
			zap.Duration("duration", time.Since(start)),
		}

		var fault *executor.RuntimeFault
		switch {
		case err == nil:
			if _, err := resp.FlushTo(w); err != nil {
				logger.Debug("write response", append(fields, zap.Error(err))...)
			}
			logger.Debug("handled", append(fields, zap.Int("status", resp.Status()))...)
		case errors.Is(err, pool.ErrExhausted):
			logger.Warn("no runtime available", append(fields, zap.Error(err))...)
			w.Header().Set("Retry-After", "1")
			fail(http.StatusServiceUnavailable, "no runtime available")
		case errors.Is(err, pool.ErrDraining):
			fail(http.StatusServiceUnavailable, "host is shutting down")
		case r.Context().Err() != nil:
			logger.Info("client went away", append(fields, zap.Int("status", statusClientClosed))...)
		case errors.Is(err, context.DeadlineExceeded):
			logger.Warn("handler timed out", append(fields, zap.Error(err))...)
			fail(http.StatusGatewayTimeout, "handler timed out")
		case errors.As(err, &fault):
			logger.Error("handler fault", append(fields, zap.Error(err), zap.Bool("corrupted", fault.Corrupted))...)
			fail(http.StatusInternalServerError, "handler failed")
		default:
			logger.Error("handler error", append(fields, zap.Error(err))...)
			fail(http.StatusInternalServerError, "handler failed")
		}
	}
}

func invoke(ctx context.Context, rt *route.Route, req *executor.Request, resp *executor.Response) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &executor.RuntimeFault{Language: rt.Metadata.Language, Detail: fmt.Sprintf("panic: %v", p)}
		}
	}()
	if err := rt.Handler.Invoke(ctx, req, resp); err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return &executor.RuntimeFault{Language: rt.Metadata.Language, Detail: err.Error(), Cause: err}
	}
	return nil
}

func params(r *http.Request) map[string]string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil || len(rctx.URLParams.Keys) == 0 {
		return nil
	}
	out := make(map[string]string, len(rctx.URLParams.Keys))
	for i, k := range rctx.URLParams.Keys {
		out[k] = rctx.URLParams.Values[i]
	}
	return out
}

func cmpStatus(status, fallback int) int {
	if status < 100 || status > 999 {
		return fallback
	}
	return status
}

func (h *Host) servePools(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"languages": h.exec.Languages(),
		"pools":     h.exec.Pools(),
	})
}
