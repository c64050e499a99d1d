// Package host serves scripted routes over HTTP.
//
// A Host moves through Unconfigured, Configuring, Configured, Running,
// Stopping and Stopped. Routes, middleware and probes added before
// Configured are queued and replayed in call order by Configure; afterwards
// routes are compiled and mounted immediately. Both paths run the same code.
//
//	h, _ := host.New(host.Options{})
//	h.RegisterScript("/hello", []string{"GET"}, executor.Source{
//	    Language: executor.Lua,
//	    Code:     `return "Hi"`,
//	}, route.Metadata{})
//	if err := h.Configure(ctx); err != nil { ... }
//	h.Start(ctx, ":8080")
//	defer h.Stop(ctx)
package host

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caffeineduck/gorute/executor"
	"github.com/caffeineduck/gorute/health"
	"github.com/caffeineduck/gorute/hostfunc"
	"github.com/caffeineduck/gorute/language"
	"github.com/caffeineduck/gorute/route"
	"github.com/caffeineduck/gorute/session"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Built-in endpoint paths.
const (
	TokenPath  = "/antiforgery/token"
	HealthPath = "/health"
	PoolsPath  = "/_gorute/pools"
)

type Middleware func(http.Handler) http.Handler

type Options struct {
	Logger *zap.Logger

	// Compilers defaults to language.Builtin.
	Compilers []executor.Compiler
	// Executor options are applied before the host's own.
	Executor []executor.Option

	Identity    session.Identity
	Store       *hostfunc.Store
	Functions   *hostfunc.Registry
	Variables   map[string]any
	ImportPaths []string
	Startup     map[string]string
	// HTTP enables http_request and http_get for its allowed hosts.
	HTTP hostfunc.HTTPConfig
	// Mounts enables the file_* functions; MaxFileSize bounds their reads
	// and writes.
	Mounts      []hostfunc.Mount
	MaxFileSize int64

	ThrowOnDuplicate bool
	AntiForgery      AntiForgeryOptions
	MaxBodyBytes     int64
	ShutdownGrace    time.Duration

	ProbeTimeout time.Duration
	// HealthPoolMin and HealthPoolMax size the pool scripted probes use.
	HealthPoolMin int
	HealthPoolMax int

	// Introspection exposes pool stats at PoolsPath.
	Introspection bool
}

type feature struct {
	kind  string
	name  string
	apply func(ctx context.Context) error
}

type namedMiddleware struct {
	name string
	mw   Middleware
}

type Host struct {
	opts    Options
	logger  *zap.Logger
	exec    *executor.Executor
	routes  *route.Registry
	health  *health.Checker
	af      *antiForgery
	builder *session.Builder
	files   *hostfunc.Files

	mu         sync.Mutex
	state      State
	queue      []feature
	middleware []namedMiddleware
	server     *http.Server
	listener   net.Listener

	buildMu sync.Mutex
	router  atomic.Pointer[chi.Mux]
}

func New(opts Options) (*Host, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 15 * time.Second
	}
	if opts.HealthPoolMax <= 0 {
		opts.HealthPoolMin, opts.HealthPoolMax = 0, 1
	}
	if opts.Store == nil {
		opts.Store = hostfunc.NewStore(hostfunc.DefaultStoreConfig())
	}

	compilers := opts.Compilers
	if len(compilers) == 0 {
		builtin, err := language.Builtin(language.WithLogger(logger.Named("script")))
		if err != nil {
			return nil, err
		}
		compilers = builtin
	}

	builder := &session.Builder{}
	execOpts := append(slices.Clone(opts.Executor),
		executor.WithCompilers(compilers...),
		executor.WithTemplate(builder),
		executor.WithLogger(logger.Named("executor")),
	)
	exec, err := executor.New(execOpts...)
	if err != nil {
		return nil, err
	}

	h := &Host{
		opts:    opts,
		logger:  logger,
		exec:    exec,
		routes:  route.New(route.Options{ThrowOnDuplicate: opts.ThrowOnDuplicate, Logger: logger.Named("routes")}),
		health:  health.New(opts.ProbeTimeout, logger.Named("health")),
		builder: builder,
	}
	if opts.AntiForgery.Enabled {
		if h.af, err = newAntiForgery(opts.AntiForgery); err != nil {
			return nil, fmt.Errorf("anti-forgery: %w", err)
		}
	}
	h.routes.OnChange(h.rebuild)
	return h, nil
}

func (h *Host) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Host) Executor() *executor.Executor { return h.exec }
func (h *Host) Routes() *route.Registry      { return h.routes }
func (h *Host) Health() *health.Checker      { return h.health }
func (h *Host) Store() *hostfunc.Store       { return h.opts.Store }

// BeginConfiguration fixes the template inputs every runtime is built from.
func (h *Host) BeginConfiguration() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != Unconfigured {
		return stateError("begin configuration", h.state)
	}

	funcs := hostfunc.NewRegistry()
	funcs.Register("time_now", hostfunc.TimeNow)
	h.opts.Store.Register(funcs)
	if len(h.opts.HTTP.AllowedHosts) > 0 {
		httpCfg := h.opts.HTTP
		if httpCfg.Logger == nil {
			httpCfg.Logger = h.logger.Named("http")
		}
		hostfunc.NewHTTP(httpCfg).Register(funcs)
	}
	if len(h.opts.Mounts) > 0 {
		files, err := hostfunc.NewFiles(hostfunc.FilesConfig{Mounts: h.opts.Mounts, MaxFileSize: h.opts.MaxFileSize})
		if err != nil {
			return err
		}
		h.files = files
		files.Register(funcs)
	}
	funcs.Merge(h.opts.Functions)

	h.builder.Identity = h.opts.Identity
	h.builder.Store = h.opts.Store
	h.builder.Variables = h.opts.Variables
	h.builder.Functions = funcs
	h.builder.ImportPaths = h.opts.ImportPaths
	h.builder.Startup = h.opts.Startup

	h.state = Configuring
	h.logger.Debug("configuration started", zap.Strings("functions", funcs.List()))
	return nil
}

// RegisterScript compiles src and mounts it for verbs. Before Configured the
// call is queued and its error is reported by Configure.
func (h *Host) RegisterScript(pattern string, verbs []string, src executor.Source, meta route.Metadata) error {
	return h.submit(feature{
		kind: "route",
		name: pattern,
		apply: func(ctx context.Context) error {
			return h.registerScript(ctx, pattern, verbs, src, meta)
		},
	})
}

// RegisterHandler mounts a native handler, deferred like RegisterScript.
func (h *Host) RegisterHandler(pattern string, verbs []string, handler executor.Handler, meta route.Metadata) error {
	return h.submit(feature{
		kind: "route",
		name: pattern,
		apply: func(ctx context.Context) error {
			return h.mount(pattern, verbs, handler, meta)
		},
	})
}

// Use adds middleware for every route registered after it, in call order.
// Middleware cannot be added once the host is configured.
func (h *Host) Use(name string, mw Middleware) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state >= Configured {
		return stateError("add middleware "+name, h.state)
	}
	h.queue = append(h.queue, feature{
		kind: "middleware",
		name: name,
		apply: func(ctx context.Context) error {
			h.mu.Lock()
			h.middleware = append(h.middleware, namedMiddleware{name: name, mw: mw})
			h.mu.Unlock()
			return nil
		},
	})
	return nil
}

// AddProbe registers a native probe, deferred like routes.
func (h *Host) AddProbe(p health.Probe) error {
	return h.submit(feature{
		kind:  "probe",
		name:  p.Name,
		apply: func(ctx context.Context) error { return h.health.Add(p) },
	})
}

// AddScriptProbe compiles src in the health pool and registers it.
func (h *Host) AddScriptProbe(name string, src executor.Source, timeout time.Duration) error {
	return h.submit(feature{
		kind: "probe",
		name: name,
		apply: func(ctx context.Context) error {
			p, err := health.ScriptProbe(ctx, h.exec, name, src, timeout, h.opts.HealthPoolMin, h.opts.HealthPoolMax)
			if err != nil {
				return err
			}
			return h.health.Add(p)
		},
	})
}

// RemoveRoute drops one registration from the live router.
func (h *Host) RemoveRoute(pattern, verb string) bool {
	return h.routes.Remove(pattern, verb)
}

func (h *Host) submit(f feature) error {
	h.mu.Lock()
	switch state := h.state; state {
	case Unconfigured, Configuring:
		h.queue = append(h.queue, f)
		h.mu.Unlock()
		return nil
	case Configured, Running:
		h.mu.Unlock()
		return f.apply(context.Background())
	default:
		h.mu.Unlock()
		return stateError("register "+f.kind+" "+f.name, state)
	}
}

// Configure replays the queue in call order and builds the router. Failed
// features are left out and their errors joined; the host still becomes
// Configured.
func (h *Host) Configure(ctx context.Context) error {
	if h.State() == Unconfigured {
		if err := h.BeginConfiguration(); err != nil {
			return err
		}
	}

	h.mu.Lock()
	if h.state != Configuring {
		state := h.state
		h.mu.Unlock()
		return stateError("configure", state)
	}
	h.mu.Unlock()

	errs := h.mountBuiltins()

	for {
		h.mu.Lock()
		queue := h.queue
		h.queue = nil
		if len(queue) == 0 {
			h.state = Configured
			h.mu.Unlock()
			break
		}
		h.mu.Unlock()

		for _, f := range queue {
			if err := f.apply(ctx); err != nil {
				h.logger.Error("feature failed", zap.String("kind", f.kind), zap.String("name", f.name), zap.Error(err))
				errs = append(errs, fmt.Errorf("%s %s: %w", f.kind, f.name, err))
			}
		}
	}

	h.rebuild()
	h.logger.Info("host configured",
		zap.Int("routes", h.routes.Len()),
		zap.Int("probes", len(h.health.Names())),
		zap.Int("failed", len(errs)),
	)
	return errors.Join(errs...)
}

func (h *Host) mountBuiltins() []error {
	builtin := route.Metadata{DisableAntiForgery: true, Tags: []string{"builtin"}}
	var errs []error

	if h.af != nil {
		meta := builtin
		meta.Name = "antiforgery-token"
		errs = append(errs, h.mount(TokenPath, []string{http.MethodGet}, executor.Native(h.af), meta))
	}

	meta := builtin
	meta.Name = "health"
	errs = append(errs, h.mount(HealthPath, []string{http.MethodGet}, executor.Native(h.health), meta))

	if h.opts.Introspection {
		meta := builtin
		meta.Name = "pools"
		errs = append(errs, h.mount(PoolsPath, []string{http.MethodGet}, executor.Native(http.HandlerFunc(h.servePools)), meta))
	}

	var out []error
	for _, err := range errs {
		if err != nil {
			out = append(out, err)
		}
	}
	return out
}

// Handler serves the current router. Before Configure it answers 503.
func (h *Host) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mux := h.router.Load()
		if mux == nil {
			writeProblem(w, Problem{Status: http.StatusServiceUnavailable, Detail: "host is not configured"})
			return
		}
		mux.ServeHTTP(w, r)
	})
}

// Start listens on addr and serves in the background.
func (h *Host) Start(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv, err := h.begin(ln)
	if err != nil {
		ln.Close()
		return err
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Serve blocks serving l until Stop.
func (h *Host) Serve(l net.Listener) error {
	srv, err := h.begin(l)
	if err != nil {
		return err
	}
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (h *Host) begin(l net.Listener) (*http.Server, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != Configured {
		return nil, stateError("start", h.state)
	}
	h.server = &http.Server{
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(h.logger.Named("http")),
	}
	h.listener = l
	h.state = Running
	h.logger.Info("host running", zap.String("addr", l.Addr().String()))
	return h.server, nil
}

// Addr is the listening address while running.
func (h *Host) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Stop shuts the server down and drains every pool, both bounded by the
// shutdown grace period. Stopping a stopped host is a no-op.
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	if h.state >= Stopping {
		h.mu.Unlock()
		return nil
	}
	h.state = Stopping
	srv := h.server
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, h.opts.ShutdownGrace)
	defer cancel()

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown: %w", err))
			srv.Close()
		}
	}
	if err := h.exec.Drain(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain: %w", err))
	}
	if h.files != nil {
		errs = append(errs, h.files.Close())
	}

	h.mu.Lock()
	h.state = Stopped
	h.mu.Unlock()

	err := errors.Join(errs...)
	h.logger.Info("host stopped", zap.Error(err))
	return err
}
