package executor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/caffeineduck/gorute/pool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Executor dispatches sources to per-language compilers and owns the
// runtime pools of the pooled languages.
type Executor struct {
	cfg    config
	logger *zap.Logger

	mu        sync.RWMutex
	compilers map[Language]Compiler
	pools     map[poolKey]*pool.Pool
	draining  bool
	drainOnce sync.Once
	drainErr  error

	// creating collapses concurrent creation of the same pool; inflight
	// lets Drain wait for creations that started before it.
	creating singleflight.Group
	inflight sync.WaitGroup
}

type poolKey struct {
	lang    Language
	feature string
}

func (k poolKey) String() string { return string(k.lang) + "/" + k.feature }

// New creates an Executor. Compilers passed with WithCompilers are
// registered in order.
func New(opts ...Option) (*Executor, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxSize < 1 || cfg.minSize < 0 || cfg.minSize > cfg.maxSize {
		return nil, fmt.Errorf("%w: min=%d max=%d", pool.ErrInvalidSize, cfg.minSize, cfg.maxSize)
	}

	e := &Executor{
		cfg:       cfg,
		logger:    cfg.logger,
		compilers: make(map[Language]Compiler),
		pools:     make(map[poolKey]*pool.Pool),
	}
	for _, c := range cfg.compilers {
		if err := e.Register(c); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Register adds the strategy for one language.
func (e *Executor) Register(c Compiler) error {
	lang := c.Language()

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.compilers[lang]; ok {
		return fmt.Errorf("%s: %w", lang, ErrDuplicateCompiler)
	}
	e.compilers[lang] = c
	return nil
}

// Languages returns the registered tags in sorted order.
func (e *Executor) Languages() []Language {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Sorted(maps.Keys(e.compilers))
}

// Supports reports whether lang has a registered strategy.
func (e *Executor) Supports(lang Language) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.compilers[lang]
	return ok
}

// Compile produces a reusable handler for src. Unsupported languages and
// compilation errors are reported here, never at invocation time.
func (e *Executor) Compile(ctx context.Context, src Source, opts ...CompileOption) (Handler, error) {
	start := time.Now()

	f := feature{name: DefaultFeature}
	for _, opt := range opts {
		opt(&f)
	}

	e.mu.RLock()
	c, ok := e.compilers[src.Language]
	e.mu.RUnlock()
	if !ok {
		return nil, &UnsupportedLanguageError{Language: src.Language}
	}

	env := &Env{
		exec:    e,
		feature: f,
		logger:  e.logger.With(zap.String("language", string(src.Language)), zap.String("feature", f.name)),
	}

	if len(src.References) > 0 {
		tmpl, err := env.Template(src.Language)
		if err != nil {
			return nil, fmt.Errorf("build template: %w", err)
		}
		if err := CheckReferences(src.Language, src.References, tmpl); err != nil {
			return nil, err
		}
	}

	h, err := c.Compile(ctx, src, env)
	if err != nil {
		env.logger.Debug("compile failed", zap.String("source", src.Name), zap.Error(err))
		return nil, err
	}

	env.logger.Debug("compiled",
		zap.String("source", src.Name),
		zap.Duration("duration", time.Since(start)),
	)

	if e.cfg.execTimeout > 0 {
		h = timed{Handler: h, timeout: e.cfg.execTimeout}
	}
	return h, nil
}

// pool returns the pool for (lang, feature), creating and warming it once.
// Creating one pool does not block lookups or creation of other pools.
func (e *Executor) pool(ctx context.Context, lang Language, f feature, factory RuntimeFactory) (*pool.Pool, error) {
	key := poolKey{lang: lang, feature: f.name}

	e.mu.RLock()
	p, ok := e.pools[key]
	draining := e.draining
	e.mu.RUnlock()
	if ok {
		return p, nil
	}
	if draining {
		return nil, pool.ErrDraining
	}

	ch := e.creating.DoChan(key.String(), func() (any, error) {
		return e.createPool(ctx, key, f, factory)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*pool.Pool), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Executor) createPool(ctx context.Context, key poolKey, f feature, factory RuntimeFactory) (*pool.Pool, error) {
	e.mu.Lock()
	if p, ok := e.pools[key]; ok {
		e.mu.Unlock()
		return p, nil
	}
	if e.draining {
		e.mu.Unlock()
		return nil, pool.ErrDraining
	}
	e.inflight.Add(1)
	e.mu.Unlock()
	defer e.inflight.Done()

	tmpl, err := e.cfg.templates.Build(string(key.lang))
	if err != nil {
		return nil, fmt.Errorf("build template: %w", err)
	}

	minSize, maxSize := e.cfg.minSize, e.cfg.maxSize
	if f.max > 0 {
		minSize, maxSize = f.min, f.max
	}

	p, err := pool.New(key.String(),
		func(ctx context.Context) (pool.Instance, error) {
			rt, err := factory(ctx, tmpl)
			if err != nil {
				return nil, err
			}
			return rt, nil
		},
		pool.WithSize(minSize, maxSize),
		pool.WithCheckoutTimeout(e.cfg.checkoutTimeout),
		pool.WithLogger(e.logger),
	)
	if err != nil {
		return nil, err
	}

	if err := p.Warm(ctx); err != nil {
		p.Drain(context.Background())
		return nil, fmt.Errorf("warm %s: %w", key, err)
	}

	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		p.Drain(context.Background())
		return nil, pool.ErrDraining
	}
	e.pools[key] = p
	e.mu.Unlock()

	e.logger.Info("pool created",
		zap.String("pool", key.String()),
		zap.Int("min", minSize),
		zap.Int("max", maxSize),
		zap.Uint64("shared_version", tmpl.SharedVersion()),
	)
	return p, nil
}

// Pools returns a snapshot of every pool's statistics, sorted by name.
func (e *Executor) Pools() []pool.Stats {
	e.mu.RLock()
	pools := slices.Collect(maps.Values(e.pools))
	e.mu.RUnlock()

	stats := make([]pool.Stats, 0, len(pools))
	for _, p := range pools {
		stats = append(stats, p.Stats())
	}
	slices.SortFunc(stats, func(a, b pool.Stats) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return stats
}

// Drain stops every pool and disposes all runtimes, then closes compilers
// that hold resources of their own. Later calls return the first result; no
// new pools are created afterwards.
func (e *Executor) Drain(ctx context.Context) error {
	e.drainOnce.Do(func() {
		e.mu.Lock()
		e.draining = true
		e.mu.Unlock()
		e.inflight.Wait()

		e.mu.RLock()
		pools := slices.Collect(maps.Values(e.pools))
		compilers := slices.Collect(maps.Values(e.compilers))
		e.mu.RUnlock()

		errs := make([]error, len(pools))
		var g errgroup.Group
		for i, p := range pools {
			g.Go(func() error {
				errs[i] = p.Drain(ctx)
				return nil
			})
		}
		g.Wait()

		for _, c := range compilers {
			if closer, ok := c.(interface{ Close(context.Context) error }); ok {
				errs = append(errs, closer.Close(ctx))
			}
		}

		e.drainErr = errors.Join(errs...)
		e.logger.Info("executor drained", zap.Int("pools", len(pools)), zap.Error(e.drainErr))
	})
	return e.drainErr
}
