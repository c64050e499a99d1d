// Package language assembles the built-in compiler for every language tag.
package language

import (
	"fmt"

	"github.com/caffeineduck/gorute/executor"
	"github.com/caffeineduck/gorute/language/expr"
	"github.com/caffeineduck/gorute/language/golang"
	"github.com/caffeineduck/gorute/language/javascript"
	"github.com/caffeineduck/gorute/language/lua"
	"github.com/caffeineduck/gorute/language/starlark"
	"github.com/caffeineduck/gorute/language/wasm"
	"go.uber.org/zap"
)

// Option configures the built-in compilers.
type Option func(*config)

type config struct {
	logger           *zap.Logger
	goPackages       []string
	starlarkMaxSteps uint64
	wasmCacheDir     string
	wasmDiskCache    bool
	wasmMemoryPages  uint32
}

func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithGoPackages replaces the import allow-list of Go handlers.
func WithGoPackages(pkgs ...string) Option {
	return func(c *config) {
		c.goPackages = pkgs
	}
}

func WithStarlarkMaxSteps(n uint64) Option {
	return func(c *config) {
		c.starlarkMaxSteps = n
	}
}

// WithWasmDiskCache persists compiled modules under dir.
func WithWasmDiskCache(dir string) Option {
	return func(c *config) {
		c.wasmDiskCache = true
		c.wasmCacheDir = dir
	}
}

func WithWasmMemoryLimitPages(pages uint32) Option {
	return func(c *config) {
		c.wasmMemoryPages = pages
	}
}

// Builtin returns one compiler per tag in executor.Languages.
func Builtin(opts ...Option) ([]executor.Compiler, error) {
	cfg := config{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	named := func(lang executor.Language) *zap.Logger {
		return cfg.logger.Named(string(lang))
	}

	goOpts := []golang.Option{golang.WithLogger(named(executor.Go))}
	if cfg.goPackages != nil {
		goOpts = append(goOpts, golang.WithAllowedPackages(cfg.goPackages...))
	}

	wasmOpts := []wasm.Option{wasm.WithLogger(named(executor.Wasm))}
	if cfg.wasmDiskCache {
		wasmOpts = append(wasmOpts, wasm.WithDiskCache(cfg.wasmCacheDir))
	}
	if cfg.wasmMemoryPages > 0 {
		wasmOpts = append(wasmOpts, wasm.WithMemoryLimitPages(cfg.wasmMemoryPages))
	}
	wasmCompiler, err := wasm.New(wasmOpts...)
	if err != nil {
		return nil, fmt.Errorf("wasm: %w", err)
	}

	return []executor.Compiler{
		executor.Interpreted(lua.New(lua.WithLogger(named(executor.Lua)))),
		executor.Interpreted(javascript.New(javascript.WithLogger(named(executor.JavaScript)))),
		golang.New(goOpts...),
		starlark.New(starlark.WithLogger(named(executor.Starlark)), starlark.WithMaxSteps(cfg.starlarkMaxSteps)),
		expr.New(),
		wasmCompiler,
	}, nil
}
