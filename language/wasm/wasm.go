// Package wasm runs WASI command modules as handlers with wazero.
//
// A source is a module, raw or base64 encoded. Each invocation
// instantiates it with a CGI-style environment:
//
//	REQUEST_METHOD, PATH_INFO, QUERY_STRING, CONTENT_LENGTH,
//	HTTP_<HEADER>, PARAM_<NAME>, ARG_<NAME>
//
// The request body is the first CONTENT_LENGTH bytes of stdin and stdout
// is the response body. Host functions, template globals and the status
// and header controls are reached through the stderr call protocol.
package wasm

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/caffeineduck/gorute/executor"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"
)

var magic = []byte("\x00asm")

const wasiModule = wasi_snapshot_preview1.ModuleName

// Compiler compiles modules into a shared wazero runtime.
type Compiler struct {
	runtime wazero.Runtime
	cache   wazero.CompilationCache
	logger  *zap.Logger

	mu       sync.RWMutex
	compiled map[string]wazero.CompiledModule
	closed   bool
}

type config struct {
	diskCache        bool
	cacheDir         string
	memoryLimitPages uint32
	logger           *zap.Logger
}

// Option configures the Compiler.
type Option func(*config)

// WithDiskCache keeps compiled modules in dir between runs. An empty dir
// uses the user cache directory.
func WithDiskCache(dir string) Option {
	return func(c *config) {
		c.diskCache = true
		c.cacheDir = dir
	}
}

// WithMemoryLimitPages caps module memory in 64KiB pages.
func WithMemoryLimitPages(pages uint32) Option {
	return func(c *config) {
		c.memoryLimitPages = pages
	}
}

// WithLogger receives what modules write to stderr.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates the runtime and instantiates WASI into it.
func New(opts ...Option) (*Compiler, error) {
	cfg := config{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx := context.Background()

	var cache wazero.CompilationCache
	if cfg.diskCache {
		dir := cfg.cacheDir
		if dir == "" {
			dir = defaultCacheDir()
		}
		var err error
		cache, err = wazero.NewCompilationCacheWithDir(dir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
	}

	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cache != nil {
		rtConfig = rtConfig.WithCompilationCache(cache)
	}
	if cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(cfg.memoryLimitPages)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		if cache != nil {
			cache.Close(ctx)
		}
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}

	return &Compiler{
		runtime:  rt,
		cache:    cache,
		logger:   cfg.logger,
		compiled: make(map[string]wazero.CompiledModule),
	}, nil
}

func (c *Compiler) Language() executor.Language { return executor.Wasm }

func (c *Compiler) Compile(ctx context.Context, src executor.Source, env *executor.Env) (executor.Handler, error) {
	if strings.TrimSpace(src.Code) == "" {
		return nil, fmt.Errorf("wasm: %w", executor.ErrEmptySource)
	}

	var ds executor.Diagnostics
	binary, err := decode(src.Code)
	if err != nil {
		ds.Errorf(0, 0, "%s", err.Error())
		return nil, ds.Err(executor.Wasm)
	}
	if len(src.Imports) > 0 {
		ds.Errorf(0, 0, "wasm modules cannot import handler sources")
	}
	vars, err := argEnv(src.Args)
	if err != nil {
		ds.Errorf(0, 0, "%s", err.Error())
	}
	if err := env.Report(executor.Wasm, ds); err != nil {
		return nil, err
	}

	compiled, err := c.compile(ctx, binary)
	if err != nil {
		return nil, err
	}

	tmpl, err := env.Template(executor.Wasm)
	if err != nil {
		return nil, err
	}

	return &handler{
		runtime:  c.runtime,
		compiled: compiled,
		args:     vars,
		funcs:    tmpl.Functions(),
		globals:  tmpl.Globals(),
		logger:   env.Logger(),
	}, nil
}

// compile returns a cached module, compiling and validating it if needed.
func (c *Compiler) compile(ctx context.Context, binary []byte) (wazero.CompiledModule, error) {
	sum := sha256.Sum256(binary)
	key := hex.EncodeToString(sum[:])

	c.mu.RLock()
	if compiled, ok := c.compiled[key]; ok {
		c.mu.RUnlock()
		return compiled, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, errors.New("wasm: compiler is closed")
	}
	if compiled, ok := c.compiled[key]; ok {
		return compiled, nil
	}

	compiled, err := c.runtime.CompileModule(ctx, binary)
	if err != nil {
		var ds executor.Diagnostics
		ds.Errorf(0, 0, "%s", err.Error())
		return nil, ds.Err(executor.Wasm)
	}
	if err := validate(compiled); err != nil {
		compiled.Close(ctx)
		return nil, err
	}

	c.compiled[key] = compiled
	return compiled, nil
}

// validate accepts command modules that import nothing but WASI.
func validate(compiled wazero.CompiledModule) error {
	var ds executor.Diagnostics
	for _, fn := range compiled.ImportedFunctions() {
		module, name, _ := fn.Import()
		if module != wasiModule {
			ds.Errorf(0, 0, "import %s.%s is not provided", module, name)
		}
	}
	if _, ok := compiled.ExportedFunctions()["_start"]; !ok {
		ds.Errorf(0, 0, "module does not export _start")
	}
	return ds.Err(executor.Wasm)
}

// Close releases the runtime and every compiled module.
func (c *Compiler) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	if err := c.runtime.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if c.cache != nil {
		if err := c.cache.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func decode(code string) ([]byte, error) {
	if strings.HasPrefix(code, string(magic)) {
		return []byte(code), nil
	}
	binary, err := base64.StdEncoding.DecodeString(strings.TrimSpace(code))
	if err != nil {
		return nil, fmt.Errorf("source is neither a wasm binary nor base64: %w", err)
	}
	if !strings.HasPrefix(string(binary), string(magic)) {
		return nil, errors.New("decoded source is not a wasm binary")
	}
	return binary, nil
}

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "gorute")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "gorute")
	}
	return filepath.Join(os.TempDir(), "gorute-cache")
}
