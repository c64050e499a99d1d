package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/caffeineduck/gorute/config"
	"github.com/caffeineduck/gorute/executor"
	"github.com/caffeineduck/gorute/host"
	"github.com/caffeineduck/gorute/hostfunc"
	"github.com/caffeineduck/gorute/language"
	"github.com/caffeineduck/gorute/route"
	"github.com/caffeineduck/gorute/session"
	"go.uber.org/zap"
)

// unreachable backs short-circuit routes, which never invoke their handler.
var unreachable = executor.HandlerFunc(func(context.Context, *executor.Request, *executor.Response) error {
	return nil
})

// compilers builds every language with the config's language settings.
func compilers(cfg *config.Config, logger *zap.Logger) ([]executor.Compiler, error) {
	opts := []language.Option{
		language.WithLogger(logger.Named("script")),
		language.WithStarlarkMaxSteps(cfg.Languages.StarlarkMaxSteps),
		language.WithWasmMemoryLimitPages(cfg.Languages.WasmMemoryPages),
	}
	if len(cfg.Languages.GoPackages) > 0 {
		opts = append(opts, language.WithGoPackages(cfg.Languages.GoPackages...))
	}
	if cfg.Languages.WasmCacheDir != "" {
		opts = append(opts, language.WithWasmDiskCache(cfg.Languages.WasmCacheDir))
	}
	return language.Builtin(opts...)
}

// buildHost creates a host from cfg and queues every configured route and
// probe. Nothing is compiled until Configure.
func buildHost(cfg *config.Config, logger *zap.Logger) (*host.Host, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cs, err := compilers(cfg, logger)
	if err != nil {
		return nil, err
	}

	store := hostfunc.NewStore(hostfunc.DefaultStoreConfig())
	for k, v := range cfg.Shared {
		if err := store.Set(k, v); err != nil {
			return nil, fmt.Errorf("shared %s: %w", k, err)
		}
	}

	mounts, err := cfg.FileMounts()
	if err != nil {
		return nil, err
	}

	var secret []byte
	if cfg.AntiForgery.Secret != "" {
		secret = []byte(cfg.AntiForgery.Secret)
	}

	h, err := host.New(host.Options{
		Logger:    logger,
		Compilers: cs,
		Executor: []executor.Option{
			executor.WithPoolSize(cfg.Pool.Min, cfg.Pool.Max),
			executor.WithCheckoutTimeout(cfg.GetCheckoutTimeout()),
			executor.WithTimeout(cfg.GetExecutionTimeout()),
		},
		Identity: session.Identity{
			Name:        cfg.Host.Name,
			Version:     cfg.Host.Version,
			Environment: cfg.Host.Environment,
		},
		Store:       store,
		Variables:   cfg.Variables,
		ImportPaths: cfg.ImportPaths,
		Startup:     cfg.Startup,
		HTTP: hostfunc.HTTPConfig{
			AllowedHosts:   cfg.HTTP.AllowedHosts,
			MaxBodySize:    cfg.HTTP.MaxBodyBytes,
			RequestTimeout: cfg.GetHTTPTimeout(),
			MaxRedirects:   cfg.HTTP.MaxRedirects,
		},
		Mounts:           mounts,
		MaxFileSize:      cfg.MaxFileBytes,
		ThrowOnDuplicate: cfg.Routing.ThrowOnDuplicate,
		AntiForgery: host.AntiForgeryOptions{
			Enabled: cfg.AntiForgery.Enabled,
			Secret:  secret,
			Header:  cfg.AntiForgery.Header,
			TTL:     cfg.GetAntiForgeryTTL(),
		},
		MaxBodyBytes:  cfg.MaxBodyBytes,
		ShutdownGrace: cfg.GetShutdownGrace(),
		ProbeTimeout:  cfg.GetExecutionTimeout(),
		Introspection: cfg.Introspection,
	})
	if err != nil {
		return nil, err
	}

	var errs []error
	for _, r := range cfg.Routes {
		meta := route.Metadata{
			Name:               r.Name,
			DisableAntiForgery: r.DisableAntiForgery,
			ShortCircuit:       r.ShortCircuit,
			ShortCircuitStatus: r.Status,
		}
		if r.ShortCircuit && r.Source == "" && r.File == "" {
			errs = append(errs, h.RegisterHandler(r.Pattern, r.Verbs, unreachable, meta))
			continue
		}
		src, err := cfg.RouteSource(r)
		if err != nil {
			errs = append(errs, fmt.Errorf("route %s: %w", r.Pattern, err))
			continue
		}
		errs = append(errs, h.RegisterScript(r.Pattern, r.Verbs, src, meta))
	}
	for _, p := range cfg.Probes {
		lang, code, err := cfg.Script(p.Language, p.Source, p.File)
		if err != nil {
			errs = append(errs, fmt.Errorf("probe %s: %w", p.Name, err))
			continue
		}
		src := executor.Source{Language: lang, Code: code, Name: p.Name}
		if err := h.AddScriptProbe(p.Name, src, p.GetTimeout(0)); err != nil {
			errs = append(errs, err)
		}
	}
	return h, errors.Join(errs...)
}
