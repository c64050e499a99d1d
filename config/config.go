// Package config loads the YAML host configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/caffeineduck/gorute/executor"
	"github.com/caffeineduck/gorute/hostfunc"
	"github.com/caffeineduck/gorute/logging"
	"gopkg.in/yaml.v3"
)

// Config is the complete host configuration.
type Config struct {
	Listen        string         `yaml:"listen"`
	ShutdownGrace string         `yaml:"shutdown_grace"`
	MaxBodyBytes  int64          `yaml:"max_body_bytes"`
	Introspection bool           `yaml:"introspection"`
	Log           logging.Config `yaml:"log"`

	Host      HostConfig      `yaml:"host"`
	Pool      PoolConfig      `yaml:"pool"`
	Execution ExecutionConfig `yaml:"execution"`

	AntiForgery AntiForgeryConfig `yaml:"antiforgery"`
	Routing     RoutingConfig     `yaml:"routing"`
	HTTP        HTTPConfig        `yaml:"http"`
	Languages   LanguagesConfig   `yaml:"languages"`

	// Mounts expose host directories to the file_* functions.
	Mounts       []MountConfig `yaml:"mounts,omitempty"`
	MaxFileBytes int64         `yaml:"max_file_bytes,omitempty"`

	// Variables are bound in every runtime; Shared seeds the shared store.
	Variables   map[string]any    `yaml:"variables,omitempty"`
	Shared      map[string]any    `yaml:"shared,omitempty"`
	ImportPaths []string          `yaml:"import_paths,omitempty"`
	Startup     map[string]string `yaml:"startup,omitempty"`

	Routes []RouteConfig `yaml:"routes,omitempty"`
	Probes []ProbeConfig `yaml:"probes,omitempty"`

	// dir resolves relative file references; set by Load.
	dir string
}

type HostConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

type PoolConfig struct {
	Min             int    `yaml:"min"`
	Max             int    `yaml:"max"`
	CheckoutTimeout string `yaml:"checkout_timeout"`
}

type ExecutionConfig struct {
	Timeout string `yaml:"timeout"`
}

type AntiForgeryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Secret  string `yaml:"secret,omitempty"`
	Header  string `yaml:"header"`
	TTL     string `yaml:"ttl"`
}

type RoutingConfig struct {
	ThrowOnDuplicate bool `yaml:"throw_on_duplicate"`
}

// HTTPConfig enables the http_request host function for the listed hosts.
type HTTPConfig struct {
	AllowedHosts []string `yaml:"allowed_hosts,omitempty"`
	Timeout      string   `yaml:"timeout"`
	MaxBodyBytes int64    `yaml:"max_body_bytes"`
	MaxRedirects int      `yaml:"max_redirects,omitempty"`
}

type LanguagesConfig struct {
	GoPackages       []string `yaml:"go_packages,omitempty"`
	StarlarkMaxSteps uint64   `yaml:"starlark_max_steps"`
	WasmCacheDir     string   `yaml:"wasm_cache_dir,omitempty"`
	WasmMemoryPages  uint32   `yaml:"wasm_memory_pages"`
}

type MountConfig struct {
	Path string `yaml:"path"`
	Dir  string `yaml:"dir"`
	Mode string `yaml:"mode"` // ro, rw or rwc; empty is ro
}

// RouteConfig is one scripted route. Source and File are exclusive.
type RouteConfig struct {
	Name               string         `yaml:"name,omitempty"`
	Pattern            string         `yaml:"pattern"`
	Verbs              []string       `yaml:"verbs"`
	Language           string         `yaml:"language,omitempty"`
	Source             string         `yaml:"source,omitempty"`
	File               string         `yaml:"file,omitempty"`
	Args               map[string]any `yaml:"args,omitempty"`
	Imports            []string       `yaml:"imports,omitempty"`
	References         []string       `yaml:"references,omitempty"`
	DisableAntiForgery bool           `yaml:"disable_antiforgery,omitempty"`
	ShortCircuit       bool           `yaml:"short_circuit,omitempty"`
	Status             int            `yaml:"status,omitempty"`
}

// ProbeConfig is one scripted health probe.
type ProbeConfig struct {
	Name     string `yaml:"name"`
	Language string `yaml:"language,omitempty"`
	Source   string `yaml:"source,omitempty"`
	File     string `yaml:"file,omitempty"`
	Timeout  string `yaml:"timeout,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Listen:        ":8080",
		ShutdownGrace: "15s",
		MaxBodyBytes:  10 << 20,
		Log:           logging.Config{Level: "info", Format: "json"},
		Host: HostConfig{
			Name:        "gorute",
			Environment: "production",
		},
		Pool: PoolConfig{
			Min:             1,
			Max:             4,
			CheckoutTimeout: "30s",
		},
		Execution: ExecutionConfig{Timeout: "30s"},
		AntiForgery: AntiForgeryConfig{
			Header: "X-XSRF-TOKEN",
			TTL:    "1h",
		},
		HTTP: HTTPConfig{Timeout: "30s"},
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	cfg.dir = filepath.Dir(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GORUTE_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("GORUTE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("GORUTE_XSRF_SECRET"); v != "" {
		c.AntiForgery.Secret = v
		c.AntiForgery.Enabled = true
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error

	if c.Pool.Max < 1 || c.Pool.Min < 0 || c.Pool.Min > c.Pool.Max {
		errs = append(errs, fmt.Errorf("pool: invalid size min=%d max=%d", c.Pool.Min, c.Pool.Max))
	}
	for name, value := range map[string]string{
		"shutdown_grace":        c.ShutdownGrace,
		"pool.checkout_timeout": c.Pool.CheckoutTimeout,
		"execution.timeout":     c.Execution.Timeout,
		"antiforgery.ttl":       c.AntiForgery.TTL,
		"http.timeout":          c.HTTP.Timeout,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}

	seen := map[string]bool{}
	for n, r := range c.Routes {
		where := fmt.Sprintf("routes[%d] %s", n, r.Pattern)
		if !strings.HasPrefix(r.Pattern, "/") {
			errs = append(errs, fmt.Errorf("%s: pattern must start with /", where))
		}
		if len(r.Verbs) == 0 {
			errs = append(errs, fmt.Errorf("%s: no verbs", where))
		}
		if r.ShortCircuit {
			if r.Status < 100 || r.Status > 599 {
				errs = append(errs, fmt.Errorf("%s: short_circuit needs a status", where))
			}
		} else if err := checkSource(r.Source, r.File); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", where, err))
		}
		for _, v := range r.Verbs {
			key := strings.ToUpper(v) + " " + strings.ToLower(r.Pattern)
			if seen[key] && c.Routing.ThrowOnDuplicate {
				errs = append(errs, fmt.Errorf("%s: duplicate %s", where, strings.ToUpper(v)))
			}
			seen[key] = true
		}
	}
	if _, err := c.FileMounts(); err != nil {
		errs = append(errs, err)
	}
	for n, p := range c.Probes {
		where := fmt.Sprintf("probes[%d] %s", n, p.Name)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name required", where))
		}
		if err := checkSource(p.Source, p.File); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", where, err))
		}
	}

	return errors.Join(errs...)
}

func checkSource(source, file string) error {
	switch {
	case source == "" && file == "":
		return errors.New("source or file required")
	case source != "" && file != "":
		return errors.New("source and file are exclusive")
	}
	return nil
}

// Script resolves the language and code of an inline or file source. The
// language comes from the file extension when not given.
func (c *Config) Script(language, source, file string) (executor.Language, string, error) {
	code := source
	if file != "" {
		path := file
		if !filepath.IsAbs(path) {
			path = filepath.Join(c.dir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", "", fmt.Errorf("failed to read script: %w", err)
		}
		code = string(data)
	}

	if language != "" {
		lang, err := executor.ParseLanguage(language)
		return lang, code, err
	}
	if file != "" {
		if lang, ok := executor.LanguageForFile(file); ok {
			return lang, code, nil
		}
	}
	return "", "", fmt.Errorf("language not set and cannot be guessed from %q", file)
}

// RouteSource builds the executor source of r.
func (c *Config) RouteSource(r RouteConfig) (executor.Source, error) {
	lang, code, err := c.Script(r.Language, r.Source, r.File)
	if err != nil {
		return executor.Source{}, err
	}
	name := r.File
	if name == "" {
		name = r.Name
	}
	return executor.Source{
		Language:   lang,
		Code:       code,
		Name:       name,
		Args:       r.Args,
		Imports:    slices.Clone(r.Imports),
		References: slices.Clone(r.References),
	}, nil
}

// FileMounts converts the mount section, resolving directories relative to
// the config file.
func (c *Config) FileMounts() ([]hostfunc.Mount, error) {
	mounts := make([]hostfunc.Mount, 0, len(c.Mounts))
	for n, m := range c.Mounts {
		mode := hostfunc.MountReadOnly
		if m.Mode != "" {
			var err error
			if mode, err = hostfunc.ParseMountMode(m.Mode); err != nil {
				return nil, fmt.Errorf("mounts[%d]: %w", n, err)
			}
		}
		if !strings.HasPrefix(m.Path, "/") || m.Dir == "" {
			return nil, fmt.Errorf("mounts[%d]: path must start with / and dir is required", n)
		}
		dir := m.Dir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(c.dir, dir)
		}
		mounts = append(mounts, hostfunc.Mount{Path: m.Path, Dir: dir, Mode: mode})
	}
	return mounts, nil
}

// SetDir sets the directory relative file references resolve against.
func (c *Config) SetDir(dir string) { c.dir = dir }

func duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func (c *Config) GetShutdownGrace() time.Duration {
	return duration(c.ShutdownGrace, 15*time.Second)
}

func (c *Config) GetCheckoutTimeout() time.Duration {
	return duration(c.Pool.CheckoutTimeout, 30*time.Second)
}

// GetExecutionTimeout returns zero when execution.timeout is "0".
func (c *Config) GetExecutionTimeout() time.Duration {
	return duration(c.Execution.Timeout, 30*time.Second)
}

func (c *Config) GetAntiForgeryTTL() time.Duration {
	return duration(c.AntiForgery.TTL, time.Hour)
}

func (c *Config) GetHTTPTimeout() time.Duration {
	return duration(c.HTTP.Timeout, 30*time.Second)
}

// GetTimeout returns the timeout of p, or fallback.
func (p ProbeConfig) GetTimeout(fallback time.Duration) time.Duration {
	return duration(p.Timeout, fallback)
}
