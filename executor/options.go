package executor

import (
	"time"

	"github.com/caffeineduck/gorute/session"
	"go.uber.org/zap"
)

// DefaultFeature is the pool area for route handlers.
const DefaultFeature = "routes"

// Option configures the Executor at creation time.
type Option func(*config)

type config struct {
	minSize         int
	maxSize         int
	checkoutTimeout time.Duration
	execTimeout     time.Duration
	templates       session.Source
	compilers       []Compiler
	logger          *zap.Logger
}

func defaultConfig() config {
	return config{
		minSize:         1,
		maxSize:         4,
		checkoutTimeout: 30 * time.Second,
		execTimeout:     30 * time.Second,
		templates:       session.Empty,
		logger:          zap.NewNop(),
	}
}

// WithPoolSize sets the host-wide min and max instances per pool.
func WithPoolSize(min, max int) Option {
	return func(c *config) {
		c.minSize = min
		c.maxSize = max
	}
}

// WithCheckoutTimeout bounds how long an invocation waits for a runtime.
func WithCheckoutTimeout(d time.Duration) Option {
	return func(c *config) {
		c.checkoutTimeout = d
	}
}

// WithTimeout bounds every handler invocation. Zero disables the limit.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.execTimeout = d
	}
}

// WithTemplate sets where pools get their session template from.
func WithTemplate(src session.Source) Option {
	return func(c *config) {
		if src != nil {
			c.templates = src
		}
	}
}

// WithCompilers registers language strategies at creation.
func WithCompilers(cs ...Compiler) Option {
	return func(c *config) {
		c.compilers = append(c.compilers, cs...)
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// CompileOption configures one Compile call.
type CompileOption func(*feature)

type feature struct {
	name     string
	min, max int
}

// ForFeature places pooled-language runtimes in a separate pool area. A
// positive max sizes that area's pools independently of the host-wide
// size; the size of the first compilation for a language wins.
func ForFeature(name string, min, max int) CompileOption {
	return func(f *feature) {
		f.name = name
		f.min = min
		f.max = max
	}
}
