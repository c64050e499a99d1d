package lua

import "go.uber.org/zap"

// Option configures the Interpreter.
type Option func(*config)

type config struct {
	callStackSize int
	registrySize  int
	logger        *zap.Logger
}

func defaultConfig() config {
	return config{
		callStackSize: 120,
		registrySize:  1024 * 20,
		logger:        zap.NewNop(),
	}
}

func WithCallStackSize(n int) Option {
	return func(c *config) {
		c.callStackSize = n
	}
}

func WithRegistrySize(n int) Option {
	return func(c *config) {
		c.registrySize = n
	}
}

// WithLogger receives the output of print.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}
