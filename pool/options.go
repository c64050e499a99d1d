package pool

import (
	"time"

	"go.uber.org/zap"
)

// Option configures a Pool at creation time.
type Option func(*config)

type config struct {
	min             int
	max             int
	checkoutTimeout time.Duration
	logger          *zap.Logger
}

func defaultConfig() config {
	return config{
		min:             1,
		max:             4,
		checkoutTimeout: 30 * time.Second,
		logger:          zap.NewNop(),
	}
}

// WithSize sets the number of instances kept warm and the hard upper bound.
func WithSize(min, max int) Option {
	return func(c *config) {
		c.min = min
		c.max = max
	}
}

// WithCheckoutTimeout bounds how long Checkout waits for an idle instance.
// Zero means the caller's context is the only bound.
func WithCheckoutTimeout(d time.Duration) Option {
	return func(c *config) {
		c.checkoutTimeout = d
	}
}

// WithLogger sets the logger used for pool lifecycle events.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}
