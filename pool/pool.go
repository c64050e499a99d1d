package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrExhausted is returned when no instance became available before the
	// checkout deadline.
	ErrExhausted = errors.New("pool exhausted")
	// ErrDraining is returned by Checkout once Drain has started.
	ErrDraining = errors.New("pool draining")
	// ErrInvalidSize is returned by New for impossible min/max combinations.
	ErrInvalidSize = errors.New("invalid pool size")
)

// Instance is a runtime owned by exactly one caller at a time.
// Implementations must be comparable; pointer types are.
type Instance interface {
	Close() error
}

// Corruptible is implemented by instances that can detect they were left
// in a state that is unsafe to reuse.
type Corruptible interface {
	Corrupted() bool
}

// Factory creates and warms a new instance.
type Factory func(ctx context.Context) (Instance, error)

// Stats is a point-in-time view of a pool.
type Stats struct {
	Name      string `json:"name"`
	Min       int    `json:"min"`
	Max       int    `json:"max"`
	Idle      int    `json:"idle"`
	Borrowed  int    `json:"borrowed"`
	Pending   int    `json:"pending"`
	Waiting   int    `json:"waiting"`
	Created   uint64 `json:"created"`
	Discarded uint64 `json:"discarded"`
	Draining  bool   `json:"draining"`
}

// Pool is a bounded set of instances with checkout/return semantics.
type Pool struct {
	name    string
	factory Factory
	cfg     config
	logger  *zap.Logger

	// ctx is canceled when draining starts so in-flight replacements stop.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	idle     []Instance
	borrowed map[Instance]struct{}
	pending  int
	waiting  int
	released chan struct{}
	draining bool
	drained  chan struct{}
	drainErr error

	created   atomic.Uint64
	discarded atomic.Uint64
}

// New creates an empty pool. No instance is created until Warm or Checkout.
func New(name string, factory Factory, opts ...Option) (*Pool, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if factory == nil {
		return nil, errors.New("pool factory required")
	}
	if cfg.max < 1 || cfg.min < 0 || cfg.min > cfg.max {
		return nil, fmt.Errorf("%w: min=%d max=%d", ErrInvalidSize, cfg.min, cfg.max)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		name:     name,
		factory:  factory,
		cfg:      cfg,
		logger:   cfg.logger.With(zap.String("pool", name)),
		ctx:      ctx,
		cancel:   cancel,
		borrowed: make(map[Instance]struct{}),
		released: make(chan struct{}),
		drained:  make(chan struct{}),
	}, nil
}

// Name returns the pool name given to New.
func (p *Pool) Name() string {
	return p.name
}

// Warm creates instances until the pool holds at least min of them.
func (p *Pool) Warm(ctx context.Context) error {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return ErrDraining
	}
	need := p.cfg.min - p.total()
	if need <= 0 {
		p.mu.Unlock()
		return nil
	}
	p.pending += need
	p.mu.Unlock()

	created := make([]Instance, need)
	g, gctx := errgroup.WithContext(ctx)
	for i := range need {
		g.Go(func() error {
			inst, err := p.create(gctx)
			if err != nil {
				return err
			}
			created[i] = inst
			return nil
		})
	}
	err := g.Wait()

	var orphans []Instance
	p.mu.Lock()
	p.pending -= need
	for _, inst := range created {
		if inst == nil {
			continue
		}
		if p.draining {
			orphans = append(orphans, inst)
			continue
		}
		p.idle = append(p.idle, inst)
	}
	p.broadcast()
	p.mu.Unlock()

	for _, inst := range orphans {
		p.dispose(inst, "drained during warm-up")
	}

	if err != nil {
		return fmt.Errorf("warm %s: %w", p.name, err)
	}
	p.logger.Debug("pool warmed", zap.Int("instances", need))
	return nil
}

// Checkout borrows an instance. It returns an idle instance when one
// exists, creates a new one while the pool is below max, and otherwise
// waits for a release until ctx ends or the checkout timeout elapses.
func (p *Pool) Checkout(ctx context.Context) (Instance, error) {
	if p.cfg.checkoutTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.checkoutTimeout)
		defer cancel()
	}

	for {
		p.mu.Lock()
		if p.draining {
			p.mu.Unlock()
			return nil, ErrDraining
		}

		if n := len(p.idle); n > 0 {
			inst := p.idle[n-1]
			p.idle[n-1] = nil
			p.idle = p.idle[:n-1]
			p.borrowed[inst] = struct{}{}
			p.mu.Unlock()
			return inst, nil
		}

		if p.total() < p.cfg.max {
			p.pending++
			p.mu.Unlock()
			return p.grow(ctx)
		}

		wait := p.released
		p.waiting++
		p.mu.Unlock()

		select {
		case <-wait:
			p.mu.Lock()
			p.waiting--
			p.mu.Unlock()
		case <-ctx.Done():
			p.mu.Lock()
			p.waiting--
			p.mu.Unlock()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s has all %d instances borrowed", ErrExhausted, p.name, p.cfg.max)
			}
			return nil, ctx.Err()
		}
	}
}

// grow creates an instance for a caller that already reserved a slot.
func (p *Pool) grow(ctx context.Context) (Instance, error) {
	inst, err := p.create(ctx)

	p.mu.Lock()
	p.pending--
	if err != nil {
		p.broadcast()
		p.mu.Unlock()
		return nil, fmt.Errorf("create instance for %s: %w", p.name, err)
	}
	if p.draining {
		p.broadcast()
		p.mu.Unlock()
		p.dispose(inst, "created while draining")
		return nil, ErrDraining
	}
	p.borrowed[inst] = struct{}{}
	total := p.total()
	p.mu.Unlock()

	p.logger.Debug("pool grew", zap.Int("total", total), zap.Int("max", p.cfg.max))
	return inst, nil
}

// Return hands a borrowed instance back. Corrupted instances are closed and
// replaced instead of becoming idle.
func (p *Pool) Return(inst Instance) {
	if inst == nil {
		return
	}
	if c, ok := inst.(Corruptible); ok && c.Corrupted() {
		p.release(inst, "corrupted")
		return
	}

	p.mu.Lock()
	if _, ok := p.borrowed[inst]; !ok {
		draining := p.draining
		p.mu.Unlock()
		p.unknownReturn(draining)
		return
	}
	delete(p.borrowed, inst)
	p.idle = append(p.idle, inst)
	p.broadcast()
	p.mu.Unlock()
}

// Discard removes a borrowed instance from the pool, closes it and starts a
// replacement.
func (p *Pool) Discard(inst Instance) {
	if inst == nil {
		return
	}
	p.release(inst, "discarded")
}

func (p *Pool) release(inst Instance, reason string) {
	p.mu.Lock()
	if _, ok := p.borrowed[inst]; !ok {
		draining := p.draining
		p.mu.Unlock()
		p.unknownReturn(draining)
		return
	}
	delete(p.borrowed, inst)
	replace := !p.draining
	if replace {
		p.pending++
	}
	p.broadcast()
	p.mu.Unlock()

	p.discarded.Add(1)
	p.dispose(inst, reason)
	p.logger.Info("instance discarded", zap.String("reason", reason), zap.Bool("replace", replace))

	if replace {
		go p.replace()
	}
}

func (p *Pool) replace() {
	inst, err := p.create(p.ctx)

	p.mu.Lock()
	p.pending--
	if err != nil {
		p.broadcast()
		p.mu.Unlock()
		return
	}
	if p.draining {
		p.broadcast()
		p.mu.Unlock()
		p.dispose(inst, "replacement finished while draining")
		return
	}
	p.idle = append(p.idle, inst)
	p.broadcast()
	p.mu.Unlock()
}

func (p *Pool) unknownReturn(draining bool) {
	if draining {
		// Abandoned instances were already closed by Drain.
		p.logger.Debug("late return after drain")
		return
	}
	p.logger.Warn("returned instance was not borrowed from this pool")
}

// Drain stops new checkouts, waits until every borrowed instance is returned
// or ctx ends, then closes all instances exactly once. Calling Drain again
// waits for the first call to finish and returns its result.
func (p *Pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	if p.draining {
		done := p.drained
		p.mu.Unlock()
		select {
		case <-done:
			p.mu.Lock()
			defer p.mu.Unlock()
			return p.drainErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.draining = true
	p.cancel()
	p.broadcast()
	p.mu.Unlock()

	start := time.Now()
	clean := p.awaitReturns(ctx)

	p.mu.Lock()
	victims := make([]Instance, 0, len(p.idle)+len(p.borrowed))
	victims = append(victims, p.idle...)
	abandoned := len(p.borrowed)
	for inst := range p.borrowed {
		victims = append(victims, inst)
	}
	p.idle = nil
	clear(p.borrowed)
	p.mu.Unlock()

	var errs []error
	for _, inst := range victims {
		if err := p.dispose(inst, "drain"); err != nil {
			errs = append(errs, err)
		}
	}

	if !clean {
		p.logger.Warn("drain grace period elapsed", zap.Int("abandoned", abandoned))
	}
	p.logger.Info("pool drained",
		zap.Int("disposed", len(victims)),
		zap.Duration("took", time.Since(start)))

	p.mu.Lock()
	p.drainErr = errors.Join(errs...)
	close(p.drained)
	err := p.drainErr
	p.mu.Unlock()
	return err
}

// awaitReturns blocks until nothing is borrowed or being created.
// It reports false when ctx ended first.
func (p *Pool) awaitReturns(ctx context.Context) bool {
	for {
		p.mu.Lock()
		if len(p.borrowed) == 0 && p.pending == 0 {
			p.mu.Unlock()
			return true
		}
		wait := p.released
		p.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return false
		}
	}
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Name:      p.name,
		Min:       p.cfg.min,
		Max:       p.cfg.max,
		Idle:      len(p.idle),
		Borrowed:  len(p.borrowed),
		Pending:   p.pending,
		Waiting:   p.waiting,
		Created:   p.created.Load(),
		Discarded: p.discarded.Load(),
		Draining:  p.draining,
	}
}

func (p *Pool) create(ctx context.Context) (Instance, error) {
	start := time.Now()
	inst, err := p.factory(ctx)
	if err != nil {
		p.logger.Warn("instance creation failed", zap.Error(err))
		return nil, err
	}
	if inst == nil {
		return nil, errors.New("factory returned nil instance")
	}
	p.created.Add(1)
	p.logger.Debug("instance created", zap.Duration("took", time.Since(start)))
	return inst, nil
}

func (p *Pool) dispose(inst Instance, reason string) error {
	if err := inst.Close(); err != nil {
		p.logger.Warn("instance close failed", zap.String("reason", reason), zap.Error(err))
		return err
	}
	return nil
}

// total counts every instance the pool is accountable for. Caller holds p.mu.
func (p *Pool) total() int {
	return len(p.idle) + len(p.borrowed) + p.pending
}

// broadcast wakes every waiter. Caller holds p.mu.
func (p *Pool) broadcast() {
	close(p.released)
	p.released = make(chan struct{})
}
