package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeInstance detects overlapping use and counts closes.
type fakeInstance struct {
	id        int
	inUse     atomic.Int32
	closed    atomic.Int32
	corrupted atomic.Bool
	overlap   *atomic.Int32
}

func (f *fakeInstance) Close() error {
	f.closed.Add(1)
	return nil
}

func (f *fakeInstance) Corrupted() bool {
	return f.corrupted.Load()
}

func (f *fakeInstance) use(d time.Duration) {
	if f.inUse.Add(1) != 1 {
		f.overlap.Add(1)
	}
	time.Sleep(d)
	f.inUse.Add(-1)
}

type fakeFactory struct {
	mu        sync.Mutex
	instances []*fakeInstance
	overlap   atomic.Int32
	fail      atomic.Bool
}

func (f *fakeFactory) create(ctx context.Context) (Instance, error) {
	if f.fail.Load() {
		return nil, errors.New("factory failure")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	inst := &fakeInstance{id: len(f.instances), overlap: &f.overlap}
	f.instances = append(f.instances, inst)
	return inst, nil
}

func (f *fakeFactory) all() []*fakeInstance {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeInstance(nil), f.instances...)
}

func newTestPool(t *testing.T, f *fakeFactory, opts ...Option) *Pool {
	t.Helper()
	p, err := New("test", f.create, opts...)
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		p.Drain(ctx)
	})
	return p
}

// =============================================================================
// CONSTRUCTION
// =============================================================================

func TestNewRejectsInvalidSize(t *testing.T) {
	f := &fakeFactory{}
	cases := []struct{ min, max int }{
		{0, 0},
		{3, 2},
		{-1, 2},
	}
	for _, tc := range cases {
		if _, err := New("bad", f.create, WithSize(tc.min, tc.max)); !errors.Is(err, ErrInvalidSize) {
			t.Errorf("WithSize(%d, %d): expected ErrInvalidSize, got %v", tc.min, tc.max, err)
		}
	}
}

func TestNewRequiresFactory(t *testing.T) {
	if _, err := New("nil", nil); err == nil {
		t.Error("expected error for nil factory")
	}
}

func TestWarmCreatesMin(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, WithSize(3, 5))

	if err := p.Warm(context.Background()); err != nil {
		t.Fatalf("warm failed: %v", err)
	}

	stats := p.Stats()
	if stats.Idle != 3 {
		t.Errorf("expected 3 idle instances, got %d", stats.Idle)
	}
	if stats.Created != 3 {
		t.Errorf("expected 3 created, got %d", stats.Created)
	}

	// Warming again is a no-op.
	if err := p.Warm(context.Background()); err != nil {
		t.Fatalf("second warm failed: %v", err)
	}
	if got := p.Stats().Created; got != 3 {
		t.Errorf("expected no extra instances, got %d created", got)
	}
}

func TestWarmFactoryError(t *testing.T) {
	f := &fakeFactory{}
	f.fail.Store(true)
	p := newTestPool(t, f, WithSize(2, 2))

	if err := p.Warm(context.Background()); err == nil {
		t.Fatal("expected warm error")
	}
	if stats := p.Stats(); stats.Pending != 0 || stats.Idle != 0 {
		t.Errorf("expected empty pool after failed warm, got %+v", stats)
	}
}

// =============================================================================
// CHECKOUT / RETURN
// =============================================================================

func TestCheckoutReusesIdleInstance(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, WithSize(1, 2))

	first, err := p.Checkout(context.Background())
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	p.Return(first)

	second, err := p.Checkout(context.Background())
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	defer p.Return(second)

	if first != second {
		t.Error("expected idle instance to be reused")
	}
	if got := p.Stats().Created; got != 1 {
		t.Errorf("expected 1 instance created, got %d", got)
	}
}

func TestCheckoutNeverExceedsMax(t *testing.T) {
	const max = 3
	const callers = 12

	f := &fakeFactory{}
	p := newTestPool(t, f, WithSize(1, max), WithCheckoutTimeout(5*time.Second))

	var borrowed, peak atomic.Int32
	var wg sync.WaitGroup
	wg.Add(callers)

	for range callers {
		go func() {
			defer wg.Done()
			inst, err := p.Checkout(context.Background())
			if err != nil {
				t.Errorf("checkout failed: %v", err)
				return
			}
			n := borrowed.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			inst.(*fakeInstance).use(20 * time.Millisecond)
			borrowed.Add(-1)
			p.Return(inst)
		}()
	}
	wg.Wait()

	if got := peak.Load(); got > max {
		t.Errorf("borrowed peaked at %d, max is %d", got, max)
	}
	if got := len(f.all()); got > max {
		t.Errorf("created %d instances, max is %d", got, max)
	}
}

func TestCheckoutMutualExclusion(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, WithSize(1, 2), WithCheckoutTimeout(5*time.Second))

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 5 {
				inst, err := p.Checkout(context.Background())
				if err != nil {
					t.Errorf("checkout failed: %v", err)
					return
				}
				inst.(*fakeInstance).use(time.Millisecond)
				p.Return(inst)
			}
		}()
	}
	wg.Wait()

	if got := f.overlap.Load(); got != 0 {
		t.Errorf("detected %d overlapping uses of one instance", got)
	}
}

func TestCheckoutExhausted(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, WithSize(0, 1), WithCheckoutTimeout(50*time.Millisecond))

	held, err := p.Checkout(context.Background())
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	defer p.Return(held)

	start := time.Now()
	_, err = p.Checkout(context.Background())
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("checkout gave up too early: %v", elapsed)
	}
	if got := p.Stats().Created; got != 1 {
		t.Errorf("exhausted checkout must not create instances, created %d", got)
	}
}

func TestCheckoutCanceled(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, WithSize(0, 1), WithCheckoutTimeout(0))

	held, err := p.Checkout(context.Background())
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	defer p.Return(held)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err = p.Checkout(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if errors.Is(err, ErrExhausted) {
		t.Error("cancellation must not be reported as exhaustion")
	}
}

func TestCheckoutWaitsForRelease(t *testing.T) {
	run := func(t *testing.T, timeout time.Duration) (errs []error, elapsed time.Duration) {
		f := &fakeFactory{}
		p := newTestPool(t, f, WithSize(1, 2), WithCheckoutTimeout(timeout))
		if err := p.Warm(context.Background()); err != nil {
			t.Fatalf("warm failed: %v", err)
		}

		var mu sync.Mutex
		var wg sync.WaitGroup
		start := time.Now()
		for range 3 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				inst, err := p.Checkout(context.Background())
				if err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
					return
				}
				inst.(*fakeInstance).use(200 * time.Millisecond)
				p.Return(inst)
			}()
		}
		wg.Wait()
		return errs, time.Since(start)
	}

	t.Run("timeout above hold time", func(t *testing.T) {
		errs, elapsed := run(t, time.Second)
		if len(errs) != 0 {
			t.Fatalf("expected all requests to succeed, got %v", errs)
		}
		if elapsed < 380*time.Millisecond {
			t.Errorf("third request should have waited for a release, total %v", elapsed)
		}
	})

	t.Run("timeout below hold time", func(t *testing.T) {
		errs, _ := run(t, 100*time.Millisecond)
		if len(errs) != 1 {
			t.Fatalf("expected exactly one failure, got %v", errs)
		}
		if !errors.Is(errs[0], ErrExhausted) {
			t.Errorf("expected ErrExhausted, got %v", errs[0])
		}
	})
}

// =============================================================================
// CORRUPTION / DISCARD
// =============================================================================

func TestReturnCorruptedReplaces(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, WithSize(1, 1))

	inst, err := p.Checkout(context.Background())
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	bad := inst.(*fakeInstance)
	bad.corrupted.Store(true)
	p.Return(inst)

	if got := bad.closed.Load(); got != 1 {
		t.Errorf("corrupted instance closed %d times, want 1", got)
	}

	next, err := p.Checkout(context.Background())
	if err != nil {
		t.Fatalf("checkout after replacement failed: %v", err)
	}
	defer p.Return(next)

	if next == inst {
		t.Error("corrupted instance was handed out again")
	}
	stats := p.Stats()
	if stats.Discarded != 1 {
		t.Errorf("expected 1 discarded, got %d", stats.Discarded)
	}
	if stats.Borrowed+stats.Idle+stats.Pending != 1 {
		t.Errorf("pool size changed after replacement: %+v", stats)
	}
}

func TestDiscardUnknownInstanceIgnored(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f)

	stranger := &fakeInstance{overlap: &f.overlap}
	p.Discard(stranger)
	p.Return(stranger)

	if got := stranger.closed.Load(); got != 0 {
		t.Errorf("foreign instance was closed %d times", got)
	}
}

// =============================================================================
// DRAIN
// =============================================================================

func TestDrainDisposesEveryInstanceOnce(t *testing.T) {
	f := &fakeFactory{}
	p, err := New("drain", f.create, WithSize(2, 4))
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}
	if err := p.Warm(context.Background()); err != nil {
		t.Fatalf("warm failed: %v", err)
	}

	var held []Instance
	for range 3 {
		inst, err := p.Checkout(context.Background())
		if err != nil {
			t.Fatalf("checkout failed: %v", err)
		}
		held = append(held, inst)
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		for _, inst := range held {
			p.Return(inst)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Drain(ctx); err != nil {
		t.Fatalf("drain failed: %v", err)
	}

	for _, inst := range f.all() {
		if got := inst.closed.Load(); got != 1 {
			t.Errorf("instance %d closed %d times, want 1", inst.id, got)
		}
	}

	if _, err := p.Checkout(context.Background()); !errors.Is(err, ErrDraining) {
		t.Errorf("expected ErrDraining after drain, got %v", err)
	}
	if err := p.Drain(context.Background()); err != nil {
		t.Errorf("second drain should be a no-op, got %v", err)
	}
}

func TestDrainClosesAbandonedInstances(t *testing.T) {
	f := &fakeFactory{}
	p, err := New("abandoned", f.create, WithSize(0, 1))
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}

	inst, err := p.Checkout(context.Background())
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	p.Drain(ctx)

	fake := inst.(*fakeInstance)
	if got := fake.closed.Load(); got != 1 {
		t.Fatalf("abandoned instance closed %d times, want 1", got)
	}

	// The late return of the abandoned instance must not close it again.
	p.Return(inst)
	if got := fake.closed.Load(); got != 1 {
		t.Errorf("late return closed instance again (%d closes)", got)
	}
}

func TestDrainWakesWaiters(t *testing.T) {
	f := &fakeFactory{}
	p, err := New("waiters", f.create, WithSize(0, 1), WithCheckoutTimeout(0))
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}

	held, err := p.Checkout(context.Background())
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Checkout(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	go func() {
		time.Sleep(20 * time.Millisecond)
		p.Return(held)
	}()

	if err := p.Drain(context.Background()); err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if err := <-errCh; !errors.Is(err, ErrDraining) {
		t.Errorf("waiting checkout should fail with ErrDraining, got %v", err)
	}
}
