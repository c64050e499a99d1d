// Package pool manages bounded sets of stateful, single-owner runtime
// instances.
//
// # Overview
//
// Interpreted languages keep state between executions (globals, loaded
// modules, compiled function caches) and their runtimes are not safe for
// concurrent use. A [Pool] hands each instance to exactly one caller at a
// time and grows lazily up to a configured maximum:
//
//	p, err := pool.New("lua/routes", factory, pool.WithSize(1, 4))
//	if err != nil {
//	    return err
//	}
//	defer p.Drain(context.Background())
//
//	inst, err := p.Checkout(ctx)
//	if err != nil {
//	    return err // pool.ErrExhausted, pool.ErrDraining, or ctx.Err()
//	}
//	defer p.Return(inst)
//
// # Lifecycle
//
// Instances move Created → Idle → Borrowed → Idle | Discarded. An instance
// that reports itself corrupted through [Corruptible] is closed on return
// and replaced by a freshly created one, so the pool size stays stable.
//
// # Shutdown
//
// [Pool.Drain] stops accepting checkouts, waits for borrowed instances until
// its context ends, then closes every instance exactly once, including the
// ones still borrowed when the grace period ran out.
package pool
