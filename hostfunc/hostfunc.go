package hostfunc

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"
)

// Func is a Go function callable from scripts. Arguments arrive as a
// normalized map; the result must be representable in every script language
// (nil, bool, numbers, string, []any, map[string]any).
type Func func(ctx context.Context, args map[string]any) (any, error)

type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	r.funcs[name] = fn
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Func, bool) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	return fn, ok
}

// List returns the registered names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.funcs))
}

// All returns a copy of the registered functions.
func (r *Registry) All() map[string]Func {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.funcs)
}

// Merge copies every function from other into r, overwriting duplicates.
func (r *Registry) Merge(other *Registry) {
	if other == nil {
		return
	}
	for name, fn := range other.All() {
		r.Register(name, fn)
	}
}

// TimeNow returns the current time as fractional unix seconds.
func TimeNow(ctx context.Context, args map[string]any) (any, error) {
	return float64(time.Now().UnixNano()) / 1e9, nil
}
