// Package route keeps the registered handlers keyed by pattern and verb.
//
// Patterns compare case-insensitively, verbs are upper-cased. A route is
// never edited after it is added; replacing one means Remove and Register.
package route

import (
	"cmp"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/caffeineduck/gorute/executor"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrDuplicateRoute = errors.New("duplicate route")
	ErrInvalidRoute   = errors.New("invalid route")
)

// DuplicateRouteError reports the (pattern, verb) pairs that already exist.
type DuplicateRouteError struct {
	Pattern string
	Verbs   []string
}

func (e *DuplicateRouteError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrDuplicateRoute, strings.Join(e.Verbs, ","), e.Pattern)
}

func (e *DuplicateRouteError) Unwrap() error { return ErrDuplicateRoute }

// Metadata carries the cross-cutting request settings of a route.
type Metadata struct {
	Name string
	// Language is informational; native handlers leave it empty.
	Language executor.Language
	// DisableAntiForgery skips token validation on unsafe verbs.
	DisableAntiForgery bool
	// ShortCircuit answers with ShortCircuitStatus without running the
	// handler or any later middleware.
	ShortCircuit       bool
	ShortCircuitStatus int
	Tags               []string
}

// Route is one (pattern, verb) registration.
type Route struct {
	ID         string
	Pattern    string
	Verb       string
	Handler    executor.Handler
	Metadata   Metadata
	Registered time.Time
}

// Options configures a Registry.
type Options struct {
	// ThrowOnDuplicate rejects a colliding registration. When false the
	// first registration is kept and the collision is logged.
	ThrowOnDuplicate bool
	Logger           *zap.Logger
}

type key struct {
	pattern string
	verb    string
}

func keyOf(pattern, verb string) key {
	return key{pattern: strings.ToLower(pattern), verb: strings.ToUpper(verb)}
}

// Registry is safe for concurrent use.
type Registry struct {
	opts   Options
	logger *zap.Logger

	mu        sync.RWMutex
	routes    map[key]*Route
	listeners []func()
}

func New(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		opts:   opts,
		logger: logger,
		routes: make(map[key]*Route),
	}
}

// Register adds h under pattern for every verb and returns one Route per
// verb, in the order given.
func (r *Registry) Register(pattern string, verbs []string, h executor.Handler, meta Metadata) ([]*Route, error) {
	verbs, err := validate(pattern, verbs, h)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()

	var dups []string
	for _, verb := range verbs {
		if _, ok := r.routes[keyOf(pattern, verb)]; ok {
			dups = append(dups, verb)
		}
	}
	if len(dups) > 0 && r.opts.ThrowOnDuplicate {
		r.mu.Unlock()
		return nil, &DuplicateRouteError{Pattern: pattern, Verbs: dups}
	}

	now := time.Now()
	out := make([]*Route, len(verbs))
	added := 0
	for n, verb := range verbs {
		k := keyOf(pattern, verb)
		if existing, ok := r.routes[k]; ok {
			out[n] = existing
			continue
		}
		rt := &Route{
			ID:         uuid.NewString(),
			Pattern:    pattern,
			Verb:       verb,
			Handler:    h,
			Metadata:   meta,
			Registered: now,
		}
		rt.Metadata.Tags = slices.Clone(meta.Tags)
		r.routes[k] = rt
		out[n] = rt
		added++
	}
	listeners := slices.Clone(r.listeners)
	r.mu.Unlock()

	if len(dups) > 0 {
		r.logger.Warn("duplicate route ignored, keeping first registration",
			zap.String("pattern", pattern),
			zap.Strings("verbs", dups),
		)
	}
	if added > 0 {
		r.logger.Debug("route registered", zap.String("pattern", pattern), zap.Int("verbs", added))
		notify(listeners)
	}
	return out, nil
}

func validate(pattern string, verbs []string, h executor.Handler) ([]string, error) {
	if !strings.HasPrefix(pattern, "/") {
		return nil, fmt.Errorf("%w: pattern %q must start with /", ErrInvalidRoute, pattern)
	}
	if h == nil {
		return nil, fmt.Errorf("%w: %s has no handler", ErrInvalidRoute, pattern)
	}
	if len(verbs) == 0 {
		return nil, fmt.Errorf("%w: %s has no verbs", ErrInvalidRoute, pattern)
	}
	out := make([]string, 0, len(verbs))
	for _, v := range verbs {
		verb := strings.ToUpper(strings.TrimSpace(v))
		if verb == "" || strings.ContainsAny(verb, " \t/") {
			return nil, fmt.Errorf("%w: verb %q", ErrInvalidRoute, v)
		}
		if !slices.Contains(out, verb) {
			out = append(out, verb)
		}
	}
	return out, nil
}

func (r *Registry) Exists(pattern, verb string) bool {
	_, ok := r.Lookup(pattern, verb)
	return ok
}

func (r *Registry) Lookup(pattern, verb string) (*Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.routes[keyOf(pattern, verb)]
	return rt, ok
}

// Remove drops one registration and reports whether it existed.
func (r *Registry) Remove(pattern, verb string) bool {
	r.mu.Lock()
	k := keyOf(pattern, verb)
	_, ok := r.routes[k]
	delete(r.routes, k)
	listeners := slices.Clone(r.listeners)
	r.mu.Unlock()

	if ok {
		notify(listeners)
	}
	return ok
}

// Routes returns a snapshot sorted by pattern, then verb.
func (r *Registry) Routes() []*Route {
	r.mu.RLock()
	out := make([]*Route, 0, len(r.routes))
	for _, rt := range r.routes {
		out = append(out, rt)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Route) int {
		return cmp.Or(
			cmp.Compare(strings.ToLower(a.Pattern), strings.ToLower(b.Pattern)),
			cmp.Compare(a.Verb, b.Verb),
		)
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}

// OnChange registers fn to run after every mutation, outside the lock.
func (r *Registry) OnChange(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func notify(listeners []func()) {
	for _, fn := range listeners {
		fn()
	}
}

// IsUnsafe reports whether verb mutates state.
func IsUnsafe(verb string) bool {
	switch strings.ToUpper(verb) {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
